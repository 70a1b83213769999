// Package logx configures nitewatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output readable
// (short timestamp and caller), file output JSON-structured, and lets an optional
// alert sink forward warnings and errors to an operator chat.
package logx
