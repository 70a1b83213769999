// Package storage persists nitewatch state.
//
// It holds the current set of known exam events with an append-only change log
// next to it, and the subscription index. The index maps each location to the
// subscribers following it.
//
// Drivers:
//   - "sqlite": embedded database file (default)
//   - "postgres": shared database, schema managed by golang-migrate
//   - "memory": process-local, for dry runs and tests
package storage
