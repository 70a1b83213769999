// Package source fetches the exam schedule from the national testing center's
// registration API.
package source
