// Package exam holds nitewatch's domain model: exam events keyed by
// (date, location), snapshots of them, the diff between two snapshots, and the
// notification text rendered for an appearance.
package exam
