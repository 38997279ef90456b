// Package sqlite stores localization runs in a SQLite database.
//
// A run row is created at startup and folds in every cycle result
// (counts, maximum and mean position error, last pose). Per-cycle rows
// are optional. The schema is managed by embedded golang-migrate
// migrations.
package sqlite
