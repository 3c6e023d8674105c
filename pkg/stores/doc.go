// Package stores persists the run journal: finished runs with their
// phase aggregates and per-target attempt history, plus the event
// stream, in an embedded SQLite database.
package stores
