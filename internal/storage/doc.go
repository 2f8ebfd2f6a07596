// Package storage persists the pipeline's optional durable state: the
// resource cache index and an append-only delivery log used for
// postmortems.
//
// Backends:
//   - "file": JSON Lines log + snapshot/journal index (no dependencies)
//   - "sqlite": SQLite database via modernc.org/sqlite, schema managed by
//     golang-migrate
package storage
