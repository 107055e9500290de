// Package storage persists queued content items.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx, schema managed with golang-migrate
//   - "memory": in-process map, for dry runs
//
// Items are plain values. Every status change is an explicit store call;
// nothing is written back implicitly.
package storage
