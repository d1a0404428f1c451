// Package storage persists defects, dropdown lists and notification subscribers.
//
// One database/sql implementation serves two drivers:
//   - "sqlite": modernc.org/sqlite (pure Go, single file)
//   - "postgres": github.com/jackc/pgx/v5/stdlib
//
// The schema is created idempotently at Open from embedded SQL.
package storage
