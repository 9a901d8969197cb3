// Package store persists market data and serves read queries.
//
// Writes are write-behind: Append and Upsert calls enqueue onto a
// bounded queue and return immediately. A writer goroutine drains the
// queue, batches rows by kind, and flushes on batch size or interval
// using pgx batch inserts. History tables insert with ON CONFLICT DO
// NOTHING so replayed frames after a reconnect do not duplicate rows;
// latest views upsert. A failed flush is retried a bounded number of
// times and then dropped with a warning, keeping ingestion alive when
// the database is down.
//
// Two implementations exist: Postgres (production) and an in-memory
// store used in tests and when no database is configured.
package store
