// Package ledger records session transcripts.
//
// A Store persists entries; the Recorder sits in front of it so callers on
// the hot path (the event dispatcher) can append without blocking. Entries
// are grouped by session id and read back in append order.
//
// Backends:
//   - FileStore: sessions index plus one append-only JSONL file per session
//   - PostgresStore: transcript_entries table, batch inserts through pgx
//   - RedisStore: one list per session
//
// Entry ids are ULIDs so lexical order matches creation order; session ids
// are UUIDs.
package ledger
