// Package database opens the PostgreSQL pool backing the transcript ledger.
package database
