// Package store provides SQLite persistence for mcpgate.
//
// # Overview
//
// SQLiteStore (modernc.org/sqlite, no cgo) implements three interfaces:
//
//   - CredentialStore: API keys (api_keys)
//   - AuditStore: audit records (audit_records) and security events (security_events)
//   - AssessmentStore: properties, assessment history, and appeals
//
// The database runs in WAL mode with foreign keys enabled. The schema is
// created on open and additive migrations are applied idempotently.
//
// # Audit Records
//
// Each request ID owns exactly one audit_records row. InsertAuditRecord writes
// it with status "starting"; FinalizeAuditRecord moves it to success, error, or
// rejected. A row never leaves a terminal status: a second finalize returns
// ErrAlreadyFinalized.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC RFC3339 strings with nanoseconds so
// that ORDER BY on the text column is chronological.
//
// # Errors
//
//   - ErrNotFound: entity does not exist
//   - ErrDuplicate: unique key already taken
//   - ErrAlreadyFinalized: audit record already has a terminal status
package store
