// ABOUTME: SQLite implementation of the credential, audit, and assessment stores using modernc.org/sqlite
// ABOUTME: Opens the database with WAL enabled and creates the schema automatically

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is used for every persisted timestamp so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interfaces using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each new connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS api_keys (
			key_id         TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL,
			label          TEXT NOT NULL DEFAULT '',
			scope          TEXT NOT NULL,
			ip_allow_list  TEXT NOT NULL DEFAULT '[]',
			secret_hash    BLOB NOT NULL,
			expires_at     TEXT,
			created_at     TEXT NOT NULL,
			revoked        INTEGER NOT NULL DEFAULT 0,
			revoked_at     TEXT,

			CHECK (scope IN ('READ_ONLY', 'READ_WRITE', 'ADMIN'))
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id);

		CREATE TABLE IF NOT EXISTS audit_records (
			request_id      TEXT PRIMARY KEY,
			identity        TEXT NOT NULL,
			tool_name       TEXT NOT NULL,
			parameters_json TEXT,
			status          TEXT NOT NULL,
			http_status     INTEGER NOT NULL DEFAULT 0,
			start_time      TEXT NOT NULL,
			end_time        TEXT,
			error_detail    TEXT,

			CHECK (status IN ('starting', 'success', 'error', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_records_start ON audit_records(start_time DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_records_identity ON audit_records(identity);
		CREATE INDEX IF NOT EXISTS idx_audit_records_tool ON audit_records(tool_name);

		CREATE TABLE IF NOT EXISTS security_events (
			event_id   TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			category   TEXT NOT NULL,
			identity   TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			ts         TEXT NOT NULL,

			UNIQUE (request_id, category),
			CHECK (category IN ('sql_injection', 'xss', 'command_injection', 'path_traversal', 'rate_limit_exceeded'))
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_security_events_identity ON security_events(identity);

		CREATE TABLE IF NOT EXISTS properties (
			parcel_id             TEXT PRIMARY KEY,
			address               TEXT NOT NULL,
			neighborhood          TEXT NOT NULL DEFAULT '',
			property_class        TEXT NOT NULL DEFAULT '',
			assessed_value        REAL NOT NULL DEFAULT 0,
			land_value            REAL NOT NULL DEFAULT 0,
			improvement_value     REAL NOT NULL DEFAULT 0,
			year_built            INTEGER NOT NULL DEFAULT 0,
			owner_name            TEXT NOT NULL DEFAULT '',
			owner_mailing_address TEXT NOT NULL DEFAULT '',
			owner_tax_id          TEXT NOT NULL DEFAULT '',
			updated_at            TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_properties_neighborhood ON properties(neighborhood);

		CREATE TABLE IF NOT EXISTS assessment_history (
			history_id     TEXT PRIMARY KEY,
			parcel_id      TEXT NOT NULL REFERENCES properties(parcel_id),
			previous_value REAL NOT NULL,
			new_value      REAL NOT NULL,
			reason         TEXT NOT NULL,
			changed_by     TEXT NOT NULL,
			changed_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_assessment_history_parcel ON assessment_history(parcel_id, changed_at);

		CREATE TABLE IF NOT EXISTS appeals (
			appeal_id       TEXT PRIMARY KEY,
			parcel_id       TEXT NOT NULL REFERENCES properties(parcel_id),
			filed_by        TEXT NOT NULL,
			requested_value REAL NOT NULL,
			reason          TEXT NOT NULL,
			status          TEXT NOT NULL,
			notes           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'under_review', 'approved', 'denied', 'withdrawn'))
		);

		CREATE INDEX IF NOT EXISTS idx_appeals_parcel ON appeals(parcel_id);
		CREATE INDEX IF NOT EXISTS idx_appeals_status ON appeals(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "api_keys",
			column: "label",
			apply:  `ALTER TABLE api_keys ADD COLUMN label TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "audit_records",
			column: "http_status",
			apply:  `ALTER TABLE audit_records ADD COLUMN http_status INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older builds used plain RFC3339.
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
