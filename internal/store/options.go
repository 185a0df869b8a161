package store

import "strings"

// Opts holds configuration for the SQL store backends.
type Opts struct {
	DSN string // data source name: a file path for SQLite, a URL or key=value string for Postgres
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the path of the SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// Postgres URLs and key=value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return "postgres"
	case strings.Contains(d, "host=") || strings.Contains(d, "dbname="):
		return "postgres"
	default:
		return "sqlite3"
	}
}
