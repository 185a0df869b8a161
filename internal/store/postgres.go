// Package store provides storage backends for TherapyPipe.
//
// This file implements a PostgreSQL-backed session store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

// CreateSession inserts a new session.
func (s *PostgresStore) CreateSession(sess Session) error {
	metadata, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, user_id, current_stage, crisis_active, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.UserID, sess.CurrentStage, sess.CrisisActive, metadata, sess.CreatedAt, now,
	)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", sess.ID, "stage", sess.CurrentStage)
	return nil
}

// GetSession returns the session with id or ErrSessionNotFound.
func (s *PostgresStore) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, current_stage, crisis_active, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns all sessions, oldest first.
func (s *PostgresStore) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, current_stage, crisis_active, metadata, created_at, updated_at
		 FROM sessions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return collect(rows, scanSession)
}

// UpdateSessionStage sets the session's current stage.
func (s *PostgresStore) UpdateSessionStage(id, stage string) error {
	return s.updateSession(`UPDATE sessions SET current_stage = $1, updated_at = $2 WHERE id = $3`, id, stage)
}

// SetCrisisActive sets the session's crisis flag.
func (s *PostgresStore) SetCrisisActive(id string, active bool) error {
	return s.updateSession(`UPDATE sessions SET crisis_active = $1, updated_at = $2 WHERE id = $3`, id, active)
}

func (s *PostgresStore) updateSession(query, id string, value any) error {
	res, err := s.db.Exec(query, value, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore updateSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and everything recorded for it.
func (s *PostgresStore) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "supervisor_outputs", "prompts_used", "safety_flags"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE session_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete %s for session %s: %w", table, id, err)
		}
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session deletion: %w", err)
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "sessionID", id)
	return nil
}

// AppendMessage adds a transcript line.
func (s *PostgresStore) AppendMessage(m MessageRecord) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, text, prompt_id, response_time_ms, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.SessionID, string(m.Role), m.Text, nilIfEmpty(m.PromptID), m.ResponseTimeMS, m.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "sessionID", m.SessionID, "role", m.Role)
		return fmt.Errorf("failed to insert message for session %s: %w", m.SessionID, err)
	}
	return nil
}

// ListMessages returns the transcript of a session in order.
func (s *PostgresStore) ListMessages(sessionID string) ([]MessageRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, text, prompt_id, response_time_ms, timestamp
		 FROM messages WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return collect(rows, scanMessage)
}

// SaveSupervisorOutput persists one supervisor decision.
func (s *PostgresStore) SaveSupervisorOutput(o SupervisorOutput) error {
	decision, err := marshalDecision(o.Decision)
	if err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO supervisor_outputs (session_id, stage, decision, created_at) VALUES ($1, $2, $3, $4)`,
		o.SessionID, o.Stage, decision, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert supervisor output for session %s: %w", o.SessionID, err)
	}
	return nil
}

// ListSupervisorOutputs returns the decisions recorded for a session.
func (s *PostgresStore) ListSupervisorOutputs(sessionID string) ([]SupervisorOutput, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, stage, decision, created_at
		 FROM supervisor_outputs WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query supervisor outputs: %w", err)
	}
	return collect(rows, scanSupervisorOutput)
}

// RecordPromptUse records that a prompt served a turn.
func (s *PostgresStore) RecordPromptUse(p PromptUse) error {
	if p.UsedAt.IsZero() {
		p.UsedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO prompts_used (session_id, prompt_id, agent, stage, used_at) VALUES ($1, $2, $3, $4, $5)`,
		p.SessionID, p.PromptID, string(p.Agent), p.Stage, p.UsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prompt use for session %s: %w", p.SessionID, err)
	}
	return nil
}

// ListPromptUses returns the prompts used by a session.
func (s *PostgresStore) ListPromptUses(sessionID string) ([]PromptUse, error) {
	rows, err := s.db.Query(
		`SELECT session_id, prompt_id, agent, stage, used_at
		 FROM prompts_used WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt uses: %w", err)
	}
	return collect(rows, scanPromptUse)
}

// AddSafetyFlag records detected risk.
func (s *PostgresStore) AddSafetyFlag(f SafetyFlag) error {
	keywords, err := marshalKeywords(f.Keywords)
	if err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO safety_flags (session_id, stage, keywords, excerpt, created_at) VALUES ($1, $2, $3, $4, $5)`,
		f.SessionID, f.Stage, keywords, f.Excerpt, f.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddSafetyFlag failed", "error", err, "sessionID", f.SessionID)
		return fmt.Errorf("failed to insert safety flag for session %s: %w", f.SessionID, err)
	}
	return nil
}

// ListSafetyFlags returns the safety flags of a session.
func (s *PostgresStore) ListSafetyFlags(sessionID string) ([]SafetyFlag, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, stage, keywords, excerpt, created_at
		 FROM safety_flags WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety flags: %w", err)
	}
	return collect(rows, scanSafetyFlag)
}
