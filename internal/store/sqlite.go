// Package store provides storage backends for TherapyPipe.
//
// This file implements an SQLite-backed session store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(sess Session) error {
	metadata, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, user_id, current_stage, crisis_active, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CurrentStage, sess.CrisisActive, metadata, sess.CreatedAt.UTC(), now,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sess.ID, "stage", sess.CurrentStage)
	return nil
}

// GetSession returns the session with id or ErrSessionNotFound.
func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, current_stage, crisis_active, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns all sessions, oldest first.
func (s *SQLiteStore) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, current_stage, crisis_active, metadata, created_at, updated_at
		 FROM sessions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return collect(rows, scanSession)
}

// UpdateSessionStage sets the session's current stage.
func (s *SQLiteStore) UpdateSessionStage(id, stage string) error {
	return s.updateSession(`UPDATE sessions SET current_stage = ?, updated_at = ? WHERE id = ?`, id, stage)
}

// SetCrisisActive sets the session's crisis flag.
func (s *SQLiteStore) SetCrisisActive(id string, active bool) error {
	return s.updateSession(`UPDATE sessions SET crisis_active = ?, updated_at = ? WHERE id = ?`, id, active)
}

func (s *SQLiteStore) updateSession(query, id string, value any) error {
	res, err := s.db.Exec(query, value, time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore updateSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and everything recorded for it.
func (s *SQLiteStore) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "supervisor_outputs", "prompts_used", "safety_flags"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s for session %s: %w", table, id, err)
		}
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session deletion: %w", err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "sessionID", id)
	return nil
}

// AppendMessage adds a transcript line.
func (s *SQLiteStore) AppendMessage(m MessageRecord) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, text, prompt_id, response_time_ms, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		m.SessionID, string(m.Role), m.Text, nilIfEmpty(m.PromptID), m.ResponseTimeMS, m.Timestamp.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "sessionID", m.SessionID, "role", m.Role)
		return fmt.Errorf("failed to insert message for session %s: %w", m.SessionID, err)
	}
	return nil
}

// ListMessages returns the transcript of a session in order.
func (s *SQLiteStore) ListMessages(sessionID string) ([]MessageRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, text, prompt_id, response_time_ms, timestamp
		 FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return collect(rows, scanMessage)
}

// SaveSupervisorOutput persists one supervisor decision.
func (s *SQLiteStore) SaveSupervisorOutput(o SupervisorOutput) error {
	decision, err := marshalDecision(o.Decision)
	if err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO supervisor_outputs (session_id, stage, decision, created_at) VALUES (?, ?, ?, ?)`,
		o.SessionID, o.Stage, decision, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert supervisor output for session %s: %w", o.SessionID, err)
	}
	return nil
}

// ListSupervisorOutputs returns the decisions recorded for a session.
func (s *SQLiteStore) ListSupervisorOutputs(sessionID string) ([]SupervisorOutput, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, stage, decision, created_at
		 FROM supervisor_outputs WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query supervisor outputs: %w", err)
	}
	return collect(rows, scanSupervisorOutput)
}

// RecordPromptUse records that a prompt served a turn.
func (s *SQLiteStore) RecordPromptUse(p PromptUse) error {
	if p.UsedAt.IsZero() {
		p.UsedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO prompts_used (session_id, prompt_id, agent, stage, used_at) VALUES (?, ?, ?, ?, ?)`,
		p.SessionID, p.PromptID, string(p.Agent), p.Stage, p.UsedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert prompt use for session %s: %w", p.SessionID, err)
	}
	return nil
}

// ListPromptUses returns the prompts used by a session.
func (s *SQLiteStore) ListPromptUses(sessionID string) ([]PromptUse, error) {
	rows, err := s.db.Query(
		`SELECT session_id, prompt_id, agent, stage, used_at
		 FROM prompts_used WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt uses: %w", err)
	}
	return collect(rows, scanPromptUse)
}

// AddSafetyFlag records detected risk.
func (s *SQLiteStore) AddSafetyFlag(f SafetyFlag) error {
	keywords, err := marshalKeywords(f.Keywords)
	if err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO safety_flags (session_id, stage, keywords, excerpt, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.SessionID, f.Stage, keywords, f.Excerpt, f.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore AddSafetyFlag failed", "error", err, "sessionID", f.SessionID)
		return fmt.Errorf("failed to insert safety flag for session %s: %w", f.SessionID, err)
	}
	return nil
}

// ListSafetyFlags returns the safety flags of a session.
func (s *SQLiteStore) ListSafetyFlags(sessionID string) ([]SafetyFlag, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, stage, keywords, excerpt, created_at
		 FROM safety_flags WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety flags: %w", err)
	}
	return collect(rows, scanSafetyFlag)
}
