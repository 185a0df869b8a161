package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanOutboxMessage scans an OutboxMessage from a result row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.SessionID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanSession scans a Session with its metadata JSON column.
func scanSession(row rowScanner) (Session, error) {
	var s Session
	var metadata sql.NullString
	if err := row.Scan(&s.ID, &s.UserID, &s.CurrentStage, &s.CrisisActive, &metadata, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &s.Metadata); err != nil {
			// Continue with empty metadata rather than failing
			slog.Warn("scanSession: metadata unmarshal failed", "sessionID", s.ID, "error", err)
			s.Metadata = nil
		}
	}
	return s, nil
}

// scanMessage scans a MessageRecord.
func scanMessage(row rowScanner) (MessageRecord, error) {
	var m MessageRecord
	var promptID sql.NullString
	var responseTime sql.NullInt64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Text, &promptID, &responseTime, &m.Timestamp); err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.PromptID = promptID.String
	m.ResponseTimeMS = responseTime.Int64
	return m, nil
}

// scanSupervisorOutput scans a SupervisorOutput stored as decision JSON.
func scanSupervisorOutput(row rowScanner) (SupervisorOutput, error) {
	var o SupervisorOutput
	var decisionJSON string
	if err := row.Scan(&o.ID, &o.SessionID, &o.Stage, &decisionJSON, &o.CreatedAt); err != nil {
		return o, fmt.Errorf("scan supervisor output failed: %w", err)
	}
	if err := json.Unmarshal([]byte(decisionJSON), &o.Decision); err != nil {
		return o, fmt.Errorf("failed to decode supervisor decision %d: %w", o.ID, err)
	}
	return o, nil
}

// scanPromptUse scans a PromptUse.
func scanPromptUse(row rowScanner) (PromptUse, error) {
	var p PromptUse
	var agent string
	if err := row.Scan(&p.SessionID, &p.PromptID, &agent, &p.Stage, &p.UsedAt); err != nil {
		return p, fmt.Errorf("scan prompt use failed: %w", err)
	}
	p.Agent = models.AgentType(agent)
	return p, nil
}

// scanSafetyFlag scans a SafetyFlag with its keyword JSON column.
func scanSafetyFlag(row rowScanner) (SafetyFlag, error) {
	var f SafetyFlag
	var keywords sql.NullString
	if err := row.Scan(&f.ID, &f.SessionID, &f.Stage, &keywords, &f.Excerpt, &f.CreatedAt); err != nil {
		return f, fmt.Errorf("scan safety flag failed: %w", err)
	}
	f.Keywords = []string{}
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &f.Keywords); err != nil {
			return f, fmt.Errorf("failed to decode safety flag keywords %d: %w", f.ID, err)
		}
	}
	return f, nil
}

// marshalMetadata encodes session metadata; empty metadata is stored as NULL.
func marshalMetadata(md map[string]string) (interface{}, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session metadata: %w", err)
	}
	return string(b), nil
}

func marshalKeywords(keywords []string) (string, error) {
	if keywords == nil {
		keywords = []string{}
	}
	b, err := json.Marshal(keywords)
	if err != nil {
		return "", fmt.Errorf("failed to encode safety keywords: %w", err)
	}
	return string(b), nil
}

func marshalDecision(d models.SupervisorDecision) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode supervisor decision: %w", err)
	}
	return string(b), nil
}

// collect drains rows through scan.
func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return out, nil
}
