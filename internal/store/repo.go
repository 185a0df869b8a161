package store

import (
	"errors"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned by the in-memory store for a reused id.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrOutboxMessageNotFound is returned when an outbox id is unknown.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
)

// Session is the durable record of one therapy session.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	CurrentStage string            `json:"current_stage"`
	CrisisActive bool              `json:"crisis_active"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// MessageRecord is one transcript line of a session.
type MessageRecord struct {
	ID             int64       `json:"id"`
	SessionID      string      `json:"session_id"`
	Role           models.Role `json:"role"`
	Text           string      `json:"text"`
	PromptID       string      `json:"prompt_id,omitempty"`
	ResponseTimeMS int64       `json:"response_time_ms,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Message converts the record to a conversation message.
func (r MessageRecord) Message() models.Message {
	return models.Message{Role: r.Role, Text: r.Text, Timestamp: r.Timestamp, PromptID: r.PromptID}
}

// SupervisorOutput is a persisted supervisor decision for one turn.
type SupervisorOutput struct {
	ID        int64                     `json:"id"`
	SessionID string                    `json:"session_id"`
	Stage     string                    `json:"stage"`
	Decision  models.SupervisorDecision `json:"decision"`
	CreatedAt time.Time                 `json:"created_at"`
}

// PromptUse records which prompt served which turn.
type PromptUse struct {
	SessionID string           `json:"session_id"`
	PromptID  string           `json:"prompt_id"`
	Agent     models.AgentType `json:"agent"`
	Stage     string           `json:"stage"`
	UsedAt    time.Time        `json:"used_at"`
}

// SafetyFlag records risk detected in a session.
type SafetyFlag struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	Keywords  []string  `json:"keywords"`
	Excerpt   string    `json:"excerpt"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRepo persists sessions and everything recorded during them.
// Lists are returned in insertion order.
type SessionRepo interface {
	CreateSession(s Session) error
	GetSession(id string) (*Session, error)
	ListSessions() ([]Session, error)
	UpdateSessionStage(id, stage string) error
	SetCrisisActive(id string, active bool) error
	DeleteSession(id string) error

	AppendMessage(m MessageRecord) error
	ListMessages(sessionID string) ([]MessageRecord, error)

	SaveSupervisorOutput(o SupervisorOutput) error
	ListSupervisorOutputs(sessionID string) ([]SupervisorOutput, error)

	RecordPromptUse(p PromptUse) error
	ListPromptUses(sessionID string) ([]PromptUse, error)

	AddSafetyFlag(f SafetyFlag) error
	ListSafetyFlags(sessionID string) ([]SafetyFlag, error)
}

// Store is a full storage backend: the session repository plus the crisis
// alert outbox.
type Store interface {
	SessionRepo
	OutboxRepo
	Close() error
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
