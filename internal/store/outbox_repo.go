package store

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of a queued crisis alert.
type OutboxStatus string

// A message moves queued -> sending -> sent, going back to queued on a
// retryable failure and ending in failed once attempts run out.
const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxKindCrisisAlert marks alerts to on-call staff about a crisis
// detected in a session.
const OutboxKindCrisisAlert = "crisis_alert"

// OutboxMessage is one durable alert awaiting delivery.
type OutboxMessage struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// terminal reports whether no further delivery will be attempted.
func (s OutboxStatus) terminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusFailed || s == OutboxStatusCanceled
}

func newOutboxID() string {
	return "outbox_" + uuid.NewString()
}

// OutboxRepo persists crisis alerts so a restart cannot lose one.
type OutboxRepo interface {
	// EnqueueOutboxMessage stores an alert. A non-empty dedupeKey that matches
	// a still pending alert returns that alert's id instead.
	EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages moves up to limit due alerts to sending.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records errMsg and requeues the alert for nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// MarkOutboxMessageFailed records errMsg and stops retrying.
	MarkOutboxMessageFailed(id string, errMsg string) error

	// RequeueStaleSendingMessages returns alerts left in sending since before
	// staleBefore to the queue, after a crash.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)

	ListOutboxMessages(sessionID string) ([]OutboxMessage, error)
}
