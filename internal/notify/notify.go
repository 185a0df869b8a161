// Package notify delivers crisis notifications: a log line for operators, a
// durable outbox entry, and an SMS alert sent by the outbox worker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/store"
)

// CrisisAlert describes a crisis detected in a session.
type CrisisAlert struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	Stage      string    `json:"stage"`
	Keywords   []string  `json:"keywords,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Notifier is told about crises and about crisis messages shown to the user.
type Notifier interface {
	NotifyCrisisDetected(ctx context.Context, alert CrisisAlert) error
	ShowCrisisMessage(ctx context.Context, sessionID, message string) error
}

// LogNotifier only logs. It is used when no alert channel is configured.
type LogNotifier struct{}

func (LogNotifier) NotifyCrisisDetected(ctx context.Context, alert CrisisAlert) error {
	slog.Warn("LogNotifier.NotifyCrisisDetected: crisis detected",
		"sessionID", alert.SessionID,
		"stage", alert.Stage,
		"keywords", alert.Keywords,
		"reason", alert.Reason)
	return nil
}

func (LogNotifier) ShowCrisisMessage(ctx context.Context, sessionID, message string) error {
	slog.Info("LogNotifier.ShowCrisisMessage: crisis message shown", "sessionID", sessionID, "length", len(message))
	return nil
}

// OutboxNotifier enqueues crisis alerts in the durable outbox. While an
// alert for a session is still pending, further crises in that session are
// folded into it.
type OutboxNotifier struct {
	repo store.OutboxRepo
}

// NewOutboxNotifier creates a notifier writing to repo.
func NewOutboxNotifier(repo store.OutboxRepo) *OutboxNotifier {
	return &OutboxNotifier{repo: repo}
}

func (n *OutboxNotifier) NotifyCrisisDetected(ctx context.Context, alert CrisisAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode crisis alert: %w", err)
	}
	id, err := n.repo.EnqueueOutboxMessage(alert.SessionID, store.OutboxKindCrisisAlert, string(payload), DedupeKey(alert.SessionID))
	if err != nil {
		slog.Error("OutboxNotifier.NotifyCrisisDetected: enqueue failed", "sessionID", alert.SessionID, "error", err)
		return fmt.Errorf("failed to enqueue crisis alert: %w", err)
	}
	slog.Info("OutboxNotifier.NotifyCrisisDetected: alert queued", "sessionID", alert.SessionID, "outboxID", id)
	return nil
}

// ShowCrisisMessage is a no-op: the message reaches the user in the turn response.
func (n *OutboxNotifier) ShowCrisisMessage(ctx context.Context, sessionID, message string) error {
	return nil
}

// DedupeKey is the outbox dedupe key of crisis alerts for sessionID.
func DedupeKey(sessionID string) string {
	return "crisis_alert:" + sessionID
}

// Multi fans out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) NotifyCrisisDetected(ctx context.Context, alert CrisisAlert) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyCrisisDetected(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ShowCrisisMessage(ctx context.Context, sessionID, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.ShowCrisisMessage(ctx, sessionID, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatAlert renders the SMS body of an alert.
func FormatAlert(alert CrisisAlert) string {
	var b strings.Builder
	b.WriteString("TherapyPipe: wykryto kryzys w sesji ")
	b.WriteString(alert.SessionID)
	if alert.Stage != "" {
		b.WriteString(" (etap: " + alert.Stage + ")")
	}
	if len(alert.Keywords) > 0 {
		b.WriteString(". Słowa kluczowe: " + strings.Join(alert.Keywords, ", "))
	}
	if !alert.DetectedAt.IsZero() {
		b.WriteString(". Czas: " + alert.DetectedAt.Format(time.RFC3339))
	}
	return b.String()
}
