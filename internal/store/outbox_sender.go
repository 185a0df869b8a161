// Package store provides the OutboxSender for delivering queued crisis alerts.
package store

import (
	"context"
	"log/slog"
	"time"
)

// Defaults for OutboxSender.
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxMaxAttempts    = 8
	DefaultOutboxBaseBackoff    = 10 * time.Second
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxObserver is notified about every delivery attempt.
type OutboxObserver func(kind string, err error)

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithMaxAttempts sets how many failed attempts a message gets before it is
// marked failed for good. Zero or less retries forever.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) {
		s.maxAttempts = n
	}
}

// WithBaseBackoff sets the delay before the first retry; each further retry doubles it.
func WithBaseBackoff(d time.Duration) SenderOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.baseBackoff = d
		}
	}
}

// WithOutboxObserver registers a callback invoked after each send attempt.
func WithOutboxObserver(o OutboxObserver) SenderOption {
	return func(s *OutboxSender) {
		s.observer = o
	}
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	baseBackoff    time.Duration
	observer       OutboxObserver
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
		baseBackoff:    DefaultOutboxBaseBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush claims and sends every message due now. It returns the number of
// messages delivered.
func (s *OutboxSender) Flush(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Flush: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.Flush: sending message", "id", msg.ID, "sessionID", msg.SessionID, "kind", msg.Kind)
		err := s.sendFunc(ctx, msg)
		if s.observer != nil {
			s.observer(msg.Kind, err)
		}
		if err != nil {
			s.fail(msg, err, now)
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Flush: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.Flush: message sent", "id", msg.ID, "sessionID", msg.SessionID)
	}
	return sent
}

func (s *OutboxSender) fail(msg OutboxMessage, sendErr error, now time.Time) {
	slog.Error("OutboxSender.fail: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", sendErr)
	if s.maxAttempts > 0 && msg.Attempts+1 >= s.maxAttempts {
		slog.Error("OutboxSender.fail: giving up on message", "id", msg.ID, "sessionID", msg.SessionID)
		if err := s.repo.MarkOutboxMessageFailed(msg.ID, sendErr.Error()); err != nil {
			slog.Error("OutboxSender.fail: mark failed error", "id", msg.ID, "error", err)
		}
		return
	}
	// Exponential backoff: base, 2*base, 4*base, ...
	nextAttempt := now.Add(s.baseBackoff << msg.Attempts)
	if err := s.repo.FailOutboxMessage(msg.ID, sendErr.Error(), nextAttempt); err != nil {
		slog.Error("OutboxSender.fail: fail message error", "id", msg.ID, "error", err)
	}
}
