// Package store provides storage backends for TherapyPipe.
//
// It includes an in-memory store used when no database is configured, and
// SQLite and PostgreSQL stores for durable session transcripts.
package store

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// InMemoryStore keeps sessions and outbox messages in process memory.
type InMemoryStore struct {
	mu sync.RWMutex

	sessions    map[string]Session
	order       []string
	messages    map[string][]MessageRecord
	supervisor  map[string][]SupervisorOutput
	promptUses  map[string][]PromptUse
	safetyFlags map[string][]SafetyFlag
	outbox      []OutboxMessage
	nextID      int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]Session),
		messages:    make(map[string][]MessageRecord),
		supervisor:  make(map[string][]SupervisorOutput),
		promptUses:  make(map[string][]PromptUse),
		safetyFlags: make(map[string][]SafetyFlag),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *InMemoryStore) CreateSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrDuplicateSession
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Metadata = maps.Clone(sess.Metadata)
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.Metadata = maps.Clone(sess.Metadata)
	return &sess, nil
}

func (s *InMemoryStore) ListSessions() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.order))
	for _, id := range s.order {
		sess := s.sessions[id]
		sess.Metadata = maps.Clone(sess.Metadata)
		out = append(out, sess)
	}
	return out, nil
}

func (s *InMemoryStore) UpdateSessionStage(id, stage string) error {
	return s.update(id, func(sess *Session) { sess.CurrentStage = stage })
}

func (s *InMemoryStore) SetCrisisActive(id string, active bool) error {
	return s.update(id, func(sess *Session) { sess.CrisisActive = active })
}

func (s *InMemoryStore) update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	fn(&sess)
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	delete(s.supervisor, id)
	delete(s.promptUses, id)
	delete(s.safetyFlags, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

func (s *InMemoryStore) AppendMessage(m MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[m.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.ID = s.id()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return nil
}

func (s *InMemoryStore) ListMessages(sessionID string) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MessageRecord{}, s.messages[sessionID]...), nil
}

func (s *InMemoryStore) SaveSupervisorOutput(o SupervisorOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[o.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.ID = s.id()
	o.Decision.Handoff = maps.Clone(o.Decision.Handoff)
	s.supervisor[o.SessionID] = append(s.supervisor[o.SessionID], o)
	return nil
}

func (s *InMemoryStore) ListSupervisorOutputs(sessionID string) ([]SupervisorOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SupervisorOutput{}, s.supervisor[sessionID]...), nil
}

func (s *InMemoryStore) RecordPromptUse(p PromptUse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[p.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if p.UsedAt.IsZero() {
		p.UsedAt = time.Now()
	}
	s.promptUses[p.SessionID] = append(s.promptUses[p.SessionID], p)
	return nil
}

func (s *InMemoryStore) ListPromptUses(sessionID string) ([]PromptUse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PromptUse{}, s.promptUses[sessionID]...), nil
}

func (s *InMemoryStore) AddSafetyFlag(f SafetyFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[f.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.ID = s.id()
	f.Keywords = append([]string{}, f.Keywords...)
	s.safetyFlags[f.SessionID] = append(s.safetyFlags[f.SessionID], f)
	return nil
}

func (s *InMemoryStore) ListSafetyFlags(sessionID string) ([]SafetyFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SafetyFlag{}, s.safetyFlags[sessionID]...), nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && !m.Status.terminal() {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := OutboxMessage{
		ID:          newOutboxID(),
		SessionID:   sessionID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	for i := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		m := &s.outbox[i]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) MarkOutboxMessageFailed(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOutboxMessages(sessionID string) ([]OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []OutboxMessage{}
	for _, m := range s.outbox {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrOutboxMessageNotFound
}
