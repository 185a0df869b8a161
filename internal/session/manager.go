// Package session keeps the durable record of one therapy session: its
// transcript, current stage, crisis flag and the decisions taken during it.
//
// A Manager is bound to a single session. Create or Load one before calling
// any other method; until then every method returns ErrNoSession.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
	"github.com/BTreeMap/TherapyPipe/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrNoSession is returned when the manager has no active session.
	ErrNoSession = errors.New("no active session")
	// ErrEmptyText is returned for blank transcript lines.
	ErrEmptyText = errors.New("message text cannot be empty")
)

// TransitionMessage is the system line appended when a session enters stageName.
func TransitionMessage(stageName string) string {
	return "[Etap terapii: " + stageName + "]"
}

// Manager records one session in a SessionRepo.
type Manager struct {
	repo   store.SessionRepo
	stages *stage.Registry

	mu      sync.RWMutex
	session *store.Session
}

// NewManager creates a manager with no active session.
func NewManager(repo store.SessionRepo, stages *stage.Registry) *Manager {
	return &Manager{repo: repo, stages: stages}
}

// CreateSession starts a new session in the first stage.
func (m *Manager) CreateSession(ctx context.Context, userID string, metadata map[string]string) (store.Session, error) {
	sess := store.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CurrentStage: m.stages.First().ID,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}
	if err := m.repo.CreateSession(sess); err != nil {
		slog.Error("Manager.CreateSession: create failed", "userID", userID, "error", err)
		return store.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	sess.UpdatedAt = sess.CreatedAt

	m.mu.Lock()
	m.session = &sess
	m.mu.Unlock()

	slog.Info("Manager.CreateSession: session created", "sessionID", sess.ID, "userID", userID, "stage", sess.CurrentStage)
	return sess, nil
}

// Load makes an existing session the active one.
func (m *Manager) Load(ctx context.Context, id string) (store.Session, error) {
	sess, err := m.repo.GetSession(id)
	if err != nil {
		return store.Session{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if !m.stages.Exists(sess.CurrentStage) {
		slog.Warn("Manager.Load: unknown stage, resetting to first", "sessionID", id, "stage", sess.CurrentStage)
		sess.CurrentStage = m.stages.First().ID
		if err := m.repo.UpdateSessionStage(id, sess.CurrentStage); err != nil {
			return store.Session{}, fmt.Errorf("failed to repair session stage: %w", err)
		}
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	slog.Debug("Manager.Load: session loaded", "sessionID", id, "stage", sess.CurrentStage)
	return *sess, nil
}

// ID returns the active session id, or "" when none is active.
func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}

// Session returns a copy of the active session.
func (m *Manager) Session() (store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return store.Session{}, ErrNoSession
	}
	return *m.session, nil
}

func (m *Manager) active() (string, error) {
	id := m.ID()
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// AddUserMessage appends a user line to the transcript.
func (m *Manager) AddUserMessage(ctx context.Context, text string) error {
	return m.append(models.RoleUser, text, "", 0)
}

// AddAssistantMessage appends a therapist line with the prompt that produced it.
func (m *Manager) AddAssistantMessage(ctx context.Context, text, promptID string, responseTime time.Duration) error {
	return m.append(models.RoleTherapist, text, promptID, responseTime)
}

// AddSystemMessage appends a protocol line such as a stage transition.
func (m *Manager) AddSystemMessage(ctx context.Context, text string) error {
	return m.append(models.RoleSystem, text, "", 0)
}

func (m *Manager) append(role models.Role, text, promptID string, responseTime time.Duration) error {
	id, err := m.active()
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	rec := store.MessageRecord{
		SessionID:      id,
		Role:           role,
		Text:           text,
		PromptID:       promptID,
		ResponseTimeMS: responseTime.Milliseconds(),
		Timestamp:      time.Now(),
	}
	if err := m.repo.AppendMessage(rec); err != nil {
		slog.Error("Manager.append: failed to store message", "sessionID", id, "role", role, "error", err)
		return fmt.Errorf("failed to append %s message: %w", role, err)
	}
	slog.Debug("Manager.append: message stored", "sessionID", id, "role", role, "length", len(text))
	return nil
}

// LastMessage returns the most recent transcript line.
func (m *Manager) LastMessage(ctx context.Context) (store.MessageRecord, bool, error) {
	msgs, err := m.Transcript(ctx)
	if err != nil || len(msgs) == 0 {
		return store.MessageRecord{}, false, err
	}
	return msgs[len(msgs)-1], true, nil
}

// Transcript returns every line of the session in order.
func (m *Manager) Transcript(ctx context.Context) ([]store.MessageRecord, error) {
	id, err := m.active()
	if err != nil {
		return nil, err
	}
	msgs, err := m.repo.ListMessages(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return msgs, nil
}

// Messages returns the transcript as conversation messages.
func (m *Manager) Messages(ctx context.Context) ([]models.Message, error) {
	recs, err := m.Transcript(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, len(recs))
	for i, r := range recs {
		out[i] = r.Message()
	}
	return out, nil
}

// CurrentStage returns the active stage id, or "" without a session.
func (m *Manager) CurrentStage() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.CurrentStage
}

// CurrentStageInfo returns the descriptor of the active stage.
func (m *Manager) CurrentStageInfo() models.StageInfo {
	if info, ok := m.stages.Get(m.CurrentStage()); ok {
		return info
	}
	return m.stages.First()
}

// Stages exposes the registry the manager moves through.
func (m *Manager) Stages() *stage.Registry {
	return m.stages
}

// AdvanceToNextStage moves to the next stage. On the last stage nothing
// changes and changed is false.
func (m *Manager) AdvanceToNextStage(ctx context.Context) (changed bool, info models.StageInfo, err error) {
	return m.move(m.stages.Next)
}

// RetreatToPreviousStage moves to the previous stage. On the first stage
// nothing changes and changed is false.
func (m *Manager) RetreatToPreviousStage(ctx context.Context) (changed bool, info models.StageInfo, err error) {
	return m.move(m.stages.Previous)
}

func (m *Manager) move(step func(string) (models.StageInfo, bool)) (bool, models.StageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false, models.StageInfo{}, ErrNoSession
	}
	from := m.session.CurrentStage
	to, ok := step(from)
	if !ok {
		info, _ := m.stages.Get(from)
		return false, info, nil
	}
	if err := m.repo.UpdateSessionStage(m.session.ID, to.ID); err != nil {
		return false, models.StageInfo{}, fmt.Errorf("failed to update stage: %w", err)
	}
	m.session.CurrentStage = to.ID
	m.session.UpdatedAt = time.Now()
	slog.Info("Manager.move: stage changed", "sessionID", m.session.ID, "from", from, "to", to.ID)
	return true, to, nil
}

// RecordSupervisorOutput persists a supervisor decision for the current stage.
func (m *Manager) RecordSupervisorOutput(ctx context.Context, stageID string, decision models.SupervisorDecision) error {
	id, err := m.active()
	if err != nil {
		return err
	}
	if err := m.repo.SaveSupervisorOutput(store.SupervisorOutput{SessionID: id, Stage: stageID, Decision: decision}); err != nil {
		return fmt.Errorf("failed to record supervisor output: %w", err)
	}
	return nil
}

// RecordPromptUsed records that promptID served agent in stageID.
func (m *Manager) RecordPromptUsed(ctx context.Context, agent models.AgentType, stageID, promptID string) error {
	id, err := m.active()
	if err != nil {
		return err
	}
	if err := m.repo.RecordPromptUse(store.PromptUse{SessionID: id, PromptID: promptID, Agent: agent, Stage: stageID}); err != nil {
		return fmt.Errorf("failed to record prompt use: %w", err)
	}
	return nil
}

// AddSafetyFlag records risk keywords found in excerpt.
func (m *Manager) AddSafetyFlag(ctx context.Context, keywords []string, excerpt string) error {
	id, err := m.active()
	if err != nil {
		return err
	}
	flag := store.SafetyFlag{SessionID: id, Stage: m.CurrentStage(), Keywords: keywords, Excerpt: excerpt}
	if err := m.repo.AddSafetyFlag(flag); err != nil {
		return fmt.Errorf("failed to add safety flag: %w", err)
	}
	slog.Warn("Manager.AddSafetyFlag: safety flag recorded", "sessionID", id, "keywords", keywords)
	return nil
}

// SafetyFlags lists the flags recorded for the session.
func (m *Manager) SafetyFlags(ctx context.Context) ([]store.SafetyFlag, error) {
	id, err := m.active()
	if err != nil {
		return nil, err
	}
	return m.repo.ListSafetyFlags(id)
}

// SetCrisisActive sets the session's crisis flag.
func (m *Manager) SetCrisisActive(ctx context.Context, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoSession
	}
	if err := m.repo.SetCrisisActive(m.session.ID, active); err != nil {
		return fmt.Errorf("failed to set crisis flag: %w", err)
	}
	m.session.CrisisActive = active
	return nil
}

// IsCrisisActive reports the session's crisis flag.
func (m *Manager) IsCrisisActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil && m.session.CrisisActive
}
