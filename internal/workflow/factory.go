package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TherapyPipe/internal/agent"
	"github.com/BTreeMap/TherapyPipe/internal/conversation"
	"github.com/BTreeMap/TherapyPipe/internal/genai"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/notify"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
	"github.com/BTreeMap/TherapyPipe/internal/session"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
	"github.com/BTreeMap/TherapyPipe/internal/store"
)

// RoleSummarizer is the provider role used for history summaries.
const RoleSummarizer = "summarizer"

var (
	// ErrNoRepo is returned by NewFactory without a session repository.
	ErrNoRepo = errors.New("workflow factory requires a session repository")
	// ErrNoProviderFunc is returned by NewFactory without a provider constructor.
	ErrNoProviderFunc = errors.New("workflow factory requires a provider constructor")
)

// ProviderFunc creates a fresh LLM provider for role: "supervisor",
// "therapist" or RoleSummarizer. Each session gets its own instances because
// providers hold conversation memory.
type ProviderFunc func(ctx context.Context, role string) (genai.Provider, error)

// Config wires the shared collaborators of every session.
type Config struct {
	Repo        store.SessionRepo
	Stages      *stage.Registry
	Prompts     *prompts.Store
	Checker     *safety.Checker
	Notifier    notify.Notifier
	NewProvider ProviderFunc

	// Observer receives turn metrics and LLMObserver provider call metrics.
	Observer    Observer
	LLMObserver agent.Observer

	SupervisorOptions []agent.Option
	TherapistOptions  []agent.Option
	// Summarize gives each therapist a summarizer for long histories.
	Summarize bool
}

// Factory builds fully wired sessions.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and fills in defaults.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Repo == nil {
		return nil, ErrNoRepo
	}
	if cfg.NewProvider == nil {
		return nil, ErrNoProviderFunc
	}
	if cfg.Stages == nil {
		cfg.Stages = stage.NewDefaultRegistry()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.NewStore(prompts.Document{})
	}
	if cfg.Checker == nil {
		cfg.Checker = safety.NewDefaultChecker()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{}
	}
	return &Factory{cfg: cfg}, nil
}

// Session is one live therapy session with its own conversation state,
// agents and providers.
type Session struct {
	ID           string
	Log          *session.Manager
	Conversation *conversation.Manager
	Orchestrator *Orchestrator
	Crisis       *CrisisHandler
	Supervisor   *agent.Supervisor
	Therapist    *agent.Therapist

	turnMu sync.Mutex
}

// TryBeginTurn reserves the session for one turn. It returns false while
// another turn holds it.
func (s *Session) TryBeginTurn() bool {
	return s.turnMu.TryLock()
}

// EndTurn releases a reservation taken by TryBeginTurn.
func (s *Session) EndTurn() {
	s.turnMu.Unlock()
}

// Request builds the request for the pending question in the current stage.
func (s *Session) Request() Request {
	return Request{
		SessionID:    s.ID,
		CurrentStage: s.Log.CurrentStage(),
		UserMessage:  s.Conversation.CurrentQuestion(),
	}
}

// ProcessTurn processes the pending question.
func (s *Session) ProcessTurn(ctx context.Context) models.WorkflowResult {
	return s.Orchestrator.ProcessRequest(ctx, s.Request())
}

// ProcessTurnStream processes the pending question with a streamed reply.
func (s *Session) ProcessTurnStream(ctx context.Context) iter.Seq[StreamEvent] {
	return s.Orchestrator.ProcessRequestStream(ctx, s.Request())
}

// Reset clears the conversation and the memory of both agents. The stored
// transcript and the current stage are kept.
func (s *Session) Reset() error {
	if err := s.Conversation.Reset(); err != nil {
		return err
	}
	s.Supervisor.ResetMemory()
	s.Therapist.ResetMemory()
	slog.Info("Session.Reset: conversation reset", "sessionID", s.ID)
	return nil
}

// RetreatStage moves the session back one stage and records the transition
// in the transcript.
func (s *Session) RetreatStage(ctx context.Context) (bool, models.StageInfo, error) {
	changed, info, err := s.Log.RetreatToPreviousStage(ctx)
	if err != nil || !changed {
		return changed, info, err
	}
	if err := s.Log.AddSystemMessage(ctx, session.TransitionMessage(info.Name)); err != nil {
		slog.Warn("Session.RetreatStage: failed to record transition", "sessionID", s.ID, "error", err)
	}
	return true, info, nil
}

// CreateSession starts a new session for userID.
func (f *Factory) CreateSession(ctx context.Context, userID string, metadata map[string]string) (*Session, error) {
	log := session.NewManager(f.cfg.Repo, f.cfg.Stages)
	if _, err := log.CreateSession(ctx, userID, metadata); err != nil {
		return nil, err
	}
	return f.build(ctx, log, conversation.NewManager())
}

// LoadSession rebuilds a stored session. The committed conversation is
// restored from the transcript; agent memory starts empty.
func (f *Factory) LoadSession(ctx context.Context, id string) (*Session, error) {
	log := session.NewManager(f.cfg.Repo, f.cfg.Stages)
	if _, err := log.Load(ctx, id); err != nil {
		return nil, err
	}
	history, err := log.Messages(ctx)
	if err != nil {
		return nil, err
	}
	conv := conversation.NewManager()
	if err := conv.Restore(history); err != nil {
		return nil, err
	}
	return f.build(ctx, log, conv)
}

func (f *Factory) build(ctx context.Context, log *session.Manager, conv *conversation.Manager) (*Session, error) {
	supLLM, err := f.cfg.NewProvider(ctx, string(models.AgentSupervisor))
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor provider: %w", err)
	}
	thLLM, err := f.cfg.NewProvider(ctx, string(models.AgentTherapist))
	if err != nil {
		return nil, fmt.Errorf("failed to create therapist provider: %w", err)
	}

	common := []agent.Option{agent.WithSafetyChecker(f.cfg.Checker)}
	if f.cfg.LLMObserver != nil {
		common = append(common, agent.WithObserver(f.cfg.LLMObserver))
	}
	thOpts := append(append([]agent.Option{}, common...), f.cfg.TherapistOptions...)
	if f.cfg.Summarize {
		sumLLM, err := f.cfg.NewProvider(ctx, RoleSummarizer)
		if err != nil {
			return nil, fmt.Errorf("failed to create summarizer provider: %w", err)
		}
		thOpts = append(thOpts, agent.WithSummarizer(agent.NewSummarizer(sumLLM)))
	}
	supOpts := append(append([]agent.Option{}, common...), f.cfg.SupervisorOptions...)

	supervisor := agent.NewSupervisor(supLLM, f.cfg.Prompts, supOpts...)
	therapist := agent.NewTherapist(thLLM, f.cfg.Prompts, thOpts...)

	strategy := NewConversationStrategy(conv,
		NewSupervisorAdapter(supervisor, f.cfg.Prompts, log),
		NewTherapistAdapter(therapist, f.cfg.Prompts, log))
	crisis := NewCrisisHandler(log, f.cfg.Notifier, f.cfg.Checker)
	sessions := NewSessionOrchestrator(log, NewStageProgressionHandler(log))

	var opts []Option
	if f.cfg.Observer != nil {
		opts = append(opts, WithObserver(f.cfg.Observer))
	}

	slog.Debug("Factory.build: session wired", "sessionID", log.ID(), "supervisor", supLLM.Name(), "therapist", thLLM.Name())
	return &Session{
		ID:           log.ID(),
		Log:          log,
		Conversation: conv,
		Orchestrator: NewOrchestrator(strategy, crisis, sessions, opts...),
		Crisis:       crisis,
		Supervisor:   supervisor,
		Therapist:    therapist,
	}, nil
}

// SessionObserver tracks live sessions. metrics.Metrics satisfies it.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// Sessions keeps the live sessions of the process, loading stored sessions
// on first use.
type Sessions struct {
	factory  *Factory
	observer SessionObserver

	mu   sync.Mutex
	live map[string]*Session
}

// NewSessions creates a registry. observer may be nil.
func NewSessions(factory *Factory, observer SessionObserver) *Sessions {
	return &Sessions{factory: factory, observer: observer, live: make(map[string]*Session)}
}

// Create starts and registers a new session.
func (r *Sessions) Create(ctx context.Context, userID string, metadata map[string]string) (*Session, error) {
	s, err := r.factory.CreateSession(ctx, userID, metadata)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.live[s.ID] = s
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.SessionOpened()
	}
	return s, nil
}

// Get returns the live session id, loading it from the store when needed.
// Unknown ids report store.ErrSessionNotFound.
func (r *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.live[id]; ok {
		return s, nil
	}
	s, err := r.factory.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	r.live[id] = s
	if r.observer != nil {
		r.observer.SessionOpened()
	}
	slog.Info("Sessions.Get: session loaded from store", "sessionID", id)
	return s, nil
}

// Close forgets a live session. The stored record is kept.
func (r *Sessions) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return false
	}
	delete(r.live, id)
	if r.observer != nil {
		r.observer.SessionClosed()
	}
	return true
}

// Delete forgets a live session and removes its stored record.
func (r *Sessions) Delete(id string) error {
	r.Close(id)
	return r.factory.cfg.Repo.DeleteSession(id)
}

// Len returns the number of live sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
