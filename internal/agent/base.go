// Package agent implements the therapist and supervisor agents.
//
// Each agent owns one genai.Provider and keeps track of which prompts it has
// already placed in that provider's memory: the system prompt is sent once per
// session and each stage prompt once per stage entry.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/genai"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
)

// Default context windows, in messages.
const (
	DefaultSupervisorContextMessages = 10
	DefaultTherapistContextMessages  = 20
)

// PromptSource supplies system prompts. prompts.Store satisfies it.
type PromptSource interface {
	SystemPrompt(agent models.AgentType) (string, bool)
}

// Observer receives a measurement for every LLM call an agent makes.
type Observer interface {
	ObserveLLMCall(provider string, agent models.AgentType, elapsed time.Duration, err error)
}

// Opts holds configuration options for agents.
type Opts struct {
	MaxContextMessages int
	Stateless          bool
	Summarizer         *Summarizer
	Observer           Observer
	Checker            *safety.Checker
}

// Option defines a configuration option for an agent.
type Option func(*Opts)

// WithMaxContextMessages bounds the number of history messages placed in a prompt.
func WithMaxContextMessages(n int) Option {
	return func(o *Opts) { o.MaxContextMessages = n }
}

// WithStatelessPrompts clears provider memory before every call and inlines the
// stage prompt into the request instead of relying on memory.
func WithStatelessPrompts() Option {
	return func(o *Opts) { o.Stateless = true }
}

// WithSummarizer condenses history older than the context window.
func WithSummarizer(s *Summarizer) Option {
	return func(o *Opts) { o.Summarizer = s }
}

// WithObserver reports LLM call latency and errors.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// WithSafetyChecker overrides the default safety checker.
func WithSafetyChecker(c *safety.Checker) Option {
	return func(o *Opts) { o.Checker = c }
}

// base is the prompt-memory and LLM plumbing shared by both agents.
type base struct {
	agent   models.AgentType
	llm     genai.Provider
	prompts PromptSource
	opts    Opts

	mu              sync.Mutex
	currentStage    string
	systemPromptSet bool
	stagePromptSet  bool
}

func newBase(agent models.AgentType, llm genai.Provider, prompts PromptSource, defaultWindow int, opts []Option) *base {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = defaultWindow
	}
	if cfg.Checker == nil {
		cfg.Checker = safety.NewDefaultChecker()
	}
	return &base{agent: agent, llm: llm, prompts: prompts, opts: cfg}
}

// ensurePromptsConfigured places the system prompt and the stage prompt in
// provider memory when they are not there yet. It returns the stage prompt text
// that must be inlined in the request because memory does not hold it.
func (b *base) ensurePromptsConfigured(stageID, stagePrompt string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.Stateless {
		b.llm.ResetConversation()
		b.systemPromptSet = false
		b.setupSystemPrompt()
		b.currentStage = stageID
		return stagePrompt
	}

	b.setupSystemPrompt()

	if b.currentStage != stageID {
		if b.agent == models.AgentSupervisor {
			from := b.currentStage
			if from == "" {
				from = "none"
			}
			slog.Info("agent.ensurePromptsConfigured: stage transition", "agent", b.agent, "from", from, "to", stageID)
		}
		b.currentStage = stageID
		b.stagePromptSet = false
	}

	if !b.stagePromptSet && stagePrompt != "" {
		instruction, ack := stageInstruction(b.agent, stagePrompt)
		b.llm.AddUserMessage(instruction)
		b.llm.AddAssistantMessage(ack)
		b.stagePromptSet = true
		slog.Debug("agent.ensurePromptsConfigured: stage prompt set", "agent", b.agent, "stage", stageID)
	}
	return ""
}

func (b *base) setupSystemPrompt() {
	if b.systemPromptSet || b.prompts == nil {
		return
	}
	p, ok := b.prompts.SystemPrompt(b.agent)
	if !ok {
		return
	}
	if b.llm.SetSystemPrompt(p) || b.llm.HasSystemPrompt() {
		b.systemPromptSet = true
		slog.Debug("agent.setupSystemPrompt: system prompt set", "agent", b.agent)
	}
}

// stageInstruction returns the instruction and the acknowledgement recorded in
// memory when an agent enters a stage.
func stageInstruction(agent models.AgentType, stagePrompt string) (string, string) {
	if agent == models.AgentSupervisor {
		return "NOWY ETAP OCENY SUPERVISORA:\n" + stagePrompt + "\n\nOd teraz oceniaj postęp zgodnie z wytycznymi tego etapu.",
			"Rozumiem. Oceniam postęp zgodnie z wytycznymi tego etapu."
	}
	return "NOWY ETAP TERAPII:\n" + stagePrompt + "\n\nOd teraz prowadź rozmowę zgodnie z wytycznymi tego etapu.",
		"Rozumiem. Prowadzę rozmowę zgodnie z wytycznymi tego etapu."
}

// CurrentStage returns the stage whose prompt is in memory.
func (b *base) CurrentStage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStage
}

// IsSystemPromptConfigured reports whether the system prompt reached memory.
func (b *base) IsSystemPromptConfigured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.systemPromptSet
}

// ResetMemory clears provider memory. The system and stage prompts are sent
// again on the next call.
func (b *base) ResetMemory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.llm.ResetConversation()
	b.systemPromptSet = false
	b.stagePromptSet = false
	b.currentStage = ""
}

// Provider returns the underlying LLM provider.
func (b *base) Provider() genai.Provider {
	return b.llm
}

func (b *base) generate(ctx context.Context, req genai.Request) (string, error) {
	start := time.Now()
	out, err := b.llm.Generate(ctx, req)
	b.observe(time.Since(start), err)
	return out, err
}

func (b *base) observe(elapsed time.Duration, err error) {
	if b.opts.Observer != nil {
		b.opts.Observer.ObserveLLMCall(b.llm.Name(), b.agent, elapsed, err)
	}
}

func (b *base) conversationContext(ctx context.Context, history []models.Message) string {
	if s := b.opts.Summarizer; s != nil && len(history) > b.opts.MaxContextMessages {
		return s.OptimizedContext(ctx, history, b.opts.MaxContextMessages)
	}
	return FormatConversation(history, b.opts.MaxContextMessages)
}

// cleanResponse unescapes literal "\n" sequences produced by some models.
func cleanResponse(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// streamCleaner applies cleanResponse across chunk boundaries. A trailing
// backslash is held until the next chunk shows whether it starts "\n".
type streamCleaner struct {
	tail string
}

func (c *streamCleaner) next(chunk string) string {
	s := c.tail + chunk
	c.tail = ""
	if strings.HasSuffix(s, `\`) {
		s, c.tail = s[:len(s)-1], `\`
	}
	return cleanResponse(s)
}

// flush returns the held tail, if any.
func (c *streamCleaner) flush() string {
	s := c.tail
	c.tail = ""
	return s
}
