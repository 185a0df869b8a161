package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/genai"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
)

// ErrProviderUnavailable is reported when an agent has no usable LLM provider.
var ErrProviderUnavailable = errors.New("LLM provider not available")

// supervisorSchemaName names the structured output requested from providers.
const supervisorSchemaName = "supervisor_decision"

// Supervisor evaluates whether the current stage is complete.
type Supervisor struct {
	*base
}

// NewSupervisor creates a supervisor agent that owns llm for one session.
func NewSupervisor(llm genai.Provider, prompts PromptSource, opts ...Option) *Supervisor {
	return &Supervisor{base: newBase(models.AgentSupervisor, llm, prompts, DefaultSupervisorContextMessages, opts)}
}

// EvaluateStageCompletion decides whether to stay in or advance from stageID.
// It never fails: any error degrades to a stay decision that carries the error
// in its reason and handoff. The safety fields are always set from a scan of
// the whole history, regardless of what the model reported.
func (s *Supervisor) EvaluateStageCompletion(ctx context.Context, stageID string, history []models.Message, stagePrompt string) (decision models.SupervisorDecision) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			decision = evaluationError(fmt.Errorf("panic during evaluation: %v", r))
		}
	}()

	if s.llm == nil || !s.llm.IsAvailable() {
		return evaluationError(ErrProviderUnavailable)
	}

	inline := s.ensurePromptsConfigured(stageID, stagePrompt)
	check := s.opts.Checker.CheckConversation(history, 0)
	prompt := supervisorPrompt(s.conversationContext(ctx, history), safety.BuildSafetyContext(check), inline)

	req := genai.Request{Prompt: prompt}
	if s.llm.SupportsStructuredOutput() {
		req.Schema = &genai.Schema{Name: supervisorSchemaName, Definition: models.SupervisorDecisionSchema()}
	}
	slog.Debug("Supervisor.EvaluateStageCompletion: request", "stage", stageID, "history", len(history), "promptLength", len(prompt))

	raw, err := s.generate(ctx, req)
	if err != nil {
		slog.Error("Supervisor.EvaluateStageCompletion: evaluation failed", "stage", stageID, "error", err)
		return evaluationError(err)
	}

	decision = ParseDecision(raw)
	s.applySafety(&decision, history)
	slog.Info("Supervisor.EvaluateStageCompletion: decision",
		"stage", stageID,
		"decision", decision.Decision,
		"safetyRisk", decision.SafetyRisk,
		"elapsed_ms", time.Since(start).Milliseconds())
	return decision
}

// applySafety overrides the model's safety report when any user message in
// history carries risk.
func (s *Supervisor) applySafety(d *models.SupervisorDecision, history []models.Message) {
	risk, keywords := s.opts.Checker.ScanHistory(history)
	if !risk {
		return
	}
	if !d.SafetyRisk {
		slog.Warn("Supervisor.applySafety: overriding model safety assessment", "keywords", keywords)
	}
	d.SafetyRisk = true
	d.SafetyMessage = s.opts.Checker.CrisisMessage()
}

func evaluationError(err error) models.SupervisorDecision {
	msg := "Błąd w ocenie nadzorcy: " + err.Error()
	return models.SupervisorDecision{
		Decision:   models.DecisionStay,
		Summary:    msg,
		Addressing: models.AddressingFormal,
		Reason:     msg,
		Handoff:    models.Handoff{"error": err.Error(), "error_type": fmt.Sprintf("%T", err)},
		SafetyRisk: false,
	}
}
