package workflow

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/BTreeMap/TherapyPipe/internal/agent"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
)

// SupervisorAgent evaluates stage completion. agent.Supervisor satisfies it.
type SupervisorAgent interface {
	EvaluateStageCompletion(ctx context.Context, stageID string, history []models.Message, stagePrompt string) models.SupervisorDecision
}

// TherapistAgent generates replies. agent.Therapist satisfies it.
type TherapistAgent interface {
	GenerateResponse(ctx context.Context, stageID, userMessage string, history []models.Message, stagePrompt string) agent.TherapistResult
	GenerateResponseStream(ctx context.Context, stageID, userMessage string, history []models.Message, stagePrompt string) iter.Seq[agent.StreamPart]
}

// StagePrompts looks up stage prompts. prompts.Store satisfies it.
type StagePrompts interface {
	StagePrompt(stageID string, agent models.AgentType) (string, bool)
}

// PromptRecorder records which prompt served a turn. session.Manager satisfies it.
type PromptRecorder interface {
	RecordPromptUsed(ctx context.Context, agent models.AgentType, stageID, promptID string) error
}

func stagePrompt(src StagePrompts, stageID string, a models.AgentType) (string, error) {
	if src != nil {
		if p, ok := src.StagePrompt(stageID, a); ok {
			return p, nil
		}
	}
	return "", &StepError{
		Code:    models.ErrorCodeStagePromptNotFound,
		Message: "No stage prompt available for stage: " + stageID,
	}
}

func recordPrompt(ctx context.Context, rec PromptRecorder, a models.AgentType, stageID string) {
	if rec == nil {
		return
	}
	if err := rec.RecordPromptUsed(ctx, a, stageID, prompts.PromptID(a, stageID)); err != nil {
		slog.Warn("workflow.recordPrompt: failed to record prompt use", "agent", a, "stage", stageID, "error", err)
	}
}

// SupervisorAdapter resolves the stage prompt and calls the supervisor.
type SupervisorAdapter struct {
	agent    SupervisorAgent
	prompts  StagePrompts
	recorder PromptRecorder
}

// NewSupervisorAdapter creates an adapter. recorder may be nil.
func NewSupervisorAdapter(a SupervisorAgent, p StagePrompts, recorder PromptRecorder) *SupervisorAdapter {
	return &SupervisorAdapter{agent: a, prompts: p, recorder: recorder}
}

// EvaluateStage asks the supervisor about stageID. The question being
// processed is appended to history as the newest user message so the
// supervisor and its safety scan see it.
func (a *SupervisorAdapter) EvaluateStage(ctx context.Context, stageID, question string, history []models.Message) (models.SupervisorDecision, error) {
	if a == nil || a.agent == nil {
		return models.SupervisorDecision{}, &StepError{
			Code:    models.ErrorCodeSupervisorNotAvailable,
			Message: "Supervisor agent not available",
		}
	}
	prompt, err := stagePrompt(a.prompts, stageID, models.AgentSupervisor)
	if err != nil {
		return models.SupervisorDecision{}, err
	}

	evalHistory := make([]models.Message, 0, len(history)+1)
	evalHistory = append(evalHistory, history...)
	evalHistory = append(evalHistory, models.NewMessage(models.RoleUser, question, ""))

	decision := a.agent.EvaluateStageCompletion(ctx, stageID, evalHistory, prompt)
	recordPrompt(ctx, a.recorder, models.AgentSupervisor, stageID)
	return decision, nil
}

// TherapistReply is a successful therapist generation.
type TherapistReply struct {
	Text   string
	Result agent.TherapistResult
}

// TherapistAdapter resolves the stage prompt and calls the therapist.
type TherapistAdapter struct {
	agent    TherapistAgent
	prompts  StagePrompts
	recorder PromptRecorder
}

// NewTherapistAdapter creates an adapter. recorder may be nil.
func NewTherapistAdapter(a TherapistAgent, p StagePrompts, recorder PromptRecorder) *TherapistAdapter {
	return &TherapistAdapter{agent: a, prompts: p, recorder: recorder}
}

func (a *TherapistAdapter) prepare(stageID string) (string, error) {
	if a == nil || a.agent == nil {
		return "", &StepError{
			Code:    models.ErrorCodeTherapistNotAvailable,
			Message: "Therapist agent not available",
		}
	}
	return stagePrompt(a.prompts, stageID, models.AgentTherapist)
}

// GenerateResponse asks the therapist for a reply to question within stageID.
func (a *TherapistAdapter) GenerateResponse(ctx context.Context, stageID, question string, history []models.Message) (TherapistReply, error) {
	prompt, err := a.prepare(stageID)
	if err != nil {
		return TherapistReply{}, err
	}
	res := a.agent.GenerateResponse(ctx, stageID, question, history, prompt)
	if err := therapistFailure(res); err != nil {
		return TherapistReply{}, err
	}
	recordPrompt(ctx, a.recorder, models.AgentTherapist, stageID)
	return TherapistReply{Text: res.Response, Result: res}, nil
}

// GenerateResponseStream returns the therapist's stream for question. Setup
// failures are reported before any chunk is produced.
func (a *TherapistAdapter) GenerateResponseStream(ctx context.Context, stageID, question string, history []models.Message) (iter.Seq[agent.StreamPart], error) {
	prompt, err := a.prepare(stageID)
	if err != nil {
		return nil, err
	}
	parts := a.agent.GenerateResponseStream(ctx, stageID, question, history, prompt)
	return func(yield func(agent.StreamPart) bool) {
		for part := range parts {
			if part.Final != nil && part.Final.Success {
				recordPrompt(ctx, a.recorder, models.AgentTherapist, stageID)
			}
			if !yield(part) {
				return
			}
		}
	}, nil
}

func therapistFailure(res agent.TherapistResult) error {
	if res.Success {
		return nil
	}
	errText := res.Error
	if errText == "" {
		errText = "unknown error"
	}
	return &StepError{
		Code:    models.ErrorCodeTherapistError,
		Message: "Therapist response generation failed",
		Err:     errors.New(errText),
	}
}
