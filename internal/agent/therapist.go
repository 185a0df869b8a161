package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/genai"
	"github.com/BTreeMap/TherapyPipe/internal/models"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
)

// TherapistResult is the outcome of one therapist generation. Callers must
// check Success: a failed result carries Error and an empty Response.
type TherapistResult struct {
	Success          bool                    `json:"success"`
	Response         string                  `json:"response"`
	OriginalResponse string                  `json:"original_response,omitempty"`
	Error            string                  `json:"error,omitempty"`
	SafetyCheck      safety.CheckResult      `json:"safety_check"`
	Validation       safety.ValidationResult `json:"validation"`
	PromptID         string                  `json:"prompt_id"`
	ResponseTime     time.Duration           `json:"response_time"`
}

// StreamPart is one element of a therapist stream: a text chunk, or the final
// result. The final part is always the last one yielded.
type StreamPart struct {
	Chunk string
	Final *TherapistResult
}

// Therapist generates replies to the user.
type Therapist struct {
	*base
}

// NewTherapist creates a therapist agent that owns llm for one session.
func NewTherapist(llm genai.Provider, prompts PromptSource, opts ...Option) *Therapist {
	return &Therapist{base: newBase(models.AgentTherapist, llm, prompts, DefaultTherapistContextMessages, opts)}
}

// GenerateResponse produces the therapist reply to userMessage within stageID.
func (t *Therapist) GenerateResponse(ctx context.Context, stageID, userMessage string, history []models.Message, stagePrompt string) (res TherapistResult) {
	start := time.Now()
	safetyCheck := t.opts.Checker.CheckUserInput(userMessage)
	promptID := prompts.PromptID(models.AgentTherapist, stageID)
	defer func() {
		if r := recover(); r != nil {
			res = t.failure(fmt.Errorf("panic during generation: %v", r), safetyCheck, promptID)
		}
	}()

	if t.llm == nil || !t.llm.IsAvailable() {
		return t.failure(ErrProviderUnavailable, safetyCheck, promptID)
	}
	if safetyCheck.HasRisk {
		slog.Warn("Therapist.GenerateResponse: risk detected in user input", "stage", stageID, "keywords", safetyCheck.MatchedKeywords)
	}

	prompt := t.buildPrompt(ctx, stageID, userMessage, history, stagePrompt)
	raw, err := t.generate(ctx, genai.Request{Prompt: prompt})
	if err != nil {
		return t.failure(err, safetyCheck, promptID)
	}
	return t.success(raw, safetyCheck, promptID, start)
}

// GenerateResponseStream is the streaming variant of GenerateResponse. Text
// chunks are yielded as they arrive, followed by exactly one final part unless
// the consumer stops early.
func (t *Therapist) GenerateResponseStream(ctx context.Context, stageID, userMessage string, history []models.Message, stagePrompt string) iter.Seq[StreamPart] {
	return func(yield func(StreamPart) bool) {
		start := time.Now()
		safetyCheck := t.opts.Checker.CheckUserInput(userMessage)
		promptID := prompts.PromptID(models.AgentTherapist, stageID)

		fail := func(err error) {
			res := t.failure(err, safetyCheck, promptID)
			yield(StreamPart{Final: &res})
		}

		if t.llm == nil || !t.llm.IsAvailable() {
			fail(ErrProviderUnavailable)
			return
		}

		prompt := t.buildPrompt(ctx, stageID, userMessage, history, stagePrompt)
		var full strings.Builder
		var firstChunk time.Duration
		var cleaner streamCleaner
		emit := func(text string) bool {
			if text == "" {
				return true
			}
			if !yield(StreamPart{Chunk: text}) {
				slog.Debug("Therapist.GenerateResponseStream: consumer stopped", "stage", stageID)
				return false
			}
			return true
		}
		for chunk, err := range t.llm.GenerateStream(ctx, genai.Request{Prompt: prompt}) {
			if err != nil {
				t.observe(time.Since(start), err)
				if !emit(cleaner.flush()) {
					return
				}
				fail(err)
				return
			}
			if firstChunk == 0 {
				firstChunk = time.Since(start)
			}
			full.WriteString(chunk)
			if !emit(cleaner.next(chunk)) {
				return
			}
		}
		t.observe(time.Since(start), nil)
		if !emit(cleaner.flush()) {
			return
		}

		res := t.success(full.String(), safetyCheck, promptID, start)
		slog.Debug("Therapist.GenerateResponseStream: completed", "stage", stageID, "first_chunk_ms", firstChunk.Milliseconds())
		yield(StreamPart{Final: &res})
	}
}

func (t *Therapist) buildPrompt(ctx context.Context, stageID, userMessage string, history []models.Message, stagePrompt string) string {
	inline := t.ensurePromptsConfigured(stageID, stagePrompt)
	prompt := therapistPrompt(userMessage, t.conversationContext(ctx, history), inline)
	slog.Debug("Therapist.buildPrompt: request", "id", prompts.PromptID(models.AgentTherapist, stageID), "promptLength", len(prompt))
	return prompt
}

func (t *Therapist) success(raw string, check safety.CheckResult, promptID string, start time.Time) TherapistResult {
	validation := t.opts.Checker.ValidateTherapistResponse(raw)
	if len(validation.Issues) > 0 || len(validation.Warnings) > 0 {
		slog.Debug("Therapist.success: response validation", "issues", validation.Issues, "warnings", validation.Warnings)
	}
	elapsed := time.Since(start)
	slog.Info("Therapist.success: response generated", "promptID", promptID, "elapsed_ms", elapsed.Milliseconds(), "length", len(raw))
	return TherapistResult{
		Success:          true,
		Response:         cleanResponse(raw),
		OriginalResponse: raw,
		SafetyCheck:      check,
		Validation:       validation,
		PromptID:         promptID,
		ResponseTime:     elapsed,
	}
}

func (t *Therapist) failure(err error, check safety.CheckResult, promptID string) TherapistResult {
	slog.Error("Therapist.failure: response generation failed", "promptID", promptID, "error", err)
	return TherapistResult{
		Success:     false,
		Error:       err.Error(),
		SafetyCheck: check,
		Validation:  safety.ValidationResult{IsValid: false, Issues: []string{err.Error()}, Warnings: []string{}},
		PromptID:    promptID,
	}
}
