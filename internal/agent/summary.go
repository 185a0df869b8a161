package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TherapyPipe/internal/genai"
	"github.com/BTreeMap/TherapyPipe/internal/models"
)

const summarizerSystemPrompt = "Jesteś asystentem, który streszcza rozmowy terapeutyczne. Pisz zwięźle, w trzeciej osobie, bez ocen."

// Summarizer condenses the older part of a conversation so long sessions fit
// in the agents' context window. Summaries are cached by the number of
// summarized messages, so each prefix of a session is summarized once.
type Summarizer struct {
	llm genai.Provider

	mu    sync.Mutex
	cache map[int]string
}

// NewSummarizer creates a summarizer backed by its own provider instance.
func NewSummarizer(llm genai.Provider) *Summarizer {
	return &Summarizer{llm: llm, cache: make(map[int]string)}
}

// Summarize returns a short summary of messages. Provider memory is cleared
// first so every summary is independent.
func (s *Summarizer) Summarize(ctx context.Context, messages []models.Message) (string, error) {
	s.llm.ResetConversation()
	prompt := "Streść poniższy fragment rozmowy, zachowując problemy, zasoby i cele użytkownika:\n\n" +
		FormatConversation(messages, 0)
	out, err := s.llm.Generate(ctx, genai.Request{Prompt: prompt, SystemPrompt: summarizerSystemPrompt})
	if err != nil {
		return "", fmt.Errorf("failed to summarize conversation: %w", err)
	}
	return out, nil
}

// OptimizedContext renders a summary of the messages older than the last
// maxMessages followed by the recent messages verbatim. It falls back to the
// plain window when summarization fails.
func (s *Summarizer) OptimizedContext(ctx context.Context, history []models.Message, maxMessages int) string {
	if maxMessages <= 0 || len(history) <= maxMessages {
		return FormatConversation(history, maxMessages)
	}
	cut := len(history) - maxMessages
	older, recent := history[:cut], history[cut:]

	s.mu.Lock()
	defer s.mu.Unlock()

	summary, ok := s.cache[cut]
	if !ok {
		var err error
		summary, err = s.Summarize(ctx, older)
		if err != nil {
			slog.Warn("Summarizer.OptimizedContext: falling back to recent window", "error", err)
			return FormatConversation(history, maxMessages)
		}
		s.cache[cut] = summary
		slog.Debug("Summarizer.OptimizedContext: summarized", "messages", len(older), "length", len(summary))
	}
	return "PODSUMOWANIE WCZEŚNIEJSZEJ ROZMOWY:\n" + summary + "\n\nNAJNOWSZE WIADOMOŚCI:\n" + FormatConversation(recent, 0)
}
