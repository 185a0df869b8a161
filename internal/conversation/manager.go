// Package conversation holds the per-session conversation state machine.
//
// A Manager separates the committed history (finalized user and therapist
// exchanges) from the user's pending question, and guarantees that at most one
// turn is processing at a time:
//
//	IDLE --AcceptUserInput--> QUESTION_PENDING --StartProcessing--> PROCESSING
//	PROCESSING --CommitTherapistResponse--> IDLE
//	PROCESSING --AbortProcessing--> QUESTION_PENDING
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// ErrInvalidState is returned when an operation violates the state machine.
var ErrInvalidState = errors.New("invalid conversation state")

// State names the externally observable state of a Manager.
type State string

const (
	StateIdle            State = "IDLE"
	StateQuestionPending State = "QUESTION_PENDING"
	StateProcessing      State = "PROCESSING"
)

// DisplayMessage is a message prepared for rendering. Pending marks the
// not-yet-committed user question.
type DisplayMessage struct {
	models.Message
	Pending bool `json:"pending,omitempty"`
}

// Stats summarizes the conversation.
type Stats struct {
	CommittedExchanges     int  `json:"committed_exchanges"`
	TotalCommittedMessages int  `json:"total_committed_messages"`
	HasPendingQuestion     bool `json:"has_pending_question"`
	CurrentQuestionLength  int  `json:"current_question_length"`
	IsProcessing           bool `json:"is_processing"`
}

// Manager is the conversation state machine. It is safe for concurrent use.
type Manager struct {
	mu              sync.RWMutex
	committed       []models.Message
	currentQuestion string
	processing      bool
	now             func() time.Time
}

// NewManager creates an empty conversation.
func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// AcceptUserInput buffers user text as the pending question. It returns false
// when a turn is processing (the input is dropped and the question is left
// unchanged) or when the text is blank. Text arriving while a question is
// already pending is appended to it with a single space, unless identical.
func (m *Manager) AcceptUserInput(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing {
		slog.Debug("Manager.AcceptUserInput: rejected, processing active")
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	switch {
	case m.currentQuestion == "":
		m.currentQuestion = text
	case strings.TrimSpace(m.currentQuestion) != text:
		m.currentQuestion += " " + text
	}
	return true
}

// StartProcessing freezes the pending question and returns a copy of the
// committed history together with the question.
func (m *Manager) StartProcessing() ([]models.Message, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing {
		return nil, "", fmt.Errorf("%w: already processing", ErrInvalidState)
	}
	if strings.TrimSpace(m.currentQuestion) == "" {
		return nil, "", fmt.Errorf("%w: no pending question", ErrInvalidState)
	}
	m.processing = true
	return m.snapshot(), m.currentQuestion, nil
}

// CommitTherapistResponse appends the pending question and the response to the
// committed history as one exchange and returns to IDLE.
func (m *Manager) CommitTherapistResponse(response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.processing {
		return fmt.Errorf("%w: not processing", ErrInvalidState)
	}
	if m.currentQuestion == "" {
		return fmt.Errorf("%w: no question to commit", ErrInvalidState)
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return fmt.Errorf("%w: therapist response cannot be empty", ErrInvalidState)
	}

	now := m.now()
	m.committed = append(m.committed,
		models.Message{Role: models.RoleUser, Text: m.currentQuestion, Timestamp: now},
		models.Message{Role: models.RoleTherapist, Text: response, Timestamp: now},
	)
	m.currentQuestion = ""
	m.processing = false
	return nil
}

// AbortProcessing leaves PROCESSING without committing. The pending question is
// kept so the turn can be retried. It is a no-op in any other state.
func (m *Manager) AbortProcessing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.processing {
		return
	}
	m.processing = false
	slog.Debug("Manager.AbortProcessing: processing aborted, question preserved", "questionLength", len(m.currentQuestion))
}

// Reset clears the whole conversation. It is refused while processing.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processing {
		return fmt.Errorf("%w: cannot reset during processing", ErrInvalidState)
	}
	m.committed = nil
	m.currentQuestion = ""
	return nil
}

// Restore replaces the committed history with the user and therapist lines of
// a stored transcript. Other roles are skipped. It is refused while processing.
func (m *Manager) Restore(history []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processing {
		return fmt.Errorf("%w: cannot restore during processing", ErrInvalidState)
	}
	committed := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleUser || msg.Role == models.RoleTherapist {
			committed = append(committed, msg)
		}
	}
	m.committed = committed
	m.currentQuestion = ""
	slog.Debug("Manager.Restore: history restored", "messages", len(committed))
	return nil
}

// ClearCurrentQuestion drops the pending question. It is refused while processing.
func (m *Manager) ClearCurrentQuestion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processing {
		return fmt.Errorf("%w: cannot clear question during processing", ErrInvalidState)
	}
	m.currentQuestion = ""
	return nil
}

// CommittedContext returns a copy of the committed history.
func (m *Manager) CommittedContext() []models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

// CurrentQuestion returns the pending question.
func (m *Manager) CurrentQuestion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentQuestion
}

// HasPendingQuestion reports whether a non-blank question is pending.
func (m *Manager) HasPendingQuestion() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return strings.TrimSpace(m.currentQuestion) != ""
}

// IsProcessing reports whether a turn is in flight.
func (m *Manager) IsProcessing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processing
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.processing:
		return StateProcessing
	case strings.TrimSpace(m.currentQuestion) != "":
		return StateQuestionPending
	default:
		return StateIdle
	}
}

// FullConversationForDisplay returns the committed history followed by the
// pending question, if any, marked as pending.
func (m *Manager) FullConversationForDisplay() []DisplayMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DisplayMessage, 0, len(m.committed)+1)
	for _, msg := range m.committed {
		out = append(out, DisplayMessage{Message: msg})
	}
	if strings.TrimSpace(m.currentQuestion) != "" {
		out = append(out, DisplayMessage{
			Message: models.Message{Role: models.RoleUser, Text: m.currentQuestion, Timestamp: m.now()},
			Pending: true,
		})
	}
	return out
}

// Stats returns conversation statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := 0
	for _, msg := range m.committed {
		if msg.Role == models.RoleUser {
			users++
		}
	}
	return Stats{
		CommittedExchanges:     users,
		TotalCommittedMessages: len(m.committed),
		HasPendingQuestion:     strings.TrimSpace(m.currentQuestion) != "",
		CurrentQuestionLength:  len([]rune(m.currentQuestion)),
		IsProcessing:           m.processing,
	}
}

func (m *Manager) snapshot() []models.Message {
	out := make([]models.Message, len(m.committed))
	copy(out, m.committed)
	return out
}
