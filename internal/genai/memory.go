package genai

import "sync"

// ChatRole is the role of a message in provider memory.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of provider memory.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// ConversationMemory is the memory surface every provider exposes.
type ConversationMemory interface {
	// SetSystemPrompt installs the system prompt. It returns false when a
	// system prompt is already set; the existing one is kept.
	SetSystemPrompt(prompt string) bool
	HasSystemPrompt() bool
	AddUserMessage(text string)
	AddAssistantMessage(text string)
	ResetConversation()
	Messages() []ChatMessage
}

// Memory is a goroutine-safe ConversationMemory shared by the provider implementations.
type Memory struct {
	mu       sync.Mutex
	system   string
	messages []ChatMessage
}

// NewMemory returns an empty memory.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SetSystemPrompt(prompt string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.system != "" || prompt == "" {
		return false
	}
	m.system = prompt
	return true
}

func (m *Memory) HasSystemPrompt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system != ""
}

func (m *Memory) AddUserMessage(text string) {
	m.append(ChatRoleUser, text)
}

func (m *Memory) AddAssistantMessage(text string) {
	m.append(ChatRoleAssistant, text)
}

func (m *Memory) ResetConversation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = ""
	m.messages = nil
}

// Messages returns a copy of memory with the system prompt first.
func (m *Memory) Messages() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatMessage, 0, len(m.messages)+1)
	if m.system != "" {
		out = append(out, ChatMessage{Role: ChatRoleSystem, Content: m.system})
	}
	return append(out, m.messages...)
}

// SystemPrompt returns the installed system prompt.
func (m *Memory) SystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// History returns a copy of the non-system messages.
func (m *Memory) History() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatMessage(nil), m.messages...)
}

func (m *Memory) append(role ChatRole, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, ChatMessage{Role: role, Content: text})
}

// prepare applies the request to memory and returns the message list to send,
// plus the memory length before the prompt was added.
func (m *Memory) prepare(req Request) ([]ChatMessage, int) {
	if req.SystemPrompt != "" {
		m.SetSystemPrompt(req.SystemPrompt)
	}
	m.mu.Lock()
	mark := len(m.messages)
	m.mu.Unlock()
	m.AddUserMessage(req.Prompt)
	return m.Messages(), mark
}

// rollback drops messages appended after mark, used when a call fails.
func (m *Memory) rollback(mark int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mark < len(m.messages) {
		m.messages = m.messages[:mark]
	}
}
