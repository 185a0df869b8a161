// Package models defines the core data structures for TherapyPipe.
//
// It includes conversation messages, stage descriptors and the HTTP response envelope,
// which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is the person in therapy.
	RoleUser Role = "user"
	// RoleTherapist is the therapist agent.
	RoleTherapist Role = "therapist"
	// RoleSupervisor is the supervisor agent.
	RoleSupervisor Role = "supervisor"
	// RoleSystem marks protocol messages such as stage transitions.
	RoleSystem Role = "system"
)

// AgentType names an agent for prompt lookups and logging.
type AgentType string

const (
	AgentTherapist  AgentType = "therapist"
	AgentSupervisor AgentType = "supervisor"
)

// Validation constants for input validation
const (
	// MaxUserMessageLength defines the maximum accepted length of a single user input
	MaxUserMessageLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessage      = errors.New("message text cannot be empty")
	ErrMessageTooLong    = errors.New("message text exceeds maximum length")
	ErrInvalidRole       = errors.New("invalid message role")
	ErrInvalidAgentType  = errors.New("invalid agent type")
	ErrInvalidDecision   = errors.New("invalid supervisor decision")
	ErrInvalidAddressing = errors.New("invalid addressing mode")
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleTherapist, RoleSupervisor, RoleSystem:
		return true
	default:
		return false
	}
}

// IsValidAgentType checks if the given agent type is supported.
func IsValidAgentType(a AgentType) bool {
	return a == AgentTherapist || a == AgentSupervisor
}

// Message is a single immutable entry of a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	PromptID  string    `json:"prompt_id,omitempty"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, text, promptID string) Message {
	return Message{Role: role, Text: text, Timestamp: time.Now(), PromptID: promptID}
}

// ValidateUserText checks user supplied text before it enters a conversation.
func ValidateUserText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxUserMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// StageInfo describes a therapy stage known to the stage registry.
type StageInfo struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Order       int    `json:"order" yaml:"order"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusPending indicates input was accepted and waits for processing.
	APIStatusPending APIStatus = "pending"
	// APIStatusCrisis indicates the turn was answered by the crisis protocol.
	APIStatusCrisis APIStatus = "crisis"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status    string      `json:"status"`               // status of the API response
	Message   string      `json:"message,omitempty"`    // optional message for error responses or additional info
	ErrorCode string      `json:"error_code,omitempty"` // optional machine readable error code
	Result    interface{} `json:"result,omitempty"`     // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithErrorCode sets the machine readable error code of the API response.
func (b *APIResponseBuilder) WithErrorCode(code ErrorCode) *APIResponseBuilder {
	b.response.ErrorCode = string(code)
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Convenience functions for common response patterns

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithCode creates an error API response carrying a machine readable code.
func ErrorWithCode(message string, code ErrorCode) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithErrorCode(code).
		Build()
}

// Pending creates a response for input that was buffered but not yet processed.
func Pending(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusPending).
		WithResult(result).
		Build()
}

// Crisis creates a response for a turn answered by the crisis protocol.
func Crisis(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusCrisis).
		WithMessage(message).
		WithResult(result).
		Build()
}
