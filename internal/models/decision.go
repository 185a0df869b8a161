package models

// Decision is the supervisor's verdict about the current stage.
type Decision string

const (
	DecisionStay    Decision = "stay"
	DecisionAdvance Decision = "advance"
)

// Addressing is the form of address the therapist should use.
type Addressing string

const (
	AddressingFormal   Addressing = "formal"
	AddressingInformal Addressing = "informal"
)

// Handoff carries free-form diagnostics alongside a decision. It is never
// required for control flow.
type Handoff map[string]any

// Default values used when the supervisor output is missing fields.
const (
	DefaultDecisionSummary = "Podsumowanie etapu"
)

// IsValidDecision checks if the given decision is supported.
func IsValidDecision(d Decision) bool {
	return d == DecisionStay || d == DecisionAdvance
}

// IsValidAddressing checks if the given addressing mode is supported.
func IsValidAddressing(a Addressing) bool {
	return a == AddressingFormal || a == AddressingInformal
}

// SupervisorDecision is the structured outcome of one supervisor evaluation.
type SupervisorDecision struct {
	Decision      Decision   `json:"decision"`
	Summary       string     `json:"summary"`
	Addressing    Addressing `json:"addressing"`
	Reason        string     `json:"reason"`
	Handoff       Handoff    `json:"handoff,omitempty"`
	SafetyRisk    bool       `json:"safety_risk"`
	SafetyMessage string     `json:"safety_message,omitempty"`
}

// ShouldAdvance reports whether the decision asks to move to the next stage.
func (d SupervisorDecision) ShouldAdvance() bool {
	return d.Decision == DecisionAdvance
}

// Validate checks the enum fields of the decision.
func (d SupervisorDecision) Validate() error {
	if !IsValidDecision(d.Decision) {
		return ErrInvalidDecision
	}
	if !IsValidAddressing(d.Addressing) {
		return ErrInvalidAddressing
	}
	return nil
}

// SupervisorDecisionSchema is the JSON schema requested from providers that
// support structured output.
func SupervisorDecisionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision":       map[string]any{"type": "string", "enum": []string{"stay", "advance"}},
			"summary":        map[string]any{"type": "string"},
			"addressing":     map[string]any{"type": "string", "enum": []string{"formal", "informal"}},
			"reason":         map[string]any{"type": "string"},
			"safety_risk":    map[string]any{"type": "boolean"},
			"safety_message": map[string]any{"type": "string"},
		},
		"required":             []string{"decision", "summary", "addressing", "reason", "safety_risk", "safety_message"},
		"additionalProperties": false,
	}
}
