package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// Fallback texts used when the supervisor reply cannot be parsed as JSON.
const (
	fallbackSummary = "Podsumowanie etapu - błąd parsowania odpowiedzi"
	fallbackReason  = "Nie udało się sparsować odpowiedzi nadzorcy"
)

var errNoJSON = errors.New("no JSON found in response")

var (
	decisionPattern   = regexp.MustCompile(`"decision":\s*"(stay|advance)"`)
	summaryPattern    = regexp.MustCompile(`"summary":\s*"([^"]+)"`)
	addressingPattern = regexp.MustCompile(`"addressing":\s*"(formal|informal)"`)
	reasonPattern     = regexp.MustCompile(`"reason":\s*"([^"]+)"`)
)

// rawDecision mirrors the supervisor JSON before normalization.
type rawDecision struct {
	Decision      string         `json:"decision"`
	Summary       string         `json:"summary"`
	Addressing    string         `json:"addressing"`
	Reason        string         `json:"reason"`
	Handoff       map[string]any `json:"handoff"`
	SafetyRisk    any            `json:"safety_risk"`
	SafetyMessage string         `json:"safety_message"`
}

// ParseDecision turns a raw supervisor reply into a decision. The JSON object
// spanning the first '{' to the last '}' is parsed strictly; when that fails,
// individual fields are recovered with regular expressions and the decision
// defaults to stay.
func ParseDecision(raw string) models.SupervisorDecision {
	d, err := parseStrict(raw)
	if err == nil {
		return d
	}
	slog.Warn("agent.ParseDecision: JSON parsing failed, using fallback", "error", err, "length", len(raw))
	return parseFallback(raw)
}

func parseStrict(raw string) (models.SupervisorDecision, error) {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return models.SupervisorDecision{}, errNoJSON
	}

	var r rawDecision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return models.SupervisorDecision{}, fmt.Errorf("failed to decode supervisor JSON: %w", err)
	}

	d := models.SupervisorDecision{
		Decision:      models.Decision(strings.ToLower(strings.TrimSpace(r.Decision))),
		Summary:       r.Summary,
		Addressing:    models.Addressing(strings.ToLower(strings.TrimSpace(r.Addressing))),
		Reason:        r.Reason,
		Handoff:       models.Handoff(r.Handoff),
		SafetyRisk:    coerceBool(r.SafetyRisk),
		SafetyMessage: r.SafetyMessage,
	}
	if err := d.Validate(); err != nil {
		slog.Debug("agent.parseStrict: normalizing decision", "error", err, "decision", d.Decision, "addressing", d.Addressing)
		if !models.IsValidDecision(d.Decision) {
			d.Decision = models.DecisionStay
		}
		if !models.IsValidAddressing(d.Addressing) {
			d.Addressing = models.AddressingFormal
		}
	}
	if d.Summary == "" {
		d.Summary = models.DefaultDecisionSummary
	}
	if d.Handoff == nil {
		d.Handoff = models.Handoff{}
	}
	return d, nil
}

func parseFallback(raw string) models.SupervisorDecision {
	d := models.SupervisorDecision{
		Decision:   models.DecisionStay,
		Summary:    fallbackSummary,
		Addressing: models.AddressingFormal,
		Reason:     fallbackReason,
		Handoff:    models.Handoff{"parsing_error": true, "original_response": raw},
	}
	if m := decisionPattern.FindStringSubmatch(raw); m != nil {
		d.Decision = models.Decision(m[1])
	}
	if m := summaryPattern.FindStringSubmatch(raw); m != nil {
		d.Summary = m[1]
	}
	if m := addressingPattern.FindStringSubmatch(raw); m != nil {
		d.Addressing = models.Addressing(m[1])
	}
	if m := reasonPattern.FindStringSubmatch(raw); m != nil {
		d.Reason = m[1]
	}
	return d
}

// coerceBool accepts JSON booleans, numbers and the strings "true", "1" and "yes".
func coerceBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true
		}
	case float64:
		return b != 0
	}
	return false
}
