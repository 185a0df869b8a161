package safety

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

const maxConcernExcerpt = 50

// ConversationCheck summarizes risk found in the recent user messages of a conversation.
type ConversationCheck struct {
	HasRisk  bool     `json:"has_risk"`
	Concerns []string `json:"concerns"`
}

// CheckConversation scans the user messages among the last window messages of history.
// A window of zero or less uses the configured scan window.
func (c *Checker) CheckConversation(history []models.Message, window int) ConversationCheck {
	if window <= 0 {
		window = c.cfg.ConversationScanWindow
	}
	start := len(history) - window
	if start < 0 {
		start = 0
	}

	res := ConversationCheck{Concerns: []string{}}
	for _, msg := range history[start:] {
		if msg.Role != models.RoleUser {
			continue
		}
		if c.CheckUserInput(msg.Text).HasRisk {
			res.HasRisk = true
			res.Concerns = append(res.Concerns, fmt.Sprintf("RYZYKO BEZPIECZEŃSTWA w wiadomości: %s...", excerpt(msg.Text)))
		}
	}
	return res
}

// BuildSafetyContext renders a ConversationCheck as a prompt block for the supervisor.
func BuildSafetyContext(check ConversationCheck) string {
	if !check.HasRisk {
		return "Brak wykrytych zagrożeń bezpieczeństwa w ostatnich wiadomościach."
	}
	return "WYKRYTE ZAGROŻENIA BEZPIECZEŃSTWA:\n" +
		strings.Join(check.Concerns, "\n") +
		"\n\nWażne: Ustaw safety_risk=true jeśli jest jakiekolwiek ryzyko."
}

// ScanHistory reports whether any user message in the whole history carries risk,
// together with the keywords that matched.
func (c *Checker) ScanHistory(history []models.Message) (bool, []string) {
	var matched []string
	risk := false
	for _, msg := range history {
		if msg.Role != models.RoleUser {
			continue
		}
		r := c.CheckUserInput(msg.Text)
		if r.HasRisk {
			risk = true
			matched = append(matched, r.MatchedKeywords...)
		}
	}
	return risk, matched
}

// Flag records one risky message found by ValidateSession.
type Flag struct {
	Timestamp time.Time `json:"timestamp"`
	RiskType  string    `json:"risk_type"`
	Keywords  []string  `json:"keywords"`
}

// SessionSummary is the outcome of ValidateSession.
type SessionSummary struct {
	TotalRisks           int    `json:"total_risks"`
	HighRiskMessages     int    `json:"high_risk_messages"`
	RequiresIntervention bool   `json:"requires_intervention"`
	Flags                []Flag `json:"safety_flags"`
}

// ValidateSession scans every user message of a session transcript.
func (c *Checker) ValidateSession(messages []models.Message) SessionSummary {
	summary := SessionSummary{Flags: []Flag{}}
	for _, msg := range messages {
		if msg.Role != models.RoleUser {
			continue
		}
		r := c.CheckUserInput(msg.Text)
		if !r.HasRisk {
			continue
		}
		summary.TotalRisks++
		if r.RiskLevel == RiskLevelHigh {
			summary.HighRiskMessages++
			summary.RequiresIntervention = true
			riskType := "harm_others"
			if r.SelfHarmRisk {
				riskType = "self_harm"
			}
			summary.Flags = append(summary.Flags, Flag{Timestamp: msg.Timestamp, RiskType: riskType, Keywords: r.MatchedKeywords})
		}
	}
	return summary
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= maxConcernExcerpt {
		return s
	}
	return string(r[:maxConcernExcerpt])
}
