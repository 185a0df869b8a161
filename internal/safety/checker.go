package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// RiskLevel grades the outcome of a user input check.
type RiskLevel string

const (
	RiskLevelNone RiskLevel = "none"
	RiskLevelHigh RiskLevel = "high"
)

// Validation messages attached to therapist responses.
const (
	IssueMedicalAdvice     = "Unikaj udzielania porad medycznych"
	WarningWhyQuestion     = "Unikaj pytań 'dlaczego' w TSR"
	WarningTooLong         = "Odpowiedź może być zbyt długa (>3 zdania)"
	WarningMissingQuestion = "Odpowiedź powinna kończyć się pytaniem"
)

// CheckResult is the outcome of scanning one piece of user text.
type CheckResult struct {
	HasRisk         bool      `json:"has_risk"`
	RiskLevel       RiskLevel `json:"risk_level"`
	SelfHarmRisk    bool      `json:"self_harm_risk"`
	HarmOthersRisk  bool      `json:"harm_others_risk"`
	MatchedKeywords []string  `json:"matched_keywords"`
}

// ValidationResult is the outcome of validating a therapist response.
// Issues make the response invalid; warnings are advisory.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// Checker is a stateless risk classifier. It is safe for concurrent use.
type Checker struct {
	cfg           Config
	medical       []*regexp.Regexp
	why           []*regexp.Regexp
	sentenceSplit *regexp.Regexp
}

// NewChecker compiles the patterns of cfg.
func NewChecker(cfg Config) (*Checker, error) {
	c := &Checker{cfg: cfg, sentenceSplit: regexp.MustCompile(`[.!?]+`)}
	for _, p := range cfg.MedicalAdvicePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid medical advice pattern %q: %w", p, err)
		}
		c.medical = append(c.medical, re)
	}
	for _, p := range cfg.WhyQuestionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid why-question pattern %q: %w", p, err)
		}
		c.why = append(c.why, re)
	}
	if c.cfg.MaxResponseSentences <= 0 {
		c.cfg.MaxResponseSentences = 3
	}
	if c.cfg.ConversationScanWindow <= 0 {
		c.cfg.ConversationScanWindow = 3
	}
	if c.cfg.CrisisProtocolID == "" {
		c.cfg.CrisisProtocolID = DefaultCrisisProtocolID
	}
	return c, nil
}

// NewDefaultChecker returns a Checker using DefaultConfig.
func NewDefaultChecker() *Checker {
	c, err := NewChecker(DefaultConfig())
	if err != nil {
		// default patterns are constants
		panic(err)
	}
	return c
}

// CheckUserInput scans text for self-harm and harm-to-others keywords.
func (c *Checker) CheckUserInput(text string) CheckResult {
	lower := strings.ToLower(text)
	res := CheckResult{RiskLevel: RiskLevelNone, MatchedKeywords: []string{}}

	for _, kw := range c.cfg.SelfHarmKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			res.HasRisk = true
			res.SelfHarmRisk = true
			res.MatchedKeywords = append(res.MatchedKeywords, kw)
		}
	}
	for _, kw := range c.cfg.HarmOthersKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			res.HasRisk = true
			res.HarmOthersRisk = true
			res.MatchedKeywords = append(res.MatchedKeywords, kw)
		}
	}
	if res.HasRisk {
		res.RiskLevel = RiskLevelHigh
	}
	return res
}

// ValidateTherapistResponse applies the response rules of the therapeutic method.
func (c *Checker) ValidateTherapistResponse(response string) ValidationResult {
	res := ValidationResult{IsValid: true, Issues: []string{}, Warnings: []string{}}
	lower := strings.ToLower(response)

	for _, re := range c.medical {
		if re.MatchString(lower) {
			res.IsValid = false
			res.Issues = append(res.Issues, IssueMedicalAdvice)
			break
		}
	}

	for _, re := range c.why {
		if re.MatchString(lower) {
			res.Warnings = append(res.Warnings, WarningWhyQuestion)
			break
		}
	}

	trimmed := strings.TrimSpace(response)
	sentences := 0
	for _, s := range c.sentenceSplit.Split(trimmed, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	if sentences > c.cfg.MaxResponseSentences {
		res.Warnings = append(res.Warnings, WarningTooLong)
	}

	if !strings.HasSuffix(trimmed, "?") {
		res.Warnings = append(res.Warnings, WarningMissingQuestion)
	}
	return res
}

// CrisisMessage returns the support message attached to risky supervisor decisions.
func (c *Checker) CrisisMessage() string {
	return c.cfg.CrisisSupportMessage
}

// CrisisResponse returns the fixed reply used by the crisis protocol.
func (c *Checker) CrisisResponse() string {
	return c.cfg.CrisisResponse
}

// CrisisProtocolID returns the prompt id recorded for crisis replies.
func (c *Checker) CrisisProtocolID() string {
	return c.cfg.CrisisProtocolID
}

// CrisisContacts returns a copy of the configured emergency contacts.
func (c *Checker) CrisisContacts() map[string]Contact {
	out := make(map[string]Contact, len(c.cfg.CrisisContacts))
	for k, v := range c.cfg.CrisisContacts {
		out[k] = v
	}
	return out
}

// ShouldShowCrisisMessage reports whether a check result warrants the support message.
func ShouldShowCrisisMessage(r CheckResult) bool {
	return r.RiskLevel == RiskLevelHigh
}
