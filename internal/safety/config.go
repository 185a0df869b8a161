// Package safety provides keyword and pattern based risk classification for user
// input and therapist responses, plus the crisis protocol texts.
package safety

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Contact is an emergency contact shown by the crisis protocol.
type Contact struct {
	Number      string `yaml:"number" json:"number,omitempty"`
	Description string `yaml:"description" json:"description"`
	Type        string `yaml:"type" json:"type"`
}

// Config holds the keyword lists, validation patterns and crisis texts used by a Checker.
type Config struct {
	SelfHarmKeywords       []string           `yaml:"self_harm_keywords"`
	HarmOthersKeywords     []string           `yaml:"harm_others_keywords"`
	MedicalAdvicePatterns  []string           `yaml:"medical_advice_patterns"`
	WhyQuestionPatterns    []string           `yaml:"why_question_patterns"`
	MaxResponseSentences   int                `yaml:"max_response_sentences"`
	CrisisSupportMessage   string             `yaml:"crisis_support_message"`
	CrisisResponse         string             `yaml:"crisis_response"`
	CrisisProtocolID       string             `yaml:"crisis_protocol_id"`
	CrisisContacts         map[string]Contact `yaml:"crisis_contacts"`
	ConversationScanWindow int                `yaml:"conversation_scan_window"`
}

// DefaultCrisisProtocolID is the prompt id recorded for crisis responses.
const DefaultCrisisProtocolID = "crisis_protocol_v1"

// DefaultConfig returns the built-in Polish/English configuration.
func DefaultConfig() Config {
	return Config{
		SelfHarmKeywords: []string{
			"samobójstwo", "zabić się", "skończyć z życiem", "nie chcę żyć", "nie chcę już żyć",
			"śmierć", "umrzeć", "skrzywdzić się", "pokaleczyć się", "myślę o samobójstwie",
			"chcę umrzeć", "wolę umrzeć", "lepiej będzie jak umrę",
			"suicide", "kill myself", "end my life", "don't want to live",
			"hurt myself", "harm myself", "cut myself", "want to die",
		},
		HarmOthersKeywords: []string{
			"zabić kogoś", "skrzywdzić kogoś", "przemoc", "atak",
			"kill someone", "hurt someone", "violence", "attack",
		},
		MedicalAdvicePatterns: []string{
			`zażywaj.*lek`, `take.*medication`, `diagnoza`, `diagnosis`,
			`choroba`, `illness`, `zaburzenie`, `disorder`,
		},
		WhyQuestionPatterns:  []string{`\bdlaczego\b`, `\bwhy\b`},
		MaxResponseSentences: 3,
		CrisisSupportMessage: defaultCrisisSupportMessage,
		CrisisResponse:       defaultCrisisResponse,
		CrisisProtocolID:     DefaultCrisisProtocolID,
		CrisisContacts: map[string]Contact{
			"telefon_zaufania": {Number: "116 123", Description: "Bezpłatny, całodobowy", Type: "emotional_support"},
			"pogotowie":        {Number: "112", Description: "Pogotowie Ratunkowe", Type: "emergency"},
			"sor":              {Description: "Najbliższy Szpitalny Oddział Ratunkowy", Type: "medical_emergency"},
		},
		ConversationScanWindow: 3,
	}
}

const defaultCrisisSupportMessage = `🚨 **WAŻNE - POMOC W KRYZYSIE**

Jeśli czujesz zagrożenie lub myślisz o krzywdzeniu siebie lub innych, skontaktuj się natychmiast z pomocą:

**Telefon Zaufania dla Dzieci i Młodzieży**: 116 111
**Centrum Wsparcia dla osób w stanie kryzysu psychicznego**: 800 70 2222
**Pogotowie Ratunkowe**: 999 lub 112

**Online:**
- www.kryzys.pl
- www.pokonackryzys.pl

Ta rozmowa nie zastępuje profesjonalnej pomocy medycznej lub psychologicznej.`

const defaultCrisisResponse = "**⚠️ NATYCHMIASTOWA POMOC POTRZEBNA**\n\n" +
	"Rozumiem, że przeżywasz bardzo trudny moment. Twoje bezpieczeństwo jest najważniejsze.\n\n" +
	"**PILNE KONTAKTY:**\n" +
	"• **Telefon Zaufania**: 116 123 (bezpłatny, całodobowy)\n" +
	"• **Pogotowie Ratunkowe**: 112\n" +
	"• **Najbliższy SOR** (Szpitalny Oddział Ratunkowy)\n\n" +
	"**Nie jesteś sam/sama.** Jeśli masz myśli o skrzywdzeniu siebie, proszę natychmiast skontaktuj się " +
	"z którymś z powyższych numerów lub udaj się do najbliższego szpitala.\n\n" +
	"Czy możesz mi powiedzieć, czy jesteś teraz w bezpiecznym miejscu?"

// LoadConfig reads a YAML file and overlays every non-empty field on top of DefaultConfig.
// An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("safety.LoadConfig: failed to read config", "path", path, "error", err)
		return cfg, fmt.Errorf("failed to read safety config %s: %w", path, err)
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		slog.Error("safety.LoadConfig: failed to parse config", "path", path, "error", err)
		return cfg, fmt.Errorf("failed to parse safety config %s: %w", path, err)
	}

	cfg.merge(override)
	slog.Debug("safety.LoadConfig: loaded",
		"path", path,
		"selfHarmKeywords", len(cfg.SelfHarmKeywords),
		"harmOthersKeywords", len(cfg.HarmOthersKeywords))
	return cfg, nil
}

func (c *Config) merge(o Config) {
	if len(o.SelfHarmKeywords) > 0 {
		c.SelfHarmKeywords = o.SelfHarmKeywords
	}
	if len(o.HarmOthersKeywords) > 0 {
		c.HarmOthersKeywords = o.HarmOthersKeywords
	}
	if len(o.MedicalAdvicePatterns) > 0 {
		c.MedicalAdvicePatterns = o.MedicalAdvicePatterns
	}
	if len(o.WhyQuestionPatterns) > 0 {
		c.WhyQuestionPatterns = o.WhyQuestionPatterns
	}
	if o.MaxResponseSentences > 0 {
		c.MaxResponseSentences = o.MaxResponseSentences
	}
	if o.CrisisSupportMessage != "" {
		c.CrisisSupportMessage = o.CrisisSupportMessage
	}
	if o.CrisisResponse != "" {
		c.CrisisResponse = o.CrisisResponse
	}
	if o.CrisisProtocolID != "" {
		c.CrisisProtocolID = o.CrisisProtocolID
	}
	if len(o.CrisisContacts) > 0 {
		c.CrisisContacts = o.CrisisContacts
	}
	if o.ConversationScanWindow > 0 {
		c.ConversationScanWindow = o.ConversationScanWindow
	}
}
