package genai

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	gemini "google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// modelsService is the subset of the Gemini models API used by GeminiClient.
type modelsService interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) iter.Seq2[*gemini.GenerateContentResponse, error]
}

// GeminiClient wraps the Gemini API with conversation memory.
type GeminiClient struct {
	*Memory
	models          modelsService
	model           string
	temperature     float32
	topP            float32
	maxOutputTokens int32
}

// NewGeminiClient initializes a Gemini client. The API key falls back to GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := applyOptions(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("genai.NewGeminiClient: Gemini API key not set")
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}

	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		slog.Error("genai.NewGeminiClient: failed to create client", "error", err)
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	slog.Debug("genai.NewGeminiClient: created", "model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens)

	return &GeminiClient{
		Memory:          NewMemory(),
		models:          client.Models,
		model:           cfg.Model,
		temperature:     float32(cfg.Temperature),
		topP:            float32(cfg.TopP),
		maxOutputTokens: int32(cfg.MaxTokens),
	}, nil
}

func (g *GeminiClient) Name() string                   { return ProviderGemini }
func (g *GeminiClient) Model() string                  { return g.model }
func (g *GeminiClient) IsAvailable() bool              { return g.models != nil }
func (g *GeminiClient) SupportsStructuredOutput() bool { return true }

// Generate sends the conversation memory plus the prompt and returns the reply.
func (g *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	messages, mark := g.prepare(req)
	contents, config := g.build(messages, req.Schema)

	start := time.Now()
	res, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		g.rollback(mark)
		slog.Error("GeminiClient.Generate: generate content failed", "model", g.model, "error", err)
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := res.Text()
	if strings.TrimSpace(text) == "" {
		g.rollback(mark)
		return "", ErrEmptyResponse
	}
	g.AddAssistantMessage(text)
	slog.Debug("GeminiClient.Generate: completed", "model", g.model, "elapsed_ms", time.Since(start).Milliseconds(), "length", len(text))
	return text, nil
}

// GenerateStream streams the reply. The full reply is appended to memory once the stream ends cleanly.
func (g *GeminiClient) GenerateStream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		messages, mark := g.prepare(req)
		contents, config := g.build(messages, req.Schema)

		var full strings.Builder
		for res, err := range g.models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				g.rollback(mark)
				slog.Error("GeminiClient.GenerateStream: stream failed", "model", g.model, "error", err)
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			delta := res.Text()
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if !yield(delta, nil) {
				g.rollback(mark)
				return
			}
		}
		if full.Len() == 0 {
			g.rollback(mark)
			yield("", ErrEmptyResponse)
			return
		}
		g.AddAssistantMessage(full.String())
	}
}

func (g *GeminiClient) build(messages []ChatMessage, schema *Schema) ([]*gemini.Content, *gemini.GenerateContentConfig) {
	config := &gemini.GenerateContentConfig{}
	if g.temperature > 0 {
		t := g.temperature
		config.Temperature = &t
	}
	if g.topP > 0 {
		p := g.topP
		config.TopP = &p
	}
	if g.maxOutputTokens > 0 {
		config.MaxOutputTokens = g.maxOutputTokens
	}
	if schema != nil {
		config.ResponseMIMEType = "application/json"
	}

	var contents []*gemini.Content
	for _, m := range messages {
		var role gemini.Role
		switch m.Role {
		case ChatRoleSystem:
			config.SystemInstruction = gemini.NewContentFromText(m.Content, gemini.RoleUser)
			continue
		case ChatRoleAssistant:
			role = gemini.RoleModel
		default:
			role = gemini.RoleUser
		}
		contents = append(contents, gemini.NewContentFromText(m.Content, role))
	}
	return contents, config
}
