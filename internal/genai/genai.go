// Package genai provides LLM provider clients for TherapyPipe.
//
// Every provider instance carries its own conversation memory, so one instance must
// serve exactly one agent in one session.
package genai

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Default generation parameters.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
	DefaultTopP        = 0.9
)

// Provider names accepted by NewProvider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Error variables for better error handling and testability
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyResponse     = errors.New("provider returned empty response")
	ErrMissingAPIKey     = errors.New("API key not set")
	ErrUnknownProvider   = errors.New("unknown LLM provider")
)

// Schema describes a structured output request.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Request is a single generation call.
type Request struct {
	// Prompt is appended to memory as a user message.
	Prompt string
	// SystemPrompt is installed in memory when no system prompt is set yet.
	SystemPrompt string
	// Schema requests schema-constrained JSON output; ignored by providers
	// that do not support it.
	Schema *Schema
}

// Provider is an LLM backend with conversation memory.
type Provider interface {
	ConversationMemory

	// Name returns the provider family, e.g. "openai".
	Name() string
	// Model returns the configured model identifier.
	Model() string
	// IsAvailable reports whether the provider is configured to make calls.
	IsAvailable() bool
	// SupportsStructuredOutput reports whether Request.Schema is honored.
	SupportsStructuredOutput() bool
	// Generate sends the memory plus req.Prompt and returns the full reply.
	// The prompt and the reply are appended to memory on success.
	Generate(ctx context.Context, req Request) (string, error)
	// GenerateStream is the streaming variant of Generate. The sequence yields
	// text deltas and ends with a non-nil error on failure.
	GenerateStream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Opts holds configuration options for the providers.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Option defines a configuration option for a provider.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model identifier.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens bounds the number of generated tokens.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) Option {
	return func(o *Opts) { o.TopP = p }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens, TopP: DefaultTopP}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewProvider builds a provider by name.
func NewProvider(ctx context.Context, name string, opts ...Option) (Provider, error) {
	switch name {
	case ProviderOpenAI, "":
		c, err := NewClient(opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderGemini:
		c, err := NewGeminiClient(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// Collect drains a stream into a single string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var out []byte
	for chunk, err := range seq {
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
	return string(out), nil
}
