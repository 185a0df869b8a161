package genai

import (
	"context"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) iter.Seq2[string, error]
}

// completionsService adapts the SDK completions service to chatService.
type completionsService struct {
	completions *openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

func (s completionsService) Stream(ctx context.Context, params openai.ChatCompletionNewParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := s.completions.NewStreaming(ctx, params)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", err)
		}
	}
}

// Client wraps the OpenAI chat completion API with conversation memory.
type Client struct {
	*Memory
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int
	topP                float64
}

// NewClient initializes an OpenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyOptions(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("genai.NewClient: OpenAI API key not set")
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	slog.Debug("genai.NewClient: creating OpenAI client", "model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens)

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		Memory:              NewMemory(),
		chat:                completionsService{completions: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxTokens,
		topP:                cfg.TopP,
	}, nil
}

func (c *Client) Name() string                   { return ProviderOpenAI }
func (c *Client) Model() string                  { return c.model }
func (c *Client) IsAvailable() bool              { return c.chat != nil }
func (c *Client) SupportsStructuredOutput() bool { return true }

// Generate sends the conversation memory plus the prompt and returns the reply.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	messages, mark := c.prepare(req)
	params := c.buildParams(messages, req.Schema)

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		c.rollback(mark)
		slog.Error("Client.Generate: chat completion failed", "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		c.rollback(mark)
		slog.Warn("Client.Generate: no choices returned", "model", c.model)
		return "", ErrNoChoicesReturned
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		c.rollback(mark)
		return "", ErrEmptyResponse
	}
	c.AddAssistantMessage(content)
	slog.Debug("Client.Generate: completed", "model", c.model, "elapsed_ms", time.Since(start).Milliseconds(), "length", len(content))
	return content, nil
}

// GenerateStream streams the reply. The full reply is appended to memory once the stream ends cleanly.
func (c *Client) GenerateStream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		messages, mark := c.prepare(req)
		params := c.buildParams(messages, req.Schema)

		var full strings.Builder
		for delta, err := range c.chat.Stream(ctx, params) {
			if err != nil {
				c.rollback(mark)
				slog.Error("Client.GenerateStream: stream failed", "model", c.model, "error", err)
				yield("", err)
				return
			}
			full.WriteString(delta)
			if !yield(delta, nil) {
				c.rollback(mark)
				return
			}
		}
		if full.Len() == 0 {
			c.rollback(mark)
			yield("", ErrEmptyResponse)
			return
		}
		c.AddAssistantMessage(full.String())
	}
}

func (c *Client) buildParams(messages []ChatMessage, schema *Schema) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toOpenAIMessages(messages),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxCompletionTokens))
	}
	if c.topP > 0 {
		params.TopP = openai.Float(c.topP)
	}
	if schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schema.Name,
					Schema: schema.Definition,
					Strict: openai.Bool(true),
				},
			},
		}
	}
	return params
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case ChatRoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case ChatRoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
