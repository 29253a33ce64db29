package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	// DefaultOpenAIModel supports structured outputs.
	DefaultOpenAIModel = "gpt-4o-2024-08-06"

	// DefaultOpenAITimeout bounds a single completion request.
	DefaultOpenAITimeout = 60 * time.Second
)

// ErrMissingAPIKey is returned when the hosted backend has no API key.
var ErrMissingAPIKey = errors.New("OpenAI API key not set; set OPEN_AI in the environment or .env")

// OpenAI classifies messages with a hosted chat completion constrained to
// the Verdict JSON schema.
type OpenAI struct {
	client *openai.Client
	model  string
	schema *jsonschema.Definition
	logger *slog.Logger
}

type openAIOptions struct {
	baseURL string
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// OpenAIOption configures an OpenAI classifier.
type OpenAIOption func(*openAIOptions)

// WithOpenAIBaseURL overrides the API base URL (for testing or proxies).
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *openAIOptions) {
		o.baseURL = url
	}
}

// WithOpenAIModel sets the model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(o *openAIOptions) {
		o.model = model
	}
}

// WithOpenAITimeout sets the HTTP timeout.
func WithOpenAITimeout(timeout time.Duration) OpenAIOption {
	return func(o *openAIOptions) {
		o.timeout = timeout
	}
}

// WithOpenAILogger sets the logger.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(o *openAIOptions) {
		o.logger = logger
	}
}

// NewOpenAI creates a hosted classifier authenticated with apiKey.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	o := openAIOptions{
		model:   DefaultOpenAIModel,
		timeout: DefaultOpenAITimeout,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	schema, err := jsonschema.GenerateSchemaForType(Verdict{})
	if err != nil {
		return nil, fmt.Errorf("generating verdict schema: %w", err)
	}

	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: o.timeout}

	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  o.model,
		schema: schema,
		logger: o.logger,
	}, nil
}

// ID identifies the backend and model, for caching.
func (c *OpenAI) ID() string {
	return "openai:" + c.model
}

// Classify requests a schema-constrained completion and parses it.
func (c *OpenAI) Classify(ctx context.Context, text string) (bool, error) {
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(text)},
		},
		// A literal 0 is dropped by omitempty and the API default applies.
		Temperature: math.SmallestNonzeroFloat32,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: c.schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return false, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("%w: no choices in completion", ErrInvalidVerdict)
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return false, fmt.Errorf("%w: model refused: %s", ErrInvalidVerdict, msg.Refusal)
	}

	isProblem, err := ParseVerdict(msg.Content)
	if err != nil {
		return false, err
	}

	c.logger.Debug("classified message",
		"backend", "openai",
		"message", truncateUTF8(text, logPreviewLength),
		"is_problem", isProblem,
		"duration_ms", time.Since(start).Milliseconds())
	return isProblem, nil
}
