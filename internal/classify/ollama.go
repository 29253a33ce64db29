package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultOllamaURL is the local Ollama server.
	DefaultOllamaURL = "http://127.0.0.1:11434"

	// DefaultOllamaModel is the chat model used for classification.
	DefaultOllamaModel = "llama3.1"

	// DefaultOllamaTimeout bounds a whole classification exchange, stream included.
	DefaultOllamaTimeout = 60 * time.Second

	// apiPathChat is the Ollama chat endpoint.
	apiPathChat = "/api/chat"

	// logPreviewLength limits how much message text goes into debug logs.
	logPreviewLength = 192
)

// Ollama classifies messages against a local Ollama chat endpoint,
// consuming its newline-delimited streaming response.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// OllamaOption configures an Ollama classifier.
type OllamaOption func(*Ollama)

// WithOllamaURL sets the Ollama API base URL.
func WithOllamaURL(url string) OllamaOption {
	return func(o *Ollama) {
		o.baseURL = strings.TrimRight(url, "/")
	}
}

// WithOllamaModel sets the chat model.
func WithOllamaModel(model string) OllamaOption {
	return func(o *Ollama) {
		o.model = model
	}
}

// WithOllamaTimeout sets the per-request timeout.
func WithOllamaTimeout(timeout time.Duration) OllamaOption {
	return func(o *Ollama) {
		o.client.Timeout = timeout
	}
}

// WithOllamaLogger sets the logger.
func WithOllamaLogger(logger *slog.Logger) OllamaOption {
	return func(o *Ollama) {
		o.logger = logger
	}
}

// NewOllama creates an Ollama classifier.
func NewOllama(opts ...OllamaOption) *Ollama {
	o := &Ollama{
		baseURL: DefaultOllamaURL,
		model:   DefaultOllamaModel,
		client:  &http.Client{Timeout: DefaultOllamaTimeout},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ID identifies the backend and model, for caching.
func (o *Ollama) ID() string {
	return "ollama:" + o.model
}

// Classify streams a chat completion and parses the concatenated reply.
func (o *Ollama) Classify(ctx context.Context, text string) (bool, error) {
	start := time.Now()

	reqBody := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: UserPrompt(text)},
		},
		Stream: true,
		Format: "json",
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return false, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+apiPathChat, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, formatErrorBody(resp.Body))
	}

	var answer strings.Builder
	for fragment, err := range streamFragments(resp.Body) {
		if err != nil {
			return false, err
		}
		answer.WriteString(fragment)
	}

	isProblem, err := ParseVerdict(answer.String())
	if err != nil {
		return false, err
	}

	o.logger.Debug("classified message",
		"backend", "ollama",
		"message", truncateUTF8(text, logPreviewLength),
		"is_problem", isProblem,
		"duration_ms", time.Since(start).Milliseconds())
	return isProblem, nil
}

// streamFragments yields the message.content fragment of each chunk in an
// Ollama NDJSON stream until a chunk reports done or the stream ends.
func streamFragments(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dec := json.NewDecoder(r)
		for {
			var chunk ollamaChatChunk
			if err := dec.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield("", fmt.Errorf("decoding stream chunk: %w", err))
				return
			}
			if chunk.Error != "" {
				yield("", fmt.Errorf("ollama error: %s", chunk.Error))
				return
			}
			if !yield(chunk.Message.Content, nil) {
				return
			}
			if chunk.Done {
				return
			}
		}
	}
}

// formatErrorBody reads and formats the response body for error messages.
func formatErrorBody(body io.Reader) string {
	respBody, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return fmt.Sprintf("(failed to read response body: %v)", err)
	}
	return string(respBody)
}

// ollamaChatRequest is the request body for the Ollama chat API.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

// ollamaMessage is one chat turn.
type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatChunk is one line of a streamed chat response.
type ollamaChatChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}
