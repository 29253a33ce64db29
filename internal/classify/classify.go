// Package classify decides whether a chat message describes a problem,
// issue, or request for guidance by asking a language model.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Classifier returns true when text is about a problem.
type Classifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, text string) (bool, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, text string) (bool, error) {
	return f(ctx, text)
}

// ErrInvalidVerdict is returned when a model answer is not a
// single-key {"isProblem": <bool>} object.
var ErrInvalidVerdict = errors.New("invalid verdict")

// Verdict is the only answer shape accepted from a model.
type Verdict struct {
	IsProblem bool `json:"isProblem"`
}

// verdictKey is the single key a verdict object may carry.
const verdictKey = "isProblem"

// SystemPrompt defines the task for the model.
const SystemPrompt = `You are a helpful assistant that identifies whether a message is about a problem, issue, or a question for guidance.
If the message is a pull request review request, then it is not a problem or issue. Your response should be in JSON format.
It should have a SINGLE key "isProblem" with a boolean value.
Nothing else should be in the response.

Example response:
{"isProblem": true}

Or

{"isProblem": false}`

// UserPrompt embeds the message text in the question turn.
func UserPrompt(text string) string {
	return fmt.Sprintf("Is the following message about a problem, issue, or a question for guidance?\n\n\"%s\"", text)
}

// ParseVerdict parses a model answer. Surrounding whitespace and a
// markdown code fence are tolerated; anything other than an object with
// exactly one boolean "isProblem" key is rejected.
func ParseVerdict(response string) (bool, error) {
	text := strings.TrimSpace(response)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimSpace(extractFromCodeBlock(text))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if len(fields) != 1 {
		return false, fmt.Errorf("%w: want exactly one key, got %d", ErrInvalidVerdict, len(fields))
	}

	raw, ok := fields[verdictKey]
	if !ok {
		return false, fmt.Errorf("%w: missing %q", ErrInvalidVerdict, verdictKey)
	}
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not a boolean: %s", ErrInvalidVerdict, verdictKey, raw)
	}
}

// extractFromCodeBlock extracts content from a markdown code block.
func extractFromCodeBlock(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}

	// Drop the opening fence line (``` or ```json) and a closing fence.
	end := len(lines)
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		end = len(lines) - 1
	}

	return strings.Join(lines[1:end], "\n")
}

// truncateUTF8 safely truncates text to approximately maxLen bytes
// without splitting multi-byte UTF-8 characters. Adds "..." if truncated.
func truncateUTF8(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}

	validLen := maxLen
	for validLen > 0 && !utf8.RuneStart(text[validLen]) {
		validLen--
	}

	if validLen == 0 {
		return ""
	}

	return text[:validLen] + "..."
}
