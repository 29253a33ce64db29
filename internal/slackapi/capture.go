package slackapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// slack-go decodes responses into its own structs, which drop fields it
// does not model. bodyRecorder keeps a copy of each response body for
// requests whose context carries a *responseBody, so messages can be read
// from the bytes Slack actually sent.
type bodyRecorder struct {
	next *http.Client
}

type responseBodyKey struct{}

type responseBody struct {
	data []byte
}

func withResponseBody(ctx context.Context) (context.Context, *responseBody) {
	rb := &responseBody{}
	return context.WithValue(ctx, responseBodyKey{}, rb), rb
}

// Do implements slack-go's HTTP client interface.
func (r bodyRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.next.Do(req)
	if err != nil {
		return nil, err
	}
	rb, ok := req.Context().Value(responseBodyKey{}).(*responseBody)
	if !ok {
		return resp, nil
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", req.URL.Path, err)
	}
	rb.data = data
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// messages decodes the "messages" array of a recorded response. want is
// the count slack-go saw; a mismatch means the body was not the one decoded.
func (rb *responseBody) messages(want int) ([]RawMessage, error) {
	var body struct {
		Messages []RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(rb.data, &body); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	if len(body.Messages) != want {
		return nil, fmt.Errorf("decoded %d messages, slack reported %d", len(body.Messages), want)
	}
	if body.Messages == nil {
		body.Messages = []RawMessage{}
	}
	return body.Messages, nil
}
