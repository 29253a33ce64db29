package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// completionServer fakes /v1/chat/completions, replying with content.
func completionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req["model"] != DefaultOpenAIModel {
			t.Errorf("model = %v", req["model"])
		}
		format, _ := req["response_format"].(map[string]any)
		if format["type"] != "json_schema" {
			t.Errorf("response_format = %v", req["response_format"])
		}
		// The request must carry a near-zero temperature; a plain 0 would be
		// omitted and leave the API default in place.
		if temp, ok := req["temperature"].(float64); !ok || temp <= 0 || temp > 1e-6 {
			t.Errorf("temperature = %v, want a near-zero value", req["temperature"])
		}
		if msgs, _ := req["messages"].([]any); len(msgs) != 2 {
			t.Errorf("messages = %v", req["messages"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  DefaultOpenAIModel,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewOpenAI_MissingKey(t *testing.T) {
	if _, err := NewOpenAI(""); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("NewOpenAI(\"\") error = %v, want ErrMissingAPIKey", err)
	}
}

func TestOpenAI_Classify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
		want    bool
		wantErr bool
	}{
		{name: "problem", status: http.StatusOK, content: `{"isProblem":true}`, want: true},
		{name: "not a problem", status: http.StatusOK, content: `{"isProblem":false}`, want: false},
		{name: "bad shape", status: http.StatusOK, content: `{"isProblem":1}`, wantErr: true},
		{name: "api error", status: http.StatusUnauthorized, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := completionServer(t, tt.status, tt.content)
			c, err := NewOpenAI("sk-test", WithOpenAIBaseURL(server.URL+"/v1"))
			if err != nil {
				t.Fatalf("NewOpenAI() error = %v", err)
			}

			got, err := c.Classify(context.Background(), "prod is down")
			if tt.wantErr {
				if err == nil {
					t.Errorf("Classify() expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenAI_ID(t *testing.T) {
	c, err := NewOpenAI("sk-test", WithOpenAIModel("gpt-4o-mini"))
	if err != nil {
		t.Fatal(err)
	}
	if c.ID() != "openai:gpt-4o-mini" {
		t.Errorf("ID() = %s", c.ID())
	}
}

func TestClassifiers_ImplementInterface(t *testing.T) {
	var _ Classifier = (*Ollama)(nil)
	var _ Classifier = (*OpenAI)(nil)
	var _ Classifier = (*Fallback)(nil)
	var _ Classifier = (*Cached)(nil)
	var _ Classifier = Func(nil)
}
