package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matsen/slackprobs/internal/classify"
	"github.com/matsen/slackprobs/internal/config"
	"github.com/matsen/slackprobs/internal/slackapi"
)

// isolateEnv clears every variable the CLI reads and points the global
// config and verdict cache into a temp directory.
func isolateEnv(t *testing.T) string {
	t.Helper()
	config.ResetGlobalConfigCache()
	t.Cleanup(config.ResetGlobalConfigCache)

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, key := range []string{
		config.EnvSlackToken, config.EnvSlackBotToken, config.EnvSlackChannel,
		config.EnvOpenAIKey, config.EnvOpenAIKeyAlt, config.EnvOpenAIModel,
		config.EnvOllamaURL, config.EnvOllamaModel, config.EnvOnError,
	} {
		t.Setenv(key, "")
	}
	t.Setenv(config.EnvVerdictCache, filepath.Join(dir, "verdicts.db"))
	return dir
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	config.ResetGlobalConfigCache()

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if testing.Verbose() {
		t.Logf("stderr:\n%s", stderr.String())
	}
	return stdout.String(), err
}

// problemWords decides the fake models' verdicts.
var problemWords = []string{"broken", "how do i", "error"}

func looksLikeProblem(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, w := range problemWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// ollamaServer fakes /api/chat, streaming the verdict in two fragments.
func ollamaServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := new(atomic.Int32)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 {
			t.Errorf("bad chat request: %v", err)
			return
		}
		verdict := strconv.FormatBool(looksLikeProblem(req.Messages[1].Content))
		fmt.Fprintf(w, "{\"message\":{\"role\":\"assistant\",\"content\":\"{\\\"isProblem\\\": \"},\"done\":false}\n")
		fmt.Fprintf(w, "{\"message\":{\"role\":\"assistant\",\"content\":\"%s}\"},\"done\":true}\n", verdict)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

// openAIServer fakes /v1/chat/completions.
func openAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 {
			t.Errorf("bad completion request: %v", err)
			return
		}
		content := fmt.Sprintf(`{"isProblem":%t}`, looksLikeProblem(req.Messages[1].Content))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  classify.DefaultOpenAIModel,
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

// slackServer fakes conversations.history and conversations.replies for
// channel C0TEST. A non-empty historyError makes history calls fail.
func slackServer(t *testing.T, historyError string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if historyError != "" {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": historyError})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"type": "message", "text": "the build is broken again", "ts": "1700000300.000000",
					"thread_ts": "1700000300.000000", "reply_count": 1},
				{"type": "message", "text": "PTAL at my PR", "ts": "1700000200.000000"},
				{"type": "message", "text": "how do I get prod access?", "ts": "1700000100.000000"},
			},
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	})
	mux.HandleFunc("/conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"type": "message", "text": "the build is broken again", "ts": "1700000300.000000", "thread_ts": "1700000300.000000"},
				{"type": "message", "text": "fixed in #42", "ts": "1700000400.000000", "thread_ts": "1700000300.000000"},
			},
			"has_more":          false,
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeDump(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "C0TEST_raw.json")
	dump := `[
  {"type": "message", "text": "PTAL at my PR", "ts": "1.0"},
  {"type": "message", "text": "deploy error on staging", "ts": "2.0", "client_msg_id": "abc"},
  {"type": "message", "text": "lunch?", "ts": "3.0"},
  {"type": "message", "text": "how do I reset my token?", "ts": "4.0"}
]`
	if err := os.WriteFile(path, []byte(dump), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFilter_Stream(t *testing.T) {
	dir := isolateEnv(t)
	ollama, _ := ollamaServer(t)
	input := writeDump(t, dir)
	outDir := filepath.Join(dir, "problems")

	stdout, err := execute(t, "filter", input, "--out-dir", outDir, "--ollama-url", ollama.URL)
	if err != nil {
		t.Fatalf("filter error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "C0TEST.json"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("output is not a JSON array: %v\n%s", err, data)
	}
	if len(out) != 2 || out[0]["ts"] != "2.0" || out[1]["ts"] != "4.0" {
		t.Errorf("output = %v", out)
	}
	if out[0]["client_msg_id"] != "abc" {
		t.Errorf("filter must keep unknown fields, got %v", out[0])
	}

	var summary RunSummary
	if err := json.Unmarshal([]byte(stdout), &summary); err != nil {
		t.Fatalf("summary: %v\n%s", err, stdout)
	}
	if summary.Seen != 4 || summary.Written != 2 || summary.Backend != "ollama:llama3.1" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestFilter_SkipAndCache(t *testing.T) {
	dir := isolateEnv(t)
	ollama, calls := ollamaServer(t)
	input := writeDump(t, dir)
	outDir := filepath.Join(dir, "problems")

	if _, err := execute(t, "filter", input, "--out-dir", outDir, "--ollama-url", ollama.URL, "--skip", "2"); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("model calls after skip 2 = %d, want 2", calls.Load())
	}

	stdout, err := execute(t, "filter", input, "--out-dir", outDir, "--ollama-url", ollama.URL)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("model calls after full run = %d, want 4 (two cached)", calls.Load())
	}
	var summary RunSummary
	json.Unmarshal([]byte(stdout), &summary)
	if summary.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", summary.CacheHits)
	}

	stdout, err = execute(t, "cache", "stats")
	if err != nil {
		t.Fatalf("cache stats error = %v", err)
	}
	var stats CacheStatsResponse
	json.Unmarshal([]byte(stdout), &stats)
	if stats.Total != 4 || stats.Problems != 2 || stats.Runs != 2 {
		t.Errorf("cache stats = %+v", stats)
	}

	stdout, err = execute(t, "cache", "get", "--label", "ollama:llama3.1", "--text", "deploy error on staging")
	if err != nil {
		t.Fatalf("cache get error = %v", err)
	}
	var entry CacheEntryResponse
	json.Unmarshal([]byte(stdout), &entry)
	if !entry.IsProblem || entry.Backend != "ollama:llama3.1" || entry.TextPreview != "deploy error on staging" {
		t.Errorf("cache get = %+v", entry)
	}
	byKey, err := execute(t, "cache", "get", entry.Key)
	if err != nil || byKey != stdout {
		t.Errorf("cache get by key = %q, %v; want %q", byKey, err, stdout)
	}
	if _, err := execute(t, "cache", "get", "0000"); !errors.Is(err, errVerdictNotFound) || exitCode(err) != ExitError {
		t.Errorf("cache get unknown key error = %v", err)
	}
	if _, err := execute(t, "cache", "get"); err == nil {
		t.Error("cache get with no key should fail")
	}

	if _, err := execute(t, "cache", "clear"); err != nil {
		t.Fatalf("cache clear error = %v", err)
	}
	if _, err := execute(t, "filter", input, "--out-dir", outDir, "--ollama-url", ollama.URL, "--no-cache"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 8 {
		t.Errorf("model calls with --no-cache = %d, want 8", calls.Load())
	}
}

func TestFilter_BackendDownFailsOpen(t *testing.T) {
	dir := isolateEnv(t)
	input := writeDump(t, dir)
	outDir := filepath.Join(dir, "problems")
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	tests := []struct {
		policy string
		want   int
	}{
		{"include", 4},
		{"exclude", 0},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			_, err := execute(t, "filter", input, "--out-dir", outDir, "--ollama-url", dead.URL,
				"--on-error", tt.policy, "--timeout", "2s", "--batch")
			if err != nil {
				t.Fatalf("filter error = %v", err)
			}
			data, _ := os.ReadFile(filepath.Join(outDir, "C0TEST.json"))
			var out []any
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("output: %v", err)
			}
			if len(out) != tt.want {
				t.Errorf("wrote %d messages, want %d", len(out), tt.want)
			}
		})
	}
}

func TestFilter_Errors(t *testing.T) {
	dir := isolateEnv(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"missing file argument", []string{"filter"}, ExitError},
		{"unreadable dump", []string{"filter", filepath.Join(dir, "nope.json")}, ExitError},
		{"unknown backend", []string{"filter", writeDump(t, dir), "--backend", "bard"}, ExitError},
		{"bad policy", []string{"filter", writeDump(t, dir), "--on-error", "maybe"}, ExitError},
		{"openai without key", []string{"filter", writeDump(t, dir), "--backend", "openai"}, ExitConfigError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := exitCode(err); got != tt.code {
				t.Errorf("exitCode = %d, want %d (err: %v)", got, tt.code, err)
			}
		})
	}
}

func TestScan(t *testing.T) {
	dir := isolateEnv(t)
	slack := slackServer(t, "")
	openai := openAIServer(t)
	t.Setenv(config.EnvSlackToken, "xoxb-test")
	t.Setenv(config.EnvSlackChannel, "C0TEST")
	t.Setenv(config.EnvOpenAIKey, "sk-test")
	out := filepath.Join(dir, "problemMessages.json")

	stdout, err := execute(t, "scan", "--out", out, "--latest", "2024-01-01",
		"--slack-api-url", slack.URL+"/", "--openai-base-url", openai.URL+"/v1")
	if err != nil {
		t.Fatalf("scan error = %v", err)
	}

	data, _ := os.ReadFile(out)
	var msgs []struct {
		Text   string `json:"text"`
		Date   string `json:"date"`
		Links  []string
		Thread []struct {
			Text string `json:"text"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("output: %v\n%s", err, data)
	}
	if len(msgs) != 2 {
		t.Fatalf("wrote %d messages, want 2: %s", len(msgs), data)
	}
	if msgs[0].Text != "the build is broken again" || msgs[0].Date != "2023-11-14T22:18:20.000Z" {
		t.Errorf("first = %+v", msgs[0])
	}
	if len(msgs[0].Thread) != 1 || msgs[0].Thread[0].Text != "fixed in #42" {
		t.Errorf("thread = %+v", msgs[0].Thread)
	}
	if msgs[1].Text != "how do I get prod access?" || len(msgs[1].Thread) != 0 {
		t.Errorf("second = %+v", msgs[1])
	}

	var summary RunSummary
	json.Unmarshal([]byte(stdout), &summary)
	if summary.Seen != 3 || summary.Written != 2 || summary.Pages != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestScan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		channel string
		apiErr  string
		args    []string
		code    int
	}{
		{"missing token", "", "C0TEST", "", nil, ExitConfigError},
		{"missing channel", "xoxb-test", "", "", nil, ExitConfigError},
		{"bad date", "xoxb-test", "C0TEST", "", []string{"--latest", "01/01/2023"}, ExitError},
		{"history failure", "xoxb-test", "C0TEST", "channel_not_found", nil, ExitSlackError},
		{"history failure streaming", "xoxb-test", "C0TEST", "channel_not_found", []string{"--stream"}, ExitSlackError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolateEnv(t)
			slack := slackServer(t, tt.apiErr)
			openai := openAIServer(t)
			t.Setenv(config.EnvSlackToken, tt.token)
			t.Setenv(config.EnvSlackChannel, tt.channel)
			t.Setenv(config.EnvOpenAIKey, "sk-test")
			out := filepath.Join(dir, "problemMessages.json")

			args := append([]string{"scan", "--out", out,
				"--slack-api-url", slack.URL + "/", "--openai-base-url", openai.URL + "/v1"}, tt.args...)
			_, err := execute(t, args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := exitCode(err); got != tt.code {
				t.Errorf("exitCode = %d, want %d (err: %v)", got, tt.code, err)
			}

			data, statErr := os.ReadFile(out)
			streaming := len(tt.args) > 0 && tt.args[0] == "--stream"
			switch {
			case streaming:
				if string(data) != "[\n\n]\n" {
					t.Errorf("streamed output after failure = %q", data)
				}
			case !errors.Is(statErr, fs.ErrNotExist):
				t.Errorf("batch run failed but wrote %s", out)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	dir := isolateEnv(t)
	slack := slackServer(t, "")
	t.Setenv(config.EnvSlackToken, "xoxb-test")
	t.Setenv(config.EnvSlackChannel, "C0TEST")

	stdout, err := execute(t, "fetch", "--out-dir", dir, "--slack-api-url", slack.URL+"/")
	if err != nil {
		t.Fatalf("fetch error = %v", err)
	}

	msgs, err := readMessages(filepath.Join(dir, "C0TEST.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("dumped %d messages, want 3", len(msgs))
	}
	if len(msgs[0].Replies) != 2 || msgs[1].Replies != nil {
		t.Errorf("replies = %+v / %+v", msgs[0].Replies, msgs[1].Replies)
	}

	var summary FetchSummary
	json.Unmarshal([]byte(stdout), &summary)
	if summary.Messages != 3 || summary.Threads != 1 || summary.Pages != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func readMessages(path string) ([]slackapi.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs []slackapi.RawMessage
	return msgs, json.Unmarshal(data, &msgs)
}

func TestDumpBaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"C0123_raw.json", "C0123"},
		{"dumps/C0123_raw.json", "C0123"},
		{"C0123.json", "C0123"},
		{"/abs/path/general.json", "general"},
		{"notes.txt", "notes.txt"},
	}
	for _, tt := range tests {
		if got := dumpBaseName(tt.in); got != tt.want {
			t.Errorf("dumpBaseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDateToTS(t *testing.T) {
	got, err := dateToTS("2023-01-01")
	if err != nil {
		t.Fatal(err)
	}
	want := strconv.FormatInt(time.Date(2023, 1, 1, 0, 0, 0, 0, time.Local).Unix(), 10)
	if got != want {
		t.Errorf("dateToTS = %s, want %s", got, want)
	}

	if got, err := dateToTS(""); got != "" || err != nil {
		t.Errorf("dateToTS(\"\") = %q, %v", got, err)
	}
	for _, bad := range []string{"2023-13-01", "yesterday", "2023/01/01"} {
		if _, err := dateToTS(bad); err == nil {
			t.Errorf("dateToTS(%q) should fail", bad)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("x"), ExitError},
		{"missing token", fmt.Errorf("setup: %w", slackapi.ErrMissingToken), ExitConfigError},
		{"missing channel", config.ErrMissingChannel, ExitConfigError},
		{"missing key", classify.ErrMissingAPIKey, ExitConfigError},
		{"tagged", withExitCode(ExitSlackError, errors.New("x")), ExitSlackError},
		{"path error", runFailure(&fs.PathError{Op: "write", Path: "p", Err: errors.New("disk full")}, ExitSlackError), ExitOutputError},
		{"cancelled", runFailure(fmt.Errorf("reading: %w", context.Canceled), ExitSlackError), ExitError},
		{"source", runFailure(errors.New("channel_not_found"), ExitSlackError), ExitSlackError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
