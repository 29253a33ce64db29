package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"

	"github.com/matsen/slackprobs/internal/classify"
	"github.com/matsen/slackprobs/internal/config"
	"github.com/matsen/slackprobs/internal/slackapi"
)

// exitError attaches an exit code to an error returned from a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// withExitCode tags err with code. A nil err stays nil.
func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode picks the process exit code for an error returned by a command.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, slackapi.ErrMissingToken),
		errors.Is(err, config.ErrMissingChannel),
		errors.Is(err, classify.ErrMissingAPIKey):
		return ExitConfigError
	default:
		return ExitError
	}
}

// runFailure classifies an error from a pipeline run. Filesystem errors come
// from the sink; anything else that is not an interruption came from the
// message source and gets sourceCode.
func runFailure(err error, sourceCode int) error {
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr):
		return withExitCode(ExitOutputError, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return withExitCode(ExitError, err)
	default:
		return withExitCode(sourceCode, err)
	}
}

// outputJSON writes a value as formatted JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RunSummary is printed after filter and scan.
type RunSummary struct {
	Output       string `json:"output"`
	Backend      string `json:"backend"`
	Seen         int    `json:"seen"`
	Problems     int    `json:"problems"`
	Written      int    `json:"written"`
	Dropped      int    `json:"dropped,omitempty"`
	Fallbacks    int    `json:"fallbacks"`
	CacheHits    int    `json:"cache_hits"`
	ThreadErrors int    `json:"thread_errors,omitempty"`
	Pages        int    `json:"pages,omitempty"`
}

// FetchSummary is printed after fetch.
type FetchSummary struct {
	Output       string `json:"output"`
	Channel      string `json:"channel"`
	Messages     int    `json:"messages"`
	Threads      int    `json:"threads"`
	ThreadErrors int    `json:"thread_errors"`
	Pages        int    `json:"pages"`
}

// CacheStatsResponse is printed by cache stats.
type CacheStatsResponse struct {
	Path     string `json:"path"`
	Total    int    `json:"total"`
	Problems int    `json:"problems"`
	Runs     int    `json:"runs"`
}

// CacheClearResponse is printed by cache clear.
type CacheClearResponse struct {
	Path    string `json:"path"`
	Deleted int64  `json:"deleted"`
}

// CacheEntryResponse is printed by cache get.
type CacheEntryResponse struct {
	Key          string `json:"key"`
	Backend      string `json:"backend"`
	TextPreview  string `json:"text_preview"`
	IsProblem    bool   `json:"is_problem"`
	RunID        string `json:"run_id"`
	ClassifiedAt string `json:"classified_at"`
}
