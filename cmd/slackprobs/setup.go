package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/matsen/slackprobs/internal/classify"
	"github.com/matsen/slackprobs/internal/config"
	"github.com/matsen/slackprobs/internal/slackapi"
	"github.com/matsen/slackprobs/internal/verdictcache"
	"github.com/spf13/cobra"
)

// Backend names accepted by --backend.
const (
	backendOllama = "ollama"
	backendOpenAI = "openai"
)

// app carries what every command needs: resolved configuration, a logger,
// and where to print results.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
}

// newApp loads .env and the global config, then applies flag overrides.
func newApp(cmd *cobra.Command) (*app, error) {
	logger := newLogger(cmd.ErrOrStderr(), flags.verbose)

	if err := config.LoadDotEnv(); err != nil {
		logger.Warn("could not load .env", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, withExitCode(ExitConfigError, fmt.Errorf("loading config: %w", err))
	}

	if flags.onError != "" {
		cfg.OnError = flags.onError
	}
	if flags.cachePath != "" {
		cfg.CachePath = config.ExpandTilde(flags.cachePath)
	}
	if flags.ollamaURL != "" {
		cfg.OllamaURL = flags.ollamaURL
	}

	return &app{cfg: cfg, logger: logger, stdout: cmd.OutOrStdout()}, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// slackClient builds a Slack client from the configured token.
func (a *app) slackClient() (*slackapi.Client, error) {
	opts := []slackapi.Option{slackapi.WithLogger(a.logger)}
	if flags.slackAPIURL != "" {
		opts = append(opts, slackapi.WithAPIURL(flags.slackAPIURL))
	}
	return slackapi.NewClient(a.cfg.SlackToken, opts...)
}

// openCache opens the verdict cache unless --no-cache is set. A cache that
// cannot be opened is logged and skipped; classification works without it.
func (a *app) openCache() *verdictcache.Cache {
	if flags.noCache {
		return nil
	}
	cache, err := verdictcache.Open(a.cfg.CachePath)
	if err != nil {
		a.logger.Warn("verdict cache unavailable, continuing without it",
			"path", a.cfg.CachePath, "error", err)
		return nil
	}
	a.logger.Debug("verdict cache opened", "path", a.cfg.CachePath, "run_id", cache.RunID())
	return cache
}

// classifierStack is a backend wrapped with the verdict cache and the
// failure policy, outermost last.
type classifierStack struct {
	classify.Classifier
	backend  string
	cached   *classify.Cached
	fallback *classify.Fallback
}

func (s *classifierStack) cacheHits() int {
	if s.cached == nil {
		return 0
	}
	return s.cached.Hits()
}

// newClassifier builds the named backend. A nil cache disables caching.
func (a *app) newClassifier(backend string, cache *verdictcache.Cache) (*classifierStack, error) {
	policy, err := classify.ParsePolicy(a.cfg.OnError)
	if err != nil {
		return nil, err
	}

	var (
		base classify.Classifier
		id   string
	)
	switch backend {
	case backendOllama:
		opts := []classify.OllamaOption{
			classify.WithOllamaTimeout(flags.timeout),
			classify.WithOllamaLogger(a.logger),
		}
		if a.cfg.OllamaURL != "" {
			opts = append(opts, classify.WithOllamaURL(a.cfg.OllamaURL))
		}
		if model := firstNonEmpty(flags.model, a.cfg.OllamaModel); model != "" {
			opts = append(opts, classify.WithOllamaModel(model))
		}
		o := classify.NewOllama(opts...)
		base, id = o, o.ID()

	case backendOpenAI:
		opts := []classify.OpenAIOption{
			classify.WithOpenAITimeout(flags.timeout),
			classify.WithOpenAILogger(a.logger),
		}
		if flags.openAIBaseURL != "" {
			opts = append(opts, classify.WithOpenAIBaseURL(flags.openAIBaseURL))
		}
		if model := firstNonEmpty(flags.model, a.cfg.OpenAIModel); model != "" {
			opts = append(opts, classify.WithOpenAIModel(model))
		}
		o, err := classify.NewOpenAI(a.cfg.OpenAIAPIKey, opts...)
		if err != nil {
			return nil, err
		}
		base, id = o, o.ID()

	default:
		return nil, fmt.Errorf("unknown backend %q: must be %q or %q", backend, backendOllama, backendOpenAI)
	}

	stack := &classifierStack{backend: id}
	inner := base
	if cache != nil {
		stack.cached = classify.NewCached(base, cache, id, a.logger)
		inner = stack.cached
	}
	stack.fallback = classify.WithFallback(inner, policy, a.logger)
	stack.Classifier = stack.fallback
	a.logger.Debug("classifier ready", "backend", id, "on_error", policy, "cache", cache != nil)
	return stack, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
