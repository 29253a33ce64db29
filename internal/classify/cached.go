package classify

import (
	"context"
	"log/slog"
)

// Store persists verdicts between runs.
type Store interface {
	Lookup(ctx context.Context, backend, text string) (isProblem, found bool, err error)
	Save(ctx context.Context, backend, text string, isProblem bool) error
}

// Cached consults store before calling the backend and records successful
// verdicts. Store failures are logged and otherwise ignored. Errors from
// the backend are passed through and never stored.
type Cached struct {
	next    Classifier
	store   Store
	backend string
	logger  *slog.Logger
	hits    int
}

// NewCached wraps next. backend namespaces the stored verdicts, e.g.
// "ollama:llama3.1", so that switching models does not reuse answers.
func NewCached(next Classifier, store Store, backend string, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cached{next: next, store: store, backend: backend, logger: logger}
}

// Classify implements Classifier.
func (c *Cached) Classify(ctx context.Context, text string) (bool, error) {
	isProblem, found, err := c.store.Lookup(ctx, c.backend, text)
	if err != nil {
		c.logger.Warn("verdict cache lookup failed", "error", err)
	} else if found {
		c.hits++
		return isProblem, nil
	}

	isProblem, err = c.next.Classify(ctx, text)
	if err != nil {
		return false, err
	}

	if err := c.store.Save(ctx, c.backend, text, isProblem); err != nil {
		c.logger.Warn("verdict cache save failed", "error", err)
	}
	return isProblem, nil
}

// Hits returns how many verdicts came from the store.
func (c *Cached) Hits() int {
	return c.hits
}
