package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matsen/slackprobs/internal/extract"
	"github.com/matsen/slackprobs/internal/slackapi"
)

// ErrSkip marks a message that was classified as a problem but cannot be
// written. The driver counts it and moves on.
var ErrSkip = errors.New("message skipped")

// Transform turns a message that passed classification into the value
// written to the output.
type Transform interface {
	Apply(ctx context.Context, msg slackapi.RawMessage) (any, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, msg slackapi.RawMessage) (any, error)

// Apply calls f.
func (f TransformFunc) Apply(ctx context.Context, msg slackapi.RawMessage) (any, error) {
	return f(ctx, msg)
}

// Identity writes messages exactly as they were read. A message decoded
// from JSON encodes as its source bytes, unknown fields included.
var Identity = TransformFunc(func(_ context.Context, msg slackapi.RawMessage) (any, error) {
	return msg, nil
})

// Extractor normalizes messages and attaches their thread replies.
type Extractor struct {
	channel string
	threads ThreadReader
	logger  *slog.Logger

	threadErrors int
}

// NewExtractor returns an Extractor that fetches threads from channel.
// threads may be nil, in which case threads are left empty.
func NewExtractor(channel string, threads ThreadReader, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{channel: channel, threads: threads, logger: logger}
}

// Apply implements Transform. A reply fetch failure degrades to an empty
// thread; it never fails the message.
func (e *Extractor) Apply(ctx context.Context, msg slackapi.RawMessage) (any, error) {
	out, err := extract.Extract(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSkip, err)
	}

	if !msg.IsThread() || e.threads == nil {
		return out, nil
	}

	replies, err := e.threads.Replies(ctx, e.channel, msg.ThreadTS)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.threadErrors++
		e.logger.Warn("could not fetch thread replies, continuing without them",
			"thread_ts", msg.ThreadTS, "error", err)
		return out, nil
	}

	thread, skipped := extract.BuildThread(msg, replies)
	if skipped > 0 {
		e.logger.Warn("dropped unreadable thread replies", "thread_ts", msg.ThreadTS, "count", skipped)
	}
	out.Thread = thread
	return out, nil
}

// ThreadErrors returns how many reply fetches failed.
func (e *Extractor) ThreadErrors() int {
	return e.threadErrors
}
