// Package pipeline runs messages through classification and writes the
// ones that describe problems.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matsen/slackprobs/internal/classify"
	"github.com/matsen/slackprobs/internal/slackapi"
)

// State is the stage a message has reached in a run.
type State int

const (
	StatePending State = iota
	StateClassified
	StateExtracted
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateClassified:
		return "classified"
	case StateExtracted:
		return "extracted"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats counts what happened to messages during a run.
type Stats struct {
	Seen     int `json:"seen"`
	Problems int `json:"problems"`
	Written  int `json:"written"`
	Dropped  int `json:"dropped"` // problems that could not be transformed
}

// Driver classifies messages one at a time and writes the problems.
type Driver struct {
	Classifier classify.Classifier
	Transform  Transform
	Logger     *slog.Logger

	// Observe, if set, is called on every state transition.
	Observe func(msg slackapi.RawMessage, s State)
}

// Run drains src in order. Each message is classified before anything else
// happens to it, and only one classification is ever in flight. Messages
// judged to be problems are transformed and written to sink. Run does not
// close sink.
func (d *Driver) Run(ctx context.Context, src Source, sink Sink) (Stats, error) {
	var stats Stats
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	transform := d.Transform
	if transform == nil {
		transform = Identity
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		msg, ok, err := src.Next(ctx)
		if err != nil {
			return stats, fmt.Errorf("reading messages: %w", err)
		}
		if !ok {
			break
		}
		stats.Seen++
		d.observe(msg, StatePending)

		isProblem, err := d.Classifier.Classify(ctx, msg.Text)
		if err != nil {
			return stats, fmt.Errorf("classifying message %s: %w", msg.TS, err)
		}
		d.observe(msg, StateClassified)

		if !isProblem {
			d.observe(msg, StateSkipped)
			logger.Debug("not a problem", "ts", msg.TS, "seen", stats.Seen)
			continue
		}
		stats.Problems++

		v, err := transform.Apply(ctx, msg)
		if errors.Is(err, ErrSkip) {
			stats.Dropped++
			d.observe(msg, StateSkipped)
			logger.Warn("dropping problem message", "ts", msg.TS, "error", err)
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("transforming message %s: %w", msg.TS, err)
		}
		d.observe(msg, StateExtracted)

		if err := sink.Write(v); err != nil {
			return stats, fmt.Errorf("writing message %s: %w", msg.TS, err)
		}
		stats.Written++
		logger.Info("problem message", "ts", msg.TS, "seen", stats.Seen, "written", stats.Written)
	}

	return stats, nil
}

func (d *Driver) observe(msg slackapi.RawMessage, s State) {
	if d.Observe != nil {
		d.Observe(msg, s)
	}
}
