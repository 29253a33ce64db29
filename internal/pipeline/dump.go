package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// DumpStats counts what a raw dump fetched.
type DumpStats struct {
	Messages     int `json:"messages"`
	Threads      int `json:"threads"`
	ThreadErrors int `json:"thread_errors"`
}

// Dump copies every message from src into sink, attaching the full reply
// list to each thread root under "replies". Messages keep every field
// Slack sent. A failed reply fetch leaves that message
// without replies; a failed history fetch aborts the dump.
func Dump(ctx context.Context, src Source, threads ThreadReader, channel string, sink Sink, logger *slog.Logger) (DumpStats, error) {
	var stats DumpStats
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	for {
		msg, ok, err := src.Next(ctx)
		if err != nil {
			return stats, fmt.Errorf("reading messages: %w", err)
		}
		if !ok {
			break
		}
		stats.Messages++
		logger.Debug("processing message", "n", stats.Messages, "ts", msg.TS)

		if msg.IsThread() {
			stats.Threads++
			replies, err := threads.Replies(ctx, channel, msg.ThreadTS)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return stats, ctxErr
				}
				stats.ThreadErrors++
				logger.Warn("could not fetch thread replies", "thread_ts", msg.ThreadTS, "error", err)
			} else if msg, err = msg.WithReplies(replies); err != nil {
				return stats, err
			}
		}

		if err := sink.Write(msg); err != nil {
			return stats, fmt.Errorf("writing message %s: %w", msg.TS, err)
		}
	}

	return stats, nil
}
