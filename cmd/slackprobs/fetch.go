package main

import (
	"fmt"
	"path/filepath"

	"github.com/matsen/slackprobs/internal/pipeline"
	"github.com/matsen/slackprobs/internal/slackapi"
	"github.com/spf13/cobra"
)

type fetchOptions struct {
	outDir   string
	limit    int
	maxPages int
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Dump a channel's raw history, thread replies included",
		Long: `Fetch every message in SLACK_CHANNEL, newest first, and write them to
<channel>.json exactly as Slack returns them. Messages that start a thread
carry a "replies" array holding the whole thread, root included.

A failed reply fetch is logged and that message is written without replies.
A failed history fetch aborts the run and nothing is written.

Examples:
  slackprobs fetch
  slackprobs fetch --out-dir dumps --max-pages 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.outDir, "out-dir", ".", "Directory for the dump")
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "Messages per history page")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 0, "Stop after this many pages (0 = all)")
	return cmd
}

func runFetch(cmd *cobra.Command, opts fetchOptions) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	channel, err := a.cfg.Channel()
	if err != nil {
		return err
	}
	client, err := a.slackClient()
	if err != nil {
		return err
	}

	path := filepath.Join(opts.outDir, channel+".json")
	sink := pipeline.NewBatchWriter(path)
	src := pipeline.NewHistorySource(client, slackapi.HistoryQuery{Channel: channel, Limit: opts.limit}, opts.maxPages)

	a.logger.Info("fetching history", "channel", channel, "limit", opts.limit, "max_pages", opts.maxPages)
	stats, err := pipeline.Dump(cmd.Context(), src, client, channel, sink, a.logger)
	if err != nil {
		sink.Discard()
		return runFailure(fmt.Errorf("fetching %s: %w", channel, err), ExitSlackError)
	}
	if err := sink.Close(); err != nil {
		return withExitCode(ExitOutputError, err)
	}

	a.logger.Info("fetched history", "messages", stats.Messages, "threads", stats.Threads,
		"thread_errors", stats.ThreadErrors, "pages", src.Pages(), "output", path)

	return outputJSON(a.stdout, FetchSummary{
		Output:       path,
		Channel:      channel,
		Messages:     stats.Messages,
		Threads:      stats.Threads,
		ThreadErrors: stats.ThreadErrors,
		Pages:        src.Pages(),
	})
}
