package main

import (
	"path/filepath"
	"strings"

	"github.com/matsen/slackprobs/internal/pipeline"
	"github.com/spf13/cobra"
)

type filterOptions struct {
	skip    int
	outDir  string
	backend string
	batch   bool
}

func newFilterCmd() *cobra.Command {
	var opts filterOptions

	cmd := &cobra.Command{
		Use:   "filter <file>",
		Short: "Classify a raw dump and keep the problem messages verbatim",
		Long: `Read a raw history dump (as written by fetch), classify each message in
order, and write the ones about a problem, issue or request for guidance to
<out-dir>/<base>.json. <base> is the file name without its "_raw.json"
suffix, or without ".json" when there is no "_raw" part.

Messages are written as they are found, so an interrupted run still leaves a
valid JSON array. Use --skip to resume part way through a dump; verdicts
already in the cache are not requested again.

Examples:
  slackprobs filter C0123_raw.json
  slackprobs filter C0123_raw.json --skip 1406
  slackprobs filter C0123_raw.json --backend openai --batch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFilter(cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVar(&opts.skip, "skip", 0, "Skip this many messages at the start of the dump")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", "problems", "Output directory")
	cmd.Flags().StringVar(&opts.backend, "backend", backendOllama, `Classifier backend: "ollama" or "openai"`)
	cmd.Flags().BoolVar(&opts.batch, "batch", false, "Write the whole array at the end instead of streaming")
	return cmd
}

func runFilter(cmd *cobra.Command, input string, opts filterOptions) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	msgs, err := pipeline.ReadDump(input)
	if err != nil {
		return err
	}

	cache := a.openCache()
	if cache != nil {
		defer cache.Close()
	}
	classifier, err := a.newClassifier(opts.backend, cache)
	if err != nil {
		return err
	}

	path := filepath.Join(opts.outDir, dumpBaseName(input)+".json")
	driver := &pipeline.Driver{
		Classifier: classifier,
		Transform:  pipeline.Identity,
		Logger:     a.logger,
	}
	a.logger.Info("filtering dump", "input", input, "messages", len(msgs), "skip", opts.skip,
		"backend", classifier.backend, "output", path)

	stats, err := runDriver(cmd, driver, pipeline.NewSliceSource(msgs, opts.skip), path, opts.batch)
	if err != nil {
		return runFailure(err, ExitError)
	}

	summary := RunSummary{
		Output:    path,
		Backend:   classifier.backend,
		Seen:      stats.Seen,
		Problems:  stats.Problems,
		Written:   stats.Written,
		Dropped:   stats.Dropped,
		Fallbacks: classifier.fallback.Fallbacks(),
		CacheHits: classifier.cacheHits(),
	}
	logSummary(a, summary)
	return outputJSON(a.stdout, summary)
}

// runDriver runs d into a stream or batch writer at path. The stream writer
// is closed on every exit path, so the array is terminated even when the
// run fails part way. A failed batch run writes nothing.
func runDriver(cmd *cobra.Command, d *pipeline.Driver, src pipeline.Source, path string, batch bool) (pipeline.Stats, error) {
	if batch {
		sink := pipeline.NewBatchWriter(path)
		stats, err := d.Run(cmd.Context(), src, sink)
		if err != nil {
			sink.Discard()
			return stats, err
		}
		return stats, sink.Close()
	}

	sink, err := pipeline.NewStreamWriter(path)
	if err != nil {
		return pipeline.Stats{}, withExitCode(ExitOutputError, err)
	}
	defer sink.Close()

	stats, err := d.Run(cmd.Context(), src, sink)
	if closeErr := sink.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return stats, err
}

// dumpBaseName strips "_raw.json" from a dump's file name, or ".json" when
// the name has no "_raw" suffix.
func dumpBaseName(path string) string {
	base := filepath.Base(path)
	if trimmed, ok := strings.CutSuffix(base, "_raw.json"); ok {
		return trimmed
	}
	return strings.TrimSuffix(base, ".json")
}

func logSummary(a *app, s RunSummary) {
	a.logger.Info("run complete",
		"seen", s.Seen, "problems", s.Problems, "written", s.Written, "dropped", s.Dropped,
		"fallbacks", s.Fallbacks, "cache_hits", s.CacheHits, "thread_errors", s.ThreadErrors,
		"output", s.Output)
}
