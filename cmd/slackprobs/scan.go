package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/matsen/slackprobs/internal/pipeline"
	"github.com/matsen/slackprobs/internal/slackapi"
	"github.com/spf13/cobra"
)

// dateLayout is the format of --latest and --oldest.
const dateLayout = "2006-01-02"

type scanOptions struct {
	limit    int
	latest   string
	oldest   string
	maxPages int
	stream   bool
	out      string
	backend  string
}

func newScanCmd() *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Fetch recent history and write problem messages with their threads",
		Long: `Fetch history from SLACK_CHANNEL and classify each message as it arrives.
Messages about a problem, issue or request for guidance are normalized
(text, links, attachments, ISO date) and written with their thread replies.

Dates are local midnight, as YYYY-MM-DD. Only messages before --latest and
after --oldest are read. A reply fetch that fails leaves that thread empty.

Examples:
  slackprobs scan --latest 2023-01-01
  slackprobs scan --max-pages 0 --stream --backend ollama`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.limit, "limit", 50, "Messages per history page")
	cmd.Flags().StringVar(&opts.latest, "latest", "", "Only messages before this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.oldest, "oldest", "", "Only messages after this date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 1, "Stop after this many pages (0 = all)")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Write messages as they are found")
	cmd.Flags().StringVar(&opts.out, "out", "problemMessages.json", "Output file")
	cmd.Flags().StringVar(&opts.backend, "backend", backendOpenAI, `Classifier backend: "openai" or "ollama"`)
	return cmd
}

func runScan(cmd *cobra.Command, opts scanOptions) error {
	latest, err := dateToTS(opts.latest)
	if err != nil {
		return fmt.Errorf("invalid --latest: %w", err)
	}
	oldest, err := dateToTS(opts.oldest)
	if err != nil {
		return fmt.Errorf("invalid --oldest: %w", err)
	}

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

	cache := a.openCache()
	if cache != nil {
		defer cache.Close()
	}
	classifier, err := a.newClassifier(opts.backend, cache)
	if err != nil {
		return err
	}

	query := slackapi.HistoryQuery{
		Channel: channel,
		Limit:   opts.limit,
		Latest:  latest,
		Oldest:  oldest,
	}
	src := pipeline.NewHistorySource(client, query, opts.maxPages)
	extractor := pipeline.NewExtractor(channel, client, a.logger)
	driver := &pipeline.Driver{
		Classifier: classifier,
		Transform:  extractor,
		Logger:     a.logger,
	}
	a.logger.Info("scanning channel", "channel", channel, "latest", opts.latest, "oldest", opts.oldest,
		"limit", opts.limit, "max_pages", opts.maxPages, "backend", classifier.backend, "output", opts.out)

	stats, err := runDriver(cmd, driver, src, opts.out, !opts.stream)
	if err != nil {
		return runFailure(err, ExitSlackError)
	}

	summary := RunSummary{
		Output:       opts.out,
		Backend:      classifier.backend,
		Seen:         stats.Seen,
		Problems:     stats.Problems,
		Written:      stats.Written,
		Dropped:      stats.Dropped,
		Fallbacks:    classifier.fallback.Fallbacks(),
		CacheHits:    classifier.cacheHits(),
		ThreadErrors: extractor.ThreadErrors(),
		Pages:        src.Pages(),
	}
	logSummary(a, summary)
	return outputJSON(a.stdout, summary)
}

// dateToTS converts a YYYY-MM-DD date to a Slack timestamp at local
// midnight. An empty date gives an empty timestamp.
func dateToTS(date string) (string, error) {
	if date == "" {
		return "", nil
	}
	t, err := time.ParseInLocation(dateLayout, date, time.Local)
	if err != nil {
		return "", fmt.Errorf("date %q must be YYYY-MM-DD", date)
	}
	return strconv.FormatInt(t.Unix(), 10), nil
}
