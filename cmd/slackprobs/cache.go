package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/matsen/slackprobs/internal/verdictcache"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the verdict cache",
		Long: `Verdicts are cached by backend, model and message text, so re-running
filter or scan over the same messages does not call the model again.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show how many verdicts are cached",
			Args:  cobra.NoArgs,
			RunE:  runCacheStats,
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every cached verdict",
			Args:  cobra.NoArgs,
			RunE:  runCacheClear,
		},
		newCacheGetCmd(),
	)
	return cmd
}

// openCacheStrict opens the cache for the cache subcommands, where a cache
// that cannot be opened is an error rather than a warning.
func openCacheStrict(a *app) (*verdictcache.Cache, error) {
	cache, err := verdictcache.Open(a.cfg.CachePath)
	if err != nil {
		return nil, withExitCode(ExitOutputError, fmt.Errorf("opening verdict cache %s: %w", a.cfg.CachePath, err))
	}
	return cache, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cache, err := openCacheStrict(a)
	if err != nil {
		return err
	}
	defer cache.Close()

	stats, err := cache.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return outputJSON(a.stdout, CacheStatsResponse{
		Path:     a.cfg.CachePath,
		Total:    stats.Total,
		Problems: stats.Problems,
		Runs:     stats.Runs,
	})
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cache, err := openCacheStrict(a)
	if err != nil {
		return err
	}
	defer cache.Close()

	deleted, err := cache.Clear(cmd.Context())
	if err != nil {
		return err
	}
	a.logger.Info("cleared verdict cache", "path", a.cfg.CachePath, "deleted", deleted)
	return outputJSON(a.stdout, CacheClearResponse{Path: a.cfg.CachePath, Deleted: deleted})
}

// errVerdictNotFound is returned by cache get for an unknown key.
var errVerdictNotFound = errors.New("no cached verdict")

func newCacheGetCmd() *cobra.Command {
	var label, text string
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Show one cached verdict",
		Long: `Show the verdict stored under key, the hex BLAKE2b-256 of the backend
label and the message text. With --label and --text the key is derived
for you.

Examples:
  slackprobs cache get 3f1c...
  slackprobs cache get --label ollama:llama3.1 --text "the build is broken"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			switch {
			case len(args) == 1:
				key = args[0]
			case label != "" && text != "":
				key = verdictcache.Key(label, text)
			default:
				return errors.New("give a key, or both --label and --text")
			}
			return runCacheGet(cmd, key)
		},
	}
	cmd.Flags().StringVar(&label, "label", "", `Backend label, e.g. "ollama:llama3.1"`)
	cmd.Flags().StringVar(&text, "text", "", "Message text")
	return cmd
}

func runCacheGet(cmd *cobra.Command, key string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	cache, err := openCacheStrict(a)
	if err != nil {
		return err
	}
	defer cache.Close()

	entry, err := cache.Get(cmd.Context(), key)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w for key %s", errVerdictNotFound, key)
	}
	return outputJSON(a.stdout, CacheEntryResponse{
		Key:          entry.Key,
		Backend:      entry.Backend,
		TextPreview:  entry.TextPreview,
		IsProblem:    entry.IsProblem,
		RunID:        entry.RunID,
		ClassifiedAt: entry.ClassifiedAt.UTC().Format(time.RFC3339),
	})
}
