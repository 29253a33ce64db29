// Package main provides the slackprobs CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matsen/slackprobs/internal/classify"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

// globalFlags holds the persistent flags shared by every command.
type globalFlags struct {
	onError   string
	cachePath string
	noCache   bool
	verbose   bool
	timeout   time.Duration
	ollamaURL string
	model     string

	// Hidden endpoint overrides, used against local fakes.
	slackAPIURL   string
	openAIBaseURL string
}

var flags globalFlags

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		// Print the error since we have SilenceErrors: true
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	flags = globalFlags{}

	root := &cobra.Command{
		Use:   "slackprobs",
		Short: "Find problem reports and questions in a Slack channel",
		Long: `slackprobs reads a Slack channel's history and asks a language model
whether each message describes a problem, an issue, or a request for guidance.
Matching messages are written to a JSON array.

  fetch    dump the raw channel history, thread replies included
  filter   classify a raw dump and keep the matching messages verbatim
  scan     fetch recent history and write matching messages with their threads
  cache    inspect or clear the verdict cache

Credentials come from the environment (or .env): SLACK_TOKEN, SLACK_CHANNEL,
OPEN_AI, OLLAMA_URL, OLLAMA_MODEL. Missing values fall back to
~/.config/slackprobs/config.yml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.onError, "on-error", "", `Verdict when classification fails: "include" or "exclude" (default include)`)
	pf.StringVar(&flags.cachePath, "cache", "", "Verdict cache database path")
	pf.BoolVar(&flags.noCache, "no-cache", false, "Do not read or write the verdict cache")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log every message")
	pf.DurationVar(&flags.timeout, "timeout", classify.DefaultOllamaTimeout, "Per-request classifier timeout")
	pf.StringVar(&flags.ollamaURL, "ollama-url", "", "Ollama base URL (default "+classify.DefaultOllamaURL+")")
	pf.StringVar(&flags.model, "model", "", "Model name for the selected backend")
	pf.StringVar(&flags.slackAPIURL, "slack-api-url", "", "Slack Web API base URL")
	pf.StringVar(&flags.openAIBaseURL, "openai-base-url", "", "OpenAI API base URL")
	pf.MarkHidden("slack-api-url")
	pf.MarkHidden("openai-base-url")

	root.AddCommand(newFetchCmd(), newFilterCmd(), newScanCmd(), newCacheCmd())
	return root
}
