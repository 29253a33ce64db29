// Package slackapi reads channel history and thread replies from Slack.
package slackapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the HTTP timeout for a single Slack API call.
	DefaultTimeout = 30 * time.Second

	// DefaultRequestInterval keeps us under Slack's tier 3 limit (~50/min).
	DefaultRequestInterval = 1200 * time.Millisecond

	// DefaultBurst allows a few calls back to back before throttling kicks in.
	DefaultBurst = 5

	// maxRateLimitAttempts bounds retries when Slack answers 429.
	maxRateLimitAttempts = 5
)

// ErrMissingToken is returned when no Slack token is configured.
var ErrMissingToken = errors.New("slack token not set; set SLACK_TOKEN in the environment or .env")

// Client provides read access to a Slack workspace.
type Client struct {
	api        *slack.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	retryDelay time.Duration
}

type options struct {
	apiURL     string
	httpClient *http.Client
	limit      rate.Limit
	burst      int
	logger     *slog.Logger
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithAPIURL points the client at a different API root (for testing).
// The URL must end with a slash.
func WithAPIURL(url string) Option {
	return func(o *options) {
		o.apiURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithRateLimit sets the sustained request rate and burst.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.limit = limit
		o.burst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRetryDelay sets the minimum pause between rate-limited attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.retryDelay = d
	}
}

// NewClient creates a Slack client authenticated with token.
func NewClient(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	o := options{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limit:      rate.Every(DefaultRequestInterval),
		burst:      DefaultBurst,
		logger:     slog.New(slog.DiscardHandler),
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	slackOpts := []slack.Option{slack.OptionHTTPClient(bodyRecorder{next: o.httpClient})}
	if o.apiURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(o.apiURL))
	}

	return &Client{
		api:        slack.New(token, slackOpts...),
		limiter:    rate.NewLimiter(o.limit, o.burst),
		logger:     o.logger,
		retryDelay: o.retryDelay,
	}, nil
}

// History fetches one page of channel history.
func (c *Client) History(ctx context.Context, q HistoryQuery) (Page, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: q.Channel,
		Cursor:    q.Cursor,
		Limit:     q.Limit,
		Latest:    q.Latest,
		Oldest:    q.Oldest,
	}

	var resp *slack.GetConversationHistoryResponse
	callCtx, body := withResponseBody(ctx)
	err := c.call(ctx, "conversations.history", func() error {
		var err error
		resp, err = c.api.GetConversationHistoryContext(callCtx, params)
		return err
	})
	if err != nil {
		return Page{}, fmt.Errorf("fetching history for %s: %w", q.Channel, err)
	}

	messages, err := body.messages(len(resp.Messages))
	if err != nil {
		return Page{}, fmt.Errorf("fetching history for %s: %w", q.Channel, err)
	}

	c.logger.Debug("fetched history page", "channel", q.Channel, "messages", len(messages), "has_more", resp.HasMore)
	return Page{
		Messages:   messages,
		NextCursor: resp.ResponseMetaData.NextCursor,
	}, nil
}

// Replies fetches every message in the thread rooted at threadTS, root
// included, in the order Slack returns them.
func (c *Client) Replies(ctx context.Context, channel, threadTS string) ([]RawMessage, error) {
	var all []RawMessage
	cursor := ""
	for {
		params := &slack.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: threadTS,
			Cursor:    cursor,
		}

		var (
			msgs       []slack.Message
			nextCursor string
		)
		callCtx, body := withResponseBody(ctx)
		err := c.call(ctx, "conversations.replies", func() error {
			var err error
			msgs, _, nextCursor, err = c.api.GetConversationRepliesContext(callCtx, params)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetching replies for thread %s: %w", threadTS, err)
		}

		page, err := body.messages(len(msgs))
		if err != nil {
			return nil, fmt.Errorf("fetching replies for thread %s: %w", threadTS, err)
		}
		all = append(all, page...)

		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	c.logger.Debug("fetched thread replies", "channel", channel, "thread_ts", threadTS, "messages", len(all))
	return all, nil
}

// call runs fn under the rate limiter. A 429 from Slack is retried after
// the server's Retry-After; anything else is returned immediately.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", err))
			}
			err := fn()
			var limited *slack.RateLimitedError
			if errors.As(err, &limited) {
				c.logger.Warn("slack rate limited", "method", method, "retry_after", limited.RetryAfter)
				if waitErr := sleepContext(ctx, limited.RetryAfter); waitErr != nil {
					return retry.Unrecoverable(waitErr)
				}
			}
			return err
		},
		retry.Attempts(maxRateLimitAttempts),
		retry.Delay(c.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRateLimited),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying slack call", "method", method, "attempt", n+1)
		}),
	)
}

// IsRateLimited reports whether err is a Slack 429 response.
func IsRateLimited(err error) bool {
	var limited *slack.RateLimitedError
	return errors.As(err, &limited)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
