package classify

import (
	"context"
	"fmt"
	"log/slog"
)

// Policy decides the verdict used when a classification fails.
type Policy string

const (
	// PolicyInclude treats a failed classification as a problem (fail open).
	PolicyInclude Policy = "include"

	// PolicyExclude treats a failed classification as not a problem (fail closed).
	PolicyExclude Policy = "exclude"

	// DefaultPolicy keeps messages we could not judge, so none are lost silently.
	DefaultPolicy = PolicyInclude
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyInclude, PolicyExclude:
		return p, nil
	case "":
		return DefaultPolicy, nil
	default:
		return "", fmt.Errorf("invalid on-error policy %q: must be %q or %q", s, PolicyInclude, PolicyExclude)
	}
}

// Verdict returns the verdict the policy substitutes for a failure.
func (p Policy) Verdict() bool {
	return p != PolicyExclude
}

// Fallback wraps a Classifier so that backend and parse failures resolve
// to the policy verdict instead of aborting a run. Context cancellation is
// still returned as an error.
type Fallback struct {
	next      Classifier
	policy    Policy
	logger    *slog.Logger
	fallbacks int
}

// WithFallback wraps next with policy.
func WithFallback(next Classifier, policy Policy, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fallback{next: next, policy: policy, logger: logger}
}

// Classify implements Classifier.
func (f *Fallback) Classify(ctx context.Context, text string) (bool, error) {
	isProblem, err := f.next.Classify(ctx, text)
	if err == nil {
		return isProblem, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	f.fallbacks++
	f.logger.Warn("classification failed, using fallback verdict",
		"policy", string(f.policy),
		"is_problem", f.policy.Verdict(),
		"message", truncateUTF8(text, logPreviewLength),
		"error", err)
	return f.policy.Verdict(), nil
}

// Fallbacks returns how many classifications resolved through the policy.
func (f *Fallback) Fallbacks() int {
	return f.fallbacks
}
