// Package apistep implements the "api" and "system_log" step kinds
// against the Okta HTTP collaborator, pacing concurrent calls with a
// golang.org/x/time/rate limiter and honoring server-indicated
// rate-limit backoff.
package apistep

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/steps"
)

// Page is one page of results returned by the Okta collaborator.
type Page struct {
	Records    []map[string]any
	NextCursor string
	HasMore    bool
	// RetryAfter is set when the response was a 429; the handler sleeps
	// this long (honoring cancellation) before retrying.
	RetryAfter time.Duration
	StatusCode int
}

// Client is the narrow surface this package needs from the Okta HTTP
// collaborator.
type Client interface {
	Get(ctx context.Context, endpoint string, params map[string]string, cursor string) (Page, error)
}

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second
)

// Options configures the handler.
type Options struct {
	Client  Client
	Limiter *rate.Limiter // global concurrency ceiling, config key okta_concurrent_limit
	// MaxRetries bounds both the 429 retry loop and the transient-error
	// retry loop. Default 3.
	MaxRetries int
	// RetryBackoff is the initial sleep before retrying an
	// upstream_unavailable failure; it doubles per attempt. Default 1s.
	RetryBackoff time.Duration
	Endpoint     func(step plan.Step) string
}

// NewLimiter builds the default global ceiling: okta_concurrent_limit
// (default 15) permits per second with a burst equal to the same ceiling,
// grounded on the use of golang.org/x/time for engine-level pacing
// elsewhere in this codebase.
func NewLimiter(concurrentLimit int) *rate.Limiter {
	if concurrentLimit <= 0 {
		concurrentLimit = 15
	}
	return rate.NewLimiter(rate.Limit(concurrentLimit), concurrentLimit)
}

// Handler builds a steps.Handler for plan.StepAPI/plan.StepSystemLog.
func Handler(opts Options) steps.Handler {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	endpointFn := opts.Endpoint
	if endpointFn == nil {
		endpointFn = func(s plan.Step) string { return "/api/v1/" + s.Entity }
	}

	return func(ctx context.Context, step plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		if opts.Client == nil {
			return steps.Outcome{}, execerrors.New(execerrors.KindInternal, "api handler: no client configured")
		}

		endpoint := endpointFn(step)
		var all []map[string]any
		cursor := ""
		pageNum := 0

		for {
			if opts.Limiter != nil {
				if err := opts.Limiter.Wait(ctx); err != nil {
					return steps.Outcome{}, execerrors.New(execerrors.KindCancelled, "cancelled waiting for concurrency slot")
				}
			}

			page, se := fetchWithRetry(ctx, opts.Client, endpoint, nil, cursor, maxRetries, backoff, emit)
			if se != nil {
				return steps.Outcome{}, se
			}

			all = append(all, page.Records...)
			pageNum++
			cur := pageNum
			emit.Progress(steps.Progress{
				Type:    "generic",
				Current: &cur,
				Message: "fetched page",
			})

			if !page.HasMore {
				break
			}
			cursor = page.NextCursor

			select {
			case <-ctx.Done():
				return steps.Outcome{}, execerrors.New(execerrors.KindTimeout, "api handler: deadline exceeded")
			default:
			}
		}

		emit.Count(len(all), string(step.Kind))

		sample := all
		if len(sample) > 20 {
			sample = sample[:20]
		}
		return steps.Outcome{RecordCount: len(all), Sample: sample, Rows: all}, nil
	}
}

// fetchWithRetry performs one logical page fetch with the two bounded
// retry loops the handler owns: 429s honoring the server-indicated wait,
// and transient upstream failures with exponential backoff starting at
// the configured base. Everything else propagates immediately.
func fetchWithRetry(ctx context.Context, client Client, endpoint string, params map[string]string, cursor string, maxRetries int, backoff time.Duration, emit steps.Emitter) (Page, *execerrors.StepError) {
	for attempt := 0; ; attempt++ {
		page, err := client.Get(ctx, endpoint, params, cursor)
		if err == nil {
			if page.StatusCode == http.StatusTooManyRequests {
				if attempt >= maxRetries {
					return Page{}, execerrors.New(execerrors.KindRateLimited, "rate limit retries exhausted").WithRetry(true)
				}
				wait := page.RetryAfter
				if wait <= 0 {
					wait = time.Second
				}
				waitSeconds := int(wait.Seconds())
				emit.Progress(steps.Progress{
					Type:        "rate_limit",
					Message:     "rate limited, waiting before retry",
					WaitSeconds: &waitSeconds,
				})
				if !sleepCancellable(ctx, wait) {
					return Page{}, execerrors.New(execerrors.KindCancelled, "cancelled during rate-limit wait")
				}
				continue
			}
			return page, nil
		}
		se := classifyHTTPErr(err, page.StatusCode)
		if se.Kind != execerrors.KindUpstreamUnavailable || attempt >= maxRetries {
			return Page{}, se
		}
		if !sleepCancellable(ctx, backoff<<attempt) {
			return Page{}, execerrors.New(execerrors.KindCancelled, "cancelled during retry backoff")
		}
	}
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func classifyHTTPErr(err error, status int) *execerrors.StepError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return execerrors.New(execerrors.KindAuth, "okta authentication failed")
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return execerrors.New(execerrors.KindInvalidInput, "okta rejected the request")
	case errors.Is(err, context.DeadlineExceeded):
		return execerrors.New(execerrors.KindTimeout, "okta request timed out")
	default:
		return execerrors.New(execerrors.KindUpstreamUnavailable, err.Error()).WithRetry(true)
	}
}
