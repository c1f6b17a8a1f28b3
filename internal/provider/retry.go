package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"speech-to-video/internal/errs"
)

const maxResponseBytes = 4 << 20

// RetryPolicy bounds retries of transient failures: exponential delay starting at
// BaseDelay, multiplied per attempt, capped at MaxDelay, at most MaxAttempts calls.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the backoff randomization factor; 0 gives exact delays.
	Jitter float64
}

// DefaultRetryPolicy mirrors the provider's documented limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
		MaxAttempts: 3,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.RandomizationFactor = p.Jitter
	// The attempt cap bounds the budget, not wall time.
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// StatusError is a non-success HTTP response from a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// isTransientStatus reports whether a provider response should be retried.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// caller performs authenticated JSON calls with the retry policy.
type caller struct {
	http    *http.Client
	token   string
	retry   RetryPolicy
	log     *slog.Logger
	onRetry func(op string)
}

// do runs build+send until success, a non-transient failure, or the retry budget is
// spent. build is invoked per attempt so request bodies are never reused.
func (c *caller) do(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error), target any) error {
	if c.token == "" {
		return errs.New(errs.KindUnauthenticated, op, "missing provider credential")
	}

	attempt := 0
	operation := func() error {
		attempt++
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(errs.Wrap(errs.KindInvalidRequest, op, err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &transientError{err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &transientError{fmt.Errorf("read body: %w", err)}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
			if isTransientStatus(resp.StatusCode) {
				return &transientError{se}
			}
			kind := errs.KindInvalidRequest
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				kind = errs.KindUnauthenticated
			}
			return backoff.Permanent(errs.Wrap(kind, op, se))
		}

		if target == nil {
			return nil
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(errs.Wrap(errs.KindProviderUnavailable, op,
				fmt.Errorf("malformed response: %w", err)))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if c.log != nil {
			c.log.Warn("provider call failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
		}
		if c.onRetry != nil {
			c.onRetry(op)
		}
	}

	err := backoff.RetryNotify(operation, c.retry.backOff(ctx), notify)
	if err == nil {
		return nil
	}

	var te *transientError
	switch {
	case errors.As(err, &te):
		return &errs.Error{
			Kind: errs.KindProviderUnavailable,
			Op:   op,
			Msg:  fmt.Sprintf("retry budget exhausted after %d attempts", attempt),
			Err:  te.err,
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.Wrap(errs.KindOf(err), op, err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
