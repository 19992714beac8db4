// Package retry wraps network calls with bounded exponential backoff and
// provides a connectivity probe for the receiver endpoint.
package retry

import (
	"context"
	"math/rand"
	"net"
	"time"

	apperrors "github.com/takemura/backhaul/internal/errors"
	"github.com/takemura/backhaul/internal/logger"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// Timeout bounds a single attempt. Zero means the caller's context rules.
	Timeout time.Duration

	Logger *logger.Logger
}

// DefaultPolicy mirrors the agent's shipped defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
		Timeout:     2 * time.Minute,
	}
}

// Delay returns the backoff before the attempt following `attempt` (1-based),
// without jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs op, retrying transient failures until the attempt budget is spent.
// Non-transient errors propagate immediately without consuming a retry.
// After MaxAttempts transient failures it returns *apperrors.RetryExhaustedError.
// Delay(n) is slept between attempt n and n+1, so MaxAttempts attempts sleep
// MaxAttempts-1 times; nothing waits after the final failure.
func (p Policy) Do(ctx context.Context, name, id string, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// The run itself was cancelled; do not reclassify as transient.
			return ctx.Err()
		}
		if !apperrors.IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.Jitter && delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
		}
		if p.Logger != nil {
			p.Logger.Warn("transient failure, backing off",
				"operation", name, "id", id, "attempt", attempt, "delay", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &apperrors.RetryExhaustedError{Operation: name, Attempts: attempts, Err: lastErr}
}

// ConnectivityResult is the outcome of a single probe. It is never persisted.
type ConnectivityResult struct {
	Reachable bool
	Latency   time.Duration
	Err       error
}

// Probe checks whether addr (host:port) accepts TCP connections. It never
// returns an error; failures are reported in the result.
func Probe(ctx context.Context, addr string, timeout time.Duration) ConnectivityResult {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ConnectivityResult{Reachable: false, Err: err}
	}
	conn.Close()
	return ConnectivityResult{Reachable: true, Latency: time.Since(start)}
}

// WaitForConnectivity polls addr until it is reachable or maxWait elapses.
// It decides whether a run should keep retrying or surface a hard failure.
func WaitForConnectivity(ctx context.Context, addr string, interval, maxWait time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(maxWait)

	for {
		res := Probe(ctx, addr, interval)
		if res.Reachable {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.Wrap(res.Err, apperrors.TypeConnection,
				"receiver unreachable", "Check that the receiver is running and the endpoint is correct.")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
