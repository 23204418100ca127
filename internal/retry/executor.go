// Package retry runs a single operation with bounded exponential backoff,
// jitter and error classification. It never persists state.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outpost/internal/failure"

	"github.com/rs/zerolog"
)

// ErrExhausted wraps the last error once all attempts are used.
var ErrExhausted = errors.New("retry attempts exhausted")

// Operation is one attempt. The context carries the per-attempt timeout.
type Operation func(ctx context.Context) error

// Result reports how an Execute call ended.
type Result struct {
	Attempts  int
	Err       error
	Class     failure.Class
	Exhausted bool
	Canceled  bool
}

// OK reports whether the operation eventually succeeded.
func (r Result) OK() bool { return r.Err == nil }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryHook observes a failed attempt that will be retried after delay.
type RetryHook func(attempt int, err error, delay time.Duration)

type Option func(*Executor)

func WithClassifier(c failure.Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classify = c
		}
	}
}

func WithSleep(s SleepFunc) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

func WithRetryHook(h RetryHook) Option {
	return func(e *Executor) { e.onRetry = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor is safe for concurrent use.
type Executor struct {
	classify failure.Classifier
	sleep    SleepFunc
	onRetry  RetryHook
	logger   zerolog.Logger
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		classify: failure.Classify,
		sleep:    sleepCtx,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op until it succeeds, fails fatally or exhausts policy.
// Cancellation of ctx is observed before each attempt and during the wait
// between attempts. A running attempt is never interrupted by ctx; it is
// bounded only by the policy's attempt timeout.
func (e *Executor) Execute(ctx context.Context, op Operation, policy Policy) Result {
	policy = policy.WithDefaults(DefaultPolicy(""))
	delays := policy.backOff()

	var res Result
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			res.Class = failure.ClassNone
			res.Canceled = true
			return res
		}

		res.Attempts = attempt
		err := e.attempt(ctx, op, policy.AttemptTimeout)
		if err == nil {
			return Result{Attempts: attempt}
		}

		res.Err = err
		// Only an attempt that gave up on ctx itself, such as a local rate
		// limit wait, counts as cancelled. A finished attempt is classified
		// and cancellation is observed before the next one.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			res.Class = failure.ClassNone
			res.Canceled = true
			return res
		}
		res.Class = e.classify(err)
		if res.Class != failure.ClassRetryable {
			return res
		}

		if attempt >= policy.MaxAttempts {
			res.Exhausted = true
			res.Err = fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
			return res
		}

		delay := delays.NextBackOff()
		if hint := failure.RetryAfter(err); hint > delay {
			delay = hint
		}
		if e.onRetry != nil {
			e.onRetry(attempt, err, delay)
		}
		e.logger.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("attempt failed, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			res.Class = failure.ClassNone
			res.Canceled = true
			res.Err = fmt.Errorf("retry wait: %w", err)
			return res
		}
	}
}

// attempt runs op on a context that keeps ctx's values but not its
// cancellation, so a running attempt always completes or times out.
func (e *Executor) attempt(ctx context.Context, op Operation, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := op(actx)
	if err == nil {
		return nil
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		if !errors.Is(err, failure.ErrTimeout) {
			err = fmt.Errorf("%w: %w", failure.ErrTimeout, err)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
