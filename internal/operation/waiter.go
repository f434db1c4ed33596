package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config controls polling and retry behaviour of a Waiter.
type Config struct {
	// Timeout bounds the whole wait. Zero means wait until ctx is done.
	Timeout time.Duration

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	PollMultiplier  float64

	// MaxRetries is the number of consecutive transport failures tolerated
	// per poll before the wait fails.
	MaxRetries       int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// DefaultConfig returns the polling defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Minute,
		PollInterval:     time.Second,
		MaxPollInterval:  10 * time.Second,
		PollMultiplier:   1.5,
		MaxRetries:       5,
		RetryInterval:    500 * time.Millisecond,
		MaxRetryInterval: 5 * time.Second,
	}
}

// Recorder receives wait metrics.
type Recorder interface {
	RecordPoll(ctx context.Context, state string)
	RecordWait(ctx context.Context, state string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordPoll(context.Context, string)                {}
func (nopRecorder) RecordWait(context.Context, string, time.Duration) {}

// Waiter polls an operation until it is done, the deadline passes, or the
// context is cancelled. It never cancels the server-side operation.
type Waiter struct {
	fetcher  Fetcher
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithLogger sets the waiter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Waiter) { w.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Waiter) { w.recorder = r }
}

// NewWaiter creates a waiter polling through fetcher.
func NewWaiter(fetcher Fetcher, cfg Config, opts ...Option) *Waiter {
	w := &Waiter{
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("tagops/operation"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.MaxRetries < 0 {
		w.cfg.MaxRetries = 0
	}
	return w
}

// Wait blocks until op reaches a terminal state.
//
// On success it returns the finished operation. On failure it returns the
// last known operation together with an error wrapping ErrOperationFailed,
// ErrTransport, ErrNotFound or ErrValidation. If the deadline passes or ctx is
// cancelled first the error wraps ErrTimeout.
func (w *Waiter) Wait(ctx context.Context, op *Operation) (*Operation, error) {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "operation.wait",
		trace.WithAttributes(attribute.String("operation.name", op.Name)))
	defer span.End()

	result, polls, err := w.wait(ctx, op)
	state := StateOf(err)

	span.SetAttributes(
		attribute.String("operation.state", state.String()),
		attribute.Int("operation.polls", polls),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, Category(err))
	}
	w.recorder.RecordWait(ctx, state.String(), time.Since(start))

	w.logger.Debug().Ctx(ctx).
		Str("operation", op.Name).
		Str("state", state.String()).
		Int("polls", polls).
		Dur("elapsed", time.Since(start)).
		Msg("wait finished")

	return result, err
}

func (w *Waiter) wait(ctx context.Context, op *Operation) (*Operation, int, error) {
	if op.Done {
		return op, 0, terminalErr(op)
	}

	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	interval := w.pollBackOff()
	timer := time.NewTimer(interval.NextBackOff())
	defer timer.Stop()

	last := op
	polls := 0
	for {
		select {
		case <-ctx.Done():
			return last, polls, Timeout(op.Name, context.Cause(ctx))
		case <-timer.C:
		}

		current, err := w.fetch(ctx, op.Name)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return last, polls, Timeout(op.Name, context.Cause(ctx))
			}
			w.recorder.RecordPoll(ctx, StateFailed.String())
			return last, polls, err
		}

		last = current
		if current.Done {
			err := terminalErr(current)
			w.recorder.RecordPoll(ctx, StateOf(err).String())
			return current, polls, err
		}

		w.recorder.RecordPoll(ctx, StatePending.String())
		next := interval.NextBackOff()
		w.logger.Debug().Ctx(ctx).
			Str("operation", op.Name).
			Int("poll", polls).
			Dur("next", next).
			Msg("operation pending")
		timer.Reset(next)
	}
}

// fetch retries transport failures with capped exponential backoff. Other
// failures are returned at once.
func (w *Waiter) fetch(ctx context.Context, name string) (*Operation, error) {
	attempts := 0
	op, err := backoff.Retry(ctx,
		func() (*Operation, error) {
			attempts++
			op, err := w.fetcher.Fetch(ctx, name)
			switch {
			case err == nil:
				return op, nil
			case errors.Is(err, ErrTransport):
				return nil, err
			default:
				return nil, backoff.Permanent(err)
			}
		},
		backoff.WithBackOff(w.retryBackOff()),
		backoff.WithMaxTries(uint(w.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Debug().Ctx(ctx).
				Err(err).
				Str("operation", name).
				Int("attempt", attempts).
				Dur("retry_in", next).
				Msg("fetch failed, retrying")
		}),
	)
	if err == nil {
		return op, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if errors.Is(err, ErrTransport) {
		return nil, fmt.Errorf("fetch operation [%s] failed after %d attempts: %w", name, attempts, err)
	}
	return nil, err
}

func (w *Waiter) pollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.PollInterval
	b.MaxInterval = w.cfg.MaxPollInterval
	if w.cfg.PollMultiplier >= 1 {
		b.Multiplier = w.cfg.PollMultiplier
	}
	b.RandomizationFactor = 0.1
	b.Reset()
	return b
}

func (w *Waiter) retryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInterval
	b.MaxInterval = w.cfg.MaxRetryInterval
	b.Reset()
	return b
}

func terminalErr(op *Operation) error {
	if op.Error != nil {
		return Failed(op)
	}
	return nil
}
