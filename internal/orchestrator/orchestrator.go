// Package orchestrator runs mutating commands: policy check, submit, and
// either hand back the operation or wait for it.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/tagops/internal/operation"
	"github.com/yairfalse/tagops/internal/request"
)

// Submitter issues a mutating request and returns the operation handle.
type Submitter interface {
	Submit(ctx context.Context, req request.Request) (*operation.Operation, error)
}

// Waiter blocks until an operation is terminal.
type Waiter interface {
	Wait(ctx context.Context, op *operation.Operation) (*operation.Operation, error)
}

// Guard vets a request before it is submitted.
type Guard interface {
	Check(ctx context.Context, req request.Request) error
}

// Mutation describes one mutating command.
type Mutation struct {
	Request request.Request
	Async   bool
	// Issued is printed before the handle line of an async run.
	Issued string
	// Pending is printed before waiting.
	Pending string
	// Done renders the line printed once the operation succeeded.
	Done func(op *operation.Operation) string
}

// Orchestrator coordinates guard → submit → wait for one command.
type Orchestrator struct {
	client Submitter
	waiter Waiter
	guard  Guard
	status io.Writer
	logger zerolog.Logger
	caps   Capabilities
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGuard sets the policy guard.
func WithGuard(g Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithStatus sets where progress lines go.
func WithStatus(w io.Writer) Option {
	return func(o *Orchestrator) { o.status = w }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCapabilities sets the release track capabilities.
func WithCapabilities(c Capabilities) Option {
	return func(o *Orchestrator) { o.caps = c }
}

// New creates an orchestrator.
func New(client Submitter, waiter Waiter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client: client,
		waiter: waiter,
		status: io.Discard,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes m. Async runs return the handle from Submit untouched; the
// waiter is never called. Wait errors are returned unchanged.
func (o *Orchestrator) Run(ctx context.Context, m Mutation) (*operation.Operation, error) {
	if m.Request == nil {
		return nil, operation.Validation("no request to submit")
	}
	if _, ok := m.Request.(request.UpdateTagBindings); ok {
		if err := o.caps.RequireFreeformTags(m.Request.Kind()); err != nil {
			return nil, err
		}
	}
	logger := o.logger.With().
		Str("kind", m.Request.Kind()).
		Str("target", m.Request.Target()).
		Logger()

	if o.guard != nil {
		if err := o.guard.Check(ctx, m.Request); err != nil {
			logger.Debug().Ctx(ctx).Err(err).Msg("request rejected by policy")
			return nil, err
		}
	}

	op, err := o.client.Submit(ctx, m.Request)
	if err != nil {
		return nil, err
	}

	if m.Async {
		if m.Issued != "" {
			o.printf("%s\n", m.Issued)
		}
		o.printf("Created operation [%s].\n", op.Name)
		return op, nil
	}

	if m.Pending != "" {
		o.printf("%s\n", m.Pending)
	}

	logger.Debug().Ctx(ctx).Str("operation", op.Name).Bool("done", op.Done).Msg("waiting for operation")
	start := time.Now()
	final, err := o.waiter.Wait(ctx, op)
	if err != nil {
		logger.Debug().Ctx(ctx).Err(err).
			Str("state", operation.StateOf(err).String()).
			Dur("elapsed", time.Since(start)).
			Msg("operation did not succeed")
		return nil, err
	}

	if m.Done != nil {
		o.printf("%s\n", m.Done(final))
	}
	return final, nil
}

func (o *Orchestrator) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(o.status, format, args...)
}
