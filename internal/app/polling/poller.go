// Package polling drives a remote operation repeatedly until its response
// satisfies a completion predicate or a retry budget runs out. It is the only
// mechanism the engine has for following a remote job, since the remote
// system offers no push channel.
package polling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/pkg/common/logger"
	"github.com/ahrav/scan-console/pkg/common/timeutil"
)

// DefaultInterval is the wait between attempts when no strategy is supplied.
const DefaultInterval = 2 * time.Second

// ErrBudgetExhausted is matched by the error returned when the attempt or
// time budget ran out before the predicate held.
var ErrBudgetExhausted = errors.New("polling budget exhausted")

// ExhaustedError reports how far polling got before giving up.
type ExhaustedError struct {
	// Attempts is the number of attempts issued.
	Attempts int
	// Last is the transient error of the final attempt, nil if it succeeded
	// without satisfying the predicate.
	Last error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("%s after %d attempts: %v", ErrBudgetExhausted, e.Attempts, e.Last)
	}
	return fmt.Sprintf("%s after %d attempts", ErrBudgetExhausted, e.Attempts)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrBudgetExhausted}
	}
	return []error{ErrBudgetExhausted, e.Last}
}

// Budget bounds a polling loop. Zero values mean unbounded; at least one
// bound should be set.
type Budget struct {
	// MaxAttempts is the hard cap on attempts issued.
	MaxAttempts int
	// MaxElapsed stops polling once the next wait would pass it.
	MaxElapsed time.Duration
}

// Waiter blocks for d or until ctx is done.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// WaiterFunc adapts a function to the Waiter interface.
type WaiterFunc func(ctx context.Context, d time.Duration) error

// Wait calls f(ctx, d).
func (f WaiterFunc) Wait(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type timerWaiter struct{}

func (timerWaiter) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poller holds the policy shared by polling loops: budget, wait strategy and
// how attempts relate to cancellation. A Poller is safe for concurrent use;
// every loop gets its own backoff instance.
type Poller struct {
	budget        Budget
	newBackOff    func() backoff.BackOff
	waiter        Waiter
	clock         timeutil.Provider
	interruptible bool

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Poller.
type Option func(*Poller)

// WithBackOff sets the wait strategy. The factory is called once per loop.
// Returning backoff.Stop from the strategy ends the loop as exhaustion.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(p *Poller) { p.newBackOff = factory }
}

// WithWaiter replaces the timer based waiter.
func WithWaiter(w Waiter) Option {
	return func(p *Poller) { p.waiter = w }
}

// WithClock sets the time source used to enforce MaxElapsed.
func WithClock(c timeutil.Provider) Option {
	return func(p *Poller) { p.clock = c }
}

// WithInterruptibleAttempts passes the caller's context to each attempt so
// cancellation also aborts an in-flight remote call. By default an attempt
// runs to completion and cancellation is only observed between attempts.
func WithInterruptibleAttempts() Option {
	return func(p *Poller) { p.interruptible = true }
}

// NewPoller creates a Poller with the given budget.
func NewPoller(budget Budget, log *logger.Logger, tracer trace.Tracer, opts ...Option) *Poller {
	p := &Poller{
		budget:     budget,
		newBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(DefaultInterval) },
		waiter:     timerWaiter{},
		clock:      timeutil.Default(),
		logger:     log.With("component", "poller"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll calls op until done reports true for its response, a non-transient
// error occurs, the budget is exhausted, or ctx is cancelled. Attempts are
// strictly sequential.
//
// On exhaustion the last successful response is returned together with an
// *ExhaustedError. Non-transient errors are returned wrapped and stop the
// loop at once.
func Poll[T any](ctx context.Context, p *Poller, op func(context.Context) (T, error), done func(T) bool) (T, error) {
	ctx, span := p.tracer.Start(ctx, "poller.poll",
		trace.WithAttributes(
			attribute.Int("max_attempts", p.budget.MaxAttempts),
			attribute.String("max_elapsed", p.budget.MaxElapsed.String()),
		),
	)
	defer span.End()

	strategy := p.newBackOff()
	strategy.Reset()
	start := p.clock.Now()

	var (
		last    T
		lastErr error
	)
	exhausted := func(attempts int) (T, error) {
		err := &ExhaustedError{Attempts: attempts, Last: lastErr}
		span.AddEvent("budget_exhausted", trace.WithAttributes(attribute.Int("attempts", attempts)))
		p.logger.Debug(ctx, "polling budget exhausted", "attempts", attempts)
		return last, err
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "polling cancelled")
			return last, fmt.Errorf("polling cancelled after %d attempts: %w", attempt-1, err)
		}

		opCtx := ctx
		if !p.interruptible {
			opCtx = context.WithoutCancel(ctx)
		}

		resp, err := op(opCtx)
		if err != nil {
			kind := shared.Classify(err)
			span.AddEvent("attempt_failed", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("failure_kind", kind.String()),
			))
			if kind != shared.FailureTransient {
				span.RecordError(err)
				span.SetStatus(codes.Error, "attempt failed")
				return resp, fmt.Errorf("poll attempt %d failed: %w", attempt, err)
			}
			p.logger.Debug(ctx, "transient poll failure, will retry", "attempt", attempt, "error", err)
			lastErr = err
		} else {
			last, lastErr = resp, nil
			if done(resp) {
				span.AddEvent("predicate_satisfied", trace.WithAttributes(attribute.Int("attempt", attempt)))
				return resp, nil
			}
			p.logger.Debug(ctx, "poll attempt not done", "attempt", attempt)
		}

		if p.budget.MaxAttempts > 0 && attempt >= p.budget.MaxAttempts {
			return exhausted(attempt)
		}

		wait := strategy.NextBackOff()
		if wait == backoff.Stop {
			return exhausted(attempt)
		}
		if p.budget.MaxElapsed > 0 && p.clock.Now().Sub(start)+wait > p.budget.MaxElapsed {
			return exhausted(attempt)
		}

		if err := p.waiter.Wait(ctx, wait); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "polling cancelled")
			return last, fmt.Errorf("polling cancelled after %d attempts: %w", attempt, err)
		}
	}
}
