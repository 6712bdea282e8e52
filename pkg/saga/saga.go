// Package saga runs an ordered list of steps where every completed step can be
// undone by its compensation. When a step fails, compensations of the steps
// that already completed run in reverse order and the returned *Error reports
// which step failed and whether the rollback itself was clean.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrStepFailed is matched by every error returned from Run when a step fails.
var ErrStepFailed = errors.New("saga step failed")

// Step is one unit of work. Compensate may be nil for steps that cannot or
// need not be undone; such a step should be last.
type Step[T any] struct {
	Name       string
	Do         func(ctx context.Context, state *T) error
	Compensate func(ctx context.Context, state *T) error
}

// CompensationError records a compensation that failed during rollback.
type CompensationError struct {
	Step string
	Err  error
}

// Error describes a failed saga run.
type Error struct {
	// FailedStep is the name of the step whose Do returned Err.
	FailedStep string
	Err        error
	// Completed lists the steps that had finished before the failure.
	Completed []string
	// Compensated lists the steps that were rolled back successfully.
	Compensated []string
	// CompensationErrors is non-empty when the rollback was partial and the
	// data needs manual attention.
	CompensationErrors []CompensationError
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %q failed: %v", e.FailedStep, e.Err)
	for _, ce := range e.CompensationErrors {
		fmt.Fprintf(&b, "; compensation %q failed: %v", ce.Step, ce.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := []error{ErrStepFailed, e.Err}
	for _, ce := range e.CompensationErrors {
		errs = append(errs, ce.Err)
	}
	return errs
}

// RolledBack reports whether every completed step was compensated.
func (e *Error) RolledBack() bool {
	return len(e.CompensationErrors) == 0
}

// Saga is an ordered sequence of steps over shared state T.
type Saga[T any] struct {
	name   string
	steps  []Step[T]
	logger *slog.Logger
}

// New creates a saga. A nil logger falls back to slog.Default().
func New[T any](name string, logger *slog.Logger, steps ...Step[T]) *Saga[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saga[T]{name: name, steps: steps, logger: logger}
}

// Run executes every step in order. Compensations run with a context that is
// not cancelled together with ctx, so a timed out step can still be undone.
func (s *Saga[T]) Run(ctx context.Context, state *T) error {
	completed := make([]Step[T], 0, len(s.steps))

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.rollback(ctx, state, completed, step.Name, err)
		}
		if err := step.Do(ctx, state); err != nil {
			return s.rollback(ctx, state, completed, step.Name, err)
		}
		completed = append(completed, step)
	}

	return nil
}

func (s *Saga[T]) rollback(ctx context.Context, state *T, completed []Step[T], failed string, cause error) error {
	sagaErr := &Error{FailedStep: failed, Err: cause}
	for _, step := range completed {
		sagaErr.Completed = append(sagaErr.Completed, step.Name)
	}

	s.logger.WarnContext(ctx, "saga step failed, compensating",
		slog.String("saga", s.name),
		slog.String("step", failed),
		slog.String("error", cause.Error()),
	)

	compCtx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(compCtx, state); err != nil {
			sagaErr.CompensationErrors = append(sagaErr.CompensationErrors, CompensationError{Step: step.Name, Err: err})
			s.logger.ErrorContext(ctx, "saga compensation failed",
				slog.String("saga", s.name),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		sagaErr.Compensated = append(sagaErr.Compensated, step.Name)
	}

	return sagaErr
}
