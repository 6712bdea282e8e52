package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// BatchProcessor is the part of Processor the Redriver needs.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, envs []Envelope, concurrency int) []BatchResult
}

// RedriveStats counts the outcomes of one redrive pass.
type RedriveStats struct {
	Due         int
	Resolved    int
	Rescheduled int
	Abandoned   int
	Skipped     int
}

// Redriver re-submits orphaned events through the processor.
type Redriver struct {
	orphans     OrphanQueue
	processor   BatchProcessor
	backoff     backoff.Strategy
	logger      *slog.Logger
	now         func() time.Time
	batchSize   int
	concurrency int
	maxAttempts int
}

// RedriverOption configures a Redriver.
type RedriverOption func(*Redriver)

func WithRedriveLogger(l *slog.Logger) RedriverOption {
	return func(r *Redriver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRedriveClock(now func() time.Time) RedriverOption {
	return func(r *Redriver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRedriveBackoff(b backoff.Strategy) RedriverOption {
	return func(r *Redriver) {
		if b != nil {
			r.backoff = b
		}
	}
}

// WithRedriveLimits sets the batch size, worker count and the attempt count
// after which an orphan is abandoned. Non-positive values keep the defaults.
func WithRedriveLimits(batchSize, concurrency, maxAttempts int) RedriverOption {
	return func(r *Redriver) {
		if batchSize > 0 {
			r.batchSize = batchSize
		}
		if concurrency > 0 {
			r.concurrency = concurrency
		}
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

func NewRedriver(orphans OrphanQueue, processor BatchProcessor, opts ...RedriverOption) *Redriver {
	if orphans == nil {
		panic("billing: OrphanQueue is required")
	}
	if processor == nil {
		panic("billing: BatchProcessor is required")
	}
	r := &Redriver{
		orphans:     orphans,
		processor:   processor,
		backoff:     backoff.Default(),
		logger:      slog.Default(),
		now:         time.Now,
		batchSize:   50,
		concurrency: 4,
		maxAttempts: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce processes one batch of due orphans.
func (r *Redriver) RunOnce(ctx context.Context) (RedriveStats, error) {
	var stats RedriveStats

	due, err := r.orphans.Due(ctx, r.now(), r.batchSize)
	if err != nil {
		return stats, classify(err)
	}
	stats.Due = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	envs := make([]Envelope, len(due))
	for i, o := range due {
		envs[i] = o.Envelope
	}
	results := r.processor.ProcessBatch(ctx, envs, r.concurrency)

	var errs []error
	for i, o := range due {
		if err := r.settle(ctx, o, results[i], &stats); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.InfoContext(ctx, "orphan redrive pass finished",
		slog.Int("due", stats.Due),
		slog.Int("resolved", stats.Resolved),
		slog.Int("rescheduled", stats.Rescheduled),
		slog.Int("abandoned", stats.Abandoned),
		slog.Int("skipped", stats.Skipped),
	)
	return stats, errors.Join(errs...)
}

func (r *Redriver) settle(ctx context.Context, o OrphanedWebhook, br BatchResult, stats *RedriveStats) error {
	log := r.logger.With(logger.EventID(o.EventID), logger.RetryCount(o.RetryCount))

	var lastErr string
	switch {
	case br.Err != nil && !IsRetryable(br.Err):
		// Malformed events never get better.
		stats.Abandoned++
		log.ErrorContext(ctx, "abandoning malformed orphaned event", logger.Error(br.Err))
		return r.orphans.Abandon(ctx, o.ID, br.Err.Error())
	case br.Err != nil:
		lastErr = br.Err.Error()
	case br.Result.Status == StatusInFlight:
		stats.Skipped++
		return nil
	case br.Result.Status == StatusUserNotFound:
		lastErr = br.Result.Message
	default:
		stats.Resolved++
		log.InfoContext(ctx, "orphaned event resolved", logger.Status(string(br.Result.Status)))
		return r.orphans.Resolve(ctx, o.ID)
	}

	attempt := o.RetryCount + 1
	if attempt >= r.maxAttempts {
		stats.Abandoned++
		log.ErrorContext(ctx, "orphaned event abandoned after max attempts", slog.String("last_error", lastErr))
		return r.orphans.Abandon(ctx, o.ID, lastErr)
	}

	stats.Rescheduled++
	next := r.now().Add(r.backoff.Next(attempt + 1))
	return r.orphans.Reschedule(ctx, o.ID, attempt, next, lastErr)
}
