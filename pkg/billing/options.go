package billing

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
)

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithInFlightGuard puts a lock in front of the ledger to turn concurrent
// duplicate deliveries away before they reach the store.
func WithInFlightGuard(g InFlightGuard) Option {
	return func(p *Processor) {
		p.guard = g
	}
}

// WithInFlightGuardTTL sets how long the guard lock is held. Zero keeps the
// lease duration. A lock that expires early only lets the duplicate reach the
// ledger lease.
func WithInFlightGuardTTL(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.guardTTL = d
		}
	}
}

func WithDunningPolicy(d DunningPolicy) Option {
	return func(p *Processor) {
		if d != nil {
			p.dunning = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Processor) {
		if o != nil {
			p.observer = o
		}
	}
}

func WithConflictReporter(r ConflictReporter) Option {
	return func(p *Processor) {
		p.reporter = r
	}
}

// WithBackoff sets the delay before an orphaned event is first retried.
func WithBackoff(b backoff.Strategy) Option {
	return func(p *Processor) {
		if b != nil {
			p.backoff = b
		}
	}
}

// WithProcessTimeout bounds a single ProcessEvent call.
func WithProcessTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLease sets how long an acquired event stays claimed. NewProcessor raises
// it to the process timeout plus the finalize window, so a claim cannot expire
// while its holder may still write.
func WithLease(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.lease = d
		}
	}
}

// WithStaleEventRejection toggles the out-of-order check against the
// subscription's last applied event time.
func WithStaleEventRejection(enabled bool) Option {
	return func(p *Processor) {
		p.rejectStale = enabled
	}
}

// WithConfig applies the processing settings from cfg.
func WithConfig(cfg Config) Option {
	return func(p *Processor) {
		WithProcessTimeout(cfg.ProcessTimeout)(p)
		WithLease(cfg.LeaseDuration)(p)
		p.rejectStale = cfg.RejectStaleEvents
	}
}
