package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/requestid"
)

// Stores bundles the persistence the processor depends on. All fields are required.
type Stores struct {
	Ledger        Ledger
	Accounts      AccountStore
	Subscriptions SubscriptionStore
	History       HistoryRecorder
	Orphans       OrphanQueue
}

// Processor applies provider events. It is safe for concurrent use; all
// shared state lives in the stores.
type Processor struct {
	ledger   Ledger
	accounts AccountStore
	subs     SubscriptionStore
	history  HistoryRecorder
	orphans  OrphanQueue
	catalog  *Catalog

	resolver  *Resolver
	lifecycle *lifecycleMachine

	guard    InFlightGuard
	dunning  DunningPolicy
	observer Observer
	reporter ConflictReporter
	backoff  backoff.Strategy
	logger   *slog.Logger
	now      func() time.Time

	timeout     time.Duration
	lease       time.Duration
	guardTTL    time.Duration
	rejectStale bool
}

// NewProcessor creates a Processor. It panics when a store or the catalog is
// missing, since the service cannot run without them.
func NewProcessor(stores Stores, catalog *Catalog, opts ...Option) *Processor {
	switch {
	case stores.Ledger == nil:
		panic("billing: Ledger is required")
	case stores.Accounts == nil:
		panic("billing: AccountStore is required")
	case stores.Subscriptions == nil:
		panic("billing: SubscriptionStore is required")
	case stores.History == nil:
		panic("billing: HistoryRecorder is required")
	case stores.Orphans == nil:
		panic("billing: OrphanQueue is required")
	case catalog == nil:
		panic("billing: Catalog is required")
	}

	p := &Processor{
		ledger:      stores.Ledger,
		accounts:    stores.Accounts,
		subs:        stores.Subscriptions,
		history:     stores.History,
		orphans:     stores.Orphans,
		catalog:     catalog,
		lifecycle:   newLifecycle(),
		observer:    nopObserver{},
		backoff:     backoff.Default(),
		logger:      slog.Default(),
		now:         time.Now,
		timeout:     defaultProcessTimeout,
		lease:       defaultLease,
		rejectStale: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if floor := p.timeout + finalizeTimeout; p.lease < floor {
		p.lease = floor
	}
	if p.guardTTL == 0 {
		p.guardTTL = p.lease
	}
	if p.dunning == nil {
		p.dunning = NewLogDunningPolicy(p.logger)
	}
	p.resolver = NewResolver(p.accounts, p.subs, p.reporter, p.observer, p.logger)

	return p
}

// ProcessEvent applies one event at most once.
//
// The returned error is nil for every outcome the provider should not
// redeliver: duplicates, unknown types, orphaned events, rejected and stale
// transitions. Errors matching IsRetryable leave the event eligible for
// another attempt; other errors describe a malformed event.
func (p *Processor) ProcessEvent(ctx context.Context, env Envelope) (res Result, err error) {
	start := p.now()
	defer func() {
		p.observer.ObserveEvent(env.EventType, res.Status, p.now().Sub(start))
	}()

	if err := env.Validate(); err != nil {
		return newResult(env, StatusFailed), err
	}

	ctx = logger.WithEventID(ctx, env.EventID)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log := p.logger.With(logger.EventID(env.EventID), logger.EventType(string(env.EventType)))

	if p.guard != nil {
		release, acquired, err := p.guard.TryLock(ctx, env.EventID, p.guardTTL)
		switch {
		case err != nil:
			// The ledger still guarantees idempotency without the guard.
			log.WarnContext(ctx, "in-flight guard unavailable", logger.Error(err))
		case !acquired:
			log.DebugContext(ctx, "duplicate delivery is in flight")
			return newResult(env, StatusInFlight), nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					log.WarnContext(ctx, "failed to release in-flight guard", logger.Error(err))
				}
			}()
		}
	}

	row, err := p.ledger.Get(ctx, env.EventID)
	switch {
	case err == nil && row.Processed:
		return alreadyProcessed(env, row), nil
	case err == nil:
		ctx = withRepeatAttempt(ctx)
	case !errors.Is(err, ErrEventNotFound):
		return p.fail(ctx, log, env, newResult(env, StatusFailed), fmt.Errorf("read ledger: %w", err), false)
	}

	if err := p.ledger.RecordSeen(ctx, env); err != nil {
		return p.fail(ctx, log, env, newResult(env, StatusFailed), fmt.Errorf("record event: %w", err), false)
	}

	switch err := p.ledger.Acquire(ctx, env.EventID, p.lease); {
	case errors.Is(err, ErrAlreadyProcessed):
		row, getErr := p.ledger.Get(ctx, env.EventID)
		if getErr != nil {
			return newResult(env, StatusAlreadyProcessed), nil
		}
		return alreadyProcessed(env, row), nil
	case errors.Is(err, ErrEventInFlight):
		log.DebugContext(ctx, "event is claimed by another worker")
		return newResult(env, StatusInFlight), nil
	case err != nil:
		return p.fail(ctx, log, env, newResult(env, StatusFailed), fmt.Errorf("acquire event: %w", err), false)
	}

	res, err = p.route(ctx, env)
	if err != nil {
		return p.fail(ctx, log, env, res, err, true)
	}

	if res.Status == StatusUserNotFound {
		return p.orphan(ctx, log, env, res)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return p.fail(ctx, log, env, res, err, true)
	}
	fctx, fcancel := p.finalizeContext(ctx)
	defer fcancel()
	if err := p.ledger.MarkSucceeded(fctx, env.EventID, payload); err != nil {
		// Effects are applied and replay-safe; the lease expiry makes the event retryable.
		log.ErrorContext(ctx, "failed to mark event succeeded", logger.Error(err))
		return res, classify(fmt.Errorf("mark succeeded: %w", err))
	}

	log.InfoContext(ctx, "billing event processed",
		logger.Status(string(res.Status)),
		logger.UserID(res.UserID),
		logger.SubscriptionID(res.SubscriptionID),
		logger.Duration(p.now().Sub(start)),
	)
	return res, nil
}

// BatchResult pairs an envelope with its processing outcome.
type BatchResult struct {
	Envelope Envelope
	Result   Result
	Err      error
}

// ProcessBatch processes envelopes with at most concurrency in flight. One
// failing event does not stop the others. Results keep the input order.
func (p *Processor) ProcessBatch(ctx context.Context, envs []Envelope, concurrency int) []BatchResult {
	results := make([]BatchResult, len(envs))

	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))
	for i, env := range envs {
		g.Go(func() error {
			res, err := p.ProcessEvent(ctx, env)
			results[i] = BatchResult{Envelope: env, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Processor) orphan(ctx context.Context, log *slog.Logger, env Envelope, res Result) (Result, error) {
	reqID := requestid.FromContext(ctx)
	next := p.now().Add(p.backoff.Next(1))

	if err := p.orphans.Enqueue(ctx, env, res.Message, reqID, next); err != nil {
		return p.fail(ctx, log, env, newResult(env, StatusFailed), fmt.Errorf("enqueue orphan: %w", err), true)
	}
	p.observer.ObserveOrphan(string(env.EventType))

	fctx, fcancel := p.finalizeContext(ctx)
	defer fcancel()
	if err := p.ledger.MarkFailed(fctx, env.EventID, "user not found: "+res.Message); err != nil {
		log.ErrorContext(ctx, "failed to release orphaned event", logger.Error(err))
	}

	log.WarnContext(ctx, "account not resolved, event parked for redrive",
		slog.String("reason", res.Message),
		slog.Time("next_retry_at", next),
	)
	return res, nil
}

// fail records err on the ledger when the event was claimed and returns it
// classified as transient or permanent.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, env Envelope, res Result, err error, claimed bool) (Result, error) {
	err = classify(err)
	res.Status = StatusFailed
	res.Message = err.Error()

	if claimed {
		fctx, fcancel := p.finalizeContext(ctx)
		defer fcancel()
		if markErr := p.ledger.MarkFailed(fctx, env.EventID, err.Error()); markErr != nil {
			log.ErrorContext(ctx, "failed to mark event failed", logger.Error(markErr))
		}
	}

	if IsRetryable(err) {
		log.WarnContext(ctx, "billing event failed, will retry", logger.Error(err))
	} else {
		log.ErrorContext(ctx, "billing event rejected as malformed", logger.Error(err))
	}
	return res, err
}

// finalizeContext survives cancellation of ctx so the ledger can still be
// updated after a timeout.
func (p *Processor) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func alreadyProcessed(env Envelope, row *WebhookEvent) Result {
	res := newResult(env, StatusAlreadyProcessed)
	res.Previous = row.Result
	var prev Result
	if err := json.Unmarshal(row.Result, &prev); err == nil {
		res.UserID = prev.UserID
		res.SubscriptionID = prev.SubscriptionID
		res.SubscriptionStatus = prev.SubscriptionStatus
	}
	return res
}

type repeatAttemptKey struct{}

// withRepeatAttempt marks ctx as processing an event the ledger has seen before.
func withRepeatAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, repeatAttemptKey{}, true)
}

func isRepeatAttempt(ctx context.Context) bool {
	v, _ := ctx.Value(repeatAttemptKey{}).(bool)
	return v
}
