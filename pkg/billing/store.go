package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Ledger is the idempotency ledger keyed by provider event id.
//
// The unique event id enforced by RecordSeen and the conditional claim in
// Acquire are the idempotency guard. Get is only a fast path.
type Ledger interface {
	// Get returns ErrEventNotFound when the event was never seen.
	Get(ctx context.Context, eventID string) (*WebhookEvent, error)
	// RecordSeen inserts the event if absent. An existing row is not an error.
	RecordSeen(ctx context.Context, env Envelope) error
	// Acquire claims an unprocessed event for lease. It returns
	// ErrAlreadyProcessed or ErrEventInFlight when the claim is not granted.
	Acquire(ctx context.Context, eventID string, lease time.Duration) error
	MarkSucceeded(ctx context.Context, eventID string, result []byte) error
	// MarkFailed records the error, increments the retry count and releases the lease.
	MarkFailed(ctx context.Context, eventID string, errMsg string) error
}

// HasTerminalResult reports whether the event has been processed.
func HasTerminalResult(ctx context.Context, l Ledger, eventID string) (bool, error) {
	row, err := l.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return false, nil
		}
		return false, err
	}
	return row.Processed, nil
}

// AccountStore reads accounts and writes their subscription fields.
type AccountStore interface {
	FindByUserID(ctx context.Context, userID string) (*Account, error)
	FindByCustomerID(ctx context.Context, customerID string) (*Account, error)
	// FindByEmail matches the case-folded email and skips merge tombstones.
	// It returns ErrAmbiguousAccount when several accounts share the email.
	FindByEmail(ctx context.Context, email string) (*Account, error)
	// LinkCustomerID sets the provider customer id only while the account has
	// none. linked is false when another id was already present. The error is
	// ErrCustomerIDTaken when the id belongs to a different account.
	LinkCustomerID(ctx context.Context, userID, customerID string) (linked bool, err error)
	UpdateAccountSubscription(ctx context.Context, userID string, fields AccountSubscriptionFields) error
}

// SubscriptionStore persists subscription records.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// SaveSubscription inserts or replaces the record.
	SaveSubscription(ctx context.Context, sub Subscription) error
}

// HistoryRecorder appends payment and invoice history. Appending a record
// whose EventID is already stored is a no-op.
type HistoryRecorder interface {
	AppendPaymentHistory(ctx context.Context, userID string, rec PaymentRecord) error
	AppendInvoiceHistory(ctx context.Context, userID string, rec InvoiceRecord) error
}

// OrphanQueue holds events whose account could not be resolved.
type OrphanQueue interface {
	// Enqueue stores the envelope. A second call for the same event id is a no-op.
	Enqueue(ctx context.Context, env Envelope, reason, requestID string, nextRetryAt time.Time) error
	// Due returns unresolved, unabandoned orphans with next_retry_at <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]OrphanedWebhook, error)
	Resolve(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastErr string) error
	Abandon(ctx context.Context, id uuid.UUID, lastErr string) error
}

// InFlightGuard is a short-lived exclusive lock in front of the ledger.
// *redis.Locker implements it.
type InFlightGuard interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Conflict describes an account whose linked customer id differs from the one
// carried by an event, or an email shared by several accounts.
type Conflict struct {
	EventID            string
	EventType          EventType
	UserID             string
	ExistingCustomerID string
	EventCustomerID    string
	Email              string
	Reason             string
}

// ConflictReporter flags data-integrity conflicts for manual review.
type ConflictReporter interface {
	ReportConflict(ctx context.Context, c Conflict) error
}

// FailedPayment is handed to the DunningPolicy.
type FailedPayment struct {
	EventID        string
	EventType      EventType
	UserID         string
	SubscriptionID string
	Amount         int64
	Currency       string
	Reason         string
}

// DunningPolicy decides what a failed payment means for an account. It must
// not revoke entitlement by itself; revocation follows the provider's
// subscription events.
type DunningPolicy interface {
	HandleFailedPayment(ctx context.Context, account Account, payment FailedPayment) error
}

// Observer receives processing outcomes. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveEvent(eventType EventType, status Status, d time.Duration)
	ObserveOrphan(reason string)
	ObserveConflict(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(EventType, Status, time.Duration) {}
func (nopObserver) ObserveOrphan(string)                          {}
func (nopObserver) ObserveConflict(string)                        {}
