package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatePending   SubscriptionStatus = "pending"
	StateActive    SubscriptionStatus = "active"
	StatePaused    SubscriptionStatus = "paused"
	StateCancelled SubscriptionStatus = "cancelled"
	StateExpired   SubscriptionStatus = "expired"
)

// ParseSubscriptionStatus maps a provider-reported status onto a lifecycle
// state. Trialing and past-due subscriptions still grant access and map to
// active.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "incomplete":
		return StatePending, true
	case "active", "trialing", "past_due":
		return StateActive, true
	case "paused":
		return StatePaused, true
	case "cancelled", "canceled":
		return StateCancelled, true
	case "expired":
		return StateExpired, true
	}
	return "", false
}

// Entitlement derived from the state. Cancelled subscriptions stay paid until
// their period end; enforcing that date is left to readers of EndsAt.
func (s SubscriptionStatus) Entitlement() Entitlement {
	switch s {
	case StateActive, StatePaused, StateCancelled:
		return EntitlementPaid
	}
	return EntitlementFree
}

// PlanType is the billing interval of a subscription.
type PlanType string

const (
	PlanMonthly PlanType = "monthly"
	PlanYearly  PlanType = "yearly"
)

func (p PlanType) Valid() bool {
	return p == PlanMonthly || p == PlanYearly
}

// Entitlement is the access level granted to an account.
type Entitlement string

const (
	EntitlementFree Entitlement = "free"
	EntitlementPaid Entitlement = "paid"
)

// Account holds the fields of an internal account this package reads or
// writes. Only this package writes the subscription fields.
type Account struct {
	UserID             string
	Email              string
	ProviderCustomerID string
	// MergedInto is set on tombstones left behind by an account merge.
	MergedInto string

	SubscriptionID     string
	PlanType           PlanType
	SubscriptionStatus SubscriptionStatus
	Entitlement        Entitlement
	SubscriptionEndsAt *time.Time
	CancelledAt        *time.Time
	CancellationReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccountSubscriptionFields is the projection of a Subscription onto an
// account. It is always written as a whole.
type AccountSubscriptionFields struct {
	SubscriptionID     string             `json:"subscription_id"`
	PlanType           PlanType           `json:"plan_type"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	Entitlement        Entitlement        `json:"entitlement"`
	SubscriptionEndsAt *time.Time         `json:"subscription_ends_at,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
}

// Apply copies the projection onto the account.
func (f AccountSubscriptionFields) Apply(a *Account) {
	a.SubscriptionID = f.SubscriptionID
	a.PlanType = f.PlanType
	a.SubscriptionStatus = f.SubscriptionStatus
	a.Entitlement = f.Entitlement
	a.SubscriptionEndsAt = f.SubscriptionEndsAt
	a.CancelledAt = f.CancelledAt
	a.CancellationReason = f.CancellationReason
}

// Subscription is the internal record of a provider subscription. Records are
// never deleted; cancelled and expired ones remain as history.
type Subscription struct {
	ID                 string
	UserID             string
	PlanType           PlanType
	ProductID          string
	Status             SubscriptionStatus
	CurrentPeriodEnd   *time.Time
	CancelledAt        *time.Time
	PausedAt           *time.Time
	ExpiredAt          *time.Time
	CancellationReason string
	// LastEventAt is the provider timestamp of the last applied event.
	LastEventAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AccountFields projects the subscription onto account fields.
func (s Subscription) AccountFields() AccountSubscriptionFields {
	return AccountSubscriptionFields{
		SubscriptionID:     s.ID,
		PlanType:           s.PlanType,
		SubscriptionStatus: s.Status,
		Entitlement:        s.Status.Entitlement(),
		SubscriptionEndsAt: s.CurrentPeriodEnd,
		CancelledAt:        s.CancelledAt,
		CancellationReason: s.CancellationReason,
	}
}

// rank orders statuses by how much access they grant. Expired grants none.
func (s SubscriptionStatus) rank() int {
	switch s {
	case StateActive:
		return 4
	case StatePaused:
		return 3
	case StateCancelled:
		return 2
	case StatePending:
		return 1
	}
	return 0
}

// Supersedes reports whether the subscription may replace the account
// projection. The account's current subscription always may. Another
// subscription takes over only when it grants at least as much access, so a
// late event for a retired subscription never downgrades a newer one.
func (s Subscription) Supersedes(a Account) bool {
	if a.SubscriptionID == "" || a.SubscriptionID == s.ID {
		return true
	}
	r := s.Status.rank()
	return r > 0 && r >= a.SubscriptionStatus.rank()
}

// WebhookEvent is a row of the idempotency ledger. There is at most one row
// per event id and rows are never deleted.
type WebhookEvent struct {
	EventID      string
	EventType    EventType
	Payload      json.RawMessage
	Processed    bool
	Result       json.RawMessage
	ErrorMessage string
	RetryCount   int
	LockedUntil  *time.Time
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	FailedAt     *time.Time
}

// OrphanedWebhook is an event whose account could not be resolved.
type OrphanedWebhook struct {
	ID          uuid.UUID
	EventID     string
	Envelope    Envelope
	Reason      string
	RequestID   string
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	AbandonedAt *time.Time
}

// PaymentKind distinguishes payment history rows.
type PaymentKind string

const (
	PaymentSucceeded PaymentKind = "succeeded"
	PaymentFailed    PaymentKind = "failed"
	PaymentRefunded  PaymentKind = "refunded"
)

// PaymentRecord is an append-only payment history row. EventID is unique.
type PaymentRecord struct {
	ID                uuid.UUID
	EventID           string
	UserID            string
	SubscriptionID    string
	ProviderPaymentID string
	Kind              PaymentKind
	Amount            int64
	Currency          string
	FailureReason     string
	OccurredAt        time.Time
	CreatedAt         time.Time
}

// InvoiceRecord is an append-only invoice history row. EventID is unique.
type InvoiceRecord struct {
	ID                uuid.UUID
	EventID           string
	UserID            string
	SubscriptionID    string
	ProviderInvoiceID string
	InvoiceNumber     string
	Status            string
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	CreatedAt         time.Time
}
