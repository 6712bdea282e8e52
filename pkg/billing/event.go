package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType identifies a provider event.
type EventType string

const (
	EventSubscriptionCreated     EventType = "subscription.created"
	EventSubscriptionActive      EventType = "subscription.active"
	EventSubscriptionRenewed     EventType = "subscription.renewed"
	EventSubscriptionPlanChanged EventType = "subscription.plan_changed"
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionCancelled   EventType = "subscription.cancelled"
	EventSubscriptionReactivated EventType = "subscription.reactivated"
	EventSubscriptionExpired     EventType = "subscription.expired"
	EventSubscriptionPaused      EventType = "subscription.paused"
	EventSubscriptionResumed     EventType = "subscription.resumed"

	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"

	EventCustomerCreated EventType = "customer.created"
	EventCustomerUpdated EventType = "customer.updated"

	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
)

// KnownEventTypes lists every event type that has a handler.
func KnownEventTypes() []EventType {
	return []EventType{
		EventSubscriptionCreated,
		EventSubscriptionActive,
		EventSubscriptionRenewed,
		EventSubscriptionPlanChanged,
		EventSubscriptionUpdated,
		EventSubscriptionCancelled,
		EventSubscriptionReactivated,
		EventSubscriptionExpired,
		EventSubscriptionPaused,
		EventSubscriptionResumed,
		EventPaymentSucceeded,
		EventPaymentFailed,
		EventPaymentRefunded,
		EventCustomerCreated,
		EventCustomerUpdated,
		EventInvoicePaid,
		EventInvoicePaymentFailed,
	}
}

// Family groups event types by their prefix.
type Family string

const (
	FamilyUnknown      Family = ""
	FamilySubscription Family = "subscription"
	FamilyPayment      Family = "payment"
	FamilyCustomer     Family = "customer"
	FamilyInvoice      Family = "invoice"
)

// Family returns the handler family for t, or FamilyUnknown.
func (t EventType) Family() Family {
	prefix, _, ok := strings.Cut(string(t), ".")
	if !ok {
		return FamilyUnknown
	}
	switch f := Family(prefix); f {
	case FamilySubscription, FamilyPayment, FamilyCustomer, FamilyInvoice:
		return f
	}
	return FamilyUnknown
}

func (t EventType) String() string {
	return string(t)
}

// Envelope is one verified provider event.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	EventID   string          `json:"event_id"`
	Data      json.RawMessage `json:"data"`
	// ProcessedAt is the provider's RFC 3339 timestamp for the event.
	ProcessedAt string         `json:"processed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields every event needs regardless of its type.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(string(e.EventType)) == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEnvelope)
	}
	if e.ProcessedAt != "" {
		if _, err := time.Parse(time.RFC3339, e.ProcessedAt); err != nil {
			return fmt.Errorf("%w: processed_at is not RFC 3339: %v", ErrInvalidEnvelope, err)
		}
	}
	return nil
}

// OccurredAt parses ProcessedAt. The zero time is returned when it is absent.
func (e Envelope) OccurredAt() time.Time {
	t, err := time.Parse(time.RFC3339, e.ProcessedAt)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// MetadataString returns a string metadata value, or "" when absent or not a string.
func (e Envelope) MetadataString(key string) string {
	if v, ok := e.Metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
