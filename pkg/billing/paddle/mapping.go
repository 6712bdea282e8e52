package paddle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// notification is the outer Paddle webhook body.
type notification struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     string          `json:"occurred_at"`
	NotificationID string          `json:"notification_id"`
	Data           json.RawMessage `json:"data"`
}

var eventTypes = map[string]billing.EventType{
	"subscription.created":       billing.EventSubscriptionCreated,
	"subscription.activated":     billing.EventSubscriptionActive,
	"subscription.trialing":      billing.EventSubscriptionActive,
	"subscription.updated":       billing.EventSubscriptionUpdated,
	"subscription.past_due":      billing.EventSubscriptionUpdated,
	"subscription.canceled":      billing.EventSubscriptionCancelled,
	"subscription.paused":        billing.EventSubscriptionPaused,
	"subscription.resumed":       billing.EventSubscriptionResumed,
	"transaction.completed":      billing.EventPaymentSucceeded,
	"transaction.payment_failed": billing.EventPaymentFailed,
	"customer.created":           billing.EventCustomerCreated,
	"customer.updated":           billing.EventCustomerUpdated,
}

// MapEventType returns the billing event type for a Paddle event type and
// whether a mapping exists.
func MapEventType(paddleType string) (billing.EventType, bool) {
	t, ok := eventTypes[paddleType]
	return t, ok
}

// Parse maps a Paddle notification body to an envelope. It does not verify
// the signature.
func Parse(body []byte) (billing.Envelope, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return billing.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if n.EventID == "" || n.EventType == "" {
		return billing.Envelope{}, fmt.Errorf("%w: event_id and event_type are required", ErrMalformedEvent)
	}

	env := billing.Envelope{
		EventID:     n.EventID,
		EventType:   billing.EventType(n.EventType),
		Data:        n.Data,
		ProcessedAt: normalizeTime(n.OccurredAt),
		Metadata: map[string]any{
			"provider":            "paddle",
			"provider_event_type": n.EventType,
		},
	}
	if n.NotificationID != "" {
		env.Metadata["notification_id"] = n.NotificationID
	}

	var (
		data   any
		userID string
		err    error
	)
	switch {
	case strings.HasPrefix(n.EventType, "subscription."):
		data, userID, err = mapSubscription(n.Data)
	case strings.HasPrefix(n.EventType, "transaction."):
		data, userID, err = mapTransaction(n.Data)
	case strings.HasPrefix(n.EventType, "customer."):
		data, userID, err = mapCustomer(n.Data)
	case strings.HasPrefix(n.EventType, "adjustment."):
		var refund bool
		data, userID, refund, err = mapAdjustment(n.Data)
		if err == nil && refund {
			env.EventType = billing.EventPaymentRefunded
		}
	default:
		return env, nil
	}
	if err != nil {
		return billing.Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, n.EventType, err)
	}

	if t, ok := MapEventType(n.EventType); ok {
		env.EventType = t
	}
	if env.Data, err = json.Marshal(data); err != nil {
		return billing.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if userID != "" {
		env.Metadata["user_id"] = userID
	}
	return env, nil
}

type customData map[string]any

func (c customData) userID() string {
	v, _ := c["user_id"].(string)
	return v
}

type subscriptionNotification struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	CustomerID   string     `json:"customer_id"`
	CurrencyCode string     `json:"currency_code"`
	CustomData   customData `json:"custom_data"`
	Items        []struct {
		Price struct {
			ID        string `json:"id"`
			ProductID string `json:"product_id"`
			UnitPrice struct {
				Amount string `json:"amount"`
			} `json:"unit_price"`
		} `json:"price"`
		Quantity int64 `json:"quantity"`
	} `json:"items"`
	CurrentBillingPeriod *struct {
		EndsAt *time.Time `json:"ends_at"`
	} `json:"current_billing_period"`
	ScheduledChange *struct {
		Action      string     `json:"action"`
		EffectiveAt *time.Time `json:"effective_at"`
	} `json:"scheduled_change"`
	CanceledAt *time.Time `json:"canceled_at"`
	PausedAt   *time.Time `json:"paused_at"`
}

// subscriptionData mirrors billing.SubscriptionData on the wire.
type subscriptionData struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status,omitempty"`
	CustomerID         string     `json:"customer_id,omitempty"`
	CustomData         customData `json:"custom_data,omitempty"`
	ProductID          string     `json:"product_id,omitempty"`
	Amount             int64      `json:"amount,omitempty"`
	Currency           string     `json:"currency,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
}

func mapSubscription(raw json.RawMessage) (subscriptionData, string, error) {
	var s subscriptionNotification
	if err := json.Unmarshal(raw, &s); err != nil {
		return subscriptionData{}, "", err
	}

	out := subscriptionData{
		ID:          s.ID,
		Status:      s.Status,
		CustomerID:  s.CustomerID,
		CustomData:  s.CustomData,
		Currency:    s.CurrencyCode,
		CancelledAt: s.CanceledAt,
		PausedAt:    s.PausedAt,
	}
	if len(s.Items) > 0 {
		item := s.Items[0]
		out.ProductID = item.Price.ProductID
		amount, err := parseAmount(item.Price.UnitPrice.Amount)
		if err != nil {
			return subscriptionData{}, "", err
		}
		out.Amount = amount * max(item.Quantity, 1)
	}
	if s.CurrentBillingPeriod != nil {
		out.CurrentPeriodEnd = s.CurrentBillingPeriod.EndsAt
	}
	// A scheduled cancellation keeps access until it takes effect.
	if s.ScheduledChange != nil && s.ScheduledChange.Action == "cancel" && out.CurrentPeriodEnd == nil {
		out.CurrentPeriodEnd = s.ScheduledChange.EffectiveAt
	}
	if s.Status == "canceled" {
		out.CancellationReason = "cancelled_by_customer"
	}
	return out, s.CustomData.userID(), nil
}

type transactionNotification struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	CustomerID     string     `json:"customer_id"`
	SubscriptionID string     `json:"subscription_id"`
	CurrencyCode   string     `json:"currency_code"`
	CustomData     customData `json:"custom_data"`
	Details        struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
	Payments []struct {
		Status    string `json:"status"`
		ErrorCode string `json:"error_code"`
	} `json:"payments"`
}

// paymentData mirrors billing.PaymentData on the wire.
type paymentData struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	CustomerID     string     `json:"customer_id,omitempty"`
	CustomData     customData `json:"custom_data,omitempty"`
	Amount         int64      `json:"amount,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}

func mapTransaction(raw json.RawMessage) (paymentData, string, error) {
	var t transactionNotification
	if err := json.Unmarshal(raw, &t); err != nil {
		return paymentData{}, "", err
	}
	amount, err := parseAmount(t.Details.Totals.GrandTotal)
	if err != nil {
		return paymentData{}, "", err
	}

	out := paymentData{
		ID:             t.ID,
		SubscriptionID: t.SubscriptionID,
		CustomerID:     t.CustomerID,
		CustomData:     t.CustomData,
		Amount:         amount,
		Currency:       t.CurrencyCode,
	}
	for _, p := range t.Payments {
		if p.ErrorCode != "" {
			out.FailureReason = p.ErrorCode
			break
		}
	}
	return out, t.CustomData.userID(), nil
}

type customerData struct {
	ID         string     `json:"id"`
	Email      string     `json:"email,omitempty"`
	CustomData customData `json:"custom_data,omitempty"`
}

func mapCustomer(raw json.RawMessage) (customerData, string, error) {
	var c customerData
	if err := json.Unmarshal(raw, &c); err != nil {
		return customerData{}, "", err
	}
	return c, c.CustomData.userID(), nil
}

type adjustmentNotification struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	TransactionID  string `json:"transaction_id"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	CurrencyCode   string `json:"currency_code"`
	Totals         struct {
		Total string `json:"total"`
	} `json:"totals"`
}

// mapAdjustment reports refund as true for approved refunds only.
func mapAdjustment(raw json.RawMessage) (any, string, bool, error) {
	var a adjustmentNotification
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, "", false, err
	}
	if a.Action != "refund" || a.Status != "approved" {
		return json.RawMessage(raw), "", false, nil
	}
	amount, err := parseAmount(a.Totals.Total)
	if err != nil {
		return nil, "", false, err
	}
	id := a.TransactionID
	if id == "" {
		id = a.ID
	}
	return paymentData{
		ID:             id,
		SubscriptionID: a.SubscriptionID,
		CustomerID:     a.CustomerID,
		Amount:         amount,
		Currency:       a.CurrencyCode,
	}, "", true, nil
}

// parseAmount reads Paddle's string amounts in minor units.
func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func normalizeTime(s string) string {
	if s == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.UTC().Format(time.RFC3339Nano)
}
