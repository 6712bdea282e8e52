package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CustomerRef is the customer object embedded in most payloads.
type CustomerRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// identity holds the account hints common to every payload.
type identity struct {
	CustomerID string         `json:"customer_id"`
	Customer   *CustomerRef   `json:"customer"`
	Email      string         `json:"email"`
	CustomData map[string]any `json:"custom_data"`
}

func (i identity) customerID() string {
	if i.Customer != nil && i.Customer.ID != "" {
		return strings.TrimSpace(i.Customer.ID)
	}
	return strings.TrimSpace(i.CustomerID)
}

func (i identity) email() string {
	if i.Customer != nil && i.Customer.Email != "" {
		return i.Customer.Email
	}
	return i.Email
}

func (i identity) userIDHint(env Envelope) string {
	if id := env.MetadataString("user_id"); id != "" {
		return id
	}
	if v, ok := i.CustomData["user_id"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// SubscriptionData is the payload of subscription.* events.
type SubscriptionData struct {
	identity
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	ProductID          string     `json:"product_id"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end"`
	CancelledAt        *time.Time `json:"cancelled_at"`
	CancellationReason string     `json:"cancellation_reason"`
	PausedAt           *time.Time `json:"paused_at"`
	ExpiredAt          *time.Time `json:"expired_at"`
}

// PaymentData is the payload of payment.* events.
type PaymentData struct {
	identity
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	FailureReason  string `json:"failure_reason"`
}

// CustomerData is the payload of customer.* events.
type CustomerData struct {
	ID         string         `json:"id"`
	Email      string         `json:"email"`
	CustomData map[string]any `json:"custom_data"`
}

// InvoiceData is the payload of invoice.* events.
type InvoiceData struct {
	identity
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	Number         string `json:"number"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

func decodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return v, fmt.Errorf("%w: %s has no data", ErrInvalidPayload, env.EventType)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.EventType, err)
	}
	return v, nil
}

func requireField(env Envelope, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s: %s is required", ErrInvalidPayload, env.EventType, name)
	}
	return nil
}
