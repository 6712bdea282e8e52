package billing

import "encoding/json"

// Status is the outcome of processing one event.
type Status string

const (
	StatusProcessed        Status = "processed"
	StatusAlreadyProcessed Status = "already_processed"
	StatusInFlight         Status = "in_flight"
	StatusUserNotFound     Status = "user_not_found"
	StatusUnhandled        Status = "unhandled"
	StatusRejected         Status = "rejected"
	StatusStale            Status = "stale"
	StatusFailed           Status = "failed"
)

// Result is returned by ProcessEvent and cached in the ledger.
type Result struct {
	Status             Status             `json:"status"`
	EventID            string             `json:"event_id"`
	EventType          EventType          `json:"event_type"`
	UserID             string             `json:"user_id,omitempty"`
	SubscriptionID     string             `json:"subscription_id,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status,omitempty"`
	Message            string             `json:"message,omitempty"`
	// Previous carries the cached result of the first processing for
	// StatusAlreadyProcessed.
	Previous json.RawMessage `json:"previous,omitempty"`
}

func newResult(env Envelope, status Status) Result {
	return Result{Status: status, EventID: env.EventID, EventType: env.EventType}
}
