package billing

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures that may succeed on redelivery: store
	// outages, timeouts, lost leases.
	ErrTransient = errors.New("billing: transient failure")

	ErrInvalidEnvelope = errors.New("billing: invalid event envelope")
	ErrInvalidPayload  = errors.New("billing: invalid event payload")
	ErrUnknownProduct  = errors.New("billing: unknown product")
	ErrInvalidCatalog  = errors.New("billing: invalid product catalog")

	ErrAlreadyProcessed = errors.New("billing: event already processed")
	ErrEventInFlight    = errors.New("billing: event is being processed")
	ErrEventNotFound    = errors.New("billing: event not found")

	ErrAccountNotFound      = errors.New("billing: account not found")
	ErrAmbiguousAccount     = errors.New("billing: more than one account matches")
	ErrCustomerIDTaken      = errors.New("billing: provider customer id is linked to another account")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrOrphanNotFound       = errors.New("billing: orphaned event not found")

	ErrMergeNotAllowed = errors.New("billing: accounts cannot be merged")
)

// IsRetryable reports whether err is worth retrying by redelivering the event.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// isPermanent reports errors that describe the event itself and cannot be
// fixed by retrying it unchanged.
func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidEnvelope) ||
		errors.Is(err, ErrUnknownProduct)
}

// classify wraps every non-permanent failure in ErrTransient.
func classify(err error) error {
	if err == nil || isPermanent(err) || errors.Is(err, ErrTransient) {
		return err
	}
	return errors.Join(ErrTransient, err)
}
