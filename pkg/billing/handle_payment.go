package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (p *Processor) handlePayment(ctx context.Context, env Envelope, kind PaymentKind) (Result, error) {
	res := newResult(env, StatusProcessed)

	data, err := decodeData[PaymentData](env)
	if err != nil {
		return res, err
	}
	if err := requireField(env, "id", data.ID); err != nil {
		return res, err
	}
	res.SubscriptionID = data.SubscriptionID

	acct, res, err := p.resolveFor(ctx, env, res, data.identity, data.SubscriptionID)
	if acct == nil || err != nil {
		return res, err
	}

	rec := PaymentRecord{
		ID:                uuid.New(),
		EventID:           env.EventID,
		UserID:            acct.UserID,
		SubscriptionID:    data.SubscriptionID,
		ProviderPaymentID: data.ID,
		Kind:              kind,
		Amount:            data.Amount,
		Currency:          data.Currency,
		FailureReason:     data.FailureReason,
		OccurredAt:        p.occurredAt(env),
		CreatedAt:         p.now().UTC(),
	}

	switch kind {
	case PaymentSucceeded:
		status, err := p.reaffirm(ctx, acct, data.SubscriptionID)
		if err != nil {
			return res, err
		}
		res.SubscriptionStatus = status
	case PaymentFailed:
		if err := p.dunning.HandleFailedPayment(ctx, *acct, FailedPayment{
			EventID:        env.EventID,
			EventType:      env.EventType,
			UserID:         acct.UserID,
			SubscriptionID: data.SubscriptionID,
			Amount:         data.Amount,
			Currency:       data.Currency,
			Reason:         data.FailureReason,
		}); err != nil {
			return res, fmt.Errorf("dunning policy: %w", err)
		}
	}

	// History is appended last: if it fails the event is retried and the
	// effects above are re-applied with the same values.
	if err := p.history.AppendPaymentHistory(ctx, acct.UserID, rec); err != nil {
		return res, fmt.Errorf("append payment history: %w", err)
	}
	return res, nil
}

func (p *Processor) handleInvoice(ctx context.Context, env Envelope) (Result, error) {
	res := newResult(env, StatusProcessed)

	data, err := decodeData[InvoiceData](env)
	if err != nil {
		return res, err
	}
	if err := requireField(env, "id", data.ID); err != nil {
		return res, err
	}
	res.SubscriptionID = data.SubscriptionID

	acct, res, err := p.resolveFor(ctx, env, res, data.identity, data.SubscriptionID)
	if acct == nil || err != nil {
		return res, err
	}

	status := data.Status
	if status == "" {
		status = "paid"
		if env.EventType == EventInvoicePaymentFailed {
			status = "payment_failed"
		}
	}

	if env.EventType == EventInvoicePaymentFailed {
		if err := p.dunning.HandleFailedPayment(ctx, *acct, FailedPayment{
			EventID:        env.EventID,
			EventType:      env.EventType,
			UserID:         acct.UserID,
			SubscriptionID: data.SubscriptionID,
			Amount:         data.Amount,
			Currency:       data.Currency,
			Reason:         "invoice payment failed",
		}); err != nil {
			return res, fmt.Errorf("dunning policy: %w", err)
		}
	}

	rec := InvoiceRecord{
		ID:                uuid.New(),
		EventID:           env.EventID,
		UserID:            acct.UserID,
		SubscriptionID:    data.SubscriptionID,
		ProviderInvoiceID: data.ID,
		InvoiceNumber:     data.Number,
		Status:            status,
		Amount:            data.Amount,
		Currency:          data.Currency,
		OccurredAt:        p.occurredAt(env),
		CreatedAt:         p.now().UTC(),
	}
	if err := p.history.AppendInvoiceHistory(ctx, acct.UserID, rec); err != nil {
		return res, fmt.Errorf("append invoice history: %w", err)
	}
	return res, nil
}

func (p *Processor) handleCustomer(ctx context.Context, env Envelope) (Result, error) {
	res := newResult(env, StatusProcessed)

	data, err := decodeData[CustomerData](env)
	if err != nil {
		return res, err
	}
	if err := requireField(env, "id", data.ID); err != nil {
		return res, err
	}

	id := identity{CustomerID: data.ID, Email: data.Email, CustomData: data.CustomData}
	acct, res, err := p.resolveFor(ctx, env, res, id, "")
	if acct == nil || err != nil {
		return res, err
	}
	return res, nil
}

// resolveFor resolves the account for a non-subscription event. A nil account
// with a nil error means the result is already StatusUserNotFound.
func (p *Processor) resolveFor(ctx context.Context, env Envelope, res Result, id identity, subscriptionID string) (*Account, Result, error) {
	resolution, err := p.resolver.Resolve(ctx, Hints{
		SubscriptionID: subscriptionID,
		CustomerID:     id.customerID(),
		Email:          id.email(),
		UserID:         id.userIDHint(env),
		EventID:        env.EventID,
		EventType:      env.EventType,
		Repeat:         isRepeatAttempt(ctx),
	})
	if err != nil {
		return nil, res, fmt.Errorf("resolve account: %w", err)
	}
	if resolution.Account == nil {
		res.Status = StatusUserNotFound
		res.Message = resolution.Reason
		return nil, res, nil
	}
	res.UserID = resolution.Account.UserID
	if resolution.Backfilled {
		res.Message = "provider customer id linked"
	}
	return resolution.Account, res, nil
}

// reaffirm rewrites the account projection from the stored subscription. A
// payment never changes the subscription status by itself.
func (p *Processor) reaffirm(ctx context.Context, acct *Account, subscriptionID string) (SubscriptionStatus, error) {
	if subscriptionID == "" {
		return "", nil
	}
	sub, err := p.subs.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load subscription: %w", err)
	}
	if sub.UserID != acct.UserID || !sub.Supersedes(*acct) {
		return sub.Status, nil
	}
	if err := p.accounts.UpdateAccountSubscription(ctx, acct.UserID, sub.AccountFields()); err != nil {
		return "", fmt.Errorf("update account subscription: %w", err)
	}
	return sub.Status, nil
}

func (p *Processor) occurredAt(env Envelope) time.Time {
	if t := env.OccurredAt(); !t.IsZero() {
		return t
	}
	return p.now().UTC()
}
