package pgstore

import (
	"context"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

// AppendPaymentHistory inserts at most one row per event id.
func (s *Store) AppendPaymentHistory(ctx context.Context, userID string, rec billing.PaymentRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_history (
			id, event_id, user_id, subscription_id, provider_payment_id, kind,
			amount, currency, failure_reason, occurred_at, created_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, rec.EventID, userID, rec.SubscriptionID, rec.ProviderPaymentID, string(rec.Kind),
		rec.Amount, rec.Currency, rec.FailureReason, rec.OccurredAt, rec.CreatedAt,
	)
	if pg.IsForeignKeyViolationError(err) {
		return billing.ErrAccountNotFound
	}
	if err != nil {
		return storeErr("append payment history", err)
	}
	return nil
}

// AppendInvoiceHistory inserts at most one row per event id.
func (s *Store) AppendInvoiceHistory(ctx context.Context, userID string, rec billing.InvoiceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoice_history (
			id, event_id, user_id, subscription_id, provider_invoice_id, invoice_number,
			status, amount, currency, occurred_at, created_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, rec.EventID, userID, rec.SubscriptionID, rec.ProviderInvoiceID, rec.InvoiceNumber,
		rec.Status, rec.Amount, rec.Currency, rec.OccurredAt, rec.CreatedAt,
	)
	if pg.IsForeignKeyViolationError(err) {
		return billing.ErrAccountNotFound
	}
	if err != nil {
		return storeErr("append invoice history", err)
	}
	return nil
}
