package pgstore

import (
	"context"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

func (s *Store) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	var (
		sub          billing.Subscription
		plan, status string
		lastEventAt  *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(plan_type, ''), COALESCE(product_id, ''), status,
		       current_period_end, cancelled_at, paused_at, expired_at,
		       COALESCE(cancellation_reason, ''), last_event_at, created_at, updated_at
		FROM subscriptions
		WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.UserID, &plan, &sub.ProductID, &status,
		&sub.CurrentPeriodEnd, &sub.CancelledAt, &sub.PausedAt, &sub.ExpiredAt,
		&sub.CancellationReason, &lastEventAt, &sub.CreatedAt, &sub.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, storeErr("get subscription", err)
	}
	sub.PlanType = billing.PlanType(plan)
	sub.Status = billing.SubscriptionStatus(status)
	if lastEventAt != nil {
		sub.LastEventAt = lastEventAt.UTC()
	}
	return &sub, nil
}

// SaveSubscription upserts the whole record, so a replay writes the same row.
func (s *Store) SaveSubscription(ctx context.Context, sub billing.Subscription) error {
	var lastEventAt *time.Time
	if !sub.LastEventAt.IsZero() {
		lastEventAt = &sub.LastEventAt
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.timestamp()
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.timestamp()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, plan_type, product_id, status,
			current_period_end, cancelled_at, paused_at, expired_at,
			cancellation_reason, last_event_at, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			plan_type = EXCLUDED.plan_type,
			product_id = EXCLUDED.product_id,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			cancelled_at = EXCLUDED.cancelled_at,
			paused_at = EXCLUDED.paused_at,
			expired_at = EXCLUDED.expired_at,
			cancellation_reason = EXCLUDED.cancellation_reason,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, string(sub.PlanType), sub.ProductID, string(sub.Status),
		sub.CurrentPeriodEnd, sub.CancelledAt, sub.PausedAt, sub.ExpiredAt,
		sub.CancellationReason, lastEventAt, createdAt, updatedAt,
	)
	if pg.IsForeignKeyViolationError(err) {
		return billing.ErrAccountNotFound
	}
	if err != nil {
		return storeErr("save subscription", err)
	}
	return nil
}
