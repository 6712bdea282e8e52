package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func (s *Store) Enqueue(ctx context.Context, env billing.Envelope, reason, requestID string, nextRetryAt time.Time) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orphaned_webhooks (id, event_id, envelope, reason, request_id, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		uuid.New(), env.EventID, payload, reason, requestID, nextRetryAt.UTC(), s.timestamp(),
	)
	if err != nil {
		return storeErr("enqueue orphan", err)
	}
	return nil
}

// Due returns open orphans whose retry time has passed, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]billing.OrphanedWebhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, envelope, reason, COALESCE(request_id, ''), retry_count,
		       next_retry_at, COALESCE(last_error, ''), created_at, resolved_at, abandoned_at
		FROM orphaned_webhooks
		WHERE resolved_at IS NULL AND abandoned_at IS NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now.UTC(), limit,
	)
	if err != nil {
		return nil, storeErr("list due orphans", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.OrphanedWebhook, error) {
		var (
			o   billing.OrphanedWebhook
			raw []byte
		)
		if err := row.Scan(&o.ID, &o.EventID, &raw, &o.Reason, &o.RequestID, &o.RetryCount,
			&o.NextRetryAt, &o.LastError, &o.CreatedAt, &o.ResolvedAt, &o.AbandonedAt); err != nil {
			return o, err
		}
		return o, json.Unmarshal(raw, &o.Envelope)
	})
	if err != nil {
		return nil, storeErr("scan due orphans", err)
	}
	return out, nil
}

func (s *Store) Resolve(ctx context.Context, id uuid.UUID) error {
	return s.updateOrphan(ctx, "resolve orphan", `
		UPDATE orphaned_webhooks SET resolved_at = $2 WHERE id = $1`,
		id, s.timestamp())
}

func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastErr string) error {
	return s.updateOrphan(ctx, "reschedule orphan", `
		UPDATE orphaned_webhooks SET retry_count = $2, next_retry_at = $3, last_error = $4 WHERE id = $1`,
		id, retryCount, nextRetryAt.UTC(), lastErr)
}

func (s *Store) Abandon(ctx context.Context, id uuid.UUID, lastErr string) error {
	return s.updateOrphan(ctx, "abandon orphan", `
		UPDATE orphaned_webhooks SET abandoned_at = $2, last_error = $3 WHERE id = $1`,
		id, s.timestamp(), lastErr)
}

func (s *Store) updateOrphan(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrOrphanNotFound
	}
	return nil
}
