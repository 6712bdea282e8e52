package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

func (s *Store) Get(ctx context.Context, eventID string) (*billing.WebhookEvent, error) {
	var (
		e         billing.WebhookEvent
		eventType string
		errMsg    *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, event_type, payload, processed, result, error_message,
		       retry_count, locked_until, created_at, processed_at, failed_at
		FROM webhook_events
		WHERE event_id = $1`, eventID,
	).Scan(&e.EventID, &eventType, &e.Payload, &e.Processed, &e.Result, &errMsg,
		&e.RetryCount, &e.LockedUntil, &e.CreatedAt, &e.ProcessedAt, &e.FailedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrEventNotFound
	}
	if err != nil {
		return nil, storeErr("get event", err)
	}
	e.EventType = billing.EventType(eventType)
	e.ErrorMessage = deref(errMsg)
	return &e, nil
}

func (s *Store) RecordSeen(ctx context.Context, env billing.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		env.EventID, string(env.EventType), payload, s.timestamp(),
	)
	if err != nil {
		return storeErr("record event", err)
	}
	return nil
}

// Acquire takes the processing lease when the event is unprocessed and no
// live lease exists. A crashed worker's lease simply expires.
func (s *Store) Acquire(ctx context.Context, eventID string, lease time.Duration) error {
	now := s.timestamp()
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET locked_until = $2
		WHERE event_id = $1
		  AND NOT processed
		  AND (locked_until IS NULL OR locked_until <= $3)`,
		eventID, now.Add(lease), now,
	)
	if err != nil {
		return storeErr("acquire event", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var processed bool
	err = s.pool.QueryRow(ctx, `SELECT processed FROM webhook_events WHERE event_id = $1`, eventID).Scan(&processed)
	switch {
	case pg.IsNotFoundError(err):
		return billing.ErrEventNotFound
	case err != nil:
		return storeErr("acquire event", err)
	case processed:
		return billing.ErrAlreadyProcessed
	}
	return billing.ErrEventInFlight
}

func (s *Store) MarkSucceeded(ctx context.Context, eventID string, result []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, result = $2, error_message = NULL, processed_at = $3, locked_until = NULL
		WHERE event_id = $1`,
		eventID, json.RawMessage(result), s.timestamp(),
	)
	if err != nil {
		return storeErr("mark succeeded", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEventNotFound
	}
	return nil
}

// MarkFailed never touches a processed row.
func (s *Store) MarkFailed(ctx context.Context, eventID string, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET error_message = $2, retry_count = retry_count + 1, failed_at = $3, locked_until = NULL
		WHERE event_id = $1 AND NOT processed`,
		eventID, errMsg, s.timestamp(),
	)
	if err != nil {
		return storeErr("mark failed", err)
	}
	return nil
}
