package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

func (s *Store) CreateAccount(ctx context.Context, a billing.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, email, provider_customer_id, merged_into, entitlement, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)`,
		a.UserID, a.Email, a.ProviderCustomerID, a.MergedInto, string(billing.EntitlementFree), a.CreatedAt, a.UpdatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: account %s already exists", billing.ErrMergeNotAllowed, a.UserID)
	}
	if err != nil {
		return storeErr("create account", err)
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE user_id = $1`, userID)
	if err != nil {
		return storeErr("delete account", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrAccountNotFound
	}
	return nil
}

// MoveReferences repoints every billing row in one transaction.
func (s *Store) MoveReferences(ctx context.Context, fromUserID, toUserID string) (billing.References, error) {
	var refs billing.References
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		from, to, err := lockPair(ctx, tx, fromUserID, toUserID)
		if err != nil {
			return err
		}

		if refs.SubscriptionIDs, err = collectStrings(ctx, tx, `
			UPDATE subscriptions SET user_id = $2 WHERE user_id = $1 RETURNING id`, fromUserID, toUserID); err != nil {
			return err
		}
		slices.Sort(refs.SubscriptionIDs)
		if refs.PaymentIDs, err = collectUUIDs(ctx, tx, `
			UPDATE payment_history SET user_id = $2 WHERE user_id = $1 RETURNING id`, fromUserID, toUserID); err != nil {
			return err
		}
		if refs.InvoiceIDs, err = collectUUIDs(ctx, tx, `
			UPDATE invoice_history SET user_id = $2 WHERE user_id = $1 RETURNING id`, fromUserID, toUserID); err != nil {
			return err
		}

		if from != "" && to == "" {
			if err := moveCustomerID(ctx, tx, fromUserID, toUserID, from); err != nil {
				return err
			}
			refs.CustomerID = from
		}
		return nil
	})
	if err != nil {
		return billing.References{}, mergeErr("move references", err)
	}
	return refs, nil
}

// RestoreReferences moves exactly the rows in refs back, in one transaction.
func (s *Store) RestoreReferences(ctx context.Context, refs billing.References, fromUserID, toUserID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		from, _, err := lockPair(ctx, tx, fromUserID, toUserID)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET user_id = $2 WHERE id = ANY($1)`, refs.SubscriptionIDs, toUserID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE payment_history SET user_id = $2 WHERE id = ANY($1::uuid[])`, uuidStrings(refs.PaymentIDs), toUserID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE invoice_history SET user_id = $2 WHERE id = ANY($1::uuid[])`, uuidStrings(refs.InvoiceIDs), toUserID); err != nil {
			return err
		}

		if refs.CustomerID != "" && from == refs.CustomerID {
			return moveCustomerID(ctx, tx, fromUserID, toUserID, refs.CustomerID)
		}
		return nil
	})
	if err != nil {
		return mergeErr("restore references", err)
	}
	return nil
}

func (s *Store) SwapEmails(ctx context.Context, userA, userB string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, _, err := lockPair(ctx, tx, userA, userB); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE accounts AS a
			SET email = b.email, updated_at = $3
			FROM (SELECT user_id, email FROM accounts WHERE user_id IN ($1, $2)) AS b
			WHERE a.user_id IN ($1, $2) AND b.user_id <> a.user_id`,
			userA, userB, s.timestamp(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 2 {
			return billing.ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return mergeErr("swap emails", err)
	}
	return nil
}

// lockPair row-locks both accounts in a stable order and returns their
// customer ids.
func lockPair(ctx context.Context, q querier, fromUserID, toUserID string) (from, to string, err error) {
	rows, err := q.Query(ctx, `
		SELECT user_id, COALESCE(provider_customer_id, '')
		FROM accounts
		WHERE user_id IN ($1, $2)
		ORDER BY user_id
		FOR UPDATE`, fromUserID, toUserID)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var id, customerID string
		if err := rows.Scan(&id, &customerID); err != nil {
			return "", "", err
		}
		found++
		if id == fromUserID {
			from = customerID
		} else {
			to = customerID
		}
	}
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	if found != 2 {
		return "", "", billing.ErrAccountNotFound
	}
	return from, to, nil
}

// moveCustomerID clears the source first so the unique index holds.
func moveCustomerID(ctx context.Context, q querier, fromUserID, toUserID, customerID string) error {
	if _, err := q.Exec(ctx, `UPDATE accounts SET provider_customer_id = NULL WHERE user_id = $1`, fromUserID); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `UPDATE accounts SET provider_customer_id = $2 WHERE user_id = $1`, toUserID, customerID)
	return err
}

func collectStrings(ctx context.Context, q querier, sql string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func collectUUIDs(ctx context.Context, q querier, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func mergeErr(op string, err error) error {
	if errors.Is(err, billing.ErrAccountNotFound) {
		return err
	}
	return storeErr(op, err)
}
