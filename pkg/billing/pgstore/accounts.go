package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

const accountColumns = `
	user_id, email, COALESCE(provider_customer_id, ''), COALESCE(merged_into, ''),
	COALESCE(subscription_id, ''), COALESCE(plan_type, ''), COALESCE(subscription_status, ''),
	entitlement, subscription_ends_at, cancelled_at, COALESCE(cancellation_reason, ''),
	created_at, updated_at`

func scanAccount(row pgx.Row) (*billing.Account, error) {
	var (
		a                         billing.Account
		plan, status, entitlement string
		endsAt, cancelledAt       *time.Time
	)
	err := row.Scan(&a.UserID, &a.Email, &a.ProviderCustomerID, &a.MergedInto,
		&a.SubscriptionID, &plan, &status,
		&entitlement, &endsAt, &cancelledAt, &a.CancellationReason,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.PlanType = billing.PlanType(plan)
	a.SubscriptionStatus = billing.SubscriptionStatus(status)
	a.Entitlement = billing.Entitlement(entitlement)
	a.SubscriptionEndsAt = endsAt
	a.CancelledAt = cancelledAt
	return &a, nil
}

func (s *Store) findAccount(ctx context.Context, op, where string, arg any) (*billing.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, arg))
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrAccountNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return a, nil
}

func (s *Store) FindByUserID(ctx context.Context, userID string) (*billing.Account, error) {
	return s.findAccount(ctx, "find account by user id", `user_id = $1`, userID)
}

func (s *Store) FindByCustomerID(ctx context.Context, customerID string) (*billing.Account, error) {
	return s.findAccount(ctx, "find account by customer id", `provider_customer_id = $1 AND merged_into IS NULL`, customerID)
}

// FindByEmail expects a normalized address. More than one live account with
// the address is reported as billing.ErrAmbiguousAccount.
func (s *Store) FindByEmail(ctx context.Context, email string) (*billing.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE lower(btrim(email)) = $1 AND merged_into IS NULL
		ORDER BY created_at, user_id
		LIMIT 2`, email)
	if err != nil {
		return nil, storeErr("find account by email", err)
	}
	defer rows.Close()

	var found []*billing.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, storeErr("scan account", err)
		}
		found = append(found, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find account by email", err)
	}

	switch len(found) {
	case 0:
		return nil, billing.ErrAccountNotFound
	case 1:
		return found[0], nil
	}
	return nil, billing.ErrAmbiguousAccount
}

// LinkCustomerID sets the customer id only while it is still empty. The
// unique index turns a customer id owned elsewhere into ErrCustomerIDTaken.
func (s *Store) LinkCustomerID(ctx context.Context, userID, customerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET provider_customer_id = $2, updated_at = $3
		WHERE user_id = $1 AND provider_customer_id IS NULL`,
		userID, customerID, s.timestamp(),
	)
	if pg.IsDuplicateKeyError(err) {
		return false, billing.ErrCustomerIDTaken
	}
	if err != nil {
		return false, storeErr("link customer id", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.FindByUserID(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) UpdateAccountSubscription(ctx context.Context, userID string, f billing.AccountSubscriptionFields) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET subscription_id = NULLIF($2, ''),
		    plan_type = NULLIF($3, ''),
		    subscription_status = NULLIF($4, ''),
		    entitlement = $5,
		    subscription_ends_at = $6,
		    cancelled_at = $7,
		    cancellation_reason = NULLIF($8, ''),
		    updated_at = $9
		WHERE user_id = $1`,
		userID, f.SubscriptionID, string(f.PlanType), string(f.SubscriptionStatus), string(f.Entitlement),
		f.SubscriptionEndsAt, f.CancelledAt, f.CancellationReason, s.timestamp(),
	)
	if err != nil {
		return storeErr("update account subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrAccountNotFound
	}
	return nil
}
