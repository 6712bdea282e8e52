package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/saga"
)

// References lists the rows moved from one account to another by a merge.
type References struct {
	SubscriptionIDs []string
	PaymentIDs      []uuid.UUID
	InvoiceIDs      []uuid.UUID
	// CustomerID is set when the provider customer id moved too.
	CustomerID string
}

// AccountMergeStore is the persistence an account merge needs. Each method is
// its own unit of work; the saga supplies the compensations.
type AccountMergeStore interface {
	CreateAccount(ctx context.Context, acct Account) error
	DeleteAccount(ctx context.Context, userID string) error
	// MoveReferences repoints subscriptions and history rows from one account to
	// another. The customer id moves only when the target has none.
	MoveReferences(ctx context.Context, fromUserID, toUserID string) (References, error)
	// RestoreReferences moves exactly refs to toUserID.
	RestoreReferences(ctx context.Context, refs References, fromUserID, toUserID string) error
	SwapEmails(ctx context.Context, userA, userB string) error
}

// MergeError reports a failed merge. When RolledBack is false the accounts are
// in an intermediate state that Completed and Compensated describe.
type MergeError struct {
	FromUserID  string
	IntoUserID  string
	Placeholder string
	FailedStep  string
	Completed   []string
	Compensated []string
	RolledBack  bool
	Err         error
}

func (e *MergeError) Error() string {
	state := "rolled back"
	if !e.RolledBack {
		state = "partially rolled back"
	}
	return fmt.Sprintf("merge %s into %s failed at %s (%s): %v", e.FromUserID, e.IntoUserID, e.FailedStep, state, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// MergeResult describes a completed merge.
type MergeResult struct {
	FromUserID  string
	IntoUserID  string
	Placeholder string
	Moved       References
}

type mergeState struct {
	from, into  Account
	placeholder Account
	refs        References
}

// AccountMerger folds an account into another one that shares its email.
type AccountMerger struct {
	accounts AccountStore
	subs     SubscriptionStore
	store    AccountMergeStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewAccountMerger(accounts AccountStore, subs SubscriptionStore, store AccountMergeStore, log *slog.Logger) *AccountMerger {
	if accounts == nil || subs == nil || store == nil {
		panic("billing: account merger stores are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &AccountMerger{accounts: accounts, subs: subs, store: store, logger: log, now: time.Now}
}

// Merge moves everything billing owns from fromUserID to intoUserID and
// deletes the old account. The steps are:
//
//  1. create a placeholder account that will keep the old email as a tombstone
//  2. repoint subscriptions and history rows
//  3. swap emails between the old account and the placeholder
//  4. delete the old account
//
// A failing step undoes the completed ones in reverse order.
func (m *AccountMerger) Merge(ctx context.Context, fromUserID, intoUserID string) (MergeResult, error) {
	if fromUserID == "" || intoUserID == "" || fromUserID == intoUserID {
		return MergeResult{}, fmt.Errorf("%w: need two distinct accounts", ErrMergeNotAllowed)
	}

	from, err := m.accounts.FindByUserID(ctx, fromUserID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load account %s: %w", fromUserID, err)
	}
	into, err := m.accounts.FindByUserID(ctx, intoUserID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load account %s: %w", intoUserID, err)
	}
	if NormalizeEmail(from.Email) != NormalizeEmail(into.Email) {
		return MergeResult{}, fmt.Errorf("%w: emails differ", ErrMergeNotAllowed)
	}
	if from.ProviderCustomerID != "" && into.ProviderCustomerID != "" && from.ProviderCustomerID != into.ProviderCustomerID {
		return MergeResult{}, fmt.Errorf("%w: both accounts are linked to different customers", ErrMergeNotAllowed)
	}

	state := &mergeState{
		from: *from,
		into: *into,
		placeholder: Account{
			UserID:     "merged_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Email:      fmt.Sprintf("merged+%s@placeholder.invalid", from.UserID),
			MergedInto: into.UserID,
			CreatedAt:  m.now().UTC(),
			UpdatedAt:  m.now().UTC(),
		},
	}

	s := saga.New("account_merge", m.logger,
		saga.Step[mergeState]{
			Name: "create_placeholder",
			Do: func(ctx context.Context, st *mergeState) error {
				return m.store.CreateAccount(ctx, st.placeholder)
			},
			Compensate: func(ctx context.Context, st *mergeState) error {
				return m.store.DeleteAccount(ctx, st.placeholder.UserID)
			},
		},
		saga.Step[mergeState]{
			Name: "repoint_references",
			Do: func(ctx context.Context, st *mergeState) error {
				refs, err := m.store.MoveReferences(ctx, st.from.UserID, st.into.UserID)
				st.refs = refs
				return err
			},
			Compensate: func(ctx context.Context, st *mergeState) error {
				return m.store.RestoreReferences(ctx, st.refs, st.into.UserID, st.from.UserID)
			},
		},
		saga.Step[mergeState]{
			Name: "rename",
			Do: func(ctx context.Context, st *mergeState) error {
				return m.store.SwapEmails(ctx, st.from.UserID, st.placeholder.UserID)
			},
			Compensate: func(ctx context.Context, st *mergeState) error {
				return m.store.SwapEmails(ctx, st.from.UserID, st.placeholder.UserID)
			},
		},
		saga.Step[mergeState]{
			Name: "delete_old",
			Do: func(ctx context.Context, st *mergeState) error {
				return m.store.DeleteAccount(ctx, st.from.UserID)
			},
		},
	)

	if err := s.Run(ctx, state); err != nil {
		return MergeResult{}, m.mergeError(state, err)
	}

	if err := m.reproject(ctx, state); err != nil {
		// The merge itself is done; the next subscription event rewrites the projection.
		m.logger.WarnContext(ctx, "failed to refresh merged account projection", logger.UserID(into.UserID), logger.Error(err))
	}

	m.logger.InfoContext(ctx, "accounts merged",
		slog.String("from_user_id", from.UserID),
		slog.String("into_user_id", into.UserID),
		slog.Int("subscriptions", len(state.refs.SubscriptionIDs)),
		slog.Int("payments", len(state.refs.PaymentIDs)),
		slog.Int("invoices", len(state.refs.InvoiceIDs)),
	)

	return MergeResult{
		FromUserID:  from.UserID,
		IntoUserID:  into.UserID,
		Placeholder: state.placeholder.UserID,
		Moved:       state.refs,
	}, nil
}

// reproject copies the newest moved subscription onto the target account when
// the target has no subscription of its own.
func (m *AccountMerger) reproject(ctx context.Context, st *mergeState) error {
	if st.into.SubscriptionID != "" || len(st.refs.SubscriptionIDs) == 0 {
		return nil
	}

	var subs []Subscription
	for _, id := range st.refs.SubscriptionIDs {
		sub, err := m.subs.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		subs = append(subs, *sub)
	}
	latest := slices.MaxFunc(subs, func(a, b Subscription) int {
		return a.LastEventAt.Compare(b.LastEventAt)
	})
	return m.accounts.UpdateAccountSubscription(ctx, st.into.UserID, latest.AccountFields())
}

func (m *AccountMerger) mergeError(st *mergeState, err error) error {
	me := &MergeError{
		FromUserID:  st.from.UserID,
		IntoUserID:  st.into.UserID,
		Placeholder: st.placeholder.UserID,
		Err:         err,
	}
	var se *saga.Error
	if errors.As(err, &se) {
		me.FailedStep = se.FailedStep
		me.Completed = se.Completed
		me.Compensated = se.Compensated
		me.RolledBack = se.RolledBack()
		me.Err = se
	}
	return me
}
