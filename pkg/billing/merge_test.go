package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/memstore"
)

func seedMerge(t *testing.T, store *memstore.Store) {
	t.Helper()
	ctx := context.Background()

	store.PutAccount(billing.Account{UserID: "u_old", Email: "a@x.com", ProviderCustomerID: "cus_1", CreatedAt: t0})
	store.PutAccount(billing.Account{UserID: "u_new", Email: "A@X.com", CreatedAt: t0.Add(1)})
	require.NoError(t, store.SaveSubscription(ctx, billing.Subscription{
		ID: "sub_1", UserID: "u_old", Status: billing.StateActive, PlanType: billing.PlanYearly, LastEventAt: t0,
	}))
	require.NoError(t, store.AppendPaymentHistory(ctx, "u_old", billing.PaymentRecord{ID: uuid.New(), EventID: "evt_pay", Kind: billing.PaymentSucceeded}))
	require.NoError(t, store.AppendInvoiceHistory(ctx, "u_old", billing.InvoiceRecord{ID: uuid.New(), EventID: "evt_inv", Status: "paid"}))
}

func TestAccountMerger_Merge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	seedMerge(t, store)

	m := billing.NewAccountMerger(store, store, store, quietLogger())
	res, err := m.Merge(ctx, "u_old", "u_new")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_1"}, res.Moved.SubscriptionIDs)
	assert.Len(t, res.Moved.PaymentIDs, 1)
	assert.Len(t, res.Moved.InvoiceIDs, 1)
	assert.Equal(t, "cus_1", res.Moved.CustomerID)

	_, err = store.FindByUserID(ctx, "u_old")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)

	placeholder, err := store.FindByUserID(ctx, res.Placeholder)
	require.NoError(t, err)
	assert.Equal(t, "u_new", placeholder.MergedInto)
	assert.Equal(t, "a@x.com", placeholder.Email)

	into, err := store.FindByUserID(ctx, "u_new")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", into.ProviderCustomerID)
	assert.Equal(t, "sub_1", into.SubscriptionID)
	assert.Equal(t, billing.StateActive, into.SubscriptionStatus)
	assert.Equal(t, billing.EntitlementPaid, into.Entitlement)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u_new", sub.UserID)
	assert.Len(t, store.Payments("u_new"), 1)
	assert.Len(t, store.Invoices("u_new"), 1)

	byEmail, err := store.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u_new", byEmail.UserID)
}

func TestAccountMerger_Preconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	store.PutAccount(billing.Account{UserID: "u1", Email: "a@x.com", ProviderCustomerID: "cus_1"})
	store.PutAccount(billing.Account{UserID: "u2", Email: "b@x.com"})
	store.PutAccount(billing.Account{UserID: "u3", Email: "a@x.com", ProviderCustomerID: "cus_3"})
	m := billing.NewAccountMerger(store, store, store, quietLogger())

	_, err := m.Merge(ctx, "u1", "u1")
	assert.ErrorIs(t, err, billing.ErrMergeNotAllowed)

	_, err = m.Merge(ctx, "u1", "u2")
	assert.ErrorIs(t, err, billing.ErrMergeNotAllowed)

	_, err = m.Merge(ctx, "u1", "u3")
	assert.ErrorIs(t, err, billing.ErrMergeNotAllowed)

	_, err = m.Merge(ctx, "u1", "nobody")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
}

type failingSwap struct {
	*memstore.Store
}

func (failingSwap) SwapEmails(context.Context, string, string) error {
	return errors.New("deadlock detected")
}

func TestAccountMerger_CompensatesOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	seedMerge(t, store)

	m := billing.NewAccountMerger(store, store, failingSwap{store}, quietLogger())
	_, err := m.Merge(ctx, "u_old", "u_new")
	require.Error(t, err)

	var me *billing.MergeError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "rename", me.FailedStep)
	assert.True(t, me.RolledBack)
	assert.Equal(t, []string{"create_placeholder", "repoint_references"}, me.Completed)
	assert.Equal(t, []string{"repoint_references", "create_placeholder"}, me.Compensated)

	_, err = store.FindByUserID(ctx, me.Placeholder)
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)

	old, err := store.FindByUserID(ctx, "u_old")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", old.ProviderCustomerID)
	into, err := store.FindByUserID(ctx, "u_new")
	require.NoError(t, err)
	assert.Empty(t, into.ProviderCustomerID)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u_old", sub.UserID)
	assert.Len(t, store.Payments("u_old"), 1)
	assert.Len(t, store.Invoices("u_old"), 1)
	assert.Empty(t, store.Payments("u_new"))
}

func TestAccountMerger_UnblocksAmbiguousOrphan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutAccount(billing.Account{UserID: "u1", Email: "shared@x.com", CreatedAt: t0})
	f.store.PutAccount(billing.Account{UserID: "u2", Email: "Shared@x.com", CreatedAt: t0.Add(1)})

	env := envelope(t, "evt_1", billing.EventSubscriptionActive, obj{"id": "sub_1", "email": "shared@x.com", "product_id": "pdt_monthly"}, t0)
	res, err := f.proc.ProcessEvent(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusUserNotFound, res.Status)

	_, err = billing.NewAccountMerger(f.store, f.store, f.store, quietLogger()).Merge(ctx, "u2", "u1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	stats, err := newRedriver(f).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, billing.StateActive, f.account(t, "u1").SubscriptionStatus)
}
