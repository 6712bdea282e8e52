package billing_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/memstore"
)

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *memstore.Store
	clock *testClock
	proc  *billing.Processor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T, strict bool) *billing.Catalog {
	t.Helper()
	c, err := billing.NewCatalog(map[string]billing.PlanType{
		"pdt_monthly": billing.PlanMonthly,
		"pdt_yearly":  billing.PlanYearly,
	}, 10000, strict)
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, opts ...billing.Option) *fixture {
	t.Helper()
	clock := newClock()
	store := memstore.New(memstore.WithClock(clock.Now))
	base := []billing.Option{billing.WithClock(clock.Now), billing.WithLogger(quietLogger())}
	proc := billing.NewProcessor(store.Stores(), testCatalog(t, false), append(base, opts...)...)
	return &fixture{store: store, clock: clock, proc: proc}
}

func (f *fixture) account(t *testing.T, userID string) billing.Account {
	t.Helper()
	a, err := f.store.FindByUserID(context.Background(), userID)
	require.NoError(t, err)
	return *a
}

func (f *fixture) ledger(t *testing.T, eventID string) billing.WebhookEvent {
	t.Helper()
	e, err := f.store.Get(context.Background(), eventID)
	require.NoError(t, err)
	return *e
}

func envelope(t *testing.T, id string, typ billing.EventType, data any, at time.Time) billing.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := billing.Envelope{EventType: typ, EventID: id, Data: raw}
	if !at.IsZero() {
		env.ProcessedAt = at.Format(time.RFC3339)
	}
	return env
}

type obj = map[string]any

type mockReporter struct{ mock.Mock }

func (m *mockReporter) ReportConflict(ctx context.Context, c billing.Conflict) error {
	return m.Called(ctx, c).Error(0)
}

type mockDunning struct{ mock.Mock }

func (m *mockDunning) HandleFailedPayment(ctx context.Context, a billing.Account, p billing.FailedPayment) error {
	return m.Called(ctx, a, p).Error(0)
}
