package billing_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		c, err := billing.ParseCatalog([]byte(`
products:
  pdt_monthly: monthly
  pdt_yearly: yearly
yearly_amount_threshold: 5000
`))
		require.NoError(t, err)
		assert.Equal(t, int64(5000), c.YearlyThreshold)
		assert.False(t, c.Strict)

		d, err := c.PlanFor("pdt_yearly", 0)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanDecision{Plan: billing.PlanYearly}, d)
	})

	t.Run("default threshold", func(t *testing.T) {
		t.Parallel()
		c, err := billing.ParseCatalog([]byte("products: {}\n"))
		require.NoError(t, err)
		assert.Equal(t, billing.DefaultYearlyThreshold, c.YearlyThreshold)
	})

	t.Run("invalid plan", func(t *testing.T) {
		t.Parallel()
		_, err := billing.ParseCatalog([]byte("products:\n  pdt_x: weekly\n"))
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()
		_, err := billing.ParseCatalog([]byte("products: [\n"))
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("negative threshold", func(t *testing.T) {
		t.Parallel()
		_, err := billing.NewCatalog(nil, -1, false)
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("products:\n  pdt_m: monthly\nstrict_products: true\n"), 0o600))

	c, err := billing.LoadCatalog(path)
	require.NoError(t, err)
	assert.True(t, c.Strict)

	_, err = billing.LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
}

func TestCatalog_PlanFor(t *testing.T) {
	t.Parallel()

	c, err := billing.NewCatalog(map[string]billing.PlanType{"pdt_m": billing.PlanMonthly}, 10000, false)
	require.NoError(t, err)

	tests := []struct {
		name    string
		product string
		amount  int64
		want    billing.PlanDecision
	}{
		{"known", "pdt_m", 99999, billing.PlanDecision{Plan: billing.PlanMonthly}},
		{"unknown below threshold", "pdt_x", 9999, billing.PlanDecision{Plan: billing.PlanMonthly, Guessed: true}},
		{"unknown at threshold", "pdt_x", 10000, billing.PlanDecision{Plan: billing.PlanYearly, Guessed: true}},
		{"missing product", "", 0, billing.PlanDecision{Plan: billing.PlanMonthly, Guessed: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.PlanFor(tt.product, tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	strict, err := billing.NewCatalog(map[string]billing.PlanType{"pdt_m": billing.PlanMonthly}, 0, true)
	require.NoError(t, err)
	_, err = strict.PlanFor("pdt_x", 50000)
	assert.ErrorIs(t, err, billing.ErrUnknownProduct)
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", billing.NormalizeEmail("   "))
	assert.Equal(t, "user@example.com", billing.NormalizeEmail("  User@Example.COM\t"))
	assert.Equal(t, billing.NormalizeEmail("ANNA@x.com"), billing.NormalizeEmail("anna@X.COM"))
}

func TestParseSubscriptionStatus(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]billing.SubscriptionStatus{
		"active":     billing.StateActive,
		"trialing":   billing.StateActive,
		"past_due":   billing.StateActive,
		"Canceled":   billing.StateCancelled,
		"cancelled":  billing.StateCancelled,
		"paused":     billing.StatePaused,
		"expired":    billing.StateExpired,
		"incomplete": billing.StatePending,
	} {
		got, ok := billing.ParseSubscriptionStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := billing.ParseSubscriptionStatus("deleted")
	assert.False(t, ok)
}

func TestEnvelope(t *testing.T) {
	t.Parallel()

	assert.Equal(t, billing.FamilySubscription, billing.EventSubscriptionActive.Family())
	assert.Equal(t, billing.FamilyInvoice, billing.EventInvoicePaymentFailed.Family())
	assert.Equal(t, billing.FamilyUnknown, billing.EventType("adjustment.created").Family())
	assert.Equal(t, billing.FamilyUnknown, billing.EventType("subscription").Family())

	env := billing.Envelope{EventID: "e", EventType: "x.y", ProcessedAt: "2026-03-01T12:00:00+02:00", Metadata: map[string]any{"user_id": " u1 ", "n": 3}}
	require.NoError(t, env.Validate())
	assert.Equal(t, t0.Add(-2*time.Hour), env.OccurredAt())
	assert.Equal(t, "u1", env.MetadataString("user_id"))
	assert.Empty(t, env.MetadataString("n"))
	assert.True(t, billing.Envelope{}.OccurredAt().IsZero())
}
