package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	t.Run("grows without jitter", func(t *testing.T) {
		t.Parallel()
		b := backoff.Exponential{Initial: time.Second, Max: time.Hour, Multiplier: 2}

		assert.Equal(t, time.Duration(0), b.Next(0))
		assert.Equal(t, time.Second, b.Next(1))
		assert.Equal(t, 2*time.Second, b.Next(2))
		assert.Equal(t, 8*time.Second, b.Next(4))
	})

	t.Run("caps at max", func(t *testing.T) {
		t.Parallel()
		b := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

		assert.Equal(t, 10*time.Second, b.Next(5))
		assert.Equal(t, 10*time.Second, b.Next(5000))
	})

	t.Run("jitter stays in range", func(t *testing.T) {
		t.Parallel()
		b := backoff.Exponential{Initial: 10 * time.Second, Max: time.Hour, Multiplier: 2, Jitter: 0.2}

		for range 100 {
			d := b.Next(2)
			assert.GreaterOrEqual(t, d, 16*time.Second)
			assert.LessOrEqual(t, d, 24*time.Second)
		}
	})

	t.Run("zero value uses defaults", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, time.Minute, backoff.Exponential{}.Next(1))
		assert.Equal(t, 2*time.Minute, backoff.Exponential{}.Next(2))
	})
}

func TestLinear(t *testing.T) {
	t.Parallel()

	b := backoff.Linear{Step: 5 * time.Second, Max: 12 * time.Second}
	assert.Equal(t, time.Duration(0), b.Next(-1))
	assert.Equal(t, 5*time.Second, b.Next(1))
	assert.Equal(t, 10*time.Second, b.Next(2))
	assert.Equal(t, 12*time.Second, b.Next(3))
}

func TestFixed(t *testing.T) {
	t.Parallel()

	b := backoff.Fixed{Interval: 3 * time.Second}
	assert.Equal(t, time.Duration(0), b.Next(0))
	assert.Equal(t, 3*time.Second, b.Next(1))
	assert.Equal(t, 3*time.Second, b.Next(10))
}

func TestDefault(t *testing.T) {
	t.Parallel()

	d := backoff.Default().Next(1)
	assert.GreaterOrEqual(t, d, 54*time.Second)
	assert.LessOrEqual(t, d, 66*time.Second)
}
