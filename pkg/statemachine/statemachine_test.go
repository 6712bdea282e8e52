package statemachine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/statemachine"
)

type (
	state string
	event string
	doc   struct{ reviewer bool }
)

const (
	draft     state = "draft"
	inReview  state = "in_review"
	approved  state = "approved"
	rejected  state = "rejected"
	submit    event = "submit"
	approve   event = "approve"
	reject    event = "reject"
	unknownEv event = "archive"
)

type machine = statemachine.Machine[state, event, doc]

func isReviewer(_ context.Context, _ state, _ event, d doc) bool { return d.reviewer }

func newMachine(t *testing.T, opts ...statemachine.Option[state, event, doc]) *machine {
	t.Helper()
	base := []statemachine.Option[state, event, doc]{
		statemachine.WithTransition[state, event, doc](draft, inReview, submit),
		statemachine.WithTransition(inReview, approved, approve, statemachine.WithGuard(isReviewer)),
		statemachine.WithTransitionsFrom[state, event, doc]([]state{draft, inReview}, rejected, reject),
	}
	m, err := statemachine.New(append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func TestMachine_Fire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("basic transitions", func(t *testing.T) {
		t.Parallel()
		m := newMachine(t)

		next, err := m.Fire(ctx, draft, submit, doc{})
		require.NoError(t, err)
		assert.Equal(t, inReview, next)

		next, err = m.Fire(ctx, inReview, approve, doc{reviewer: true})
		require.NoError(t, err)
		assert.Equal(t, approved, next)
	})

	t.Run("multiple sources", func(t *testing.T) {
		t.Parallel()
		m := newMachine(t)

		for _, from := range []state{draft, inReview} {
			next, err := m.Fire(ctx, from, reject, doc{})
			require.NoError(t, err)
			assert.Equal(t, rejected, next)
		}
	})

	t.Run("no transition available", func(t *testing.T) {
		t.Parallel()
		m := newMachine(t)

		_, err := m.Fire(ctx, approved, submit, doc{})
		require.Error(t, err)
		assert.True(t, statemachine.IsNoTransitionAvailableError(err))
		assert.Contains(t, err.Error(), "approved")
		assert.False(t, m.CanFire(ctx, draft, unknownEv, doc{}))
	})

	t.Run("guard rejects", func(t *testing.T) {
		t.Parallel()
		m := newMachine(t)

		_, err := m.Fire(ctx, inReview, approve, doc{reviewer: false})
		require.Error(t, err)
		assert.True(t, statemachine.IsTransitionRejectedError(err))
		assert.False(t, m.CanFire(ctx, inReview, approve, doc{}))
		assert.True(t, m.CanFire(ctx, inReview, approve, doc{reviewer: true}))
	})

	t.Run("first passing candidate wins", func(t *testing.T) {
		t.Parallel()
		m := statemachine.MustNew(
			statemachine.WithTransition(inReview, approved, submit, statemachine.WithGuard(isReviewer)),
			statemachine.WithTransition[state, event, doc](inReview, rejected, submit),
		)

		next, err := m.Target(ctx, inReview, submit, doc{reviewer: true})
		require.NoError(t, err)
		assert.Equal(t, approved, next)

		next, err = m.Target(ctx, inReview, submit, doc{})
		require.NoError(t, err)
		assert.Equal(t, rejected, next)
	})

	t.Run("actions run in order and abort on error", func(t *testing.T) {
		t.Parallel()
		var calls []string
		boom := errors.New("boom")

		m := statemachine.MustNew(
			statemachine.WithTransition(draft, inReview, submit, statemachine.WithAction(
				func(context.Context, state, state, event, doc) error { calls = append(calls, "first"); return nil },
				func(context.Context, state, state, event, doc) error { calls = append(calls, "second"); return boom },
				func(context.Context, state, state, event, doc) error { calls = append(calls, "third"); return nil },
			)),
		)

		_, err := m.Fire(ctx, draft, submit, doc{})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"first", "second"}, calls)

		// Target never runs actions.
		calls = nil
		_, err = m.Target(ctx, draft, submit, doc{})
		require.NoError(t, err)
		assert.Empty(t, calls)
	})

	t.Run("concurrent use", func(t *testing.T) {
		t.Parallel()
		m := newMachine(t)

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next, err := m.Fire(ctx, draft, submit, doc{})
				assert.NoError(t, err)
				assert.Equal(t, inReview, next)
			}()
		}
		wg.Wait()
	})
}

func TestMachine_Events(t *testing.T) {
	t.Parallel()
	m := newMachine(t)

	assert.ElementsMatch(t, []event{submit, reject}, m.Events(draft))
	assert.Empty(t, m.Events(approved))
}

func TestNew_InvalidTransition(t *testing.T) {
	t.Parallel()

	_, err := statemachine.New(statemachine.WithTransition[state, event, doc]("", inReview, submit))
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)

	assert.Panics(t, func() {
		statemachine.MustNew(statemachine.WithTransition[state, event, doc](draft, inReview, ""))
	})
}
