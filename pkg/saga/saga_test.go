package saga_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/saga"
)

type journal struct {
	log []string
}

func step(name string, failDo, failComp error) saga.Step[journal] {
	return saga.Step[journal]{
		Name: name,
		Do: func(_ context.Context, j *journal) error {
			if failDo != nil {
				return failDo
			}
			j.log = append(j.log, "do:"+name)
			return nil
		},
		Compensate: func(_ context.Context, j *journal) error {
			if failComp != nil {
				return failComp
			}
			j.log = append(j.log, "undo:"+name)
			return nil
		},
	}
}

func TestSaga_Run(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("all steps succeed", func(t *testing.T) {
		t.Parallel()
		var j journal
		s := saga.New("test", nil, step("a", nil, nil), step("b", nil, nil))

		require.NoError(t, s.Run(ctx, &j))
		assert.Equal(t, []string{"do:a", "do:b"}, j.log)
	})

	t.Run("failure compensates in reverse", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		var j journal
		s := saga.New("test", nil, step("a", nil, nil), step("b", nil, nil), step("c", boom, nil))

		err := s.Run(ctx, &j)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, saga.ErrStepFailed)

		var sagaErr *saga.Error
		require.ErrorAs(t, err, &sagaErr)
		assert.Equal(t, "c", sagaErr.FailedStep)
		assert.Equal(t, []string{"a", "b"}, sagaErr.Completed)
		assert.Equal(t, []string{"b", "a"}, sagaErr.Compensated)
		assert.True(t, sagaErr.RolledBack())
		assert.Equal(t, []string{"do:a", "do:b", "undo:b", "undo:a"}, j.log)
	})

	t.Run("compensation failure is reported and rollback continues", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		stuck := errors.New("stuck")
		var j journal
		s := saga.New("test", nil, step("a", nil, nil), step("b", nil, stuck), step("c", boom, nil))

		err := s.Run(ctx, &j)

		var sagaErr *saga.Error
		require.ErrorAs(t, err, &sagaErr)
		assert.False(t, sagaErr.RolledBack())
		require.Len(t, sagaErr.CompensationErrors, 1)
		assert.Equal(t, "b", sagaErr.CompensationErrors[0].Step)
		assert.ErrorIs(t, err, stuck)
		assert.Equal(t, []string{"a"}, sagaErr.Compensated)
		assert.Contains(t, err.Error(), `compensation "b" failed`)
	})

	t.Run("nil compensation is skipped", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		var j journal
		noUndo := step("a", nil, nil)
		noUndo.Compensate = nil
		s := saga.New("test", nil, noUndo, step("b", boom, nil))

		err := s.Run(ctx, &j)

		var sagaErr *saga.Error
		require.ErrorAs(t, err, &sagaErr)
		assert.Empty(t, sagaErr.Compensated)
		assert.Equal(t, []string{"do:a"}, j.log)
	})

	t.Run("cancelled context stops before next step", func(t *testing.T) {
		t.Parallel()
		cctx, cancel := context.WithCancel(ctx)
		var j journal
		first := step("a", nil, nil)
		first.Do = func(_ context.Context, j *journal) error {
			j.log = append(j.log, "do:a")
			cancel()
			return nil
		}
		s := saga.New("test", nil, first, step("b", nil, nil))

		err := s.Run(cctx, &j)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []string{"do:a", "undo:a"}, j.log)
	})
}
