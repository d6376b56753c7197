package jobmanager

import (
	"context"
	"testing"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestWithdraw(t *testing.T) {
	s := types.NewServerSession("", "u")

	t.Run("pending future is closed without finishing", func(t *testing.T) {
		finished := 0
		f := newFuture[int](1, NewInput(s), runctx.New(), func(Handle) { finished++ })

		assert.True(t, f.withdraw())
		assert.Equal(t, types.StateCancelled, f.State())
		assert.Zero(t, finished, "a withdrawn future is not counted")

		select {
		case <-f.Done():
		default:
			t.Fatal("Done must be closed after withdraw")
		}

		assert.False(t, f.cancel(true), "a withdrawn future cannot be cancelled")
		assert.False(t, f.withdraw())
		assert.Zero(t, finished)
	})

	t.Run("cancel wins over withdraw", func(t *testing.T) {
		finished := 0
		f := newFuture[int](2, NewInput(s), runctx.New(), func(Handle) { finished++ })

		assert.True(t, f.cancel(false))
		assert.False(t, f.withdraw())
		assert.Equal(t, 1, finished, "the cancel is counted exactly once")

		_, err := f.Await(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	})

	t.Run("running future cannot be withdrawn", func(t *testing.T) {
		f := newFuture[int](3, NewInput(s), runctx.New(), nil)
		assert.True(t, f.start(func() {}, "w"))
		assert.False(t, f.withdraw())
		assert.Equal(t, types.StateRunning, f.State())
	})
}
