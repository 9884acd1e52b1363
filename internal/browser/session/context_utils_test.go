// internal/browser/session/context_utils_test.go
package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "target"

	t.Run("InheritsTabValues", func(t *testing.T) {
		tab := context.WithValue(context.Background(), key, "tab-1")
		ctx, cancel := combineContext(tab, context.Background())
		defer cancel()

		assert.Equal(t, "tab-1", ctx.Value(key))
		assert.NoError(t, ctx.Err())
	})

	t.Run("CancelledByTab", func(t *testing.T) {
		tab, cancelTab := context.WithCancel(context.Background())
		ctx, cancel := combineContext(tab, context.Background())
		defer cancel()

		cancelTab()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("PropagatesOperationDeadline", func(t *testing.T) {
		op, cancelOp := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancelOp()
		ctx, cancel := combineContext(context.Background(), op)
		defer cancel()

		assert.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, context.Cause(ctx), context.DeadlineExceeded)
	})

	t.Run("CancelReleasesOperationHook", func(t *testing.T) {
		op, cancelOp := context.WithCancel(context.Background())
		defer cancelOp()
		ctx, cancel := combineContext(context.Background(), op)
		cancel()

		assert.ErrorIs(t, ctx.Err(), context.Canceled)
		assert.NoError(t, op.Err(), "cancelling the combined context leaves the operation alone")
	})
}
