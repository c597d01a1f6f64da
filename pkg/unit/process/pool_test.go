package process

import (
	"context"
	"testing"
	"time"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHelperPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(helperSpawner(), pool.WithSize(1), pool.WithName("helper"), pool.WithLogger(core.NewNopLogger()))
	require.True(t, p.IsAvailable())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

// A faulted task's late reply must not settle the task placed after it on
// the same unit.
func TestPool_FaultedTaskReplyStaysWithIt(t *testing.T) {
	for _, first := range []string{"fault", "noise"} {
		t.Run(first, func(t *testing.T) {
			p := newHelperPool(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			a := p.Submit(first)
			b := p.Submit("second")

			_, err := a.Wait(ctx)
			assert.ErrorIs(t, err, pool.ErrTaskFailed)

			res, err := b.Wait(ctx)
			require.NoError(t, err)
			assert.Equal(t, "second", res)

			c := p.Submit("third")
			res, err = c.Wait(ctx)
			require.NoError(t, err)
			assert.Equal(t, "third", res)
		})
	}
}
