package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatdeck/flowengine/model"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex(t *testing.T) {
	ctx := context.Background()

	t.Run("second acquire times out while held", func(t *testing.T) {
		km := NewKeyedMutex()
		release, err := km.Acquire(ctx, "k1", time.Second)
		require.NoError(t, err)

		_, err = km.Acquire(ctx, "k1", 50*time.Millisecond)
		var busy model.ConcurrencyError
		require.ErrorAs(t, err, &busy)

		release()
		release2, err := km.Acquire(ctx, "k1", 50*time.Millisecond)
		require.NoError(t, err)
		release2()
	})

	t.Run("different keys do not contend", func(t *testing.T) {
		km := NewKeyedMutex()
		r1, err := km.Acquire(ctx, "k1", time.Second)
		require.NoError(t, err)
		defer r1()
		r2, err := km.Acquire(ctx, "k2", 50*time.Millisecond)
		require.NoError(t, err)
		r2()
	})

	t.Run("waiter gets the lock on release", func(t *testing.T) {
		km := NewKeyedMutex()
		release, err := km.Acquire(ctx, "k1", time.Second)
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			r, err := km.Acquire(ctx, "k1", 2*time.Second)
			if err == nil {
				close(acquired)
				r()
			}
		}()
		time.Sleep(20 * time.Millisecond)
		release()
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("waiter never acquired the lock")
		}
	})

	t.Run("cancelled context aborts the wait", func(t *testing.T) {
		km := NewKeyedMutex()
		release, err := km.Acquire(ctx, "k1", time.Second)
		require.NoError(t, err)
		defer release()

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = km.Acquire(cctx, "k1", time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("serializes concurrent holders", func(t *testing.T) {
		km := NewKeyedMutex()
		var inside, max int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := km.Acquire(ctx, "shared", 5*time.Second)
				require.NoError(t, err)
				mu.Lock()
				inside++
				if inside > max {
					max = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				release()
			}()
		}
		wg.Wait()
		require.Equal(t, 1, max)
	})
}
