// Package ratelimittest holds behaviour tests shared by every ratelimit.Store.
package ratelimittest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/ratelimit"
)

// base is millisecond-aligned so stores with ms precision round-trip it.
var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// RunStoreTests exercises newStore against the Store contract. Each subtest
// gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) ratelimit.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("LoadCreatesWindow", func(t *testing.T) {
		s := newStore(t)
		w, err := s.Load(ctx, "alice", base)
		require.NoError(t, err)
		assert.Equal(t, 0, w.Count)
		assert.True(t, base.Equal(w.WindowStart))

		w, err = s.Load(ctx, "alice", base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, base.Equal(w.WindowStart), "existing window must not move")
	})

	t.Run("IncrementAndReset", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(ctx, "bob", base)
		require.NoError(t, err)
		w, err := s.Increment(ctx, "bob", base.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, w.Count)
		assert.True(t, base.Equal(w.WindowStart))

		later := base.Add(2 * time.Hour)
		w, err = s.Reset(ctx, "bob", later)
		require.NoError(t, err)
		assert.Equal(t, 0, w.Count)
		assert.True(t, later.Equal(w.WindowStart))
	})

	t.Run("ConsumeRespectsLimit", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 2; i++ {
			w, ok, err := s.Consume(ctx, "carol", base, 2, time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, i, w.Count)
		}
		w, ok, err := s.Consume(ctx, "carol", base.Add(time.Minute), 2, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 2, w.Count)

		next := base.Add(time.Hour)
		w, ok, err = s.Consume(ctx, "carol", next, 2, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, w.Count)
		assert.True(t, next.Equal(w.WindowStart))
	})

	t.Run("ReleaseSameWindowOnly", func(t *testing.T) {
		s := newStore(t)
		w, ok, err := s.Consume(ctx, "dave", base, 5, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Release(ctx, "dave", w.WindowStart))
		got, err := s.Load(ctx, "dave", base)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Count)

		require.NoError(t, s.Release(ctx, "dave", w.WindowStart))
		got, err = s.Load(ctx, "dave", base)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Count, "count must not go negative")

		_, _, err = s.Consume(ctx, "dave", base, 5, time.Hour)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, "dave", base.Add(-time.Hour)))
		got, err = s.Load(ctx, "dave", base)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Count, "release into a stale window must be ignored")
	})

	t.Run("ConcurrentConsumeNeverOvershoots", func(t *testing.T) {
		s := newStore(t)
		const limit = 5
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.Consume(ctx, "erin", base, limit, time.Hour)
				if err != nil {
					t.Errorf("consume: %v", err)
					return
				}
				if ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, limit, granted)
	})
}
