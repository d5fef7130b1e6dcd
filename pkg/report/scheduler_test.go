package report

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = 10 * time.Millisecond

func counting(n *atomic.Int32) Emitter {
	return func(context.Context) { n.Add(1) }
}

func TestScheduler(t *testing.T) {
	t.Run("EmitsAtInterval", func(t *testing.T) {
		s := NewScheduler(Config{Unit: unit})
		defer s.Close()

		var n atomic.Int32
		s.Register(KindTemperature, counting(&n))

		require.NoError(t, s.Set(KindTemperature, 2))
		assert.True(t, s.Enabled(KindTemperature))
		assert.Equal(t, 2, s.Interval(KindTemperature))

		// Five intervals of 2 units.
		time.Sleep(10 * unit)
		assert.GreaterOrEqual(t, n.Load(), int32(2))
	})

	t.Run("DisableStopsEmission", func(t *testing.T) {
		s := NewScheduler(Config{Unit: unit})
		defer s.Close()

		var n atomic.Int32
		s.Register(KindSDStatus, counting(&n))

		require.NoError(t, s.Set(KindSDStatus, 1))
		time.Sleep(5 * unit)
		require.NoError(t, s.Set(KindSDStatus, 0))

		stopped := n.Load()
		time.Sleep(5 * unit)
		assert.Equal(t, stopped, n.Load())
		assert.False(t, s.Enabled(KindSDStatus))
	})

	t.Run("ReplaceInterval", func(t *testing.T) {
		s := NewScheduler(Config{Unit: unit})
		defer s.Close()

		var n atomic.Int32
		s.Register(KindTemperature, counting(&n))

		require.NoError(t, s.Set(KindTemperature, 50))
		require.NoError(t, s.Set(KindTemperature, 1))
		assert.Equal(t, 1, s.Interval(KindTemperature))

		time.Sleep(5 * unit)
		assert.Greater(t, n.Load(), int32(0))
	})

	t.Run("ClampsInterval", func(t *testing.T) {
		s := NewScheduler(Config{Unit: unit, MaxInterval: 5})
		defer s.Close()
		s.Register(KindTemperature, func(context.Context) {})

		require.NoError(t, s.Set(KindTemperature, 500))
		assert.Equal(t, 5, s.Interval(KindTemperature))
	})

	t.Run("UnknownKind", func(t *testing.T) {
		s := NewScheduler(Config{})
		defer s.Close()
		assert.ErrorIs(t, s.Set(KindTemperature, 1), ErrUnknownKind)
	})

	t.Run("Close", func(t *testing.T) {
		s := NewScheduler(Config{Unit: unit})

		var n atomic.Int32
		s.Register(KindTemperature, counting(&n))
		require.NoError(t, s.Set(KindTemperature, 1))

		s.Close()
		stopped := n.Load()
		time.Sleep(3 * unit)

		assert.Equal(t, stopped, n.Load())
		assert.ErrorIs(t, s.Set(KindTemperature, 1), ErrClosed)
		s.Close()
	})

	t.Run("EmitterSeesCancellation", func(t *testing.T) {
		s := NewScheduler(Config{Unit: unit})
		started := make(chan struct{})
		var once atomic.Bool
		s.Register(KindTemperature, func(ctx context.Context) {
			if once.CompareAndSwap(false, true) {
				close(started)
			}
			<-ctx.Done()
		})

		require.NoError(t, s.Set(KindTemperature, 1))
		<-started

		done := make(chan struct{})
		go func() {
			_ = s.Set(KindTemperature, 0)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Set(0) did not return while an emitter was blocked")
		}
		s.Close()
	})
}
