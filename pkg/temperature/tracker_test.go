package temperature

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dremelbridge/dremel-go/pkg/device"
)

func TestTracker(t *testing.T) {
	t.Run("LocalTargetWins", func(t *testing.T) {
		tr := NewTracker()
		tr.SetLocal(device.ZoneExtruder, 200)
		tr.Observe(device.ZoneExtruder, 25, 0)

		r := tr.Reading(device.ZoneExtruder)
		assert.Equal(t, 25.0, r.Current)
		assert.Equal(t, 200.0, r.Target)
		assert.True(t, r.Local)
	})

	t.Run("DeviceAgreementClearsLocal", func(t *testing.T) {
		tr := NewTracker()
		tr.SetLocal(device.ZonePlatform, 60)
		tr.Observe(device.ZonePlatform, 40, 60.2)

		r := tr.Reading(device.ZonePlatform)
		assert.False(t, r.Local)
		assert.Equal(t, 60.2, r.Target)

		// Later device targets are reported as-is.
		tr.Observe(device.ZonePlatform, 40, 0)
		assert.Equal(t, 0.0, tr.Reading(device.ZonePlatform).Target)
	})

	t.Run("ClearLocal", func(t *testing.T) {
		tr := NewTracker()
		tr.SetLocal(device.ZoneExtruder, 210)
		tr.SetLocal(device.ZonePlatform, 55)
		tr.ClearLocal()

		assert.False(t, tr.Reading(device.ZoneExtruder).Local)
		assert.False(t, tr.Reading(device.ZonePlatform).Local)
		assert.Equal(t, 0.0, tr.Reading(device.ZoneExtruder).Target)
	})

	t.Run("ObserveStatus", func(t *testing.T) {
		tr := NewTracker()
		tr.ObserveStatus(device.Status{Temperatures: map[device.Zone]device.Temperature{
			device.ZoneExtruder: {Current: 180, Target: 200},
			device.ZoneChamber:  {Current: 30},
		}})

		assert.Equal(t, Reading{Current: 180, Target: 200}, tr.Reading(device.ZoneExtruder))
		assert.Equal(t, 30.0, tr.Reading(device.ZoneChamber).Current)
	})
}

func TestWait(t *testing.T) {
	t.Run("HeatMode", func(t *testing.T) {
		w := Wait{Target: 200, Mode: ModeHeat}
		assert.False(t, w.Reached(Reading{Current: 150}))
		assert.True(t, w.Reached(Reading{Current: 198.5}))
		assert.True(t, w.Reached(Reading{Current: 230}))
	})

	t.Run("SettleMode", func(t *testing.T) {
		w := Wait{Target: 50, Mode: ModeSettle, Window: 1}
		assert.False(t, w.Reached(Reading{Current: 80}))
		assert.True(t, w.Reached(Reading{Current: 50.5}))
		assert.False(t, w.Reached(Reading{Current: 48}))
	})
}

func TestWaitFor(t *testing.T) {
	t.Run("ReachesTarget", func(t *testing.T) {
		tr := NewTracker()
		var current atomic.Int64
		current.Store(100)

		refresh := func(context.Context) error {
			tr.Observe(device.ZoneExtruder, float64(current.Add(50)), 200)
			return nil
		}

		var ticks int
		err := tr.WaitFor(context.Background(),
			Wait{Zone: device.ZoneExtruder, Target: 200, Interval: time.Millisecond},
			refresh, func(Reading) { ticks++ })

		require.NoError(t, err)
		assert.Equal(t, 1, ticks)
	})

	t.Run("Timeout", func(t *testing.T) {
		tr := NewTracker()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := tr.WaitFor(ctx,
			Wait{Zone: device.ZonePlatform, Target: 90, Interval: 5 * time.Millisecond},
			nil, nil)
		assert.ErrorIs(t, err, ErrHeatTimeout)
	})

	t.Run("RefreshError", func(t *testing.T) {
		tr := NewTracker()
		boom := errors.New("unreachable")

		err := tr.WaitFor(context.Background(),
			Wait{Zone: device.ZoneExtruder, Target: 200, Interval: time.Millisecond},
			func(context.Context) error { return boom }, nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("ZeroTargetReturnsImmediately", func(t *testing.T) {
		tr := NewTracker()
		err := tr.WaitFor(context.Background(), Wait{Zone: device.ZoneExtruder}, func(context.Context) error {
			t.Error("refresh should not be called")
			return nil
		}, nil)
		assert.NoError(t, err)
	})
}
