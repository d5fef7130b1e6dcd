package connection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connected(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(Config{})
	require.True(t, m.Apply(Transition{Event: EventOpen}).Accepted)
	require.True(t, m.Apply(Transition{Event: EventHandshakeOK}).Accepted)
	return m
}

func TestMachineLink(t *testing.T) {
	t.Run("InitialState", func(t *testing.T) {
		m := NewMachine(Config{})
		s := m.Snapshot()

		assert.Equal(t, LinkDisconnected, s.Link)
		assert.Equal(t, ActivityDisconnected, s.Activity)
		assert.False(t, m.IsConnected())
		assert.Equal(t, DefaultMaxFailures, m.MaxFailures())
	})

	t.Run("Handshake", func(t *testing.T) {
		m := NewMachine(Config{})

		res := m.Apply(Transition{Event: EventOpen})
		assert.True(t, res.Accepted)
		assert.Equal(t, LinkConnecting, res.New.Link)

		res = m.Apply(Transition{Event: EventHandshakeOK})
		assert.True(t, res.Changed())
		assert.Equal(t, LinkConnected, m.Link())
		assert.Equal(t, ActivityIdle, m.Activity())
	})

	t.Run("HandshakeFailed", func(t *testing.T) {
		m := NewMachine(Config{})
		m.Apply(Transition{Event: EventOpen})
		m.Apply(Transition{Event: EventHandshakeFailed})

		assert.Equal(t, LinkDisconnected, m.Link())
		// A fresh open is allowed after a failed handshake.
		assert.True(t, m.Apply(Transition{Event: EventOpen}).Accepted)
	})

	t.Run("DoubleOpenRejected", func(t *testing.T) {
		m := connected(t)
		res := m.Apply(Transition{Event: EventOpen})
		assert.False(t, res.Accepted)
		assert.ErrorIs(t, res.Err(), ErrInvalidState)
	})

	t.Run("Close", func(t *testing.T) {
		m := connected(t)
		m.Apply(Transition{Event: EventClose})

		assert.Equal(t, LinkClosed, m.Link())
		res := m.Apply(Transition{Event: EventOpen})
		assert.False(t, res.Accepted)
		assert.ErrorIs(t, res.Err(), ErrClosed)
	})

	t.Run("CommandsNeedConnection", func(t *testing.T) {
		m := NewMachine(Config{})
		res := m.Apply(Transition{Event: EventStartPrint})
		assert.False(t, res.Accepted)
		assert.ErrorIs(t, res.Err(), ErrNotConnected)
	})
}

func TestMachineActivity(t *testing.T) {
	t.Run("PrintPauseResume", func(t *testing.T) {
		m := connected(t)

		assert.True(t, m.Apply(Transition{Event: EventStartPrint}).Accepted)
		assert.Equal(t, ActivityPrinting, m.Activity())

		assert.True(t, m.Apply(Transition{Event: EventPause}).Accepted)
		assert.Equal(t, ActivityPaused, m.Activity())

		assert.True(t, m.Apply(Transition{Event: EventResume}).Accepted)
		assert.Equal(t, ActivityPrinting, m.Activity())

		assert.True(t, m.Apply(Transition{Event: EventCancel}).Accepted)
		assert.Equal(t, ActivityIdle, m.Activity())
	})

	t.Run("InvalidTransitions", func(t *testing.T) {
		m := connected(t)

		assert.False(t, m.Apply(Transition{Event: EventPause}).Accepted)
		assert.False(t, m.Apply(Transition{Event: EventResume}).Accepted)

		m.Apply(Transition{Event: EventStartPrint})
		assert.False(t, m.Apply(Transition{Event: EventStartPrint}).Accepted)
		assert.False(t, m.Apply(Transition{Event: EventResume}).Accepted)
	})

	t.Run("Reconcile", func(t *testing.T) {
		m := connected(t)

		res := m.Apply(Transition{Event: EventReconcile, Activity: ActivityPrinting})
		assert.True(t, res.Changed())
		assert.Equal(t, ActivityIdle, res.Old.Activity)
		assert.Equal(t, ActivityPrinting, res.New.Activity)

		res = m.Apply(Transition{Event: EventReconcile, Activity: ActivityPrinting})
		assert.True(t, res.Accepted)
		assert.False(t, res.Changed())

		assert.False(t, m.Apply(Transition{Event: EventReconcile, Activity: ActivityDisconnected}).Accepted)
	})

	t.Run("FailureThreshold", func(t *testing.T) {
		m := NewMachine(Config{MaxFailures: 2})
		m.Apply(Transition{Event: EventOpen})
		m.Apply(Transition{Event: EventHandshakeOK})

		m.Apply(Transition{Event: EventCommFailure})
		m.Apply(Transition{Event: EventCommFailure})
		assert.Equal(t, ActivityIdle, m.Activity())
		assert.Equal(t, 2, m.Snapshot().Failures)

		res := m.Apply(Transition{Event: EventCommFailure})
		assert.True(t, res.Changed())
		assert.Equal(t, ActivityError, m.Activity())

		// Cancel does not clear an error; the printer must answer first.
		assert.False(t, m.Apply(Transition{Event: EventCancel}).Accepted)

		m.Apply(Transition{Event: EventCommSuccess})
		assert.Equal(t, 0, m.Snapshot().Failures)
		m.Apply(Transition{Event: EventReconcile, Activity: ActivityIdle})
		assert.Equal(t, ActivityIdle, m.Activity())
	})
}

func TestMachineCallbacks(t *testing.T) {
	m := NewMachine(Config{})

	var mu sync.Mutex
	var changes [][2]Snapshot
	m.OnStateChange(func(old, new Snapshot) {
		// Reading state from the callback must not deadlock.
		_ = m.Snapshot()
		mu.Lock()
		changes = append(changes, [2]Snapshot{old, new})
		mu.Unlock()
	})

	m.Apply(Transition{Event: EventOpen})
	m.Apply(Transition{Event: EventHandshakeOK})
	m.Apply(Transition{Event: EventCommSuccess})
	m.Apply(Transition{Event: EventStartPrint})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 3)
	assert.Equal(t, LinkConnecting, changes[0][1].Link)
	assert.Equal(t, ActivityIdle, changes[1][1].Activity)
	assert.Equal(t, ActivityPrinting, changes[2][1].Activity)
}

func TestStrings(t *testing.T) {
	if LinkConnected.String() != "CONNECTED" {
		t.Errorf("LinkConnected.String() = %q", LinkConnected.String())
	}
	if ActivityPaused.String() != "PAUSED" {
		t.Errorf("ActivityPaused.String() = %q", ActivityPaused.String())
	}
	if EventReconcile.String() != "RECONCILE" {
		t.Errorf("EventReconcile.String() = %q", EventReconcile.String())
	}
	if !ActivityPaused.Active() || ActivityIdle.Active() {
		t.Error("Active() wrong")
	}
}
