// Package temperature tracks per-zone temperature targets, preferring the
// set-points written by the host over the targets the printer reports.
//
// The Dremel API reports a target only while a job heats the zone, so a
// target set with M104/M140 would otherwise read back as 0. A locally set
// target stays authoritative until the printer reports the same value, or
// until ClearLocal is called at the end of a job.
package temperature

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dremelbridge/dremel-go/pkg/device"
)

// ErrHeatTimeout is returned by WaitFor when the deadline passes first.
var ErrHeatTimeout = errors.New("heating timed out")

const (
	// AgreeTolerance is how close a device target must be to the local
	// target for the local value to be dropped.
	AgreeTolerance = 0.5

	// DefaultWindow is the default tolerance for WaitFor.
	DefaultWindow = 2.0
)

// Reading is the effective temperature of one zone.
type Reading struct {
	Current float64
	Target  float64

	// Local is set when Target comes from a host set-point.
	Local bool
}

type zoneState struct {
	current      float64
	deviceTarget float64
	local        float64
	hasLocal     bool
}

// Tracker holds the temperature state of every zone. Safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	zones map[device.Zone]*zoneState
}

// NewTracker creates a tracker with all zones at zero.
func NewTracker() *Tracker {
	t := &Tracker{zones: make(map[device.Zone]*zoneState, len(device.Zones))}
	for _, z := range device.Zones {
		t.zones[z] = &zoneState{}
	}
	return t
}

func (t *Tracker) zone(z device.Zone) *zoneState {
	zs, ok := t.zones[z]
	if !ok {
		zs = &zoneState{}
		t.zones[z] = zs
	}
	return zs
}

// SetLocal records a host set-point for zone.
func (t *Tracker) SetLocal(z device.Zone, target float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	zs := t.zone(z)
	zs.local = target
	zs.hasLocal = true
}

// Observe records a printer reading. A local target that the printer now
// agrees with is dropped.
func (t *Tracker) Observe(z device.Zone, current, deviceTarget float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	zs := t.zone(z)
	zs.current = current
	zs.deviceTarget = deviceTarget
	if zs.hasLocal && math.Abs(zs.local-deviceTarget) <= AgreeTolerance {
		zs.hasLocal = false
		zs.local = 0
	}
}

// ObserveStatus records every zone of a status snapshot.
func (t *Tracker) ObserveStatus(st device.Status) {
	for z, temp := range st.Temperatures {
		t.Observe(z, temp.Current, temp.Target)
	}
}

// ClearLocal drops all host set-points.
func (t *Tracker) ClearLocal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, zs := range t.zones {
		zs.hasLocal = false
		zs.local = 0
	}
}

// Reading returns the effective reading for zone.
func (t *Tracker) Reading(z device.Zone) Reading {
	t.mu.RLock()
	defer t.mu.RUnlock()

	zs, ok := t.zones[z]
	if !ok {
		return Reading{}
	}
	if zs.hasLocal {
		return Reading{Current: zs.current, Target: zs.local, Local: true}
	}
	return Reading{Current: zs.current, Target: zs.deviceTarget}
}

// Mode selects how WaitFor decides a zone has arrived.
type Mode uint8

const (
	// ModeHeat waits only while the zone is below the target (M109 S).
	ModeHeat Mode = iota

	// ModeSettle waits until the zone is within the window in either
	// direction (M109 R).
	ModeSettle
)

// Wait describes a WaitFor condition.
type Wait struct {
	Zone   device.Zone
	Target float64
	Mode   Mode

	// Window is the accepted distance from Target. Zero uses DefaultWindow.
	Window float64

	// Interval between checks.
	Interval time.Duration
}

// Reached reports whether r satisfies the condition.
func (w Wait) Reached(r Reading) bool {
	window := w.Window
	if window <= 0 {
		window = DefaultWindow
	}
	if w.Mode == ModeHeat {
		return r.Current >= w.Target-window
	}
	return math.Abs(r.Current-w.Target) <= window
}

// WaitFor blocks until the zone satisfies w, ctx is done, or refresh fails.
// refresh is called before every check to pull a new reading into the
// tracker; tick, if non-nil, receives each reading that did not satisfy w.
// A context deadline is reported as ErrHeatTimeout.
func (t *Tracker) WaitFor(ctx context.Context, w Wait, refresh func(context.Context) error, tick func(Reading)) error {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}

	// Heating to zero, or heat mode with nothing to heat, returns at once.
	if w.Target <= 0 && w.Mode == ModeHeat {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if refresh != nil {
			if err := refresh(ctx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
					return ErrHeatTimeout
				}
				return err
			}
		}

		r := t.Reading(w.Zone)
		if w.Reached(r) {
			return nil
		}
		if tick != nil {
			tick(r)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrHeatTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
