package connection

import (
	"errors"
	"sync"
)

// Connection errors.
var (
	ErrClosed        = errors.New("connection closed")
	ErrNotConnected  = errors.New("not connected")
	ErrInvalidState  = errors.New("transition not allowed in current state")
	ErrAlreadyOpened = errors.New("connection already opened")
)

// DefaultMaxFailures is the number of consecutive missed exchanges
// tolerated before the activity becomes ActivityError.
const DefaultMaxFailures = 3

// Link is the connection state.
type Link uint8

const (
	// LinkDisconnected indicates no session with the printer.
	LinkDisconnected Link = iota

	// LinkConnecting indicates the handshake is in progress.
	LinkConnecting

	// LinkConnected indicates the handshake completed.
	LinkConnected

	// LinkClosed indicates the connection was closed for good.
	LinkClosed
)

// String returns the link name.
func (l Link) String() string {
	switch l {
	case LinkDisconnected:
		return "DISCONNECTED"
	case LinkConnecting:
		return "CONNECTING"
	case LinkConnected:
		return "CONNECTED"
	case LinkClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Activity is what the printer is doing while connected.
type Activity uint8

const (
	ActivityDisconnected Activity = iota
	ActivityIdle
	ActivityPrinting
	ActivityPaused
	ActivityError
)

// String returns the activity name.
func (a Activity) String() string {
	switch a {
	case ActivityDisconnected:
		return "DISCONNECTED"
	case ActivityIdle:
		return "IDLE"
	case ActivityPrinting:
		return "PRINTING"
	case ActivityPaused:
		return "PAUSED"
	case ActivityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether a job is printing or paused.
func (a Activity) Active() bool {
	return a == ActivityPrinting || a == ActivityPaused
}

// Event names a transition request.
type Event uint8

const (
	EventOpen Event = iota
	EventHandshakeOK
	EventHandshakeFailed
	EventStartPrint
	EventPause
	EventResume
	EventCancel
	EventReconcile
	EventCommFailure
	EventCommSuccess
	EventClose
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventOpen:
		return "OPEN"
	case EventHandshakeOK:
		return "HANDSHAKE_OK"
	case EventHandshakeFailed:
		return "HANDSHAKE_FAILED"
	case EventStartPrint:
		return "START_PRINT"
	case EventPause:
		return "PAUSE"
	case EventResume:
		return "RESUME"
	case EventCancel:
		return "CANCEL"
	case EventReconcile:
		return "RECONCILE"
	case EventCommFailure:
		return "COMM_FAILURE"
	case EventCommSuccess:
		return "COMM_SUCCESS"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Transition is a request to Apply. Activity is only read for EventReconcile.
type Transition struct {
	Event    Event
	Activity Activity
}

// Snapshot is the machine state at one point in time.
type Snapshot struct {
	Link     Link
	Activity Activity

	// Failures counts consecutive communication failures.
	Failures int
}

// Result describes the outcome of Apply.
type Result struct {
	Old Snapshot
	New Snapshot

	// Accepted is false when the event is not valid in the old state.
	Accepted bool
}

// Changed reports whether the link or activity changed.
func (r Result) Changed() bool {
	return r.Old.Link != r.New.Link || r.Old.Activity != r.New.Activity
}

// Err returns ErrInvalidState, ErrClosed or ErrNotConnected for a rejected
// transition, and nil otherwise.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	switch r.Old.Link {
	case LinkClosed:
		return ErrClosed
	case LinkConnected:
		return ErrInvalidState
	default:
		return ErrNotConnected
	}
}

// Config configures a Machine.
type Config struct {
	// MaxFailures is the failure threshold. Zero uses DefaultMaxFailures.
	MaxFailures int
}

// Machine is the single owner of connection and activity state.
type Machine struct {
	mu sync.RWMutex

	state       Snapshot
	maxFailures int

	onStateChange func(old, new Snapshot)
}

// NewMachine creates a disconnected machine.
func NewMachine(cfg Config) *Machine {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Machine{maxFailures: cfg.MaxFailures}
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Activity returns the current activity.
func (m *Machine) Activity() Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Activity
}

// Link returns the current link state.
func (m *Machine) Link() Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Link
}

// IsConnected reports whether the handshake completed and the machine is
// not closed.
func (m *Machine) IsConnected() bool {
	return m.Link() == LinkConnected
}

// MaxFailures returns the configured failure threshold.
func (m *Machine) MaxFailures() int {
	return m.maxFailures
}

// OnStateChange sets a callback invoked after every link or activity change.
// The callback runs outside the machine lock.
func (m *Machine) OnStateChange(fn func(old, new Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Apply performs a transition.
func (m *Machine) Apply(tr Transition) Result {
	m.mu.Lock()
	old := m.state
	next, ok := m.next(old, tr)
	if ok {
		m.state = next
	}
	cb := m.onStateChange
	m.mu.Unlock()

	res := Result{Old: old, New: old, Accepted: ok}
	if ok {
		res.New = next
	}
	if res.Changed() && cb != nil {
		cb(res.Old, res.New)
	}
	return res
}

// next computes the successor state. Called with m.mu held.
func (m *Machine) next(s Snapshot, tr Transition) (Snapshot, bool) {
	if s.Link == LinkClosed {
		return s, false
	}

	switch tr.Event {
	case EventOpen:
		if s.Link != LinkDisconnected {
			return s, false
		}
		return Snapshot{Link: LinkConnecting, Activity: ActivityDisconnected}, true

	case EventHandshakeOK:
		if s.Link != LinkConnecting {
			return s, false
		}
		return Snapshot{Link: LinkConnected, Activity: ActivityIdle}, true

	case EventHandshakeFailed:
		if s.Link != LinkConnecting {
			return s, false
		}
		return Snapshot{Link: LinkDisconnected, Activity: ActivityDisconnected}, true

	case EventClose:
		return Snapshot{Link: LinkClosed, Activity: ActivityDisconnected}, true
	}

	if s.Link != LinkConnected {
		return s, false
	}

	switch tr.Event {
	case EventStartPrint:
		if s.Activity != ActivityIdle {
			return s, false
		}
		s.Activity = ActivityPrinting

	case EventPause:
		if s.Activity != ActivityPrinting {
			return s, false
		}
		s.Activity = ActivityPaused

	case EventResume:
		if s.Activity != ActivityPaused {
			return s, false
		}
		s.Activity = ActivityPrinting

	case EventCancel:
		if s.Activity == ActivityError {
			return s, false
		}
		s.Activity = ActivityIdle

	case EventReconcile:
		switch tr.Activity {
		case ActivityIdle, ActivityPrinting, ActivityPaused, ActivityError:
			s.Activity = tr.Activity
		default:
			return s, false
		}

	case EventCommFailure:
		s.Failures++
		if s.Failures > m.maxFailures {
			s.Activity = ActivityError
		}

	case EventCommSuccess:
		s.Failures = 0

	default:
		return s, false
	}
	return s, true
}
