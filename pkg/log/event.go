package log

import "time"

// Event is one captured occurrence in a session.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the session (UUID).
	SessionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`

	// Source is the component that produced the event.
	Source Source `cbor:"4,keyasint"`

	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the host address for TCP sessions.
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Exactly one of these is set, matching Category.
	Line        *LineEvent        `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEvent       `cbor:"12,keyasint,omitempty"`
}

// Direction is the flow of a line relative to the session.
type Direction uint8

const (
	// DirectionIn is host to session.
	DirectionIn Direction = 0
	// DirectionOut is session to host.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Source identifies which part of the session produced an event.
type Source uint8

const (
	// SourceHost marks lines written by the host and the direct replies.
	SourceHost Source = 0
	// SourceReporter marks M155/M27 auto-report lines.
	SourceReporter Source = 1
	// SourcePoller marks lines and changes caused by status polling.
	SourcePoller Source = 2
	// SourceSession marks lifecycle output (banner, handshake).
	SourceSession Source = 3
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceHost:
		return "HOST"
	case SourceReporter:
		return "REPORTER"
	case SourcePoller:
		return "POLLER"
	case SourceSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies an event.
type Category uint8

const (
	CategoryLine  Category = 0
	CategoryState Category = 1
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryLine:
		return "LINE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LineEvent is one line of serial traffic, without its terminator.
type LineEvent struct {
	Text string `cbor:"1,keyasint"`

	// LineNumber is the envelope line number of an incoming line, if any.
	LineNumber *int `cbor:"2,keyasint,omitempty"`
}

// StateEntity names what changed in a StateChangeEvent.
type StateEntity uint8

const (
	// StateEntityLink is the connection link state.
	StateEntityLink StateEntity = 0
	// StateEntityActivity is the printer activity.
	StateEntityActivity StateEntity = 1
)

// String returns the entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityLink:
		return "LINK"
	case StateEntityActivity:
		return "ACTIVITY"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent records a link or activity transition.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// ErrorEvent records a failure that did not end the session.
type ErrorEvent struct {
	Message string `cbor:"1,keyasint"`

	// Context describes the operation, e.g. "M104" or "poll".
	Context string `cbor:"2,keyasint,omitempty"`
}
