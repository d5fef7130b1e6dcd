package log

import "time"

// Recorder stamps events with a session identity before passing them on.
// A nil *Recorder, or one built on a nil Logger, records nothing.
type Recorder struct {
	logger     Logger
	sessionID  string
	remoteAddr string
	now        func() time.Time
}

// NewRecorder binds logger to a session.
func NewRecorder(logger Logger, sessionID, remoteAddr string) *Recorder {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Recorder{
		logger:     logger,
		sessionID:  sessionID,
		remoteAddr: remoteAddr,
		now:        time.Now,
	}
}

// SessionID returns the bound session id.
func (r *Recorder) SessionID() string {
	if r == nil {
		return ""
	}
	return r.sessionID
}

func (r *Recorder) emit(e Event) {
	if r == nil {
		return
	}
	e.Timestamp = r.now()
	e.SessionID = r.sessionID
	e.RemoteAddr = r.remoteAddr
	r.logger.Log(e)
}

// LineIn records a line received from the host.
func (r *Recorder) LineIn(text string, lineNumber *int) {
	r.emit(Event{
		Direction: DirectionIn,
		Source:    SourceHost,
		Category:  CategoryLine,
		Line:      &LineEvent{Text: text, LineNumber: lineNumber},
	})
}

// LineOut records a line sent to the host.
func (r *Recorder) LineOut(source Source, text string) {
	r.emit(Event{
		Direction: DirectionOut,
		Source:    source,
		Category:  CategoryLine,
		Line:      &LineEvent{Text: text},
	})
}

// State records a state transition.
func (r *Recorder) State(source Source, entity StateEntity, oldState, newState, reason string) {
	r.emit(Event{
		Direction: DirectionOut,
		Source:    source,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// Error records a non-fatal failure.
func (r *Recorder) Error(source Source, context string, err error) {
	if err == nil {
		return
	}
	r.emit(Event{
		Direction: DirectionOut,
		Source:    source,
		Category:  CategoryError,
		Error:     &ErrorEvent{Message: err.Error(), Context: context},
	})
}
