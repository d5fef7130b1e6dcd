package vserial

import "strconv"

// Format is the response dialect. Zero fields take the Marlin defaults.
type Format struct {
	// OK acknowledges a line (default "ok").
	OK string

	// EchoLineNumber appends the acknowledged envelope line number
	// ("ok N12") when the host supplied one.
	EchoLineNumber bool

	// ResendPrefix precedes the requested line number (default "Resend:").
	// Use "rs N" for hosts that expect the RepRap short form.
	ResendPrefix string

	// ErrorPrefix precedes error reasons (default "Error:").
	ErrorPrefix string
}

// DefaultFormat returns the Marlin dialect.
func DefaultFormat() Format {
	return Format{OK: "ok", ResendPrefix: "Resend:", ErrorPrefix: "Error:"}
}

func (f Format) withDefaults() Format {
	d := DefaultFormat()
	if f.OK == "" {
		f.OK = d.OK
	}
	if f.ResendPrefix == "" {
		f.ResendPrefix = d.ResendPrefix
	}
	if f.ErrorPrefix == "" {
		f.ErrorPrefix = d.ErrorPrefix
	}
	return f
}

// ack builds the terminating line for a command. extra, if any, follows
// the acknowledgement on the same line (M105 reports this way).
func (f Format) ack(line int, hasLine bool, extra string) string {
	s := f.OK
	if f.EchoLineNumber && hasLine {
		s += " N" + strconv.Itoa(line)
	}
	if extra != "" {
		s += " " + extra
	}
	return s
}

func (f Format) resend(line int) string {
	return f.ResendPrefix + strconv.Itoa(line)
}

func (f Format) error(reason string) string {
	return f.ErrorPrefix + reason
}
