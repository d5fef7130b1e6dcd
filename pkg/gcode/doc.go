// Package gcode splits a host byte stream into GCode lines and parses each
// line into a Command.
//
// # Line Envelope
//
// Hosts may wrap every line in a line-number/checksum envelope:
//
//	N<line> <payload>*<checksum>
//
// The checksum is the XOR of every byte before the '*', the "N<line>" prefix
// included. A checksum that does not match, or an envelope that cannot be
// parsed, is reported as a *FramingError so the caller can ask the host to
// resend the line.
//
// # Comments
//
// Everything after ';' is dropped before the envelope is examined, and
// "(...)" regions are dropped from the payload. A line that is empty after
// stripping parses to a Command with no Word.
package gcode
