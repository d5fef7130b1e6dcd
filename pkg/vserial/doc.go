// Package vserial emulates a Marlin serial connection on top of a printer
// that only offers an HTTP command API.
//
// A Session behaves like an open serial port. The host writes GCode with
// Write and reads firmware-style replies with Read or ReadLine:
//
//	s, _ := vserial.New(vserial.Config{Printer: client})
//	if err := s.Open(ctx); err != nil { ... }
//	defer s.Close()
//
//	s.Write([]byte("N1 M105*38\n"))
//	line, _ := s.ReadLine(time.Second) // "ok T:21.3 /0.0 B:20.8 /0.0 C:22.0 /0.0"
//
// # Flow Control
//
// Every accepted line is answered by exactly one terminating "ok" (or a
// Resend request), preceded by any informational lines. Lines are processed
// one at a time in arrival order. Commands without a printer equivalent
// (motion, fan, EEPROM) are acknowledged without effect.
//
// # Background Output
//
// Auto-reports (M155, M27 S) and state notifications from status polling are
// written between replies, never inside one. Polling applies the printer's
// view of the job state: a print started on the touchscreen shows up as
// "File opened", "File selected" and an action notification before the next
// host command is answered.
package vserial
