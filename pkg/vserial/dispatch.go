package vserial

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dremelbridge/dremel-go/pkg/device"
	"github.com/dremelbridge/dremel-go/pkg/gcode"
	"github.com/dremelbridge/dremel-go/pkg/log"
)

// handler executes one command word.
type handler struct {
	fn func(c *call) error

	// device marks handlers that talk to the printer. While the printer is
	// unreachable they first retry a status refresh.
	device bool
}

// call is the context of one dispatched command.
type call struct {
	s   *Session
	ctx context.Context
	cmd gcode.Command

	// done is set once the terminating line has been queued.
	done bool
}

// info queues informational lines ahead of the acknowledgement.
func (c *call) info(lines ...string) {
	c.s.send(log.SourceHost, lines...)
}

// ok terminates the command. extra is appended to the ok line.
func (c *call) ok(extra string) {
	if c.done {
		return
	}
	c.done = true
	c.s.send(log.SourceHost, c.s.format.ack(c.cmd.Line, c.cmd.HasLine, extra))
}

// fail terminates the command with an error line and an ok.
func (c *call) fail(reason string) {
	if c.done {
		return
	}
	c.s.send(log.SourceHost, c.s.format.error(reason))
	c.ok("")
}

// dispatchLoop processes queued lines until the session closes.
func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case line := <-s.lines:
			s.processLine(line)
		}
	}
}

// processLine validates the envelope of one line and dispatches it.
func (s *Session) processLine(raw string) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	line := strings.TrimSpace(raw)
	if line == "\x18" {
		s.rec.LineIn(line, nil)
		s.send(log.SourceHost, s.format.ack(0, false, ""))
		return
	}

	cmd, err := gcode.Parse(line)
	if err != nil {
		s.framingErrorLocked(line, err)
		return
	}
	if cmd.HasLine {
		n := cmd.Line
		s.rec.LineIn(line, &n)
	} else {
		s.rec.LineIn(line, nil)
	}

	if cmd.HasLine && cmd.Word != "M110" && !s.sequenceLocked(cmd) {
		return
	}
	s.dispatchLocked(cmd)
}

// framingErrorLocked asks the host to resend a line that failed validation.
// Without any line number to request, the line is acknowledged so the host
// does not stall.
func (s *Session) framingErrorLocked(line string, err error) {
	var ferr *gcode.FramingError
	if !errors.As(err, &ferr) {
		s.rec.LineIn(line, nil)
		s.send(log.SourceHost, s.format.error(err.Error()), s.format.ack(0, false, ""))
		return
	}

	if ferr.HasLine {
		n := ferr.Line
		s.rec.LineIn(line, &n)
	} else {
		s.rec.LineIn(line, nil)
	}
	s.rec.Error(log.SourceHost, "framing", err)
	s.logger.Warn("rejected line", "line", line, "error", err)

	reason := "checksum mismatch"
	if errors.Is(err, gcode.ErrMalformedLineNumber) {
		reason = "malformed line number"
	}

	switch {
	case ferr.HasLine:
		s.send(log.SourceHost, s.format.error(reason), s.format.resend(ferr.Line))
	case s.hasExpected:
		s.send(log.SourceHost, s.format.error(reason), s.format.resend(s.expected))
	default:
		s.send(log.SourceHost, s.format.error(reason), s.format.ack(0, false, ""))
	}
}

// sequenceLocked enforces consecutive line numbers. The first numbered
// line sets the sequence. Returns false if the line was rejected.
func (s *Session) sequenceLocked(cmd gcode.Command) bool {
	if !s.hasExpected {
		s.expected, s.hasExpected = cmd.Line, true
	}
	if cmd.Line != s.expected {
		s.logger.Warn("line out of sequence", "got", cmd.Line, "expected", s.expected)
		s.send(log.SourceHost,
			s.format.error("Line Number is not Last Line Number+1"),
			s.format.resend(s.expected))
		return false
	}
	s.expected = cmd.Line + 1
	return true
}

// dispatchLocked runs the handler for cmd and guarantees exactly one
// terminating line.
func (s *Session) dispatchLocked(cmd gcode.Command) {
	c := &call{s: s, ctx: s.ctx, cmd: cmd}
	defer c.ok("")

	if cmd.IsEmpty() {
		return
	}

	h, ok := s.handlers[cmd.Word]
	if !ok {
		s.logger.Debug("unsupported command acknowledged", "command", cmd.Raw)
		return
	}

	if h.device && s.unreachable() {
		if err := s.refreshLocked(s.ctx, log.SourceHost); err != nil {
			c.fail(ErrUnreachable.Error())
			return
		}
	}

	if err := s.runHandler(h, c); err != nil {
		if device.IsCommError(err) {
			s.commFailureLocked(err, log.SourceHost)
		}
		s.logger.Warn("command failed", "command", cmd.Word, "error", err)
		c.fail(err.Error())
	}
}

// runHandler converts a handler panic into an error.
func (s *Session) runHandler(h handler, c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "command", c.cmd.Word, "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return h.fn(c)
}

// unreachable reports whether the failure threshold has been passed.
func (s *Session) unreachable() bool {
	snap := s.machine.Snapshot()
	return snap.Failures > s.machine.MaxFailures()
}
