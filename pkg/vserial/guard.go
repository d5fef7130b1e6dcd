package vserial

import (
	"github.com/dremelbridge/dremel-go/pkg/connection"
)

// printActive reports whether a job is building. A paused job is not
// active: temperatures may be changed and files selected while paused.
func (s *Session) printActive() bool {
	return s.machine.Activity() == connection.ActivityPrinting
}

// guardTemperature acknowledges a temperature command without effect while
// printing. Returns false if the command must not proceed.
func (c *call) guardTemperature() bool {
	if !c.s.printActive() {
		return true
	}
	c.s.logger.Warn("temperature change ignored while printing", "command", c.cmd.Raw)
	c.info("// Temperature change ignored while printing")
	c.ok("")
	return false
}

// guardPrinting rejects a command while printing with reason.
func (c *call) guardPrinting(reason string) bool {
	if !c.s.printActive() {
		return true
	}
	c.s.logger.Warn("command rejected while printing", "command", c.cmd.Word)
	c.fail(reason)
	return false
}
