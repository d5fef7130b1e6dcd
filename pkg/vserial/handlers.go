package vserial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dremelbridge/dremel-go/pkg/connection"
	"github.com/dremelbridge/dremel-go/pkg/device"
	"github.com/dremelbridge/dremel-go/pkg/log"
	"github.com/dremelbridge/dremel-go/pkg/report"
	"github.com/dremelbridge/dremel-go/pkg/sdindex"
	"github.com/dremelbridge/dremel-go/pkg/temperature"
)

// Values reported by M503 and M92. The printer does not expose them.
const stepsPerUnit = "M92 X80.00 Y80.00 Z400.00 E93.00"

// capabilities follow the firmware line of an M115 reply.
var capabilities = []string{
	"Cap:AUTOREPORT_TEMP:1",
	"Cap:AUTOREPORT_SD_STATUS:1",
	"Cap:EEPROM:0",
	"Cap:VOLUMETRIC:0",
	"Cap:THERMAL_PROTECTION:0",
	"Cap:EMERGENCY_PARSER:0",
}

// acknowledged are words without a printer equivalent. They are answered
// with a plain ok.
var acknowledged = []string{
	"G0", "G1", "G4", "G10", "G11", "G28", "G90", "G91", "G92",
	"M17", "M18", "M82", "M83", "M84", "M400",
	"M21", "M22", "M26",
	"M106", "M107", "M108", "M117",
	"M201", "M203", "M204", "M205", "M211", "M220", "M221", "M301", "M304",
	"M420", "M500", "M501", "M502", "M851", "M862",
	"M75", "M76", "M77", "M999", "T0", "T1",
}

func (s *Session) newHandlerTable() map[string]handler {
	t := map[string]handler{
		"M105": {fn: s.handleReportTemperatures},
		"M104": {fn: s.setTemperature(device.ZoneExtruder, false), device: true},
		"M109": {fn: s.setTemperature(device.ZoneExtruder, true), device: true},
		"M140": {fn: s.setTemperature(device.ZonePlatform, false), device: true},
		"M190": {fn: s.setTemperature(device.ZonePlatform, true), device: true},
		"M155": {fn: s.handleAutoReport(report.KindTemperature)},

		"M115": {fn: s.handleFirmwareInfo, device: true},
		"M114": {fn: s.handlePosition},
		"M119": {fn: s.handleEndstops},
		"M110": {fn: s.handleLineNumber},

		"M20":  {fn: s.handleListFiles},
		"M23":  {fn: s.handleSelectFile},
		"M24":  {fn: s.handleStartOrResume, device: true},
		"M25":  {fn: s.handlePause, device: true},
		"M0":   {fn: s.handlePause, device: true},
		"M1":   {fn: s.handlePause, device: true},
		"M600": {fn: s.handlePause, device: true},
		"M27":  {fn: s.handleSDStatus},
		"M32":  {fn: s.handleSelectAndStart, device: true},
		"M524": {fn: s.handleAbort, device: true},
		"M112": {fn: s.handleEmergencyStop, device: true},

		"M31":  {fn: s.handlePrintTime},
		"M73":  {fn: s.handleSetProgress},
		"M532": {fn: s.handleProgressReport},
		"M118": {fn: s.handleEcho},
		"M503": {fn: s.handleReportSettings},
		"M92":  {fn: s.handleStepsPerUnit},
		"G29":  {fn: s.handleBedLeveling},
	}
	for _, w := range acknowledged {
		t[w] = handler{fn: func(*call) error { return nil }}
	}
	return t
}

// request bounds a printer call.
func (s *Session) request(c *call) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, s.cfg.RequestTimeout)
}

// markHostChange starts the reconcile grace period.
func (s *Session) markHostChange() {
	s.lastHostChange = time.Now()
}

// -----------------------------------------------------------------------------
// Temperatures
// -----------------------------------------------------------------------------

func (s *Session) handleReportTemperatures(c *call) error {
	s.refreshIfStaleLocked(c.ctx, log.SourceHost)
	c.ok(s.temperatureLine(true))
	return nil
}

func (s *Session) maxTemperature(zone device.Zone) float64 {
	if zone == device.ZonePlatform {
		return s.cfg.MaxBedTemp
	}
	return s.cfg.MaxExtruderTemp
}

// setTemperature handles M104/M140 and, with wait set, M109/M190.
func (s *Session) setTemperature(zone device.Zone, wait bool) func(*call) error {
	return func(c *call) error {
		if !c.guardTemperature() {
			return nil
		}

		mode := temperature.ModeHeat
		target, ok := c.cmd.Float("S")
		if !ok && wait {
			if target, ok = c.cmd.Float("R"); ok {
				mode = temperature.ModeSettle
			}
		}
		if !ok {
			return nil
		}

		if limit := s.maxTemperature(zone); target > limit || target < 0 {
			clamped := min(max(target, 0), limit)
			s.logger.Warn("temperature clamped", "zone", zone, "requested", target, "clamped", clamped)
			target = clamped
		}

		ctx, cancel := s.request(c)
		err := s.printer.SetTemperature(ctx, zone, target)
		cancel()
		if err != nil {
			return err
		}
		s.temps.SetLocal(zone, target)
		s.logger.Info("temperature target set", "zone", zone, "target", target)

		if !wait {
			return nil
		}
		return s.waitTemperature(c, temperature.Wait{
			Zone:     zone,
			Target:   target,
			Mode:     mode,
			Interval: s.cfg.HeatPollInterval,
		})
	}
}

// waitTemperature blocks the dispatcher until the zone arrives, reporting
// temperatures meanwhile. M108 ends the wait early.
func (s *Session) waitTemperature(c *call, w temperature.Wait) error {
	ctx, cancel := context.WithTimeout(c.ctx, s.cfg.HeatTimeout)
	s.setHeatWait(cancel)
	defer func() {
		s.setHeatWait(nil)
		cancel()
	}()

	refresh := func(ctx context.Context) error {
		if err := s.refreshLocked(ctx, log.SourceHost); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.unreachable() {
				return ErrUnreachable
			}
		}
		return nil
	}
	tick := func(temperature.Reading) {
		c.info(s.temperatureLine(false))
	}

	err := s.temps.WaitFor(ctx, w, refresh, tick)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, temperature.ErrHeatTimeout):
		s.logger.Warn("heating timed out", "zone", w.Zone, "target", w.Target)
		c.fail("Heating timed out")
		return nil
	case errors.Is(err, context.Canceled) && c.ctx.Err() == nil:
		s.logger.Info("heat wait interrupted", "zone", w.Zone)
		return nil
	case c.ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

// handleAutoReport handles M155 S and M27 S.
func (s *Session) handleAutoReport(kind report.Kind) func(*call) error {
	return func(c *call) error {
		n, ok := c.cmd.Int("S")
		if !ok {
			return nil
		}
		if err := s.reports.Set(kind, n); err != nil {
			return err
		}
		s.logger.Debug("auto-report interval set", "kind", kind, "interval", n)
		return nil
	}
}

// -----------------------------------------------------------------------------
// Identification and status
// -----------------------------------------------------------------------------

func (s *Session) handleFirmwareInfo(c *call) error {
	ctx, cancel := s.request(c)
	info, err := s.printer.Info(ctx)
	cancel()
	if err != nil {
		return err
	}
	s.info = info

	machine := orDefault(info.Machine, "Dremel 3D45")
	firmware := orDefault(info.Firmware, "Unknown")
	serial := orDefault(info.SerialNumber, "Unknown")

	c.info(fmt.Sprintf("FIRMWARE_NAME:Dremel3D45 MACHINE_TYPE:%s FIRMWARE_VERSION:%s SERIAL:%s UUID:%s",
		machine, firmware, serial, serial))
	c.info(capabilities...)
	return nil
}

func (s *Session) handlePosition(c *call) error {
	line := "X:0.00 Y:0.00 Z:0.00 E:0.00"
	if s.machine.Activity().Active() {
		line += fmt.Sprintf(" Layer:%d", s.cachedStatus().Layer)
	}
	c.info(line)
	return nil
}

func (s *Session) handleEndstops(c *call) error {
	s.refreshIfStaleLocked(c.ctx, log.SourceHost)
	st := s.cachedStatus()

	door := "open"
	if st.DoorOpen {
		door = "TRIGGERED"
	}
	lines := []string{
		"Reporting endstop status",
		"x_min: open",
		"y_min: open",
		"z_min: open",
		"door: " + door,
	}
	if f := strings.TrimSpace(st.Filament); f != "" {
		lines = append(lines, "filament: "+f)
	}
	c.info(lines...)
	return nil
}

// handleLineNumber handles M110. The number comes from the N parameter,
// then from the envelope; without either the counter restarts at zero.
func (s *Session) handleLineNumber(c *call) error {
	n, ok := c.cmd.Int("N")
	if !ok && c.cmd.HasLine {
		n, ok = c.cmd.Line, true
	}
	if !ok {
		n = 0
	}
	s.expected, s.hasExpected = n+1, true
	s.logger.Debug("line number reset", "line", n)
	return nil
}

// -----------------------------------------------------------------------------
// SD card
// -----------------------------------------------------------------------------

func (s *Session) handleListFiles(c *call) error {
	entries := s.index.List()
	lines := make([]string, 0, len(entries)+3)
	lines = append(lines, "Begin file list")

	listed := false
	sel := s.selected.Load()
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s %d", e.Display, e.Size))
		if sel != nil && strings.EqualFold(e.Display, sel.Display) {
			listed = true
		}
	}
	// A job started elsewhere is listed so the host can show it.
	if sel != nil && !listed {
		lines = append(lines, fmt.Sprintf("%s %d", sel.Display, sel.Size))
	}

	lines = append(lines, "End file list")
	c.info(lines...)
	return nil
}

// resolveFile finds name in the index, then in the current selection.
func (s *Session) resolveFile(name string) (sdindex.Entry, bool) {
	for _, n := range []string{name, strings.TrimPrefix(name, "/")} {
		if e, err := s.index.Resolve(n); err == nil {
			return e, true
		}
		if sel := s.selected.Load(); sel != nil &&
			(strings.EqualFold(sel.Upload, n) || strings.EqualFold(sel.Display, n)) {
			return *sel, true
		}
	}
	return sdindex.Entry{}, false
}

// selectFile resolves the command argument and selects it. Returns false
// if the command was terminated.
func (s *Session) selectFile(c *call) (sdindex.Entry, bool) {
	name := strings.TrimSpace(c.cmd.Args)
	if name == "" {
		c.fail(ErrNoFileSpecified.Error())
		return sdindex.Entry{}, false
	}
	e, ok := s.resolveFile(name)
	if !ok {
		s.logger.Warn("file not found", "name", name)
		c.fail(ErrFileNotFound.Error())
		return sdindex.Entry{}, false
	}
	s.selected.Store(&e)
	s.logger.Info("file selected", "display", e.Display, "upload", e.Upload, "size", e.Size)
	return e, true
}

func (s *Session) handleSelectFile(c *call) error {
	if !c.guardPrinting("Cannot select file while printing") {
		return nil
	}
	e, ok := s.selectFile(c)
	if !ok {
		return nil
	}
	c.info(fileOpenedLine(e), "File selected")
	return nil
}

func (s *Session) handleSelectAndStart(c *call) error {
	if !c.guardPrinting("Cannot start new print while printing") {
		return nil
	}
	if _, ok := s.selectFile(c); !ok {
		return nil
	}
	return s.handleStartOrResume(c)
}

// handleStartOrResume handles M24: resume a paused job, or start the
// selected file.
func (s *Session) handleStartOrResume(c *call) error {
	switch s.machine.Activity() {
	case connection.ActivityPaused:
		ctx, cancel := s.request(c)
		err := s.printer.Resume(ctx)
		cancel()
		if err != nil {
			return err
		}
		s.machine.Apply(connection.Transition{Event: connection.EventResume})
		s.markHostChange()
		s.logger.Info("print resumed")
		return nil

	case connection.ActivityPrinting:
		c.fail(ErrPrintActive.Error())
		return nil

	case connection.ActivityIdle:

	default:
		c.fail(ErrPrinterBusy.Error())
		return nil
	}

	sel := s.selected.Load()
	if sel == nil {
		c.fail(ErrNoFileSelected.Error())
		return nil
	}

	ctx, cancel := s.request(c)
	err := s.printer.StartPrint(ctx, sel.Upload)
	cancel()
	if err != nil {
		return err
	}
	s.machine.Apply(connection.Transition{Event: connection.EventStartPrint})
	s.jobActive = true
	s.jobStarted = time.Now()
	s.markHostChange()
	s.logger.Info("print started", "display", sel.Display, "upload", sel.Upload)
	return nil
}

func (s *Session) handlePause(c *call) error {
	if s.machine.Activity() != connection.ActivityPrinting {
		s.logger.Debug("pause ignored, not printing")
		return nil
	}

	ctx, cancel := s.request(c)
	err := s.printer.Pause(ctx)
	cancel()
	if err != nil {
		return err
	}
	s.machine.Apply(connection.Transition{Event: connection.EventPause})
	s.markHostChange()
	s.logger.Info("print paused")
	return nil
}

func (s *Session) handleSDStatus(c *call) error {
	if c.cmd.Has("S") {
		return s.handleAutoReport(report.KindSDStatus)(c)
	}
	s.refreshIfStaleLocked(c.ctx, log.SourceHost)
	c.info(s.sdStatusLine())
	return nil
}

func (s *Session) handleAbort(c *call) error {
	ctx, cancel := s.request(c)
	err := s.printer.Stop(ctx)
	cancel()
	if err != nil {
		return err
	}
	s.machine.Apply(connection.Transition{Event: connection.EventCancel})
	s.finishJobLocked()
	s.markHostChange()
	s.logger.Info("print aborted")
	return nil
}

func (s *Session) handleEmergencyStop(c *call) error {
	s.logger.Error("emergency stop requested")

	ctx, cancel := s.request(c)
	err := s.printer.Stop(ctx)
	cancel()
	if err != nil {
		return err
	}
	s.machine.Apply(connection.Transition{Event: connection.EventCancel})
	s.jobActive = false
	s.temps.ClearLocal()
	s.markHostChange()
	return nil
}

// -----------------------------------------------------------------------------
// Job information
// -----------------------------------------------------------------------------

func (s *Session) handlePrintTime(c *call) error {
	elapsed := s.cachedStatus().Elapsed
	if elapsed == 0 && !s.jobStarted.IsZero() {
		elapsed = time.Since(s.jobStarted)
	}
	secs := int(elapsed / time.Second)
	c.info(fmt.Sprintf("echo:Print time: %02d:%02d:%02d", secs/3600, secs%3600/60, secs%60))
	return nil
}

func (s *Session) handleSetProgress(c *call) error {
	p, ok := c.cmd.Float("P")
	if !ok {
		return nil
	}
	s.statusMu.Lock()
	s.status.Progress = p
	s.statusMu.Unlock()
	return nil
}

func (s *Session) handleProgressReport(c *call) error {
	s.refreshIfStaleLocked(c.ctx, log.SourceHost)
	st := s.cachedStatus()
	c.info(fmt.Sprintf("X:%.1f L:%d", st.Progress, st.Layer))
	return nil
}

func (s *Session) handleEcho(c *call) error {
	if msg := strings.TrimSpace(c.cmd.Args); msg != "" {
		c.info("echo:" + msg)
	}
	return nil
}

func (s *Session) handleReportSettings(c *call) error {
	c.info("echo:; Steps per unit:", "echo:  "+stepsPerUnit)
	return nil
}

func (s *Session) handleStepsPerUnit(c *call) error {
	c.info("echo: " + stepsPerUnit)
	return nil
}

func (s *Session) handleBedLeveling(c *call) error {
	if !c.guardPrinting("Cannot level while printing") {
		return nil
	}
	c.info("echo:Bed leveling not available via GCode")
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
