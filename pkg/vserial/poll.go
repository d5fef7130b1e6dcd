package vserial

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dremelbridge/dremel-go/pkg/connection"
	"github.com/dremelbridge/dremel-go/pkg/device"
	"github.com/dremelbridge/dremel-go/pkg/log"
	"github.com/dremelbridge/dremel-go/pkg/report"
	"github.com/dremelbridge/dremel-go/pkg/sdindex"
)

// pollLoop fetches the printer status periodically and reconciles the
// session with it. While the printer is unreachable the period follows the
// backoff.
func (s *Session) pollLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		s.pollOnce()

		next := s.cfg.PollInterval
		if s.unreachable() {
			next = s.backoff.Next()
		}
		timer.Reset(next)
	}
}

// pollOnce performs one poll cycle. The fetch runs without the dispatch
// lock; applying the result takes it, so notifications are queued before
// the reply to any command that follows.
func (s *Session) pollOnce() {
	requested := time.Now()
	st, err := s.fetch(s.ctx)
	if s.ctx.Err() != nil {
		return
	}

	s.dispatchMu.Lock()
	if err != nil {
		s.commFailureLocked(err, log.SourcePoller)
	} else {
		s.applyStatusLocked(st, requested, log.SourcePoller)
	}
	active := s.machine.Activity().Active()
	s.dispatchMu.Unlock()

	// Hosts expect temperature updates during SD prints even without M155.
	if active && !s.reports.Enabled(report.KindTemperature) {
		s.send(log.SourcePoller, s.temperatureLine(false))
	}
}

// fetch requests a status snapshot bounded by the request timeout.
func (s *Session) fetch(parent context.Context) (device.Status, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RequestTimeout)
	defer cancel()
	return s.printer.Status(ctx)
}

// refreshLocked fetches and applies a status snapshot.
func (s *Session) refreshLocked(parent context.Context, source log.Source) error {
	requested := time.Now()
	st, err := s.fetch(parent)
	if err != nil {
		// A cancelled caller says nothing about the printer.
		if parent.Err() == nil {
			s.commFailureLocked(err, source)
		}
		return err
	}
	s.applyStatusLocked(st, requested, source)
	return nil
}

// refreshIfStaleLocked refreshes unless the cached status is recent. Errors
// are counted but not returned: queries answer from the last known state.
func (s *Session) refreshIfStaleLocked(parent context.Context, source log.Source) {
	if !s.statusStale() {
		return
	}
	_ = s.refreshLocked(parent, source)
}

func (s *Session) statusStale() bool {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return !s.hasStatus || time.Since(s.statusAt) > s.cfg.StatusMaxAge
}

// cachedStatus returns the last applied status.
func (s *Session) cachedStatus() device.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// commFailureLocked counts a failed exchange. Logging is throttled once the
// threshold is passed.
func (s *Session) commFailureLocked(err error, source log.Source) {
	res := s.machine.Apply(connection.Transition{Event: connection.EventCommFailure})
	n := res.New.Failures
	maxFailures := s.machine.MaxFailures()

	switch {
	case n <= maxFailures:
		s.logger.Warn("printer status refresh failed", "attempt", n, "error", err)
	case n == maxFailures+1:
		s.logger.Error("persistent printer errors, printer may be offline", "attempts", n, "error", err)
	default:
		s.logger.Debug("printer status refresh failed", "attempt", n, "error", err)
	}
	s.rec.Error(source, "status", err)
	s.notifyLocked(res, source)
}

// applyStatusLocked records st and reconciles the activity with it.
// requested is when the fetch started; a snapshot older than the last
// host-initiated change is not used to reconcile.
func (s *Session) applyStatusLocked(st device.Status, requested time.Time, source log.Source) {
	s.temps.ObserveStatus(st)

	s.statusMu.Lock()
	s.status = st
	s.statusAt = time.Now()
	s.hasStatus = true
	s.statusMu.Unlock()

	wasUnreachable := s.unreachable()
	s.machine.Apply(connection.Transition{Event: connection.EventCommSuccess})
	s.backoff.Reset()
	if wasUnreachable {
		s.logger.Info("printer reachable again")
	}

	target := activityOf(st)
	current := s.machine.Activity()
	if target != current && current != connection.ActivityError {
		if requested.Before(s.lastHostChange) || time.Since(s.lastHostChange) < s.cfg.ReconcileGrace {
			return
		}
	}

	res := s.machine.Apply(connection.Transition{Event: connection.EventReconcile, Activity: target})
	if target.Active() {
		s.syncJobLocked(st.JobName)
	}
	s.notifyLocked(res, source)
}

// activityOf maps a printer job state to a session activity.
func activityOf(st device.Status) connection.Activity {
	switch {
	case st.State == device.JobError:
		return connection.ActivityError
	case st.IsPaused():
		return connection.ActivityPaused
	case st.IsPrinting():
		return connection.ActivityPrinting
	default:
		return connection.ActivityIdle
	}
}

// syncJobLocked points the selection at the printer's active job, mapping
// the upload name back to its display name when the file was uploaded here.
func (s *Session) syncJobLocked(jobName string) {
	if jobName == "" {
		return
	}
	if cur := s.selected.Load(); cur != nil && strings.EqualFold(cur.Upload, jobName) {
		return
	}

	e, ok := s.index.FindUpload(jobName)
	if !ok {
		e = sdindex.Entry{Display: jobName, Upload: jobName}
	}
	s.selected.Store(&e)
}

// notifyLocked queues the host notifications for an activity change that
// the host did not request.
func (s *Session) notifyLocked(res connection.Result, source log.Source) {
	if !res.Accepted || res.Old.Activity == res.New.Activity {
		return
	}

	switch res.New.Activity {
	case connection.ActivityPrinting:
		if res.Old.Activity == connection.ActivityPaused {
			s.send(source, "// action:resumed")
			return
		}
		if !s.jobActive {
			var lines []string
			if e := s.selected.Load(); e != nil {
				lines = append(lines, fileOpenedLine(*e), "File selected")
			}
			lines = append(lines, "// action:notification Print started on printer")
			s.send(source, lines...)
			s.jobActive = true
			s.jobStarted = time.Now()
		}

	case connection.ActivityPaused:
		s.send(source, "// action:paused")
		if !s.jobActive {
			s.jobActive = true
			s.jobStarted = time.Now()
		}

	case connection.ActivityIdle:
		if s.jobActive || res.Old.Activity.Active() {
			s.send(source,
				s.finalProgressLine(),
				"Not SD printing",
				"// action:notification Print finished")
			s.finishJobLocked()
		}

	case connection.ActivityError:
		s.send(source, "// action:notification Printer reported error")
	}
}

// finishJobLocked resets the job state after completion or cancellation.
func (s *Session) finishJobLocked() {
	s.jobActive = false
	s.jobStarted = time.Time{}
	s.temps.ClearLocal()
	s.selected.Store(nil)
}

func (s *Session) finalProgressLine() string {
	if e := s.selected.Load(); e != nil && e.Size > 0 {
		return fmt.Sprintf("SD printing byte %d/%d", e.Size, e.Size)
	}
	return "SD printing byte 100/100"
}

// sdStatusLine formats the M27 reply.
func (s *Session) sdStatusLine() string {
	if !s.machine.Activity().Active() {
		return "Not SD printing"
	}
	progress := s.cachedStatus().Progress
	if e := s.selected.Load(); e != nil && e.Size > 0 {
		printed := int64(progress / 100 * float64(e.Size))
		return fmt.Sprintf("SD printing byte %d/%d", printed, e.Size)
	}
	return fmt.Sprintf("SD printing byte %d/100", int(progress))
}

// temperatureLine formats the effective temperatures. The chamber is
// reported in M105 replies only.
func (s *Session) temperatureLine(chamber bool) string {
	t := s.temps.Reading(device.ZoneExtruder)
	b := s.temps.Reading(device.ZonePlatform)
	line := fmt.Sprintf("T:%.1f /%.1f B:%.1f /%.1f", t.Current, t.Target, b.Current, b.Target)
	if chamber {
		c := s.temps.Reading(device.ZoneChamber)
		line += fmt.Sprintf(" C:%.1f /%.1f", c.Current, c.Target)
	}
	return line
}

// emitTemperatureReport is the M155 emitter. It runs without the dispatch
// lock so reports continue during a heat wait.
func (s *Session) emitTemperatureReport(ctx context.Context) {
	if s.statusStale() && !s.unreachable() {
		if st, err := s.fetch(ctx); err == nil {
			s.temps.ObserveStatus(st)
		}
	}
	if ctx.Err() != nil {
		return
	}
	s.send(log.SourceReporter, s.temperatureLine(false))
}

// emitSDReport is the M27 S emitter.
func (s *Session) emitSDReport(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.send(log.SourceReporter, s.sdStatusLine())
}

func fileOpenedLine(e sdindex.Entry) string {
	return "File opened: " + e.Display + " Size: " + strconv.FormatInt(e.Size, 10)
}
