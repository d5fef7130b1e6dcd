package vserial

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dremelbridge/dremel-go/pkg/device"
)

// readUntil reads lines until one equals want.
func readUntil(t *testing.T, s *Session, want string, timeout time.Duration) []string {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var lines []string
	for time.Now().Before(deadline) {
		line, err := s.ReadLine(time.Until(deadline))
		if err != nil {
			break
		}
		lines = append(lines, line)
		if line == want {
			return lines
		}
	}
	t.Fatalf("did not receive %q, got %q", want, lines)
	return nil
}

func TestReconcile(t *testing.T) {
	t.Run("ExternalPrintNotifiedBeforeNextReply", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))
		s.index.Put("Part.gcode", "part_v2.gcode", 900)

		p.setJob(device.JobBuilding, "part_v2.gcode", 3)
		s.pollOnce()

		lines := exchange(t, s, "M105")
		require.GreaterOrEqual(t, len(lines), 4)
		assert.Equal(t, []string{
			"File opened: Part.gcode Size: 900",
			"File selected",
			"// action:notification Print started on printer",
		}, lines[:3])
		assert.True(t, strings.HasPrefix(last(lines), "ok T:"))

		st := s.Status()
		assert.Equal(t, "PRINTING", st.Activity)
		assert.Equal(t, "Part.gcode", st.Selected)
	})

	t.Run("UnknownJobName", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))

		p.setJob(device.JobBuilding, "remote.gcode", 0)
		s.pollOnce()

		lines := exchange(t, s, "G90")
		assert.Equal(t, "File opened: remote.gcode Size: 0", lines[0])
	})

	t.Run("PollerDetectsWithoutCommand", func(t *testing.T) {
		p := newFakePrinter()
		cfg := testConfig(p)
		cfg.PollInterval = 20 * time.Millisecond
		s := openSession(t, cfg)

		p.setJob(device.JobBuilding, "remote.gcode", 0)
		readUntil(t, s, "// action:notification Print started on printer", 2*time.Second)

		// The poller reports temperatures during the print.
		lines := readUntil(t, s, "T:21.5 /0.0 B:20.0 /0.0", time.Second)
		assert.NotEmpty(t, lines)
	})

	t.Run("JobAlreadyRunningOnOpen", func(t *testing.T) {
		p := newFakePrinter()
		p.setJob(device.JobBuilding, "early.gcode", 50)

		s, err := New(testConfig(p))
		require.NoError(t, err)
		defer s.Close()
		require.NoError(t, s.Open(t.Context()))

		lines := readUntil(t, s, "// action:notification Print started on printer", time.Second)
		assert.Contains(t, lines, "File opened: early.gcode Size: 0")
	})

	t.Run("PauseAndResume", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))

		p.setJob(device.JobBuilding, "x.gcode", 10)
		s.pollOnce()
		s.ResetInput()

		p.setState(device.JobPaused)
		s.pollOnce()
		line, err := s.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "// action:paused", line)
		s.ResetInput()

		p.setState(device.JobBuilding)
		s.pollOnce()
		line, err = s.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "// action:resumed", line)
	})

	t.Run("Completion", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))
		s.index.Put("Part.gcode", "part_v2.gcode", 900)

		exchange(t, s, "M104 S190")
		exchange(t, s, "M32 Part.gcode")
		require.Equal(t, 190.0, s.Status().Extruder.Target)

		p.setJob(device.JobCompleted, "part_v2.gcode", 100)
		p.setTemperature(device.ZoneExtruder, 200, 0)
		s.pollOnce()

		var lines []string
		for range 3 {
			line, err := s.ReadLine(time.Second)
			require.NoError(t, err)
			lines = append(lines, line)
		}
		assert.Equal(t, []string{
			"SD printing byte 900/900",
			"Not SD printing",
			"// action:notification Print finished",
		}, lines)

		st := s.Status()
		assert.Equal(t, "IDLE", st.Activity)
		assert.Empty(t, st.Selected)
		assert.Zero(t, st.Extruder.Target)
	})

	t.Run("GraceKeepsHostState", func(t *testing.T) {
		p := newFakePrinter()
		cfg := testConfig(p)
		cfg.ReconcileGrace = time.Hour
		s := openSession(t, cfg)
		s.index.Put("Part.gcode", "", 1)

		exchange(t, s, "M32 Part.gcode")
		// The printer has not picked up the job yet.
		p.setState(device.JobReady)
		s.pollOnce()

		assert.Equal(t, "PRINTING", s.Status().Activity)
	})

	t.Run("DeviceErrorState", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))

		p.setState(device.JobError)
		s.pollOnce()

		line, err := s.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "// action:notification Printer reported error", line)
		assert.Equal(t, "ERROR", s.Status().Activity)
	})
}

func TestUnreachablePrinter(t *testing.T) {
	t.Run("FailuresMoveToError", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))

		p.setOffline(true)
		for range 3 {
			s.pollOnce()
		}
		assert.Equal(t, "IDLE", s.Status().Activity)
		assert.Equal(t, 3, s.Status().Failures)

		s.pollOnce()
		assert.Equal(t, "ERROR", s.Status().Activity)

		line, err := s.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "// action:notification Printer reported error", line)
	})

	t.Run("DeviceCommandRetriesThenFails", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))

		p.setOffline(true)
		for range 4 {
			s.pollOnce()
		}
		s.ResetInput()

		assert.Equal(t, []string{"Error:Printer unreachable", "ok"}, exchange(t, s, "M24"))
		assert.Equal(t, 5, s.Status().Failures)
	})

	t.Run("RecoversOnNextCommand", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))

		p.setOffline(true)
		for range 4 {
			s.pollOnce()
		}
		s.ResetInput()

		p.setOffline(false)
		assert.Equal(t, []string{"ok"}, exchange(t, s, "M104 S200"))

		st := s.Status()
		assert.Equal(t, "IDLE", st.Activity)
		assert.Zero(t, st.Failures)
		assert.Equal(t, "heat extruder 200", last(p.Calls()))
	})

	t.Run("QueriesAnswerFromLastState", func(t *testing.T) {
		p := newFakePrinter()
		s := openSession(t, testConfig(p))

		p.setOffline(true)
		assert.Equal(t, []string{"ok T:21.5 /0.0 B:20.0 /0.0 C:22.0 /0.0"}, exchange(t, s, "M105"))
		assert.Equal(t, 1, s.Status().Failures)
	})

	t.Run("PollBacksOff", func(t *testing.T) {
		p := newFakePrinter()
		cfg := testConfig(p)
		cfg.PollInterval = 10 * time.Millisecond
		cfg.MaxPollBackoff = time.Hour
		cfg.MaxFailures = 1
		s := openSession(t, cfg)

		p.setOffline(true)
		time.Sleep(300 * time.Millisecond)
		calls := p.StatusCalls()

		// Doubling from 10ms, only a handful of polls fit into 300ms.
		assert.Less(t, calls, 15)
		assert.Equal(t, "ERROR", s.Status().Activity)
	})
}
