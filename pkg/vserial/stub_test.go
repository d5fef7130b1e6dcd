package vserial

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dremelbridge/dremel-go/pkg/device"
)

// ---------------------------------------------------------------------------
// stubPrinter
// ---------------------------------------------------------------------------

type stubPrinter struct{ mock.Mock }

func (p *stubPrinter) Info(ctx context.Context) (device.Info, error) {
	ret := p.Called(ctx)
	return ret.Get(0).(device.Info), ret.Error(1)
}
func (p *stubPrinter) Status(ctx context.Context) (device.Status, error) {
	ret := p.Called(ctx)
	return ret.Get(0).(device.Status), ret.Error(1)
}
func (p *stubPrinter) SetTemperature(ctx context.Context, z device.Zone, c float64) error {
	return p.Called(ctx, z, c).Error(0)
}
func (p *stubPrinter) Pause(ctx context.Context) error  { return p.Called(ctx).Error(0) }
func (p *stubPrinter) Resume(ctx context.Context) error { return p.Called(ctx).Error(0) }
func (p *stubPrinter) Stop(ctx context.Context) error   { return p.Called(ctx).Error(0) }
func (p *stubPrinter) StartPrint(ctx context.Context, upload string) error {
	return p.Called(ctx, upload).Error(0)
}
func (p *stubPrinter) Upload(ctx context.Context, path string) (string, error) {
	ret := p.Called(ctx, path)
	return ret.String(0), ret.Error(1)
}

// ---------------------------------------------------------------------------
// fakePrinter
// ---------------------------------------------------------------------------

var errOffline = &device.CommError{Op: "status", Err: errors.New("connection refused")}

// fakePrinter is a scripted printer. Temperatures move toward their target
// by heatStep on every Status call.
type fakePrinter struct {
	mu sync.Mutex

	info      device.Info
	status    device.Status
	statusErr error
	cmdErr    error
	heatStep  float64

	calls       []string
	statusCalls int
}

func newFakePrinter() *fakePrinter {
	return &fakePrinter{
		info: device.Info{Machine: "3D45", Firmware: "3.0.6", SerialNumber: "DR123"},
		status: device.Status{
			State: device.JobReady,
			Temperatures: map[device.Zone]device.Temperature{
				device.ZoneExtruder: {Current: 21.5, Max: 280},
				device.ZonePlatform: {Current: 20.0, Max: 100},
				device.ZoneChamber:  {Current: 22.0, Max: 60},
			},
		},
	}
}

func (p *fakePrinter) Info(context.Context) (device.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return device.Info{}, p.statusErr
	}
	return p.info, nil
}

func (p *fakePrinter) Status(ctx context.Context) (device.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	if err := ctx.Err(); err != nil {
		return device.Status{}, &device.CommError{Op: "status", Err: err}
	}
	if p.statusErr != nil {
		return device.Status{}, p.statusErr
	}

	if p.heatStep > 0 {
		for z, t := range p.status.Temperatures {
			if t.Current < t.Target {
				t.Current = min(t.Current+p.heatStep, t.Target)
				p.status.Temperatures[z] = t
			}
		}
	}

	st := p.status
	st.Temperatures = make(map[device.Zone]device.Temperature, len(p.status.Temperatures))
	for z, t := range p.status.Temperatures {
		st.Temperatures[z] = t
	}
	st.FetchedAt = time.Now()
	return st, nil
}

func (p *fakePrinter) record(format string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	return p.cmdErr
}

func (p *fakePrinter) SetTemperature(_ context.Context, z device.Zone, c float64) error {
	if err := p.record("heat %s %.0f", z, c); err != nil {
		return err
	}
	p.mu.Lock()
	t := p.status.Temperatures[z]
	t.Target = c
	p.status.Temperatures[z] = t
	p.mu.Unlock()
	return nil
}

func (p *fakePrinter) Pause(context.Context) error {
	if err := p.record("pause"); err != nil {
		return err
	}
	p.setState(device.JobPaused)
	return nil
}

func (p *fakePrinter) Resume(context.Context) error {
	if err := p.record("resume"); err != nil {
		return err
	}
	p.setState(device.JobBuilding)
	return nil
}

func (p *fakePrinter) Stop(context.Context) error {
	if err := p.record("stop"); err != nil {
		return err
	}
	p.setState(device.JobAborting)
	return nil
}

func (p *fakePrinter) StartPrint(_ context.Context, upload string) error {
	if err := p.record("print %s", upload); err != nil {
		return err
	}
	p.mu.Lock()
	p.status.State = device.JobBuilding
	p.status.JobName = upload
	p.mu.Unlock()
	return nil
}

func (p *fakePrinter) Upload(_ context.Context, path string) (string, error) {
	if err := p.record("upload %s", filepath.Base(path)); err != nil {
		return "", err
	}
	return filepath.Base(path), nil
}

func (p *fakePrinter) setState(st device.JobState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = st
}

func (p *fakePrinter) setJob(st device.JobState, name string, progress float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = st
	p.status.JobName = name
	p.status.Progress = progress
}

func (p *fakePrinter) setTemperature(z device.Zone, current, target float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Temperatures[z] = device.Temperature{Current: current, Target: target}
}

func (p *fakePrinter) setOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offline {
		p.statusErr = errOffline
	} else {
		p.statusErr = nil
	}
}

func (p *fakePrinter) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePrinter) StatusCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCalls
}

// ---------------------------------------------------------------------------
// Session helpers
// ---------------------------------------------------------------------------

// testConfig polls rarely so tests drive status refreshes explicitly.
func testConfig(p device.Printer) Config {
	return Config{
		Printer:        p,
		RequestTimeout: time.Second,
		PollInterval:   time.Hour,
		ReconcileGrace: -1,
		ReadTimeout:    time.Second,
		StatusMaxAge:   time.Nanosecond,
		ReportUnit:     10 * time.Millisecond,
	}
}

// openSession opens a session and consumes the boot banner.
func openSession(t *testing.T, cfg Config) *Session {
	t.Helper()

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Open(context.Background()))
	for _, want := range []string{"", "start", DefaultBanner} {
		line, err := s.ReadLine(time.Second)
		require.NoError(t, err)
		require.Equal(t, want, line)
	}
	return s
}

// exchange writes line and returns every reply line up to and including
// the terminating ok or Resend.
func exchange(t *testing.T, s *Session, line string) []string {
	t.Helper()

	_, err := s.Write([]byte(line + "\n"))
	require.NoError(t, err)
	return readReply(t, s)
}

func readReply(t *testing.T, s *Session) []string {
	t.Helper()

	var lines []string
	for {
		line, err := s.ReadLine(2 * time.Second)
		require.NoError(t, err, "reply so far: %q", lines)
		lines = append(lines, line)
		if isTerminator(line) {
			return lines
		}
	}
}

func isTerminator(line string) bool {
	return line == "ok" || strings.HasPrefix(line, "ok ") || strings.HasPrefix(line, "Resend:")
}

// last returns the final element of lines.
func last(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
