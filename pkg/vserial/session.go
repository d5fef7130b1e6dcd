package vserial

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dremelbridge/dremel-go/pkg/connection"
	"github.com/dremelbridge/dremel-go/pkg/device"
	"github.com/dremelbridge/dremel-go/pkg/gcode"
	"github.com/dremelbridge/dremel-go/pkg/log"
	"github.com/dremelbridge/dremel-go/pkg/report"
	"github.com/dremelbridge/dremel-go/pkg/sdindex"
	"github.com/dremelbridge/dremel-go/pkg/temperature"
)

// Default configuration values.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultPollInterval     = 10 * time.Second
	DefaultReconcileGrace   = 5 * time.Second
	DefaultReadTimeout      = 2 * time.Second
	DefaultHeatTimeout      = 15 * time.Minute
	DefaultHeatPollInterval = time.Second
	DefaultStatusMaxAge     = time.Second
	DefaultMaxPollBackoff   = 2 * time.Minute
	DefaultMaxExtruderTemp  = 280
	DefaultMaxBedTemp       = 100
	DefaultBanner           = "Dremel 3D45 Virtual Serial"
)

// inputQueueSize bounds the lines waiting for the dispatcher.
const inputQueueSize = 128

// Config configures a Session.
type Config struct {
	// Printer is the device behind the session. Required.
	Printer device.Printer

	// RequestTimeout bounds every printer call.
	RequestTimeout time.Duration

	// PollInterval is the status polling period while the printer answers.
	PollInterval time.Duration

	// MaxPollBackoff caps the polling period while the printer is unreachable.
	MaxPollBackoff time.Duration

	// MaxFailures is the number of consecutive failed exchanges tolerated
	// before the activity becomes ERROR.
	MaxFailures int

	// ReconcileGrace is how long after a host-initiated state change a
	// diverging printer status is not applied. The printer takes a few
	// seconds to report a newly started or paused job.
	ReconcileGrace time.Duration

	// ReadTimeout is the default wait of Read and ReadLine.
	ReadTimeout time.Duration

	// HeatTimeout bounds M109/M190 waits.
	HeatTimeout time.Duration

	// HeatPollInterval is the status period during M109/M190 waits.
	HeatPollInterval time.Duration

	// StatusMaxAge is how long a fetched status answers queries (M105, M27)
	// before a new one is fetched.
	StatusMaxAge time.Duration

	MaxExtruderTemp float64
	MaxBedTemp      float64

	// Format selects the response dialect.
	Format Format

	// ReportUnit is the duration of one M155/M27 interval step.
	ReportUnit time.Duration

	// Banner is the last line of the boot sequence.
	Banner string

	// Index holds the uploaded file names. Sessions created for successive
	// host connections can share one; nil gives the session its own.
	Index *sdindex.Index

	// SessionID identifies the session in logs. Generated if empty.
	SessionID string

	// RemoteAddr is the host's address, recorded in capture events.
	RemoteAddr string

	Logger *slog.Logger

	// Capture receives every line in both directions.
	Capture log.Logger
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollBackoff <= 0 {
		c.MaxPollBackoff = DefaultMaxPollBackoff
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = connection.DefaultMaxFailures
	}
	if c.ReconcileGrace < 0 {
		c.ReconcileGrace = 0
	} else if c.ReconcileGrace == 0 {
		c.ReconcileGrace = DefaultReconcileGrace
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HeatTimeout <= 0 {
		c.HeatTimeout = DefaultHeatTimeout
	}
	if c.HeatPollInterval <= 0 {
		c.HeatPollInterval = DefaultHeatPollInterval
	}
	if c.StatusMaxAge <= 0 {
		c.StatusMaxAge = DefaultStatusMaxAge
	}
	if c.MaxExtruderTemp <= 0 {
		c.MaxExtruderTemp = DefaultMaxExtruderTemp
	}
	if c.MaxBedTemp <= 0 {
		c.MaxBedTemp = DefaultMaxBedTemp
	}
	if c.ReportUnit <= 0 {
		c.ReportUnit = time.Second
	}
	if c.Banner == "" {
		c.Banner = DefaultBanner
	}
	if c.SessionID == "" {
		c.SessionID = uuid.New().String()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Index == nil {
		c.Index = sdindex.New()
	}
	c.Format = c.Format.withDefaults()
	return c
}

// Session is one virtual serial connection to a printer.
type Session struct {
	cfg     Config
	printer device.Printer
	format  Format
	logger  *slog.Logger
	rec     *log.Recorder

	machine  *connection.Machine
	temps    *temperature.Tracker
	index    *sdindex.Index
	reports  *report.Scheduler
	backoff  *connection.Backoff
	handlers map[string]handler

	out *outbox

	// Write side. Lines are framed under writeMu and handed to the
	// dispatcher in arrival order.
	writeMu sync.Mutex
	framer  *gcode.Framer
	lines   chan string

	// dispatchMu serializes line processing and status application.
	dispatchMu     sync.Mutex
	expected       int
	hasExpected    bool
	jobActive      bool
	jobStarted     time.Time
	lastHostChange time.Time
	info           device.Info

	// selected is read by Status without the dispatch lock, which a heat
	// wait may hold for minutes.
	selected atomic.Pointer[sdindex.Entry]

	statusMu  sync.RWMutex
	status    device.Status
	statusAt  time.Time
	hasStatus bool

	waitMu     sync.Mutex
	waitCancel context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a session. The session does nothing until Open.
func New(cfg Config) (*Session, error) {
	if cfg.Printer == nil {
		return nil, ErrNoPrinter
	}
	cfg = cfg.withDefaults()

	logger := cfg.Logger.With("session", cfg.SessionID)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:     cfg,
		printer: cfg.Printer,
		format:  cfg.Format,
		logger:  logger,
		rec:     log.NewRecorder(cfg.Capture, cfg.SessionID, cfg.RemoteAddr),
		machine: connection.NewMachine(connection.Config{MaxFailures: cfg.MaxFailures}),
		temps:   temperature.NewTracker(),
		index:   cfg.Index,
		reports: report.NewScheduler(report.Config{Unit: cfg.ReportUnit, Logger: logger}),
		backoff: connection.NewBackoffWithConfig(connection.BackoffConfig{
			Initial: cfg.PollInterval,
			Max:     cfg.MaxPollBackoff,
			Jitter:  connection.JitterFactor,
		}),
		out:    newOutbox(),
		framer: gcode.NewFramer(),
		lines:  make(chan string, inputQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.handlers = s.newHandlerTable()
	s.reports.Register(report.KindTemperature, s.emitTemperatureReport)
	s.reports.Register(report.KindSDStatus, s.emitSDReport)
	s.machine.OnStateChange(s.recordStateChange)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.cfg.SessionID
}

// Open performs the handshake with the printer and starts the background
// tasks. The boot banner is queued before the handshake; on failure an
// error line follows it and the session stays disconnected.
func (s *Session) Open(ctx context.Context) error {
	if res := s.machine.Apply(connection.Transition{Event: connection.EventOpen}); !res.Accepted {
		if res.Old.Link == connection.LinkClosed {
			return ErrSessionClosed
		}
		return connection.ErrAlreadyOpened
	}

	s.send(log.SourceSession, "", "start", s.cfg.Banner)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	info, err := s.printer.Info(hctx)
	cancel()
	if err != nil {
		s.machine.Apply(connection.Transition{Event: connection.EventHandshakeFailed})
		s.send(log.SourceSession, s.format.error("Connection failed - "+err.Error()))
		s.rec.Error(log.SourceSession, "handshake", err)
		s.logger.Error("printer handshake failed", "error", err)
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	s.dispatchMu.Lock()
	s.info = info
	s.dispatchMu.Unlock()

	s.machine.Apply(connection.Transition{Event: connection.EventHandshakeOK})
	s.logger.Info("connected to printer",
		"machine", info.Machine,
		"firmware", info.Firmware,
		"serial", info.SerialNumber)

	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.dispatchLoop()
		go s.pollLoop()
	})

	// Pick up a job that was started before the host connected.
	s.dispatchMu.Lock()
	if err := s.refreshLocked(ctx, log.SourceSession); err != nil {
		s.logger.Warn("initial status refresh failed", "error", err)
	}
	s.dispatchMu.Unlock()
	return nil
}

// Close stops the background tasks and closes the output. Unread output
// stays readable. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.cancelHeatWait()
		s.reports.Close()
		s.wg.Wait()

		s.dispatchMu.Lock()
		s.machine.Apply(connection.Transition{Event: connection.EventClose})
		s.dispatchMu.Unlock()

		s.out.close()
		s.logger.Info("session closed")
	})
	return nil
}

// IsOpen reports whether the handshake completed and Close was not called.
func (s *Session) IsOpen() bool {
	return s.machine.IsConnected()
}

// Write queues GCode for processing. Partial lines are kept until their
// newline arrives. Write returns once every complete line is queued; replies
// are read with Read or ReadLine. Write blocks while inputQueueSize lines are
// waiting, which only happens to hosts that send without waiting for ok.
func (s *Session) Write(p []byte) (int, error) {
	switch s.machine.Link() {
	case connection.LinkClosed:
		return 0, ErrSessionClosed
	case connection.LinkConnected:
	default:
		return 0, ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, line := range s.framer.Feed(p) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// M108 must reach a blocked M109/M190 ahead of the queue.
		if isHeatBreak(line) {
			s.cancelHeatWait()
		}
		select {
		case s.lines <- line:
		case <-s.ctx.Done():
			return 0, ErrSessionClosed
		}
	}
	if n := s.framer.Pending(); n > 0 {
		s.logger.Debug("partial line buffered", "bytes", n)
	}
	return len(p), nil
}

// Read reads queued output, waiting up to the configured read timeout.
// It returns 0, nil on timeout and io.EOF after Close once drained.
func (s *Session) Read(p []byte) (int, error) {
	return s.out.read(p, s.cfg.ReadTimeout)
}

// ReadLine returns the next output line without its newline, waiting up
// to timeout. Zero uses the configured read timeout.
func (s *Session) ReadLine(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.cfg.ReadTimeout
	}
	return s.out.readLine(timeout)
}

// InWaiting returns the number of output bytes ready to read.
func (s *Session) InWaiting() int {
	return s.out.len()
}

// ResetInput discards queued output.
func (s *Session) ResetInput() {
	s.out.reset()
}

// send records lines and appends them to the output as one unit.
func (s *Session) send(source log.Source, lines ...string) {
	for _, l := range lines {
		s.rec.LineOut(source, l)
	}
	s.out.append(lines...)
}

func (s *Session) recordStateChange(old, new connection.Snapshot) {
	if old.Link != new.Link {
		s.rec.State(log.SourceSession, log.StateEntityLink, old.Link.String(), new.Link.String(), "")
		s.logger.Debug("link changed", "old", old.Link, "new", new.Link)
	}
	if old.Activity != new.Activity {
		s.rec.State(log.SourcePoller, log.StateEntityActivity, old.Activity.String(), new.Activity.String(), "")
		s.logger.Info("activity changed", "old", old.Activity, "new", new.Activity)
	}
}

// Status is a point-in-time view of the session for external consumers.
type Status struct {
	SessionID string `json:"session_id"`
	Connected bool   `json:"connected"`
	Link      string `json:"link"`
	Activity  string `json:"activity"`
	Failures  int    `json:"failures"`

	Selected string  `json:"selected,omitempty"`
	Progress float64 `json:"progress"`

	Extruder ZoneStatus `json:"extruder"`
	Bed      ZoneStatus `json:"bed"`
	Chamber  ZoneStatus `json:"chamber"`

	SDIndex sdindex.Snapshot `json:"sd_index"`
}

// ZoneStatus is the effective temperature of one zone.
type ZoneStatus struct {
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

// Status returns the current session status.
func (s *Session) Status() Status {
	snap := s.machine.Snapshot()
	st := Status{
		SessionID: s.cfg.SessionID,
		Connected: snap.Link == connection.LinkConnected,
		Link:      snap.Link.String(),
		Activity:  snap.Activity.String(),
		Failures:  snap.Failures,
		Extruder:  s.zoneStatus(device.ZoneExtruder),
		Bed:       s.zoneStatus(device.ZonePlatform),
		Chamber:   s.zoneStatus(device.ZoneChamber),
		SDIndex:   s.index.Snapshot(),
	}

	s.statusMu.RLock()
	st.Progress = s.status.Progress
	s.statusMu.RUnlock()

	if e := s.selected.Load(); e != nil {
		st.Selected = e.Display
	}
	return st
}

func (s *Session) zoneStatus(z device.Zone) ZoneStatus {
	r := s.temps.Reading(z)
	return ZoneStatus{Current: r.Current, Target: r.Target}
}

// SDIndex returns the indexed files.
func (s *Session) SDIndex() sdindex.Snapshot {
	return s.index.Snapshot()
}

// ClearSDIndex removes every indexed file. The current selection is kept.
func (s *Session) ClearSDIndex() {
	s.index.Clear()
	s.logger.Info("sd index cleared")
}

// Upload transfers a local file to the printer, indexes it under
// displayName and selects it. An empty displayName uses the file's base name.
// Uploads are refused with ErrPrintActive while a job is building.
func (s *Session) Upload(ctx context.Context, localPath, displayName string) (sdindex.Entry, error) {
	if s.printActive() {
		return sdindex.Entry{}, fmt.Errorf("upload: %w", ErrPrintActive)
	}

	fi, err := os.Stat(localPath)
	if err != nil {
		return sdindex.Entry{}, fmt.Errorf("upload: %w", err)
	}

	uctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	remote, err := s.printer.Upload(uctx, localPath)
	if err != nil {
		return sdindex.Entry{}, fmt.Errorf("upload: %w", err)
	}
	if displayName == "" {
		displayName = remote
	}

	e := s.index.Put(displayName, remote, fi.Size())

	s.selected.Store(&e)

	s.logger.Info("file uploaded", "display", e.Display, "upload", e.Upload, "size", e.Size)
	return e, nil
}

func (s *Session) setHeatWait(cancel context.CancelFunc) {
	s.waitMu.Lock()
	s.waitCancel = cancel
	s.waitMu.Unlock()
}

func (s *Session) cancelHeatWait() {
	s.waitMu.Lock()
	cancel := s.waitCancel
	s.waitCancel = nil
	s.waitMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// isHeatBreak reports whether line is an M108 command.
func isHeatBreak(line string) bool {
	cmd, err := gcode.Parse(line)
	return err == nil && cmd.Word == "M108"
}
