// Package report runs the periodic auto-reports a Marlin host enables with
// M155 (temperatures) and M27 S (SD print status).
//
// Each enabled kind runs in its own goroutine. Changing or disabling an
// interval stops the previous goroutine and waits for it, so once Set
// returns no emission from the old interval can follow.
package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownKind is returned for a kind without a registered emitter.
var ErrUnknownKind = errors.New("unknown report kind")

// ErrClosed is returned by Set after Close.
var ErrClosed = errors.New("scheduler closed")

// Kind identifies an auto-report.
type Kind uint8

const (
	// KindTemperature is the M155 temperature report.
	KindTemperature Kind = iota

	// KindSDStatus is the M27 S print progress report.
	KindSDStatus
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindSDStatus:
		return "sd-status"
	default:
		return "unknown"
	}
}

// Emitter produces one report. It must return promptly once ctx is done.
type Emitter func(ctx context.Context)

// Config configures a Scheduler.
type Config struct {
	// Unit is the duration of one interval step. Zero means one second.
	Unit time.Duration

	// MaxInterval caps the requested interval in units. Zero means 60.
	MaxInterval int

	Logger *slog.Logger
}

type task struct {
	interval int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler owns the auto-report goroutines of one session.
type Scheduler struct {
	mu       sync.Mutex
	unit     time.Duration
	maxIv    int
	logger   *slog.Logger
	emitters map[Kind]Emitter
	tasks    map[Kind]*task
	closed   bool
}

// NewScheduler creates a scheduler with no running tasks.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		unit:     cfg.Unit,
		maxIv:    cfg.MaxInterval,
		logger:   cfg.Logger,
		emitters: make(map[Kind]Emitter),
		tasks:    make(map[Kind]*task),
	}
}

// Register installs the emitter for kind. Must be called before Set.
func (s *Scheduler) Register(kind Kind, emit Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitters[kind] = emit
}

// Set changes the interval of kind. Zero or negative disables it.
// Intervals above the maximum are clamped.
func (s *Scheduler) Set(kind Kind, interval int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	emit, ok := s.emitters[kind]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownKind
	}

	old := s.tasks[kind]
	delete(s.tasks, kind)

	var t *task
	if interval > 0 {
		interval = min(interval, s.maxIv)
		ctx, cancel := context.WithCancel(context.Background())
		t = &task{interval: interval, cancel: cancel, done: make(chan struct{})}
		s.tasks[kind] = t
		go s.run(ctx, t, emit)
	}
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	s.logger.Debug("auto-report interval", "kind", kind, "interval", interval)
	return nil
}

func (s *Scheduler) run(ctx context.Context, t *task, emit Emitter) {
	defer close(t.done)

	ticker := time.NewTicker(time.Duration(t.interval) * s.unit)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit(ctx)
		}
	}
}

// Interval returns the active interval of kind, or 0 if disabled.
func (s *Scheduler) Interval(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[kind]; ok {
		return t.interval
	}
	return 0
}

// Enabled reports whether kind is running.
func (s *Scheduler) Enabled(kind Kind) bool {
	return s.Interval(kind) > 0
}

// Close stops every task and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := s.tasks
	s.tasks = make(map[Kind]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}
