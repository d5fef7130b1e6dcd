package log

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type memLogger struct {
	mu     sync.Mutex
	events []Event
}

func (m *memLogger) Log(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func TestNoopLogger(t *testing.T) {
	var l NoopLogger
	l.Log(Event{})
}

func TestMultiLogger(t *testing.T) {
	a, b := &memLogger{}, &memLogger{}
	m := NewMultiLogger(a, nil, b)

	m.Log(Event{SessionID: "x"})
	m.Log(Event{SessionID: "y"})

	if len(a.events) != 2 || len(b.events) != 2 {
		t.Errorf("got %d and %d events, want 2 each", len(a.events), len(b.events))
	}
	if b.events[1].SessionID != "y" {
		t.Errorf("order not preserved: %q", b.events[1].SessionID)
	}
}

func TestRecorder(t *testing.T) {
	t.Run("StampsIdentity", func(t *testing.T) {
		mem := &memLogger{}
		r := NewRecorder(mem, "sess-9", "")
		n := 3
		r.LineIn("N3 G28*18", &n)

		if len(mem.events) != 1 {
			t.Fatalf("got %d events", len(mem.events))
		}
		e := mem.events[0]
		if e.SessionID != "sess-9" || e.Timestamp.IsZero() {
			t.Errorf("event = %+v", e)
		}
		if r.SessionID() != "sess-9" {
			t.Errorf("SessionID() = %q", r.SessionID())
		}
	})

	t.Run("NilSafe", func(t *testing.T) {
		var r *Recorder
		r.LineOut(SourceHost, "ok")
		r.Error(SourceHost, "x", errors.New("y"))
		if r.SessionID() != "" {
			t.Error("nil recorder has a session id")
		}

		NewRecorder(nil, "s", "").LineOut(SourceHost, "ok")
	})
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := NewRecorder(NewSlogAdapter(logger), "sess-1", "10.0.0.2:4000")

	r.LineOut(SourceReporter, "T:200.0 /200.0")
	r.State(SourcePoller, StateEntityActivity, "IDLE", "PAUSED", "")
	r.Error(SourceHost, "M104", errors.New("unreachable"))

	out := buf.String()
	for _, want := range []string{
		"session=sess-1",
		"remote=10.0.0.2:4000",
		"source=REPORTER",
		"new=PAUSED",
		"error=unreachable",
		"context=M104",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
