package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/dremelbridge/dremel-go/pkg/log"
)

func TestStatsSummarizesCapture(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"Total Events: 4",
		"HOST:        2",
		"POLLER:      2",
		"M105:        1",
		"Sessions: 1",
		"[1a2b3c4d] 4 events, 1 in / 1 out",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
	if strings.Contains(output, "Resends:") {
		t.Error("unexpected resend count")
	}
}

func TestStatsCountsResends(t *testing.T) {
	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	out := func(text string) log.Event {
		return log.Event{Timestamp: ts, SessionID: "s", Direction: log.DirectionOut,
			Category: log.CategoryLine, Line: &log.LineEvent{Text: text}}
	}
	path := createTestLogFile(t, []log.Event{
		out("Error:checksum mismatch"),
		out("Resend:4"),
		out("rs N4"),
		out("ok"),
	})

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Resends: 2") {
		t.Errorf("expected 2 resends:\n%s", buf.String())
	}
}

func TestCommandWord(t *testing.T) {
	tests := map[string]string{
		"N3 M105*39":      "M105",
		"g28":             "G28",
		"M117 Hello *x":   "M117",
		"; comment":       "",
		"N7":              "",
		"M23 /Part.gcode": "M23",
	}
	for in, want := range tests {
		if got := commandWord(in); got != want {
			t.Errorf("commandWord(%q) = %q, want %q", in, got, want)
		}
	}
}
