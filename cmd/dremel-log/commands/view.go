// Package commands implements the dremel-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/dremelbridge/dremel-go/pkg/log"
)

// FilterFlags are the raw view flags.
type FilterFlags struct {
	Session   string
	Direction string
	Source    string
	Category  string
	Contains  string
}

// ViewFilter selects events for the view command. Session matches by
// prefix so the short ids printed by view can be pasted back.
type ViewFilter struct {
	log.Filter
	SessionPrefix string
}

// Match reports whether event passes the filter.
func (f *ViewFilter) Match(event log.Event) bool {
	if f.SessionPrefix != "" && !strings.HasPrefix(event.SessionID, f.SessionPrefix) {
		return false
	}
	return f.Filter.Match(event)
}

// BuildFilter parses the view flags.
func BuildFilter(flags FilterFlags) (ViewFilter, error) {
	f := ViewFilter{SessionPrefix: flags.Session}
	f.Contains = flags.Contains

	if flags.Direction != "" {
		d, err := parseDirection(flags.Direction)
		if err != nil {
			return ViewFilter{}, err
		}
		f.Direction = &d
	}
	if flags.Source != "" {
		s, err := parseSource(flags.Source)
		if err != nil {
			return ViewFilter{}, err
		}
		f.Source = &s
	}
	if flags.Category != "" {
		c, err := parseCategory(flags.Category)
		if err != nil {
			return ViewFilter{}, err
		}
		f.Category = &c
	}
	return f, nil
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

func parseSource(s string) (log.Source, error) {
	switch strings.ToLower(s) {
	case "host":
		return log.SourceHost, nil
	case "reporter":
		return log.SourceReporter, nil
	case "poller":
		return log.SourcePoller, nil
	case "session":
		return log.SourceSession, nil
	default:
		return 0, fmt.Errorf("invalid source: %s (must be host, reporter, poller, or session)", s)
	}
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "line":
		return log.CategoryLine, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be line, state, or error)", s)
	}
}

// formatEvent writes one event per line:
//
//	15:04:05.000 [1a2b3c4d] IN  HOST     N3 M105*39
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("15:04:05.000")
	prefix := fmt.Sprintf("%s [%s] %-3s %-8s", ts, shortenID(event.SessionID), event.Direction, event.Source)

	switch {
	case event.Line != nil:
		text := event.Line.Text
		if text == "" {
			text = "(blank)"
		}
		fmt.Fprintf(w, "%s %s\n", prefix, text)
	case event.StateChange != nil:
		sc := event.StateChange
		old := sc.OldState
		if old == "" {
			old = "-"
		}
		fmt.Fprintf(w, "%s %s %s -> %s", prefix, sc.Entity, old, sc.NewState)
		if sc.Reason != "" {
			fmt.Fprintf(w, " (%s)", sc.Reason)
		}
		fmt.Fprintln(w)
	case event.Error != nil:
		fmt.Fprintf(w, "%s ERROR", prefix)
		if event.Error.Context != "" {
			fmt.Fprintf(w, " %s:", event.Error.Context)
		}
		fmt.Fprintf(w, " %s\n", event.Error.Message)
	default:
		fmt.Fprintf(w, "%s %s\n", prefix, event.Category)
	}
}

// shortenID returns the first 8 characters of a session id.
func shortenID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// RunView prints the matching events of the capture at path.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if !filter.Match(event) {
			continue
		}
		formatEvent(output, event)
	}
	return nil
}
