package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dremelbridge/dremel-go/pkg/log"
)

// Stats holds aggregate statistics about a capture.
type Stats struct {
	TotalEvents       int
	EventsBySource    map[log.Source]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Sessions          map[string]*SessionStats

	// Words counts host commands by GCode word.
	Words map[string]int

	Resends int
	Errors  int

	TimeRange struct {
		Start time.Time
		End   time.Time
	}
}

// SessionStats holds statistics for one session.
type SessionStats struct {
	RemoteAddr string
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	LinesIn    int
	LinesOut   int
}

// commandWord extracts the GCode word from a captured host line.
func commandWord(text string) string {
	fields := strings.Fields(text)
	for _, f := range fields {
		if f[0] == 'N' || f[0] == 'n' {
			continue
		}
		if i := strings.IndexByte(f, '*'); i >= 0 {
			f = f[:i]
		}
		if f == "" || f[0] == ';' {
			return ""
		}
		return strings.ToUpper(f)
	}
	return ""
}

// collect aggregates every event of reader.
func collect(reader *log.Reader) (*Stats, error) {
	stats := &Stats{
		EventsBySource:    make(map[log.Source]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Sessions:          make(map[string]*SessionStats),
		Words:             make(map[string]int),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsBySource[event.Source]++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		sess, ok := stats.Sessions[event.SessionID]
		if !ok {
			sess = &SessionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
			stats.Sessions[event.SessionID] = sess
		}
		sess.Events++
		if event.Timestamp.After(sess.LastSeen) {
			sess.LastSeen = event.Timestamp
		}
		if sess.RemoteAddr == "" {
			sess.RemoteAddr = event.RemoteAddr
		}

		if event.Line != nil {
			if event.Direction == log.DirectionIn {
				sess.LinesIn++
				if w := commandWord(event.Line.Text); w != "" {
					stats.Words[w]++
				}
			} else {
				sess.LinesOut++
				if strings.HasPrefix(event.Line.Text, "Resend:") || strings.HasPrefix(event.Line.Text, "rs ") {
					stats.Resends++
				}
			}
		}
		if event.Error != nil {
			stats.Errors++
		}
	}
	return stats, nil
}

// RunStats analyzes the capture at path and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	stats, err := collect(reader)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Serial Capture Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Source:")
	for _, src := range []log.Source{log.SourceHost, log.SourceReporter, log.SourcePoller, log.SourceSession} {
		if count := stats.EventsBySource[src]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", src.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryLine, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.Words) > 0 {
		words := make([]string, 0, len(stats.Words))
		for word := range stats.Words {
			words = append(words, word)
		}
		sort.Slice(words, func(i, j int) bool {
			if stats.Words[words[i]] != stats.Words[words[j]] {
				return stats.Words[words[i]] > stats.Words[words[j]]
			}
			return words[i] < words[j]
		})

		fmt.Fprintln(w, "Commands:")
		for _, word := range words {
			fmt.Fprintf(w, "  %-12s %d\n", word+":", stats.Words[word])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Sessions: %d\n", len(stats.Sessions))
	if len(stats.Sessions) > 0 {
		type sessionInfo struct {
			id    string
			stats *SessionStats
		}
		sessions := make([]sessionInfo, 0, len(stats.Sessions))
		for id, ss := range stats.Sessions {
			sessions = append(sessions, sessionInfo{id, ss})
		}
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].stats.FirstSeen.Before(sessions[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, s := range sessions {
			duration := s.stats.LastSeen.Sub(s.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, %d in / %d out, duration %s\n",
				shortenID(s.id), s.stats.Events, s.stats.LinesIn, s.stats.LinesOut, duration)
			if s.stats.RemoteAddr != "" {
				fmt.Fprintf(w, "             Host: %s\n", s.stats.RemoteAddr)
			}
		}
	}

	if stats.Resends > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Resends: %d\n", stats.Resends)
	}
	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
