package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dremelbridge/dremel-go/pkg/log"
)

// RunExport writes the capture at path in the given format to output,
// or to stdout when output is empty.
func RunExport(path, format, output string) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	return export(reader, format, w)
}

func export(reader *log.Reader, format string, w io.Writer) error {
	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

// jsonEvent is the flattened export form of an event.
type jsonEvent struct {
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id"`
	Direction  string `json:"direction"`
	Source     string `json:"source"`
	Category   string `json:"category"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Text       string `json:"text,omitempty"`
	LineNumber *int   `json:"line_number,omitempty"`
	Entity     string `json:"entity,omitempty"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`
	Error      string `json:"error,omitempty"`
	Context    string `json:"context,omitempty"`
}

func flatten(e log.Event) jsonEvent {
	j := jsonEvent{
		Timestamp:  e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		SessionID:  e.SessionID,
		Direction:  e.Direction.String(),
		Source:     e.Source.String(),
		Category:   e.Category.String(),
		RemoteAddr: e.RemoteAddr,
	}
	if e.Line != nil {
		j.Text = e.Line.Text
		j.LineNumber = e.Line.LineNumber
	}
	if e.StateChange != nil {
		j.Entity = e.StateChange.Entity.String()
		j.OldState = e.StateChange.OldState
		j.NewState = e.StateChange.NewState
	}
	if e.Error != nil {
		j.Error = e.Error.Message
		j.Context = e.Error.Context
	}
	return j
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(flatten(event)); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "session_id", "direction", "source", "category", "text", "detail"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		j := flatten(event)
		detail := ""
		switch {
		case event.StateChange != nil:
			detail = j.Entity + " " + j.OldState + "->" + j.NewState
		case event.Error != nil:
			detail = j.Error
		}

		row := []string{j.Timestamp, j.SessionID, j.Direction, j.Source, j.Category, j.Text, detail}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return nil
}
