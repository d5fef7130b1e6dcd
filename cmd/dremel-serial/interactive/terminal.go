// Package interactive runs a serial session at a readline prompt.
//
// Input lines are written to the session as GCode. Lines starting with
// "/" are terminal commands:
//
//	/status              show the session status
//	/upload <path> [as]  upload a local file and select it
//	/clear               forget uploaded files
//	/help                show this help
//	/quit                exit
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/dremelbridge/dremel-go/pkg/vserial"
)

const outputPoll = 250 * time.Millisecond

// Config configures the terminal.
type Config struct {
	// Session is the session template. Its Logger is replaced by one that
	// writes through the prompt.
	Session vserial.Config

	LogLevel slog.Level
}

// Terminal is an interactive serial console.
type Terminal struct {
	rl      *readline.Instance
	session *vserial.Session
	out     io.Writer

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates the prompt and the session. The session opens in Run.
func New(cfg Config) (*Terminal, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gcode> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	cfg.Session.Logger = slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))
	session, err := vserial.New(cfg.Session)
	if err != nil {
		rl.Close()
		return nil, err
	}

	return newTerminal(rl, session, rl.Stdout()), nil
}

func newTerminal(rl *readline.Instance, session *vserial.Session, out io.Writer) *Terminal {
	return &Terminal{rl: rl, session: session, out: out}
}

// Stderr returns a writer that coordinates with the prompt.
func (t *Terminal) Stderr() io.Writer {
	return t.rl.Stderr()
}

// Run opens the session and reads commands until EOF, /quit or ctx ends.
// cancel is called on exit.
func (t *Terminal) Run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.printOutput()
	}()

	if err := t.session.Open(ctx); err != nil {
		fmt.Fprintf(t.out, "open failed: %v\n", err)
		return
	}
	fmt.Fprintln(t.out, "Connected. Type GCode, or /help.")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := t.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(t.out, "Exiting...")
			return
		}

		if !t.Execute(ctx, line) {
			return
		}
	}
}

// Execute handles one input line. It returns false when the terminal
// should exit.
func (t *Terminal) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if !strings.HasPrefix(input, "/") {
		if _, err := t.session.Write([]byte(input + "\n")); err != nil {
			fmt.Fprintf(t.out, "write failed: %v\n", err)
		}
		return true
	}

	parts := strings.Fields(input[1:])
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		t.printHelp()
	case "status", "s":
		t.cmdStatus()
	case "upload", "u":
		t.cmdUpload(ctx, args)
	case "clear":
		t.session.ClearSDIndex()
		fmt.Fprintln(t.out, "SD index cleared")
	case "quit", "exit", "q":
		fmt.Fprintln(t.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(t.out, "Unknown command: /%s (type /help for commands)\n", cmd)
	}
	return true
}

func (t *Terminal) printHelp() {
	fmt.Fprintln(t.out, `
Anything not starting with "/" is sent as GCode (M105, M115, M20, ...).

Terminal Commands:
  /status              - Show session status
  /upload <path> [as]  - Upload a local file and select it
  /clear               - Forget uploaded files
  /help                - Show this help
  /quit                - Exit`)
}

func (t *Terminal) cmdStatus() {
	st := t.session.Status()
	fmt.Fprintf(t.out, "Link:     %s\n", st.Link)
	fmt.Fprintf(t.out, "Activity: %s (failures: %d)\n", st.Activity, st.Failures)
	if st.Selected != "" {
		fmt.Fprintf(t.out, "Selected: %s (%.0f%%)\n", st.Selected, st.Progress)
	}
	fmt.Fprintf(t.out, "Extruder: %.1f / %.1f\n", st.Extruder.Current, st.Extruder.Target)
	fmt.Fprintf(t.out, "Bed:      %.1f / %.1f\n", st.Bed.Current, st.Bed.Target)
	fmt.Fprintf(t.out, "Files:    %d\n", st.SDIndex.Count)
	for _, e := range st.SDIndex.Items {
		fmt.Fprintf(t.out, "  %s -> %s (%d bytes)\n", e.Display, e.Upload, e.Size)
	}
}

func (t *Terminal) cmdUpload(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(t.out, "Usage: /upload <path> [name]")
		return
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}

	e, err := t.session.Upload(ctx, args[0], name)
	if err != nil {
		fmt.Fprintf(t.out, "upload failed: %v\n", err)
		return
	}
	fmt.Fprintf(t.out, "Uploaded %s as %s (%d bytes), selected\n", e.Display, e.Upload, e.Size)
}

// printOutput copies session output to the terminal until the session
// is closed and drained.
func (t *Terminal) printOutput() {
	for {
		line, err := t.session.ReadLine(outputPoll)
		if errors.Is(err, vserial.ErrReadTimeout) {
			continue
		}
		if err != nil {
			return
		}
		fmt.Fprintf(t.out, "< %s\n", line)
	}
}

// Close closes the session and the prompt.
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.session.Close()
		t.wg.Wait()
		if t.rl != nil {
			t.rl.Close()
		}
	})
	return err
}
