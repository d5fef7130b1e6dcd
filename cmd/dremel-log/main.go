// Command dremel-log reads serial capture files written by dremel-serial
// with the -capture flag.
//
// Usage:
//
//	dremel-log <command> [flags] <file.dlog>
//
// Commands:
//
//	view     Print the traffic in human-readable form
//	export   Export the capture to JSONL or CSV
//	stats    Summarize the capture
//
// Examples:
//
//	# Show only lines the host sent
//	dremel-log view -direction in serial.dlog
//
//	# Follow one command through the capture
//	dremel-log view -contains M109 serial.dlog
//
//	# Export to CSV
//	dremel-log export -format csv -o serial.csv serial.dlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dremelbridge/dremel-go/cmd/dremel-log/commands"
)

const usage = `dremel-log - Dremel serial capture viewer

Usage:
  dremel-log <command> [flags] <file.dlog>

Commands:
  view     Print the traffic in human-readable form
  export   Export the capture to JSONL or CSV
  stats    Summarize the capture

Use "dremel-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func requirePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `dremel-log view - Print the traffic in human-readable form

Usage:
  dremel-log view [flags] <file.dlog>

Flags:
`)
		fs.PrintDefaults()
	}

	session := fs.String("session", "", "Only events of this session id (prefix allowed)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	source := fs.String("source", "", "Filter by source (host, reporter, poller, session)")
	category := fs.String("category", "", "Filter by category (line, state, error)")
	contains := fs.String("contains", "", "Only lines containing this text")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := commands.BuildFilter(commands.FilterFlags{
		Session:   *session,
		Direction: *direction,
		Source:    *source,
		Category:  *category,
		Contains:  *contains,
	})
	if err != nil {
		fail(err)
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `dremel-log export - Export the capture to JSONL or CSV

Usage:
  dremel-log export [flags] <file.dlog>

Flags:
`)
		fs.PrintDefaults()
	}

	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `dremel-log stats - Summarize the capture

Usage:
  dremel-log stats <file.dlog>
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
