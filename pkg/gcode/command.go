package gcode

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	gc "github.com/256dpi/gcode"
)

// Framing errors.
var (
	// ErrChecksumMismatch indicates the supplied checksum does not match the payload.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrMalformedChecksum indicates the text after '*' is not a number.
	ErrMalformedChecksum = errors.New("malformed checksum")

	// ErrMalformedLineNumber indicates an 'N' prefix without a valid line number.
	ErrMalformedLineNumber = errors.New("malformed line number")
)

// FramingError reports a line whose envelope failed validation.
// The command must not be executed; the host should resend the line.
type FramingError struct {
	// Line is the line number parsed from the envelope, if any.
	Line    int
	HasLine bool

	// Err is one of the framing sentinel errors.
	Err error
}

func (e *FramingError) Error() string {
	if e.HasLine {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return e.Err.Error()
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Param is a single parameter word of a command, e.g. S200.
type Param struct {
	Letter string
	Value  float64
}

// Command is a parsed GCode line. It is immutable once parsed.
type Command struct {
	// Raw is the line as received, surrounding whitespace removed.
	Raw string

	// Line is the envelope line number (valid when HasLine is set).
	Line    int
	HasLine bool

	// Checksum is the envelope checksum (valid when HasChecksum is set).
	Checksum    byte
	HasChecksum bool

	// Word is the upper-cased command word (e.g. "M105"). Empty for
	// lines that contain only comments or whitespace.
	Word string

	// Params are the parameter words following Word, in order.
	Params []Param

	// Args is the text following Word with its original case, for commands
	// taking a string argument such as "M23 part.gcode".
	Args string
}

// IsEmpty reports whether the line carried no command.
func (c Command) IsEmpty() bool {
	return c.Word == ""
}

// Has reports whether a parameter with the given letter is present.
func (c Command) Has(letter string) bool {
	_, ok := c.Float(letter)
	return ok
}

// Float returns the value of the first parameter with the given letter.
func (c Command) Float(letter string) (float64, bool) {
	letter = strings.ToUpper(letter)
	for _, p := range c.Params {
		if p.Letter == letter {
			return p.Value, true
		}
	}
	return 0, false
}

// Int returns the value of the first parameter with the given letter,
// truncated toward zero.
func (c Command) Int(letter string) (int, bool) {
	v, ok := c.Float(letter)
	return int(v), ok
}

// Checksum returns the XOR of all bytes of s.
func Checksum(s string) byte {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum ^= s[i]
	}
	return sum
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// StripComments removes ';' comments and "(...)" regions from line.
// Whitespace left around a removed region collapses to a single space.
func StripComments(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	if reParenComment.MatchString(line) {
		line = strings.Join(strings.Fields(reParenComment.ReplaceAllString(line, " ")), " ")
	}
	return strings.TrimSpace(line)
}

// Parse parses a single line (without its newline) into a Command.
// Envelope failures are returned as *FramingError.
func Parse(line string) (Command, error) {
	raw := strings.TrimSpace(line)
	cmd := Command{Raw: raw}

	text := raw
	if idx := strings.IndexByte(text, ';'); idx >= 0 {
		text = strings.TrimRight(text[:idx], " \t")
	}

	// The checksum covers every byte before the last '*'
	if idx := strings.LastIndexByte(text, '*'); idx >= 0 {
		digits := strings.TrimSpace(text[idx+1:])
		text = text[:idx]

		n, err := strconv.Atoi(digits)
		if err != nil || n < 0 || n > 255 {
			ferr := &FramingError{Err: ErrMalformedChecksum}
			ferr.Line, ferr.HasLine = peekLineNumber(text)
			return cmd, ferr
		}
		cmd.Checksum = byte(n)
		cmd.HasChecksum = true
	}

	payload, lineNo, hasLine, err := splitLineNumber(text)
	if err != nil {
		return cmd, &FramingError{Err: err}
	}
	cmd.Line, cmd.HasLine = lineNo, hasLine

	if cmd.HasChecksum {
		if sum := Checksum(text); sum != cmd.Checksum {
			return cmd, &FramingError{Line: lineNo, HasLine: hasLine, Err: ErrChecksumMismatch}
		}
	}

	payload = StripComments(payload)
	if payload == "" {
		return cmd, nil
	}

	cmd.Word, cmd.Args = splitWord(payload)
	cmd.Params = parseParams(cmd.Args)
	return cmd, nil
}

// splitLineNumber removes a leading "N<digits>" prefix.
func splitLineNumber(text string) (payload string, line int, ok bool, err error) {
	text = strings.TrimLeft(text, " \t")
	if text == "" || (text[0] != 'N' && text[0] != 'n') {
		return text, 0, false, nil
	}

	end := 1
	for end < len(text) && text[end] >= '0' && text[end] <= '9' {
		end++
	}
	if end == 1 {
		return "", 0, false, ErrMalformedLineNumber
	}

	n, convErr := strconv.Atoi(text[1:end])
	if convErr != nil {
		return "", 0, false, ErrMalformedLineNumber
	}
	return text[end:], n, true, nil
}

// peekLineNumber extracts the line number for error reporting only.
func peekLineNumber(text string) (int, bool) {
	_, n, ok, err := splitLineNumber(text)
	if err != nil {
		return 0, false
	}
	return n, ok
}

// splitWord separates the command word (letter plus number, e.g. "G1" or
// "M862.3") from the rest of the payload. Words may be written without a
// separating space ("G1X10").
func splitWord(payload string) (word, rest string) {
	c := payload[0]
	isLetter := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
	if !isLetter {
		fields := strings.Fields(payload)
		return strings.ToUpper(fields[0]), strings.TrimSpace(payload[len(fields[0]):])
	}

	end := 1
	for end < len(payload) && (payload[end] >= '0' && payload[end] <= '9' || payload[end] == '.') {
		end++
	}
	return strings.ToUpper(payload[:end]), strings.TrimSpace(payload[end:])
}

// parseParams decodes numeric parameter words. Arguments that are not
// GCode words (file names, messages) yield no params.
func parseParams(args string) []Param {
	if args == "" {
		return nil
	}

	line, err := gc.ParseLine(strings.ToUpper(args))
	if err != nil {
		return nil
	}

	params := make([]Param, 0, len(line.Codes))
	for _, code := range line.Codes {
		if code.Letter == "" {
			continue
		}
		params = append(params, Param{Letter: code.Letter, Value: code.Value})
	}
	return params
}
