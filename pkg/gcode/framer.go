package gcode

import "bytes"

// Framer accumulates raw bytes and yields complete lines.
// A trailing partial line is retained until the next Feed call.
// Framer is not safe for concurrent use.
type Framer struct {
	partial []byte
}

// NewFramer creates an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends chunk to the pending input and returns every complete line
// it now contains, in order, without the terminating "\n" or "\r\n".
func (f *Framer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	f.partial = append(f.partial, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.partial, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(f.partial[:idx], "\r")
		lines = append(lines, string(line))
		f.partial = f.partial[idx+1:]
	}

	// Release the backing array once everything has been consumed.
	if len(f.partial) == 0 {
		f.partial = nil
	}
	return lines
}

// Pending returns the number of buffered bytes that do not yet form a line.
func (f *Framer) Pending() int {
	return len(f.partial)
}

// Reset discards any buffered partial line.
func (f *Framer) Reset() {
	f.partial = nil
}
