package vserial

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// outbox is the byte stream read by the host. Writers append whole lines
// under one lock so concurrent producers never interleave inside a line.
type outbox struct {
	mu     sync.Mutex
	buf    []byte
	signal chan struct{} // closed and replaced on every append
	closed bool
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{})}
}

// append adds lines, each terminated by "\n". Returns false after close.
func (o *outbox) append(lines ...string) bool {
	if len(lines) == 0 {
		return true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	for _, l := range lines {
		o.buf = append(o.buf, l...)
		o.buf = append(o.buf, '\n')
	}
	close(o.signal)
	o.signal = make(chan struct{})
	return true
}

// wait blocks until data may be available or the deadline passes.
// Returns false on timeout.
func (o *outbox) wait(ch <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// read copies up to len(p) bytes, waiting up to timeout for data.
// It returns 0, nil on timeout and io.EOF once closed and drained.
func (o *outbox) read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		o.mu.Lock()
		if len(o.buf) > 0 {
			n := copy(p, o.buf)
			o.buf = o.buf[n:]
			if len(o.buf) == 0 {
				o.buf = nil
			}
			o.mu.Unlock()
			return n, nil
		}
		if o.closed {
			o.mu.Unlock()
			return 0, io.EOF
		}
		ch := o.signal
		o.mu.Unlock()

		if !o.wait(ch, deadline) {
			return 0, nil
		}
	}
}

// readLine returns the next complete line without its terminator.
func (o *outbox) readLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		o.mu.Lock()
		if idx := bytes.IndexByte(o.buf, '\n'); idx >= 0 {
			line := string(o.buf[:idx])
			o.buf = o.buf[idx+1:]
			if len(o.buf) == 0 {
				o.buf = nil
			}
			o.mu.Unlock()
			return line, nil
		}
		if o.closed {
			o.mu.Unlock()
			return "", io.EOF
		}
		ch := o.signal
		o.mu.Unlock()

		if !o.wait(ch, deadline) {
			return "", ErrReadTimeout
		}
	}
}

// len returns the number of unread bytes.
func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

// reset discards unread bytes.
func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = nil
}

// close wakes all readers. Unread bytes stay readable.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.signal)
}
