// Package framer implements the two-mode stream reader layered over the
// upstream byte stream: delimiter-terminated lines during bootstrap and
// fixed-length binary chunks once the handshake is done.
package framer

import (
	"bytes"
	"errors"
)

// MaxBuffer caps the total number of buffered bytes in either mode.
// Exceeding it means the peer stopped framing sanely; the connection is
// expected to be dropped.
const MaxBuffer = 1 << 20

// ErrOverflow is returned by Feed once the buffer cap would be exceeded.
var ErrOverflow = errors.New("framer: buffer cap exceeded")

const delimiter = '\n'

// Framer accumulates stream bytes and emits either delimited lines
// (size 0) or fixed-size chunks (size N). It is goroutine-local and needs
// no locking. The consumer picks the size of every emission via SetMode,
// so a header/body alternation is just two SetMode calls per frame.
type Framer struct {
	buf  []byte
	size int
}

// New returns a framer in line mode.
func New() *Framer { return &Framer{} }

// SetMode selects the emission mode: 0 for line mode, N > 0 for N-byte
// binary chunks. Buffered bytes are kept; the next Next call re-evaluates
// them under the new mode.
func (f *Framer) SetMode(size int) { f.size = size }

// Feed appends stream bytes to the buffer. It returns ErrOverflow when the
// buffered length would exceed MaxBuffer; no bytes are kept in that case.
func (f *Framer) Feed(p []byte) error {
	if len(f.buf)+len(p) > MaxBuffer {
		return ErrOverflow
	}
	f.buf = append(f.buf, p...)
	return nil
}

// Next emits the next line or chunk, or returns false when the buffer does
// not hold a complete one yet. Line emissions exclude the delimiter and
// consume exactly one byte past it. The returned slice is only valid until
// the next Feed call.
func (f *Framer) Next() ([]byte, bool) {
	if f.size == 0 {
		i := bytes.IndexByte(f.buf, delimiter)
		if i < 0 {
			return nil, false
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]
		return line, true
	}
	if len(f.buf) < f.size {
		return nil, false
	}
	chunk := f.buf[:f.size]
	f.buf = f.buf[f.size:]
	return chunk, true
}

// Buffered reports the number of bytes currently held.
func (f *Framer) Buffered() int { return len(f.buf) }
