package rpc

import (
	"bytes"
	"errors"
)

// MaxFrameSize bounds a single buffered line.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned when a partial line outgrows MaxFrameSize; the partial line is discarded.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// LineBuffer splits an unbounded byte stream into newline-terminated frames.
// Deliveries may contain several frames, or only part of one; the unterminated tail is kept
// until a later delivery completes it. Not safe for concurrent use.
type LineBuffer struct {
	buf []byte
	max int
}

// NewLineBuffer returns a buffer that rejects partial lines above max bytes (MaxFrameSize when max <= 0).
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &LineBuffer{max: max}
}

// Feed appends chunk and returns the complete frames it finished, without terminators.
// Blank lines are skipped. The returned slices are owned by the caller.
func (b *LineBuffer) Feed(chunk []byte) ([][]byte, error) {
	b.buf = append(b.buf, chunk...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[:i])
		if len(line) > 0 {
			frames = append(frames, append([]byte(nil), line...))
		}
		b.buf = b.buf[i+1:]
	}

	if len(b.buf) > b.max {
		b.buf = nil
		return frames, ErrFrameTooLarge
	}
	// Release the consumed prefix once the tail is empty.
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return frames, nil
}

// Pending returns the number of buffered bytes that do not yet form a complete line.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}
