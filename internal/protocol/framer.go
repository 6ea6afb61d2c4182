package protocol

import (
	"bytes"
	"sync"
	"time"
)

// DefaultFrameDelimiter separates frames on the wire. A bare newline cannot
// appear unescaped inside JSON text, so splitting on it never cuts a frame
// mid-string.
const DefaultFrameDelimiter = "\n"

const (
	// DefaultFramerCapacity bounds the per-connection accumulation buffer.
	DefaultFramerCapacity = 1 << 20

	backpressureThreshold = 0.8
	backpressureDelay     = 100 * time.Millisecond
)

// Framer accumulates raw bytes for one connection and extracts
// delimiter-terminated frames. Overflowing the capacity poisons the buffer
// until ForceFlush is called. Safe for concurrent use; in practice one reader
// goroutine appends while operational surfaces may inspect usage.
type Framer struct {
	mu         sync.Mutex
	buf        []byte
	capacity   int
	overflowed bool
}

// NewFramer creates a Framer with the given capacity (DefaultFramerCapacity
// when non-positive).
func NewFramer(capacity int) *Framer {
	if capacity <= 0 {
		capacity = DefaultFramerCapacity
	}
	return &Framer{capacity: capacity}
}

// Append adds bytes to the buffer. It returns ErrBufferOverflow once the
// capacity would be exceeded; from then on all appends fail until ForceFlush.
func (f *Framer) Append(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overflowed {
		return ErrBufferOverflow
	}
	if len(f.buf)+len(p) > f.capacity {
		f.overflowed = true
		return ErrBufferOverflow
	}
	f.buf = append(f.buf, p...)
	return nil
}

// ExtractFrames splits off every complete delimiter-terminated frame,
// retaining any trailing partial frame for the next append. Empty frames
// (consecutive delimiters) are skipped.
func (f *Framer) ExtractFrames(delimiter string) [][]byte {
	if delimiter == "" {
		delimiter = DefaultFrameDelimiter
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extractLocked([]byte(delimiter))
}

func (f *Framer) extractLocked(delim []byte) [][]byte {
	var frames [][]byte
	for {
		idx := bytes.Index(f.buf, delim)
		if idx < 0 {
			break
		}
		frame := f.buf[:idx]
		f.buf = f.buf[idx+len(delim):]
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		out := make([]byte, len(frame))
		copy(out, frame)
		frames = append(frames, out)
	}
	// Reclaim capacity released by consumed frames.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Usage returns the buffer fill ratio in [0,1].
func (f *Framer) Usage() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity == 0 {
		return 0
	}
	return float64(len(f.buf)) / float64(f.capacity)
}

// IsFull reports whether the buffer has overflowed.
func (f *Framer) IsFull() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overflowed
}

// Peek returns up to n buffered bytes without consuming them.
func (f *Framer) Peek(n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.buf) {
		n = len(f.buf)
	}
	out := make([]byte, n)
	copy(out, f.buf[:n])
	return out
}

// Backpressure reports whether the producer should slow down, and for how
// long, once usage crosses the threshold.
func (f *Framer) Backpressure() (bool, time.Duration) {
	if f.Usage() >= backpressureThreshold {
		return true, backpressureDelay
	}
	return false, 0
}

// ForceFlush is the last-resort drain for an overflowed buffer: it extracts
// whatever complete frames remain, returns the trailing partial content so
// the caller may attempt to parse it, and clears the buffer and overflow
// state.
func (f *Framer) ForceFlush(delimiter string) (frames [][]byte, partial []byte) {
	if delimiter == "" {
		delimiter = DefaultFrameDelimiter
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	frames = f.extractLocked([]byte(delimiter))
	if len(bytes.TrimSpace(f.buf)) > 0 {
		partial = make([]byte, len(f.buf))
		copy(partial, f.buf)
	}
	f.buf = nil
	f.overflowed = false
	return frames, partial
}
