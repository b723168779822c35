// Package tail reads a single growing log file in bounded, offset-tracked
// chunks. It detects truncation/rotation, caps the bytes read per cycle, and
// leaves partial-line reassembly to the caller via LineBuffer.
package tail

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

// DefaultMaxChunkBytes caps how much a single Poll may read. A writer that
// outruns the poller only delays parsing; it can never force an unbounded
// allocation.
const DefaultMaxChunkBytes = 256 * 1024

// fallingBehindSkips is how many consecutive overlapping polls are tolerated
// before a warning is logged.
const fallingBehindSkips = 3

// Kind classifies the outcome of one Poll.
type Kind int

const (
	// NoChange means the file exists but has no bytes past the offset.
	NoChange Kind = iota
	// Data means Chunk.Text carries newly read bytes.
	Data
	// Missing means the file does not exist; the offset is left unchanged.
	Missing
	// Reset means the file shrank below the offset (truncation/rotation).
	// The offset has been reset to zero; new content follows on the next
	// Poll so the caller can clear downstream state first.
	Reset
	// Skipped means another poll was still in flight.
	Skipped
)

// Chunk is the result of one Poll.
type Chunk struct {
	Kind Kind
	Text string
}

// Reader tails one file. It is driven by a single logical poller; the busy
// flag only guards against the timer and a change notification firing at
// the same moment, it is not a general concurrency mechanism.
type Reader struct {
	path          string
	maxChunkBytes int64

	offset int64
	busy   atomic.Bool
	skips  atomic.Int32
}

func NewReader(path string, maxChunkBytes int64) *Reader {
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	return &Reader{path: path, maxChunkBytes: maxChunkBytes}
}

func (r *Reader) Path() string { return r.path }

// Offset returns the current byte offset into the file.
func (r *Reader) Offset() int64 { return r.offset }

// Rewind resets the offset to zero, as if the file had never been read.
func (r *Reader) Rewind() { r.offset = 0 }

// Poll stats the file and reads at most maxChunkBytes of new content.
func (r *Reader) Poll() (Chunk, error) {
	if !r.busy.CompareAndSwap(false, true) {
		if n := r.skips.Add(1); n == fallingBehindSkips {
			log.Printf("[tail] %s: %d consecutive polls skipped, reader is falling behind", r.path, n)
		}
		return Chunk{Kind: Skipped}, nil
	}
	defer r.busy.Store(false)
	r.skips.Store(0)

	info, err := os.Stat(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{Kind: Missing}, nil
		}
		return Chunk{}, fmt.Errorf("stat %s: %w", r.path, err)
	}

	size := info.Size()
	switch {
	case size < r.offset:
		// Truncation or rotation. Surface the reset before reading any
		// of the new content.
		r.offset = 0
		return Chunk{Kind: Reset}, nil
	case size == r.offset:
		return Chunk{Kind: NoChange}, nil
	}

	want := size - r.offset
	if want > r.maxChunkBytes {
		want = r.maxChunkBytes
	}

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{Kind: Missing}, nil
		}
		return Chunk{}, fmt.Errorf("open %s: %w", r.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return Chunk{}, fmt.Errorf("seek %s: %w", r.path, err)
	}

	buf := make([]byte, want)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Chunk{}, fmt.Errorf("read %s: %w", r.path, err)
	}
	if n == 0 {
		return Chunk{Kind: NoChange}, nil
	}

	r.offset += int64(n)
	if remaining := size - r.offset; remaining > 0 {
		log.Printf("[tail] %s: chunk capped at %d bytes, %d remaining for next cycle", r.path, n, remaining)
	}

	return Chunk{Kind: Data, Text: string(buf[:n])}, nil
}
