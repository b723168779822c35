package tail

import (
	"log"
	"strings"
)

// DefaultMaxPendingBytes caps the buffered partial line. A writer that never
// emits a newline would otherwise grow the buffer by up to one chunk per
// cycle forever; once the cap is crossed the line is discarded and counted.
const DefaultMaxPendingBytes = 4 * DefaultMaxChunkBytes

// LineBuffer reassembles lines split across chunk boundaries. The final,
// possibly incomplete segment of each chunk is held back and prepended to
// the next one; it is never handed out for parsing.
type LineBuffer struct {
	// MaxPendingBytes overrides DefaultMaxPendingBytes when positive.
	MaxPendingBytes int

	pending    string
	discarding bool
	dropped    int64
}

// Split prepends the buffered partial line to chunk and returns the complete
// lines found. Trailing carriage returns are stripped; empty lines are
// dropped. A partial line exceeding the pending cap is discarded up to its
// terminating newline and counted via Dropped.
func (b *LineBuffer) Split(chunk string) []string {
	data := b.pending + chunk
	segments := strings.Split(data, "\n")
	b.pending = segments[len(segments)-1]

	lines := make([]string, 0, len(segments)-1)
	for _, seg := range segments[:len(segments)-1] {
		if b.discarding {
			// Terminator of the oversized line; everything after it is a
			// fresh stream.
			b.discarding = false
			continue
		}
		seg = strings.TrimRight(seg, "\r")
		if strings.TrimSpace(seg) == "" {
			continue
		}
		lines = append(lines, seg)
	}

	if b.discarding {
		// Still inside the oversized line.
		b.pending = ""
	} else if max := b.maxPending(); len(b.pending) > max {
		log.Printf("[tail] discarding line longer than %d bytes", max)
		b.pending = ""
		b.discarding = true
		b.dropped++
	}
	return lines
}

func (b *LineBuffer) maxPending() int {
	if b.MaxPendingBytes > 0 {
		return b.MaxPendingBytes
	}
	return DefaultMaxPendingBytes
}

// Pending returns the buffered partial line.
func (b *LineBuffer) Pending() string { return b.pending }

// Dropped reports how many oversized lines have been discarded.
func (b *LineBuffer) Dropped() int64 { return b.dropped }

// Reset discards any buffered partial line, e.g. after a file truncation.
// The dropped counter is monotonic and survives.
func (b *LineBuffer) Reset() {
	b.pending = ""
	b.discarding = false
}
