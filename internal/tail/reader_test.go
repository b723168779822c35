package tail

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("appending to %s: %v", path, err)
	}
}

func mustPoll(t *testing.T, r *Reader) Chunk {
	t.Helper()
	chunk, err := r.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return chunk
}

func TestPollMissingFile(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "absent.jsonl"), 0)
	chunk := mustPoll(t, r)
	if chunk.Kind != Missing {
		t.Fatalf("expected Missing, got %v", chunk.Kind)
	}
	if r.Offset() != 0 {
		t.Fatalf("offset should stay 0, got %d", r.Offset())
	}
}

func TestPollReadsOnlyNewBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	writeFile(t, path, "one\n")

	r := NewReader(path, 0)

	chunk := mustPoll(t, r)
	if chunk.Kind != Data || chunk.Text != "one\n" {
		t.Fatalf("first poll: got (%v, %q)", chunk.Kind, chunk.Text)
	}

	chunk = mustPoll(t, r)
	if chunk.Kind != NoChange {
		t.Fatalf("expected NoChange, got %v", chunk.Kind)
	}

	appendFile(t, path, "two\n")
	chunk = mustPoll(t, r)
	if chunk.Kind != Data || chunk.Text != "two\n" {
		t.Fatalf("after append: got (%v, %q)", chunk.Kind, chunk.Text)
	}
}

func TestPollChunkCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	writeFile(t, path, "abcdefghij")

	r := NewReader(path, 4)

	var got string
	for i := 0; i < 3; i++ {
		chunk := mustPoll(t, r)
		if chunk.Kind != Data {
			t.Fatalf("poll %d: expected Data, got %v", i, chunk.Kind)
		}
		if len(chunk.Text) > 4 {
			t.Fatalf("poll %d: chunk exceeds cap: %d bytes", i, len(chunk.Text))
		}
		got += chunk.Text
	}
	if got != "abcdefghij" {
		t.Fatalf("reassembled %q", got)
	}
	if chunk := mustPoll(t, r); chunk.Kind != NoChange {
		t.Fatalf("expected NoChange after draining, got %v", chunk.Kind)
	}
}

// Truncation must surface as a Reset with no content; the shrunken file's
// content arrives on the following poll, after the caller had a chance to
// clear downstream state.
func TestPollTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	writeFile(t, path, "first generation\n")

	r := NewReader(path, 0)
	mustPoll(t, r)

	writeFile(t, path, "second\n")

	chunk := mustPoll(t, r)
	if chunk.Kind != Reset || chunk.Text != "" {
		t.Fatalf("expected empty Reset, got (%v, %q)", chunk.Kind, chunk.Text)
	}
	if r.Offset() != 0 {
		t.Fatalf("offset should reset to 0, got %d", r.Offset())
	}

	chunk = mustPoll(t, r)
	if chunk.Kind != Data || chunk.Text != "second\n" {
		t.Fatalf("expected new content, got (%v, %q)", chunk.Kind, chunk.Text)
	}
}

// A file replaced by a larger one is indistinguishable from growth by size
// alone; the reader just keeps reading from its offset. Documented behavior,
// not an error.
func TestPollReplacedByLargerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	writeFile(t, path, "aaaa\n")

	r := NewReader(path, 0)
	mustPoll(t, r)

	writeFile(t, path, "bbbb\ncccc\n")

	chunk := mustPoll(t, r)
	if chunk.Kind != Data || chunk.Text != "cccc\n" {
		t.Fatalf("got (%v, %q)", chunk.Kind, chunk.Text)
	}
}

func TestRewind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	writeFile(t, path, "line\n")

	r := NewReader(path, 0)
	mustPoll(t, r)
	r.Rewind()

	chunk := mustPoll(t, r)
	if chunk.Kind != Data || chunk.Text != "line\n" {
		t.Fatalf("after rewind: got (%v, %q)", chunk.Kind, chunk.Text)
	}
}
