// Package watch drives the ingestion pipeline: a timer plus filesystem
// change notifications poll one or more log files through tail readers and
// feed complete lines into a schema-specific consumer. The watcher owns all
// mutable polling state; the sink side only ever sees immutable snapshots.
package watch

import (
	"context"
	"log"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/contextwatch/contextwatch/internal/agent"
	"github.com/contextwatch/contextwatch/internal/tail"
)

// Consumer folds parsed log lines into session state. Both schema variants
// (stream.State and rollout.Reconstructor) implement it, so the scheduling
// loop never cares which log format it is tailing.
type Consumer interface {
	// Consume applies one complete, non-empty line from the given file.
	// It must never panic on malformed input.
	Consume(file, line string)
	// ResetFile clears state derived from the given file after a
	// truncation/rotation.
	ResetFile(file string)
	// Current returns the session the sink should display, or nil.
	Current() *agent.Session
	// MalformedCount reports lines that failed parsing. Must be safe to
	// call from other goroutines.
	MalformedCount() int64
	// Reset clears all accumulated state.
	Reset()
	// SetThresholds swaps the risk thresholds for subsequent rebuilds.
	SetThresholds(th agent.Thresholds)
}

// fallingBehindSkips mirrors the tail reader's tolerance: this many
// consecutive overlapping passes trigger a warning.
const fallingBehindSkips = 3

// degradedReadFailures is how many consecutive transient read failures on
// one file are tolerated before a degraded warning is logged.
const degradedReadFailures = 3

type Options struct {
	// Pattern is the log path to tail, optionally a glob matching several
	// files.
	Pattern string

	PollInterval    time.Duration
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
	// Debounce coalesces change notifications into at most one extra poll.
	Debounce time.Duration

	MaxChunkBytes int64

	// ProcessMatchNames enables writer-process enrichment when non-empty.
	ProcessMatchNames []string
}

// Watcher schedules polling passes. At most one pass runs at a time,
// enforced by a busy flag rather than blocking: an overlapping trigger is
// skipped and counted.
type Watcher struct {
	mu   sync.Mutex
	opts Options

	consumer  Consumer
	onChanged func(*agent.Session)

	readers      map[string]*tail.Reader
	buffers      map[string]*tail.LineBuffer
	readFailures map[string]int
	missing      bool

	current     *agent.Session // last snapshot, nil while source is missing
	lastEmitted *agent.Session
	emittedOnce bool

	busy  atomic.Bool
	skips int32

	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	kick       chan struct{}
	reconfigCh chan time.Duration
	fsw        *fsnotify.Watcher
}

// New builds a watcher. onChanged fires at most once per completed pass
// that produced a result different from the previous emission (content
// equality). It may be nil.
func New(opts Options, consumer Consumer, onChanged func(*agent.Session)) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	return &Watcher{
		opts:         opts,
		consumer:     consumer,
		onChanged:    onChanged,
		readers:      make(map[string]*tail.Reader),
		buffers:      make(map[string]*tail.LineBuffer),
		readFailures: make(map[string]int),
		kick:         make(chan struct{}, 1),
		reconfigCh:   make(chan time.Duration, 1),
	}
}

// Start begins scheduling passes. A failure to set up the filesystem
// notification hook degrades to timer-only polling; it never fails Start.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	if fsw, err := fsnotify.NewWatcher(); err != nil {
		log.Printf("[watch] change notifications unavailable, polling only: %v", err)
	} else {
		w.fsw = fsw
		dir := filepath.Dir(w.opts.Pattern)
		if err := fsw.Add(dir); err != nil {
			log.Printf("[watch] cannot watch %s, polling only: %v", dir, err)
		}
		// The loop gets its own reference: Stop nils the struct field while
		// this goroutine may still be draining events.
		go w.notifyLoop(ctx, fsw)
	}

	go w.run(ctx)
	log.Printf("[watch] started (pattern=%s, interval=%s)", w.opts.Pattern, w.opts.PollInterval)
}

// Stop stops scheduling further passes. An in-flight pass completes; passes
// are bounded so no forced interruption is needed.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	cancel()
	<-done
	if fsw != nil {
		fsw.Close()
	}
	log.Println("[watch] stopped")
}

// Reconfigure updates the risk thresholds and the poll interval. The
// interval is clamped into the configured bounds; an invalid threshold pair
// falls back to the defaults inside the consumer.
func (w *Watcher) Reconfigure(th agent.Thresholds, pollInterval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.consumer.SetThresholds(th)

	if min := w.opts.MinPollInterval; min > 0 && pollInterval < min {
		pollInterval = min
	}
	if max := w.opts.MaxPollInterval; max > 0 && pollInterval > max {
		pollInterval = max
	}
	w.opts.PollInterval = pollInterval

	if w.running {
		select {
		case w.reconfigCh <- pollInterval:
		default:
		}
	}
}

// Reset clears all accumulated state as if the watcher had just started.
func (w *Watcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consumer.Reset()
	w.readers = make(map[string]*tail.Reader)
	w.buffers = make(map[string]*tail.LineBuffer)
	w.readFailures = make(map[string]int)
	w.current = nil
	w.lastEmitted = nil
	w.emittedOnce = false
	w.missing = false
}

// CurrentSession returns a snapshot of the latest reconstructed session, or
// nil when there is none (or the source is missing).
func (w *Watcher) CurrentSession() *agent.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone()
}

// MalformedLineCount reports the number of malformed lines skipped so far,
// including oversized lines discarded before they ever reached a parser.
func (w *Watcher) MalformedLineCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.consumer.MalformedCount()
	for _, b := range w.buffers {
		n += b.Dropped()
	}
	return n
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	// Debounce timer, created stopped.
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	w.pass()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pass()
		case <-w.kick:
			debounce.Reset(w.opts.Debounce)
		case <-debounce.C:
			w.pass()
		case interval := <-w.reconfigCh:
			ticker.Reset(interval)
		}
	}
}

// notifyLoop forwards relevant filesystem events as coalesced poll kicks.
func (w *Watcher) notifyLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !w.matchesPattern(ev.Name) {
				continue
			}
			select {
			case w.kick <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[watch] notification error: %v", err)
		}
	}
}

func (w *Watcher) matchesPattern(name string) bool {
	if name == w.opts.Pattern {
		return true
	}
	ok, err := filepath.Match(filepath.Base(w.opts.Pattern), filepath.Base(name))
	return err == nil && ok
}

// pass runs one full polling cycle. It must never let a failure escape: a
// panic here would take down the host process, so everything is recovered
// and logged.
func (w *Watcher) pass() {
	if !w.busy.CompareAndSwap(false, true) {
		w.skips++
		if w.skips == fallingBehindSkips {
			log.Printf("[watch] %d consecutive passes skipped, poller is falling behind", w.skips)
		}
		return
	}
	defer w.busy.Store(false)
	w.skips = 0

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[watch] recovered from pass panic: %v", r)
		}
	}()

	w.mu.Lock()

	paths := w.discover()
	allMissing := len(paths) > 0

	for _, path := range paths {
		if !w.pollFile(path) {
			continue
		}
		allMissing = false
	}

	if len(paths) == 0 {
		allMissing = true
	}
	if allMissing != w.missing {
		w.missing = allMissing
		if allMissing {
			log.Printf("[watch] source missing: %s", w.opts.Pattern)
		} else {
			log.Printf("[watch] source present: %s", w.opts.Pattern)
		}
	}

	snapshot, fire := w.emit()
	w.mu.Unlock()

	if !fire {
		return
	}

	// Enrichment and the callback both run outside the lock: the process
	// scan can be slow and a sink that queries CurrentSession from inside
	// the callback must not deadlock the poller.
	if snapshot != nil {
		if act, ok := findWriterProcess(w.opts.ProcessMatchNames); ok {
			snapshot.PID = act.PID
			snapshot.CPUPercent = act.CPUPercent
			w.mu.Lock()
			if w.current != nil && w.current.ID == snapshot.ID {
				w.current.PID = act.PID
				w.current.CPUPercent = act.CPUPercent
			}
			w.mu.Unlock()
		}
	}
	if w.onChanged != nil {
		w.onChanged(snapshot)
	}
}

// pollFile reads one capped chunk from the file and feeds complete lines to
// the consumer. Returns false when the file is missing.
func (w *Watcher) pollFile(path string) bool {
	reader, ok := w.readers[path]
	if !ok {
		reader = tail.NewReader(path, w.opts.MaxChunkBytes)
		w.readers[path] = reader
		maxChunk := w.opts.MaxChunkBytes
		if maxChunk <= 0 {
			maxChunk = tail.DefaultMaxChunkBytes
		}
		w.buffers[path] = &tail.LineBuffer{MaxPendingBytes: int(4 * maxChunk)}
	}
	buffer := w.buffers[path]

	chunk, err := reader.Poll()
	if err != nil {
		// Transient I/O failure: no change this cycle, retried next.
		w.readFailures[path]++
		if w.readFailures[path] == degradedReadFailures {
			log.Printf("[watch] %s degraded after %d consecutive read failures: %v", path, degradedReadFailures, err)
		}
		return true
	}
	w.readFailures[path] = 0

	switch chunk.Kind {
	case tail.Missing:
		return false
	case tail.Reset:
		buffer.Reset()
		w.consumer.ResetFile(path)
	case tail.Data:
		for _, line := range buffer.Split(chunk.Text) {
			w.consumer.Consume(path, strings.TrimSpace(line))
		}
	}
	return true
}

// emit decides whether the current session differs from the previous
// emission by content, not reference, and prepares the snapshot to hand the
// sink. Process enrichment happens later, outside the lock, and is excluded
// from the comparison so a fluctuating CPU reading cannot cause spurious
// emissions.
func (w *Watcher) emit() (*agent.Session, bool) {
	var cur *agent.Session
	if !w.missing {
		cur = w.consumer.Current()
	}

	if w.emittedOnce && reflect.DeepEqual(cur, w.lastEmitted) {
		return nil, false
	}
	w.lastEmitted = cur.Clone()
	w.emittedOnce = true
	w.current = cur.Clone()

	return cur.Clone(), true
}

// discover expands the configured pattern into concrete file paths. A
// non-glob pattern is returned as-is even when the file does not exist, so
// the reader can surface the missing signal.
func (w *Watcher) discover() []string {
	pattern := w.opts.Pattern
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		log.Printf("[watch] bad source pattern %q: %v", pattern, err)
		return nil
	}
	return matches
}
