package rollout

import (
	"encoding/json"
	"log"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/contextwatch/contextwatch/internal/agent"
)

// DefaultMaxFiles caps how many source files are tracked at once. Exceeding
// it evicts the file with the oldest creation time.
const DefaultMaxFiles = 50

// DefaultMaxChildCalls caps the child calls tracked per file; the oldest
// revealed call is evicted first. maxTrackedTurns bounds the per-turn usage
// index the same way, dropping the lowest turn index.
const (
	DefaultMaxChildCalls = 1000
	maxTrackedTurns      = 1000
)

// childCall is one sub-invocation revealed by a turn-append record. Its
// token count is unknown (zero) until the matching turn-result arrives.
type childCall struct {
	id        string
	label     string
	status    string
	turnIndex int
	tokens    int
}

// fileState is the reconstruction state for one source file. Each record
// kind is folded in by a dedicated transition; nothing here touches I/O.
type fileState struct {
	sessionID     string
	model         string
	contextWindow int
	createdAt     time.Time

	promptTokens     int
	completionTokens int
	breakdown        *agent.Breakdown

	// turnUsage remembers the token total per turn so child calls revealed
	// before their turn's result can be back-filled without re-scanning
	// history. childTurn is the call-key -> turn-index side index.
	turnUsage  map[int]int
	childTurn  map[string]int
	children   map[string]*childCall
	childOrder []string

	maxChildren      int
	childEvictWarned bool

	lastUpdated time.Time
}

func newFileState(now time.Time, maxChildren int) *fileState {
	return &fileState{
		createdAt:   now,
		turnUsage:   make(map[int]int),
		childTurn:   make(map[string]int),
		children:    make(map[string]*childCall),
		maxChildren: maxChildren,
		lastUpdated: now,
	}
}

// Reconstructor folds multi-kind records from any number of source files
// into per-file session state. It is owned by the poll loop; only the
// malformed counter may be read concurrently.
type Reconstructor struct {
	thresholds    agent.Thresholds
	maxFiles      int
	maxChildCalls int
	files         map[string]*fileState
	malformed     atomic.Int64
}

func NewReconstructor(th agent.Thresholds) *Reconstructor {
	return &Reconstructor{
		thresholds:    th.OrDefault(),
		maxFiles:      DefaultMaxFiles,
		maxChildCalls: DefaultMaxChildCalls,
		files:         make(map[string]*fileState),
	}
}

// SetMaxFiles overrides the tracked-file cap. Zero or negative keeps the
// default.
func (r *Reconstructor) SetMaxFiles(n int) {
	if n > 0 {
		r.maxFiles = n
	}
}

// SetMaxChildCalls overrides the per-file child-call cap. Zero or negative
// keeps the default.
func (r *Reconstructor) SetMaxChildCalls(n int) {
	if n > 0 {
		r.maxChildCalls = n
	}
}

// SetThresholds swaps the risk thresholds used when sessions are built.
func (r *Reconstructor) SetThresholds(th agent.Thresholds) {
	r.thresholds = th.OrDefault()
}

// Consume applies one line from the given source file. Malformed lines are
// counted and skipped; unknown record kinds are skipped silently. One
// corrupt line never poisons the rest of the file's stream.
func (r *Reconstructor) Consume(file, line string) {
	var rec rawRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		r.malformed.Add(1)
		log.Printf("[rollout] %s: skipping malformed line: %v", file, err)
		return
	}

	fs, ok := r.files[file]
	if !ok {
		fs = newFileState(time.Now(), r.maxChildCalls)
		r.files[file] = fs
		r.evictFiles()
	}

	if err := fs.apply(rec, time.Now()); err != nil {
		if err == errNotRelevant {
			return
		}
		r.malformed.Add(1)
		log.Printf("[rollout] %s: skipping record: %v", file, err)
	}
}

// apply dispatches one record to its kind's transition.
func (fs *fileState) apply(rec rawRecord, now time.Time) error {
	switch rec.Kind {
	case KindHeader:
		return fs.applyHeader(rec, now)
	case KindTurnResult:
		return fs.applyTurnResult(rec, now)
	case KindTurnAppend:
		return fs.applyTurnAppend(rec, now)
	default:
		return errNotRelevant
	}
}

// applyHeader establishes (or re-establishes) session identity and model
// metadata. A repeated header replaces identity fields but preserves the
// usage already accumulated from turn records.
func (fs *fileState) applyHeader(rec rawRecord, now time.Time) error {
	var hv headerValue
	if err := json.Unmarshal(rec.Value, &hv); err != nil {
		return err
	}
	fs.sessionID = hv.SessionID
	fs.model = hv.Model.Name
	if hv.Model.ContextWindow > 0 {
		fs.contextWindow = hv.Model.ContextWindow
	}
	if t, err := time.Parse(time.RFC3339Nano, hv.CreatedAt); err == nil {
		fs.createdAt = t
	}
	fs.lastUpdated = now
	return nil
}

// applyTurnResult folds in a turn's token totals. The latest result always
// supersedes the session's usage fields regardless of turn index: arrival
// order is monotonic for a single appended file, so last write wins.
func (fs *fileState) applyTurnResult(rec rawRecord, now time.Time) error {
	turn, ok := turnIndexFromKey(rec.Key, "result")
	if !ok {
		return errNotRelevant
	}
	var tv turnResultValue
	if err := json.Unmarshal(rec.Value, &tv); err != nil {
		return err
	}

	prompt := int(nonNegative(tv.PromptTokens))
	completion := int(nonNegative(tv.CompletionTokens))
	fs.promptTokens = prompt
	fs.completionTokens = completion

	used := prompt + completion
	fs.breakdown = &agent.Breakdown{
		SystemPrompt: percentOf(used, tv.Breakdown.SystemPromptPercent),
		SystemTools:  percentOf(used, tv.Breakdown.SystemToolsPercent),
		McpTools:     percentOf(used, tv.Breakdown.McpToolsPercent),
		Memory:       percentOf(used, tv.Breakdown.MemoryPercent),
		Messages:     percentOf(used, tv.Breakdown.MessagesPercent),
	}

	// Back-fill: child calls recorded against this turn before its result
	// arrived now learn their token total, via the side index.
	fs.turnUsage[turn] = used
	if len(fs.turnUsage) > maxTrackedTurns {
		oldest := turn
		for t := range fs.turnUsage {
			if t < oldest {
				oldest = t
			}
		}
		delete(fs.turnUsage, oldest)
	}
	for id, childTurn := range fs.childTurn {
		if childTurn == turn {
			fs.children[id].tokens = used
		}
	}

	fs.lastUpdated = now
	return nil
}

// applyTurnAppend merges one child call into the turn's set, keyed by call
// identifier: a later record with the same key supersedes the earlier one,
// it does not append a duplicate.
func (fs *fileState) applyTurnAppend(rec rawRecord, now time.Time) error {
	turn, ok := turnIndexFromKey(rec.Key, "response")
	if !ok {
		return errNotRelevant
	}
	var av turnAppendValue
	if err := json.Unmarshal(rec.Value, &av); err != nil {
		return err
	}
	if av.CallID == "" {
		return errNotRelevant
	}

	c, exists := fs.children[av.CallID]
	if !exists {
		if max := fs.maxChildren; max > 0 && len(fs.childOrder) >= max {
			evicted := fs.childOrder[0]
			fs.childOrder = fs.childOrder[1:]
			delete(fs.children, evicted)
			delete(fs.childTurn, evicted)
			if !fs.childEvictWarned {
				log.Printf("[rollout] child-call cap %d exceeded, evicting oldest calls", max)
				fs.childEvictWarned = true
			}
		}
		c = &childCall{id: av.CallID}
		fs.children[av.CallID] = c
		fs.childOrder = append(fs.childOrder, av.CallID)
	}
	c.label = av.Label
	c.status = av.Status
	c.turnIndex = turn
	fs.childTurn[av.CallID] = turn
	if used, known := fs.turnUsage[turn]; known {
		c.tokens = used
	}

	fs.lastUpdated = now
	return nil
}

// session converts the reconstruction state into the domain session via the
// shared tree builder.
func (fs *fileState) session(th agent.Thresholds) *agent.Session {
	if fs.sessionID == "" {
		return nil
	}

	main := agent.RawAgent{
		ID:     fs.sessionID,
		Role:   "main",
		Label:  fs.model,
		Status: "running",
		Used:   float64(fs.promptTokens + fs.completionTokens),
		Max:    float64(fs.contextWindow),
	}
	if fs.breakdown != nil {
		main.Breakdown = map[string]any{
			"systemPrompt": float64(fs.breakdown.SystemPrompt),
			"systemTools":  float64(fs.breakdown.SystemTools),
			"mcpTools":     float64(fs.breakdown.McpTools),
			"memory":       float64(fs.breakdown.Memory),
			"messages":     float64(fs.breakdown.Messages),
		}
	}

	for _, id := range fs.childOrder {
		c := fs.children[id]
		main.Children = append(main.Children, agent.RawAgent{
			ID:       c.id,
			Role:     "subagent",
			Label:    c.label,
			ParentID: fs.sessionID,
			Status:   c.status,
			Used:     float64(c.tokens),
			Max:      float64(fs.contextWindow),
		})
	}

	return agent.BuildSession(fs.sessionID, fs.createdAt, fs.lastUpdated, []agent.RawAgent{main}, th)
}

// evictFiles drops tracked files with the oldest creation time until the
// map is back under the cap.
func (r *Reconstructor) evictFiles() {
	for len(r.files) > r.maxFiles {
		oldest := ""
		var oldestAt time.Time
		for path, fs := range r.files {
			if oldest == "" || fs.createdAt.Before(oldestAt) {
				oldest = path
				oldestAt = fs.createdAt
			}
		}
		delete(r.files, oldest)
		log.Printf("[rollout] tracked-file cap %d exceeded, evicted %s (created %s)", r.maxFiles, oldest, oldestAt.Format(time.RFC3339))
	}
}

// ResetFile clears all per-file state after a truncation/rotation; the next
// lines from that path rebuild it from scratch.
func (r *Reconstructor) ResetFile(file string) {
	if _, ok := r.files[file]; ok {
		delete(r.files, file)
		log.Printf("[rollout] %s: file shrank, reconstruction state reset", file)
	}
}

// Current returns the session for the most recently updated file, or nil.
func (r *Reconstructor) Current() *agent.Session {
	var cur *fileState
	for _, fs := range r.files {
		if fs.sessionID == "" {
			continue
		}
		if cur == nil || fs.lastUpdated.After(cur.lastUpdated) {
			cur = fs
		}
	}
	if cur == nil {
		return nil
	}
	return cur.session(r.thresholds)
}

// Sessions returns every reconstructed session, most recently updated first.
func (r *Reconstructor) Sessions() []*agent.Session {
	states := make([]*fileState, 0, len(r.files))
	for _, fs := range r.files {
		if fs.sessionID != "" {
			states = append(states, fs)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].lastUpdated.After(states[j].lastUpdated)
	})
	out := make([]*agent.Session, 0, len(states))
	for _, fs := range states {
		out = append(out, fs.session(r.thresholds))
	}
	return out
}

// MalformedCount reports how many lines failed decoding. Safe to read from
// the sink side.
func (r *Reconstructor) MalformedCount() int64 {
	return r.malformed.Load()
}

// Reset clears all accumulated state as if freshly constructed.
func (r *Reconstructor) Reset() {
	r.files = make(map[string]*fileState)
	r.malformed.Store(0)
}

func nonNegative(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

func percentOf(total int, pct float64) int {
	pct = nonNegative(pct)
	if pct > 100 {
		pct = 100
	}
	return int(float64(total) * pct / 100)
}
