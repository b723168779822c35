package stream

import (
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/contextwatch/contextwatch/internal/agent"
)

// Default caps for the bounded collections. Exceeding them is a designed
// degradation, not an error.
const (
	DefaultMaxDedupKeys = 10_000
	DefaultMaxSessions  = 100
)

// State folds accepted snapshot records into a bounded set of sessions.
// It is owned by the poll loop; only the malformed counter may be read
// concurrently.
type State struct {
	thresholds   agent.Thresholds
	maxDedupKeys int
	maxSessions  int

	seen      map[string]struct{}
	seenOrder []string // insertion order, for oldest-half eviction
	latest    map[string]string
	sessions  map[string]*agent.Session

	malformed     atomic.Int64
	versionWarned bool
}

func NewState(th agent.Thresholds) *State {
	return &State{
		thresholds:   th.OrDefault(),
		maxDedupKeys: DefaultMaxDedupKeys,
		maxSessions:  DefaultMaxSessions,
		seen:         make(map[string]struct{}),
		latest:       make(map[string]string),
		sessions:     make(map[string]*agent.Session),
	}
}

// SetCaps overrides the dedup and session caps. Zero or negative values
// keep the defaults.
func (s *State) SetCaps(dedupKeys, sessions int) {
	if dedupKeys > 0 {
		s.maxDedupKeys = dedupKeys
	}
	if sessions > 0 {
		s.maxSessions = sessions
	}
}

// SetThresholds swaps the risk thresholds used for subsequent rebuilds.
func (s *State) SetThresholds(th agent.Thresholds) {
	s.thresholds = th.OrDefault()
}

// Consume parses and applies one line. Malformed lines are counted, logged,
// and skipped; the stream continues. The file argument is unused for this
// schema (one session log per watcher).
func (s *State) Consume(file, line string) {
	rec, err := ParseLine(line)
	if err != nil {
		s.malformed.Add(1)
		log.Printf("[stream] skipping malformed line: %v", err)
		return
	}
	s.apply(rec, time.Now())
}

// apply runs the accept pipeline: version gate, dedup, ordering, rebuild,
// bounded insert. A rejected record is never partially applied.
func (s *State) apply(rec *Record, now time.Time) {
	if rec.Version > SupportedVersion {
		if !s.versionWarned {
			log.Printf("[stream] record version %g exceeds supported %d, please upgrade", rec.Version, SupportedVersion)
			s.versionWarned = true
		}
		return
	}

	key := rec.SessionID + ":" + rec.Timestamp
	if _, dup := s.seen[key]; dup {
		return
	}
	s.remember(key)

	// ISO-8601 timestamps order lexicographically, so a plain string
	// comparison is the chronological check.
	if last, ok := s.latest[rec.SessionID]; ok && rec.Timestamp < last {
		log.Printf("[stream] discarding out-of-order record for %s (%s < %s)", rec.SessionID, rec.Timestamp, last)
		return
	}
	s.latest[rec.SessionID] = rec.Timestamp

	at := parseTimestamp(rec.Timestamp, now)
	startedAt := at
	if prev, ok := s.sessions[rec.SessionID]; ok {
		startedAt = prev.StartedAt
	}

	// Each record is a full snapshot, so the session is rebuilt wholesale;
	// only startedAt survives from the previous object.
	s.sessions[rec.SessionID] = agent.BuildSession(rec.SessionID, startedAt, at, rec.Agents, s.thresholds)
	s.evictSessions()
}

// remember records a dedup key, evicting the oldest half of the set when it
// overflows. Insertion order stands in for recency; strict LRU tracking
// would cost more than the dedup guarantee is worth.
func (s *State) remember(key string) {
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)
	if len(s.seenOrder) <= s.maxDedupKeys {
		return
	}

	half := len(s.seenOrder) / 2
	for _, old := range s.seenOrder[:half] {
		delete(s.seen, old)
	}
	s.seenOrder = append(s.seenOrder[:0:0], s.seenOrder[half:]...)
	log.Printf("[stream] dedup set exceeded %d keys, evicted oldest %d", s.maxDedupKeys, half)
}

// evictSessions drops the sessions with the oldest lastUpdatedAt until the
// map is back under the cap.
func (s *State) evictSessions() {
	for len(s.sessions) > s.maxSessions {
		oldestID := ""
		var oldestAt time.Time
		for id, sess := range s.sessions {
			if oldestID == "" || sess.LastUpdatedAt.Before(oldestAt) {
				oldestID = id
				oldestAt = sess.LastUpdatedAt
			}
		}
		delete(s.sessions, oldestID)
		delete(s.latest, oldestID)
		log.Printf("[stream] session cap %d exceeded, evicted %s (last updated %s)", s.maxSessions, oldestID, oldestAt.Format(time.RFC3339))
	}
}

// Current returns the most recently updated session, or nil when none are
// tracked.
func (s *State) Current() *agent.Session {
	var cur *agent.Session
	for _, sess := range s.sessions {
		if cur == nil || sess.LastUpdatedAt.After(cur.LastUpdatedAt) {
			cur = sess
		}
	}
	return cur
}

// Sessions returns all tracked sessions, most recently updated first.
func (s *State) Sessions() []*agent.Session {
	out := make([]*agent.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})
	return out
}

// MalformedCount reports how many lines failed parsing since the state was
// created or last reset. Safe to read from the sink side.
func (s *State) MalformedCount() int64 {
	return s.malformed.Load()
}

// ResetFile clears all accumulated state; the simple schema tracks a single
// source file, so a truncation there invalidates everything.
func (s *State) ResetFile(file string) {
	s.Reset()
}

// Reset returns the state to freshly-constructed condition.
func (s *State) Reset() {
	s.seen = make(map[string]struct{})
	s.seenOrder = nil
	s.latest = make(map[string]string)
	s.sessions = make(map[string]*agent.Session)
	s.malformed.Store(0)
	s.versionWarned = false
}

func parseTimestamp(ts string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t
	}
	return fallback
}
