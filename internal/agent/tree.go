package agent

import (
	"math"
	"time"
)

// MaxDepth bounds recursion into nested agents. The line parser rejects
// deeper input outright; the builder and flattener both drop anything past
// this depth so the two limits cannot disagree.
const MaxDepth = 10

// RawAgent is the schema-validated but uncoerced form of one agent as it
// appears in the input. Numeric fields are kept untyped so the builder can
// apply the finite-or-zero guard instead of failing the whole record on a
// wrong-typed value.
type RawAgent struct {
	ID        string
	Role      string
	Label     string
	ParentID  string
	Status    string
	Used      any
	Max       any
	Breakdown map[string]any
	Children  []RawAgent
}

// finiteOrZero coerces an arbitrary decoded JSON value to a usable number.
// Non-numeric, missing, NaN, infinite, and negative values all become 0 so
// no downstream comparison ever sees a non-finite float.
func finiteOrZero(v any) float64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// UsagePercent computes min(100, 100*used/max) with a zero or negative max
// collapsing to 0. Inputs are coerced finite first.
func UsagePercent(used, max float64) float64 {
	if math.IsNaN(used) || math.IsInf(used, 0) || used < 0 {
		used = 0
	}
	if math.IsNaN(max) || math.IsInf(max, 0) {
		max = 0
	}
	if max <= 0 {
		return 0
	}
	pct := 100 * used / max
	if pct > 100 {
		return 100
	}
	return pct
}

// BuildSession converts raw nested agent input into a full Session value:
// the owned agent tree, the flattened summary, and the derived aggregate
// status. startedAt is the sticky creation time carried forward by the
// caller; updatedAt stamps this rebuild.
func BuildSession(id string, startedAt, updatedAt time.Time, raw []RawAgent, th Thresholds) *Session {
	th = th.OrDefault()
	s := &Session{
		ID:            id,
		StartedAt:     startedAt,
		LastUpdatedAt: updatedAt,
		Agents:        BuildTree(raw, th, updatedAt),
	}
	flat := Flatten(s.Agents)
	s.Summary = summarize(flat)
	s.Status = deriveStatus(flat)
	return s
}

// BuildTree builds the owned agent tree from raw input. Agents nested past
// MaxDepth are dropped entirely, not merely left unexpanded.
func BuildTree(raw []RawAgent, th Thresholds, at time.Time) []Agent {
	return buildLevel(raw, th, at, 1)
}

func buildLevel(raw []RawAgent, th Thresholds, at time.Time, depth int) []Agent {
	if depth > MaxDepth || len(raw) == 0 {
		return nil
	}
	out := make([]Agent, 0, len(raw))
	for _, r := range raw {
		out = append(out, buildAgent(r, th, at, depth))
	}
	return out
}

func buildAgent(r RawAgent, th Thresholds, at time.Time, depth int) Agent {
	used := finiteOrZero(r.Used)
	max := finiteOrZero(r.Max)
	pct := UsagePercent(used, max)

	a := Agent{
		ID:       r.ID,
		Role:     ParseRole(r.Role),
		Label:    r.Label,
		ParentID: r.ParentID,
		Status:   ParseStatus(r.Status),
		Context: ContextSnapshot{
			UsedTokens:   int(used),
			MaxTokens:    int(max),
			UsagePercent: pct,
			Breakdown:    buildBreakdown(r.Breakdown),
		},
		Risk:           th.Classify(pct),
		LastActivityAt: at,
	}
	a.Children = buildLevel(r.Children, th, at, depth+1)
	return a
}

func buildBreakdown(raw map[string]any) *Breakdown {
	if raw == nil {
		return nil
	}
	return &Breakdown{
		SystemPrompt: int(finiteOrZero(raw["systemPrompt"])),
		SystemTools:  int(finiteOrZero(raw["systemTools"])),
		McpTools:     int(finiteOrZero(raw["mcpTools"])),
		Memory:       int(finiteOrZero(raw["memory"])),
		Messages:     int(finiteOrZero(raw["messages"])),
	}
}

// Flatten returns pointers to every agent in the tree, depth-first, capped
// at the same depth as BuildTree.
func Flatten(agents []Agent) []*Agent {
	var flat []*Agent
	flattenLevel(agents, 1, &flat)
	return flat
}

func flattenLevel(agents []Agent, depth int, out *[]*Agent) {
	if depth > MaxDepth {
		return
	}
	for i := range agents {
		*out = append(*out, &agents[i])
		flattenLevel(agents[i].Children, depth+1, out)
	}
}

// summarize recomputes the session summary from the flattened agent set.
// The hottest agent is the highest usage percentage; first encountered wins
// ties.
func summarize(flat []*Agent) Summary {
	sum := Summary{AgentCount: len(flat)}
	for i, a := range flat {
		switch a.Risk {
		case RiskWarning:
			sum.WarningCount++
		case RiskCritical:
			sum.CriticalCount++
		}
		// Strict > keeps the first-encountered agent on ties.
		if i == 0 || a.Context.UsagePercent > sum.HottestPercent {
			sum.HottestPercent = a.Context.UsagePercent
			sum.HottestAgentID = a.ID
		}
	}
	return sum
}

// deriveStatus computes the aggregate session status. Priority: any errored
// agent makes the session errored; else all done completes it; else all
// waiting idles it; anything else is active.
func deriveStatus(flat []*Agent) SessionStatus {
	if len(flat) == 0 {
		return SessionIdle
	}
	allDone := true
	allWaiting := true
	for _, a := range flat {
		switch a.Status {
		case Errored:
			return SessionError
		case Done:
			allWaiting = false
		case Waiting:
			allDone = false
		default:
			allDone = false
			allWaiting = false
		}
	}
	if allDone {
		return SessionCompleted
	}
	if allWaiting {
		return SessionIdle
	}
	return SessionActive
}
