// Package stream reconciles the simple versioned JSON-Lines schema: one full
// session snapshot per line, deduplicated, ordered, and rebuilt wholesale
// into the domain model.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/contextwatch/contextwatch/internal/agent"
)

// SupportedVersion is the highest record version this parser understands.
const SupportedVersion = 1

// ErrMalformedJSON marks a line that is not a valid JSON object at all.
var ErrMalformedJSON = errors.New("line is not valid json")

// ShapeError marks a structurally invalid record: valid JSON whose fields
// fail the schema check.
type ShapeError struct {
	Reason string
}

func (e *ShapeError) Error() string {
	return "malformed record: " + e.Reason
}

// Record is one validated snapshot line.
type Record struct {
	Version   float64
	Timestamp string
	SessionID string
	Agents    []agent.RawAgent
}

// ParseLine validates one trimmed, non-empty line and returns the typed
// record. Validation is staged: JSON syntax first, then field shapes, then
// the recursive agent check down to agent.MaxDepth. Exceeding the depth cap
// fails the whole line rather than silently truncating it.
func ParseLine(line string) (*Record, error) {
	var raw struct {
		Version   json.RawMessage `json:"version"`
		Timestamp json.RawMessage `json:"timestamp"`
		SessionID json.RawMessage `json:"sessionId"`
		Agents    json.RawMessage `json:"agents"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, ErrMalformedJSON
	}

	rec := &Record{}

	// json.Unmarshal treats a JSON null as a no-op for any target type, so
	// null fields must be rejected explicitly alongside missing ones.
	if isAbsent(raw.Version) {
		return nil, &ShapeError{Reason: "version is not a number"}
	}
	if err := json.Unmarshal(raw.Version, &rec.Version); err != nil {
		return nil, &ShapeError{Reason: "version is not a number"}
	}
	if isAbsent(raw.Timestamp) {
		return nil, &ShapeError{Reason: "timestamp is not a string"}
	}
	if err := json.Unmarshal(raw.Timestamp, &rec.Timestamp); err != nil {
		return nil, &ShapeError{Reason: "timestamp is not a string"}
	}
	if err := json.Unmarshal(raw.SessionID, &rec.SessionID); err != nil || rec.SessionID == "" {
		return nil, &ShapeError{Reason: "sessionId is not a non-empty string"}
	}

	var rawAgents []json.RawMessage
	if isAbsent(raw.Agents) {
		return nil, &ShapeError{Reason: "agents is not an array"}
	}
	if err := json.Unmarshal(raw.Agents, &rawAgents); err != nil {
		return nil, &ShapeError{Reason: "agents is not an array"}
	}

	agents, err := parseAgents(rawAgents, 1)
	if err != nil {
		return nil, err
	}
	rec.Agents = agents
	return rec, nil
}

func parseAgents(raw []json.RawMessage, depth int) ([]agent.RawAgent, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if depth > agent.MaxDepth {
		return nil, &ShapeError{Reason: fmt.Sprintf("agent nesting exceeds depth %d", agent.MaxDepth)}
	}
	out := make([]agent.RawAgent, 0, len(raw))
	for _, r := range raw {
		a, err := parseAgent(r, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAgent(raw json.RawMessage, depth int) (agent.RawAgent, error) {
	var shape struct {
		AgentID  any               `json:"agentId"`
		Role     any               `json:"role"`
		Label    any               `json:"label"`
		ParentID any               `json:"parentAgentId"`
		Status   any               `json:"status"`
		Context  json.RawMessage   `json:"context"`
		Children []json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return agent.RawAgent{}, &ShapeError{Reason: "agent element is not a valid object"}
	}

	id, _ := shape.AgentID.(string)
	if id == "" {
		return agent.RawAgent{}, &ShapeError{Reason: "agentId is not a non-empty string"}
	}
	if isAbsent(shape.Context) {
		return agent.RawAgent{}, &ShapeError{Reason: "context is missing"}
	}

	var ctx struct {
		UsedTokens any `json:"usedTokens"`
		MaxTokens  any `json:"maxTokens"`
		Breakdown  any `json:"breakdown"`
	}
	if err := json.Unmarshal(shape.Context, &ctx); err != nil {
		return agent.RawAgent{}, &ShapeError{Reason: "context is not an object"}
	}

	a := agent.RawAgent{
		ID:       id,
		Role:     asString(shape.Role),
		Label:    asString(shape.Label),
		ParentID: asString(shape.ParentID),
		Status:   asString(shape.Status),
		Used:     ctx.UsedTokens,
		Max:      ctx.MaxTokens,
	}
	// Wrong-typed breakdowns are dropped, not fatal: the sum invariant is
	// advisory and the agent itself is still usable.
	if m, ok := ctx.Breakdown.(map[string]any); ok {
		a.Breakdown = m
	}

	children, err := parseAgents(shape.Children, depth+1)
	if err != nil {
		return agent.RawAgent{}, err
	}
	a.Children = children
	return a, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
