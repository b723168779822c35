package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextwatch/contextwatch/internal/agent"
)

const validLine = `{"version":1,"timestamp":"2026-01-01T00:00:00Z","sessionId":"s1","agents":[{"agentId":"a","role":"main","label":"A","status":"running","context":{"usedTokens":90,"maxTokens":100}}]}`

func TestParseLineValid(t *testing.T) {
	rec, err := ParseLine(validLine)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Version)
	assert.Equal(t, "2026-01-01T00:00:00Z", rec.Timestamp)
	assert.Equal(t, "s1", rec.SessionID)
	require.Len(t, rec.Agents, 1)
	a := rec.Agents[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, "main", a.Role)
	assert.Equal(t, 90.0, a.Used)
	assert.Equal(t, 100.0, a.Max)
}

func TestParseLineMalformedJSON(t *testing.T) {
	for _, line := range []string{
		`{"version":1,`,
		`not json at all`,
		`{"version":1} trailing`,
	} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrMalformedJSON, "line %q", line)
	}
}

func TestParseLineShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"missing version", `{"timestamp":"t","sessionId":"s","agents":[]}`},
		{"null version", `{"version":null,"timestamp":"t","sessionId":"s","agents":[]}`},
		{"string version", `{"version":"1","timestamp":"t","sessionId":"s","agents":[]}`},
		{"missing timestamp", `{"version":1,"sessionId":"s","agents":[]}`},
		{"numeric timestamp", `{"version":1,"timestamp":5,"sessionId":"s","agents":[]}`},
		{"missing sessionId", `{"version":1,"timestamp":"t","agents":[]}`},
		{"empty sessionId", `{"version":1,"timestamp":"t","sessionId":"","agents":[]}`},
		{"missing agents", `{"version":1,"timestamp":"t","sessionId":"s"}`},
		{"agents not array", `{"version":1,"timestamp":"t","sessionId":"s","agents":{}}`},
		{"agent without id", `{"version":1,"timestamp":"t","sessionId":"s","agents":[{"context":{}}]}`},
		{"agent without context", `{"version":1,"timestamp":"t","sessionId":"s","agents":[{"agentId":"a"}]}`},
		{"null context", `{"version":1,"timestamp":"t","sessionId":"s","agents":[{"agentId":"a","context":null}]}`},
		{"context not object", `{"version":1,"timestamp":"t","sessionId":"s","agents":[{"agentId":"a","context":"big"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLine(tt.line)
			var shapeErr *ShapeError
			require.Error(t, err)
			assert.True(t, errors.As(err, &shapeErr), "want ShapeError, got %v", err)
		})
	}
}

func TestParseLineToleratedOddities(t *testing.T) {
	// Unknown fields, wrong-typed optional strings, and a wrong-typed
	// breakdown all degrade instead of failing the line.
	line := `{"version":1,"timestamp":"t","sessionId":"s","extra":true,` +
		`"agents":[{"agentId":"a","role":7,"status":[],"context":{"usedTokens":"many","breakdown":"half"}}]}`
	rec, err := ParseLine(line)
	require.NoError(t, err)
	a := rec.Agents[0]
	assert.Empty(t, a.Role)
	assert.Empty(t, a.Status)
	assert.Nil(t, a.Breakdown)
	assert.Equal(t, "many", a.Used) // coerced to zero later, not here
}

func nestedAgentJSON(depth int) string {
	inner := `{"agentId":"leaf","context":{"usedTokens":1,"maxTokens":10}}`
	for i := 1; i < depth; i++ {
		inner = fmt.Sprintf(`{"agentId":"n%d","context":{"usedTokens":1,"maxTokens":10},"children":[%s]}`, i, inner)
	}
	return inner
}

func TestParseLineDepthCap(t *testing.T) {
	mk := func(depth int) string {
		return `{"version":1,"timestamp":"t","sessionId":"s","agents":[` + nestedAgentJSON(depth) + `]}`
	}

	rec, err := ParseLine(mk(agent.MaxDepth))
	require.NoError(t, err)
	require.Len(t, rec.Agents, 1)

	_, err = ParseLine(mk(agent.MaxDepth + 1))
	var shapeErr *ShapeError
	require.Error(t, err)
	require.True(t, errors.As(err, &shapeErr))
	assert.Contains(t, shapeErr.Reason, "depth")
}

func TestParseLineNestedChildren(t *testing.T) {
	line := `{"version":1,"timestamp":"t","sessionId":"s","agents":[` +
		`{"agentId":"root","role":"main","context":{"usedTokens":10,"maxTokens":100},` +
		`"children":[{"agentId":"kid","role":"subagent","parentAgentId":"root","context":{"usedTokens":5,"maxTokens":100}}]}]}`
	rec, err := ParseLine(line)
	require.NoError(t, err)
	require.Len(t, rec.Agents, 1)
	require.Len(t, rec.Agents[0].Children, 1)
	assert.Equal(t, "root", rec.Agents[0].Children[0].ParentID)
}

// One bad child poisons the whole line: partial records must never reach the
// session builder.
func TestParseLineBadChildFailsLine(t *testing.T) {
	line := `{"version":1,"timestamp":"t","sessionId":"s","agents":[` +
		`{"agentId":"root","context":{"usedTokens":10,"maxTokens":100},"children":[{"agentId":""}]}]}`
	_, err := ParseLine(line)
	require.Error(t, err)
}

func TestParseLineRoundTripsThroughModel(t *testing.T) {
	rec, err := ParseLine(validLine)
	require.NoError(t, err)

	at := parseTimestamp(rec.Timestamp, time.Time{})
	s := agent.BuildSession(rec.SessionID, at, at, rec.Agents, agent.DefaultThresholds())
	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), `"usagePercent":90`), "got %s", out)
	assert.True(t, strings.Contains(string(out), `"riskLevel":"critical"`), "got %s", out)
}
