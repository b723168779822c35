// Package rollout reconstructs one session per source file from the
// multi-record-kind session-snapshot log: an interleaved stream of header,
// turn-result, and turn-append records, each an independent partial update.
package rollout

import (
	"encoding/json"
	"errors"
)

// Record kinds, tagged by the integer "kind" field on each line. Anything
// else is irrelevant to reconstruction and skipped.
const (
	KindHeader     = 1
	KindTurnResult = 2
	KindTurnAppend = 3
)

var errNotRelevant = errors.New("irrelevant record kind")

// rawRecord is the envelope shared by all line kinds. Turn records address
// their target through the path-like key array ["requests", turnIndex,
// "result"|"response"]; the header carries its payload directly.
type rawRecord struct {
	Kind  int             `json:"kind"`
	Key   []any           `json:"key"`
	Value json.RawMessage `json:"value"`
}

// headerValue is the Kind A payload: session identity, creation time, and
// model/context-window metadata under a nested path.
type headerValue struct {
	SessionID string `json:"sessionId"`
	CreatedAt string `json:"createdAt"`
	Model     struct {
		Name          string `json:"name"`
		ContextWindow int    `json:"contextWindow"`
	} `json:"model"`
}

// turnResultValue is the Kind B payload: the current total prompt and
// completion token counts for the addressed turn plus a percentage-based
// breakdown of the prompt.
type turnResultValue struct {
	PromptTokens     float64 `json:"promptTokens"`
	CompletionTokens float64 `json:"completionTokens"`
	Breakdown        struct {
		SystemPromptPercent float64 `json:"systemPromptPercent"`
		SystemToolsPercent  float64 `json:"systemToolsPercent"`
		McpToolsPercent     float64 `json:"mcpToolsPercent"`
		MemoryPercent       float64 `json:"memoryPercent"`
		MessagesPercent     float64 `json:"messagesPercent"`
	} `json:"breakdown"`
}

// turnAppendValue is the Kind C payload: one child call (sub-invocation)
// revealed for the addressed turn, keyed by its call identifier.
type turnAppendValue struct {
	CallID string `json:"callId"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

// turnIndexFromKey extracts the turn index out of a key array of the form
// ["requests", turnIndex, "result"|"response"]. The wanted leaf name is
// "result" for Kind B records and "response" for Kind C.
func turnIndexFromKey(key []any, leaf string) (int, bool) {
	if len(key) != 3 {
		return 0, false
	}
	root, ok := key[0].(string)
	if !ok || root != "requests" {
		return 0, false
	}
	idx, ok := key[1].(float64)
	if !ok || idx < 0 || idx != float64(int(idx)) {
		return 0, false
	}
	got, ok := key[2].(string)
	if !ok || got != leaf {
		return 0, false
	}
	return int(idx), true
}
