package agent

import (
	"encoding/json"
	"time"
)

// Role distinguishes the root agent of a session from nested workers.
type Role int

const (
	RoleMain Role = iota
	RoleSubagent
)

var roleNames = map[Role]string{
	RoleMain:     "main",
	RoleSubagent: "subagent",
}

var roleFromName = map[string]Role{
	"main":     RoleMain,
	"subagent": RoleSubagent,
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "subagent"
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := roleFromName[s]; ok {
		*r = v
	}
	return nil
}

// ParseRole maps a raw role string onto the enum. Anything that is not
// exactly "main" is treated as a subagent.
func ParseRole(s string) Role {
	if v, ok := roleFromName[s]; ok {
		return v
	}
	return RoleSubagent
}

// Status is the per-agent execution state as reported by the log.
type Status int

const (
	Running Status = iota
	Waiting
	Done
	Errored
)

var statusNames = map[Status]string{
	Running: "running",
	Waiting: "waiting",
	Done:    "done",
	Errored: "error",
}

var statusFromName = map[string]Status{
	"running": Running,
	"waiting": Waiting,
	"done":    Done,
	"error":   Errored,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "running"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if v, ok := statusFromName[str]; ok {
		*s = v
	}
	return nil
}

// ParseStatus maps a raw status string onto the enum. Unknown values fall
// back to Running rather than failing the record.
func ParseStatus(s string) Status {
	if v, ok := statusFromName[s]; ok {
		return v
	}
	return Running
}

// SessionStatus is the aggregate state derived from all agents in a session.
type SessionStatus int

const (
	SessionActive SessionStatus = iota
	SessionIdle
	SessionCompleted
	SessionError
)

var sessionStatusNames = map[SessionStatus]string{
	SessionActive:    "active",
	SessionIdle:      "idle",
	SessionCompleted: "completed",
	SessionError:     "error",
}

func (s SessionStatus) String() string {
	if n, ok := sessionStatusNames[s]; ok {
		return n
	}
	return "active"
}

func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Risk classifies an agent's context usage against the configured thresholds.
type Risk int

const (
	RiskNormal Risk = iota
	RiskWarning
	RiskCritical
)

var riskNames = map[Risk]string{
	RiskNormal:   "normal",
	RiskWarning:  "warning",
	RiskCritical: "critical",
}

func (r Risk) String() string {
	if n, ok := riskNames[r]; ok {
		return n
	}
	return "normal"
}

func (r Risk) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Breakdown splits a context window's used tokens into named buckets. The
// buckets are produced by the reconcilers and should sum to roughly
// UsedTokens; no sum invariant is enforced here.
type Breakdown struct {
	SystemPrompt int `json:"systemPrompt"`
	SystemTools  int `json:"systemTools"`
	McpTools     int `json:"mcpTools"`
	Memory       int `json:"memory"`
	Messages     int `json:"messages"`
}

// ContextSnapshot is one agent's context-window consumption at a point in
// time. UsagePercent is derived, always finite, and clamped to [0, 100].
type ContextSnapshot struct {
	UsedTokens   int        `json:"usedTokens"`
	MaxTokens    int        `json:"maxTokens"`
	UsagePercent float64    `json:"usagePercent"`
	Breakdown    *Breakdown `json:"breakdown,omitempty"`
}

// Agent is a unit of work consuming a bounded context window. Children are
// owned exclusively by value; ParentID is a plain back-reference for lookup
// and is never followed during construction.
type Agent struct {
	ID             string          `json:"agentId"`
	Role           Role            `json:"role"`
	Label          string          `json:"label"`
	ParentID       string          `json:"parentAgentId,omitempty"`
	Status         Status          `json:"status"`
	Context        ContextSnapshot `json:"context"`
	Risk           Risk            `json:"riskLevel"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	Children       []Agent         `json:"children,omitempty"`
}

// Summary is recomputed from the flattened agent set on every rebuild.
type Summary struct {
	HottestAgentID string  `json:"hottestAgentId,omitempty"`
	HottestPercent float64 `json:"hottestPercent"`
	AgentCount     int     `json:"agentCount"`
	WarningCount   int     `json:"warningCount"`
	CriticalCount  int     `json:"criticalCount"`
}

// Session is the reconstructed view of one logical conversation. Sessions
// are value objects rebuilt wholesale on every accepted record; only
// StartedAt is threaded forward across rebuilds.
type Session struct {
	ID            string        `json:"sessionId"`
	StartedAt     time.Time     `json:"startedAt"`
	LastUpdatedAt time.Time     `json:"lastUpdatedAt"`
	Agents        []Agent       `json:"agents"`
	Summary       Summary       `json:"sessionSummary"`
	Status        SessionStatus `json:"status"`
	PID           int           `json:"pid,omitempty"`
	CPUPercent    float64       `json:"cpuPercent,omitempty"`
}

// Clone returns a deep copy of the Session so the sink side can hold a
// snapshot while the reconstruction side keeps rebuilding.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Agents = cloneAgents(s.Agents)
	return &c
}

func cloneAgents(agents []Agent) []Agent {
	if len(agents) == 0 {
		return nil
	}
	out := make([]Agent, len(agents))
	for i, a := range agents {
		out[i] = a
		if a.Context.Breakdown != nil {
			b := *a.Context.Breakdown
			out[i].Context.Breakdown = &b
		}
		out[i].Children = cloneAgents(a.Children)
	}
	return out
}
