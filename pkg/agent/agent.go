// Package agent defines the Agent contract, the per-request context handed
// to every Handle call, and the Agent Registry: registration, direct/smart
// routing, delegation, parallel execution, and chaining.
package agent

import (
	"time"

	"github.com/relaycode/agentrun/pkg/token"
)

// HistoryTurn is one entry of conversation history.
type HistoryTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TurnID    string    `json:"turnId"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is the incoming shape the host hands to the Dispatcher.
type Request struct {
	Prompt     string
	Command    string
	References []string
	History    []HistoryTurn
	Model      string
	Stream     bool
}

// OutputStream is the host-provided sink an agent writes its response to.
// Only EmitMarkdown is intercepted by the capture decorator (§4.J).
type OutputStream interface {
	EmitMarkdown(text string) error
}

// Suggestion is a follow-up action an agent proposes to the host UI.
type Suggestion struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// Context is the per-request record handed to Handle. It is immutable to
// the agent: mutating it is a contract violation. Only the Dispatcher
// populates EnrichedContextText and AgentID, before the middleware
// pipeline runs.
type Context struct {
	Request             Request
	HistoryTurns        []HistoryTurn
	OutputStream        OutputStream
	CancelToken         *token.Token
	EnrichedContextText string
	// AgentID identifies the agent about to handle this request, set by
	// the Dispatcher before Pipeline.Execute so middleware (tracing,
	// metrics, usage tracking) can attribute without a second lookup.
	AgentID string
}

// Result is what Handle returns on success.
type Result struct {
	Metadata  map[string]any
	FollowUps []Suggestion
}

// FilesAffected extracts the Guardrails-relevant file list from Metadata,
// if present.
func (r *Result) FilesAffected() []string {
	if r == nil || r.Metadata == nil {
		return nil
	}
	raw, ok := r.Metadata["filesAffected"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ShouldRemember reports whether the Dispatcher should persist this result
// to the Memory Store. Defaults to true unless metadata explicitly opts out.
func (r *Result) ShouldRemember() bool {
	if r == nil || r.Metadata == nil {
		return true
	}
	if v, ok := r.Metadata["remember"].(bool); ok {
		return v
	}
	return true
}

// Agent is a named request handler with one Handle method and descriptive
// metadata. Identity (ID) is immutable for the agent's lifetime in a
// registry; slash-command aliases equal ID.
type Agent interface {
	ID() string
	DisplayName() string
	Description() string
	IsAutonomous() bool
	Handle(actx *Context) (*Result, error)
}

// Entry pairs an Agent with registry-level bookkeeping: the category used
// by the Model Selector and capability-based workflow lookups.
type Entry struct {
	Agent    Agent
	Category string
}
