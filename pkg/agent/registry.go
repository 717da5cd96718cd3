package agent

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relaycode/agentrun/pkg/errs"
	"github.com/relaycode/agentrun/pkg/model"
	"github.com/relaycode/agentrun/pkg/registry"
)

// MaxChainDepth bounds Chain: exceeding it is a permanent error.
const MaxChainDepth = 20

// Registry is the Agent Registry: registration, direct/smart routing,
// delegation, parallel execution, and chaining. It is built atop the
// generic registry.BaseRegistry, the same way the teacher's AgentRegistry
// wraps it, with the default-agent bookkeeping and routing/fan-out
// operations layered on top.
type Registry struct {
	base *registry.BaseRegistry[*Entry]

	mu        sync.Mutex
	defaultID string
}

// NewRegistry constructs an empty Agent Registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[*Entry]()}
}

// Register adds agent under its own ID. The first agent ever registered
// also becomes the default.
func (r *Registry) Register(a Agent, category string) error {
	if a == nil {
		return errs.Permanentf("registry", "register", "agent cannot be nil")
	}
	id := a.ID()
	if err := r.base.Register(id, &Entry{Agent: a, Category: category}); err != nil {
		return errs.New(errs.Permanent, "registry", "register", fmt.Sprintf("agent %q already registered", id), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// Unregister removes an agent by id. If it was the default, the default
// resets to any remaining agent (first by sorted name, stable across calls).
func (r *Registry) Unregister(id string) bool {
	if err := r.base.Remove(id); err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultID == id {
		r.defaultID = ""
		if names := r.base.Names(); len(names) > 0 {
			r.defaultID = names[0]
		}
	}
	return true
}

// SetDefault assigns the registry default, failing if id isn't registered.
func (r *Registry) SetDefault(id string) error {
	if _, ok := r.base.Get(id); !ok {
		return errs.Permanentf("registry", "set-default", "agent %q not registered", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultID = id
	return nil
}

// Default returns the current default agent, if any.
func (r *Registry) Default() (Agent, bool) {
	r.mu.Lock()
	id := r.defaultID
	r.mu.Unlock()
	if id == "" {
		return nil, false
	}
	entry, ok := r.base.Get(id)
	if !ok {
		return nil, false
	}
	return entry.Agent, true
}

// Get looks up an agent by id.
func (r *Registry) Get(id string) (Agent, bool) {
	entry, ok := r.base.Get(id)
	if !ok {
		return nil, false
	}
	return entry.Agent, true
}

// List returns every registered agent.
func (r *Registry) List() []Agent {
	entries := r.base.List()
	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Agent)
	}
	return out
}

// Resolve picks the agent for a request: by slash command if present
// (falling back to default on an unknown command id), else the first
// profile agent present in the registry, else the default.
func (r *Registry) Resolve(actx *Context, profileAgents []string) (Agent, bool) {
	if cmd := actx.Request.Command; cmd != "" {
		if a, ok := r.Get(cmd); ok {
			return a, true
		}
		return r.Default()
	}
	for _, id := range profileAgents {
		if a, ok := r.Get(id); ok {
			return a, true
		}
	}
	return r.Default()
}

var routeTokenPattern = regexp.MustCompile(`[^a-z0-9-]`)

// SmartRouteOptions configures smartRoute.
type SmartRouteOptions struct {
	ProfileAgents []string
	TelemetryHint func(agentID string) string // optional, appended per agent as plain text
}

// SmartRoute asks provider to pick the best agent from id/description
// listings. The reply is sanitized and validated against the known id set;
// on transport failure, invalid reply, or empty registry, the default wins.
func (r *Registry) SmartRoute(actx *Context, provider model.Provider, opts SmartRouteOptions) (Agent, bool) {
	candidates := r.List()
	if len(opts.ProfileAgents) > 0 {
		allowed := make(map[string]bool, len(opts.ProfileAgents))
		for _, id := range opts.ProfileAgents {
			allowed[id] = true
		}
		filtered := candidates[:0:0]
		for _, a := range candidates {
			if allowed[a.ID()] {
				filtered = append(filtered, a)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return r.Default()
	}

	var b strings.Builder
	b.WriteString("Pick the single best agent id for this request. Reply with only the id.\n\n")
	fmt.Fprintf(&b, "Request: %s\n\nAgents:\n", actx.Request.Prompt)
	for _, a := range candidates {
		fmt.Fprintf(&b, "- %s: %s", a.ID(), a.Description())
		if opts.TelemetryHint != nil {
			if hint := opts.TelemetryHint(a.ID()); hint != "" {
				fmt.Fprintf(&b, " (%s)", hint)
			}
		}
		b.WriteString("\n")
	}

	reply, _, err := provider.Generate(b.String())
	if err != nil {
		slog.Warn("smart route: transport failure, falling back to default", "error", err)
		return r.Default()
	}

	sanitized := routeTokenPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(reply)), "")
	if agent, ok := r.Get(sanitized); ok {
		return agent, true
	}
	slog.Warn("smart route: reply did not match a known agent id, falling back to default", "reply", reply)
	return r.Default()
}

// capturingContext derives a Context from actx whose OutputStream is a
// capture proxy, and whose prompt is overridden if overridePrompt is set.
func capturingContext(actx *Context, overridePrompt *string) (*Context, *CaptureStream) {
	capture := NewCaptureStream(actx.OutputStream)
	derived := *actx
	derived.OutputStream = capture
	if overridePrompt != nil {
		derived.Request.Prompt = *overridePrompt
	}
	return &derived, capture
}

// DelegateResult is what Delegate returns.
type DelegateResult struct {
	Result       *Result
	CapturedText string
}

// Delegate invokes targetId's Handle with a derived context whose output
// stream forwards to the original stream while accumulating markdown into
// a buffer.
func (r *Registry) Delegate(targetID string, actx *Context, overridePrompt *string) (*DelegateResult, error) {
	target, ok := r.Get(targetID)
	if !ok {
		return nil, errs.Permanentf("registry", "delegate", "agent %q not found", targetID)
	}
	derived, capture := capturingContext(actx, overridePrompt)
	result, err := target.Handle(derived)
	if err != nil {
		return nil, err
	}
	return &DelegateResult{Result: result, CapturedText: capture.GetCapturedText()}, nil
}

// Task is one unit of work for Parallel.
type Task struct {
	AgentID string
	Context *Context
}

// TaskResult is one entry of Parallel's result list.
type TaskResult struct {
	AgentID string
	Result  *Result
	Text    string
	Error   error
}

// Parallel runs every task concurrently under one cancel token. Per-task
// errors are captured as data, never propagated to the caller; result
// order matches task order. Modeled on the source runtime's fan-out shape,
// adapted so the errgroup closures always return nil — a task's failure is
// a result field, not a reason to abort its siblings.
func (r *Registry) Parallel(tasks []Task, actx *Context) []TaskResult {
	results := make([]TaskResult, len(tasks))
	g, _ := errgroup.WithContext(actx.CancelToken.Ctx())

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			agentRef, ok := r.Get(task.AgentID)
			if !ok {
				results[i] = TaskResult{AgentID: task.AgentID, Error: fmt.Errorf("agent %q not found", task.AgentID)}
				return nil
			}
			taskCtx := task.Context
			if taskCtx == nil {
				taskCtx = actx
			}
			derived, capture := capturingContext(taskCtx, nil)
			result, err := agentRef.Handle(derived)
			results[i] = TaskResult{AgentID: task.AgentID, Result: result, Text: capture.GetCapturedText(), Error: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ChainStep is one step of a Chain invocation.
type ChainStep struct {
	AgentID    string
	Prompt     string
	PipeOutput bool
}

// ChainResult is one entry of Chain's result list.
type ChainResult struct {
	AgentID string
	Result  *Result
	Text    string
}

const pipeSeparator = "\n\n---\n\n"

// Chain runs steps sequentially. When a step's PipeOutput is true, the
// prior step's captured text is appended to this step's prompt. Exceeding
// MaxChainDepth is a permanent error.
func (r *Registry) Chain(steps []ChainStep, actx *Context) ([]ChainResult, error) {
	if len(steps) > MaxChainDepth {
		return nil, errs.Permanentf("registry", "chain", "chain depth %d exceeds maximum %d", len(steps), MaxChainDepth)
	}

	results := make([]ChainResult, 0, len(steps))
	priorText := ""

	for _, step := range steps {
		targetAgent, ok := r.Get(step.AgentID)
		if !ok {
			return results, errs.Permanentf("registry", "chain", "agent %q not found", step.AgentID)
		}

		prompt := step.Prompt
		if step.PipeOutput && priorText != "" {
			prompt = prompt + pipeSeparator + priorText
		}

		derived, capture := capturingContext(actx, &prompt)
		result, err := targetAgent.Handle(derived)
		if err != nil {
			return results, err
		}

		text := capture.GetCapturedText()
		results = append(results, ChainResult{AgentID: step.AgentID, Result: result, Text: text})
		priorText = text
	}
	return results, nil
}
