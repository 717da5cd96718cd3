// Package workflow implements the Workflow Engine (component 4.H):
// declarative, multi-step agent pipelines with retry, conditional
// execution, parallel groups, and output piping.
//
// WorkflowResult/AgentResult/WorkflowContext/Artifact field shapes are
// ported from the teacher's workflow/types.go. The group-by-group
// execution loop — sequential groups, errgroup-parallel execution within
// a group — is ported from the teacher's workflow/executors.go
// DAGExecutor.Execute, generalized from a flat agent list to grouped
// steps carrying retry/condition/pipeOutput policy, and adopts the
// teacher's AgentServices abstraction so the engine never references a
// concrete Agent type.
package workflow

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycode/agentrun/pkg/errs"
	"github.com/relaycode/agentrun/pkg/registry"
	"github.com/relaycode/agentrun/pkg/token"
)

// OnFailure selects what happens to the rest of the workflow when a step
// exhausts its retries.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
)

// RetryPolicy is a step's fixed-backoff retry configuration.
type RetryPolicy struct {
	Attempts  int // total attempts including the first; 0 or 1 means no retry
	BackoffMs int
}

// Condition predicates a step's execution on prior step outputs. A nil
// Condition always runs.
type Condition func(priorOutputs map[string]string) bool

// Step is one unit of work in a Definition.
//
// ParallelGroup is optional, per spec.md's documented field shape. A step
// that leaves it nil is NOT a step in "group zero" alongside every other
// step that also left it nil — that would silently turn the natural,
// no-annotation way of authoring a purely sequential workflow into a
// concurrent fan-out. A nil ParallelGroup instead gets its own singleton
// group, positioned by declaration order, so omitting the field on every
// step produces the serial, in-order execution §4.H describes as the
// default. Use Group(n) to opt a step into an explicit, named group that
// runs concurrently with its siblings.
type Step struct {
	Name          string
	AgentID       string
	Prompt        string
	ParallelGroup *int
	Condition     Condition
	PipeOutput    bool
	Retry         RetryPolicy
	OnFailure     OnFailure // defaults to OnFailureAbort when empty
}

// Group returns a pointer to n, for populating Step.ParallelGroup. Steps
// sharing the same group number run concurrently; groups are scheduled in
// the order their number is first seen among the definition's steps.
func Group(n int) *int {
	return &n
}

// Definition is a named, ordered collection of steps.
type Definition struct {
	Name  string
	Steps []Step
}

// StepResult is one step's outcome.
type StepResult struct {
	StepName string
	AgentID  string
	Output   string
	Success  bool
	Skipped  bool
	Err      error
	Duration time.Duration
	Attempts int
}

// AgentServices is the abstract boundary between the engine and whatever
// concrete agent-dispatch mechanism the host uses. The engine never
// imports pkg/agent directly, matching the teacher's "NO CONCRETE
// TYPES!" AgentServices contract.
type AgentServices interface {
	ExecuteAgent(ctx *token.Token, agentID, prompt string) (string, error)
	IsAgentAvailable(agentID string) bool
}

// Engine owns named workflow definitions and runs them against an
// AgentServices implementation.
type Engine struct {
	defs     *registry.BaseRegistry[*Definition]
	services AgentServices
}

// New constructs an Engine bound to services.
func New(services AgentServices) *Engine {
	return &Engine{defs: registry.NewBaseRegistry[*Definition](), services: services}
}

// RegisterWorkflow adds or replaces a named definition.
func (e *Engine) RegisterWorkflow(def *Definition) error {
	if def == nil || def.Name == "" {
		return errs.Permanentf("workflow", "register", "workflow definition must have a name")
	}
	return e.defs.Replace(def.Name, def)
}

// GetWorkflow retrieves a definition by name.
func (e *Engine) GetWorkflow(name string) (*Definition, bool) {
	return e.defs.Get(name)
}

// ListWorkflows returns all registered workflow names, sorted.
func (e *Engine) ListWorkflows() []string {
	return e.defs.Names()
}

// RemoveWorkflow deletes a definition by name.
func (e *Engine) RemoveWorkflow(name string) {
	e.defs.Remove(name)
}

// ClearWorkflows removes all definitions.
func (e *Engine) ClearWorkflows() {
	e.defs.Clear()
}

// Run executes the named workflow's steps group-by-group: groups run in
// the order their ParallelGroup value (or, for a step that omits it, the
// step itself) is first seen among the definition's steps, and all steps
// within one group run concurrently via errgroup. Results preserve step
// declaration order regardless of execution order within a group.
func (e *Engine) Run(ctx *token.Token, name string, initialPrompt string) ([]StepResult, error) {
	def, ok := e.defs.Get(name)
	if !ok {
		return nil, errs.Permanentf("workflow", "run", "unknown workflow %q", name)
	}

	groups := groupSteps(def.Steps)

	results := make([]StepResult, len(def.Steps))
	priorOutputs := make(map[string]string, len(def.Steps))
	var outputsMu sync.Mutex
	aborted := false

	for _, group := range groups {
		if aborted {
			for _, idx := range group.indices {
				results[idx] = StepResult{StepName: def.Steps[idx].Name, AgentID: def.Steps[idx].AgentID, Skipped: true, Success: true}
			}
			continue
		}
		if ctx.IsCancelled() {
			return results, errs.FromCancellation("workflow", "run", ctx.Err())
		}

		eg, egCtx := errgroup.WithContext(ctx.Ctx())
		_ = egCtx
		groupAbort := false
		var groupMu sync.Mutex

		for _, idx := range group.indices {
			idx := idx
			step := def.Steps[idx]
			eg.Go(func() error {
				outputsMu.Lock()
				snapshot := make(map[string]string, len(priorOutputs))
				for k, v := range priorOutputs {
					snapshot[k] = v
				}
				outputsMu.Unlock()

				result := e.runStep(ctx, step, initialPrompt, snapshot)
				results[idx] = result

				if result.Success && !result.Skipped {
					outputsMu.Lock()
					priorOutputs[step.Name] = result.Output
					outputsMu.Unlock()
				}
				if !result.Success {
					onFailure := step.OnFailure
					if onFailure == "" {
						onFailure = OnFailureAbort
					}
					if onFailure == OnFailureAbort {
						groupMu.Lock()
						groupAbort = true
						groupMu.Unlock()
					}
				}
				return nil
			})
		}
		_ = eg.Wait()

		if groupAbort {
			aborted = true
		}
	}

	return results, nil
}

func (e *Engine) runStep(ctx *token.Token, step Step, initialPrompt string, priorOutputs map[string]string) StepResult {
	start := time.Now()

	if step.Condition != nil && !step.Condition(priorOutputs) {
		return StepResult{StepName: step.Name, AgentID: step.AgentID, Skipped: true, Success: true, Duration: time.Since(start)}
	}

	if !e.services.IsAgentAvailable(step.AgentID) {
		return StepResult{
			StepName: step.Name, AgentID: step.AgentID, Duration: time.Since(start),
			Err: errs.Permanentf("workflow", "run-step", "agent %q is not available", step.AgentID),
		}
	}

	prompt := step.Prompt
	if prompt == "" {
		prompt = initialPrompt
	}
	if step.PipeOutput {
		prompt = pipePrefix(priorOutputs) + prompt
	}

	attempts := step.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.IsCancelled() {
			return StepResult{StepName: step.Name, AgentID: step.AgentID, Attempts: attempt, Duration: time.Since(start), Err: errs.FromCancellation("workflow", "run-step", ctx.Err())}
		}
		output, err := e.services.ExecuteAgent(ctx, step.AgentID, prompt)
		if err == nil {
			return StepResult{StepName: step.Name, AgentID: step.AgentID, Output: output, Success: true, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err
		if attempt < attempts && step.Retry.BackoffMs > 0 {
			time.Sleep(time.Duration(step.Retry.BackoffMs) * time.Millisecond)
		}
	}

	return StepResult{StepName: step.Name, AgentID: step.AgentID, Attempts: attempts, Duration: time.Since(start), Err: lastErr}
}

func pipePrefix(priorOutputs map[string]string) string {
	if len(priorOutputs) == 0 {
		return ""
	}
	names := make([]string, 0, len(priorOutputs))
	for name := range priorOutputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var prefix string
	for _, name := range names {
		prefix += priorOutputs[name] + "\n\n"
	}
	return prefix
}

type stepGroup struct {
	indices []int
}

// groupSteps partitions step indices into execution groups, preserving the
// order in which each group is first encountered while walking steps in
// declaration order.
//
// A step with an explicit ParallelGroup joins every other step sharing
// that same group number, wherever in the definition they appear — that's
// how a fan-out group is authored. A step that leaves ParallelGroup nil
// joins no one: it gets a singleton group of its own, keyed by its index,
// so a workflow built entirely of steps that omit the field runs each one
// serially, in the order written, instead of all collapsing into one
// concurrent "group zero".
func groupSteps(steps []Step) []stepGroup {
	indices := make(map[string][]int)
	var order []string

	for i, s := range steps {
		key := groupKey(s, i)
		if _, seen := indices[key]; !seen {
			order = append(order, key)
		}
		indices[key] = append(indices[key], i)
	}

	out := make([]stepGroup, 0, len(order))
	for _, key := range order {
		out = append(out, stepGroup{indices: indices[key]})
	}
	return out
}

// groupKey returns the grouping identity for step i: the explicit
// ParallelGroup value when set, or an identity unique to this step's
// position when not.
func groupKey(s Step, index int) string {
	if s.ParallelGroup != nil {
		return "g" + strconv.Itoa(*s.ParallelGroup)
	}
	return "s" + strconv.Itoa(index)
}
