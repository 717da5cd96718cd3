// Package middleware implements the Middleware Pipeline: a priority-ordered
// chain of before/after/onError hooks wrapped around an agent invocation,
// plus the three built-in middlewares named in the spec and the two
// observability middlewares SPEC_FULL.md adds (tracing, metrics).
package middleware

import (
	"log/slog"

	"github.com/relaycode/agentrun/pkg/agent"
)

// Verdict is a before-hook's admission decision.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictSkip     Verdict = "skip"
)

// BeforeResult is what a before hook returns.
type BeforeResult struct {
	Verdict  Verdict
	Metadata map[string]any
}

// Middleware is one pipeline stage. Any hook may be nil.
type Middleware struct {
	Name     string
	Priority int
	Before   func(actx *agent.Context) (BeforeResult, error)
	After    func(actx *agent.Context, result *agent.Result) error
	OnError  func(actx *agent.Context, cause error) (*agent.Result, error)
}

// Pipeline holds a priority-ordered, mutable set of middlewares.
type Pipeline struct {
	items []Middleware
}

// New constructs an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Register inserts mw in priority order (lower priority runs first).
func (p *Pipeline) Register(mw Middleware) {
	i := 0
	for ; i < len(p.items); i++ {
		if p.items[i].Priority > mw.Priority {
			break
		}
	}
	p.items = append(p.items, Middleware{})
	copy(p.items[i+1:], p.items[i:])
	p.items[i] = mw
}

// Clear removes every registered middleware.
func (p *Pipeline) Clear() {
	p.items = nil
}

// Execute runs the pipeline around handle: before hooks (with short-circuit
// on skip), the agent handler, after hooks (always, regardless of sibling
// failures), and onError hooks on failure.
func (p *Pipeline) Execute(actx *agent.Context, handle func(*agent.Context) (*agent.Result, error)) (*agent.Result, error) {
	accumulated := map[string]any{}

	for i, mw := range p.items {
		if mw.Before == nil {
			continue
		}
		before, err := runBefore(mw, actx)
		if err != nil {
			slog.Warn("middleware before hook failed, treated as continue", "middleware", mw.Name, "error", err)
			continue
		}
		for k, v := range before.Metadata {
			accumulated[k] = v
		}
		if before.Verdict == VerdictSkip {
			shortCircuit := &agent.Result{Metadata: accumulated}
			// Only middlewares whose before hook already ran this round
			// (i.e. registered at or ahead of the one that skipped, e.g.
			// tracing ahead of rate-limiting) get their after hook invoked,
			// so they can close out per-request state (end a span, stop a
			// timer) even though the agent itself never runs. Middlewares
			// further down the chain never saw a before this round and
			// must not observe an after either (usage/metrics counters
			// would otherwise attribute a throttled request as handled).
			for _, ran := range p.items[:i+1] {
				if ran.After == nil {
					continue
				}
				if err := ran.After(actx, shortCircuit); err != nil {
					slog.Warn("middleware after hook failed on short-circuit", "middleware", ran.Name, "error", err)
				}
			}
			return shortCircuit, nil
		}
	}

	result, handleErr := handle(actx)
	if handleErr == nil {
		for _, mw := range p.items {
			if mw.After == nil {
				continue
			}
			if err := mw.After(actx, result); err != nil {
				slog.Warn("middleware after hook failed", "middleware", mw.Name, "error", err)
			}
		}
		return result, nil
	}

	var substitute *agent.Result
	for _, mw := range p.items {
		if mw.OnError == nil {
			continue
		}
		r, err := mw.OnError(actx, handleErr)
		if err != nil {
			slog.Warn("middleware onError hook failed", "middleware", mw.Name, "error", err)
			continue
		}
		if r != nil {
			substitute = r
		}
	}
	if substitute != nil {
		return substitute, nil
	}
	return nil, handleErr
}

func runBefore(mw Middleware, actx *agent.Context) (result BeforeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{middleware: mw.Name, value: r}
		}
	}()
	return mw.Before(actx)
}

type panicError struct {
	middleware string
	value      any
}

func (e *panicError) Error() string {
	return "middleware panic"
}
