package middleware

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/observability"
)

// RateLimiter is the priority-10 built-in middleware: a sliding 60-second
// window of admission timestamps shared across every request it guards.
// Window pruning happens on every admission check, per §4.D.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window []time.Time
}

// NewRateLimiter constructs a RateLimiter admitting at most limit
// invocations per rolling 60-second window.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{limit: limit}
}

// SetLimit updates the admitted rate without resetting the window.
func (r *RateLimiter) SetLimit(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
}

// Middleware returns the Pipeline-registrable middleware entry.
func (r *RateLimiter) Middleware() Middleware {
	return Middleware{Name: "rate-limiter", Priority: 10, Before: r.before}
}

func (r *RateLimiter) before(actx *agent.Context) (BeforeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-60 * time.Second)
	kept := r.window[:0]
	for _, t := range r.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.window = kept

	if r.limit > 0 && len(r.window) >= r.limit {
		return BeforeResult{Verdict: VerdictSkip, Metadata: map[string]any{"throttled": true}}, nil
	}
	r.window = append(r.window, now)
	return BeforeResult{Verdict: VerdictContinue}, nil
}

// Timing is the priority-20 built-in middleware: records start/end and
// exposes elapsed duration as after-hook metadata. Before/after hooks for
// the same request are correlated by the Context's own pointer identity,
// since Pipeline.Execute threads accumulated before-metadata only into a
// short-circuited skip result, not into the after phase.
type Timing struct {
	mu     sync.Mutex
	starts map[*agent.Context]time.Time
}

// NewTiming constructs a Timing middleware.
func NewTiming() *Timing {
	return &Timing{starts: make(map[*agent.Context]time.Time)}
}

// Middleware returns the Pipeline-registrable middleware entry.
func (t *Timing) Middleware() Middleware {
	return Middleware{Name: "timing", Priority: 20, Before: t.before, After: t.after}
}

func (t *Timing) before(actx *agent.Context) (BeforeResult, error) {
	t.mu.Lock()
	t.starts[actx] = time.Now()
	t.mu.Unlock()
	return BeforeResult{Verdict: VerdictContinue}, nil
}

func (t *Timing) after(actx *agent.Context, result *agent.Result) error {
	t.mu.Lock()
	start, ok := t.starts[actx]
	delete(t.starts, actx)
	t.mu.Unlock()
	if !ok || result == nil {
		return nil
	}
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["durationMs"] = time.Since(start).Milliseconds()
	return nil
}

// UsageTracker is the priority-30 built-in middleware: increments a
// per-agent invocation counter on every successful handle.
type UsageTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewUsageTracker constructs an empty UsageTracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{counts: make(map[string]int)}
}

// Middleware returns the Pipeline-registrable middleware entry.
func (u *UsageTracker) Middleware() Middleware {
	return Middleware{Name: "usage-tracker", Priority: 30, After: u.after}
}

func (u *UsageTracker) after(actx *agent.Context, result *agent.Result) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[actx.AgentID]++
	return nil
}

// Counts returns a snapshot of per-agent invocation counts.
func (u *UsageTracker) Counts() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

// Tracing is the priority-5 built-in middleware (expansion): wraps each
// invocation in a child OpenTelemetry span named after the agent id,
// registered ahead of rate-limiting so throttled requests are still
// traced, grounded on the domain-stack tracing wiring in §2.2.
type Tracing struct {
	mu    sync.Mutex
	spans map[*agent.Context]trace.Span
	tracer *observability.Tracer
}

// NewTracing constructs a Tracing middleware bound to tracer.
func NewTracing(tracer *observability.Tracer) *Tracing {
	return &Tracing{tracer: tracer, spans: make(map[*agent.Context]trace.Span)}
}

// Middleware returns the Pipeline-registrable middleware entry.
func (t *Tracing) Middleware() Middleware {
	return Middleware{Name: "tracing", Priority: 5, Before: t.before, After: t.after, OnError: t.onError}
}

func (t *Tracing) before(actx *agent.Context) (BeforeResult, error) {
	_, span := t.tracer.Start(actx.CancelToken.Ctx(), "agent.handle."+actx.AgentID,
		trace.WithAttributes(attribute.String(observability.AttrAgentID, actx.AgentID)))
	t.mu.Lock()
	t.spans[actx] = span
	t.mu.Unlock()
	return BeforeResult{Verdict: VerdictContinue}, nil
}

func (t *Tracing) after(actx *agent.Context, result *agent.Result) error {
	t.endSpan(actx, nil)
	return nil
}

func (t *Tracing) onError(actx *agent.Context, cause error) (*agent.Result, error) {
	t.endSpan(actx, cause)
	return nil, nil
}

func (t *Tracing) endSpan(actx *agent.Context, err error) {
	t.mu.Lock()
	span, ok := t.spans[actx]
	delete(t.spans, actx)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Metrics is the priority-35 built-in middleware (expansion): increments
// the Prometheus dispatch counters from §2.2 on completion and failure.
type Metrics struct {
	mu      sync.Mutex
	starts  map[*agent.Context]time.Time
	metrics *observability.Metrics
}

// NewMetrics constructs a Metrics middleware bound to m.
func NewMetrics(m *observability.Metrics) *Metrics {
	return &Metrics{metrics: m, starts: make(map[*agent.Context]time.Time)}
}

// Middleware returns the Pipeline-registrable middleware entry.
func (m *Metrics) Middleware() Middleware {
	return Middleware{Name: "metrics", Priority: 35, Before: m.before, After: m.after, OnError: m.onError}
}

func (m *Metrics) before(actx *agent.Context) (BeforeResult, error) {
	m.mu.Lock()
	m.starts[actx] = time.Now()
	m.mu.Unlock()
	return BeforeResult{Verdict: VerdictContinue}, nil
}

func (m *Metrics) after(actx *agent.Context, result *agent.Result) error {
	m.record(actx, "")
	return nil
}

func (m *Metrics) onError(actx *agent.Context, cause error) (*agent.Result, error) {
	m.record(actx, "error")
	return nil, nil
}

func (m *Metrics) record(actx *agent.Context, errKind string) {
	m.mu.Lock()
	start, ok := m.starts[actx]
	delete(m.starts, actx)
	m.mu.Unlock()
	if !ok {
		start = time.Now()
	}
	m.metrics.RecordDispatch(actx.AgentID, time.Since(start), errKind)
}
