// Package dispatcher implements the Dispatcher (component 4.I): the
// request handler tying the Agent Registry, Middleware Pipeline, Response
// Cache, Memory Store, Guardrails/Checkpoint Store, and Workflow Engine
// into the single request timeline described in the design notes, plus the
// four collaboration commands layered on top of Registry.Parallel/Chain/
// Delegate.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/cache"
	"github.com/relaycode/agentrun/pkg/checkpoint"
	"github.com/relaycode/agentrun/pkg/config"
	"github.com/relaycode/agentrun/pkg/errs"
	"github.com/relaycode/agentrun/pkg/kvstore"
	"github.com/relaycode/agentrun/pkg/memory"
	"github.com/relaycode/agentrun/pkg/middleware"
	"github.com/relaycode/agentrun/pkg/model"
	"github.com/relaycode/agentrun/pkg/token"
	"github.com/relaycode/agentrun/pkg/workflow"
)

const (
	historyKey             = "conversations"
	telemetryKey           = "telemetry.daily"
	conversationTailTurns  = 10
	conversationTailChars  = 4000
	minRememberChars       = 100
	memoryContextMaxChars  = 2000
	workflowCommandPrefix  = "workflow-"
	collabVote             = "collab-vote"
	collabDebate           = "collab-debate"
	collabConsensus        = "collab-consensus"
	collabReview           = "collab-review"
)

// Result is what Dispatch returns on success.
type Result struct {
	AgentID      string
	CapturedText string
	CacheHit     bool
	Result       *agent.Result
}

// Dispatcher owns the process-global singletons (registry, pipeline, cache,
// memory, checkpoints, workflows) and runs the per-request timeline.
// Constructed once at boot, per the design notes' "global mutable state"
// guidance, and passed by reference everywhere a request is handled.
type Dispatcher struct {
	registry    *agent.Registry
	pipeline    *middleware.Pipeline
	cache       *cache.Cache
	memory      *memory.Store
	checkpoints *checkpoint.Store
	workflows   *workflow.Engine
	kv          kvstore.Store
	provider    model.Provider
	selector    *model.Selector

	mu                       sync.RWMutex
	defaultAgentOverride     string
	disabledAgents           map[string]bool
	confirmDestructive       bool
	consensusSynthesisPrompt string
	profileAgents            []string

	historyMu sync.Mutex
	history   []agent.HistoryTurn

	telemetry *telemetryTracker
}

// New constructs a Dispatcher wired to its collaborator components. The
// workflow engine is wired separately via SetWorkflows: the Engine needs
// the Dispatcher itself as its AgentServices implementation, so the two
// can't be constructed in a single step without a cycle.
func New(
	registry *agent.Registry,
	pipeline *middleware.Pipeline,
	respCache *cache.Cache,
	memoryStore *memory.Store,
	checkpoints *checkpoint.Store,
	kv kvstore.Store,
	provider model.Provider,
	selector *model.Selector,
) *Dispatcher {
	d := &Dispatcher{
		registry:                 registry,
		pipeline:                 pipeline,
		cache:                    respCache,
		memory:                   memoryStore,
		checkpoints:              checkpoints,
		kv:                       kv,
		provider:                 provider,
		selector:                 selector,
		disabledAgents:           make(map[string]bool),
		consensusSynthesisPrompt: "Synthesize a single consensus answer from the following independent responses:",
		telemetry:                newTelemetryTracker(kv),
	}
	d.loadHistory()
	return d
}

// SetWorkflows installs the Workflow Engine. Callers construct the engine
// with workflow.New(dispatcher) after New returns, then call this once
// before the first workflow-* dispatch.
func (d *Dispatcher) SetWorkflows(engine *workflow.Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workflows = engine
}

func (d *Dispatcher) workflowEngine() *workflow.Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workflows
}

var _ workflow.AgentServices = (*Dispatcher)(nil)

// ApplyProjectConfig applies an agentrc.json document: default agent,
// disabled agents, guardrails flags, memory pruning, and workflow
// registration/removal, per §6's "Configuration" table.
func (d *Dispatcher) ApplyProjectConfig(pc *config.ProjectConfig) {
	if pc == nil {
		return
	}

	d.mu.Lock()
	d.defaultAgentOverride = pc.DefaultAgent
	d.disabledAgents = make(map[string]bool, len(pc.DisabledAgents))
	for _, id := range pc.DisabledAgents {
		d.disabledAgents[id] = true
	}
	d.confirmDestructive = pc.Guardrails.ConfirmDestructive
	d.mu.Unlock()

	if pc.DefaultAgent != "" {
		if err := d.registry.SetDefault(pc.DefaultAgent); err != nil {
			slog.Warn("dispatcher: agentrc defaultAgent not registered", "agent", pc.DefaultAgent, "error", err)
		}
	}

	d.checkpoints.SetDryRun(pc.Guardrails.DryRunDefault)
	if d.confirmDestructive {
		d.checkpoints.SetConfirmation(func(checkpoint.Operation) bool { return true })
	}

	if pc.Memory.Enabled {
		d.memory.Prune(pc.Memory.MaxAgeMs, pc.Memory.MaxCount)
	}

	if engine := d.workflowEngine(); engine != nil {
		existing := make(map[string]bool)
		for _, name := range engine.ListWorkflows() {
			existing[name] = true
		}
		for name, wfCfg := range pc.Workflows {
			engine.RegisterWorkflow(wfCfg.ToDefinition(name))
			delete(existing, name)
		}
		for name := range existing {
			engine.RemoveWorkflow(name)
		}
	}

	for key, modelName := range pc.Models {
		d.selector.SetAgentModel(key, modelName)
	}
}

// ApplySettings applies host-level settings.yaml values that affect the
// Dispatcher's own behavior (rate limiting is applied by the caller
// rebuilding the pipeline; consensus synthesis prompt lives here).
func (d *Dispatcher) ApplySettings(s config.Settings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmDestructive = s.Guardrails.Enabled && d.confirmDestructive
	if s.ConsensusSynthesisPrompt != "" {
		d.consensusSynthesisPrompt = s.ConsensusSynthesisPrompt
	}
}

// SetProfileAgents configures the active profile's agent id list consulted
// by Resolve/SmartRoute when no slash command is present.
func (d *Dispatcher) SetProfileAgents(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profileAgents = ids
}

func (d *Dispatcher) profile() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.profileAgents))
	copy(out, d.profileAgents)
	return out
}

func (d *Dispatcher) isDisabled(agentID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disabledAgents[agentID]
}

// Dispatch runs the full request timeline described in the design notes.
func (d *Dispatcher) Dispatch(tok *token.Token, req agent.Request) (*Result, error) {
	// Step 2: persist the user turn before any routing decision, so a
	// crash mid-dispatch still leaves the user's message recorded.
	d.appendHistory(agent.HistoryTurn{Role: "user", Content: req.Prompt, TurnID: newTurnID(), Timestamp: time.Now()})

	// Step 3: workflow/collaboration commands short-circuit before the
	// agent registry is ever consulted.
	if strings.HasPrefix(req.Command, workflowCommandPrefix) {
		return d.dispatchWorkflow(tok, req)
	}
	if isCollabCommand(req.Command) {
		return d.dispatchCollab(tok, req)
	}

	// Step 1: disabled-agent rejection happens against the resolved
	// command id before routing falls back to smartRoute/default.
	if req.Command != "" && d.isDisabled(req.Command) {
		return nil, errs.Permanentf("dispatcher", "dispatch", "agent %q is disabled by project configuration", req.Command)
	}

	actx := &agent.Context{Request: req, CancelToken: tok}

	// Step 4: smartRoute only kicks in when Resolve found nothing AND the
	// request carried no explicit command (an unknown command already
	// falls back to the registry default inside Resolve itself).
	a, ok := d.registry.Resolve(actx, d.profile())
	if !ok && req.Command == "" {
		a, ok = d.registry.SmartRoute(actx, d.provider, agent.SmartRouteOptions{
			ProfileAgents: d.profile(),
			TelemetryHint: d.telemetry.hint,
		})
	}
	if !ok {
		return nil, errs.Permanentf("dispatcher", "dispatch", "no agent available to handle request")
	}
	if d.isDisabled(a.ID()) {
		return nil, errs.Permanentf("dispatcher", "dispatch", "agent %q is disabled by project configuration", a.ID())
	}

	modelID := d.selector.Resolve(a.ID(), "", req.Model)

	// Step 5: cache short-circuit.
	cacheKey := cache.MakeKey(req.Prompt, req.Command, a.ID(), modelID)
	if cached, outcome := d.cache.Get(cacheKey); outcome == cache.Found {
		if actx.OutputStream != nil {
			_ = actx.OutputStream.EmitMarkdown(cached)
		}
		d.appendHistory(agent.HistoryTurn{Role: "assistant", Content: cached, TurnID: newTurnID(), Timestamp: time.Now()})
		return &Result{AgentID: a.ID(), CapturedText: cached, CacheHit: true}, nil
	}

	// Step 6: open a checkpoint before any autonomous side effect.
	var checkpointID string
	if a.IsAutonomous() {
		checkpointID = d.checkpoints.CreateCheckpoint(a.ID())
	}

	// Step 7: context enrichment.
	actx.EnrichedContextText = d.buildEnrichedContext(a.ID())
	actx.HistoryTurns = d.conversationTail()

	// Step 8: wrap the output stream. The latency clock below starts before
	// the pipeline runs the agent's Handle, so any checkpoint confirmation
	// gate resolved by Announce calls inside Handle is included in the
	// measured time (and likewise in the Timing middleware's measurement).
	capture := agent.NewCaptureStream(actx.OutputStream)
	actx.OutputStream = capture
	actx.AgentID = a.ID()

	start := time.Now()

	// Step 9.
	result, err := d.pipeline.Execute(actx, a.Handle)
	latency := time.Since(start)

	if err != nil {
		// Step 11.
		if a.IsAutonomous() && checkpointID != "" {
			d.checkpoints.Rollback(checkpointID)
		}
		d.telemetry.record(a.ID(), false, latency)
		slog.Error("dispatcher: agent invocation failed", "agent", a.ID(), "error", err)
		return nil, err
	}

	// Step 10.
	capturedText := capture.GetCapturedText()
	if a.IsAutonomous() && checkpointID != "" {
		if files := result.FilesAffected(); len(files) > 0 {
			d.checkpoints.MarkCreated(checkpointID, files)
		}
		if err := d.checkpoints.Commit(checkpointID); err != nil {
			slog.Warn("dispatcher: checkpoint commit failed", "checkpoint", checkpointID, "error", err)
		}
	}

	d.cache.Set(cacheKey, capturedText, &cache.SetOptions{AgentID: a.ID(), ModelID: modelID})

	if result.ShouldRemember() && len(capturedText) >= minRememberChars {
		d.memory.Remember(a.ID(), capturedText, nil, memory.TypeContext)
	}

	d.appendHistory(agent.HistoryTurn{Role: "assistant", Content: capturedText, TurnID: newTurnID(), Timestamp: time.Now()})
	d.telemetry.record(a.ID(), true, latency)

	return &Result{AgentID: a.ID(), CapturedText: capturedText, Result: result}, nil
}

func (d *Dispatcher) buildEnrichedContext(agentID string) string {
	return d.memory.BuildContextWindow(agentID, memoryContextMaxChars)
}

func (d *Dispatcher) conversationTail() []agent.HistoryTurn {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()

	n := conversationTailTurns
	if n > len(d.history) {
		n = len(d.history)
	}
	tail := d.history[len(d.history)-n:]

	budget := conversationTailChars
	out := make([]agent.HistoryTurn, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		turn := tail[i]
		if len(turn.Content) > budget {
			break
		}
		budget -= len(turn.Content)
		out = append([]agent.HistoryTurn{turn}, out...)
	}
	return out
}

func (d *Dispatcher) appendHistory(turn agent.HistoryTurn) {
	d.historyMu.Lock()
	d.history = append(d.history, turn)
	history := make([]agent.HistoryTurn, len(d.history))
	copy(history, d.history)
	d.historyMu.Unlock()

	raw, err := json.Marshal(history)
	if err != nil {
		slog.Error("dispatcher: failed to encode conversation history", "error", err)
		return
	}
	if err := d.kv.Set(historyKey, raw); err != nil {
		slog.Error("dispatcher: failed to persist conversation history", "error", err)
	}
}

func (d *Dispatcher) loadHistory() {
	raw, ok, err := d.kv.Get(historyKey)
	if err != nil || !ok || len(raw) == 0 {
		return
	}
	var history []agent.HistoryTurn
	if err := json.Unmarshal(raw, &history); err != nil {
		slog.Warn("dispatcher: failed to decode persisted conversation history", "error", err)
		return
	}
	d.historyMu.Lock()
	d.history = history
	d.historyMu.Unlock()
}

var turnCounter struct {
	mu sync.Mutex
	n  int64
}

// newTurnID generates a monotonically increasing, process-local turn id.
// Conversation turns only need uniqueness within one running Dispatcher,
// so a counter avoids pulling in a UUID dependency for this one concern.
func newTurnID() string {
	turnCounter.mu.Lock()
	turnCounter.n++
	n := turnCounter.n
	turnCounter.mu.Unlock()
	return "turn-" + strconv.FormatInt(n, 36)
}

// ExecuteAgent implements workflow.AgentServices: it invokes the named
// agent directly (bypassing cache/checkpoint/memory, which are dispatch
// concerns, not per-step workflow concerns) and returns its captured text.
func (d *Dispatcher) ExecuteAgent(tok *token.Token, agentID, prompt string) (string, error) {
	a, ok := d.registry.Get(agentID)
	if !ok {
		return "", errs.Permanentf("dispatcher", "execute-agent", "agent %q not found", agentID)
	}
	actx := &agent.Context{
		Request:     agent.Request{Prompt: prompt},
		CancelToken: tok,
		AgentID:     agentID,
	}
	capture := agent.NewCaptureStream(actx.OutputStream)
	actx.OutputStream = capture
	if _, err := a.Handle(actx); err != nil {
		return "", err
	}
	return capture.GetCapturedText(), nil
}

// IsAgentAvailable implements workflow.AgentServices.
func (d *Dispatcher) IsAgentAvailable(agentID string) bool {
	_, ok := d.registry.Get(agentID)
	return ok && !d.isDisabled(agentID)
}

func (d *Dispatcher) dispatchWorkflow(tok *token.Token, req agent.Request) (*Result, error) {
	engine := d.workflowEngine()
	if engine == nil {
		return nil, errs.Permanentf("dispatcher", "dispatch-workflow", "no workflow engine configured")
	}

	name := strings.TrimPrefix(req.Command, workflowCommandPrefix)
	if name == "run" {
		names := engine.ListWorkflows()
		return &Result{CapturedText: "available workflows: " + strings.Join(names, ", ")}, nil
	}

	results, err := engine.Run(tok, name, req.Prompt)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Fprintf(&b, "[%s] skipped\n", r.StepName)
		case r.Success:
			fmt.Fprintf(&b, "[%s] %s\n\n", r.StepName, r.Output)
		default:
			fmt.Fprintf(&b, "[%s] failed: %v\n", r.StepName, r.Err)
		}
	}
	text := b.String()
	d.appendHistory(agent.HistoryTurn{Role: "assistant", Content: text, TurnID: newTurnID(), Timestamp: time.Now()})
	return &Result{AgentID: "workflow:" + name, CapturedText: text}, nil
}

// collabNames is the fixed set of collaboration command bases. The
// comma-separated agent id list rides after a colon suffix, mirroring the
// "workflow-<name>" convention already used for workflow commands:
// "collab-vote:agentA,agentB,agentC".
var collabNames = map[string]bool{
	collabVote: true, collabDebate: true, collabConsensus: true, collabReview: true,
}

func isCollabCommand(command string) bool {
	base, _, _ := strings.Cut(command, ":")
	return collabNames[base]
}

func (d *Dispatcher) dispatchCollab(tok *token.Token, req agent.Request) (*Result, error) {
	base, idList, _ := strings.Cut(req.Command, ":")
	ids := splitAndTrim(idList)
	if len(ids) == 0 {
		return nil, errs.Permanentf("dispatcher", "dispatch-collab", "%s requires a comma-separated agent id list", base)
	}

	actx := &agent.Context{Request: req, CancelToken: tok}

	var text string
	var err error
	switch base {
	case collabVote:
		text, err = d.collabVote(ids, actx)
	case collabDebate:
		text, err = d.collabDebate(ids, actx)
	case collabReview:
		text, err = d.collabReview(ids, actx)
	case collabConsensus:
		text, err = d.collabConsensus(ids, actx)
	}
	if err != nil {
		return nil, err
	}

	d.appendHistory(agent.HistoryTurn{Role: "assistant", Content: text, TurnID: newTurnID(), Timestamp: time.Now()})
	return &Result{AgentID: base, CapturedText: text}, nil
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// collabVote runs every candidate in parallel and returns the
// majority/plurality response text, ties broken by first-registered agent
// id (i.e. first occurrence in ids, since candidates are iterated in the
// caller-supplied order here, not registry order).
func (d *Dispatcher) collabVote(ids []string, actx *agent.Context) (string, error) {
	tasks := make([]agent.Task, len(ids))
	for i, id := range ids {
		tasks[i] = agent.Task{AgentID: id}
	}
	results := d.registry.Parallel(tasks, actx)

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, r := range results {
		if r.Error != nil {
			continue
		}
		key := strings.TrimSpace(r.Text)
		if _, ok := firstSeen[key]; !ok {
			firstSeen[key] = i
		}
		counts[key]++
	}

	var winner string
	best := -1
	bestSeen := len(results)
	for key, count := range counts {
		if count > best || (count == best && firstSeen[key] < bestSeen) {
			winner, best, bestSeen = key, count, firstSeen[key]
		}
	}
	if winner == "" {
		return "", errs.Permanentf("dispatcher", "collab-vote", "no candidate produced a usable response")
	}
	return winner, nil
}

// collabDebate runs two chained rounds with pipeOutput so each agent sees
// the prior agent's output before responding.
func (d *Dispatcher) collabDebate(ids []string, actx *agent.Context) (string, error) {
	steps := make([]agent.ChainStep, 0, len(ids)*2)
	for round := 0; round < 2; round++ {
		for _, id := range ids {
			steps = append(steps, agent.ChainStep{AgentID: id, Prompt: actx.Request.Prompt, PipeOutput: len(steps) > 0})
		}
	}
	results, err := d.registry.Chain(steps, actx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%s]: %s\n\n", r.AgentID, r.Text)
	}
	return b.String(), nil
}

// collabReview delegates from the first agent to each of the rest with an
// overridden review prompt.
func (d *Dispatcher) collabReview(ids []string, actx *agent.Context) (string, error) {
	if len(ids) < 2 {
		return "", errs.Permanentf("dispatcher", "collab-review", "collab-review requires at least two agents")
	}
	author := ids[0]
	authored, err := d.registry.Delegate(author, actx, nil)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]: %s\n\n", author, authored.CapturedText)

	reviewPrompt := "Review this response for correctness and clarity:\n\n" + authored.CapturedText
	for _, reviewer := range ids[1:] {
		reviewed, err := d.registry.Delegate(reviewer, actx, &reviewPrompt)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "[%s review]: %s\n\n", reviewer, reviewed.CapturedText)
	}
	return b.String(), nil
}

// collabConsensus runs every candidate in parallel, then synthesizes one
// final answer via an additional agent call using the configurable
// synthesis prompt, per §9's resolved Open Question.
func (d *Dispatcher) collabConsensus(ids []string, actx *agent.Context) (string, error) {
	tasks := make([]agent.Task, len(ids))
	for i, id := range ids {
		tasks[i] = agent.Task{AgentID: id}
	}
	results := d.registry.Parallel(tasks, actx)

	var inputs strings.Builder
	for _, r := range results {
		if r.Error != nil {
			continue
		}
		fmt.Fprintf(&inputs, "[%s]: %s\n\n", r.AgentID, r.Text)
	}
	if inputs.Len() == 0 {
		return "", errs.Permanentf("dispatcher", "collab-consensus", "no candidate produced a usable response")
	}

	d.mu.RLock()
	synthesisPrompt := d.consensusSynthesisPrompt
	d.mu.RUnlock()

	synthesizerID := ids[0]
	prompt := synthesisPrompt + "\n\n" + inputs.String()
	synthesized, err := d.registry.Delegate(synthesizerID, actx, &prompt)
	if err != nil {
		return "", err
	}
	return synthesized.CapturedText, nil
}

// telemetryTracker maintains per-agent, per-day invocation/failure/latency
// counters, persisted under telemetry.daily, and renders the plain-text
// hint SmartRoute appends to its routing prompt per §9's resolved Open
// Question (hints are descriptive text, not a programmatic routing bias).
type telemetryTracker struct {
	mu   sync.Mutex
	kv   kvstore.Store
	days map[string]map[string]*dailyStats
}

type dailyStats struct {
	Invocations  int     `json:"invocations"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

func newTelemetryTracker(kv kvstore.Store) *telemetryTracker {
	t := &telemetryTracker{kv: kv, days: make(map[string]map[string]*dailyStats)}
	raw, ok, err := kv.Get(telemetryKey)
	if err == nil && ok && len(raw) > 0 {
		_ = json.Unmarshal(raw, &t.days)
	}
	return t
}

func (t *telemetryTracker) record(agentID string, success bool, latency time.Duration) {
	day := time.Now().Format("2006-01-02")

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.days[day]
	if !ok {
		bucket = make(map[string]*dailyStats)
		t.days[day] = bucket
	}
	stats, ok := bucket[agentID]
	if !ok {
		stats = &dailyStats{}
		bucket[agentID] = stats
	}

	total := stats.AvgLatencyMs * float64(stats.Invocations)
	stats.Invocations++
	if !success {
		stats.Failures++
	}
	stats.AvgLatencyMs = (total + float64(latency.Milliseconds())) / float64(stats.Invocations)

	raw, err := json.Marshal(t.days)
	if err != nil {
		slog.Error("dispatcher: failed to encode telemetry", "error", err)
		return
	}
	if err := t.kv.Set(telemetryKey, raw); err != nil {
		slog.Error("dispatcher: failed to persist telemetry", "error", err)
	}
}

// hint renders today's success-rate/latency summary for agentID as plain
// text, or "" if no invocations were recorded today.
func (t *telemetryTracker) hint(agentID string) string {
	day := time.Now().Format("2006-01-02")

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.days[day]
	if !ok {
		return ""
	}
	stats, ok := bucket[agentID]
	if !ok || stats.Invocations == 0 {
		return ""
	}
	successRate := float64(stats.Invocations-stats.Failures) / float64(stats.Invocations) * 100
	return fmt.Sprintf("%.0f%% success, %.0fms avg", successRate, stats.AvgLatencyMs)
}
