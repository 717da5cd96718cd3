package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrun/pkg/token"
)

type fakeServices struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]string
	errOnce   map[string]int // agentID -> remaining failures before success
}

func newFakeServices() *fakeServices {
	return &fakeServices{responses: make(map[string]string), errOnce: make(map[string]int)}
}

func (f *fakeServices) ExecuteAgent(ctx *token.Token, agentID, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agentID)
	if remaining, ok := f.errOnce[agentID]; ok && remaining > 0 {
		f.errOnce[agentID] = remaining - 1
		return "", assertError(agentID)
	}
	if resp, ok := f.responses[agentID]; ok {
		return resp, nil
	}
	return "output-from-" + agentID, nil
}

func (f *fakeServices) IsAgentAvailable(agentID string) bool {
	return agentID != "missing"
}

func assertError(agentID string) error {
	return &testErr{agentID: agentID}
}

type testErr struct{ agentID string }

func (e *testErr) Error() string { return "simulated failure for " + e.agentID }

func TestEngine_RegisterGetListRemoveClear(t *testing.T) {
	e := New(newFakeServices())

	require.NoError(t, e.RegisterWorkflow(&Definition{Name: "greet", Steps: []Step{{Name: "s1", AgentID: "a"}}}))
	def, ok := e.GetWorkflow("greet")
	require.True(t, ok)
	assert.Equal(t, "greet", def.Name)

	assert.Equal(t, []string{"greet"}, e.ListWorkflows())

	e.RemoveWorkflow("greet")
	_, ok = e.GetWorkflow("greet")
	assert.False(t, ok)

	require.NoError(t, e.RegisterWorkflow(&Definition{Name: "a"}))
	require.NoError(t, e.RegisterWorkflow(&Definition{Name: "b"}))
	e.ClearWorkflows()
	assert.Empty(t, e.ListWorkflows())
}

func TestEngine_Run_SerialSteps(t *testing.T) {
	services := newFakeServices()
	e := New(services)
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "serial",
		Steps: []Step{
			{Name: "first", AgentID: "a1"},
			{Name: "second", AgentID: "a2"},
		},
	}))

	results, err := e.Run(token.New(context.Background()), "serial", "hello")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, []string{"a1", "a2"}, services.calls)
}

func TestEngine_Run_ParallelGroupRunsConcurrently(t *testing.T) {
	services := newFakeServices()
	e := New(services)
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "fanout",
		Steps: []Step{
			{Name: "x", AgentID: "a1", ParallelGroup: Group(0)},
			{Name: "y", AgentID: "a2", ParallelGroup: Group(0)},
		},
	}))

	results, err := e.Run(token.New(context.Background()), "fanout", "hi")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.ElementsMatch(t, []string{"a1", "a2"}, services.calls)
}

func TestEngine_Run_UnknownWorkflow(t *testing.T) {
	e := New(newFakeServices())
	_, err := e.Run(token.New(context.Background()), "nope", "hi")
	require.Error(t, err)
}

func TestEngine_Run_ConditionSkipsStep(t *testing.T) {
	services := newFakeServices()
	e := New(services)
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "conditional",
		Steps: []Step{
			{
				Name: "skipped", AgentID: "a1",
				Condition: func(prior map[string]string) bool { return false },
			},
		},
	}))

	results, err := e.Run(token.New(context.Background()), "conditional", "hi")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].Output)
	assert.Empty(t, services.calls)
}

func TestEngine_Run_RetryThenSucceed(t *testing.T) {
	services := newFakeServices()
	services.errOnce["flaky"] = 2
	e := New(services)
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "retrying",
		Steps: []Step{
			{Name: "s", AgentID: "flaky", Retry: RetryPolicy{Attempts: 3, BackoffMs: 1}},
		},
	}))

	results, err := e.Run(token.New(context.Background()), "retrying", "hi")
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestEngine_Run_OnFailureAbortStopsLaterGroups(t *testing.T) {
	services := newFakeServices()
	services.errOnce["bad"] = 10
	e := New(services)
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "aborting",
		Steps: []Step{
			{Name: "first", AgentID: "bad", Retry: RetryPolicy{Attempts: 1}, OnFailure: OnFailureAbort},
			{Name: "second", AgentID: "ok"},
		},
	}))

	results, err := e.Run(token.New(context.Background()), "aborting", "hi")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Skipped)
	assert.NotContains(t, services.calls, "ok")
}

func TestEngine_Run_OnFailureContinueRunsLaterGroups(t *testing.T) {
	services := newFakeServices()
	services.errOnce["bad"] = 10
	e := New(services)
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "continuing",
		Steps: []Step{
			{Name: "first", AgentID: "bad", Retry: RetryPolicy{Attempts: 1}, OnFailure: OnFailureContinue},
			{Name: "second", AgentID: "ok"},
		},
	}))

	results, err := e.Run(token.New(context.Background()), "continuing", "hi")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Contains(t, services.calls, "ok")
}

func TestEngine_Run_PipeOutputConcatenatesPriorOutputs(t *testing.T) {
	services := newFakeServices()
	services.responses["writer"] = "draft text"
	var capturedPrompt string
	e := New(&capturingServices{fakeServices: services, captured: &capturedPrompt})
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "pipe",
		Steps: []Step{
			{Name: "draft", AgentID: "writer"},
			{Name: "edit", AgentID: "editor", Prompt: "polish this", PipeOutput: true},
		},
	}))

	_, err := e.Run(token.New(context.Background()), "pipe", "write something")
	require.NoError(t, err)
	assert.Contains(t, capturedPrompt, "draft text")
	assert.Contains(t, capturedPrompt, "polish this")
}

type capturingServices struct {
	*fakeServices
	captured *string
}

func (c *capturingServices) ExecuteAgent(ctx *token.Token, agentID, prompt string) (string, error) {
	if agentID == "editor" {
		*c.captured = prompt
	}
	return c.fakeServices.ExecuteAgent(ctx, agentID, prompt)
}

func TestEngine_Run_AgentUnavailableFailsStep(t *testing.T) {
	e := New(newFakeServices())
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name:  "missing-agent",
		Steps: []Step{{Name: "s", AgentID: "missing"}},
	}))

	results, err := e.Run(token.New(context.Background()), "missing-agent", "hi")
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Error(t, results[0].Err)
}

func TestEngine_Run_CancelledTokenStopsBeforeNextGroup(t *testing.T) {
	services := newFakeServices()
	e := New(services)
	require.NoError(t, e.RegisterWorkflow(&Definition{
		Name: "cancel-mid",
		Steps: []Step{
			{Name: "first", AgentID: "a1"},
			{Name: "second", AgentID: "a2"},
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	tok := token.New(ctx)
	cancel()
	time.Sleep(time.Millisecond)

	_, err := e.Run(tok, "cancel-mid", "hi")
	require.Error(t, err)
}
