package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/model"
)

type capturingStream struct {
	emitted []string
}

func (s *capturingStream) EmitMarkdown(text string) error {
	s.emitted = append(s.emitted, text)
	return nil
}

func TestAgent_HandleEmitsReplyAndResolvesModel(t *testing.T) {
	def := validDefinition()
	provider := model.NewEchoProvider("default-model")
	selector := model.NewSelector("default-model")
	selector.SetAgentModel(def.ID, "doc-writer-model")

	a := NewAgent(def, provider, selector, "/workspace", "en")

	stream := &capturingStream{}
	actx := &agent.Context{
		Request:      agent.Request{Prompt: "write a readme"},
		OutputStream: stream,
	}

	result, err := a.Handle(actx)
	require.NoError(t, err)
	require.Len(t, stream.emitted, 1)
	assert.Contains(t, stream.emitted[0], "echo:")
	assert.Equal(t, "doc-writer-model", result.Metadata["model"])
}

func TestAgent_HandleToleratesNilOutputStream(t *testing.T) {
	def := validDefinition()
	provider := model.NewEchoProvider("default-model")
	selector := model.NewSelector("default-model")

	a := NewAgent(def, provider, selector, "/workspace", "en")

	result, err := a.Handle(&agent.Context{Request: agent.Request{Prompt: "hello"}})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestAgent_IdentityAccessors(t *testing.T) {
	def := validDefinition()
	def.Autonomous = true
	a := NewAgent(def, model.NewEchoProvider("m"), model.NewSelector("m"), "/ws", "en")

	assert.Equal(t, def.ID, a.ID())
	assert.Equal(t, def.Name, a.DisplayName())
	assert.Equal(t, def.Description, a.Description())
	assert.True(t, a.IsAutonomous())
}
