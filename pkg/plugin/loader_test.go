package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/model"
)

func writePlugin(t *testing.T, dir, filename, id, systemPrompt string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	body := `{"id":"` + id + `","name":"Test","description":"A test plugin","systemPrompt":"` + systemPrompt + `"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAll_RegistersValidPlugins(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "a.json", "agent-a", "prompt a")
	writePlugin(t, dir, "b.json", "agent-b", "prompt b")

	registry := agent.NewRegistry()
	provider := model.NewEchoProvider("test-model")
	selector := model.NewSelector("test-model")
	loader := NewLoader(dir, registry, provider, selector, "/ws", "en")

	require.NoError(t, loader.LoadAll())

	_, ok := registry.Get("agent-a")
	assert.True(t, ok)
	_, ok = registry.Get("agent-b")
	assert.True(t, ok)
}

func TestLoadAll_SkipsMalformedPlugin(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "good.json", "good-agent", "prompt")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"id": "Bad Id"}`), 0o644))

	registry := agent.NewRegistry()
	provider := model.NewEchoProvider("test-model")
	selector := model.NewSelector("test-model")
	loader := NewLoader(dir, registry, provider, selector, "/ws", "en")

	require.NoError(t, loader.LoadAll())

	_, ok := registry.Get("good-agent")
	assert.True(t, ok)
	assert.Equal(t, 1, len(registry.List()))
}

func TestLoadPath_ReloadReplacesAgentUnderSamePath(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "agent.json", "agent-v1", "prompt v1")

	registry := agent.NewRegistry()
	provider := model.NewEchoProvider("test-model")
	selector := model.NewSelector("test-model")
	loader := NewLoader(dir, registry, provider, selector, "/ws", "en")
	loader.loadPath(path)

	_, ok := registry.Get("agent-v1")
	require.True(t, ok)

	body := `{"id":"agent-v2","name":"Test","description":"A test plugin","systemPrompt":"prompt v2"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	loader.loadPath(path)

	_, ok = registry.Get("agent-v1")
	assert.False(t, ok, "the path's previous id should be vacated on reload")
	_, ok = registry.Get("agent-v2")
	assert.True(t, ok)
}

func TestLoadPath_CollidingIDFromDifferentPathIsReplaced(t *testing.T) {
	dir := t.TempDir()
	pathA := writePlugin(t, dir, "a.json", "shared-id", "prompt a")

	registry := agent.NewRegistry()
	provider := model.NewEchoProvider("test-model")
	selector := model.NewSelector("test-model")
	loader := NewLoader(dir, registry, provider, selector, "/ws", "en")
	loader.loadPath(pathA)

	first, _ := registry.Get("shared-id")
	require.NotNil(t, first)

	pathB := writePlugin(t, dir, "b.json", "shared-id", "prompt b")
	loader.loadPath(pathB)

	got, ok := registry.Get("shared-id")
	require.True(t, ok)
	pluginAgent, ok := got.(*Agent)
	require.True(t, ok)
	assert.Equal(t, "prompt b", pluginAgent.Definition().SystemPrompt)
}

func TestUnloadPath_RemovesRegisteredAgent(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "agent.json", "agent-v1", "prompt v1")

	registry := agent.NewRegistry()
	provider := model.NewEchoProvider("test-model")
	selector := model.NewSelector("test-model")
	loader := NewLoader(dir, registry, provider, selector, "/ws", "en")
	loader.loadPath(path)

	_, ok := registry.Get("agent-v1")
	require.True(t, ok)

	loader.unloadPath(path)
	_, ok = registry.Get("agent-v1")
	assert.False(t, ok)
}
