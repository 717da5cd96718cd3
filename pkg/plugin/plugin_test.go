package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *Definition {
	return &Definition{
		ID:           "doc-writer",
		Name:         "Doc Writer",
		Description:  "Writes documentation",
		SystemPrompt: "You write clear docs for {{workspaceRoot}} in {{language}}, today is {{date}}.",
	}
}

func TestValidate_MissingID(t *testing.T) {
	def := validDefinition()
	def.ID = ""
	assert.Error(t, def.Validate())
}

func TestValidate_NonKebabCaseID(t *testing.T) {
	for _, id := range []string{"DocWriter", "doc_writer", "doc writer", "-doc-writer", "doc-writer-"} {
		def := validDefinition()
		def.ID = id
		assert.Errorf(t, def.Validate(), "expected %q to be rejected", id)
	}
}

func TestValidate_KebabCaseAccepted(t *testing.T) {
	for _, id := range []string{"doc-writer", "a", "agent-007", "multi-word-id"} {
		def := validDefinition()
		def.ID = id
		assert.NoErrorf(t, def.Validate(), "expected %q to be accepted", id)
	}
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	base := validDefinition()

	noName := *base
	noName.Name = ""
	assert.Error(t, noName.Validate())

	noDescription := *base
	noDescription.Description = ""
	assert.Error(t, noDescription.Validate())

	noPrompt := *base
	noPrompt.SystemPrompt = ""
	assert.Error(t, noPrompt.Validate())
}

func TestParseDefinition_UnknownFieldsIgnored(t *testing.T) {
	raw := []byte(`{
		"id": "doc-writer",
		"name": "Doc Writer",
		"description": "Writes docs",
		"systemPrompt": "Write docs.",
		"unknownField": "should be ignored"
	}`)

	def, err := ParseDefinition(raw)
	require.NoError(t, err)
	assert.Equal(t, "doc-writer", def.ID)
}

func TestParseDefinition_MalformedJSON(t *testing.T) {
	_, err := ParseDefinition([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParseDefinition_InvalidBodyRejected(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"id": "Bad Id"}`))
	assert.Error(t, err)
}

func TestRenderSystemPrompt_BuiltinsSubstituted(t *testing.T) {
	def := validDefinition()
	rendered := RenderSystemPrompt(def, BuiltinVariables{
		WorkspaceRoot: "/workspace",
		Language:      "Go",
		Date:          "2026-07-31",
	})

	assert.Contains(t, rendered, "/workspace")
	assert.Contains(t, rendered, "Go")
	assert.Contains(t, rendered, "2026-07-31")
	assert.NotContains(t, rendered, "{{workspaceRoot}}")
}

func TestRenderSystemPrompt_UserVariablesSubstituted(t *testing.T) {
	def := validDefinition()
	def.SystemPrompt = "Hello {{name}}, you work in {{workspaceRoot}}."
	def.Variables = map[string]string{"name": "Ada"}

	rendered := RenderSystemPrompt(def, BuiltinVariables{WorkspaceRoot: "/ws"})
	assert.Contains(t, rendered, "Hello Ada")
	assert.Contains(t, rendered, "/ws")
}

func TestRenderSystemPrompt_UserVariableNeverShadowsBuiltin(t *testing.T) {
	def := validDefinition()
	def.SystemPrompt = "root={{workspaceRoot}}"
	def.Variables = map[string]string{"workspaceRoot": "attacker-controlled"}

	rendered := RenderSystemPrompt(def, BuiltinVariables{WorkspaceRoot: "/real/workspace"})
	assert.Equal(t, "root=/real/workspace", rendered)
}

func TestSchema_DescribesDefinitionShape(t *testing.T) {
	schema := Schema()
	require.NotNil(t, schema)
	assert.Equal(t, "Plugin Agent Definition", schema.Title)
}
