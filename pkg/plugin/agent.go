package plugin

import (
	"fmt"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/model"
)

// Category is the Model-Selector/registry category every plugin agent is
// registered under, distinguishing it from a built-in Go agent type.
const Category = "plugin"

// Agent adapts a Definition into the agent.Agent contract: its Handle
// sends the rendered systemPrompt plus the request prompt to a
// model.Provider and emits the reply as markdown.
type Agent struct {
	def      *Definition
	provider model.Provider
	selector *model.Selector
	workspaceRoot string
	language      string
}

// NewAgent constructs a plugin Agent bound to provider and selector. The
// selector resolves the model/options used for this plugin's category
// (or its specific id, if configured), consistent with §4.J's "selection
// happens inside the agent's own send helpers".
func NewAgent(def *Definition, provider model.Provider, selector *model.Selector, workspaceRoot, language string) *Agent {
	return &Agent{def: def, provider: provider, selector: selector, workspaceRoot: workspaceRoot, language: language}
}

func (a *Agent) ID() string          { return a.def.ID }
func (a *Agent) DisplayName() string { return a.def.Name }
func (a *Agent) Description() string { return a.def.Description }
func (a *Agent) IsAutonomous() bool  { return a.def.Autonomous }

// Definition exposes the underlying plugin definition, e.g. for the
// loader to compare against a newer version on hot-reload.
func (a *Agent) Definition() *Definition { return a.def }

// Handle renders the system prompt, sends it to the provider alongside the
// request prompt and any enriched context, and emits the reply as
// markdown through the request's output stream.
func (a *Agent) Handle(actx *agent.Context) (*agent.Result, error) {
	systemPrompt := RenderSystemPrompt(a.def, BuiltinVariables{
		WorkspaceRoot: a.workspaceRoot,
		Language:      a.language,
		Date:          nowDate(),
	})

	prompt := systemPrompt + "\n\n" + actx.Request.Prompt
	if actx.EnrichedContextText != "" {
		prompt = prompt + "\n\nContext:\n" + actx.EnrichedContextText
	}

	modelID := a.selector.Resolve(a.def.ID, Category, actx.Request.Model)

	reply, _, err := a.provider.Generate(prompt)
	if err != nil {
		return nil, fmt.Errorf("plugin agent %s: generate: %w", a.def.ID, err)
	}

	if actx.OutputStream != nil {
		if err := actx.OutputStream.EmitMarkdown(reply); err != nil {
			return nil, fmt.Errorf("plugin agent %s: emit markdown: %w", a.def.ID, err)
		}
	}

	return &agent.Result{Metadata: map[string]any{"plugin": true, "model": modelID}}, nil
}
