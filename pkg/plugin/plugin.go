// Package plugin implements the plugin agent definition (§6): a JSON
// document describing a prompt-driven agent, its mandatory schema
// validation, built-in variable substitution, and the fsnotify-based
// hot-reload loader that keeps the Agent Registry in sync with a plugins
// directory.
//
// Schema generation is grounded on the teacher's cmd/hector schema.go use
// of github.com/invopop/jsonschema; runtime validation itself is a
// deliberately thin hand-rolled walk (required fields + id kebab-case) on
// top of the generated schema, since the teacher's own jsonschema usage
// targets config-builder UI generation, not runtime enforcement — see
// DESIGN.md for the justification.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/relaycode/agentrun/pkg/errs"
)

// Definition is the JSON shape of one plugin agent, per §6.
type Definition struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	SystemPrompt string            `json:"systemPrompt"`
	Autonomous   bool              `json:"autonomous"`
	Icon         string            `json:"icon,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Delegates    []string          `json:"delegates,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

var kebabCasePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Validate applies the mandatory schema validation named in §6: required
// fields present, id is kebab-case. Unknown fields are silently ignored by
// json.Unmarshal before Validate is ever called, matching "unknown fields
// are ignored".
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errs.Permanentf("plugin", "validate", "plugin definition missing required field \"id\"")
	}
	if !kebabCasePattern.MatchString(d.ID) {
		return errs.Permanentf("plugin", "validate", "plugin id %q is not kebab-case", d.ID)
	}
	if d.Name == "" {
		return errs.Permanentf("plugin", "validate", "plugin %q missing required field \"name\"", d.ID)
	}
	if d.Description == "" {
		return errs.Permanentf("plugin", "validate", "plugin %q missing required field \"description\"", d.ID)
	}
	if d.SystemPrompt == "" {
		return errs.Permanentf("plugin", "validate", "plugin %q missing required field \"systemPrompt\"", d.ID)
	}
	return nil
}

// Schema generates the JSON Schema for Definition, used to document the
// plugin wire shape (e.g. for an editor's autocompletion), not for runtime
// enforcement (Validate handles that, see package doc).
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&Definition{})
	schema.ID = "https://agentrun.dev/schemas/plugin.json"
	schema.Title = "Plugin Agent Definition"
	schema.Description = "Schema for a JSON plugin agent definition loaded from the plugins directory."
	return schema
}

// ParseDefinition decodes raw JSON bytes into a Definition and validates it.
// Malformed plugins are rejected here with a visible error, never executed.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, errs.New(errs.Permanent, "plugin", "parse", "malformed plugin definition JSON", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses a plugin definition from path.
func LoadFile(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.Permanent, "plugin", "load", fmt.Sprintf("reading %s", path), err)
	}
	return ParseDefinition(raw)
}

// BuiltinVariables are substituted into systemPrompt before dispatch.
// Substitution order matters: built-ins go first, then user-defined
// variables, and user variables never shadow a built-in name — this
// prevents user config from shadowing workspace-derived variables, per §9.
type BuiltinVariables struct {
	WorkspaceRoot string
	Language      string
	Date          string
}

// RenderSystemPrompt substitutes {{workspaceRoot}}, {{language}}, {{date}}
// and then the plugin's own user-defined variables (skipping any key that
// collides with a built-in name) via plain string replacement — not a
// templating language, per §9.
func RenderSystemPrompt(def *Definition, builtins BuiltinVariables) string {
	replacer := strings.NewReplacer(
		"{{workspaceRoot}}", builtins.WorkspaceRoot,
		"{{language}}", builtins.Language,
		"{{date}}", builtins.Date,
	)
	rendered := replacer.Replace(def.SystemPrompt)

	builtinNames := map[string]bool{"workspaceRoot": true, "language": true, "date": true}
	for name, value := range def.Variables {
		if builtinNames[name] {
			continue
		}
		rendered = strings.ReplaceAll(rendered, "{{"+name+"}}", value)
	}
	return rendered
}

// nowDate renders the built-in {{date}} substitution value. Exposed as a
// function, not a package-level constant, so callers control the clock
// (tests pass a fixed value instead of calling this).
func nowDate() string {
	return time.Now().Format("2006-01-02")
}
