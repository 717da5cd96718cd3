package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaycode/agentrun/pkg/workflow"
)

// EventRule registers a trigger with the host's event engine at load.
type EventRule struct {
	Event    string `json:"event"`
	Pattern  string `json:"pattern,omitempty"`
	AgentID  string `json:"agentId"`
	Prompt   string `json:"prompt,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// MemoryConfig controls Memory Store pruning triggered at load.
type MemoryConfig struct {
	Enabled  bool  `json:"enabled"`
	MaxAgeMs int64 `json:"maxAgeMs,omitempty"`
	MaxCount int   `json:"maxCount,omitempty"`
}

// GuardrailsConfig controls checkpoint store runtime flags.
type GuardrailsConfig struct {
	ConfirmDestructive bool `json:"confirmDestructive"`
	DryRunDefault      bool `json:"dryRunDefault"`
}

// WorkflowStepConfig is the JSON shape of one workflow.Step. ParallelGroup
// is a pointer so that an agentrc.json step written without the field
// decodes to nil, not to the group-zero value — each such step gets its
// own singleton group in workflow.Step (see workflow.groupSteps), matching
// the natural, no-annotation way of authoring a purely sequential
// workflow rather than silently fanning every omitted step out together.
type WorkflowStepConfig struct {
	Name           string `json:"name"`
	AgentID        string `json:"agentId"`
	Prompt         string `json:"prompt"`
	ParallelGroup  *int   `json:"parallelGroup,omitempty"`
	PipeOutput     bool   `json:"pipeOutput,omitempty"`
	RetryAttempts  int    `json:"retryAttempts,omitempty"`
	RetryBackoffMs int    `json:"retryBackoffMs,omitempty"`
	OnFailure      string `json:"onFailure,omitempty"`
}

// WorkflowDefinitionConfig is the JSON shape of a workflow.Definition.
type WorkflowDefinitionConfig struct {
	Steps []WorkflowStepConfig `json:"steps"`
}

// ToDefinition converts the JSON-loaded shape into a workflow.Definition.
// Conditions aren't expressible in JSON, so steps loaded this way never
// carry one — host code registering programmatic workflows should build
// workflow.Definition directly instead of going through agentrc.json.
func (w WorkflowDefinitionConfig) ToDefinition(name string) *workflow.Definition {
	steps := make([]workflow.Step, 0, len(w.Steps))
	for _, s := range w.Steps {
		steps = append(steps, workflow.Step{
			Name:          s.Name,
			AgentID:       s.AgentID,
			Prompt:        s.Prompt,
			ParallelGroup: s.ParallelGroup,
			PipeOutput:    s.PipeOutput,
			Retry:         workflow.RetryPolicy{Attempts: s.RetryAttempts, BackoffMs: s.RetryBackoffMs},
			OnFailure:     workflow.OnFailure(s.OnFailure),
		})
	}
	return &workflow.Definition{Name: name, Steps: steps}
}

// ProjectConfig is the agentrc.json shape: project-local agent behavior
// that changes what the runtime does, not how the host is deployed.
type ProjectConfig struct {
	DefaultAgent   string                              `json:"defaultAgent,omitempty"`
	DisabledAgents []string                            `json:"disabledAgents,omitempty"`
	Prompts        map[string]string                   `json:"prompts,omitempty"`
	EventRules     []EventRule                         `json:"eventRules,omitempty"`
	Memory         MemoryConfig                        `json:"memory,omitempty"`
	Guardrails     GuardrailsConfig                    `json:"guardrails,omitempty"`
	Workflows      map[string]WorkflowDefinitionConfig  `json:"workflows,omitempty"`
	Models         map[string]string                    `json:"models,omitempty"`
}

// LoadProjectConfig reads and env-expands an agentrc.json file.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return ParseProjectConfig(raw)
}

// ParseProjectConfig decodes raw JSON bytes into a ProjectConfig, expanding
// environment variable references in every string value first.
func ParseProjectConfig(raw []byte) (*ProjectConfig, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("config: decoding agentrc.json: %w", err)
	}
	expanded := expandEnvVarsInData(generic)
	reencoded, err := json.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("config: re-encoding expanded agentrc.json: %w", err)
	}

	var cfg ProjectConfig
	if err := json.Unmarshal(reencoded, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding agentrc.json into shape: %w", err)
	}
	return &cfg, nil
}

func expandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		expanded := ExpandEnvVars(v)
		if expanded != v {
			return ParseValue(expanded)
		}
		return expanded
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = expandEnvVarsInData(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = expandEnvVarsInData(item)
		}
		return out
	default:
		return v
	}
}

// Settings is the host-level settings.yaml shape: flat deployment knobs,
// distinct from the per-project agentrc.json.
type Settings struct {
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`

	Guardrails struct {
		Enabled bool `yaml:"enabled"`
		DryRun  bool `yaml:"dryRun"`
	} `yaml:"guardrails"`

	Cache struct {
		Enabled    bool  `yaml:"enabled"`
		MaxEntries int   `yaml:"maxEntries"`
		TTLMs      int64 `yaml:"ttlMs"`
	} `yaml:"cache"`

	Memory struct {
		MaxCount       int `yaml:"maxCount"`
		PruneAfterDays int `yaml:"pruneAfterDays"`
	} `yaml:"memory"`

	Autonomous struct {
		MaxSteps           int  `yaml:"maxSteps"`
		ConfirmBeforeApply bool `yaml:"confirmBeforeApply"`
	} `yaml:"autonomous"`

	// ConsensusSynthesisPrompt is the configurable prompt collab-consensus
	// uses for its synthesis agent call, per §9's resolved Open Question.
	ConsensusSynthesisPrompt string `yaml:"consensusSynthesisPrompt"`
}

// DefaultSettings returns the documented defaults from §6.
func DefaultSettings() Settings {
	var s Settings
	s.RateLimitPerMinute = 30
	s.Cache.Enabled = true
	s.Cache.MaxEntries = 200
	s.Cache.TTLMs = 600000
	s.Memory.MaxCount = 500
	s.Memory.PruneAfterDays = 30
	s.Autonomous.MaxSteps = 10
	s.Autonomous.ConfirmBeforeApply = true
	s.ConsensusSynthesisPrompt = "Synthesize a single consensus answer from the following independent responses:"
	return s
}

// LoadSettings reads settings.yaml over DefaultSettings, env-expanding
// string scalars in the raw document before decoding.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return settings, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	expanded := expandEnvVarsInData(generic)
	reencoded, err := yaml.Marshal(expanded)
	if err != nil {
		return settings, fmt.Errorf("config: re-encoding expanded %s: %w", path, err)
	}
	if err := yaml.Unmarshal(reencoded, &settings); err != nil {
		return settings, fmt.Errorf("config: decoding %s into shape: %w", path, err)
	}
	return settings, nil
}
