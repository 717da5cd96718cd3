package model

import "sync"

// Options are the per-agent generation knobs the Selector may override.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Selector maps an agent id (or category) to a preferred model name and
// options, falling back to the request's default model. Selection happens
// inside an agent's own send helpers in spirit — this type is invoked by
// whatever code constructs the Provider for a given agent invocation, not
// by the Dispatcher directly, so the chosen model stays consistent across
// delegation (§4.J).
type Selector struct {
	mu           sync.RWMutex
	byAgent      map[string]string
	byCategory   map[string]string
	options      map[string]Options
	defaultModel string
}

// NewSelector constructs a Selector defaulting to defaultModel when no
// per-agent or per-category preference matches.
func NewSelector(defaultModel string) *Selector {
	return &Selector{
		byAgent:      make(map[string]string),
		byCategory:   make(map[string]string),
		options:      make(map[string]Options),
		defaultModel: defaultModel,
	}
}

// SetAgentModel configures the preferred model for a specific agent id.
func (s *Selector) SetAgentModel(agentID, modelName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgent[agentID] = modelName
}

// SetCategoryModel configures the preferred model for an agent category.
func (s *Selector) SetCategoryModel(category, modelName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCategory[category] = modelName
}

// SetOptions configures max-tokens/temperature for an agent id or category key.
func (s *Selector) SetOptions(key string, opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[key] = opts
}

// Resolve returns the model name to use for agentID/category, given the
// request's own default model as the final fallback.
func (s *Selector) Resolve(agentID, category, requestDefaultModel string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byAgent[agentID]; ok && m != "" {
		return m
	}
	if m, ok := s.byCategory[category]; ok && m != "" {
		return m
	}
	if requestDefaultModel != "" {
		return requestDefaultModel
	}
	return s.defaultModel
}

// ResolveOptions returns the generation options for agentID, falling back
// to the category's options, then to zero-value Options.
func (s *Selector) ResolveOptions(agentID, category string) Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.options[agentID]; ok {
		return o
	}
	if o, ok := s.options[category]; ok {
		return o
	}
	return Options{}
}
