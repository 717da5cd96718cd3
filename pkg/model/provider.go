// Package model implements the Model-Selector: per-agent model preference
// resolution, and the Provider interface the selector resolves against.
//
// Wiring a live network-calling provider (OpenAI/Anthropic/Ollama, as the
// teacher codebase does) is out of this core's scope — the language-model
// transport is named as an external collaborator, not specified here. This
// package defines the Provider contract and a deterministic in-memory
// provider so the Registry's smartRoute, the Dispatcher, and agents remain
// fully testable without live network access.
package model

import (
	"fmt"
	"strings"
)

// Provider is the transport-agnostic contract the Model-Selector resolves
// an agent to.
type Provider interface {
	Generate(prompt string) (string, int, error)
	GenerateStreaming(prompt string) (<-chan string, error)
	GetModelName() string
	GetMaxTokens() int
	GetTemperature() float64
	Close() error
}

// EchoProvider is a deterministic, local, network-free Provider used for
// tests, local development, and as the default when no transport is
// configured. It does not call out to any model; Generate returns a
// synthesized reply so routing logic (smartRoute expects a single agent-id
// token back) can be tested end-to-end.
type EchoProvider struct {
	ModelName   string
	MaxTokens   int
	Temperature float64
	// Reply, if set, is returned verbatim from Generate instead of the
	// default echo-style response. Used to script smartRoute's expected
	// "pick an agent id" replies in tests.
	Reply string
}

// NewEchoProvider constructs an EchoProvider with the given model name.
func NewEchoProvider(modelName string) *EchoProvider {
	return &EchoProvider{ModelName: modelName, MaxTokens: 4096, Temperature: 0.7}
}

func (p *EchoProvider) Generate(prompt string) (string, int, error) {
	if p.Reply != "" {
		return p.Reply, len(strings.Fields(p.Reply)), nil
	}
	reply := fmt.Sprintf("echo: %s", prompt)
	return reply, len(strings.Fields(reply)), nil
}

func (p *EchoProvider) GenerateStreaming(prompt string) (<-chan string, error) {
	text, _, err := p.Generate(prompt)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return ch, nil
}

func (p *EchoProvider) GetModelName() string    { return p.ModelName }
func (p *EchoProvider) GetMaxTokens() int       { return p.MaxTokens }
func (p *EchoProvider) GetTemperature() float64 { return p.Temperature }
func (p *EchoProvider) Close() error            { return nil }
