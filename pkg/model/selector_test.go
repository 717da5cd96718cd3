package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectorResolvePriorityOrder(t *testing.T) {
	s := NewSelector("default-model")

	assert.Equal(t, "default-model", s.Resolve("writer", "prose", ""))

	s.SetCategoryModel("prose", "category-model")
	assert.Equal(t, "category-model", s.Resolve("writer", "prose", ""))

	assert.Equal(t, "category-model", s.Resolve("writer", "prose", "request-model"))

	s.SetAgentModel("writer", "agent-model")
	assert.Equal(t, "agent-model", s.Resolve("writer", "prose", "request-model"))
}

func TestSelectorResolveOptionsFallsBackToCategoryThenZero(t *testing.T) {
	s := NewSelector("default-model")
	assert.Equal(t, Options{}, s.ResolveOptions("writer", "prose"))

	s.SetOptions("prose", Options{MaxTokens: 2048, Temperature: 0.5})
	assert.Equal(t, Options{MaxTokens: 2048, Temperature: 0.5}, s.ResolveOptions("writer", "prose"))

	s.SetOptions("writer", Options{MaxTokens: 8192, Temperature: 0.1})
	assert.Equal(t, Options{MaxTokens: 8192, Temperature: 0.1}, s.ResolveOptions("writer", "prose"))
}
