package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogGetByIDAndAlias(t *testing.T) {
	c := NewCatalog()

	model, ok := c.Get("claude-3-5-sonnet-latest")
	require.True(t, ok)
	assert.Equal(t, ProviderAnthropic, model.Provider)

	alias, ok := c.Get("sonnet")
	require.True(t, ok)
	assert.Equal(t, model.ID, alias.ID)

	_, ok = c.Get("does-not-exist")
	assert.False(t, ok)
}

func TestCatalogListByProvider(t *testing.T) {
	c := NewCatalog()
	openai := c.ListByProvider(ProviderOpenAI)
	require.NotEmpty(t, openai)
	for _, m := range openai {
		assert.Equal(t, ProviderOpenAI, m.Provider)
	}
}

func TestFilterMinContextWindow(t *testing.T) {
	c := NewCatalog()
	wide := c.List(&Filter{MinContextWindow: 500000})
	for _, m := range wide {
		assert.GreaterOrEqual(t, m.ContextWindow, 500000)
	}
	assert.NotEmpty(t, wide)
}

func TestModelCapabilityHelpers(t *testing.T) {
	m := &Model{Capabilities: []Capability{CapVision, CapTools}}
	assert.True(t, m.SupportsVision())
	assert.True(t, m.SupportsTools())
	assert.False(t, m.SupportsStreaming())
}
