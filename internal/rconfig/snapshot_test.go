package rconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot_IndexesByID(t *testing.T) {
	strategies := Strategies{
		"base": {ID: "base", AllowedModels: &AllowedModels{Mode: ModelsWildcard}},
	}
	clients := []*Client{{ID: "client-a", Enabled: true, StrategyID: "base"}}
	providers := []*ProviderInstance{{ID: "openai-main", Family: FamilyOpenAICompat}}
	servers := []*McpServerConfig{{ID: "weather", Enabled: true}}

	snap, err := NewSnapshot(clients, strategies, providers, servers)
	require.NoError(t, err)

	c, ok := snap.ClientByID("client-a")
	require.True(t, ok)
	assert.Equal(t, "client-a", c.ID)

	rs, ok := snap.StrategyFor(c)
	require.True(t, ok)
	assert.Equal(t, ModelsWildcard, rs.AllowedModels.Mode)

	assert.Contains(t, snap.Providers, "openai-main")
	assert.Equal(t, []string{"weather"}, snap.EnabledMCPServerIDs())
}

func TestClientByID_RejectsDisabledClient(t *testing.T) {
	clients := []*Client{{ID: "client-a", Enabled: false, StrategyID: "base"}}
	snap, err := NewSnapshot(clients, Strategies{"base": {ID: "base"}}, nil, nil)
	require.NoError(t, err)

	_, ok := snap.ClientByID("client-a")
	assert.False(t, ok)
}

func TestStore_ReplaceSwapsCurrentSnapshot(t *testing.T) {
	first, err := NewSnapshot(nil, Strategies{}, nil, nil)
	require.NoError(t, err)
	store := NewStore(first)
	assert.Same(t, first, store.Current())

	second, err := NewSnapshot(nil, Strategies{}, nil, nil)
	require.NoError(t, err)
	store.Replace(second)
	assert.Same(t, second, store.Current())
}
