package rconfig

import (
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/localrouter/types"
)

// Snapshot is the fully-resolved, immutable view of the gateway's
// configuration at one point in time: every client, every strategy already
// flattened through its parent chain, every provider instance, and every
// MCP server. The embedder's loader builds one of these from whatever
// source it chooses (YAML file, database, remote config service) and hands
// it to a Store; this package never reads that source itself.
type Snapshot struct {
	Clients    map[string]*Client
	Strategies map[string]*ResolvedStrategy
	Providers  map[string]*ProviderInstance
	MCPServers map[string]*McpServerConfig
}

// NewSnapshot resolves strategies and indexes the remaining collections by
// id, producing a Snapshot ready for lookups.
func NewSnapshot(clients []*Client, strategies Strategies, providers []*ProviderInstance, mcpServers []*McpServerConfig) (*Snapshot, error) {
	resolved, err := ResolveAll(strategies)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Clients:    make(map[string]*Client, len(clients)),
		Strategies: resolved,
		Providers:  make(map[string]*ProviderInstance, len(providers)),
		MCPServers: make(map[string]*McpServerConfig, len(mcpServers)),
	}
	for _, c := range clients {
		s.Clients[c.ID] = c
	}
	for _, p := range providers {
		s.Providers[p.ID] = p
	}
	for _, m := range mcpServers {
		if strings.Contains(m.ID, "__") {
			return nil, types.NewError(types.ErrConfig, "mcp server id must not contain \"__\": "+m.ID)
		}
		s.MCPServers[m.ID] = m
	}
	return s, nil
}

// ClientByID looks up a client, ok=false when unknown or disabled.
func (s *Snapshot) ClientByID(id string) (*Client, bool) {
	c, ok := s.Clients[id]
	if !ok || !c.Enabled {
		return nil, false
	}
	return c, true
}

// StrategyFor returns client's resolved strategy.
func (s *Snapshot) StrategyFor(client *Client) (*ResolvedStrategy, bool) {
	rs, ok := s.Strategies[client.StrategyID]
	return rs, ok
}

// EnabledMCPServerIDs returns every enabled MCP server id, sorted — the
// "all configured servers" set McpServerAccess.Resolve needs for an All
// access grant.
func (s *Snapshot) EnabledMCPServerIDs() []string {
	ids := make([]string, 0, len(s.MCPServers))
	for id, m := range s.MCPServers {
		if m.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// EnabledMCPServers returns every enabled MCP server config.
func (s *Snapshot) EnabledMCPServers() []*McpServerConfig {
	ids := s.EnabledMCPServerIDs()
	out := make([]*McpServerConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.MCPServers[id])
	}
	return out
}

// Store holds the live Snapshot behind a lock, swapped wholesale on reload —
// the same pointer-swap-under-mutex shape the embedder's own config hot
// reload manager uses for its top-level Config. This package never builds
// the Snapshot it holds; the embedder's loader does that and calls Replace.
type Store struct {
	mu  sync.RWMutex
	cur *Snapshot
}

func NewStore(initial *Snapshot) *Store {
	return &Store{cur: initial}
}

func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Store) Replace(n *Snapshot) {
	s.mu.Lock()
	s.cur = n
	s.mu.Unlock()
}
