package mcpbackend

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// Manager owns one Connection per enabled backend MCP server, keyed by
// server id — the registry mcpgateway (G) drives for broadcast and
// direct-method calls.
type Manager struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conns:  make(map[string]*Connection),
		logger: logger.With(zap.String("component", "mcpbackend.manager")),
	}
}

// Connect dials cfg's transport and registers the resulting Connection,
// replacing and closing any prior connection for the same server id.
func (m *Manager) Connect(ctx context.Context, cfg rconfig.McpServerConfig, onNotify NotificationHandler) error {
	conn := NewConnection(cfg, onNotify, m.logger)
	if err := conn.Start(ctx); err != nil {
		return types.NewError(types.ErrMCP, "failed to connect to mcp server "+cfg.ID).WithCause(err)
	}

	m.mu.Lock()
	if prior, ok := m.conns[cfg.ID]; ok {
		_ = prior.Close()
	}
	m.conns[cfg.ID] = conn
	m.mu.Unlock()
	return nil
}

func (m *Manager) Get(serverID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[serverID]
	return c, ok
}

// IDs returns every registered server id, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect closes and unregisters serverID's connection, if present.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	conn, ok := m.conns[serverID]
	delete(m.conns, serverID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// CloseAll tears down every managed connection, e.g. on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
