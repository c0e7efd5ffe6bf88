// Package configload reads the gateway's routing policy — clients,
// strategies, provider instances, MCP servers — from a YAML file into an
// rconfig.Snapshot, and keeps an rconfig.Store current by watching that
// file for changes. It is the "desktop shell" rconfig's own package
// deliberately stays agnostic of: the YAML shape, the file I/O, and the
// reload trigger all live here instead.
package configload

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BaSui01/localrouter/config"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// document is the on-disk YAML shape. Secrets (provider API keys, MCP
// bearer tokens) are never stored here directly — api_key_ref and
// credential_ref name a secretstore key that Load resolves through the
// embedder-supplied ResolveSecret callback.
type document struct {
	Clients    []clientDoc    `yaml:"clients"`
	Strategies []strategyDoc  `yaml:"strategies"`
	Providers  []providerDoc  `yaml:"providers"`
	MCPServers []mcpServerDoc `yaml:"mcp_servers"`
}

type clientDoc struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Enabled          bool     `yaml:"enabled"`
	StrategyID       string   `yaml:"strategy_id"`
	SecretHash       string   `yaml:"secret_hash"`
	AllowedProviders []string `yaml:"allowed_providers"`
	MCPAccess        struct {
		Kind    string   `yaml:"kind"`
		Servers []string `yaml:"servers"`
	} `yaml:"mcp_access"`
}

type strategyDoc struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	ParentID string `yaml:"parent_id"`

	AllowedModels *struct {
		Mode     string `yaml:"mode"`
		Explicit []struct {
			ProviderInstanceID string `yaml:"provider_instance_id"`
			Model              string `yaml:"model"`
		} `yaml:"explicit"`
	} `yaml:"allowed_models"`

	RateLimits []struct {
		Kind   string  `yaml:"kind"`
		Window string  `yaml:"window"`
		Limit  float64 `yaml:"limit"`
	} `yaml:"rate_limits"`
}

type providerDoc struct {
	ID      string            `yaml:"id"`
	Family  string            `yaml:"family"`
	APIKeyRef string          `yaml:"api_key_ref"` // secretstore key, resolved by the embedder
	BaseURL string            `yaml:"base_url"`
	Extra   map[string]string `yaml:"extra"`
}

type mcpServerDoc struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`

	Transport struct {
		Kind    string            `yaml:"kind"`
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args"`
		Env     map[string]string `yaml:"env"`
		URL     string            `yaml:"url"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"transport"`

	Auth struct {
		Kind          string `yaml:"kind"`
		CredentialRef string `yaml:"credential_ref"`
	} `yaml:"auth"`
}

// ResolveSecret resolves a provider's api_key_ref / an MCP server's
// credential_ref to its live secret value. The embedder supplies this,
// typically backed by internal/secretstore.
type ResolveSecret func(ref string) (string, error)

// Load parses path into an rconfig.Snapshot, resolving every secret
// reference via resolveSecret.
func Load(path string, resolveSecret ResolveSecret) (*rconfig.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configload: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("configload: parse %s: %w", path, err)
	}
	return build(&doc, resolveSecret)
}

func build(doc *document, resolveSecret ResolveSecret) (*rconfig.Snapshot, error) {
	clients := make([]*rconfig.Client, 0, len(doc.Clients))
	for _, c := range doc.Clients {
		access := rconfig.McpServerAccess{Kind: rconfig.McpServerAccessKind(c.MCPAccess.Kind)}
		if access.Kind == rconfig.McpAccessSpecific {
			access.Servers = make(map[string]struct{}, len(c.MCPAccess.Servers))
			for _, s := range c.MCPAccess.Servers {
				access.Servers[s] = struct{}{}
			}
		}
		allowedProviders := make(map[string]struct{}, len(c.AllowedProviders))
		for _, p := range c.AllowedProviders {
			allowedProviders[p] = struct{}{}
		}
		clients = append(clients, &rconfig.Client{
			ID:               c.ID,
			Name:             c.Name,
			Enabled:          c.Enabled,
			StrategyID:       c.StrategyID,
			SecretHash:       c.SecretHash,
			AllowedProviders: allowedProviders,
			MCPAccess:        access,
		})
	}

	strategies := make(rconfig.Strategies, len(doc.Strategies))
	for _, s := range doc.Strategies {
		strategy := &rconfig.Strategy{ID: s.ID, Name: s.Name, ParentID: s.ParentID}
		if s.AllowedModels != nil {
			am := &rconfig.AllowedModels{Mode: rconfig.AllowedModelsMode(s.AllowedModels.Mode)}
			for _, e := range s.AllowedModels.Explicit {
				am.Explicit = append(am.Explicit, rconfig.ModelRef{ProviderInstanceID: e.ProviderInstanceID, Model: e.Model})
			}
			strategy.AllowedModels = am
		}
		for _, rl := range s.RateLimits {
			strategy.RateLimits = append(strategy.RateLimits, rconfig.RateLimitRule{
				Kind:   rconfig.RateLimitKind(rl.Kind),
				Window: rconfig.RateLimitWindow(rl.Window),
				Limit:  rl.Limit,
			})
		}
		strategies[s.ID] = strategy
	}

	providers := make([]*rconfig.ProviderInstance, 0, len(doc.Providers))
	for _, p := range doc.Providers {
		apiKey := ""
		if p.APIKeyRef != "" {
			var err error
			apiKey, err = resolveSecret(p.APIKeyRef)
			if err != nil {
				return nil, fmt.Errorf("configload: resolving secret for provider %s: %w", p.ID, err)
			}
		}
		providers = append(providers, &rconfig.ProviderInstance{
			ID:      p.ID,
			Family:  rconfig.ProviderFamily(p.Family),
			APIKey:  apiKey,
			BaseURL: p.BaseURL,
			Extra:   p.Extra,
		})
	}

	servers := make([]*rconfig.McpServerConfig, 0, len(doc.MCPServers))
	for _, m := range doc.MCPServers {
		auth := rconfig.McpAuth{Kind: rconfig.McpAuthKind(m.Auth.Kind)}
		if m.Auth.CredentialRef != "" {
			token, err := resolveSecret(m.Auth.CredentialRef)
			if err != nil {
				return nil, fmt.Errorf("configload: resolving secret for mcp server %s: %w", m.ID, err)
			}
			auth.Token = token
			auth.CredentialRef = m.Auth.CredentialRef
		}
		servers = append(servers, &rconfig.McpServerConfig{
			ID:      m.ID,
			Name:    m.Name,
			Enabled: m.Enabled,
			Transport: rconfig.McpTransport{
				Kind:    rconfig.McpTransportKind(m.Transport.Kind),
				Command: m.Transport.Command,
				Args:    m.Transport.Args,
				Env:     m.Transport.Env,
				URL:     m.Transport.URL,
				Headers: m.Transport.Headers,
			},
			Auth: auth,
		})
	}

	return rconfig.NewSnapshot(clients, strategies, providers, servers)
}

// Watcher keeps an rconfig.Store current by re-parsing path every time
// config.FileWatcher observes a change, logging and discarding a reload
// that fails validation rather than tearing down the live Snapshot — a bad
// edit must never take the gateway below its last-known-good policy.
type Watcher struct {
	path          string
	resolveSecret ResolveSecret
	store         *rconfig.Store
	fw            *config.FileWatcher
	logger        *zap.Logger
}

// NewWatcher wires a config.FileWatcher to reload path and replace the
// Store's Snapshot on every change. It does not load path itself; store
// must already hold the initial Snapshot.
func NewWatcher(path string, resolveSecret ResolveSecret, store *rconfig.Store, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := config.NewFileWatcher([]string{path},
		config.WithDebounceDelay(500*time.Millisecond),
		config.WithWatcherLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, resolveSecret: resolveSecret, store: store, fw: fw, logger: logger.With(zap.String("component", "configload"))}
	fw.OnChange(func(config.FileEvent) {
		w.reload()
	})
	return w, nil
}

func (w *Watcher) reload() {
	snap, err := Load(w.path, w.resolveSecret)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous snapshot", zap.Error(err), zap.String("path", w.path))
		return
	}
	w.store.Replace(snap)
	w.logger.Info("config reloaded", zap.String("path", w.path))
}

// Start begins watching for changes. Stop tears it down.
func (w *Watcher) Start(ctx context.Context) error {
	return w.fw.Start(ctx)
}

func (w *Watcher) Stop() error {
	return w.fw.Stop()
}
