package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/cache"
	"github.com/BaSui01/localrouter/internal/configload"
	"github.com/BaSui01/localrouter/internal/feature"
	"github.com/BaSui01/localrouter/internal/httpapi"
	"github.com/BaSui01/localrouter/internal/intelrouter"
	"github.com/BaSui01/localrouter/internal/mcpbackend"
	"github.com/BaSui01/localrouter/internal/mcpgateway"
	"github.com/BaSui01/localrouter/internal/metrics"
	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/internal/pool"
	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/internal/provider/anthropic"
	"github.com/BaSui01/localrouter/internal/provider/gemini"
	"github.com/BaSui01/localrouter/internal/provider/ollama"
	"github.com/BaSui01/localrouter/internal/provider/openaicompat"
	"github.com/BaSui01/localrouter/internal/ratelimit"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/internal/secretstore"
	"github.com/BaSui01/localrouter/internal/strategy"
)

// secretService names the (service, account) pair under which every
// secret reference is stored in the secretstore.Store: one flat namespace,
// keyed by the ref itself as the account.
const secretService = "localrouter"

// gatewayOptions collects the serve command's flags needed to build a
// gateway instance.
type gatewayOptions struct {
	configPath  string
	addr        string
	metricsAddr string
	tokenSecret []byte
	tokenIssuer string
	tokenTTL    time.Duration
	redisAddr   string
}

// gateway bundles the running HTTP server together with the backend
// connection manager WaitForShutdown tears down on exit.
type gateway struct {
	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *httpapi.Server
	deps       httpapi.Dependencies
	backends   *mcpbackend.Manager
	watcher    *configload.Watcher
	cacheMgr   *cache.Manager
	logger     *zap.Logger
}

// envSecretStore returns an empty in-memory secretstore.Store. It is filled
// lazily by newSecretResolver, which imports each secret reference from the
// process environment the first time it is looked up and caches it behind
// the same Store interface a keychain-backed implementation would satisfy. A headless
// server process has no keychain to unlock, so this is the capability
// interface's simplest real binding rather than a bespoke env lookup.
func envSecretStore() secretstore.Store {
	return secretstore.NewMemory()
}

// newSecretResolver returns a configload.ResolveSecret that looks ref up
// in store, lazily importing it from the environment on first miss.
func newSecretResolver(store secretstore.Store) func(ref string) (string, error) {
	ctx := context.Background()
	return func(ref string) (string, error) {
		if ref == "" {
			return "", nil
		}
		if v, ok, _ := store.Get(ctx, secretService, ref); ok {
			return v, nil
		}
		v, ok := os.LookupEnv(ref)
		if !ok {
			return "", fmt.Errorf("secret reference %q not found in environment", ref)
		}
		_ = store.Put(ctx, secretService, ref, v)
		return v, nil
	}
}

// buildRegistry constructs a provider adapter for every configured
// ProviderInstance, dispatching on its Family.
func buildRegistry(ctx context.Context, snap *rconfig.Snapshot, logger *zap.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry(logger)
	for _, inst := range snap.Providers {
		adapter, err := newProviderAdapter(ctx, inst, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", inst.ID, err)
		}
		registry.Register(inst.ID, adapter)
	}
	return registry, nil
}

func newProviderAdapter(ctx context.Context, inst *rconfig.ProviderInstance, logger *zap.Logger) (provider.Provider, error) {
	switch inst.Family {
	case rconfig.FamilyOpenAICompat:
		return openaicompat.New(openaicompat.Config{
			ProviderName: inst.ID,
			APIKey:       inst.APIKey,
			BaseURL:      inst.BaseURL,
			DefaultModel: inst.Extra["default_model"],
			Timeout:      30 * time.Second,
		}, logger), nil
	case rconfig.FamilyAnthropic:
		return anthropic.New(anthropic.Config{
			ProviderName:     inst.ID,
			APIKey:           inst.APIKey,
			DefaultModel:     inst.Extra["default_model"],
			DefaultMaxTokens: 4096,
		}, logger), nil
	case rconfig.FamilyGemini:
		return gemini.New(ctx, gemini.Config{
			ProviderName: inst.ID,
			APIKey:       inst.APIKey,
			DefaultModel: inst.Extra["default_model"],
		}, logger)
	case rconfig.FamilyOllama:
		return ollama.New(ollama.Config{
			ProviderName: inst.ID,
			BaseURL:      inst.BaseURL,
			DefaultModel: inst.Extra["default_model"],
			Timeout:      60 * time.Second,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider family %q", inst.Family)
	}
}

// connectBackends dials every enabled MCP server concurrently, bounded by a
// goroutine pool so a config with dozens of servers doesn't open them all at
// once; a server that fails to connect is logged and skipped rather than
// aborting startup — the gateway serves the rest, with that one server
// simply absent from the merged tool list for the life of the process; a
// config reload does not redial it.
func connectBackends(ctx context.Context, snap *rconfig.Snapshot, backends *mcpbackend.Manager, gw *mcpgateway.Gateway, logger *zap.Logger) {
	servers := snap.EnabledMCPServers()
	workers := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: 8,
		QueueSize:  len(servers) + 1,
	})
	defer workers.Close()

	var wg sync.WaitGroup
	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		err := workers.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			if err := backends.Connect(ctx, *srv, gw.OnBackendNotification); err != nil {
				logger.Warn("mcp backend connect failed, continuing without it", zap.String("server_id", srv.ID), zap.Error(err))
			}
			return nil
		})
		if err != nil {
			wg.Done()
			logger.Warn("mcp backend connect not scheduled", zap.String("server_id", srv.ID), zap.Error(err))
		}
	}
	wg.Wait()
}

// newGateway loads the routing config, wires every domain component
// (provider registry, strategy engine, MCP backends/gateway, token issuer),
// and assembles the HTTP server around them — but does not start listening;
// call Start for that.
func newGateway(opts gatewayOptions, logger *zap.Logger) (*gateway, error) {
	ctx, cancel := context.WithCancel(context.Background())

	resolveSecret := newSecretResolver(envSecretStore())

	snap, err := configload.Load(opts.configPath, resolveSecret)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("loading config: %w", err)
	}
	configs := rconfig.NewStore(snap)

	registry, err := buildRegistry(ctx, snap, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	store := metricsstore.New(logger)
	limiter := ratelimit.New(store)
	collector := metrics.NewCollector("localrouter", logger)
	var cacheMgr *cache.Manager
	if opts.redisAddr != "" {
		cacheMgr, err = cache.NewManager(cache.Config{Addr: opts.redisAddr, DefaultTTL: 5 * time.Minute}, logger)
		if err != nil {
			logger.Warn("redis-backed rate limiting disabled, continuing with in-process limiter only", zap.Error(err))
			cacheMgr = nil
		} else {
			limiter.SetDistributed(cacheMgr)
			cacheMgr.SetCollector(collector)
		}
	}
	features := feature.NewRegistry()
	var intel *intelrouter.Manager // no local model runtime wired for this deployment shape
	engine := strategy.NewEngine(registry, features, limiter, store, intel, collector, logger)

	backends := mcpbackend.NewManager(logger)
	gw := mcpgateway.New(backends, logger)
	connectBackends(ctx, snap, backends, gw, logger)

	watcher, err := configload.NewWatcher(opts.configPath, resolveSecret, configs, logger)
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	}

	issuer := auth.New(opts.tokenSecret, opts.tokenIssuer, opts.tokenTTL, logger)

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Addr = opts.addr
	httpCfg.MetricsAddr = opts.metricsAddr

	httpServer := httpapi.NewServer(httpCfg, collector, logger)
	deps := httpapi.Dependencies{
		Engine:   engine,
		Registry: registry,
		Gateway:  gw,
		Store:    store,
		Issuer:   issuer,
		Configs:  configs,
		Gate:     auth.AutoDenyGate{},
	}

	return &gateway{
		ctx:        ctx,
		cancel:     cancel,
		httpServer: httpServer,
		deps:       deps,
		backends:   backends,
		watcher:    watcher,
		cacheMgr:   cacheMgr,
		logger:     logger,
	}, nil
}

// Start begins listening on both the API and metrics addresses, and — if
// the config watcher initialized successfully — starts watching the
// routing config file for hot reload.
func (g *gateway) Start() error {
	if g.watcher != nil {
		if err := g.watcher.Start(g.ctx); err != nil {
			g.logger.Warn("config watcher failed to start", zap.Error(err))
		}
	}
	return g.httpServer.Start(g.ctx, g.deps)
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then tears down the HTTP
// listeners and every backend MCP connection.
func (g *gateway) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	g.logger.Info("shutdown signal received")
	g.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if g.watcher != nil {
		if err := g.watcher.Stop(); err != nil {
			g.logger.Warn("config watcher stop error", zap.Error(err))
		}
	}
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Error("http server shutdown error", zap.Error(err))
	}
	g.backends.CloseAll()
	if g.cacheMgr != nil {
		if err := g.cacheMgr.Close(); err != nil {
			g.logger.Warn("cache manager close error", zap.Error(err))
		}
	}
}
