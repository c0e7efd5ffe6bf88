package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/mcpgateway"
	"github.com/BaSui01/localrouter/internal/metrics"
	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/internal/server"
	"github.com/BaSui01/localrouter/internal/strategy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config controls the HTTP listener's timeouts and cross-cutting policy;
// the domain dependencies (engine, registry, gateway, ...) are supplied
// separately to NewServer.
type Config struct {
	Addr               string
	MetricsAddr        string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MetricsAddr:     ":9090",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Minute, // generous — SSE/streaming responses hold the connection open
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		RateLimitRPS:     50,
		RateLimitBurst:   100,
	}
}

// Server wires every handler and middleware concern into the listener
// pair the gateway runs: the main API listener and a separate metrics
// listener, mirroring the teacher's two-Manager split.
type Server struct {
	cfg    Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector
}

// Dependencies groups every domain component the HTTP surface dispatches
// into — the strategy engine, provider registry, MCP gateway, metrics
// store, token issuer and live config store.
type Dependencies struct {
	Engine   *strategy.Engine
	Registry *provider.Registry
	Gateway  *mcpgateway.Gateway
	Store    *metricsstore.Store
	Issuer   *auth.TokenIssuer
	Configs  *rconfig.Store
	Gate     auth.ApprovalGate
}

// NewServer wires collector into the metrics middleware; pass the same
// instance the strategy engine and cache manager record to, so all three
// dimensions land on one Prometheus registration under one namespace.
func NewServer(cfg Config, collector *metrics.Collector, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}
}

// Start builds the route table, wraps it in the middleware chain, and
// starts both the API and metrics listeners; both run non-blocking.
func (s *Server) Start(ctx context.Context, deps Dependencies) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux, deps)

	skipAuth := map[string]struct{}{
		"/health": {}, "/healthz": {}, "/ready": {}, "/readyz": {}, "/version": {},
		"/oauth/token": {},
	}

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		SecurityHeaders(),
		CORS(s.cfg.CORSAllowedOrigins),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		RateLimiter(ctx, s.cfg.RateLimitRPS, s.cfg.RateLimitBurst),
		BearerAuth(deps.Issuer, deps.Configs, skipAuth, s.logger),
	)

	httpConfig := server.Config{
		Addr:            s.cfg.Addr,
		ReadTimeout:     s.cfg.ReadTimeout,
		WriteTimeout:    s.cfg.WriteTimeout,
		IdleTimeout:     s.cfg.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, httpConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("http server started", zap.String("addr", s.cfg.Addr))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsConfig := server.Config{
		Addr:            s.cfg.MetricsAddr,
		ReadTimeout:     s.cfg.ReadTimeout,
		WriteTimeout:    s.cfg.WriteTimeout,
		ShutdownTimeout: s.cfg.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(metricsMux, metricsConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.String("addr", s.cfg.MetricsAddr))

	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux, deps Dependencies) {
	health := NewHealthHandler(s.logger)
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion)

	oauth := NewOAuthHandler(deps.Issuer, deps.Configs, s.logger)
	mux.HandleFunc("POST /oauth/token", oauth.HandleToken)

	chat := NewChatHandler(deps.Engine, deps.Configs, deps.Gate, s.logger)
	mux.HandleFunc("POST /v1/chat/completions", chat.HandleCompletion)
	mux.HandleFunc("POST /v1/completions", chat.HandleLegacyCompletion)

	embeddings := NewEmbeddingsHandler(deps.Engine, deps.Configs, deps.Gate, s.logger)
	mux.HandleFunc("POST /v1/embeddings", embeddings.HandleEmbeddings)

	models := NewModelsHandler(deps.Registry, s.logger)
	mux.HandleFunc("GET /v1/models", models.HandleList)
	mux.HandleFunc("GET /v1/models/{id}", models.HandleGet)
	mux.HandleFunc("GET /v1/models/{provider}/{model}/pricing", models.HandlePricing)

	generation := NewGenerationHandler(deps.Store, s.logger)
	mux.HandleFunc("GET /v1/generation", generation.HandleGet)

	mcp := NewMCPHandler(deps.Gateway, deps.Configs, deps.Gate, s.logger)
	mux.HandleFunc("POST /mcp", mcp.HandleBroadcast)
	mux.HandleFunc("POST /mcp/{server_id}", mcp.HandleServer)
	mux.HandleFunc("GET /mcp/{server_id}", mcp.HandleServer)
	mux.HandleFunc("POST /mcp/{server_id}/stream", mcp.HandleServerStream)
	mux.HandleFunc("POST /mcp/{server_id}/elicitation", mcp.HandleElicitation)

	mcpws := NewMCPWebSocketHandler(deps.Gateway, deps.Configs, deps.Gate, s.logger)
	mux.HandleFunc("GET /mcp/ws", mcpws.HandleWS)
}

// Shutdown stops both listeners, the API listener first so in-flight
// streaming responses get their full shutdown grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.metricsManager != nil {
		return s.metricsManager.Shutdown(ctx)
	}
	return nil
}
