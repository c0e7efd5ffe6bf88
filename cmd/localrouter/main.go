// Command localrouter runs the gateway: an OpenAI-compatible chat/embeddings
// API and an MCP multiplexer in front of a set of configured upstream
// providers and backend MCP servers.
//
// Usage:
//
//	localrouter serve                      # start the gateway
//	localrouter serve --config gw.yaml      # point at a specific config file
//	localrouter version                     # print build metadata
//	localrouter health                      # liveness probe against a running instance
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	buildVersionInfo = "dev"
	buildTimeInfo    = "unknown"
	gitCommitInfo    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "gateway.yaml", "Path to the routing config file (clients, strategies, providers, mcp servers)")
	addr := fs.String("addr", ":8080", "API listen address")
	metricsAddr := fs.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "json", "Log format: json, console")
	tokenSecretEnv := fs.String("token-secret-env", "LOCALROUTER_TOKEN_SECRET", "Env var holding the HMAC secret for bearer tokens")
	tokenIssuer := fs.String("token-issuer", "localrouter", "Issuer claim stamped into issued bearer tokens")
	tokenTTL := fs.Duration("token-ttl", time.Hour, "Lifetime of tokens issued via /oauth/token")
	redisAddr := fs.String("redis-addr", "", "Optional Redis address backing the rate limiter across multiple gateway instances; empty disables it")
	fs.Parse(args)

	logger := initLogger(*logLevel, *logFormat)
	defer logger.Sync()

	logger.Info("starting localrouter",
		zap.String("version", buildVersionInfo),
		zap.String("build_time", buildTimeInfo),
		zap.String("git_commit", gitCommitInfo),
	)

	secret := os.Getenv(*tokenSecretEnv)
	if secret == "" {
		logger.Fatal("token secret not set", zap.String("env", *tokenSecretEnv))
	}

	gw, err := newGateway(gatewayOptions{
		configPath:  *configPath,
		addr:        *addr,
		metricsAddr: *metricsAddr,
		tokenSecret: []byte(secret),
		tokenIssuer: *tokenIssuer,
		tokenTTL:    *tokenTTL,
		redisAddr:   *redisAddr,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}

	if err := gw.Start(); err != nil {
		logger.Fatal("failed to start gateway", zap.Error(err))
	}

	gw.WaitForShutdown()
	logger.Info("localrouter stopped")
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Gateway address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("localrouter %s\n", buildVersionInfo)
	fmt.Printf("  build time: %s\n", buildTimeInfo)
	fmt.Printf("  git commit: %s\n", gitCommitInfo)
}

func printUsage() {
	fmt.Println(`localrouter - OpenAI-compatible LLM gateway and MCP multiplexer

Usage:
  localrouter <command> [options]

Commands:
  serve     Start the gateway
  version   Show version information
  health    Check a running gateway's liveness
  help      Show this help message

Options for 'serve':
  --config <path>            Path to the routing config file (default gateway.yaml)
  --addr <addr>               API listen address (default :8080)
  --metrics-addr <addr>        Prometheus metrics listen address (default :9090)
  --log-level <level>          debug, info, warn, error (default info)
  --log-format <format>        json, console (default json)
  --token-secret-env <name>    Env var holding the bearer-token HMAC secret
  --token-issuer <name>        Issuer claim on issued tokens
  --token-ttl <duration>        Lifetime of issued tokens (default 1h)
  --redis-addr <addr>           Optional Redis address for cross-instance rate limiting

Examples:
  localrouter serve --config /etc/localrouter/gateway.yaml
  localrouter health --addr http://localhost:8080
  localrouter version`)
}

func initLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      format == "console",
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
