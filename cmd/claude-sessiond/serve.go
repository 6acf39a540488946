package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-session-broker/broker/internal/agentclient"
	"github.com/claude-session-broker/broker/internal/auth"
	"github.com/claude-session-broker/broker/internal/config"
	"github.com/claude-session-broker/broker/internal/httpapi"
	"github.com/claude-session-broker/broker/internal/maintainer"
	"github.com/claude-session-broker/broker/internal/mcp"
	"github.com/claude-session-broker/broker/internal/metrics"
	"github.com/claude-session-broker/broker/internal/plugins"
	"github.com/claude-session-broker/broker/internal/secrets"
	"github.com/claude-session-broker/broker/internal/sessionmgr"
	"github.com/claude-session-broker/broker/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger, redact := telemetry.NewRedactingLogger(os.Stdout, level)
	startupLog := telemetry.RequestLogger(logger, telemetry.WithCorrelationID(context.Background(), correlationID), "startup")

	resolver := buildSecretResolver()
	if err := cfg.ResolveSecrets(context.Background(), resolver); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}
	for _, secret := range []string{cfg.AnthropicAPIKey, cfg.AnthropicAuthToken, cfg.PGPassword, cfg.APIKey} {
		if secret != "" {
			redact.AddSecret(secret)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agentclient.ValidateCredentials(ctx, cfg.AnthropicAPIKey, cfg.AnthropicAuthToken, cfg.AnthropicBaseURL); err != nil {
		return fmt.Errorf("validating upstream credentials: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer st.Close()

	pool := mcp.NewPool()
	defer pool.Close()
	for name, server := range cfg.AgentDefaults.MCPServers {
		sc := mcp.ServerConfig{Name: name, Transport: server.Transport, Command: server.Command, Args: server.Args, URL: server.URL}
		if _, err := pool.Connect(ctx, sc); err != nil {
			startupLog.Warn("mcp server connect failed", "server", name, "error", err)
		}
	}
	if names := pool.Names(); len(names) > 0 {
		startupLog.Info("mcp servers connected", "servers", names)
	}

	var pluginHost *plugins.Host
	if len(cfg.AgentDefaults.Plugins) > 0 {
		pluginHost, err = plugins.NewHost(ctx)
		if err != nil {
			return fmt.Errorf("starting plugin host: %w", err)
		}
		defer pluginHost.Close(ctx)
		for _, name := range cfg.AgentDefaults.Plugins {
			manifestPath := plugins.ResolveManifestPath(cfg.PluginDir, name)
			if _, err := pluginHost.LoadPlugin(ctx, manifestPath); err != nil {
				return fmt.Errorf("loading plugin %q: %w", name, err)
			}
		}
	}

	snap := config.NewSnapshot(cfg)
	if configPath != "" {
		watcher, err := config.WatchConfigFile(configPath, snap, logger)
		if err != nil {
			startupLog.Warn("config hot-reload watcher not started", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	sessionLimits := func() sessionmgr.Limits {
		hot := snap.Current()
		return sessionmgr.Limits{
			MaxSessions:           hot.MaxSessions,
			MaxSessionsPerUser:    hot.MaxSessionsPerUser,
			MaxConcurrentRequests: hot.MaxConcurrentRequests,
			MemoryLimitMB:         hot.MemoryLimitMB,
			IdleSessionTimeout:    time.Duration(hot.IdleSessionTimeoutSec) * time.Second,
			TTL:                   cfg.TTL(),
		}
	}

	buildOptions := func(userID, cwd, resumeToken string) agentclient.AgentOptions {
		return agentclient.AgentOptions{
			SystemPrompt:   cfg.AgentDefaults.SystemPrompt,
			PermissionMode: string(cfg.AgentDefaults.PermissionMode),
			AllowedTools:   cfg.AgentDefaults.AllowedTools,
			Model:          cfg.AgentDefaults.Model,
			MaxTurns:       cfg.AgentDefaults.MaxTurns,
			MCPServers:     mcpServerStrings(cfg.AgentDefaults.MCPServers),
			SettingSources: cfg.AgentDefaults.SettingSources,
			Plugins:        cfg.AgentDefaults.Plugins,
			ResumeToken:    resumeToken,
		}
	}

	newClient := func(opts agentclient.AgentOptions, cwd string) *agentclient.Client {
		return agentclient.NewClient(agentclient.ClientConfig{
			Command: cfg.ClaudeCommand,
			WorkDir: cwd,
			Env: map[string]string{
				"ANTHROPIC_API_KEY":    cfg.AnthropicAPIKey,
				"ANTHROPIC_BASE_URL":   cfg.AnthropicBaseURL,
				"ANTHROPIC_AUTH_TOKEN": cfg.AnthropicAuthToken,
				"ANTHROPIC_MODEL":      cfg.AnthropicModel,
			},
			Options: opts,
			Logger:  logger,
		})
	}

	reg := metrics.New()

	// Admission-time pressure recovery: evict live clients in ascending
	// last_used order until fleet RSS is back under memory_limit_mb.
	var mgr *sessionmgr.Manager
	recoverPressure := func(ctx context.Context) error {
		limit := snap.Current().MemoryLimitMB
		if limit <= 0 {
			return nil
		}
		mgr.EvictAscendingByLastUsed(ctx, func() bool { return mgr.TotalRSS() <= limit })
		return nil
	}
	mgr = sessionmgr.New(st, cfg.BaseDir, cfg.AutoCreateDir, sessionLimits, buildOptions, newClient, recoverPressure, logger)
	if pluginHost != nil {
		mgr.SetPluginHost(pluginHost)
	}

	mt := maintainer.New(st, mgr, func() maintainer.Limits {
		hot := snap.Current()
		return maintainer.Limits{
			TTL:                cfg.TTL(),
			IdleSessionTimeout: time.Duration(hot.IdleSessionTimeoutSec) * time.Second,
			MemoryLimitMB:      hot.MemoryLimitMB,
		}
	}, maintainer.WithMetrics(reg), maintainer.WithLogger(logger))
	if err := mt.Start(); err != nil {
		return fmt.Errorf("starting background maintainer: %w", err)
	}

	srv := httpapi.NewServer(mgr,
		httpapi.WithLogger(logger),
		httpapi.WithVersion(version),
		httpapi.WithStorageKind(string(cfg.Storage)),
		httpapi.WithMetrics(reg),
		httpapi.WithMetricsHandler(reg.Handler()),
	)

	rateLimiter := auth.NewRateLimiter(auth.RateLimitConfigFromEnv())
	handler := httpapi.Wrap(srv.Handler(),
		httpapi.CorrelationMiddleware,
		auth.Middleware(cfg.APIKey, cfg.APIKey == "", []string{"/healthz", "/metrics"}, rateLimiter),
		// Session-scoped limiting sits behind auth so it keys on the
		// path's {id}, not the client IP: one chatty session can't
		// starve the others behind the same NAT, and a single caller
		// can't dodge the per-session limit by rotating IPs.
		rateLimiter.Middleware(auth.SessionKeyFunc),
	)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	go func() {
		startupLog.Info("broker listening", "addr", cfg.ListenAddr, "storage", cfg.Storage)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	startupLog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	mt.Shutdown(shutdownCtx)
	return httpSrv.Shutdown(shutdownCtx)
}

// buildSecretResolver chains an env resolver with a Vault resolver when
// Vault connection details are present in the environment, so
// "env(...)" and "vault(...)" credential refs can both appear in one
// config file without the caller pre-selecting a scheme.
func buildSecretResolver() secrets.Resolver {
	resolvers := []secrets.Resolver{secrets.NewEnvResolver()}
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		resolvers = append(resolvers, secrets.NewVaultResolver(addr, os.Getenv("VAULT_TOKEN")))
	}
	return config.ChainResolver{Resolvers: resolvers}
}

// mcpServerStrings collapses the config's structured MCP server
// descriptors to the single connection string the subprocess's own
// wire protocol expects per server: the command line for stdio
// transports, the endpoint URL for SSE ones.
func mcpServerStrings(servers map[string]config.MCPServerConfig) map[string]string {
	if len(servers) == 0 {
		return nil
	}
	out := make(map[string]string, len(servers))
	for name, server := range servers {
		switch server.Transport {
		case "sse":
			out[name] = server.URL
		default:
			out[name] = server.Command
		}
	}
	return out
}
