package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"mcp-orchestrator/backend/internal/api"
	"mcp-orchestrator/backend/internal/auth"
	"mcp-orchestrator/backend/internal/config"
	"mcp-orchestrator/backend/internal/dispatch"
	"mcp-orchestrator/backend/internal/health"
	"mcp-orchestrator/backend/internal/logging"
	"mcp-orchestrator/backend/internal/mcp"
	"mcp-orchestrator/backend/internal/mcpwire"
	"mcp-orchestrator/backend/internal/reasoning"
	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/internal/router"
	"mcp-orchestrator/backend/internal/services"
	"mcp-orchestrator/backend/internal/tls"
	"mcp-orchestrator/backend/internal/vault"
	"mcp-orchestrator/backend/internal/workflow"
)

var inMemory bool

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Multi-tenant MCP orchestrator",
	Long:  "Turns chat messages into MCP tool invocations: intent extraction, tenant-aware routing, queued dispatch with retries, and an encrypted credential vault.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().BoolVar(&inMemory, "in-memory", false, "use the in-memory repository instead of Postgres (dev only)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting mcp-orchestrator", "environment", cfg.Environment)

	// Repository layer
	var repo repository.Repository
	if inMemory {
		logger.Warn("using in-memory repository; all state is lost on shutdown")
		repo = repository.NewMemoryRepository()
	} else {
		pool, err := initDatabase(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer pool.Close()
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		repo = repository.NewPostgresRepository(pool)
		logger.Info("database connected", "host", cfg.DB.Host, "name", cfg.DB.Name)
	}

	// Credential vault
	v, err := vault.New(cfg.Vault.RootSecret, repo, logger)
	if err != nil {
		return fmt.Errorf("initialize vault: %w", err)
	}

	// Tool-server pool: registry seeded from config, health kept fresh by
	// the checker loop
	registry := health.NewRegistry()
	for _, serverPool := range cfg.Servers {
		for _, addr := range serverPool.Addresses {
			registry.Register(serverPool.ServerType, addr)
		}
	}
	wireClient := mcpwire.NewClient(cfg.Dispatch.CallTimeout)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	checker := health.NewChecker(registry, wireClient, cfg.Health.Interval, cfg.Health.Timeout, logger)
	go checker.Run(runCtx)

	// Routing and dispatch
	rt := router.New(registry, v, logger)
	dispatcher := dispatch.New(dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		CallTimeout:    cfg.Dispatch.CallTimeout,
	}, rt, wireClient, repo, logger)
	dispatcher.Start(runCtx)

	// Workflow layer
	conversations := services.NewConversationService(repo)
	engine := reasoning.NewHTTPEngine(reasoning.Config{
		URL:                 cfg.Reasoning.URL,
		Model:               cfg.Reasoning.Model,
		ConfidenceThreshold: cfg.Reasoning.ConfidenceThreshold,
		Timeout:             cfg.Reasoning.Timeout,
	}, logger)
	workflows := workflow.NewManager(conversations, engine, rt, dispatcher, repo, workflow.Config{
		StepLimit:     cfg.Workflow.StepLimit,
		Deadline:      cfg.Workflow.Deadline,
		LockTimeout:   cfg.Workflow.LockTimeout,
		ContextBudget: cfg.Reasoning.ContextBudget,
	}, logger)

	// HTTP surface
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("mcp-orchestrator"))

	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(api.HandleHealth)))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	authz, err := auth.New(cfg, repo, logger)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.NewServer(workflows, conversations, v, repo).RegisterRoutes(apiGroup)

	// Operator MCP surface
	opsServer := mcp.NewServer(registry, repo)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, opsServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	// OpenAPI spec and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler()))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler()))

	addr := ":8080"
	if cfg.TLS.Enable {
		addr = ":8443"
	}
	server := &http.Server{
		Addr:        addr,
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		// Write timeout must outlive the workflow deadline or long-running
		// workflows get their responses cut off.
		WriteTimeout: cfg.Workflow.Deadline + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) && len(cfg.TLS.Hostnames) > 0 {
				if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
					logger.Error("failed to generate self-signed cert", "error", err)
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}

		// Stop the checker and drain the worker pool before exiting so
		// in-flight invocations can dead-letter cleanly.
		cancelRun()
		dispatcher.Wait()
		logger.Info("server stopped gracefully")
	}

	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
