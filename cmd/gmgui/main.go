// Package main is the entry point for the gmgui server.
// One binary runs everything: the store, the run scheduler, the agent
// supervisor, the WebSocket gateway, the HTTP facade, and (optionally) the
// embedded MCP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/supervisor"
	"github.com/gmgui/gmgui/internal/common/config"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/common/tracing"
	"github.com/gmgui/gmgui/internal/events"
	"github.com/gmgui/gmgui/internal/gateway/websocket"
	"github.com/gmgui/gmgui/internal/gateway/wshandlers"
	"github.com/gmgui/gmgui/internal/httpapi"
	"github.com/gmgui/gmgui/internal/mcpserver"
	"github.com/gmgui/gmgui/internal/persistence"
	"github.com/gmgui/gmgui/internal/scheduler"
	"github.com/gmgui/gmgui/internal/store"
	"github.com/gmgui/gmgui/pkg/rpc"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting gmgui...")

	if cfg.Tracing.Enabled {
		tracing.Init(cfg.Tracing.Endpoint)
	}

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory by default, NATS if configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Database and store
	pool, dbCleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbCleanup()

	st, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	// Conversations left streaming by a previous process are stale now.
	if err := st.ResetStaleStreaming(ctx); err != nil {
		log.Warn("Failed to reset stale streaming state", zap.Error(err))
	}

	// 6. Agent catalog and supervisor
	cat := catalog.New()
	catalogPath := cfg.AgentCatalogPath()
	if _, statErr := os.Stat(catalogPath); statErr == nil {
		if err := cat.LoadFile(catalogPath); err != nil {
			log.Fatal("Failed to load agent catalog",
				zap.String("path", catalogPath), zap.Error(err))
		}
		log.Info("Loaded agent catalog overrides", zap.String("path", catalogPath))
	}

	sup := supervisor.New(cat, log,
		supervisor.WithIdleTimeout(cfg.Agents.IdleTimeoutDuration()))
	sup.AdoptRunning(ctx)

	// 7. Run scheduler
	sched := scheduler.New(st, eventBus, cat, sup, log,
		scheduler.WithCLITimeout(cfg.Scheduler.RunTimeoutDuration()))
	st.SetLiveSet(sched)

	// 8. WebSocket gateway
	dispatcher := rpc.NewDispatcher()
	hub := websocket.NewHub(eventBus, dispatcher, log)
	if err := hub.BindBus(); err != nil {
		log.Fatal("Failed to bind event bus to gateway", zap.Error(err))
	}
	go hub.Run(ctx)

	rpcHandlers := wshandlers.New(st, sched, cat, sup, hub, eventBus, log)
	rpcHandlers.SetDefaultWorkingDir(cfg.Server.StartupCWD)
	rpcHandlers.Register(dispatcher)
	wsHandler := websocket.NewHandler(hub, log)

	// 9. HTTP server (WebSocket + REST + SSE)
	apiServer := httpapi.New(st, sched, cat, sup, eventBus, wsHandler, log)
	apiServer.SetDefaultWorkingDir(cfg.Server.StartupCWD)
	router := apiServer.Router(cfg.Server.BaseURL)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays at the configured value, zero by default:
		// SSE streams and WebSocket upgrades outlive any fixed deadline.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", addr),
			zap.String("base_url", cfg.Server.BaseURL))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Embedded MCP server (optional)
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		mcpSrv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{
			Port:   cfg.MCP.Port,
			APIURL: fmt.Sprintf("http://localhost:%d%s", cfg.Server.Port, cfg.Server.BaseURL),
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
		log.Info("MCP server ready",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	log.Info("API configured",
		zap.String("websocket", cfg.Server.BaseURL+"/sync"),
		zap.String("http", cfg.Server.BaseURL+"/api"),
		zap.String("health", cfg.Server.BaseURL+"/health"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gmgui...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error("Scheduler shutdown error", zap.Error(err))
	}
	if err := sup.StopAll(); err != nil {
		log.Error("Supervisor stop error", zap.Error(err))
	}
	if cfg.Tracing.Enabled {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
	}

	log.Info("gmgui stopped")
}
