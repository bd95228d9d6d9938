// Package main is the entry point for jarvisd, the session orchestrator
// daemon. It owns the PTYs the Claude CLI runs in, tails the CLI's
// transcript logs, and exposes a WebSocket gateway for UI clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/config"
	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/common/tracing"
	"github.com/jarvisd/jarvisd/internal/correlate"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	gateway "github.com/jarvisd/jarvisd/internal/gateway/websocket"
	"github.com/jarvisd/jarvisd/internal/jarvis"
	"github.com/jarvisd/jarvisd/internal/logwatch"
	"github.com/jarvisd/jarvisd/internal/registry"
	"github.com/jarvisd/jarvisd/internal/scheduler"
	"github.com/jarvisd/jarvisd/internal/store"
	"github.com/jarvisd/jarvisd/internal/terminal"
	ws "github.com/jarvisd/jarvisd/pkg/websocket"
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

	log.Info("Starting jarvisd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		memBus := bus.NewMemoryEventBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	// 4. Open the session store
	if err := os.MkdirAll(cfg.Claude.StateDir, 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err),
			zap.String("dir", cfg.Claude.StateDir))
	}
	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err),
			zap.String("path", cfg.Store.Path))
	}
	defer st.Close()
	log.Info("Session store ready", zap.String("path", cfg.Store.Path))

	mapping := store.NewExecutionMapping(cfg.Claude.MappingPath())

	// 5. Terminal manager and prompt scheduler
	terminals := terminal.NewManager(log)
	sched := scheduler.New(terminals, log)

	// 6. Session registry and jarvis state machine
	reg := registry.New(st, terminals, mapping, eventBus, log)
	controller := jarvis.New(reg, terminals, sched, mapping, eventBus, cfg.Jarvis, log)
	if err := controller.Start(); err != nil {
		log.Fatal("Failed to start jarvis controller", zap.Error(err))
	}

	// 7. Correlator links transcript streams to sessions
	correlator := correlate.New(st, mapping, eventBus, log)
	if err := correlator.Start(); err != nil {
		log.Fatal("Failed to start correlator", zap.Error(err))
	}

	// 8. Transcript log watcher
	watcher := logwatch.NewWatcher(cfg.Claude.ProjectsRoot, eventBus, log)
	if err := watcher.Start(ctx); err != nil {
		log.Fatal("Failed to start log watcher", zap.Error(err),
			zap.String("root", cfg.Claude.ProjectsRoot))
	}
	log.Info("Watching transcript logs", zap.String("root", cfg.Claude.ProjectsRoot))

	// 9. WebSocket gateway
	hub := gateway.NewHub(ws.NewDispatcher(), log)
	gateway.RegisterHealthHandler(hub.GetDispatcher())
	terminalHandler := gateway.NewTerminalHandler(terminals, sched, hub, log)
	terminals.SetExitHandler(terminalHandler.HandleExit)
	gateway.NewSessionHandler(reg, controller, terminals, hub, log)
	gateway.RegisterNotifications(ctx, eventBus, hub, log)

	go hub.Run(ctx)

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	wsHandler := gateway.NewHandler(hub, log)
	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "jarvisd",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Gateway listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down jarvisd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	watcher.Stop()
	correlator.Stop()
	controller.Stop()
	sched.Stop()
	terminals.StopAll()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("jarvisd stopped")
}

// corsMiddleware allows local UI processes to call the HTTP endpoints.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
