// Package main is the entry point for fleetd.
// The single binary runs the whole coordination kernel with shared
// infrastructure and exposes HTTP and WebSocket endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/assignment"
	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/common/tracing"
	"github.com/agentfleet/agentfleet/internal/coordination"
	"github.com/agentfleet/agentfleet/internal/events"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/file"
	httpgw "github.com/agentfleet/agentfleet/internal/gateway/http"
	wsgw "github.com/agentfleet/agentfleet/internal/gateway/websocket"
	"github.com/agentfleet/agentfleet/internal/health"
	"github.com/agentfleet/agentfleet/internal/messaging"
	"github.com/agentfleet/agentfleet/internal/realtime"
	"github.com/agentfleet/agentfleet/internal/task"
	"github.com/agentfleet/agentfleet/internal/workflow"
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

	log.Info("Starting fleetd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (no-op provider unless enabled)
	if cfg.Tracing.Enabled {
		tracing.Init(cfg.Tracing.Endpoint)
		log.Info("Tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	// 5. Initialize event bus (in-memory by default, NATS if configured)
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
		eventBus = bus.NewMemoryEventBus(log)
	}

	ids := ident.New()
	clk := clock.New()

	// 6. Message bus, mirroring every kernel event onto the event bus
	messageBus := messaging.NewBus(cfg.Message, cfg.Coordination.AgentTimeoutDuration(), ids, clk, log)
	messageBus.SetMirror(events.NewMirror(eventBus, log))

	// 7. File store backing the file manager
	workspaceRoot := os.Getenv("FLEETD_WORKSPACE")
	if workspaceRoot == "" {
		workspaceRoot = "./workspace"
	}
	store, err := file.NewLocalStore(workspaceRoot, log)
	if err != nil {
		log.Fatal("Failed to initialize file store", zap.Error(err), zap.String("root", workspaceRoot))
	}
	log.Info("File store initialized", zap.String("root", workspaceRoot))

	// 8. Kernel components
	tasks := task.NewManager(cfg.Task, ids, clk, messageBus, log)
	files := file.NewManager(cfg.File, store, ids, clk, messageBus, log)
	engine := assignment.NewEngine(cfg.Assignment, ids, clk, log)
	manager := coordination.NewManager(cfg.Coordination, ids, clk, tasks, files, engine, nil, messageBus, log)

	// 9. Health monitor probes agents through the coordination manager
	// and drives recovery back through it.
	monitor := health.NewMonitor(cfg.Health, ids, clk, manager, manager, messageBus, log)
	manager.SetHealthRegistry(monitor)

	// 10. Workflow orchestrator dispatches agent steps via the manager
	orchestrator := workflow.NewOrchestrator(cfg.Workflow, ids, clk, manager, manager, log)

	// 11. Realtime sync broadcasts state changes and watches heartbeats
	syncer := realtime.NewSyncer(cfg.Sync, ids, clk, messageBus, manager, log)
	manager.SetSyncNotifier(syncer)

	// 12. WebSocket gateway fans sync envelopes out to connected clients
	hub := wsgw.NewHub(syncer, log)
	syncer.AddSink(hub.Broadcast)
	wsHandler := wsgw.NewHandler(hub, syncer, ids, log)

	// 13. Start everything
	if err := messageBus.Start(ctx); err != nil {
		log.Fatal("Failed to start message bus", zap.Error(err))
	}
	if err := files.Start(ctx); err != nil {
		log.Fatal("Failed to start file manager", zap.Error(err))
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start assignment engine", zap.Error(err))
	}
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start coordination manager", zap.Error(err))
	}
	if err := syncer.Start(ctx); err != nil {
		log.Fatal("Failed to start realtime sync", zap.Error(err))
	}
	go hub.Run(ctx)

	// 14. HTTP gateway
	handlers := httpgw.NewHandlers(manager, tasks, engine, monitor, orchestrator, messageBus, log)
	server := httpgw.NewServer(cfg.Server, handlers, wsHandler.HandleConnection, log)
	go func() {
		if err := server.Run(); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/healthz"),
	)

	// 15. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fleetd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	orchestrator.Wait()
	syncer.Stop()
	monitor.Shutdown()
	manager.Stop()
	engine.Stop()
	files.Stop()
	messageBus.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("fleetd stopped")
}
