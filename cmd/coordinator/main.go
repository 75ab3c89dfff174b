// Package main is the entry point for the Coordinator service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/activity"
	"github.com/s9nkit/devops-agent/internal/autocommit"
	"github.com/s9nkit/devops-agent/internal/commands"
	"github.com/s9nkit/devops-agent/internal/common/config"
	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/coordinator"
	"github.com/s9nkit/devops-agent/internal/coordinator/api"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	ws "github.com/s9nkit/devops-agent/internal/gateway/websocket"
	"github.com/s9nkit/devops-agent/internal/gitexec"
	"github.com/s9nkit/devops-agent/internal/instance"
	"github.com/s9nkit/devops-agent/internal/listener"
	"github.com/s9nkit/devops-agent/internal/locks"
	"github.com/s9nkit/devops-agent/internal/rebase"
	"github.com/s9nkit/devops-agent/internal/recovery"
	"github.com/s9nkit/devops-agent/internal/registry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Coordinator service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL keeps everything
	// in-process, which is the common single-machine deployment.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBusSize(log, cfg.Coordination.QueueSize)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the instance store
	store, err := instance.NewStore(cfg.Store.Path)
	if err != nil {
		log.Fatal("Failed to open instance store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Instance store ready", zap.String("path", cfg.Store.Path))

	// 6. Initialize components
	git := gitexec.New(gitexec.Config{
		Timeout:     cfg.Coordination.GitTimeoutDuration(),
		SlowTimeout: cfg.Coordination.GitSlowTimeoutDuration(),
	}, log)
	reg := registry.New(eventBus, cfg.Coordination.HeartbeatTTLDuration(), log)
	lockMgr := locks.NewManager(eventBus, cfg.Coordination.LockTTLDuration(), log)
	recorder := activity.NewRecorder(eventBus, activity.Config{
		MaxSizeMB:  cfg.Coordination.ActivityMaxSizeMB,
		MaxBackups: cfg.Coordination.ActivityMaxBackups,
	}, log)
	cmdWriter := commands.NewWriter(log)
	autoCommit := autocommit.NewManager(git, lockMgr, recorder, reg, eventBus, autocommit.Config{
		CommitInterval: cfg.Coordination.CommitIntervalDuration(),
		MinInterval:    time.Duration(cfg.Coordination.CommitIntervalMin) * time.Second,
		MaxInterval:    time.Duration(cfg.Coordination.CommitIntervalMax) * time.Second,
	}, log)
	rebaseMgr := rebase.NewManager(git, autoCommit, eventBus, rebase.Config{
		PollInterval: cfg.Coordination.RebasePollDuration(),
	}, log)
	scanner := recovery.NewScanner(store, eventBus, log)

	// 7. Start the state-directory listener over the configured repos
	stateListener, err := listener.New(reg, listener.Config{
		SweepInterval: cfg.Coordination.LivenessSweepDuration(),
	}, log)
	if err != nil {
		log.Fatal("Failed to create state listener", zap.Error(err))
	}
	stateListener.OnLocksChanged = lockMgr.Reload
	for _, repo := range cfg.Repos.Roots {
		if err := stateListener.AddRepo(ctx, repo); err != nil {
			log.Error("Failed to watch repository",
				zap.String("repo_path", repo), zap.Error(err))
		}
	}
	stateListener.Start(ctx)
	log.Info("State listener started", zap.Int("repos", len(cfg.Repos.Roots)))

	// 8. Report orphaned sessions left behind by a previous run
	if orphans := scanner.ScanOnStartup(ctx, cfg.Repos.Roots); len(orphans) > 0 {
		log.Warn("Orphaned sessions found", zap.Int("count", len(orphans)))
	}

	// 9. Sweep expired locks in the background
	go func() {
		ticker := time.NewTicker(cfg.Coordination.LockSweepDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, repo := range cfg.Repos.Roots {
					lockMgr.CleanupExpired(ctx, repo)
				}
			}
		}
	}()

	// 10. Create coordinator service
	service := coordinator.NewService(reg, lockMgr, recorder, cmdWriter,
		autoCommit, rebaseMgr, store, scanner, git, log)

	// Bind freshly reported sessions to their waiting instances.
	adoptSub, err := eventBus.Subscribe(events.SessionReported, func(ctx context.Context, e *bus.Event) error {
		if report, ok := e.Data.(registry.SessionReport); ok {
			service.AdoptSession(ctx, report.SessionID)
			return nil
		}
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		var report registry.SessionReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return err
		}
		service.AdoptSession(ctx, report.SessionID)
		return nil
	})
	if err != nil {
		log.Fatal("Failed to subscribe to session reports", zap.Error(err))
	}

	// 11. Create WebSocket hub and forward the event stream to it
	wsHub := ws.NewHub(log)
	go wsHub.Run(ctx)
	forwarder, err := ws.NewForwarder(eventBus, wsHub)
	if err != nil {
		log.Fatal("Failed to attach event forwarder", zap.Error(err))
	}

	// 12. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log))
	router.Use(api.Recovery(log))
	router.Use(api.CORS())

	// 13. Register API and WebSocket routes
	v1 := router.Group("/api/v1/coordinator")
	api.SetupRoutes(v1, service, log)
	ws.SetupWebSocketRoutes(v1, wsHub, log)

	// 14. Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 15. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 16. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 17. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Coordinator service...")

	// 18. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := forwarder.Stop(); err != nil {
		log.Error("Event forwarder stop error", zap.Error(err))
	}
	if err := adoptSub.Unsubscribe(); err != nil {
		log.Error("Session report unsubscribe error", zap.Error(err))
	}
	service.Shutdown(shutdownCtx)
	stateListener.Stop()

	log.Info("Coordinator service stopped")
}
