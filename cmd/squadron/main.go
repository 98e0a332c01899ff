// Package main runs the Squadron orchestrator: webhook intake, the event
// router, the agent manager, and the reconciliation loop, all in one binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/agent"
	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/httpmw"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/db"
	"github.com/nbaertsch/squadron-sub002/internal/events"
	"github.com/nbaertsch/squadron-sub002/internal/github"
	"github.com/nbaertsch/squadron-sub002/internal/reconcile"
	"github.com/nbaertsch/squadron-sub002/internal/recovery"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
	"github.com/nbaertsch/squadron-sub002/internal/router"
	"github.com/nbaertsch/squadron-sub002/internal/session"
	"github.com/nbaertsch/squadron-sub002/internal/tracing"
	"github.com/nbaertsch/squadron-sub002/internal/webhook"
	"github.com/nbaertsch/squadron-sub002/internal/worktree"
)

func main() {
	configPath := flag.String("config", "", "path to squadron.yaml (default: search standard locations)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
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

	log.Info("Starting Squadron...",
		zap.String("repo", cfg.Project.FullName()))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory by default, NATS when configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Registry (single sqlite writer, pooled readers)
	writer, err := db.OpenSQLite(cfg.Data.RegistryPath())
	if err != nil {
		log.Fatal("Failed to open registry database", zap.Error(err))
	}
	defer writer.Close()

	reader, err := db.OpenSQLiteReader(cfg.Data.RegistryPath())
	if err != nil {
		log.Fatal("Failed to open registry reader", zap.Error(err))
	}
	defer reader.Close()

	store, err := registry.NewStore(writer, reader, log)
	if err != nil {
		log.Fatal("Failed to initialize registry", zap.Error(err))
	}
	log.Info("Registry initialized", zap.String("path", cfg.Data.RegistryPath()))

	// 6. GitHub client
	gh, err := github.NewRESTClient(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize GitHub client", zap.Error(err))
	}

	// 7. Worktree manager over the local clone
	worktrees, err := worktree.NewManager(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}
	if live, err := store.ListNonTerminal(ctx); err != nil {
		log.Warn("Listing agents for worktree cleanup failed", zap.Error(err))
	} else {
		liveIDs := make([]string, 0, len(live))
		for _, a := range live {
			liveIDs = append(liveIDs, a.ID)
		}
		if err := worktrees.CleanOrphans(ctx, liveIDs); err != nil {
			log.Warn("Orphan worktree cleanup failed", zap.Error(err))
		}
	}

	// 8. Session supervisor and agent manager
	sessions := session.NewSupervisor(cfg, log)
	manager := agent.NewManager(cfg, store, eventBus, gh, sessions, worktrees, log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start agent manager", zap.Error(err))
	}
	defer manager.Stop()

	// 9. Recovery, before any events flow
	recoverer := recovery.NewRecoverer(cfg, store, gh, log)
	if err := recoverer.Run(ctx); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}
	log.Info("Startup recovery complete")

	// 10. Webhook intake and router
	receiver := webhook.NewReceiver(cfg, log)
	rt := router.New(cfg, store, eventBus, gh, receiver.Queue(), log)
	rt.Start(ctx)
	defer rt.Stop()

	// 11. Reconciliation loop
	reconciler := reconcile.NewReconciler(cfg, store, gh, manager, log)
	if err := reconciler.Start(); err != nil {
		log.Fatal("Failed to start reconciler", zap.Error(err))
	}
	defer reconciler.Stop()

	// 12. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(httpmw.RequestLogger(log, "squadron"))
	ginRouter.Use(httpmw.OtelTracing("squadron"))

	receiver.Register(ginRouter)

	ginRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "squadron",
		})
	})

	ginRouter.GET("/status", func(c *gin.Context) {
		agents, err := store.ListAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		counts := make(map[string]int)
		for _, a := range agents {
			counts[string(a.Status)]++
		}
		c.JSON(http.StatusOK, gin.H{
			"repo":   cfg.Project.FullName(),
			"agents": agents,
			"counts": counts,
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Webhook server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Squadron...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Squadron stopped")
}
