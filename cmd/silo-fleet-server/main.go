package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agents"
	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/broadcasts"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
	"github.com/EternisAI/silo-fleet/internal/provisioning"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var AppVersion string

const (
	shutdownTimeout = 10 * time.Second
	sinkBuffer      = 1024
)

func main() {
	InitConfig()

	if len(os.Args) > 1 && os.Args[1] == "issue-agent-cert" {
		if err := runIssueAgentCert(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	slog.Info("Silo Fleet Server", "version", AppVersion, "server_id", config.Fleet.ServerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}

	var (
		tokenRepo    provisioning.Repository
		agentRepo    agents.Repository
		settingsRepo fleet.SettingsRepository
		activityRepo events.ActivityRepository
	)
	if config.DB.Enabled() {
		database, err := db.Open(ctx, config.DB)
		if err != nil {
			slog.Error("Failed to open database", "error", err)
			os.Exit(1)
		}
		defer database.Close()

		if err := db.RunMigrations(ctx, database); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		sqlStore := store.New(database)
		tokenRepo, agentRepo, settingsRepo, activityRepo = sqlStore, sqlStore, sqlStore, sqlStore
	} else {
		slog.Warn("No database configured, fleet state is kept in memory only")
	}

	tokens := provisioning.NewStore(clk, tokenRepo)
	if err := tokens.Load(ctx); err != nil {
		slog.Error("Failed to load enrollment tokens", "error", err)
		os.Exit(1)
	}

	registry, err := agents.NewRegistry(clk, tokens, agentRepo, agents.Options{
		Timeouts:   config.Fleet.Timeouts(),
		MaxPending: config.Fleet.MaxPending,
	})
	if err != nil {
		slog.Error("Failed to create agent registry", "error", err)
		os.Exit(1)
	}
	if err := registry.Load(ctx); err != nil {
		slog.Error("Failed to load agents", "error", err)
		os.Exit(1)
	}

	hub := events.NewHub()
	fleetServer, err := fleet.NewServer(config.Fleet, fleet.Deps{
		Clock:      clk,
		Registry:   registry,
		Tokens:     tokens,
		Broadcasts: broadcasts.NewStore(clk),
		Hub:        hub,
		Settings:   settingsRepo,
	})
	if err != nil {
		slog.Error("Failed to create fleet server", "error", err)
		os.Exit(1)
	}
	if err := fleetServer.LoadSettings(ctx); err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	registerHandlers(fleetServer)

	activity := events.NewFeed(events.DefaultFeedSize, activityRepo)
	if err := activity.Load(ctx); err != nil {
		slog.Warn("Activity feed history unavailable", "error", err)
	}

	var sinks sync.WaitGroup
	activityCh, unsubscribeActivity := hub.Subscribe(sinkBuffer)
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		defer unsubscribeActivity()
		activity.Run(ctx, activityCh)
	}()
	startSinks(ctx, hub, &sinks)

	if err := ensureServerCertificates(config.Grpc.TLS); err != nil {
		slog.Error("Failed to prepare gRPC certificates", "error", err)
		os.Exit(1)
	}
	creds, err := grpctls.ServerCredentials(config.Grpc.TLS)
	if err != nil {
		slog.Error("Failed to load gRPC TLS credentials", "error", err)
		os.Exit(1)
	}
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, fleetServer, creds)

	services := &internalhttp.Services{
		Fleet:       fleetServer,
		Connections: grpcSrv.Connections(),
		Activity:    activity,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		fleet.NewSweeper(fleetServer, config.Fleet.SweepInterval).Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()

	// Stopping the sweeper performs the final agent flush.
	cancel()
	<-sweeperDone
	sinks.Wait()
	slog.Info("Shutdown complete")
}

// startSinks forwards hub events to the configured brokers. Each sink reads
// from its own buffered subscription so a slow broker never stalls contacts.
func startSinks(ctx context.Context, hub *events.Hub, wg *sync.WaitGroup) {
	if config.Events.NATS.Enabled {
		sink, err := events.ConnectNATS(config.Events.NATS)
		if err != nil {
			slog.Error("NATS event sink disabled", "error", err)
		} else {
			ch, unsubscribe := hub.Subscribe(sinkBuffer)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sink.Close()
				defer unsubscribe()
				sink.Run(ctx, ch)
			}()
		}
	}

	if config.Events.Redis.Enabled {
		sink, err := events.ConnectRedis(ctx, config.Events.Redis)
		if err != nil {
			slog.Error("Redis event sink disabled", "error", err)
		} else {
			ch, unsubscribe := hub.Subscribe(sinkBuffer)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sink.Close()
				defer unsubscribe()
				sink.Run(ctx, ch)
			}()
		}
	}
}
