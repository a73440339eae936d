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

	grpcclient "github.com/EternisAI/silo-fleet/internal/grpc/client"
	"github.com/EternisAI/silo-fleet/internal/logging"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/EternisAI/silo-fleet/internal/usage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var AppVersion string

func main() {
	if len(os.Args) > 1 && os.Args[1] == "enroll" {
		logging.Init(logging.Config{Level: logging.LevelInfo})
		if err := runEnroll(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	InitConfig()

	slog.Info("Silo Fleet Agent", "version", AppVersion, "client_id", config.Fleet.ClientID)

	if config.Fleet.ClientID == "" && config.Fleet.EnrollmentToken == "" {
		slog.Error("Agent has neither a client_id nor an enrollment_token")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	grpcClient := grpcclient.NewClient(config.Fleet, configPath)
	collector := usage.NewCollector(config.Usage.DiskPath)
	registerCommands(grpcClient, collector)

	if err := grpcClient.Start(); err != nil {
		slog.Error("Failed to start fleet client", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if config.Usage.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.Report(ctx, config.Usage.Interval, func(u messages.ResourceUsage) error {
				_, err := grpcClient.SendJSON(messages.TypeResourceUsage, u)
				return err
			})
		}()
	}

	var server *http.Server
	if config.Http.Port > 0 {
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		engine.Use(cors.New(cors.Config{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET"},
			MaxAge:       12 * time.Hour,
		}))
		engine.Use(gin.Recovery())
		engine.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, grpcClient.Stats())
		})

		server = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.Http.Port),
			Handler: engine,
		}
		go func() {
			slog.Info("Starting status server", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Status server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	slog.Info("Shutting down agent...")
	cancel()

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Status server shutdown error", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcClient.Stop(); err != nil {
			slog.Error("Fleet client stop error", "error", err)
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
