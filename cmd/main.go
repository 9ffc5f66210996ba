package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/listenup-audio/backend/internal/clients/redis"
	"github.com/listenup-audio/backend/internal/db"
	"github.com/listenup-audio/backend/internal/handlers"
	"github.com/listenup-audio/backend/internal/manifest"
	"github.com/listenup-audio/backend/internal/observability"
	"github.com/listenup-audio/backend/internal/pkg/logger"
	"github.com/listenup-audio/backend/internal/repos"
	"github.com/listenup-audio/backend/internal/server"
	"github.com/listenup-audio/backend/internal/services"
	"github.com/listenup-audio/backend/internal/utils"
)

const serviceName = "listenup-orchestrator"

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: serviceName,
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})

	// Env
	log.Info("Loading environment variables from main...")
	port := utils.GetEnv("PORT", "8080", log)
	manifestDir := utils.GetEnv("MANIFEST_DIR", "manifests", log)
	statusWorkers := utils.GetEnvAsInt("STATUS_CONSUMER_WORKERS", 4, log)
	sweepIntervalSec := utils.GetEnvAsInt("SWEEP_INTERVAL_SECONDS", 30, log)
	timeoutCeilingSec := utils.GetEnvAsInt("STEP_TIMEOUT_CEILING_SECONDS", 1800, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Redis
	bus, err := redis.NewBus(log)
	if err != nil {
		log.Error("Redis bus init failed", "error", err)
		os.Exit(1)
	}
	defer bus.Close()
	cacheIndex, err := redis.NewIndex(log)
	if err != nil {
		log.Error("Redis cache index init failed", "error", err)
		os.Exit(1)
	}
	defer cacheIndex.Close()

	// Manifests
	manifests := manifest.WithBuiltins()
	if err := manifests.LoadDir(manifestDir); err != nil {
		log.Error("Manifest load failed", "dir", manifestDir, "error", err)
		os.Exit(1)
	}

	// Repos
	log.Info("Setting up Repos from main...")
	jobRepo := repos.NewJobRepo(thePG, log)

	// Services
	log.Info("Setting up Services from main...")
	orchCfg := services.DefaultOrchestratorConfig()
	orchCfg.GlobalTimeoutCeiling = time.Duration(timeoutCeilingSec) * time.Second
	orchestrator := services.NewOrchestratorService(thePG, log, jobRepo, bus, cacheIndex, manifests, orchCfg)
	hydrator := services.NewHydrator(log, jobRepo, manifests, orchCfg)

	consumerCfg := services.DefaultStatusConsumerConfig()
	consumerCfg.Workers = statusWorkers
	consumer := services.NewStatusConsumer(log, bus, orchestrator, consumerCfg)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Status consumer stopped", "error", err)
		}
	}()

	sweeper := services.NewSweeper(log, jobRepo, manifests, orchestrator, orchCfg, services.SweeperConfig{
		Interval: time.Duration(sweepIntervalSec) * time.Second,
	})
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Timeout sweeper stopped", "error", err)
		}
	}()

	// Handlers
	log.Info("Setting up handlers from main...")
	jobsHandler := handlers.NewJobsHandler(orchestrator, hydrator)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ServiceName: serviceName,
		JobsHandler: jobsHandler,
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown incomplete", "error", err)
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("Trace provider shutdown incomplete", "error", err)
		}
	}
}
