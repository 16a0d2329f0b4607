package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boardnet/internal/core/ports"
	"boardnet/internal/core/services"
	httphandlers "boardnet/internal/handlers/http"
	"boardnet/internal/infrastructure/assistant"
	boardbackup "boardnet/internal/infrastructure/backup"
	"boardnet/internal/infrastructure/monitoring"
	repositories "boardnet/internal/infrastructure/repositories"
	"boardnet/pkg/backup"
	"boardnet/pkg/config"
	"boardnet/pkg/logger"
	"boardnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to config.yaml")
		restore    = pflag.String("restore", "", `restore the room store from a backup archive ("latest" for the newest) before serving`)
		overwrite  = pflag.Bool("restore-overwrite", false, "let --restore replace rooms that already exist")
	)
	pflag.Parse()

	cfg, loadedFrom, err := config.LoadFirst(*configPath, "configs/config.yaml", "config.yaml")
	if err != nil {
		panic(err)
	}

	zapLogger := logger.Must(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("loaded config", "path", loadedFrom)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Monitoring.TracingEnabled,
		ServiceName: "boardnet-api",
		JaegerURL:   cfg.Monitoring.JaegerEndpoint,
		Environment: os.Getenv("BOARDNET_ENV"),
		SampleRate:  cfg.Monitoring.SamplingRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	roomRepo := services.NewCachedRoomRepository(repoFactory.CreateRoomRepository(), cfg.Storage.CacheTTL)
	defer roomRepo.Close()
	elementRepo := repoFactory.CreateElementRepository()

	if *restore != "" || cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			log.Fatalw("failed to open backup directory", "error", err)
		}
		archive := boardbackup.NewArchive(storage)

		if *restore != "" {
			res, err := boardbackup.NewRestoreService(archive, roomRepo, elementRepo, log).
				Restore(ctx, *restore, boardbackup.RestoreOptions{OverwriteExisting: *overwrite})
			if err != nil {
				log.Fatalw("restore failed", "backup_name", *restore, "error", err)
			}
			log.Infow("restored room store", "backup_name", res.Archive, "restored", res.Restored, "skipped", res.Skipped)
		}
		if cfg.Backup.Enabled {
			scheduler := boardbackup.NewScheduler(archive, roomRepo, elementRepo, boardbackup.Config{
				Interval: cfg.Backup.Interval,
				Retain:   cfg.Backup.Retain,
			}, log)
			go scheduler.Run(ctx)
		}
	}

	collector := monitoring.NewPrometheusCollector()

	rooms := services.NewRoomService(roomRepo, elementRepo, log)
	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	var model ports.AssistantModel
	if cfg.Assistant.Enabled {
		model = assistant.NewGemini(&http.Client{}, assistant.Config{
			Endpoint:         cfg.Assistant.Endpoint,
			APIKey:           cfg.Assistant.APIKey,
			Model:            cfg.Assistant.Model,
			Timeout:          cfg.Assistant.Timeout,
			MaxAttempts:      cfg.Assistant.MaxAttempts,
			BreakerThreshold: cfg.Assistant.BreakerThreshold,
			BreakerCooldown:  cfg.Assistant.BreakerCooldown,
		}, log)
		log.Infow("assistant enabled", "model", cfg.Assistant.Model)
	} else {
		log.Info("assistant disabled, no API key configured")
	}

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck("rooms", repoFactory.CreateRoomRepository(), 2*time.Second)
	health.AddStoreCheck("elements", elementRepo, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(cfg, httphandlers.RouterDeps{
		Auth:      auth,
		Rooms:     rooms,
		Assistant: services.NewAssistantService(model, log, collector),
		Metrics:   collector,
		Health:    health,
	}, log)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting boardnet API", "address", cfg.Server.Address, "storage", repoFactory.Driver())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("boardnet API stopped")
}
