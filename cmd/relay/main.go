package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/internal/core/services"
	"boardnet/internal/infrastructure/distributed"
	"boardnet/internal/infrastructure/middleware"
	"boardnet/internal/infrastructure/monitoring"
	"boardnet/internal/infrastructure/relay"
	repositories "boardnet/internal/infrastructure/repositories"
	"boardnet/pkg/config"
	"boardnet/pkg/logger"
	"boardnet/pkg/tracing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// roomAuthorizer lets a user sync a room they may read.
type roomAuthorizer struct {
	rooms ports.RoomService
}

func (a roomAuthorizer) AuthorizeRoom(ctx context.Context, user domain.UserID, room domain.RoomID) error {
	_, err := a.rooms.GetRoom(ctx, user, room)
	return err
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config.yaml")
	instanceID := pflag.String("instance-id", "", "relay instance id (random when empty)")
	pflag.Parse()

	cfg, _, err := config.LoadFirst(*configPath, "configs/config.yaml", "config.yaml")
	if err != nil {
		panic(err)
	}

	zapLogger := logger.Must(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *instanceID == "" {
		*instanceID = uuid.NewString()
	}
	log = log.With("instance_id", *instanceID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Monitoring.TracingEnabled,
		ServiceName: "boardnet-relay",
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
	defer repoFactory.Close()

	roomRepo := services.NewCachedRoomRepository(repoFactory.CreateRoomRepository(), cfg.Storage.CacheTTL)
	defer roomRepo.Close()
	rooms := services.NewRoomService(roomRepo, repoFactory.CreateElementRepository(), log)
	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	collector := monitoring.NewPrometheusCollector()

	opts := []relay.Option{
		relay.WithTokenValidator(auth),
		relay.WithAuthorizer(roomAuthorizer{rooms: rooms}),
		relay.WithMetrics(collector),
	}
	if limiter := middleware.NewConnectionLimiter(cfg); limiter != nil {
		opts = append(opts, relay.WithConnectionLimiter(limiter))
	}

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		snapshots, err := relay.NewRedisSnapshotStore(client, cfg.Relay.SnapshotTTL)
		if err != nil {
			log.Fatalw("failed to create snapshot store", "error", err)
		}
		defer snapshots.Close()
		bus = distributed.NewEventBus(client, *instanceID, log)
		presence := distributed.NewPresenceRegistry(client, *instanceID, cfg.Relay.PresenceTTL, log)
		opts = append(opts, relay.WithSnapshots(snapshots), relay.WithPublisher(bus), relay.WithPresence(presence))
	} else {
		log.Info("redis disabled, running a single relay with in-memory snapshots")
		opts = append(opts, relay.WithSnapshots(relay.NewMemorySnapshotStore()))
	}

	server := relay.NewServer(relay.Config{
		PingInterval:      cfg.Relay.PingInterval,
		PongTimeout:       cfg.Relay.PongTimeout,
		WriteTimeout:      cfg.Relay.WriteTimeout,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		SnapshotInterval:  cfg.Relay.SnapshotInterval,
		RequireToken:      cfg.Relay.RequireToken,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
		MessagesPerSecond: messagesPerSecond(cfg),
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
	}, *instanceID, log, opts...)

	go server.Run(ctx)
	if bus != nil {
		go func() {
			if err := bus.Run(ctx, server.HandleBusUpdate); err != nil && ctx.Err() == nil {
				log.Errorw("event bus stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Relay.Path, server.HandleWebSocket)
	mux.HandleFunc("/health", server.HealthCheck)
	mux.HandleFunc("/presence", server.HandlePresence)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{Addr: cfg.Relay.Address, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting boardnet relay", "address", cfg.Relay.Address, "path", cfg.Relay.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatalw("relay failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server, so the
	// relay closes them itself and writes the final snapshots.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down relay", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("boardnet relay stopped")
}

func messagesPerSecond(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}
