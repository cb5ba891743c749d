package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/cache"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/handlers"
	"messaging-service/internal/health"
	"messaging-service/internal/identity"
	"messaging-service/internal/logging"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/pubsub"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/store"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/typing"
	"messaging-service/internal/ws"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("messaging service stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until shutdown.
func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.IdentitySecret == "" {
		return errors.New("IDENTITY_SECRET is required")
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}
	defer database.Close()

	presenceCache := openCache(ctx, cfg.RedisURL, logger)
	defer presenceCache.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.messaging", cfg.ServiceName, cfg.Environment)

	bus := pubsub.NewWatermillBridge()
	defer bus.Close()

	st := store.New(repositories.NewConversationRepo(database), repositories.NewMessageRepo(database), bus, store.Options{
		MaxBodyLength: cfg.MaxBodyLength,
		Logger:        logger.With("component", "store"),
	})

	tracker := presence.NewTracker(bus,
		presence.WithTimeout(cfg.PresenceTimeout),
		presence.WithCache(presenceCache),
		presence.WithLogger(logger.With("component", "presence")),
	)
	if err := tracker.Start(); err != nil {
		return fmt.Errorf("start presence tracker: %w", err)
	}
	defer tracker.Close()

	typingCoordinator := typing.New(bus, typing.WithExpiry(cfg.TypingExpiry))
	defer typingCoordinator.Close()

	notifier := notify.NewBroadcaster(bus, publisher)
	defer notifier.Close()

	validator := identity.NewTokenValidator(cfg.IdentitySecret, nil)
	checker := health.NewChecker(database, health.DefaultInterval)
	go checker.Run(ctx)

	hub := ws.NewHub()
	sessions := ws.NewSessionHandler(hub, validator, func(id identity.Identity) ws.Session {
		sessionCfg := messaging.DefaultConfig(id.Participant(), id.DisplayName)
		sessionCfg.MutationTimeout = cfg.MutationTimeout
		sessionCfg.DurableTimeout = cfg.DurableTimeout
		sessionCfg.UndoWindow = cfg.UndoWindow
		sessionCfg.HeartbeatInterval = cfg.HeartbeatInterval
		sessionCfg.MaxBodyLength = cfg.MaxBodyLength
		return messaging.NewSession(messaging.Deps{
			Store:         st,
			Presence:      tracker,
			Typing:        typingCoordinator,
			Notifier:      notifier,
			Notifications: bus,
		}, sessionCfg)
	})

	conversationHandler := handlers.NewConversationHandler(st, notifier, tracker, audit)

	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", checker.HTTPHandler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := middleware.AuthMiddleware(validator)
	conversationHandler.Register(router, authMiddleware)
	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)
	router.GET("/ws", sessions.Handle)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	grpcServer := health.NewGRPCServer(checker)

	go func() {
		logger.Info("http server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Error("failed to listen for grpc", "error", err)
			stop()
			return
		}
		logger.Info("grpc health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	return nil
}

// openCache prefers Redis and falls back to process memory.
func openCache(ctx context.Context, url string, logger *slog.Logger) cache.Cache {
	if url == "" {
		logger.Info("presence cache in memory", "reason", "empty redis url")
		return cache.NewMemory()
	}
	redisCache, err := cache.NewRedis(ctx, url)
	if err != nil {
		logger.Warn("presence cache in memory", "reason", err)
		return cache.NewMemory()
	}
	return redisCache
}
