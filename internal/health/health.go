package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"messaging-service/internal/observability"
)

// ServiceName is reported next to the overall ("") status.
const ServiceName = "messaging.Messaging"

const DefaultInterval = 15 * time.Second

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Checker keeps the gRPC health status in step with the database.
type Checker struct {
	db       Pinger
	server   *grpchealth.Server
	interval time.Duration
	healthy  atomic.Bool
	logger   *slog.Logger
}

// NewChecker builds a Checker that starts out NOT_SERVING.
func NewChecker(db Pinger, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Checker{
		db:       db,
		server:   grpchealth.NewServer(),
		interval: interval,
		logger:   slog.Default().With("component", "health"),
	}
	c.set(false)
	return c
}

// Check pings the database once and publishes the result.
func (c *Checker) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := c.db.PingContext(ctx)
	if err != nil && c.healthy.Load() {
		c.logger.Warn("database ping failed", "error", err)
	}
	c.set(err == nil)
	return err == nil
}

// Run checks on every interval until ctx ends, then reports NOT_SERVING for good.
func (c *Checker) Run(ctx context.Context) {
	c.Check(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Healthy reports the last check.
func (c *Checker) Healthy() bool { return c.healthy.Load() }

// HTTPHandler serves the same status as /healthz.
func (c *Checker) HTTPHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !c.Healthy() {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (c *Checker) set(ok bool) {
	c.healthy.Store(ok)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
}

// NewGRPCServer returns a traced, metered gRPC server exposing grpc.health.v1.
func NewGRPCServer(c *Checker) *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	healthpb.RegisterHealthServer(srv, c.server)
	return srv
}
