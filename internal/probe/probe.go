// Package probe serves the standard gRPC health protocol for orchestrators
// that probe over gRPC. Each registered dependency is polled on an interval
// and reported as its own health service; the empty service name is SERVING
// only while every dependency is.
package probe

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober polls registered dependencies and publishes their status.
type Prober struct {
	health   *health.Server
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	checks map[string]Pinger
}

// New creates a Prober. interval defaults to 15s.
func New(interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		health:   health.NewServer(),
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		checks:   make(map[string]Pinger),
	}
}

// Add registers a dependency under a gRPC health service name, for example
// "crimeledger.store". It starts out NOT_SERVING until the first check.
func (p *Prober) Add(service string, dep Pinger) {
	p.mu.Lock()
	p.checks[service] = dep
	p.mu.Unlock()
	p.health.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Register mounts the health and reflection services on srv.
func (p *Prober) Register(srv *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(srv, p.health)
	reflection.Register(srv)
}

// NewServer returns a gRPC server with the health service and a logging
// interceptor installed.
func (p *Prober) NewServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(p.logger)))
	p.Register(srv)
	return srv
}

// Start checks immediately and then on every interval until ctx is cancelled.
// On return every service is marked NOT_SERVING.
func (p *Prober) Start(ctx context.Context) {
	p.CheckOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.health.Shutdown()
			return
		case <-ticker.C:
			p.CheckOnce(ctx)
		}
	}
}

// CheckOnce pings every dependency and updates the published statuses. It
// returns the names of the failing services, sorted.
func (p *Prober) CheckOnce(ctx context.Context) []string {
	p.mu.Lock()
	checks := make(map[string]Pinger, len(p.checks))
	for k, v := range p.checks {
		checks[k] = v
	}
	p.mu.Unlock()

	var failing []string
	for name, dep := range checks {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := dep.Ping(cctx)
		cancel()

		st := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			failing = append(failing, name)
			p.logger.Warn("dependency unhealthy", zap.String("service", name), zap.Error(err))
		}
		p.health.SetServingStatus(name, st)
	}

	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if len(failing) > 0 {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	p.health.SetServingStatus("", overall)

	sort.Strings(failing)
	return failing
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
