package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tanodlink/crimeledger/internal/config"
	"github.com/tanodlink/crimeledger/internal/fingerprint"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/ledger/fabric"
	"github.com/tanodlink/crimeledger/internal/probe"
	"github.com/tanodlink/crimeledger/internal/reconcile"
	"github.com/tanodlink/crimeledger/internal/reports/handler"
	"github.com/tanodlink/crimeledger/internal/reports/repository"
	"github.com/tanodlink/crimeledger/internal/reports/service"
)

// storeTimeout bounds each store call made on behalf of one intake.
const storeTimeout = 10 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load("server")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	repo := repository.NewReportRepository(pool)

	// ── Fingerprint ───────────────────────────────────────────────────────────
	fp, err := fingerprint.New(fingerprint.Scheme(cfg.Fingerprint.Scheme))
	if err != nil {
		return err
	}
	otherScheme := fingerprint.SchemeLegacy
	if fp.Scheme() == fingerprint.SchemeLegacy {
		otherScheme = fingerprint.SchemeV1
	}
	fallback, _ := fingerprint.New(otherScheme)

	// ── Ledger ────────────────────────────────────────────────────────────────
	var (
		connector ledger.Connector
		chain     ledger.Chain
	)
	switch cfg.Ledger.Backend {
	case "fabric":
		fc, err := fabric.NewConnector(fabric.Config{
			ConnectionProfile:   cfg.Ledger.Fabric.ConnectionProfile,
			WalletPath:          cfg.Ledger.Fabric.WalletPath,
			Identity:            cfg.Ledger.Fabric.Identity,
			Peer:                cfg.Ledger.Fabric.Peer,
			AsLocalhost:         cfg.Ledger.Fabric.AsLocalhost,
			Channel:             cfg.Ledger.Channel,
			EvaluateTimeout:     cfg.Ledger.EvaluateTimeout,
			EndorseTimeout:      cfg.Ledger.EndorseTimeout,
			SubmitTimeout:       cfg.Ledger.SubmitTimeout,
			CommitStatusTimeout: cfg.Ledger.CommitTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("fabric gateway: %w", err)
		}
		defer fc.Close() //nolint:errcheck
		connector = fc
	case "postgres":
		chain = ledger.NewPostgresChain(pool, logger)
		connector = ledger.NewEmulator(chain, cfg.Ledger.Contract)
	default:
		chain = ledger.NewMemoryChain()
		connector = ledger.NewEmulator(chain, cfg.Ledger.Contract)
		logger.Warn("using in-memory ledger; anchors are lost on restart")
	}
	logger.Info("ledger backend ready",
		zap.String("backend", cfg.Ledger.Backend),
		zap.String("channel", cfg.Ledger.Channel),
		zap.String("contract", cfg.Ledger.Contract),
	)

	client := ledger.NewClient(connector, ledger.Config{
		ConnectTimeout:  cfg.Ledger.ConnectTimeout,
		EvaluateTimeout: cfg.Ledger.EvaluateTimeout,
		SubmitTimeout:   cfg.Ledger.SubmitTimeout,
		MaxAttempts:     cfg.Ledger.MaxAttempts,
		RetryBackoff:    cfg.Ledger.RetryBackoff,
	}, logger)
	client.SetObserver(handler.RecordLedgerCall)

	contract := ledger.NewContract(client, cfg.Ledger.Contract, logger)
	switch cfg.Ledger.Cache.Backend {
	case "redis":
		rdb := ledger.NewRedisClient(cfg.Ledger.Cache.RedisAddr, cfg.Ledger.Cache.RedisPassword, cfg.Ledger.Cache.RedisDB)
		defer rdb.Close() //nolint:errcheck
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable; ledger reads will bypass the cache", zap.Error(err))
		}
		contract.SetCache(ledger.NewRedisCache(rdb, cfg.Ledger.Cache.TTL))
	case "memory":
		mc := ledger.NewMemoryCache(cfg.Ledger.Cache.TTL)
		contract.SetCache(mc)
		go evictLoop(ctx, mc, logger)
	}

	// ── Services ──────────────────────────────────────────────────────────────
	intakeSvc := service.NewIntakeService(repo, contract, fp, logger)
	intakeSvc.SetStoreTimeout(storeTimeout)
	intakeSvc.SetObserver(handler.RecordIntake)

	verifySvc := service.NewVerifyService(repo, contract, fp, logger)
	verifySvc.AcceptSchemes(fallback)
	verifySvc.SetObserver(handler.RecordVerification)

	querySvc := service.NewQueryService(repo, contract, logger)

	// ── Background: anchor reconciliation ─────────────────────────────────────
	if cfg.Reconcile.Enabled {
		rec := reconcile.New(repo, intakeSvc, reconcile.Config{
			Interval:         cfg.Reconcile.Interval,
			BatchSize:        cfg.Reconcile.BatchSize,
			Concurrency:      cfg.Reconcile.Concurrency,
			MaxAttempts:      cfg.Reconcile.MaxAttempts,
			SubmitsPerSecond: cfg.Reconcile.SubmitsPerSecond,
		}, logger)
		rec.SetMetricsRecord(handler.RecordReconcile)
		rec.SetPendingGauge(handler.SetAnchorPending)
		go rec.Start(ctx)
		logger.Info("anchor reconciler started", zap.Duration("interval", cfg.Reconcile.Interval))
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	if port := cfg.Server.GRPCHealthPort; port > 0 {
		prober := probe.New(cfg.Server.ProbeInterval, logger)
		prober.Add("crimeledger.store", repo)
		prober.Add("crimeledger.ledger", client)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("gRPC health listen on :%d: %w", port, err)
		}
		grpcSrv := prober.NewServer()
		go prober.Start(ctx)
		go func() {
			logger.Info("gRPC health listening", zap.Int("port", port))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC health serve error", zap.Error(err))
			}
		}()
		defer grpcSrv.GracefulStop()
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(cfg.Server.BodyLimitBytes))
	if cfg.Server.RateLimitRPS > 0 {
		router.Use(handler.RateLimiter(ctx, cfg.Server.RateLimitRPS, max(1, int(cfg.Server.RateLimitRPS)*2)))
	}
	router.Use(handler.RequestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	handler.NewHealthHandler(repo, logger).Register(router)
	router.GET("/metrics", handler.MetricsHandler())

	root := router.Group("")
	handler.NewReportHandler(intakeSvc, querySvc, verifySvc, logger).Register(root)
	if chain != nil {
		handler.NewLedgerHandler(chain, logger).Register(root)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.RequestTimeout,
		WriteTimeout:      writeTimeout(cfg, storeTimeout),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("crimeledger listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http listen: %w", err)
	}
	logger.Info("shutting down crimeledger...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("crimeledger stopped")
	return nil
}

// writeTimeout is the HTTP write deadline. It must outlast the slowest intake
// so the caller always receives the anchor_pending result instead of a dropped
// connection: insert, one bounded submit, one bounded read of a rejected
// anchor, the anchor-state update, plus the request budget itself.
func writeTimeout(cfg *config.Config, store time.Duration) time.Duration {
	return cfg.Server.RequestTimeout +
		2*store +
		cfg.Ledger.SubmitTimeout +
		cfg.Ledger.EvaluateTimeout
}

// evictLoop drops expired ledger cache entries every minute until ctx ends.
func evictLoop(ctx context.Context, cache *ledger.MemoryCache, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := cache.Evict(); n > 0 {
				logger.Debug("ledger cache evicted", zap.Int("entries", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
