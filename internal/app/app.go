// Package app wires every gateway component together and runs the HTTP
// server until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/corvane/keyrelay/internal/config"
	"github.com/corvane/keyrelay/internal/configstore"
	"github.com/corvane/keyrelay/internal/httpserver"
	"github.com/corvane/keyrelay/internal/outcomestore"
	"github.com/corvane/keyrelay/internal/platform"
	"github.com/corvane/keyrelay/internal/telemetry"
	"github.com/corvane/keyrelay/pkg/breaker"
	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/forwarder"
	"github.com/corvane/keyrelay/pkg/pipeline"
	"github.com/corvane/keyrelay/pkg/provider"
	"github.com/corvane/keyrelay/pkg/ratelimit"
	"github.com/corvane/keyrelay/pkg/session"
	"github.com/corvane/keyrelay/pkg/translate"
	"github.com/corvane/keyrelay/pkg/usagesink"
)

// Run reads config, connects to infrastructure, wires the nine gateway
// components, and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting keyrelay", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisTLSRejectUnauthorized)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// --- Config store + cache (component A) ---
	cfgStore := configstore.New(db)
	cache := configcache.New(cfgStore, cfg.ConfigCacheTTL, logger)
	go cache.Subscribe(ctx, rdb)

	// --- Outcome store + usage sink (component I) ---
	outStore := outcomestore.New(db)
	sink := usagesink.New(outStore, logger, cfg.UsageSinkBufferSize, cfg.UsageSinkFlushBatch, cfg.UsageSinkFlushPeriod)
	sink.Start(ctx)
	defer sink.Close()

	// --- Rate limit service (component B) — total spend backed by the outcome store ---
	limiter := ratelimit.New(rdb, outStore, logger)

	// --- Session manager (component C) ---
	sessionMgr := session.New(rdb, cfg.SessionTTL)

	// --- Circuit breaker (component D) ---
	cb := breaker.New(rdb)

	// --- Provider resolver (component E) ---
	resolver := provider.New(cache, cb, limiter)

	// --- Format translator (component F) ---
	translator := translate.NewRegistry()

	// --- Forwarder (component G) ---
	poolCfg := forwarder.DefaultPoolConfig()
	pool := forwarder.NewPool(poolCfg)
	fwd := forwarder.New(pool)

	// --- Proxy pipeline (component H) ---
	handler := pipeline.NewHandler(pipeline.Deps{
		Cache:                      cache,
		Limiter:                    limiter,
		Sessions:                   sessionMgr,
		Breaker:                    cb,
		Resolver:                   resolver,
		Translate:                  translator,
		Forwarder:                  fwd,
		Sink:                       sink,
		Logger:                     logger,
		EnableRateLimit:            cfg.EnableRateLimit,
		StoreSessionMessages:       cfg.StoreSessionMessages,
		BreakerCountsNetworkErrors: cfg.EnableCircuitBreakerOnNetworkErrors,
	})

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)
	srv.V1Router.Mount("/", handler.RoutesV1())
	srv.Router.Mount("/v1beta", handler.RoutesV1Beta())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
