package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/woodkill00/gatekeep/pkg/api"
	"github.com/woodkill00/gatekeep/pkg/audit"
	"github.com/woodkill00/gatekeep/pkg/auth"
	"github.com/woodkill00/gatekeep/pkg/config"
	"github.com/woodkill00/gatekeep/pkg/observability"
	"github.com/woodkill00/gatekeep/pkg/ratelimit"
	"github.com/woodkill00/gatekeep/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(observability.ParseLogLevel(cfg.LogLevel), os.Stdout)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	ctx := context.Background()

	conn, err := store.NewConnectionManager(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("connecting to postgres")
		os.Exit(1)
	}
	st := store.New(conn.DB())
	if err := st.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Error("ensuring database schema")
		os.Exit(1)
	}

	redisClient, err := store.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("connecting to redis")
		os.Exit(1)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	recorder := audit.NewRecorder(conn.DB())
	svc := auth.NewService(st, recorder, cfg, metrics)
	limiter := ratelimit.NewLimiter(redisClient, cfg)

	providers := make(map[string]auth.IdentityProvider)
	if cfg.OAuthGoogleClientID != "" {
		google, err := auth.NewGoogleProvider(ctx, cfg)
		if err != nil {
			logger.WithError(err).Error("configuring google sign-in")
			os.Exit(1)
		}
		providers[google.Name()] = google
	}

	apiServer := api.NewServer(svc, limiter, providers, cfg, logger, metrics)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      apiServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Operational endpoints live on their own listener so they are
	// never exposed alongside the public API.
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", metrics.Handler())
	opsMux.HandleFunc("/healthz", observability.HealthHandler(map[string]observability.HealthChecker{
		"postgres": conn,
		"redis":    store.RedisHealth{Client: redisClient},
	}))
	opsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: opsMux}

	go func() {
		logger.WithField("addr", cfg.MetricsAddr).Info("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("ops server failed")
		}
	}()

	// Pool gauges refresh in the background.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateDBStats(conn.Stats())
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, 30*time.Second)
	shutdown.RegisterShutdownFunc(opsServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(context.Context) error { return redisClient.Close() })
	shutdown.RegisterShutdownFunc(func(context.Context) error { return conn.Close() })

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":        cfg.ListenAddr,
			"environment": cfg.Environment,
		}).Info("gatekeep listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		os.Exit(1)
	}
}
