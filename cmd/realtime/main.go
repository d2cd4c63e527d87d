package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/andi/realtime/db"
	"github.com/andi/realtime/internal/app/migrate"
	"github.com/andi/realtime/internal/domain"
	httpx "github.com/andi/realtime/internal/http"
	"github.com/andi/realtime/internal/listener"
	"github.com/andi/realtime/internal/realtime"
	"github.com/andi/realtime/internal/ws"
	"github.com/andi/realtime/pkg/config"
	"github.com/andi/realtime/pkg/logger"
)

func main() {
	cfg := config.LoadRealtimeConfig()
	log := logger.New("realtime", logger.ParseLevel(cfg.LogLevel)).With("env", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The pool serves health checks, migrations and publishing. The subscription uses its own session.
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to configure database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		runner, err := migrate.New(pool, db.Migrations, db.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Warn("migrations failed, continuing without them", "error", err)
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	wsMetrics := ws.NewMetrics(promReg)

	registry := ws.NewRegistry(log, wsMetrics)
	dispatcher := ws.NewDispatcher(registry, log, wsMetrics)
	supervisor := ws.NewSupervisor(registry, cfg.HeartbeatInterval, cfg.SweepInterval, log, wsMetrics)

	source := listener.New(listener.PgxDialer(cfg.DatabaseURL), func(event domain.Event) {
		dispatcher.Dispatch(event)
	}, listener.Options{
		Channel:     cfg.NotifyChannel,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		Logger:      log,
		Metrics:     listener.NewMetrics(promReg),
	})
	publisher := listener.NewPublisher(pool, cfg.NotifyChannel)

	controller := realtime.NewController(source, registry, dispatcher, supervisor, publisher, realtime.Options{
		StartTimeout:     cfg.ListenerStartTTL,
		RecoveryInterval: cfg.RecoveryInterval,
		PollInterval:     cfg.ClientPollInterval,
		FallbackDelay:    cfg.ClientFallback,
		Logger:           log,
	})
	controller.Initialize(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Config{
		Logger:         log,
		Controller:     controller,
		Registry:       registry,
		Limiter:        limiter,
		JWTSecret:      cfg.JWTSecret,
		RequireSession: cfg.RequireSession,
		AllowedOrigins: cfg.AllowedOrigins,
		WriteTimeout:   cfg.WriteTimeout,
		DBHealth:       pool.Ping,
		Registerer:     promReg,
		Gatherer:       promReg,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Shutdown does not wait for hijacked websockets and waits forever on open SSE streams,
	// so the realtime subsystem is torn down as soon as the listener stops accepting.
	realtimeDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(realtimeDone)
		if err := controller.Shutdown(context.Background()); err != nil {
			log.Error("realtime shutdown incomplete", "error", err)
		}
	})

	errorCh := make(chan error, 1)
	go func() {
		log.Info("realtime server starting", "addr", cfg.Addr, "channel", cfg.NotifyChannel)
		errorCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	select {
	case <-realtimeDone:
	case <-shutdownCtx.Done():
		log.Warn("realtime shutdown timed out")
	}
	log.Info("realtime server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
