package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/splax/saturn/internal/app/store"
	httpx "github.com/splax/saturn/internal/http"
	"github.com/splax/saturn/internal/service/auth"
	"github.com/splax/saturn/internal/service/deploy"
	"github.com/splax/saturn/internal/service/executor"
	"github.com/splax/saturn/internal/service/logs"
	"github.com/splax/saturn/internal/service/reconcile"
	"github.com/splax/saturn/internal/service/resolve"
	"github.com/splax/saturn/internal/service/webhook"
	"github.com/splax/saturn/internal/ws"
	"github.com/splax/saturn/pkg/config"
	"github.com/splax/saturn/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "optional config file (yaml, toml or json)")
	flag.Parse()

	if *configFile != "" {
		if err := config.LoadFile(*configFile); err != nil {
			slog.Error("failed to read config file", "path", *configFile, "error", err)
			os.Exit(1)
		}
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to open queue store", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	backend, closeBackend, err := newBackend(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure execution backend", "backend", cfg.ExecutionBackend, "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logHub := ws.NewHub()
	defer logHub.Close()

	authSvc := auth.New(repo, log, auth.Config{JWTSecret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL})
	logSvc := logs.New(repo, logHub, log)
	deploySvc := deploy.New(repo, repo, resolve.New(repo, log), backend, logSvc, deploy.NewMetrics(registry), log, deploy.Config{
		ServerConcurrentBuilds: cfg.ServerConcurrentBuilds,
		DefaultPageSize:        cfg.DefaultPageSize,
		MaxPageSize:            cfg.MaxPageSize,
	})
	webhookSvc := webhook.New(repo, repo, deploySvc, log, cfg.EncryptionKey)

	reconciler := reconcile.New(repo, deploySvc, log, cfg.QueueReconcileInterval, cfg.DeploymentTimeout)
	go reconciler.Run(ctx)

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

	router := httpx.NewRouter(httpx.Deps{
		Logger:       log,
		Auth:         authSvc,
		Deploy:       deploySvc,
		Logs:         logSvc,
		Webhook:      webhookSvc,
		Limiter:      limiter,
		BuilderToken: cfg.BuilderAuthToken,
		DBHealth:     repo.Ping,
		Registry:     registry,
		WSBuffer:     cfg.LogBuffer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "driver", cfg.DatabaseDriver, "backend", cfg.ExecutionBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func newBackend(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (executor.Backend, func(), error) {
	switch cfg.ExecutionBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		backend, err := executor.NewRedisBackend(client, cfg.WorkerStreams, cfg.StopChannel)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return backend, func() { _ = client.Close() }, nil
	case config.BackendBuilder, "":
		return executor.NewBuilderBackend(cfg.BuilderURL, cfg.BuilderAuthToken, cfg.BuilderTimeout, log), func() {}, nil
	default:
		return nil, nil, errors.New("unknown execution backend " + cfg.ExecutionBackend)
	}
}
