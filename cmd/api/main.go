package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctfrange/ctfrange/internal/app/migrate"
	"github.com/ctfrange/ctfrange/internal/config"
	"github.com/ctfrange/ctfrange/internal/docker"
	httpx "github.com/ctfrange/ctfrange/internal/http"
	"github.com/ctfrange/ctfrange/internal/repository/postgres"
	"github.com/ctfrange/ctfrange/internal/service/auth"
	"github.com/ctfrange/ctfrange/internal/service/challenge"
	"github.com/ctfrange/ctfrange/internal/service/instance"
	"github.com/ctfrange/ctfrange/internal/service/ports"
	"github.com/ctfrange/ctfrange/internal/service/reaper"
	"github.com/ctfrange/ctfrange/internal/ws"
	"github.com/ctfrange/ctfrange/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(log)

	launcher := docker.NewLauncher(dockerClient, docker.LauncherConfig{
		NetworkMode:        cfg.ChallengeNet,
		MemoryBytes:        int64(cfg.ContainerMemMB) * 1024 * 1024,
		NanoCPUs:           cfg.ContainerNano,
		HealthMaxAttempts:  cfg.HealthMaxAttempts,
		HealthPollInterval: cfg.HealthPollInterval,
		StopTimeout:        cfg.StopTimeout,
		ServerHost:         cfg.ServerHost,
		ServerScheme:       cfg.ServerScheme,
	}, log)
	allocator := ports.NewAllocator(cfg.PortRangeMin, cfg.PortRangeMax, cfg.PortAttempts)

	authSvc := auth.New(repo, cfg.JWTSecret, cfg.AccessTokenTTL, log)
	challengeSvc := challenge.New(repo, repo, log)
	instanceSvc := instance.New(repo, repo, repo, launcher, allocator, hub, cfg.InstanceTTL, log)

	reaperCtl := reaper.New(instanceSvc, cfg.ReaperInterval, log)
	if reaperCtl != nil {
		go reaperCtl.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, challengeSvc, instanceSvc, hub, limiter, pool.Ping, dockerClient.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
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
