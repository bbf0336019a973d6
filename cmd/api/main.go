package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"audit-orchestrator/internal/api"
	"audit-orchestrator/internal/config"
	"audit-orchestrator/internal/detector"
	"audit-orchestrator/internal/queue"
	"audit-orchestrator/internal/ratelimit"
	"audit-orchestrator/internal/recovery"
	"audit-orchestrator/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "audit-api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "err", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)
	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	recov := recovery.New(st, q, log, cfg.DeleteGrace, cfg.DefaultProviders)
	stuck := detector.NewStuckDetector(st, cfg.StuckThreshold)
	loops := detector.NewLoopDetector(st, cfg.ReprocessWindow)

	sched := detector.NewScheduler(stuck, loops, cfg.DetectorInterval, log)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("detector scheduler stopped", "err", err)
		}
	}()

	server := api.New(cfg, st, q, recov, stuck, loops, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
