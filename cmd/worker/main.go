package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"audit-orchestrator/internal/config"
	"audit-orchestrator/internal/queue"
	"audit-orchestrator/internal/store"
	"audit-orchestrator/internal/telemetry"
	"audit-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "audit-worker")

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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	// The real pipeline collaborators (LLM calls, crawler, scoring) live in
	// separate services; this binary ships the simulated set.
	sim := &worker.SimulatedPipeline{Delay: 50 * time.Millisecond}
	engine := worker.NewEngine(cfg, q, st, sim.Pipeline(), nil, workerID, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error("metrics server stopped", "err", err)
		}
	}()

	log.Info("worker started", "worker_id", workerID, "visibility", cfg.VisibilityTimeout, "heartbeat", cfg.HeartbeatInterval)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped", "err", err)
	}
}
