// replyloop ingress and reply pipeline server — verifies platform webhooks,
// runs the durable job queue, and drives AI reply generation and delivery.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/replyloop/replyloop/pkg/api"
	"github.com/replyloop/replyloop/pkg/audit"
	"github.com/replyloop/replyloop/pkg/breaker"
	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/credentials"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/deadletter"
	"github.com/replyloop/replyloop/pkg/delivery"
	"github.com/replyloop/replyloop/pkg/graph"
	"github.com/replyloop/replyloop/pkg/idempotency"
	"github.com/replyloop/replyloop/pkg/manychat"
	"github.com/replyloop/replyloop/pkg/metrics"
	"github.com/replyloop/replyloop/pkg/orchestrator"
	"github.com/replyloop/replyloop/pkg/pipeline"
	"github.com/replyloop/replyloop/pkg/queue"
	"github.com/replyloop/replyloop/pkg/ratelimit"
	"github.com/replyloop/replyloop/pkg/signature"
	"github.com/replyloop/replyloop/pkg/store"
	"github.com/replyloop/replyloop/pkg/tenant"
)

// cleanupInterval is how often the retention cleanup job is enqueued. The
// job itself is idempotent, so overlapping runs across replicas are fine.
const cleanupInterval = time.Hour

// resolvePodID determines the replica identifier used for job leases.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	podID := resolvePodID()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting replyloop",
		"http_port", cfg.HTTPPort,
		"pod_id", podID,
		"environment", cfg.Environment)

	m := metrics.New()

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to PostgreSQL")

	kvOpts, err := redis.ParseURL(cfg.KVURL)
	if err != nil {
		slog.Error("Invalid KV_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(kvOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing KV client", "error", err)
		}
	}()

	// One-time recovery of jobs this replica held before a crash.
	if err := queue.RequeueStartupOrphans(ctx, db, podID); err != nil {
		slog.Error("Failed to requeue startup orphans", "error", err)
		// Non-fatal — the periodic orphan scanner will catch them.
	}

	vault, err := credentials.NewVault(db, cfg.EncryptionKey)
	if err != nil {
		slog.Error("Failed to initialize credential vault", "error", err)
		os.Exit(1)
	}

	verifier := signature.NewVerifier(cfg.MetaAppSecret)
	idem := idempotency.NewStore(rdb, m.IdempotencyDegraded)
	resolver := tenant.NewResolver(db)
	settings := tenant.NewSettingsCache(db)
	auditLog := audit.New(db)

	st := store.New(db)
	windows := store.NewWindowTracker(db, cfg.Window.Duration(), cfg.Window.Grace, m.WindowFallbacks)
	locker := store.NewConversationLocker(db)

	limiter := ratelimit.New(rdb, nil, m.RateLimitAcquires)
	breakers := breaker.NewRegistry(breaker.Config{
		FailThreshold: uint32(cfg.Circuit.FailThreshold),
		Cooldown:      cfg.Circuit.Cooldown,
	}, m.BreakerState, m.BreakerTrips)

	mcClient := manychat.NewClient(cfg.ManyChat)
	graphClient := graph.NewClient(vault, limiter, "")
	bridge := delivery.New(st, windows, settings, locker, mcClient, graphClient,
		vault, limiter, breakers, m.DeliveryAttempts)
	orch := orchestrator.New(st, settings, limiter, breakers, cfg.LLM)
	slog.Info("Delivery and orchestration initialized",
		"manychat_enabled", mcClient.Enabled())

	q := queue.New(db, m.JobsEnqueued)
	pipe := pipeline.New(db, st, locker, orch, bridge, q, auditLog, cfg.Window)

	pool := queue.NewWorkerPool(podID, db, &cfg.Queue, pipe.Handlers(),
		m.QueueDepth.WithLabelValues("all"), m.JobsCompleted, m.JobLatency)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	dlq := deadletter.New(db, auditLog)

	server := api.NewServer(cfg, db, verifier, idem, resolver, settings,
		st, windows, q, pool, dlq, auditLog, m)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodic retention cleanup. uuid.Nil tenant: cleanup is system-scoped.
	cleanupStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := q.Enqueue(ctx, queue.EnqueueRequest{
					TenantID: uuid.Nil,
					Type:     queue.TypeCleanup,
					Priority: queue.PriorityLow,
					Payload:  pipeline.CleanupPayload{},
				}); err != nil {
					slog.Error("Failed to enqueue cleanup job", "error", err)
				}
			case <-cleanupStop:
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("replyloop started",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerConcurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	close(cleanupStop)

	// Stop ingress first so no new jobs arrive while workers drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.ShutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown grace exceeded — in-flight jobs will be orphan-recovered")
	}

	slog.Info("Shutdown complete")
}
