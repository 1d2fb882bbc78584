package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/pkg/buildinfo"
	"github.com/otherjamesbrown/trackable/pkg/db"
	"github.com/otherjamesbrown/trackable/pkg/jobs"
	"github.com/otherjamesbrown/trackable/pkg/logging"
)

// Worker command flags.
var (
	workerCount       int
	workerBatchSize   int
	workerMetricsAddr string
	workerMaintenance time.Duration
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run tracking jobs from the Redis queue",
		Long: `Run a pool of workers draining the Redis job queue.

Child status propagation and dispatched merges and unmerges are queued by
trackctl and by applications sharing the database when dispatch.mode is redis.
Failed jobs are retried with backoff and dead-lettered when retries run out.

The worker also returns expired leases to the queue, reports queue depth, and
serves /metrics, /healthz and /version on the metrics address when metrics are
enabled.

Examples:
  trackctl worker
  trackctl worker --count 8 --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), deps)
		},
	}

	cmd.Flags().IntVar(&workerCount, "count", 0, "Number of workers (default dispatch.workers)")
	cmd.Flags().IntVar(&workerBatchSize, "batch-size", 0, "Jobs claimed per poll")
	cmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "Serve metrics on this address")
	cmd.Flags().DurationVar(&workerMaintenance, "maintenance-interval", 15*time.Second, "How often to recover stale jobs and report queue depth")

	return cmd
}

func runWorker(ctx context.Context, deps *Deps) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Dispatch.Mode != config.DispatchRedis {
		return fmt.Errorf("worker requires dispatch.mode redis, got %q", cfg.Dispatch.Mode)
	}
	if workerMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = workerMetricsAddr
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := deps.OpenRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	log := rt.Logger.With(logging.F("component", "trackctl_worker"), logging.F("queue", rt.Queue.Name()))

	wc := jobs.DefaultWorkerConfig()
	wc.Count = cfg.Dispatch.Workers
	if workerCount > 0 {
		wc.Count = workerCount
	}
	if workerBatchSize > 0 {
		wc.BatchSize = workerBatchSize
	}
	if cfg.Dispatch.PollInterval > 0 {
		wc.PollInterval = cfg.Dispatch.PollInterval
	}
	wc.Retry = cfg.RetryPolicy()

	pool := jobs.NewPool(wc, rt.Queue, rt.Handlers, rt.Logger)
	pool.Start(ctx)
	log.Info("Worker pool started", logging.F("workers", wc.Count), logging.F("version", buildinfo.String()))

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = newMetricsServer(cfg.Metrics.ListenAddr, rt)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", logging.Err(err))
			}
		}()
		log.Info("Serving metrics", logging.F("addr", cfg.Metrics.ListenAddr))
	}

	ticker := time.NewTicker(workerMaintenance)
	defer ticker.Stop()
	maintain(ctx, rt, log)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			maintain(ctx, rt, log)
		}
	}

	log.Info("Shutting down worker pool")
	pool.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	stats := pool.Stats()
	log.Info("Worker pool stopped", logging.F("processed", stats.Processed), logging.F("failed", stats.Failed))
	return nil
}

// maintain recovers expired leases and records the queue depth.
func maintain(ctx context.Context, rt *Runtime, log logging.Logger) {
	if n, err := rt.Queue.RecoverStale(ctx); err != nil {
		log.Warn("Failed to recover stale jobs", logging.Err(err))
	} else if n > 0 {
		log.Info("Recovered stale jobs", logging.F("count", n))
	}
	depth, err := rt.Queue.Depth(ctx)
	if err != nil {
		log.Warn("Failed to read queue depth", logging.Err(err))
		return
	}
	rt.Metrics.SetQueueDepth(rt.Queue.Name(), depth)
}

func newMetricsServer(addr string, rt *Runtime) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/version", buildinfo.Handler("trackctl-worker"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := db.Check(r.Context(), rt.Pool)
		if !status.Healthy {
			http.Error(w, status.String(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, status.String())
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
