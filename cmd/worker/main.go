package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/config"
	"github.com/OFFIS-RIT/kiwi/curator/internal/queue"
	"github.com/OFFIS-RIT/kiwi/curator/internal/server"
	"github.com/OFFIS-RIT/kiwi/curator/internal/telemetry"
	"github.com/OFFIS-RIT/kiwi/curator/internal/util"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/checkpoint"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/conflict"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/pipeline"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/writer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	util.LoadEnv()

	cfg, err := config.Load()
	initLogger(cfg)
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("Worker stopped", "err", err)
	}
	logger.Info("Worker stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Params{
		ServiceName: "curator-worker",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    util.GetEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Headers:     telemetry.ParseHeaders(util.GetEnv("OTEL_EXPORTER_OTLP_HEADERS")),
		SampleRatio: util.GetEnvNumeric("OTEL_SAMPLER_RATIO", 1),
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	graphStore, pool, err := openGraphStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer graphStore.Close()

	aiClient, err := newAIClient(cfg)
	if err != nil {
		return err
	}

	conn, err := queue.Init(queue.URLFromEnv())
	if err != nil {
		return err
	}
	defer conn.Close()

	setupCh, err := conn.Channel()
	if err != nil {
		return err
	}
	defer setupCh.Close()
	if err := queue.SetupQueues(setupCh, []string{cfg.Ingest.QueueName}, 0); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	emitter, closeSinks, err := newEmitter(cfg, reg, setupCh)
	if err != nil {
		return err
	}
	defer closeSinks()

	checkpoints, releaseCheckpoints, err := openCheckpoints(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer releaseCheckpoints()
	defer func() { _ = checkpoints.Close() }()

	curator := pipeline.New(pipeline.Params{
		Extractor: graph.NewExtractor(graph.NewExtractorParams{
			Client:              aiClient,
			Store:               graphStore,
			CallTimeout:         cfg.Extraction.CallTimeout,
			StageRetries:        cfg.Extraction.StageRetries,
			ParallelRequests:    cfg.Extraction.ParallelRequests,
			SimilarityThreshold: cfg.Extraction.SimilarityThreshold,
			SimilarityLimit:     cfg.Extraction.SimilarityLimit,
		}),
		Resolver: conflict.NewDefaultResolver(conflict.NewResolverParams{
			Client:      aiClient,
			CallTimeout: cfg.Extraction.CallTimeout,
			Retries:     cfg.Extraction.StageRetries,
		}),
		Writer: writer.New(writer.Params{
			Store:      graphStore,
			Namespace:  cfg.Namespace,
			MaxRetries: cfg.Writer.MaxRetries,
			RetryBase:  cfg.Writer.RetryBase,
			RetryMax:   cfg.Writer.RetryMax,
		}),
		Emitter: emitter,
		AI:      aiClient,

		BatchSize:            cfg.Ingest.BatchSize,
		FlushInterval:        cfg.Ingest.FlushInterval,
		MaxAttempts:          cfg.Ingest.MaxAttempts,
		MaxConcurrentBatches: cfg.Ingest.MaxConcurrentBatches,
		ExtractionTimeout:    cfg.Extraction.Timeout,

		MinConfidence:         cfg.Validation.MinConfidence,
		AllowedPredicates:     cfg.Validation.AllowedPredicates,
		MultiValuedPredicates: cfg.Conflict.MultiValuedPredicates,
		MaxConflictAttempts:   cfg.Conflict.MaxAttempts,
	})

	snap, ok, err := checkpoints.Load(ctx)
	switch {
	case err != nil:
		logger.Error("Failed to load checkpoint, starting empty", "err", err)
	case ok:
		if err := curator.Restore(snap); err != nil {
			return err
		}
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		return err
	}
	defer consumeCh.Close()
	consumer, err := queue.NewConsumer(queue.ConsumerParams{
		Channel: consumeCh,
		Queue:   cfg.Ingest.QueueName,
		Target:  curator,
	})
	if err != nil {
		return err
	}

	admin := server.NewAdmin(server.AdminParams{
		Status: func() any {
			return struct {
				pipeline.Status
				DroppedEvents uint64 `json:"dropped_events"`
				Breaker       string `json:"breaker,omitempty"`
			}{
				Status:        curator.Status(),
				DroppedEvents: emitter.Dropped(),
				Breaker:       breakerState(aiClient),
			}
		},
		Gatherer: reg,
		Graph:    graphStore,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, admin, ":"+cfg.MetricsPort) })
	g.Go(func() error {
		saveCheckpoints(gctx, checkpoints, curator, cfg.Checkpoint.Interval)
		return nil
	})

	logger.Info("Listening for consolidated states", "queue", cfg.Ingest.QueueName)
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Worker component failed", "err", runErr)
	}

	logger.Info("Shutdown signal received, draining curator")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Extraction.Timeout+30*time.Second)
	defer cancel()
	final := curator.Shutdown(sctx)
	saveFinal(checkpoints, setupCh, cfg.Ingest.QueueName, final)
	emitter.Close()

	if ctx.Err() == nil {
		return runErr
	}
	return nil
}

func saveCheckpoints(ctx context.Context, store checkpoint.Store, curator *pipeline.Curator, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := curator.Snapshot()
			if err := store.Save(ctx, snap); err != nil {
				logger.Warn("Failed to save checkpoint", "err", err)
				continue
			}
			logger.Debug("Saved checkpoint", "pending", len(snap.Pending))
		}
	}
}

// saveFinal stores the last snapshot. Without a usable checkpoint the pending
// states go back to the broker so they are not lost with the process.
func saveFinal(store checkpoint.Store, pub queue.Publisher, queueName string, final checkpoint.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, disabled := store.(checkpoint.Nop)
	if !disabled {
		err := store.Save(ctx, final)
		if err == nil {
			logger.Info("Saved final checkpoint", "pending", len(final.Pending), "deferred_conflicts", len(final.DeferredConflicts))
			return
		}
		logger.Error("Failed to save final checkpoint", "err", err, "pending", len(final.Pending))
	}

	if len(final.DeferredConflicts) > 0 {
		logger.Warn("Dropping deferred conflicts without a checkpoint", "count", len(final.DeferredConflicts))
	}
	n, err := queue.Republish(ctx, pub, queueName, final.Pending)
	if err != nil {
		logger.Error("Failed to republish pending states", "err", err, "republished", n, "pending", len(final.Pending))
		return
	}
	if n > 0 {
		logger.Info("Republished pending states", "count", n)
	}
}

func breakerState(client any) string {
	if b, ok := client.(interface{ State() string }); ok {
		return b.State()
	}
	return ""
}
