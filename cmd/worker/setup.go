package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/config"
	"github.com/OFFIS-RIT/kiwi/curator/internal/queue"
	"github.com/OFFIS-RIT/kiwi/curator/internal/storage"
	"github.com/OFFIS-RIT/kiwi/curator/internal/util"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
	oai "github.com/OFFIS-RIT/kiwi/curator/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/curator/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/checkpoint"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/events"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger/console"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger/zaplog"
	pgstore "github.com/OFFIS-RIT/kiwi/curator/pkg/store/pgx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
)

func initLogger(cfg config.Config) {
	if cfg.LogFormat == "json" {
		zl, err := zaplog.NewZapLogger(zaplog.ZapLoggerParams{Debug: cfg.Debug})
		if err == nil {
			logger.Init(zl)
			return
		}
		fmt.Println("zap logger unavailable, falling back to console:", err)
	}
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		Prefix: "worker",
		Format: cfg.LogFormat,
	}))
}

func newAIClient(cfg config.Config) (ai.GraphAIClient, error) {
	var client ai.GraphAIClient
	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		c, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			Dimensions:      util.GetEnvInt("AI_EMBED_DIM", 0),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(cfg.Extraction.ParallelRequests),
			Timeout:               cfg.Extraction.CallTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		client = c
	default:
		client = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			Dimensions:      util.GetEnvInt("AI_EMBED_DIM", 0),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(cfg.Extraction.ParallelRequests),
			Timeout:               cfg.Extraction.CallTimeout,
		})
	}

	if util.GetEnvBool("AI_BREAKER", true) {
		client = ai.NewBreakerClient(client, ai.DefaultBreakerSettings("model"))
	}
	return client, nil
}

func openGraphStore(ctx context.Context, cfg config.Config) (*pgstore.GraphDBStorage, *pgxpool.Pool, error) {
	if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return pgstore.NewGraphDBStorageWithConnection(pool, pgstore.WithLockTimeout(cfg.Writer.LockTimeout)), pool, nil
}

// openCheckpoints opens the configured checkpoint store and claims it. A
// worker that cannot take the lease runs without checkpoints so two replicas
// never restore the same snapshot. The returned release is always non-nil.
func openCheckpoints(ctx context.Context, cfg config.Config, db leaselock.DB) (checkpoint.Store, func(), error) {
	nop := func() {}
	if cfg.Checkpoint.Backend == "" || cfg.Checkpoint.Backend == "none" {
		return checkpoint.Nop{}, nop, nil
	}

	lease, err := leaselock.New(db).Acquire(ctx, "checkpoint:"+cfg.Checkpoint.Backend+":"+cfg.Checkpoint.Key, leaselock.Options{
		TTL:         time.Minute,
		TokenPrefix: "worker-",
	})
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Warn("Checkpoint is owned by another worker, running without checkpoints", "key", cfg.Checkpoint.Key)
		return checkpoint.Nop{}, nop, nil
	}
	if err != nil {
		return nil, nop, fmt.Errorf("claim checkpoint: %w", err)
	}
	release := func() {
		if err := lease.Release(context.Background()); err != nil {
			logger.Warn("Failed to release checkpoint lease", "err", err)
		}
	}

	s, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		release()
		return nil, nop, err
	}
	return checkpoint.Leased(s, lease), release, nil
}

func openCheckpointStore(ctx context.Context, cfg config.Config) (checkpoint.Store, error) {
	p := checkpoint.OpenParams{
		Backend: cfg.Checkpoint.Backend,
		Dir:     cfg.Checkpoint.Dir,
		Key:     cfg.Checkpoint.Key,
		Bucket:  cfg.Checkpoint.Bucket,
	}
	if p.Backend == "s3" {
		client, err := storage.NewS3Client(ctx)
		if err != nil {
			return nil, err
		}
		p.S3 = client
	}
	return checkpoint.Open(p)
}

// newEmitter wires every configured sink. The returned cleanup closes the
// redis client.
func newEmitter(cfg config.Config, reg prometheus.Registerer, ch *amqp091.Channel) (*events.Emitter, func(), error) {
	sinks := []events.Sink{events.LogSink{}}

	prom, err := events.NewPrometheusSink("curator", reg)
	if err != nil {
		return nil, nil, err
	}
	sinks = append(sinks, prom)

	if ch != nil {
		sinks = append(sinks, queue.NewTopicSink(ch, cfg.Events.Topic))
	}

	cleanup := func() {}
	if cfg.Events.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Events.RedisAddr})
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.Events.RedisChannel))
		cleanup = func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close redis client", "err", err)
			}
		}
	}

	return events.NewEmitter(cfg.Events.Buffer, sinks...), cleanup, nil
}
