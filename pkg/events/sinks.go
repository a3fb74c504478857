package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

// LogSink writes every event to the process logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Handle(_ context.Context, e Event) error {
	kv := []any{"batch", e.BatchID}
	switch e.Type {
	case BatchProcessed:
		kv = append(kv, "size", e.BatchSize, "duration", e.Duration, "triples", e.TriplesExtracted)
	case KnowledgePersisted:
		kv = append(kv, "entities", e.EntityCount, "triples", e.TripleCount, "causal", e.CausalCount)
	case ConflictResolved:
		kv = append(kv, "subject", e.Subject, "predicate", e.Predicate, "winner", e.Winner,
			"losers", e.LoserAgents, "strategy", e.Strategy, "rationale", e.Rationale)
	case ExtractionError:
		kv = append(kv, "stage", e.Stage, "err", e.Error)
		logger.Warn("[Events] "+string(e.Type), kv...)
		return nil
	case BatchFailed, StatesFailed:
		kv = append(kv, "states", e.States, "err", e.Error)
		logger.Error("[Events] "+string(e.Type), kv...)
		return nil
	}
	logger.Info("[Events] "+string(e.Type), kv...)
	return nil
}

// PrometheusSink turns events into Prometheus metrics.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	batchDuration prometheus.Histogram
	batchSize     prometheus.Histogram
	extracted     prometheus.Counter
	persisted     *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	failedStates  prometheus.Counter
}

// NewPrometheusSink creates the curator metrics and registers them with reg.
func NewPrometheusSink(namespace string, reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pipeline lifecycle events by type",
		}, []string{"type"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from batch formation to the end of persistence",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_states",
			Help:      "Number of consolidated states per processed batch",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		extracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triples_extracted_total",
			Help:      "Triples produced by factual extraction",
		}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_total",
			Help:      "Rows written to the graph store by kind",
		}, []string{"kind"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Resolved conflict sets by strategy",
		}, []string{"strategy"}),
		failedStates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_states_total",
			Help:      "Consolidated states given up after repeated failures",
		}),
	}

	for _, c := range []prometheus.Collector{s.events, s.batchDuration, s.batchSize, s.extracted, s.persisted, s.conflicts, s.failedStates} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) Name() string { return "prometheus" }

func (s *PrometheusSink) Handle(_ context.Context, e Event) error {
	s.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case BatchProcessed:
		s.batchDuration.Observe(e.Duration.Seconds())
		s.batchSize.Observe(float64(e.BatchSize))
		s.extracted.Add(float64(e.TriplesExtracted))
	case KnowledgePersisted:
		s.persisted.WithLabelValues("entity").Add(float64(e.EntityCount))
		s.persisted.WithLabelValues("triple").Add(float64(e.TripleCount))
		s.persisted.WithLabelValues("causal").Add(float64(e.CausalCount))
	case ConflictResolved:
		s.conflicts.WithLabelValues(e.Strategy).Inc()
	case StatesFailed:
		s.failedStates.Add(float64(e.States))
	}
	return nil
}

// Publisher is the part of a redis client RedisSink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisSink publishes events as JSON on a redis pub/sub channel.
type RedisSink struct {
	rdb     Publisher
	channel string
}

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(rdb Publisher, channel string) *RedisSink {
	if channel == "" {
		channel = "curator.events"
	}
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel, raw).Err()
}
