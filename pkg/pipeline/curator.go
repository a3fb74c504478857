package pipeline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/checkpoint"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/conflict"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/events"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/writer"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Extractor turns an extraction context into knowledge.
type Extractor interface {
	Extract(ctx context.Context, ec common.ExtractionContext) (graph.Extraction, error)
}

// Persister writes a batch atomically.
type Persister interface {
	Persist(ctx context.Context, b writer.Batch) (writer.Result, error)
}

// Emitter receives lifecycle events. It must not block.
type Emitter interface {
	Emit(e events.Event) bool
}

// Params configures a Curator.
type Params struct {
	Extractor Extractor
	Resolver  *conflict.Resolver
	Writer    Persister
	Emitter   Emitter
	// AI is only used to log token usage after each batch.
	AI ai.GraphAIClient

	BatchSize            int
	FlushInterval        time.Duration
	MaxAttempts          int
	MaxConcurrentBatches int
	ExtractionTimeout    time.Duration

	MinConfidence         float64
	AllowedPredicates     []string
	MultiValuedPredicates []string
	MaxConflictAttempts   int
}

// Status is a point-in-time view of the curator.
type Status struct {
	Counters          common.Counters `json:"counters"`
	QueueDepth        int             `json:"queue_depth"`
	InFlightBatches   int             `json:"in_flight_batches"`
	InFlightStates    int             `json:"in_flight_states"`
	DeferredConflicts int             `json:"deferred_conflicts"`
	LastExtraction    time.Time       `json:"last_extraction"`
}

// Curator ties the ingestion queue to the extraction, validation, conflict
// resolution and persistence stages. Batches run concurrently up to
// MaxConcurrentBatches; the graph store is the only state they share.
//
// A Curator should be created using New and stopped with Shutdown.
type Curator struct {
	queue     *ingest.Queue
	extractor Extractor
	resolver  *conflict.Resolver
	writer    Persister
	emitter   Emitter
	ai        ai.GraphAIClient
	backlog   *conflict.Backlog

	sem               *semaphore.Weighted
	extractionTimeout time.Duration
	minConfidence     float64
	allowed           []string
	multiValued       []string

	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	counters       common.Counters
	lastExtraction time.Time
	inFlight       map[string][]common.PendingState
}

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) bool { return true }

// New creates a Curator and starts its queue.
func New(p Params) *Curator {
	if p.MaxConcurrentBatches <= 0 {
		p.MaxConcurrentBatches = 4
	}
	if p.ExtractionTimeout <= 0 {
		p.ExtractionTimeout = 2 * time.Minute
	}
	if p.Emitter == nil {
		p.Emitter = nopEmitter{}
	}
	if p.Resolver == nil {
		p.Resolver = conflict.NewResolver(conflict.HighestConfidence())
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Curator{
		extractor:         p.Extractor,
		resolver:          p.Resolver,
		writer:            p.Writer,
		emitter:           p.Emitter,
		ai:                p.AI,
		backlog:           conflict.NewBacklog(p.MaxConflictAttempts),
		sem:               semaphore.NewWeighted(int64(p.MaxConcurrentBatches)),
		extractionTimeout: p.ExtractionTimeout,
		minConfidence:     p.MinConfidence,
		allowed:           p.AllowedPredicates,
		multiValued:       p.MultiValuedPredicates,
		tracer:            otel.Tracer("github.com/OFFIS-RIT/kiwi/curator/pkg/pipeline"),
		ctx:               ctx,
		cancel:            cancel,
		inFlight:          map[string][]common.PendingState{},
	}
	c.queue = ingest.New(ingest.Params{
		BatchSize:     p.BatchSize,
		FlushInterval: p.FlushInterval,
		MaxAttempts:   p.MaxAttempts,
		Handler:       c.dispatch,
		OnFailed:      c.statesFailed,
	})
	return c
}

// Enqueue offers a consolidated state to the pipeline.
func (c *Curator) Enqueue(state common.ConsolidatedState) ingest.Ack {
	return c.queue.Enqueue(state)
}

// dispatch is the queue handler. Blocking on the semaphore keeps the queue
// from forming further batches while every slot is busy. The batch is
// registered as in flight before dispatch returns, so it is never missing
// from a snapshot while it moves from the queue to its goroutine.
func (c *Curator) dispatch(ctx context.Context, batch []common.PendingState) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.inFlight[id] = batch
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		c.runBatch(id, batch)
	}()
	return nil
}

func (c *Curator) statesFailed(states []common.PendingState) {
	c.mu.Lock()
	c.counters.FailedStates += int64(len(states))
	c.mu.Unlock()
	c.emitter.Emit(events.Event{
		Type:   events.StatesFailed,
		States: len(states),
		Error:  "states exceeded the maximum number of attempts",
	})
}

// Counters returns the cumulative counters.
func (c *Curator) Counters() common.Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Status reports counters, queue depth and in-flight work.
func (c *Curator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := 0
	for _, b := range c.inFlight {
		states += len(b)
	}
	return Status{
		Counters:          c.counters,
		QueueDepth:        c.queue.Depth(),
		InFlightBatches:   len(c.inFlight),
		InFlightStates:    states,
		DeferredConflicts: c.backlog.Len(),
		LastExtraction:    c.lastExtraction,
	}
}

// Snapshot captures everything needed to resume after a restart. States of
// batches that are still running are included as pending; reprocessing them
// is safe because persistence is idempotent.
//
// The queue is read while holding mu: batches register in inFlight before
// the queue lets go of them and leave it only after a requeue was received,
// so a state may appear twice but never goes missing.
func (c *Curator) Snapshot() checkpoint.Snapshot {
	c.mu.Lock()
	pending := c.queue.Snapshot()
	ids := make([]string, 0, len(c.inFlight))
	for id := range c.inFlight {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		pending = append(pending, c.inFlight[id]...)
	}
	snap := checkpoint.Snapshot{
		Pending:        pending,
		Counters:       c.counters,
		LastExtraction: c.lastExtraction,
		TakenAt:        time.Now().UTC(),
	}
	c.mu.Unlock()

	snap.DeferredConflicts = c.backlog.Snapshot()
	return snap
}

// Restore seeds the curator from a checkpoint. It should be called before
// new states are enqueued.
func (c *Curator) Restore(snap checkpoint.Snapshot) error {
	c.mu.Lock()
	c.counters = snap.Counters
	c.lastExtraction = snap.LastExtraction
	c.mu.Unlock()

	c.backlog.Restore(snap.DeferredConflicts)
	if err := c.queue.Restore(snap.Pending); err != nil {
		return err
	}
	logger.Info("[Curator] restored checkpoint", "pending", len(snap.Pending),
		"deferred_conflicts", len(snap.DeferredConflicts), "taken_at", snap.TakenAt)
	return nil
}

// Shutdown stops accepting states and waits for running batches. If ctx ends
// first the running batches are cancelled and their states handed back. The
// returned snapshot holds everything that was not processed.
func (c *Curator) Shutdown(ctx context.Context) checkpoint.Snapshot {
	left := c.queue.Stop()
	logger.Info("[Curator] shutting down", "pending", len(left))

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("[Curator] shutdown deadline reached, cancelling running batches")
		c.cancel()
		<-done
	}
	c.cancel()
	return c.Snapshot()
}
