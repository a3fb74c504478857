package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/conflict"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/events"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/validate"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/writer"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stageError marks which step of a batch failed.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// outcome collects what a successful batch produced.
type outcome struct {
	extracted   int
	report      validate.Report
	causal      validate.Report
	resolutions []common.Resolution
	abandoned   []common.ConflictSet
	deferred    []common.ConflictSet
	persisted   writer.Result
}

func (c *Curator) runBatch(id string, batch []common.PendingState) {
	start := time.Now()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, id)
		c.mu.Unlock()
	}()

	var taken []common.ConflictSet
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Curator] batch panicked", "batch", id, "panic", r, "stack", string(debug.Stack()))
			c.fail(id, batch, taken, &stageError{stage: "panic", err: fmt.Errorf("%v", r)})
		}
	}()

	ctx, span := c.tracer.Start(c.ctx, "pipeline.batch", trace.WithAttributes(
		attribute.String("batch.id", id),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	logger.Info("[Curator] processing batch", "batch", id, "states", len(batch))

	out, err := c.process(ctx, id, batch, &taken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.fail(id, batch, taken, err)
		return
	}
	c.succeed(id, batch, out, time.Since(start))
}

func (c *Curator) process(
	ctx context.Context,
	id string,
	batch []common.PendingState,
	taken *[]common.ConflictSet,
) (outcome, error) {
	var out outcome

	states := make([]common.ConsolidatedState, 0, len(batch))
	for _, p := range batch {
		states = append(states, p.State)
	}
	ec := graph.Aggregate(states)
	if ec.IsEmpty() {
		return out, nil
	}

	ex, err := c.extract(ctx, id, ec)
	if err != nil {
		return out, err
	}
	out.extracted = len(ex.Triples)

	known := validate.NodeSet(ex.Entities)
	v := validate.New(validate.Defaults(validate.Params{
		MinConfidence:     c.minConfidence,
		AllowedPredicates: c.allowed,
		Known:             known,
	})...)
	out.report = v.Validate(ex.Triples)
	out.causal = validate.ValidateCausal(ex.Causal, known)
	triples := validate.Filter(ex.Triples)
	causal := validate.FilterCausal(ex.Causal)
	if out.report.Rejected > 0 {
		logger.Debug("[Curator] rejected triples", "batch", id, "count", out.report.Rejected, "reasons", out.report.Reasons)
	}

	*taken = c.backlog.Take()
	sets := combine(
		conflict.Detect(triples, ex.Signals, conflict.DetectOptions{MultiValued: c.multiValued, Context: ec}),
		*taken,
		triples,
		ec,
	)
	free, _ := conflict.Partition(triples, sets)

	var superseded []common.SupersededFact
	rctx, rspan := c.tracer.Start(ctx, "pipeline.resolve", trace.WithAttributes(attribute.Int("conflict.sets", len(sets))))
	for _, set := range sets {
		res, err := c.resolver.Resolve(rctx, set)
		if err == nil {
			out.resolutions = append(out.resolutions, res)
			free = append(free, winnerTriple(res.Winner))
			superseded = append(superseded, c.resolver.Supersede(res)...)
			continue
		}
		if !errors.Is(err, conflict.ErrUnresolved) {
			rspan.End()
			return out, &stageError{stage: "resolve", err: err}
		}
		if c.backlog.Exhausted(set) {
			logger.Warn("[Curator] giving up on conflict", "batch", id, "subject", set.Subject,
				"predicate", set.Predicate, "attempts", set.Attempts+1)
			out.abandoned = append(out.abandoned, set)
			superseded = append(superseded, c.resolver.Abandon(set, err.Error())...)
			continue
		}
		out.deferred = append(out.deferred, set)
	}
	rspan.End()

	// A cancelled context turns every resolution into a deferral; treat the
	// batch as interrupted instead.
	if err := ctx.Err(); err != nil {
		return out, &stageError{stage: "resolve", err: err}
	}

	wctx, wspan := c.tracer.Start(ctx, "pipeline.persist")
	res, err := c.writer.Persist(wctx, writer.Batch{
		ID:         id,
		Entities:   ex.Entities,
		Triples:    free,
		Causal:     causal,
		Superseded: superseded,
	})
	if err != nil {
		wspan.RecordError(err)
		wspan.End()
		return out, &stageError{stage: "persist", err: err}
	}
	wspan.End()
	out.persisted = res

	for _, set := range out.deferred {
		c.backlog.Defer(set)
	}
	return out, nil
}

// extract runs the extractor under the batch extraction deadline and reports
// degraded stages.
func (c *Curator) extract(ctx context.Context, id string, ec common.ExtractionContext) (graph.Extraction, error) {
	ectx, cancel := context.WithTimeout(ctx, c.extractionTimeout)
	defer cancel()

	ex, err := c.extractor.Extract(ectx, ec)
	for _, se := range ex.Errors {
		logger.Warn("[Curator] extraction stage degraded", "batch", id, "stage", se.Stage, "reason", se.Reason)
		c.emitter.Emit(events.Event{
			Type:    events.ExtractionError,
			BatchID: id,
			At:      time.Now().UTC(),
			Stage:   se.Stage,
			Error:   se.Reason,
		})
	}
	if err != nil {
		if errors.Is(err, graph.ErrExtractionDeadline) {
			c.emitter.Emit(events.Event{
				Type:    events.ExtractionError,
				BatchID: id,
				At:      time.Now().UTC(),
				Stage:   "deadline",
				Error:   err.Error(),
			})
		}
		return ex, &stageError{stage: "extract", err: err}
	}

	c.mu.Lock()
	c.lastExtraction = time.Now().UTC()
	c.mu.Unlock()
	return ex, nil
}

// combine folds deferred sets into this batch's sets. A deferred set whose
// key also appears among the fresh triples competes with them even when the
// fresh triples alone are no conflict.
func combine(fresh, deferred []common.ConflictSet, triples []common.Triple, ec common.ExtractionContext) []common.ConflictSet {
	if len(deferred) == 0 {
		return fresh
	}

	out := make([]common.ConflictSet, len(fresh), len(fresh)+len(deferred))
	copy(out, fresh)
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.Key()] = i
	}

	var groups map[string]common.ConflictSet
	for _, d := range deferred {
		if i, ok := index[d.Key()]; ok {
			out[i] = conflict.Merge(out[i], d)
			continue
		}
		if groups == nil {
			groups = map[string]common.ConflictSet{}
			for _, g := range conflict.Group(triples, ec) {
				groups[g.Key()] = g
			}
		}
		if g, ok := groups[d.Key()]; ok {
			d = conflict.Merge(g, d)
		}
		index[d.Key()] = len(out)
		out = append(out, d)
	}
	return out
}

// winnerTriple is the triple persisted for a winning fact. Corroborating
// agents are kept as a property.
func winnerTriple(f common.Fact) common.Triple {
	t := f.Triple
	props := make(map[string]any, len(t.Properties)+1)
	maps.Copy(props, t.Properties)
	if len(f.Agents) > 1 {
		props["corroborating_agents"] = f.Agents
	}
	t.Properties = props
	return t
}

func (c *Curator) fail(id string, batch []common.PendingState, taken []common.ConflictSet, err error) {
	stage := "batch"
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}

	if len(taken) > 0 {
		c.backlog.Restore(taken)
	}

	c.mu.Lock()
	c.counters.FailedBatches++
	c.mu.Unlock()

	c.emitter.Emit(events.Event{
		Type:      events.BatchFailed,
		BatchID:   id,
		At:        time.Now().UTC(),
		BatchSize: len(batch),
		Stage:     stage,
		Error:     err.Error(),
	})

	if c.ctx.Err() != nil {
		logger.Warn("[Curator] batch interrupted by shutdown", "batch", id, "stage", stage, "err", err)
		c.queue.HandBack(batch)
		return
	}
	logger.Error("[Curator] batch failed", "batch", id, "stage", stage, "err", err)
	c.queue.Requeue(batch)
}

func (c *Curator) succeed(id string, batch []common.PendingState, out outcome, took time.Duration) {
	now := time.Now().UTC()

	c.mu.Lock()
	c.counters = c.counters.Add(common.Counters{
		Processed: int64(len(batch)),
		Validated: int64(out.report.Validated + out.causal.Validated),
		Modified:  int64(out.report.Modified + out.causal.Modified),
		Rejected:  int64(out.report.Rejected + out.causal.Rejected),
		Conflicts: int64(len(out.resolutions) + len(out.abandoned)),
		Persisted: int64(out.persisted.Persisted()),
	})
	c.mu.Unlock()

	p := out.persisted
	if p.Persisted() > 0 {
		c.emitter.Emit(events.Event{
			Type:        events.KnowledgePersisted,
			BatchID:     id,
			At:          now,
			EntityCount: p.Entities,
			TripleCount: p.Triples,
			CausalCount: p.Causal,
		})
	}

	for _, res := range out.resolutions {
		var losers []string
		for _, l := range res.Losers {
			losers = append(losers, l.Agents...)
		}
		c.emitter.Emit(events.Event{
			Type:         events.ConflictResolved,
			BatchID:      id,
			At:           now,
			Subject:      res.Subject,
			Predicate:    res.Predicate,
			Winner:       res.Winner.Triple.Object,
			WinnerAgents: res.Winner.Agents,
			LoserAgents:  losers,
			Rationale:    res.Rationale,
			Strategy:     res.Strategy,
		})
	}
	for _, set := range out.abandoned {
		var agents []string
		for _, f := range set.Facts {
			agents = append(agents, f.Agents...)
		}
		c.emitter.Emit(events.Event{
			Type:        events.ConflictResolved,
			BatchID:     id,
			At:          now,
			Subject:     set.Subject,
			Predicate:   set.Predicate,
			LoserAgents: agents,
			Strategy:    common.StrategyUnresolved,
			Error:       "conflict could not be resolved",
		})
	}

	c.emitter.Emit(events.Event{
		Type:             events.BatchProcessed,
		BatchID:          id,
		At:               now,
		BatchSize:        len(batch),
		Duration:         took,
		TriplesExtracted: out.extracted,
	})

	logger.Info("[Curator] batch processed", "batch", id, "states", len(batch), "triples", out.extracted,
		"validated", out.report.Validated, "rejected", out.report.Rejected, "conflicts", len(out.resolutions),
		"deferred", len(out.deferred), "persisted", p.Persisted(), "dropped", p.Dropped, "duration", took)
	if c.ai != nil {
		m := c.ai.GetMetrics()
		logger.Debug("[Curator] model usage", "calls", m.Calls, "input_tokens", m.InputTokens,
			"output_tokens", m.OutputTokens, "total_tokens", m.TotalTokens, "duration_ms", m.DurationMs)
	}
}
