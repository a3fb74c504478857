package writer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/util"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrPersistFailed is returned when a batch could not be committed. The
// transaction was rolled back and nothing of the batch is visible.
var ErrPersistFailed = errors.New("persist failed")

// Batch is everything one pipeline run writes in a single transaction.
type Batch struct {
	ID         string
	Entities   []common.Entity
	Triples    []common.Triple
	Causal     []common.CausalRelation
	Superseded []common.SupersededFact
}

// Result summarises a committed batch.
type Result struct {
	Entities   int `json:"entities"`
	Triples    int `json:"triples"`
	Causal     int `json:"causal"`
	Superseded int `json:"superseded"`
	Dropped    int `json:"dropped"`
	Locks      int `json:"locks"`
	Attempts   int `json:"attempts"`
}

// Persisted is the number of graph rows the batch wrote.
func (r Result) Persisted() int {
	return r.Entities + r.Triples + r.Causal
}

// Writer commits batches under ordered advisory locks.
type Writer struct {
	store     store.GraphStore
	namespace string
	backoff   util.Backoff
}

// Params configures a Writer.
type Params struct {
	Store      store.GraphStore
	Namespace  string
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
}

func New(p Params) *Writer {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.RetryBase <= 0 {
		p.RetryBase = 50 * time.Millisecond
	}
	if p.RetryMax <= 0 {
		p.RetryMax = 2 * time.Second
	}
	return &Writer{
		store:     p.Store,
		namespace: p.Namespace,
		backoff: util.Backoff{
			Attempts:  p.MaxRetries,
			Base:      p.RetryBase,
			Max:       p.RetryMax,
			Retryable: store.IsRetryable,
		},
	}
}

// Persist writes the batch atomically. Retryable store failures restart the
// transaction with jittered backoff; any other failure aborts immediately.
func (w *Writer) Persist(ctx context.Context, b Batch) (Result, error) {
	keys := LockKeys(w.namespace, NodeIDs(b))

	var res Result
	attempts, err := w.backoff.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := w.persistOnce(ctx, b, keys)
		if err != nil {
			logger.Warn("[Writer] transaction failed", "batch", b.ID, "attempt", attempt, "retryable", store.IsRetryable(err), "err", err)
			return err
		}
		res = r
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		return res, fmt.Errorf("%w: batch %s after %d attempt(s): %w", ErrPersistFailed, b.ID, attempts, err)
	}

	logger.Debug("[Writer] committed batch", "batch", b.ID, "entities", res.Entities, "triples", res.Triples,
		"causal", res.Causal, "superseded", res.Superseded, "dropped", res.Dropped, "locks", res.Locks, "attempts", attempts)
	return res, nil
}

func (w *Writer) persistOnce(ctx context.Context, b Batch, keys []int64) (Result, error) {
	res := Result{Locks: len(keys)}

	tx, err := w.store.BeginWrite(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := tx.LockKeys(ctx, keys); err != nil {
		return res, fmt.Errorf("lock: %w", err)
	}

	inBatch := make(map[string]struct{}, len(b.Entities))
	for _, e := range b.Entities {
		if err := tx.UpsertEntity(ctx, e); err != nil {
			return res, fmt.Errorf("upsert entity %s: %w", e.NodeID(), err)
		}
		inBatch[e.NodeID()] = struct{}{}
		res.Entities++
	}

	exists := func(id string) (bool, error) {
		if _, ok := inBatch[id]; ok {
			return true, nil
		}
		ok, err := tx.NodeExists(ctx, id)
		if err != nil {
			return false, fmt.Errorf("node exists %s: %w", id, err)
		}
		if ok {
			inBatch[id] = struct{}{}
		}
		return ok, nil
	}

	for _, t := range b.Triples {
		if t.Rejected {
			continue
		}
		ok, err := endpointsExist(exists, t.Subject, t.Object)
		if err != nil {
			return res, err
		}
		if !ok {
			logger.Warn("[Writer] dropping triple with unknown endpoint", "batch", b.ID, "fact", t.FactID,
				"subject", t.Subject, "object", t.Object)
			res.Dropped++
			continue
		}
		inserted, err := tx.InsertRelationship(ctx, tripleRelationship(t))
		if err != nil {
			return res, fmt.Errorf("insert triple %s: %w", t.FactID, err)
		}
		if inserted {
			res.Triples++
		}
	}

	for _, c := range b.Causal {
		if c.Rejected {
			continue
		}
		ok, err := endpointsExist(exists, c.Cause, c.Effect)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Dropped++
			continue
		}
		inserted, err := tx.InsertRelationship(ctx, causalRelationship(c))
		if err != nil {
			return res, fmt.Errorf("insert causal %s->%s: %w", c.Cause, c.Effect, err)
		}
		if inserted {
			res.Causal++
		}
	}

	for _, s := range b.Superseded {
		inserted, err := tx.InsertSuperseded(ctx, s)
		if err != nil {
			return res, fmt.Errorf("insert superseded %s: %w", s.Triple.FactID, err)
		}
		if inserted {
			res.Superseded++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func endpointsExist(exists func(string) (bool, error), ids ...string) (bool, error) {
	for _, id := range ids {
		ok, err := exists(id)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func tripleRelationship(t common.Triple) common.Relationship {
	props := maps.Clone(t.Properties)
	if props == nil {
		props = map[string]any{}
	}
	if t.FactID != "" {
		props["fact_id"] = t.FactID
	}
	return common.Relationship{
		ID:              newRelationshipID(),
		SourceID:        t.Subject,
		TargetID:        t.Object,
		Predicate:       t.Predicate,
		Confidence:      t.Confidence,
		Properties:      props,
		ProvenanceAgent: t.ProvenanceAgent,
		ProducedAt:      t.ProducedAt,
	}
}

func causalRelationship(c common.CausalRelation) common.Relationship {
	return common.Relationship{
		ID:         newRelationshipID(),
		SourceID:   c.Cause,
		TargetID:   c.Effect,
		Predicate:  common.CausesPredicate,
		Confidence: c.Strength,
		Properties: map[string]any{
			"mechanism": c.Mechanism,
			"strength":  c.Strength,
			"evidence":  c.Evidence,
		},
		ProducedAt: time.Now().UTC(),
	}
}

func newRelationshipID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("rel-%d", time.Now().UnixNano())
	}
	return id
}
