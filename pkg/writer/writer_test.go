package writer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func entity(id, typ, name string, props map[string]any) common.Entity {
	return common.Entity{ID: id, Type: typ, Name: name, Properties: props, Confidence: 0.8, IsNew: true}
}

func triple(id, s, p, o, agent string) common.Triple {
	return common.Triple{FactID: id, Subject: s, Predicate: p, Object: o, Confidence: 0.9, ProvenanceAgent: agent}
}

func priceBatch() Batch {
	return Batch{
		ID: "b1",
		Entities: []common.Entity{
			entity("widget", "PRODUCT", "Widget", map[string]any{"color": "blue"}),
			entity("p12", "PRICE", "12 EUR", nil),
		},
		Triples: []common.Triple{triple("f1", "widget", "HAS_PRICE", "p12", "agent-a")},
		Causal: []common.CausalRelation{
			{Cause: "p12", Effect: "widget", Mechanism: "pricing drives demand", Strength: 0.6, Evidence: []string{"f1"}},
		},
	}
}

func snapshotCounts(t *testing.T, s store.GraphStore, ids ...string) (entities, rels int) {
	t.Helper()
	seen := map[string]struct{}{}
	err := s.View(context.Background(), func(r store.Reader) error {
		for _, id := range ids {
			if _, err := r.GetEntity(context.Background(), id); err == nil {
				entities++
			}
			out, err := r.Relationships(context.Background(), id)
			if err != nil {
				return err
			}
			for _, rel := range out {
				seen[rel.SourceID+rel.Predicate+rel.TargetID] = struct{}{}
			}
		}
		return nil
	})
	require.NoError(t, err)
	return entities, len(seen)
}

func TestLockKeysSortedAndUnique(t *testing.T) {
	ids := []string{"c", "a", "b", "a"}
	keys := LockKeys("ns", ids)
	require.Len(t, keys, 3)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
	assert.Equal(t, AdvisoryKey("ns", "a"), AdvisoryKey("ns", "a"))
	assert.NotEqual(t, AdvisoryKey("ns", "a"), AdvisoryKey("other", "a"))
}

func TestNodeIDsSkipsRejected(t *testing.T) {
	b := Batch{
		Entities: []common.Entity{{ID: "n1", MergeTarget: "existing"}},
		Triples: []common.Triple{
			{Subject: "x", Predicate: "P", Object: "y"},
			{Subject: "ghost", Predicate: "P", Object: "y", Rejected: true},
		},
	}
	assert.Equal(t, []string{"existing", "x", "y"}, NodeIDs(b))
}

func TestPersistIsIdempotent(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test"})

	first, err := w.Persist(context.Background(), priceBatch())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Entities)
	assert.Equal(t, 1, first.Triples)
	assert.Equal(t, 1, first.Causal)

	second, err := w.Persist(context.Background(), priceBatch())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Triples, "identical triple must not be inserted twice")
	assert.Equal(t, 0, second.Causal)

	entities, rels := snapshotCounts(t, s, "widget", "p12")
	assert.Equal(t, 2, entities)
	assert.Equal(t, 2, rels)

	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		e, err := r.GetEntity(context.Background(), "widget")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"color": "blue"}, e.Properties)
		return nil
	}))
}

func TestPersistSupersededOnceAcrossReplays(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test"})

	withLoser := func(factID string, at time.Time) Batch {
		b := priceBatch()
		b.Superseded = []common.SupersededFact{{
			Triple:       triple(factID, "widget", "HAS_PRICE", "p15", "agent-b"),
			Agents:       []string{"agent-b"},
			WinnerObject: "p12",
			Strategy:     common.StrategySemanticVote,
			ResolvedAt:   at,
		}}
		return b
	}

	first, err := w.Persist(context.Background(), withLoser("f2", time.Unix(100, 0)))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Superseded)

	// A replay after a restart re-extracts the batch with fresh fact ids.
	second, err := w.Persist(context.Background(), withLoser("f7", time.Unix(200, 0)))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Superseded)

	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		got, err := r.Superseded(context.Background(), "widget", "HAS_PRICE")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "f2", got[0].Triple.FactID)
		return nil
	}))
}

func TestPersistAllOrNothing(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test", MaxRetries: 3, RetryBase: time.Millisecond})

	boom := errors.New("disk full")
	s.InjectFault(func(op string) error {
		if op == "insert_relationship" {
			return boom
		}
		return nil
	})

	res, err := w.Persist(context.Background(), priceBatch())
	require.ErrorIs(t, err, ErrPersistFailed)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Attempts, "non-retryable errors fail fast")
	assert.Zero(t, s.Commits())

	entities, rels := snapshotCounts(t, s, "widget", "p12")
	assert.Zero(t, entities)
	assert.Zero(t, rels)

	// locks were released by the rollback
	s.InjectFault(nil)
	_, err = w.Persist(context.Background(), priceBatch())
	require.NoError(t, err)
}

func TestPersistFaultAtCommit(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test", MaxRetries: 1})
	s.InjectFault(func(op string) error {
		if op == "commit" {
			return errors.New("connection reset")
		}
		return nil
	})

	_, err := w.Persist(context.Background(), priceBatch())
	require.ErrorIs(t, err, ErrPersistFailed)
	entities, _ := snapshotCounts(t, s, "widget", "p12")
	assert.Zero(t, entities)
}

func TestPersistRetriesRetryable(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test", MaxRetries: 4, RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond})

	var mu sync.Mutex
	failures := 2
	s.InjectFault(func(op string) error {
		mu.Lock()
		defer mu.Unlock()
		if op == "upsert_entity" && failures > 0 {
			failures--
			return fmt.Errorf("pg 40001: %w", store.ErrSerialization)
		}
		return nil
	})

	res, err := w.Persist(context.Background(), priceBatch())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(1), s.Commits())
}

func TestPersistRetryExhaustion(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test", MaxRetries: 2, RetryBase: time.Millisecond})
	s.InjectFault(func(op string) error {
		return store.ErrDeadlock
	})

	res, err := w.Persist(context.Background(), priceBatch())
	require.ErrorIs(t, err, ErrPersistFailed)
	require.ErrorIs(t, err, store.ErrDeadlock)
	assert.Equal(t, 2, res.Attempts)
}

func TestRejectedTriplesNeverPersisted(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test"})

	b := priceBatch()
	rejected := triple("f2", "widget", "HAS_PRICE", "p12", "agent-b")
	rejected.Predicate = "COSTS"
	rejected.Rejected = true
	rejected.RejectReason = "confidence below floor"
	b.Triples = append(b.Triples, rejected)
	b.Causal = append(b.Causal, common.CausalRelation{Cause: "widget", Effect: "p12", Rejected: true})

	res, err := w.Persist(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triples)
	assert.Equal(t, 1, res.Causal)

	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		rels, err := r.Relationships(context.Background(), "widget")
		require.NoError(t, err)
		for _, rel := range rels {
			assert.NotEqual(t, "COSTS", rel.Predicate)
			if rel.Predicate == common.CausesPredicate {
				assert.Equal(t, "p12", rel.SourceID)
			}
		}
		return nil
	}))
}

func TestPersistDropsDanglingEndpoint(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test"})

	b := priceBatch()
	b.Triples = append(b.Triples, triple("f3", "widget", "MADE_BY", "unknown-node", "agent-a"))

	res, err := w.Persist(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Triples)
}

func TestPersistReferencesExistingNode(t *testing.T) {
	s := memory.New()
	w := New(Params{Store: s, Namespace: "test"})
	_, err := w.Persist(context.Background(), priceBatch())
	require.NoError(t, err)

	b := Batch{
		ID:       "b2",
		Entities: []common.Entity{entity("acme", "ORGANIZATION", "Acme", nil)},
		Triples:  []common.Triple{triple("f9", "acme", "SELLS", "widget", "agent-c")},
	}
	res, err := w.Persist(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triples)
	assert.Zero(t, res.Dropped)
}

// Overlapping batches that list their nodes in different orders must all
// commit. With unordered locking this workload deadlocks and the short lock
// timeout turns that into failures.
func TestConcurrentOverlappingBatchesDoNotDeadlock(t *testing.T) {
	s := memory.New(memory.WithLockTimeout(2 * time.Second))
	w := New(Params{Store: s, Namespace: "test", MaxRetries: 1})

	nodes := []string{"n0", "n1", "n2", "n3", "n4", "n5"}
	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(g), 7))
			for i := 0; i < perWorker; i++ {
				picked := append([]string(nil), nodes...)
				rng.Shuffle(len(picked), func(a, b int) { picked[a], picked[b] = picked[b], picked[a] })
				picked = picked[:3]

				b := Batch{ID: fmt.Sprintf("g%d-%d", g, i)}
				for _, id := range picked {
					b.Entities = append(b.Entities, entity(id, "THING", id, map[string]any{"seen_by": g}))
				}
				b.Triples = append(b.Triples, triple(b.ID, picked[0], "RELATES_TO", picked[1], fmt.Sprintf("agent-%d", g)))
				if _, err := w.Persist(context.Background(), b); err != nil {
					errs <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("persist failed: %v", err)
	}
	assert.Equal(t, int64(workers*perWorker), s.Commits())
}
