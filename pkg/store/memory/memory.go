// Package memory is an in-process GraphStore. Readers see an immutable
// snapshot swapped in atomically on commit; writers serialize on per-key
// advisory locks the same way the Postgres store does.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"
)

type relKey struct {
	source, predicate, target string
}

type snapshot struct {
	entities   map[string]common.Entity
	rels       map[relKey]common.Relationship
	superseded []common.SupersededFact
	version    uint64
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		entities:   maps.Clone(s.entities),
		rels:       maps.Clone(s.rels),
		superseded: append([]common.SupersededFact(nil), s.superseded...),
		version:    s.version + 1,
	}
}

// FaultFunc is consulted before every write operation and before commit.
// Returning an error makes that operation fail.
type FaultFunc func(op string) error

// Store is a GraphStore kept entirely in memory.
type Store struct {
	current atomic.Pointer[snapshot]

	commitMu sync.Mutex

	locksMu sync.Mutex
	locks   map[int64]chan struct{}

	lockTimeout time.Duration
	fault       atomic.Pointer[FaultFunc]

	commits atomic.Int64
}

type Option func(*Store)

// WithLockTimeout bounds how long LockKeys waits for a single key.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		locks:       make(map[int64]chan struct{}),
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&snapshot{
		entities: map[string]common.Entity{},
		rels:     map[relKey]common.Relationship{},
	})
	return s
}

// InjectFault installs fn as the fault hook. Pass nil to clear it.
func (s *Store) InjectFault(fn FaultFunc) {
	if fn == nil {
		s.fault.Store(nil)
		return
	}
	s.fault.Store(&fn)
}

func (s *Store) checkFault(op string) error {
	fn := s.fault.Load()
	if fn == nil {
		return nil
	}
	return (*fn)(op)
}

// Commits returns the number of committed write transactions.
func (s *Store) Commits() int64 {
	return s.commits.Load()
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) lockChan(key int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// View runs fn against the snapshot current at call time.
func (s *Store) View(ctx context.Context, fn func(store.Reader) error) error {
	return fn(&reader{snap: s.current.Load()})
}

// BeginWrite opens a write transaction.
func (s *Store) BeginWrite(ctx context.Context) (store.WriteTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		store:    s,
		held:     map[int64]struct{}{},
		entities: map[string]common.Entity{},
		rels:     map[relKey]common.Relationship{},
	}, nil
}

type reader struct {
	snap *snapshot
}

func (r *reader) FindSimilarEntities(ctx context.Context, q store.SimilarityQuery) ([]store.SimilarEntity, error) {
	if len(q.Embedding) == 0 {
		return nil, nil
	}
	var hits []store.SimilarEntity
	for _, e := range r.snap.entities {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		sim := ai.CosineSimilarity(q.Embedding, e.Embedding)
		if sim < q.Threshold {
			continue
		}
		hits = append(hits, store.SimilarEntity{Entity: e, Similarity: sim})
	}
	return store.RankSimilar(hits, q.Limit), nil
}

func (r *reader) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	e, ok := r.snap.entities[id]
	if !ok {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}
	return e, nil
}

func (r *reader) Relationships(ctx context.Context, nodeID string) ([]common.Relationship, error) {
	var out []common.Relationship
	for _, rel := range r.snap.rels {
		if rel.SourceID == nodeID || rel.TargetID == nodeID {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate != out[j].Predicate {
			return out[i].Predicate < out[j].Predicate
		}
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

func (r *reader) Superseded(ctx context.Context, subject, predicate string) ([]common.SupersededFact, error) {
	var out []common.SupersededFact
	for _, sf := range r.snap.superseded {
		if sf.Triple.Subject == subject && (predicate == "" || sf.Triple.Predicate == predicate) {
			out = append(out, sf)
		}
	}
	return out, nil
}

type tx struct {
	store *Store
	done  bool

	held  map[int64]struct{}
	order []int64

	entities   map[string]common.Entity
	rels       map[relKey]common.Relationship
	relOrder   []relKey
	superseded []common.SupersededFact
}

func (t *tx) LockKeys(ctx context.Context, keys []int64) error {
	if t.done {
		return store.ErrTxDone
	}
	for _, k := range keys {
		if _, ok := t.held[k]; ok {
			continue
		}
		ch := t.store.lockChan(k)
		timer := time.NewTimer(t.store.lockTimeout)
		select {
		case ch <- struct{}{}:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("key %d: %w", k, store.ErrLockTimeout)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		t.held[k] = struct{}{}
		t.order = append(t.order, k)
	}
	return nil
}

func (t *tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		<-t.store.lockChan(t.order[i])
	}
	t.order = nil
	t.held = map[int64]struct{}{}
}

func (t *tx) lookup(id string) (common.Entity, bool) {
	if e, ok := t.entities[id]; ok {
		return e, true
	}
	e, ok := t.store.current.Load().entities[id]
	return e, ok
}

func (t *tx) UpsertEntity(ctx context.Context, e common.Entity) error {
	if t.done {
		return store.ErrTxDone
	}
	if err := t.store.checkFault("upsert_entity"); err != nil {
		return err
	}
	id := e.NodeID()
	if id == "" {
		return fmt.Errorf("upsert entity %q: empty id", e.Name)
	}
	e.ID = id
	if existing, ok := t.lookup(id); ok {
		t.entities[id] = store.MergeEntity(existing, e)
		return nil
	}
	e.IsNew = false
	e.MergeTarget = ""
	e.LocalID = ""
	e.Properties = maps.Clone(e.Properties)
	t.entities[id] = e
	return nil
}

func (t *tx) NodeExists(ctx context.Context, id string) (bool, error) {
	if t.done {
		return false, store.ErrTxDone
	}
	_, ok := t.lookup(id)
	return ok, nil
}

func (t *tx) InsertRelationship(ctx context.Context, r common.Relationship) (bool, error) {
	if t.done {
		return false, store.ErrTxDone
	}
	if err := t.store.checkFault("insert_relationship"); err != nil {
		return false, err
	}
	for _, id := range []string{r.SourceID, r.TargetID} {
		if _, ok := t.lookup(id); !ok {
			return false, fmt.Errorf("%s: %w", id, store.ErrDanglingEdge)
		}
	}
	k := relKey{r.SourceID, r.Predicate, r.TargetID}
	if _, ok := t.rels[k]; ok {
		return false, nil
	}
	if _, ok := t.store.current.Load().rels[k]; ok {
		return false, nil
	}
	t.rels[k] = r
	t.relOrder = append(t.relOrder, k)
	return true, nil
}

func (t *tx) InsertSuperseded(ctx context.Context, s common.SupersededFact) (bool, error) {
	if t.done {
		return false, store.ErrTxDone
	}
	if err := t.store.checkFault("insert_superseded"); err != nil {
		return false, err
	}
	if containsSuperseded(t.superseded, s) || containsSuperseded(t.store.current.Load().superseded, s) {
		return false, nil
	}
	t.superseded = append(t.superseded, s)
	return true, nil
}

func containsSuperseded(list []common.SupersededFact, s common.SupersededFact) bool {
	return slices.ContainsFunc(list, func(o common.SupersededFact) bool {
		return o.Triple.Subject == s.Triple.Subject &&
			o.Triple.Predicate == s.Triple.Predicate &&
			o.Triple.Object == s.Triple.Object &&
			o.WinnerObject == s.WinnerObject &&
			o.Strategy == s.Strategy
	})
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	defer t.finish()
	if err := t.store.checkFault("commit"); err != nil {
		return err
	}

	t.store.commitMu.Lock()
	defer t.store.commitMu.Unlock()

	next := t.store.current.Load().clone()
	for id, e := range t.entities {
		if existing, ok := next.entities[id]; ok {
			e = store.MergeEntity(existing, e)
		}
		next.entities[id] = e
	}
	for _, k := range t.relOrder {
		if _, ok := next.rels[k]; !ok {
			next.rels[k] = t.rels[k]
		}
	}
	for _, sf := range t.superseded {
		if !containsSuperseded(next.superseded, sf) {
			next.superseded = append(next.superseded, sf)
		}
	}
	t.store.current.Store(next)
	t.store.commits.Add(1)
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.release()
	t.entities = nil
	t.rels = nil
	t.superseded = nil
}
