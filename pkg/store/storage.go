package store

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

// SimilarityQuery describes a nearest-neighbour lookup over entity embeddings.
// Type narrows the search to one entity type when set.
type SimilarityQuery struct {
	Embedding []float32
	Type      string
	Threshold float64
	Limit     int
}

// SimilarEntity is a search hit ranked by descending similarity.
type SimilarEntity struct {
	Entity     common.Entity `json:"entity"`
	Similarity float64       `json:"similarity"`
}

// Reader is the snapshot-isolated read side of the graph store. Readers never
// take advisory locks.
type Reader interface {
	FindSimilarEntities(ctx context.Context, q SimilarityQuery) ([]SimilarEntity, error)
	GetEntity(ctx context.Context, id string) (common.Entity, error)
	Relationships(ctx context.Context, nodeID string) ([]common.Relationship, error)
	Superseded(ctx context.Context, subject, predicate string) ([]common.SupersededFact, error)
}

// WriteTx is a serializable write transaction. Locks taken with LockKeys are
// held until Commit or Rollback.
type WriteTx interface {
	// LockKeys acquires the advisory locks for keys in the order given.
	LockKeys(ctx context.Context, keys []int64) error
	// UpsertEntity inserts the entity or merges its properties into the
	// existing node with the same id.
	UpsertEntity(ctx context.Context, e common.Entity) error
	NodeExists(ctx context.Context, id string) (bool, error)
	// InsertRelationship stores r unless an identical (source, predicate,
	// target) row exists. It reports whether a row was written.
	InsertRelationship(ctx context.Context, r common.Relationship) (bool, error)
	// InsertSuperseded records s unless the same loser was already recorded
	// against the same winner by the same strategy. It reports whether a row
	// was written.
	InsertSuperseded(ctx context.Context, s common.SupersededFact) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// GraphStore is the physical knowledge graph. It is the only resource shared
// between concurrently running batches.
type GraphStore interface {
	BeginWrite(ctx context.Context) (WriteTx, error)
	// View runs fn against a consistent snapshot.
	View(ctx context.Context, fn func(Reader) error) error
	Close()
}
