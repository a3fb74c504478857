package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

type querier interface {
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const findSimilarSQL = `
SELECT id, type, name, properties, confidence, 1 - (embedding <=> $1) AS similarity
FROM curator_entities
WHERE embedding IS NOT NULL
  AND ($2 = '' OR type = $2)
  AND 1 - (embedding <=> $1) >= $3
ORDER BY embedding <=> $1, id
LIMIT $4
`

const getEntitySQL = `
SELECT id, type, name, properties, confidence
FROM curator_entities
WHERE id = $1
`

const relationshipsSQL = `
SELECT id, source_id, target_id, predicate, confidence, properties, provenance_agent, produced_at
FROM curator_relationships
WHERE source_id = $1 OR target_id = $1
ORDER BY predicate, source_id, target_id
`

const supersededSQL = `
SELECT triple, agents, winner_object, rationale, strategy, resolved_at
FROM curator_superseded
WHERE subject = $1 AND ($2 = '' OR predicate = $2)
ORDER BY id
`

type reader struct {
	q querier
}

func (r *reader) FindSimilarEntities(ctx context.Context, q store.SimilarityQuery) ([]store.SimilarEntity, error) {
	if len(q.Embedding) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.q.Query(ctx, findSimilarSQL, pgvector.NewVector(q.Embedding), q.Type, q.Threshold, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.SimilarEntity
	for rows.Next() {
		var (
			e     common.Entity
			props []byte
			sim   float64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &props, &e.Confidence, &sim); err != nil {
			return nil, mapErr(err)
		}
		if e.Properties, err = unmarshalProps(props); err != nil {
			return nil, err
		}
		out = append(out, store.SimilarEntity{Entity: e, Similarity: sim})
	}
	return out, mapErr(rows.Err())
}

func (r *reader) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	var (
		e     common.Entity
		props []byte
	)
	err := r.q.QueryRow(ctx, getEntitySQL, id).Scan(&e.ID, &e.Type, &e.Name, &props, &e.Confidence)
	if err != nil {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, mapErr(err))
	}
	e.Properties, err = unmarshalProps(props)
	return e, err
}

func (r *reader) Relationships(ctx context.Context, nodeID string) ([]common.Relationship, error) {
	rows, err := r.q.Query(ctx, relationshipsSQL, nodeID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []common.Relationship
	for rows.Next() {
		var (
			rel        common.Relationship
			props      []byte
			producedAt *time.Time
		)
		if err := rows.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.Predicate, &rel.Confidence,
			&props, &rel.ProvenanceAgent, &producedAt); err != nil {
			return nil, mapErr(err)
		}
		if rel.Properties, err = unmarshalProps(props); err != nil {
			return nil, err
		}
		if producedAt != nil {
			rel.ProducedAt = *producedAt
		}
		out = append(out, rel)
	}
	return out, mapErr(rows.Err())
}

func (r *reader) Superseded(ctx context.Context, subject, predicate string) ([]common.SupersededFact, error) {
	rows, err := r.q.Query(ctx, supersededSQL, subject, predicate)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []common.SupersededFact
	for rows.Next() {
		var (
			sf  common.SupersededFact
			raw []byte
		)
		if err := rows.Scan(&raw, &sf.Agents, &sf.WinnerObject, &sf.Rationale, &sf.Strategy, &sf.ResolvedAt); err != nil {
			return nil, mapErr(err)
		}
		if err := json.Unmarshal(raw, &sf.Triple); err != nil {
			return nil, fmt.Errorf("decode superseded triple: %w", err)
		}
		out = append(out, sf)
	}
	return out, mapErr(rows.Err())
}

func unmarshalProps(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}

var _ store.Reader = (*reader)(nil)
