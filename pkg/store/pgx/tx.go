package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const upsertEntitySQL = `
INSERT INTO curator_entities (id, type, name, properties, confidence, embedding)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
ON CONFLICT (id) DO UPDATE
SET properties = curator_entities.properties || EXCLUDED.properties,
    confidence = GREATEST(curator_entities.confidence, EXCLUDED.confidence),
    name       = CASE WHEN curator_entities.name = '' THEN EXCLUDED.name ELSE curator_entities.name END,
    type       = CASE WHEN curator_entities.type = '' THEN EXCLUDED.type ELSE curator_entities.type END,
    embedding  = COALESCE(curator_entities.embedding, EXCLUDED.embedding),
    updated_at = now()
`

const insertRelationshipSQL = `
INSERT INTO curator_relationships
    (id, source_id, target_id, predicate, confidence, properties, provenance_agent, produced_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
ON CONFLICT (source_id, predicate, target_id) DO NOTHING
`

const insertSupersededSQL = `
INSERT INTO curator_superseded
    (fact_id, subject, predicate, object, confidence, agents, winner_object, rationale, strategy, resolved_at, triple)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
ON CONFLICT (subject, predicate, object, winner_object, strategy) DO NOTHING
`

type writeTx struct {
	tx pgxv5.Tx
}

func (t *writeTx) LockKeys(ctx context.Context, keys []int64) error {
	for _, k := range keys {
		if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", k); err != nil {
			return fmt.Errorf("advisory lock %d: %w", k, mapErr(err))
		}
	}
	return nil
}

func (t *writeTx) UpsertEntity(ctx context.Context, e common.Entity) error {
	props, err := marshalProps(e.Properties)
	if err != nil {
		return err
	}
	var embedding *pgvector.Vector
	if len(e.Embedding) > 0 {
		v := pgvector.NewVector(e.Embedding)
		embedding = &v
	}
	_, err = t.tx.Exec(ctx, upsertEntitySQL, e.NodeID(), e.Type, e.Name, props, e.Confidence, embedding)
	return mapErr(err)
}

func (t *writeTx) NodeExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM curator_entities WHERE id = $1)", id).Scan(&ok)
	return ok, mapErr(err)
}

func (t *writeTx) InsertRelationship(ctx context.Context, r common.Relationship) (bool, error) {
	props, err := marshalProps(r.Properties)
	if err != nil {
		return false, err
	}
	var producedAt any
	if !r.ProducedAt.IsZero() {
		producedAt = r.ProducedAt
	}
	tag, err := t.tx.Exec(ctx, insertRelationshipSQL,
		r.ID, r.SourceID, r.TargetID, r.Predicate, r.Confidence, props, r.ProvenanceAgent, producedAt)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *writeTx) InsertSuperseded(ctx context.Context, s common.SupersededFact) (bool, error) {
	raw, err := json.Marshal(s.Triple)
	if err != nil {
		return false, fmt.Errorf("marshal superseded triple: %w", err)
	}
	agents := s.Agents
	if agents == nil {
		agents = []string{}
	}
	tag, err := t.tx.Exec(ctx, insertSupersededSQL,
		s.Triple.FactID, s.Triple.Subject, s.Triple.Predicate, s.Triple.Object, s.Triple.Confidence,
		agents, s.WinnerObject, s.Rationale, s.Strategy, s.ResolvedAt, raw)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *writeTx) Commit(ctx context.Context) error {
	return mapErr(t.tx.Commit(ctx))
}

func (t *writeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgxv5.ErrTxClosed) {
		return nil
	}
	return err
}

func marshalProps(props map[string]any) ([]byte, error) {
	if len(props) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}
	return raw, nil
}

var _ store.WriteTx = (*writeTx)(nil)
