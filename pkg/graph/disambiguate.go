package graph

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// Comparator decides whether a freshly extracted entity is the same real
// world thing as one of the similar stored entities. matches are ordered by
// descending similarity and never empty.
type Comparator interface {
	Choose(ctx context.Context, candidate common.Entity, matches []store.SimilarEntity) (nodeID string, ok bool)
}

// ComparatorFunc adapts a function to the Comparator interface.
type ComparatorFunc func(ctx context.Context, candidate common.Entity, matches []store.SimilarEntity) (string, bool)

func (f ComparatorFunc) Choose(ctx context.Context, candidate common.Entity, matches []store.SimilarEntity) (string, bool) {
	return f(ctx, candidate, matches)
}

// TopRanked merges into the most similar match.
var TopRanked = ComparatorFunc(func(_ context.Context, _ common.Entity, matches []store.SimilarEntity) (string, bool) {
	if len(matches) == 0 {
		return "", false
	}
	return matches[0].Entity.ID, true
})

func dedupeKey(e common.Entity) string {
	return strings.ToUpper(e.Type) + "\x00" + strings.ToLower(strings.TrimSpace(e.Name))
}

// foldDuplicates collapses entities with the same type and name inside one
// batch. The returned alias map points every placeholder at the placeholder
// of the entity it was folded into.
func foldDuplicates(entities []common.Entity) ([]common.Entity, map[string]string) {
	alias := make(map[string]string, len(entities))
	index := make(map[string]int, len(entities))
	out := make([]common.Entity, 0, len(entities))

	for _, e := range entities {
		key := dedupeKey(e)
		if i, ok := index[key]; ok {
			kept := &out[i]
			if len(e.Properties) > 0 {
				if kept.Properties == nil {
					kept.Properties = make(map[string]any, len(e.Properties))
				}
				maps.Copy(kept.Properties, e.Properties)
			}
			kept.Confidence = max(kept.Confidence, e.Confidence)
			alias[e.LocalID] = kept.LocalID
			continue
		}
		e.Properties = maps.Clone(e.Properties)
		index[key] = len(out)
		alias[e.LocalID] = e.LocalID
		out = append(out, e)
	}
	return out, alias
}

func embeddingText(e common.Entity) string {
	var sb strings.Builder
	sb.WriteString(e.Type)
	sb.WriteString(" ")
	sb.WriteString(e.Name)
	for _, k := range e.SortedPropertyKeys() {
		fmt.Fprintf(&sb, " %s=%v", k, e.Properties[k])
	}
	return sb.String()
}

// disambiguate embeds the entities, searches the graph for similar nodes and
// marks every entity either as new (with a generated id) or as merging into
// an existing node. The returned map resolves every input placeholder,
// including folded duplicates, to a node id.
func (x *Extractor) disambiguate(ctx context.Context, entities []common.Entity) ([]common.Entity, map[string]string, error) {
	unique, alias := foldDuplicates(entities)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(x.parallel)
	for i := range unique {
		g.Go(func() error {
			e := &unique[i]
			callCtx, cancel := context.WithTimeout(gCtx, x.callTimeout)
			defer cancel()
			vec, err := x.client.GenerateEmbedding(callCtx, []byte(embeddingText(*e)))
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				logger.Warn("[Extract] embedding failed, treating entity as new", "entity", e.Name, "err", err)
				return nil
			}
			e.Embedding = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	matches := make([][]store.SimilarEntity, len(unique))
	if x.store != nil {
		err := x.store.View(ctx, func(r store.Reader) error {
			for i, e := range unique {
				if len(e.Embedding) == 0 {
					continue
				}
				hits, err := r.FindSimilarEntities(ctx, store.SimilarityQuery{
					Embedding: e.Embedding,
					Type:      e.Type,
					Threshold: x.threshold,
					Limit:     x.limit,
				})
				if err != nil {
					return fmt.Errorf("similarity search for %q: %w", e.Name, err)
				}
				matches[i] = hits
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	resolved := make(map[string]string, len(alias))
	for i := range unique {
		e := &unique[i]
		if len(matches[i]) > 0 {
			if target, ok := x.comparator.Choose(ctx, *e, matches[i]); ok && target != "" {
				e.MergeTarget = target
				e.ID = target
				e.IsNew = false
				resolved[e.LocalID] = target
				continue
			}
		}
		id, err := gonanoid.New()
		if err != nil {
			return nil, nil, fmt.Errorf("generate entity id: %w", err)
		}
		e.ID = id
		e.IsNew = true
		resolved[e.LocalID] = id
	}
	for local, canonical := range alias {
		resolved[local] = resolved[canonical]
	}
	return unique, resolved, nil
}
