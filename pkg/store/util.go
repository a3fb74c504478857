package store

import (
	"maps"
	"sort"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// MergeEntity folds incoming into existing. Properties from incoming
// overwrite keys already present, confidence keeps the maximum and the
// stored name, type and embedding win unless they are empty.
func MergeEntity(existing, incoming common.Entity) common.Entity {
	out := existing
	out.Properties = make(map[string]any, len(existing.Properties)+len(incoming.Properties))
	maps.Copy(out.Properties, existing.Properties)
	maps.Copy(out.Properties, incoming.Properties)
	if incoming.Confidence > out.Confidence {
		out.Confidence = incoming.Confidence
	}
	if out.Name == "" {
		out.Name = incoming.Name
	}
	if out.Type == "" {
		out.Type = incoming.Type
	}
	if len(out.Embedding) == 0 {
		out.Embedding = incoming.Embedding
	}
	out.IsNew = false
	out.MergeTarget = ""
	out.LocalID = ""
	return out
}

// RankSimilar sorts hits by descending similarity, ties by id, and applies
// the limit.
func RankSimilar(hits []SimilarEntity, limit int) []SimilarEntity {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
