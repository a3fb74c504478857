package graph

import (
	"maps"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

// Aggregate combines a batch of consolidated states into one extraction
// context. Arrival order is preserved; an empty batch yields an empty context.
func Aggregate(states []common.ConsolidatedState) common.ExtractionContext {
	ec := common.ExtractionContext{
		Entries:  make([]common.ContextEntry, 0, len(states)),
		FormedAt: time.Now().UTC(),
	}
	for _, s := range states {
		ec.Entries = append(ec.Entries, common.ContextEntry{
			AgentID:        s.AgentID,
			Summary:        s.Summary,
			ReasoningTrace: s.ReasoningTrace,
			Metadata:       maps.Clone(s.Metadata),
			ProducedAt:     s.ProducedAt,
		})
	}
	return ec
}
