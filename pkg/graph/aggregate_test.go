package graph

import (
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"

	"github.com/stretchr/testify/assert"
)

func TestAggregatePreservesOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	states := []common.ConsolidatedState{
		{AgentID: "b", Summary: "second agent", ProducedAt: t0.Add(time.Minute)},
		{AgentID: "a", Summary: "first agent", ReasoningTrace: "looked at invoices", Metadata: map[string]any{"src": "erp"}, ProducedAt: t0},
		{AgentID: "b", Summary: "again", ProducedAt: t0.Add(-time.Minute)},
	}

	ec := Aggregate(states)
	assert.False(t, ec.IsEmpty())
	assert.Equal(t, []string{"second agent", "first agent", "again"}, ec.Summaries())
	assert.Equal(t, []string{"", "looked at invoices", ""}, ec.Traces())
	assert.Equal(t, "erp", ec.MetadataBlobs()[1]["src"])
	assert.Equal(t, []string{"b", "a"}, ec.Agents())
	assert.Equal(t, t0.Add(-time.Minute), ec.ProducedAtFor("b"))
	assert.Equal(t, "second agent", ec.SnippetFor("b"))

	states[1].Metadata["src"] = "mutated"
	assert.Equal(t, "erp", ec.MetadataBlobs()[1]["src"], "context must not alias state metadata")
}

func TestAggregateEmpty(t *testing.T) {
	ec := Aggregate(nil)
	assert.True(t, ec.IsEmpty())
	assert.Empty(t, ec.Summaries())
}

func TestRenderReports(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ec := Aggregate([]common.ConsolidatedState{
		{AgentID: "b", Summary: "price is 10", ProducedAt: t0},
		{AgentID: "a", Summary: "price is 12", ReasoningTrace: "read the invoice", Metadata: map[string]any{"z": 1, "src": "erp"}, ProducedAt: t0},
	})

	out := renderReports(ec)
	assert.Contains(t, out, "Reporting agents: b, a\n")
	assert.Contains(t, out, "## Report 1\nAgent: b\nProduced at: 2026-01-02T03:04:05Z\nSummary: price is 10\n\n")
	assert.Contains(t, out, "Summary: price is 12\nReasoning: read the invoice\nMetadata: src=erp z=1\n")
}
