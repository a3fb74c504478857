package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai/aitest"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const factualJSON = `{
  "entities": [
    {"id": "e1", "type": "product", "name": "Widget", "properties": [{"key": "color", "value": "blue"}], "confidence": 0.9},
    {"id": "e2", "type": "PRICE", "name": "10 USD", "properties": [], "confidence": 0.8},
    {"id": "e3", "type": "PRICE", "name": "12 USD", "properties": [], "confidence": 0.8},
    {"id": "e4", "type": "EVENT", "name": "Supply shortage", "properties": [], "confidence": 0.7},
    {"id": "e5", "type": "PRODUCT", "name": "widget ", "properties": [{"key": "size", "value": "L"}], "confidence": 0.95}
  ],
  "triples": [
    {"id": "f1", "subject": "e1", "predicate": "has_price", "object": "e2", "confidence": 0.8, "agent": "a1"},
    {"id": "f2", "subject": "e5", "predicate": "HAS_PRICE", "object": "e3", "confidence": 0.7, "agent": "a2"},
    {"id": "f3", "subject": "e4", "predicate": "AFFECTS", "object": "e1", "confidence": 0.6, "agent": "ghost"}
  ],
  "conflicting_facts": [
    {"fact_ids": ["f1", "f2"], "reason": "different prices"},
    {"fact_ids": ["f1", "f404"], "reason": "unknown fact"}
  ]
}`

const causalJSON = `{"causal_relations": [
  {"cause": "e4", "effect": "e3", "mechanism": "shortage raised the cost", "strength": 0.7, "evidence": ["f2", "f3", "f99"]},
  {"cause": "e4", "effect": "e9", "mechanism": "unknown effect", "strength": 0.5, "evidence": ["f1"]},
  {"cause": "e4", "effect": "e1", "mechanism": "", "strength": 0.5, "evidence": ["f1"]},
  {"cause": "e4", "effect": "e1", "mechanism": "no evidence", "strength": 0.5, "evidence": ["f99"]}
]}`

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testContext() common.ExtractionContext {
	return Aggregate([]common.ConsolidatedState{
		{AgentID: "a1", Summary: "Widget costs 10 USD", ProducedAt: t0},
		{AgentID: "a2", Summary: "Widget costs 12 USD after the shortage", ProducedAt: t0.Add(time.Hour)},
	})
}

func embedByName(text string) ([]float32, error) {
	if strings.HasPrefix(strings.ToUpper(text), "PRODUCT WIDGET") {
		return []float32{1, 0, 0}, nil
	}
	return []float32{0, 1, 0}, nil
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	tx, err := s.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEntity(ctx, common.Entity{
		ID: "node-widget", Type: "PRODUCT", Name: "Widget", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, tx.Commit(ctx))
	return s
}

func TestExtractResolvesEntitiesAndFacts(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.ByFormat(map[string]aitest.Handler{
			"factual_extraction": aitest.Text(factualJSON),
			"causal_inference":   aitest.Text(causalJSON),
		}),
		Embed: embedByName,
	}
	x := NewExtractor(NewExtractorParams{Client: client, Store: seededStore(t)})

	out, err := x.Extract(context.Background(), testContext())
	require.NoError(t, err)
	require.Empty(t, out.Errors)

	require.Len(t, out.Entities, 4, "the two widgets fold into one")
	byName := map[string]common.Entity{}
	for _, e := range out.Entities {
		byName[e.Name] = e
	}
	widget := byName["Widget"]
	assert.Equal(t, "node-widget", widget.MergeTarget)
	assert.Equal(t, "node-widget", widget.NodeID())
	assert.False(t, widget.IsNew)
	assert.Equal(t, "blue", widget.Properties["color"])
	assert.Equal(t, "L", widget.Properties["size"])
	assert.InDelta(t, 0.95, widget.Confidence, 1e-9)

	for _, name := range []string{"10 USD", "12 USD", "Supply shortage"} {
		e := byName[name]
		assert.True(t, e.IsNew, name)
		assert.NotEmpty(t, e.ID, name)
		assert.Empty(t, e.MergeTarget, name)
	}

	require.Len(t, out.Triples, 3)
	f1, f2, f3 := out.Triples[0], out.Triples[1], out.Triples[2]
	assert.Equal(t, "node-widget", f1.Subject)
	assert.Equal(t, "HAS_PRICE", f1.Predicate)
	assert.Equal(t, byName["10 USD"].ID, f1.Object)
	assert.Equal(t, t0, f1.ProducedAt)
	assert.Equal(t, "node-widget", f2.Subject, "folded placeholder resolves to the same node")
	assert.Equal(t, t0.Add(time.Hour), f2.ProducedAt)
	assert.Equal(t, "ghost", f3.ProvenanceAgent)
	assert.False(t, f3.ProducedAt.IsZero(), "unknown agents fall back to the batch time")

	require.Len(t, out.Signals, 1)
	assert.Equal(t, []string{"f1", "f2"}, out.Signals[0].FactIDs)

	require.Len(t, out.Causal, 1)
	c := out.Causal[0]
	assert.Equal(t, byName["Supply shortage"].ID, c.Cause)
	assert.Equal(t, byName["12 USD"].ID, c.Effect)
	assert.Equal(t, []string{"f2", "f3"}, c.Evidence)
}

func TestEntityConfidenceIsClamped(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.ByFormat(map[string]aitest.Handler{
			"factual_extraction": aitest.Text(`{
  "entities": [
    {"id": "e1", "type": "PRODUCT", "name": "Widget", "properties": [], "confidence": 1.7},
    {"id": "e2", "type": "PRICE", "name": "10 USD", "properties": [], "confidence": -0.2},
    {"id": "e3", "type": "PRICE", "name": "12 USD", "properties": [], "confidence": 0.4}
  ],
  "triples": [{"id": "f1", "subject": "e1", "predicate": "HAS_PRICE", "object": "e2", "confidence": 0.8, "agent": "a1"}],
  "conflicting_facts": []
}`),
			"causal_inference": aitest.Text(`{"causal_relations": []}`),
		}),
	}
	x := NewExtractor(NewExtractorParams{Client: client})

	out, err := x.Extract(context.Background(), testContext())
	require.NoError(t, err)

	got := map[string]float64{}
	for _, e := range out.Entities {
		got[e.Name] = e.Confidence
	}
	assert.Equal(t, map[string]float64{"Widget": 1, "10 USD": 0, "12 USD": 0.4}, got)
}

func TestExtractRetriesFailedStage(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.ByFormat(map[string]aitest.Handler{
			"factual_extraction": aitest.Sequence(
				aitest.Reply{Err: errors.New("upstream 502")},
				aitest.Reply{Text: "   "},
				aitest.Reply{Text: factualJSON},
			),
			"causal_inference": aitest.Text(`{"causal_relations": []}`),
		}),
	}
	x := NewExtractor(NewExtractorParams{Client: client, StageRetries: 2})

	out, err := x.Extract(context.Background(), testContext())
	require.NoError(t, err)
	assert.Empty(t, out.Errors)
	assert.Len(t, out.Triples, 3)
	assert.Empty(t, out.Causal)
	assert.Len(t, client.Prompts(), 4)
}

func TestExtractFactualFailureYieldsNoKnowledge(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.ByFormat(map[string]aitest.Handler{
			"factual_extraction": aitest.Sequence(
				aitest.Reply{Err: errors.New("boom")},
				aitest.Reply{Err: errors.New("boom")},
			),
		}),
	}
	x := NewExtractor(NewExtractorParams{Client: client, StageRetries: 1})

	out, err := x.Extract(context.Background(), testContext())
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "factual", out.Errors[0].Stage)
	assert.Contains(t, out.Errors[0].Reason, "boom")
}

func TestExtractCausalFailureKeepsFacts(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.ByFormat(map[string]aitest.Handler{
			"factual_extraction": aitest.Text(factualJSON),
			"causal_inference":   aitest.Text("this is not what we asked for"),
		}),
	}
	x := NewExtractor(NewExtractorParams{Client: client})

	out, err := x.Extract(context.Background(), testContext())
	require.NoError(t, err)
	assert.Len(t, out.Triples, 3)
	assert.Empty(t, out.Causal)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "causal", out.Errors[0].Stage)
	assert.Equal(t, "this is not what we asked for", out.Errors[0].Raw)
}

func TestExtractDeadline(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.Sequence(aitest.Reply{Block: true}),
	}
	x := NewExtractor(NewExtractorParams{Client: client, CallTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := x.Extract(ctx, testContext())
	require.ErrorIs(t, err, ErrExtractionDeadline)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtractEmptyContext(t *testing.T) {
	client := &aitest.Client{}
	x := NewExtractor(NewExtractorParams{Client: client})

	out, err := x.Extract(context.Background(), common.ExtractionContext{})
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
	assert.Empty(t, client.Prompts())
}

func TestEmbeddingFailureTreatsEntityAsNew(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.ByFormat(map[string]aitest.Handler{
			"factual_extraction": aitest.Text(factualJSON),
			"causal_inference":   aitest.Text(`{"causal_relations": []}`),
		}),
		Embed: func(string) ([]float32, error) { return nil, errors.New("embedding backend down") },
	}
	x := NewExtractor(NewExtractorParams{Client: client, Store: seededStore(t)})

	out, err := x.Extract(context.Background(), testContext())
	require.NoError(t, err)
	for _, e := range out.Entities {
		assert.True(t, e.IsNew, e.Name)
		assert.NotEqual(t, "node-widget", e.ID)
	}
}

func TestComparatorCanRejectMatches(t *testing.T) {
	client := &aitest.Client{
		Complete: aitest.ByFormat(map[string]aitest.Handler{
			"factual_extraction": aitest.Text(factualJSON),
			"causal_inference":   aitest.Text(`{"causal_relations": []}`),
		}),
		Embed: embedByName,
	}
	var seen int
	x := NewExtractor(NewExtractorParams{
		Client: client,
		Store:  seededStore(t),
		Comparator: ComparatorFunc(func(_ context.Context, c common.Entity, m []store.SimilarEntity) (string, bool) {
			seen++
			return "", false
		}),
	})

	out, err := x.Extract(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	for _, e := range out.Entities {
		assert.True(t, e.IsNew)
	}
}

func TestFoldDuplicates(t *testing.T) {
	in := []common.Entity{
		{LocalID: "e1", Type: "PRODUCT", Name: "Widget", Confidence: 0.5, Properties: map[string]any{"a": 1}},
		{LocalID: "e2", Type: "PRODUCT", Name: " widget", Confidence: 0.9, Properties: map[string]any{"b": 2}},
		{LocalID: "e3", Type: "COMPANY", Name: "Widget"},
	}
	out, alias := foldDuplicates(in)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, out[0].Properties)
	assert.InDelta(t, 0.9, out[0].Confidence, 1e-9)
	assert.Equal(t, map[string]string{"e1": "e1", "e2": "e1", "e3": "e3"}, alias)
	assert.Equal(t, map[string]any{"a": 1}, in[0].Properties, "input is not mutated")
}

func TestEmbeddingTextIsDeterministic(t *testing.T) {
	e := common.Entity{Type: "PRODUCT", Name: "Widget", Properties: map[string]any{"size": "L", "color": "blue"}}
	assert.Equal(t, "PRODUCT Widget color=blue size=L", embeddingText(e))
}
