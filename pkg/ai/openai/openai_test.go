package openai

import (
	"context"
	"testing"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
)

func TestFitDimensions(t *testing.T) {
	got := fitDimensions([]float64{0.5, 0.25, 0.125}, 2)
	if len(got) != 2 || got[0] != 0.5 || got[1] != 0.25 {
		t.Fatalf("truncate: got %v", got)
	}
	got = fitDimensions([]float64{1}, 3)
	if len(got) != 3 || got[0] != 1 || got[2] != 0 {
		t.Fatalf("pad: got %v", got)
	}
}

func TestBlankEmbeddingIsZeroVector(t *testing.T) {
	c := NewGraphOpenAIClient(NewGraphOpenAIClientParams{Dimensions: 4})
	vec, err := c.GenerateEmbedding(context.Background(), []byte("   "))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("expected 4 dims, got %d", len(vec))
	}
}

func TestCompletionWithoutKey(t *testing.T) {
	c := NewGraphOpenAIClient(NewGraphOpenAIClientParams{})
	if _, err := c.GenerateCompletion(context.Background(), "hi"); err == nil {
		t.Fatal("expected error without configured chat client")
	}
}

func TestMetricsAccumulate(t *testing.T) {
	c := NewGraphOpenAIClient(NewGraphOpenAIClientParams{})
	c.modifyMetrics(ai.ModelMetrics{Calls: 1, TotalTokens: 10, DurationMs: 100})
	c.modifyMetrics(ai.ModelMetrics{Calls: 1, TotalTokens: 30, DurationMs: 100})
	m := c.GetMetrics()
	if m.Calls != 2 || m.TotalTokens != 40 || m.TokenPerSecond != 200 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	c.ResetMetrics()
	if c.GetMetrics().Calls != 0 {
		t.Fatal("expected reset metrics")
	}
}
