package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"

	"github.com/stretchr/testify/assert"
)

func TestDedupeStrings(t *testing.T) {
	assert.Nil(t, DedupeStrings(nil))
	assert.Equal(t, []string{"a", "b"}, DedupeStrings([]string{"a", "", "b", "a"}))
}

func TestMergeEntityIsIdempotent(t *testing.T) {
	existing := common.Entity{ID: "n1", Type: "PRODUCT", Name: "Widget", Confidence: 0.6,
		Properties: map[string]any{"color": "blue"}}
	incoming := common.Entity{ID: "n1", Name: "widget", Confidence: 0.9,
		Properties: map[string]any{"size": "L"}}

	once := MergeEntity(existing, incoming)
	twice := MergeEntity(once, incoming)

	assert.Equal(t, once, twice)
	assert.Equal(t, "Widget", once.Name)
	assert.Equal(t, 0.9, once.Confidence)
	assert.Equal(t, map[string]any{"color": "blue", "size": "L"}, once.Properties)
	assert.Equal(t, map[string]any{"color": "blue"}, existing.Properties, "input must not be mutated")
}

func TestRankSimilar(t *testing.T) {
	hits := []SimilarEntity{
		{Entity: common.Entity{ID: "b"}, Similarity: 0.9},
		{Entity: common.Entity{ID: "c"}, Similarity: 0.95},
		{Entity: common.Entity{ID: "a"}, Similarity: 0.9},
	}
	got := RankSimilar(hits, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Entity.ID)
	assert.Equal(t, "a", got[1].Entity.ID)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrLockTimeout, true},
		{fmt.Errorf("lock n1: %w", ErrDeadlock), true},
		{ErrSerialization, true},
		{ErrNotFound, false},
		{errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}
