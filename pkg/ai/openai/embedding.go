package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"

	"github.com/openai/openai-go/v3"
)

const defaultDimensions = 4096

// GenerateEmbedding creates a vector embedding for the given input text
// using the configured embedding model. Vectors are truncated or zero padded
// to the configured dimension so they fit the store column.
//
// Example:
//
//	embedding, err := client.GenerateEmbedding(ctx, []byte("PRODUCT Widget color=blue"))
func (c *GraphOpenAIClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if len(input) == 0 || len(strings.TrimSpace(string(input))) == 0 {
		return make([]float32, c.dimensions), nil
	}
	if c.EmbeddingClient == nil {
		return nil, errors.New("openai embedding client not configured")
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{string(input)}},
		Model: c.embeddingModel,
	}

	start := time.Now()
	response, err := c.EmbeddingClient.Embeddings.New(rCtx, body)
	if err != nil {
		return nil, err
	}

	c.modifyMetrics(ai.ModelMetrics{
		Calls:       1,
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  time.Since(start).Milliseconds(),
	})

	if len(response.Data) != 1 {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want 1", len(response.Data))
	}
	return fitDimensions(response.Data[0].Embedding, c.dimensions), nil
}

func fitDimensions(in []float64, dim int) []float32 {
	out := make([]float32, dim)
	for i := 0; i < len(in) && i < dim; i++ {
		out[i] = float32(in[i])
	}
	return out
}
