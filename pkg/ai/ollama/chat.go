package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const (
	baseContextTokens = 4096
	reservedTokens    = 200
)

// GenerateCompletion sends a single-turn prompt and returns the raw assistant
// text. A response format is passed to Ollama as its JSON schema format.
func (c *GraphOllamaClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.3,
	}, opts...)

	msgs := make([]api.Message, 0, len(options.SystemPrompts)+1)
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sp})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}

	if rf := options.ResponseFormat; rf != nil {
		formatBytes, err := json.Marshal(rf.Schema)
		if err != nil {
			return "", err
		}
		req.Format = json.RawMessage(formatBytes)
	}

	if options.Thinking != "" {
		req.Think = &api.ThinkValue{
			Value: options.Thinking,
		}
	}

	numCtx, err := contextSize(append(append([]string{}, options.SystemPrompts...), prompt)...)
	if err != nil {
		return "", err
	}
	if numCtx > baseContextTokens {
		req.Options["num_ctx"] = numCtx
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return "", err
	}
	defer c.reqLock.Release(1)

	var final api.ChatResponse
	if err := c.Client.Chat(rCtx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return "", err
	}

	c.modifyMetrics(ai.ModelMetrics{
		Calls:        1,
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	if strings.TrimSpace(final.Message.Content) == "" {
		return "", fmt.Errorf("empty response from model %s", options.Model)
	}
	return final.Message.Content, nil
}

// contextSize estimates the context window needed for the given texts with
// the o200k_base encoding plus room for the answer.
func contextSize(texts ...string) (int, error) {
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return 0, err
	}
	tokens := reservedTokens
	for _, t := range texts {
		tokens += len(enc.Encode(t, nil, nil))
	}
	return tokens * 2, nil
}
