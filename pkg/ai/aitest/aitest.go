// Package aitest provides a scripted ai.GraphAIClient for tests.
package aitest

import (
	"context"
	"errors"
	"sync"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
)

// ErrExhausted is returned once a Sequence has no replies left.
var ErrExhausted = errors.New("aitest: no scripted reply left")

// Handler answers a single completion request.
type Handler func(ctx context.Context, prompt string, o ai.GenerateOptions) (string, error)

// Reply is one scripted completion. A Block reply waits for the request
// context to end and returns its error.
type Reply struct {
	Text  string
	Err   error
	Block bool
}

// Sequence returns a Handler that plays replies in order.
func Sequence(replies ...Reply) Handler {
	var mu sync.Mutex
	next := 0
	return func(ctx context.Context, _ string, _ ai.GenerateOptions) (string, error) {
		mu.Lock()
		if next >= len(replies) {
			mu.Unlock()
			return "", ErrExhausted
		}
		r := replies[next]
		next++
		mu.Unlock()

		if r.Block {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return r.Text, r.Err
	}
}

// Text is shorthand for a Sequence of successful replies.
func Text(texts ...string) Handler {
	replies := make([]Reply, len(texts))
	for i, t := range texts {
		replies[i] = Reply{Text: t}
	}
	return Sequence(replies...)
}

// ByFormat dispatches on the response format name of the request.
func ByFormat(routes map[string]Handler) Handler {
	return func(ctx context.Context, prompt string, o ai.GenerateOptions) (string, error) {
		name := ""
		if o.ResponseFormat != nil {
			name = o.ResponseFormat.Name
		}
		h, ok := routes[name]
		if !ok {
			return "", ErrExhausted
		}
		return h(ctx, prompt, o)
	}
}

// Client is a scripted ai.GraphAIClient. It is safe for concurrent use.
type Client struct {
	Complete Handler
	Embed    func(text string) ([]float32, error)

	mu      sync.Mutex
	prompts []string
	metrics ai.ModelMetrics
}

var _ ai.GraphAIClient = (*Client)(nil)

func (c *Client) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.metrics.Calls++
	c.mu.Unlock()

	if c.Complete == nil {
		return "", ErrExhausted
	}
	return c.Complete(ctx, prompt, ai.ApplyOptions(ai.GenerateOptions{}, opts...))
}

func (c *Client) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Embed == nil {
		return []float32{1, 0, 0}, nil
	}
	return c.Embed(string(input))
}

// Prompts returns the prompts received so far.
func (c *Client) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

func (c *Client) ResetMetrics() {
	c.mu.Lock()
	c.metrics = ai.ModelMetrics{}
	c.mu.Unlock()
}

func (c *Client) GetMetrics() ai.ModelMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}
