package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyClient struct {
	calls int
	err   error
}

func (f *flakyClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "{}", nil
}

func (f *flakyClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func (f *flakyClient) ResetMetrics()            {}
func (f *flakyClient) GetMetrics() ModelMetrics { return ModelMetrics{} }

func TestBreakerClientOpensAfterFailures(t *testing.T) {
	inner := &flakyClient{err: errors.New("upstream 500")}
	b := NewBreakerClient(inner, BreakerSettings{
		Name:             "test",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      3,
	})

	for i := 0; i < 3; i++ {
		_, err := b.GenerateCompletion(context.Background(), "p")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}

	_, err := b.GenerateEmbedding(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 3, inner.calls, "open breaker must not reach the client")
	assert.Equal(t, "open", b.State())
}

func TestBreakerClientPassesThrough(t *testing.T) {
	inner := &flakyClient{}
	b := NewBreakerClient(inner, DefaultBreakerSettings("ok"))

	out, err := b.GenerateCompletion(context.Background(), "p", WithTemperature(0.1))
	require.NoError(t, err)
	assert.Equal(t, "{}", out)

	vec, err := b.GenerateEmbedding(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Len(t, vec, 2)
}

func TestApplyOptions(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	o := ApplyOptions(GenerateOptions{Model: "default", Temperature: 0.5},
		WithTemperature(0.1),
		WithSystemPrompts("a", "b"),
		WithResponseFormat("payload", "desc", payload{}),
	)
	assert.Equal(t, "default", o.Model)
	assert.Equal(t, 0.1, o.Temperature)
	assert.Equal(t, []string{"a", "b"}, o.SystemPrompts)
	require.NotNil(t, o.ResponseFormat)
	assert.Equal(t, "payload", o.ResponseFormat.Name)
	assert.NotNil(t, o.ResponseFormat.Schema)
}
