package ai

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker around a GraphAIClient.
type BreakerSettings struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerSettings returns the settings used by the worker.
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      10,
	}
}

// BreakerClient decorates a GraphAIClient with a circuit breaker so a failing
// model endpoint is short-circuited instead of burning every stage timeout.
// Completion and embedding calls share one breaker.
type BreakerClient struct {
	inner GraphAIClient
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps inner.
func NewBreakerClient(inner GraphAIClient, s BreakerSettings) *BreakerClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[AI] circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up is not a model failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerClient{inner: inner, cb: cb}
}

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("ai circuit breaker open")

func (b *BreakerClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.GenerateCompletion(ctx, prompt, opts...)
	})
	if err != nil {
		return "", mapBreakerErr(err)
	}
	return out.(string), nil
}

func (b *BreakerClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.GenerateEmbedding(ctx, input)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return out.([]float32), nil
}

func (b *BreakerClient) ResetMetrics() { b.inner.ResetMetrics() }

func (b *BreakerClient) GetMetrics() ModelMetrics { return b.inner.GetMetrics() }

// State returns the current breaker state name.
func (b *BreakerClient) State() string { return b.cb.State().String() }

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrBreakerOpen, err)
	}
	return err
}
