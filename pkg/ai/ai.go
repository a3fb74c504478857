package ai

import (
	"context"
)

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model          string          // Model identifier to use for generation
	SystemPrompts  []string        // System prompts prepended to the request
	Temperature    float64         // Sampling temperature (0.0-2.0)
	Thinking       string          // Extended thinking mode configuration
	ResponseFormat *ResponseFormat // Structured output schema, nil for free text
}

// ResponseFormat names a JSON schema the model output must follow.
type ResponseFormat struct {
	Name        string
	Description string
	Schema      any
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	Calls          int     `json:"calls"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
// Higher values (e.g., 1.0) produce more random outputs, while lower values
// (e.g., 0.2) make outputs more focused and deterministic.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithThinking returns a GenerateOption that enables extended thinking mode.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// WithResponseFormat constrains the output to the JSON schema generated from
// the Go type of value.
func WithResponseFormat(name, description string, value any) GenerateOption {
	return func(o *GenerateOptions) {
		o.ResponseFormat = &ResponseFormat{
			Name:        name,
			Description: description,
			Schema:      GenerateSchema(value),
		}
	}
}

// ApplyOptions folds opts over base.
func ApplyOptions(base GenerateOptions, opts ...GenerateOption) GenerateOptions {
	for _, o := range opts {
		o(&base)
	}
	return base
}

// GraphAIClient defines the model collaborator used by the extractor and the
// conflict resolver. Completion output is returned raw; callers parse it with
// Parse so malformed responses can be logged before they are dropped.
type GraphAIClient interface {
	GenerateCompletion(
		ctx context.Context,
		prompt string,
		opts ...GenerateOption,
	) (string, error)

	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)

	ResetMetrics()
	GetMetrics() ModelMetrics
}
