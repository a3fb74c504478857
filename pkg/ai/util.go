package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

func stripDuplicateLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		rest := strings.TrimSpace(s[1:])
		if strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}

// stripCodeFence removes a surrounding markdown code fence, which some models
// add even when a response format is requested.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// GenerateSchema creates a JSON Schema from the given Go type.
// It uses reflection to inspect the type structure and generates
// a schema suitable for use with AI structured output.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	v := reflect.New(t).Interface()
	return reflector.Reflect(v)
}

// UnmarshalFlexible attempts to unmarshal JSON into the target with multiple fallback strategies.
// It first tries standard JSON unmarshaling, then handles double-encoded JSON strings,
// and finally attempts to repair malformed JSON before parsing.
//
// Example:
//
//	var result MyStruct
//	UnmarshalFlexible(`{"name": "test"}`, &result)           // standard JSON
//	UnmarshalFlexible(`"{\"name\": \"test\"}"`, &result)     // double-encoded
//	UnmarshalFlexible(`{name: "test"}`, &result)             // malformed (repaired)
func UnmarshalFlexible(input string, out any) error {
	input = stripCodeFence(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	input = stripDuplicateLeadingBrace(input)
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w (input: %s)", err, input)
	}

	if err := json.Unmarshal([]byte(repaired), out); err == nil {
		return nil
	}

	return fmt.Errorf(
		"unmarshal failed after repair: input=%s repaired=%s",
		input, repaired,
	)
}

// Result is the tagged outcome of a model call: either Ok with a value or
// Empty with the reason the value is missing. Raw keeps the model response
// for logging.
type Result[T any] struct {
	value  T
	ok     bool
	reason string
	raw    string
}

// Ok wraps a parsed value.
func Ok[T any](v T, raw string) Result[T] {
	return Result[T]{value: v, ok: true, raw: raw}
}

// Empty records why no value is available.
func Empty[T any](reason, raw string) Result[T] {
	return Result[T]{reason: reason, raw: raw}
}

// Get returns the value and whether it is present.
func (r Result[T]) Get() (T, bool) {
	return r.value, r.ok
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool { return r.ok }

// Reason returns why the result is empty.
func (r Result[T]) Reason() string { return r.reason }

// Raw returns the unparsed model response.
func (r Result[T]) Raw() string { return r.raw }

// Parse converts a raw model response into a Result. Blank or unparsable
// responses become Empty.
func Parse[T any](raw string) Result[T] {
	if strings.TrimSpace(raw) == "" {
		return Empty[T]("empty response", raw)
	}
	var out T
	if err := UnmarshalFlexible(raw, &out); err != nil {
		return Empty[T](fmt.Sprintf("malformed response: %v", err), raw)
	}
	return Ok(out, raw)
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when the
// vectors differ in length or one of them is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func roundTokensPerSecond(totalTokens int, durationMs int64) float32 {
	if durationMs <= 0 {
		return 0
	}
	tps := (float64(totalTokens) * 1000.0) / float64(durationMs)
	return float32(math.Round(tps*100) / 100)
}

// Accumulate adds m to the running totals in acc and refreshes the throughput.
func (acc *ModelMetrics) Accumulate(m ModelMetrics) {
	acc.Calls += m.Calls
	acc.InputTokens += m.InputTokens
	acc.OutputTokens += m.OutputTokens
	acc.TotalTokens += m.TotalTokens
	acc.DurationMs += m.DurationMs
	acc.TokenPerSecond = roundTokensPerSecond(acc.TotalTokens, acc.DurationMs)
}
