package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/util"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrExtractionDeadline is returned when the batch level extraction deadline
// passes before all stages completed.
var ErrExtractionDeadline = errors.New("extraction deadline exceeded")

// StageError records a stage that produced no usable output.
type StageError struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

// Extraction is the knowledge obtained from one ExtractionContext. Entities
// carry resolved node ids and triple and causal endpoints reference them.
type Extraction struct {
	Entities []common.Entity
	Triples  []common.Triple
	Causal   []common.CausalRelation
	Signals  []common.ConflictSignal
	Errors   []StageError
}

// IsEmpty reports whether nothing was extracted.
func (e Extraction) IsEmpty() bool {
	return len(e.Entities) == 0 && len(e.Triples) == 0 && len(e.Causal) == 0
}

// Extractor runs the three extraction stages: factual extraction, causal
// inference and entity disambiguation.
//
// An Extractor should be created using NewExtractor.
type Extractor struct {
	client     ai.GraphAIClient
	store      store.GraphStore
	comparator Comparator

	callTimeout  time.Duration
	stageRetries int
	parallel     int
	threshold    float64
	limit        int

	tracer trace.Tracer
}

// NewExtractorParams configures an Extractor.
//
// Store may be nil, in which case every entity is treated as new.
// StageRetries is the number of additional attempts per stage after the
// first one failed or returned malformed output.
type NewExtractorParams struct {
	Client     ai.GraphAIClient
	Store      store.GraphStore
	Comparator Comparator

	CallTimeout         time.Duration
	StageRetries        int
	ParallelRequests    int
	SimilarityThreshold float64
	SimilarityLimit     int
}

// NewExtractor creates an Extractor with defaults for every unset parameter.
func NewExtractor(p NewExtractorParams) *Extractor {
	if p.Comparator == nil {
		p.Comparator = TopRanked
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 45 * time.Second
	}
	if p.StageRetries < 0 {
		p.StageRetries = 0
	}
	if p.ParallelRequests <= 0 {
		p.ParallelRequests = 8
	}
	if p.SimilarityThreshold <= 0 {
		p.SimilarityThreshold = 0.85
	}
	if p.SimilarityLimit <= 0 {
		p.SimilarityLimit = 5
	}

	return &Extractor{
		client:       p.Client,
		store:        p.Store,
		comparator:   p.Comparator,
		callTimeout:  p.CallTimeout,
		stageRetries: p.StageRetries,
		parallel:     p.ParallelRequests,
		threshold:    p.SimilarityThreshold,
		limit:        p.SimilarityLimit,
		tracer:       otel.Tracer("github.com/OFFIS-RIT/kiwi/curator/pkg/graph"),
	}
}

// Extract turns an extraction context into entities, facts and causal
// relations. A failed factual stage yields an Extraction without knowledge
// and a StageError; a failed causal stage only loses the causal relations.
// If ctx expires during extraction the result is ErrExtractionDeadline.
func (x *Extractor) Extract(ctx context.Context, ec common.ExtractionContext) (Extraction, error) {
	var out Extraction
	if ec.IsEmpty() {
		return out, nil
	}

	sCtx, span := x.tracer.Start(ctx, "extract.factual", trace.WithAttributes(attribute.Int("states", len(ec.Entries))))
	facts := x.extractFacts(sCtx, ec)
	endSpan(span, facts.IsOk(), facts.Reason())
	if err := deadline(ctx); err != nil {
		return out, err
	}
	f, ok := facts.Get()
	if !ok {
		logger.Error("[Extract] factual extraction failed", "reason", facts.Reason())
		out.Errors = append(out.Errors, StageError{Stage: "factual", Reason: facts.Reason(), Raw: facts.Raw()})
		return out, nil
	}

	sCtx, span = x.tracer.Start(ctx, "extract.causal")
	causal := x.inferCausal(sCtx, ec, f)
	endSpan(span, causal.IsOk(), causal.Reason())
	if err := deadline(ctx); err != nil {
		return out, err
	}
	relations, ok := causal.Get()
	if !ok {
		logger.Warn("[Extract] causal inference failed, continuing without causal relations", "reason", causal.Reason())
		out.Errors = append(out.Errors, StageError{Stage: "causal", Reason: causal.Reason(), Raw: causal.Raw()})
	}

	sCtx, span = x.tracer.Start(ctx, "extract.disambiguate", trace.WithAttributes(attribute.Int("entities", len(f.Entities))))
	entities, resolved, err := x.disambiguate(sCtx, f.Entities)
	endSpan(span, err == nil, errString(err))
	if dErr := deadline(ctx); dErr != nil {
		return out, dErr
	}
	if err != nil {
		return out, fmt.Errorf("disambiguate entities: %w", err)
	}

	out.Entities = entities
	out.Signals = f.Signals
	out.Triples = make([]common.Triple, 0, len(f.Triples))
	for _, t := range f.Triples {
		t.Subject = resolve(resolved, t.Subject)
		t.Object = resolve(resolved, t.Object)
		out.Triples = append(out.Triples, t)
	}
	out.Causal = make([]common.CausalRelation, 0, len(relations))
	for _, r := range relations {
		r.Cause = resolve(resolved, r.Cause)
		r.Effect = resolve(resolved, r.Effect)
		out.Causal = append(out.Causal, r)
	}

	logger.Debug("[Extract] extraction finished",
		"entities", len(out.Entities), "triples", len(out.Triples),
		"causal", len(out.Causal), "signals", len(out.Signals))
	return out, nil
}

func resolve(resolved map[string]string, placeholder string) string {
	if id, ok := resolved[placeholder]; ok {
		return id
	}
	return placeholder
}

func deadline(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrExtractionDeadline, err)
	}
	return err
}

func endSpan(span trace.Span, ok bool, reason string) {
	if !ok {
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// callStage sends prompt until the response parses into T or the stage
// retries are used up. Each call gets its own timeout so a hanging call can
// be retried within the batch deadline.
func callStage[T any](
	ctx context.Context,
	x *Extractor,
	stage string,
	prompt string,
	opts ...ai.GenerateOption,
) ai.Result[T] {
	last := ai.Empty[T]("no attempt made", "")
	attempt := 0
	_, err := util.RetryWithContext(ctx, x.stageRetries+1, func(ctx context.Context) (T, error) {
		var zero T
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, x.callTimeout)
		defer cancel()
		raw, err := x.client.GenerateCompletion(callCtx, prompt, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			logger.Warn("[Extract] stage call failed", "stage", stage, "attempt", attempt, "err", err)
			// not wrapped, a per-call timeout has to stay retryable
			last = ai.Empty[T](fmt.Sprintf("call failed: %v", err), raw)
			return zero, errors.New(last.Reason())
		}

		last = ai.Parse[T](raw)
		if v, ok := last.Get(); ok {
			return v, nil
		}
		logger.Warn("[Extract] malformed stage output", "stage", stage, "attempt", attempt, "reason", last.Reason())
		logger.Debug("[Extract] raw stage output", "stage", stage, "raw", raw)
		return zero, errors.New(last.Reason())
	})
	if err != nil && ctx.Err() != nil {
		return ai.Empty[T](ctx.Err().Error(), last.Raw())
	}
	return last
}
