package conflict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/util"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
)

// ErrUnresolved is returned when no strategy could pick a winner. The set
// should be deferred to a later pass.
var ErrUnresolved = errors.New("conflict unresolved")

// Choice is the pick of a Strategy: the index of the winning fact.
type Choice struct {
	Index      int
	Rationale  string
	Confidence float64
}

// Strategy picks exactly one winner among the facts of a set.
type Strategy interface {
	Name() string
	Choose(ctx context.Context, set common.ConflictSet) (Choice, error)
}

// Resolver tries its strategies in order until one returns a valid choice.
//
// A Resolver should be created using NewResolver or NewDefaultResolver.
type Resolver struct {
	strategies []Strategy
	now        func() time.Time
}

// NewResolver creates a Resolver with the given strategy chain.
func NewResolver(strategies ...Strategy) *Resolver {
	return &Resolver{
		strategies: strategies,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewResolverParams configures the default strategy chain.
type NewResolverParams struct {
	Client      ai.GraphAIClient
	CallTimeout time.Duration
	Retries     int
}

// NewDefaultResolver resolves by semantic vote and falls back to the most
// confident fact.
func NewDefaultResolver(p NewResolverParams) *Resolver {
	return NewResolver(SemanticVote(p.Client, p.CallTimeout, p.Retries), HighestConfidence())
}

// Resolve picks the winner of set. Losers are returned as they are; nothing
// is merged. If every strategy fails, or ctx ends before one succeeded, the
// error wraps ErrUnresolved.
func (r *Resolver) Resolve(ctx context.Context, set common.ConflictSet) (common.Resolution, error) {
	if len(set.Facts) == 0 {
		return common.Resolution{}, fmt.Errorf("%w: empty conflict set %s %s", ErrUnresolved, set.Subject, set.Predicate)
	}

	var errs []error
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return common.Resolution{}, fmt.Errorf("%w: %w", ErrUnresolved, err)
		}

		c, err := s.Choose(ctx, set)
		if err == nil && (c.Index < 0 || c.Index >= len(set.Facts)) {
			err = fmt.Errorf("winner index %d out of range [0,%d)", c.Index, len(set.Facts))
		}
		if err != nil {
			logger.Warn("[Conflict] strategy failed", "strategy", s.Name(), "subject", set.Subject, "predicate", set.Predicate, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}

		res := common.Resolution{
			Subject:    set.Subject,
			Predicate:  set.Predicate,
			Winner:     set.Facts[c.Index],
			Rationale:  c.Rationale,
			Confidence: common.Clamp01(c.Confidence),
			Strategy:   s.Name(),
		}
		for i, f := range set.Facts {
			if i != c.Index {
				res.Losers = append(res.Losers, f)
			}
		}
		return res, nil
	}
	return common.Resolution{}, fmt.Errorf("%w: %s %s: %w", ErrUnresolved, set.Subject, set.Predicate, errors.Join(errs...))
}

// Supersede turns the losers of res into provenance records.
func (r *Resolver) Supersede(res common.Resolution) []common.SupersededFact {
	at := r.now()
	out := make([]common.SupersededFact, 0, len(res.Losers))
	for _, l := range res.Losers {
		out = append(out, common.SupersededFact{
			Triple:       l.Triple,
			Agents:       l.Agents,
			WinnerObject: res.Winner.Triple.Object,
			Rationale:    res.Rationale,
			Strategy:     res.Strategy,
			ResolvedAt:   at,
		})
	}
	return out
}

// Abandon records every fact of a set that could not be resolved as
// superseded with the unresolved marker. None of them becomes active.
func (r *Resolver) Abandon(set common.ConflictSet, reason string) []common.SupersededFact {
	at := r.now()
	out := make([]common.SupersededFact, 0, len(set.Facts))
	for _, f := range set.Facts {
		out = append(out, common.SupersededFact{
			Triple:     f.Triple,
			Agents:     f.Agents,
			Rationale:  reason,
			Strategy:   common.StrategyUnresolved,
			ResolvedAt: at,
		})
	}
	return out
}

type voteResponse struct {
	WinnerIndex int     `json:"winner_index" jsonschema_description:"Index of the most credible candidate"`
	Rationale   string  `json:"rationale" jsonschema_description:"One sentence explaining the choice"`
	Confidence  float64 `json:"confidence" jsonschema_description:"Confidence in the choice between 0 and 1"`
}

type semanticVote struct {
	client      ai.GraphAIClient
	callTimeout time.Duration
	retries     int
}

// SemanticVote asks the model to pick the most credible fact given every
// candidate, its agents, their confidence and their reports.
func SemanticVote(client ai.GraphAIClient, callTimeout time.Duration, retries int) Strategy {
	if callTimeout <= 0 {
		callTimeout = 45 * time.Second
	}
	return &semanticVote{client: client, callTimeout: callTimeout, retries: max(retries, 0)}
}

func (s *semanticVote) Name() string { return common.StrategySemanticVote }

func (s *semanticVote) Choose(ctx context.Context, set common.ConflictSet) (Choice, error) {
	if s.client == nil {
		return Choice{}, errors.New("no model configured")
	}
	prompt := fmt.Sprintf(ai.ConflictVotePrompt, set.Subject, set.Predicate, renderCandidates(set.Facts))

	return util.RetryWithContext(ctx, s.retries+1, func(ctx context.Context) (Choice, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		raw, err := s.client.GenerateCompletion(callCtx, prompt,
			ai.WithSystemPrompts(ai.CuratorSystemPrompt),
			ai.WithTemperature(0),
			ai.WithResponseFormat("conflict_vote", "The winning candidate of a conflict", voteResponse{}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return Choice{}, ctx.Err()
			}
			return Choice{}, fmt.Errorf("vote call failed: %v", err)
		}
		res := ai.Parse[voteResponse](raw)
		v, ok := res.Get()
		if !ok {
			logger.Debug("[Conflict] malformed vote", "raw", res.Raw())
			return Choice{}, errors.New(res.Reason())
		}
		if v.WinnerIndex < 0 || v.WinnerIndex >= len(set.Facts) {
			return Choice{}, fmt.Errorf("winner index %d out of range", v.WinnerIndex)
		}
		return Choice{Index: v.WinnerIndex, Rationale: v.Rationale, Confidence: v.Confidence}, nil
	})
}

func renderCandidates(facts []common.Fact) string {
	var sb strings.Builder
	for i, f := range facts {
		fmt.Fprintf(&sb, "[%d] %s\n    agents: %s\n    confidence: %.2f\n    produced at: %s\n",
			i, f.Triple.Object, strings.Join(f.Agents, ", "), f.Triple.Confidence,
			f.Triple.ProducedAt.UTC().Format(time.RFC3339))
		for _, s := range f.Snippets {
			fmt.Fprintf(&sb, "    context: %s\n", s)
		}
	}
	return sb.String()
}

type highestConfidence struct{}

// HighestConfidence picks the most confident fact. Ties go to the earliest
// production time and then to the lexically smallest object.
func HighestConfidence() Strategy { return highestConfidence{} }

func (highestConfidence) Name() string { return common.StrategyHighConfidence }

func (highestConfidence) Choose(_ context.Context, set common.ConflictSet) (Choice, error) {
	best := -1
	for i, f := range set.Facts {
		if math.IsNaN(f.Triple.Confidence) {
			continue
		}
		if best < 0 || better(f, set.Facts[best]) {
			best = i
		}
	}
	if best < 0 {
		return Choice{}, errors.New("no fact with a usable confidence")
	}
	w := set.Facts[best]
	return Choice{
		Index:      best,
		Rationale:  fmt.Sprintf("highest confidence %.2f reported by %d agent(s)", w.Triple.Confidence, len(w.Agents)),
		Confidence: w.Triple.Confidence,
	}, nil
}

func better(a, b common.Fact) bool {
	if a.Triple.Confidence != b.Triple.Confidence {
		return a.Triple.Confidence > b.Triple.Confidence
	}
	if !a.Triple.ProducedAt.Equal(b.Triple.ProducedAt) {
		return a.Triple.ProducedAt.Before(b.Triple.ProducedAt)
	}
	return a.Triple.Object < b.Triple.Object
}
