package validate

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

type predicateNormalizer struct{}

// PredicateNormalizer rewrites predicates to UPPER_SNAKE case.
func PredicateNormalizer() Check { return predicateNormalizer{} }

func (predicateNormalizer) Name() string { return "predicate_normalizer" }

func (predicateNormalizer) Check(t common.Triple) Outcome {
	p := NormalizePredicate(t.Predicate)
	if p == "" {
		return Reject("predicate has no usable characters")
	}
	if p == t.Predicate {
		return Pass()
	}
	t.Predicate = p
	return Amend(t)
}

// NormalizePredicate upper-cases p and joins its alphanumeric runs with "_".
func NormalizePredicate(p string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range p {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pendingSep = false
			sb.WriteRune(unicode.ToUpper(r))
			continue
		}
		pendingSep = true
	}
	return sb.String()
}

type predicateVocabulary struct {
	allowed map[string]struct{}
}

// PredicateVocabulary rejects predicates outside allowed. An empty list
// allows every predicate. Entries are normalized like predicates.
func PredicateVocabulary(allowed []string) Check {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if n := NormalizePredicate(a); n != "" {
			set[n] = struct{}{}
		}
	}
	return predicateVocabulary{allowed: set}
}

func (predicateVocabulary) Name() string { return "predicate_vocabulary" }

func (c predicateVocabulary) Check(t common.Triple) Outcome {
	if len(c.allowed) == 0 {
		return Pass()
	}
	if _, ok := c.allowed[t.Predicate]; ok {
		return Pass()
	}
	return Reject(fmt.Sprintf("predicate %q is not allowed", t.Predicate))
}

type confidenceBounds struct{}

// ConfidenceBounds clamps confidence into [0, 1].
func ConfidenceBounds() Check { return confidenceBounds{} }

func (confidenceBounds) Name() string { return "confidence_bounds" }

func (confidenceBounds) Check(t common.Triple) Outcome {
	if math.IsNaN(t.Confidence) {
		return Reject("confidence is not a number")
	}
	c := common.Clamp01(t.Confidence)
	if c == t.Confidence {
		return Pass()
	}
	t.Confidence = c
	return Amend(t)
}

type confidenceFloor struct {
	min float64
}

// ConfidenceFloor rejects triples with a confidence below minimum.
func ConfidenceFloor(minimum float64) Check { return confidenceFloor{min: minimum} }

func (confidenceFloor) Name() string { return "confidence_floor" }

func (c confidenceFloor) Check(t common.Triple) Outcome {
	if t.Confidence < c.min {
		return Reject(fmt.Sprintf("confidence %.2f below %.2f", t.Confidence, c.min))
	}
	return Pass()
}

type noSelfLoop struct{}

// NoSelfLoop rejects triples whose subject and object are the same node.
func NoSelfLoop() Check { return noSelfLoop{} }

func (noSelfLoop) Name() string { return "no_self_loop" }

func (noSelfLoop) Check(t common.Triple) Outcome {
	if t.Subject == t.Object {
		return Reject("subject equals object")
	}
	return Pass()
}

type knownEndpoints struct {
	known map[string]struct{}
}

// KnownEndpoints rejects triples whose subject or object is not in known,
// typically NodeSet of the batch entities.
func KnownEndpoints(known map[string]struct{}) Check { return knownEndpoints{known: known} }

func (knownEndpoints) Name() string { return "known_endpoints" }

func (c knownEndpoints) Check(t common.Triple) Outcome {
	if _, ok := c.known[t.Subject]; !ok {
		return Reject(fmt.Sprintf("unknown subject %q", t.Subject))
	}
	if _, ok := c.known[t.Object]; !ok {
		return Reject(fmt.Sprintf("unknown object %q", t.Object))
	}
	return Pass()
}

// Params configures Defaults.
type Params struct {
	MinConfidence     float64
	AllowedPredicates []string
	Known             map[string]struct{}
}

// Defaults returns the built-in checks in their standard order. KnownEndpoints
// is only included when Known is set.
func Defaults(p Params) []Check {
	checks := []Check{
		PredicateNormalizer(),
		PredicateVocabulary(p.AllowedPredicates),
		ConfidenceBounds(),
		ConfidenceFloor(p.MinConfidence),
		NoSelfLoop(),
	}
	if p.Known != nil {
		checks = append(checks, KnownEndpoints(p.Known))
	}
	return checks
}
