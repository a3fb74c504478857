package validate

import (
	"math"
	"strings"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

// ValidateCausal checks causal relations in place: strength is clamped into
// [0, 1], relations without a mechanism, with an unknown or missing endpoint
// or pointing at themselves are rejected. A nil known set skips the endpoint
// lookup.
func ValidateCausal(rels []common.CausalRelation, known map[string]struct{}) Report {
	var r Report
	for i := range rels {
		c := &rels[i]
		if c.Rejected {
			r.reject("already rejected")
			continue
		}

		reason := ""
		switch {
		case strings.TrimSpace(c.Mechanism) == "":
			reason = "missing mechanism"
		case c.Cause == "" || c.Effect == "":
			reason = "missing endpoint"
		case c.Cause == c.Effect:
			reason = "cause equals effect"
		case math.IsNaN(c.Strength):
			reason = "strength is not a number"
		}
		if reason == "" && known != nil {
			_, okCause := known[c.Cause]
			_, okEffect := known[c.Effect]
			if !okCause || !okEffect {
				reason = "unknown endpoint"
			}
		}
		if reason != "" {
			c.Rejected = true
			r.reject(reason)
			continue
		}

		if s := common.Clamp01(c.Strength); s != c.Strength {
			c.Strength = s
			r.Modified++
		}
		r.Validated++
	}
	return r
}

// FilterCausal returns the causal relations that were not rejected.
func FilterCausal(rels []common.CausalRelation) []common.CausalRelation {
	out := make([]common.CausalRelation, 0, len(rels))
	for _, c := range rels {
		if !c.Rejected {
			out = append(out, c)
		}
	}
	return out
}
