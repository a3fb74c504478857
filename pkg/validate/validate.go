package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"

	"github.com/go-playground/validator"
)

// Verdict is the decision of a single Check.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictAmend
	VerdictReject
)

// Outcome is returned by a Check. Triple is only meaningful for Amend and
// Reason only for Reject.
type Outcome struct {
	Verdict Verdict
	Triple  common.Triple
	Reason  string
}

func Pass() Outcome                 { return Outcome{Verdict: VerdictPass} }
func Amend(t common.Triple) Outcome { return Outcome{Verdict: VerdictAmend, Triple: t} }
func Reject(reason string) Outcome  { return Outcome{Verdict: VerdictReject, Reason: reason} }

// Check inspects one triple. Checks run in order; an amended triple is what
// the next check sees, and the first rejection ends the chain.
type Check interface {
	Name() string
	Check(t common.Triple) Outcome
}

// Report counts the outcome of a Validate call. Validated includes modified
// triples. Reasons counts rejections per reason.
type Report struct {
	Validated int            `json:"validated"`
	Modified  int            `json:"modified"`
	Rejected  int            `json:"rejected"`
	Reasons   map[string]int `json:"reasons,omitempty"`
}

func (r *Report) reject(reason string) {
	r.Rejected++
	if r.Reasons == nil {
		r.Reasons = map[string]int{}
	}
	r.Reasons[reason]++
}

// Validator runs the required-field check followed by the configured checks.
//
// A Validator should be created using New.
type Validator struct {
	checks   []Check
	required *validator.Validate
}

// New creates a Validator running checks in the given order.
func New(checks ...Check) *Validator {
	return &Validator{
		checks:   checks,
		required: validator.New(),
	}
}

// Validate checks every triple in place. Rejected triples are flagged with
// Rejected and RejectReason and stay in the slice; use Filter to drop them.
// Triples that arrive already rejected are counted as rejected again.
func (v *Validator) Validate(triples []common.Triple) Report {
	var r Report
	for i := range triples {
		t := &triples[i]
		if t.Rejected {
			r.reject(t.RejectReason)
			continue
		}

		if reason := v.missingField(*t); reason != "" {
			t.Rejected = true
			t.RejectReason = reason
			r.reject(reason)
			continue
		}

		modified := false
		for _, c := range v.checks {
			o := c.Check(*t)
			switch o.Verdict {
			case VerdictAmend:
				*t = o.Triple
				modified = true
			case VerdictReject:
				t.Rejected = true
				t.RejectReason = c.Name() + ": " + o.Reason
			}
			if t.Rejected {
				break
			}
		}

		if t.Rejected {
			r.reject(t.RejectReason)
			continue
		}
		r.Validated++
		if modified {
			r.Modified++
		}
	}
	return r
}

func (v *Validator) missingField(t common.Triple) string {
	t.Subject = strings.TrimSpace(t.Subject)
	t.Predicate = strings.TrimSpace(t.Predicate)
	t.Object = strings.TrimSpace(t.Object)

	err := v.required.Struct(t)
	if err == nil {
		return ""
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fmt.Sprintf("required: missing %s", strings.ToLower(fieldErrs[0].Field()))
	}
	return "required: " + err.Error()
}

// Filter returns the triples that were not rejected.
func Filter(triples []common.Triple) []common.Triple {
	out := make([]common.Triple, 0, len(triples))
	for _, t := range triples {
		if !t.Rejected {
			out = append(out, t)
		}
	}
	return out
}

// NodeSet returns the node ids of entities as a set for KnownEndpoints.
func NodeSet(entities []common.Entity) map[string]struct{} {
	out := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		if id := e.NodeID(); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}
