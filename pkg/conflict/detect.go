package conflict

import (
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
)

// DetectOptions configures Detect.
//
// MultiValued lists predicates that legitimately hold several objects per
// subject and are never reported as conflicts. Context is used to attach the
// reporting agents' summaries to each fact.
type DetectOptions struct {
	MultiValued []string
	Context     common.ExtractionContext
}

type group struct {
	subject   string
	predicate string
	facts     []common.Fact
	byObject  map[string]int
	agents    map[string]struct{}
}

type grouping struct {
	groups map[string]*group
	order  []string
	byFact map[string]string
}

func collect(triples []common.Triple, ec common.ExtractionContext) grouping {
	gr := grouping{groups: map[string]*group{}, byFact: map[string]string{}}
	for _, t := range triples {
		if t.Rejected {
			continue
		}
		key := t.Key()
		gr.byFact[t.FactID] = key

		g, ok := gr.groups[key]
		if !ok {
			g = &group{
				subject:   t.Subject,
				predicate: t.Predicate,
				byObject:  map[string]int{},
				agents:    map[string]struct{}{},
			}
			gr.groups[key] = g
			gr.order = append(gr.order, key)
		}
		g.agents[t.ProvenanceAgent] = struct{}{}

		i, ok := g.byObject[t.Object]
		if !ok {
			g.byObject[t.Object] = len(g.facts)
			g.facts = append(g.facts, common.Fact{Triple: t})
			i = len(g.facts) - 1
		} else {
			fold(&g.facts[i], t)
		}
		f := &g.facts[i]
		if !f.HasAgent(t.ProvenanceAgent) {
			f.Agents = append(f.Agents, t.ProvenanceAgent)
			if s := ec.SnippetFor(t.ProvenanceAgent); s != "" {
				f.Snippets = append(f.Snippets, s)
			}
		}
	}
	return gr
}

func (g *group) set() common.ConflictSet {
	return common.ConflictSet{Subject: g.subject, Predicate: g.predicate, Facts: g.facts}
}

// Group folds the non-rejected triples into one set per (subject, predicate)
// without deciding whether the set is a conflict. It is used to combine fresh
// facts with deferred sets.
func Group(triples []common.Triple, ec common.ExtractionContext) []common.ConflictSet {
	gr := collect(triples, ec)
	out := make([]common.ConflictSet, 0, len(gr.order))
	for _, key := range gr.order {
		out = append(out, gr.groups[key].set())
	}
	return out
}

// Detect groups the non-rejected triples by (subject, predicate) and returns
// a ConflictSet for every group holding at least two distinct objects
// reported by at least two distinct agents. Groups named by an explicit
// extraction signal are reported even when a single agent contradicts itself.
// Sets are returned in the order their key was first seen.
func Detect(triples []common.Triple, signals []common.ConflictSignal, o DetectOptions) []common.ConflictSet {
	multi := make(map[string]struct{}, len(o.MultiValued))
	for _, p := range o.MultiValued {
		multi[p] = struct{}{}
	}
	gr := collect(triples, o.Context)

	signalled := map[string]struct{}{}
	for _, s := range signals {
		key := ""
		same := true
		for _, id := range s.FactIDs {
			k, ok := gr.byFact[id]
			if !ok {
				continue
			}
			if key == "" {
				key = k
			} else if k != key {
				same = false
			}
		}
		if key == "" {
			continue
		}
		if !same {
			logger.Debug("[Conflict] ignoring signal spanning several subjects or predicates", "facts", s.FactIDs)
			continue
		}
		signalled[key] = struct{}{}
	}

	var sets []common.ConflictSet
	for _, key := range gr.order {
		g := gr.groups[key]
		if _, ok := multi[g.predicate]; ok {
			continue
		}
		if len(g.facts) < 2 {
			continue
		}
		_, explicit := signalled[key]
		if len(g.agents) < 2 && !explicit {
			continue
		}
		sets = append(sets, g.set())
	}
	return sets
}

// fold merges a corroborating triple into f. The most confident triple is
// kept as representative and the earliest production time wins.
func fold(f *common.Fact, t common.Triple) {
	earliest := f.Triple.ProducedAt
	if t.ProducedAt.Before(earliest) || earliest.IsZero() {
		earliest = t.ProducedAt
	}
	if t.Confidence > f.Triple.Confidence {
		f.Triple = t
	}
	f.Triple.ProducedAt = earliest
}

// Partition splits triples into those that take part in one of sets and the
// rest. Rejected triples are dropped.
func Partition(triples []common.Triple, sets []common.ConflictSet) (free, conflicting []common.Triple) {
	keys := make(map[string]struct{}, len(sets))
	for _, s := range sets {
		keys[s.Key()] = struct{}{}
	}
	for _, t := range triples {
		if t.Rejected {
			continue
		}
		if _, ok := keys[t.Key()]; ok {
			conflicting = append(conflicting, t)
			continue
		}
		free = append(free, t)
	}
	return free, conflicting
}
