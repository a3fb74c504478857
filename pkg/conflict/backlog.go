package conflict

import (
	"slices"
	"sync"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

// Backlog holds conflict sets that could not be resolved and are retried on
// a later pass. It is safe for concurrent use.
type Backlog struct {
	mu          sync.Mutex
	maxAttempts int
	sets        map[string]common.ConflictSet
	order       []string
}

// NewBacklog creates a Backlog that gives up on a set after maxAttempts
// failed resolutions.
func NewBacklog(maxAttempts int) *Backlog {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Backlog{maxAttempts: maxAttempts, sets: map[string]common.ConflictSet{}}
}

// Defer records a failed resolution of set. It returns false once the set
// has used up its attempts; the set is then no longer held.
func (b *Backlog) Defer(set common.ConflictSet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	set.Attempts++
	key := set.Key()
	if set.Attempts >= b.maxAttempts {
		b.remove(key)
		return false
	}
	if _, ok := b.sets[key]; !ok {
		b.order = append(b.order, key)
	}
	b.sets[key] = set
	return true
}

// Exhausted reports whether one more failed attempt uses up the budget of
// set. Callers use it to decide before committing whether a set is deferred
// or abandoned.
func (b *Backlog) Exhausted(set common.ConflictSet) bool {
	return set.Attempts+1 >= b.maxAttempts
}

// Take removes and returns every deferred set in the order they were first
// deferred.
func (b *Backlog) Take() []common.ConflictSet {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]common.ConflictSet, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.sets[k])
	}
	b.sets = map[string]common.ConflictSet{}
	b.order = nil
	return out
}

// Merge folds a deferred set into the fresh set with the same key so facts
// from both passes compete. Attempts carry over from the deferred set.
func Merge(fresh, deferred common.ConflictSet) common.ConflictSet {
	out := fresh
	out.Facts = slices.Clone(fresh.Facts)
	out.Attempts = deferred.Attempts
	for _, d := range deferred.Facts {
		idx := slices.IndexFunc(out.Facts, func(f common.Fact) bool { return f.Triple.Object == d.Triple.Object })
		if idx < 0 {
			out.Facts = append(out.Facts, d)
			continue
		}
		f := &out.Facts[idx]
		f.Agents = slices.Clone(f.Agents)
		f.Snippets = slices.Clone(f.Snippets)
		for _, a := range d.Agents {
			if !f.HasAgent(a) {
				f.Agents = append(f.Agents, a)
			}
		}
		for _, sn := range d.Snippets {
			if !slices.Contains(f.Snippets, sn) {
				f.Snippets = append(f.Snippets, sn)
			}
		}
		fold(f, d.Triple)
	}
	return out
}

// Len returns the number of deferred sets.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Snapshot returns a copy of the deferred sets for checkpointing.
func (b *Backlog) Snapshot() []common.ConflictSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.ConflictSet, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.sets[k])
	}
	return out
}

// Restore seeds the backlog from a checkpoint. Existing entries with the same
// key are replaced.
func (b *Backlog) Restore(sets []common.ConflictSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range sets {
		key := s.Key()
		if _, ok := b.sets[key]; !ok {
			b.order = append(b.order, key)
		}
		b.sets[key] = s
	}
}

func (b *Backlog) remove(key string) {
	if _, ok := b.sets[key]; !ok {
		return
	}
	delete(b.sets, key)
	b.order = slices.DeleteFunc(b.order, func(k string) bool { return k == key })
}
