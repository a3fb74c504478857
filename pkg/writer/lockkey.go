package writer

import (
	"hash/fnv"
	"slices"
	"sort"
)

// AdvisoryKey maps a node id to the 64-bit key used for advisory locking.
func AdvisoryKey(namespace, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

// NodeIDs collects every node id the batch touches: entities, endpoints of
// surviving triples and causal endpoints. The result is sorted and unique.
func NodeIDs(b Batch) []string {
	seen := map[string]struct{}{}
	add := func(id string) {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	for _, e := range b.Entities {
		add(e.NodeID())
	}
	for _, t := range b.Triples {
		if t.Rejected {
			continue
		}
		add(t.Subject)
		add(t.Object)
	}
	for _, c := range b.Causal {
		if c.Rejected {
			continue
		}
		add(c.Cause)
		add(c.Effect)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LockKeys hashes ids into advisory keys and returns them sorted and unique.
// Every batch acquires its locks in ascending key order, so two batches can
// never wait on each other in a cycle. Ids that collide on a key only share
// a lock.
func LockKeys(namespace string, ids []string) []int64 {
	keys := make([]int64, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, AdvisoryKey(namespace, id))
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}
