package common

import (
	"math"
	"sort"
	"time"
)

// ConsolidatedState is a periodic summary produced by a learning agent. It is
// the only input the curator accepts and is treated as immutable once it has
// been enqueued.
type ConsolidatedState struct {
	AgentID        string         `json:"agent_id" validate:"required"`
	Summary        string         `json:"summary" validate:"required"`
	ReasoningTrace string         `json:"reasoning_trace,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ProducedAt     time.Time      `json:"produced_at"`
}

// PendingState is a queued state together with the number of times the batch
// it belonged to was abandoned and the state handed back to the queue.
type PendingState struct {
	State    ConsolidatedState `json:"state"`
	Attempts int               `json:"attempts"`
}

// ContextEntry is the per-state slice of an ExtractionContext.
type ContextEntry struct {
	AgentID        string         `json:"agent_id"`
	Summary        string         `json:"summary"`
	ReasoningTrace string         `json:"reasoning_trace,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ProducedAt     time.Time      `json:"produced_at"`
}

// ExtractionContext is the combined input handed to the extractor. Entries
// keep the arrival order of the states in the batch.
type ExtractionContext struct {
	Entries  []ContextEntry `json:"entries"`
	FormedAt time.Time      `json:"formed_at"`
}

// IsEmpty reports whether the context carries no states.
func (c ExtractionContext) IsEmpty() bool {
	return len(c.Entries) == 0
}

// Summaries returns the summaries in arrival order.
func (c ExtractionContext) Summaries() []string {
	out := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, e.Summary)
	}
	return out
}

// Traces returns the reasoning traces in arrival order. States without a
// trace contribute an empty string so indices line up with Summaries.
func (c ExtractionContext) Traces() []string {
	out := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, e.ReasoningTrace)
	}
	return out
}

// MetadataBlobs returns the metadata maps in arrival order.
func (c ExtractionContext) MetadataBlobs() []map[string]any {
	out := make([]map[string]any, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, e.Metadata)
	}
	return out
}

// Agents returns the distinct agent ids in first-seen order.
func (c ExtractionContext) Agents() []string {
	seen := make(map[string]struct{}, len(c.Entries))
	out := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		if _, ok := seen[e.AgentID]; ok {
			continue
		}
		seen[e.AgentID] = struct{}{}
		out = append(out, e.AgentID)
	}
	return out
}

// ProducedAtFor returns the earliest production time reported by agentID in
// this context, or the zero time if the agent is not part of it.
func (c ExtractionContext) ProducedAtFor(agentID string) time.Time {
	var ts time.Time
	for _, e := range c.Entries {
		if e.AgentID != agentID {
			continue
		}
		if ts.IsZero() || e.ProducedAt.Before(ts) {
			ts = e.ProducedAt
		}
	}
	return ts
}

// SnippetFor returns the first summary reported by agentID.
func (c ExtractionContext) SnippetFor(agentID string) string {
	for _, e := range c.Entries {
		if e.AgentID == agentID {
			return e.Summary
		}
	}
	return ""
}

// Entity represents a node in the knowledge graph.
//
// LocalID is the placeholder assigned during factual extraction and is only
// meaningful inside a single batch. After disambiguation either ID holds a
// freshly generated id (IsNew) or MergeTarget names the existing node the
// entity folds into.
type Entity struct {
	ID          string         `json:"id"`
	LocalID     string         `json:"local_id,omitempty"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Properties  map[string]any `json:"properties,omitempty"`
	Confidence  float64        `json:"confidence"`
	Embedding   []float32      `json:"-"`
	IsNew       bool           `json:"is_new"`
	MergeTarget string         `json:"merge_target,omitempty"`
}

// NodeID returns the id the entity is persisted under.
func (e Entity) NodeID() string {
	if e.MergeTarget != "" {
		return e.MergeTarget
	}
	return e.ID
}

// SortedPropertyKeys returns the property keys in lexical order.
func (e Entity) SortedPropertyKeys() []string {
	keys := make([]string, 0, len(e.Properties))
	for k := range e.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Triple is a directed (subject, predicate, object) fact with provenance.
type Triple struct {
	FactID          string         `json:"fact_id"`
	Subject         string         `json:"subject" validate:"required"`
	Predicate       string         `json:"predicate" validate:"required"`
	Object          string         `json:"object" validate:"required"`
	Confidence      float64        `json:"confidence"`
	Properties      map[string]any `json:"properties,omitempty"`
	ProvenanceAgent string         `json:"provenance_agent"`
	ProducedAt      time.Time      `json:"produced_at"`
	Rejected        bool           `json:"rejected,omitempty"`
	RejectReason    string         `json:"reject_reason,omitempty"`
}

// Key returns the (subject, predicate) grouping key used for conflict detection.
func (t Triple) Key() string {
	return t.Subject + "\x00" + t.Predicate
}

// CausesPredicate is the relationship predicate causal relations are stored under.
const CausesPredicate = "CAUSES"

// CausalRelation is a directed cause/effect edge with its mechanism and the
// stage-1 fact ids that support it.
type CausalRelation struct {
	Cause     string   `json:"cause"`
	Effect    string   `json:"effect"`
	Mechanism string   `json:"mechanism"`
	Strength  float64  `json:"strength"`
	Evidence  []string `json:"evidence"`
	Rejected  bool     `json:"rejected,omitempty"`
}

// ConflictSignal is an explicit hint from factual extraction that the listed
// facts contradict each other.
type ConflictSignal struct {
	FactIDs []string `json:"fact_ids"`
	Reason  string   `json:"reason,omitempty"`
}

// Fact is one distinct candidate inside a conflict set. Identical objects
// asserted by several agents collapse into one Fact listing all of them.
type Fact struct {
	Triple   Triple   `json:"triple"`
	Agents   []string `json:"agents"`
	Snippets []string `json:"snippets,omitempty"`
}

// HasAgent reports whether agentID corroborates the fact.
func (f Fact) HasAgent(agentID string) bool {
	for _, a := range f.Agents {
		if a == agentID {
			return true
		}
	}
	return false
}

// ConflictSet groups mutually exclusive facts about the same subject and predicate.
type ConflictSet struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Facts     []Fact `json:"facts"`
	Attempts  int    `json:"attempts"`
}

// Key returns the (subject, predicate) key of the set.
func (c ConflictSet) Key() string {
	return c.Subject + "\x00" + c.Predicate
}

// Resolution strategies.
const (
	StrategySemanticVote   = "semantic_vote"
	StrategyHighConfidence = "highest_confidence"
	StrategyUnresolved     = "unresolved"
)

// Resolution is the outcome of resolving a ConflictSet. There is always
// exactly one winner.
type Resolution struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Winner     Fact    `json:"winner"`
	Losers     []Fact  `json:"losers"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
}

// SupersededFact is the provenance record of a losing fact. It is stored next
// to the graph and never becomes an active relationship.
type SupersededFact struct {
	Triple       Triple    `json:"triple"`
	Agents       []string  `json:"agents"`
	WinnerObject string    `json:"winner_object,omitempty"`
	Rationale    string    `json:"rationale"`
	Strategy     string    `json:"strategy"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Relationship is the row shape persisted for triples and causal relations.
type Relationship struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"source_id"`
	TargetID        string         `json:"target_id"`
	Predicate       string         `json:"predicate"`
	Confidence      float64        `json:"confidence"`
	Properties      map[string]any `json:"properties,omitempty"`
	ProvenanceAgent string         `json:"provenance_agent,omitempty"`
	ProducedAt      time.Time      `json:"produced_at"`
}

// Counters are the cumulative pipeline counters.
type Counters struct {
	Processed     int64 `json:"processed"`
	Validated     int64 `json:"validated"`
	Modified      int64 `json:"modified"`
	Rejected      int64 `json:"rejected"`
	Conflicts     int64 `json:"conflicts"`
	Persisted     int64 `json:"persisted"`
	FailedBatches int64 `json:"failed_batches"`
	FailedStates  int64 `json:"failed_states"`
}

// Add returns the element-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Processed:     c.Processed + o.Processed,
		Validated:     c.Validated + o.Validated,
		Modified:      c.Modified + o.Modified,
		Rejected:      c.Rejected + o.Rejected,
		Conflicts:     c.Conflicts + o.Conflicts,
		Persisted:     c.Persisted + o.Persisted,
		FailedBatches: c.FailedBatches + o.FailedBatches,
		FailedStates:  c.FailedStates + o.FailedStates,
	}
}

// Clamp01 bounds a confidence or strength score to [0, 1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
