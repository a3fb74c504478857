package graph

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

type extractProperty struct {
	Key   string `json:"key" jsonschema_description:"Property name in snake_case"`
	Value string `json:"value" jsonschema_description:"Property value exactly as stated in the report"`
}

type extractEntity struct {
	ID         string            `json:"id" jsonschema_description:"Placeholder id of the entity such as e1, unique within this response"`
	Type       string            `json:"type" jsonschema_description:"Entity type in UPPER_SNAKE case"`
	Name       string            `json:"name" jsonschema_description:"Canonical name of the entity"`
	Properties []extractProperty `json:"properties" jsonschema_description:"Explicitly stated properties of the entity"`
	Confidence float64           `json:"confidence" jsonschema_description:"Confidence between 0 and 1 that the entity exists as described"`
}

type extractTriple struct {
	ID         string  `json:"id" jsonschema_description:"Fact id such as f1, unique within this response"`
	Subject    string  `json:"subject" jsonschema_description:"Placeholder id of the subject entity"`
	Predicate  string  `json:"predicate" jsonschema_description:"Relation in UPPER_SNAKE case"`
	Object     string  `json:"object" jsonschema_description:"Placeholder id of the object entity"`
	Confidence float64 `json:"confidence" jsonschema_description:"Confidence between 0 and 1"`
	Agent      string  `json:"agent" jsonschema_description:"Id of the agent that reported the fact"`
}

type extractConflict struct {
	FactIDs []string `json:"fact_ids" jsonschema_description:"Ids of the facts that contradict each other"`
	Reason  string   `json:"reason" jsonschema_description:"Short description of the contradiction"`
}

type factualResponse struct {
	Entities         []extractEntity   `json:"entities" jsonschema_description:"Entities mentioned in the reports"`
	Triples          []extractTriple   `json:"triples" jsonschema_description:"Facts stated in the reports"`
	ConflictingFacts []extractConflict `json:"conflicting_facts" jsonschema_description:"Groups of facts that contradict each other"`
}

// factual is the normalized output of stage 1. Entity LocalIDs and triple
// endpoints are still placeholders at this point.
type factual struct {
	Entities []common.Entity
	Triples  []common.Triple
	Signals  []common.ConflictSignal
}

func (x *Extractor) extractFacts(ctx context.Context, ec common.ExtractionContext) ai.Result[factual] {
	prompt := fmt.Sprintf(ai.FactualExtractionPrompt, renderReports(ec))
	res := callStage[factualResponse](ctx, x, "factual", prompt,
		ai.WithSystemPrompts(ai.CuratorSystemPrompt),
		ai.WithTemperature(0.1),
		ai.WithResponseFormat("factual_extraction", "Entities, facts and conflicts extracted from agent reports", factualResponse{}),
	)
	resp, ok := res.Get()
	if !ok {
		return ai.Empty[factual](res.Reason(), res.Raw())
	}

	out := normalizeFactual(resp, ec)
	if len(out.Entities) == 0 && len(out.Triples) == 0 {
		return ai.Empty[factual]("model returned no entities or facts", res.Raw())
	}
	return ai.Ok(out, res.Raw())
}

func normalizeFactual(resp factualResponse, ec common.ExtractionContext) factual {
	var out factual

	seenEntity := make(map[string]struct{}, len(resp.Entities))
	for i, e := range resp.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		id := strings.TrimSpace(e.ID)
		if id == "" {
			id = "e" + strconv.Itoa(i+1)
		}
		if _, dup := seenEntity[id]; dup {
			continue
		}
		seenEntity[id] = struct{}{}

		var props map[string]any
		if len(e.Properties) > 0 {
			props = make(map[string]any, len(e.Properties))
			for _, p := range e.Properties {
				k := strings.TrimSpace(p.Key)
				if k == "" {
					continue
				}
				props[k] = p.Value
			}
		}
		out.Entities = append(out.Entities, common.Entity{
			LocalID:    id,
			Type:       strings.ToUpper(strings.TrimSpace(e.Type)),
			Name:       name,
			Properties: props,
			Confidence: common.Clamp01(e.Confidence),
		})
	}

	seenFact := make(map[string]struct{}, len(resp.Triples))
	for i, t := range resp.Triples {
		id := strings.TrimSpace(t.ID)
		if _, dup := seenFact[id]; id == "" || dup {
			id = "f" + strconv.Itoa(i+1)
			for {
				if _, taken := seenFact[id]; !taken {
					break
				}
				id += "_"
			}
		}
		seenFact[id] = struct{}{}

		agent := strings.TrimSpace(t.Agent)
		producedAt := ec.ProducedAtFor(agent)
		if producedAt.IsZero() {
			producedAt = ec.FormedAt
		}
		out.Triples = append(out.Triples, common.Triple{
			FactID:          id,
			Subject:         strings.TrimSpace(t.Subject),
			Predicate:       strings.ToUpper(strings.TrimSpace(t.Predicate)),
			Object:          strings.TrimSpace(t.Object),
			Confidence:      t.Confidence,
			ProvenanceAgent: agent,
			ProducedAt:      producedAt,
		})
	}

	for _, c := range resp.ConflictingFacts {
		ids := make([]string, 0, len(c.FactIDs))
		for _, id := range c.FactIDs {
			if _, ok := seenFact[id]; ok {
				ids = append(ids, id)
			}
		}
		if len(ids) < 2 {
			continue
		}
		out.Signals = append(out.Signals, common.ConflictSignal{FactIDs: ids, Reason: c.Reason})
	}
	return out
}

// renderReports lays out the batch for the prompts: the reporting agents,
// then one section per state in arrival order.
func renderReports(ec common.ExtractionContext) string {
	summaries, traces, metadata := ec.Summaries(), ec.Traces(), ec.MetadataBlobs()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reporting agents: %s\n\n", strings.Join(ec.Agents(), ", "))
	for i, e := range ec.Entries {
		fmt.Fprintf(&sb, "## Report %d\nAgent: %s\nProduced at: %s\nSummary: %s\n",
			i+1, e.AgentID, e.ProducedAt.UTC().Format("2006-01-02T15:04:05Z"), summaries[i])
		if traces[i] != "" {
			fmt.Fprintf(&sb, "Reasoning: %s\n", traces[i])
		}
		if meta := metadata[i]; len(meta) > 0 {
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			sb.WriteString("Metadata:")
			for _, k := range keys {
				fmt.Fprintf(&sb, " %s=%v", k, meta[k])
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderEntities(entities []common.Entity) string {
	var sb strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&sb, "- %s: %s (%s)", e.LocalID, e.Name, e.Type)
		for _, k := range e.SortedPropertyKeys() {
			fmt.Fprintf(&sb, " %s=%v", k, e.Properties[k])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderTriples(triples []common.Triple) string {
	var sb strings.Builder
	for _, t := range triples {
		fmt.Fprintf(&sb, "- %s: %s %s %s (agent %s, confidence %.2f)\n",
			t.FactID, t.Subject, t.Predicate, t.Object, t.ProvenanceAgent, t.Confidence)
	}
	return sb.String()
}
