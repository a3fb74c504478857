package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"
)

type causalLink struct {
	Cause     string   `json:"cause" jsonschema_description:"Placeholder id of the cause entity"`
	Effect    string   `json:"effect" jsonschema_description:"Placeholder id of the effect entity"`
	Mechanism string   `json:"mechanism" jsonschema_description:"How the cause leads to the effect"`
	Strength  float64  `json:"strength" jsonschema_description:"Strength of the causal link between 0 and 1"`
	Evidence  []string `json:"evidence" jsonschema_description:"Ids of the extracted facts that support the relation"`
}

type causalResponse struct {
	Relations []causalLink `json:"causal_relations" jsonschema_description:"Cause and effect relations supported by the facts"`
}

// inferCausal runs stage 2 over the stage-1 output. An empty relation list is a
// valid result; only a failed call produces an Empty result.
func (x *Extractor) inferCausal(ctx context.Context, ec common.ExtractionContext, f factual) ai.Result[[]common.CausalRelation] {
	prompt := fmt.Sprintf(ai.CausalInferencePrompt, renderReports(ec), renderEntities(f.Entities), renderTriples(f.Triples))
	res := callStage[causalResponse](ctx, x, "causal", prompt,
		ai.WithSystemPrompts(ai.CuratorSystemPrompt),
		ai.WithTemperature(0.3),
		ai.WithResponseFormat("causal_inference", "Cause and effect relations between extracted entities", causalResponse{}),
	)
	resp, ok := res.Get()
	if !ok {
		return ai.Empty[[]common.CausalRelation](res.Reason(), res.Raw())
	}
	return ai.Ok(filterCausal(resp.Relations, f), res.Raw())
}

// filterCausal keeps relations that name a mechanism, connect two known
// placeholders and cite at least one known fact.
func filterCausal(links []causalLink, f factual) []common.CausalRelation {
	entities := make(map[string]struct{}, len(f.Entities))
	for _, e := range f.Entities {
		entities[e.LocalID] = struct{}{}
	}
	facts := make(map[string]struct{}, len(f.Triples))
	for _, t := range f.Triples {
		facts[t.FactID] = struct{}{}
	}

	out := make([]common.CausalRelation, 0, len(links))
	for _, l := range links {
		cause, effect := strings.TrimSpace(l.Cause), strings.TrimSpace(l.Effect)
		mechanism := strings.TrimSpace(l.Mechanism)
		_, okCause := entities[cause]
		_, okEffect := entities[effect]
		if mechanism == "" || !okCause || !okEffect {
			logger.Debug("[Extract] dropping causal relation", "cause", cause, "effect", effect, "has_mechanism", mechanism != "")
			continue
		}

		evidence := make([]string, 0, len(l.Evidence))
		for _, id := range l.Evidence {
			if _, ok := facts[strings.TrimSpace(id)]; ok {
				evidence = append(evidence, strings.TrimSpace(id))
			}
		}
		if len(evidence) == 0 {
			logger.Debug("[Extract] dropping causal relation without evidence", "cause", cause, "effect", effect)
			continue
		}

		out = append(out, common.CausalRelation{
			Cause:     cause,
			Effect:    effect,
			Mechanism: mechanism,
			Strength:  l.Strength,
			Evidence:  evidence,
		})
	}
	return out
}
