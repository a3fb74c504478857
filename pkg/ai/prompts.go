package ai

const CuratorSystemPrompt = `You are the curator of a shared knowledge graph. Several independent agents
report what they have learned. You only output JSON that follows the given schema.`

const FactualExtractionPrompt = `
# Task Context
You are a helpful assistant specialized in extracting structured knowledge from agent reports.
Each report below was produced by a different learning agent and may contradict the others.

# Background Data
%s

# Detailed Task Description & Rules
- Extract every entity mentioned in the reports. Give each entity a short placeholder id
  (e1, e2, ...), a type in UPPER_SNAKE case, a canonical name and any properties that are
  stated explicitly.
- Extract every fact as a triple (subject, predicate, object) where subject and object are
  entity placeholder ids. Use UPPER_SNAKE predicates such as HAS_PRICE or LOCATED_IN.
- Give every triple an id (f1, f2, ...), a confidence between 0 and 1 and the id of the agent
  that reported it. If several agents report the same fact, emit one triple per agent.
- Do not merge or average contradicting values. If agents disagree about the same subject
  and predicate, emit each version and list the fact ids in conflicting_facts.
- Do not invent facts that are not stated in the reports.

# Output Format
Return JSON that follows the response schema.
`

const CausalInferencePrompt = `
# Task Context
You are a helpful assistant specialized in identifying cause and effect between facts that
were already extracted from agent reports.

# Background Data
## Reports
%s

## Extracted entities
%s

## Extracted facts
%s

# Detailed Task Description & Rules
- Only relate entities from the list above, referencing them by their placeholder id.
- Every causal relation needs a mechanism that explains how the cause leads to the effect.
- Every causal relation needs evidence: the ids of the extracted facts that support it.
- Give a strength between 0 and 1.
- If no causal relation is supported by the facts, return an empty list.

# Output Format
Return JSON that follows the response schema.
`

const ConflictVotePrompt = `
# Task Context
You are a helpful assistant specialized in reconciling contradicting reports from several agents.
All candidates below describe the same subject and predicate but disagree on the value.

# Background Data
Subject: %s
Predicate: %s

## Candidates
%s

# Detailed Task Description & Rules
- Pick exactly one candidate as the most credible value. Consider how many agents support it,
  their confidence and the context each agent gave.
- Never combine or average candidates.
- Return the index of the chosen candidate, a one sentence rationale and your confidence
  between 0 and 1.

# Output Format
Return JSON that follows the response schema.
`
