package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/internal/aggregation"
	"github.com/drover-dev/drover/internal/observability"
)

// Aggregator folds a round of delegation records into one response.
type Aggregator struct {
	model agent.Model
}

// NewAggregator creates an aggregator. The model powers the synthesize
// and best modes; with a nil model both degrade to model-free behavior,
// concatenation and similarity scoring respectively.
func NewAggregator(model agent.Model) *Aggregator {
	return &Aggregator{model: model}
}

// Aggregate folds the records per the mode and returns the response text
// plus, for the structured mode, the machine-readable payload. It always
// produces something: model-backed modes degrade rather than fail, and an
// empty success set yields an explanation instead of an error.
func (a *Aggregator) Aggregate(ctx context.Context, mode agent.AggregationMode, records []agent.DelegationRecord) (string, map[string]any) {
	_, span := observability.StartSpan(ctx, "aggregator.aggregate", map[string]any{
		"aggregation.mode": string(mode),
		"records.count":    len(records),
	})
	defer span.End()

	successes := successfulRecords(records)

	switch mode {
	case agent.AggregateSynthesize:
		return a.synthesize(ctx, records, successes), nil
	case agent.AggregateBest:
		return a.best(ctx, records, successes), nil
	case agent.AggregateStructured:
		return structuredAggregate(records)
	default:
		return concatenate(records, successes), nil
	}
}

// synthesize asks the model to merge the successful results into one
// coherent answer. A model failure degrades to concatenation.
func (a *Aggregator) synthesize(ctx context.Context, records, successes []agent.DelegationRecord) string {
	if len(successes) == 0 {
		return noSuccesses(records)
	}
	if a.model == nil {
		log.Printf("Warning: synthesize aggregation without a model, falling back to concatenation")
		return concatenate(records, successes)
	}

	resp, err := a.model.Chat(ctx, &agent.ChatRequest{
		Messages: []agent.Message{
			agent.NewSystemMessage("You merge the findings of several agents into one coherent answer. Resolve contradictions explicitly and do not invent information none of the agents produced."),
			agent.NewUserMessage(synthesisPrompt(successes)),
		},
	})
	if err != nil {
		log.Printf("Warning: synthesis failed, falling back to concatenation: %v", err)
		return concatenate(records, successes)
	}
	if strings.TrimSpace(resp.Content) == "" {
		log.Printf("Warning: synthesis returned no content, falling back to concatenation")
		return concatenate(records, successes)
	}
	return resp.Content
}

func synthesisPrompt(successes []agent.DelegationRecord) string {
	parts := make([]string, 0, len(successes)+1)
	parts = append(parts, "Combine the following agent results into a single answer.")
	for _, rec := range successes {
		parts = append(parts, fmt.Sprintf("Agent %s: %s", rec.AgentName, rec.Result))
	}
	return strings.Join(parts, "\n\n")
}

// best picks the single strongest result. With a model it judges; without
// one, or when the judgment does not parse, the similarity scorer picks
// instead.
func (a *Aggregator) best(ctx context.Context, records, successes []agent.DelegationRecord) string {
	if len(successes) == 0 {
		return noSuccesses(records)
	}
	if len(successes) == 1 {
		return successes[0].Result
	}

	if a.model != nil {
		if result, ok := a.judgeBest(ctx, successes); ok {
			return result
		}
	}

	candidates := make([]aggregation.Candidate, len(successes))
	for i, rec := range successes {
		candidates[i] = aggregation.Candidate{Source: rec.AgentName, Content: rec.Result}
	}
	pick, err := aggregation.Pick(candidates)
	if err != nil {
		return concatenate(records, successes)
	}
	return pick.Content
}

// judgeBest asks the model to pick the best result by index.
func (a *Aggregator) judgeBest(ctx context.Context, successes []agent.DelegationRecord) (string, bool) {
	var b strings.Builder
	b.WriteString("Pick the single best answer. Reply with JSON: {\"index\": <0-based index>}.\n")
	for i, rec := range successes {
		fmt.Fprintf(&b, "\n[%d] Agent %s: %s\n", i, rec.AgentName, rec.Result)
	}

	resp, err := a.model.Chat(ctx, &agent.ChatRequest{
		Messages: []agent.Message{
			agent.NewSystemMessage("You judge competing answers and pick the strongest one."),
			agent.NewUserMessage(b.String()),
		},
		ResponseFormat: &agent.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		log.Printf("Warning: best-result judgment failed, falling back to similarity scoring: %v", err)
		return "", false
	}

	parsed, perr := parseStructured(resp.Content)
	if perr != nil {
		log.Printf("Warning: best-result judgment was not valid JSON, falling back to similarity scoring: %v", perr)
		return "", false
	}
	idx, ok := parsed["index"].(float64)
	if !ok || int(idx) < 0 || int(idx) >= len(successes) {
		log.Printf("Warning: best-result judgment index out of range, falling back to similarity scoring")
		return "", false
	}
	return successes[int(idx)].Result, true
}

// concatenate renders the successful results as labelled sections.
func concatenate(records, successes []agent.DelegationRecord) string {
	if len(successes) == 0 {
		return noSuccesses(records)
	}
	var b strings.Builder
	for i, rec := range successes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", rec.AgentName, rec.Result)
	}
	return b.String()
}

// structuredAggregate reports every delegation as machine-readable JSON,
// failures included.
func structuredAggregate(records []agent.DelegationRecord) (string, map[string]any) {
	agents := make(map[string]any, len(records))
	succeeded := 0
	for _, rec := range records {
		entry := map[string]any{
			"success":    rec.Status == agent.RecordSuccess,
			"durationMs": rec.DurationMS,
		}
		if rec.Status == agent.RecordSuccess {
			entry["response"] = rec.Result
			succeeded++
		} else {
			entry["error"] = rec.Error
		}
		agents[rec.AgentName] = entry
	}

	out := map[string]any{
		"agents":       agents,
		"successCount": succeeded,
		"failureCount": len(records) - succeeded,
	}
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("Warning: failed to marshal structured aggregation: %v", err)
		return "{}", out
	}
	return string(data), out
}

// noSuccesses explains an empty round instead of failing it.
func noSuccesses(records []agent.DelegationRecord) string {
	if len(records) == 0 {
		return "No sub-agents were invoked."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "No sub-agent produced a successful result (%d attempted).", len(records))
	for _, rec := range records {
		fmt.Fprintf(&b, "\n- %s: %s", rec.AgentName, rec.Error)
	}
	return b.String()
}

func successfulRecords(records []agent.DelegationRecord) []agent.DelegationRecord {
	out := make([]agent.DelegationRecord, 0, len(records))
	for _, rec := range records {
		if rec.Status == agent.RecordSuccess {
			out = append(out, rec)
		}
	}
	return out
}
