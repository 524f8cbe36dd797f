package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ConsolidationVerdict is the structured outcome of a first-pass
// consolidation judgment.
type ConsolidationVerdict struct {
	ShouldConsolidate bool   `json:"should_consolidate"`
	ConsolidatedText  string `json:"consolidated_text"`
	Rationale         string `json:"rationale"`
}

// Judge is the trust boundary around the two-stage consolidation
// verification. Propose runs the deliberate first pass; Approve is the
// cheap deterministic yes/no gate that stands between a proposal and an
// irreversible merge. The split is a seam: either stage can be replaced
// by a rule, a different model, or a human without touching the
// graph-mutation code.
type Judge interface {
	Propose(ctx context.Context, texts []string) (*ConsolidationVerdict, error)
	Approve(ctx context.Context, verdict *ConsolidationVerdict, texts []string) (bool, error)
}

// RefinementVerdict is the structured outcome of a refinement decision.
type RefinementVerdict struct {
	Action    string   `json:"action"` // trim | split | do_nothing
	Texts     []string `json:"texts"`
	Rationale string   `json:"rationale"`
}

// Refinement actions.
const (
	RefineTrim      = "trim"
	RefineSplit     = "split"
	RefineDoNothing = "do_nothing"
)

// Refiner decides whether a verbose memory should be trimmed, split, or
// left alone.
type Refiner interface {
	Decide(ctx context.Context, content string) (*RefinementVerdict, error)
}

// ExtractedEntity is one named referent found in memory text.
type ExtractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"` // person, organization, place, ...
}

// EntityExtractor finds named real-world referents in text.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error)
}

// RouterJudge implements Judge, Refiner, and EntityExtractor over a
// provider router: deep tier for deliberate decisions, fast tier at
// temperature zero for the approval gate and entity extraction.
type RouterJudge struct {
	router *Router
}

// NewRouterJudge creates the default judgment implementation.
func NewRouterJudge(router *Router) *RouterJudge {
	return &RouterJudge{router: router}
}

// Propose asks the deep tier for a consolidation verdict on a cluster.
func (j *RouterJudge) Propose(ctx context.Context, texts []string) (*ConsolidationVerdict, error) {
	resp, err := j.router.Complete(ctx, TierDeep, CompletionRequest{
		System:   consolidationSystem,
		Messages: []Message{{Role: "user", Content: ConsolidationPrompt(texts)}},
	})
	if err != nil {
		return nil, err
	}

	var verdict ConsolidationVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &verdict); err != nil {
		return nil, fmt.Errorf("parse consolidation verdict: %w", err)
	}
	if verdict.ShouldConsolidate && strings.TrimSpace(verdict.ConsolidatedText) == "" {
		return nil, fmt.Errorf("consolidation verdict approved merge with empty text")
	}
	return &verdict, nil
}

// Approve runs the second-pass gate: a temperature-zero fast-tier call
// whose sole job is a yes/no answer.
func (j *RouterJudge) Approve(ctx context.Context, verdict *ConsolidationVerdict, texts []string) (bool, error) {
	resp, err := j.router.Complete(ctx, TierFast, CompletionRequest{
		System:    approvalSystem,
		Messages:  []Message{{Role: "user", Content: ApprovalPrompt(verdict.ConsolidatedText, texts)}},
		MaxTokens: 16,
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	return strings.HasPrefix(answer, "yes"), nil
}

// Decide asks the deep tier whether a verbose memory should be trimmed,
// split, or left alone.
func (j *RouterJudge) Decide(ctx context.Context, content string) (*RefinementVerdict, error) {
	resp, err := j.router.Complete(ctx, TierDeep, CompletionRequest{
		System:   refinementSystem,
		Messages: []Message{{Role: "user", Content: RefinementPrompt(content)}},
	})
	if err != nil {
		return nil, err
	}

	var verdict RefinementVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &verdict); err != nil {
		return nil, fmt.Errorf("parse refinement verdict: %w", err)
	}
	switch verdict.Action {
	case RefineTrim:
		if len(verdict.Texts) != 1 || strings.TrimSpace(verdict.Texts[0]) == "" {
			return nil, fmt.Errorf("trim verdict needs exactly one replacement text")
		}
	case RefineSplit:
		if len(verdict.Texts) < 2 {
			return nil, fmt.Errorf("split verdict needs at least two texts, got %d", len(verdict.Texts))
		}
	case RefineDoNothing:
	default:
		return nil, fmt.Errorf("unknown refinement action %q", verdict.Action)
	}
	return &verdict, nil
}

// ExtractEntities asks the fast tier for (name, type) pairs.
func (j *RouterJudge) ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error) {
	resp, err := j.router.Complete(ctx, TierFast, CompletionRequest{
		System:   entitySystem,
		Messages: []Message{{Role: "user", Content: EntityPrompt(text)}},
	})
	if err != nil {
		return nil, err
	}

	var entities []ExtractedEntity
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &entities); err != nil {
		return nil, fmt.Errorf("parse entities: %w", err)
	}
	out := entities[:0]
	for _, e := range entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
