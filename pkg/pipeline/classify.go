package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
)

// linkVerdict is the model's answer for one candidate pair.
type linkVerdict struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// queueClassification builds candidate pairs for the memories a completed
// extraction stored and queues a relationship job. Pairs come from two
// sources: vector neighbors above the classification threshold, and the
// extractor's own related_hints between memories of the same segment. The
// job waits in the submitted state until no other job is in flight for
// the owner.
func (c *Coordinator) queueClassification(ctx context.Context, ownerID string, byCandidate map[int]*memory.Memory, candidates []memoryCandidate) error {
	var pairs []classificationPair
	seen := map[string]bool{}

	addPair := func(newMem *memory.Memory, oldID, oldText string) {
		key := newMem.ID + "|" + oldID
		if oldID == newMem.ID || seen[key] || seen[oldID+"|"+newMem.ID] {
			return
		}
		seen[key] = true
		pairs = append(pairs, classificationPair{
			NewID: newMem.ID, NewText: newMem.Content,
			OldID: oldID, OldText: oldText,
		})
	}

	for i := range candidates {
		m, ok := byCandidate[i]
		if !ok {
			continue
		}

		// Neighbors the extractor itself flagged.
		for _, hint := range candidates[i].RelatedHints {
			if other, ok := byCandidate[hint]; ok {
				addPair(m, other.ID, other.Content)
			}
		}

		// Vector neighbors among the owner's existing memories.
		vec, err := c.embedder.EmbedQuery(ctx, m.Content)
		if err != nil {
			slog.Warn("embed for pair search failed", "memory", m.ID, "error", err)
			continue
		}
		hits, err := c.vectors.SearchSimilar(ctx, ownerID, vec, c.cfg.ClassifyThreshold, c.cfg.ClassifyCandidates+1)
		if err != nil {
			slog.Warn("pair search failed", "memory", m.ID, "error", err)
			continue
		}
		taken := 0
		for _, hit := range hits {
			if hit.MemoryID == m.ID || taken >= c.cfg.ClassifyCandidates {
				continue
			}
			old, err := c.store.GetMemory(ctx, hit.MemoryID)
			if err != nil || old == nil || old.Archived {
				continue
			}
			addPair(m, old.ID, old.Content)
			taken++
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	payload, err := json.Marshal(classificationPayload{Pairs: pairs})
	if err != nil {
		return fmt.Errorf("encode classification payload: %w", err)
	}
	b := &memory.Batch{
		OwnerID: ownerID,
		Kind:    memory.BatchRelationship,
		Status:  memory.BatchSubmitted,
		Payload: string(payload),
	}
	if err := c.store.CreateBatch(ctx, b); err != nil {
		return fmt.Errorf("queue classification batch: %w", err)
	}
	slog.Info("classification batch queued", "owner", ownerID, "pairs", len(pairs))
	return nil
}

// applyClassification records the links a completed relationship job
// produced. Verdicts citing an unknown link type fail the whole job;
// "null" verdicts are discarded. A supersedes verdict records the
// directed new→old link and nothing else: the superseded memory keeps
// its links and stays retrievable.
func (c *Coordinator) applyClassification(ctx context.Context, b *memory.Batch, results []llm.BatchResult, report *Report) error {
	var payload classificationPayload
	if err := json.Unmarshal([]byte(b.Payload), &payload); err != nil {
		return fmt.Errorf("decode classification payload: %w", err)
	}

	for _, r := range results {
		if r.Err != "" {
			return fmt.Errorf("result %s errored: %s", r.CustomID, r.Err)
		}
		var idx int
		if _, err := fmt.Sscanf(r.CustomID, "pair-%d", &idx); err != nil || idx < 0 || idx >= len(payload.Pairs) {
			return fmt.Errorf("unrecognized custom id %q", r.CustomID)
		}
		pair := payload.Pairs[idx]

		var v linkVerdict
		if err := json.Unmarshal([]byte(llm.ExtractJSON(r.Content)), &v); err != nil {
			return fmt.Errorf("result %s is not a link verdict: %w", r.CustomID, err)
		}
		if v.Type == memory.LinkNull {
			continue
		}
		if !memory.ClassifiedLinkTypes[v.Type] {
			return fmt.Errorf("result %s names unknown link type %q", r.CustomID, v.Type)
		}
		if v.Confidence < 0 || v.Confidence > 1 {
			return fmt.Errorf("result %s confidence %f out of range", r.CustomID, v.Confidence)
		}

		if err := c.store.AddLink(ctx, pair.NewID, pair.OldID, v.Type, v.Confidence, v.Rationale); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("link %s -> %s: %v", pair.NewID, pair.OldID, err))
			continue
		}
		report.Links++
		if v.Type == memory.LinkSupersedes {
			slog.Info("memory superseded",
				"owner", b.OwnerID, "new", pair.NewID, "old", pair.OldID,
				"at", time.Now().UTC().Format(time.RFC3339))
		}
	}
	return nil
}
