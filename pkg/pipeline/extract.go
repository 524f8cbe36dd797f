package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
)

// memoryCandidate is one proposed memory in an extraction result.
type memoryCandidate struct {
	Content      string  `json:"content"`
	Confidence   float64 `json:"confidence"`
	RelatedHints []int   `json:"related_hints,omitempty"`
}

// applyExtraction validates and applies a completed extraction job:
// two-stage dedup, storage with fresh embeddings, structural entity
// links, and an immediately queued relationship-classification job.
// A structural validation error fails the whole job.
func (c *Coordinator) applyExtraction(ctx context.Context, b *memory.Batch, results []llm.BatchResult, report *Report) error {
	var payload extractionPayload
	if err := json.Unmarshal([]byte(b.Payload), &payload); err != nil {
		return fmt.Errorf("decode extraction payload: %w", err)
	}

	var candidates []memoryCandidate
	for _, r := range results {
		if r.Err != "" {
			return fmt.Errorf("result %s errored: %s", r.CustomID, r.Err)
		}
		var chunk []memoryCandidate
		if err := json.Unmarshal([]byte(llm.ExtractJSON(r.Content)), &chunk); err != nil {
			return fmt.Errorf("result %s is not a candidate array: %w", r.CustomID, err)
		}
		for _, cand := range chunk {
			if cand.Content == "" {
				return fmt.Errorf("result %s contains empty candidate content", r.CustomID)
			}
			if cand.Confidence < 0 || cand.Confidence > 1 {
				return fmt.Errorf("result %s confidence %f out of range", r.CustomID, cand.Confidence)
			}
		}
		candidates = append(candidates, chunk...)
	}
	if len(candidates) == 0 {
		return nil
	}

	existing, err := c.store.ListActive(ctx, b.OwnerID)
	if err != nil {
		return err
	}

	byCandidate := map[int]*memory.Memory{} // candidate index → stored memory
	for i, cand := range candidates {
		m, err := c.storeCandidate(ctx, b.OwnerID, cand, existing)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("store candidate: %v", err))
			continue
		}
		if m == nil {
			continue // deduplicated away
		}
		byCandidate[i] = m
		existing = append(existing, m)
		report.Memories++

		c.linkPinnedContext(ctx, m, payload.PinnedIDs)
		c.linkEntities(ctx, m)
	}
	if len(byCandidate) == 0 {
		return nil
	}

	return c.queueClassification(ctx, b.OwnerID, byCandidate, candidates)
}

// storeCandidate runs the two-stage dedup filter and stores a surviving
// candidate with a freshly computed embedding. Returns nil when the
// candidate is a duplicate.
func (c *Coordinator) storeCandidate(ctx context.Context, ownerID string, cand memoryCandidate, existing []*memory.Memory) (*memory.Memory, error) {
	// Stage one: cheap text similarity against existing actives.
	for _, m := range existing {
		if bigramJaccard(cand.Content, m.Content) >= c.cfg.DedupTextThreshold {
			slog.Debug("candidate dropped by text dedup", "owner", ownerID, "against", m.ID)
			return nil, nil
		}
	}

	// Stage two: vector similarity. The embedding is computed anyway for
	// storage, so the search is nearly free.
	vec, err := c.embedder.EmbedDocument(ctx, cand.Content)
	if err != nil {
		return nil, fmt.Errorf("embed candidate: %w", err)
	}
	hits, err := c.vectors.SearchSimilar(ctx, ownerID, vec, c.cfg.DedupVectorThreshold, 1)
	if err != nil {
		return nil, fmt.Errorf("vector dedup: %w", err)
	}
	if len(hits) > 0 {
		slog.Debug("candidate dropped by vector dedup", "owner", ownerID, "against", hits[0].MemoryID)
		return nil, nil
	}

	m := &memory.Memory{
		OwnerID:    ownerID,
		Content:    cand.Content,
		Importance: 0.5, // provisional until the first scoring pass
		Confidence: cand.Confidence,
	}
	if err := c.store.CreateMemory(ctx, m); err != nil {
		return nil, err
	}
	if err := c.vectors.Insert(ctx, m.ID, ownerID, vec); err != nil {
		return nil, fmt.Errorf("store embedding: %w", err)
	}
	return m, nil
}

// linkPinnedContext records was_context_for links from a new memory to
// the memories that were pinned while the segment ran.
func (c *Coordinator) linkPinnedContext(ctx context.Context, m *memory.Memory, pinnedIDs []string) {
	for _, pid := range pinnedIDs {
		if err := c.store.AddLink(ctx, m.ID, pid, memory.LinkWasContextFor, 1.0, ""); err != nil {
			slog.Warn("pinned context link failed", "memory", m.ID, "pinned", pid, "error", err)
		}
	}
}

// linkEntities extracts named entities from a new memory and records
// shares_entity structural links. Entities keep the graph sparse: memories
// link to entities, never to each other through them.
func (c *Coordinator) linkEntities(ctx context.Context, m *memory.Memory) {
	found, err := c.entities.ExtractEntities(ctx, m.Content)
	if err != nil {
		slog.Warn("entity extraction failed", "memory", m.ID, "error", err)
		return
	}
	for _, e := range found {
		ent, err := c.store.EnsureEntity(ctx, m.OwnerID, e.Name, e.Type)
		if err != nil {
			slog.Warn("ensure entity failed", "name", e.Name, "error", err)
			continue
		}
		linkType := memory.LinkSharesEntityPrefix + e.Name
		if err := c.store.AddEntityLink(ctx, m.ID, ent.ID, linkType, 1.0); err != nil {
			slog.Warn("entity link failed", "memory", m.ID, "entity", ent.ID, "error", err)
		}
	}
}

// bigramJaccard is a cheap text-similarity proxy: the Jaccard index over
// character bigrams. Good enough as a first-stage dedup filter before the
// embedding comparison.
func bigramJaccard(a, b string) float64 {
	if a == b {
		return 1
	}
	bigramsA := bigrams(a)
	bigramsB := bigrams(b)
	if len(bigramsA) == 0 || len(bigramsB) == 0 {
		return 0
	}
	shared := 0
	for bg := range bigramsA {
		if bigramsB[bg] {
			shared++
		}
	}
	union := len(bigramsA) + len(bigramsB) - shared
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}

func bigrams(s string) map[string]bool {
	if len(s) < 2 {
		return nil
	}
	m := make(map[string]bool, len(s)-1)
	for i := 0; i < len(s)-1; i++ {
		m[s[i:i+2]] = true
	}
	return m
}
