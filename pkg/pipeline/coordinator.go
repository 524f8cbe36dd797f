// Package pipeline implements the batch pipeline coordinator: the
// asynchronous job state machine that turns closed conversation segments
// into extracted memories and classified relationships.
//
// Jobs move through submitted → polling → completed | failed. The
// coordinator enforces at most one provider-side job of each kind per
// owner; additional work queues locally in the submitted state until the
// slot frees up. Transient provider failures retry on a bounded schedule;
// exhausted retries and malformed payloads surface as failed job records,
// never as silent drops.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/vector"
)

// Config holds pipeline tuning.
type Config struct {
	// MinMessages is the minimum segment message count that triggers
	// extraction.
	MinMessages int `json:"min_messages"`
	// ChunkSize bounds the content size of one extraction prompt, in
	// bytes.
	ChunkSize int `json:"chunk_size"`
	// RetryCeiling bounds transient-failure retries per job before it is
	// marked permanently failed.
	RetryCeiling int `json:"retry_ceiling"`

	// DedupTextThreshold is the bigram-Jaccard similarity above which a
	// proposed memory is dropped by the fast text filter.
	DedupTextThreshold float64 `json:"dedup_text_threshold"`
	// DedupVectorThreshold is the cosine similarity above which the
	// second-stage vector filter drops a proposed memory.
	DedupVectorThreshold float64 `json:"dedup_vector_threshold"`

	// ClassifyCandidates is how many similar existing memories each new
	// memory is classified against.
	ClassifyCandidates int `json:"classify_candidates"`
	// ClassifyThreshold is the similarity floor for candidate selection.
	ClassifyThreshold float64 `json:"classify_threshold"`

	// StaleAfter is how long a polling job may sit before the cleanup
	// task fails it.
	StaleAfter time.Duration `json:"-"`
}

// DefaultConfig returns tuned pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MinMessages:          4,
		ChunkSize:            8000,
		RetryCeiling:         5,
		DedupTextThreshold:   0.95,
		DedupVectorThreshold: 0.93,
		ClassifyCandidates:   5,
		ClassifyThreshold:    0.70,
		StaleAfter:           24 * time.Hour,
	}
}

// VectorStore is the embedding storage the pipeline needs.
type VectorStore interface {
	Insert(ctx context.Context, memoryID, ownerID string, embedding []float32) error
	SearchSimilar(ctx context.Context, ownerID string, query []float32, threshold float64, limit int) ([]vector.SearchResult, error)
}

// ErrInFlight is returned when a segment arrives while the owner already
// has an extraction job provider-side.
var ErrInFlight = errors.New("extraction already in flight for owner")

// Coordinator drives the batch job state machine.
type Coordinator struct {
	store    *memory.Store
	batch    llm.BatchClient
	embedder vector.Embedder
	vectors  VectorStore
	entities llm.EntityExtractor
	cfg      Config
}

// New creates a coordinator.
func New(store *memory.Store, batch llm.BatchClient, embedder vector.Embedder, vectors VectorStore, entities llm.EntityExtractor, cfg Config) *Coordinator {
	if cfg.MinMessages <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		store:    store,
		batch:    batch,
		embedder: embedder,
		vectors:  vectors,
		entities: entities,
		cfg:      cfg,
	}
}

// extractionPayload is the locally persisted request context for an
// extraction job.
type extractionPayload struct {
	Chunks     []string `json:"chunks"`
	PinnedIDs  []string `json:"pinned_ids,omitempty"`
	PinnedText string   `json:"pinned_text,omitempty"`
}

// classificationPair is one (new memory, candidate) pair in a
// relationship job.
type classificationPair struct {
	NewID   string `json:"new_id"`
	NewText string `json:"new_text"`
	OldID   string `json:"old_id"`
	OldText string `json:"old_text"`
}

type classificationPayload struct {
	Pairs []classificationPair `json:"pairs"`
}

// IngestSegment handles a segment-close signal: records owner activity,
// chunks the content, and queues one extraction job carrying any pinned
// memory context along for continuity. Segments below the minimum message
// count are ignored.
func (c *Coordinator) IngestSegment(ctx context.Context, ownerID string, messages []string, pinnedIDs []string) error {
	if err := c.store.RecordActivity(ctx, ownerID); err != nil {
		return err
	}
	if len(messages) < c.cfg.MinMessages {
		slog.Debug("segment below extraction minimum",
			"owner", ownerID, "messages", len(messages), "min", c.cfg.MinMessages)
		return nil
	}
	inFlight, err := c.store.HasInFlight(ctx, ownerID, memory.BatchExtraction)
	if err != nil {
		return err
	}
	if inFlight {
		return ErrInFlight
	}

	payload := extractionPayload{
		Chunks:    chunkMessages(messages, c.cfg.ChunkSize),
		PinnedIDs: pinnedIDs,
	}
	if len(pinnedIDs) > 0 {
		pinned, err := c.store.GetMemories(ctx, pinnedIDs)
		if err != nil {
			return err
		}
		var texts []string
		for _, p := range pinned {
			texts = append(texts, "- "+p.Content)
		}
		payload.PinnedText = strings.Join(texts, "\n")
	}
	raw, _ := json.Marshal(payload)

	b := &memory.Batch{
		OwnerID: ownerID,
		Kind:    memory.BatchExtraction,
		Status:  memory.BatchSubmitted,
		Payload: string(raw),
	}
	if err := c.store.CreateBatch(ctx, b); err != nil {
		return err
	}
	slog.Info("extraction queued", "owner", ownerID, "chunks", len(payload.Chunks), "batch", b.ID)

	// Try to push it provider-side right away; failures here are
	// transient and the poll loop retries.
	if err := c.submitBatch(ctx, b); err != nil {
		slog.Warn("initial extraction submit failed, will retry", "batch", b.ID, "error", err)
	}
	return nil
}

// chunkMessages groups messages into bounded-size chunks, never splitting
// a single message.
func chunkMessages(messages []string, chunkSize int) []string {
	var chunks []string
	var cur strings.Builder
	for _, m := range messages {
		if cur.Len() > 0 && cur.Len()+len(m)+1 > chunkSize {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(m)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// CleanupStale fails polling jobs that have sat past the staleness
// horizon. Returns the number of jobs failed.
func (c *Coordinator) CleanupStale(ctx context.Context) (int, error) {
	cleaned := 0
	for _, kind := range []string{memory.BatchExtraction, memory.BatchRelationship} {
		batches, err := c.store.ListBatches(ctx, kind, memory.BatchPolling)
		if err != nil {
			return cleaned, err
		}
		for _, b := range batches {
			if time.Since(b.SubmittedAt) < c.cfg.StaleAfter {
				continue
			}
			c.failBatch(ctx, b, fmt.Sprintf("stale after %s", c.cfg.StaleAfter))
			cleaned++
		}
	}
	return cleaned, nil
}

// failBatch marks a job permanently failed and surfaces it for operator
// attention. Never silent: the record keeps the last error.
func (c *Coordinator) failBatch(ctx context.Context, b *memory.Batch, reason string) {
	now := time.Now().UTC()
	b.Status = memory.BatchFailed
	b.LastError = reason
	b.CompletedAt = &now
	if err := c.store.UpdateBatch(ctx, b); err != nil {
		slog.Error("failed to persist batch failure", "batch", b.ID, "error", err)
		return
	}
	slog.Error("batch permanently failed", "batch", b.ID, "kind", b.Kind, "owner", b.OwnerID, "reason", reason)
}
