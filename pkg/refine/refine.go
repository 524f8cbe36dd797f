// Package refine implements the refinement engine: decomposing or
// trimming overly verbose memories. Unlike consolidation this is
// reversible — originals are never archived, since trimmed and split
// memories are alternate views of the same information, not replacements.
package refine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
)

// Config holds refinement candidate thresholds.
type Config struct {
	// VerboseLength is the content length (in bytes) beyond which a
	// memory is considered verbose.
	VerboseLength int `json:"verbose_length"`
	// MinAge lets new memories stabilize before refinement.
	MinAge time.Duration `json:"-"`
	// MinAccess restricts refinement to memories that are actually used.
	MinAccess int `json:"min_access"`
	// Cooldown is the minimum gap between refinement attempts on one
	// memory.
	Cooldown time.Duration `json:"-"`
	// MaxRejections permanently excludes a memory from refinement scans
	// once its do_nothing counter passes it.
	MaxRejections int `json:"max_rejections"`

	// PassBudget is the wall-clock budget for one sweep; the in-progress
	// candidate always finishes, the rest defer to the next run.
	PassBudget time.Duration `json:"-"`
}

// DefaultConfig returns tuned refinement defaults.
func DefaultConfig() Config {
	return Config{
		VerboseLength: 1200,
		MinAge:        48 * time.Hour,
		MinAccess:     2,
		Cooldown:      7 * 24 * time.Hour,
		MaxRejections: 3,
		PassBudget:    5 * time.Minute,
	}
}

// EmbeddingWriter stores embeddings for newly created memories.
type EmbeddingWriter interface {
	InsertBatch(ctx context.Context, ownerID string, memoryIDs []string, embeddings [][]float32) error
}

// Embedder produces document embeddings.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Report summarizes one refinement sweep.
type Report struct {
	Candidates int
	Trimmed    int
	Split      int
	Rejected   int // do_nothing verdicts
	Deferred   int
	StartedAt  time.Time
	Duration   time.Duration
	Errors     []string
}

// Engine runs refinement sweeps.
type Engine struct {
	store    *memory.Store
	refiner  llm.Refiner
	embedder Embedder
	vectors  EmbeddingWriter
	cfg      Config
}

// New creates a refinement engine. embedder and vectors may be nil when
// embedding sync is unavailable.
func New(store *memory.Store, refiner llm.Refiner, embedder Embedder, vectors EmbeddingWriter, cfg Config) *Engine {
	if cfg.VerboseLength <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{store: store, refiner: refiner, embedder: embedder, vectors: vectors, cfg: cfg}
}

// RunOnce performs one refinement sweep for an owner.
func (e *Engine) RunOnce(ctx context.Context, ownerID string) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	active, err := e.store.ListActive(ctx, ownerID)
	if err != nil {
		return report, err
	}

	candidates := e.selectCandidates(active)
	report.Candidates = len(candidates)

	for i, m := range candidates {
		if e.cfg.PassBudget > 0 && time.Since(report.StartedAt) > e.cfg.PassBudget {
			report.Deferred = len(candidates) - i
			slog.Info("refinement budget exhausted, deferring",
				"owner", ownerID, "deferred", report.Deferred)
			break
		}
		if err := e.refineOne(ctx, m, report); err != nil {
			// One failed candidate never halts the sweep.
			report.Errors = append(report.Errors, fmt.Sprintf("refine %s: %v", m.ID, err))
		}
	}

	slog.Info("refinement sweep complete",
		"owner", ownerID,
		"candidates", report.Candidates,
		"trimmed", report.Trimmed,
		"split", report.Split,
		"rejected", report.Rejected,
	)
	return report, nil
}

// selectCandidates filters active memories down to refinement candidates.
func (e *Engine) selectCandidates(active []*memory.Memory) []*memory.Memory {
	now := time.Now().UTC()
	var out []*memory.Memory
	for _, m := range active {
		if len(m.Content) <= e.cfg.VerboseLength {
			continue
		}
		if now.Sub(m.CreatedAt) < e.cfg.MinAge {
			continue
		}
		if m.AccessCount < e.cfg.MinAccess {
			continue
		}
		if m.RefineRejections >= e.cfg.MaxRejections {
			continue // permanently excluded
		}
		if m.LastRefinedAt != nil && now.Sub(*m.LastRefinedAt) < e.cfg.Cooldown {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (e *Engine) refineOne(ctx context.Context, m *memory.Memory, report *Report) error {
	verdict, err := e.refiner.Decide(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("refinement decision: %w", err)
	}

	switch verdict.Action {
	case llm.RefineDoNothing:
		report.Rejected++
		return e.store.IncrementRefineRejections(ctx, m.ID)

	case llm.RefineTrim:
		replacement := &memory.Memory{
			Content:    verdict.Texts[0],
			Importance: m.Importance,
			Confidence: m.Confidence,
		}
		if err := e.store.ApplySplit(ctx, m.ID, []*memory.Memory{replacement}); err != nil {
			return err
		}
		report.Trimmed++
		e.embedNew(ctx, m.OwnerID, []*memory.Memory{replacement})
		return nil

	case llm.RefineSplit:
		replacements := make([]*memory.Memory, 0, len(verdict.Texts))
		for _, text := range verdict.Texts {
			// Splits are views of the same information, not redundancy
			// removal, so each inherits the original's score unchanged.
			replacements = append(replacements, &memory.Memory{
				Content:    text,
				Importance: m.Importance,
				Confidence: m.Confidence,
			})
		}
		if err := e.store.ApplySplit(ctx, m.ID, replacements); err != nil {
			return err
		}
		report.Split++
		e.embedNew(ctx, m.OwnerID, replacements)
		return nil

	default:
		return fmt.Errorf("unknown refinement action %q", verdict.Action)
	}
}

// embedNew embeds freshly created memories in one batch, best-effort.
func (e *Engine) embedNew(ctx context.Context, ownerID string, memories []*memory.Memory) {
	if e.embedder == nil || e.vectors == nil {
		return
	}
	ids := make([]string, len(memories))
	texts := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
		texts[i] = m.Content
	}
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		slog.Warn("embed refined memories failed", "count", len(texts), "error", err)
		return
	}
	if err := e.vectors.InsertBatch(ctx, ownerID, ids, vecs); err != nil {
		slog.Warn("insert refined embeddings failed", "count", len(ids), "error", err)
	}
}
