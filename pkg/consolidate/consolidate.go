// Package consolidate implements the consolidation engine: merging
// clusters of redundant memories into one while preserving traceability
// and relationships.
//
// Consolidation is irreversible — sources are archived, not deleted, so
// recovery means un-archiving, never automatic graph reconstruction. A
// merge therefore only commits after a two-stage verification: a
// deliberate first-pass judgment and a cheap deterministic approval gate.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/vector"
)

// Config holds consolidation thresholds.
type Config struct {
	// Hub selection: importance ≥ HubImportance AND access ≥ HubMinAccess,
	// OR at least HubMinInbound non-entity inbound links.
	HubImportance float64 `json:"hub_importance"`
	HubMinAccess  int     `json:"hub_min_access"`
	HubMinInbound int     `json:"hub_min_inbound"`
	TopHubs       int     `json:"top_hubs"`

	SimilarityThreshold float64 `json:"similarity_threshold"`
	ClusterLimit        int     `json:"cluster_limit"`

	// JudgeRetries bounds retries for errored judgment calls before a
	// cluster is skipped for the run.
	JudgeRetries int `json:"judge_retries"`

	// PassBudget is the wall-clock budget for one sweep. An in-progress
	// cluster always finishes atomically; the remainder defers to the
	// next run.
	PassBudget time.Duration `json:"-"`
}

// DefaultConfig returns tuned consolidation defaults.
func DefaultConfig() Config {
	return Config{
		HubImportance:       0.6,
		HubMinAccess:        3,
		HubMinInbound:       4,
		TopHubs:             5,
		SimilarityThreshold: 0.85,
		ClusterLimit:        6,
		JudgeRetries:        2,
		PassBudget:          5 * time.Minute,
	}
}

// Searcher is the similarity search the engine needs from the vector
// store.
type Searcher interface {
	SearchSimilarToMemory(ctx context.Context, ownerID, memoryID string, threshold float64, limit int) ([]vector.SearchResult, error)
	Insert(ctx context.Context, memoryID, ownerID string, embedding []float32) error
	Delete(ctx context.Context, memoryID string) error
}

// Cluster is a transient grouping of memories under consideration for one
// merge. It is never persisted.
type Cluster struct {
	Hub          *memory.Memory
	Members      []*memory.Memory // includes the hub
	Similarities []float64        // hub→member similarity per non-hub member
	Coherence    float64          // mean similarity, used as merge confidence
}

// Report summarizes one consolidation sweep.
type Report struct {
	Hubs      int
	Clusters  int
	Merged    int
	Rejected  int
	Skipped   int // judgment errors after retries
	Deferred  int // budget exhausted
	StartedAt time.Time
	Duration  time.Duration
	Errors    []string
}

// Engine runs consolidation sweeps.
type Engine struct {
	store    *memory.Store
	search   Searcher
	embedder vector.Embedder
	judge    llm.Judge
	cfg      Config
}

// New creates a consolidation engine.
func New(store *memory.Store, search Searcher, embedder vector.Embedder, judge llm.Judge, cfg Config) *Engine {
	if cfg.TopHubs <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{store: store, search: search, embedder: embedder, judge: judge, cfg: cfg}
}

// RunOnce performs one consolidation sweep for an owner.
func (e *Engine) RunOnce(ctx context.Context, ownerID string) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	active, err := e.store.ListActive(ctx, ownerID)
	if err != nil {
		return report, err
	}

	hubs := e.selectHubs(active)
	report.Hubs = len(hubs)

	merged := map[string]bool{} // memories consumed by an earlier cluster this sweep

	for i, hub := range hubs {
		if e.cfg.PassBudget > 0 && time.Since(report.StartedAt) > e.cfg.PassBudget {
			report.Deferred = len(hubs) - i
			slog.Info("consolidation budget exhausted, deferring",
				"owner", ownerID, "deferred", report.Deferred)
			break
		}
		if merged[hub.ID] {
			continue
		}

		cluster, err := e.formCluster(ctx, ownerID, hub, merged)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("cluster for %s: %v", hub.ID, err))
			continue
		}
		if cluster == nil {
			continue
		}
		report.Clusters++

		outcome, err := e.judgeAndCommit(ctx, ownerID, cluster)
		if err != nil {
			// Invariant violations and judgment failures abort only this
			// cluster, never the sweep.
			report.Errors = append(report.Errors, fmt.Sprintf("cluster for %s: %v", hub.ID, err))
			report.Skipped++
			continue
		}
		if outcome == nil {
			report.Rejected++
			continue
		}
		report.Merged++
		for _, m := range cluster.Members {
			merged[m.ID] = true
		}
	}

	slog.Info("consolidation sweep complete",
		"owner", ownerID,
		"hubs", report.Hubs,
		"clusters", report.Clusters,
		"merged", report.Merged,
		"rejected", report.Rejected,
		"skipped", report.Skipped,
	)
	return report, nil
}

// selectHubs finds consolidation seeds: memories with high importance and
// real usage, or with enough non-entity inbound links. Archived memories
// never qualify (ListActive already excludes them).
func (e *Engine) selectHubs(active []*memory.Memory) []*memory.Memory {
	var hubs []*memory.Memory
	for _, m := range active {
		byScore := m.Importance >= e.cfg.HubImportance && m.AccessCount >= e.cfg.HubMinAccess
		byLinks := countNonEntityInbound(m) >= e.cfg.HubMinInbound
		if byScore || byLinks {
			hubs = append(hubs, m)
		}
	}
	sort.Slice(hubs, func(i, j int) bool { return hubs[i].Importance > hubs[j].Importance })
	if len(hubs) > e.cfg.TopHubs {
		hubs = hubs[:e.cfg.TopHubs]
	}
	return hubs
}

func countNonEntityInbound(m *memory.Memory) int {
	n := 0
	for _, l := range m.Inbound {
		if !l.IsEntity() {
			n++
		}
	}
	return n
}

// formCluster runs a similarity search around the hub and groups results
// above the threshold. Returns nil when no cluster forms.
func (e *Engine) formCluster(ctx context.Context, ownerID string, hub *memory.Memory, exclude map[string]bool) (*Cluster, error) {
	results, err := e.search.SearchSimilarToMemory(ctx, ownerID, hub.ID, e.cfg.SimilarityThreshold, e.cfg.ClusterLimit)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	cluster := &Cluster{Hub: hub, Members: []*memory.Memory{hub}}
	for _, r := range results {
		if exclude[r.MemoryID] {
			continue
		}
		m, err := e.store.GetMemory(ctx, r.MemoryID)
		if err != nil {
			return nil, err
		}
		if m == nil || m.Archived {
			continue
		}
		cluster.Members = append(cluster.Members, m)
		cluster.Similarities = append(cluster.Similarities, r.Similarity)
	}
	if len(cluster.Members) < 2 {
		return nil, nil
	}

	total := 0.0
	for _, s := range cluster.Similarities {
		total += s
	}
	cluster.Coherence = total / float64(len(cluster.Similarities))
	return cluster, nil
}

// judgeAndCommit runs the two-stage verification and, if both passes
// approve, commits the merge atomically. Returns (nil, nil) on a policy
// rejection — the store stays byte-identical in that case.
func (e *Engine) judgeAndCommit(ctx context.Context, ownerID string, cluster *Cluster) (*memory.Memory, error) {
	texts := make([]string, len(cluster.Members))
	for i, m := range cluster.Members {
		texts[i] = m.Content
	}

	verdict, err := e.proposeWithRetry(ctx, texts)
	if err != nil {
		return nil, err
	}
	if !verdict.ShouldConsolidate {
		slog.Debug("consolidation declined by first pass", "hub", cluster.Hub.ID, "rationale", verdict.Rationale)
		return nil, nil
	}

	// The first pass, tuned for careful reasoning, can still be
	// overconfident. The gate is the last check before an irreversible
	// action.
	approved, err := e.judge.Approve(ctx, verdict, texts)
	if err != nil {
		return nil, fmt.Errorf("approval gate: %w", err)
	}
	if !approved {
		slog.Debug("consolidation declined by approval gate", "hub", cluster.Hub.ID)
		return nil, nil
	}

	spec := buildMergeSpec(ownerID, cluster, verdict.ConsolidatedText)
	mergedMem, err := e.store.ApplyMerge(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}

	e.syncEmbeddings(ctx, ownerID, mergedMem, cluster)
	return mergedMem, nil
}

func (e *Engine) proposeWithRetry(ctx context.Context, texts []string) (*llm.ConsolidationVerdict, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.JudgeRetries; attempt++ {
		verdict, err := e.judge.Propose(ctx, texts)
		if err == nil {
			return verdict, nil
		}
		lastErr = err
		slog.Warn("consolidation judgment failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("judgment failed after %d attempts: %w", e.cfg.JudgeRetries+1, lastErr)
}

// buildMergeSpec collects the union of the cluster's links and the median
// importance. Median, not mean: resistant to outlier inflation. Not max:
// duplicating a memory must not be a way to game its score upward.
func buildMergeSpec(ownerID string, cluster *Cluster, consolidatedText string) memory.MergeSpec {
	spec := memory.MergeSpec{
		OwnerID:    ownerID,
		Content:    consolidatedText,
		Importance: medianImportance(cluster.Members),
		Confidence: cluster.Coherence,
	}
	for _, m := range cluster.Members {
		spec.SourceIDs = append(spec.SourceIDs, m.ID)
		spec.Inbound = append(spec.Inbound, m.Inbound...)
		spec.Outbound = append(spec.Outbound, m.Outbound...)
	}
	return spec
}

func medianImportance(members []*memory.Memory) float64 {
	scores := make([]float64, len(members))
	for i, m := range members {
		scores[i] = m.Importance
	}
	sort.Float64s(scores)
	n := len(scores)
	if n%2 == 1 {
		return scores[n/2]
	}
	return (scores[n/2-1] + scores[n/2]) / 2
}

// syncEmbeddings removes source embeddings (archived memories must drop
// out of similarity search) and embeds the merged memory. Best-effort:
// the merge itself has already committed.
func (e *Engine) syncEmbeddings(ctx context.Context, ownerID string, merged *memory.Memory, cluster *Cluster) {
	for _, m := range cluster.Members {
		if err := e.search.Delete(ctx, m.ID); err != nil {
			slog.Warn("delete source embedding failed", "memory", m.ID, "error", err)
		}
	}
	if e.embedder == nil {
		return
	}
	vec, err := e.embedder.EmbedDocument(ctx, merged.Content)
	if err != nil {
		slog.Warn("embed merged memory failed", "memory", merged.ID, "error", err)
		return
	}
	if err := e.search.Insert(ctx, merged.ID, ownerID, vec); err != nil {
		slog.Warn("insert merged embedding failed", "memory", merged.ID, "error", err)
	}
}
