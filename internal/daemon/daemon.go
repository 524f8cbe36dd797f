// Package daemon wires the memory lifecycle engine together: SQLite
// storage, pgvector search, Anthropic judgment and batch jobs, the
// maintenance scheduler, and the HTTP API.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/consolidate"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/pipeline"
	"github.com/nous-labs/mneme/pkg/refine"
	"github.com/nous-labs/mneme/pkg/vector"
)

// Daemon is the main mneme process.
type Daemon struct {
	config *Config
	store  *memory.Store

	vectors *vector.Store
	tei     *vector.TEIClient

	router      *llm.Router
	coordinator *pipeline.Coordinator
	scorer      *memory.Scorer
	scheduler   *Scheduler

	startedAt time.Time
	healthy   atomic.Bool // written by Run, read by handler goroutines
}

// New creates a daemon instance and connects its backends. Vector search
// is not optional: extraction dedup, consolidation clustering, and
// relationship candidate selection all run through it.
func New(store *memory.Store, cfg *Config) (*Daemon, error) {
	if cfg.Vector.PostgresURL == "" || cfg.Vector.TEIURL == "" {
		return nil, fmt.Errorf("vector config incomplete: postgres_url and tei_url are required")
	}

	d := &Daemon{
		config:    cfg,
		store:     store,
		startedAt: time.Now(),
	}

	// LLM providers
	providers := make(map[llm.Tier]llm.Provider)
	if cfg.LLM.Deep.APIKey != "" {
		providers[llm.TierDeep] = llm.NewAnthropic(cfg.LLM.Deep.APIKey, cfg.LLM.Deep.Model, interval(cfg.LLM.Deep.Timeout, 60*time.Second))
		slog.Info("LLM provider configured", "tier", "deep", "model", cfg.LLM.Deep.Model)
	}
	if cfg.LLM.Fast.APIKey != "" {
		providers[llm.TierFast] = llm.NewAnthropic(cfg.LLM.Fast.APIKey, cfg.LLM.Fast.Model, interval(cfg.LLM.Fast.Timeout, 30*time.Second))
		slog.Info("LLM provider configured", "tier", "fast", "model", cfg.LLM.Fast.Model)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	d.router = llm.NewRouter(providers)
	judge := llm.NewRouterJudge(d.router)

	// Vector search (pgvector + TEI)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	vectors, err := vector.NewStore(ctx, cfg.Vector.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect pgvector: %w", err)
	}
	if err := vectors.Init(ctx); err != nil {
		vectors.Close()
		return nil, fmt.Errorf("init vector schema: %w", err)
	}
	d.vectors = vectors
	d.tei = vector.NewTEIClient(cfg.Vector.TEIURL, 30*time.Second)
	if err := d.tei.Health(ctx); err != nil {
		// The embedding service may still be starting; calls retry later.
		slog.Warn("embedding service not reachable yet", "tei", cfg.Vector.TEIURL, "error", err)
	}
	slog.Info("vector search initialized", "postgres", cfg.Vector.PostgresURL, "tei", cfg.Vector.TEIURL)

	// Batch jobs run on the fast tier model.
	batchModel := cfg.LLM.Fast
	if batchModel.APIKey == "" {
		batchModel = cfg.LLM.Deep
	}
	batch := llm.NewAnthropicBatch(batchModel.APIKey, batchModel.Model, 30*time.Second)

	d.scorer = memory.NewScorer(store, cfg.Scoring)
	d.coordinator = pipeline.New(store, batch, d.tei, vectors, judge, cfg.Pipeline)
	consolidator := consolidate.New(store, vectors, d.tei, judge, cfg.Consolidate)
	refiner := refine.New(store, judge, d.tei, vectors, cfg.Refine)
	d.scheduler = NewScheduler(store, d.scorer, d.coordinator, consolidator, refiner, cfg.Intervals)

	return d, nil
}

// Run starts the maintenance loops and the HTTP API. Blocks until ctx is
// cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("mneme daemon running",
		"name", d.config.Name,
		"store", d.config.StorePath,
		"listen", d.config.ListenAddr,
	)

	go d.scheduler.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/ingest", d.handleIngest)
	mux.HandleFunc("/v1/recall", d.handleRecall)
	mux.HandleFunc("/v1/stats", d.handleStats)

	srv := &http.Server{Addr: d.config.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	d.healthy.Store(true)
	slog.Info("API listening", "addr", d.config.ListenAddr,
		"endpoints", []string{"/health", "/v1/ingest", "/v1/recall", "/v1/stats"})
	err := srv.ListenAndServe()

	d.healthy.Store(false)
	d.vectors.Close()
	slog.Info("mneme daemon shutting down")

	if err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.healthy.Load() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"starting"}`)
	}
}

// ingestRequest is the JSON body for POST /v1/ingest.
type ingestRequest struct {
	OwnerID   string   `json:"owner_id"`
	Messages  []string `json:"messages"`
	PinnedIDs []string `json:"pinned_ids,omitempty"`
}

// handleIngest accepts a closed conversation segment and queues an
// extraction job for it.
func (d *Daemon) handleIngest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, "invalid body: "+err.Error())
		return
	}
	if req.OwnerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing required field: owner_id"}`)
		return
	}

	err := d.coordinator.IngestSegment(r.Context(), req.OwnerID, req.Messages, req.PinnedIDs)
	if errors.Is(err, pipeline.ErrInFlight) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"extraction already in flight for owner"}`)
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"status":"queued"}`)
}

// recallResponse is the JSON response for /v1/recall.
type recallResponse struct {
	Memories []recallMemory `json:"memories"`
	Query    string         `json:"query"`
	Count    int            `json:"count"`
	Healed   int            `json:"healed"`
}

// recallMemory is a single memory in the recall response.
type recallMemory struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	Confidence float64 `json:"confidence"`
	Similarity float64 `json:"similarity,omitempty"`
	Depth      int     `json:"depth"`
	LinkType   string  `json:"link_type,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// handleRecall serves similarity recall with optional graph expansion.
// Query params:
//   - owner: owner scope (required)
//   - q: search query (required)
//   - limit: max direct hits (default 10)
//   - depth: link traversal depth from each hit (default 0, max 3)
//
// Traversal repairs dead links as it walks them; the healed count is
// reported in the response.
func (d *Daemon) handleRecall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}

	owner := r.URL.Query().Get("owner")
	query := r.URL.Query().Get("q")
	if owner == "" || query == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing required parameters: owner, q"}`)
		return
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	depth := 0
	if dq := r.URL.Query().Get("depth"); dq != "" {
		if parsed, err := strconv.Atoi(dq); err == nil && parsed > 0 && parsed <= 3 {
			depth = parsed
		}
	}

	hits, err := d.searchHits(r.Context(), owner, query, limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	result := recallResponse{Query: query, Memories: []recallMemory{}}
	seen := map[string]bool{}
	for _, hit := range hits {
		m, err := d.store.GetMemory(r.Context(), hit.MemoryID)
		if err != nil || m == nil || m.Archived {
			continue
		}
		if err := d.store.RecordMemoryAccess(r.Context(), m.ID); err != nil {
			slog.Warn("record access failed", "memory", m.ID, "error", err)
		}
		seen[m.ID] = true
		result.Memories = append(result.Memories, recallMemory{
			ID:         m.ID,
			Content:    m.Content,
			Importance: m.Importance,
			Confidence: m.Confidence,
			Similarity: hit.Similarity,
			CreatedAt:  m.CreatedAt.Format(time.RFC3339),
		})

		if depth == 0 {
			continue
		}
		visits, healed, err := d.store.Traverse(r.Context(), m.ID, depth)
		if err != nil {
			slog.Warn("recall traversal failed", "memory", m.ID, "error", err)
			continue
		}
		result.Healed += healed
		for _, v := range visits {
			if v.Depth == 0 || seen[v.Memory.ID] {
				continue
			}
			seen[v.Memory.ID] = true
			result.Memories = append(result.Memories, recallMemory{
				ID:         v.Memory.ID,
				Content:    v.Memory.Content,
				Importance: v.Memory.Importance,
				Confidence: v.Memory.Confidence,
				Depth:      v.Depth,
				LinkType:   v.LinkType,
				CreatedAt:  v.Memory.CreatedAt.Format(time.RFC3339),
			})
		}
	}
	result.Count = len(result.Memories)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Warn("failed to encode recall response", "error", err)
	}
}

// searchHits runs similarity search for a recall query. When the
// embedding service is down, recall degrades to the owner's top active
// memories by importance rather than failing outright.
func (d *Daemon) searchHits(ctx context.Context, owner, query string, limit int) ([]vector.SearchResult, error) {
	vec, err := d.tei.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("embed query failed, falling back to importance ranking", "error", err)
		top, terr := d.store.TopByImportance(ctx, owner, limit)
		if terr != nil {
			return nil, terr
		}
		hits := make([]vector.SearchResult, len(top))
		for i, m := range top {
			hits[i] = vector.SearchResult{MemoryID: m.ID}
		}
		return hits, nil
	}
	return d.vectors.SearchSimilar(ctx, owner, vec, 0.3, limit)
}

func (d *Daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	st := d.store.Stats(r.Context())
	embeddings, err := d.vectors.Count(r.Context())
	if err != nil {
		slog.Warn("embedding count failed", "error", err)
	}
	out := struct {
		memory.Stats
		Embeddings int    `json:"embeddings"`
		Uptime     string `json:"uptime"`
	}{st, embeddings, time.Since(d.startedAt).Round(time.Second).String()}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		slog.Warn("failed to encode stats response", "error", err)
	}
}
