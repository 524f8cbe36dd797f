package consolidate

import (
	"context"
	"errors"
	"testing"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/vector"
)

// stubSearcher serves scripted similarity results keyed by memory ID and
// records embedding mutations.
type stubSearcher struct {
	results  map[string][]vector.SearchResult
	inserted []string
	deleted  []string
	err      error
}

func (s *stubSearcher) SearchSimilarToMemory(ctx context.Context, ownerID, memoryID string, threshold float64, limit int) ([]vector.SearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results[memoryID], nil
}

func (s *stubSearcher) Insert(ctx context.Context, memoryID, ownerID string, embedding []float32) error {
	s.inserted = append(s.inserted, memoryID)
	return nil
}

func (s *stubSearcher) Delete(ctx context.Context, memoryID string) error {
	s.deleted = append(s.deleted, memoryID)
	return nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func openTestStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMemory(t *testing.T, s *memory.Store, owner, content string, importance float64, accesses int) *memory.Memory {
	t.Helper()
	m := &memory.Memory{
		OwnerID:     owner,
		Content:     content,
		Importance:  importance,
		Confidence:  0.8,
		AccessCount: accesses,
	}
	if err := s.CreateMemory(context.Background(), m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return m
}

func TestMedianImportance(t *testing.T) {
	odd := []*memory.Memory{{Importance: 0.9}, {Importance: 0.2}, {Importance: 0.5}}
	if got := medianImportance(odd); got != 0.5 {
		t.Errorf("median of {0.2,0.5,0.9} = %f, want 0.5", got)
	}
	even := []*memory.Memory{{Importance: 0.25}, {Importance: 0.75}}
	if got := medianImportance(even); got != 0.5 {
		t.Errorf("median of {0.25,0.75} = %f, want 0.5", got)
	}
}

func TestRunOnceMerges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hub := seedMemory(t, s, "alice", "drinks oat milk lattes", 0.9, 5)
	near1 := seedMemory(t, s, "alice", "ordered an oat milk latte", 0.5, 1)
	near2 := seedMemory(t, s, "alice", "always oat milk, never dairy", 0.2, 1)

	search := &stubSearcher{results: map[string][]vector.SearchResult{
		hub.ID: {
			{MemoryID: near1.ID, Similarity: 0.92},
			{MemoryID: near2.ID, Similarity: 0.88},
		},
	}}
	judge := &llm.MockJudge{
		Verdict:  &llm.ConsolidationVerdict{ShouldConsolidate: true, ConsolidatedText: "always drinks oat milk lattes"},
		Approved: true,
	}
	e := New(s, search, stubEmbedder{}, judge, DefaultConfig())

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Merged != 1 {
		t.Fatalf("Merged = %d, want 1 (report: %+v)", report.Merged, report)
	}
	if judge.ProposeCalls != 1 || judge.ApproveCalls != 1 {
		t.Errorf("judge calls = %d/%d, want one propose and one approve", judge.ProposeCalls, judge.ApproveCalls)
	}

	active, err := s.ListActive(ctx, "alice")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active = %d after merge, want 1", len(active))
	}
	merged := active[0]
	if merged.Content != "always drinks oat milk lattes" {
		t.Errorf("merged content = %q", merged.Content)
	}
	if len(merged.Consolidates) != 3 {
		t.Errorf("consolidates = %v, want all three sources", merged.Consolidates)
	}
	// Median of {0.2, 0.5, 0.9}.
	if merged.Importance != 0.5 {
		t.Errorf("merged importance = %f, want the median 0.5", merged.Importance)
	}
	// Coherence of the cluster becomes the merge confidence.
	if want := (0.92 + 0.88) / 2; merged.Confidence != want {
		t.Errorf("merged confidence = %f, want cluster coherence %f", merged.Confidence, want)
	}

	for _, id := range []string{hub.ID, near1.ID, near2.ID} {
		src, _ := s.GetMemory(ctx, id)
		if !src.Archived {
			t.Errorf("source %s not archived", id)
		}
	}
	if len(search.deleted) != 3 {
		t.Errorf("deleted embeddings = %v, want the three sources", search.deleted)
	}
	if len(search.inserted) != 1 || search.inserted[0] != merged.ID {
		t.Errorf("inserted embeddings = %v, want just the merged memory", search.inserted)
	}
}

func TestRunOnceRejectedByFirstPass(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hub := seedMemory(t, s, "alice", "a", 0.9, 5)
	other := seedMemory(t, s, "alice", "b", 0.5, 1)
	search := &stubSearcher{results: map[string][]vector.SearchResult{
		hub.ID: {{MemoryID: other.ID, Similarity: 0.9}},
	}}
	judge := &llm.MockJudge{
		Verdict:  &llm.ConsolidationVerdict{ShouldConsolidate: false, Rationale: "distinct facts"},
		Approved: true,
	}
	e := New(s, search, stubEmbedder{}, judge, DefaultConfig())

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Rejected != 1 || report.Merged != 0 {
		t.Errorf("report = %+v, want one rejection and no merges", report)
	}
	if judge.ApproveCalls != 0 {
		t.Error("approval gate ran despite a first-pass rejection")
	}
	active, _ := s.ListActive(ctx, "alice")
	if len(active) != 2 {
		t.Errorf("store changed on rejection: %d active, want 2", len(active))
	}
}

func TestRunOnceRejectedByApprovalGate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hub := seedMemory(t, s, "alice", "a", 0.9, 5)
	other := seedMemory(t, s, "alice", "b", 0.5, 1)
	search := &stubSearcher{results: map[string][]vector.SearchResult{
		hub.ID: {{MemoryID: other.ID, Similarity: 0.9}},
	}}
	judge := &llm.MockJudge{
		Verdict:  &llm.ConsolidationVerdict{ShouldConsolidate: true, ConsolidatedText: "merged"},
		Approved: false,
	}
	e := New(s, search, stubEmbedder{}, judge, DefaultConfig())

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Rejected != 1 || report.Merged != 0 {
		t.Errorf("report = %+v, want one rejection and no merges", report)
	}
	if judge.ApproveCalls != 1 {
		t.Errorf("ApproveCalls = %d, want 1", judge.ApproveCalls)
	}
	active, _ := s.ListActive(ctx, "alice")
	if len(active) != 2 {
		t.Errorf("store changed on gate rejection: %d active, want 2", len(active))
	}
	if len(search.deleted) != 0 {
		t.Error("embeddings touched on a rejected cluster")
	}
}

func TestRunOnceRetriesJudgmentThenSkips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hub := seedMemory(t, s, "alice", "a", 0.9, 5)
	other := seedMemory(t, s, "alice", "b", 0.5, 1)
	search := &stubSearcher{results: map[string][]vector.SearchResult{
		hub.ID: {{MemoryID: other.ID, Similarity: 0.9}},
	}}
	judge := &llm.MockJudge{ProposeErr: errors.New("model overloaded")}
	cfg := DefaultConfig()
	cfg.JudgeRetries = 2
	e := New(s, search, stubEmbedder{}, judge, cfg)

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Skipped != 1 || report.Merged != 0 {
		t.Errorf("report = %+v, want one skip", report)
	}
	if judge.ProposeCalls != 3 {
		t.Errorf("ProposeCalls = %d, want retries+1 = 3", judge.ProposeCalls)
	}
}

func TestSelectHubs(t *testing.T) {
	cfg := DefaultConfig()
	e := New(nil, nil, nil, nil, cfg)

	byScore := &memory.Memory{ID: "s", Importance: 0.7, AccessCount: 4}
	lowAccess := &memory.Memory{ID: "la", Importance: 0.9, AccessCount: 1}
	byLinks := &memory.Memory{ID: "l", Importance: 0.1, Inbound: []memory.Link{
		{Target: "1", Type: memory.LinkCauses},
		{Target: "2", Type: memory.LinkCauses},
		{Target: "3", Type: memory.LinkConflicts},
		{Target: "4", Type: memory.LinkCauses},
	}}
	entityLinks := &memory.Memory{ID: "e", Importance: 0.1, Inbound: []memory.Link{
		{Target: "1", Type: memory.LinkSharesEntityPrefix + "a"},
		{Target: "2", Type: memory.LinkSharesEntityPrefix + "b"},
		{Target: "3", Type: memory.LinkSharesEntityPrefix + "c"},
		{Target: "4", Type: memory.LinkSharesEntityPrefix + "d"},
	}}

	hubs := e.selectHubs([]*memory.Memory{byScore, lowAccess, byLinks, entityLinks})
	if len(hubs) != 2 {
		t.Fatalf("hubs = %d, want 2", len(hubs))
	}
	if hubs[0].ID != "s" || hubs[1].ID != "l" {
		t.Errorf("hubs = [%s %s], want [s l] ordered by importance", hubs[0].ID, hubs[1].ID)
	}
}

func TestFormClusterNeedsTwoMembers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedMemory(t, s, "alice", "isolated", 0.9, 5)
	search := &stubSearcher{results: map[string][]vector.SearchResult{}}
	judge := &llm.MockJudge{Verdict: &llm.ConsolidationVerdict{ShouldConsolidate: true, ConsolidatedText: "x"}, Approved: true}
	e := New(s, search, stubEmbedder{}, judge, DefaultConfig())

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Clusters != 0 || judge.ProposeCalls != 0 {
		t.Errorf("report = %+v, judge calls = %d; a lone hub must not form a cluster", report, judge.ProposeCalls)
	}
}

func TestFormClusterSkipsArchivedNeighbors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hub := seedMemory(t, s, "alice", "anchor", 0.9, 5)
	gone := seedMemory(t, s, "alice", "already merged elsewhere", 0.5, 1)
	spec := memory.MergeSpec{
		OwnerID:    "alice",
		SourceIDs:  []string{gone.ID, seedMemory(t, s, "alice", "other source", 0.5, 1).ID},
		Content:    "merged elsewhere",
		Importance: 0.5,
		Confidence: 0.8,
	}
	if _, err := s.ApplyMerge(ctx, spec); err != nil {
		t.Fatalf("ApplyMerge: %v", err)
	}

	search := &stubSearcher{results: map[string][]vector.SearchResult{
		hub.ID: {{MemoryID: gone.ID, Similarity: 0.95}},
	}}
	judge := &llm.MockJudge{Verdict: &llm.ConsolidationVerdict{ShouldConsolidate: true, ConsolidatedText: "x"}, Approved: true}
	e := New(s, search, stubEmbedder{}, judge, DefaultConfig())

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Merged != 0 || judge.ProposeCalls != 0 {
		t.Errorf("archived neighbor joined a cluster: report = %+v", report)
	}
}
