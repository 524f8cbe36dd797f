package refine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
)

func testConfig() Config {
	return Config{
		VerboseLength: 50,
		MinAge:        time.Hour,
		MinAccess:     1,
		Cooldown:      24 * time.Hour,
		MaxRejections: 2,
	}
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

// seedVerbose creates a memory that passes every candidate filter.
func seedVerbose(t *testing.T, s *memory.Store, owner string) *memory.Memory {
	t.Helper()
	m := &memory.Memory{
		OwnerID:     owner,
		Content:     strings.Repeat("a verbose note about many things at once. ", 5),
		Importance:  0.37,
		Confidence:  0.81,
		AccessCount: 3,
		CreatedAt:   time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := s.CreateMemory(context.Background(), m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return m
}

func TestTrimInheritsScores(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orig := seedVerbose(t, s, "alice")

	refiner := &llm.MockRefiner{Verdict: &llm.RefinementVerdict{
		Action: llm.RefineTrim,
		Texts:  []string{"a verbose note, trimmed"},
	}}
	e := New(s, refiner, nil, nil, testConfig())

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Trimmed != 1 {
		t.Fatalf("Trimmed = %d, want 1 (report: %+v)", report.Trimmed, report)
	}

	// Original survives active with its cooldown stamped.
	got, _ := s.GetMemory(ctx, orig.ID)
	if got == nil || got.Archived {
		t.Fatal("original must stay active after a trim")
	}
	if got.LastRefinedAt == nil {
		t.Error("original missing refinement timestamp")
	}

	active, _ := s.ListActive(ctx, "alice")
	if len(active) != 2 {
		t.Fatalf("active = %d, want original plus replacement", len(active))
	}
	var repl *memory.Memory
	for _, m := range active {
		if m.ID != orig.ID {
			repl = m
		}
	}
	if repl.Content != "a verbose note, trimmed" {
		t.Errorf("replacement content = %q", repl.Content)
	}
	if repl.Importance != 0.37 || repl.Confidence != 0.81 {
		t.Errorf("replacement scores = %f/%f, want the original's 0.37/0.81 unchanged", repl.Importance, repl.Confidence)
	}
	if len(repl.Consolidates) != 1 || repl.Consolidates[0] != orig.ID {
		t.Errorf("replacement consolidates = %v, want [%s]", repl.Consolidates, orig.ID)
	}
}

func TestSplitCreatesInheritingReplacements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orig := seedVerbose(t, s, "alice")

	refiner := &llm.MockRefiner{Verdict: &llm.RefinementVerdict{
		Action: llm.RefineSplit,
		Texts:  []string{"first distinct fact", "second distinct fact", "third distinct fact"},
	}}
	e := New(s, refiner, nil, nil, testConfig())

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Split != 1 {
		t.Fatalf("Split = %d, want 1 (report: %+v)", report.Split, report)
	}

	active, _ := s.ListActive(ctx, "alice")
	if len(active) != 4 {
		t.Fatalf("active = %d, want original plus three replacements", len(active))
	}
	for _, m := range active {
		if m.ID == orig.ID {
			continue
		}
		if m.Importance != 0.37 || m.Confidence != 0.81 {
			t.Errorf("replacement %s scores = %f/%f, want 0.37/0.81", m.ID, m.Importance, m.Confidence)
		}
		if len(m.Consolidates) != 1 || m.Consolidates[0] != orig.ID {
			t.Errorf("replacement %s consolidates = %v", m.ID, m.Consolidates)
		}
	}
}

func TestDoNothingCountsTowardExclusion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orig := seedVerbose(t, s, "alice")

	refiner := &llm.MockRefiner{Verdict: &llm.RefinementVerdict{Action: llm.RefineDoNothing}}
	cfg := testConfig()
	cfg.Cooldown = 0 // rejections also stamp the cooldown; isolate the counter
	e := New(s, refiner, nil, nil, cfg)

	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", report.Rejected)
	}
	got, _ := s.GetMemory(ctx, orig.ID)
	if got.RefineRejections != 1 {
		t.Errorf("RefineRejections = %d, want 1", got.RefineRejections)
	}

	// Second rejection reaches MaxRejections; the memory drops out of
	// later scans permanently.
	if _, err := e.RunOnce(ctx, "alice"); err != nil {
		t.Fatalf("RunOnce (second): %v", err)
	}
	report, err = e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce (third): %v", err)
	}
	if report.Candidates != 0 {
		t.Errorf("Candidates = %d after max rejections, want 0", report.Candidates)
	}
	if refiner.Calls != 2 {
		t.Errorf("refiner called %d times, want 2", refiner.Calls)
	}
}

func TestCooldownExcludesRecentlyRefined(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedVerbose(t, s, "alice")

	refiner := &llm.MockRefiner{Verdict: &llm.RefinementVerdict{
		Action: llm.RefineTrim,
		Texts:  []string{"short"},
	}}
	e := New(s, refiner, nil, nil, testConfig())

	if _, err := e.RunOnce(ctx, "alice"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	report, err := e.RunOnce(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOnce (second): %v", err)
	}
	if report.Candidates != 0 {
		t.Errorf("Candidates = %d within cooldown, want 0", report.Candidates)
	}
	if refiner.Calls != 1 {
		t.Errorf("refiner called %d times, want 1", refiner.Calls)
	}
}

func TestSelectCandidatesFilters(t *testing.T) {
	e := New(nil, nil, nil, nil, testConfig())
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)
	long := strings.Repeat("x", 60)

	recent := now.Add(-time.Minute)
	stale := now.Add(-48 * time.Hour)
	candidates := e.selectCandidates([]*memory.Memory{
		{ID: "short", Content: "brief", AccessCount: 3, CreatedAt: old},
		{ID: "young", Content: long, AccessCount: 3, CreatedAt: recent},
		{ID: "unused", Content: long, AccessCount: 0, CreatedAt: old},
		{ID: "rejected", Content: long, AccessCount: 3, CreatedAt: old, RefineRejections: 2},
		{ID: "cooling", Content: long, AccessCount: 3, CreatedAt: old, LastRefinedAt: &recent},
		{ID: "ready", Content: long, AccessCount: 3, CreatedAt: old, LastRefinedAt: &stale},
	})
	if len(candidates) != 1 || candidates[0].ID != "ready" {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		t.Errorf("candidates = %v, want just [ready]", ids)
	}
}
