package memory

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := &Memory{
		OwnerID:    "alice",
		Content:    "Prefers dark roast coffee",
		Importance: 0.7,
		Confidence: 0.9,
	}
	if err := s.CreateMemory(ctx, m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if m.ID == "" {
		t.Fatal("CreateMemory did not assign an ID")
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got == nil {
		t.Fatal("GetMemory returned nil for existing memory")
	}
	if got.Content != m.Content || got.Importance != 0.7 || got.Confidence != 0.9 {
		t.Errorf("roundtrip mismatch: got %+v", got)
	}
	if got.Archived {
		t.Error("new memory should not be archived")
	}

	missing, err := s.GetMemory(ctx, "nope")
	if err != nil {
		t.Fatalf("GetMemory (missing): %v", err)
	}
	if missing != nil {
		t.Error("GetMemory for unknown ID should return nil")
	}
}

func TestMemoryCreationSnapshotsActivityDays(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, day := range []string{"2026-08-01", "2026-08-02", "2026-08-03"} {
		if err := s.AdvanceActivityDay(ctx, "alice", day); err != nil {
			t.Fatalf("AdvanceActivityDay: %v", err)
		}
	}

	m := &Memory{OwnerID: "alice", Content: "x"}
	if err := s.CreateMemory(ctx, m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if m.CreatedDays != 3 || m.AccessedDays != 3 {
		t.Errorf("snapshot = (%d, %d), want (3, 3)", m.CreatedDays, m.AccessedDays)
	}
}

func TestRecordMemoryAccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := &Memory{OwnerID: "alice", Content: "x"}
	if err := s.CreateMemory(ctx, m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	s.AdvanceActivityDay(ctx, "alice", "2026-08-01")
	s.AdvanceActivityDay(ctx, "alice", "2026-08-02")

	if err := s.RecordMemoryAccess(ctx, m.ID); err != nil {
		t.Fatalf("RecordMemoryAccess: %v", err)
	}
	got, _ := s.GetMemory(ctx, m.ID)
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}
	if got.AccessedDays != 2 {
		t.Errorf("AccessedDays = %d, want 2", got.AccessedDays)
	}
	if got.LastAccessedAt == nil {
		t.Error("LastAccessedAt not stamped")
	}
}

func TestActivityDaysIdempotentWithinDay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordActivity(ctx, "alice"); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if err := s.RecordActivity(ctx, "alice"); err != nil {
		t.Fatalf("RecordActivity (repeat): %v", err)
	}
	n, err := s.ActivityDays(ctx, "alice")
	if err != nil {
		t.Fatalf("ActivityDays: %v", err)
	}
	if n != 1 {
		t.Errorf("ActivityDays = %d, want 1 (same-day activity must not double count)", n)
	}

	// Another owner's clock is independent.
	n, _ = s.ActivityDays(ctx, "bob")
	if n != 0 {
		t.Errorf("ActivityDays(bob) = %d, want 0", n)
	}
}

func TestEnsureEntity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e1, err := s.EnsureEntity(ctx, "alice", "Acme Corp", "organization")
	if err != nil {
		t.Fatalf("EnsureEntity: %v", err)
	}
	e2, err := s.EnsureEntity(ctx, "alice", "Acme Corp", "organization")
	if err != nil {
		t.Fatalf("EnsureEntity (repeat): %v", err)
	}
	if e1.ID != e2.ID {
		t.Errorf("EnsureEntity created a duplicate: %s vs %s", e1.ID, e2.ID)
	}

	ok, err := s.EntityExists(ctx, e1.ID)
	if err != nil {
		t.Fatalf("EntityExists: %v", err)
	}
	if !ok {
		t.Error("EntityExists = false for known entity")
	}

	// Same name under another owner is a distinct entity.
	e3, err := s.EnsureEntity(ctx, "bob", "Acme Corp", "organization")
	if err != nil {
		t.Fatalf("EnsureEntity (other owner): %v", err)
	}
	if e3.ID == e1.ID {
		t.Error("entities must be scoped per owner")
	}
}

func TestBatchLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &Batch{OwnerID: "alice", Kind: BatchExtraction, Payload: "{}"}
	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if b.Status != BatchSubmitted {
		t.Errorf("default status = %q, want %q", b.Status, BatchSubmitted)
	}

	inFlight, err := s.HasInFlight(ctx, "alice", BatchExtraction)
	if err != nil {
		t.Fatalf("HasInFlight: %v", err)
	}
	if !inFlight {
		t.Error("HasInFlight = false with a submitted batch")
	}

	b.Status = BatchPolling
	b.JobID = "job-1"
	if err := s.UpdateBatch(ctx, b); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	inFlight, _ = s.HasInFlight(ctx, "alice", BatchExtraction)
	if !inFlight {
		t.Error("HasInFlight = false with a polling batch")
	}

	now := time.Now().UTC()
	b.Status = BatchCompleted
	b.CompletedAt = &now
	if err := s.UpdateBatch(ctx, b); err != nil {
		t.Fatalf("UpdateBatch (complete): %v", err)
	}
	inFlight, _ = s.HasInFlight(ctx, "alice", BatchExtraction)
	if inFlight {
		t.Error("HasInFlight = true after completion")
	}

	done, err := s.ListBatches(ctx, BatchExtraction, BatchCompleted)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(done) != 1 || done[0].ID != b.ID {
		t.Errorf("ListBatches(completed) = %d entries, want exactly the completed batch", len(done))
	}
	if done[0].CompletedAt == nil {
		t.Error("CompletedAt not persisted")
	}
}

func TestOwnersUnion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.CreateMemory(ctx, &Memory{OwnerID: "alice", Content: "x"})
	s.CreateBatch(ctx, &Batch{OwnerID: "bob", Kind: BatchExtraction})

	owners, err := s.Owners(ctx)
	if err != nil {
		t.Fatalf("Owners: %v", err)
	}
	if len(owners) != 2 {
		t.Fatalf("Owners = %v, want alice and bob", owners)
	}
}

func TestTopByImportance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, imp := range []float64{0.2, 0.9, 0.5} {
		if err := s.CreateMemory(ctx, &Memory{OwnerID: "alice", Content: "x", Importance: imp}); err != nil {
			t.Fatalf("CreateMemory: %v", err)
		}
	}

	top, err := s.TopByImportance(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("TopByImportance: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("got %d memories, want 2", len(top))
	}
	if top[0].Importance != 0.9 || top[1].Importance != 0.5 {
		t.Errorf("order = %.1f, %.1f, want 0.9, 0.5", top[0].Importance, top[1].Importance)
	}
}
