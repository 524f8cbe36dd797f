package memory

import (
	"context"
	"testing"
	"time"
)

func createTestMemory(t *testing.T, s *Store, owner, content string) *Memory {
	t.Helper()
	m := &Memory{OwnerID: owner, Content: content, Importance: 0.5, Confidence: 0.8}
	if err := s.CreateMemory(context.Background(), m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return m
}

// archiveDirect flips the archived flag without going through a merge, to
// simulate a dangling link end.
func archiveDirect(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.db.Exec("UPDATE memories SET archived = 1, archived_at = ? WHERE id = ?",
		fmtTime(time.Now().UTC()), id); err != nil {
		t.Fatalf("archive %s: %v", id, err)
	}
}

func TestAddLinkWritesBothEnds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "uses PostgreSQL at work")
	b := createTestMemory(t, s, "alice", "is migrating the warehouse to PostgreSQL")

	if err := s.AddLink(ctx, a.ID, b.ID, LinkCauses, 0.8, "migration follows adoption"); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	src, _ := s.GetMemory(ctx, a.ID)
	dst, _ := s.GetMemory(ctx, b.ID)
	if len(src.Outbound) != 1 || src.Outbound[0].Target != b.ID || src.Outbound[0].Type != LinkCauses {
		t.Errorf("source outbound = %+v, want one causes link to %s", src.Outbound, b.ID)
	}
	if len(dst.Inbound) != 1 || dst.Inbound[0].Target != a.ID || dst.Inbound[0].Type != LinkCauses {
		t.Errorf("target inbound = %+v, want one causes link from %s", dst.Inbound, a.ID)
	}
	if src.Outbound[0].Confidence != 0.8 || dst.Inbound[0].Confidence != 0.8 {
		t.Error("confidence must match on both ends")
	}
}

func TestAddLinkRejectsSelfLink(t *testing.T) {
	s := openTestStore(t)
	a := createTestMemory(t, s, "alice", "x")
	if err := s.AddLink(context.Background(), a.ID, a.ID, LinkCauses, 1, ""); err == nil {
		t.Fatal("self-link should be rejected")
	}
}

func TestAddLinkCollapsesDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "x")
	b := createTestMemory(t, s, "alice", "y")

	s.AddLink(ctx, a.ID, b.ID, LinkCauses, 0.5, "")
	s.AddLink(ctx, a.ID, b.ID, LinkCauses, 0.9, "")
	s.AddLink(ctx, a.ID, b.ID, LinkCauses, 0.3, "")

	src, _ := s.GetMemory(ctx, a.ID)
	if len(src.Outbound) != 1 {
		t.Fatalf("got %d links, duplicates by (target, type) must collapse", len(src.Outbound))
	}
	if src.Outbound[0].Confidence != 0.9 {
		t.Errorf("confidence = %.1f, want the higher 0.9 kept", src.Outbound[0].Confidence)
	}
}

func TestRemoveLinkIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "x")
	b := createTestMemory(t, s, "alice", "y")
	s.AddLink(ctx, a.ID, b.ID, LinkConflicts, 0.7, "")

	if err := s.RemoveLink(ctx, a.ID, b.ID, LinkConflicts); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}
	if err := s.RemoveLink(ctx, a.ID, b.ID, LinkConflicts); err != nil {
		t.Fatalf("RemoveLink (repeat): %v", err)
	}

	src, _ := s.GetMemory(ctx, a.ID)
	dst, _ := s.GetMemory(ctx, b.ID)
	if len(src.Outbound) != 0 || len(dst.Inbound) != 0 {
		t.Error("RemoveLink must clear both ends")
	}
}

func TestEntityLinkIsOneEnded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "works at Acme")
	e, err := s.EnsureEntity(ctx, "alice", "Acme", "organization")
	if err != nil {
		t.Fatalf("EnsureEntity: %v", err)
	}

	if err := s.AddEntityLink(ctx, a.ID, e.ID, LinkSharesEntityPrefix+"Acme", 1.0); err != nil {
		t.Fatalf("AddEntityLink: %v", err)
	}

	src, _ := s.GetMemory(ctx, a.ID)
	if len(src.Outbound) != 1 || !src.Outbound[0].IsEntity() {
		t.Fatalf("outbound = %+v, want one entity link", src.Outbound)
	}
}

func TestTraverseBFS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "a")
	b := createTestMemory(t, s, "alice", "b")
	c := createTestMemory(t, s, "alice", "c")
	s.AddLink(ctx, a.ID, b.ID, LinkCauses, 0.9, "")
	s.AddLink(ctx, b.ID, c.ID, LinkMotivatedBy, 0.8, "")

	visits, repaired, err := s.Traverse(ctx, a.ID, 1)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if repaired != 0 {
		t.Errorf("repaired = %d, want 0", repaired)
	}
	if len(visits) != 2 {
		t.Fatalf("depth 1 visits = %d, want 2 (start + b)", len(visits))
	}

	visits, _, err = s.Traverse(ctx, a.ID, 3)
	if err != nil {
		t.Fatalf("Traverse (deep): %v", err)
	}
	if len(visits) != 3 {
		t.Fatalf("depth 3 visits = %d, want 3", len(visits))
	}
	if visits[2].Memory.ID != c.ID || visits[2].Depth != 2 || visits[2].Source != b.ID {
		t.Errorf("visit 2 = %+v, want c at depth 2 via b", visits[2])
	}
}

func TestTraverseSkipsEntityLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "works at Acme")
	e, _ := s.EnsureEntity(ctx, "alice", "Acme", "organization")
	s.AddEntityLink(ctx, a.ID, e.ID, LinkSharesEntityPrefix+"Acme", 1.0)

	visits, repaired, err := s.Traverse(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(visits) != 1 {
		t.Errorf("visits = %d, entity links must never be expanded", len(visits))
	}
	if repaired != 0 {
		t.Errorf("repaired = %d, entity links are not dead links", repaired)
	}
}

func TestTraverseHealsDeadLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "a")
	b := createTestMemory(t, s, "alice", "b")
	c := createTestMemory(t, s, "alice", "c")
	s.AddLink(ctx, a.ID, b.ID, LinkCauses, 0.9, "")
	s.AddLink(ctx, a.ID, c.ID, LinkConflicts, 0.7, "")

	archiveDirect(t, s, b.ID)

	visits, repaired, err := s.Traverse(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}
	if len(visits) != 2 {
		t.Errorf("visits = %d, want start + c", len(visits))
	}

	// The repair removed both ends.
	src, _ := s.GetMemory(ctx, a.ID)
	for _, l := range src.Outbound {
		if l.Target == b.ID {
			t.Error("dead outbound link survived the heal")
		}
	}
	dead, _ := s.GetMemory(ctx, b.ID)
	for _, l := range dead.Inbound {
		if l.Target == a.ID {
			t.Error("dead inbound link survived the heal")
		}
	}

	// A second traversal finds nothing left to repair.
	_, repaired, err = s.Traverse(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("Traverse (second): %v", err)
	}
	if repaired != 0 {
		t.Errorf("second traversal repaired = %d, want 0", repaired)
	}
}

func TestTraverseErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createTestMemory(t, s, "alice", "a")

	if _, _, err := s.Traverse(ctx, a.ID, 0); err == nil {
		t.Error("non-positive depth should error")
	}
	if _, _, err := s.Traverse(ctx, "missing", 2); err == nil {
		t.Error("missing start should error")
	}
}
