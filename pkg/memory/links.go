package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a traversal start memory does not exist.
var ErrNotFound = errors.New("memory not found")

// AddLink records a directed link between two memories, writing the
// outbound end on the source and the inbound end on the target inside one
// transaction. Duplicate (target, type) pairs are collapsed, keeping the
// higher confidence.
func (s *Store) AddLink(ctx context.Context, sourceID, targetID, linkType string, confidence float64, rationale string) error {
	if sourceID == targetID {
		return fmt.Errorf("add link: self-link on %s", sourceID)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add link tx: %w", err)
	}
	defer tx.Rollback()

	src, err := getMemoryTx(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	dst, err := getMemoryTx(ctx, tx, targetID)
	if err != nil {
		return err
	}
	if src == nil || dst == nil {
		return fmt.Errorf("add link %s -> %s: %w", sourceID, targetID, ErrNotFound)
	}

	src.Outbound = upsertLink(src.Outbound, Link{
		Target: targetID, Type: linkType, Confidence: confidence, Rationale: rationale, CreatedAt: now,
	})
	dst.Inbound = upsertLink(dst.Inbound, Link{
		Target: sourceID, Type: linkType, Confidence: confidence, Rationale: rationale, CreatedAt: now,
	})

	if err := saveLinksTx(ctx, tx, src); err != nil {
		return err
	}
	if err := saveLinksTx(ctx, tx, dst); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add link: %w", err)
	}
	return nil
}

// AddEntityLink records a structural link from a memory to an entity.
// Entities carry no link lists, so only the memory's outbound end is
// written.
func (s *Store) AddEntityLink(ctx context.Context, memoryID, entityID, linkType string, confidence float64) error {
	ok, err := s.EntityExists(ctx, entityID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entity link to %s: %w", entityID, ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entity link tx: %w", err)
	}
	defer tx.Rollback()

	m, err := getMemoryTx(ctx, tx, memoryID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("entity link from %s: %w", memoryID, ErrNotFound)
	}
	m.Outbound = upsertLink(m.Outbound, Link{
		Target: entityID, Type: linkType, Confidence: confidence, CreatedAt: time.Now().UTC(),
	})
	if err := saveLinksTx(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entity link: %w", err)
	}
	return nil
}

// RemoveLink deletes a link from both endpoints. Idempotent: missing ends
// are ignored, so concurrent heal-on-read repairs race harmlessly.
func (s *Store) RemoveLink(ctx context.Context, sourceID, targetID, linkType string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove link tx: %w", err)
	}
	defer tx.Rollback()

	if src, err := getMemoryTx(ctx, tx, sourceID); err != nil {
		return err
	} else if src != nil {
		src.Outbound = dropLink(src.Outbound, targetID, linkType)
		if err := saveLinksTx(ctx, tx, src); err != nil {
			return err
		}
	}
	if dst, err := getMemoryTx(ctx, tx, targetID); err != nil {
		return err
	} else if dst != nil {
		dst.Inbound = dropLink(dst.Inbound, sourceID, linkType)
		if err := saveLinksTx(ctx, tx, dst); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove link: %w", err)
	}
	return nil
}

// Traverse performs a breadth-first expansion over outbound links from the
// start memory, up to maxDepth hops. Entity links are never expanded
// (memories reach each other only through memory links).
//
// Dead link ends — targets that no longer exist or have been archived —
// are repaired in place: removed from both directions and counted. A dead
// link never fails the traversal; only a missing start memory or a
// non-positive depth does.
func (s *Store) Traverse(ctx context.Context, startID string, maxDepth int) ([]Visit, int, error) {
	if maxDepth <= 0 {
		return nil, 0, fmt.Errorf("traverse: depth must be positive, got %d", maxDepth)
	}
	start, err := s.GetMemory(ctx, startID)
	if err != nil {
		return nil, 0, err
	}
	if start == nil {
		return nil, 0, fmt.Errorf("traverse from %s: %w", startID, ErrNotFound)
	}

	visited := map[string]bool{startID: true}
	visits := []Visit{{Memory: start, Depth: 0}}
	frontier := []*Memory{start}
	repaired := 0

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []*Memory
		for _, cur := range frontier {
			for _, link := range cur.Outbound {
				if link.IsEntity() {
					continue
				}
				if visited[link.Target] {
					continue
				}
				target, err := s.GetMemory(ctx, link.Target)
				if err != nil {
					return nil, repaired, err
				}
				if target == nil || target.Archived {
					// Heal-on-read: the target is gone (or was archived
					// and its inbound rewrite already landed elsewhere),
					// so this edge is debris.
					if err := s.RemoveLink(ctx, cur.ID, link.Target, link.Type); err != nil {
						return nil, repaired, err
					}
					repaired++
					slog.Debug("healed dead link",
						"source", cur.ID, "target", link.Target, "type", link.Type)
					continue
				}
				visited[target.ID] = true
				visits = append(visits, Visit{
					Memory:     target,
					Depth:      depth,
					LinkType:   link.Type,
					Confidence: link.Confidence,
					Source:     cur.ID,
				})
				next = append(next, target)
			}
		}
		frontier = next
	}
	return visits, repaired, nil
}

// --- link list helpers ---

// upsertLink appends a link, collapsing duplicates by (target, type) and
// keeping the higher confidence.
func upsertLink(links []Link, l Link) []Link {
	for i, existing := range links {
		if existing.Target == l.Target && existing.Type == l.Type {
			if l.Confidence > existing.Confidence {
				links[i] = l
			}
			return links
		}
	}
	return append(links, l)
}

func dropLink(links []Link, target, linkType string) []Link {
	out := links[:0]
	for _, l := range links {
		if l.Target == target && l.Type == linkType {
			continue
		}
		out = append(out, l)
	}
	return out
}

// --- tx helpers ---

func getMemoryTx(ctx context.Context, tx *sql.Tx, id string) (*Memory, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

func saveLinksTx(ctx context.Context, tx *sql.Tx, m *Memory) error {
	inbound, _ := json.Marshal(emptyLinksIfNil(m.Inbound))
	outbound, _ := json.Marshal(emptyLinksIfNil(m.Outbound))
	_, err := tx.ExecContext(ctx,
		"UPDATE memories SET inbound_links = ?, outbound_links = ? WHERE id = ?",
		string(inbound), string(outbound), m.ID)
	if err != nil {
		return fmt.Errorf("save links for %s: %w", m.ID, err)
	}
	return nil
}
