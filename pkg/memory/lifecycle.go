package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MergeSpec describes a consolidation commit: the sources being merged,
// the consolidated text, the already-collected link bundle, and the target
// importance (the consolidator computes the median of the sources).
type MergeSpec struct {
	OwnerID    string
	SourceIDs  []string
	Content    string
	Importance float64
	Confidence float64
	Inbound    []Link // union of the sources' inbound links, deduplicated
	Outbound   []Link // union of the sources' outbound and entity links
}

// ApplyMerge commits a consolidation as a single atomic unit:
//
//  1. create the merged memory carrying the link bundle and a
//     consolidates list naming every source
//  2. rewrite every other memory's link ends that pointed at a source so
//     they point at the merged memory
//  3. archive each source (flag + timestamp, never deleted)
//
// The order matters: a reader must never observe archived sources whose
// inbound rewrite has not landed, so everything happens in one SQLite
// transaction. Any failure rolls the whole unit back.
func (s *Store) ApplyMerge(ctx context.Context, spec MergeSpec) (*Memory, error) {
	if len(spec.SourceIDs) < 2 {
		return nil, fmt.Errorf("apply merge: need at least 2 sources, got %d", len(spec.SourceIDs))
	}
	sources := make(map[string]bool, len(spec.SourceIDs))
	for _, id := range spec.SourceIDs {
		sources[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback()

	// All sources must still be active; a source archived mid-flight
	// means another pass got here first and this unit must abort.
	for _, id := range spec.SourceIDs {
		src, err := getMemoryTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, fmt.Errorf("apply merge: source %s: %w", id, ErrNotFound)
		}
		if src.Archived {
			return nil, fmt.Errorf("apply merge: source %s already archived", id)
		}
	}

	now := time.Now().UTC()
	// The pool holds a single connection and the transaction owns it;
	// the counter must be read through the transaction.
	days, err := activityDays(ctx, tx, spec.OwnerID)
	if err != nil {
		return nil, err
	}

	merged := &Memory{
		ID:           uuid.NewString(),
		OwnerID:      spec.OwnerID,
		Content:      spec.Content,
		Importance:   spec.Importance,
		Confidence:   spec.Confidence,
		CreatedDays:  days,
		AccessedDays: days,
		Consolidates: spec.SourceIDs,
		Inbound:      pruneBundle(spec.Inbound, sources),
		Outbound:     pruneBundle(spec.Outbound, sources),
		CreatedAt:    now,
	}
	if err := insertMemory(ctx, tx, merged); err != nil {
		return nil, err
	}

	// Re-point the far side of every bundled link. Inbound bundle entries
	// name the linking memory; its outbound list held an edge to a source
	// and must now hold one to the merged memory.
	for _, in := range merged.Inbound {
		linker, err := getMemoryTx(ctx, tx, in.Target)
		if err != nil {
			return nil, err
		}
		if linker == nil {
			continue // dead end, heal-on-read will catch the other side
		}
		linker.Outbound = retargetLinks(linker.Outbound, sources, merged.ID)
		if err := saveLinksTx(ctx, tx, linker); err != nil {
			return nil, err
		}
	}
	for _, out := range merged.Outbound {
		if out.IsEntity() {
			continue
		}
		target, err := getMemoryTx(ctx, tx, out.Target)
		if err != nil {
			return nil, err
		}
		if target == nil {
			continue
		}
		target.Inbound = retargetLinks(target.Inbound, sources, merged.ID)
		if err := saveLinksTx(ctx, tx, target); err != nil {
			return nil, err
		}
	}

	for _, id := range spec.SourceIDs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE memories SET archived = 1, archived_at = ? WHERE id = ?",
			fmtTime(now), id); err != nil {
			return nil, fmt.Errorf("archive source %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	slog.Info("consolidation committed",
		"owner", spec.OwnerID, "merged", merged.ID, "sources", len(spec.SourceIDs))
	return merged, nil
}

// ApplySplit commits a refinement trim or split: the replacement memories
// are created referencing the original via consolidates, and the original's
// refinement cooldown is stamped. The original is never archived — splits
// are alternate views, not replacements.
func (s *Store) ApplySplit(ctx context.Context, originalID string, replacements []*Memory) error {
	if len(replacements) == 0 {
		return fmt.Errorf("apply split: no replacements")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin split tx: %w", err)
	}
	defer tx.Rollback()

	orig, err := getMemoryTx(ctx, tx, originalID)
	if err != nil {
		return err
	}
	if orig == nil {
		return fmt.Errorf("apply split: original %s: %w", originalID, ErrNotFound)
	}

	days, err := activityDays(ctx, tx, orig.OwnerID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, r := range replacements {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.OwnerID = orig.OwnerID
		r.Consolidates = []string{originalID}
		r.CreatedDays = days
		r.AccessedDays = days
		r.CreatedAt = now
		if err := insertMemory(ctx, tx, r); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE memories SET last_refined_at = ? WHERE id = ?",
		fmtTime(now), originalID); err != nil {
		return fmt.Errorf("stamp refinement on %s: %w", originalID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit split: %w", err)
	}
	slog.Info("refinement committed", "original", originalID, "replacements", len(replacements))
	return nil
}

// pruneBundle removes self-references (links into the merged set) and
// collapses duplicates by (target, type), keeping the higher confidence.
func pruneBundle(links []Link, sources map[string]bool) []Link {
	out := make([]Link, 0, len(links))
	for _, l := range links {
		if sources[l.Target] {
			continue
		}
		out = upsertLink(out, l)
	}
	return out
}

// retargetLinks rewrites link ends pointing into the merged set so they
// point at the merged memory, collapsing duplicates.
func retargetLinks(links []Link, sources map[string]bool, mergedID string) []Link {
	out := make([]Link, 0, len(links))
	for _, l := range links {
		if sources[l.Target] {
			l.Target = mergedID
		}
		out = upsertLink(out, l)
	}
	return out
}
