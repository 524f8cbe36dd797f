package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/mneme/pkg/consolidate"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/pipeline"
	"github.com/nous-labs/mneme/pkg/refine"
)

// Scheduler drives the maintenance loops: batch polling, rescoring,
// consolidation, refinement, and stale-job cleanup. Each loop is a
// plain ticker goroutine.
//
// Structural passes over one owner's graph never overlap: the scheduler
// holds a per-owner lock while a consolidation or refinement sweep runs,
// so the two can never merge and split the same memories concurrently.
// Different owners proceed independently.
type Scheduler struct {
	store       *memory.Store
	scorer      *memory.Scorer
	coordinator *pipeline.Coordinator
	consolidate *consolidate.Engine
	refine      *refine.Engine

	pollEvery        time.Duration
	scoreEvery       time.Duration
	fullScoreEvery   time.Duration
	consolidateEvery time.Duration
	refineEvery      time.Duration
	cleanupEvery     time.Duration

	mu     sync.Mutex
	owners map[string]*sync.Mutex
}

// NewScheduler wires the maintenance loops. Intervals come from config
// with defaults applied.
func NewScheduler(store *memory.Store, scorer *memory.Scorer, coord *pipeline.Coordinator, cons *consolidate.Engine, ref *refine.Engine, iv IntervalConfig) *Scheduler {
	return &Scheduler{
		store:            store,
		scorer:           scorer,
		coordinator:      coord,
		consolidate:      cons,
		refine:           ref,
		pollEvery:        interval(iv.Poll, 30*time.Second),
		scoreEvery:       interval(iv.Score, 15*time.Minute),
		fullScoreEvery:   interval(iv.FullScore, 24*time.Hour),
		consolidateEvery: interval(iv.Consolidate, 6*time.Hour),
		refineEvery:      interval(iv.Refine, 6*time.Hour),
		cleanupEvery:     interval(iv.Cleanup, time.Hour),
	}
}

// ownerLock returns the lock serializing structural passes for one owner.
func (s *Scheduler) ownerLock(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners == nil {
		s.owners = make(map[string]*sync.Mutex)
	}
	l, ok := s.owners[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.owners[ownerID] = l
	}
	return l
}

// Run starts all maintenance loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started",
		"poll", s.pollEvery,
		"score", s.scoreEvery,
		"full_score", s.fullScoreEvery,
		"consolidate", s.consolidateEvery,
		"refine", s.refineEvery,
		"cleanup", s.cleanupEvery,
	)

	var wg sync.WaitGroup
	loops := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"poll", s.pollEvery, s.pollPass},
		{"score", s.scoreEvery, s.scorePass},
		{"full-score", s.fullScoreEvery, s.fullScorePass},
		{"consolidate", s.consolidateEvery, s.consolidatePass},
		{"refine", s.refineEvery, s.refinePass},
		{"cleanup", s.cleanupEvery, s.cleanupPass},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, every time.Duration, run func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					run(ctx)
				}
			}
		}(loop.name, loop.every, loop.run)
	}

	wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) pollPass(ctx context.Context) {
	report, err := s.coordinator.PollOnce(ctx)
	if err != nil {
		slog.Warn("poll pass failed", "error", err)
		return
	}
	if report.Completed+report.Failed+report.Promoted > 0 {
		slog.Info("poll pass",
			"promoted", report.Promoted,
			"completed", report.Completed,
			"failed", report.Failed,
			"pending", report.Pending,
			"memories", report.Memories,
			"links", report.Links,
		)
	}
}

// scorePass rescores each owner independently, under that owner's lock so
// a concurrent consolidation does not see half-updated importances.
func (s *Scheduler) scorePass(ctx context.Context) {
	owners, err := s.store.Owners(ctx)
	if err != nil {
		slog.Warn("score pass: list owners failed", "error", err)
		return
	}
	updated := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		l := s.ownerLock(owner)
		l.Lock()
		n, err := s.scorer.RecomputeOwner(ctx, owner)
		l.Unlock()
		if err != nil {
			slog.Warn("score pass failed", "owner", owner, "error", err)
			continue
		}
		updated += n
	}
	if updated > 0 {
		slog.Info("score pass", "owners", len(owners), "updated", updated)
	}
}

func (s *Scheduler) fullScorePass(ctx context.Context) {
	n, err := s.scorer.RecomputeAll(ctx)
	if err != nil {
		slog.Warn("full score pass failed", "error", err)
		return
	}
	slog.Info("full score pass", "updated", n)
}

func (s *Scheduler) consolidatePass(ctx context.Context) {
	s.structuralPass(ctx, "consolidate", func(ctx context.Context, owner string) {
		report, err := s.consolidate.RunOnce(ctx, owner)
		if err != nil {
			slog.Warn("consolidation sweep failed", "owner", owner, "error", err)
			return
		}
		if report.Merged > 0 || report.Rejected > 0 {
			slog.Info("consolidation sweep",
				"owner", owner,
				"merged", report.Merged,
				"rejected", report.Rejected,
				"duration", report.Duration.Round(time.Millisecond),
			)
		}
	})
}

func (s *Scheduler) refinePass(ctx context.Context) {
	s.structuralPass(ctx, "refine", func(ctx context.Context, owner string) {
		report, err := s.refine.RunOnce(ctx, owner)
		if err != nil {
			slog.Warn("refinement sweep failed", "owner", owner, "error", err)
			return
		}
		if report.Trimmed > 0 || report.Split > 0 {
			slog.Info("refinement sweep",
				"owner", owner,
				"trimmed", report.Trimmed,
				"split", report.Split,
				"rejected", report.Rejected,
				"duration", report.Duration.Round(time.Millisecond),
			)
		}
	})
}

// structuralPass runs a per-owner sweep under the owner's lock.
func (s *Scheduler) structuralPass(ctx context.Context, name string, sweep func(context.Context, string)) {
	owners, err := s.store.Owners(ctx)
	if err != nil {
		slog.Warn(name+" pass: list owners failed", "error", err)
		return
	}
	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		l := s.ownerLock(owner)
		l.Lock()
		sweep(ctx, owner)
		l.Unlock()
	}
}

func (s *Scheduler) cleanupPass(ctx context.Context) {
	n, err := s.coordinator.CleanupStale(ctx)
	if err != nil {
		slog.Warn("cleanup pass failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("cleanup pass", "failed_stale", n)
	}
}
