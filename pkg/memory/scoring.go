package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"
)

// ScoringConfig holds the weights and constants of the importance model.
// The four term weights should sum to 1; Score clamps the result to [0,1]
// regardless.
type ScoringConfig struct {
	RecencyWeight   float64 `json:"recency_weight"`
	FrequencyWeight float64 `json:"frequency_weight"`
	HubWeight       float64 `json:"hub_weight"`
	TemporalWeight  float64 `json:"temporal_weight"`

	// DecayRate is the per-activity-day decay constant of the recency
	// term. Decay runs on activity days, not wall-clock days, so a
	// vacation does not erode scores.
	DecayRate float64 `json:"decay_rate"`

	// Momentum discounts the frequency term per elapsed activity day, so
	// recent access bursts outweigh historical ones.
	Momentum float64 `json:"momentum"`

	// FrequencySaturation is the access count at which the logarithmic
	// frequency term reaches 1.0.
	FrequencySaturation float64 `json:"frequency_saturation"`

	// HubDamping controls how fast confidence-weighted inbound links
	// saturate the hub term.
	HubDamping float64 `json:"hub_damping"`

	// TemporalWindowDays is the half-width of the boost window around the
	// current date for memories that reference a nearby date.
	TemporalWindowDays int `json:"temporal_window_days"`
}

// DefaultScoringConfig returns the tuned defaults. The relative weighting
// is a deliberate choice: recency dominates, frequency and hub structure
// follow, temporal proximity is a small nudge.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		RecencyWeight:       0.45,
		FrequencyWeight:     0.25,
		HubWeight:           0.20,
		TemporalWeight:      0.10,
		DecayRate:           0.02,
		Momentum:            0.95,
		FrequencySaturation: 50,
		HubDamping:          0.35,
		TemporalWindowDays:  14,
	}
}

// Scorer recomputes importance scores from recency, access frequency,
// inbound link structure, and temporal proximity. It never mutates links
// and never fails on a memory with zero accesses or zero links — those
// simply fall back to the recency floor.
type Scorer struct {
	store *Store
	cfg   ScoringConfig
}

// NewScorer creates a scorer over the given store.
func NewScorer(store *Store, cfg ScoringConfig) *Scorer {
	if cfg.DecayRate <= 0 {
		cfg = DefaultScoringConfig()
	}
	return &Scorer{store: store, cfg: cfg}
}

var isoDatePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

// Score computes the importance of a memory given the owner's current
// activity-day counter. Deterministic for identical inputs.
func (sc *Scorer) Score(m *Memory, ownerDays int, now time.Time) float64 {
	elapsed := float64(ownerDays - m.AccessedDays)
	if elapsed < 0 {
		elapsed = 0
	}

	recency := math.Exp(-sc.cfg.DecayRate * elapsed)

	frequency := 0.0
	if m.AccessCount > 0 {
		frequency = math.Log1p(float64(m.AccessCount)) / math.Log1p(sc.cfg.FrequencySaturation)
		if frequency > 1 {
			frequency = 1
		}
		frequency *= math.Pow(sc.cfg.Momentum, elapsed)
	}

	hub := 0.0
	if weight := inboundWeight(m.Inbound); weight > 0 {
		hub = 1 - math.Exp(-sc.cfg.HubDamping*weight)
	}

	temporal := sc.temporalBoost(m.Content, now)

	score := sc.cfg.RecencyWeight*recency +
		sc.cfg.FrequencyWeight*frequency +
		sc.cfg.HubWeight*hub +
		sc.cfg.TemporalWeight*temporal
	return clamp01(score)
}

// inboundWeight sums the confidence of non-entity inbound links.
func inboundWeight(links []Link) float64 {
	total := 0.0
	for _, l := range links {
		if l.IsEntity() {
			continue
		}
		total += l.Confidence
	}
	return total
}

// temporalBoost returns a boost in [0,1] when the content references an
// ISO date within the configured window of now; zero otherwise.
func (sc *Scorer) temporalBoost(content string, now time.Time) float64 {
	if sc.cfg.TemporalWindowDays <= 0 {
		return 0
	}
	best := 0.0
	for _, match := range isoDatePattern.FindAllString(content, -1) {
		d, err := time.Parse("2006-01-02", match)
		if err != nil {
			continue
		}
		delta := math.Abs(now.Sub(d).Hours() / 24)
		if delta > float64(sc.cfg.TemporalWindowDays) {
			continue
		}
		boost := 1 - delta/float64(sc.cfg.TemporalWindowDays)
		if boost > best {
			best = boost
		}
	}
	return best
}

// RecomputeOwner rescores every active memory of one owner. This is the
// incremental scheduled pass; access events only bump counters, the score
// itself lands here to bound write amplification. Returns the number of
// memories whose score changed.
func (sc *Scorer) RecomputeOwner(ctx context.Context, ownerID string) (int, error) {
	days, err := sc.store.ActivityDays(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	memories, err := sc.store.ListActive(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	updated := 0
	for _, m := range memories {
		score := sc.Score(m, days, now)
		if math.Abs(score-m.Importance) < 1e-9 {
			continue
		}
		if err := sc.store.UpdateImportance(ctx, m.ID, score); err != nil {
			return updated, err
		}
		updated++
	}
	if updated > 0 {
		slog.Debug("scores recomputed", "owner", ownerID, "updated", updated)
	}
	return updated, nil
}

// RecomputeAll rescores every owner. This is the periodic full bulk pass
// that corrects drift the incremental passes miss.
func (sc *Scorer) RecomputeAll(ctx context.Context) (int, error) {
	owners, err := sc.store.Owners(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, owner := range owners {
		n, err := sc.RecomputeOwner(ctx, owner)
		total += n
		if err != nil {
			return total, fmt.Errorf("recompute owner %s: %w", owner, err)
		}
	}
	return total, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
