// Package memory provides the persistent memory store: memories, their
// bidirectional link graph, entities, batch job records, and the
// activity-day counters that drive decay scoring.
//
// Everything lives in a single SQLite database opened in WAL mode. Links
// are stored redundantly on both endpoints (outbound on the source,
// inbound on the target) as ordered JSON lists, so hub scoring and graph
// traversal never need joins.
package memory

import "time"

// Link types requiring an external judgment call.
const (
	LinkConflicts     = "conflicts"
	LinkSupersedes    = "supersedes"
	LinkCauses        = "causes"
	LinkInstanceOf    = "instance_of"
	LinkInvalidatedBy = "invalidated_by"
	LinkMotivatedBy   = "motivated_by"
	// LinkNull is the classifier's default verdict: no meaningful
	// relationship. It never produces a stored link.
	LinkNull = "null"
)

// Link types computed without external judgment.
const (
	LinkWasContextFor = "was_context_for"
	// LinkSharesEntityPrefix prefixes per-entity structural links,
	// e.g. "shares_entity:acme-corp".
	LinkSharesEntityPrefix = "shares_entity:"
)

// ClassifiedLinkTypes are the valid verdicts of relationship classification.
var ClassifiedLinkTypes = map[string]bool{
	LinkConflicts:     true,
	LinkSupersedes:    true,
	LinkCauses:        true,
	LinkInstanceOf:    true,
	LinkInvalidatedBy: true,
	LinkMotivatedBy:   true,
	LinkNull:          true,
}

// Memory is a unit of extracted knowledge.
type Memory struct {
	ID         string
	OwnerID    string
	Content    string
	Importance float64 // 0.0–1.0, recomputed by the scoring engine
	Confidence float64 // set at extraction, immutable

	AccessCount    int
	LastAccessedAt *time.Time

	// Activity-day snapshots: the owner's days-with-interaction counter
	// at creation and at last access. Decay runs on these, not on
	// wall-clock time, so inactivity periods do not erode scores.
	CreatedDays  int
	AccessedDays int

	Archived   bool
	ArchivedAt *time.Time

	RefineRejections int
	LastRefinedAt    *time.Time

	// Consolidates lists source memory IDs when this memory was produced
	// by a consolidation merge or a refinement trim/split.
	Consolidates []string

	Inbound  []Link
	Outbound []Link

	CreatedAt time.Time
}

// Link is one end of a directed, typed edge between two memories.
// On the source it lives in Outbound with Target = destination; on the
// destination it lives in Inbound with Target = source.
type Link struct {
	Target     string    `json:"target"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsEntity reports whether the link points at an entity rather than
// another memory. Only shares_entity links target entities;
// was_context_for is a memory-to-memory structural link.
func (l Link) IsEntity() bool {
	return len(l.Type) > len(LinkSharesEntityPrefix) && l.Type[:len(LinkSharesEntityPrefix)] == LinkSharesEntityPrefix
}

// Entity is a named real-world referent extracted from memory text.
// Memories link to entities; entities never link to each other.
type Entity struct {
	ID        string
	OwnerID   string
	Name      string
	Type      string // person, organization, place, ...
	CreatedAt time.Time
}

// Batch job kinds.
const (
	BatchExtraction   = "extraction"
	BatchRelationship = "relationship"
)

// Batch job states: submitted → polling → completed | failed.
const (
	BatchSubmitted = "submitted"
	BatchPolling   = "polling"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// Batch tracks one asynchronous inference job.
type Batch struct {
	ID          string
	OwnerID     string
	Kind        string // extraction | relationship
	Status      string
	JobID       string // external job identifier
	Payload     string // request context the poller needs to interpret results
	Attempts    int
	LastError   string
	SubmittedAt time.Time
	CompletedAt *time.Time
}

// Visit is one memory reached during graph traversal.
type Visit struct {
	Memory     *Memory
	Depth      int
	LinkType   string  // type of the link that reached it ("" for the start)
	Confidence float64 // confidence of that link
	Source     string  // memory the link came from ("" for the start)
}

// Stats holds store-wide counts.
type Stats struct {
	Memories int `json:"memories"`
	Archived int `json:"archived"`
	Entities int `json:"entities"`
	Batches  int `json:"batches"`
}
