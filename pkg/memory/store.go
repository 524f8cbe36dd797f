package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the memory database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the memory database at the given path.
// Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// SQLite is single-writer; one connection avoids lock contention and
	// keeps in-memory databases coherent across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping memory db: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id                TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			content           TEXT NOT NULL,
			importance        REAL NOT NULL DEFAULT 0.5,
			confidence        REAL NOT NULL DEFAULT 0.5,
			access_count      INTEGER NOT NULL DEFAULT 0,
			last_accessed_at  TEXT,
			created_days      INTEGER NOT NULL DEFAULT 0,
			accessed_days     INTEGER NOT NULL DEFAULT 0,
			archived          INTEGER NOT NULL DEFAULT 0,
			archived_at       TEXT,
			refine_rejections INTEGER NOT NULL DEFAULT 0,
			last_refined_at   TEXT,
			consolidates      TEXT NOT NULL DEFAULT '[]',
			inbound_links     TEXT NOT NULL DEFAULT '[]',
			outbound_links    TEXT NOT NULL DEFAULT '[]',
			created_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id, archived);

		CREATE TABLE IF NOT EXISTS entities (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(owner_id, name)
		);

		CREATE TABLE IF NOT EXISTS owner_days (
			owner_id TEXT NOT NULL,
			day      TEXT NOT NULL,
			PRIMARY KEY (owner_id, day)
		);

		CREATE TABLE IF NOT EXISTS batches (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			kind         TEXT NOT NULL,
			status       TEXT NOT NULL,
			job_id       TEXT NOT NULL DEFAULT '',
			payload      TEXT NOT NULL DEFAULT '',
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			submitted_at TEXT NOT NULL,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_batches_state ON batches(owner_id, kind, status);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Stats returns store-wide counts.
func (s *Store) Stats(ctx context.Context) Stats {
	var st Stats
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE archived = 0").Scan(&st.Memories)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE archived = 1").Scan(&st.Archived)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&st.Entities)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches").Scan(&st.Batches)
	return st
}

// --- Memory operations ---

// CreateMemory stores a new memory. If m.ID is empty a UUID is assigned.
// CreatedDays is snapshotted from the owner's current activity-day counter.
func (s *Store) CreateMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	days, err := s.ActivityDays(ctx, m.OwnerID)
	if err != nil {
		return err
	}
	if m.CreatedDays == 0 {
		m.CreatedDays = days
	}
	if m.AccessedDays == 0 {
		m.AccessedDays = m.CreatedDays
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create memory tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertMemory(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create memory: %w", err)
	}
	slog.Debug("memory created", "id", m.ID, "owner", m.OwnerID)
	return nil
}

func insertMemory(ctx context.Context, tx *sql.Tx, m *Memory) error {
	consolidates, _ := json.Marshal(emptyIfNil(m.Consolidates))
	inbound, _ := json.Marshal(emptyLinksIfNil(m.Inbound))
	outbound, _ := json.Marshal(emptyLinksIfNil(m.Outbound))

	_, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, owner_id, content, importance, confidence,
			access_count, last_accessed_at, created_days, accessed_days,
			archived, archived_at, refine_rejections, last_refined_at,
			consolidates, inbound_links, outbound_links, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.Content, m.Importance, m.Confidence,
		m.AccessCount, fmtTimePtr(m.LastAccessedAt), m.CreatedDays, m.AccessedDays,
		boolToInt(m.Archived), fmtTimePtr(m.ArchivedAt), m.RefineRejections, fmtTimePtr(m.LastRefinedAt),
		string(consolidates), string(inbound), string(outbound), fmtTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

const memoryColumns = `id, owner_id, content, importance, confidence,
	access_count, last_accessed_at, created_days, accessed_days,
	archived, archived_at, refine_rejections, last_refined_at,
	consolidates, inbound_links, outbound_links, created_at`

// GetMemory fetches one memory by ID. Returns nil if not found.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// GetMemories fetches multiple memories by ID. Missing IDs are skipped.
func (s *Store) GetMemories(ctx context.Context, ids []string) ([]*Memory, error) {
	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListActive returns all non-archived memories for an owner.
func (s *Store) ListActive(ctx context.Context, ownerID string) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE owner_id = ? AND archived = 0 ORDER BY created_at",
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// TopByImportance returns the top-N active memories for an owner.
func (s *Store) TopByImportance(ctx context.Context, ownerID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE owner_id = ? AND archived = 0 ORDER BY importance DESC LIMIT ?",
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("top by importance: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Owners returns all owner IDs that have at least one memory or batch.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id FROM memories
		UNION
		SELECT owner_id FROM batches`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()
	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// UpdateImportance writes a recomputed importance score.
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE memories SET importance = ? WHERE id = ?", importance, id)
	if err != nil {
		return fmt.Errorf("update importance %s: %w", id, err)
	}
	return nil
}

// RecordMemoryAccess bumps the access counter and snapshots the owner's
// current activity-day counter. Importance is not recomputed here; the
// scheduled scoring pass picks the new inputs up on its next run.
func (s *Store) RecordMemoryAccess(ctx context.Context, id string) error {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("record access: memory %s not found", id)
	}
	days, err := s.ActivityDays(ctx, m.OwnerID)
	if err != nil {
		return err
	}
	if days < m.AccessedDays {
		days = m.AccessedDays // snapshots are non-decreasing
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = ?, accessed_days = ?
		WHERE id = ?`,
		fmtTime(time.Now().UTC()), days, id)
	if err != nil {
		return fmt.Errorf("record access %s: %w", id, err)
	}
	return nil
}

// IncrementRefineRejections bumps the refinement rejection counter.
func (s *Store) IncrementRefineRejections(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE memories SET refine_rejections = refine_rejections + 1, last_refined_at = ? WHERE id = ?",
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("increment refine rejections %s: %w", id, err)
	}
	return nil
}

// --- Activity days ---

// RecordActivity marks today as an activity day for the owner. Idempotent
// within a day.
func (s *Store) RecordActivity(ctx context.Context, ownerID string) error {
	day := time.Now().UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO owner_days (owner_id, day) VALUES (?, ?)", ownerID, day)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// AdvanceActivityDay records a synthetic activity day for the owner. Used
// by tests and backfills; the counter only ever grows.
func (s *Store) AdvanceActivityDay(ctx context.Context, ownerID, day string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO owner_days (owner_id, day) VALUES (?, ?)", ownerID, day)
	if err != nil {
		return fmt.Errorf("advance activity day: %w", err)
	}
	return nil
}

// ActivityDays returns the owner's count of distinct days with interaction.
func (s *Store) ActivityDays(ctx context.Context, ownerID string) (int, error) {
	return activityDays(ctx, s.db, ownerID)
}

// rowQuerier lets helpers run against either the pool or an open
// transaction. The pool is capped at one connection, so anything called
// while a transaction is open must go through the transaction.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activityDays(ctx context.Context, q rowQuerier, ownerID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM owner_days WHERE owner_id = ?", ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("activity days: %w", err)
	}
	return n, nil
}

// --- Entities ---

// EnsureEntity returns the entity with the given name for the owner,
// creating it if necessary.
func (s *Store) EnsureEntity(ctx context.Context, ownerID, name, typ string) (*Entity, error) {
	e := &Entity{OwnerID: ownerID, Name: name, Type: typ}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, type, created_at FROM entities WHERE owner_id = ? AND name = ?",
		ownerID, name).Scan(&e.ID, &e.Type, sqlTime(&e.CreatedAt))
	if err == nil {
		return e, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup entity %q: %w", name, err)
	}

	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO entities (id, owner_id, name, type, created_at) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.OwnerID, e.Name, e.Type, fmtTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create entity %q: %w", name, err)
	}
	return e, nil
}

// EntityExists reports whether the given ID identifies an entity.
func (s *Store) EntityExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("entity exists: %w", err)
	}
	return n > 0, nil
}

// --- Batches ---

// CreateBatch records a newly submitted job.
func (s *Store) CreateBatch(ctx context.Context, b *Batch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.SubmittedAt.IsZero() {
		b.SubmittedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = BatchSubmitted
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, owner_id, kind, status, job_id, payload, attempts, last_error, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Kind, b.Status, b.JobID, b.Payload, b.Attempts, b.LastError,
		fmtTime(b.SubmittedAt), fmtTimePtr(b.CompletedAt))
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// UpdateBatch persists status, attempts, error and completion time.
func (s *Store) UpdateBatch(ctx context.Context, b *Batch) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, job_id = ?, attempts = ?, last_error = ?, completed_at = ?
		WHERE id = ?`,
		b.Status, b.JobID, b.Attempts, b.LastError, fmtTimePtr(b.CompletedAt), b.ID)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	return nil
}

// ListBatches returns batches filtered by kind and status (either may be
// empty for no filter), newest first.
func (s *Store) ListBatches(ctx context.Context, kind, status string) ([]*Batch, error) {
	q := "SELECT id, owner_id, kind, status, job_id, payload, attempts, last_error, submitted_at, completed_at FROM batches WHERE 1=1"
	var args []any
	if kind != "" {
		q += " AND kind = ?"
		args = append(args, kind)
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}
	q += " ORDER BY submitted_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var b Batch
		var submittedAt sql.NullString
		var completedAt sql.NullString
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Kind, &b.Status, &b.JobID, &b.Payload,
			&b.Attempts, &b.LastError, &submittedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if submittedAt.Valid {
			b.SubmittedAt = parseTime(submittedAt.String)
		}
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			b.CompletedAt = &t
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

// HasInFlight reports whether the owner already has a submitted or polling
// batch of the given kind.
func (s *Store) HasInFlight(ctx context.Context, ownerID, kind string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM batches WHERE owner_id = ? AND kind = ? AND status IN (?, ?)",
		ownerID, kind, BatchSubmitted, BatchPolling).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("in-flight check: %w", err)
	}
	return n > 0, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var lastAccessedAt, archivedAt, lastRefinedAt, createdAt sql.NullString
	var archived int
	var consolidates, inbound, outbound string

	err := row.Scan(
		&m.ID, &m.OwnerID, &m.Content, &m.Importance, &m.Confidence,
		&m.AccessCount, &lastAccessedAt, &m.CreatedDays, &m.AccessedDays,
		&archived, &archivedAt, &m.RefineRejections, &lastRefinedAt,
		&consolidates, &inbound, &outbound, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	m.Archived = archived != 0
	if lastAccessedAt.Valid {
		t := parseTime(lastAccessedAt.String)
		m.LastAccessedAt = &t
	}
	if archivedAt.Valid {
		t := parseTime(archivedAt.String)
		m.ArchivedAt = &t
	}
	if lastRefinedAt.Valid {
		t := parseTime(lastRefinedAt.String)
		m.LastRefinedAt = &t
	}
	if createdAt.Valid {
		m.CreatedAt = parseTime(createdAt.String)
	}
	if err := json.Unmarshal([]byte(consolidates), &m.Consolidates); err != nil {
		return nil, fmt.Errorf("decode consolidates for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(inbound), &m.Inbound); err != nil {
		return nil, fmt.Errorf("decode inbound links for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(outbound), &m.Outbound); err != nil {
		return nil, fmt.Errorf("decode outbound links for %s: %w", m.ID, err)
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyLinksIfNil(l []Link) []Link {
	if l == nil {
		return []Link{}
	}
	return l
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime parses a datetime string from SQLite, handling the formats the
// driver may hand back.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// sqlTime adapts a *time.Time for Scan via an intermediate string.
type sqlTimeScanner struct{ t *time.Time }

func sqlTime(t *time.Time) *sqlTimeScanner { return &sqlTimeScanner{t: t} }

func (s *sqlTimeScanner) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*s.t = time.Time{}
	case string:
		*s.t = parseTime(x)
	case []byte:
		*s.t = parseTime(string(x))
	case time.Time:
		*s.t = x
	default:
		return fmt.Errorf("cannot scan %T into time", v)
	}
	return nil
}
