package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dimagi/caseledger/internal/diff"
)

// EntityType names what a diff record compares.
type EntityType string

const (
	EntityForm EntityType = "form"
	EntityCase EntityType = "case"
)

// Status is the verdict of one diff record.
type Status string

const (
	StatusClean        Status = "clean"
	StatusDiff         Status = "diff"
	StatusUnverifiable Status = "unverifiable"
)

// DiffRecord is one append-only comparison of a source document with its
// target serialization.
type DiffRecord struct {
	ID         int64
	Domain     string
	EntityType EntityType
	EntityID   string
	Diffs      []diff.Diff
	Status     Status

	// Problem explains an unverifiable record.
	Problem    string
	RecordedAt time.Time
}

type diffRow struct {
	ID         int64  `db:"id"`
	Domain     string `db:"domain"`
	EntityType string `db:"entity_type"`
	EntityID   string `db:"entity_id"`
	Diffs      string `db:"diffs"`
	Status     string `db:"status"`
	Problem    string `db:"problem"`
	RecordedAt int64  `db:"recorded_at"`
}

func (r diffRow) record() (DiffRecord, error) {
	rec := DiffRecord{
		ID:         r.ID,
		Domain:     r.Domain,
		EntityType: EntityType(r.EntityType),
		EntityID:   r.EntityID,
		Status:     Status(r.Status),
		Problem:    r.Problem,
		RecordedAt: time.Unix(0, r.RecordedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Diffs), &rec.Diffs); err != nil {
		return rec, fmt.Errorf("decode diffs of %s %s: %w", r.EntityType, r.EntityID, err)
	}
	return rec, nil
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS migrated_forms (
    domain      TEXT NOT NULL,
    form_id     TEXT NOT NULL,
    migrated_at INTEGER NOT NULL,
    PRIMARY KEY (domain, form_id)
);

CREATE TABLE IF NOT EXISTS diffs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    domain      TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    diffs       TEXT NOT NULL,
    status      TEXT NOT NULL,
    problem     TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS diffs_domain ON diffs(domain, entity_type, entity_id);

CREATE TABLE IF NOT EXISTS case_passes (
    domain      TEXT PRIMARY KEY,
    after_id    INTEGER NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER
);
`

// State is the migration state DB: which forms are done and the diff
// records. It lives in its own SQLite file next to the target store.
type State struct {
	db *sqlx.DB
}

// OpenState creates or opens the state DB at path.
func OpenState(path string) (*State, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		stateSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init state db: %w", err)
		}
	}
	return &State{db: db}, nil
}

func (s *State) Close() error {
	return s.db.Close()
}

// IsMigrated reports whether formID was fully migrated for domain.
func (s *State) IsMigrated(ctx context.Context, domain, formID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM migrated_forms WHERE domain = ? AND form_id = ?`, domain, formID)
	if err != nil {
		return false, fmt.Errorf("check migrated %s: %w", formID, err)
	}
	return n > 0, nil
}

// MarkMigrated records formID as done. Marking twice is a no-op.
func (s *State) MarkMigrated(ctx context.Context, domain, formID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO migrated_forms (domain, form_id, migrated_at) VALUES (?, ?, ?)
		 ON CONFLICT(domain, form_id) DO NOTHING`,
		domain, formID, at.UnixNano())
	if err != nil {
		return fmt.Errorf("mark migrated %s: %w", formID, err)
	}
	return nil
}

// CountMigrated returns the number of forms marked done for domain.
func (s *State) CountMigrated(ctx context.Context, domain string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM migrated_forms WHERE domain = ?`, domain); err != nil {
		return 0, fmt.Errorf("count migrated: %w", err)
	}
	return n, nil
}

// RecordDiff appends rec and sets its ID.
func (s *State) RecordDiff(ctx context.Context, rec *DiffRecord) error {
	diffs := rec.Diffs
	if diffs == nil {
		diffs = []diff.Diff{}
	}
	data, err := json.Marshal(diffs)
	if err != nil {
		return fmt.Errorf("encode diffs of %s %s: %w", rec.EntityType, rec.EntityID, err)
	}
	row := diffRow{
		Domain:     rec.Domain,
		EntityType: string(rec.EntityType),
		EntityID:   rec.EntityID,
		Diffs:      string(data),
		Status:     string(rec.Status),
		Problem:    rec.Problem,
		RecordedAt: rec.RecordedAt.UnixNano(),
	}
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO diffs (domain, entity_type, entity_id, diffs, status, problem, recorded_at)
		 VALUES (:domain, :entity_type, :entity_id, :diffs, :status, :problem, :recorded_at)`, row)
	if err != nil {
		return fmt.Errorf("record diff of %s %s: %w", rec.EntityType, rec.EntityID, err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// DiffFilter narrows a diff record query. Zero fields match everything.
type DiffFilter struct {
	Status     Status
	EntityType EntityType
	EntityID   string
}

// Diffs returns the diff records of domain in recording order. An empty
// status returns every record.
func (s *State) Diffs(ctx context.Context, domain string, status Status) ([]DiffRecord, error) {
	return s.QueryDiffs(ctx, domain, DiffFilter{Status: status})
}

// QueryDiffs returns the diff records of domain matching f, in recording
// order.
func (s *State) QueryDiffs(ctx context.Context, domain string, f DiffFilter) ([]DiffRecord, error) {
	query := `SELECT id, domain, entity_type, entity_id, diffs, status, problem, recorded_at
		FROM diffs WHERE domain = ?`
	args := []any{domain}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY id`

	var rows []diffRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select diffs: %w", err)
	}
	out := make([]DiffRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountDiffs returns the number of diff records of domain and entity type.
func (s *State) CountDiffs(ctx context.Context, domain string, entity EntityType) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM diffs WHERE domain = ? AND entity_type = ?`, domain, string(entity))
	if err != nil {
		return 0, fmt.Errorf("count diffs: %w", err)
	}
	return n, nil
}

// CasePass tracks one case diff pass over a domain. Case records with an id
// above AfterID were written by this pass.
type CasePass struct {
	Domain     string
	AfterID    int64
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Finished reports whether every source case was diffed.
func (p *CasePass) Finished() bool {
	return p.FinishedAt != nil
}

type casePassRow struct {
	Domain     string        `db:"domain"`
	AfterID    int64         `db:"after_id"`
	StartedAt  int64         `db:"started_at"`
	FinishedAt sql.NullInt64 `db:"finished_at"`
}

// CasePass returns the latest case pass of domain, or nil if none started.
func (s *State) CasePass(ctx context.Context, domain string) (*CasePass, error) {
	var row casePassRow
	err := s.db.GetContext(ctx, &row,
		`SELECT domain, after_id, started_at, finished_at FROM case_passes WHERE domain = ?`, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read case pass of %s: %w", domain, err)
	}
	pass := &CasePass{
		Domain:    row.Domain,
		AfterID:   row.AfterID,
		StartedAt: time.Unix(0, row.StartedAt).UTC(),
	}
	if row.FinishedAt.Valid {
		t := time.Unix(0, row.FinishedAt.Int64).UTC()
		pass.FinishedAt = &t
	}
	return pass, nil
}

// StartCasePass replaces the case pass of domain with a new, unfinished one.
func (s *State) StartCasePass(ctx context.Context, domain string, at time.Time) (*CasePass, error) {
	var after int64
	if err := s.db.GetContext(ctx, &after, `SELECT COALESCE(MAX(id), 0) FROM diffs`); err != nil {
		return nil, fmt.Errorf("start case pass of %s: %w", domain, err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO case_passes (domain, after_id, started_at, finished_at) VALUES (?, ?, ?, NULL)
		 ON CONFLICT(domain) DO UPDATE SET
		     after_id = excluded.after_id, started_at = excluded.started_at, finished_at = NULL`,
		domain, after, at.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("start case pass of %s: %w", domain, err)
	}
	return &CasePass{Domain: domain, AfterID: after, StartedAt: at.UTC()}, nil
}

// FinishCasePass marks the case pass of domain finished.
func (s *State) FinishCasePass(ctx context.Context, domain string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE case_passes SET finished_at = ? WHERE domain = ?`, at.UnixNano(), domain)
	if err != nil {
		return fmt.Errorf("finish case pass of %s: %w", domain, err)
	}
	return nil
}

// CheckedCases returns the ids of cases of domain with a record above
// afterID.
func (s *State) CheckedCases(ctx context.Context, domain string, afterID int64) (map[string]bool, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT entity_id FROM diffs WHERE domain = ? AND entity_type = ? AND id > ?`,
		domain, string(EntityCase), afterID)
	if err != nil {
		return nil, fmt.Errorf("checked cases of %s: %w", domain, err)
	}
	checked := make(map[string]bool, len(ids))
	for _, id := range ids {
		checked[id] = true
	}
	return checked, nil
}

// OpenDiffs returns the ids of entities of domain whose latest record has
// status diff, in recording order.
func (s *State) OpenDiffs(ctx context.Context, domain string, entity EntityType) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT d.entity_id FROM diffs d
		WHERE d.domain = ? AND d.entity_type = ? AND d.status = ?
		  AND d.id = (
		      SELECT MAX(id) FROM diffs
		      WHERE domain = d.domain AND entity_type = d.entity_type AND entity_id = d.entity_id)
		ORDER BY d.id`,
		domain, string(entity), string(StatusDiff))
	if err != nil {
		return nil, fmt.Errorf("open diffs of %s: %w", domain, err)
	}
	return ids, nil
}
