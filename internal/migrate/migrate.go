// Package migrate replays one domain from a source document store into the
// target ledger and records how each migrated document compares with what
// the ledger now holds.
//
// ARCHITECTURE:
//
//	Source (jsonl | postgres) --> Migrator --> engine.Import --> store
//	                                  |
//	                                  +--> diff --> State (sqlite, sqlx)
//
// Forms are streamed in received_on order and handled one at a time. Normal
// forms go through the same derivation as a live submission; forms in any
// other state are copied without transactions. After each form the source
// document is diffed against the target's serialization of it. After the
// last form the source case documents are diffed against the rebuilt
// aggregates. Rediff rebuilds the cases still showing a diff and compares
// them again.
//
// RESUME: a form marked in the State DB is skipped. A form already in the
// target but not yet marked was interrupted after it was stored; its cases
// are rebuilt and it is marked without being stored again. The case pass
// records where it started, so an interrupted pass resumes with the cases it
// had not reached.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dimagi/caseledger/internal/diff"
	"github.com/dimagi/caseledger/internal/engine"
	"github.com/dimagi/caseledger/internal/metrics"
	"github.com/dimagi/caseledger/internal/model"
)

// Per-form results, also the metric label values.
const (
	ResultMigrated = "migrated"
	ResultResumed  = "resumed"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// FormFailure is a form that could not be migrated.
type FormFailure struct {
	FormID string
	Err    error
}

// Report summarizes one MigrateDomain run.
type Report struct {
	Domain string

	// Forms counts source forms seen.
	Forms    int
	Migrated int
	Resumed  int
	Skipped  int
	Failed   []FormFailure

	// CasesChecked counts source case documents diffed. Zero when the case
	// pass did not run.
	CasesChecked int

	// Diff records written this run, by status.
	Clean        int
	Diffs        int
	Unverifiable int

	// Partial is set when the run stopped before the end of the stream.
	Partial bool

	// DryRun is set when nothing was written. Migrated, Resumed and Skipped
	// then count what a real run would do.
	DryRun bool
}

// Complete reports whether every form was handled and none failed.
func (r *Report) Complete() bool {
	return !r.Partial && len(r.Failed) == 0
}

// Migrator copies domains from a Source into an Engine.
type Migrator struct {
	engine  *engine.Engine
	source  Source
	state   *State
	now     engine.TimeSource
	metrics *metrics.Metrics
	dryRun  bool
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithTimeSource sets the clock used for state and diff timestamps.
func WithTimeSource(ts engine.TimeSource) Option {
	return func(m *Migrator) { m.now = ts }
}

// WithMetrics records per-form results into mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Migrator) { m.metrics = mt }
}

// WithDryRun reads and checks the source without writing to the target or
// the State DB. The case pass does not run.
func WithDryRun() Option {
	return func(m *Migrator) { m.dryRun = true }
}

// New creates a Migrator.
func New(e *engine.Engine, src Source, state *State, opts ...Option) *Migrator {
	m := &Migrator{engine: e, source: src, state: state, now: utcNow{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type utcNow struct{}

func (utcNow) Now() time.Time { return time.Now().UTC() }

// MigrateDomain migrates every form of domain, then diffs its cases.
//
// The returned error is fatal for the run: an OrderingViolation when
// received_on decreases, the context error when ctx is cancelled, or a
// source read failure. Per-form failures do not stop the run; they are
// listed in the report.
func (m *Migrator) MigrateDomain(ctx context.Context, domain string) (*Report, error) {
	report := &Report{Domain: domain, DryRun: m.dryRun}
	slog.Info("migration starting", "domain", domain, "dry_run", m.dryRun)

	var prev time.Time
	err := m.source.Forms(ctx, domain, func(doc *FormDoc) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		received := doc.ReceivedOn.UTC()
		if report.Forms > 0 && received.Before(prev) {
			return model.NewOrderingViolation(doc.FormID, prev, received)
		}
		prev = received
		report.Forms++

		result, err := m.migrateForm(ctx, domain, doc, report)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("form migration failed", "domain", domain, "form_id", doc.FormID, "error", err)
			report.Failed = append(report.Failed, FormFailure{FormID: doc.FormID, Err: err})
			result = ResultFailed
		}
		if !m.dryRun {
			m.metrics.Migrated(result)
		}
		switch result {
		case ResultMigrated:
			report.Migrated++
		case ResultResumed:
			report.Resumed++
		case ResultSkipped:
			report.Skipped++
		}
		return nil
	})
	if err != nil {
		report.Partial = true
		slog.Warn("migration stopped", "domain", domain, "forms", report.Forms, "error", err)
		return report, err
	}

	if !m.dryRun {
		if err := m.diffCases(ctx, domain, report); err != nil {
			report.Partial = true
			return report, err
		}
	}

	slog.Info("migration finished",
		"domain", domain,
		"forms", report.Forms,
		"migrated", report.Migrated,
		"resumed", report.Resumed,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
		"diffs", report.Diffs,
	)
	return report, nil
}

func (m *Migrator) migrateForm(ctx context.Context, domain string, doc *FormDoc, report *Report) (string, error) {
	if doc.Domain != domain {
		return "", fmt.Errorf("form %s belongs to domain %s", doc.FormID, doc.Domain)
	}
	done, err := m.state.IsMigrated(ctx, domain, doc.FormID)
	if err != nil {
		return "", err
	}
	if done {
		return ResultSkipped, nil
	}

	result := ResultMigrated
	exists, err := m.engine.Store().FormExists(ctx, doc.FormID)
	if err != nil {
		return "", err
	}
	if m.dryRun {
		if exists {
			return ResultResumed, nil
		}
		return ResultMigrated, nil
	}
	if exists {
		// Stored by an interrupted run; finish it.
		result = ResultResumed
		if _, err := m.engine.RebuildCasesForForm(ctx, doc.FormID, model.Reason{}); err != nil {
			return "", err
		}
	} else {
		sub := doc.Submission
		if _, err := m.engine.Import(ctx, doc.Form(), &sub); err != nil {
			return "", err
		}
	}

	if err := m.recordFormDiff(ctx, domain, doc, report); err != nil {
		return "", err
	}
	if err := m.state.MarkMigrated(ctx, domain, doc.FormID, m.now.Now()); err != nil {
		return "", err
	}
	slog.Debug("form migrated", "domain", domain, "form_id", doc.FormID, "result", result)
	return result, nil
}

func (m *Migrator) recordFormDiff(ctx context.Context, domain string, doc *FormDoc, report *Report) error {
	rec := &DiffRecord{
		Domain:     domain,
		EntityType: EntityForm,
		EntityID:   doc.FormID,
		RecordedAt: m.now.Now(),
	}
	diffs, err := m.formDiffs(ctx, doc)
	if err != nil {
		rec.Status = StatusUnverifiable
		rec.Problem = err.Error()
	} else {
		rec.Diffs = diffs
		rec.Status = statusOf(diffs)
	}
	report.count(rec.Status)
	return m.state.RecordDiff(ctx, rec)
}

func (m *Migrator) formDiffs(ctx context.Context, doc *FormDoc) ([]diff.Diff, error) {
	source, err := model.UnmarshalValue(doc.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode source doc: %w", err)
	}
	target, err := m.targetForm(ctx, doc.FormID)
	if err != nil {
		return nil, err
	}
	return diff.Values(source, target), nil
}

// targetForm serializes the stored form back into the source document
// shape.
func (m *Migrator) targetForm(ctx context.Context, formID string) (model.Value, error) {
	doc, err := ExportForm(ctx, m.engine, formID)
	if err != nil {
		return nil, err
	}
	return toValue(*doc)
}

// diffCases compares every source case document with the stored aggregate.
//
// The pass is tracked in the State DB. A run that migrated or resumed forms
// starts a new pass. A run that migrated nothing finishes an interrupted
// pass, diffing only the cases it had not reached, and leaves a finished
// pass standing.
func (m *Migrator) diffCases(ctx context.Context, domain string, report *Report) error {
	pass, err := m.state.CasePass(ctx, domain)
	if err != nil {
		return err
	}
	switch {
	case report.Migrated+report.Resumed > 0 || pass == nil:
		if pass, err = m.state.StartCasePass(ctx, domain, m.now.Now()); err != nil {
			return err
		}
	case pass.Finished():
		return nil
	}
	checked, err := m.state.CheckedCases(ctx, domain, pass.AfterID)
	if err != nil {
		return err
	}

	err = m.source.Cases(ctx, domain, func(doc *CaseDoc) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if checked[doc.CaseID] {
			return nil
		}
		return m.recordCaseDiff(ctx, domain, doc, nil, report)
	})
	if err != nil {
		return err
	}
	return m.state.FinishCasePass(ctx, domain, m.now.Now())
}

// recordCaseDiff appends a diff record comparing doc with the stored
// aggregate. A non-nil problem records the case as unverifiable.
func (m *Migrator) recordCaseDiff(ctx context.Context, domain string, doc *CaseDoc, problem error, report *Report) error {
	report.CasesChecked++
	rec := &DiffRecord{
		Domain:     domain,
		EntityType: EntityCase,
		EntityID:   doc.CaseID,
		RecordedAt: m.now.Now(),
	}
	var c *model.Case
	err := problem
	if err == nil {
		c, err = m.engine.GetCase(ctx, doc.CaseID)
	}
	switch {
	case model.IsCaseNotFound(err):
		rec.Diffs = []diff.Diff{{Kind: diff.KindMissing, Old: doc.Object}}
		rec.Status = StatusDiff
	case err != nil:
		rec.Status = StatusUnverifiable
		rec.Problem = err.Error()
	default:
		rec.Diffs = diff.Objects(doc.Object, c.Object())
		rec.Status = statusOf(rec.Diffs)
	}
	report.count(rec.Status)
	return m.state.RecordDiff(ctx, rec)
}

// Rediff rebuilds every case of domain whose latest record is a diff and
// compares it with its source document again, appending a new record. Forms
// are not touched.
func (m *Migrator) Rediff(ctx context.Context, domain string) (*Report, error) {
	report := &Report{Domain: domain}
	open, err := m.state.OpenDiffs(ctx, domain, EntityCase)
	if err != nil {
		return report, err
	}
	if len(open) == 0 {
		slog.Info("rediff: nothing to check", "domain", domain)
		return report, nil
	}
	pending := make(map[string]bool, len(open))
	for _, id := range open {
		pending[id] = true
	}

	reason := model.ReasonUserRequested("migration rediff")
	err = m.source.Cases(ctx, domain, func(doc *CaseDoc) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !pending[doc.CaseID] {
			return nil
		}
		delete(pending, doc.CaseID)
		_, err := m.engine.RebuildCase(ctx, doc.CaseID, reason)
		if model.IsCaseNotFound(err) {
			err = nil
		}
		return m.recordCaseDiff(ctx, domain, doc, err, report)
	})
	if err != nil {
		report.Partial = true
		return report, err
	}
	slog.Info("rediff finished",
		"domain", domain,
		"checked", report.CasesChecked,
		"clean", report.Clean,
		"diffs", report.Diffs,
		"gone", len(pending),
	)
	return report, nil
}

func toValue(doc FormDoc) (model.Value, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode target doc %s: %w", doc.FormID, err)
	}
	return model.UnmarshalValue(data)
}

func statusOf(diffs []diff.Diff) Status {
	if len(diffs) == 0 {
		return StatusClean
	}
	return StatusDiff
}

func (r *Report) count(s Status) {
	switch s {
	case StatusClean:
		r.Clean++
	case StatusDiff:
		r.Diffs++
	case StatusUnverifiable:
		r.Unverifiable++
	}
}

// IsPartial reports whether err stopped a run part way for a reason other
// than an ordering violation.
func IsPartial(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
