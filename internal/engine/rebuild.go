package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dimagi/caseledger/internal/casebuild"
	"github.com/dimagi/caseledger/internal/metrics"
	"github.com/dimagi/caseledger/internal/model"
)

// RebuildResult reports one case rebuild.
type RebuildResult struct {
	CaseID string

	// Changed is false when the stored aggregate and last marker already
	// matched and nothing was written.
	Changed bool

	// Case is the aggregate after the rebuild, nil when the case has no
	// transactions and was never stored.
	Case *model.Case
}

// RebuildCase folds the case's enabled transactions and writes the aggregate
// together with a marker carrying reason.
func (e *Engine) RebuildCase(ctx context.Context, caseID string, reason model.Reason) (RebuildResult, error) {
	start := time.Now()
	res, err := e.rebuild(ctx, RebuildRequested{CaseID: caseID, Reason: reason})
	e.observe(ctx, "rebuild_case", start, err)
	return res, err
}

// RebuildCasesForForm rebuilds every case the form's transactions reference,
// index targets included. Per-case failures are collected into a BatchError;
// the remaining cases are still rebuilt.
func (e *Engine) RebuildCasesForForm(ctx context.Context, formID string, reason model.Reason) ([]RebuildResult, error) {
	cases, err := e.store.CasesForForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	return e.rebuildCases(ctx, "rebuild cases for form "+formID, cases, reason)
}

func (e *Engine) rebuildCases(ctx context.Context, op string, caseIDs []string, reason model.Reason) ([]RebuildResult, error) {
	b := batch{op: op}
	results := make([]RebuildResult, 0, len(caseIDs))
	for _, id := range caseIDs {
		res, err := e.rebuild(ctx, RebuildRequested{CaseID: id, Reason: reason})
		if err != nil {
			b.add(id, err)
			continue
		}
		results = append(results, res)
	}
	return results, b.err()
}

func (e *Engine) rebuild(ctx context.Context, r RebuildRequested) (RebuildResult, error) {
	unlock := e.locks.lock(r.CaseID)
	defer unlock()

	res, err := e.rebuildLocked(ctx, r.CaseID, r.Reason)
	switch {
	case err != nil:
		e.metrics.Rebuild(metrics.RebuildFailed)
	case res.Changed:
		e.metrics.Rebuild(metrics.RebuildChanged)
	default:
		e.metrics.Rebuild(metrics.RebuildUnchanged)
	}
	return res, err
}

// rebuildLocked must be called with the case lock held.
func (e *Engine) rebuildLocked(ctx context.Context, caseID string, reason model.Reason) (RebuildResult, error) {
	res := RebuildResult{CaseID: caseID}

	txs, err := e.store.OrderedTransactions(ctx, caseID)
	if err != nil {
		return res, err
	}
	stored, err := e.store.ReadCase(ctx, caseID)
	if err != nil && !model.IsCaseNotFound(err) {
		return res, err
	}
	if stored == nil && len(txs) == 0 {
		// Only ever named as an index target; there is nothing to store.
		return res, nil
	}

	built := casebuild.Build(caseID, txs)
	if stored != nil {
		if built.Domain == "" {
			built.Domain = stored.Domain
		}
		deleted, err := e.store.IsSoftDeleted(ctx, caseID)
		if err != nil {
			return res, err
		}
		built.IsDeleted = built.IsDeleted || deleted
	}
	res.Case = built

	if stored != nil && model.SameState(stored, built) {
		same, err := e.sameLastReason(ctx, caseID, reason)
		if err != nil {
			return res, err
		}
		if same {
			slog.Debug("rebuild unchanged", "case_id", caseID, "reason", reason.Text)
			return res, nil
		}
	}

	now := e.now.Now()
	var marker *model.Transaction
	if reason.Kind != 0 {
		marker = &model.Transaction{
			CaseID:     caseID,
			Domain:     built.Domain,
			Type:       reason.Kind,
			ServerDate: now,
			Details:    model.TransactionDetails{Reason: reason.Text},
		}
	}
	if err := e.store.SaveCase(ctx, built, marker, now); err != nil {
		return res, fmt.Errorf("rebuild %s: %w", caseID, err)
	}
	res.Changed = true
	slog.Info("case rebuilt",
		"case_id", caseID,
		"domain", built.Domain,
		"reason", reason.Text,
		"transactions", len(txs),
	)
	return res, nil
}

// sameLastReason reports whether writing reason would repeat the latest
// marker. A zero reason writes no marker and so always matches.
func (e *Engine) sameLastReason(ctx context.Context, caseID string, reason model.Reason) (bool, error) {
	if reason.Kind == 0 {
		return true, nil
	}
	last, err := e.store.LastMarker(ctx, caseID)
	if err != nil {
		return false, err
	}
	return last != nil && last.Type == reason.Kind && last.Details.Reason == reason.Text, nil
}
