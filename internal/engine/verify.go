package engine

import (
	"context"

	"github.com/dimagi/caseledger/internal/casebuild"
	"github.com/dimagi/caseledger/internal/model"
)

// Mismatch is a case whose stored aggregate differs from a fresh fold.
type Mismatch struct {
	CaseID string
	Stored *model.Case
	Built  *model.Case
}

// VerifyReport summarizes a Verify run.
type VerifyReport struct {
	Checked    int
	Mismatches []Mismatch
}

// Verify rebuilds every stored case of domain in memory and compares it with
// the stored aggregate. Nothing is written. An empty domain checks all cases.
func (e *Engine) Verify(ctx context.Context, domain string) (*VerifyReport, error) {
	ids, err := e.store.ListCaseIDs(ctx, domain)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		stored, err := e.store.ReadCase(ctx, id)
		if err != nil {
			return report, err
		}
		txs, err := e.store.OrderedTransactions(ctx, id)
		if err != nil {
			return report, err
		}
		deleted, err := e.store.IsSoftDeleted(ctx, id)
		if err != nil {
			return report, err
		}

		built := casebuild.Build(id, txs)
		if built.Domain == "" {
			built.Domain = stored.Domain
		}
		built.IsDeleted = built.IsDeleted || deleted

		report.Checked++
		if !model.SameState(stored, built) {
			report.Mismatches = append(report.Mismatches, Mismatch{CaseID: id, Stored: stored, Built: built})
		}
	}
	return report, nil
}
