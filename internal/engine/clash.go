package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/ingest"
	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/store"
)

// A clash is an edit link between two unrelated forms. It happens when a
// client reuses a form id for a different form: the second submission is
// taken as an edit of the first even though their xmlns differ.

// ClashRepair reports one repaired clash.
type ClashRepair struct {
	// FormID is the public id, handed back to the original form.
	FormID string

	// FreshID is the new id of the misattributed form.
	FreshID string

	Touched []string
	Skipped []string
}

// ClashReport summarizes a RepairClashes run.
type ClashReport struct {
	Domain  string
	DryRun  bool
	Clashes []*model.LedgerError
	Repairs []ClashRepair

	// Resolved counts clashes that disappeared between detection and
	// repair.
	Resolved int

	Rebuilds []RebuildResult
}

// DetectClashes returns a MisattributedEdit error for every Normal or
// Archived form in domain whose deprecated predecessor has a different xmlns.
func (e *Engine) DetectClashes(ctx context.Context, domain string) ([]*model.LedgerError, error) {
	linked, err := e.store.EditLinkedForms(ctx, domain)
	if err != nil {
		return nil, err
	}
	var clashes []*model.LedgerError
	for _, f := range linked {
		dep, err := e.store.ReadForm(ctx, f.DeprecatedFormID)
		if model.IsFormNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if dep.XMLNS != f.XMLNS {
			clashes = append(clashes, model.NewMisattributedEdit(f.FormID, dep.FormID, f.XMLNS, dep.XMLNS))
		}
	}
	return clashes, nil
}

// RepairClashes undoes every clash in domain. With dryRun only detection
// runs. Each repair reverses the id swap, regenerates both forms'
// transactions from their stored payloads at their own ordering positions,
// and rebuilds the touched cases. An Archived misattributed form stays
// Archived and its regenerated transactions are written revoked. Soft-deleted cases are skipped. A second
// run finds nothing and writes nothing.
func (e *Engine) RepairClashes(ctx context.Context, domain string, dryRun bool) (*ClashReport, error) {
	start := time.Now()
	report, err := e.repairClashes(ctx, domain, dryRun)
	e.observe(ctx, "repair_clashes", start, err)
	return report, err
}

func (e *Engine) repairClashes(ctx context.Context, domain string, dryRun bool) (*ClashReport, error) {
	clashes, err := e.DetectClashes(ctx, domain)
	if err != nil {
		return nil, err
	}
	report := &ClashReport{Domain: domain, DryRun: dryRun, Clashes: clashes}
	if dryRun {
		return report, nil
	}

	b := batch{op: "repair clashes in " + domain}
	for _, c := range clashes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		repair, err := e.repairClash(ctx, c.FormID, c.Details["deprecated_form_id"])
		if errors.Is(err, store.ErrClashResolved) {
			report.Resolved++
			continue
		}
		if err != nil {
			b.add(c.FormID, err)
			continue
		}
		report.Repairs = append(report.Repairs, repair)

		rebuilds, err := e.requestRebuilds(ctx, "clash repair "+c.FormID, repair.Touched, model.ReasonClashRepair(c.FormID))
		report.Rebuilds = append(report.Rebuilds, rebuilds...)
		var be *BatchError
		if errors.As(err, &be) {
			b.failures = append(b.failures, be.Failures...)
		} else if err != nil {
			b.add(c.FormID, err)
		}
	}
	return report, b.err()
}

func (e *Engine) repairClash(ctx context.Context, formID, originalID string) (ClashRepair, error) {
	mis, err := e.store.ReadForm(ctx, formID)
	if err != nil {
		return ClashRepair{}, err
	}
	orig, err := e.store.ReadForm(ctx, originalID)
	if err != nil {
		return ClashRepair{}, err
	}
	misSub, err := e.loadSubmission(ctx, mis)
	if err != nil {
		return ClashRepair{}, err
	}
	origSub, err := e.loadSubmission(ctx, orig)
	if err != nil {
		return ClashRepair{}, err
	}

	freshID := e.ids.Generate()
	origTxs, err := ingest.Derive(origSub, ingest.Position{
		FormID:     formID,
		ServerDate: orig.ReceivedOn,
		Seq:        orig.Seq,
	}, e.schemas)
	if err != nil {
		return ClashRepair{}, fmt.Errorf("regenerate %s: %w", originalID, err)
	}
	misTxs, err := ingest.Derive(misSub, ingest.Position{
		FormID:     freshID,
		ServerDate: mis.ReceivedOn,
		Seq:        mis.Seq,
	}, e.schemas)
	if err != nil {
		return ClashRepair{}, fmt.Errorf("regenerate %s: %w", formID, err)
	}
	if mis.State == model.FormArchived {
		for i := range misTxs {
			misTxs[i].Revoked = true
		}
	}

	misCases, err := e.store.CasesForForm(ctx, formID)
	if err != nil {
		return ClashRepair{}, err
	}
	origCases, err := e.store.CasesForForm(ctx, originalID)
	if err != nil {
		return ClashRepair{}, err
	}
	ids := append(append(append(misCases, origCases...), store.CaseIDs(origTxs)...), store.CaseIDs(misTxs)...)

	unlock := e.locks.lock(ids...)
	out, err := e.store.ApplyClashRepair(ctx, store.ClashPlan{
		MisattributedID:  formID,
		OriginalID:       originalID,
		FreshID:          freshID,
		OriginalTxs:      origTxs,
		MisattributedTxs: misTxs,
		Op: model.Operation{
			UserID:    "system",
			Operation: model.OpClashRepair,
			Date:      e.now.Now(),
		},
	})
	unlock()
	if err != nil {
		return ClashRepair{}, err
	}
	slog.Info("clash repaired",
		"form_id", formID,
		"fresh_id", freshID,
		"xmlns", orig.XMLNS,
		"touched", len(out.Touched),
		"skipped", len(out.Skipped),
	)
	return ClashRepair{FormID: formID, FreshID: freshID, Touched: out.Touched, Skipped: out.Skipped}, nil
}

// loadSubmission reads a form's stored payload back into a submission.
func (e *Engine) loadSubmission(ctx context.Context, f *model.Form) (*ingest.Submission, error) {
	a, ok := f.Attachment(model.PayloadAttachment)
	if !ok {
		return nil, model.NewAttachmentNotFound(f.FormID, model.PayloadAttachment)
	}
	data, err := blob.ReadAll(ctx, e.blobs, a.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, model.NewAttachmentNotFound(f.FormID, model.PayloadAttachment)
	}
	if err != nil {
		return nil, err
	}
	return ingest.Parse(data)
}
