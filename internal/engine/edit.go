package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/dimagi/caseledger/internal/ingest"
	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/store"
)

// submitEdit replaces the form currently holding the submitted id.
//
// The current holder A moves to a fresh id and becomes Deprecated with
// orig_id pointing back at the public id. The replacement B takes the public
// id and records A's new id as deprecated_form_id. B's transactions are
// written at the position of the first form in A's edit chain, so a
// corrected form folds where the original did however often it is edited.
// Every case touched by A or B is rebuilt.
func (e *Engine) submitEdit(ctx context.Context, p *ingest.Prepared, existing *model.Form, now time.Time) (*SubmitResult, error) {
	formID := existing.FormID
	if _, err := existing.State.Transition(formID, model.OpEdit); err != nil {
		return nil, err
	}

	pos, err := e.foldPosition(ctx, formID, existing)
	if err != nil {
		return nil, err
	}
	txs, err := ingest.Derive(p.Submission, pos, e.schemas)
	if err != nil {
		return nil, err
	}

	deprecatedID := e.ids.Generate()
	replacement := p.Form
	replacement.DeprecatedFormID = deprecatedID
	replacement.EditedOn = &now

	before, err := e.store.CasesForForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(append(before, store.CaseIDs(txs)...)...)
	touched, err := e.store.ApplyEdit(ctx, store.EditPlan{
		FormID:       formID,
		DeprecatedID: deprecatedID,
		Replacement:  replacement,
		Transactions: txs,
		EditedOn:     now,
		Op: model.Operation{
			UserID:    replacement.UserID,
			Operation: model.OpEdit,
			Date:      now,
		},
	})
	unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("form edited",
		"form_id", formID,
		"deprecated_form_id", deprecatedID,
		"xmlns", replacement.XMLNS,
		"cases", len(touched),
	)

	rebuilds, err := e.requestRebuilds(ctx, "edit form "+formID, touched, model.ReasonFormEdited(formID))
	return &SubmitResult{Outcome: OutcomeEdit, Form: replacement, Rebuilds: rebuilds}, err
}

// maxEditChain bounds the walk back through deprecated predecessors.
const maxEditChain = 100

// foldPosition returns the ordering position for transactions written under
// formID by f or its replacement: the received_on and seq of the oldest form
// reachable through deprecated_form_id links. A missing link ends the walk.
func (e *Engine) foldPosition(ctx context.Context, formID string, f *model.Form) (ingest.Position, error) {
	root := f
	for i := 0; i < maxEditChain && root.DeprecatedFormID != ""; i++ {
		prev, err := e.store.ReadForm(ctx, root.DeprecatedFormID)
		if model.IsFormNotFound(err) {
			break
		}
		if err != nil {
			return ingest.Position{}, err
		}
		root = prev
	}
	return ingest.Position{FormID: formID, ServerDate: root.ReceivedOn, Seq: root.Seq}, nil
}
