package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dimagi/caseledger/internal/model"
)

// ErrClashResolved is returned by ApplyClashRepair when the edit link it was
// asked to undo no longer exists.
var ErrClashResolved = errors.New("clash already resolved")

// EditPlan describes replacing the form that holds FormID with Replacement.
type EditPlan struct {
	// FormID is the public id. The replacement takes it over.
	FormID string

	// DeprecatedID is the fresh id given to the superseded form.
	DeprecatedID string

	// Replacement is the new form; its FormID must equal FormID.
	Replacement *model.Form

	// Transactions are the replacement's generated transactions.
	Transactions []model.Transaction

	EditedOn time.Time
	Op       model.Operation
}

// ApplyEdit performs the edit id swap in one transaction:
//
//	original: form_id X -> Y, state deprecated, orig_id = X
//	original transactions: form_id X -> Y, revoked
//	replacement: inserted as X with deprecated_form_id = Y
//
// Returns every case touched by either form.
func (s *Store) ApplyEdit(ctx context.Context, plan EditPlan) ([]string, error) {
	if plan.Replacement == nil || plan.Replacement.FormID != plan.FormID {
		return nil, fmt.Errorf("apply edit %s: replacement must take over the form id", plan.FormID)
	}
	var touched []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pk, original, err := readForm(ctx, tx, plan.FormID)
		if err != nil {
			return err
		}
		if _, err := original.State.Transition(plan.FormID, model.OpEdit); err != nil {
			return err
		}
		before, err := casesForForm(ctx, tx, plan.FormID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE forms SET form_id = ?, state = ?, orig_id = ?, edited_on = ?
			WHERE pk = ? AND state = ?
		`, plan.DeprecatedID, string(model.FormDeprecated), plan.FormID, toNanos(plan.EditedOn),
			pk, string(model.FormNormal))
		if err != nil {
			return fmt.Errorf("deprecate original: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return model.NewInvalidStateTransition(plan.FormID, original.State, model.OpEdit)
		}
		if err := appendOperation(ctx, tx, pk, plan.Op); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE case_transactions SET form_id = ?, revoked = 1 WHERE form_id = ?
		`, plan.DeprecatedID, plan.FormID)
		if err != nil {
			return fmt.Errorf("revoke original transactions: %w", err)
		}

		if _, err := insertForm(ctx, tx, plan.Replacement); err != nil {
			return err
		}
		for i := range plan.Transactions {
			id, err := appendTransaction(ctx, tx, &plan.Transactions[i])
			if err != nil {
				return err
			}
			plan.Transactions[i].ID = id
		}
		touched = mergeIDs(before, CaseIDs(plan.Transactions))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply edit %s: %w", plan.FormID, err)
	}
	return touched, nil
}

// ClashPlan describes undoing a mistaken edit link between two unrelated
// forms that were submitted with the same id.
type ClashPlan struct {
	// MisattributedID is the public id currently held by the form that was
	// wrongly treated as an edit.
	MisattributedID string

	// OriginalID is the id the wrongly deprecated form currently holds.
	OriginalID string

	// FreshID is the new id for the misattributed form. The original form
	// gets MisattributedID back.
	FreshID string

	// OriginalTxs and MisattributedTxs are regenerated from each form's
	// payload, already addressed to the form ids they will hold afterwards.
	// An Archived misattributed form keeps its state; its transactions must
	// then be revoked.
	OriginalTxs      []model.Transaction
	MisattributedTxs []model.Transaction

	Op model.Operation
}

// ClashOutcome reports the cases a repair wrote to and those it skipped
// because they were soft deleted.
type ClashOutcome struct {
	Touched []string
	Skipped []string
}

// ApplyClashRepair reverses the id swap, deletes the transactions produced
// under the false edit and writes the regenerated ones, all in one
// transaction. The misattributed form may be Normal or Archived and keeps
// its state. Soft-deleted cases are re-checked inside the transaction and
// left untouched. Returns ErrClashResolved when the link is already gone.
func (s *Store) ApplyClashRepair(ctx context.Context, plan ClashPlan) (ClashOutcome, error) {
	var out ClashOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		misPK, mis, err := readForm(ctx, tx, plan.MisattributedID)
		if model.IsFormNotFound(err) {
			return ErrClashResolved
		}
		if err != nil {
			return err
		}
		if !clashCandidate(mis.State) || mis.DeprecatedFormID != plan.OriginalID {
			return ErrClashResolved
		}
		if mis.State == model.FormArchived {
			for _, t := range plan.MisattributedTxs {
				if !t.Revoked {
					return fmt.Errorf("archived form %s: transaction for case %s must be revoked", plan.MisattributedID, t.CaseID)
				}
			}
		}
		origPK, orig, err := readForm(ctx, tx, plan.OriginalID)
		if err != nil {
			return err
		}
		if _, err := orig.State.Transition(plan.OriginalID, model.OpClashRepair); err != nil {
			return err
		}

		misCases, err := casesForForm(ctx, tx, plan.MisattributedID)
		if err != nil {
			return err
		}
		origCases, err := casesForForm(ctx, tx, plan.OriginalID)
		if err != nil {
			return err
		}
		all := mergeIDs(misCases, origCases, CaseIDs(plan.OriginalTxs), CaseIDs(plan.MisattributedTxs))

		deleted := make(map[string]bool)
		for _, caseID := range all {
			flag, err := softDeleted(ctx, tx, caseID)
			if err != nil {
				return err
			}
			if flag {
				deleted[caseID] = true
				out.Skipped = append(out.Skipped, caseID)
				continue
			}
			out.Touched = append(out.Touched, caseID)
			_, err = tx.ExecContext(ctx, `
				DELETE FROM case_transactions
				WHERE case_id = ? AND form_id IN (?, ?)
			`, caseID, plan.MisattributedID, plan.OriginalID)
			if err != nil {
				return fmt.Errorf("delete transactions for %s: %w", caseID, err)
			}
		}

		// Free the public id before handing it back to the original.
		if _, err := tx.ExecContext(ctx, `
			UPDATE forms SET form_id = ?, deprecated_form_id = '' WHERE pk = ?
		`, plan.FreshID, misPK); err != nil {
			return fmt.Errorf("reassign misattributed form: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE forms SET form_id = ?, state = ?, orig_id = '', edited_on = NULL WHERE pk = ?
		`, plan.MisattributedID, string(model.FormNormal), origPK); err != nil {
			return fmt.Errorf("restore original form: %w", err)
		}
		if err := appendOperation(ctx, tx, misPK, plan.Op); err != nil {
			return err
		}
		if err := appendOperation(ctx, tx, origPK, plan.Op); err != nil {
			return err
		}

		for _, group := range [][]model.Transaction{plan.OriginalTxs, plan.MisattributedTxs} {
			for i := range group {
				if deleted[group[i].CaseID] {
					continue
				}
				id, err := appendTransaction(ctx, tx, &group[i])
				if err != nil {
					return err
				}
				group[i].ID = id
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrClashResolved) {
			return ClashOutcome{}, err
		}
		return ClashOutcome{}, fmt.Errorf("clash repair %s: %w", plan.MisattributedID, err)
	}
	return out, nil
}

func clashCandidate(state model.FormState) bool {
	return state == model.FormNormal || state == model.FormArchived
}

func mergeIDs(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range groups {
		for _, id := range g {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
