package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/ingest"
	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/store"
)

// Outcome is what a submission turned into.
type Outcome string

const (
	OutcomeNormal    Outcome = "normal"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeEdit      Outcome = "edit"
	OutcomeError     Outcome = "error"
)

// SubmitResult reports one processed submission.
type SubmitResult struct {
	Outcome Outcome

	// Form is the stored record. For duplicates and error forms that
	// collided with a taken id it holds a fresh id with OrigID set.
	Form *model.Form

	// Rebuilds lists the case rebuilds run inline. Empty in async mode
	// unless the queue was already closed.
	Rebuilds []RebuildResult
}

// Submit parses and stores a JSON submission.
//
//   - unknown form id: a new Normal form and its transactions
//   - same id, same content: a Duplicate record under a fresh id
//   - same id, new content: an edit that deprecates the current holder
//   - case updates failing the xmlns schema: an Error form, no transactions
func (e *Engine) Submit(ctx context.Context, payload []byte) (*SubmitResult, error) {
	start := time.Now()
	res, err := e.submit(ctx, payload)
	e.observe(ctx, "submit", start, err)
	if res != nil {
		e.metrics.Submitted(string(res.Outcome))
	}
	return res, err
}

func (e *Engine) submit(ctx context.Context, payload []byte) (*SubmitResult, error) {
	sub, err := ingest.Parse(payload)
	if err != nil {
		return nil, err
	}
	now := e.now.Now()
	received := now
	if sub.ReceivedOn != nil {
		received = sub.ReceivedOn.UTC()
	}
	p, err := ingest.Prepare(sub, received, e.clock.Next(), e.schemas)
	if err != nil {
		return nil, err
	}
	if err := e.storeAttachments(ctx, p); err != nil {
		return nil, err
	}

	existing, err := e.store.ReadForm(ctx, sub.FormID)
	if err != nil && !model.IsFormNotFound(err) {
		return nil, err
	}

	switch {
	case p.Form.State == model.FormError:
		return e.submitError(ctx, p, existing)
	case existing == nil:
		return e.submitNew(ctx, p)
	case existing.ContentHash == p.Form.ContentHash:
		return e.submitDuplicate(ctx, p, now)
	default:
		return e.submitEdit(ctx, p, existing, now)
	}
}

// storeAttachments writes the payload and inline attachments to the blob
// store and records them on the form.
func (e *Engine) storeAttachments(ctx context.Context, p *ingest.Prepared) error {
	info, err := blob.PutContent(ctx, e.blobs, p.Payload, "application/json")
	if err != nil {
		return fmt.Errorf("store payload of %s: %w", p.Form.FormID, err)
	}
	p.Form.Attachments = append(p.Form.Attachments, model.Attachment{
		Name:        model.PayloadAttachment,
		ContentType: "application/json",
		Key:         info.Key,
		Size:        info.Size,
	})
	for _, a := range p.Submission.Attachments {
		info, err := blob.PutContent(ctx, e.blobs, a.Data, a.ContentType)
		if err != nil {
			return fmt.Errorf("store attachment %s of %s: %w", a.Name, p.Form.FormID, err)
		}
		p.Form.Attachments = append(p.Form.Attachments, model.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Key:         info.Key,
			Size:        info.Size,
		})
	}
	return nil
}

func (e *Engine) submitNew(ctx context.Context, p *ingest.Prepared) (*SubmitResult, error) {
	touched := store.CaseIDs(p.Transactions)
	unlock := e.locks.lock(touched...)
	err := e.store.SaveSubmission(ctx, p.Form, p.Transactions)
	unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("form stored",
		"form_id", p.Form.FormID,
		"domain", p.Form.Domain,
		"xmlns", p.Form.XMLNS,
		"seq", p.Form.Seq,
		"cases", len(touched),
	)
	rebuilds, err := e.requestRebuilds(ctx, "process form "+p.Form.FormID, touched, model.Reason{})
	return &SubmitResult{Outcome: OutcomeNormal, Form: p.Form, Rebuilds: rebuilds}, err
}

// submitDuplicate keeps the resubmission as a Duplicate record pointing at
// the form whose id it reused. Nothing is rebuilt.
func (e *Engine) submitDuplicate(ctx context.Context, p *ingest.Prepared, now time.Time) (*SubmitResult, error) {
	f := p.Form
	state, err := f.State.Transition(f.FormID, model.OpDuplicate)
	if err != nil {
		return nil, err
	}
	f.OrigID = f.FormID
	f.FormID = e.ids.Generate()
	f.State = state
	f.Operations = append(f.Operations, model.Operation{
		UserID:    f.UserID,
		Operation: model.OpDuplicate,
		Date:      now,
	})
	if err := e.store.SaveSubmission(ctx, f, nil); err != nil {
		return nil, err
	}
	slog.Info("duplicate form stored", "form_id", f.FormID, "orig_id", f.OrigID)
	return &SubmitResult{Outcome: OutcomeDuplicate, Form: f}, nil
}

func (e *Engine) submitError(ctx context.Context, p *ingest.Prepared, existing *model.Form) (*SubmitResult, error) {
	f := p.Form
	if existing != nil {
		f.OrigID = f.FormID
		f.FormID = e.ids.Generate()
	}
	if err := e.store.SaveSubmission(ctx, f, nil); err != nil {
		return nil, err
	}
	slog.Warn("error form stored",
		"form_id", f.FormID,
		"xmlns", f.XMLNS,
		"problem", f.Problem,
	)
	return &SubmitResult{Outcome: OutcomeError, Form: f}, nil
}

// Archive moves a Normal form to Archived, disables its transactions and
// rebuilds every case they touch.
func (e *Engine) Archive(ctx context.Context, formID, userID string) ([]RebuildResult, error) {
	start := time.Now()
	res, err := e.transition(ctx, formID, userID, model.OpArchive, true, model.ReasonFormArchived(formID))
	e.observe(ctx, "archive", start, err)
	return res, err
}

// Unarchive is the exact inverse of Archive. A form that has no
// transactions, such as one migrated in as Archived, gets them derived from
// its stored payload at its ordering position first.
func (e *Engine) Unarchive(ctx context.Context, formID, userID string) ([]RebuildResult, error) {
	start := time.Now()
	res, err := e.transition(ctx, formID, userID, model.OpUnarchive, false, model.ReasonFormUnarchived(formID))
	e.observe(ctx, "unarchive", start, err)
	return res, err
}

func (e *Engine) transition(ctx context.Context, formID, userID string, op model.OperationType, revoke bool, reason model.Reason) ([]RebuildResult, error) {
	f, err := e.store.ReadForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	to, err := f.State.Transition(formID, op)
	if err != nil {
		return nil, err
	}
	cases, err := e.store.CasesForForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	var missing []model.Transaction
	if !revoke && len(cases) == 0 {
		if missing, err = e.deriveStored(ctx, f); err != nil {
			return nil, err
		}
		cases = store.CaseIDs(missing)
	}

	unlock := e.locks.lock(cases...)
	touched, err := e.store.TransitionForm(ctx, formID, f.State, to, model.Operation{
		UserID:    userID,
		Operation: op,
		Date:      e.now.Now(),
	}, revoke, missing)
	unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("form transitioned",
		"form_id", formID,
		"from", f.State,
		"to", to,
		"user_id", userID,
		"cases", len(touched),
	)
	return e.requestRebuilds(ctx, fmt.Sprintf("%s form %s", op, formID), touched, reason)
}

// deriveStored derives f's transactions from its stored payload at its fold
// position.
func (e *Engine) deriveStored(ctx context.Context, f *model.Form) ([]model.Transaction, error) {
	sub, err := e.loadSubmission(ctx, f)
	if err != nil {
		return nil, err
	}
	pos, err := e.foldPosition(ctx, f.FormID, f)
	if err != nil {
		return nil, err
	}
	txs, err := ingest.Derive(sub, pos, e.schemas)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", f.FormID, err)
	}
	return txs, nil
}

// SoftDeleteCase flags a case deleted. The flag survives rebuilds.
func (e *Engine) SoftDeleteCase(ctx context.Context, caseID string) error {
	unlock := e.locks.lock(caseID)
	defer unlock()
	if err := e.store.SoftDeleteCase(ctx, caseID); err != nil {
		return err
	}
	slog.Info("case soft deleted", "case_id", caseID)
	return nil
}
