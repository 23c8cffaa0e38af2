package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dimagi/caseledger/internal/ingest"
	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/schema"
	"github.com/dimagi/caseledger/internal/store"
)

// Import stores a form copied from another store, keeping its id, state,
// received_on and operations. It takes the next ingestion seq.
//
// A Normal form gets its transactions derived from sub and its cases are
// rebuilt. It folds at its own received_on, or, when it replaced an earlier
// form, at the position of the first form in its edit chain, the same place
// a live edit folds. A Normal form whose case updates fail validation is stored as an
// Error form. Forms in any other state are stored without transactions.
func (e *Engine) Import(ctx context.Context, f *model.Form, sub *ingest.Submission) ([]RebuildResult, error) {
	start := time.Now()
	res, err := e.importForm(ctx, f, sub)
	e.observe(ctx, "import", start, err)
	return res, err
}

func (e *Engine) importForm(ctx context.Context, f *model.Form, sub *ingest.Submission) ([]RebuildResult, error) {
	payload, err := sub.Payload()
	if err != nil {
		return nil, err
	}
	hash, err := sub.ContentHash()
	if err != nil {
		return nil, err
	}
	f.Seq = e.clock.Next()
	f.ContentHash = hash
	f.ReceivedOn = f.ReceivedOn.UTC()
	if f.Operations == nil {
		f.Operations = []model.Operation{}
	}
	f.Attachments = []model.Attachment{}

	var txs []model.Transaction
	if f.State == model.FormNormal {
		pos, err := e.foldPosition(ctx, f.FormID, f)
		if err != nil {
			return nil, err
		}
		txs, err = ingest.Derive(sub, pos, e.schemas)
		var ve *ingest.ValidationError
		switch {
		case errors.As(err, &ve):
			f.State = model.FormError
			f.Problem = schema.Problem(ve.Fields)
			txs = nil
		case err != nil:
			return nil, err
		}
	}

	if err := e.storeAttachments(ctx, &ingest.Prepared{Submission: sub, Form: f, Payload: payload}); err != nil {
		return nil, err
	}

	touched := store.CaseIDs(txs)
	unlock := e.locks.lock(touched...)
	err = e.store.SaveSubmission(ctx, f, txs)
	unlock()
	if err != nil {
		return nil, err
	}
	slog.Debug("form imported",
		"form_id", f.FormID,
		"domain", f.Domain,
		"state", f.State,
		"seq", f.Seq,
		"cases", len(touched),
	)
	return e.requestRebuilds(ctx, "import form "+f.FormID, touched, model.Reason{})
}
