package engine

import (
	"context"
	"errors"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/model"
)

// maxEditHops bounds the orig_id chain GetForm follows.
const maxEditHops = 32

// GetCase returns the stored aggregate.
func (e *Engine) GetCase(ctx context.Context, caseID string) (*model.Case, error) {
	return e.store.ReadCase(ctx, caseID)
}

// GetCaseProperty returns one property of a case. Known fields (case_name,
// case_type, owner_id) resolve as well. ok is false when the case exists
// but never set the property.
func (e *Engine) GetCaseProperty(ctx context.Context, caseID, name string) (v model.Value, ok bool, err error) {
	c, err := e.store.ReadCase(ctx, caseID)
	if err != nil {
		return nil, false, err
	}
	v, ok = c.Property(name)
	return v, ok, nil
}

// GetFormsForCase returns the forms that contributed to a case, in fold
// order.
func (e *Engine) GetFormsForCase(ctx context.Context, caseID string) ([]model.Form, error) {
	c, err := e.store.ReadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	forms := make([]model.Form, 0, len(c.FormIDs))
	for _, id := range c.FormIDs {
		f, err := e.store.ReadForm(ctx, id)
		if err != nil {
			return nil, err
		}
		forms = append(forms, *f)
	}
	return forms, nil
}

// GetForm returns the live form for formID. A Deprecated form resolves to
// its replacement through orig_id.
func (e *Engine) GetForm(ctx context.Context, formID string) (*model.Form, error) {
	f, err := e.store.ReadForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	for hops := 0; f.State == model.FormDeprecated && f.OrigID != "" && hops < maxEditHops; hops++ {
		next, err := e.store.ReadForm(ctx, f.OrigID)
		if err != nil {
			return nil, err
		}
		f = next
	}
	return f, nil
}

// GetFormExact returns the form stored under formID without following edits.
func (e *Engine) GetFormExact(ctx context.Context, formID string) (*model.Form, error) {
	return e.store.ReadForm(ctx, formID)
}

// GetAttachment returns the bytes and metadata of a form attachment.
func (e *Engine) GetAttachment(ctx context.Context, formID, name string) ([]byte, model.Attachment, error) {
	f, err := e.store.ReadForm(ctx, formID)
	if err != nil {
		return nil, model.Attachment{}, err
	}
	a, ok := f.Attachment(name)
	if !ok {
		return nil, model.Attachment{}, model.NewAttachmentNotFound(formID, name)
	}
	data, err := blob.ReadAll(ctx, e.blobs, a.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, a, model.NewAttachmentNotFound(formID, name)
	}
	if err != nil {
		return nil, a, err
	}
	return data, a, nil
}

// History returns every transaction of a case, disabled ones and rebuild
// markers included, in log order.
func (e *Engine) History(ctx context.Context, caseID string) ([]model.Transaction, error) {
	return e.store.CaseHistory(ctx, caseID)
}
