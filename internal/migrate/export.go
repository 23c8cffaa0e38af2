package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dimagi/caseledger/internal/engine"
	"github.com/dimagi/caseledger/internal/ingest"
	"github.com/dimagi/caseledger/internal/model"
)

// ExportForm serializes a stored form into the source document shape: its
// stored payload, attachment bytes and lifecycle fields. The document
// carries the id the form holds now, which differs from the payload's for
// deprecated and duplicate forms.
func ExportForm(ctx context.Context, e *engine.Engine, formID string) (*FormDoc, error) {
	f, err := e.GetFormExact(ctx, formID)
	if err != nil {
		return nil, err
	}
	payload, _, err := e.GetAttachment(ctx, formID, model.PayloadAttachment)
	if err != nil {
		return nil, err
	}
	sub, err := ingest.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("stored payload: %w", err)
	}
	sub.FormID = f.FormID
	if sub.ReceivedOn == nil {
		received := f.ReceivedOn
		sub.ReceivedOn = &received
	}
	for _, a := range f.Attachments {
		if a.Name == model.PayloadAttachment {
			continue
		}
		data, _, err := e.GetAttachment(ctx, formID, a.Name)
		if err != nil {
			return nil, err
		}
		sub.Attachments = append(sub.Attachments, ingest.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Data:        data,
		})
	}

	return &FormDoc{
		Submission:       *sub,
		State:            f.State,
		OrigID:           f.OrigID,
		DeprecatedFormID: f.DeprecatedFormID,
		EditedOn:         f.EditedOn,
		Problem:          f.Problem,
		Operations:       f.Operations,
	}, nil
}

// Export writes every form and case of domain into dir as a jsonl export
// that OpenJSONL reads back. Forms are written in received_on order.
func Export(ctx context.Context, e *engine.Engine, domain, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	forms, err := e.Store().ListForms(ctx, domain)
	if err != nil {
		return err
	}
	err = writeLines(filepath.Join(dir, FormsFile), len(forms), func(i int) (any, error) {
		return ExportForm(ctx, e, forms[i].FormID)
	})
	if err != nil {
		return err
	}

	caseIDs, err := e.Store().ListCaseIDs(ctx, domain)
	if err != nil {
		return err
	}
	return writeLines(filepath.Join(dir, CasesFile), len(caseIDs), func(i int) (any, error) {
		c, err := e.GetCase(ctx, caseIDs[i])
		if err != nil {
			return nil, err
		}
		return c.Object(), nil
	})
}

func writeLines(path string, n int, doc func(i int) (any, error)) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", filepath.Base(path), cerr)
		}
	}()

	w := bufio.NewWriter(f)
	for i := 0; i < n; i++ {
		v, err := doc(i)
		if err != nil {
			return err
		}
		line, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode line %d of %s: %w", i+1, filepath.Base(path), err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	return w.Flush()
}
