package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dimagi/caseledger/internal/ingest"
	"github.com/dimagi/caseledger/internal/model"
)

// FormDoc is one form document as exported by a source store: the
// submission plus its lifecycle fields. Fields the ledger does not know are
// kept in Raw and show up in the form's diff.
type FormDoc struct {
	ingest.Submission

	State            model.FormState   `json:"state"`
	OrigID           string            `json:"orig_id,omitempty"`
	DeprecatedFormID string            `json:"deprecated_form_id,omitempty"`
	EditedOn         *time.Time        `json:"edited_on,omitempty"`
	Problem          string            `json:"problem,omitempty"`
	Operations       []model.Operation `json:"operations,omitempty"`

	// Raw is the document exactly as read from the source.
	Raw []byte `json:"-"`
}

// ParseFormDoc decodes and checks a source form document.
func ParseFormDoc(data []byte) (*FormDoc, error) {
	var doc FormDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode form doc: %w", err)
	}
	if err := doc.Submission.Check(); err != nil {
		return nil, err
	}
	if doc.ReceivedOn == nil {
		return nil, fmt.Errorf("form doc %s has no received_on", doc.FormID)
	}
	if doc.State == "" {
		doc.State = model.FormNormal
	}
	if !doc.State.Valid() {
		return nil, fmt.Errorf("form doc %s has unknown state %q", doc.FormID, doc.State)
	}
	doc.Raw = append([]byte(nil), data...)
	return &doc, nil
}

// Form returns the target record for doc. Seq, content hash and
// attachments are filled in when the form is imported.
func (d *FormDoc) Form() *model.Form {
	ops := append([]model.Operation{}, d.Operations...)
	for i := range ops {
		ops[i].Date = ops[i].Date.UTC()
	}
	var edited *time.Time
	if d.EditedOn != nil {
		t := d.EditedOn.UTC()
		edited = &t
	}
	return &model.Form{
		FormID:           d.FormID,
		Domain:           d.Domain,
		XMLNS:            d.XMLNS,
		UserID:           d.UserID,
		ReceivedOn:       d.ReceivedOn.UTC(),
		EditedOn:         edited,
		State:            d.State,
		OrigID:           d.OrigID,
		DeprecatedFormID: d.DeprecatedFormID,
		Problem:          d.Problem,
		Operations:       ops,
	}
}

// CaseDoc is one case document as exported by a source store. Object uses
// the same keys as model.Case.Object.
type CaseDoc struct {
	CaseID string
	Domain string
	Object model.Object
}

// ParseCaseDoc decodes a source case document.
func ParseCaseDoc(data []byte) (*CaseDoc, error) {
	v, err := model.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode case doc: %w", err)
	}
	obj, ok := v.(model.Object)
	if !ok {
		return nil, fmt.Errorf("case doc is %s, not an object", v.Kind())
	}
	id, _ := obj["case_id"].(model.String)
	domain, _ := obj["domain"].(model.String)
	if id == "" {
		return nil, errors.New("case doc has no case_id")
	}
	return &CaseDoc{CaseID: string(id), Domain: string(domain), Object: obj}, nil
}

// Source streams the documents of one domain. Forms are yielded in the
// source's storage order, which should be ascending by received_on; the
// migrator checks it. Returning an error from fn stops the stream and is
// returned unchanged.
type Source interface {
	Forms(ctx context.Context, domain string, fn func(*FormDoc) error) error
	Cases(ctx context.Context, domain string, fn func(*CaseDoc) error) error
	Close() error
}

// Files in a JSON lines export directory.
const (
	FormsFile = "forms.jsonl"
	CasesFile = "cases.jsonl"
)

// maxLine bounds one JSON lines document. Forms with inline attachments can
// be large.
const maxLine = 64 << 20

// JSONLSource reads an export directory holding forms.jsonl and, optionally,
// cases.jsonl. Each line is one document; documents of other domains are
// skipped.
type JSONLSource struct {
	dir string
}

// OpenJSONL checks that dir holds a forms file.
func OpenJSONL(dir string) (*JSONLSource, error) {
	if _, err := os.Stat(filepath.Join(dir, FormsFile)); err != nil {
		return nil, fmt.Errorf("open jsonl source: %w", err)
	}
	return &JSONLSource{dir: dir}, nil
}

func (s *JSONLSource) Forms(ctx context.Context, domain string, fn func(*FormDoc) error) error {
	return s.scan(ctx, FormsFile, func(line []byte) error {
		doc, err := ParseFormDoc(line)
		if err != nil {
			return err
		}
		if doc.Domain != domain {
			return nil
		}
		return fn(doc)
	})
}

func (s *JSONLSource) Cases(ctx context.Context, domain string, fn func(*CaseDoc) error) error {
	if _, err := os.Stat(filepath.Join(s.dir, CasesFile)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.scan(ctx, CasesFile, func(line []byte) error {
		doc, err := ParseCaseDoc(line)
		if err != nil {
			return err
		}
		if doc.Domain != domain {
			return nil
		}
		return fn(doc)
	})
}

func (s *JSONLSource) Close() error { return nil }

func (s *JSONLSource) scan(ctx context.Context, name string, fn func([]byte) error) error {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	return scanLines(ctx, name, f, fn)
}

func scanLines(ctx context.Context, name string, r io.Reader, fn func([]byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(line); err != nil {
			var le *model.LedgerError
			if errors.As(err, &le) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	return nil
}
