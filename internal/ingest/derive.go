package ingest

import (
	"errors"
	"sort"
	"time"

	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/schema"
)

// ValidationError reports case updates that do not fit the xmlns schema.
type ValidationError struct {
	FormID string
	Fields []schema.FieldError
}

func (e *ValidationError) Error() string {
	return "form " + e.FormID + " failed validation: " + schema.Problem(e.Fields)
}

// IsValidationError reports whether err carries schema field errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Position places a form's transactions in the log. On an edit the
// replacement inherits the position of the form it replaces.
type Position struct {
	FormID     string
	ServerDate time.Time
	Seq        int64
}

// Derive generates the transactions of sub at pos, one per case, sorted by
// case id. Case updates are coerced through the schema registered for the
// submission's xmlns; a nil registry accepts everything.
func Derive(sub *Submission, pos Position, reg *schema.Registry) ([]model.Transaction, error) {
	fs, _ := reg.Lookup(sub.XMLNS)

	ledger := make(map[string]bool, len(sub.Ledgers))
	for _, id := range sub.Ledgers {
		ledger[id] = true
	}

	var (
		txs      []model.Transaction
		problems []schema.FieldError
	)
	for _, c := range sub.Cases {
		update, errs := fs.Coerce(c.Update)
		problems = append(problems, errs...)

		block := &model.CaseBlock{
			UserID:  sub.UserID,
			Create:  c.Create,
			Update:  update,
			Close:   c.Close,
			Indices: c.Indices,
		}
		txs = append(txs, newTransaction(sub, pos, c.CaseID, block, ledger[c.CaseID]))
		delete(ledger, c.CaseID)
	}
	for _, id := range sub.Ledgers {
		if ledger[id] {
			txs = append(txs, newTransaction(sub, pos, id, nil, true))
			delete(ledger, id)
		}
	}

	if len(problems) > 0 {
		sort.SliceStable(problems, func(i, j int) bool { return problems[i].Property < problems[j].Property })
		return nil, &ValidationError{FormID: pos.FormID, Fields: problems}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CaseID < txs[j].CaseID })
	return txs, nil
}

func newTransaction(sub *Submission, pos Position, caseID string, block *model.CaseBlock, ledger bool) model.Transaction {
	return model.Transaction{
		CaseID:     caseID,
		Domain:     sub.Domain,
		FormID:     pos.FormID,
		Type:       model.TypeForBlock(block, ledger),
		ServerDate: pos.ServerDate.UTC(),
		Seq:        pos.Seq,
		Details:    model.TransactionDetails{XMLNS: sub.XMLNS},
		Block:      block,
	}
}

// Prepared is a submission ready to be persisted.
type Prepared struct {
	Submission   *Submission
	Form         *model.Form
	Transactions []model.Transaction
	Payload      []byte
}

// Prepare builds the form record and transactions for sub received at
// receivedOn with ingestion sequence seq. A submission whose case updates
// fail validation becomes an Error form without transactions.
func Prepare(sub *Submission, receivedOn time.Time, seq int64, reg *schema.Registry) (*Prepared, error) {
	payload, err := sub.Payload()
	if err != nil {
		return nil, err
	}
	hash, err := sub.ContentHash()
	if err != nil {
		return nil, err
	}
	f := &model.Form{
		FormID:      sub.FormID,
		Domain:      sub.Domain,
		XMLNS:       sub.XMLNS,
		UserID:      sub.UserID,
		ReceivedOn:  receivedOn.UTC(),
		State:       model.FormNormal,
		Seq:         seq,
		ContentHash: hash,
		Operations:  []model.Operation{},
		Attachments: []model.Attachment{},
	}

	txs, err := Derive(sub, Position{FormID: sub.FormID, ServerDate: f.ReceivedOn, Seq: seq}, reg)
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		f.State = model.FormError
		f.Problem = schema.Problem(ve.Fields)
		txs = nil
	case err != nil:
		return nil, err
	}
	return &Prepared{Submission: sub, Form: f, Transactions: txs, Payload: payload}, nil
}
