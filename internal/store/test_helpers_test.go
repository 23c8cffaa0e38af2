package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dimagi/caseledger/internal/model"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

// testForm creates a Normal form with minimal required fields.
func testForm(id string, seq int64, received time.Time) *model.Form {
	return &model.Form{
		FormID:      id,
		Domain:      "demo",
		XMLNS:       "http://example.org/visit",
		UserID:      "u1",
		ReceivedOn:  received,
		State:       model.FormNormal,
		Seq:         seq,
		Operations:  []model.Operation{},
		Attachments: []model.Attachment{},
	}
}

// testTx creates a form transaction updating one property.
func testTx(caseID string, f *model.Form, prop, value string) model.Transaction {
	block := &model.CaseBlock{UserID: f.UserID, Update: model.Object{prop: model.String(value)}}
	return model.Transaction{
		CaseID:     caseID,
		Domain:     f.Domain,
		FormID:     f.FormID,
		Type:       model.TypeForBlock(block, false),
		ServerDate: f.ReceivedOn,
		Seq:        f.Seq,
		Details:    model.TransactionDetails{XMLNS: f.XMLNS},
		Block:      block,
	}
}

func saveForm(t *testing.T, s *Store, f *model.Form, txs ...model.Transaction) {
	t.Helper()
	if err := s.SaveSubmission(t.Context(), f, txs); err != nil {
		t.Fatalf("SaveSubmission(%s) failed: %v", f.FormID, err)
	}
}
