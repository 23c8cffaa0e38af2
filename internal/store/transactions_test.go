package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/caseledger/internal/model"
)

func TestSaveSubmissionAndReadForm(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	f := testForm("a", 1, at(0))
	f.Operations = []model.Operation{{UserID: "u1", Operation: model.OpArchive, Date: at(1)}}
	f.Attachments = []model.Attachment{{Name: model.PayloadAttachment, ContentType: "application/json", Key: "sha256/abc", Size: 12}}
	saveForm(t, s, f, testTx("c1", f, "name", "X"))

	got, err := s.ReadForm(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Domain)
	assert.Equal(t, model.FormNormal, got.State)
	assert.True(t, got.ReceivedOn.Equal(at(0)))
	require.Len(t, got.Operations, 1)
	assert.Equal(t, model.OpArchive, got.Operations[0].Operation)
	a, ok := got.Attachment(model.PayloadAttachment)
	require.True(t, ok)
	assert.Equal(t, "sha256/abc", a.Key)

	_, err = s.ReadForm(ctx, "missing")
	assert.True(t, model.IsFormNotFound(err))
}

func TestSaveSubmissionRejectsTakenFormID(t *testing.T) {
	s := createTestStore(t)
	saveForm(t, s, testForm("a", 1, at(0)))

	err := s.SaveSubmission(t.Context(), testForm("a", 2, at(1)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormExists)
}

func TestAppendRejectsSecondEnabledTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	f := testForm("a", 1, at(0))
	saveForm(t, s, f, testTx("c1", f, "name", "X"))

	_, err := s.Append(ctx, testTx("c1", f, "name", "Y"))
	require.Error(t, err)
	assert.True(t, model.IsDuplicateTransaction(err))

	// A revoked row for the same pair is allowed.
	revoked := testTx("c1", f, "name", "Y")
	revoked.Revoked = true
	_, err = s.Append(ctx, revoked)
	require.NoError(t, err)
}

func TestDisableEnableIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	f := testForm("a", 1, at(0))
	saveForm(t, s, f, testTx("c1", f, "name", "X"))

	require.NoError(t, s.Disable(ctx, "c1", "a"))
	require.NoError(t, s.Disable(ctx, "c1", "a"))
	txs, err := s.OrderedTransactions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, txs)

	require.NoError(t, s.Enable(ctx, "c1", "a"))
	require.NoError(t, s.Enable(ctx, "c1", "a"))
	txs, err = s.OrderedTransactions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.String("X"), txs[0].Block.Update["name"])
}

func TestOrderedTransactionsTieBreakBySeq(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	// Same server_date; seq decides. Inserted in reverse to rule out row order.
	late := testForm("late", 7, at(5))
	early := testForm("early", 3, at(5))
	first := testForm("first", 9, at(1))
	saveForm(t, s, late, testTx("c1", late, "p", "late"))
	saveForm(t, s, early, testTx("c1", early, "p", "early"))
	saveForm(t, s, first, testTx("c1", first, "p", "first"))

	txs, err := s.OrderedTransactions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"first", "early", "late"}, []string{txs[0].FormID, txs[1].FormID, txs[2].FormID})
}

func TestTransitionFormCompareAndSet(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	f := testForm("a", 1, at(0))
	tx := testTx("c1", f, "name", "X")
	tx.Block.Indices = []model.IndexChange{{Identifier: "parent", ReferencedID: "h1", ReferencedType: "household"}}
	saveForm(t, s, f, tx)

	op := model.Operation{UserID: "admin", Operation: model.OpArchive, Date: at(10)}
	cases, err := s.TransitionForm(ctx, "a", model.FormNormal, model.FormArchived, op, true, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "h1"}, cases)

	_, err = s.TransitionForm(ctx, "a", model.FormNormal, model.FormArchived, op, true, nil)
	require.Error(t, err)
	assert.True(t, model.IsInvalidStateTransition(err))

	txs, err := s.OrderedTransactions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, txs)

	unarchive := model.Operation{UserID: "admin", Operation: model.OpUnarchive, Date: at(11)}
	_, err = s.TransitionForm(ctx, "a", model.FormArchived, model.FormNormal, unarchive, false, nil)
	require.NoError(t, err)

	got, err := s.ReadForm(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.FormNormal, got.State)
	require.Len(t, got.Operations, 2)

	txs, err = s.OrderedTransactions(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestTransitionFormWritesMissingTransactions(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	f := testForm("a", 1, at(0))
	f.State = model.FormArchived
	saveForm(t, s, f)

	unarchive := model.Operation{UserID: "admin", Operation: model.OpUnarchive, Date: at(10)}
	cases, err := s.TransitionForm(ctx, "a", model.FormArchived, model.FormNormal, unarchive, false,
		[]model.Transaction{testTx("c1", f, "name", "X")})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, cases)

	txs, err := s.OrderedTransactions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.False(t, txs[0].Revoked)

	archive := model.Operation{UserID: "admin", Operation: model.OpArchive, Date: at(11)}
	_, err = s.TransitionForm(ctx, "a", model.FormNormal, model.FormArchived, archive, true, nil)
	require.NoError(t, err)

	// A form with transactions keeps them; derived ones are ignored.
	_, err = s.TransitionForm(ctx, "a", model.FormArchived, model.FormNormal, unarchive, false,
		[]model.Transaction{testTx("c1", f, "name", "other")})
	require.NoError(t, err)
	all, err := s.TransactionsForForm(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTransitionFormRejectsForeignMissingTransactions(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	f := testForm("a", 1, at(0))
	f.State = model.FormArchived
	saveForm(t, s, f)

	other := testForm("b", 2, at(1))
	unarchive := model.Operation{UserID: "admin", Operation: model.OpUnarchive, Date: at(10)}
	_, err := s.TransitionForm(ctx, "a", model.FormArchived, model.FormNormal, unarchive, false,
		[]model.Transaction{testTx("c1", other, "name", "X")})
	require.Error(t, err)

	got, err := s.ReadForm(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.FormArchived, got.State, "the state change rolls back")
}

func TestSaveCaseWithMarkerAndSoftDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, err := s.ReadCase(ctx, "c1")
	assert.True(t, model.IsCaseNotFound(err))

	c := &model.Case{CaseID: "c1", Domain: "demo", Name: "X", Properties: model.Object{}}
	marker := &model.Transaction{CaseID: "c1", Domain: "demo", Type: model.TypeRebuildUserRequested, ServerDate: at(3), Details: model.TransactionDetails{Reason: "manual"}}
	require.NoError(t, s.SaveCase(ctx, c, marker, at(3)))

	last, err := s.LastMarker(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "manual", last.Details.Reason)

	require.NoError(t, s.SoftDeleteCase(ctx, "c1"))
	deleted, err := s.IsSoftDeleted(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, deleted)

	// A later save keeps the deletion.
	c.IsDeleted = false
	require.NoError(t, s.SaveCase(ctx, c, nil, at(4)))
	got, err := s.ReadCase(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, "X", got.Name)

	ids, err := s.ListCaseIDs(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
}
