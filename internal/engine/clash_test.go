package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/caseledger/internal/model"
)

// submitClash stores a register form and then an unrelated visit form that
// reused its id, which the ledger takes as an edit.
func submitClash(t *testing.T, e *Engine) {
	t.Helper()
	submit(t, e, payload(t, "x", registerXMLNS, minutes(0), create("c1", "person", "reg")))
	res := submit(t, e, payload(t, "x", visitXMLNS, minutes(20), update("c2", "note", "v")))
	require.Equal(t, OutcomeEdit, res.Outcome)
}

func TestDetectClashes(t *testing.T) {
	e := newTestEngine(t)
	submitClash(t, e)
	// A genuine edit with matching xmlns is not a clash.
	submit(t, e, payload(t, "y", registerXMLNS, minutes(1), create("c3", "person", "A")))
	submit(t, e, payload(t, "y", registerXMLNS, minutes(2), create("c3", "person", "B")))

	clashes, err := e.DetectClashes(t.Context(), "demo")
	require.NoError(t, err)
	require.Len(t, clashes, 1)
	assert.Equal(t, "x", clashes[0].FormID)
	assert.Equal(t, "fresh-1", clashes[0].Details["deprecated_form_id"])
	assert.True(t, model.IsMisattributedEdit(clashes[0]))
}

func TestRepairClashesDryRunWritesNothing(t *testing.T) {
	e := newTestEngine(t)
	ctx := t.Context()
	submitClash(t, e)
	before, err := e.Store().CountTransactions(ctx)
	require.NoError(t, err)

	report, err := e.RepairClashes(ctx, "demo", true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Len(t, report.Clashes, 1)
	assert.Empty(t, report.Repairs)

	after, err := e.Store().CountTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	f, err := e.GetFormExact(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, visitXMLNS, f.XMLNS)
}

func TestRepairClashes(t *testing.T) {
	e := newTestEngine(t)
	ctx := t.Context()
	submitClash(t, e)
	require.True(t, getCase(t, e, "c1").IsDeleted, "the false edit removed c1's only form")

	report, err := e.RepairClashes(ctx, "demo", false)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	repair := report.Repairs[0]
	assert.Equal(t, "x", repair.FormID)
	assert.Equal(t, "fresh-2", repair.FreshID)
	assert.Equal(t, []string{"c1", "c2"}, repair.Touched)
	assert.Empty(t, repair.Skipped)

	restored, err := e.GetFormExact(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, registerXMLNS, restored.XMLNS)
	assert.Equal(t, model.FormNormal, restored.State)
	assert.Empty(t, restored.OrigID)

	moved, err := e.GetFormExact(ctx, "fresh-2")
	require.NoError(t, err)
	assert.Equal(t, visitXMLNS, moved.XMLNS)
	assert.Empty(t, moved.DeprecatedFormID)

	c1 := getCase(t, e, "c1")
	assert.False(t, c1.IsDeleted)
	assert.Equal(t, "reg", c1.Name)
	assert.Equal(t, []string{"x"}, c1.FormIDs)

	c2 := getCase(t, e, "c2")
	assert.Equal(t, []string{"fresh-2"}, c2.FormIDs)
	assert.True(t, c2.ModifiedOn.Equal(minutes(20)), "regenerated at its own position")

	last, err := e.Store().LastMarker(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.TypeRebuildFormReprocess, last.Type)
}

func TestRepairClashesIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := t.Context()
	submitClash(t, e)

	_, err := e.RepairClashes(ctx, "demo", false)
	require.NoError(t, err)
	c1 := canonical(t, getCase(t, e, "c1"))
	before, err := e.Store().CountTransactions(ctx)
	require.NoError(t, err)

	report, err := e.RepairClashes(ctx, "demo", false)
	require.NoError(t, err)
	assert.Empty(t, report.Clashes)
	assert.Empty(t, report.Repairs)

	after, err := e.Store().CountTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, c1, canonical(t, getCase(t, e, "c1")))
}

func TestRepairClashesSkipsSoftDeletedCases(t *testing.T) {
	e := newTestEngine(t)
	ctx := t.Context()
	submitClash(t, e)
	require.NoError(t, e.SoftDeleteCase(ctx, "c2"))

	report, err := e.RepairClashes(ctx, "demo", false)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, []string{"c1"}, report.Repairs[0].Touched)
	assert.Equal(t, []string{"c2"}, report.Repairs[0].Skipped)

	history, err := e.History(ctx, "c2")
	require.NoError(t, err)
	var forms []string
	for _, tx := range history {
		if tx.FormID != "" {
			forms = append(forms, tx.FormID)
		}
	}
	assert.Equal(t, []string{"x"}, forms, "soft-deleted case keeps its original rows")
}

func TestRepairClashesKeepsArchivedFormArchived(t *testing.T) {
	e := newTestEngine(t)
	ctx := t.Context()
	submitClash(t, e)
	_, err := e.Archive(ctx, "x", "admin")
	require.NoError(t, err)

	clashes, err := e.DetectClashes(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, clashes, 1)
	assert.Equal(t, "x", clashes[0].FormID)

	report, err := e.RepairClashes(ctx, "demo", false)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, "fresh-2", report.Repairs[0].FreshID)

	moved, err := e.GetFormExact(ctx, "fresh-2")
	require.NoError(t, err)
	assert.Equal(t, model.FormArchived, moved.State)
	assert.Equal(t, visitXMLNS, moved.XMLNS)

	txs, err := e.Store().TransactionsForForm(ctx, "fresh-2")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Revoked)

	c1 := getCase(t, e, "c1")
	assert.False(t, c1.IsDeleted)
	assert.Equal(t, "reg", c1.Name)
	assert.True(t, getCase(t, e, "c2").IsDeleted, "an archived form contributes nothing")

	_, err = e.Unarchive(ctx, "fresh-2", "admin")
	require.NoError(t, err)
	c2 := getCase(t, e, "c2")
	assert.False(t, c2.IsDeleted)
	assert.Equal(t, []string{"fresh-2"}, c2.FormIDs)
}
