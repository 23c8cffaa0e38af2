package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/diff"
	"github.com/dimagi/caseledger/internal/model"
)

func TestMigrateDomainCopiesFormsAndBuildsCases(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	dir := writeExport(t, []string{docOtherDomain, docF1, docF2, docF3Archived}, []string{docC1, docC2Missing})

	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, 3, report.Forms)
	assert.Equal(t, 3, report.Migrated)
	assert.Equal(t, 2, report.CasesChecked)

	c1, err := f.engine.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Y", c1.Name)
	assert.Equal(t, model.Int(30), c1.Properties["age"])
	assert.Equal(t, []string{"f1", "f2"}, c1.FormIDs)

	archived, err := f.engine.GetFormExact(ctx, "f3")
	require.NoError(t, err)
	assert.Equal(t, model.FormArchived, archived.State)
	require.Len(t, archived.Operations, 1)
	assert.Equal(t, "admin", archived.Operations[0].UserID)
	txs, err := f.store.TransactionsForForm(ctx, "f3")
	require.NoError(t, err)
	assert.Empty(t, txs, "non-normal forms are copied without transactions")

	_, err = f.engine.GetFormExact(ctx, "g1")
	assert.True(t, model.IsFormNotFound(err))

	forms, err := f.state.Diffs(ctx, "demo", "")
	require.NoError(t, err)
	require.Len(t, forms, 5)
	for _, rec := range forms[:3] {
		assert.Equal(t, EntityForm, rec.EntityType)
		assert.Equal(t, StatusClean, rec.Status, "form %s: %v", rec.EntityID, rec.Diffs)
	}
	assert.Equal(t, "c1", forms[3].EntityID)
	assert.Equal(t, StatusClean, forms[3].Status, "%v", forms[3].Diffs)
	assert.Equal(t, "c2", forms[4].EntityID)
	assert.Equal(t, StatusDiff, forms[4].Status)
	require.Len(t, forms[4].Diffs, 1)
	assert.Equal(t, diff.KindMissing, forms[4].Diffs[0].Kind)
	assert.Nil(t, forms[4].Diffs[0].New)
}

func TestMigrateDomainIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	dir := writeExport(t, []string{docF1, docF2, docF3Archived}, []string{docC1})

	first, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, 3, first.Migrated)

	txBefore, err := f.store.CountTransactions(ctx)
	require.NoError(t, err)
	formDiffs, err := f.state.CountDiffs(ctx, "demo", EntityForm)
	require.NoError(t, err)
	caseDiffs, err := f.state.CountDiffs(ctx, "demo", EntityCase)
	require.NoError(t, err)

	second, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Migrated)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, second.CasesChecked)

	txAfter, err := f.store.CountTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, txBefore, txAfter)

	n, err := f.state.CountDiffs(ctx, "demo", EntityForm)
	require.NoError(t, err)
	assert.Equal(t, formDiffs, n)
	n, err = f.state.CountDiffs(ctx, "demo", EntityCase)
	require.NoError(t, err)
	assert.Equal(t, caseDiffs, n)

	migrated, err := f.state.CountMigrated(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 3, migrated)
}

func TestMigrateDomainOrderingViolation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	dir := writeExport(t, []string{docF2, docF1}, nil)

	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.Error(t, err)
	assert.True(t, model.IsOrderingViolation(err))
	assert.False(t, IsPartial(err))
	assert.True(t, report.Partial)
	assert.Equal(t, 1, report.Migrated)

	_, err = f.engine.GetFormExact(ctx, "f1")
	assert.True(t, model.IsFormNotFound(err), "nothing after the violation is migrated")
}

func TestMigrateDomainEqualReceivedOnIsOrdered(t *testing.T) {
	f := newFixture(t)
	same := `{"form_id":"f1b","domain":"demo","xmlns":"http://example.org/visit","user_id":"u1",` +
		`"received_on":"2024-01-01T09:00:00Z","state":"normal","form":{},"cases":[{"case_id":"c1","update":{"age":31}}]}`
	dir := writeExport(t, []string{docF1, same}, nil)

	report, err := f.migrator(t, dir).MigrateDomain(t.Context(), "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Migrated)

	c1, err := f.engine.GetCase(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.Int(31), c1.Properties["age"], "equal received_on folds by seq")
}

func TestMigrateDomainResumesStoredForm(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	// An interrupted run stored f1 but never marked it.
	doc, err := ParseFormDoc([]byte(docF1))
	require.NoError(t, err)
	sub := doc.Submission
	_, err = f.engine.Import(ctx, doc.Form(), &sub)
	require.NoError(t, err)
	before, err := f.store.CountTransactions(ctx)
	require.NoError(t, err)

	dir := writeExport(t, []string{docF1}, nil)
	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 0, report.Migrated)

	after, err := f.store.CountTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	done, err := f.state.IsMigrated(ctx, "demo", "f1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMigrateDomainCancelled(t *testing.T) {
	f := newFixture(t)
	dir := writeExport(t, []string{docF1, docF2}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.Error(t, err)
	assert.True(t, IsPartial(err))
	assert.True(t, report.Partial)
	assert.False(t, report.Complete())
	assert.Equal(t, 0, report.Migrated)
}

func TestMigrateDomainRecordsUnknownFields(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	legacy := `{"form_id":"f1","domain":"demo","xmlns":"http://example.org/visit","user_id":"u1",` +
		`"received_on":"2024-01-01T09:00:00Z","state":"normal","form":{},"cases":[],"legacy_flag":true}`
	dir := writeExport(t, []string{legacy}, nil)

	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Diffs)

	recs, err := f.state.Diffs(ctx, "demo", StatusDiff)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Diffs, 1)
	d := recs[0].Diffs[0]
	assert.Equal(t, diff.KindMissing, d.Kind)
	assert.Equal(t, "legacy_flag", d.PathString())
	assert.Equal(t, model.Bool(true), d.Old)
}

func TestMigrateDomainCopiesAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	withPhoto := `{"form_id":"f1","domain":"demo","xmlns":"http://example.org/visit","user_id":"u1",` +
		`"received_on":"2024-01-01T09:00:00Z","state":"normal","form":{},"cases":[],` +
		`"attachments":[{"name":"photo.jpg","content_type":"image/jpeg","data":"aGVsbG8="}]}`
	dir := writeExport(t, []string{withPhoto}, nil)

	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Clean)

	data, a, err := f.engine.GetAttachment(ctx, "f1", "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "image/jpeg", a.ContentType)
}

func TestMigrateDomainReportsFormFailures(t *testing.T) {
	f := newFixtureWithBlobs(t, brokenBlobs{Store: blob.NewMemory(), contentType: "image/broken"})
	ctx := t.Context()
	broken := `{"form_id":"fb","domain":"demo","xmlns":"http://example.org/visit","user_id":"u1",` +
		`"received_on":"2024-01-01T09:01:00Z","state":"normal","form":{},"cases":[],` +
		`"attachments":[{"name":"scan","content_type":"image/broken","data":"aGk="}]}`
	dir := writeExport(t, []string{docF1, broken, docF2}, nil)

	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Migrated)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "fb", report.Failed[0].FormID)
	assert.False(t, report.Complete())

	done, err := f.state.IsMigrated(ctx, "demo", "fb")
	require.NoError(t, err)
	assert.False(t, done)
	_, err = f.engine.GetFormExact(ctx, "fb")
	assert.True(t, model.IsFormNotFound(err))
}

func TestUnarchiveMigratedArchivedForm(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	dir := writeExport(t, []string{docF1, docF2, docF3Archived}, nil)
	_, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)

	rebuilds, err := f.engine.Unarchive(ctx, "f3", "admin")
	require.NoError(t, err)
	require.Len(t, rebuilds, 1)

	c1, err := f.engine.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Z", c1.Name)
	assert.Equal(t, []string{"f1", "f2", "f3"}, c1.FormIDs)

	_, err = f.engine.Archive(ctx, "f3", "admin")
	require.NoError(t, err)
	c1, err = f.engine.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Y", c1.Name)
}

func TestMigrateDomainDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	dir := writeExport(t, []string{docF1, docF2, docF3Archived}, []string{docC1})

	report, err := f.migrator(t, dir, WithDryRun()).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 3, report.Migrated)
	assert.Equal(t, 0, report.CasesChecked)

	_, err = f.engine.GetFormExact(ctx, "f1")
	assert.True(t, model.IsFormNotFound(err))
	n, err := f.state.CountMigrated(ctx, "demo")
	require.NoError(t, err)
	assert.Zero(t, n)
	recs, err := f.state.Diffs(ctx, "demo", "")
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	again, err := f.migrator(t, dir, WithDryRun()).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, 0, again.Migrated)
}

func TestMigrateDomainDryRunStopsOnOrderingViolation(t *testing.T) {
	f := newFixture(t)
	dir := writeExport(t, []string{docF2, docF1}, nil)

	_, err := f.migrator(t, dir, WithDryRun()).MigrateDomain(t.Context(), "demo")
	require.Error(t, err)
	assert.True(t, model.IsOrderingViolation(err))
}

func TestRediffRebuildsCasesStillDiffering(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	dir := writeExport(t, []string{docF1}, []string{docC1, docC2Missing})

	report, err := f.migrator(t, dir).MigrateDomain(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, 2, report.Diffs, "c1 lacks f2 and c2 is missing")

	// f2 arrives outside the migrator.
	doc, err := ParseFormDoc([]byte(docF2))
	require.NoError(t, err)
	sub := doc.Submission
	_, err = f.engine.Import(ctx, doc.Form(), &sub)
	require.NoError(t, err)

	rediff, err := f.migrator(t, dir).Rediff(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, rediff.CasesChecked)
	assert.Equal(t, 1, rediff.Clean)
	assert.Equal(t, 1, rediff.Diffs)

	open, err := f.state.OpenDiffs(ctx, "demo", EntityCase)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, open)

	history, err := f.state.QueryDiffs(ctx, "demo", DiffFilter{EntityID: "c1"})
	require.NoError(t, err)
	require.Len(t, history, 2, "records are appended")
	assert.Equal(t, StatusDiff, history[0].Status)
	assert.Equal(t, StatusClean, history[1].Status)
}

func TestRediffWithNothingOpen(t *testing.T) {
	f := newFixture(t)
	dir := writeExport(t, []string{docF1, docF2}, []string{docC1})
	_, err := f.migrator(t, dir).MigrateDomain(t.Context(), "demo")
	require.NoError(t, err)

	report, err := f.migrator(t, dir).Rediff(t.Context(), "demo")
	require.NoError(t, err)
	assert.Equal(t, 0, report.CasesChecked)
}

func TestMigrateDomainResumesCasePass(t *testing.T) {
	f := newFixture(t)
	dir := writeExport(t, []string{docF1, docF2}, []string{docC1, docC2Missing})

	src, err := OpenJSONL(dir)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	first, err := f.migratorFrom(&cancelAfterCases{Source: src, n: 1, cancel: cancel}).MigrateDomain(ctx, "demo")
	require.Error(t, err)
	assert.True(t, first.Partial)
	assert.Equal(t, 2, first.Migrated)
	assert.Equal(t, 1, first.CasesChecked)

	second, err := f.migrator(t, dir).MigrateDomain(t.Context(), "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 1, second.CasesChecked, "only the case the interrupted pass missed")

	recs, err := f.state.QueryDiffs(t.Context(), "demo", DiffFilter{EntityType: EntityCase})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c1", recs[0].EntityID)
	assert.Equal(t, "c2", recs[1].EntityID)

	third, err := f.migrator(t, dir).MigrateDomain(t.Context(), "demo")
	require.NoError(t, err)
	assert.Equal(t, 0, third.CasesChecked)
}
