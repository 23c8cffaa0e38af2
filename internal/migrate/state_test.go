package migrate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/caseledger/internal/diff"
	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/testutil"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	s, err := OpenState(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateMarkMigratedIdempotent(t *testing.T) {
	s := openTestState(t)
	ctx := t.Context()

	done, err := s.IsMigrated(ctx, "demo", "f1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkMigrated(ctx, "demo", "f1", testutil.Epoch))
	require.NoError(t, s.MarkMigrated(ctx, "demo", "f1", testutil.Epoch))

	done, err = s.IsMigrated(ctx, "demo", "f1")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.IsMigrated(ctx, "other", "f1")
	require.NoError(t, err)
	assert.False(t, done, "state is keyed by domain")

	n, err := s.CountMigrated(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStateDiffRecords(t *testing.T) {
	s := openTestState(t)
	ctx := t.Context()

	clean := &DiffRecord{Domain: "demo", EntityType: EntityForm, EntityID: "f1", Status: StatusClean, RecordedAt: testutil.Epoch}
	require.NoError(t, s.RecordDiff(ctx, clean))
	assert.NotZero(t, clean.ID)

	changed := &DiffRecord{
		Domain:     "demo",
		EntityType: EntityCase,
		EntityID:   "c1",
		Status:     StatusDiff,
		Diffs: []diff.Diff{
			{Kind: diff.KindDiff, Path: []string{"properties", "age"}, Old: model.Int(3), New: model.Int(4)},
		},
		RecordedAt: testutil.Epoch,
	}
	require.NoError(t, s.RecordDiff(ctx, changed))
	require.NoError(t, s.RecordDiff(ctx, &DiffRecord{
		Domain: "demo", EntityType: EntityForm, EntityID: "f2",
		Status: StatusUnverifiable, Problem: "payload missing", RecordedAt: testutil.Epoch,
	}))

	all, err := s.Diffs(ctx, "demo", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f1", all[0].EntityID)
	assert.Empty(t, all[0].Diffs)
	assert.True(t, all[0].RecordedAt.Equal(testutil.Epoch))

	assert.Equal(t, changed.Diffs, all[1].Diffs)
	assert.Equal(t, "payload missing", all[2].Problem)

	only, err := s.Diffs(ctx, "demo", StatusDiff)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "c1", only[0].EntityID)

	n, err := s.CountDiffs(ctx, "demo", EntityForm)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStateQueryDiffsFilters(t *testing.T) {
	s := openTestState(t)
	ctx := t.Context()
	for _, rec := range []*DiffRecord{
		{Domain: "demo", EntityType: EntityForm, EntityID: "f1", Status: StatusDiff},
		{Domain: "demo", EntityType: EntityCase, EntityID: "c1", Status: StatusDiff},
		{Domain: "demo", EntityType: EntityCase, EntityID: "c2", Status: StatusClean},
	} {
		rec.RecordedAt = testutil.Epoch
		require.NoError(t, s.RecordDiff(ctx, rec))
	}

	cases, err := s.QueryDiffs(ctx, "demo", DiffFilter{EntityType: EntityCase})
	require.NoError(t, err)
	require.Len(t, cases, 2)

	one, err := s.QueryDiffs(ctx, "demo", DiffFilter{EntityType: EntityCase, Status: StatusDiff})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "c1", one[0].EntityID)

	byID, err := s.QueryDiffs(ctx, "demo", DiffFilter{EntityID: "c2"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, StatusClean, byID[0].Status)
}

func TestStateOpenDiffsUsesLatestRecord(t *testing.T) {
	s := openTestState(t)
	ctx := t.Context()
	record := func(id string, status Status) {
		require.NoError(t, s.RecordDiff(ctx, &DiffRecord{
			Domain: "demo", EntityType: EntityCase, EntityID: id, Status: status, RecordedAt: testutil.Epoch,
		}))
	}
	record("c1", StatusDiff)
	record("c2", StatusDiff)
	record("c3", StatusClean)
	record("c1", StatusClean)
	record("c3", StatusDiff)

	open, err := s.OpenDiffs(ctx, "demo", EntityCase)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c3"}, open)

	open, err = s.OpenDiffs(ctx, "demo", EntityForm)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStateCasePass(t *testing.T) {
	s := openTestState(t)
	ctx := t.Context()

	pass, err := s.CasePass(ctx, "demo")
	require.NoError(t, err)
	assert.Nil(t, pass)

	require.NoError(t, s.RecordDiff(ctx, &DiffRecord{
		Domain: "demo", EntityType: EntityCase, EntityID: "old", Status: StatusDiff, RecordedAt: testutil.Epoch,
	}))
	pass, err = s.StartCasePass(ctx, "demo", testutil.Epoch)
	require.NoError(t, err)
	assert.False(t, pass.Finished())

	require.NoError(t, s.RecordDiff(ctx, &DiffRecord{
		Domain: "demo", EntityType: EntityCase, EntityID: "c1", Status: StatusClean, RecordedAt: testutil.Epoch,
	}))
	checked, err := s.CheckedCases(ctx, "demo", pass.AfterID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"c1": true}, checked, "records before the pass do not count")

	require.NoError(t, s.FinishCasePass(ctx, "demo", testutil.Epoch.Add(time.Minute)))
	pass, err = s.CasePass(ctx, "demo")
	require.NoError(t, err)
	require.True(t, pass.Finished())
	assert.True(t, pass.FinishedAt.Equal(testutil.Epoch.Add(time.Minute)))

	restarted, err := s.StartCasePass(ctx, "demo", testutil.Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, restarted.Finished())
	assert.Greater(t, restarted.AfterID, pass.AfterID)
}
