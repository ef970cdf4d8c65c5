package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetvc/internal/config"
	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/store"
)

// testClock is a settable clock shared with background jobs.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T, clock func() time.Time) *core.Service {
	t.Helper()
	svc, err := core.NewService(core.Deps{
		Repository: store.NewMemory(),
		Blobs:      core.NewMemoryBlobStore(),
		Clock:      clock,
	}, config.Default())
	require.NoError(t, err)
	return svc
}

func csv(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func create(t *testing.T, svc *core.Service, sheet, parentID string, lines ...string) *core.Version {
	t.Helper()
	res, err := svc.CreateVersion(context.Background(), core.CreateVersionRequest{
		SpreadsheetID: sheet,
		Payload:       csv(lines...),
		Format:        core.FormatCSV,
		ParentID:      parentID,
	})
	require.NoError(t, err)
	return res.Version
}

// conflicting returns a base and two edits that disagree on one cell.
func conflicting(t *testing.T, svc *core.Service) (base, a, b *core.Version) {
	t.Helper()
	base = create(t, svc, "inventory", "", "id,name,qty", "1,apple,3", "2,pear,5")
	a = create(t, svc, "inventory", base.ID, "id,name,qty", "1,apple,4", "2,pear,5")
	b = create(t, svc, "inventory", base.ID, "id,name,qty", "1,apple,7", "2,pear,6")
	return base, a, b
}

func TestService_CreateVersionExtendsHead(t *testing.T) {
	svc := newService(t, nil)

	v1 := create(t, svc, "sheet", "", "a", "1")
	v2 := create(t, svc, "sheet", "", "a", "2")
	v3 := create(t, svc, "sheet", "", "a", "1")

	assert.Empty(t, v1.ParentIDs)
	assert.Equal(t, []string{v1.ID}, v2.ParentIDs)
	assert.Equal(t, []string{v2.ID}, v3.ParentIDs)
	assert.Equal(t, v1.ContentHash, v3.ContentHash, "same content hashes the same")
	assert.Less(t, v1.Sequence, v2.Sequence)
	assert.Less(t, v2.Sequence, v3.Sequence)

	byHash, err := svc.VersionsByHash(context.Background(), v1.ContentHash)
	require.NoError(t, err)
	assert.Len(t, byHash, 2)
}

func TestService_CreateVersionRejectsUnknownParent(t *testing.T) {
	svc := newService(t, nil)

	_, err := svc.CreateVersion(context.Background(), core.CreateVersionRequest{
		SpreadsheetID: "sheet",
		Payload:       csv("a", "1"),
		Format:        core.FormatCSV,
		ParentID:      "missing",
	})
	assert.ErrorIs(t, err, core.ErrNotFound)

	list, err := svc.ListVersions(context.Background(), "sheet")
	require.NoError(t, err)
	assert.Empty(t, list, "a rejected upload leaves no version behind")
}

func TestService_RejectedParentStoresNothing(t *testing.T) {
	ctx := context.Background()
	blobs := core.NewMemoryBlobStore()
	svc, err := core.NewService(core.Deps{
		Repository: store.NewMemory(),
		Blobs:      blobs,
	}, config.Default())
	require.NoError(t, err)

	foreign := create(t, svc, "other", "", "id,name", "1,apple")
	root := create(t, svc, "mine", "", "id,name", "1,pear")
	before := blobs.Count()

	tests := []struct {
		name string
		req  core.CreateVersionRequest
	}{
		{
			name: "parent from another spreadsheet",
			req:  core.CreateVersionRequest{SpreadsheetID: "mine", ParentID: foreign.ID},
		},
		{
			name: "parent with detached",
			req:  core.CreateVersionRequest{SpreadsheetID: "mine", ParentID: root.ID, Detached: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Payload = csv("id,name", "1,fresh content")
			tt.req.Format = core.FormatCSV

			_, err := svc.CreateVersion(ctx, tt.req)

			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "parent_id", verr.Field)
			assert.Equal(t, before, blobs.Count(), "no content written")

			list, err := svc.ListVersions(ctx, "mine")
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestService_ConcurrentCreatesFormLinearChain(t *testing.T) {
	svc := newService(t, nil)
	const n = 12

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := svc.CreateVersion(context.Background(), core.CreateVersionRequest{
				SpreadsheetID: "shared",
				Payload:       csv("n", strings.Repeat("x", i+1)),
				Format:        core.FormatCSV,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	versions, err := svc.ListVersions(context.Background(), "shared")
	require.NoError(t, err)
	require.Len(t, versions, n)

	roots := 0
	parents := make(map[string]bool)
	for _, v := range versions {
		switch len(v.ParentIDs) {
		case 0:
			roots++
		case 1:
			assert.False(t, parents[v.ParentIDs[0]], "version %s has two children", v.ParentIDs[0])
			parents[v.ParentIDs[0]] = true
		default:
			t.Fatalf("version %s has %d parents", v.ID, len(v.ParentIDs))
		}
	}
	assert.Equal(t, 1, roots)
	assert.Len(t, parents, n-1)
}

func TestService_CommonAncestorThroughMergeVersion(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	base := create(t, svc, "sheet", "", "id,v", "1,a", "2,b")
	a := create(t, svc, "sheet", base.ID, "id,v", "1,x", "2,b")
	b := create(t, svc, "sheet", base.ID, "id,v", "1,a", "2,y")

	outcome, err := svc.Merge(ctx, a.ID, b.ID, core.StrategyManualReview)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeMerged, outcome.Status)
	merged := outcome.MergedVersion
	assert.ElementsMatch(t, []string{a.ID, b.ID}, merged.ParentIDs)

	c := create(t, svc, "sheet", merged.ID, "id,v", "1,x", "2,y", "3,c")
	d := create(t, svc, "sheet", b.ID, "id,v", "1,a", "2,z")

	for _, pair := range [][2]string{{c.ID, d.ID}, {d.ID, c.ID}} {
		anc, err := svc.CommonAncestor(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.Equal(t, b.ID, anc.ID)
	}

	self, err := svc.CommonAncestor(ctx, a.ID, merged.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, self.ID, "a version is its own ancestor")
}

func TestService_CrossSpreadsheetRejected(t *testing.T) {
	svc := newService(t, nil)
	x := create(t, svc, "x", "", "a", "1")
	y := create(t, svc, "y", "", "a", "1")

	_, err := svc.Diff(context.Background(), x.ID, y.ID, core.DiffOptions{})
	assert.ErrorIs(t, err, core.ErrCrossSpreadsheet)

	_, err = svc.Merge(context.Background(), x.ID, y.ID, core.StrategyLatestWins)
	assert.ErrorIs(t, err, core.ErrCrossSpreadsheet)
}

func TestService_DetectConflictsReusesOpenRequest(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	base, a, b := conflicting(t, svc)

	first, err := svc.DetectConflicts(ctx, base.ID, a.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, first.Conflicts, 1)
	require.NotNil(t, first.MergeRequest)
	assert.False(t, first.Reused)

	second, err := svc.DetectConflicts(ctx, base.ID, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.MergeRequest.ID, second.MergeRequest.ID)
	assert.Equal(t, first.Conflicts[0].ID, second.Conflicts[0].ID)
}

func TestService_ManualResolutionFinalizesOnce(t *testing.T) {
	svc := newService(t, nil)
	base, a, b := conflicting(t, svc)

	detected, err := svc.DetectConflicts(context.Background(), base.ID, a.ID, b.ID)
	require.NoError(t, err)
	mrID := detected.MergeRequest.ID
	conflict := detected.Conflicts[0]

	_, err = svc.FinalizeMerge(context.Background(), mrID)
	assert.ErrorIs(t, err, core.ErrConflictState, "unresolved conflicts block finalizing")

	ctx := core.ContextWithActor(context.Background(), "alice")
	outcome, err := svc.ResolveConflict(ctx, conflict.ID, "5")
	require.NoError(t, err)
	require.Equal(t, core.OutcomeMerged, outcome.Status)
	merged := outcome.MergedVersion

	mr, err := svc.GetMergeRequest(context.Background(), mrID)
	require.NoError(t, err)
	assert.Equal(t, core.MergeResolved, mr.Status)
	assert.Equal(t, merged.ID, mr.MergedVersionID)
	assert.Equal(t, "user:alice", mr.Conflicts[0].ResolvedBy)
	assert.Equal(t, "5", mr.Conflicts[0].ResolvedValue)
	assert.NotNil(t, mr.Conflicts[0].ResolvedAt)

	snap, err := svc.VersionData(context.Background(), merged.ID)
	require.NoError(t, err)
	assert.Equal(t, [][]core.Value{{"1", "apple", "5"}, {"2", "pear", "6"}}, snap.Grid.Rows)

	again, err := svc.FinalizeMerge(context.Background(), mrID)
	require.NoError(t, err)
	assert.Equal(t, merged.ID, again.MergedVersion.ID, "finalizing twice returns the same version")

	_, err = svc.ResolveConflict(ctx, conflict.ID, "9")
	assert.ErrorIs(t, err, core.ErrConflictState)

	_, err = svc.AbandonMerge(context.Background(), mrID)
	assert.ErrorIs(t, err, core.ErrConflictState)
}

func TestService_ResolveConflictWithoutActor(t *testing.T) {
	svc := newService(t, nil)
	base, a, b := conflicting(t, svc)

	detected, err := svc.DetectConflicts(context.Background(), base.ID, a.ID, b.ID)
	require.NoError(t, err)
	_, err = svc.ResolveConflict(context.Background(), detected.Conflicts[0].ID, "4")
	require.NoError(t, err)

	mr, err := svc.GetMergeRequest(context.Background(), detected.MergeRequest.ID)
	require.NoError(t, err)
	assert.Equal(t, "manual", mr.Conflicts[0].ResolvedBy)
}

func TestService_MergeStrategies(t *testing.T) {
	tests := []struct {
		name       string
		strategy   core.Strategy
		wantStatus core.OutcomeStatus
		wantQty    core.Value
	}{
		{name: "manual review leaves the conflict", strategy: core.StrategyManualReview, wantStatus: core.OutcomeRequiresManualResolution},
		{name: "auto merge skips cell conflicts", strategy: core.StrategyAutoMerge, wantStatus: core.OutcomeRequiresManualResolution},
		{name: "latest wins takes b", strategy: core.StrategyLatestWins, wantStatus: core.OutcomeMerged, wantQty: "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t, nil)
			_, a, b := conflicting(t, svc)

			outcome, err := svc.Merge(context.Background(), a.ID, b.ID, tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, outcome.Status)

			if tt.wantStatus != core.OutcomeMerged {
				assert.Len(t, outcome.Unresolved, 1)
				assert.Equal(t, 0, outcome.AutoResolved)
				return
			}
			assert.Equal(t, 1, outcome.AutoResolved)
			snap, err := svc.VersionData(context.Background(), outcome.MergedVersion.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantQty, snap.Grid.Rows[0][2])
		})
	}
}

func TestService_MergeRejectsSelfAndUnknownStrategy(t *testing.T) {
	svc := newService(t, nil)
	_, a, b := conflicting(t, svc)

	_, err := svc.Merge(context.Background(), a.ID, a.ID, core.StrategyLatestWins)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = svc.Merge(context.Background(), a.ID, b.ID, core.Strategy("coin_flip"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestService_AbandonThenResolveRejected(t *testing.T) {
	svc := newService(t, nil)
	base, a, b := conflicting(t, svc)

	detected, err := svc.DetectConflicts(context.Background(), base.ID, a.ID, b.ID)
	require.NoError(t, err)

	mr, err := svc.AbandonMerge(context.Background(), detected.MergeRequest.ID)
	require.NoError(t, err)
	assert.Equal(t, core.MergeAbandoned, mr.Status)

	_, err = svc.ResolveMerge(context.Background(), mr.ID, core.StrategyLatestWins)
	assert.ErrorIs(t, err, core.ErrConflictState)

	reopened, err := svc.DetectConflicts(context.Background(), base.ID, a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, reopened.Reused)
	assert.NotEqual(t, mr.ID, reopened.MergeRequest.ID)
}

func TestService_RetentionPurgesClosedMergeRequests(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := newService(t, clock.Now)
	base, a, b := conflicting(t, svc)
	other := create(t, svc, "inventory", base.ID, "id,name,qty", "1,apple,8", "2,pear,5")

	closed, err := svc.DetectConflicts(context.Background(), base.ID, a.ID, b.ID)
	require.NoError(t, err)
	_, err = svc.AbandonMerge(context.Background(), closed.MergeRequest.ID)
	require.NoError(t, err)

	open, err := svc.DetectConflicts(context.Background(), base.ID, a.ID, other.ID)
	require.NoError(t, err)
	require.NotNil(t, open.MergeRequest)

	clock.Advance(31 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.StartRetentionScheduler(ctx, core.RetentionConfig{MaxAge: 30 * 24 * time.Hour, CheckInterval: time.Hour})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := svc.GetMergeRequest(context.Background(), closed.MergeRequest.ID)
		return errors.Is(err, core.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	kept, err := svc.GetMergeRequest(context.Background(), open.MergeRequest.ID)
	require.NoError(t, err)
	assert.Equal(t, core.MergePending, kept.Status)

	_, err = svc.GetVersion(context.Background(), a.ID)
	assert.NoError(t, err, "versions are never purged")
}

func TestService_DisjointEditsMergeCleanly(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	base := create(t, svc, "people", "", "ID,Name", "1,Alice", "2,Bob")
	a := create(t, svc, "people", base.ID, "ID,Name", "1,Alice", "2,Bob", "3,Carol")
	b := create(t, svc, "people", base.ID, "ID,Name", "1,Alice", "2,Robert")

	detected, err := svc.DetectConflicts(ctx, base.ID, a.ID, b.ID)
	require.NoError(t, err)
	assert.Empty(t, detected.Conflicts)
	assert.Nil(t, detected.MergeRequest)

	outcome, err := svc.Merge(ctx, a.ID, b.ID, core.StrategyManualReview)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeMerged, outcome.Status)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, outcome.MergedVersion.ParentIDs)

	snap, err := svc.VersionData(ctx, outcome.MergedVersion.ID)
	require.NoError(t, err)
	assert.Equal(t, [][]core.Value{{"1", "Alice"}, {"2", "Robert"}, {"3", "Carol"}}, snap.Grid.Rows)
}

func TestService_DivergentEditConflicts(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	base := create(t, svc, "people", "", "ID,Name", "1,Alice", "2,Bob")
	a := create(t, svc, "people", base.ID, "ID,Name", "1,Alice", "2,Robert")
	b := create(t, svc, "people", base.ID, "ID,Name", "1,Alice", "2,Bobby")

	outcome, err := svc.Merge(ctx, a.ID, b.ID, core.StrategyManualReview)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeRequiresManualResolution, outcome.Status)
	require.Len(t, outcome.Unresolved, 1)

	c := outcome.Unresolved[0]
	assert.Equal(t, core.ConflictCellValue, c.Type)
	assert.Equal(t, "2", c.Location.RowKey)
	assert.Equal(t, "Name", c.Location.Column)
	assert.Equal(t, "Bob", c.BaseValue)
	assert.Equal(t, "Robert", c.ValueA)
	assert.Equal(t, "Bobby", c.ValueB)
	assert.Equal(t, core.StatusUnresolved, c.Status)
	assert.Nil(t, outcome.MergedVersion)
}
