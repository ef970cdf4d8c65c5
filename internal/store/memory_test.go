package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/store"
)

func newVersion(id, sheet, hash string, parents ...string) *core.Version {
	return &core.Version{
		ID:            id,
		SpreadsheetID: sheet,
		ContentHash:   hash,
		ParentIDs:     parents,
		ColumnHeaders: []string{"id"},
		ColumnCount:   1,
		CreatedAt:     time.Now().UTC(),
	}
}

func newMergeRequest(id string, conflictIDs ...string) *core.MergeRequest {
	now := time.Now().UTC()
	mr := &core.MergeRequest{
		ID:            id,
		SpreadsheetID: "sheet",
		BaseVersionID: "base",
		VersionAID:    "a",
		VersionBID:    "b",
		Status:        core.MergePending,
		Strategy:      core.StrategyManualReview,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, cid := range conflictIDs {
		mr.Conflicts = append(mr.Conflicts, &core.Conflict{
			ID:             cid,
			MergeRequestID: id,
			Type:           core.ConflictCellValue,
			Status:         core.StatusUnresolved,
			ValueA:         "x",
			ValueB:         "y",
		})
	}
	return mr
}

func TestMemory_Versions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	v1 := newVersion("v1", "sheet", "h1")
	require.NoError(t, m.InsertVersion(ctx, v1))
	v2 := newVersion("v2", "sheet", "h2", "v1")
	require.NoError(t, m.InsertVersion(ctx, v2))
	other := newVersion("o1", "other", "h1")
	require.NoError(t, m.InsertVersion(ctx, other))

	assert.Equal(t, int64(1), v1.Sequence)
	assert.Equal(t, int64(2), v2.Sequence)
	assert.Equal(t, int64(3), other.Sequence)

	got, err := m.GetVersion(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, v2, got)

	list, err := m.ListVersions(ctx, "sheet")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v1", list[0].ID)
	assert.Equal(t, "v2", list[1].ID)

	byHash, err := m.VersionsByContentHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, byHash, 2)
	assert.Equal(t, "v1", byHash[0].ID)
	assert.Equal(t, "o1", byHash[1].ID)

	empty, err := m.ListVersions(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemory_VersionErrors(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	_, err := m.GetVersion(ctx, "nope")
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "version", nf.Resource)

	err = m.InsertVersion(ctx, newVersion("v2", "sheet", "h", "missing-parent"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, m.InsertVersion(ctx, newVersion("v1", "sheet", "h")))
	err = m.InsertVersion(ctx, newVersion("v1", "sheet", "h"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestMemory_AppendVersion(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	root := newVersion("v1", "sheet", "h1", "stale")
	require.NoError(t, m.AppendVersion(ctx, root))
	assert.Nil(t, root.ParentIDs, "first append starts the chain")

	require.NoError(t, m.InsertVersion(ctx, newVersion("o1", "other", "h1")))

	next := newVersion("v2", "sheet", "h2")
	require.NoError(t, m.AppendVersion(ctx, next))
	assert.Equal(t, []string{"v1"}, next.ParentIDs)

	got, err := m.GetVersion(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, got.ParentIDs)
}

func TestMemory_ConcurrentAppendsFormChain(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.AppendVersion(ctx, newVersion(fmt.Sprintf("v%02d", i), "sheet", "h")))
		}(i)
	}
	wg.Wait()

	list, err := m.ListVersions(ctx, "sheet")
	require.NoError(t, err)
	require.Len(t, list, n)
	assert.Empty(t, list[0].ParentIDs)
	for i := 1; i < n; i++ {
		assert.Equal(t, []string{list[i-1].ID}, list[i].ParentIDs, "version %d", i)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	v := newVersion("v1", "sheet", "h")
	require.NoError(t, m.InsertVersion(ctx, v))
	v.ColumnHeaders[0] = "changed"

	got, err := m.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "id", got.ColumnHeaders[0])
	got.ColumnHeaders[0] = "again"

	again, err := m.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "id", again.ColumnHeaders[0])

	require.NoError(t, m.InsertMergeRequest(ctx, newMergeRequest("mr1", "c1")))
	mr, err := m.GetMergeRequest(ctx, "mr1")
	require.NoError(t, err)
	mr.Conflicts[0].Status = core.StatusResolved

	c, err := m.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnresolved, c.Status)
}

func TestMemory_MergeRequests(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	mr := newMergeRequest("mr1", "c1", "c2")
	require.NoError(t, m.InsertMergeRequest(ctx, mr))

	got, err := m.GetMergeRequest(ctx, "mr1")
	require.NoError(t, err)
	require.Len(t, got.Conflicts, 2)
	assert.Equal(t, "c1", got.Conflicts[0].ID)
	assert.Equal(t, "c2", got.Conflicts[1].ID)

	open, err := m.FindOpenMergeRequest(ctx, "base", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "mr1", open.ID)

	_, err = m.FindOpenMergeRequest(ctx, "base", "b", "a")
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = m.InsertMergeRequest(ctx, newMergeRequest("mr2"))
	assert.ErrorIs(t, err, core.ErrValidation, "only one open request per triple")

	_, err = m.GetMergeRequest(ctx, "missing")
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "merge request", nf.Resource)
}

func TestMemory_UpdateMergeRequestIsConditional(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertMergeRequest(ctx, newMergeRequest("mr1", "c1")))

	mr, err := m.GetMergeRequest(ctx, "mr1")
	require.NoError(t, err)
	mr.Status = core.MergeAbandoned
	require.NoError(t, m.UpdateMergeRequest(ctx, mr, core.MergePending))

	mr.Status = core.MergeResolved
	err = m.UpdateMergeRequest(ctx, mr, core.MergePending)
	var stateErr *core.ConflictStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, string(core.MergeAbandoned), stateErr.State)

	got, err := m.GetMergeRequest(ctx, "mr1")
	require.NoError(t, err)
	assert.Equal(t, core.MergeAbandoned, got.Status)

	_, err = m.FindOpenMergeRequest(ctx, "base", "a", "b")
	assert.ErrorIs(t, err, core.ErrNotFound, "abandoned requests are not open")

	err = m.UpdateMergeRequest(ctx, newMergeRequest("missing"), core.MergePending)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemory_ResolveConflictOnlyOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertMergeRequest(ctx, newMergeRequest("mr1", "c1")))

	c, err := m.GetConflict(ctx, "c1")
	require.NoError(t, err)
	now := time.Now().UTC()
	c.Status = core.StatusResolved
	c.ResolvedValue = "x"
	c.ResolvedBy = "user:alice"
	c.ResolvedAt = &now
	require.NoError(t, m.ResolveConflict(ctx, c))

	err = m.ResolveConflict(ctx, c)
	var stateErr *core.ConflictStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "conflict", stateErr.Resource)

	mr, err := m.GetMergeRequest(ctx, "mr1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, mr.Conflicts[0].Status)
	assert.Equal(t, "x", mr.Conflicts[0].ResolvedValue)
	assert.Equal(t, "user:alice", mr.Conflicts[0].ResolvedBy)

	err = m.ResolveConflict(ctx, &core.Conflict{ID: "missing"})
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "conflict", nf.Resource)
}

func TestMemory_PurgeMergeRequests(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	old := time.Now().UTC().Add(-48 * time.Hour)

	closed := newMergeRequest("closed", "c1")
	closed.Status = core.MergeResolved
	closed.UpdatedAt = old
	require.NoError(t, m.InsertMergeRequest(ctx, closed))

	open := newMergeRequest("open", "c2")
	open.UpdatedAt = old
	require.NoError(t, m.InsertMergeRequest(ctx, open))

	recent := newMergeRequest("recent", "c3")
	recent.BaseVersionID = "other"
	recent.Status = core.MergeAbandoned
	require.NoError(t, m.InsertMergeRequest(ctx, recent))

	n, err := m.PurgeMergeRequests(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetMergeRequest(ctx, "closed")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = m.GetConflict(ctx, "c1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.GetMergeRequest(ctx, "open")
	assert.NoError(t, err)
	_, err = m.GetMergeRequest(ctx, "recent")
	assert.NoError(t, err)
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.NewMemory().GetVersion(ctx, "v1")
	assert.ErrorIs(t, err, context.Canceled)
}
