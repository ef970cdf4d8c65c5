// Package store persists version metadata, merge requests and conflicts.
//
// Two implementations of core.Repository live here: Memory, used by tests,
// the CLI and servers started without DATABASE_URL, and Postgres, which runs
// sqlx over the pgx stdlib driver. Both enforce the same conditional update
// rules so that merge resolution stays race-free with either backend.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// Memory is an in-process repository. All returned values are copies.
type Memory struct {
	mu sync.RWMutex

	seq       int64
	versions  map[string]*core.Version
	bySheet   map[string][]string // version ids in sequence order
	byHash    map[string][]string
	merges    map[string]*memoryMerge
	conflicts map[string]*core.Conflict
}

// memoryMerge stores a merge request without its conflicts, which are kept
// by id so they can be updated individually.
type memoryMerge struct {
	mr          *core.MergeRequest
	conflictIDs []string
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		versions:  make(map[string]*core.Version),
		bySheet:   make(map[string][]string),
		byHash:    make(map[string][]string),
		merges:    make(map[string]*memoryMerge),
		conflicts: make(map[string]*core.Conflict),
	}
}

var _ core.Repository = (*Memory)(nil)

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) InsertVersion(ctx context.Context, v *core.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertLocked(v)
}

func (m *Memory) AppendVersion(ctx context.Context, v *core.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v.ParentIDs = nil
	if ids := m.bySheet[v.SpreadsheetID]; len(ids) > 0 {
		v.ParentIDs = []string{ids[len(ids)-1]}
	}
	return m.insertLocked(v)
}

// insertLocked stores v and assigns its sequence. Caller holds the write lock.
func (m *Memory) insertLocked(v *core.Version) error {
	if _, exists := m.versions[v.ID]; exists {
		return core.NewValidationError("id", "version %s already exists", v.ID)
	}
	for _, p := range v.ParentIDs {
		if _, ok := m.versions[p]; !ok {
			return core.NotFound("version", p)
		}
	}

	m.seq++
	v.Sequence = m.seq
	m.versions[v.ID] = v.Clone()
	m.bySheet[v.SpreadsheetID] = append(m.bySheet[v.SpreadsheetID], v.ID)
	m.byHash[v.ContentHash] = append(m.byHash[v.ContentHash], v.ID)
	return nil
}

func (m *Memory) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, core.NotFound("version", id)
	}
	return v.Clone(), nil
}

func (m *Memory) ListVersions(ctx context.Context, spreadsheetID string) ([]*core.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(m.bySheet[spreadsheetID]), nil
}

func (m *Memory) VersionsByContentHash(ctx context.Context, hash string) ([]*core.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(m.byHash[hash]), nil
}

// collect clones the versions for ids. Caller holds the lock.
func (m *Memory) collect(ids []string) []*core.Version {
	out := make([]*core.Version, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.versions[id].Clone())
	}
	return out
}

func (m *Memory) InsertMergeRequest(ctx context.Context, mr *core.MergeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.merges[mr.ID]; exists {
		return core.NewValidationError("id", "merge request %s already exists", mr.ID)
	}
	if !mr.Status.IsTerminal() {
		if _, ok := m.findOpen(mr.BaseVersionID, mr.VersionAID, mr.VersionBID); ok {
			return core.NewValidationError("merge_request", "an open merge request already exists for these versions")
		}
	}

	stored := &memoryMerge{mr: mr.Clone(), conflictIDs: make([]string, len(mr.Conflicts))}
	stored.mr.Conflicts = nil
	for i, c := range mr.Conflicts {
		m.conflicts[c.ID] = c.Clone()
		stored.conflictIDs[i] = c.ID
	}
	m.merges[mr.ID] = stored
	return nil
}

func (m *Memory) GetMergeRequest(ctx context.Context, id string) (*core.MergeRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.merges[id]
	if !ok {
		return nil, core.NotFound("merge request", id)
	}
	return m.assemble(stored), nil
}

func (m *Memory) FindOpenMergeRequest(ctx context.Context, baseID, aID, bID string) (*core.MergeRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.findOpen(baseID, aID, bID)
	if !ok {
		return nil, core.NotFound("merge request", baseID+":"+aID+":"+bID)
	}
	return m.assemble(stored), nil
}

func (m *Memory) findOpen(baseID, aID, bID string) (*memoryMerge, bool) {
	for _, stored := range m.merges {
		mr := stored.mr
		if mr.Status.IsTerminal() {
			continue
		}
		if mr.BaseVersionID == baseID && mr.VersionAID == aID && mr.VersionBID == bID {
			return stored, true
		}
	}
	return nil, false
}

// assemble rebuilds a merge request with copies of its conflicts.
func (m *Memory) assemble(stored *memoryMerge) *core.MergeRequest {
	mr := stored.mr.Clone()
	mr.Conflicts = make([]*core.Conflict, len(stored.conflictIDs))
	for i, id := range stored.conflictIDs {
		mr.Conflicts[i] = m.conflicts[id].Clone()
	}
	return mr
}

func (m *Memory) UpdateMergeRequest(ctx context.Context, mr *core.MergeRequest, from core.MergeStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.merges[mr.ID]
	if !ok {
		return core.NotFound("merge request", mr.ID)
	}
	if stored.mr.Status != from {
		return &core.ConflictStateError{
			Resource: "merge request",
			ID:       mr.ID,
			State:    string(stored.mr.Status),
			Message:  "status changed concurrently",
		}
	}

	stored.mr.Status = mr.Status
	stored.mr.Strategy = mr.Strategy
	stored.mr.MergedVersionID = mr.MergedVersionID
	stored.mr.UpdatedAt = mr.UpdatedAt
	return nil
}

func (m *Memory) GetConflict(ctx context.Context, id string) (*core.Conflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conflicts[id]
	if !ok {
		return nil, core.NotFound("conflict", id)
	}
	return c.Clone(), nil
}

func (m *Memory) ResolveConflict(ctx context.Context, c *core.Conflict) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conflicts[c.ID]
	if !ok {
		return core.NotFound("conflict", c.ID)
	}
	if stored.IsResolved() {
		return &core.ConflictStateError{
			Resource: "conflict",
			ID:       c.ID,
			State:    string(stored.Status),
			Message:  "conflict is already resolved",
		}
	}

	stored.Status = c.Status
	stored.ResolvedValue = c.ResolvedValue
	stored.ResolvedBy = c.ResolvedBy
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		stored.ResolvedAt = &t
	}
	return nil
}

func (m *Memory) PurgeMergeRequests(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, stored := range m.merges {
		if stored.mr.Status.IsTerminal() && stored.mr.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, cid := range m.merges[id].conflictIDs {
			delete(m.conflicts, cid)
		}
		delete(m.merges, id)
	}
	return len(ids), nil
}
