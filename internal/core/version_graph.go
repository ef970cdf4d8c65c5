package core

// version_graph.go maintains the DAG of versions. Versions are immutable
// once written; a version's parents always exist and belong to the same
// spreadsheet, so the graph is acyclic by construction.

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VersionGraph creates versions and answers ancestry queries.
type VersionGraph struct {
	repo  Repository
	locks *keyedMutex
	now   func() time.Time
}

// NewVersionGraph creates a VersionGraph. A nil clock means time.Now.
func NewVersionGraph(repo Repository, clock func() time.Time) *VersionGraph {
	if clock == nil {
		clock = time.Now
	}
	return &VersionGraph{repo: repo, locks: newKeyedMutex(), now: clock}
}

// CreateVersionInput describes a new single-parent version.
type CreateVersionInput struct {
	SpreadsheetID string
	ContentHash   string
	Grid          *Grid

	// ParentID overrides the default parent (the spreadsheet head).
	ParentID string
	// Detached creates a new root even when the spreadsheet has versions.
	Detached      bool
	ChangeSummary string
}

// CreateVersion records a version of a spreadsheet. Without an explicit
// parent the version extends the current head, or becomes the root of a new
// spreadsheet. Creation is serialized per spreadsheet.
func (g *VersionGraph) CreateVersion(ctx context.Context, in CreateVersionInput) (*Version, error) {
	if strings.TrimSpace(in.SpreadsheetID) == "" {
		return nil, NewValidationError("spreadsheet_id", "is required")
	}
	if in.ContentHash == "" || in.Grid == nil {
		return nil, NewValidationError("content", "content hash and grid are required")
	}
	if in.Detached && in.ParentID != "" {
		return nil, NewValidationError("parent_id", "cannot be combined with detached")
	}

	unlock := g.locks.Lock(in.SpreadsheetID)
	defer unlock()

	if in.ParentID == "" && !in.Detached {
		v := g.newVersion(in.SpreadsheetID, in.ContentHash, in.Grid, nil, in.ChangeSummary)
		if err := g.repo.AppendVersion(ctx, v); err != nil {
			return nil, Unavailable("append version", err)
		}
		slog.Debug("version appended",
			"version_id", v.ID,
			"spreadsheet_id", v.SpreadsheetID,
			"parents", v.ParentIDs,
			"content_hash", v.ContentHash,
		)
		return v, nil
	}

	var parents []string
	if in.ParentID != "" {
		p, err := g.repo.GetVersion(ctx, in.ParentID)
		if err != nil {
			return nil, Unavailable("get parent", err)
		}
		if p.SpreadsheetID != in.SpreadsheetID {
			return nil, NewValidationError("parent_id", "version %s belongs to spreadsheet %s", p.ID, p.SpreadsheetID)
		}
		parents = []string{p.ID}
	}

	v := g.newVersion(in.SpreadsheetID, in.ContentHash, in.Grid, parents, in.ChangeSummary)
	if err := g.repo.InsertVersion(ctx, v); err != nil {
		return nil, Unavailable("insert version", err)
	}

	slog.Debug("version created",
		"version_id", v.ID,
		"spreadsheet_id", v.SpreadsheetID,
		"parents", v.ParentIDs,
		"content_hash", v.ContentHash,
	)
	return v, nil
}

// CreateMergeVersion records a version with two or more parents.
func (g *VersionGraph) CreateMergeVersion(ctx context.Context, spreadsheetID, hash string, grid *Grid, parentIDs []string, summary string) (*Version, error) {
	if len(parentIDs) < 2 {
		return nil, NewValidationError("parent_ids", "a merge version needs at least two parents")
	}
	seen := make(map[string]bool, len(parentIDs))
	for _, id := range parentIDs {
		if seen[id] {
			return nil, NewValidationError("parent_ids", "duplicate parent %s", id)
		}
		seen[id] = true
	}

	unlock := g.locks.Lock(spreadsheetID)
	defer unlock()

	for _, id := range parentIDs {
		p, err := g.repo.GetVersion(ctx, id)
		if err != nil {
			return nil, Unavailable("get parent", err)
		}
		if p.SpreadsheetID != spreadsheetID {
			return nil, NewValidationError("parent_ids", "version %s belongs to spreadsheet %s", p.ID, p.SpreadsheetID)
		}
	}

	v := g.newVersion(spreadsheetID, hash, grid, append([]string(nil), parentIDs...), summary)
	if err := g.repo.InsertVersion(ctx, v); err != nil {
		return nil, Unavailable("insert version", err)
	}
	slog.Debug("merge version created", "version_id", v.ID, "parents", v.ParentIDs)
	return v, nil
}

func (g *VersionGraph) newVersion(spreadsheetID, hash string, grid *Grid, parents []string, summary string) *Version {
	return &Version{
		ID:            uuid.New().String(),
		SpreadsheetID: spreadsheetID,
		ContentHash:   hash,
		ParentIDs:     parents,
		RowCount:      grid.RowCount(),
		ColumnCount:   grid.ColumnCount(),
		ColumnHeaders: append([]string(nil), grid.Headers...),
		ChangeSummary: summary,
		CreatedAt:     g.now().UTC(),
	}
}

// Get returns a version by id.
func (g *VersionGraph) Get(ctx context.Context, id string) (*Version, error) {
	v, err := g.repo.GetVersion(ctx, id)
	if err != nil {
		return nil, Unavailable("get version", err)
	}
	return v, nil
}

// List returns every version of a spreadsheet in creation order. An unknown
// spreadsheet has no versions.
func (g *VersionGraph) List(ctx context.Context, spreadsheetID string) ([]*Version, error) {
	versions, err := g.repo.ListVersions(ctx, spreadsheetID)
	if err != nil {
		return nil, Unavailable("list versions", err)
	}
	return versions, nil
}

// ByContentHash returns every version, in any spreadsheet, whose grid has the hash.
func (g *VersionGraph) ByContentHash(ctx context.Context, hash string) ([]*Version, error) {
	versions, err := g.repo.VersionsByContentHash(ctx, hash)
	if err != nil {
		return nil, Unavailable("versions by hash", err)
	}
	return versions, nil
}

// SameSpreadsheet returns a CrossSpreadsheetError unless all versions share a spreadsheet.
func SameSpreadsheet(versions ...*Version) error {
	for _, v := range versions[1:] {
		if v.SpreadsheetID != versions[0].SpreadsheetID {
			return &CrossSpreadsheetError{
				VersionA:     versions[0].ID,
				SpreadsheetA: versions[0].SpreadsheetID,
				VersionB:     v.ID,
				SpreadsheetB: v.SpreadsheetID,
			}
		}
	}
	return nil
}

// CommonAncestor returns the lowest common ancestor of two versions. A
// version counts as its own ancestor. When several lowest candidates exist
// (criss-cross merges) the most recently created wins, then the smallest id.
func (g *VersionGraph) CommonAncestor(ctx context.Context, aID, bID string) (*Version, error) {
	a, err := g.Get(ctx, aID)
	if err != nil {
		return nil, err
	}
	b, err := g.Get(ctx, bID)
	if err != nil {
		return nil, err
	}
	if err := SameSpreadsheet(a, b); err != nil {
		return nil, err
	}

	all, err := g.repo.ListVersions(ctx, a.SpreadsheetID)
	if err != nil {
		return nil, Unavailable("list versions", err)
	}
	byID := make(map[string]*Version, len(all))
	for _, v := range all {
		byID[v.ID] = v
	}

	ancA := ancestors(byID, a.ID)
	ancB := ancestors(byID, b.ID)

	var common []*Version
	for id := range ancA {
		if ancB[id] {
			common = append(common, byID[id])
		}
	}
	if len(common) == 0 {
		return nil, NotFound("common ancestor", a.ID+","+b.ID)
	}

	// Drop every candidate that is a proper ancestor of another candidate.
	lowest := common[:0:0]
	for _, c := range common {
		dominated := false
		for _, other := range common {
			if other.ID == c.ID {
				continue
			}
			if ancestors(byID, other.ID)[c.ID] {
				dominated = true
				break
			}
		}
		if !dominated {
			lowest = append(lowest, c)
		}
	}

	sort.Slice(lowest, func(i, j int) bool {
		if lowest[i].Sequence != lowest[j].Sequence {
			return lowest[i].Sequence > lowest[j].Sequence
		}
		return lowest[i].ID < lowest[j].ID
	})
	return lowest[0], nil
}

// ancestors walks parent links breadth-first and returns every reachable id,
// including start.
func ancestors(byID map[string]*Version, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		v, ok := byID[id]
		if !ok {
			continue
		}
		for _, p := range v.ParentIDs {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen
}

// describeParents is used in merge change summaries.
func describeParents(ids []string) string {
	short := make([]string, len(ids))
	for i, id := range ids {
		if len(id) > 8 {
			id = id[:8]
		}
		short[i] = id
	}
	return fmt.Sprintf("merge of %s", strings.Join(short, " and "))
}
