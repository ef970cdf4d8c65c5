package core

import (
	"context"
	"time"
)

// Value is a single cell value. Cells hold nil, string, float64 or bool.
type Value = any

// Grid is the cell content of a version: ordered headers and rows aligned with them.
type Grid struct {
	Headers []string  `json:"headers"`
	Rows    [][]Value `json:"rows"`
}

// Snapshot pairs a version with its materialized grid.
// DiffEngine, ConflictDetector and MergeResolver operate on snapshots.
type Snapshot struct {
	Version *Version
	Grid    *Grid
}

// Version is one immutable snapshot of a logical spreadsheet.
type Version struct {
	ID            string    `json:"id"`
	SpreadsheetID string    `json:"spreadsheet_id"`
	ContentHash   string    `json:"content_hash"`
	ParentIDs     []string  `json:"parent_ids"`
	RowCount      int       `json:"row_count"`
	ColumnCount   int       `json:"column_count"`
	ColumnHeaders []string  `json:"column_headers"`
	ChangeSummary string    `json:"change_summary,omitempty"`
	Sequence      int64     `json:"sequence"`
	CreatedAt     time.Time `json:"created_at"`
}

// ParentID returns the primary parent, or "" for a root version.
func (v *Version) ParentID() string {
	if len(v.ParentIDs) == 0 {
		return ""
	}
	return v.ParentIDs[0]
}

// IsMerge reports whether the version has more than one parent.
func (v *Version) IsMerge() bool {
	return len(v.ParentIDs) > 1
}

// HasParent reports whether id is one of the version's parents.
func (v *Version) HasParent(id string) bool {
	for _, p := range v.ParentIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the version.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	c := *v
	c.ParentIDs = append([]string(nil), v.ParentIDs...)
	c.ColumnHeaders = append([]string(nil), v.ColumnHeaders...)
	return &c
}

// DiffOptions controls how cell values are compared.
// A diff computed under different options is a different artifact.
type DiffOptions struct {
	IgnoreWhitespace bool   `json:"ignore_whitespace" yaml:"ignore_whitespace"`
	IgnoreCase       bool   `json:"ignore_case" yaml:"ignore_case"`
	DetailedChanges  bool   `json:"detailed_changes" yaml:"detailed_changes"`
	IDColumn         string `json:"id_column,omitempty" yaml:"id_column,omitempty"`
}

// RowRef identifies a row on either side of a diff.
type RowRef struct {
	FromIndex *int             `json:"from_index,omitempty" yaml:"from_index,omitempty"`
	ToIndex   *int             `json:"to_index,omitempty" yaml:"to_index,omitempty"`
	Key       string           `json:"key,omitempty" yaml:"key,omitempty"`
	Values    map[string]Value `json:"values,omitempty" yaml:"values,omitempty"`
}

// CellChange is a single differing cell. Values are the raw, unnormalized ones.
type CellChange struct {
	Row      RowRef `json:"row" yaml:"row"`
	Column   string `json:"column" yaml:"column"`
	OldValue Value  `json:"old_value" yaml:"old_value"`
	NewValue Value  `json:"new_value" yaml:"new_value"`
}

// DiffStats summarizes a diff.
type DiffStats struct {
	AddedRows      int `json:"added_rows" yaml:"added_rows"`
	RemovedRows    int `json:"removed_rows" yaml:"removed_rows"`
	AddedColumns   int `json:"added_columns" yaml:"added_columns"`
	RemovedColumns int `json:"removed_columns" yaml:"removed_columns"`
	ChangedCells   int `json:"changed_cells" yaml:"changed_cells"`
	ChangedRows    int `json:"changed_rows" yaml:"changed_rows"`
}

// Diff is the computed delta between two versions.
type Diff struct {
	FromVersionID  string       `json:"from_version_id" yaml:"from_version_id"`
	ToVersionID    string       `json:"to_version_id" yaml:"to_version_id"`
	FromHash       string       `json:"from_hash" yaml:"from_hash"`
	ToHash         string       `json:"to_hash" yaml:"to_hash"`
	Alignment      string       `json:"alignment" yaml:"alignment"`
	AddedRows      []RowRef     `json:"added_rows" yaml:"added_rows"`
	RemovedRows    []RowRef     `json:"removed_rows" yaml:"removed_rows"`
	AddedColumns   []string     `json:"added_columns" yaml:"added_columns"`
	RemovedColumns []string     `json:"removed_columns" yaml:"removed_columns"`
	CellChanges    []CellChange `json:"cell_changes" yaml:"cell_changes"`
	Options        DiffOptions  `json:"options" yaml:"options"`
	Stats          DiffStats    `json:"stats" yaml:"stats"`

	// matches holds the aligned (from, to) row pairs; used by the merge.
	matches []rowPair
}

// IsEmpty reports whether the diff carries no changes at all.
func (d *Diff) IsEmpty() bool {
	return len(d.AddedRows) == 0 && len(d.RemovedRows) == 0 &&
		len(d.AddedColumns) == 0 && len(d.RemovedColumns) == 0 &&
		len(d.CellChanges) == 0
}

// ConflictType classifies a conflict.
type ConflictType string

const (
	ConflictCellValue            ConflictType = "cell_value"
	ConflictRowDeletedVsModified ConflictType = "row_deleted_vs_modified"
	ConflictColumnType           ConflictType = "column_type"
	ConflictStructural           ConflictType = "structural"
)

// ResolutionStatus is the state of a single conflict.
type ResolutionStatus string

const (
	StatusUnresolved ResolutionStatus = "unresolved"
	StatusResolved   ResolutionStatus = "resolved"
)

// Choice tokens used as resolved values of row, column and structural conflicts.
const (
	ChoiceA    = "a"
	ChoiceB    = "b"
	ChoiceBase = "base"
	ChoiceBoth = "both"
)

// Location identifies where a conflict sits relative to the base version.
// RowIndex is the base row; for inserted rows it is the anchor row the
// insertions follow (-1 for the top of the sheet).
type Location struct {
	RowIndex *int   `json:"row_index,omitempty" yaml:"row_index,omitempty"`
	RowKey   string `json:"row_key,omitempty" yaml:"row_key,omitempty"`
	Column   string `json:"column,omitempty" yaml:"column,omitempty"`
	Marker   string `json:"marker,omitempty" yaml:"marker,omitempty"`
}

// Conflict is a point where two versions disagree relative to their base.
type Conflict struct {
	ID             string           `json:"id" yaml:"id,omitempty"`
	MergeRequestID string           `json:"merge_request_id,omitempty" yaml:"merge_request_id,omitempty"`
	BaseVersionID  string           `json:"base_version_id" yaml:"base_version_id"`
	VersionAID     string           `json:"version_a_id" yaml:"version_a_id"`
	VersionBID     string           `json:"version_b_id" yaml:"version_b_id"`
	Type           ConflictType     `json:"conflict_type" yaml:"conflict_type"`
	Location       Location         `json:"location" yaml:"location"`
	BaseValue      Value            `json:"base_value" yaml:"base_value"`
	ValueA         Value            `json:"value_a" yaml:"value_a"`
	ValueB         Value            `json:"value_b" yaml:"value_b"`
	AutoResolvable bool             `json:"auto_resolvable" yaml:"auto_resolvable"`
	Status         ResolutionStatus `json:"resolution_status" yaml:"resolution_status"`
	ResolvedValue  Value            `json:"resolved_value,omitempty" yaml:"resolved_value,omitempty"`
	ResolvedBy     string           `json:"resolved_by,omitempty" yaml:"resolved_by,omitempty"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// IsResolved reports whether the conflict has a resolution.
func (c *Conflict) IsResolved() bool {
	return c.Status == StatusResolved
}

// Clone returns a copy of the conflict. Values are shared; they are never mutated in place.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	cc := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cc.ResolvedAt = &t
	}
	if c.Location.RowIndex != nil {
		i := *c.Location.RowIndex
		cc.Location.RowIndex = &i
	}
	return &cc
}

// MergeStatus is the state of a merge request.
type MergeStatus string

const (
	MergePending           MergeStatus = "pending"
	MergePartiallyResolved MergeStatus = "partially_resolved"
	MergeResolved          MergeStatus = "resolved"
	MergeAbandoned         MergeStatus = "abandoned"
)

// mergeTransitions lists the legal state changes of a merge request.
var mergeTransitions = map[MergeStatus][]MergeStatus{
	MergePending:           {MergePartiallyResolved, MergeResolved, MergeAbandoned},
	MergePartiallyResolved: {MergeResolved, MergeAbandoned},
}

// CanTransition reports whether a merge request may move from s to next.
func (s MergeStatus) CanTransition(next MergeStatus) bool {
	for _, allowed := range mergeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s MergeStatus) IsTerminal() bool {
	return s == MergeResolved || s == MergeAbandoned
}

// MergeRequest groups the conflicts of one merge attempt.
type MergeRequest struct {
	ID              string      `json:"id"`
	SpreadsheetID   string      `json:"spreadsheet_id"`
	BaseVersionID   string      `json:"base_version_id"`
	VersionAID      string      `json:"version_a_id"`
	VersionBID      string      `json:"version_b_id"`
	Status          MergeStatus `json:"status"`
	Strategy        Strategy    `json:"strategy"`
	MergedVersionID string      `json:"merged_version_id,omitempty"`
	Conflicts       []*Conflict `json:"conflicts"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Unresolved returns the conflicts still waiting for a decision.
func (m *MergeRequest) Unresolved() []*Conflict {
	var out []*Conflict
	for _, c := range m.Conflicts {
		if !c.IsResolved() {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy of the merge request and its conflicts.
func (m *MergeRequest) Clone() *MergeRequest {
	if m == nil {
		return nil
	}
	c := *m
	c.Conflicts = make([]*Conflict, len(m.Conflicts))
	for i, cf := range m.Conflicts {
		c.Conflicts[i] = cf.Clone()
	}
	return &c
}

// OutcomeStatus reports what a resolve call achieved.
type OutcomeStatus string

const (
	OutcomeMerged                   OutcomeStatus = "merged"
	OutcomeRequiresManualResolution OutcomeStatus = "requires_manual_resolution"
)

// MergeOutcome is the result of applying a strategy.
type MergeOutcome struct {
	Status        OutcomeStatus `json:"status"`
	MergeRequest  *MergeRequest `json:"merge_request,omitempty"`
	MergedVersion *Version      `json:"merged_version,omitempty"`
	Unresolved    []*Conflict   `json:"unresolved,omitempty"`
	AutoResolved  int           `json:"auto_resolved"`
}

// Repository persists version metadata, merge requests and conflicts.
// Implementations live in internal/store.
//
// InsertVersion assigns v.Sequence, a per-repository counter that orders
// versions by insertion. AppendVersion sets v.ParentIDs to the spreadsheet's
// current head (none for a new spreadsheet) and inserts v atomically, so
// concurrent appends to one spreadsheet always form a chain, across
// processes too. UpdateMergeRequest and ResolveConflict are
// conditional: they fail with a ConflictStateError when the stored status no
// longer matches the expected one.
type Repository interface {
	InsertVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, id string) (*Version, error)
	ListVersions(ctx context.Context, spreadsheetID string) ([]*Version, error)
	AppendVersion(ctx context.Context, v *Version) error
	VersionsByContentHash(ctx context.Context, hash string) ([]*Version, error)

	InsertMergeRequest(ctx context.Context, mr *MergeRequest) error
	GetMergeRequest(ctx context.Context, id string) (*MergeRequest, error)
	FindOpenMergeRequest(ctx context.Context, baseID, aID, bID string) (*MergeRequest, error)
	UpdateMergeRequest(ctx context.Context, mr *MergeRequest, from MergeStatus) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ResolveConflict(ctx context.Context, c *Conflict) error
	PurgeMergeRequests(ctx context.Context, before time.Time) (int, error)
}
