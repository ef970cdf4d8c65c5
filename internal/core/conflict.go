package core

// conflict.go classifies the points where two versions disagree relative to
// their common base. Both sides are diffed against the base concurrently and
// the two diffs are overlaid:
//
//   - cell_value: the same cell changed to different values on both sides,
//     or a column added on both sides with different values in a shared row
//   - row_deleted_vs_modified: one side deleted a row the other side edited
//   - column_type: a column added on both sides with incompatible types
//   - structural: a column removed on one side and edited on the other,
//     different rows inserted at the same anchor, or the same new key
//     inserted with different content
//
// The output order is fully determined by the inputs.

import (
	"context"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetvc/internal/metrics"
)

// Structural conflict markers, stored in Location.Marker.
const (
	MarkerColumnRemoved = "column_removed_vs_modified"
	MarkerInsert        = "insert"
	MarkerDuplicateKey  = "duplicate_key"
	MarkerDeletedInA    = "deleted_in_a"
	MarkerDeletedInB    = "deleted_in_b"
	MarkerColumn        = "column"
)

// Values recorded on a column-removed conflict.
const (
	sideRemoved  = "removed"
	sideModified = "modified"
)

// ConflictDetector finds conflicts between two versions and their base.
type ConflictDetector struct {
	diffs   *DiffEngine
	memo    *lru.Cache[string, []*Conflict]
	metrics *metrics.Metrics
}

// NewConflictDetector creates a ConflictDetector that memoizes up to memoSize results.
func NewConflictDetector(diffs *DiffEngine, memoSize int, m *metrics.Metrics) (*ConflictDetector, error) {
	if memoSize <= 0 {
		memoSize = 128
	}
	memo, err := lru.New[string, []*Conflict](memoSize)
	if err != nil {
		return nil, err
	}
	return &ConflictDetector{diffs: diffs, memo: memo, metrics: m}, nil
}

// Detect returns the conflicts of merging a and b over base. The returned
// conflicts are fresh copies carrying the three version ids, unresolved and
// without ids.
func (d *ConflictDetector) Detect(ctx context.Context, base, a, b Snapshot, opts DiffOptions) ([]*Conflict, error) {
	if base.Version != nil && a.Version != nil && b.Version != nil {
		if err := SameSpreadsheet(base.Version, a.Version, b.Version); err != nil {
			return nil, err
		}
	}

	hb, err := snapshotHash(base)
	if err != nil {
		return nil, err
	}
	ha, err := snapshotHash(a)
	if err != nil {
		return nil, err
	}
	hbb, err := snapshotHash(b)
	if err != nil {
		return nil, err
	}
	key := hb + ":" + ha + ":" + hbb + ":" + diffCacheKey("", "", opts)

	if cached, ok := d.memo.Get(key); ok {
		return stampConflicts(cached, base, a, b), nil
	}

	var da, db *Diff
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		da, err = d.diffs.Diff(gctx, base, a, opts)
		return err
	})
	g.Go(func() error {
		var err error
		db, err = d.diffs.Diff(gctx, base, b, opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	conflicts := classify(base.Grid, a.Grid, b.Grid, da, db, opts)
	for _, c := range conflicts {
		d.metrics.ConflictDetected(string(c.Type))
	}
	d.memo.Add(key, conflicts)
	return stampConflicts(conflicts, base, a, b), nil
}

func stampConflicts(in []*Conflict, base, a, b Snapshot) []*Conflict {
	out := make([]*Conflict, len(in))
	for i, c := range in {
		cc := c.Clone()
		if base.Version != nil {
			cc.BaseVersionID = base.Version.ID
		}
		if a.Version != nil {
			cc.VersionAID = a.Version.ID
		}
		if b.Version != nil {
			cc.VersionBID = b.Version.ID
		}
		out[i] = cc
	}
	return out
}

type cellKey struct {
	row int
	col string
}

// sideView indexes one side's diff against the base.
type sideView struct {
	grid        *Grid
	diff        *Diff
	baseToSide  map[int]int
	deleted     map[int]bool
	changes     map[cellKey]CellChange
	changedRows map[int]bool
	addedRows   []int
	addedCols   map[string]bool
	removedCols map[string]bool

	// inserts maps an anchor base row (-1 for the top) to the side rows
	// inserted directly after it.
	inserts map[int][]int
}

func newSideView(g *Grid, d *Diff) *sideView {
	s := &sideView{
		grid:        g,
		diff:        d,
		baseToSide:  make(map[int]int, len(d.matches)),
		deleted:     make(map[int]bool),
		changes:     make(map[cellKey]CellChange),
		changedRows: make(map[int]bool),
		addedCols:   make(map[string]bool),
		removedCols: make(map[string]bool),
		inserts:     make(map[int][]int),
	}
	sideToBase := make(map[int]int, len(d.matches))
	for _, p := range d.matches {
		s.baseToSide[p.From] = p.To
		sideToBase[p.To] = p.From
	}
	for _, r := range d.RemovedRows {
		s.deleted[*r.FromIndex] = true
	}
	for _, c := range d.CellChanges {
		s.changes[cellKey{row: *c.Row.FromIndex, col: c.Column}] = c
		s.changedRows[*c.Row.FromIndex] = true
	}
	for _, h := range d.AddedColumns {
		s.addedCols[h] = true
	}
	for _, h := range d.RemovedColumns {
		s.removedCols[h] = true
	}

	added := make(map[int]bool, len(d.AddedRows))
	for _, r := range d.AddedRows {
		added[*r.ToIndex] = true
	}
	anchor := -1
	for j := range g.Rows {
		if b, ok := sideToBase[j]; ok {
			anchor = b
			continue
		}
		if added[j] {
			s.inserts[anchor] = append(s.inserts[anchor], j)
			s.addedRows = append(s.addedRows, j)
		}
	}
	return s
}

// cell returns the side's value of column col for base row i, if the row
// survives on that side and the column exists there.
func (s *sideView) cell(i int, col string) (Value, bool) {
	j, ok := s.baseToSide[i]
	if !ok {
		return nil, false
	}
	ci := s.grid.ColumnIndex(col)
	if ci < 0 {
		return nil, false
	}
	return s.grid.Rows[j][ci], true
}

func (s *sideView) touchesColumn(col string) bool {
	for k := range s.changes {
		if k.col == col {
			return true
		}
	}
	return false
}

func classify(base, ga, gb *Grid, da, db *Diff, opts DiffOptions) []*Conflict {
	n := newNormalizer(opts)
	sa, sb := newSideView(ga, da), newSideView(gb, db)

	keyCol := da.KeyColumn()
	if keyCol != db.KeyColumn() {
		keyCol = ""
	}
	rowKey := func(i int) string {
		if keyCol == "" {
			return ""
		}
		return ValueText(base.Rows[i][base.ColumnIndex(keyCol)])
	}
	at := func(i int, col, marker string) Location {
		return Location{RowIndex: intPtr(i), RowKey: rowKey(i), Column: col, Marker: marker}
	}

	var out []*Conflict
	add := func(c *Conflict) {
		c.Status = StatusUnresolved
		out = append(out, c)
	}

	for k, ca := range sa.changes {
		cb, ok := sb.changes[k]
		if !ok || n.equal(ca.NewValue, cb.NewValue) {
			continue
		}
		add(&Conflict{
			Type:      ConflictCellValue,
			Location:  at(k.row, k.col, ""),
			BaseValue: ca.OldValue,
			ValueA:    ca.NewValue,
			ValueB:    cb.NewValue,
		})
	}

	for i := range sa.deleted {
		if !sb.changedRows[i] {
			continue
		}
		add(&Conflict{
			Type:      ConflictRowDeletedVsModified,
			Location:  at(i, "", MarkerDeletedInA),
			BaseValue: base.RowMap(i),
			ValueA:    nil,
			ValueB:    gb.RowMap(sb.baseToSide[i]),
		})
	}
	for i := range sb.deleted {
		if !sa.changedRows[i] {
			continue
		}
		add(&Conflict{
			Type:      ConflictRowDeletedVsModified,
			Location:  at(i, "", MarkerDeletedInB),
			BaseValue: base.RowMap(i),
			ValueA:    ga.RowMap(sa.baseToSide[i]),
			ValueB:    nil,
		})
	}

	for _, col := range da.AddedColumns {
		if !sb.addedCols[col] {
			continue
		}
		ta, tb := InferColumnType(ga.Column(col)), InferColumnType(gb.Column(col))
		if !TypesCompatible(ta, tb) {
			add(&Conflict{
				Type:     ConflictColumnType,
				Location: Location{Column: col, Marker: MarkerColumn},
				ValueA:   string(ta),
				ValueB:   string(tb),
			})
			continue
		}
		for i := range base.Rows {
			va, okA := sa.cell(i, col)
			vb, okB := sb.cell(i, col)
			if !okA || !okB || n.equal(va, vb) {
				continue
			}
			add(&Conflict{
				Type:     ConflictCellValue,
				Location: at(i, col, ""),
				ValueA:   va,
				ValueB:   vb,
			})
		}
	}

	for _, col := range da.RemovedColumns {
		if !sb.removedCols[col] && sb.touchesColumn(col) {
			add(&Conflict{
				Type:     ConflictStructural,
				Location: Location{Column: col, Marker: MarkerColumnRemoved},
				ValueA:   sideRemoved,
				ValueB:   sideModified,
			})
		}
	}
	for _, col := range db.RemovedColumns {
		if !sa.removedCols[col] && sa.touchesColumn(col) {
			add(&Conflict{
				Type:     ConflictStructural,
				Location: Location{Column: col, Marker: MarkerColumnRemoved},
				ValueA:   sideModified,
				ValueB:   sideRemoved,
			})
		}
	}

	if keyCol != "" {
		for _, c := range duplicateKeyConflicts(sa, sb, keyCol, n) {
			add(c)
		}
	} else {
		for anchor, rowsA := range sa.inserts {
			rowsB, ok := sb.inserts[anchor]
			if !ok || sameRows(ga, rowsA, gb, rowsB, n) {
				continue
			}
			add(&Conflict{
				Type:           ConflictStructural,
				Location:       Location{RowIndex: intPtr(anchor), Marker: MarkerInsert},
				ValueA:         rowMaps(ga, rowsA),
				ValueB:         rowMaps(gb, rowsB),
				AutoResolvable: true,
			})
		}
	}

	sortConflicts(out, base, ga, gb)
	return out
}

func duplicateKeyConflicts(sa, sb *sideView, keyCol string, n *normalizer) []*Conflict {
	ka, kb := sa.grid.ColumnIndex(keyCol), sb.grid.ColumnIndex(keyCol)
	byKey := make(map[string]int, len(sa.addedRows))
	for _, j := range sa.addedRows {
		byKey[n.key(sa.grid.Rows[j][ka])] = j
	}
	var out []*Conflict
	for _, j := range sb.addedRows {
		ja, ok := byKey[n.key(sb.grid.Rows[j][kb])]
		if !ok || sameRow(sa.grid, ja, sb.grid, j, n) {
			continue
		}
		out = append(out, &Conflict{
			Type:     ConflictStructural,
			Location: Location{RowKey: ValueText(sb.grid.Rows[j][kb]), Column: keyCol, Marker: MarkerDuplicateKey},
			ValueA:   sa.grid.RowMap(ja),
			ValueB:   sb.grid.RowMap(j),
		})
	}
	return out
}

// sameRow compares two rows by column name; a missing column reads as null.
func sameRow(ga *Grid, i int, gb *Grid, j int, n *normalizer) bool {
	for ci, h := range ga.Headers {
		var vb Value
		if cj := gb.ColumnIndex(h); cj >= 0 {
			vb = gb.Rows[j][cj]
		}
		if !n.equal(ga.Rows[i][ci], vb) {
			return false
		}
	}
	for cj, h := range gb.Headers {
		if ga.ColumnIndex(h) < 0 && gb.Rows[j][cj] != nil {
			return false
		}
	}
	return true
}

func sameRows(ga *Grid, ra []int, gb *Grid, rb []int, n *normalizer) bool {
	if len(ra) != len(rb) {
		return false
	}
	for k := range ra {
		if !sameRow(ga, ra[k], gb, rb[k], n) {
			return false
		}
	}
	return true
}

func rowMaps(g *Grid, rows []int) []map[string]Value {
	out := make([]map[string]Value, len(rows))
	for k, j := range rows {
		out[k] = g.RowMap(j)
	}
	return out
}

var conflictTypeOrder = map[ConflictType]int{
	ConflictStructural:           0,
	ConflictColumnType:           1,
	ConflictRowDeletedVsModified: 2,
	ConflictCellValue:            3,
}

// sortConflicts orders conflicts by row (column-level conflicts first), row
// key, column position, type and marker.
func sortConflicts(cs []*Conflict, base, ga, gb *Grid) {
	colPos := func(name string) int {
		if name == "" {
			return -1
		}
		if i := base.ColumnIndex(name); i >= 0 {
			return i
		}
		if i := ga.ColumnIndex(name); i >= 0 {
			return len(base.Headers) + i
		}
		return len(base.Headers) + len(ga.Headers) + gb.ColumnIndex(name)
	}
	row := func(c *Conflict) int {
		if c.Location.RowIndex == nil {
			return -2
		}
		return *c.Location.RowIndex
	}
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if ra, rb := row(a), row(b); ra != rb {
			return ra < rb
		}
		if a.Location.RowKey != b.Location.RowKey {
			return a.Location.RowKey < b.Location.RowKey
		}
		if pa, pb := colPos(a.Location.Column), colPos(b.Location.Column); pa != pb {
			return pa < pb
		}
		if ta, tb := conflictTypeOrder[a.Type], conflictTypeOrder[b.Type]; ta != tb {
			return ta < tb
		}
		return a.Location.Marker < b.Location.Marker
	})
}
