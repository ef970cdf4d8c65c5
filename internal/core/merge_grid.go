package core

// merge_grid.go builds the merged grid of two versions over their base,
// applying the recorded conflict resolutions.
//
// Columns: base columns not removed, then columns added by A, then those
// added only by B. Rows: base rows in base order, minus deletions, with
// inserted rows placed after their anchor row, A's before B's. Identical
// inserts on both sides appear once.

import "strings"

// choiceOf returns the choice token of a resolved non-cell conflict.
func choiceOf(c *Conflict) string {
	s, _ := c.ResolvedValue.(string)
	return strings.ToLower(s)
}

type resolutionIndex struct {
	cells         map[cellKey]*Conflict
	rows          map[int]*Conflict
	columnTypes   map[string]*Conflict
	columnRemoved map[string]*Conflict
	inserts       map[int]*Conflict
	keys          map[string]*Conflict
}

func indexResolutions(conflicts []*Conflict) resolutionIndex {
	idx := resolutionIndex{
		cells:         make(map[cellKey]*Conflict),
		rows:          make(map[int]*Conflict),
		columnTypes:   make(map[string]*Conflict),
		columnRemoved: make(map[string]*Conflict),
		inserts:       make(map[int]*Conflict),
		keys:          make(map[string]*Conflict),
	}
	for _, c := range conflicts {
		if !c.IsResolved() {
			continue
		}
		loc := c.Location
		switch {
		case c.Type == ConflictCellValue && loc.RowIndex != nil:
			idx.cells[cellKey{row: *loc.RowIndex, col: loc.Column}] = c
		case c.Type == ConflictRowDeletedVsModified && loc.RowIndex != nil:
			idx.rows[*loc.RowIndex] = c
		case c.Type == ConflictColumnType:
			idx.columnTypes[loc.Column] = c
		case loc.Marker == MarkerColumnRemoved:
			idx.columnRemoved[loc.Column] = c
		case loc.Marker == MarkerInsert && loc.RowIndex != nil:
			idx.inserts[*loc.RowIndex] = c
		case loc.Marker == MarkerDuplicateKey:
			idx.keys[loc.RowKey] = c
		}
	}
	return idx
}

type gridMerger struct {
	base   *Grid
	a, b   *sideView
	idx    resolutionIndex
	n      *normalizer
	keyCol string
	cols   []string
	out    *Grid
}

// MergeGrids performs the three-way merge of ga and gb over base. da and db
// must be the diffs base→ga and base→gb. Without a resolution a cell keeps
// A's value and both sides' inserted rows are kept.
func MergeGrids(base, ga, gb *Grid, da, db *Diff, conflicts []*Conflict) *Grid {
	m := &gridMerger{
		base: base,
		a:    newSideView(ga, da),
		b:    newSideView(gb, db),
		idx:  indexResolutions(conflicts),
		n:    newNormalizer(da.Options),
	}
	if k := da.KeyColumn(); k != "" && k == db.KeyColumn() {
		m.keyCol = k
	}
	m.cols = m.mergeColumns()
	m.out = &Grid{Headers: m.cols, Rows: [][]Value{}}

	m.emitInserts(-1)
	for i := range base.Rows {
		if m.keepBaseRow(i) {
			m.out.Rows = append(m.out.Rows, m.baseRow(i))
		}
		m.emitInserts(i)
	}
	return m.out
}

func (m *gridMerger) mergeColumns() []string {
	var cols []string
	for _, h := range m.base.Headers {
		remA, remB := m.a.removedCols[h], m.b.removedCols[h]
		keep := !remA && !remB
		if c := m.idx.columnRemoved[h]; c != nil {
			switch {
			case remA && !remB:
				keep = choiceOf(c) != ChoiceA
			case remB && !remA:
				keep = choiceOf(c) != ChoiceB
			}
		}
		if keep {
			cols = append(cols, h)
		}
	}
	for _, h := range m.a.grid.Headers {
		if m.a.addedCols[h] {
			cols = append(cols, h)
		}
	}
	for _, h := range m.b.grid.Headers {
		if m.b.addedCols[h] && !m.a.addedCols[h] {
			cols = append(cols, h)
		}
	}
	return cols
}

func (m *gridMerger) keepBaseRow(i int) bool {
	delA, delB := m.a.deleted[i], m.b.deleted[i]
	switch {
	case !delA && !delB:
		return true
	case delA && delB:
		return false
	}
	if c := m.idx.rows[i]; c != nil {
		deleter := ChoiceA
		if delB {
			deleter = ChoiceB
		}
		return choiceOf(c) != deleter
	}
	return false
}

func (m *gridMerger) baseRow(i int) []Value {
	baseOnly := false
	if c := m.idx.rows[i]; c != nil && choiceOf(c) == ChoiceBase {
		baseOnly = true
	}
	row := make([]Value, len(m.cols))
	for k, h := range m.cols {
		if bi := m.base.ColumnIndex(h); bi >= 0 {
			row[k] = m.baseCell(i, bi, h, baseOnly)
			continue
		}
		row[k] = m.addedCell(i, h)
	}
	return row
}

func (m *gridMerger) baseCell(i, bi int, h string, baseOnly bool) Value {
	key := cellKey{row: i, col: h}
	if c := m.idx.cells[key]; c != nil {
		return c.ResolvedValue
	}
	if baseOnly {
		return m.base.Rows[i][bi]
	}
	if ch, ok := m.a.changes[key]; ok {
		return ch.NewValue
	}
	if ch, ok := m.b.changes[key]; ok {
		return ch.NewValue
	}
	return m.base.Rows[i][bi]
}

func (m *gridMerger) addedCell(i int, h string) Value {
	va, okA := m.a.cell(i, h)
	vb, okB := m.b.cell(i, h)
	switch {
	case okA && okB:
		if c := m.idx.cells[cellKey{row: i, col: h}]; c != nil {
			return c.ResolvedValue
		}
		if c := m.idx.columnTypes[h]; c != nil && choiceOf(c) == ChoiceB {
			return vb
		}
		return va
	case okA:
		return va
	case okB:
		return vb
	}
	return nil
}

func (m *gridMerger) sideRow(s *sideView, j int) []Value {
	row := make([]Value, len(m.cols))
	for k, h := range m.cols {
		if ci := s.grid.ColumnIndex(h); ci >= 0 {
			row[k] = s.grid.Rows[j][ci]
		}
	}
	return row
}

func (m *gridMerger) emitInserts(anchor int) {
	ra, rb := m.a.inserts[anchor], m.b.inserts[anchor]
	if len(ra) == 0 && len(rb) == 0 {
		return
	}
	if m.keyCol != "" {
		m.emitKeyedInserts(ra, rb)
		return
	}

	takeA, takeB := true, true
	if c := m.idx.inserts[anchor]; c != nil {
		switch choiceOf(c) {
		case ChoiceA:
			takeB = false
		case ChoiceB:
			takeA = false
		}
	} else if len(ra) > 0 && len(rb) > 0 && sameRows(m.a.grid, ra, m.b.grid, rb, m.n) {
		takeB = false
	}
	if takeA {
		for _, j := range ra {
			m.out.Rows = append(m.out.Rows, m.sideRow(m.a, j))
		}
	}
	if takeB {
		for _, j := range rb {
			m.out.Rows = append(m.out.Rows, m.sideRow(m.b, j))
		}
	}
}

// emitKeyedInserts places inserted rows of key-aligned diffs. A key added on
// both sides appears once, at A's position, with the chosen side's content.
func (m *gridMerger) emitKeyedInserts(ra, rb []int) {
	ka, kb := m.a.grid.ColumnIndex(m.keyCol), m.b.grid.ColumnIndex(m.keyCol)
	bByKey := make(map[string]int, len(m.b.addedRows))
	for _, j := range m.b.addedRows {
		bByKey[m.n.key(m.b.grid.Rows[j][kb])] = j
	}
	aKeys := make(map[string]bool, len(m.a.addedRows))
	for _, j := range m.a.addedRows {
		aKeys[m.n.key(m.a.grid.Rows[j][ka])] = true
	}

	for _, j := range ra {
		raw := m.a.grid.Rows[j][ka]
		if jb, ok := bByKey[m.n.key(raw)]; ok {
			if c := m.idx.keys[ValueText(raw)]; c != nil && choiceOf(c) == ChoiceB {
				m.out.Rows = append(m.out.Rows, m.sideRow(m.b, jb))
				continue
			}
		}
		m.out.Rows = append(m.out.Rows, m.sideRow(m.a, j))
	}
	for _, j := range rb {
		if aKeys[m.n.key(m.b.grid.Rows[j][kb])] {
			continue
		}
		m.out.Rows = append(m.out.Rows, m.sideRow(m.b, j))
	}
}
