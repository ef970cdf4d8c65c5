package core

// align.go pairs the rows of two grids.
//
// Positional alignment trims the common prefix and suffix, then runs a
// weighted edit distance over the remaining rows:
//   - pairing two rows costs the number of differing common cells, and is
//     only allowed when at least one common cell is equal
//   - deleting or inserting a row costs the number of common columns
//
// Ties prefer pairing, then deleting, then inserting, so lower original
// indexes win. Above the configured cell budget the middle falls back to a
// greedy monotonic match of identical rows, and each gap between matches is
// aligned on its own.

import (
	"hash/fnv"
	"sort"
)

// rowPair links a row of the old grid to a row of the new grid.
type rowPair struct {
	From int `json:"f"`
	To   int `json:"t"`
}

type alignment struct {
	pairs   []rowPair
	removed []int
	added   []int
}

// nullText marks a null cell so it never equals an empty string.
const nullText = "\x00"

// rowTexts holds the normalized text of each row's common cells.
type rowTexts struct {
	cells  [][]string
	hashes []uint64
}

func buildRowTexts(g *Grid, colIdx []int, n *normalizer) rowTexts {
	rt := rowTexts{
		cells:  make([][]string, len(g.Rows)),
		hashes: make([]uint64, len(g.Rows)),
	}
	for i, row := range g.Rows {
		cells := make([]string, len(colIdx))
		h := fnv.New64a()
		for k, ci := range colIdx {
			cells[k] = n.key(row[ci])
			h.Write([]byte(cells[k]))
			h.Write([]byte{0x1f})
		}
		rt.cells[i] = cells
		rt.hashes[i] = h.Sum64()
	}
	return rt
}

func rowsEqual(a rowTexts, i int, b rowTexts, j int) bool {
	if a.hashes[i] != b.hashes[j] {
		return false
	}
	for k := range a.cells[i] {
		if a.cells[i][k] != b.cells[j][k] {
			return false
		}
	}
	return true
}

// pairCost returns the number of differing cells and whether the rows may be paired.
func pairCost(a rowTexts, i int, b rowTexts, j int, width int) (int, bool) {
	if rowsEqual(a, i, b, j) {
		return 0, true
	}
	diff := 0
	for k := range a.cells[i] {
		if a.cells[i][k] != b.cells[j][k] {
			diff++
		}
	}
	return diff, diff < width
}

// lessTexts orders two row sets by their row hashes. It picks the canonical
// side so that aligning a→b and b→a give mirrored results.
func lessTexts(a, b rowTexts) bool {
	for i := 0; i < len(a.hashes) && i < len(b.hashes); i++ {
		if a.hashes[i] != b.hashes[i] {
			return a.hashes[i] < b.hashes[i]
		}
	}
	return len(a.hashes) < len(b.hashes)
}

func alignPositional(a, b rowTexts, width, maxCells int) alignment {
	m, n := len(a.cells), len(b.cells)
	var out alignment

	p := 0
	for p < m && p < n && rowsEqual(a, p, b, p) {
		out.pairs = append(out.pairs, rowPair{From: p, To: p})
		p++
	}
	ea, eb := m, n
	for ea > p && eb > p && rowsEqual(a, ea-1, b, eb-1) {
		ea--
		eb--
	}

	mid := alignRange(a, b, p, ea, p, eb, width, maxCells)
	out.pairs = append(out.pairs, mid.pairs...)
	out.removed = append(out.removed, mid.removed...)
	out.added = append(out.added, mid.added...)

	for k := 0; k < m-ea; k++ {
		out.pairs = append(out.pairs, rowPair{From: ea + k, To: eb + k})
	}
	return out
}

func alignRange(a, b rowTexts, a0, a1, b0, b1, width, maxCells int) alignment {
	var out alignment
	switch {
	case a1 == a0:
		for j := b0; j < b1; j++ {
			out.added = append(out.added, j)
		}
		return out
	case b1 == b0:
		for i := a0; i < a1; i++ {
			out.removed = append(out.removed, i)
		}
		return out
	}
	if int64(a1-a0)*int64(b1-b0) <= int64(maxCells) {
		return dpAlign(a, b, a0, a1, b0, b1, width)
	}
	return greedyAlign(a, b, a0, a1, b0, b1, width, maxCells)
}

// dpAlign computes the minimum-cost alignment of a[a0:a1] against b[b0:b1].
// cost[i][j] is the cheapest alignment of the suffixes starting at i and j.
func dpAlign(a, b rowTexts, a0, a1, b0, b1, width int) alignment {
	M, N := a1-a0, b1-b0
	ind := width
	if ind == 0 {
		ind = 1
	}
	cols := N + 1
	cost := make([]int, (M+1)*cols)
	at := func(i, j int) int { return i*cols + j }

	for j := 0; j <= N; j++ {
		cost[at(M, j)] = (N - j) * ind
	}
	for i := 0; i <= M; i++ {
		cost[at(i, N)] = (M - i) * ind
	}
	for i := M - 1; i >= 0; i-- {
		for j := N - 1; j >= 0; j-- {
			best := ind + cost[at(i+1, j)]
			if c := ind + cost[at(i, j+1)]; c < best {
				best = c
			}
			if d, ok := pairCost(a, a0+i, b, b0+j, width); ok {
				if c := d + cost[at(i+1, j+1)]; c <= best {
					best = c
				}
			}
			cost[at(i, j)] = best
		}
	}

	var out alignment
	i, j := 0, 0
	for i < M && j < N {
		cur := cost[at(i, j)]
		if d, ok := pairCost(a, a0+i, b, b0+j, width); ok && d+cost[at(i+1, j+1)] == cur {
			out.pairs = append(out.pairs, rowPair{From: a0 + i, To: b0 + j})
			i++
			j++
			continue
		}
		if ind+cost[at(i+1, j)] == cur {
			out.removed = append(out.removed, a0+i)
			i++
			continue
		}
		out.added = append(out.added, b0+j)
		j++
	}
	for ; i < M; i++ {
		out.removed = append(out.removed, a0+i)
	}
	for ; j < N; j++ {
		out.added = append(out.added, b0+j)
	}
	return out
}

// greedyAlign anchors identical rows in order, then aligns each gap.
func greedyAlign(a, b rowTexts, a0, a1, b0, b1, width, maxCells int) alignment {
	byHash := make(map[uint64][]int)
	for j := b0; j < b1; j++ {
		byHash[b.hashes[j]] = append(byHash[b.hashes[j]], j)
	}

	var anchors []rowPair
	last := b0 - 1
	for i := a0; i < a1; i++ {
		cands := byHash[a.hashes[i]]
		for len(cands) > 0 && cands[0] <= last {
			cands = cands[1:]
		}
		for k, j := range cands {
			if rowsEqual(a, i, b, j) {
				anchors = append(anchors, rowPair{From: i, To: j})
				last = j
				cands = cands[k+1:]
				break
			}
		}
		byHash[a.hashes[i]] = cands
	}

	var out alignment
	pa, pb := a0, b0
	gap := func(ea, eb int) {
		var g alignment
		if int64(ea-pa)*int64(eb-pb) <= int64(maxCells) {
			g = alignRange(a, b, pa, ea, pb, eb, width, maxCells)
		} else {
			g = pairInOrder(a, b, pa, ea, pb, eb, width)
		}
		out.pairs = append(out.pairs, g.pairs...)
		out.removed = append(out.removed, g.removed...)
		out.added = append(out.added, g.added...)
	}
	for _, an := range anchors {
		gap(an.From, an.To)
		out.pairs = append(out.pairs, an)
		pa, pb = an.From+1, an.To+1
	}
	gap(a1, b1)

	sort.Slice(out.pairs, func(x, y int) bool { return out.pairs[x].From < out.pairs[y].From })
	sort.Ints(out.removed)
	sort.Ints(out.added)
	return out
}

// pairInOrder pairs the k-th row of each side when they share a cell.
func pairInOrder(a, b rowTexts, a0, a1, b0, b1, width int) alignment {
	var out alignment
	i, j := a0, b0
	for ; i < a1 && j < b1; i, j = i+1, j+1 {
		if _, ok := pairCost(a, i, b, j, width); ok {
			out.pairs = append(out.pairs, rowPair{From: i, To: j})
			continue
		}
		out.removed = append(out.removed, i)
		out.added = append(out.added, j)
	}
	for ; i < a1; i++ {
		out.removed = append(out.removed, i)
	}
	for ; j < b1; j++ {
		out.added = append(out.added, j)
	}
	return out
}

func (al alignment) mirror() alignment {
	out := alignment{
		pairs:   make([]rowPair, len(al.pairs)),
		removed: al.added,
		added:   al.removed,
	}
	for i, p := range al.pairs {
		out.pairs[i] = rowPair{From: p.To, To: p.From}
	}
	sort.Slice(out.pairs, func(x, y int) bool { return out.pairs[x].From < out.pairs[y].From })
	return out
}

// alignByKey pairs rows that carry the same key in the key column.
func alignByKey(from, to *Grid, col string, n *normalizer) alignment {
	fi, ti := from.ColumnIndex(col), to.ColumnIndex(col)
	toByKey := make(map[string]int, len(to.Rows))
	for j, row := range to.Rows {
		toByKey[n.key(row[ti])] = j
	}

	var out alignment
	matched := make([]bool, len(to.Rows))
	for i, row := range from.Rows {
		if j, ok := toByKey[n.key(row[fi])]; ok {
			out.pairs = append(out.pairs, rowPair{From: i, To: j})
			matched[j] = true
			continue
		}
		out.removed = append(out.removed, i)
	}
	for j, ok := range matched {
		if !ok {
			out.added = append(out.added, j)
		}
	}
	return out
}
