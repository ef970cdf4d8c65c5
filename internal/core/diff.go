package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/JonMunkholm/sheetvc/internal/metrics"
)

// Alignment modes reported in Diff.Alignment. Key alignment is reported as
// "id:" followed by the key column name.
const (
	AlignmentPositional = "positional"
	alignmentKeyPrefix  = "id:"
)

// DefaultMaxAlignmentCells bounds the edit-distance table of a positional
// diff. Larger row sets fall back to greedy matching.
const DefaultMaxAlignmentCells = 4_000_000

// idHeaders are the header names, compared case-insensitively, that are
// tried as row keys when no key column is requested.
var idHeaders = []string{"id", "row_id", "_id"}

// DiffCache stores encoded diffs. Implementations live in internal/cache;
// a cache failure is a miss, never an error.
type DiffCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// KeyColumn returns the key column used for row alignment, or "".
func (d *Diff) KeyColumn() string {
	if col, ok := strings.CutPrefix(d.Alignment, alignmentKeyPrefix); ok {
		return col
	}
	return ""
}

// DiffEngine computes and caches diffs between snapshots.
type DiffEngine struct {
	cache    DiffCache
	group    singleflight.Group
	maxCells int
	metrics  *metrics.Metrics
}

// NewDiffEngine creates a DiffEngine. cache may be nil.
func NewDiffEngine(cache DiffCache, maxAlignmentCells int, m *metrics.Metrics) *DiffEngine {
	if maxAlignmentCells <= 0 {
		maxAlignmentCells = DefaultMaxAlignmentCells
	}
	return &DiffEngine{cache: cache, maxCells: maxAlignmentCells, metrics: m}
}

// cachedDiff is the cache encoding of a diff, row matches included.
type cachedDiff struct {
	Diff    *Diff     `json:"diff"`
	Matches []rowPair `json:"matches"`
}

// Diff computes the delta that turns from into to. Results are keyed by
// content hashes and options, so equal content always yields the same diff.
func (e *DiffEngine) Diff(ctx context.Context, from, to Snapshot, opts DiffOptions) (*Diff, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fromHash, err := snapshotHash(from)
	if err != nil {
		return nil, err
	}
	toHash, err := snapshotHash(to)
	if err != nil {
		return nil, err
	}

	key := diffCacheKey(fromHash, toHash, opts)
	if d, ok := e.lookup(ctx, key); ok {
		e.metrics.DiffCacheResult(true)
		return stampDiff(d, from, to), nil
	}
	e.metrics.DiffCacheResult(false)

	v, err, _ := e.group.Do(key, func() (any, error) {
		start := time.Now()
		d, err := ComputeDiff(from.Grid, to.Grid, opts, e.maxCells)
		if err != nil {
			return nil, err
		}
		d.FromHash, d.ToHash = fromHash, toHash
		e.metrics.ObserveDiff(alignmentKind(d.Alignment), time.Since(start))
		e.store(ctx, key, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return stampDiff(v.(*Diff), from, to), nil
}

func (e *DiffEngine) lookup(ctx context.Context, key string) (*Diff, bool) {
	if e.cache == nil {
		return nil, false
	}
	b, ok := e.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var cd cachedDiff
	if err := json.Unmarshal(b, &cd); err != nil || cd.Diff == nil {
		slog.Warn("discarding undecodable cached diff", "key", key, "error", err)
		return nil, false
	}
	cd.Diff.matches = cd.Matches
	return cd.Diff, true
}

func (e *DiffEngine) store(ctx context.Context, key string, d *Diff) {
	if e.cache == nil {
		return
	}
	b, err := json.Marshal(cachedDiff{Diff: d, Matches: d.matches})
	if err != nil {
		slog.Warn("diff not cached", "key", key, "error", err)
		return
	}
	e.cache.Set(ctx, key, b)
}

func stampDiff(d *Diff, from, to Snapshot) *Diff {
	out := *d
	if from.Version != nil {
		out.FromVersionID = from.Version.ID
	}
	if to.Version != nil {
		out.ToVersionID = to.Version.ID
	}
	return &out
}

func snapshotHash(s Snapshot) (string, error) {
	if s.Grid == nil {
		return "", NewValidationError("grid", "snapshot has no grid")
	}
	if s.Version != nil && s.Version.ContentHash != "" {
		return s.Version.ContentHash, nil
	}
	hash, _, err := HashGrid(s.Grid)
	return hash, err
}

func diffCacheKey(fromHash, toHash string, opts DiffOptions) string {
	return fmt.Sprintf("diff:v1:%s:%s:%t:%t:%t:%s",
		fromHash, toHash, opts.IgnoreWhitespace, opts.IgnoreCase, opts.DetailedChanges, opts.IDColumn)
}

func alignmentKind(a string) string {
	if strings.HasPrefix(a, alignmentKeyPrefix) {
		return "id"
	}
	return a
}

// normalizer applies the comparison options to cell text. A Caser is
// stateful, so each diff builds its own normalizer.
type normalizer struct {
	trim  bool
	fold  bool
	caser cases.Caser
}

func newNormalizer(opts DiffOptions) *normalizer {
	n := &normalizer{trim: opts.IgnoreWhitespace, fold: opts.IgnoreCase}
	if n.fold {
		n.caser = cases.Fold()
	}
	return n
}

// key returns the comparison text of a value. Null never equals a string.
func (n *normalizer) key(v Value) string {
	if v == nil {
		return nullText
	}
	s := ValueText(v)
	if n.trim {
		s = strings.TrimSpace(s)
	}
	if n.fold {
		s = n.caser.String(s)
	}
	return s
}

func (n *normalizer) equal(a, b Value) bool {
	return n.key(a) == n.key(b)
}

type columnPair struct {
	name     string
	from, to int
}

type columnAlignment struct {
	common  []columnPair
	added   []string
	removed []string
}

// alignColumns matches columns by name. Common columns keep the old order.
func alignColumns(from, to []string) columnAlignment {
	toIdx := make(map[string]int, len(to))
	for i, h := range to {
		toIdx[h] = i
	}
	fromIdx := make(map[string]bool, len(from))
	ca := columnAlignment{added: []string{}, removed: []string{}}
	for i, h := range from {
		fromIdx[h] = true
		if j, ok := toIdx[h]; ok {
			ca.common = append(ca.common, columnPair{name: h, from: i, to: j})
		} else {
			ca.removed = append(ca.removed, h)
		}
	}
	for _, h := range to {
		if !fromIdx[h] {
			ca.added = append(ca.added, h)
		}
	}
	return ca
}

// detectKeyColumn returns the column used to align rows by key, or "" for
// positional alignment. A requested column must exist on both sides with
// unique non-null values.
func detectKeyColumn(from, to *Grid, opts DiffOptions, n *normalizer) (string, error) {
	if opts.IDColumn != "" {
		if from.ColumnIndex(opts.IDColumn) < 0 || to.ColumnIndex(opts.IDColumn) < 0 {
			return "", NewValidationError("id_column", "column %q is not present in both versions", opts.IDColumn)
		}
		if !uniqueKeys(from, opts.IDColumn, n) || !uniqueKeys(to, opts.IDColumn, n) {
			return "", NewValidationError("id_column", "column %q has empty or duplicate values", opts.IDColumn)
		}
		return opts.IDColumn, nil
	}

	for _, want := range idHeaders {
		var cands []string
		for _, h := range from.Headers {
			if strings.EqualFold(h, want) && to.ColumnIndex(h) >= 0 {
				cands = append(cands, h)
			}
		}
		sort.Strings(cands)
		for _, h := range cands {
			if uniqueKeys(from, h, n) && uniqueKeys(to, h, n) {
				return h, nil
			}
		}
	}
	return "", nil
}

func uniqueKeys(g *Grid, col string, n *normalizer) bool {
	idx := g.ColumnIndex(col)
	seen := make(map[string]bool, len(g.Rows))
	for _, row := range g.Rows {
		if row[idx] == nil {
			return false
		}
		k := n.key(row[idx])
		if seen[k] {
			return false
		}
		seen[k] = true
	}
	return true
}

// ComputeDiff diffs two canonical grids without caching.
func ComputeDiff(from, to *Grid, opts DiffOptions, maxCells int) (*Diff, error) {
	if from == nil || to == nil {
		return nil, NewValidationError("grid", "both grids are required")
	}
	if maxCells <= 0 {
		maxCells = DefaultMaxAlignmentCells
	}
	n := newNormalizer(opts)
	cols := alignColumns(from.Headers, to.Headers)

	keyCol, err := detectKeyColumn(from, to, opts, n)
	if err != nil {
		return nil, err
	}

	d := &Diff{
		Options:        opts,
		AddedRows:      []RowRef{},
		RemovedRows:    []RowRef{},
		AddedColumns:   cols.added,
		RemovedColumns: cols.removed,
		CellChanges:    []CellChange{},
	}

	var al alignment
	if keyCol != "" {
		d.Alignment = alignmentKeyPrefix + keyCol
		al = alignByKey(from, to, keyCol, n)
	} else {
		d.Alignment = AlignmentPositional
		al = alignCanonical(from, to, cols, n, maxCells)
	}
	d.matches = al.pairs

	rowKey := func(g *Grid, i int) string {
		if keyCol == "" {
			return ""
		}
		return ValueText(g.Rows[i][g.ColumnIndex(keyCol)])
	}

	for _, i := range al.removed {
		ref := RowRef{FromIndex: intPtr(i), Key: rowKey(from, i)}
		if opts.DetailedChanges {
			ref.Values = from.RowMap(i)
		}
		d.RemovedRows = append(d.RemovedRows, ref)
	}
	for _, j := range al.added {
		ref := RowRef{ToIndex: intPtr(j), Key: rowKey(to, j)}
		if opts.DetailedChanges {
			ref.Values = to.RowMap(j)
		}
		d.AddedRows = append(d.AddedRows, ref)
	}

	for _, p := range al.pairs {
		changed := false
		for _, c := range cols.common {
			ov, nv := from.Rows[p.From][c.from], to.Rows[p.To][c.to]
			if n.equal(ov, nv) {
				continue
			}
			changed = true
			d.CellChanges = append(d.CellChanges, CellChange{
				Row:      RowRef{FromIndex: intPtr(p.From), ToIndex: intPtr(p.To), Key: rowKey(from, p.From)},
				Column:   c.name,
				OldValue: ov,
				NewValue: nv,
			})
		}
		if changed {
			d.Stats.ChangedRows++
		}
	}

	d.Stats.AddedRows = len(d.AddedRows)
	d.Stats.RemovedRows = len(d.RemovedRows)
	d.Stats.AddedColumns = len(d.AddedColumns)
	d.Stats.RemovedColumns = len(d.RemovedColumns)
	d.Stats.ChangedCells = len(d.CellChanges)
	return d, nil
}

// alignCanonical aligns rows positionally in a fixed order of the two
// sides, so that diff(a, b) and diff(b, a) mirror each other exactly.
func alignCanonical(from, to *Grid, cols columnAlignment, n *normalizer, maxCells int) alignment {
	// Row texts use name order so both directions hash rows identically.
	common := append([]columnPair(nil), cols.common...)
	sort.Slice(common, func(i, j int) bool { return common[i].name < common[j].name })
	fromIdx := make([]int, len(common))
	toIdx := make([]int, len(common))
	for k, c := range common {
		fromIdx[k], toIdx[k] = c.from, c.to
	}
	ft := buildRowTexts(from, fromIdx, n)
	tt := buildRowTexts(to, toIdx, n)
	width := len(common)

	if lessTexts(tt, ft) {
		return alignPositional(tt, ft, width, maxCells).mirror()
	}
	return alignPositional(ft, tt, width, maxCells)
}

func intPtr(i int) *int { return &i }
