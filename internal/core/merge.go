package core

// merge.go drives merge requests through their life cycle:
//
//	pending ──► partially_resolved ──► resolved
//	   │                 │
//	   └──────► resolved └──► abandoned
//	   └──────► abandoned
//
// Resolutions are monotonic: a resolved conflict never becomes unresolved
// and a resolved merge request always points at the same merged version.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetvc/internal/metrics"
)

// Strategy selects how conflicts are resolved automatically.
type Strategy string

const (
	// StrategyManualReview resolves nothing; every conflict waits for a user.
	StrategyManualReview Strategy = "manual_review"
	// StrategyLatestWins takes every conflict from the more recently created version.
	StrategyLatestWins Strategy = "latest_wins"
	// StrategyAutoMerge resolves only conflicts flagged auto-resolvable.
	StrategyAutoMerge Strategy = "auto_merge"
)

// Resolver identities recorded in Conflict.ResolvedBy.
const (
	ResolvedByLatestWins = "auto:latest_wins"
	ResolvedByAutoMerge  = "auto:auto_merge"
)

// ParseStrategy parses a strategy name. The empty string means manual review.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case "":
		return StrategyManualReview, nil
	case StrategyManualReview, StrategyLatestWins, StrategyAutoMerge:
		return st, nil
	default:
		return "", NewValidationError("strategy", "unknown strategy %q", s)
	}
}

// strategyFunc resolves what it can in mr and returns the conflicts it changed.
type strategyFunc func(mr *MergeRequest, a, b *Version, now time.Time) []*Conflict

var strategies = map[Strategy]strategyFunc{
	StrategyManualReview: func(*MergeRequest, *Version, *Version, time.Time) []*Conflict { return nil },
	StrategyLatestWins:   resolveLatestWins,
	StrategyAutoMerge:    resolveAutoMerge,
}

func resolveLatestWins(mr *MergeRequest, a, b *Version, now time.Time) []*Conflict {
	side := laterSide(a, b)
	var changed []*Conflict
	for _, c := range mr.Unresolved() {
		markResolved(c, sideValue(c, side), ResolvedByLatestWins, now)
		changed = append(changed, c)
	}
	return changed
}

func resolveAutoMerge(mr *MergeRequest, _, _ *Version, now time.Time) []*Conflict {
	var changed []*Conflict
	for _, c := range mr.Unresolved() {
		if c.Type != ConflictStructural || !c.AutoResolvable {
			continue
		}
		markResolved(c, ChoiceBoth, ResolvedByAutoMerge, now)
		changed = append(changed, c)
	}
	return changed
}

// laterSide returns ChoiceA or ChoiceB for the more recently created version.
// Equal timestamps fall back to the creation sequence.
func laterSide(a, b *Version) string {
	switch {
	case b.CreatedAt.After(a.CreatedAt):
		return ChoiceB
	case a.CreatedAt.After(b.CreatedAt):
		return ChoiceA
	case b.Sequence > a.Sequence:
		return ChoiceB
	default:
		return ChoiceA
	}
}

// sideValue is the resolution that takes one side of a conflict.
func sideValue(c *Conflict, side string) Value {
	if c.Type != ConflictCellValue {
		return side
	}
	if side == ChoiceB {
		return c.ValueB
	}
	return c.ValueA
}

func markResolved(c *Conflict, v Value, by string, now time.Time) {
	c.Status = StatusResolved
	c.ResolvedValue = v
	c.ResolvedBy = by
	c.ResolvedAt = &now
}

// allowedChoices lists the tokens accepted for a non-cell conflict.
func allowedChoices(c *Conflict) []string {
	switch {
	case c.Type == ConflictRowDeletedVsModified:
		return []string{ChoiceA, ChoiceB, ChoiceBase}
	case c.Type == ConflictColumnType:
		return []string{ChoiceA, ChoiceB}
	case c.Location.Marker == MarkerInsert:
		return []string{ChoiceA, ChoiceB, ChoiceBoth}
	case c.Location.Marker == MarkerColumnRemoved:
		return []string{ChoiceA, ChoiceB, ChoiceBase}
	default:
		return []string{ChoiceA, ChoiceB}
	}
}

// validateResolution checks a user-supplied value against the conflict kind.
// Cell conflicts take any scalar value; the others take a choice token.
func validateResolution(c *Conflict, v Value) (Value, error) {
	if c.Type == ConflictCellValue {
		switch tv := v.(type) {
		case nil, string, float64, bool:
			return tv, nil
		case int:
			return float64(tv), nil
		default:
			return nil, NewValidationError("resolved_value", "must be a string, number, boolean or null")
		}
	}
	s, ok := v.(string)
	if ok {
		for _, allowed := range allowedChoices(c) {
			if s == allowed {
				return s, nil
			}
		}
	}
	return nil, NewValidationError("resolved_value", "%s conflict accepts one of %v", c.Type, allowedChoices(c))
}

// MergeResolver owns merge requests: opening them, applying strategies and
// manual resolutions, and producing the merged version.
type MergeResolver struct {
	repo    Repository
	graph   *VersionGraph
	content *ContentStore
	diffs   *DiffEngine
	locks   *keyedMutex
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewMergeResolver creates a MergeResolver. A nil clock means time.Now.
func NewMergeResolver(repo Repository, graph *VersionGraph, content *ContentStore, diffs *DiffEngine, clock func() time.Time, m *metrics.Metrics) *MergeResolver {
	if clock == nil {
		clock = time.Now
	}
	return &MergeResolver{
		repo:    repo,
		graph:   graph,
		content: content,
		diffs:   diffs,
		locks:   newKeyedMutex(),
		now:     clock,
		metrics: m,
	}
}

// Open returns the open merge request for (base, a, b), creating one that
// holds conflicts when none exists. reused reports an existing request.
func (r *MergeResolver) Open(ctx context.Context, base, a, b *Version, conflicts []*Conflict) (mr *MergeRequest, reused bool, err error) {
	unlock := r.locks.Lock("open:" + base.ID + ":" + a.ID + ":" + b.ID)
	defer unlock()

	existing, err := r.repo.FindOpenMergeRequest(ctx, base.ID, a.ID, b.ID)
	switch {
	case err == nil:
		return existing, true, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, Unavailable("find merge request", err)
	}

	now := r.now().UTC()
	mr = &MergeRequest{
		ID:            uuid.New().String(),
		SpreadsheetID: a.SpreadsheetID,
		BaseVersionID: base.ID,
		VersionAID:    a.ID,
		VersionBID:    b.ID,
		Status:        MergePending,
		Strategy:      StrategyManualReview,
		Conflicts:     make([]*Conflict, len(conflicts)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, c := range conflicts {
		cc := c.Clone()
		cc.ID = uuid.New().String()
		cc.MergeRequestID = mr.ID
		cc.Status = StatusUnresolved
		mr.Conflicts[i] = cc
	}
	if err := r.repo.InsertMergeRequest(ctx, mr); err != nil {
		return nil, false, Unavailable("insert merge request", err)
	}
	r.metrics.MergeRequestStatus(string(MergePending))

	slog.Info("merge request opened",
		"merge_request_id", mr.ID,
		"spreadsheet_id", mr.SpreadsheetID,
		"conflicts", len(mr.Conflicts),
	)
	return mr, false, nil
}

// Get returns a merge request with its conflicts.
func (r *MergeResolver) Get(ctx context.Context, id string) (*MergeRequest, error) {
	mr, err := r.repo.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, Unavailable("get merge request", err)
	}
	return mr, nil
}

// Resolve applies a strategy to a merge request. When no conflict remains
// the merged version is created. Resolving an already resolved request
// returns its merged version again.
func (r *MergeResolver) Resolve(ctx context.Context, mrID string, strategy Strategy) (*MergeOutcome, error) {
	fn, ok := strategies[strategy]
	if !ok {
		return nil, NewValidationError("strategy", "unknown strategy %q", strategy)
	}

	unlock := r.locks.Lock(mrID)
	defer unlock()

	mr, err := r.Get(ctx, mrID)
	if err != nil {
		return nil, err
	}
	switch mr.Status {
	case MergeResolved:
		return r.mergedOutcome(ctx, mr, 0)
	case MergeAbandoned:
		return nil, &ConflictStateError{Resource: "merge request", ID: mr.ID, State: string(mr.Status), Message: "abandoned merge requests cannot be resolved"}
	}

	a, err := r.graph.Get(ctx, mr.VersionAID)
	if err != nil {
		return nil, err
	}
	b, err := r.graph.Get(ctx, mr.VersionBID)
	if err != nil {
		return nil, err
	}

	changed := fn(mr, a, b, r.now().UTC())
	for _, c := range changed {
		if err := r.repo.ResolveConflict(ctx, c); err != nil {
			return nil, Unavailable("resolve conflict", err)
		}
	}
	mr.Strategy = strategy

	slog.Info("merge strategy applied",
		"merge_request_id", mr.ID,
		"strategy", strategy,
		"auto_resolved", len(changed),
		"unresolved", len(mr.Unresolved()),
	)
	return r.advance(ctx, mr, len(changed))
}

// ResolveConflict records a resolution for one conflict. resolvedBy
// identifies the resolver. Resolving a conflict twice is a ConflictStateError.
func (r *MergeResolver) ResolveConflict(ctx context.Context, conflictID string, value Value, resolvedBy string) (*MergeOutcome, error) {
	c, err := r.repo.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, Unavailable("get conflict", err)
	}

	unlock := r.locks.Lock(c.MergeRequestID)
	defer unlock()

	mr, err := r.Get(ctx, c.MergeRequestID)
	if err != nil {
		return nil, err
	}
	if mr.Status.IsTerminal() {
		return nil, &ConflictStateError{Resource: "merge request", ID: mr.ID, State: string(mr.Status), Message: "no further resolutions are accepted"}
	}

	var target *Conflict
	for _, cc := range mr.Conflicts {
		if cc.ID == conflictID {
			target = cc
			break
		}
	}
	if target == nil {
		return nil, NotFound("conflict", conflictID)
	}
	if target.IsResolved() {
		return nil, &ConflictStateError{Resource: "conflict", ID: target.ID, State: string(target.Status), Message: "conflict is already resolved"}
	}

	v, err := validateResolution(target, value)
	if err != nil {
		return nil, err
	}
	if resolvedBy == "" {
		resolvedBy = "manual"
	}
	markResolved(target, v, resolvedBy, r.now().UTC())
	if err := r.repo.ResolveConflict(ctx, target); err != nil {
		return nil, Unavailable("resolve conflict", err)
	}

	slog.Info("conflict resolved",
		"conflict_id", target.ID,
		"merge_request_id", mr.ID,
		"resolved_by", resolvedBy,
	)
	return r.advance(ctx, mr, 0)
}

// Finalize creates the merged version of a fully resolved merge request.
func (r *MergeResolver) Finalize(ctx context.Context, mrID string) (*MergeOutcome, error) {
	unlock := r.locks.Lock(mrID)
	defer unlock()

	mr, err := r.Get(ctx, mrID)
	if err != nil {
		return nil, err
	}
	switch mr.Status {
	case MergeResolved:
		return r.mergedOutcome(ctx, mr, 0)
	case MergeAbandoned:
		return nil, &ConflictStateError{Resource: "merge request", ID: mr.ID, State: string(mr.Status), Message: "abandoned merge requests cannot be finalized"}
	}
	if n := len(mr.Unresolved()); n > 0 {
		return nil, &ConflictStateError{Resource: "merge request", ID: mr.ID, State: string(mr.Status), Message: fmt.Sprintf("%d conflicts are unresolved", n)}
	}
	return r.finalize(ctx, mr, mr.Status, 0)
}

// Abandon closes a merge request without producing a version.
func (r *MergeResolver) Abandon(ctx context.Context, mrID string) (*MergeRequest, error) {
	unlock := r.locks.Lock(mrID)
	defer unlock()

	mr, err := r.Get(ctx, mrID)
	if err != nil {
		return nil, err
	}
	if !mr.Status.CanTransition(MergeAbandoned) {
		return nil, &ConflictStateError{Resource: "merge request", ID: mr.ID, State: string(mr.Status), Message: "cannot be abandoned"}
	}
	from := mr.Status
	mr.Status = MergeAbandoned
	mr.UpdatedAt = r.now().UTC()
	if err := r.repo.UpdateMergeRequest(ctx, mr, from); err != nil {
		return nil, Unavailable("update merge request", err)
	}
	r.metrics.MergeRequestStatus(string(MergeAbandoned))
	slog.Info("merge request abandoned", "merge_request_id", mr.ID)
	return mr, nil
}

// MergeClean merges two versions that have no conflicts.
func (r *MergeResolver) MergeClean(ctx context.Context, base, a, b Snapshot) (*Version, error) {
	return r.synthesize(ctx, base, a, b, nil)
}

// advance moves mr to the status implied by its conflicts.
func (r *MergeResolver) advance(ctx context.Context, mr *MergeRequest, autoResolved int) (*MergeOutcome, error) {
	from := mr.Status
	unresolved := mr.Unresolved()
	if len(unresolved) == 0 {
		return r.finalize(ctx, mr, from, autoResolved)
	}

	next := MergePending
	if len(unresolved) < len(mr.Conflicts) {
		next = MergePartiallyResolved
	}
	mr.Status = next
	mr.UpdatedAt = r.now().UTC()
	if err := r.repo.UpdateMergeRequest(ctx, mr, from); err != nil {
		return nil, Unavailable("update merge request", err)
	}
	if next != from {
		r.metrics.MergeRequestStatus(string(next))
	}
	return &MergeOutcome{
		Status:       OutcomeRequiresManualResolution,
		MergeRequest: mr,
		Unresolved:   unresolved,
		AutoResolved: autoResolved,
	}, nil
}

func (r *MergeResolver) finalize(ctx context.Context, mr *MergeRequest, from MergeStatus, autoResolved int) (*MergeOutcome, error) {
	base, err := r.snapshot(ctx, mr.BaseVersionID)
	if err != nil {
		return nil, err
	}
	a, err := r.snapshot(ctx, mr.VersionAID)
	if err != nil {
		return nil, err
	}
	b, err := r.snapshot(ctx, mr.VersionBID)
	if err != nil {
		return nil, err
	}

	v, err := r.synthesize(ctx, base, a, b, mr.Conflicts)
	if err != nil {
		return nil, err
	}

	mr.Status = MergeResolved
	mr.MergedVersionID = v.ID
	mr.UpdatedAt = r.now().UTC()
	if err := r.repo.UpdateMergeRequest(ctx, mr, from); err != nil {
		return nil, Unavailable("update merge request", err)
	}
	r.metrics.MergeRequestStatus(string(MergeResolved))

	slog.Info("merge request resolved",
		"merge_request_id", mr.ID,
		"merged_version_id", v.ID,
	)
	return &MergeOutcome{
		Status:        OutcomeMerged,
		MergeRequest:  mr,
		MergedVersion: v,
		AutoResolved:  autoResolved,
	}, nil
}

func (r *MergeResolver) mergedOutcome(ctx context.Context, mr *MergeRequest, autoResolved int) (*MergeOutcome, error) {
	v, err := r.graph.Get(ctx, mr.MergedVersionID)
	if err != nil {
		return nil, err
	}
	return &MergeOutcome{Status: OutcomeMerged, MergeRequest: mr, MergedVersion: v, AutoResolved: autoResolved}, nil
}

// synthesize stores the merged grid and records the merge version. A merge
// version with the same parents and content is reused, so a retried
// finalization never creates a second one.
func (r *MergeResolver) synthesize(ctx context.Context, base, a, b Snapshot, conflicts []*Conflict) (*Version, error) {
	unlock := r.locks.Lock("synthesize:" + a.Version.ID + ":" + b.Version.ID)
	defer unlock()

	da, err := r.diffs.Diff(ctx, base, a, DiffOptions{})
	if err != nil {
		return nil, err
	}
	db, err := r.diffs.Diff(ctx, base, b, DiffOptions{})
	if err != nil {
		return nil, err
	}

	grid := MergeGrids(base.Grid, a.Grid, b.Grid, da, db, conflicts)
	put, err := r.content.Put(ctx, grid)
	if err != nil {
		return nil, err
	}

	parents := []string{a.Version.ID, b.Version.ID}
	existing, err := r.graph.ByContentHash(ctx, put.Hash)
	if err != nil {
		return nil, err
	}
	for _, v := range existing {
		if v.SpreadsheetID == a.Version.SpreadsheetID && len(v.ParentIDs) == 2 &&
			v.ParentIDs[0] == parents[0] && v.ParentIDs[1] == parents[1] {
			return v, nil
		}
	}

	v, err := r.graph.CreateMergeVersion(ctx, a.Version.SpreadsheetID, put.Hash, put.Grid, parents, describeParents(parents))
	if err != nil {
		return nil, err
	}
	r.metrics.MergedVersion()
	return v, nil
}

func (r *MergeResolver) snapshot(ctx context.Context, versionID string) (Snapshot, error) {
	return loadSnapshot(ctx, r.graph, r.content, versionID)
}

// loadSnapshot fetches a version and its grid.
func loadSnapshot(ctx context.Context, graph *VersionGraph, content *ContentStore, versionID string) (Snapshot, error) {
	v, err := graph.Get(ctx, versionID)
	if err != nil {
		return Snapshot{}, err
	}
	g, err := content.Get(ctx, v.ContentHash)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Version: v, Grid: g}, nil
}
