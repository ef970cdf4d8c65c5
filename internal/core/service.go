package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/sheetvc/internal/config"
	"github.com/JonMunkholm/sheetvc/internal/metrics"
)

// Deps are the pluggable backends of a Service.
type Deps struct {
	Repository Repository
	Blobs      BlobStore
	DiffCache  DiffCache // optional
	Metrics    *metrics.Metrics
	Clock      func() time.Time // optional, defaults to time.Now
}

// Service is the entry point for all version control operations. It wires
// the content store, version graph, diff engine, conflict detector and merge
// resolver over one repository.
type Service struct {
	repo     Repository
	content  *ContentStore
	graph    *VersionGraph
	diffs    *DiffEngine
	detector *ConflictDetector
	merges   *MergeResolver
	limiter  *IngestLimiter
	metrics  *metrics.Metrics
	now      func() time.Time

	ingestTimeout time.Duration
}

// NewService creates a new Service instance.
func NewService(deps Deps, cfg *config.Config) (*Service, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("service: repository is required")
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("service: blob store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	content, err := NewContentStore(deps.Blobs, ContentStoreConfig{
		MaxPayloadSize: cfg.Content.MaxPayloadSize,
		FetchTimeout:   cfg.Content.FetchTimeout,
		GridCacheSize:  cfg.Content.GridCacheSize,
	}, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	graph := NewVersionGraph(deps.Repository, clock)
	diffs := NewDiffEngine(deps.DiffCache, cfg.Diff.MaxAlignmentCells, deps.Metrics)
	detector, err := NewConflictDetector(diffs, cfg.Diff.DetectCacheSize, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	return &Service{
		repo:          deps.Repository,
		content:       content,
		graph:         graph,
		diffs:         diffs,
		detector:      detector,
		merges:        NewMergeResolver(deps.Repository, graph, content, diffs, clock, deps.Metrics),
		limiter:       NewIngestLimiter(cfg.Ingest.MaxConcurrent, cfg.Ingest.MaxWaitTime),
		metrics:       deps.Metrics,
		now:           clock,
		ingestTimeout: cfg.Ingest.Timeout,
	}, nil
}

// Limiter returns the ingest limiter, for status reporting and draining.
func (s *Service) Limiter() *IngestLimiter {
	return s.limiter
}

// CreateVersionRequest is an uploaded version.
type CreateVersionRequest struct {
	SpreadsheetID string
	Payload       []byte
	Format        string
	ParentID      string
	Detached      bool
	ChangeSummary string
}

// CreateVersionResult reports the created version and whether its content
// was already stored.
type CreateVersionResult struct {
	Version      *Version `json:"version"`
	Deduplicated bool     `json:"deduplicated"`
}

// CreateVersion stores an uploaded payload and records it as a new version.
// Validation failures leave no trace in storage.
func (s *Service) CreateVersion(ctx context.Context, req CreateVersionRequest) (*CreateVersionResult, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()
	s.metrics.IngestStarted()
	defer s.metrics.IngestFinished()

	if s.ingestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ingestTimeout)
		defer cancel()
	}

	if req.SpreadsheetID == "" {
		return nil, NewValidationError("spreadsheet_id", "is required")
	}
	if req.Detached && req.ParentID != "" {
		return nil, NewValidationError("parent_id", "cannot be combined with detached")
	}
	if req.ParentID != "" {
		p, err := s.graph.Get(ctx, req.ParentID)
		if err != nil {
			return nil, err
		}
		if p.SpreadsheetID != req.SpreadsheetID {
			return nil, NewValidationError("parent_id", "version %s belongs to spreadsheet %s", p.ID, p.SpreadsheetID)
		}
	}

	put, err := s.content.PutPayload(ctx, req.Payload, req.Format)
	if err != nil {
		return nil, err
	}

	v, err := s.graph.CreateVersion(ctx, CreateVersionInput{
		SpreadsheetID: req.SpreadsheetID,
		ContentHash:   put.Hash,
		Grid:          put.Grid,
		ParentID:      req.ParentID,
		Detached:      req.Detached,
		ChangeSummary: req.ChangeSummary,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.VersionCreated()

	slog.Info("version created",
		"version_id", v.ID,
		"spreadsheet_id", v.SpreadsheetID,
		"rows", v.RowCount,
		"columns", v.ColumnCount,
		"deduplicated", put.Deduplicated,
	)
	return &CreateVersionResult{Version: v, Deduplicated: put.Deduplicated}, nil
}

// GetVersion returns version metadata.
func (s *Service) GetVersion(ctx context.Context, id string) (*Version, error) {
	return s.graph.Get(ctx, id)
}

// VersionData returns a version together with its grid.
func (s *Service) VersionData(ctx context.Context, id string) (Snapshot, error) {
	return loadSnapshot(ctx, s.graph, s.content, id)
}

// ListVersions returns the versions of a spreadsheet in creation order.
func (s *Service) ListVersions(ctx context.Context, spreadsheetID string) ([]*Version, error) {
	return s.graph.List(ctx, spreadsheetID)
}

// VersionsByHash returns every version whose grid has the content hash.
func (s *Service) VersionsByHash(ctx context.Context, hash string) ([]*Version, error) {
	return s.graph.ByContentHash(ctx, hash)
}

// Content returns the grid stored under a content hash.
func (s *Service) Content(ctx context.Context, hash string) (*Grid, error) {
	return s.content.Get(ctx, hash)
}

// CommonAncestor returns the merge base of two versions.
func (s *Service) CommonAncestor(ctx context.Context, aID, bID string) (*Version, error) {
	return s.graph.CommonAncestor(ctx, aID, bID)
}

// Diff computes the delta between two versions of the same spreadsheet.
func (s *Service) Diff(ctx context.Context, fromID, toID string, opts DiffOptions) (*Diff, error) {
	from, to, err := s.pair(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	return s.diffs.Diff(ctx, from, to, opts)
}

// pair loads two snapshots, rejecting versions of different spreadsheets
// before any content is fetched.
func (s *Service) pair(ctx context.Context, aID, bID string) (Snapshot, Snapshot, error) {
	a, err := s.graph.Get(ctx, aID)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	b, err := s.graph.Get(ctx, bID)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	if err := SameSpreadsheet(a, b); err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	ga, err := s.content.Get(ctx, a.ContentHash)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	gb, err := s.content.Get(ctx, b.ContentHash)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	return Snapshot{Version: a, Grid: ga}, Snapshot{Version: b, Grid: gb}, nil
}

// DetectResult is the outcome of a conflict detection. MergeRequest is set
// when conflicts exist; Reused reports that an open request was found.
type DetectResult struct {
	Conflicts    []*Conflict   `json:"conflicts"`
	MergeRequest *MergeRequest `json:"merge_request,omitempty"`
	Reused       bool          `json:"reused"`
}

// DetectConflicts finds the conflicts of merging a and b over base and
// records them in a merge request. Repeating the call for the same three
// versions returns the same open merge request.
func (s *Service) DetectConflicts(ctx context.Context, baseID, aID, bID string) (*DetectResult, error) {
	base, a, b, err := s.triple(ctx, baseID, aID, bID)
	if err != nil {
		return nil, err
	}

	conflicts, err := s.detector.Detect(ctx, base, a, b, DiffOptions{})
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return &DetectResult{Conflicts: []*Conflict{}}, nil
	}

	mr, reused, err := s.merges.Open(ctx, base.Version, a.Version, b.Version, conflicts)
	if err != nil {
		return nil, err
	}
	return &DetectResult{Conflicts: mr.Conflicts, MergeRequest: mr, Reused: reused}, nil
}

func (s *Service) triple(ctx context.Context, baseID, aID, bID string) (base, a, b Snapshot, err error) {
	versions := make([]*Version, 3)
	for i, id := range []string{baseID, aID, bID} {
		if versions[i], err = s.graph.Get(ctx, id); err != nil {
			return
		}
	}
	if err = SameSpreadsheet(versions...); err != nil {
		return
	}
	snaps := make([]Snapshot, 3)
	for i, v := range versions {
		g, gerr := s.content.Get(ctx, v.ContentHash)
		if gerr != nil {
			err = gerr
			return
		}
		snaps[i] = Snapshot{Version: v, Grid: g}
	}
	return snaps[0], snaps[1], snaps[2], nil
}

// Merge merges two versions in one call: it finds their common ancestor,
// detects conflicts and applies the strategy. Without conflicts the merged
// version is created directly.
func (s *Service) Merge(ctx context.Context, aID, bID string, strategy Strategy) (*MergeOutcome, error) {
	if aID == bID {
		return nil, NewValidationError("version_b_id", "cannot merge a version with itself")
	}
	if _, ok := strategies[strategy]; !ok {
		return nil, NewValidationError("strategy", "unknown strategy %q", strategy)
	}

	baseV, err := s.graph.CommonAncestor(ctx, aID, bID)
	if err != nil {
		return nil, err
	}
	base, a, b, err := s.triple(ctx, baseV.ID, aID, bID)
	if err != nil {
		return nil, err
	}

	conflicts, err := s.detector.Detect(ctx, base, a, b, DiffOptions{})
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		v, err := s.merges.MergeClean(ctx, base, a, b)
		if err != nil {
			return nil, err
		}
		return &MergeOutcome{Status: OutcomeMerged, MergedVersion: v}, nil
	}

	mr, _, err := s.merges.Open(ctx, base.Version, a.Version, b.Version, conflicts)
	if err != nil {
		return nil, err
	}
	return s.merges.Resolve(ctx, mr.ID, strategy)
}

// GetMergeRequest returns a merge request with its conflicts.
func (s *Service) GetMergeRequest(ctx context.Context, id string) (*MergeRequest, error) {
	return s.merges.Get(ctx, id)
}

// ResolveMerge applies a strategy to an open merge request.
func (s *Service) ResolveMerge(ctx context.Context, mrID string, strategy Strategy) (*MergeOutcome, error) {
	return s.merges.Resolve(ctx, mrID, strategy)
}

// ResolveConflict records a manual resolution. The actor stored in ctx, if
// any, is recorded as the resolver.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, value Value) (*MergeOutcome, error) {
	by := "manual"
	if actor := ActorFromContext(ctx); actor != "" {
		by = "user:" + actor
	}
	return s.merges.ResolveConflict(ctx, conflictID, value, by)
}

// FinalizeMerge creates the merged version of a fully resolved merge request.
func (s *Service) FinalizeMerge(ctx context.Context, mrID string) (*MergeOutcome, error) {
	return s.merges.Finalize(ctx, mrID)
}

// AbandonMerge closes a merge request without merging.
func (s *Service) AbandonMerge(ctx context.Context, mrID string) (*MergeRequest, error) {
	return s.merges.Abandon(ctx, mrID)
}
