package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// Postgres error codes the repository translates.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is a core.Repository backed by PostgreSQL.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an open database. Migrate must have been applied.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

var _ core.Repository = (*Postgres)(nil)

// DB returns the underlying handle.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type versionRow struct {
	ID            string         `db:"id"`
	SpreadsheetID string         `db:"spreadsheet_id"`
	ContentHash   string         `db:"content_hash"`
	ParentIDs     pq.StringArray `db:"parent_ids"`
	RowCount      int            `db:"row_count"`
	ColumnCount   int            `db:"column_count"`
	ColumnHeaders pq.StringArray `db:"column_headers"`
	ChangeSummary string         `db:"change_summary"`
	Sequence      int64          `db:"sequence"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r *versionRow) toVersion() *core.Version {
	return &core.Version{
		ID:            r.ID,
		SpreadsheetID: r.SpreadsheetID,
		ContentHash:   r.ContentHash,
		ParentIDs:     append([]string(nil), r.ParentIDs...),
		RowCount:      r.RowCount,
		ColumnCount:   r.ColumnCount,
		ColumnHeaders: append([]string(nil), r.ColumnHeaders...),
		ChangeSummary: r.ChangeSummary,
		Sequence:      r.Sequence,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

const versionColumns = `id, spreadsheet_id, content_hash, parent_ids, row_count, column_count, column_headers, change_summary, sequence, created_at`

func (p *Postgres) InsertVersion(ctx context.Context, v *core.Version) error {
	return insertVersion(ctx, p.db, v)
}

// AppendVersion reads the head and inserts under a transaction-scoped
// advisory lock keyed by the spreadsheet, so appends from every server
// process queue behind each other.
func (p *Postgres) AppendVersion(ctx context.Context, v *core.Version) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("begin append tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, v.SpreadsheetID); err != nil {
		return mapError("lock spreadsheet", err)
	}

	var head string
	err = tx.GetContext(ctx, &head,
		`SELECT id FROM versions WHERE spreadsheet_id=$1 ORDER BY sequence DESC LIMIT 1`, v.SpreadsheetID)
	switch {
	case err == nil:
		v.ParentIDs = []string{head}
	case errors.Is(err, sql.ErrNoRows):
		v.ParentIDs = nil
	default:
		return mapError("get head", err)
	}

	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit append", err)
	}
	return nil
}

func insertVersion(ctx context.Context, q sqlx.QueryerContext, v *core.Version) error {
	query := `INSERT INTO versions (id, spreadsheet_id, content_hash, parent_ids, row_count, column_count, column_headers, change_summary, created_at)` +
		` VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING sequence`

	var seq int64
	err := q.QueryRowxContext(ctx, query,
		v.ID, v.SpreadsheetID, v.ContentHash, textArray(v.ParentIDs),
		v.RowCount, v.ColumnCount, textArray(v.ColumnHeaders), v.ChangeSummary, v.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return mapError("insert version", err)
	}
	v.Sequence = seq
	return nil
}

func (p *Postgres) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	var row versionRow
	err := p.db.GetContext(ctx, &row, `SELECT `+versionColumns+` FROM versions WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound("version", id)
		}
		return nil, mapError("get version", err)
	}
	return row.toVersion(), nil
}

func (p *Postgres) ListVersions(ctx context.Context, spreadsheetID string) ([]*core.Version, error) {
	return p.selectVersions(ctx, "list versions",
		`SELECT `+versionColumns+` FROM versions WHERE spreadsheet_id=$1 ORDER BY sequence`, spreadsheetID)
}

func (p *Postgres) VersionsByContentHash(ctx context.Context, hash string) ([]*core.Version, error) {
	return p.selectVersions(ctx, "versions by hash",
		`SELECT `+versionColumns+` FROM versions WHERE content_hash=$1 ORDER BY sequence`, hash)
}

func (p *Postgres) selectVersions(ctx context.Context, op, query string, arg any) ([]*core.Version, error) {
	var rows []versionRow
	if err := p.db.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, mapError(op, err)
	}
	out := make([]*core.Version, len(rows))
	for i := range rows {
		out[i] = rows[i].toVersion()
	}
	return out, nil
}

type mergeRow struct {
	ID              string         `db:"id"`
	SpreadsheetID   string         `db:"spreadsheet_id"`
	BaseVersionID   string         `db:"base_version_id"`
	VersionAID      string         `db:"version_a_id"`
	VersionBID      string         `db:"version_b_id"`
	Status          string         `db:"status"`
	Strategy        string         `db:"strategy"`
	MergedVersionID sql.NullString `db:"merged_version_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *mergeRow) toMergeRequest() *core.MergeRequest {
	return &core.MergeRequest{
		ID:              r.ID,
		SpreadsheetID:   r.SpreadsheetID,
		BaseVersionID:   r.BaseVersionID,
		VersionAID:      r.VersionAID,
		VersionBID:      r.VersionBID,
		Status:          core.MergeStatus(r.Status),
		Strategy:        core.Strategy(r.Strategy),
		MergedVersionID: r.MergedVersionID.String,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

const mergeColumns = `id, spreadsheet_id, base_version_id, version_a_id, version_b_id, status, strategy, merged_version_id, created_at, updated_at`

type conflictRow struct {
	ID               string        `db:"id"`
	MergeRequestID   string        `db:"merge_request_id"`
	Position         int           `db:"position"`
	BaseVersionID    string        `db:"base_version_id"`
	VersionAID       string        `db:"version_a_id"`
	VersionBID       string        `db:"version_b_id"`
	ConflictType     string        `db:"conflict_type"`
	RowIndex         sql.NullInt64 `db:"row_index"`
	RowKey           string        `db:"row_key"`
	ColumnName       string        `db:"column_name"`
	Marker           string        `db:"marker"`
	BaseValue        []byte        `db:"base_value"`
	ValueA           []byte        `db:"value_a"`
	ValueB           []byte        `db:"value_b"`
	AutoResolvable   bool          `db:"auto_resolvable"`
	ResolutionStatus string        `db:"resolution_status"`
	ResolvedValue    []byte        `db:"resolved_value"`
	ResolvedBy       string        `db:"resolved_by"`
	ResolvedAt       sql.NullTime  `db:"resolved_at"`
}

func (r *conflictRow) toConflict() (*core.Conflict, error) {
	c := &core.Conflict{
		ID:             r.ID,
		MergeRequestID: r.MergeRequestID,
		BaseVersionID:  r.BaseVersionID,
		VersionAID:     r.VersionAID,
		VersionBID:     r.VersionBID,
		Type:           core.ConflictType(r.ConflictType),
		Location: core.Location{
			RowKey: r.RowKey,
			Column: r.ColumnName,
			Marker: r.Marker,
		},
		AutoResolvable: r.AutoResolvable,
		Status:         core.ResolutionStatus(r.ResolutionStatus),
		ResolvedBy:     r.ResolvedBy,
	}
	if r.RowIndex.Valid {
		i := int(r.RowIndex.Int64)
		c.Location.RowIndex = &i
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time.UTC()
		c.ResolvedAt = &t
	}

	var err error
	if c.BaseValue, err = decodeValue(r.BaseValue); err != nil {
		return nil, fmt.Errorf("conflict %s base_value: %w", r.ID, err)
	}
	if c.ValueA, err = decodeValue(r.ValueA); err != nil {
		return nil, fmt.Errorf("conflict %s value_a: %w", r.ID, err)
	}
	if c.ValueB, err = decodeValue(r.ValueB); err != nil {
		return nil, fmt.Errorf("conflict %s value_b: %w", r.ID, err)
	}
	if c.ResolvedValue, err = decodeValue(r.ResolvedValue); err != nil {
		return nil, fmt.Errorf("conflict %s resolved_value: %w", r.ID, err)
	}
	return c, nil
}

const conflictColumns = `id, merge_request_id, position, base_version_id, version_a_id, version_b_id, conflict_type, row_index, row_key, column_name, marker, base_value, value_a, value_b, auto_resolvable, resolution_status, resolved_value, resolved_by, resolved_at`

func (p *Postgres) InsertMergeRequest(ctx context.Context, mr *core.MergeRequest) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("begin merge request tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO merge_requests (`+mergeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		mr.ID, mr.SpreadsheetID, mr.BaseVersionID, mr.VersionAID, mr.VersionBID,
		string(mr.Status), string(mr.Strategy), nullString(mr.MergedVersionID), mr.CreatedAt, mr.UpdatedAt,
	)
	if err != nil {
		return mapError("insert merge request", err)
	}

	for i, c := range mr.Conflicts {
		args, err := conflictArgs(c, i)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conflicts (`+conflictColumns+`)`+
				` VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			args...,
		)
		if err != nil {
			return mapError("insert conflict", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError("commit merge request", err)
	}
	return nil
}

func conflictArgs(c *core.Conflict, position int) ([]any, error) {
	values := make([]any, 3)
	for i, v := range []core.Value{c.BaseValue, c.ValueA, c.ValueB} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, core.NewValidationError("conflict", "encode value: %v", err)
		}
		values[i] = string(b)
	}
	resolved, err := resolvedValueArg(c)
	if err != nil {
		return nil, err
	}

	var rowIndex sql.NullInt64
	if c.Location.RowIndex != nil {
		rowIndex = sql.NullInt64{Int64: int64(*c.Location.RowIndex), Valid: true}
	}
	return []any{
		c.ID, c.MergeRequestID, position, c.BaseVersionID, c.VersionAID, c.VersionBID,
		string(c.Type), rowIndex, c.Location.RowKey, c.Location.Column, c.Location.Marker,
		values[0], values[1], values[2], c.AutoResolvable, string(c.Status),
		resolved, c.ResolvedBy, nullTime(c.ResolvedAt),
	}, nil
}

// resolvedValueArg is NULL for unresolved conflicts. A resolved null cell is
// stored as the JSON literal null.
func resolvedValueArg(c *core.Conflict) (sql.NullString, error) {
	if !c.IsResolved() {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(c.ResolvedValue)
	if err != nil {
		return sql.NullString{}, core.NewValidationError("resolved_value", "encode value: %v", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (p *Postgres) GetMergeRequest(ctx context.Context, id string) (*core.MergeRequest, error) {
	var row mergeRow
	err := p.db.GetContext(ctx, &row, `SELECT `+mergeColumns+` FROM merge_requests WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound("merge request", id)
		}
		return nil, mapError("get merge request", err)
	}
	return p.withConflicts(ctx, &row)
}

func (p *Postgres) FindOpenMergeRequest(ctx context.Context, baseID, aID, bID string) (*core.MergeRequest, error) {
	var row mergeRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+mergeColumns+` FROM merge_requests`+
			` WHERE base_version_id=$1 AND version_a_id=$2 AND version_b_id=$3`+
			` AND status IN ('pending', 'partially_resolved')`,
		baseID, aID, bID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound("merge request", baseID+":"+aID+":"+bID)
		}
		return nil, mapError("find merge request", err)
	}
	return p.withConflicts(ctx, &row)
}

func (p *Postgres) withConflicts(ctx context.Context, row *mergeRow) (*core.MergeRequest, error) {
	var rows []conflictRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+conflictColumns+` FROM conflicts WHERE merge_request_id=$1 ORDER BY position`, row.ID)
	if err != nil {
		return nil, mapError("list conflicts", err)
	}

	mr := row.toMergeRequest()
	mr.Conflicts = make([]*core.Conflict, len(rows))
	for i := range rows {
		c, err := rows[i].toConflict()
		if err != nil {
			return nil, err
		}
		mr.Conflicts[i] = c
	}
	return mr, nil
}

func (p *Postgres) UpdateMergeRequest(ctx context.Context, mr *core.MergeRequest, from core.MergeStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE merge_requests SET status=$1, strategy=$2, merged_version_id=$3, updated_at=$4`+
			` WHERE id=$5 AND status=$6`,
		string(mr.Status), string(mr.Strategy), nullString(mr.MergedVersionID), mr.UpdatedAt,
		mr.ID, string(from),
	)
	if err != nil {
		return mapError("update merge request", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mapError("update merge request", err)
	} else if n == 1 {
		return nil
	}

	var current string
	err = p.db.GetContext(ctx, &current, `SELECT status FROM merge_requests WHERE id=$1`, mr.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFound("merge request", mr.ID)
		}
		return mapError("get merge request status", err)
	}
	return &core.ConflictStateError{
		Resource: "merge request",
		ID:       mr.ID,
		State:    current,
		Message:  "status changed concurrently",
	}
}

func (p *Postgres) GetConflict(ctx context.Context, id string) (*core.Conflict, error) {
	var row conflictRow
	err := p.db.GetContext(ctx, &row, `SELECT `+conflictColumns+` FROM conflicts WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound("conflict", id)
		}
		return nil, mapError("get conflict", err)
	}
	return row.toConflict()
}

func (p *Postgres) ResolveConflict(ctx context.Context, c *core.Conflict) error {
	resolved, err := resolvedValueArg(c)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE conflicts SET resolution_status=$1, resolved_value=$2, resolved_by=$3, resolved_at=$4`+
			` WHERE id=$5 AND resolution_status='unresolved'`,
		string(c.Status), resolved, c.ResolvedBy, nullTime(c.ResolvedAt), c.ID,
	)
	if err != nil {
		return mapError("resolve conflict", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mapError("resolve conflict", err)
	} else if n == 1 {
		return nil
	}

	var current string
	err = p.db.GetContext(ctx, &current, `SELECT resolution_status FROM conflicts WHERE id=$1`, c.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFound("conflict", c.ID)
		}
		return mapError("get conflict status", err)
	}
	return &core.ConflictStateError{
		Resource: "conflict",
		ID:       c.ID,
		State:    current,
		Message:  "conflict is already resolved",
	}
}

func (p *Postgres) PurgeMergeRequests(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM merge_requests WHERE status IN ('resolved', 'abandoned') AND updated_at < $1`, before)
	if err != nil {
		return 0, mapError("purge merge requests", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapError("purge merge requests", err)
	}
	return int(n), nil
}

// mapError translates constraint violations into validation errors and
// everything else into a retryable storage failure.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return core.NewValidationError(pgErr.ConstraintName, "%s: duplicate entry", op)
		case pgForeignKeyViolation:
			return core.NewValidationError(pgErr.ConstraintName, "%s: referenced row does not exist", op)
		}
	}
	return core.Unavailable(op, err)
}

func textArray(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func decodeValue(b []byte) (core.Value, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v core.Value
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
