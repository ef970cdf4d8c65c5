package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

func setupPostgresMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(sqlx.NewDb(db, "sqlmock")), mock
}

var versionRowColumns = []string{
	"id", "spreadsheet_id", "content_hash", "parent_ids", "row_count",
	"column_count", "column_headers", "change_summary", "sequence", "created_at",
}

func TestPostgres_InsertVersion(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantSeq   int64
		wantErr   error
	}{
		{
			name: "assigns sequence",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO versions`)).
					WithArgs("v2", "sheet", "hash", sqlmock.AnyArg(), 2, 3, sqlmock.AnyArg(), "edit", now).
					WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(42)))
			},
			wantSeq: 42,
		},
		{
			name: "duplicate id",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO versions`)).
					WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "versions_pkey"})
			},
			wantErr: core.ErrValidation,
		},
		{
			name: "connection failure",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO versions`)).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: core.ErrStorageUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := setupPostgresMock(t)
			tt.mockSetup(mock)

			v := &core.Version{
				ID:            "v2",
				SpreadsheetID: "sheet",
				ContentHash:   "hash",
				ParentIDs:     []string{"v1"},
				RowCount:      2,
				ColumnCount:   3,
				ColumnHeaders: []string{"a", "b", "c"},
				ChangeSummary: "edit",
				CreatedAt:     now,
			}
			err := repo.InsertVersion(context.Background(), v)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantSeq, v.Sequence)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_GetVersion(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM versions WHERE id=$1`)).
		WithArgs("v2").
		WillReturnRows(sqlmock.NewRows(versionRowColumns).
			AddRow("v2", "sheet", "hash", "{v1}", 2, 2, "{id,name}", "", int64(7), now))

	v, err := repo.GetVersion(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, v.ParentIDs)
	assert.Equal(t, []string{"id", "name"}, v.ColumnHeaders)
	assert.Equal(t, int64(7), v.Sequence)
	assert.Equal(t, now, v.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetVersionNotFound(t *testing.T) {
	repo, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM versions WHERE id=$1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(versionRowColumns))

	_, err := repo.GetVersion(context.Background(), "missing")
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "version", nf.Resource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListVersions(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE spreadsheet_id=$1 ORDER BY sequence`)).
		WithArgs("sheet").
		WillReturnRows(sqlmock.NewRows(versionRowColumns).
			AddRow("v1", "sheet", "h1", "{}", 1, 1, "{id}", "", int64(1), now).
			AddRow("v2", "sheet", "h2", "{v1}", 1, 1, "{id}", "", int64(2), now))

	list, err := repo.ListVersions(context.Background(), "sheet")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[0].ParentIDs, "roots have no parents")
	assert.Equal(t, []string{"v1"}, list[1].ParentIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendVersion(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		wantParents []string
		wantSeq     int64
		wantErr     error
	}{
		{
			name: "extends head",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
					WithArgs("sheet").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM versions WHERE spreadsheet_id=$1 ORDER BY sequence DESC LIMIT 1`)).
					WithArgs("sheet").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("v1"))
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO versions`)).
					WithArgs("v2", "sheet", "hash", sqlmock.AnyArg(), 2, 3, sqlmock.AnyArg(), "edit", now).
					WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(7)))
				mock.ExpectCommit()
			},
			wantParents: []string{"v1"},
			wantSeq:     7,
		},
		{
			name: "first version of spreadsheet",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
					WithArgs("sheet").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM versions`)).
					WithArgs("sheet").
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO versions`)).
					WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
				mock.ExpectCommit()
			},
			wantParents: nil,
			wantSeq:     1,
		},
		{
			name: "lock failure rolls back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
					WillReturnError(errors.New("connection reset"))
				mock.ExpectRollback()
			},
			wantErr: core.ErrStorageUnavailable,
		},
		{
			name: "insert failure rolls back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM versions`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("v1"))
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO versions`)).
					WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "versions_pkey"})
				mock.ExpectRollback()
			},
			wantErr: core.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := setupPostgresMock(t)
			tt.mockSetup(mock)

			v := &core.Version{
				ID:            "v2",
				SpreadsheetID: "sheet",
				ContentHash:   "hash",
				ParentIDs:     []string{"ignored"},
				RowCount:      2,
				ColumnCount:   3,
				ColumnHeaders: []string{"a", "b", "c"},
				ChangeSummary: "edit",
				CreatedAt:     now,
			}
			err := repo.AppendVersion(context.Background(), v)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantParents, v.ParentIDs)
				assert.Equal(t, tt.wantSeq, v.Sequence)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_InsertMergeRequest(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	now := time.Now().UTC()
	row := 0

	mr := &core.MergeRequest{
		ID: "mr1", SpreadsheetID: "sheet",
		BaseVersionID: "base", VersionAID: "a", VersionBID: "b",
		Status: core.MergePending, Strategy: core.StrategyManualReview,
		CreatedAt: now, UpdatedAt: now,
		Conflicts: []*core.Conflict{{
			ID:             "c1",
			MergeRequestID: "mr1",
			BaseVersionID:  "base",
			VersionAID:     "a",
			VersionBID:     "b",
			Type:           core.ConflictCellValue,
			Location:       core.Location{RowIndex: &row, Column: "name"},
			BaseValue:      "x",
			ValueA:         "y",
			Status:         core.StatusUnresolved,
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO merge_requests`)).
		WithArgs("mr1", "sheet", "base", "a", "b", "pending", "manual_review", nil, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO conflicts`)).
		WithArgs("c1", "mr1", 0, "base", "a", "b", "cell_value", int64(0), "", "name", "",
			`"x"`, `"y"`, `null`, false, "unresolved", nil, "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.InsertMergeRequest(context.Background(), mr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertMergeRequestRollsBack(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO merge_requests`)).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "merge_requests_open_triple_idx"})
	mock.ExpectRollback()

	err := repo.InsertMergeRequest(context.Background(), &core.MergeRequest{
		ID: "mr1", Status: core.MergePending, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMergeRequest(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM merge_requests WHERE id=$1`)).
		WithArgs("mr1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "spreadsheet_id", "base_version_id", "version_a_id", "version_b_id",
			"status", "strategy", "merged_version_id", "created_at", "updated_at",
		}).AddRow("mr1", "sheet", "base", "a", "b", "partially_resolved", "latest_wins", nil, now, now))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM conflicts WHERE merge_request_id=$1 ORDER BY position`)).
		WithArgs("mr1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "merge_request_id", "position", "base_version_id", "version_a_id", "version_b_id",
			"conflict_type", "row_index", "row_key", "column_name", "marker",
			"base_value", "value_a", "value_b", "auto_resolvable", "resolution_status",
			"resolved_value", "resolved_by", "resolved_at",
		}).
			AddRow("c1", "mr1", 0, "base", "a", "b", "cell_value", int64(3), "k", "qty", "",
				[]byte(`"1"`), []byte(`2.5`), []byte(`null`), false, "resolved",
				[]byte(`2.5`), "auto:latest_wins", now).
			AddRow("c2", "mr1", 1, "base", "a", "b", "structural", nil, "", "note", "column_removed_vs_modified",
				[]byte(`null`), []byte(`"removed"`), []byte(`"modified"`), false, "unresolved",
				nil, "", nil))

	mr, err := repo.GetMergeRequest(context.Background(), "mr1")
	require.NoError(t, err)
	assert.Equal(t, core.MergePartiallyResolved, mr.Status)
	assert.Equal(t, core.StrategyLatestWins, mr.Strategy)
	assert.Empty(t, mr.MergedVersionID)
	require.Len(t, mr.Conflicts, 2)

	c1 := mr.Conflicts[0]
	assert.Equal(t, 3, *c1.Location.RowIndex)
	assert.Equal(t, "1", c1.BaseValue)
	assert.Equal(t, 2.5, c1.ValueA)
	assert.Nil(t, c1.ValueB)
	assert.Equal(t, 2.5, c1.ResolvedValue)
	require.NotNil(t, c1.ResolvedAt)

	c2 := mr.Conflicts[1]
	assert.Nil(t, c2.Location.RowIndex)
	assert.Equal(t, core.MarkerColumnRemoved, c2.Location.Marker)
	assert.False(t, c2.IsResolved())
	assert.Nil(t, c2.ResolvedAt)
	assert.Len(t, mr.Unresolved(), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateMergeRequestIsConditional(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	now := time.Now().UTC()
	mr := &core.MergeRequest{ID: "mr1", Status: core.MergeResolved, Strategy: core.StrategyManualReview, MergedVersionID: "m1", UpdatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE merge_requests SET`)).
		WithArgs("resolved", "manual_review", "m1", now, "mr1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateMergeRequest(context.Background(), mr, core.MergePending))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE merge_requests SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM merge_requests WHERE id=$1`)).
		WithArgs("mr1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("abandoned"))

	err := repo.UpdateMergeRequest(context.Background(), mr, core.MergePending)
	var stateErr *core.ConflictStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "abandoned", stateErr.State)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE merge_requests SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM merge_requests WHERE id=$1`)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err = repo.UpdateMergeRequest(context.Background(), mr, core.MergePending)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ResolveConflict(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	now := time.Now().UTC()
	c := &core.Conflict{
		ID: "c1", Status: core.StatusResolved,
		ResolvedValue: nil, ResolvedBy: "manual", ResolvedAt: &now,
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conflicts SET`)).
		WithArgs("resolved", "null", "manual", now, "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ResolveConflict(context.Background(), c))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conflicts SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT resolution_status FROM conflicts WHERE id=$1`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"resolution_status"}).AddRow("resolved"))

	err := repo.ResolveConflict(context.Background(), c)
	var stateErr *core.ConflictStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "conflict", stateErr.Resource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PurgeMergeRequests(t *testing.T) {
	repo, mock := setupPostgresMock(t)
	cutoff := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM merge_requests WHERE status IN ('resolved', 'abandoned')`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.PurgeMergeRequests(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"migrations/0002_more.down.sql": {Data: []byte("DROP TABLE b;")},
	}

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`)).
		WithArgs("0001_init.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`)).
		WithArgs("0002_more.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE b (id INT);`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_migrations(version) VALUES($1)`)).
		WithArgs("0002_more.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, applyMigrations(context.Background(), db, fsys))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := migrationNames(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "0001_init.up.sql", names[0])
}
