package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// Postgres stores canonical grids in the content_blobs table created by
// the store migrations.
type Postgres struct {
	db *sqlx.DB
}

var _ core.BlobStore = (*Postgres)(nil)

// NewPostgres wraps an open database.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Has implements core.BlobStore.
func (p *Postgres) Has(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowxContext(ctx, `SELECT EXISTS(SELECT 1 FROM content_blobs WHERE hash=$1)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blob: %w", err)
	}
	return exists, nil
}

// Put implements core.BlobStore.
func (p *Postgres) Put(ctx context.Context, hash string, data []byte) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO content_blobs (hash, data, size_bytes) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING`,
		hash, data, len(data))
	if err != nil {
		return false, fmt.Errorf("insert blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert blob: %w", err)
	}
	return n == 1, nil
}

// Get implements core.BlobStore.
func (p *Postgres) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := p.db.GetContext(ctx, &data, `SELECT data FROM content_blobs WHERE hash=$1`, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFound("content", hash)
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}
