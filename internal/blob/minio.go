// Package blob provides the durable content backends for core.ContentStore:
// an S3-compatible object store through MinIO and a Postgres table.
// core.MemoryBlobStore covers the in-process case.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// MinIOConfig holds the parameters for connecting to MinIO.
type MinIOConfig struct {
	Endpoint        string // host:port, e.g. "localhost:9000"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string // prepended to every object key
}

// MinIO stores canonical grids as objects. Keys fan out on the first two
// hex digits of the hash: <prefix><hash[:2]>/<hash>.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ core.BlobStore = (*MinIO)(nil)

// NewMinIO connects to the endpoint and creates the bucket when missing.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	slog.Info("initializing minio client", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		slog.Info("minio bucket created", "bucket", cfg.Bucket)
	}

	return &MinIO{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Has implements core.BlobStore.
func (m *MinIO) Has(ctx context.Context, hash string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, objectKey(m.prefix, hash), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// Put implements core.BlobStore. Objects are immutable; an existing key is
// left untouched.
func (m *MinIO) Put(ctx context.Context, hash string, data []byte) (bool, error) {
	exists, err := m.Has(ctx, hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	key := objectKey(m.prefix, hash)
	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return false, fmt.Errorf("put object: %w", err)
	}
	slog.Debug("blob stored", "key", key, "size", info.Size)
	return true, nil
}

// Get implements core.BlobStore.
func (m *MinIO) Get(ctx context.Context, hash string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(m.prefix, hash), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, core.NotFound("content", hash)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, core.NotFound("content", hash)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func objectKey(prefix, hash string) string {
	if len(hash) < 2 {
		return prefix + hash
	}
	return prefix + hash[:2] + "/" + hash
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
