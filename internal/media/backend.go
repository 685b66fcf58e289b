// Package media implements the content-addressed blob store: deduplicated
// storage keyed by SHA-256, filesystem and S3 backends, on-demand thumbnail
// generation, block/unblock, purge operations, and scoped retention.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/amityvox/continuum/internal/config"
)

// Backend stores blobs keyed by their hex SHA-256. Writes are idempotent:
// storing the same bytes twice is a no-op.
type Backend interface {
	Put(ctx context.Context, sha256Hex string, data []byte) error
	Get(ctx context.Context, sha256Hex string) ([]byte, error)
	Delete(ctx context.Context, sha256Hex string) error
}

// FilesystemBackend lays blobs out under a base directory, optionally
// sharded into depth levels of length hex characters for O(1) directory
// lookups at scale.
type FilesystemBackend struct {
	base   string
	length int
	depth  int
}

// NewFilesystemBackend creates a filesystem backend from config. The
// length x depth < 64 constraint is enforced at config validation.
func NewFilesystemBackend(cfg config.FilesystemConfig) (*FilesystemBackend, error) {
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	b := &FilesystemBackend{base: cfg.Path}
	if cfg.Structure == "deep" {
		b.length = cfg.Length
		b.depth = cfg.Depth
	}
	return b, nil
}

// pathFor shards the hex hash into prefix directories.
func (b *FilesystemBackend) pathFor(sha256Hex string) string {
	parts := []string{b.base}
	for i := 0; i < b.depth && (i+1)*b.length < len(sha256Hex); i++ {
		parts = append(parts, sha256Hex[i*b.length:(i+1)*b.length])
	}
	parts = append(parts, sha256Hex)
	return filepath.Join(parts...)
}

// Put writes a blob, creating shard directories as needed.
func (b *FilesystemBackend) Put(_ context.Context, sha256Hex string, data []byte) error {
	path := b.pathFor(sha256Hex)
	if _, err := os.Stat(path); err == nil {
		return nil // Content-addressed: identical bytes already present.
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing blob: %w", err)
	}
	return nil
}

// Get reads a blob.
func (b *FilesystemBackend) Get(_ context.Context, sha256Hex string) ([]byte, error) {
	data, err := os.ReadFile(b.pathFor(sha256Hex))
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", sha256Hex, err)
	}
	return data, nil
}

// Delete removes a blob; missing blobs are not an error.
func (b *FilesystemBackend) Delete(_ context.Context, sha256Hex string) error {
	err := os.Remove(b.pathFor(sha256Hex))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", sha256Hex, err)
	}
	return nil
}

// S3Backend stores blobs in an S3-compatible bucket via minio-go, compatible
// with Garage, MinIO, AWS S3, and other S3 implementations.
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
	length int
	depth  int
}

// NewS3Backend creates an S3 backend from config.
func NewS3Backend(cfg config.S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 client: %w", err)
	}
	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.PathPrefix,
	}, nil
}

func (b *S3Backend) keyFor(sha256Hex string) string {
	key := sha256Hex
	for i := b.depth; i > 0 && i*b.length < len(sha256Hex); i-- {
		key = sha256Hex[(i-1)*b.length:i*b.length] + "/" + key
	}
	if b.prefix != "" {
		key = b.prefix + "/" + key
	}
	return key
}

// Put uploads a blob.
func (b *S3Backend) Put(ctx context.Context, sha256Hex string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.keyFor(sha256Hex),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", sha256Hex, err)
	}
	return nil
}

// Get downloads a blob.
func (b *S3Backend) Get(ctx context.Context, sha256Hex string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.keyFor(sha256Hex), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s: %w", sha256Hex, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", sha256Hex, err)
	}
	return data, nil
}

// Delete removes a blob.
func (b *S3Backend) Delete(ctx context.Context, sha256Hex string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.keyFor(sha256Hex), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", sha256Hex, err)
	}
	return nil
}

// NewBackend constructs the configured backend.
func NewBackend(cfg config.MediaConfig) (Backend, error) {
	switch cfg.Backend {
	case "filesystem":
		return NewFilesystemBackend(cfg.Filesystem)
	case "s3":
		return NewS3Backend(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown media backend %q", cfg.Backend)
	}
}
