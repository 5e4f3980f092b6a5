package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jmylchreest/vodproxy/internal/config"
)

// OriginalStore persists uploaded source files.
type OriginalStore interface {
	// Put copies the file at srcPath into durable storage under name and
	// returns the key it was stored under, which may differ from name.
	Put(ctx context.Context, srcPath, name string) (string, error)
	// Delete removes a stored original. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// NewOriginalStore returns the store selected by cfg.Backend.
func NewOriginalStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (OriginalStore, error) {
	switch cfg.Backend {
	case "", "local":
		sb, err := NewSandbox(cfg.LibraryDir)
		if err != nil {
			return nil, err
		}
		return NewLocalStore(sb), nil
	case "minio":
		return NewMinioStore(ctx, cfg.Minio, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// LocalStore keeps originals in the library directory.
type LocalStore struct {
	sandbox *Sandbox
}

// NewLocalStore creates a LocalStore over the given sandbox.
func NewLocalStore(sb *Sandbox) *LocalStore {
	return &LocalStore{sandbox: sb}
}

// Put implements OriginalStore. The returned key is relative to the library root.
func (s *LocalStore) Put(_ context.Context, srcPath, name string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	key, err := s.sandbox.WriteNew(filepath.Base(name), src)
	if err != nil {
		return "", fmt.Errorf("storing original: %w", err)
	}
	return key, nil
}

// Delete implements OriginalStore.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	err := s.sandbox.Remove(key)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MinioStore keeps originals in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioStore connects to the endpoint and creates the bucket if needed.
func NewMinioStore(ctx context.Context, cfg config.MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		logger.Info("created originals bucket", slog.String("bucket", cfg.Bucket))
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Put implements OriginalStore. Object keys are prefixed with a random id so
// uploads with the same file name never overwrite each other.
func (s *MinioStore) Put(ctx context.Context, srcPath, name string) (string, error) {
	key := "originals/" + randomHex(12) + "/" + filepath.Base(name)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.FPutObject(ctx, s.bucket, key, srcPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("uploading original: %w", err)
	}
	s.logger.Debug("stored original",
		slog.String("bucket", s.bucket),
		slog.String("key", key),
		slog.Int64("size", info.Size),
	)
	return key, nil
}

// Delete implements OriginalStore.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing original: %w", err)
	}
	return nil
}
