// Package s3 backs storage.ObjectStore with an S3-compatible endpoint via the
// MinIO client. Snapshots, remote tabular files, and export archives all go
// through it.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/polyquery/polyquery/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// blobAPI is the slice of the MinIO client the store depends on. Tests
// substitute a fake.
type blobAPI interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	EnsureBucket(ctx context.Context, bucket, region string) error
}

type Store struct {
	api    blobAPI
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	store, err := newStore(cfg.Bucket, cfg.Prefix, minioAPI{client: mc})
	if err != nil {
		return nil, err
	}
	if cfg.AutoCreateBucket {
		if err := store.api.EnsureBucket(ctx, store.bucket, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, fmt.Errorf("ensure bucket %q: %w", store.bucket, err)
		}
	}
	return store, nil
}

func newStore(bucket, prefix string, api blobAPI) (*Store, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	return &Store{api: api, bucket: bucket, prefix: cleanKey(prefix)}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) error {
	resolved, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := s.api.Upload(ctx, s.bucket, resolved, body, size, opts.ContentType); err != nil {
		return fmt.Errorf("put object %q: %w", resolved, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resolved, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.api.Download(ctx, s.bucket, resolved)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", resolved, err)
	}
	return reader, nil
}

// resolve prepends the configured prefix and rejects keys that escape it.
// Every path segment must be a plain name.
func (s *Store) resolve(key string) (string, error) {
	key = cleanKey(key)
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("object key %q is not a clean path", key)
		}
	}
	if s.prefix == "" {
		return key, nil
	}
	return s.prefix + "/" + key, nil
}

func cleanKey(key string) string {
	return strings.Trim(strings.TrimSpace(key), "/")
}

// splitEndpoint accepts either a bare host:port or a scheme-qualified URL.
// An https scheme forces TLS regardless of the useSSL flag.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("endpoint %q has no host", raw)
	}
	return parsed.Host, parsed.Scheme == "https" || useSSL, nil
}

type minioAPI struct {
	client *minio.Client
}

func (m minioAPI) Upload(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return foldNotFound(err)
}

func (m minioAPI) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, foldNotFound(err)
	}
	// GetObject is lazy; Stat forces the first request so missing keys fail
	// here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, foldNotFound(err)
	}
	return obj, nil
}

func (m minioAPI) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return foldNotFound(err)
	}
	if exists {
		return nil
	}
	return foldNotFound(m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func foldNotFound(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return storage.ErrObjectNotFound
	}
	return err
}
