package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/polyquery/polyquery/internal/storage"
)

func TestPutResolvesKeyUnderPrefix(t *testing.T) {
	fake := &fakeAPI{}
	store, err := newStore("exports-bucket", "polyquery/prod", fake)
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}

	err = store.Put(context.Background(), "/exports/date=2026-02-19/query-q-1.csv", bytes.NewBufferString("abc"), 3, storage.PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.uploadBucket != "exports-bucket" {
		t.Fatalf("bucket = %q", fake.uploadBucket)
	}
	if fake.uploadKey != "polyquery/prod/exports/date=2026-02-19/query-q-1.csv" {
		t.Fatalf("key = %q", fake.uploadKey)
	}
	if fake.uploadContentType != "text/csv" {
		t.Fatalf("content type = %q", fake.uploadContentType)
	}
}

func TestResolveRejectsUncleanKeys(t *testing.T) {
	store, err := newStore("exports-bucket", "", &fakeAPI{})
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	for _, key := range []string{"", "   ", "../secrets.txt", "a/../b", "a//b", "./a"} {
		if _, err := store.resolve(key); err == nil {
			t.Fatalf("resolve(%q) accepted an unclean key", key)
		}
	}
	resolved, err := store.resolve("snapshots/datasources.json")
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if resolved != "snapshots/datasources.json" {
		t.Fatalf("resolved = %q", resolved)
	}
}

func TestGetMapsMissingObject(t *testing.T) {
	fake := &fakeAPI{downloadErr: storage.ErrObjectNotFound}
	store, err := newStore("exports-bucket", "", fake)
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "snapshots/missing.json"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
}

func TestGetReturnsBody(t *testing.T) {
	fake := &fakeAPI{downloadBody: "payload"}
	store, err := newStore("exports-bucket", "team", fake)
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	reader, err := store.Get(context.Background(), "snapshots/datasources.json")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("body = %q", string(data))
	}
	if fake.downloadKey != "team/snapshots/datasources.json" {
		t.Fatalf("key = %q", fake.downloadKey)
	}
}

func TestNewStoreRequiresBucket(t *testing.T) {
	if _, err := newStore("  ", "", &fakeAPI{}); err == nil {
		t.Fatal("expected a bucket validation error")
	}
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{raw: "https://minio.example.com", wantHost: "minio.example.com", wantSecure: true},
		{raw: "http://minio.example.com:9000", wantHost: "minio.example.com:9000", wantSecure: false},
		{raw: "minio.internal:9000", useSSL: true, wantHost: "minio.internal:9000", wantSecure: true},
		{raw: "  ", wantErr: true},
		{raw: "https://", wantErr: true},
	}
	for _, tc := range cases {
		host, secure, err := splitEndpoint(tc.raw, tc.useSSL)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("splitEndpoint(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("splitEndpoint(%q) error = %v", tc.raw, err)
		}
		if host != tc.wantHost || secure != tc.wantSecure {
			t.Fatalf("splitEndpoint(%q) = %q/%v, want %q/%v", tc.raw, host, secure, tc.wantHost, tc.wantSecure)
		}
	}
}

type fakeAPI struct {
	uploadBucket      string
	uploadKey         string
	uploadContentType string
	downloadKey       string
	downloadBody      string
	downloadErr       error
	ensuredBucket     string
}

func (f *fakeAPI) Upload(_ context.Context, bucket, key string, body io.Reader, _ int64, contentType string) error {
	f.uploadBucket = bucket
	f.uploadKey = key
	f.uploadContentType = contentType
	_, _ = io.Copy(io.Discard, body)
	return nil
}

func (f *fakeAPI) Download(_ context.Context, _, key string) (io.ReadCloser, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	f.downloadKey = key
	return io.NopCloser(strings.NewReader(f.downloadBody)), nil
}

func (f *fakeAPI) EnsureBucket(_ context.Context, bucket, _ string) error {
	f.ensuredBucket = bucket
	return nil
}
