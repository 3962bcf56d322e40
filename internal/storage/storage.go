// Package storage defines the blob persistence surface shared by datasource
// snapshots, remote tabular files, and export archiving.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound reports that no object exists under the requested key.
var ErrObjectNotFound = errors.New("object not found")

// PutOptions carries optional metadata attached to a stored object.
type PutOptions struct {
	ContentType string
}

// ObjectStore is the blob interface the service needs: snapshots and export
// archives are written with Put, snapshot restores and remote tabular files
// are fetched with Get. Get returns ErrObjectNotFound for missing keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
