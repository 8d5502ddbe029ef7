// Package storage defines the blob store contract shared by the GCS, local
// filesystem, and in-memory implementations. Relational persistence lives in
// the postgres subpackage.
package storage

import (
	"context"
	"io"
)

// BlobStore archives opaque artifacts (raw page snapshots) and returns a
// stable URI for later retrieval.
type BlobStore interface {
	// PutObject writes data under path and returns the object URI.
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
}

// NoOpBlobStore discards every write. Useful for dry runs where content is
// fetched but snapshots are not wanted.
type NoOpBlobStore struct{}

func (NoOpBlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", err
	}
	return "noop://" + path, nil
}
