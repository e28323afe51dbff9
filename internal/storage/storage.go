// Package storage keeps proof files. Keys are immutable: a stored object is
// never overwritten, each proof version gets its own key.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open for a missing key.
var ErrNotFound = errors.New("object not found")

// Bucket stores proof files and hands out URLs a client can open.
type Bucket interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	URL(ctx context.Context, key string) (string, error)
}

// Opener is implemented by buckets whose files are streamed through the API
// instead of a URL. Such a bucket's URL returns "".
type Opener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
