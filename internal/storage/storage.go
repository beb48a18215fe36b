// Package storage holds uploaded images for the lifetime of one request
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrTooLarge is returned by Save when the upload exceeds its limit
var ErrTooLarge = errors.New("upload exceeds size limit")

// Reader provides read access to stored uploads
type Reader interface {
	// GetReader returns a reader for the upload at the given key
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an upload exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Metadata describes a stored upload
type Metadata struct {
	Key         string
	Path        string
	Size        int64
	ContentType string
}

// UploadStore saves request uploads. The returned cleanup removes the
// upload and is safe to call more than once
type UploadStore interface {
	Reader

	Save(ctx context.Context, r io.Reader, limit int64) (*Metadata, func(), error)
}
