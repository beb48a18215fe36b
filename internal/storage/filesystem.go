package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const sniffLen = 512

// FilesystemStorage keeps uploads as files under baseDir
type FilesystemStorage struct {
	baseDir string
}

// NewFilesystemStorage creates baseDir if needed. An empty baseDir uses the
// system temp directory
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "snap-ask-uploads")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &FilesystemStorage{baseDir: baseDir}, nil
}

// Dir returns the directory uploads are written to
func (fs *FilesystemStorage) Dir() string {
	return fs.baseDir
}

// Save streams r into a new file. At most limit bytes are accepted; a larger
// body returns ErrTooLarge and leaves no file behind. ContentType in the
// returned metadata is sniffed from the first bytes
func (fs *FilesystemStorage) Save(ctx context.Context, r io.Reader, limit int64) (*Metadata, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	key := uuid.NewString() + ".upload"
	path := filepath.Join(fs.baseDir, key)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() { _ = os.Remove(path) })
	}

	var head bytes.Buffer
	src := io.TeeReader(io.LimitReader(r, limit+1), &limitedBuffer{buf: &head, max: sniffLen})
	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if n > limit {
		cleanup()
		return nil, nil, ErrTooLarge
	}

	return &Metadata{
		Key:         key,
		Path:        path,
		Size:        n,
		ContentType: http.DetectContentType(head.Bytes()),
	}, cleanup, nil
}

// GetReader returns a reader for the upload at the given key
func (fs *FilesystemStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("upload not found: %s", key)
		}
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	return file, nil
}

// Exists checks if an upload exists at the given key
func (fs *FilesystemStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat upload: %w", err)
	}
	return true, nil
}

func (fs *FilesystemStorage) resolve(key string) (string, error) {
	base := filepath.Clean(fs.baseDir)
	path := filepath.Clean(filepath.Join(base, key))
	if key == "" || !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key: path traversal detected")
	}
	return path, nil
}

// limitedBuffer keeps the first max bytes written to it
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf.Write(p[:room])
	}
	return len(p), nil
}
