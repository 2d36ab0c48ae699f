// Package objectstore implements the archival engine's object-store contract
// (PutObject/GetObject/BucketExists) against the local filesystem.
//
// It plays the role a cloud object-storage client (S3, GCS) would play in a
// production deployment: the archival engine only depends on this narrow
// interface, so swapping in a real cloud SDK later is a matter of writing a
// second implementation, not touching callers. Writes follow the teacher's
// parquet.Writer convention of writing to a temp path and renaming into
// place, so a crash mid-write never leaves a partial object visible under
// its final name.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	mserrors "github.com/metricstore/engine/internal/errors"
)

// Store is a filesystem-rooted object store. Each bucket is a top-level
// directory under root; object keys map directly to relative file paths.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating it if it does not exist.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, mserrors.Transient("create object store root", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(bucket, key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", mserrors.BadInput("key", "must not contain '..'")
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(key)), nil
}

// BucketExists reports whether bucket has been created (has a directory).
func (s *Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	info, err := os.Stat(filepath.Join(s.root, bucket))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, mserrors.Transient("stat bucket", err)
	}
	return info.IsDir(), nil
}

// CreateBucket creates bucket's directory if it does not already exist.
func (s *Store) CreateBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(s.root, bucket), 0o755); err != nil {
		return mserrors.Transient("create bucket", err)
	}
	return nil
}

// PutObject writes data under bucket/key, creating parent directories as
// needed. The write lands atomically: data is staged to a sibling temp file
// and renamed into place.
func (s *Store) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	dst, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return mserrors.Transient("create object parent dir", err)
	}

	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return mserrors.Transient("write temp object", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return mserrors.Transient("rename temp object into place", err)
	}
	return nil
}

// GetObject reads the object at bucket/key. Returns a NotFound error if it
// does not exist.
func (s *Store) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	src, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil, mserrors.NotFound("object", fmt.Sprintf("%s/%s", bucket, key))
	}
	if err != nil {
		return nil, mserrors.Transient("read object", err)
	}
	return data, nil
}

// DeleteObject removes the object at bucket/key. Deleting a missing object
// is not an error, matching the idempotent-delete semantics of real object
// stores.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	dst, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return mserrors.Transient("delete object", err)
	}
	return nil
}

// ObjectReader opens the object at bucket/key for streaming reads; the
// archival engine reads each archive segment through it.
func (s *Store) ObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	src, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil, mserrors.NotFound("object", fmt.Sprintf("%s/%s", bucket, key))
	}
	if err != nil {
		return nil, mserrors.Transient("open object", err)
	}
	return f, nil
}

