package ckpt

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// BlobStore is the storage contract of the coordinator: atomic keyed
// writes, whole-blob reads and existence checks. Keys are slash-separated
// paths under one snapshot root.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// DirStore keeps blobs as files under a local directory. A write lands in
// a temp file in the target directory and is renamed into place, so a blob
// is either absent or complete.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, errors.New("empty snapshot root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create snapshot root %s", root)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *DirStore) Put(ctx context.Context, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "blob %s", key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".loom-*")
	if err != nil {
		return errors.Wrapf(err, "blob %s", key)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "blob %s", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "blob %s", key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "blob %s", key)
	}
	return nil
}

func (s *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	return data, nil
}

func (s *DirStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := os.Stat(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "blob %s", key)
	}
	return true, nil
}
