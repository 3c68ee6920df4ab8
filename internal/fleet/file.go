package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"balancerd/internal/common/fsutil"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileStore keeps one JSON file per key inside a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	d, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	if d == "" {
		return nil, errors.New("file store: empty directory")
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return nil, fmt.Errorf("creating fleet directory: %w", err)
	}
	return &FileStore{dir: d}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid fleet key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Put writes through a temp file and rename so readers never see a partial document.
func (s *FileStore) Put(_ context.Context, key string, doc []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *FileStore) Close() error { return nil }
