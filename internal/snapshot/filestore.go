package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tmpSuffix = ".tmp"

// FileStore keeps objects as files under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes to a unique temp file, syncs it, then renames it over the
// final path. Concurrent writers of one key each rename a complete file.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	finalPath := s.path(key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating partition directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(finalPath), filepath.Base(finalPath)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", key, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", key, err)
	}
	return nil
}

// List walks the directory tree in lexical order, skipping directories that
// sort entirely before startAfter.
func (s *FileStore) List(ctx context.Context, prefix, startAfter string, fn func(ObjectInfo) bool) error {
	base := prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		base = prefix[:i]
	} else {
		base = ""
	}
	walkRoot := s.path(base)
	if _, err := os.Stat(walkRoot); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			if key == "." {
				return nil
			}
			dirPrefix := key + "/"
			if dirPrefix < startAfter && !strings.HasPrefix(startAfter, dirPrefix) {
				return filepath.SkipDir
			}
			if !strings.HasPrefix(dirPrefix, prefix) && !strings.HasPrefix(prefix, dirPrefix) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(key, tmpSuffix) || !strings.HasPrefix(key, prefix) || key <= startAfter {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !fn(ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}) {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing %s: %w", prefix, err)
	}
	return nil
}

type fileObject struct {
	*os.File
	size int64
}

func (o *fileObject) Size() int64 { return o.size }

// Open returns the file for range reads.
func (s *FileStore) Open(ctx context.Context, key string) (Object, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &fileObject{File: f, size: st.Size()}, nil
}
