// Package local implements a filesystem object store. Writes go through a
// temp-file-and-rename sequence so a crash never leaves a half-written object
// visible, and multi-key sequences can serialize across processes via an
// advisory file lock.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/noticegrid/ingestor/internal/ingest"
)

const lockRetryDelay = 50 * time.Millisecond

// Config captures the parameters for the local filesystem object store.
type Config struct {
	// BaseDir is the root directory where objects are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ObjectStore writes objects to the local filesystem under BaseDir.
type ObjectStore struct {
	baseDir string
}

// New creates a local filesystem-backed object store.
func New(cfg Config) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up writable test file: %w", err)
	}

	return &ObjectStore{baseDir: cfg.BaseDir}, nil
}

// Put writes the object atomically: temp file in the target directory, fsync,
// rename, parent directory sync.
func (s *ObjectStore) Put(_ context.Context, key string, data []byte) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := s.writeTemp(target, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename object into place: %w", err)
	}
	_ = fsyncDir(filepath.Dir(target))
	return nil
}

// PutIfAbsent creates the object only when it does not already exist. The
// temp file is linked into place, so losers of a race observe fs.ErrExist and
// report created=false with the winner's bytes intact.
func (s *ObjectStore) PutIfAbsent(_ context.Context, key string, data []byte) (bool, error) {
	target, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return false, fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := s.writeTemp(target, data)
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("link object into place: %w", err)
	}
	_ = fsyncDir(filepath.Dir(target))
	return true, nil
}

// Get reads the object or returns ingest.ErrObjectNotFound.
func (s *ObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target) // #nosec G304 -- path validated by resolve
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ingest.ErrObjectNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// List walks the store and returns keys under prefix in sorted order.
func (s *ObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == lockDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, relErr := filepath.Rel(s.baseDir, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object; deleting a missing key is a no-op.
func (s *ObjectStore) Delete(_ context.Context, key string) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

const (
	lockDirName = ".locks"
	tmpPrefix   = ".tmp-"
)

// WithLock runs fn while holding the named advisory file lock, serializing
// multi-key sequences (pointer rotation) across processes sharing BaseDir.
func (s *ObjectStore) WithLock(ctx context.Context, name string, fn func() error) error {
	lockDir := filepath.Join(s.baseDir, lockDirName)
	if err := os.MkdirAll(lockDir, 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(filepath.Join(lockDir, sanitizeLockName(name)+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", name, err)
	}
	if !locked {
		return fmt.Errorf("acquire %s lock: not granted", name)
	}
	fnErr := fn()
	if unlockErr := fl.Unlock(); unlockErr != nil && fnErr == nil {
		return fmt.Errorf("release %s lock: %w", name, unlockErr)
	}
	return fnErr
}

func (s *ObjectStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(key))

	cleanBase := filepath.Clean(s.baseDir)
	cleanFull := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFull, nil
}

func (s *ObjectStore) writeTemp(target string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(target), tmpPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp object: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync temp object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp object: %w", err)
	}
	return tmp, nil
}

func sanitizeLockName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// fsyncDir persists a rename by syncing its directory; some platforms do not
// support directory sync, which is tolerated.
func fsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir) // #nosec G304 -- directory derives from the store root
	if err != nil {
		return err
	}
	defer func() { _ = df.Close() }()
	if err := df.Sync(); err != nil {
		if errors.Is(err, syscall.ENOTSUP) {
			return nil
		}
		return err
	}
	return nil
}
