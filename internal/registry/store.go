package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"cvdd/internal/codec"
)

// Store is a scoped accessor over the single file holding the serialized
// registry. Every access deserializes under a file lock, so concurrent
// daemon handlers (and multiple daemon generations) observe a consistent
// view.
//
// The lock is taken on a sidecar ".lock" file with a stable inode. The
// data file itself is replaced by rename on every write; locking the data
// file directly would let a handler that opened the old inode race a
// handler that locked the new one.
type Store struct {
	path     string
	lockPath string
}

// NewStore creates a store backed by the file at path, creating the
// parent directory if needed.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	return &Store{
		path:     path,
		lockPath: path + ".lock",
	}, nil
}

// WithSharedLock presents a read-only view of the registry to fn under a
// shared lock. Multiple shared holders may coexist. The lock is released
// on every exit path.
func (s *Store) WithSharedLock(fn func(data *Data) error) error {
	return s.withLock(unix.LOCK_SH, func(data *Data) (bool, error) {
		return false, fn(data)
	})
}

// WithExclusiveLock presents a mutable view of the registry to fn under
// an exclusive lock. Iff fn succeeds, the mutated registry atomically
// replaces the backing file before the lock is released. On fn failure
// the file is untouched.
func (s *Store) WithExclusiveLock(fn func(data *Data) error) error {
	return s.withLock(unix.LOCK_EX, func(data *Data) (bool, error) {
		if err := fn(data); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Store) withLock(how int, fn func(data *Data) (persist bool, err error)) error {
	lockFile, err := os.OpenFile(s.lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open registry lock file: %w", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), how); err != nil {
		return fmt.Errorf("lock registry file: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	data, err := s.load()
	if err != nil {
		return err
	}

	persist, err := fn(data)
	if err != nil {
		return err
	}
	if !persist {
		return nil
	}

	return s.save(data)
}

// load deserializes the backing file. A missing or empty file is an empty
// registry; anything else that fails to decode is reported loudly, the
// store does not attempt recovery.
func (s *Store) load() (*Data, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Data{}, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	if len(raw) == 0 {
		return &Data{}, nil
	}

	var data Data
	if err := codec.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("registry file %s is corrupted: %w", s.path, err)
	}
	for i := range data.Groups {
		if err := data.Groups[i].Validate(); err != nil {
			return nil, fmt.Errorf("registry file %s holds an invalid group: %w", s.path, err)
		}
	}
	return &data, nil
}

// save atomically replaces the backing file (write to temp file, then
// rename). Caller must hold the exclusive lock.
func (s *Store) save(data *Data) error {
	raw, err := codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialize registry: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0600); err != nil {
		return fmt.Errorf("write registry file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename registry file: %w", err)
	}
	return nil
}
