package registry

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// InUseState is the content of an instance lockfile. It survives the
// daemon, so an id launched by a previous daemon generation stays
// reserved until its group is removed.
type InUseState string

const (
	StateInUse     InUseState = "in-use"
	StateAvailable InUseState = "available"
)

// maxInstanceID bounds the id scan when allocating unused instances.
const maxInstanceID = 256

// InstanceLock is an acquired per-instance lockfile. The flock is held by
// this process until Release; the recorded state is what outlives it.
type InstanceLock struct {
	id   uint32
	file *os.File
}

// InstanceID returns the instance id the lock reserves.
func (l *InstanceLock) InstanceID() uint32 {
	return l.id
}

// Status rewrites the lockfile content to the given state.
func (l *InstanceLock) Status(state InUseState) error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lockfile for instance %d: %w", l.id, err)
	}
	if _, err := l.file.WriteAt([]byte(state), 0); err != nil {
		return fmt.Errorf("write lockfile for instance %d: %w", l.id, err)
	}
	return nil
}

// Release drops the flock and closes the lockfile. The file and its
// recorded state stay on disk.
func (l *InstanceLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlock instance %d: %w", l.id, err)
	}
	return l.file.Close()
}

// LockFileManager hands out per-instance lockfiles under a single
// directory. Ids are reserved with non-blocking exclusive flocks.
type LockFileManager struct {
	dir    string
	logger *log.Logger
}

// NewLockFileManager creates a manager storing lockfiles under dir.
func NewLockFileManager(dir string, logger *log.Logger) (*LockFileManager, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[lockfiles] ", log.LstdFlags|log.Lmsgprefix)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lockfile directory: %w", err)
	}
	return &LockFileManager{dir: dir, logger: logger}, nil
}

func (m *LockFileManager) lockPath(id uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf("local-instance-%d.lock", id))
}

// TryAcquire reserves the lockfile for the given id. It returns nil
// without error when the id is flocked by another process or its
// persisted state says in-use.
func (m *LockFileManager) TryAcquire(id uint32) (*InstanceLock, error) {
	return m.tryAcquire(id, false)
}

func (m *LockFileManager) tryAcquire(id uint32, ignoreState bool) (*InstanceLock, error) {
	file, err := os.OpenFile(m.lockPath(id), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lockfile for instance %d: %w", id, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("lock instance %d: %w", id, err)
	}

	if !ignoreState {
		content, err := io.ReadAll(file)
		if err != nil {
			unix.Flock(int(file.Fd()), unix.LOCK_UN)
			file.Close()
			return nil, fmt.Errorf("read lockfile for instance %d: %w", id, err)
		}
		if InUseState(strings.TrimSpace(string(content))) == StateInUse {
			unix.Flock(int(file.Fd()), unix.LOCK_UN)
			file.Close()
			return nil, nil
		}
	}

	return &InstanceLock{id: id, file: file}, nil
}

// AcquireUnused reserves n unused instance ids, scanning upward from 1.
// Returned locks are ordered by id.
func (m *LockFileManager) AcquireUnused(n int) ([]*InstanceLock, error) {
	var locks []*InstanceLock
	for id := uint32(1); id <= maxInstanceID && len(locks) < n; id++ {
		lock, err := m.TryAcquire(id)
		if err != nil {
			releaseAll(locks)
			return nil, err
		}
		if lock != nil {
			locks = append(locks, lock)
		}
	}
	if len(locks) < n {
		releaseAll(locks)
		return nil, fmt.Errorf("only %d of %d instance ids available", len(locks), n)
	}
	return locks, nil
}

// MarkAvailable rewrites the lockfile for an id that is no longer in use.
// Used when removing groups whose locks the daemon doesn't hold.
func (m *LockFileManager) MarkAvailable(id uint32) error {
	lock, err := m.tryAcquire(id, true)
	if err != nil {
		return err
	}
	if lock == nil {
		// Held by a live process; its holder is responsible for the state.
		return nil
	}
	defer lock.Release()
	return lock.Status(StateAvailable)
}

func releaseAll(locks []*InstanceLock) {
	for _, lock := range locks {
		lock.Release()
	}
}
