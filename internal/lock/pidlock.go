package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mattjoyce/logrun/internal/storage"
)

var (
	// ErrAlreadyRunning means a lock marker already exists at the lock path.
	// The owner is not checked for liveness; a stale marker must be removed by hand.
	ErrAlreadyRunning = errors.New("another instance is already running")

	// ErrLockWrite means the marker could not be created or written.
	ErrLockWrite = errors.New("cannot write lock file")
)

// PIDLock is a single-instance lock implemented as a PID marker file.
// The marker is created exclusively; its existence is the lock. While held,
// the descriptor also carries a flock(2) so crash diagnostics can tell a
// live owner from a leftover file.
type PIDLock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Owner describes the process recorded in an existing lock marker.
type Owner struct {
	PID   int
	Alive bool
}

// AcquirePIDLock creates the marker at lockPath, writes the current PID into
// it, and returns a handle that must be released.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("%w: lock path is empty", ErrLockWrite)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create lock directory: %v", ErrLockWrite, err)
	}
	if err := storage.CheckLocal(lockPath, "lock file"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockWrite, err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (lock file %s exists)", ErrAlreadyRunning, lockPath)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrLockWrite, lockPath, err)
	}

	fail := func(step string, err error) (*PIDLock, error) {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockWrite, step, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fail("flock", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write pid", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync lock file", err)
	}

	return &PIDLock{path: lockPath, f: f}, nil
}

func (l *PIDLock) Path() string { return l.path }

// Release removes the marker. It is safe to call more than once and from
// concurrent shutdown paths; a marker that is already gone is not an error.
func (l *PIDLock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}

	// Remove before unlocking so no other process can observe an unlocked
	// marker that still exists.
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil

	if rmErr != nil {
		return fmt.Errorf("remove lock file: %w", rmErr)
	}
	return closeErr
}

// ReadOwner reports the PID recorded in the marker at lockPath and whether
// that process still exists.
func ReadOwner(lockPath string) (Owner, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return Owner{}, fmt.Errorf("parse pid in %s: %w", lockPath, err)
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return Owner{PID: pid}, fmt.Errorf("check pid %d: %w", pid, err)
	}
	return Owner{PID: pid, Alive: alive}, nil
}
