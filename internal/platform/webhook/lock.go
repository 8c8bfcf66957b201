package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// Lock is a held synchronisation lock. Refresh confirms the lock is still
// held and extends it where the lock can expire; it fails with
// apperr.ErrLocked once the lock has been lost.
type Lock interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out non-blocking named locks. Acquire fails with
// apperr.ErrLocked when the lock is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lock, error)
}

// LockName identifies the critical section of one kind on one endpoint.
// Credentials in the endpoint URL are left out.
func LockName(kind Kind, endpoint string) string {
	return string(kind) + "@" + redact(endpoint)
}

// MemoryLocker serialises runs inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(_ context.Context, name string) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, fmt.Errorf("%w: %s", apperr.ErrLocked, name)
	}
	l.held[name] = true
	return memoryLock{l: l, name: name}, nil
}

type memoryLock struct {
	l    *MemoryLocker
	name string
}

func (m memoryLock) Refresh(context.Context) error { return nil }

func (m memoryLock) Release(context.Context) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	delete(m.l.held, m.name)
	return nil
}

// FileLocker serialises runs across processes on one host with flock(2)
// files under dir.
type FileLocker struct {
	dir string
}

// NewFileLocker creates dir if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

// Path returns the lock file used for name. Endpoint URLs are hashed so
// the file name stays portable.
func (l *FileLocker) Path(name string) string {
	kind, _, _ := strings.Cut(name, "@")
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(l.dir, fmt.Sprintf("%s-%s.lock", kind, hex.EncodeToString(sum[:8])))
}

func (l *FileLocker) Acquire(_ context.Context, name string) (Lock, error) {
	fl := flock.New(l.Path(name))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", apperr.ErrLocked, name, fl.Path())
	}
	return fileLock{fl: fl}, nil
}

type fileLock struct {
	fl *flock.Flock
}

func (f fileLock) Refresh(context.Context) error {
	if !f.fl.Locked() {
		return fmt.Errorf("%w: %s is no longer held", apperr.ErrLocked, f.fl.Path())
	}
	return nil
}

func (f fileLock) Release(context.Context) error {
	return f.fl.Unlock()
}
