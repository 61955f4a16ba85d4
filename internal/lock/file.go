package lock

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// errWouldBlock means the file is locked by someone else right now.
var errWouldBlock = errors.New("lock file is held")

// FileLock is an exclusive flock(2) on a file containing the holder's PID.
// Keep the lock alive by keeping the handle; the kernel drops it when the
// process dies.
type FileLock struct {
	path string
	f    *os.File
}

// TryLockFile attempts a non-blocking exclusive lock on path. It returns
// errWouldBlock when another holder has it.
func TryLockFile(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errWouldBlock
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	// The scanner may have unlinked the file between our open and flock; a
	// lock on an unlinked inode excludes nobody.
	opened, err := f.Stat()
	if err != nil {
		unlockAndClose(f)
		return nil, fmt.Errorf("stat lock file: %w", err)
	}
	current, err := os.Stat(path)
	if err != nil || !os.SameFile(opened, current) {
		unlockAndClose(f)
		return nil, errWouldBlock
	}

	if err := writePID(f); err != nil {
		unlockAndClose(f)
		return nil, err
	}

	return &FileLock{path: path, f: f}, nil
}

// LockFile blocks until path is locked, ctx is done, or the deadline passes,
// re-trying every poll interval.
func LockFile(ctx context.Context, path string, timeout, poll time.Duration) (*FileLock, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		fl, err := TryLockFile(path)
		if err == nil {
			return fl, nil
		}
		if !errors.Is(err, errWouldBlock) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errWouldBlock
		case <-ticker.C:
		}
	}
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func unlockAndClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

// Path returns the lock file location.
func (l *FileLock) Path() string { return l.path }

// Release drops the lock. It is safe to call on a nil or released handle.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

// AcquirePIDLock takes a single-instance lock at lockPath without waiting.
// Used to keep a single scanner/server per state directory.
func AcquirePIDLock(lockPath string) (*FileLock, error) {
	fl, err := TryLockFile(lockPath)
	if errors.Is(err, errWouldBlock) {
		return nil, fmt.Errorf("acquire lock: %s is held by another process", lockPath)
	}
	return fl, err
}

// FileName maps a lock key onto a safe file name. Keys that need escaping get
// a short hash suffix so distinct keys never collide.
func FileName(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	safe = strings.TrimLeft(safe, ".")
	if safe != key || safe == "" {
		sum := blake3.Sum256([]byte(key))
		safe += "-" + hex.EncodeToString(sum[:4])
	}
	return safe + ".lock"
}
