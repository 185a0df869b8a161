// Package lockfile guards a TherapyPipe state directory against a second
// process opening the same SQLite database.
//
// The lock is an flock on a file in the directory, so the kernel drops it
// when the holding process exits, cleanly or not.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "therapypipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Running bool
}

func (h Holder) String() string {
	switch {
	case h.PID == 0:
		return "unknown process"
	case h.Running:
		return fmt.Sprintf("PID %d (running)", h.PID)
	default:
		return fmt.Sprintf("PID %d (not running, stale lock)", h.PID)
	}
}

// LockError is returned when another process holds the lock.
type LockError struct {
	Path   string
	Holder Holder
	Cause  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("state directory is in use by another TherapyPipe instance (%s); lock file %s", e.Holder, e.Path)
}

func (e *LockError) Unwrap() error { return e.Cause }

// IsLocked reports whether err means the directory is held elsewhere.
func IsLocked(err error) bool {
	var le *LockError
	return errors.As(err, &le)
}

// Acquire takes the exclusive lock on dir, creating dir when needed. It fails
// at once with a *LockError if the lock is held.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFileName)

	// O_TRUNC would wipe the holder's PID before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(path)
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "holder", holder.String())
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := writePID(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writePID: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close lock file: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lock.Release: failed to remove lock file", "path", l.path, "error", err)
	}
	l.file = nil
	slog.Debug("Lock.Release: state directory unlocked", "path", l.path)
	return errors.Join(errs...)
}

func readHolder(path string) Holder {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}
	}
	pid := parsePID(string(data))
	if pid == 0 {
		return Holder{}
	}
	return Holder{PID: pid, Running: processRunning(pid)}
}

// parsePID extracts N from a "pid=N" line.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}

func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 probes existence
	return p.Signal(syscall.Signal(0)) == nil
}
