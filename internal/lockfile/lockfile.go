// Package lockfile guards the SQLite state directory against concurrent
// CarePipe processes using an advisory flock that the kernel releases
// automatically if the process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "carepipe.lock"

// Lock holds an exclusive lock on a state directory until released.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// LockError reports that the state directory lock is held by another process.
type LockError struct {
	LockPath   string
	HolderInfo string
	Cause      error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CarePipe instance is already running (lock file %s", e.LockPath)
	if e.HolderInfo != "" {
		msg += ", held by " + e.HolderInfo
	}
	return msg + "); remove the lock file only if the holding process is gone"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// AcquireLock takes an exclusive advisory lock on stateDir, creating the
// directory if needed. On conflict the returned LockError identifies the
// holding process and whether it is still alive.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, &LockError{LockPath: lockPath, HolderInfo: holderInfo(lockPath), Cause: err}
	}

	// Record our PID only after the flock is won so a losing process
	// never clobbers the holder's record.
	if err := file.Truncate(0); err == nil {
		_, err = fmt.Fprintf(file, "pid=%d\n", os.Getpid())
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}

	l.acquired = false
	l.file = nil
	slog.Info("Lock.Release: released state directory lock", "lock_path", l.path)
	return nil
}

// holderInfo reads the holder's PID from an existing lock file and reports
// whether that process is still alive. Returns "" when the file is unreadable
// or carries no PID.
func holderInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return ""
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "pid=%d", &pid); err != nil || pid <= 0 {
		return ""
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d (not running, lock may be stale)", pid)
}

// processAlive reports whether a process with the given PID exists.
// Signal 0 checks for existence without delivering anything.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
