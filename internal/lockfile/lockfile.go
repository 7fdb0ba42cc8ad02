// Package lockfile guards a CounselPipe state directory against concurrent
// long-running processes of the same role.
//
// Locks use flock(2), so the kernel drops them when the holder exits, even on a crash.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file used when no role is given.
const LockFileName = "counselpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Role    string
	Started time.Time
}

// FileName returns the lock file name for role.
func FileName(role string) string {
	role = strings.TrimSpace(role)
	if role == "" {
		return LockFileName
	}
	return "counselpipe-" + role + ".lock"
}

// AcquireLock takes the exclusive lock for role in stateDir without blocking.
// If another live process holds it, a *LockError describes that process.
func AcquireLock(stateDir, role string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, FileName(role))
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath, "role", role)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadHolder(lockPath)
		slog.Error("lockfile.AcquireLock: lock held by another process",
			"error", err, "lock_path", lockPath, "holder_pid", holder.PID, "holder_role", holder.Role)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, role); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: lock acquired", "lock_path", lockPath, "pid", os.Getpid(), "role", role)
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// Remove while still holding the lock so a waiting process never sees our record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil

	slog.Info("lockfile.Release: lock released", "lock_path", l.path)
	return err
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	b.WriteString("another CounselPipe process is already using this state directory\n\n")
	fmt.Fprintf(&b, "Lock file: %s\n", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Holder.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "Holder: PID %d (%s)", e.Holder.PID, state)
		if e.Holder.Role != "" {
			fmt.Fprintf(&b, ", role %s", e.Holder.Role)
		}
		if !e.Holder.Started.IsZero() {
			fmt.Fprintf(&b, ", started %s", e.Holder.Started.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nIf no other CounselPipe process is running, remove the stale lock with:\n  rm %s\n", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// ReadHolder parses the key=value record written by the lock holder.
func ReadHolder(lockPath string) (Holder, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return Holder{}, err
	}
	defer f.Close()
	return parseHolder(bufio.NewScanner(f)), nil
}

func parseHolder(sc *bufio.Scanner) Holder {
	var h Holder
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "role":
			h.Role = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

func writeHolder(file *os.File, role string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	record := fmt.Sprintf("pid=%d\nrole=%s\nstarted=%s\n", os.Getpid(), role, time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(record); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
