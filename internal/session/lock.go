package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLockTimeout is how long a writer waits for the store lock.
	DefaultLockTimeout = 5 * time.Second

	// DefaultLockStaleAfter is the lock age after which it is treated as
	// abandoned by a crashed writer and reclaimed.
	DefaultLockStaleAfter = 30 * time.Second

	lockRetryInterval = 50 * time.Millisecond
)

// LockPolicy controls lock acquisition.
// A zero StaleAfter disables stale lock reclamation.
type LockPolicy struct {
	Timeout    time.Duration
	StaleAfter time.Duration
}

// DefaultLockPolicy returns the default acquisition policy.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{Timeout: DefaultLockTimeout, StaleAfter: DefaultLockStaleAfter}
}

// Lock is a held sidecar lock file. Release removes it.
type Lock struct {
	path   string
	owner  string
	logger *slog.Logger
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Owner returns the token written into the lock file.
func (l *Lock) Owner() string {
	return l.owner
}

// Release removes the lock file if it still carries this lock's owner token.
// A lock reclaimed as stale and re-acquired by another writer is left alone.
// Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	defer func() { l.path = "" }()

	owner, err := readLockOwner(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to read session lock", "path", l.path, "error", err)
		}
		return
	}
	if owner != l.owner {
		l.logger.Warn("session lock taken over by another writer; not removing",
			"path", l.path,
			"owner", l.owner,
			"current_owner", owner,
		)
		return
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove session lock", "path", l.path, "error", err)
		return
	}
	l.logger.Debug("session lock released", "path", l.path, "owner", l.owner)
}

// AcquireLock creates lockPath exclusively, waiting up to policy.Timeout.
// A lock file older than policy.StaleAfter is removed and acquisition retried.
// On timeout the existing lock file is left untouched.
//
// Callers must defer Release on the returned lock.
func AcquireLock(ctx context.Context, lockPath string, policy LockPolicy, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = discardLogger()
	}
	if dir := filepath.Dir(lockPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, ioError(lockPath, "failed to create lock directory", err)
		}
	}

	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	owner := uuid.NewString()
	start := time.Now()

	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			writeErr := writeLockBody(file, owner)
			if closeErr := file.Close(); writeErr == nil {
				writeErr = closeErr
			}
			if writeErr != nil {
				_ = os.Remove(lockPath)
				return nil, ioError(lockPath, "failed to write lock", writeErr)
			}
			logger.Debug("session lock acquired", "path", lockPath, "owner", owner)
			return &Lock{path: lockPath, owner: owner, logger: logger}, nil
		}
		if !isLockContention(err, lockPath) {
			return nil, ioError(lockPath, "failed to acquire lock", err)
		}

		if age, stale := staleLockAge(lockPath, policy.StaleAfter, time.Now()); stale {
			if removeErr := os.Remove(lockPath); removeErr == nil || os.IsNotExist(removeErr) {
				logger.Warn("reclaimed stale session lock", "path", lockPath, "age", age)
				continue
			}
		}

		if time.Since(start) >= timeout {
			return nil, &Error{
				Code:    ErrCodeLockTimeout,
				Message: fmt.Sprintf("timed out acquiring lock after %s", timeout),
				Path:    lockPath,
			}
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &Error{
				Code:    ErrCodeLockTimeout,
				Message: "lock wait cancelled",
				Path:    lockPath,
				Err:     ctx.Err(),
			}
		case <-timer.C:
		}
	}
}

type lockBody struct {
	Owner     string `json:"owner"`
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
}

// writeLockBody records the owner token plus diagnostic data. Contention and
// staleness only look at the file's existence and mtime; the owner is read
// back on release.
func writeLockBody(file *os.File, owner string) error {
	encoded, err := json.Marshal(lockBody{
		Owner:     owner,
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = file.Write(append(encoded, '\n'))
	return err
}

// readLockOwner returns the owner token of the lock file at path. A body
// that does not parse yields an empty owner.
func readLockOwner(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var body lockBody
	if json.Unmarshal(data, &body) != nil {
		return "", nil
	}
	return body.Owner, nil
}

func isLockContention(acquireErr error, lockPath string) bool {
	if errors.Is(acquireErr, os.ErrExist) {
		return true
	}
	if !errors.Is(acquireErr, os.ErrPermission) {
		return false
	}
	// Windows reports a pending delete as a permission error.
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func staleLockAge(lockPath string, staleAfter time.Duration, now time.Time) (time.Duration, bool) {
	if staleAfter <= 0 {
		return 0, false
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return 0, false
	}
	age := now.Sub(info.ModTime())
	return age, age > staleAfter
}

// lockPathFor returns the sidecar lock path for a store path: the store's
// extension is replaced with ".lock", so "default.jsonl" and "default.sqlite"
// share "default.lock". A store already named "*.lock" gets ".lock" appended
// so the lock never aliases the store.
func lockPathFor(storePath string) string {
	ext := filepath.Ext(storePath)
	if strings.EqualFold(ext, ".lock") {
		return storePath + ".lock"
	}
	return strings.TrimSuffix(storePath, ext) + ".lock"
}
