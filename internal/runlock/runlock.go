// Package runlock serializes anatprep runs on one subject/session across
// processes with an advisory file lock.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"anatprep/internal/services"
)

// FileName is the lock file created in each session's derivatives directory.
const FileName = ".anatprep.lock"

// Lock is a held session lock.
type Lock struct {
	path string
	lock *flock.Flock
}

// Acquire takes the lock in dir without blocking. A lock held by another
// process returns services.ErrBusy; owner, when non-empty, is recorded in
// the lock file so the error can name the holder.
func Acquire(dir, owner string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		holder := readOwner(path)
		msg := "another anatprep run holds " + path
		if holder != "" {
			msg += " (" + holder + ")"
		}
		return nil, services.Wrap(services.ErrBusy, "runlock", "acquire", msg, nil)
	}
	if owner != "" {
		_ = os.WriteFile(path, []byte(owner+"\n"), 0o644)
	}
	return &Lock{path: path, lock: fl}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks. Releasing a nil lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

func readOwner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
