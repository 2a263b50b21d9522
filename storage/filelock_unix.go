//go:build !windows

// Package storage implements the durable on-disk state of a tenant: the
// single-record control file and the segmented WAL files.
package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile acquires an exclusive, non-blocking advisory lock on the
// already-open control file f. It must be held for the lifetime of the
// process; a second safekeeper instance attempting to lock the same
// tenant observes EWOULDBLOCK and aborts (see control.go's OpenAndLock).
func lockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("storage: control file %q is locked by another process: %w", f.Name(), err)
	}
	return nil
}

// unlockFile releases the lock acquired by lockFile. Only used by tests;
// production control files are locked for the process lifetime and
// released implicitly on exit.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
