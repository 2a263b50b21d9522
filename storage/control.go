package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Felmond13/safekeeper/codec"
)

// ControlFileName is the fixed filename of a tenant's durable control
// record within its data directory.
const ControlFileName = "safekeeper.control"

// ControlFile is a tenant's durable, exclusively-locked
// "safekeeper.control" file. Exactly one process may hold the lock for
// a given tenant at a time; that invariant is what makes the Paxos
// handshake in package ingest safe against two safekeeper processes
// racing each other for the same data directory.
type ControlFile struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenAndLock opens (creating if absent) the control file at path and
// acquires an exclusive advisory lock on it. The caller owns the
// returned handle for the remaining lifetime of the process; lock
// contention is reported as an error so the caller can decide how to
// fail (the safekeeper daemon treats it as fatal, per spec).
func OpenAndLock(path string) (*ControlFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open control file %q: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &ControlFile{file: f, path: path}, nil
}

// Close releases the lock and closes the underlying file.
func (c *ControlFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	unlockFile(c.file)
	return c.file.Close()
}

// Load reads the persisted SafeKeeperInfo record. It returns ok=false
// for a freshly created (empty) control file, and a non-nil error —
// which the caller should treat as fatal — if the file is non-empty
// but its magic or format version don't match what this package writes.
func (c *ControlFile) Load() (info codec.SafeKeeperInfo, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, codec.SafeKeeperInfoSize)
	n, readErr := c.file.ReadAt(buf, 0)
	if readErr != nil && readErr != io.EOF {
		return codec.SafeKeeperInfo{}, false, fmt.Errorf("storage: read control file %q: %w", c.path, readErr)
	}
	if n == 0 {
		return codec.SafeKeeperInfo{}, false, nil
	}
	if n < len(buf) {
		return codec.SafeKeeperInfo{}, false, fmt.Errorf("storage: control file %q holds a truncated record (%d of %d bytes)", c.path, n, len(buf))
	}

	decoded, _, decodeErr := codec.UnpackSafeKeeperInfo(buf)
	if decodeErr != nil {
		return codec.SafeKeeperInfo{}, false, fmt.Errorf("storage: decode control file %q: %w", c.path, decodeErr)
	}
	if decoded.Magic != codec.SafeKeeperMagic {
		return codec.SafeKeeperInfo{}, false, fmt.Errorf("storage: control file %q has invalid magic 0x%X", c.path, decoded.Magic)
	}
	if decoded.FormatVersion != codec.SafeKeeperFormatVersion {
		return codec.SafeKeeperInfo{}, false, fmt.Errorf("storage: control file %q has unsupported format version %d", c.path, decoded.FormatVersion)
	}
	return decoded, true, nil
}

// Store persists info at offset 0, optionally fsyncing afterward. The
// write is a single WriteAt call so a crash never leaves a partially
// overwritten record visible to a subsequent Load.
func (c *ControlFile) Store(info codec.SafeKeeperInfo, sync bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := info.Pack(make([]byte, 0, codec.SafeKeeperInfoSize))
	if _, err := c.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("storage: write control file %q: %w", c.path, err)
	}
	if sync {
		if err := c.file.Sync(); err != nil {
			return fmt.Errorf("storage: fsync control file %q: %w", c.path, err)
		}
	}
	return nil
}
