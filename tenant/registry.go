package tenant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrNoTenants is returned by GetOrCreate(0) when the process has never
// seen a ServerInfo for any tenant yet, so the single-tenant convenience
// lookup has nothing to return.
var ErrNoTenants = errors.New("tenant: no active tenants yet")

// Registry owns the set of tenants a safekeeper process is serving. A
// SystemId of 0 is the single-tenant convenience mode: ingest and
// egress connections that don't know their SystemId up front (e.g. an
// egress connection's IDENTIFY_SYSTEM before a proposer has attached)
// are routed to whichever single tenant already exists.
type Registry struct {
	mu      sync.Mutex
	dataDir string
	tenants map[uint64]*State
}

// NewRegistry returns an empty Registry rooted at dataDir.
func NewRegistry(dataDir string) *Registry {
	return &Registry{dataDir: dataDir, tenants: make(map[uint64]*State)}
}

// GetOrCreate returns the State for systemID, creating its on-disk
// directory and in-memory state on first reference. systemID == 0
// selects the single-tenant convenience mode: it returns an existing
// tenant (an arbitrary one if several exist), or ErrNoTenants if none
// has been created yet.
func (r *Registry) GetOrCreate(systemID uint64) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if systemID == 0 {
		for _, t := range r.tenants {
			return t, nil
		}
		return nil, ErrNoTenants
	}

	if t, ok := r.tenants[systemID]; ok {
		return t, nil
	}

	dir := filepath.Join(r.dataDir, strconv.FormatUint(systemID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tenant: create directory %q: %w", dir, err)
	}

	t := New(systemID, dir)
	r.tenants[systemID] = t
	return t, nil
}

// Lookup returns the State for systemID without creating it.
func (r *Registry) Lookup(systemID uint64) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[systemID]
	return t, ok
}

// All returns a snapshot of every tenant currently registered, for use
// by the metrics collector and graceful shutdown.
func (r *Registry) All() []*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*State, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out
}
