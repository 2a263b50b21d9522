// Package tenant holds the per-SystemId in-memory state a safekeeper
// keeps for the lifetime of the process: the persisted SafeKeeperInfo
// snapshot, the aggregated hot-standby feedback, the held control-file
// handle, and the commit-LSN notifier that lets egress connections
// sleep until ingest has committed more WAL.
package tenant

import (
	"sync"

	"github.com/Felmond13/safekeeper/codec"
	"github.com/Felmond13/safekeeper/storage"
)

// State is the shared state for one tenant (one SystemId). Exactly one
// State exists per SystemId for the process lifetime; the registry in
// registry.go enforces that.
//
// The notifier is built on sync.Cond rather than a channel: Cond.Wait
// atomically releases the mutex and parks the goroutine on the
// condition variable, so a caller that checks the predicate and calls
// Wait while holding the lock cannot miss a concurrent Broadcast the
// way a bare channel send/receive can. That register-then-check-then-wait
// guarantee is exactly what spec.md's notifier contract requires. The
// pattern is carried over from the teacher's concurrency.LockManager,
// which uses the same sync.Cond idiom to let writers sleep until a
// record lock is released.
type State struct {
	id      uint64
	dataDir string

	mu     sync.Mutex
	cond   *sync.Cond
	info   codec.SafeKeeperInfo
	commit codec.LSN
	hs     codec.HotStandbyFeedback

	control *storage.ControlFile
}

// New returns a freshly initialized State for id, rooted at dataDir.
func New(id uint64, dataDir string) *State {
	s := &State{id: id, dataDir: dataDir, hs: codec.NeutralHotStandbyFeedback()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the tenant's SystemId.
func (s *State) ID() uint64 { return s.id }

// DataDir returns the tenant's on-disk directory.
func (s *State) DataDir() string { return s.dataDir }

// AttachControlFile records the locked control-file handle for this
// tenant. Called once, during the ingest handshake that first opens it.
func (s *State) AttachControlFile(cf *storage.ControlFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control = cf
}

// ControlFile returns the tenant's control-file handle, or nil if no
// ingest connection has ever completed a handshake for this tenant.
func (s *State) ControlFile() *storage.ControlFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// GetInfo returns a snapshot of the persisted SafeKeeperInfo.
func (s *State) GetInfo() codec.SafeKeeperInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// SetInfo replaces the in-memory SafeKeeperInfo snapshot. It does not
// itself persist anything; callers are responsible for calling
// ControlFile().Store beforehand or alongside, per spec.md §4.6.
func (s *State) SetInfo(info codec.SafeKeeperInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

// AddHSFeedback merges feedback from one replica into the tenant's
// aggregate (xmin/catalog_xmin take the min, ts takes the max).
func (s *State) AddHSFeedback(fb codec.HotStandbyFeedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = s.hs.Merge(fb)
}

// GetHSFeedback returns the tenant's aggregated hot-standby feedback.
func (s *State) GetHSFeedback() codec.HotStandbyFeedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs
}

// CommitLSN returns the last commit_lsn announced by NotifyWalSenders.
func (s *State) CommitLSN() codec.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit
}

// NotifyWalSenders advances commit_lsn to newCommitLSN and wakes every
// waiting egress sender, if newCommitLSN is actually new. Passing
// codec.ShutdownLSN wakes every sender unconditionally so they can
// unwind and close their connections.
func (s *State) NotifyWalSenders(newCommitLSN codec.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newCommitLSN > s.commit {
		s.commit = newCommitLSN
		s.cond.Broadcast()
	}
}

// Shutdown wakes every waiting egress sender for this tenant so the
// process can exit cleanly.
func (s *State) Shutdown() {
	s.NotifyWalSenders(codec.ShutdownLSN)
}

// WaitForCommit blocks until commit_lsn exceeds startPos or shutdown
// is signaled, then returns the observed commit_lsn (codec.ShutdownLSN
// on shutdown). This implements the register-then-check-then-wait
// idiom directly: the predicate is re-checked under the same mutex
// that guards the broadcast in NotifyWalSenders, so no notification
// between a caller's last check and this call can be lost.
func (s *State) WaitForCommit(startPos codec.LSN) codec.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.commit <= startPos {
		s.cond.Wait()
	}
	return s.commit
}
