package tenant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Felmond13/safekeeper/codec"
)

func TestStateWaitForCommitWakesOnNotify(t *testing.T) {
	s := New(1, t.TempDir())

	done := make(chan codec.LSN, 1)
	go func() {
		done <- s.WaitForCommit(100)
	}()

	// Give the waiter time to register inside Cond.Wait before notifying.
	time.Sleep(20 * time.Millisecond)
	s.NotifyWalSenders(150)

	select {
	case got := <-done:
		require.Equal(t, codec.LSN(150), got)
	case <-time.After(time.Second):
		t.Fatal("WaitForCommit did not wake up after NotifyWalSenders")
	}
}

func TestStateWaitForCommitWakesOnShutdown(t *testing.T) {
	s := New(1, t.TempDir())

	done := make(chan codec.LSN, 1)
	go func() {
		done <- s.WaitForCommit(0)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Shutdown()

	select {
	case got := <-done:
		require.Equal(t, codec.ShutdownLSN, got)
	case <-time.After(time.Second):
		t.Fatal("WaitForCommit did not wake up after Shutdown")
	}
}

func TestStateNotifyWalSendersIgnoresStaleValue(t *testing.T) {
	s := New(1, t.TempDir())
	s.NotifyWalSenders(200)
	s.NotifyWalSenders(100)
	require.Equal(t, codec.LSN(200), s.CommitLSN())
}

func TestStateHSFeedbackMerge(t *testing.T) {
	s := New(1, t.TempDir())
	s.AddHSFeedback(codec.HotStandbyFeedback{TS: 5, Xmin: 100, CatalogXmin: 200})
	s.AddHSFeedback(codec.HotStandbyFeedback{TS: 10, Xmin: 50, CatalogXmin: 300})

	got := s.GetHSFeedback()
	require.Equal(t, uint64(10), got.TS)
	require.Equal(t, uint64(50), got.Xmin)
	require.Equal(t, uint64(200), got.CatalogXmin)
}

func TestRegistryGetOrCreateSingleTenantMode(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if _, err := r.GetOrCreate(0); err == nil {
		t.Fatal("expected ErrNoTenants before any tenant exists")
	}

	created, err := r.GetOrCreate(42)
	require.NoError(t, err)
	require.Equal(t, uint64(42), created.ID())

	viaZero, err := r.GetOrCreate(0)
	require.NoError(t, err)
	require.Equal(t, created, viaZero)
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry(t.TempDir())
	first, err := r.GetOrCreate(7)
	require.NoError(t, err)
	second, err := r.GetOrCreate(7)
	require.NoError(t, err)
	require.Same(t, first, second)
}
