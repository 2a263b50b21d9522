package safekeeper

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server owns the listening socket and fans out one goroutine per
// accepted connection under an errgroup.Group, the way
// ashita-ai-akashi's Scorer.BackfillScoring fans out its worker pool —
// here unbounded and long-running rather than batch-limited, since a
// safekeeper's connection count is driven by proposers and replicas
// connecting and disconnecting over the life of the process.
type Server struct {
	Handlers Handlers
	Log      zerolog.Logger
}

// Serve accepts connections on ln until ctx is canceled. On
// cancellation it closes the listener (unblocking Accept), signals
// every registered tenant's waiters to unblock via Shutdown, releases
// cached segment file handles, and then waits for every in-flight
// connection goroutine to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gCtx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-gCtx.Done():
				s.shutdownTenants()
				return g.Wait()
			default:
				return fmt.Errorf("safekeeper: accept: %w", err)
			}
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		g.Go(func() error {
			defer conn.Close()
			peer := conn.RemoteAddr().String()
			if err := dispatchConnection(gCtx, conn, s.Handlers, s.Log); err != nil {
				s.Log.Warn().Err(err).Str("peer", peer).Msg("connection handler returned an error")
			}
			return nil
		})
	}
}

// shutdownTenants wakes every WaitForCommit caller across every
// registered tenant so in-flight egress streams observe the
// cancellation instead of blocking forever, then releases cached
// segment handles.
func (s *Server) shutdownTenants() {
	for _, t := range s.Handlers.Registry.All() {
		t.Shutdown()
	}
	if s.Handlers.Caches != nil {
		s.Handlers.Caches.CloseAll()
	}
}
