package ingest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Felmond13/safekeeper/pqcodec"
)

// PageserverNotifier implements Notifier by connecting to a pageserver
// as a libpq client and issuing a "callmemaybe" simple query, the way
// the original's request_callback does: it tells the pageserver to
// open its own START_REPLICATION connection back to this safekeeper's
// listen address rather than polling.
type PageserverNotifier struct {
	// Addr is the pageserver's replication endpoint. An empty Addr
	// disables the callback entirely.
	Addr string
	// ListenAddr is this safekeeper's own listen address, advertised
	// to the pageserver so it knows where to reconnect.
	ListenAddr string
	// DialTimeout bounds the best-effort connection attempt. Zero
	// means 5 seconds.
	DialTimeout time.Duration
}

// CallMeMaybe implements Notifier.
func (p PageserverNotifier) CallMeMaybe(ctx context.Context, systemID uint64) error {
	if p.Addr == "" {
		return nil
	}

	timeout := p.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("ingest: dial pageserver %s: %w", p.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	startup := pqcodec.WriteStartupMessage(map[string]string{
		"user":     "no_user",
		"database": "no_db",
	})
	if _, err := conn.Write(startup); err != nil {
		return fmt.Errorf("ingest: send startup to pageserver: %w", err)
	}
	if err := drainUntilReady(conn); err != nil {
		return fmt.Errorf("ingest: pageserver handshake: %w", err)
	}

	host, port, err := net.SplitHostPort(p.ListenAddr)
	if err != nil {
		return fmt.Errorf("ingest: invalid listen address %q: %w", p.ListenAddr, err)
	}
	query := fmt.Sprintf("callmemaybe host=%s port=%s replication=1 options='-c system.id=%s'",
		host, port, strconv.FormatUint(systemID, 10))
	if _, err := conn.Write(pqcodec.WriteQuery(query)); err != nil {
		return fmt.Errorf("ingest: send callmemaybe query: %w", err)
	}
	return drainUntilReady(conn)
}

// drainUntilReady reads backend messages until ReadyForQuery or an
// ErrorResponse, ignoring everything else: this notifier only cares
// whether the pageserver accepted the request, not its row results.
func drainUntilReady(conn net.Conn) error {
	for {
		msg, err := pqcodec.ReadBackendMessage(conn)
		if err != nil {
			return err
		}
		switch msg.Tag {
		case 'Z':
			return nil
		case 'E':
			return fmt.Errorf("ingest: pageserver returned an error response")
		}
	}
}
