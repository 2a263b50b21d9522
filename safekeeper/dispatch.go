// Package safekeeper is the top-level glue: it dispatches each
// accepted connection to the ingest or egress protocol handler based
// on its first four bytes, and runs the acceptor loop that owns the
// listener, the tenant registry, and graceful shutdown — playing the
// role the teacher's api package plays for the document store.
package safekeeper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/Felmond13/safekeeper/egress"
	"github.com/Felmond13/safekeeper/ingest"
	"github.com/Felmond13/safekeeper/storage"
	"github.com/Felmond13/safekeeper/tenant"
)

// ConnectionCounters receives a callback for each dispatched
// connection kind, satisfied by *metrics.Collector in production.
type ConnectionCounters interface {
	IngestConnectionAccepted()
	EgressConnectionAccepted()
}

// noopCounters is used when the caller doesn't care about metrics.
type noopCounters struct{}

func (noopCounters) IngestConnectionAccepted() {}
func (noopCounters) EgressConnectionAccepted() {}

// Handlers bundles the dependencies dispatchConnection routes a
// connection to, mirroring the original Connection::run's single
// length-peek branch between receive_wal and send_wal.
type Handlers struct {
	Registry *tenant.Registry
	Caches   *egress.CacheRegistry
	Scanner  storage.WalScanner
	Notifier ingest.Notifier
	Ingest   ingest.Config
	Egress   egress.Config
	Counters ConnectionCounters
}

// dispatchConnection reads the 4-byte big-endian length every
// protocol starts a connection with. A value of 0 is the internal
// protocol's end-of-stream sentinel reused as a framing marker (no
// startup packet is ever that short), routing to ingest; any other
// value is a real Postgres startup-packet length, routing to egress
// with that length already consumed.
func dispatchConnection(ctx context.Context, conn net.Conn, h Handlers, log zerolog.Logger) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("safekeeper: read connection-kind peek: %w", err)
	}
	peeked := binary.BigEndian.Uint32(lenBuf[:])

	counters := h.Counters
	if counters == nil {
		counters = noopCounters{}
	}

	if peeked == 0 {
		counters.IngestConnectionAccepted()
		return ingest.Handle(ctx, conn, h.Registry, h.Ingest, h.Scanner, h.Notifier, log)
	}
	counters.EgressConnectionAccepted()
	return egress.Handle(ctx, conn, peeked, h.Registry, h.Caches, h.Egress, h.Scanner, log)
}
