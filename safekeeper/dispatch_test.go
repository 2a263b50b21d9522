package safekeeper

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Felmond13/safekeeper/codec"
	"github.com/Felmond13/safekeeper/egress"
	"github.com/Felmond13/safekeeper/ingest"
	"github.com/Felmond13/safekeeper/storage"
	"github.com/Felmond13/safekeeper/tenant"
)

type pipeConn struct{ net.Conn }

func (pipeConn) RemoteAddr() net.Addr { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "pipe" }
func (dummyAddr) String() string  { return "pipe" }

func newPipe() (net.Conn, net.Conn) {
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

type countingCounters struct {
	ingest, egress int
}

func (c *countingCounters) IngestConnectionAccepted() { c.ingest++ }
func (c *countingCounters) EgressConnectionAccepted() { c.egress++ }

func newHandlers(t *testing.T) (Handlers, *countingCounters) {
	registry := tenant.NewRegistry(t.TempDir())
	counters := &countingCounters{}
	return Handlers{
		Registry: registry,
		Caches:   egress.NewCacheRegistry(),
		Scanner:  storage.DefaultWalScanner{},
		Notifier: ingest.NoopNotifier{},
		Egress:   egress.Config{},
		Counters: counters,
	}, counters
}

// TestDispatchConnectionRoutesIngestOnZeroPeek drives a minimal valid
// ingest handshake through dispatchConnection and confirms it reaches
// ingest.Handle (not egress.Handle) by checking the counters and that
// the connection completes the handshake instead of erroring out as
// an invalid startup packet.
func TestDispatchConnectionRoutesIngestOnZeroPeek(t *testing.T) {
	h, counters := newHandlers(t)
	serverConn, clientConn := newPipe()

	done := make(chan error, 1)
	go func() {
		done <- dispatchConnection(context.Background(), serverConn, h, zerolog.Nop())
	}()

	// The ingest wire starts with a 4-byte zero word that the dispatcher
	// consumes as its peek, followed by a full ServerInfo record. An
	// all-zero ServerInfo names SystemID 0 while the registry is still
	// empty, so ingest.Handle fails to resolve a tenant and returns an
	// error, which is enough to prove routing.
	var serverInfoBuf [256]byte
	binary.LittleEndian.PutUint32(serverInfoBuf[0:4], 0)
	if _, err := clientConn.Write(serverInfoBuf[:4+codec.ServerInfoSize]); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, 1, counters.ingest)
		require.Equal(t, 0, counters.egress)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatchConnection did not return")
	}
}

func TestDispatchConnectionRoutesEgressOnNonZeroPeek(t *testing.T) {
	h, counters := newHandlers(t)
	serverConn, clientConn := newPipe()

	done := make(chan error, 1)
	go func() {
		done <- dispatchConnection(context.Background(), serverConn, h, zerolog.Nop())
	}()

	var body []byte
	body = binary.BigEndian.AppendUint32(body, 196608)
	body = append(body, "system_id"...)
	body = append(body, 0)
	body = append(body, "7"...)
	body = append(body, 0, 0)
	packet := make([]byte, 0, 4+len(body))
	packet = binary.BigEndian.AppendUint32(packet, uint32(4+len(body)))
	packet = append(packet, body...)
	if _, err := clientConn.Write(packet); err != nil {
		t.Fatalf("write startup packet: %v", err)
	}

	buf := make([]byte, 9)
	if _, err := io.ReadFull(clientConn, buf); err != nil {
		t.Fatalf("read AuthenticationOk: %v", err)
	}
	require.Equal(t, byte('R'), buf[0])

	_ = clientConn.Close()
	select {
	case <-done:
		require.Equal(t, 0, counters.ingest)
		require.Equal(t, 1, counters.egress)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatchConnection did not return")
	}
}
