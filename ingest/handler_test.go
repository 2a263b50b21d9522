package ingest

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Felmond13/safekeeper/codec"
	"github.com/Felmond13/safekeeper/storage"
	"github.com/Felmond13/safekeeper/tenant"
)

const testWalSegSize = 16 * 1024 * 1024

type pipeConn struct {
	net.Conn
}

func (pipeConn) RemoteAddr() net.Addr { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "pipe" }
func (dummyAddr) String() string  { return "pipe" }

func newPipe() (net.Conn, net.Conn) {
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

func TestHandleHandshakeAndOneStreamingRound(t *testing.T) {
	dir := t.TempDir()
	registry := tenant.NewRegistry(dir)
	logger := zerolog.Nop()

	serverConn, proposerConn := newPipe()

	nodeID := codec.NodeId{Term: 1, UUID: uuid.New()}

	done := make(chan error, 1)
	go func() {
		done <- Handle(context.Background(), serverConn, registry, Config{NoSync: true}, storage.DefaultWalScanner{}, NoopNotifier{}, logger)
	}()

	// Proposer side of the handshake.
	si := codec.ServerInfo{
		ProtocolVersion: codec.ProtocolVersion,
		PgVersion:       150000,
		NodeID:          codec.NodeId{},
		SystemID:        7,
		WalEnd:          0,
		Timeline:        1,
		WalSegSize:      testWalSegSize,
	}
	mustWrite(t, proposerConn, si.Pack(nil))

	myInfoBuf := mustRead(t, proposerConn, codec.SafeKeeperInfoSize)
	myInfo, _, err := codec.UnpackSafeKeeperInfo(myInfoBuf)
	require.NoError(t, err)
	require.Equal(t, codec.SafeKeeperMagic, myInfo.Magic)

	vote := codec.RequestVote{NodeID: nodeID, VCL: 0, Epoch: 1}
	mustWrite(t, proposerConn, vote.Pack(nil))

	ackBuf := mustRead(t, proposerConn, codec.NodeIDSize)
	ackID, _, err := codec.UnpackNodeId(ackBuf)
	require.NoError(t, err)
	require.True(t, ackID.Equal(nodeID))

	// LSN 0 is the end-of-stream sentinel, so real batches start at 1 —
	// matching Postgres, where LSN 0 is never a valid WAL position.
	payload := []byte("hello-wal-record-data")
	const beginLSN = codec.LSN(1)
	endLSN := beginLSN + codec.LSN(len(payload))
	req := codec.SafeKeeperRequest{
		SenderID:   nodeID,
		BeginLSN:   beginLSN,
		EndLSN:     endLSN,
		RestartLSN: beginLSN,
		CommitLSN:  endLSN,
	}
	mustWrite(t, proposerConn, req.Pack(nil))
	mustWrite(t, proposerConn, payload)

	respBuf := mustRead(t, proposerConn, codec.SafeKeeperResponseSize)
	resp, _, err := codec.UnpackSafeKeeperResponse(respBuf)
	require.NoError(t, err)
	require.Equal(t, endLSN, resp.FlushLSN)

	endReq := codec.SafeKeeperRequest{SenderID: nodeID, BeginLSN: codec.EndOfStream}
	mustWrite(t, proposerConn, endReq.Pack(nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after end-of-stream")
	}

	tn, ok := registry.Lookup(7)
	require.True(t, ok)
	require.Equal(t, endLSN, tn.CommitLSN())
}

func TestHandleRejectsStaleVote(t *testing.T) {
	dir := t.TempDir()
	registry := tenant.NewRegistry(dir)
	logger := zerolog.Nop()

	highTerm := codec.NodeId{Term: 10, UUID: uuid.New()}
	lowTerm := codec.NodeId{Term: 1, UUID: uuid.New()}

	// Pre-seed a control file recording a higher term already elected.
	tn, err := registry.GetOrCreate(9)
	require.NoError(t, err)
	_ = tn
	cf, err := storage.OpenAndLock(dir + "/9/safekeeper.control")
	require.NoError(t, err)
	info := codec.NewSafeKeeperInfo()
	info.Server.SystemID = 9
	info.Server.NodeID = highTerm
	require.NoError(t, cf.Store(info, true))
	require.NoError(t, cf.Close())

	serverConn, proposerConn := newPipe()
	done := make(chan error, 1)
	go func() {
		done <- Handle(context.Background(), serverConn, registry, Config{NoSync: true}, storage.DefaultWalScanner{}, NoopNotifier{}, logger)
	}()

	si := codec.ServerInfo{ProtocolVersion: codec.ProtocolVersion, SystemID: 9, Timeline: 1, WalSegSize: testWalSegSize}
	mustWrite(t, proposerConn, si.Pack(nil))
	mustRead(t, proposerConn, codec.SafeKeeperInfoSize)

	vote := codec.RequestVote{NodeID: lowTerm, VCL: 0, Epoch: 1}
	mustWrite(t, proposerConn, vote.Pack(nil))

	rejectBuf := mustRead(t, proposerConn, codec.NodeIDSize)
	rejectID, _, err := codec.UnpackNodeId(rejectBuf)
	require.NoError(t, err)
	require.True(t, rejectID.Equal(highTerm))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStaleVote)
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after rejecting a stale vote")
	}
}

func mustWrite(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func mustRead(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}
