// Package ingest implements the internal wire protocol between a WAL
// proposer (wal_proposer/compute node) and this safekeeper: the
// handshake that establishes or recovers a tenant's SafeKeeperInfo, the
// Paxos-style vote exchange that elects a proposer term, and the
// streaming loop that appends WAL batches to segment files and
// publishes new commit positions to waiting egress connections.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/Felmond13/safekeeper/codec"
	"github.com/Felmond13/safekeeper/storage"
	"github.com/Felmond13/safekeeper/tenant"
)

// ErrStaleVote is returned when a RequestVote carries a NodeId ordered
// before the tenant's currently recorded node id; the caller's proposal
// has been superseded by a newer term and must not proceed to stream.
var ErrStaleVote = errors.New("ingest: proposer term rejected, a newer proposer already holds this tenant")

// ErrSenderChanged is returned when a SafeKeeperRequest's sender id no
// longer matches the node id this connection voted in; this indicates
// a second proposer has taken over mid-stream on another connection.
var ErrSenderChanged = errors.New("ingest: sender node id changed mid-stream")

// Notifier requests that a pageserver open a replication connection
// back to this safekeeper, mirroring Postgres's callmemaybe mechanism.
// It is always best-effort: a failure here is logged, not fatal.
type Notifier interface {
	CallMeMaybe(ctx context.Context, systemID uint64) error
}

// NoopNotifier disables the callback entirely (no pageserver_addr configured).
type NoopNotifier struct{}

// CallMeMaybe implements Notifier.
func (NoopNotifier) CallMeMaybe(ctx context.Context, systemID uint64) error { return nil }

// Config carries the subset of process-wide configuration the ingest
// handler needs.
type Config struct {
	NoSync bool
}

// Handle drives one ingest connection end-to-end: handshake, vote, and
// the WAL-streaming loop, until the proposer sends the end-of-stream
// sentinel or the connection fails.
func Handle(ctx context.Context, conn net.Conn, registry *tenant.Registry, cfg Config, scanner storage.WalScanner, notifier Notifier, log zerolog.Logger) error {
	serverInfoBuf, err := readExact(conn, codec.ServerInfoSize)
	if err != nil {
		return fmt.Errorf("ingest: read ServerInfo: %w", err)
	}
	serverInfo, _, err := codec.UnpackServerInfo(serverInfoBuf)
	if err != nil {
		return fmt.Errorf("ingest: decode ServerInfo: %w", err)
	}

	log = log.With().Uint64("system_id", serverInfo.SystemID).Str("peer", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("starting handshake with wal proposer")

	t, err := registry.GetOrCreate(serverInfo.SystemID)
	if err != nil {
		return fmt.Errorf("ingest: resolve tenant: %w", err)
	}

	// The control file is opened and locked once per tenant and stays
	// attached to it for the rest of the process; later handshakes reuse
	// the held handle. Lock or load failure aborts the process.
	cf := t.ControlFile()
	if cf == nil {
		cf, err = storage.OpenAndLock(filepath.Join(t.DataDir(), storage.ControlFileName))
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open and lock control file")
		}
		t.AttachControlFile(cf)
	}

	loaded, ok, err := cf.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load control file")
	}
	myInfo := codec.NewSafeKeeperInfo()
	if ok {
		myInfo = loaded
	}
	t.SetInfo(myInfo)

	if serverInfo.ProtocolVersion != codec.ProtocolVersion {
		return fmt.Errorf("ingest: incompatible protocol version %d vs. %d", serverInfo.ProtocolVersion, codec.ProtocolVersion)
	}
	if serverInfo.PgVersion != myInfo.Server.PgVersion && myInfo.Server.PgVersion != codec.UnknownServerVersion {
		log.Info().Uint32("proposed_pg_version", serverInfo.PgVersion).Uint32("stored_pg_version", myInfo.Server.PgVersion).
			Msg("postgres version mismatch")
	}

	nodeID := myInfo.Server.NodeID
	myInfo.Server = serverInfo
	myInfo.Server.NodeID = nodeID

	flushLSN, err := scanner.FindEndOfWAL(t.DataDir(), serverInfo.Timeline, serverInfo.WalSegSize, true)
	if err != nil {
		return fmt.Errorf("ingest: scan WAL for flush position: %w", err)
	}
	myInfo.FlushLSN = flushLSN

	if _, err := conn.Write(myInfo.Pack(nil)); err != nil {
		return fmt.Errorf("ingest: send SafeKeeperInfo: %w", err)
	}

	voteBuf, err := readExact(conn, codec.RequestVoteSize)
	if err != nil {
		return fmt.Errorf("ingest: read RequestVote: %w", err)
	}
	prop, _, err := codec.UnpackRequestVote(voteBuf)
	if err != nil {
		return fmt.Errorf("ingest: decode RequestVote: %w", err)
	}

	if prop.NodeID.Less(myInfo.Server.NodeID) {
		if _, werr := conn.Write(myInfo.Server.NodeID.Pack(nil)); werr != nil {
			log.Warn().Err(werr).Msg("failed to send rejection node id")
		}
		return fmt.Errorf("%w: proposed term %d, held term %d", ErrStaleVote, prop.NodeID.Term, myInfo.Server.NodeID.Term)
	}

	myInfo.Server.NodeID = prop.NodeID
	t.SetInfo(myInfo)
	if err := cf.Store(myInfo, true); err != nil {
		return fmt.Errorf("ingest: persist vote: %w", err)
	}

	if _, err := conn.Write(prop.NodeID.Pack(nil)); err != nil {
		return fmt.Errorf("ingest: ack node id: %w", err)
	}

	if cerr := notifier.CallMeMaybe(ctx, serverInfo.SystemID); cerr != nil {
		log.Warn().Err(cerr).Msg("failed to send callmemaybe request to pageserver")
	}

	log.Info().Msg("starting WAL streaming")
	return streamLoop(conn, t, cf, &myInfo, prop, serverInfo.Timeline, serverInfo.WalSegSize, cfg, log)
}

func streamLoop(conn net.Conn, t *tenant.State, cf *storage.ControlFile, myInfo *codec.SafeKeeperInfo, prop codec.RequestVote, timeline uint32, walSegSize uint32, cfg Config, log zerolog.Logger) error {
	segWriter := storage.NewSegmentWriter(t.DataDir(), timeline, walSegSize, cfg.NoSync)
	var flushedRestartLSN codec.LSN

	for {
		reqBuf, err := readExact(conn, codec.SafeKeeperRequestSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ingest: read SafeKeeperRequest: %w", err)
		}
		req, _, err := codec.UnpackSafeKeeperRequest(reqBuf)
		if err != nil {
			return fmt.Errorf("ingest: decode SafeKeeperRequest: %w", err)
		}

		if !req.SenderID.Equal(myInfo.Server.NodeID) {
			return ErrSenderChanged
		}
		if req.BeginLSN == codec.EndOfStream {
			log.Info().Msg("proposer stopped streaming")
			return nil
		}

		size := req.EndLSN - req.BeginLSN
		if size > storage.MaxWalBatchSize {
			return fmt.Errorf("ingest: batch of %d bytes exceeds MaxWalBatchSize", size)
		}
		payload, err := readExact(conn, int(size))
		if err != nil {
			return fmt.Errorf("ingest: read WAL payload: %w", err)
		}
		if err := segWriter.Write(req.BeginLSN, payload); err != nil {
			return fmt.Errorf("ingest: write WAL payload: %w", err)
		}

		syncControlFile := false
		endPos := req.EndLSN

		myInfo.RestartLSN = req.RestartLSN
		myInfo.CommitLSN = req.CommitLSN

		// Epoch switch happens when the written record crosses the
		// boundary between recovered and freshly proposed WAL: the max
		// of our own last flush position and the proposer's VCL.
		if myInfo.Epoch < prop.Epoch && endPos > max(myInfo.FlushLSN, prop.VCL) {
			log.Info().Uint64("epoch", prop.Epoch).Msg("switching epoch")
			myInfo.Epoch = prop.Epoch
			syncControlFile = true
		}
		if endPos > myInfo.FlushLSN {
			myInfo.FlushLSN = endPos
		}

		// Amortize the fsync cost of persisting restart_lsn: only force
		// one once the pending delta exceeds a full WAL segment.
		if flushedRestartLSN+codec.LSN(walSegSize) < myInfo.RestartLSN {
			syncControlFile = true
		}
		if err := cf.Store(*myInfo, syncControlFile); err != nil {
			return fmt.Errorf("ingest: persist control file: %w", err)
		}
		if syncControlFile {
			flushedRestartLSN = myInfo.RestartLSN
		}
		t.SetInfo(*myInfo)

		resp := codec.SafeKeeperResponse{Epoch: myInfo.Epoch, FlushLSN: endPos, HSFeedback: t.GetHSFeedback()}
		if _, err := conn.Write(resp.Pack(nil)); err != nil {
			return fmt.Errorf("ingest: send SafeKeeperResponse: %w", err)
		}

		notifyLSN := req.CommitLSN
		if endPos < notifyLSN {
			notifyLSN = endPos
		}
		t.NotifyWalSenders(notifyLSN)
	}
}

func readExact(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

