package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/Felmond13/safekeeper/codec"
	"github.com/Felmond13/safekeeper/pqcodec"
	"github.com/Felmond13/safekeeper/storage"
	"github.com/Felmond13/safekeeper/tenant"
)

// handleStartReplication implements spec.md §4.7's START_REPLICATION
// loop: align and validate the requested start position, reply
// CopyBothResponse, then repeatedly determine how far it's safe to
// stream, drain replica feedback, and emit one XLogData frame.
func handleStartReplication(ctx context.Context, conn net.Conn, body []byte, t *tenant.State, cache *segmentCache, cfg Config, scanner storage.WalScanner, log zerolog.Logger) error {
	startPos, stopPos, err := parseLSNPairs(body)
	if err != nil {
		return err
	}

	info := t.GetInfo()
	walSegSize := info.Server.WalSegSize
	if walSegSize == 0 {
		return fmt.Errorf("egress: cannot start replication before the tenant has completed an ingest handshake")
	}
	timeline := info.Server.Timeline

	walEnd, err := scanner.FindEndOfWAL(t.DataDir(), timeline, walSegSize, false)
	if err != nil {
		return fmt.Errorf("egress: scan WAL for START_REPLICATION: %w", err)
	}
	if startPos == 0 {
		startPos = walEnd
	}

	log.Info().Str("start_pos", formatLSN(startPos)).Str("stop_pos", formatLSN(stopPos)).Msg("starting replication")

	if cfg.AlignToSegment {
		startPos -= codec.LSN(storage.SegmentOffset(startPos, walSegSize))
	}

	if _, err := conn.Write(pqcodec.WriteCopyBothResponse(nil)); err != nil {
		return fmt.Errorf("egress: send CopyBothResponse: %w", err)
	}

	for {
		endPos, done, err := nextEndPos(ctx, t, startPos, stopPos)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := drainFeedback(conn, t); err != nil {
			if errors.Is(err, errPeerClosed) {
				return nil
			}
			return err
		}

		segno := storage.SegmentNumber(startPos, walSegSize)
		file, release, ok := cache.get(segno)
		if !ok {
			file, err = storage.OpenForRead(t.DataDir(), timeline, startPos, walSegSize)
			if err != nil {
				return fmt.Errorf("egress: open segment %d for read: %w", segno, err)
			}
			file, release = cache.put(segno, file)
		}

		sendSize := endPos - startPos
		if sendSize > MaxSendSize {
			sendSize = MaxSendSize
		}
		segOff := storage.SegmentOffset(startPos, walSegSize)
		payload := make([]byte, sendSize)
		_, err = file.ReadAt(payload, int64(segOff))
		release()
		if err != nil {
			return fmt.Errorf("egress: read WAL segment: %w", err)
		}

		// end_pos always carries the determined target position, not
		// how far this particular frame's payload reaches: spec.md
		// §4.7 step 4 and the original (wal_service.rs's send_wal)
		// both write the same end_pos into every frame of a batch
		// that had to be split across MaxSendSize, so a replica
		// tracking server WAL progress from end_pos sees the true
		// target rather than an understated one.
		frameEnd := startPos + codec.LSN(sendSize)
		buf := pqcodec.WriteCopyDataXLog(nil, uint64(startPos), uint64(endPos), pqcodec.PgCurrentTimestamp(), payload)
		if _, err := conn.Write(buf); err != nil {
			return fmt.Errorf("egress: send XLogData frame: %w", err)
		}

		startPos = frameEnd
	}
}

// nextEndPos determines how far streaming may advance: stopPos bounds
// a recovery-mode replay, otherwise it registers-checks-waits on the
// tenant's commit notifier for the live tail. It returns done=true
// when recovery has caught up or shutdown has been signaled.
func nextEndPos(ctx context.Context, t *tenant.State, startPos, stopPos codec.LSN) (endPos codec.LSN, done bool, err error) {
	if stopPos != 0 {
		if startPos >= stopPos {
			return 0, true, nil
		}
		return stopPos, false, nil
	}

	commit := t.CommitLSN()
	if startPos >= commit {
		commit = t.WaitForCommit(startPos)
	}
	if commit == codec.ShutdownLSN {
		return 0, true, nil
	}
	return commit, false, nil
}

var errPeerClosed = errors.New("egress: peer closed connection")

// drainFeedback opportunistically reads any buffered HotStandbyFeedback
// CopyData messages off the socket without blocking the streaming loop.
func drainFeedback(conn net.Conn, t *tenant.State) error {
	msg, ok, err := pqcodec.TryReadFeMessageNonBlocking(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errPeerClosed
		}
		return fmt.Errorf("egress: read replica feedback: %w", err)
	}
	if !ok {
		return nil
	}
	if msg.Kind != pqcodec.FeCopyData {
		return nil
	}
	fb, err := codec.UnpackHotStandbyFeedbackBigEndian(msg.Body)
	if err != nil {
		return nil
	}
	t.AddHSFeedback(fb)
	return nil
}
