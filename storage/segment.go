package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Felmond13/safekeeper/codec"
)

// BlockSize is the unit of zero-fill used when pre-allocating a new
// partial segment, matching Postgres's XLOG_BLCKSZ.
const BlockSize = 8192

// MaxWalBatchSize is the largest single WAL byte-range this safekeeper
// accepts from a proposer or emits to a replica in one frame: 16 blocks.
const MaxWalBatchSize = 16 * BlockSize

var zeroBlock [BlockSize]byte

// SegmentNumber returns floor(lsn / walSegSize).
func SegmentNumber(lsn codec.LSN, walSegSize uint32) uint64 {
	return lsn / uint64(walSegSize)
}

// SegmentOffset returns lsn mod walSegSize.
func SegmentOffset(lsn codec.LSN, walSegSize uint32) uint64 {
	return lsn % uint64(walSegSize)
}

// SegmentFileName reproduces Postgres's XLogFileName: a 24 hex digit
// name encoding the timeline, the high bits of the segment number, and
// its low bits, so segments from different timelines never collide.
func SegmentFileName(timeline uint32, segno uint64, walSegSize uint32) string {
	segsPerXLogID := uint64(0x100000000) / uint64(walSegSize)
	logID := segno / segsPerXLogID
	seg := segno % segsPerXLogID
	return fmt.Sprintf("%08X%08X%08X", timeline, logID, seg)
}

// PartialSuffix is appended to a segment's finalized name while it is
// still being actively written.
const PartialSuffix = ".partial"

// SegmentWriter appends proposer-supplied WAL bytes to a tenant's
// segment files, creating and zero-filling new segments on demand and
// finalizing them when a write crosses a segment boundary. It holds no
// long-lived file handles: every Write opens, writes, and closes,
// mirroring the original wal_service's per-call open/seek/write/sync.
type SegmentWriter struct {
	dir        string
	timeline   uint32
	walSegSize uint32
	noSync     bool
}

// NewSegmentWriter returns a writer for the tenant directory dir.
func NewSegmentWriter(dir string, timeline uint32, walSegSize uint32, noSync bool) *SegmentWriter {
	return &SegmentWriter{dir: dir, timeline: timeline, walSegSize: walSegSize, noSync: noSync}
}

// Write appends buf to the WAL starting at startPos, splitting across
// segment boundaries as needed and renaming each segment from its
// ".partial" name to its finalized name as soon as it is completely
// written. See spec.md §4.3 for the algorithm this implements.
func (w *SegmentWriter) Write(startPos codec.LSN, buf []byte) error {
	if len(buf) > MaxWalBatchSize {
		return fmt.Errorf("storage: WAL batch of %d bytes exceeds max %d", len(buf), MaxWalBatchSize)
	}
	bytesLeft := len(buf)
	bytesWritten := 0
	pos := startPos
	xlogoff := SegmentOffset(pos, w.walSegSize)

	for bytesLeft > 0 {
		chunk := bytesLeft
		if xlogoff+uint64(chunk) > uint64(w.walSegSize) {
			chunk = int(uint64(w.walSegSize) - xlogoff)
		}

		segno := SegmentNumber(pos, w.walSegSize)
		f, partial, err := w.openForWrite(segno)
		if err != nil {
			return err
		}

		_, werr := f.WriteAt(buf[bytesWritten:bytesWritten+chunk], int64(xlogoff))
		if werr == nil && !w.noSync {
			werr = f.Sync()
		}
		closeErr := f.Close()
		if werr != nil {
			return fmt.Errorf("storage: write segment %s: %w", w.segmentPath(segno, partial), werr)
		}
		if closeErr != nil {
			return fmt.Errorf("storage: close segment %s: %w", w.segmentPath(segno, partial), closeErr)
		}

		bytesWritten += chunk
		bytesLeft -= chunk
		pos += codec.LSN(chunk)
		xlogoff += uint64(chunk)

		if xlogoff == uint64(w.walSegSize) {
			xlogoff = 0
			if partial {
				if err := w.finalize(segno); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (w *SegmentWriter) segmentPath(segno uint64, partial bool) string {
	name := SegmentFileName(w.timeline, segno, w.walSegSize)
	if partial {
		name += PartialSuffix
	}
	return filepath.Join(w.dir, name)
}

// openForWrite resolves the target file for segno, trying the
// finalized name first, then the ".partial" name, and finally creating
// a freshly zero-filled ".partial" file. Finalized segments are opened
// write-only without truncation and are never re-opened once renamed
// by finalize — callers must not request a write into a segment they
// know to already be complete.
func (w *SegmentWriter) openForWrite(segno uint64) (*os.File, bool, error) {
	finalPath := w.segmentPath(segno, false)
	if f, err := os.OpenFile(finalPath, os.O_WRONLY, 0644); err == nil {
		return f, false, nil
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("storage: open segment %s: %w", finalPath, err)
	}

	partialPath := w.segmentPath(segno, true)
	if f, err := os.OpenFile(partialPath, os.O_WRONLY, 0644); err == nil {
		return f, true, nil
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("storage: open segment %s: %w", partialPath, err)
	}

	f, err := os.OpenFile(partialPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("storage: create segment %s: %w", partialPath, err)
	}
	if err := zeroFill(f, w.walSegSize); err != nil {
		f.Close()
		os.Remove(partialPath)
		return nil, false, fmt.Errorf("storage: zero-fill segment %s: %w", partialPath, err)
	}
	return f, true, nil
}

func zeroFill(f *os.File, walSegSize uint32) error {
	var written uint32
	for written < walSegSize {
		n := uint32(len(zeroBlock))
		if walSegSize-written < n {
			n = walSegSize - written
		}
		if _, err := f.Write(zeroBlock[:n]); err != nil {
			return err
		}
		written += n
	}
	return f.Sync()
}

func (w *SegmentWriter) finalize(segno uint64) error {
	partialPath := w.segmentPath(segno, true)
	finalPath := w.segmentPath(segno, false)
	if err := os.Rename(partialPath, finalPath); err != nil {
		return fmt.Errorf("storage: finalize segment %s: %w", partialPath, err)
	}
	return nil
}

// OpenForRead opens the segment holding lsn for reading, preferring the
// still-partial variant (the live tail) over the finalized name, as
// the egress handler streams from whichever currently exists.
func OpenForRead(dir string, timeline uint32, lsn codec.LSN, walSegSize uint32) (*os.File, error) {
	segno := SegmentNumber(lsn, walSegSize)
	name := SegmentFileName(timeline, segno, walSegSize)
	partialPath := filepath.Join(dir, name+PartialSuffix)
	if f, err := os.Open(partialPath); err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("storage: open segment %s: %w", partialPath, err)
	}

	finalPath := filepath.Join(dir, name)
	f, err := os.Open(finalPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment %s: %w", finalPath, err)
	}
	return f, nil
}
