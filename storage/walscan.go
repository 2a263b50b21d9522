package storage

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/Felmond13/safekeeper/codec"
)

// segmentNamePattern matches a finalized or partial segment filename:
// 24 hex digits, optionally followed by ".partial".
var segmentNamePattern = regexp.MustCompile(`^([0-9A-Fa-f]{24})(\.partial)?$`)

// WalScanner recovers the last durable WAL position for a tenant at
// startup and is used both by the ingest handshake (§4.6 step 4, the
// "precise" mode) and by the egress handler when it needs to find the
// live tail before a replica has ever observed a commit (§4.7, the
// "imprecise" mode). Spec.md treats the real implementation — which
// must actually parse WAL records to find the last valid one — as an
// opaque external collaborator; FindEndOfWAL below is this package's
// honest stand-in, approximating "last valid record" by scanning for
// the zero-filled tail a crash leaves behind (§4.3's pre-zeroing
// invariant), rather than decoding the WAL's internal record format.
// The stand-in has no cheaper approximation to offer for "imprecise",
// so precise is currently accepted but does not change its behavior.
type WalScanner interface {
	FindEndOfWAL(dir string, timeline uint32, walSegSize uint32, precise bool) (codec.LSN, error)
}

// DefaultWalScanner is the WalScanner used when no test double is injected.
type DefaultWalScanner struct{}

// FindEndOfWAL implements WalScanner.
func (DefaultWalScanner) FindEndOfWAL(dir string, timeline uint32, walSegSize uint32, precise bool) (codec.LSN, error) {
	return FindEndOfWAL(dir, timeline, walSegSize, precise)
}

// FindEndOfWAL locates the current end of the WAL stream for one
// tenant. A partial segment is pre-zeroed to the full walSegSize at
// creation (see zeroFill in segment.go), so its file size on disk is
// always walSegSize and cannot be used to find its actual write
// offset: both precise and imprecise mode scan its content backward
// in BlockSize chunks to find the end of the non-zero tail.
func FindEndOfWAL(dir string, timeline uint32, walSegSize uint32, precise bool) (codec.LSN, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type seg struct {
		segno   uint64
		partial bool
		name    string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		tli, logID, lo, ok := parseSegmentHex(m[1])
		if !ok || tli != timeline {
			continue
		}
		segsPerXLogID := uint64(0x100000000) / uint64(walSegSize)
		segno := logID*segsPerXLogID + lo
		segs = append(segs, seg{segno: segno, partial: m[2] != "", name: e.Name()})
	}
	if len(segs) == 0 {
		return 0, nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].segno < segs[j].segno })
	last := segs[len(segs)-1]

	base := last.segno * uint64(walSegSize)
	path := filepath.Join(dir, last.name)

	if !last.partial {
		// A finalized segment is always full.
		return codec.LSN(base + uint64(walSegSize)), nil
	}

	offset, err := scanTrailingNonZero(path, walSegSize)
	if err != nil {
		return 0, err
	}
	return codec.LSN(base + offset), nil
}

// scanTrailingNonZero returns the offset one past the last non-zero
// byte block in the file, scanning from the end backward in BlockSize
// chunks; a fully zero file returns 0.
func scanTrailingNonZero(path string, walSegSize uint32) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, BlockSize)
	for off := int64(walSegSize) - BlockSize; off >= 0; off -= BlockSize {
		if _, err := f.ReadAt(buf, off); err != nil {
			return 0, err
		}
		if !isAllZero(buf) {
			return uint64(off) + BlockSize, nil
		}
	}
	return 0, nil
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func parseSegmentHex(hex string) (timeline uint32, logID, seg uint64, ok bool) {
	if len(hex) != 24 {
		return 0, 0, 0, false
	}
	tli, err := strconv.ParseUint(hex[0:8], 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	log, err := strconv.ParseUint(hex[8:16], 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	lo, err := strconv.ParseUint(hex[16:24], 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint32(tli), log, lo, true
}
