// Package pqcodec implements the small subset of the Postgres frontend
// and backend wire protocol that the egress replication handler needs:
// startup-packet negotiation, the simple query protocol, CopyBoth
// framing, and the streaming-replication XLogData payload. It is a
// minimal, purpose-built codec rather than a general libpq client —
// the pair of collaborators spec.md calls "the pq-codec dependency".
package pqcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

// Startup sub-message kinds, identified by the 4-byte code that follows
// the packet length.
const (
	sslRequestCode    uint32 = 80877103
	gssEncRequestCode uint32 = 80877104
	cancelRequestCode uint32 = 80877102
)

// StartupKind classifies a parsed startup packet.
type StartupKind int

const (
	StartupNegotiateSSL StartupKind = iota
	StartupNegotiateGSS
	StartupCancel
	StartupNormal
)

// StartupMessage is a parsed frontend startup packet.
type StartupMessage struct {
	Kind   StartupKind
	Params map[string]string // only populated for StartupNormal
}

// ReadStartupPacket reads a complete startup packet from r, including
// its own 4-byte length prefix. Used for every startup packet after
// the first — the dispatcher already consumes the first packet's
// length as its routing peek, so that one goes through
// ReadStartupMessage instead.
func ReadStartupPacket(r io.Reader) (StartupMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return StartupMessage{}, err
	}
	return ReadStartupMessage(r, binary.BigEndian.Uint32(lenBuf[:]))
}

// ReadStartupMessage reads one startup packet from r. The caller has
// already consumed the packet's 4-byte length prefix (the dispatcher's
// length-peek) and passes it in as peekedLen.
func ReadStartupMessage(r io.Reader, peekedLen uint32) (StartupMessage, error) {
	if peekedLen < 8 {
		return StartupMessage{}, fmt.Errorf("pqcodec: startup packet too short: %d", peekedLen)
	}
	body := make([]byte, peekedLen-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return StartupMessage{}, fmt.Errorf("pqcodec: read startup body: %w", err)
	}
	code := binary.BigEndian.Uint32(body[0:4])

	switch code {
	case sslRequestCode:
		return StartupMessage{Kind: StartupNegotiateSSL}, nil
	case gssEncRequestCode:
		return StartupMessage{Kind: StartupNegotiateGSS}, nil
	case cancelRequestCode:
		return StartupMessage{Kind: StartupCancel}, nil
	}

	params, err := parseStartupParams(body[4:])
	if err != nil {
		return StartupMessage{}, err
	}
	return StartupMessage{Kind: StartupNormal, Params: params}, nil
}

func parseStartupParams(buf []byte) (map[string]string, error) {
	params := make(map[string]string)
	parts := bytes.Split(bytes.TrimRight(buf, "\x00"), []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		params[string(parts[i])] = string(parts[i+1])
	}
	return params, nil
}

var optionsSystemIDPattern = regexp.MustCompile(`system[._]id[=\s]+(\d+)`)

// SystemIDFromStartupParams extracts the tenant's SystemId from a
// startup packet's parameters: either a direct "system_id" key (set by
// this codebase's own clients) or a "-c system_id=<N>" / "-c
// system.id=<N>" fragment embedded in the "options" parameter, the
// form the original callmemaybe mechanism used.
func SystemIDFromStartupParams(params map[string]string) (uint64, bool) {
	if v, ok := params["system_id"]; ok {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			return id, true
		}
	}
	if opts, ok := params["options"]; ok {
		if m := optionsSystemIDPattern.FindStringSubmatch(opts); m != nil {
			if id, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				return id, true
			}
		}
	}
	return 0, false
}
