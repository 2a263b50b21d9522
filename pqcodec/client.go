package pqcodec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteStartupMessage builds a Normal startup packet (protocol version
// 3.0) carrying params, the frontend-side counterpart of
// ReadStartupMessage. Used by the callmemaybe notifier to open a
// replication connection to a pageserver as a libpq client.
func WriteStartupMessage(params map[string]string) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint32(body, 196608) // protocol version 3.0
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	packet := make([]byte, 0, 4+len(body))
	packet = binary.BigEndian.AppendUint32(packet, uint32(4+len(body)))
	packet = append(packet, body...)
	return packet
}

// WriteQuery builds a simple-query ('Q') frontend message.
func WriteQuery(text string) []byte {
	body := append([]byte(text), 0)
	buf := make([]byte, 0, 5+len(body))
	buf = append(buf, 'Q')
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(body)))
	buf = append(buf, body...)
	return buf
}

// BackendMessage is one type-tagged, length-prefixed message read from
// a backend (server) by a client, e.g. AuthenticationOk, ReadyForQuery,
// CommandComplete, or ErrorResponse.
type BackendMessage struct {
	Tag  byte
	Body []byte
}

// ReadBackendMessage reads one backend message. It does not interpret
// the tag: callers needing only a handshake's completion can read
// until they see ReadyForQuery ('Z') or an ErrorResponse ('E').
func ReadBackendMessage(r io.Reader) (BackendMessage, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return BackendMessage{}, err
	}
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length < 4 {
		return BackendMessage{}, fmt.Errorf("pqcodec: invalid backend message length %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return BackendMessage{}, err
	}
	return BackendMessage{Tag: hdr[0], Body: body}, nil
}
