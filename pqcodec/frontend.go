package pqcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrUnexpectedMessage is returned when a frontend message of a kind
// the egress handler doesn't expect is received outside feedback drain.
// During feedback drain such messages are skipped without an error and
// are not logged.
var ErrUnexpectedMessage = errors.New("pqcodec: unexpected frontend message")

// FeMessageKind identifies a decoded frontend (extended) protocol message.
type FeMessageKind int

const (
	FeQuery FeMessageKind = iota
	FeCopyData
	FeTerminate
	FeOther
)

// FeMessage is one decoded frontend message following the startup phase.
type FeMessage struct {
	Kind FeMessageKind
	Body []byte
}

// ReadFeMessage reads one type-tagged, length-prefixed frontend message.
func ReadFeMessage(r io.Reader) (FeMessage, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FeMessage{}, err
	}
	typ := hdr[0]
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length < 4 {
		return FeMessage{}, fmt.Errorf("pqcodec: invalid frontend message length %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return FeMessage{}, err
	}

	switch typ {
	case 'Q':
		return FeMessage{Kind: FeQuery, Body: bytes.TrimRight(body, "\x00")}, nil
	case 'd':
		return FeMessage{Kind: FeCopyData, Body: body}, nil
	case 'X':
		return FeMessage{Kind: FeTerminate}, nil
	default:
		return FeMessage{Kind: FeOther, Body: body}, nil
	}
}

// TryReadFeMessageNonBlocking attempts one read of a frontend message
// with a short deadline, giving the egress loop's feedback-drain step
// (spec.md §4.7 step 2) the non-blocking-read behavior the original
// implementation gets from tokio's try_read: a message within the
// deadline, a clean "nothing to read yet" when it times out, or EOF
// when the peer closed. The deadline is cleared before returning.
func TryReadFeMessageNonBlocking(conn net.Conn) (msg FeMessage, ok bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return FeMessage{}, false, err
	}
	defer conn.SetReadDeadline(time.Time{})

	msg, err = ReadFeMessage(conn)
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return FeMessage{}, false, nil
		}
		return FeMessage{}, false, err
	}
	return msg, true, nil
}
