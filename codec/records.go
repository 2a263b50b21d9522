// Package codec implements the fixed-layout little-endian wire records
// exchanged between a WAL proposer and a safekeeper, and between a
// safekeeper and the downstream replicas/page servers that re-request
// its committed state. Every record has a size known a priori to both
// sides — there is no framing or length prefix here, unlike the
// replication protocol spoken over pqcodec.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTruncated is returned by an Unpack function when the supplied
// buffer is shorter than the record it is asked to decode.
var ErrTruncated = errors.New("codec: truncated buffer")

// LSN is a 64-bit monotonic byte offset into the logical WAL stream.
type LSN = uint64

// Fixed on-disk/on-wire sizes, in bytes, of every record in this package.
const (
	NodeIDSize              = 8 + 16
	ServerInfoSize          = 4 + 4 + NodeIDSize + 8 + 8 + 4 + 4
	RequestVoteSize         = NodeIDSize + 8 + 8
	SafeKeeperInfoSize      = 4 + 4 + 8 + ServerInfoSize + 8 + 8 + 8
	SafeKeeperRequestSize   = NodeIDSize + 8 + 8 + 8 + 8
	HotStandbyFeedbackSize  = 8 + 8 + 8
	SafeKeeperResponseSize  = 8 + 8 + HotStandbyFeedbackSize
)

// SafeKeeperMagic and SafeKeeperFormatVersion identify a valid control file.
const (
	SafeKeeperMagic         uint32 = 0xCAFECEEF
	SafeKeeperFormatVersion uint32 = 1
)

// ProtocolVersion is the internal proposer<->safekeeper protocol
// version this package speaks.
const ProtocolVersion uint32 = 1

// UnknownServerVersion is the sentinel pg_version stored before any
// proposer has ever completed a handshake with this tenant.
const UnknownServerVersion uint32 = 0

// EndOfStream is the begin_lsn sentinel a proposer sends to cleanly
// terminate an ingest connection.
const EndOfStream LSN = 0

// ShutdownLSN is the commit_lsn sentinel that wakes every waiting
// egress sender so it can unwind and close.
const ShutdownLSN = ^LSN(0)

func truncated(buf []byte, need int) error {
	if len(buf) < need {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, need, len(buf))
	}
	return nil
}

// NodeId uniquely identifies a Paxos round's candidate writer. Nodes
// are totally ordered by comparing Term first, then UUID — see Less.
type NodeId struct {
	Term uint64
	UUID uuid.UUID
}

// Less reports whether n sorts strictly before o: term first, then
// uuid. Pack lays out the bytes so that a plain byte-string comparison
// of two packed NodeIds agrees with Less — term is written big-endian
// and first so it dominates the comparison, exactly as it dominates Less.
func (n NodeId) Less(o NodeId) bool {
	if n.Term != o.Term {
		return n.Term < o.Term
	}
	return bytes.Compare(n.UUID[:], o.UUID[:]) < 0
}

// Equal reports whether n and o identify the same node.
func (n NodeId) Equal(o NodeId) bool {
	return n.Term == o.Term && n.UUID == o.UUID
}

func (n NodeId) String() string {
	return fmt.Sprintf("(term=%d, uuid=%s)", n.Term, n.UUID)
}

// Pack appends the wire encoding of n to buf and returns the result.
func (n NodeId) Pack(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, n.Term)
	buf = append(buf, n.UUID[:]...)
	return buf
}

// UnpackNodeId decodes a NodeId from the front of buf, returning the
// decoded value and the unconsumed remainder.
func UnpackNodeId(buf []byte) (NodeId, []byte, error) {
	if err := truncated(buf, NodeIDSize); err != nil {
		return NodeId{}, buf, err
	}
	var n NodeId
	n.Term = binary.BigEndian.Uint64(buf[0:8])
	copy(n.UUID[:], buf[8:24])
	return n, buf[NodeIDSize:], nil
}

// ServerInfo describes the proposer side of a handshake: protocol and
// Postgres versions, the proposer's node identity, and WAL geometry.
type ServerInfo struct {
	ProtocolVersion uint32
	PgVersion       uint32
	NodeID          NodeId
	SystemID        uint64
	WalEnd          LSN
	Timeline        uint32
	WalSegSize      uint32
}

func (s ServerInfo) Pack(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, s.ProtocolVersion)
	buf = binary.LittleEndian.AppendUint32(buf, s.PgVersion)
	buf = s.NodeID.Pack(buf)
	buf = binary.LittleEndian.AppendUint64(buf, s.SystemID)
	buf = binary.LittleEndian.AppendUint64(buf, s.WalEnd)
	buf = binary.LittleEndian.AppendUint32(buf, s.Timeline)
	buf = binary.LittleEndian.AppendUint32(buf, s.WalSegSize)
	return buf
}

func UnpackServerInfo(buf []byte) (ServerInfo, []byte, error) {
	if err := truncated(buf, ServerInfoSize); err != nil {
		return ServerInfo{}, buf, err
	}
	var s ServerInfo
	s.ProtocolVersion = binary.LittleEndian.Uint32(buf[0:4])
	s.PgVersion = binary.LittleEndian.Uint32(buf[4:8])
	nodeID, rest, err := UnpackNodeId(buf[8:])
	if err != nil {
		return ServerInfo{}, buf, err
	}
	s.NodeID = nodeID
	s.SystemID = binary.LittleEndian.Uint64(rest[0:8])
	s.WalEnd = binary.LittleEndian.Uint64(rest[8:16])
	s.Timeline = binary.LittleEndian.Uint32(rest[16:20])
	s.WalSegSize = binary.LittleEndian.Uint32(rest[20:24])
	return s, rest[24:], nil
}

// RequestVote is sent by a candidate proposer to claim leadership of a term.
type RequestVote struct {
	NodeID NodeId
	VCL    LSN // volume commit LSN advertised by the candidate
	Epoch  uint64
}

func (r RequestVote) Pack(buf []byte) []byte {
	buf = r.NodeID.Pack(buf)
	buf = binary.LittleEndian.AppendUint64(buf, r.VCL)
	buf = binary.LittleEndian.AppendUint64(buf, r.Epoch)
	return buf
}

func UnpackRequestVote(buf []byte) (RequestVote, []byte, error) {
	if err := truncated(buf, RequestVoteSize); err != nil {
		return RequestVote{}, buf, err
	}
	var r RequestVote
	nodeID, rest, err := UnpackNodeId(buf)
	if err != nil {
		return RequestVote{}, buf, err
	}
	r.NodeID = nodeID
	r.VCL = binary.LittleEndian.Uint64(rest[0:8])
	r.Epoch = binary.LittleEndian.Uint64(rest[8:16])
	return r, rest[16:], nil
}

// SafeKeeperInfo is the single durable record persisted in each
// tenant's control file.
type SafeKeeperInfo struct {
	Magic         uint32
	FormatVersion uint32
	Epoch         uint64
	Server        ServerInfo
	CommitLSN     LSN
	FlushLSN      LSN
	RestartLSN    LSN
}

// NewSafeKeeperInfo returns the zero-value record for a freshly created tenant.
func NewSafeKeeperInfo() SafeKeeperInfo {
	return SafeKeeperInfo{
		Magic:         SafeKeeperMagic,
		FormatVersion: SafeKeeperFormatVersion,
		Server: ServerInfo{
			ProtocolVersion: ProtocolVersion,
			PgVersion:       UnknownServerVersion,
		},
	}
}

func (i SafeKeeperInfo) Pack(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, i.Magic)
	buf = binary.LittleEndian.AppendUint32(buf, i.FormatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, i.Epoch)
	buf = i.Server.Pack(buf)
	buf = binary.LittleEndian.AppendUint64(buf, i.CommitLSN)
	buf = binary.LittleEndian.AppendUint64(buf, i.FlushLSN)
	buf = binary.LittleEndian.AppendUint64(buf, i.RestartLSN)
	return buf
}

func UnpackSafeKeeperInfo(buf []byte) (SafeKeeperInfo, []byte, error) {
	if err := truncated(buf, SafeKeeperInfoSize); err != nil {
		return SafeKeeperInfo{}, buf, err
	}
	var i SafeKeeperInfo
	i.Magic = binary.LittleEndian.Uint32(buf[0:4])
	i.FormatVersion = binary.LittleEndian.Uint32(buf[4:8])
	i.Epoch = binary.LittleEndian.Uint64(buf[8:16])
	server, rest, err := UnpackServerInfo(buf[16:])
	if err != nil {
		return SafeKeeperInfo{}, buf, err
	}
	i.Server = server
	i.CommitLSN = binary.LittleEndian.Uint64(rest[0:8])
	i.FlushLSN = binary.LittleEndian.Uint64(rest[8:16])
	i.RestartLSN = binary.LittleEndian.Uint64(rest[16:24])
	return i, rest[24:], nil
}

// SafeKeeperRequest carries one WAL byte-range from the proposer,
// immediately followed on the wire by EndLSN-BeginLSN raw WAL bytes.
type SafeKeeperRequest struct {
	SenderID   NodeId
	BeginLSN   LSN
	EndLSN     LSN
	RestartLSN LSN
	CommitLSN  LSN
}

func (r SafeKeeperRequest) Pack(buf []byte) []byte {
	buf = r.SenderID.Pack(buf)
	buf = binary.LittleEndian.AppendUint64(buf, r.BeginLSN)
	buf = binary.LittleEndian.AppendUint64(buf, r.EndLSN)
	buf = binary.LittleEndian.AppendUint64(buf, r.RestartLSN)
	buf = binary.LittleEndian.AppendUint64(buf, r.CommitLSN)
	return buf
}

func UnpackSafeKeeperRequest(buf []byte) (SafeKeeperRequest, []byte, error) {
	if err := truncated(buf, SafeKeeperRequestSize); err != nil {
		return SafeKeeperRequest{}, buf, err
	}
	var r SafeKeeperRequest
	senderID, rest, err := UnpackNodeId(buf)
	if err != nil {
		return SafeKeeperRequest{}, buf, err
	}
	r.SenderID = senderID
	r.BeginLSN = binary.LittleEndian.Uint64(rest[0:8])
	r.EndLSN = binary.LittleEndian.Uint64(rest[8:16])
	r.RestartLSN = binary.LittleEndian.Uint64(rest[16:24])
	r.CommitLSN = binary.LittleEndian.Uint64(rest[24:32])
	return r, rest[32:], nil
}

// HotStandbyFeedback reports a replica's liveness information so the
// upstream writer can avoid vacuuming rows the replica still needs.
type HotStandbyFeedback struct {
	TS          uint64
	Xmin        uint64
	CatalogXmin uint64
}

// NeutralHotStandbyFeedback is the identity element for Merge: merging
// it with any feedback yields that feedback unchanged.
func NeutralHotStandbyFeedback() HotStandbyFeedback {
	return HotStandbyFeedback{TS: 0, Xmin: ^uint64(0), CatalogXmin: ^uint64(0)}
}

// Merge aggregates feedback from multiple replicas: the oldest xmins
// win (so no replica's data is vacuumed away) and the newest timestamp wins.
func (h HotStandbyFeedback) Merge(o HotStandbyFeedback) HotStandbyFeedback {
	m := h
	if o.Xmin < m.Xmin {
		m.Xmin = o.Xmin
	}
	if o.CatalogXmin < m.CatalogXmin {
		m.CatalogXmin = o.CatalogXmin
	}
	if o.TS > m.TS {
		m.TS = o.TS
	}
	return m
}

func (h HotStandbyFeedback) Pack(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, h.TS)
	buf = binary.LittleEndian.AppendUint64(buf, h.Xmin)
	buf = binary.LittleEndian.AppendUint64(buf, h.CatalogXmin)
	return buf
}

func UnpackHotStandbyFeedback(buf []byte) (HotStandbyFeedback, []byte, error) {
	if err := truncated(buf, HotStandbyFeedbackSize); err != nil {
		return HotStandbyFeedback{}, buf, err
	}
	var h HotStandbyFeedback
	h.TS = binary.LittleEndian.Uint64(buf[0:8])
	h.Xmin = binary.LittleEndian.Uint64(buf[8:16])
	h.CatalogXmin = binary.LittleEndian.Uint64(buf[16:24])
	return h, buf[HotStandbyFeedbackSize:], nil
}

// UnpackHotStandbyFeedbackBigEndian decodes the big-endian encoding a
// replica uses when reporting feedback inline in a CopyData message on
// the egress (replication) connection — distinct from the
// little-endian encoding used on the ingest wire.
func UnpackHotStandbyFeedbackBigEndian(buf []byte) (HotStandbyFeedback, error) {
	if err := truncated(buf, HotStandbyFeedbackSize); err != nil {
		return HotStandbyFeedback{}, err
	}
	return HotStandbyFeedback{
		TS:          binary.BigEndian.Uint64(buf[0:8]),
		Xmin:        binary.BigEndian.Uint64(buf[8:16]),
		CatalogXmin: binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// SafeKeeperResponse reports this safekeeper's state back to the proposer.
type SafeKeeperResponse struct {
	Epoch      uint64
	FlushLSN   LSN
	HSFeedback HotStandbyFeedback
}

func (r SafeKeeperResponse) Pack(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, r.Epoch)
	buf = binary.LittleEndian.AppendUint64(buf, r.FlushLSN)
	buf = r.HSFeedback.Pack(buf)
	return buf
}

func UnpackSafeKeeperResponse(buf []byte) (SafeKeeperResponse, []byte, error) {
	if err := truncated(buf, SafeKeeperResponseSize); err != nil {
		return SafeKeeperResponse{}, buf, err
	}
	var r SafeKeeperResponse
	r.Epoch = binary.LittleEndian.Uint64(buf[0:8])
	r.FlushLSN = binary.LittleEndian.Uint64(buf[8:16])
	fb, rest, err := UnpackHotStandbyFeedback(buf[16:])
	if err != nil {
		return SafeKeeperResponse{}, buf, err
	}
	r.HSFeedback = fb
	return r, rest, nil
}
