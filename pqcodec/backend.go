package pqcodec

import "encoding/binary"

// WriteNegotiate writes the single-byte 'N' response libpq expects
// when the server declines an SSL or GSS encryption request. Unlike
// every other backend message this one carries no length prefix.
func WriteNegotiate(buf []byte) []byte {
	return append(buf, 'N')
}

// WriteAuthenticationOk writes the "no authentication required" reply.
func WriteAuthenticationOk(buf []byte) []byte {
	buf = append(buf, 'R')
	buf = binary.BigEndian.AppendUint32(buf, 8)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	return buf
}

// WriteReadyForQuery writes the idle-transaction ReadyForQuery message.
func WriteReadyForQuery(buf []byte) []byte {
	buf = append(buf, 'Z')
	buf = binary.BigEndian.AppendUint32(buf, 5)
	buf = append(buf, 'I')
	return buf
}

// Field describes one output column for RowDescription/DataRow.
type Field struct {
	Name   string
	OID    uint32
	Length int16
}

// WriteRowDescription writes a RowDescription message for fields.
func WriteRowDescription(buf []byte, fields []Field) []byte {
	lengthOff := len(buf) + 1
	buf = append(buf, 'T')
	buf = binary.BigEndian.AppendUint32(buf, 0) // placeholder, patched below
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(fields)))
	for _, f := range fields {
		buf = append(buf, f.Name...)
		buf = append(buf, 0)
		buf = binary.BigEndian.AppendUint32(buf, 0) // table OID
		buf = binary.BigEndian.AppendUint16(buf, 0) // column attr number
		buf = binary.BigEndian.AppendUint32(buf, f.OID)
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Length))
		buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF) // type modifier -1
		buf = binary.BigEndian.AppendUint16(buf, 0)          // text format
	}
	patchLength(buf, lengthOff)
	return buf
}

// WriteDataRow writes one DataRow message. A nil entry in values encodes SQL NULL.
func WriteDataRow(buf []byte, values [][]byte) []byte {
	lengthOff := len(buf) + 1
	buf = append(buf, 'D')
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF)
			continue
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	patchLength(buf, lengthOff)
	return buf
}

// WriteCommandComplete writes a CommandComplete message with the given tag.
func WriteCommandComplete(buf []byte, tag string) []byte {
	buf = append(buf, 'C')
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(tag)+1))
	buf = append(buf, tag...)
	buf = append(buf, 0)
	return buf
}

// WriteCopyBothResponse writes the header that begins a bidirectional
// COPY stream, used to enter streaming-replication mode. No columns
// are declared: the stream carries opaque XLogData frames, not rows.
func WriteCopyBothResponse(buf []byte) []byte {
	buf = append(buf, 'W')
	buf = binary.BigEndian.AppendUint32(buf, 4+1+2)
	buf = append(buf, 0) // overall format: text
	buf = binary.BigEndian.AppendUint16(buf, 0)
	return buf
}

// XLogHeaderSize is the size of the XLogData sub-header embedded at
// the front of each replication CopyData frame: 'w' + startPos + endPos + timestamp.
const XLogHeaderSize = 1 + 8 + 8 + 8

// WriteCopyDataXLog writes one CopyData message wrapping an XLogData
// payload: the 'w' tag, start/end LSNs and current timestamp in
// big-endian, followed by the WAL bytes themselves.
func WriteCopyDataXLog(buf []byte, startPos, endPos, timestamp uint64, payload []byte) []byte {
	lengthOff := len(buf) + 1
	buf = append(buf, 'd')
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = append(buf, 'w')
	buf = binary.BigEndian.AppendUint64(buf, startPos)
	buf = binary.BigEndian.AppendUint64(buf, endPos)
	buf = binary.BigEndian.AppendUint64(buf, timestamp)
	buf = append(buf, payload...)
	patchLength(buf, lengthOff)
	return buf
}

// patchLength backfills the 4-byte big-endian length field (which
// includes itself but not the preceding type byte) starting at off,
// now that the message body is fully appended to buf.
func patchLength(buf []byte, off int) {
	length := uint32(len(buf) - off)
	binary.BigEndian.PutUint32(buf[off:off+4], length)
}
