package local

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/snehjoshi/messagehub/internal/eventstore"
	"github.com/snehjoshi/messagehub/internal/types"
)

// recordVersion identifies the binary record format. Files written with an
// unknown version are rejected rather than misread.
const recordVersion uint8 = 1

// Each record in a segment is a length-prefixed binary frame:
//
//	[totalLen  : 4 bytes, uint32]  bytes after this prefix, checksum included
//	[version   : 1 byte]
//	[seq       : 8 bytes, uint64]
//	[type      : 1 byte]
//	[timestamp : 8 bytes, int64]   UTC ms
//	[idLen     : 2 bytes, uint16]
//	[snapLen   : 4 bytes, uint32]
//	[id        : idLen bytes]
//	[snapshot  : snapLen bytes]
//	[checksum  : 4 bytes, uint32]  CRC32 of version..snapshot
const (
	lenPrefixSize   = 4
	fixedRecordSize = 1 + 8 + 1 + 8 + 2 + 4 + 4
	// maxRecordSize bounds a single frame so a corrupt length prefix cannot
	// trigger a huge allocation.
	maxRecordSize = 64 << 20
)

func encodeRecord(rec types.Record) ([]byte, error) {
	if len(rec.MessageID) > 0xFFFF {
		return nil, fmt.Errorf("record: message id too long (%d bytes)", len(rec.MessageID))
	}
	bodyLen := fixedRecordSize + len(rec.MessageID) + len(rec.Snapshot)
	if bodyLen > maxRecordSize {
		return nil, fmt.Errorf("record: %d bytes exceeds frame limit", bodyLen)
	}

	w := &byteWriter{buf: make([]byte, 0, lenPrefixSize+bodyLen)}
	w.writeUint32(uint32(bodyLen))
	w.writeByte(recordVersion)
	w.writeUint64(rec.Seq)
	w.writeByte(byte(rec.Type))
	w.writeInt64(rec.Timestamp)
	w.writeUint16(uint16(len(rec.MessageID)))
	w.writeUint32(uint32(len(rec.Snapshot)))
	w.write([]byte(rec.MessageID))
	w.write(rec.Snapshot)
	w.writeUint32(crc32.ChecksumIEEE(w.buf[lenPrefixSize:]))
	return w.buf, nil
}

// decodeRecord parses a frame body (without the length prefix).
func decodeRecord(buf []byte, partition string) (types.Record, error) {
	if len(buf) < fixedRecordSize {
		return types.Record{}, fmt.Errorf("record: frame too short (%d bytes): %w", len(buf), eventstore.ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	computed := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if stored != computed {
		return types.Record{}, fmt.Errorf("record: checksum mismatch (stored=%x computed=%x): %w",
			stored, computed, eventstore.ErrCorrupted)
	}

	r := &byteReader{buf: buf}
	if v := r.readByte(); v != recordVersion {
		return types.Record{}, fmt.Errorf("record: unsupported version %d: %w", v, eventstore.ErrCorrupted)
	}
	rec := types.Record{Partition: partition}
	rec.Seq = r.readUint64()
	rec.Type = types.EventType(r.readByte())
	rec.Timestamp = r.readInt64()
	idLen := int(r.readUint16())
	snapLen := int(r.readUint32())
	if fixedRecordSize+idLen+snapLen != len(buf) {
		return types.Record{}, fmt.Errorf("record: field lengths disagree with frame: %w", eventstore.ErrCorrupted)
	}
	rec.MessageID = string(r.read(idLen))
	if snapLen > 0 {
		rec.Snapshot = append([]byte(nil), r.read(snapLen)...)
	}
	return rec, nil
}

// ---- minimal byte-level writer / reader ------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)       { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) writeUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *byteWriter) writeInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) readByte() byte {
	v := r.buf[r.offset]
	r.offset++
	return v
}
func (r *byteReader) read(n int) []byte {
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}
func (r *byteReader) readUint16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v
}
func (r *byteReader) readUint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}
func (r *byteReader) readUint64() uint64 {
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return v
}
func (r *byteReader) readInt64() int64 { return int64(r.readUint64()) }
