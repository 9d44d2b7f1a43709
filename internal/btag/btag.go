// Package btag implements the 128-byte block-tag header dtapp embeds
// in every record it writes, plus its 28-byte write-order extension.
// Encoding, updating and verifying a BTAG is the one piece of wire
// format the whole tool depends on for detecting corruption, so the
// byte layout here is bit-exact and covered by round-trip tests
// rather than left to struct tag reflection the way a JSON API would
// be.
package btag

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/behrlich/dtapp/internal/constants"
)

// Tag is the decoded, in-memory form of a 128-byte BTAG header.
type Tag struct {
	Offset      uint64 // lba (raw) or byte-offset (file)
	DeviceID    uint64 // devid (raw) or inode (file)
	SANSerial   [16]byte
	Hostname    [24]byte
	Signature   uint32
	Version     uint8
	PatternType uint8
	Flags       uint16

	WritePassStart uint32
	WriteSecs      uint32
	WriteUsecs     uint32
	Pattern        uint32
	Generation     uint32
	ProcessID      uint32
	JobID          uint32
	ThreadNumber   uint32
	DeviceSize     uint32
	RecordIndex    uint32
	RecordSize     uint32
	RecordNumber   uint32
	StepOffset     uint64

	OpaqueDataType uint8
	OpaqueDataSize uint16
	CRC32          uint32
}

// Field byte offsets within the 128-byte header, in ascending order.
// Used only to compute eindex (the byte offset of the first
// mismatching field) during verification.
const (
	offOffset         = 0
	offDeviceID       = 8
	offSANSerial      = 16
	offHostname       = 32
	offSignature      = 56
	offVersion        = 60
	offPatternType    = 61
	offFlags          = 62
	offWritePassStart = 64
	offWriteSecs      = 68
	offWriteUsecs     = 72
	offPattern        = 76
	offGeneration     = 80
	offProcessID      = 84
	offJobID          = 88
	offThreadNumber   = 92
	offDeviceSize     = 96
	offRecordIndex    = 100
	offRecordSize     = 104
	offRecordNumber   = 108
	offStepOffset     = 112
	offOpaqueType     = 120
	offOpaqueSize     = 121
	offCRC32          = 124
)

// New builds a Tag from the fields known at encode time; callers fill
// in pattern, record counters, and timestamps before calling Encode.
func New() *Tag {
	return &Tag{
		Signature: constants.BTAGSignature,
		Version:   constants.BTAGVersion,
	}
}

// Encode serializes t into a constants.BTAGSize-byte header followed
// by opaque (the write-order extension bytes, or nil) and payload. It
// fills t.OpaqueDataSize and t.CRC32 as a side effect so the returned
// buffer and t stay consistent.
func (t *Tag) Encode(opaque, payload []byte) []byte {
	buf := make([]byte, constants.BTAGSize+len(opaque)+len(payload))
	return t.EncodeInto(buf, opaque, payload)
}

// EncodeInto serializes t the same way Encode does, but writes into
// dst instead of allocating a fresh buffer. dst must be at least
// constants.BTAGSize+len(opaque)+len(payload) bytes; the returned
// slice is dst truncated to that length. Used on the O_DIRECT write
// path, where dst is already the device context's page-aligned
// allocation and a second allocation here would defeat the point.
func (t *Tag) EncodeInto(dst, opaque, payload []byte) []byte {
	t.OpaqueDataSize = uint16(len(opaque))

	buf := dst[:constants.BTAGSize+len(opaque)+len(payload)]
	t.marshalHeader(buf[:constants.BTAGSize])

	copy(buf[constants.BTAGSize:], opaque)
	copy(buf[constants.BTAGSize+len(opaque):], payload)

	t.CRC32 = checksum(buf[:constants.BTAGSize], opaque, payload)
	binary.LittleEndian.PutUint32(buf[offCRC32:], t.CRC32)

	return buf
}

// marshalHeader writes every header field except crc32 (filled in
// after the checksum is known) into dst, which must be at least
// constants.BTAGSize bytes.
func (t *Tag) marshalHeader(dst []byte) {
	le := binary.LittleEndian
	le.PutUint64(dst[offOffset:], t.Offset)
	le.PutUint64(dst[offDeviceID:], t.DeviceID)
	copy(dst[offSANSerial:offSANSerial+16], t.SANSerial[:])
	copy(dst[offHostname:offHostname+24], t.Hostname[:])
	le.PutUint32(dst[offSignature:], t.Signature)
	dst[offVersion] = t.Version
	dst[offPatternType] = t.PatternType
	le.PutUint16(dst[offFlags:], t.Flags)
	le.PutUint32(dst[offWritePassStart:], t.WritePassStart)
	le.PutUint32(dst[offWriteSecs:], t.WriteSecs)
	le.PutUint32(dst[offWriteUsecs:], t.WriteUsecs)
	le.PutUint32(dst[offPattern:], t.Pattern)
	le.PutUint32(dst[offGeneration:], t.Generation)
	le.PutUint32(dst[offProcessID:], t.ProcessID)
	le.PutUint32(dst[offJobID:], t.JobID)
	le.PutUint32(dst[offThreadNumber:], t.ThreadNumber)
	le.PutUint32(dst[offDeviceSize:], t.DeviceSize)
	le.PutUint32(dst[offRecordIndex:], t.RecordIndex)
	le.PutUint32(dst[offRecordSize:], t.RecordSize)
	le.PutUint32(dst[offRecordNumber:], t.RecordNumber)
	le.PutUint64(dst[offStepOffset:], t.StepOffset)
	dst[offOpaqueType] = t.OpaqueDataType
	le.PutUint16(dst[offOpaqueSize:], t.OpaqueDataSize)
}

// checksum computes the CRC32 coverage defined in §4.D: the header
// minus its own crc32 field, plus the payload, skipping the opaque
// region entirely (the write-order extension carries its own crc32
// for chaining instead of being covered by this one).
func checksum(header, _, payload []byte) uint32 {
	c := crc32.NewIEEE()
	c.Write(header[:offCRC32])
	c.Write(header[offCRC32+4:])
	c.Write(payload)
	return c.Sum32()
}

// VerifyChecksum recomputes the CRC32 over header/opaque/payload the
// same way Encode does and reports whether it matches t.CRC32. Used on
// the read path to detect corruption a field-by-field comparison
// alone would miss, since any bit flip in the covered bytes changes
// the recomputed value.
func (t *Tag) VerifyChecksum(header, opaque, payload []byte) bool {
	return checksum(header, opaque, payload) == t.CRC32
}

// Decode parses a constants.BTAGSize-byte header from buf.
func Decode(buf []byte) (*Tag, error) {
	if len(buf) < constants.BTAGSize {
		return nil, ErrShortBuffer
	}
	le := binary.LittleEndian
	t := &Tag{}
	t.Offset = le.Uint64(buf[offOffset:])
	t.DeviceID = le.Uint64(buf[offDeviceID:])
	copy(t.SANSerial[:], buf[offSANSerial:offSANSerial+16])
	copy(t.Hostname[:], buf[offHostname:offHostname+24])
	t.Signature = le.Uint32(buf[offSignature:])
	t.Version = buf[offVersion]
	t.PatternType = buf[offPatternType]
	t.Flags = le.Uint16(buf[offFlags:])
	t.WritePassStart = le.Uint32(buf[offWritePassStart:])
	t.WriteSecs = le.Uint32(buf[offWriteSecs:])
	t.WriteUsecs = le.Uint32(buf[offWriteUsecs:])
	t.Pattern = le.Uint32(buf[offPattern:])
	t.Generation = le.Uint32(buf[offGeneration:])
	t.ProcessID = le.Uint32(buf[offProcessID:])
	t.JobID = le.Uint32(buf[offJobID:])
	t.ThreadNumber = le.Uint32(buf[offThreadNumber:])
	t.DeviceSize = le.Uint32(buf[offDeviceSize:])
	t.RecordIndex = le.Uint32(buf[offRecordIndex:])
	t.RecordSize = le.Uint32(buf[offRecordSize:])
	t.RecordNumber = le.Uint32(buf[offRecordNumber:])
	t.StepOffset = le.Uint64(buf[offStepOffset:])
	t.OpaqueDataType = buf[offOpaqueType]
	t.OpaqueDataSize = le.Uint16(buf[offOpaqueSize:])
	t.CRC32 = le.Uint32(buf[offCRC32:])
	return t, nil
}

// ErrShortBuffer is returned by Decode when buf is smaller than a
// full BTAG header.
var ErrShortBuffer = decodeError("btag: buffer shorter than header")

type decodeError string

func (e decodeError) Error() string { return string(e) }

// Update sets the opaque descriptor (opaqueType/opaqueSize) and the
// write timestamp fields. It does not copy the prior write-order entry
// into the record (the opaque bytes are passed to EncodeInto) and does
// not change any counter field. It returns ErrInvalidOpaque
// (INVALID_OPAQUE) when opaqueType is the write-order extension and
// opaqueSize is not that extension's size.
func (t *Tag) Update(opaqueType uint8, opaqueSize uint16, writeSecs, writeUsecs uint32) error {
	if opaqueType == constants.OpaqueWriteOrder && int(opaqueSize) != constants.WriteOrderExtSize {
		return ErrInvalidOpaque
	}
	t.OpaqueDataType = opaqueType
	t.OpaqueDataSize = opaqueSize
	t.WriteSecs = writeSecs
	t.WriteUsecs = writeUsecs
	return nil
}

// ErrInvalidOpaque is returned by Update when the opaque descriptor's
// type and size are inconsistent with the known opaque payloads.
var ErrInvalidOpaque = decodeError("btag: invalid opaque descriptor (INVALID_OPAQUE)")
