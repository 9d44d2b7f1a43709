package btag

import (
	"encoding/binary"

	"github.com/behrlich/dtapp/internal/constants"
)

// WriteOrderEntry is the decoded 28-byte write-order extension: a
// pointer, in spirit, to the previous write this thread made so the
// next read through that slot can cross-check it.
type WriteOrderEntry struct {
	DeviceIndex uint8 // constants.NoWriteOrderDevice means "no prior write"
	WriteSize   uint32
	WriteOffset uint64
	WriteSecs   uint32
	WriteUsecs  uint32
	CRC32       uint32 // crc32 of the previous block's BTAG, for chaining
}

// Encode serializes e into a constants.WriteOrderExtSize-byte buffer
// per the §3 layout.
func (e WriteOrderEntry) Encode() []byte {
	buf := make([]byte, constants.WriteOrderExtSize)
	le := binary.LittleEndian
	buf[0] = e.DeviceIndex
	le.PutUint32(buf[4:], e.WriteSize)
	le.PutUint64(buf[8:], e.WriteOffset)
	le.PutUint32(buf[16:], e.WriteSecs)
	le.PutUint32(buf[20:], e.WriteUsecs)
	le.PutUint32(buf[24:], e.CRC32)
	return buf
}

// DecodeWriteOrderEntry parses a write-order extension from buf.
func DecodeWriteOrderEntry(buf []byte) (WriteOrderEntry, error) {
	if len(buf) < constants.WriteOrderExtSize {
		return WriteOrderEntry{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	return WriteOrderEntry{
		DeviceIndex: buf[0],
		WriteSize:   le.Uint32(buf[4:]),
		WriteOffset: le.Uint64(buf[8:]),
		WriteSecs:   le.Uint32(buf[16:]),
		WriteUsecs:  le.Uint32(buf[20:]),
		CRC32:       le.Uint32(buf[24:]),
	}, nil
}

// sentinelEntry is the "no prior write" value stored at ring setup.
func sentinelEntry() WriteOrderEntry {
	return WriteOrderEntry{DeviceIndex: constants.NoWriteOrderDevice}
}

// Ring is a fixed-capacity circular buffer of write-order entries, one
// per thread. Capacity equals the number of output devices so that
// per device there is at most one in-flight "previous write"
// reference at a time. Not safe for concurrent use; each owning
// thread has its own Ring.
type Ring struct {
	entries []WriteOrderEntry
	index   int
	last    int
}

// NewRing allocates a Ring and fills it with sentinel entries, as if
// Setup(capacity) had just been called.
func NewRing(capacity int) *Ring {
	r := &Ring{}
	r.Setup(capacity)
	return r
}

// Setup clears and (re)sizes the ring. The first Last() entry is the
// sentinel with DeviceIndex = constants.NoWriteOrderDevice.
func (r *Ring) Setup(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	r.entries = make([]WriteOrderEntry, capacity)
	for i := range r.entries {
		r.entries[i] = sentinelEntry()
	}
	r.index = 0
	r.last = 0
}

// Record inserts e at the current index, advances the index modulo
// capacity, and updates Last to point at the slot just written.
func (r *Ring) Record(e WriteOrderEntry) {
	r.entries[r.index] = e
	r.last = r.index
	r.index = (r.index + 1) % len(r.entries)
}

// Last returns the most recently inserted entry, or the sentinel if
// nothing has been recorded since Setup.
func (r *Ring) Last() WriteOrderEntry {
	return r.entries[r.last]
}

// RecordAt writes e directly into the ring slot for deviceIndex and
// updates Last to point at it, instead of advancing the FIFO index the
// way Record does. Used so each output device's write-order chain
// references its own most recent write rather than whichever device
// in the set was written to last.
func (r *Ring) RecordAt(deviceIndex int, e WriteOrderEntry) {
	if deviceIndex < 0 || deviceIndex >= len(r.entries) {
		return
	}
	r.entries[deviceIndex] = e
	r.last = deviceIndex
}

// At returns the entry at a specific ring slot, used when a read's
// BTAG references a device index whose corresponding ring slot
// (rather than Last) holds the write to cross-check.
func (r *Ring) At(deviceIndex int) WriteOrderEntry {
	if deviceIndex < 0 || deviceIndex >= len(r.entries) {
		return sentinelEntry()
	}
	return r.entries[deviceIndex]
}

// Capacity returns the ring's fixed size.
func (r *Ring) Capacity() int {
	return len(r.entries)
}
