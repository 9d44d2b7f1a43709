// Package verify implements the cross-device verification protocol
// (verify_btag_write_order, §4.H): on every read of a record carrying
// a write-order extension, it re-reads the previously written record
// the extension points at and checks that chain for lost or
// reordered writes an individual record's CRC alone cannot reveal.
package verify

import (
	"fmt"

	"github.com/behrlich/dtapp/internal/btag"
	"github.com/behrlich/dtapp/internal/bufpool"
	"github.com/behrlich/dtapp/internal/constants"
	"github.com/behrlich/dtapp/internal/iface"
)

// Device is the subset of device.Context the protocol needs to
// re-read a referenced record: pick the device by index and read raw
// bytes back from it. Kept narrow and local to avoid an import cycle
// with internal/device.
type Device interface {
	DeviceIndex() int
	RawIO() iface.RawIO
}

// Failure describes a verification failure for diagnostics: which
// check tripped, the referenced device and offset, and a detail
// message. It does not carry the BTAGs themselves.
type Failure struct {
	Kind        string // "range", "crc", "ordering"
	DeviceIndex int
	Offset      int64
	Detail      string
}

func (f Failure) Error() string {
	return fmt.Sprintf("verify: %s failure device=%d offset=%d: %s", f.Kind, f.DeviceIndex, f.Offset, f.Detail)
}

// VerifyWriteOrder implements §4.H steps 1-7. current is the BTAG
// just read (carrying the write-order extension that references an
// earlier write); currentSecs/currentUsecs are its write timestamps.
// devices maps a device index to the Device used to re-read the
// referenced range. A nil return means success (including the "no
// prior write" case).
func VerifyWriteOrder(current *btag.Tag, entry btag.WriteOrderEntry, devices map[int]Device, currentSecs, currentUsecs uint32) error {
	if entry.DeviceIndex == constants.NoWriteOrderDevice {
		return nil
	}

	dev, ok := devices[int(entry.DeviceIndex)]
	if !ok {
		return Failure{Kind: "range", DeviceIndex: int(entry.DeviceIndex), Detail: "referenced device index out of range"}
	}

	buf := bufpool.GetBuffer(entry.WriteSize)
	defer bufpool.PutBuffer(buf)

	n, err := dev.RawIO().ReadAt(buf, int64(entry.WriteOffset))
	if err != nil && n == 0 {
		return Failure{Kind: "range", DeviceIndex: int(entry.DeviceIndex), Offset: int64(entry.WriteOffset), Detail: err.Error()}
	}
	buf = buf[:n]

	subTags, err := decodeSubTags(buf)
	if err != nil {
		return Failure{Kind: "crc", DeviceIndex: int(entry.DeviceIndex), Offset: int64(entry.WriteOffset), Detail: err.Error()}
	}
	if len(subTags) == 0 {
		return Failure{Kind: "crc", DeviceIndex: int(entry.DeviceIndex), Offset: int64(entry.WriteOffset), Detail: "re-read buffer too short for a single BTAG"}
	}

	first := subTags[0]
	if first.WriteSecs != entry.WriteSecs || first.WriteUsecs != entry.WriteUsecs || first.CRC32 != entry.CRC32 {
		return Failure{
			Kind:        "ordering",
			DeviceIndex: int(entry.DeviceIndex),
			Offset:      int64(entry.WriteOffset),
			Detail: fmt.Sprintf("first sub-BTAG %d.%d/crc32=%08x != recorded %d.%d/crc32=%08x",
				first.WriteSecs, first.WriteUsecs, first.CRC32, entry.WriteSecs, entry.WriteUsecs, entry.CRC32),
		}
	}

	for _, sub := range subTags {
		if sub.WriteSecs > currentSecs || (sub.WriteSecs == currentSecs && sub.WriteUsecs > currentUsecs) {
			return Failure{
				Kind:        "ordering",
				DeviceIndex: int(entry.DeviceIndex),
				Offset:      int64(entry.WriteOffset),
				Detail:      fmt.Sprintf("prior write %d.%d is newer than current read %d.%d", sub.WriteSecs, sub.WriteUsecs, currentSecs, currentUsecs),
			}
		}
	}

	return nil
}

// decodeSubTags decodes every device-sized sub-BTAG in buf, matching
// verify_buffer_btags from §4.H step 5: each sub-BTAG's own CRC32 must
// match its recomputed checksum over its own header/opaque/payload
// span, or the re-read buffer is treated as corrupted rather than
// trusted for the ordering checks that follow. Each sub-BTAG's own
// RecordSize tells us where the next one starts.
func decodeSubTags(buf []byte) ([]*btag.Tag, error) {
	var tags []*btag.Tag
	for off := 0; off+constants.BTAGSize <= len(buf); {
		header := buf[off : off+constants.BTAGSize]
		tag, err := btag.Decode(header)
		if err != nil {
			return nil, err
		}

		recordEnd := off + int(tag.RecordSize)
		if tag.RecordSize == 0 || recordEnd > len(buf) {
			recordEnd = len(buf)
		}
		opaqueEnd := off + constants.BTAGSize + int(tag.OpaqueDataSize)
		if opaqueEnd > recordEnd {
			opaqueEnd = recordEnd
		}
		opaque := buf[off+constants.BTAGSize : opaqueEnd]
		payload := buf[opaqueEnd:recordEnd]

		if !tag.VerifyChecksum(header, opaque, payload) {
			return nil, fmt.Errorf("sub-BTAG at offset %d: crc32 mismatch", off)
		}

		tags = append(tags, tag)

		if tag.RecordSize == 0 {
			break
		}
		off += int(tag.RecordSize)
	}
	return tags, nil
}
