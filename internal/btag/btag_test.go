package btag

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/behrlich/dtapp/internal/constants"
)

func sampleTag() *Tag {
	t := New()
	copy(t.SANSerial[:], "SN12345")
	copy(t.Hostname[:], "testhost")
	t.PatternType = constants.PatternIncrementing
	t.Flags = constants.FlagFile
	t.WritePassStart = 1000
	t.WriteSecs = 1001
	t.WriteUsecs = 500
	t.Pattern = 0xDEADBEEF
	t.Generation = 1
	t.ProcessID = 1234
	t.JobID = 1
	t.ThreadNumber = 0
	t.DeviceSize = 1 << 30
	t.RecordIndex = 0
	t.RecordSize = 4096
	t.RecordNumber = 7
	t.StepOffset = 4096
	t.Offset = 8192
	t.DeviceID = 42
	return t
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tag := sampleTag()
	payload := make([]byte, 4096-constants.BTAGSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	buf := tag.Encode(nil, payload)
	if len(buf) != constants.BTAGSize+len(payload) {
		t.Fatalf("encoded length = %d, want %d", len(buf), constants.BTAGSize+len(payload))
	}

	decoded, err := Decode(buf[:constants.BTAGSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	tag.CRC32 = decoded.CRC32 // computed during Encode; compare everything else plus recompute
	if diff := cmp.Diff(tag, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeWithWriteOrderOpaque(t *testing.T) {
	tag := sampleTag()
	tag.OpaqueDataType = constants.OpaqueWriteOrder

	entry := WriteOrderEntry{DeviceIndex: 2, WriteSize: 4096, WriteOffset: 8192, WriteSecs: 999, WriteUsecs: 1, CRC32: 0xAAAA}
	opaque := entry.Encode()
	if len(opaque) != constants.WriteOrderExtSize {
		t.Fatalf("opaque length = %d, want %d", len(opaque), constants.WriteOrderExtSize)
	}

	payload := make([]byte, 512)
	buf := tag.Encode(opaque, payload)

	decoded, err := Decode(buf[:constants.BTAGSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.OpaqueDataType != constants.OpaqueWriteOrder {
		t.Fatalf("OpaqueDataType = %d, want %d", decoded.OpaqueDataType, constants.OpaqueWriteOrder)
	}
	if int(decoded.OpaqueDataSize) != constants.WriteOrderExtSize {
		t.Fatalf("OpaqueDataSize = %d, want %d", decoded.OpaqueDataSize, constants.WriteOrderExtSize)
	}

	gotOpaque := buf[constants.BTAGSize : constants.BTAGSize+constants.WriteOrderExtSize]
	gotEntry, err := DecodeWriteOrderEntry(gotOpaque)
	if err != nil {
		t.Fatalf("DecodeWriteOrderEntry: %v", err)
	}
	if gotEntry != entry {
		t.Fatalf("write-order entry round trip = %+v, want %+v", gotEntry, entry)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	tag := sampleTag()
	payload := make([]byte, 512)
	buf := tag.Encode(nil, payload)

	corrupt := append([]byte(nil), buf...)
	corrupt[constants.BTAGSize+10] ^= 0xFF // flip a payload byte

	decoded, err := Decode(corrupt[:constants.BTAGSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	res := Verify(decoded, tag, corrupt[:constants.BTAGSize], nil, corrupt[constants.BTAGSize:], VerifyOptions{Tier: FullVerify})
	if res.OK {
		t.Fatal("Verify reported OK on corrupted payload, want mismatch")
	}
	found := false
	for _, m := range res.Mismatches {
		if m.Field == "crc32" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a crc32 mismatch, got %+v", res.Mismatches)
	}
}

func TestVerifyPassesOnIdenticalRecord(t *testing.T) {
	tag := sampleTag()
	payload := make([]byte, 512)
	buf := tag.Encode(nil, payload)

	decoded, err := Decode(buf[:constants.BTAGSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	res := Verify(decoded, tag, buf[:constants.BTAGSize], nil, buf[constants.BTAGSize:], VerifyOptions{Tier: FullVerify})
	if !res.OK {
		t.Fatalf("Verify reported mismatches on an untouched record: %+v", res.Mismatches)
	}
	if res.EIndex != -1 {
		t.Fatalf("EIndex = %d, want -1", res.EIndex)
	}
}

func TestVerifyEIndexIsFirstMismatch(t *testing.T) {
	tag := sampleTag()
	expected := sampleTag()
	expected.ProcessID = tag.ProcessID + 1 // offset 84
	expected.JobID = tag.JobID + 1         // offset 88

	payload := make([]byte, 64)
	buf := tag.Encode(nil, payload)
	decoded, err := Decode(buf[:constants.BTAGSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	res := Verify(decoded, expected, buf[:constants.BTAGSize], nil, buf[constants.BTAGSize:], VerifyOptions{Tier: FullVerify})
	if res.OK {
		t.Fatal("expected mismatches")
	}
	if res.EIndex != offProcessID {
		t.Fatalf("EIndex = %d, want %d (process_id)", res.EIndex, offProcessID)
	}
}

func TestVerifyDisablesOrderingFieldsUnderRandomIO(t *testing.T) {
	tag := sampleTag()
	expected := sampleTag()
	expected.WriteSecs = tag.WriteSecs + 100 // would mismatch under sequential I/O

	payload := make([]byte, 64)
	buf := tag.Encode(nil, payload)
	decoded, err := Decode(buf[:constants.BTAGSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	res := Verify(decoded, expected, buf[:constants.BTAGSize], nil, buf[constants.BTAGSize:], VerifyOptions{Tier: FullVerify, RandomIO: true})
	if !res.OK {
		t.Fatalf("expected write_secs mismatch to be suppressed under random I/O, got %+v", res.Mismatches)
	}
}

func TestWriteOrderRingSentinelBeforeFirstWrite(t *testing.T) {
	r := NewRing(3)
	last := r.Last()
	if last.DeviceIndex != constants.NoWriteOrderDevice {
		t.Fatalf("initial Last().DeviceIndex = %d, want %d", last.DeviceIndex, constants.NoWriteOrderDevice)
	}
}

func TestWriteOrderRingRecordAndWrap(t *testing.T) {
	r := NewRing(2)

	r.Record(WriteOrderEntry{DeviceIndex: 0, WriteOffset: 0})
	r.Record(WriteOrderEntry{DeviceIndex: 1, WriteOffset: 4096})
	if r.Last().DeviceIndex != 1 {
		t.Fatalf("Last().DeviceIndex = %d, want 1", r.Last().DeviceIndex)
	}

	r.Record(WriteOrderEntry{DeviceIndex: 0, WriteOffset: 8192})
	if r.Last().WriteOffset != 8192 {
		t.Fatalf("Last().WriteOffset = %d, want 8192", r.Last().WriteOffset)
	}
	if r.At(0).WriteOffset != 8192 {
		t.Fatalf("At(0).WriteOffset = %d, want 8192 (wrapped)", r.At(0).WriteOffset)
	}
}
