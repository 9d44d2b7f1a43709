package pass

import "encoding/binary"

// FillFile fills buf by repeating the contents of data, wrapping
// around when data is shorter than buf. Used for the "pfile" pattern,
// where the reference content is an on-disk file rather than a
// computed sequence.
func FillFile(buf, data []byte) {
	if len(data) == 0 {
		return
	}
	n := copy(buf, data)
	for n < len(buf) {
		remaining := len(buf) - n
		chunk := len(data)
		if chunk > remaining {
			chunk = remaining
		}
		n += copy(buf[n:], data[:chunk])
	}
}

// FillIOT fills buf with the "IOT" pattern: each 4-byte word is the
// running LBA value, incremented every word, seeded from startLBA.
// This makes every word in a corrupted buffer self-describing: a
// verifier that knows the LBA can recompute what each word should be.
func FillIOT(buf []byte, startLBA uint32) {
	lba := startLBA
	for off := 0; off+4 <= len(buf); off += 4 {
		binary.LittleEndian.PutUint32(buf[off:], lba)
		lba++
	}
}

// FillIncrementing fills buf with a byte value that increments (and
// wraps) every byte, starting from start.
func FillIncrementing(buf []byte, start byte) {
	v := start
	for i := range buf {
		buf[i] = v
		v++
	}
}

// FillConstant fills every byte of buf with value.
func FillConstant(buf []byte, value byte) {
	for i := range buf {
		buf[i] = value
	}
}

// OverlayLBAData writes the current LBA into the first 4 bytes of
// each device-sized sub-block, overlaying whatever pattern fill
// already put there — used when the PatternFlagLBData bit is set.
func OverlayLBAData(buf []byte, subBlockSize int, startLBA uint32) {
	if subBlockSize <= 0 {
		return
	}
	lba := startLBA
	for off := 0; off+4 <= len(buf); off += subBlockSize {
		binary.LittleEndian.PutUint32(buf[off:], lba)
		lba++
	}
}

// OverlayTimestamp writes epochSecs into the 4 bytes immediately
// following the LBA overlay of each device-sized sub-block, used when
// PatternFlagTimestamp is set.
func OverlayTimestamp(buf []byte, subBlockSize int, epochSecs uint32) {
	if subBlockSize <= 8 {
		return
	}
	for off := 0; off+8 <= len(buf); off += subBlockSize {
		binary.LittleEndian.PutUint32(buf[off+4:], epochSecs)
	}
}
