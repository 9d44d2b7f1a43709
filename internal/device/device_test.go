package device

import (
	"io"
	"testing"

	"github.com/behrlich/dtapp/internal/iface"
)

// memRawIO is a minimal in-memory iface.RawIO for exercising Context
// without touching the filesystem, in the spirit of the teacher's
// MockBackend.
type memRawIO struct {
	buf       []byte
	shortNext bool
}

func (m *memRawIO) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memRawIO) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := len(p)
	if m.shortNext {
		n = len(p) / 2
		m.shortNext = false
	}
	copy(m.buf[off:off+int64(n)], p[:n])
	return n, nil
}

func (m *memRawIO) Size() int64  { return int64(len(m.buf)) }
func (m *memRawIO) Sync() error  { return nil }
func (m *memRawIO) Close() error { return nil }

var _ iface.RawIO = (*memRawIO)(nil)

func newTestContext(kind Kind) (*Context, *memRawIO) {
	raw := &memRawIO{}
	c := NewContext(Params{
		Name:      "test",
		Kind:      kind,
		Mode:      ModeWrite,
		RawIO:     raw,
		BlockSize: 4096,
	})
	return c, raw
}

func TestWriteThenReadRecordRoundTrip(t *testing.T) {
	c, _ := newTestContext(KindFile)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, outcome := c.WriteRecord(payload, len(payload), 0)
	if outcome != OutcomeOK {
		t.Fatalf("WriteRecord outcome = %v, want OK", outcome)
	}
	if n != len(payload) {
		t.Fatalf("WriteRecord n = %d, want %d", n, len(payload))
	}

	readBuf := make([]byte, 512)
	n, outcome = c.ReadRecord(readBuf, len(readBuf), 0)
	if outcome != OutcomeOK {
		t.Fatalf("ReadRecord outcome = %v, want OK", outcome)
	}
	if n != len(payload) {
		t.Fatalf("ReadRecord n = %d, want %d", n, len(payload))
	}
	for i := range payload {
		if readBuf[i] != payload[i] {
			t.Fatalf("byte %d = %x, want %x", i, readBuf[i], payload[i])
		}
	}
}

func TestShortWriteOnRegularFileSetsPrematureEOF(t *testing.T) {
	c, raw := newTestContext(KindFile)
	raw.shortNext = true

	payload := make([]byte, 8192)
	_, outcome := c.WriteRecord(payload, len(payload), 0)
	if outcome != OutcomeOK {
		t.Fatalf("WriteRecord outcome = %v, want OK (short counts are legal)", outcome)
	}
	if !c.IsPrematureEOF() {
		t.Fatal("expected premature EOF after short write on a regular file")
	}

	_, outcome = c.WriteRecord(payload, len(payload), 8192)
	if outcome != OutcomeEOF {
		t.Fatalf("second WriteRecord outcome = %v, want EOF (context excluded from further issues)", outcome)
	}
}

func TestReadPastEndOfFileSetsEOF(t *testing.T) {
	c, _ := newTestContext(KindFile)

	buf := make([]byte, 512)
	_, outcome := c.ReadRecord(buf, len(buf), 0)
	if outcome != OutcomeEOF {
		t.Fatalf("ReadRecord outcome = %v, want EOF on empty device", outcome)
	}
	if !c.IsEOF() {
		t.Fatal("expected Context.IsEOF() to report true")
	}
}

func TestResetPassClearsPerPassCountersNotTotals(t *testing.T) {
	c, _ := newTestContext(KindFile)

	payload := make([]byte, 512)
	c.WriteRecord(payload, len(payload), 0)

	snap := c.Snapshot()
	if snap.RecordsPass != 1 || snap.RecordsTotal != 1 {
		t.Fatalf("Snapshot = %+v, want 1 record pass and total", snap)
	}

	c.ResetPass()
	snap = c.Snapshot()
	if snap.RecordsPass != 0 {
		t.Fatalf("RecordsPass after ResetPass = %d, want 0", snap.RecordsPass)
	}
	if snap.RecordsTotal != 1 {
		t.Fatalf("RecordsTotal after ResetPass = %d, want 1 (totals survive)", snap.RecordsTotal)
	}
}

func TestVerifyDataReportsFirstMismatch(t *testing.T) {
	c, _ := newTestContext(KindFile)

	pattern := []byte{1, 2, 3, 4, 5}
	buf := []byte{1, 2, 9, 4, 5}

	idx := c.VerifyData(buf, len(buf), pattern)
	if idx != 2 {
		t.Fatalf("VerifyData mismatch index = %d, want 2", idx)
	}

	idx = c.VerifyData(pattern, len(pattern), pattern)
	if idx != -1 {
		t.Fatalf("VerifyData on identical buffers = %d, want -1", idx)
	}
}

func TestTryIOUringWithoutBuildTagFallsBackCleanly(t *testing.T) {
	c, _ := newTestContext(KindFile)

	_, err := c.TryIOUring(64)
	if err == nil {
		t.Fatal("TryIOUring() = nil error without the iouring build tag, want ErrNotEnabled")
	}
}
