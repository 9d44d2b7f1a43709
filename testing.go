package dtapp

import (
	"errors"
	"io"
	"sync"

	"github.com/behrlich/dtapp/internal/iface"
)

// MockRawIO provides an in-memory iface.RawIO for exercising device
// contexts, the pass engine, and the verification protocol in tests
// without real files or raw disks. It tracks method calls and
// supports one-shot error/short-count injection, the way a real
// device occasionally returns a transient error or a short transfer.
type MockRawIO struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool
	synced bool

	readCalls, writeCalls, syncCalls int

	injectReadErr, injectWriteErr error
	shortWriteNext                int // if > 0, the next WriteAt returns this many bytes instead of len(p)
}

// NewMockRawIO creates a mock backed by a size-byte zeroed buffer.
func NewMockRawIO(size int64) *MockRawIO {
	return &MockRawIO{data: make([]byte, size), size: size}
}

func (m *MockRawIO) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, errors.New("mock: read on closed device")
	}
	if m.injectReadErr != nil {
		err := m.injectReadErr
		m.injectReadErr = nil
		return 0, err
	}
	if off >= m.size {
		return 0, io.EOF
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

func (m *MockRawIO) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, errors.New("mock: write on closed device")
	}
	if m.injectWriteErr != nil {
		err := m.injectWriteErr
		m.injectWriteErr = nil
		return 0, err
	}

	end := off + int64(len(p))
	if end > m.size {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
		m.size = end
	}

	n := len(p)
	if m.shortWriteNext > 0 {
		n = m.shortWriteNext
		m.shortWriteNext = 0
	}
	copy(m.data[off:off+int64(n)], p[:n])
	return n, nil
}

func (m *MockRawIO) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MockRawIO) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls++
	m.synced = true
	return nil
}

func (m *MockRawIO) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// InjectReadError makes the next ReadAt call return err instead of
// reading data.
func (m *MockRawIO) InjectReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectReadErr = err
}

// InjectWriteError makes the next WriteAt call return err instead of
// writing data.
func (m *MockRawIO) InjectWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectWriteErr = err
}

// InjectShortWrite makes the next WriteAt report n bytes written
// regardless of the request size, simulating a short write on a
// regular file.
func (m *MockRawIO) InjectShortWrite(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shortWriteNext = n
}

// FlipBit corrupts one bit of the underlying data, simulating silent
// bit-rot for mirror-mode and write-order tests.
func (m *MockRawIO) FlipBit(byteOffset int64, bit uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byteOffset < 0 || byteOffset >= int64(len(m.data)) {
		return
	}
	m.data[byteOffset] ^= 1 << bit
}

// CallCounts returns how many times each method has been invoked.
func (m *MockRawIO) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{"read": m.readCalls, "write": m.writeCalls, "sync": m.syncCalls}
}

// IsClosed reports whether Close has been called.
func (m *MockRawIO) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

var _ iface.RawIO = (*MockRawIO)(nil)
