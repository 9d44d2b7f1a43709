// Package device implements the Device Context (dip): the per-thread
// handle to one participating raw disk or regular file, its position
// and counter bookkeeping, and the read_record/write_record contract
// the pass engine drives.
//
// Grounded on the teacher's backend/mem.go for the open/close/
// ReadAt/WriteAt shape and on cmd/ublk-mem/main.go's parseSize-style
// flag handling for device sizing, adapted from an in-memory backend
// to a real *os.File-backed one since dtapp exercises actual block
// devices and files rather than emulating one.
package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/unix"

	"github.com/behrlich/dtapp/internal/arena"
	"github.com/behrlich/dtapp/internal/btag"
	"github.com/behrlich/dtapp/internal/constants"
	"github.com/behrlich/dtapp/internal/iface"
	"github.com/behrlich/dtapp/internal/ioring"
)

// Kind distinguishes a raw block device from a filesystem file; a few
// behaviors (premature-EOF handling, LBA vs byte-offset BTAG fields)
// differ between the two.
type Kind int

const (
	KindFile Kind = iota
	KindRawDisk
)

// IODirection and IOType mirror the per-context fields named in §3.
type IODirection int

const (
	DirForward IODirection = iota
	DirReverse
)

type IOType int

const (
	IOSequential IOType = iota
	IORandom
)

// Mode is the open mode for a Context.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeRaw
)

// IOOutcome is the tri-state result of ReadRecord/WriteRecord: a
// transient RETRYABLE condition the engine reissues without counting,
// a permanent FAILURE, or a clean end-of-range.
type IOOutcome int

const (
	OutcomeOK IOOutcome = iota
	OutcomeRetryable
	OutcomeFailure
	OutcomeEOF
)

// Context is one device participant inside one worker thread (the
// "dip" of §3).
type Context struct {
	mu sync.Mutex

	name string
	kind Kind
	mode Mode

	raw iface.RawIO

	dsize       int64 // logical block size
	deviceIndex int

	offset       int64
	basePosition int64
	endPosition  int64

	recordsPass, recordsTotal uint64
	bytesPass, bytesTotal     uint64
	filesPass, filesTotal     uint64
	errorsPass, errorsTotal   uint64

	ioDir  IODirection
	ioType IOType

	dataBuf, verifyBuf, patternBuf, prefixBuf []byte

	lastWriteSize, lastWriteOffset int64

	eof           bool
	prematureEOF  bool

	jobID        uint32
	threadNumber uint32
	deviceID     uint64

	crc32State uint32

	btagTemplate *btag.Tag

	arena *arena.Arena
	log   iface.Logger
}

// Params configures a new Context; see NewContext.
type Params struct {
	Name         string
	Kind         Kind
	Mode         Mode
	RawIO        iface.RawIO
	BlockSize    int64
	DeviceIndex  int
	JobID        uint32
	ThreadNumber uint32
	Arena        *arena.Arena
	Logger       iface.Logger
}

// NewContext builds a Context around an already-open iface.RawIO. It
// does not itself call Open — callers that need to open a path should
// use OpenFile first and pass the resulting handle in as RawIO.
func NewContext(p Params) *Context {
	dsize := p.BlockSize
	if dsize <= 0 {
		dsize = constants.DefaultRecordSize
	}
	c := &Context{
		name:         p.Name,
		kind:         p.Kind,
		mode:         p.Mode,
		raw:          p.RawIO,
		dsize:        dsize,
		deviceIndex:  p.DeviceIndex,
		jobID:        p.JobID,
		threadNumber: p.ThreadNumber,
		arena:        p.Arena,
		log:          p.Logger,
		endPosition:  p.RawIO.Size(),
	}
	if c.log != nil {
		c.log.Debugf("device opened name=%s kind=%v size=%d cpu=%s", c.name, c.kind, c.endPosition, cpuid.CPU.BrandName)
	}
	return c
}

// osFile adapts *os.File to iface.RawIO.
type osFile struct {
	f    *os.File
	size int64
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *osFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o *osFile) Size() int64                              { return o.size }
func (o *osFile) Sync() error                               { return o.f.Sync() }
func (o *osFile) Close() error                              { return o.f.Close() }

var _ iface.RawIO = (*osFile)(nil)

// OpenFile opens path per mode and oDirect, and returns an iface.RawIO
// suitable for Params.RawIO. Raw disks are opened without O_TRUNC;
// regular files honor the caller's truncate request.
func OpenFile(path string, mode Mode, oDirect, truncate bool) (iface.RawIO, error) {
	flags := os.O_RDWR
	switch mode {
	case ModeRead:
		flags = os.O_RDONLY
	case ModeWrite, ModeRaw:
		flags = os.O_RDWR | os.O_CREATE
		if truncate {
			flags |= os.O_TRUNC
		}
	}
	if oDirect {
		flags |= unix.O_DIRECT
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}
	return &osFile{f: f, size: info.Size()}, nil
}

// Close releases the underlying handle and any outstanding arena
// allocations this context made.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.arena != nil {
		c.arena.FreeAll()
	}
	return c.raw.Close()
}

// AllocateRecordBuffer returns a buffer of exactly size bytes for one
// record's I/O. When this context was built with an Arena, the buffer
// comes from it page-aligned (required for O_DIRECT transfers);
// otherwise it falls back to a plain heap allocation, and likewise
// falls back (with a warning) if the arena itself is exhausted. The
// returned func releases the buffer and must be called exactly once,
// typically via defer.
func (c *Context) AllocateRecordBuffer(size int) ([]byte, func()) {
	if c.arena == nil {
		return make([]byte, size), func() {}
	}
	buf, err := c.arena.Allocate(size)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("arena allocate %d bytes failed, falling back to heap: %v", size, err)
		}
		return make([]byte, size), func() {}
	}
	a := c.arena
	return buf, func() { a.Free(buf) }
}

// Flush syncs any buffered writes to stable storage.
func (c *Context) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Sync()
}

// SetPosition and GetPosition manage the context's current byte
// offset, independent of the underlying file's own cursor since all
// I/O here goes through ReadAt/WriteAt.
func (c *Context) SetPosition(offset int64) {
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}

func (c *Context) GetPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// InitSlice partitions the device's addressable range into n equal
// slices and narrows this context to slice index (DeviceIndex mod n),
// so multiple threads sharing one large device each cover a disjoint
// region.
func (c *Context) InitSlice(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.endPosition - c.basePosition
	sliceLen := total / int64(n)
	idx := int64(c.deviceIndex % n)

	c.basePosition += idx * sliceLen
	if idx == int64(n-1) {
		// last slice absorbs any remainder
	} else {
		c.endPosition = c.basePosition + sliceLen
	}
	c.offset = c.basePosition
}

// WriteRecord issues a write of buf (length requested) at offset,
// applying the short-write/premature-EOF rule for regular files.
func (c *Context) WriteRecord(buf []byte, requested int, offset int64) (int, IOOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prematureEOF {
		return 0, OutcomeEOF
	}

	n, err := c.raw.WriteAt(buf[:requested], offset)
	if err != nil {
		if isRetryable(err) {
			return 0, OutcomeRetryable
		}
		c.errorsPass++
		c.errorsTotal++
		return n, OutcomeFailure
	}

	if n < requested {
		if c.kind == KindFile {
			c.prematureEOF = true
		}
	}

	c.lastWriteSize = int64(n)
	c.lastWriteOffset = offset
	c.recordsPass++
	c.recordsTotal++
	c.bytesPass += uint64(n)
	c.bytesTotal += uint64(n)

	return n, OutcomeOK
}

// ReadRecord issues a read of up to requested bytes into buf at offset.
func (c *Context) ReadRecord(buf []byte, requested int, offset int64) (int, IOOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eof {
		return 0, OutcomeEOF
	}

	n, err := c.raw.ReadAt(buf[:requested], offset)
	if n == 0 && err != nil {
		if isEOF(err) {
			c.eof = true
			return 0, OutcomeEOF
		}
		if isRetryable(err) {
			return 0, OutcomeRetryable
		}
		c.errorsPass++
		c.errorsTotal++
		return 0, OutcomeFailure
	}

	c.recordsPass++
	c.recordsTotal++
	c.bytesPass += uint64(n)
	c.bytesTotal += uint64(n)

	return n, OutcomeOK
}

// VerifyData compares buf against the caller-supplied expected pattern
// bytes, over the first size bytes or len(pattern) bytes, whichever is
// smaller, and reports the byte offset of the first mismatch, or -1.
func (c *Context) VerifyData(buf []byte, size int, pattern []byte) int {
	n := size
	if len(pattern) < n {
		n = len(pattern)
	}
	for i := 0; i < n; i++ {
		if buf[i] != pattern[i] {
			return i
		}
	}
	return -1
}

// Lock/Unlock take an advisory byte-range lock via fcntl, matching
// the raw-disk and regular-file locking semantics POSIX guarantees
// for both. exclusive true requests an exclusive (write) lock.
func (c *Context) Lock(offset, length int64, exclusive bool) error {
	f, ok := c.raw.(*osFile)
	if !ok {
		return nil // mock/in-memory RawIO implementations have no fd to lock
	}
	lockType := int16(unix.F_RDLCK)
	if exclusive {
		lockType = unix.F_WRLCK
	}
	flock := unix.Flock_t{
		Type:  lockType,
		Start: offset,
		Len:   length,
	}
	return unix.FcntlFlock(f.f.Fd(), unix.F_SETLKW, &flock)
}

func (c *Context) Unlock(offset, length int64) error {
	f, ok := c.raw.(*osFile)
	if !ok {
		return nil
	}
	flock := unix.Flock_t{
		Type:  unix.F_UNLCK,
		Start: offset,
		Len:   length,
	}
	return unix.FcntlFlock(f.f.Fd(), unix.F_SETLK, &flock)
}

// Name, BlockSize, DeviceIndex, Size, IsPrematureEOF, IsEOF are small
// read-only accessors the pass engine uses to drive its state
// machine without reaching into unexported fields.
func (c *Context) RawIO() iface.RawIO  { return c.raw }
func (c *Context) Name() string        { return c.name }
func (c *Context) BlockSize() int64    { return c.dsize }
func (c *Context) DeviceIndex() int    { return c.deviceIndex }
func (c *Context) Size() int64         { return c.endPosition }
func (c *Context) IsPrematureEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prematureEOF
}
func (c *Context) IsEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

// Snapshot captures the counters the §8 testable properties reason
// about (pass_bytes, data_resid, etc.) without exposing the mutex.
type Snapshot struct {
	RecordsPass, RecordsTotal uint64
	BytesPass, BytesTotal     uint64
	ErrorsPass, ErrorsTotal   uint64
}

func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RecordsPass:  c.recordsPass,
		RecordsTotal: c.recordsTotal,
		BytesPass:    c.bytesPass,
		BytesTotal:   c.bytesTotal,
		ErrorsPass:   c.errorsPass,
		ErrorsTotal:  c.errorsTotal,
	}
}

// TryIOUring opens an io_uring submission ring for this context's
// batched-read/write path. It returns ioring.ErrNotEnabled unless
// dtapp was built with -tags iouring; cmd/dtapp treats that as
// "fall back to the synchronous ReadRecord/WriteRecord path" rather
// than a fatal error. ReadRecord and WriteRecord do not use the ring.
func (c *Context) TryIOUring(entries uint32) (ioring.Ring, error) {
	return ioring.New(entries)
}

// ResetPass zeroes the per-pass counters and flags at the start of a
// new pass, leaving the running totals intact.
func (c *Context) ResetPass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordsPass = 0
	c.bytesPass = 0
	c.filesPass = 0
	c.errorsPass = 0
	c.eof = false
	c.prematureEOF = false
}

func isRetryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
