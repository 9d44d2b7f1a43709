// Package pass implements the Pass Engine (§4.G): the per-record loop
// that selects a device, fills and writes (or reads and verifies) one
// record, and advances every counter and offset the rest of the
// system depends on.
//
// Grounded on the teacher's internal/queue/runner.go ioLoop/
// processRequests shape (fetch-owned-commit state machine driving a
// batch of in-flight requests) generalized here to dtapp's simpler
// synchronous single-record-at-a-time contract, and on its retry-on-
// RETRYABLE handling.
package pass

import (
	"context"
	"fmt"
	"os"
	"time"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/time/rate"

	"github.com/behrlich/dtapp/internal/btag"
	"github.com/behrlich/dtapp/internal/constants"
	"github.com/behrlich/dtapp/internal/device"
	"github.com/behrlich/dtapp/internal/iface"
	"github.com/behrlich/dtapp/internal/rng"
	"github.com/behrlich/dtapp/internal/verify"
)

// Mode selects what a single Engine.Run invocation does.
type Mode int

const (
	ModeWrite Mode = iota
	ModeRead
	ModeFullPass // write pass immediately followed by its read pass
)

// Status is the pass-level exit status (§4.G).
type Status int

const (
	StatusSuccess Status = iota
	StatusWarning
	StatusFailure
	StatusEndOfFile
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusWarning:
		return "WARNING"
	case StatusFailure:
		return "FAILURE"
	case StatusEndOfFile:
		return "END_OF_FILE"
	default:
		return "UNKNOWN"
	}
}

// Options configures one Engine.
type Options struct {
	RecordSize  int
	DataLimit   uint64 // 0 means unbounded (bounded only by device size)
	RecordLimit uint64 // 0 means unbounded
	ErrorLimit  uint64

	IODirection device.IODirection
	IOType      device.IOType
	Mirror      bool

	RotateOffset int   // shift applied to the logical data pointer, mod constants.DefaultRotateSize
	StepOffset   int64 // advance/retreat by this many bytes between records, in addition to RecordSize

	PatternType uint8 // constants.Pattern*

	// PatternFilePath, when PatternType is constants.PatternFile,
	// names the file whose content is repeated to fill each record.
	PatternFilePath string

	UserSeed *uint64 // nil means "do not reseed" (free-running RNG)

	JobID        uint32
	ThreadNumber uint32

	DisableVerify     bool
	DisableDataVerify bool
	RawReadAfterWrite bool

	PacingIOPS float64 // 0 disables pacing
}

// Engine drives one thread's record loop across its participating
// devices.
type Engine struct {
	devices      []*device.Context
	inputDevices []*device.Context // paired input-side devices in mirror mode, same length/order as devices
	opts         Options
	rngSrc       *rng.Source
	ring         *btag.Ring
	observer     iface.Observer
	logger       iface.Logger
	limiter      *rate.Limiter

	generation uint32

	// readOnlyVerify is true when this Run is a standalone read (Mode
	// Read) rather than the read-back half of ModeFullPass: a
	// standalone read has no way to independently know the writer's
	// generation/job/thread bookkeeping, so those fields are excluded
	// from comparison (btag.VerifyOptions.ReadOnly) instead of flagged
	// as false-positive mismatches.
	readOnlyVerify bool

	pauseCh     chan struct{}
	terminating func() bool

	// patternFileData and patternFileHash back the "pfile" pattern
	// (constants.PatternFile): the file is read and hashed once at
	// Engine construction rather than once per record.
	patternFileData []byte
	patternFileHash [sha256.Size]byte
}

// New builds an Engine over devices (the output/write-side
// participants). inputDevices, if non-nil, pairs each devices[i] with
// its mirror-mode read-side counterpart.
func New(devices, inputDevices []*device.Context, opts Options, observer iface.Observer, logger iface.Logger) *Engine {
	var limiter *rate.Limiter
	if opts.PacingIOPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PacingIOPS), 1)
	}

	seed := uint64(time.Now().UnixNano())
	if opts.UserSeed != nil {
		seed = *opts.UserSeed
	}

	e := &Engine{
		devices:      devices,
		inputDevices: inputDevices,
		opts:         opts,
		rngSrc:       rng.NewSource(seed),
		ring:         btag.NewRing(len(devices)),
		observer:     observer,
		logger:       logger,
		limiter:      limiter,
		terminating:  func() bool { return false },
	}

	if opts.PatternType&^(constants.PatternFlagLBData|constants.PatternFlagTimestamp) == constants.PatternFile && opts.PatternFilePath != "" {
		if data, err := os.ReadFile(opts.PatternFilePath); err == nil {
			e.patternFileData = data
			e.patternFileHash = sha256.Sum256(data)
		} else if logger != nil {
			logger.Warnf("pattern file %q unreadable, falling back to IOT pattern: %v", opts.PatternFilePath, err)
		}
	}

	return e
}

// PatternFileHash returns the sha256-simd digest of the loaded pattern
// file, computed once at construction so every record fill and every
// log line referencing "which file content was used" can cite the
// same hash without re-reading or re-hashing the file.
func (e *Engine) PatternFileHash() [sha256.Size]byte {
	return e.patternFileHash
}

// SetTerminating installs a predicate the loop polls at the top of
// every iteration (the cooperative "stop" check from §5).
func (e *Engine) SetTerminating(fn func() bool) {
	e.terminating = fn
}

// Result summarizes one Run invocation.
type Result struct {
	Status        Status
	RecordsPass   uint64
	BytesPass     uint64
	Errors        uint64
	FirstFailure  error
}

// Run executes one pass in the given mode.
func (e *Engine) Run(ctx context.Context, mode Mode) Result {
	e.readOnlyVerify = mode == ModeRead
	e.prePass()

	if mode == ModeFullPass {
		writeRes := e.runOneDirection(ctx, ModeWrite)
		if writeRes.Status == StatusFailure {
			return writeRes
		}
		for _, d := range e.devices {
			d.SetPosition(0)
			d.ResetPass()
		}
		readRes := e.runOneDirection(ctx, ModeRead)
		readRes.BytesPass += writeRes.BytesPass
		readRes.RecordsPass += writeRes.RecordsPass
		readRes.Errors += writeRes.Errors
		return readRes
	}

	return e.runOneDirection(ctx, mode)
}

func (e *Engine) prePass() {
	if e.opts.UserSeed != nil {
		e.rngSrc.Seed(*e.opts.UserSeed)
	}
	e.generation++
	for _, d := range e.devices {
		d.ResetPass()
	}
}

func (e *Engine) runOneDirection(ctx context.Context, mode Mode) Result {
	var res Result
	var errorsTotal uint64

	for {
		if e.terminating() {
			res.Status = StatusWarning
			return res
		}
		if errorsTotal >= e.opts.ErrorLimit && e.opts.ErrorLimit > 0 {
			res.Status = StatusFailure
			return res
		}
		if e.opts.DataLimit > 0 && res.BytesPass >= e.opts.DataLimit {
			res.Status = StatusSuccess
			return res
		}
		if e.opts.RecordLimit > 0 && res.RecordsPass >= e.opts.RecordLimit {
			res.Status = StatusSuccess
			return res
		}

		idx := e.rngSrc.Intn(len(e.devices))
		dev := e.devices[idx]

		size := e.opts.RecordSize
		remaining := dev.Size() - dev.GetPosition()
		if remaining <= 0 {
			res.Status = StatusEndOfFile
			return res
		}
		if int64(size) > remaining {
			size = int(remaining)
		}

		offset := e.computeOffset(dev, size)

		switch mode {
		case ModeWrite:
			if !e.issueWrite(dev, idx, offset, size, &res, &errorsTotal) {
				continue
			}
		case ModeRead:
			if !e.issueRead(dev, idx, offset, size, &res, &errorsTotal) {
				continue
			}
		}

		if e.opts.StepOffset != 0 {
			dev.SetPosition(dev.GetPosition() + e.opts.StepOffset)
		}

		if e.limiter != nil {
			e.limiter.Wait(ctx)
		}
	}
}

func (e *Engine) computeOffset(dev *device.Context, size int) int64 {
	switch e.opts.IOType {
	case device.IORandom:
		maxStart := dev.Size() - int64(size)
		if maxStart <= 0 {
			return 0
		}
		blockSize := dev.BlockSize()
		n := maxStart / blockSize
		return e.rngSrc.Int63n(n+1) * blockSize
	default:
		pos := dev.GetPosition()
		if e.opts.IODirection == device.DirReverse {
			pos -= int64(size)
			if pos < 0 {
				pos = 0
			}
		}
		return pos
	}
}

func (e *Engine) issueWrite(dev *device.Context, idx int, offset int64, size int, res *Result, errorsTotal *uint64) bool {
	dst, release := dev.AllocateRecordBuffer(size)
	defer release()
	buf := e.fillRecord(dst, dev, idx, offset, size)

	for attempts := 0; ; attempts++ {
		n, outcome := dev.WriteRecord(buf, size, offset)
		switch outcome {
		case device.OutcomeRetryable:
			if attempts >= constants.DefaultRecoveryTries {
				*errorsTotal++
				res.Errors++
				res.Status = StatusFailure
				return true
			}
			time.Sleep(constants.DefaultRecoveryDelay)
			continue
		case device.OutcomeFailure:
			*errorsTotal++
			res.Errors++
			res.Status = StatusFailure
			if e.observer != nil {
				e.observer.ObserveWrite(uint64(n), 0, false)
			}
			return true
		case device.OutcomeEOF:
			res.Status = StatusEndOfFile
			return true
		}

		dev.SetPosition(offset + int64(n))
		res.RecordsPass++
		res.BytesPass += uint64(n)
		if e.observer != nil {
			e.observer.ObserveWrite(uint64(n), 0, true)
			e.observer.ObserveRecordIssued(uint64(n))
		}

		tag, err := btag.Decode(buf[:constants.BTAGSize])
		if err == nil {
			e.ring.RecordAt(idx, btag.WriteOrderEntry{
				DeviceIndex: uint8(idx),
				WriteSize:   uint32(n),
				WriteOffset: uint64(offset),
				WriteSecs:   tag.WriteSecs,
				WriteUsecs:  tag.WriteUsecs,
				CRC32:       tag.CRC32,
			})
		}

		if e.opts.RawReadAfterWrite {
			e.verifyReadAfterWrite(dev, offset, n, res)
		}
		if e.opts.Mirror && idx < len(e.inputDevices) && e.inputDevices[idx] != nil {
			e.verifyMirror(idx, offset, size, buf[:n], res)
		}
		return true
	}
}

func (e *Engine) issueRead(dev *device.Context, idx int, offset int64, size int, res *Result, errorsTotal *uint64) bool {
	buf, release := dev.AllocateRecordBuffer(size)
	defer release()

	for attempts := 0; ; attempts++ {
		n, outcome := dev.ReadRecord(buf, size, offset)
		switch outcome {
		case device.OutcomeRetryable:
			if attempts >= constants.DefaultRecoveryTries {
				*errorsTotal++
				res.Errors++
				res.Status = StatusFailure
				return true
			}
			time.Sleep(constants.DefaultRecoveryDelay)
			continue
		case device.OutcomeFailure:
			*errorsTotal++
			res.Errors++
			res.Status = StatusFailure
			if e.observer != nil {
				e.observer.ObserveRead(uint64(n), 0, false)
			}
			return true
		case device.OutcomeEOF:
			res.Status = StatusEndOfFile
			return true
		}

		dev.SetPosition(offset + int64(n))
		res.RecordsPass++
		res.BytesPass += uint64(n)
		if e.observer != nil {
			e.observer.ObserveRead(uint64(n), 0, true)
		}

		if !e.opts.DisableVerify {
			e.verifyRecord(dev, idx, offset, size, buf[:n], res, errorsTotal)
		}
		return true
	}
}

// verifyRecord runs the full read-side verification protocol (§4.H):
// it rebuilds the BTAG and pattern content this record would carry had
// it been written by this engine's own fillRecord, compares it field-
// by-field and CRC32 against what was actually read via btag.Verify,
// then byte-compares the payload via device.Context.VerifyData, and
// finally runs the write-order chain check against the record's
// opaque write-order entry, if present. Each stage only runs if the
// previous one found no corruption, so a single corrupted record
// reports exactly one failure rather than one per stage.
func (e *Engine) verifyRecord(dev *device.Context, idx int, offset int64, size int, buf []byte, res *Result, errorsTotal *uint64) {
	if len(buf) < constants.BTAGSize {
		return
	}
	tag, err := btag.Decode(buf[:constants.BTAGSize])
	if err != nil {
		return
	}

	opaqueEnd := constants.BTAGSize + int(tag.OpaqueDataSize)
	if opaqueEnd > len(buf) {
		opaqueEnd = len(buf)
	}
	gotHeader := buf[:constants.BTAGSize]
	gotOpaque := buf[constants.BTAGSize:opaqueEnd]
	gotPayload := buf[opaqueEnd:]

	expected := e.expectedTag(dev, offset, size, tag)
	vres := btag.Verify(tag, expected, gotHeader, gotOpaque, gotPayload, btag.VerifyOptions{
		Tier:     btag.QuickVerify,
		RandomIO: e.opts.IOType == device.IORandom,
		ReadOnly: e.readOnlyVerify,
	})
	if !vres.OK {
		*errorsTotal++
		res.Errors++
		res.Status = StatusFailure
		res.FirstFailure = fmt.Errorf("btag verify failed on device %d at offset %d: eindex=%d mismatches=%+v", idx, offset, vres.EIndex, vres.Mismatches)
		if e.observer != nil {
			e.observer.ObserveVerifyFailure("btag")
		}
		if e.logger != nil {
			e.logger.Errorf("btag verification failed on device %d at offset %d: eindex=%d mismatches=%+v", idx, offset, vres.EIndex, vres.Mismatches)
		}
		return
	}

	if !e.opts.DisableDataVerify {
		expectedPayload := e.expectedPayload(dev, offset, size)
		if opaqueEnd <= len(expectedPayload) {
			if mismatch := dev.VerifyData(gotPayload, len(gotPayload), expectedPayload[opaqueEnd:]); mismatch >= 0 {
				*errorsTotal++
				res.Errors++
				res.Status = StatusFailure
				res.FirstFailure = fmt.Errorf("payload data mismatch on device %d at offset %d: first differing byte at record offset %d", idx, offset, opaqueEnd+mismatch)
				if e.observer != nil {
					e.observer.ObserveVerifyFailure("data")
				}
				if e.logger != nil {
					e.logger.Errorf("payload verification failed on device %d at offset %d: byte %d differs", idx, offset, opaqueEnd+mismatch)
				}
				return
			}
		}
	}

	if tag.OpaqueDataType != constants.OpaqueWriteOrder {
		return
	}
	woEnd := constants.BTAGSize + constants.WriteOrderExtSize
	if len(buf) < woEnd {
		return
	}
	entry, err := btag.DecodeWriteOrderEntry(buf[constants.BTAGSize:woEnd])
	if err != nil {
		return
	}

	devices := make(map[int]verify.Device, len(e.devices))
	for i, d := range e.devices {
		devices[i] = verifyAdapter{idx: i, ctx: d}
	}

	if verr := verify.VerifyWriteOrder(tag, entry, devices, tag.WriteSecs, tag.WriteUsecs); verr != nil {
		*errorsTotal++
		res.Errors++
		res.Status = StatusFailure
		res.FirstFailure = verr
		if e.observer != nil {
			e.observer.ObserveVerifyFailure("write_order")
		}
		if e.logger != nil {
			e.logger.Errorf("write-order verification failed on device %d: %v", idx, verr)
		}
	}
}

// expectedTag reconstructs the BTAG fillRecord would have produced for
// a record at offset/size during this engine's current pass, for
// comparison against what was actually read. WriteSecs/WriteUsecs are
// copied from the decoded tag since a reader has no independent way to
// know the writer's wall-clock time; OpaqueDataType/OpaqueDataSize are
// reconstructed deterministically since every write sets the same
// write-order descriptor.
func (e *Engine) expectedTag(dev *device.Context, offset int64, size int, got *btag.Tag) *btag.Tag {
	lba := uint32(offset / dev.BlockSize())
	t := btag.New()
	t.Offset = uint64(offset)
	t.PatternType = e.opts.PatternType
	t.Pattern = lba
	t.Generation = e.generation
	t.JobID = e.opts.JobID
	t.ThreadNumber = e.opts.ThreadNumber
	t.DeviceSize = uint32(dev.Size())
	t.RecordSize = uint32(size)
	t.OpaqueDataType = constants.OpaqueWriteOrder
	t.OpaqueDataSize = constants.WriteOrderExtSize
	t.WriteSecs = got.WriteSecs
	t.WriteUsecs = got.WriteUsecs
	return t
}

// expectedPayload reconstructs the pattern-filled record fillRecord
// would have produced for offset/size, for a byte-level comparison
// against what was actually read.
func (e *Engine) expectedPayload(dev *device.Context, offset int64, size int) []byte {
	lba := uint32(offset / dev.BlockSize())
	buf := make([]byte, size)
	e.patternFill(buf, lba)
	return e.applyRotate(buf)
}

// verifyMirror re-reads the paired input device at the same range
// immediately after a successful output write and compares bytes
// against what was written, per §1/§4.G mirror mode: for every record,
// a matching read on the input side with an identical payload.
func (e *Engine) verifyMirror(idx int, offset int64, size int, written []byte, res *Result) {
	inDev := e.inputDevices[idx]
	readBuf, release := inDev.AllocateRecordBuffer(size)
	defer release()

	n, outcome := inDev.ReadRecord(readBuf, size, offset)
	if outcome != device.OutcomeOK || n != size {
		res.Status = StatusFailure
		res.Errors++
		if e.observer != nil {
			e.observer.ObserveVerifyFailure("mirror_read")
		}
		if e.logger != nil {
			e.logger.Errorf("mirror read failed on input device %d at offset %d: outcome=%v n=%d", idx, offset, outcome, n)
		}
		return
	}
	inDev.SetPosition(offset + int64(n))

	if mismatch := inDev.VerifyData(readBuf[:n], n, written); mismatch >= 0 {
		res.Status = StatusFailure
		res.Errors++
		res.FirstFailure = fmt.Errorf("mirror mismatch on device %d: first differing byte at record offset %d", idx, mismatch)
		if e.observer != nil {
			e.observer.ObserveVerifyFailure("mirror")
		}
		if e.logger != nil {
			e.logger.Errorf("mirror verification failed on device %d: byte %d differs at offset %d", idx, mismatch, offset)
		}
	}
}

func (e *Engine) verifyReadAfterWrite(dev *device.Context, offset int64, size int, res *Result) {
	buf, release := dev.AllocateRecordBuffer(size)
	defer release()
	n, outcome := dev.ReadRecord(buf, size, offset)
	if outcome != device.OutcomeOK || n != size {
		res.Status = StatusFailure
		res.Errors++
		if e.observer != nil {
			e.observer.ObserveVerifyFailure("read_after_write")
		}
	}
}

type verifyAdapter struct {
	idx int
	ctx *device.Context
}

func (v verifyAdapter) DeviceIndex() int    { return v.idx }
func (v verifyAdapter) RawIO() iface.RawIO { return v.ctx.RawIO() }

// patternFill writes the configured pattern (§4.C) into buf, seeded
// from the record's starting LBA. Shared between the write path
// (fillRecord) and the read-side verification path (expectedPayload)
// so both compute the exact same reference content.
func (e *Engine) patternFill(buf []byte, lba uint32) {
	switch e.opts.PatternType &^ (constants.PatternFlagLBData | constants.PatternFlagTimestamp) {
	case constants.PatternIncrementing:
		FillIncrementing(buf, byte(lba))
	case constants.PatternConstant:
		FillConstant(buf, 0xAA)
	case constants.PatternFile:
		if e.patternFileData != nil {
			FillFile(buf, e.patternFileData)
		} else {
			FillIOT(buf, lba)
		}
	default:
		FillIOT(buf, lba)
	}
}

// applyRotate shifts buf by Options.RotateOffset (mod
// constants.DefaultRotateSize), returning a new slice when a shift is
// applied and buf unchanged otherwise. Shared between fillRecord and
// expectedPayload for the same reason as patternFill.
func (e *Engine) applyRotate(buf []byte) []byte {
	if e.opts.RotateOffset == 0 {
		return buf
	}
	shift := e.opts.RotateOffset % constants.DefaultRotateSize
	if shift <= 0 || shift >= len(buf) {
		return buf
	}
	rotated := make([]byte, len(buf))
	copy(rotated, buf[shift:])
	copy(rotated[len(buf)-shift:], buf[:shift])
	return rotated
}

// fillRecord builds the record buffer for one write into dst (the
// device context's page-aligned allocation, on an O_DIRECT device):
// pattern fill, optional rotate shift, then a BTAG header tying it all
// together via EncodeInto so the final encoded bytes land in dst
// itself rather than a second allocation.
func (e *Engine) fillRecord(dst []byte, dev *device.Context, idx int, offset int64, size int) []byte {
	buf := dst[:size]
	lba := uint32(offset / dev.BlockSize())
	e.patternFill(buf, lba)
	buf = e.applyRotate(buf)

	now := time.Now()
	tag := btag.New()
	tag.Offset = uint64(offset)
	tag.PatternType = e.opts.PatternType
	tag.WriteSecs = uint32(now.Unix())
	tag.WriteUsecs = uint32(now.Nanosecond() / 1000)
	tag.Pattern = lba
	tag.Generation = e.generation
	tag.JobID = e.opts.JobID
	tag.ThreadNumber = e.opts.ThreadNumber
	tag.DeviceSize = uint32(dev.Size())
	tag.RecordSize = uint32(size)

	last := e.ring.At(idx)
	opaque := last.Encode()
	if err := tag.Update(constants.OpaqueWriteOrder, constants.WriteOrderExtSize, tag.WriteSecs, tag.WriteUsecs); err != nil {
		if e.logger != nil {
			e.logger.Errorf("update-btag rejected opaque descriptor: %v", err)
		}
	}

	// buf was pattern-filled over its full length; the header and
	// opaque extension now replace its first BTAGSize+extSize bytes,
	// so only the remainder is passed through as payload to keep the
	// encoded record exactly `size` bytes.
	payloadStart := constants.BTAGSize + constants.WriteOrderExtSize
	if payloadStart > len(buf) {
		payloadStart = len(buf)
	}
	return tag.EncodeInto(dst[:size], opaque, buf[payloadStart:])
}
