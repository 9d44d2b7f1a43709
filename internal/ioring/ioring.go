// Package ioring is an optional io_uring-backed submission path for
// device.Context's read/write records, selected behind a build tag the
// same way the teacher gates its real io_uring ring behind "-tags
// giouring" (internal/uring/iouring.go vs iouring_stub.go): the default
// build always compiles and runs on the synchronous pread/pwrite path,
// and opting into io_uring is a deliberate build-time choice rather
// than a runtime default, since io_uring availability and permissions
// vary across kernels and containers.
//
// Batches many pending reads/writes into one Submit call the way the
// teacher's queue.Runner batches COMMIT_AND_FETCH_REQ SQEs: callers
// Queue() several requests, then Submit() once and collect results.
package ioring

import "fmt"

// Op is one queued read or write.
type Op struct {
	Write  bool
	FD     int
	Buf    []byte
	Offset int64
	// UserData is returned unchanged in the matching Result so callers
	// can correlate completions back to the record they issued.
	UserData uint64
}

// Result is one completed Op.
type Result struct {
	UserData uint64
	N        int
	Err      error
}

// Ring is the batched submission interface internal/pass would use in
// place of device.Context.ReadRecord/WriteRecord when io_uring support
// is built in and enabled.
type Ring interface {
	Queue(op Op) error
	Submit() ([]Result, error)
	Close() error
}

// ErrNotEnabled is returned by New when dtapp was built without the
// iouring build tag.
var ErrNotEnabled = fmt.Errorf("ioring: not enabled; build with -tags iouring")
