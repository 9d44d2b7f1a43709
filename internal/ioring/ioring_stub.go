//go:build !iouring
// +build !iouring

package ioring

// New is available in its real form when built with -tags iouring;
// otherwise it reports that io_uring support was not compiled in, and
// callers fall back to device.Context's synchronous pread/pwrite path.
func New(entries uint32) (Ring, error) {
	return nil, ErrNotEnabled
}
