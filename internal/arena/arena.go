// Package arena provides page-aligned buffer allocation for I/O
// records. Raw devices on Linux reject unaligned user buffers for
// O_DIRECT transfers, so every record buffer dtapp hands to a device
// context comes from here rather than a plain make([]byte, n).
//
// Grounded on the teacher's internal/queue/pool.go sizing-bucket idea,
// but replacing sync.Pool's GC-managed slices with explicit mmap
// allocations tracked in a registry, since pool buffers are not
// guaranteed page-aligned.
package arena

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena owns a set of page-aligned allocations and can free them
// individually or all at once. Safe for concurrent use.
type Arena struct {
	mu        sync.Mutex
	pageSize  int
	allocs    map[uintptr]*allocation
}

type allocation struct {
	raw      []byte // the full mmap region, page-aligned already on Linux
	usable   []byte // raw[offset:offset+n], the slice handed back to the caller
}

// New creates an Arena using the host's page size.
func New() *Arena {
	return &Arena{
		pageSize: unix.Getpagesize(),
		allocs:   make(map[uintptr]*allocation),
	}
}

// Allocate returns a zeroed buffer of exactly n bytes.
func (a *Arena) Allocate(n int) ([]byte, error) {
	return a.AllocateAt(n, 0)
}

// AllocateAt returns a buffer of exactly n bytes starting offset bytes
// past a page boundary, backed by a raw mapping of n+offset rounded up
// to a page multiple plus one extra page, so the requested offset
// always fits within the mapping regardless of its value. offset=0 is the common case (direct-I/O alignment);
// nonzero offsets deliberately misalign the returned buffer to
// exercise a device's unaligned-I/O fallback path while the backing
// mapping itself stays page-aligned.
func (a *Arena) AllocateAt(n, offset int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("arena: allocate size must be positive, got %d", n)
	}
	if offset < 0 {
		return nil, fmt.Errorf("arena: allocate offset must be non-negative, got %d", offset)
	}

	mapLen := roundUp(n+offset, a.pageSize) + a.pageSize
	raw, err := unix.Mmap(-1, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", mapLen, err)
	}

	usable := raw[offset : offset+n]

	a.mu.Lock()
	a.allocs[addr(usable)] = &allocation{raw: raw, usable: usable}
	a.mu.Unlock()

	return usable, nil
}

// Free releases a buffer previously returned by Allocate. It is a
// no-op if buf was not allocated by this Arena (already freed, or
// foreign memory) so double-free from a racing cleanup path is
// harmless rather than a crash.
func (a *Arena) Free(buf []byte) error {
	key := addr(buf)

	a.mu.Lock()
	alloc, ok := a.allocs[key]
	if ok {
		delete(a.allocs, key)
	}
	a.mu.Unlock()

	if !ok {
		return nil
	}
	return unix.Munmap(alloc.raw)
}

// FreeAll releases every outstanding allocation. Intended for shutdown
// paths where tracking down individual buffers is unnecessary.
func (a *Arena) FreeAll() error {
	a.mu.Lock()
	allocs := a.allocs
	a.allocs = make(map[uintptr]*allocation)
	a.mu.Unlock()

	var firstErr error
	for _, alloc := range allocs {
		if err := unix.Munmap(alloc.raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Outstanding returns the number of allocations not yet freed. Used by
// tests and by job shutdown to detect leaks.
func (a *Arena) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocs)
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n
	}
	return n + (multiple - n%multiple)
}

func addr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
