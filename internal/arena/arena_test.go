package arena

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestAllocateReturnsPageAlignedBuffer(t *testing.T) {
	a := New()
	defer a.FreeAll()

	buf, err := a.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != 4096 {
		t.Fatalf("len(buf) = %d, want 4096", len(buf))
	}

	pageSize := unix.Getpagesize()
	if addr(buf)%uintptr(pageSize) != 0 {
		t.Fatalf("buffer not page-aligned: addr=%x pageSize=%d", addr(buf), pageSize)
	}
}

func TestAllocateSmallerThanPageStillAligned(t *testing.T) {
	a := New()
	defer a.FreeAll()

	buf, err := a.Allocate(17)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != 17 {
		t.Fatalf("len(buf) = %d, want 17", len(buf))
	}

	pageSize := unix.Getpagesize()
	if addr(buf)%uintptr(pageSize) != 0 {
		t.Fatalf("buffer not page-aligned: addr=%x pageSize=%d", addr(buf), pageSize)
	}
}

func TestFreeRemovesFromRegistry(t *testing.T) {
	a := New()

	buf, err := a.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1", a.Outstanding())
	}

	if err := a.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d after Free, want 0", a.Outstanding())
	}
}

func TestFreeUnknownBufferIsNoop(t *testing.T) {
	a := New()
	foreign := make([]byte, 16)
	if err := a.Free(foreign); err != nil {
		t.Fatalf("Free(foreign) = %v, want nil", err)
	}
}

func TestFreeAllClearsEverything(t *testing.T) {
	a := New()
	for i := 0; i < 5; i++ {
		if _, err := a.Allocate(4096); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}
	if a.Outstanding() != 5 {
		t.Fatalf("Outstanding() = %d, want 5", a.Outstanding())
	}
	if err := a.FreeAll(); err != nil {
		t.Fatalf("FreeAll: %v", err)
	}
	if a.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d after FreeAll, want 0", a.Outstanding())
	}
}

func TestAllocateAtIntentionalMisalignment(t *testing.T) {
	a := New()
	defer a.FreeAll()

	pageSize := unix.Getpagesize()
	buf, err := a.AllocateAt(4096, pageSize-3)
	if err != nil {
		t.Fatalf("AllocateAt: %v", err)
	}
	if len(buf) != 4096 {
		t.Fatalf("len(buf) = %d, want 4096", len(buf))
	}
	if addr(buf)%uintptr(pageSize) == 0 {
		t.Fatal("expected a deliberately misaligned buffer, got page-aligned")
	}
}

func TestAllocateRejectsNonPositiveSize(t *testing.T) {
	a := New()
	if _, err := a.Allocate(0); err == nil {
		t.Fatal("Allocate(0) = nil error, want error")
	}
	if _, err := a.Allocate(-1); err == nil {
		t.Fatal("Allocate(-1) = nil error, want error")
	}
}
