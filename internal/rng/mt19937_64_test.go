package rng

import "testing"

// TestReferenceVector checks against the first published output of the
// 2004/09/29 reference generator seeded via init_by_array64 with key
// {0x12345, 0x23456, 0x34567, 0x45678}. Passes written with a given
// seed must reproduce the exact same draw sequence on the matching
// read pass, so any drift here is a correctness bug, not a style
// nit.
func TestReferenceVector(t *testing.T) {
	r := NewSource(0)
	r.SeedArray([]uint64{0x12345, 0x23456, 0x34567, 0x45678})

	want := []uint64{
		7266447313870364031,
		4946485549665804864,
		16945909448695747420,
		16394063075524226720,
		4873882236456199058,
	}

	for i, w := range want {
		got := r.Uint64()
		if got != w {
			t.Fatalf("output %d = %d, want %d", i, got, w)
		}
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	a := NewSource(0xDEADBEEFCAFEBABE)
	b := NewSource(0xDEADBEEFCAFEBABE)

	for i := 0; i < 1000; i++ {
		av, bv := a.Uint64(), b.Uint64()
		if av != bv {
			t.Fatalf("draw %d diverged: %d != %d", i, av, bv)
		}
	}
}

func TestFloatRanges(t *testing.T) {
	r := NewSource(1)
	for i := 0; i < 10000; i++ {
		if v := r.Float64Closed(); v < 0 || v > 1 {
			t.Fatalf("Float64Closed out of range: %v", v)
		}
		if v := r.Float64HalfOpen(); v < 0 || v >= 1 {
			t.Fatalf("Float64HalfOpen out of range: %v", v)
		}
		if v := r.Float64Open(); v <= 0 || v >= 1 {
			t.Fatalf("Float64Open out of range: %v", v)
		}
	}
}

func TestIntnDistributesWithinRange(t *testing.T) {
	r := NewSource(42)
	for i := 0; i < 10000; i++ {
		v := r.Intn(7)
		if v < 0 || v >= 7 {
			t.Fatalf("Intn(7) out of range: %d", v)
		}
	}
}
