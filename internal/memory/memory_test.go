package memory

import (
	"errors"
	"testing"

	"github.com/tinyrange/kboot/internal/bootfail"
)

func newTestArena(t *testing.T, size uint64) *Arena {
	t.Helper()
	a, err := NewArena(0, size)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestMapInsertSplitsAndMerges(t *testing.T) {
	var m Map
	m.Insert(0x0, 0x10000, TypeFree)
	m.Insert(0x4000, 0x2000, TypeAllocated)

	got := m.Ranges()
	want := []Range{
		{Start: 0x0, Size: 0x4000, Type: TypeFree},
		{Start: 0x4000, Size: 0x2000, Type: TypeAllocated},
		{Start: 0x6000, Size: 0xa000, Type: TypeFree},
	}
	if len(got) != len(want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("range %d = %v, want %v", i, got[i], want[i])
		}
	}

	m.Insert(0x4000, 0x2000, TypeFree)
	got = m.Ranges()
	if len(got) != 1 || got[0] != (Range{Start: 0, Size: 0x10000, Type: TypeFree}) {
		t.Fatalf("ranges after merge = %v, want one free range", got)
	}
}

func TestMapInsertSwallowsCoveredRanges(t *testing.T) {
	var m Map
	m.Insert(0x1000, 0x1000, TypeStack)
	m.Insert(0x3000, 0x1000, TypeModules)
	m.Insert(0x0, 0x8000, TypeAllocated)

	got := m.Ranges()
	if len(got) != 1 || got[0].Size != 0x8000 || got[0].Type != TypeAllocated {
		t.Fatalf("ranges = %v, want single allocated range", got)
	}
}

func TestArenaAllocHighAndLow(t *testing.T) {
	a := newTestArena(t, 0x100000)

	high, err := a.Alloc(0x2000, 0, 0, 0, TypeAllocated, AllocHigh)
	if err != nil {
		t.Fatalf("Alloc high: %v", err)
	}
	if high != 0xfe000 {
		t.Fatalf("high alloc = %#x, want %#x", uint64(high), 0xfe000)
	}

	low, err := a.Alloc(0x1000, 0, 0, 0, TypeAllocated, 0)
	if err != nil {
		t.Fatalf("Alloc low: %v", err)
	}
	if low != PhysMin {
		t.Fatalf("low alloc = %#x, want %#x", uint64(low), uint64(PhysMin))
	}
}

func TestArenaAllocAlignment(t *testing.T) {
	a := newTestArena(t, 0x400000)

	addr, err := a.Alloc(0x1000, 0x200000, 0, 0, TypeAllocated, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr%0x200000 != 0 {
		t.Fatalf("alloc = %#x, want 2MiB aligned", uint64(addr))
	}
}

func TestArenaAllocZeroes(t *testing.T) {
	a := newTestArena(t, 0x10000)

	buf := a.Bytes(0x1000, 0x1000)
	for i := range buf {
		buf[i] = 0xaa
	}
	addr, err := a.Alloc(0x1000, 0, 0x1000, 0x1fff, TypeAllocated, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i, b := range a.Bytes(addr, 0x1000) {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestArenaFixedCollision(t *testing.T) {
	a := newTestArena(t, 0x10000)

	if _, err := a.Alloc(0x2000, 0, 0x4000, 0x5fff, TypeAllocated, 0); err != nil {
		t.Fatalf("first fixed alloc: %v", err)
	}
	_, err := a.Alloc(0x1000, 0, 0x5000, 0x5fff, TypeAllocated, 0)
	if !errors.Is(err, ErrNoMemory) {
		t.Fatalf("second fixed alloc error = %v, want ErrNoMemory", err)
	}
	if !bootfail.Is(err, bootfail.KindResource) {
		t.Fatalf("error kind = %v, want resource", err)
	}
}

func TestArenaProtectAndFinalize(t *testing.T) {
	a := newTestArena(t, 0x10000)

	if _, err := a.Alloc(0x1000, 0, 0x8000, 0x8fff, TypeStack, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Protect(0x6000, 0x4000)

	for _, r := range a.Snapshot() {
		if r.Start == 0x6000 && r.Type != TypeInternal {
			t.Fatalf("range at 0x6000 = %v, want internal", r)
		}
		if r.Start == 0x8000 && r.Type != TypeStack {
			t.Fatalf("range at 0x8000 = %v, want stack", r)
		}
	}

	if _, err := a.Alloc(0x1000, 0, 0x6000, 0x6fff, TypeAllocated, 0); err == nil {
		t.Fatalf("Alloc from protected range succeeded")
	}

	final := a.Finalize()
	want := []Range{
		{Start: 0, Size: 0x8000, Type: TypeFree},
		{Start: 0x8000, Size: 0x1000, Type: TypeStack},
		{Start: 0x9000, Size: 0x7000, Type: TypeFree},
	}
	if len(final) != len(want) {
		t.Fatalf("final map = %v, want %v", final, want)
	}
	for i := range want {
		if final[i] != want[i] {
			t.Fatalf("final range %d = %v, want %v", i, final[i], want[i])
		}
	}
}

func TestTranslatorBounds(t *testing.T) {
	mem := make([]byte, 0x2000)
	tr := NewTranslator(0x100000, mem)

	tr.Bytes(0x101000, 0x10)[0] = 0xaa
	if mem[0x1000] != 0xaa {
		t.Fatalf("Bytes does not alias the backing memory")
	}
	if tr.Contains(0x101000, 0x1001) {
		t.Fatalf("Contains past end = true")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("Bytes outside backing did not panic")
		}
	}()
	tr.Bytes(0xff000, 0x1000)
}
