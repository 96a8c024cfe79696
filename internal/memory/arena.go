package memory

import (
	"errors"
	"fmt"

	"github.com/tinyrange/kboot/internal/bootfail"
)

// PhysMin is the lowest address handed out when no minimum is requested.
const PhysMin PhysAddr = 0x1000

// ErrNoMemory is returned when no free range satisfies an allocation.
var ErrNoMemory = errors.New("insufficient memory available")

// AllocFlags modify the behaviour of Arena.Alloc.
type AllocFlags uint8

const (
	// AllocHigh searches from the top of memory downwards.
	AllocHigh AllocFlags = 1 << iota
)

// Arena is the physical memory manager for a boot attempt. It owns one
// contiguous region of host memory standing in for guest physical memory and
// tracks the type of every page in it.
type Arena struct {
	mem     []byte
	release func() error
	tr      *Translator
	ranges  Map
}

// NewArena creates an arena covering [base, base+size). All of it starts out
// free.
func NewArena(base PhysAddr, size uint64) (*Arena, error) {
	if !Aligned(uint64(base)) || !Aligned(size) || size == 0 {
		return nil, fmt.Errorf("arena %#x+%#x is not page aligned", uint64(base), size)
	}
	if uint64(base)+size-1 > uint64(PhysMax) {
		return nil, fmt.Errorf("arena %#x+%#x extends above %#x", uint64(base), size, uint64(PhysMax))
	}

	mem, release, err := allocBacking(size)
	if err != nil {
		return nil, err
	}

	a := &Arena{
		mem:     mem,
		release: release,
		tr:      NewTranslator(base, mem),
	}
	a.ranges.Insert(base, size, TypeFree)
	return a, nil
}

// Close releases the host memory backing the arena.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.mem = nil
	return err
}

// Bytes returns the loader's view of [phys, phys+size).
func (a *Arena) Bytes(phys PhysAddr, size uint64) []byte { return a.tr.Bytes(phys, size) }

// Add sets the type of a page aligned range inside the arena, for example to
// reserve firmware areas before loading.
func (a *Arena) Add(start PhysAddr, size uint64, typ Type) {
	bootfail.Assert(a.tr.Contains(start, size), "range %#x+%#x outside arena", uint64(start), size)
	a.ranges.Insert(start, size, typ)
}

// Alloc allocates size bytes of physical memory aligned to align whose first
// byte is at or above min and whose last byte is at or below max. A zero align
// means page alignment, a zero min means PhysMin and a zero max means PhysMax.
// The memory is zeroed.
func (a *Arena) Alloc(size, align uint64, min, max PhysAddr, typ Type, flags AllocFlags) (PhysAddr, error) {
	bootfail.Assert(Aligned(size) && size != 0, "allocation size %#x is not a page multiple", size)
	bootfail.Assert(Aligned(align), "allocation alignment %#x is not a page multiple", align)
	bootfail.Assert(typ != TypeFree, "allocation of free memory")

	if align == 0 {
		align = PageSize
	}
	if min == 0 {
		min = PhysMin
	}
	if max == 0 || max > PhysMax {
		max = PhysMax
	}
	bootfail.Assert(max >= min && uint64(max-min) >= size-1,
		"allocation window %#x-%#x smaller than %#x", uint64(min), uint64(max), size)

	ranges := a.ranges.ranges
	for i := range ranges {
		r := ranges[i]
		if flags&AllocHigh != 0 {
			r = ranges[len(ranges)-1-i]
		}
		start, ok := suitable(r, size, align, min, max, flags)
		if !ok {
			continue
		}
		a.ranges.Insert(start, size, typ)
		clear(a.tr.Bytes(start, size))
		return start, nil
	}

	return 0, bootfail.Resource("allocating %d bytes: %w", size, ErrNoMemory)
}

func suitable(r Range, size, align uint64, min, max PhysAddr, flags AllocFlags) (PhysAddr, bool) {
	if r.Type != TypeFree {
		return 0, false
	}

	matchStart := r.Start
	if min > matchStart {
		matchStart = min
	}
	matchEnd := r.Last()
	if max < matchEnd {
		matchEnd = max
	}
	if matchEnd <= matchStart || uint64(matchEnd-matchStart) < size-1 {
		return 0, false
	}

	var start PhysAddr
	if flags&AllocHigh != 0 {
		start = PhysAddr(alignDown(uint64(matchEnd)-size+1, align))
		if start < matchStart {
			return 0, false
		}
	} else {
		start = PhysAddr(alignUp(uint64(matchStart), align))
		if start < matchStart || uint64(start)+size-1 > uint64(matchEnd) {
			return 0, false
		}
	}
	return start, true
}

// Protect marks every free page in [start, start+size) as internal so that it
// is not allocated before Finalize.
func (a *Arena) Protect(start PhysAddr, size uint64) {
	first := PhysAddr(RoundDown(uint64(start)))
	last := PhysAddr(RoundUp(uint64(start)+size)) - 1

	for _, r := range a.ranges.Ranges() {
		if r.Type != TypeFree {
			continue
		}
		matchStart := max(first, r.Start)
		matchEnd := min(last, r.Last())
		if matchEnd <= matchStart {
			continue
		}
		a.ranges.Insert(matchStart, uint64(matchEnd-matchStart)+1, TypeInternal)
	}
}

// Snapshot returns the current memory map.
func (a *Arena) Snapshot() []Range {
	return a.ranges.Ranges()
}

// Finalize releases all internal ranges and returns the memory map to pass to
// the kernel. No further allocations should be made afterwards.
func (a *Arena) Finalize() []Range {
	for i := range a.ranges.ranges {
		if a.ranges.ranges[i].Type == TypeInternal {
			a.ranges.ranges[i].Type = TypeFree
		}
	}
	a.ranges.mergeAll()
	return a.ranges.Ranges()
}
