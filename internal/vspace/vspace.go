// Package vspace allocates ranges of a kernel's virtual address space.
package vspace

import (
	"fmt"
	"sort"

	"github.com/tinyrange/kboot/internal/bootfail"
)

const pageSize = 0x1000

// Region is a range of the address space. Last is inclusive so that a region
// may end at the top of the 64-bit space.
type Region struct {
	Start     uint64
	Last      uint64
	Allocated bool
}

func (r Region) Size() uint64 { return r.Last - r.Start + 1 }

func (r Region) String() string {
	state := "free"
	if r.Allocated {
		state = "allocated"
	}
	return fmt.Sprintf("%#x-%#x %s", r.Start, r.Last, state)
}

// Allocator hands out page aligned ranges of [start, start+size).
type Allocator struct {
	start   uint64
	last    uint64
	regions []Region
}

// New creates an allocator covering size bytes from start. start+size may wrap
// to exactly zero, meaning the range extends to the top of the address space.
func New(start, size uint64) *Allocator {
	bootfail.Assert(start%pageSize == 0 && size%pageSize == 0 && size != 0,
		"vspace: unaligned range %#x+%#x", start, size)
	bootfail.Assert(start+size > start || start+size == 0, "vspace: range %#x+%#x wraps", start, size)

	a := &Allocator{start: start, last: start + size - 1}
	a.regions = []Region{{Start: start, Last: a.last}}
	return a
}

// Regions returns the regions in address order.
func (a *Allocator) Regions() []Region {
	out := make([]Region, len(a.regions))
	copy(out, a.regions)
	return out
}

// Alloc finds the lowest free range of size bytes aligned to align and marks
// it allocated.
func (a *Allocator) Alloc(size, align uint64) (uint64, bool) {
	bootfail.Assert(size%pageSize == 0 && size != 0, "vspace: bad allocation size %#x", size)
	bootfail.Assert(align%pageSize == 0, "vspace: bad alignment %#x", align)
	if align == 0 {
		align = pageSize
	}

	for _, r := range a.regions {
		if r.Allocated {
			continue
		}
		start := (r.Start + align - 1) &^ (align - 1)
		if start < r.Start {
			continue
		}
		last := start + size - 1
		if last < start || last > r.Last {
			continue
		}
		a.insert(Region{Start: start, Last: last, Allocated: true})
		return start, true
	}
	return 0, false
}

// Insert marks [addr, addr+size) allocated. It fails if any part of the range
// is already allocated.
func (a *Allocator) Insert(addr, size uint64) bool {
	bootfail.Assert(addr%pageSize == 0 && size%pageSize == 0 && size != 0,
		"vspace: bad insert %#x+%#x", addr, size)

	last := addr + size - 1
	for _, r := range a.regions {
		if r.Allocated && max(addr, r.Start) <= min(last, r.Last) {
			return false
		}
	}
	a.Reserve(addr, size)
	return true
}

// Reserve marks the part of [addr, addr+size) inside the allocator as
// allocated, regardless of what was there.
func (a *Allocator) Reserve(addr, size uint64) {
	bootfail.Assert(addr%pageSize == 0 && size%pageSize == 0 && size != 0,
		"vspace: bad reserve %#x+%#x", addr, size)

	last := min(addr+size-1, a.last)
	start := max(addr, a.start)
	if last < start {
		return
	}
	a.insert(Region{Start: start, Last: last, Allocated: true})
}

func (a *Allocator) insert(nr Region) {
	out := make([]Region, 0, len(a.regions)+2)
	for _, r := range a.regions {
		if r.Last < nr.Start || r.Start > nr.Last {
			out = append(out, r)
			continue
		}
		if r.Start < nr.Start {
			out = append(out, Region{Start: r.Start, Last: nr.Start - 1, Allocated: r.Allocated})
		}
		if r.Last > nr.Last {
			out = append(out, Region{Start: nr.Last + 1, Last: r.Last, Allocated: r.Allocated})
		}
	}
	out = append(out, nr)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	a.regions = out
}
