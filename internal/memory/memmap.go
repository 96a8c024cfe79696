package memory

import (
	"sort"

	"github.com/tinyrange/kboot/internal/bootfail"
)

// Map is a sorted list of non-overlapping physical memory ranges.
type Map struct {
	ranges []Range
}

// Ranges returns a copy of the ranges in address order.
func (m *Map) Ranges() []Range {
	out := make([]Range, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Insert adds a range of the given type, replacing whatever part of existing
// ranges it overlaps, and merges it with adjacent ranges of the same type.
func (m *Map) Insert(start PhysAddr, size uint64, typ Type) {
	idx := m.insert(start, size, typ)
	m.merge(idx)
}

func (m *Map) insert(start PhysAddr, size uint64, typ Type) int {
	bootfail.Assert(Aligned(uint64(start)) && Aligned(size) && size != 0,
		"memory range %#x+%#x is not page aligned", uint64(start), size)

	nr := Range{Start: start, Size: size, Type: typ}
	last := nr.Last()

	out := make([]Range, 0, len(m.ranges)+2)
	for _, r := range m.ranges {
		rLast := r.Last()
		if rLast < start || r.Start > last {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, Range{Start: r.Start, Size: uint64(start - r.Start), Type: r.Type})
		}
		if rLast > last {
			out = append(out, Range{Start: last + 1, Size: uint64(rLast - last), Type: r.Type})
		}
	}
	out = append(out, nr)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	m.ranges = out

	for i, r := range m.ranges {
		if r.Start == start {
			return i
		}
	}
	bootfail.Invariant("inserted range %#x lost", uint64(start))
	return -1
}

func (m *Map) merge(idx int) {
	if idx+1 < len(m.ranges) {
		cur, next := m.ranges[idx], m.ranges[idx+1]
		if cur.Start+PhysAddr(cur.Size) == next.Start && cur.Type == next.Type {
			m.ranges[idx].Size += next.Size
			m.ranges = append(m.ranges[:idx+1], m.ranges[idx+2:]...)
		}
	}
	if idx > 0 {
		prev, cur := m.ranges[idx-1], m.ranges[idx]
		if prev.Start+PhysAddr(prev.Size) == cur.Start && prev.Type == cur.Type {
			m.ranges[idx-1].Size += cur.Size
			m.ranges = append(m.ranges[:idx], m.ranges[idx+1:]...)
		}
	}
}

// mergeAll coalesces every pair of adjacent ranges of the same type.
func (m *Map) mergeAll() {
	if len(m.ranges) == 0 {
		return
	}
	out := m.ranges[:1]
	for _, r := range m.ranges[1:] {
		prev := &out[len(out)-1]
		if prev.Start+PhysAddr(prev.Size) == r.Start && prev.Type == r.Type {
			prev.Size += r.Size
			continue
		}
		out = append(out, r)
	}
	m.ranges = out
}
