package mmu

import (
	"encoding/binary"

	"github.com/tinyrange/kboot/internal/memory"
)

// encoding describes how entries of one table format are laid out.
type encoding interface {
	// table returns an entry pointing at a next-level table.
	table(next memory.PhysAddr) uint64
	// leaf returns a page (or large page) entry.
	leaf(phys memory.PhysAddr, attrs uint64, large bool) uint64
	// attrs converts mapping flags to the attribute bits of a leaf.
	attrs(flags Flags) uint64
	// leafAttrs extracts the attribute bits from a large leaf.
	leafAttrs(e uint64) uint64
	present(e uint64) bool
	// large reports whether a present entry above the last level is a leaf.
	large(e uint64) bool
	address(e uint64) memory.PhysAddr
}

// radix is a multi-level table walker shared by every format. shifts holds
// the virtual address shift of each level, top level first.
type radix struct {
	ctx       *Context
	enc       encoding
	shifts    []uint
	entries   int
	entrySize int
}

func (r *radix) last() int { return len(r.shifts) - 1 }

func (r *radix) span(level int) uint64 { return 1 << r.shifts[level] }

func (r *radix) index(virt VirtAddr, level int) int {
	return int(uint64(virt)>>r.shifts[level]) & (r.entries - 1)
}

func (r *radix) read(table memory.PhysAddr, idx int) uint64 {
	b := r.ctx.mem.Bytes(table+memory.PhysAddr(idx*r.entrySize), uint64(r.entrySize))
	if r.entrySize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *radix) write(table memory.PhysAddr, idx int, e uint64) {
	b := r.ctx.mem.Bytes(table+memory.PhysAddr(idx*r.entrySize), uint64(r.entrySize))
	if r.entrySize == 4 {
		binary.LittleEndian.PutUint32(b, uint32(e))
		return
	}
	binary.LittleEndian.PutUint64(b, e)
}

// tableAt returns the table at the target level covering virt, allocating
// missing levels and splitting large leaves on the way down.
func (r *radix) tableAt(root memory.PhysAddr, virt VirtAddr, target int) (memory.PhysAddr, error) {
	table := root
	for level := 0; level < target; level++ {
		idx := r.index(virt, level)
		e := r.read(table, idx)

		switch {
		case !r.enc.present(e):
			next, err := r.ctx.allocTable()
			if err != nil {
				return 0, err
			}
			r.write(table, idx, r.enc.table(next))
			table = next
		case r.enc.large(e):
			next, err := r.split(e, level)
			if err != nil {
				return 0, err
			}
			r.write(table, idx, r.enc.table(next))
			table = next
		default:
			table = r.enc.address(e)
		}
	}
	return table, nil
}

// split replaces a large leaf at level with a table of small leaves mapping
// the same range with the same attributes.
func (r *radix) split(e uint64, level int) (memory.PhysAddr, error) {
	next, err := r.ctx.allocTable()
	if err != nil {
		return 0, err
	}
	base := r.enc.address(e)
	attrs := r.enc.leafAttrs(e)
	step := r.span(level + 1)
	for i := 0; i < r.entries; i++ {
		r.write(next, i, r.enc.leaf(base+memory.PhysAddr(uint64(i)*step), attrs, false))
	}
	return next, nil
}

func (r *radix) mapPage(root memory.PhysAddr, virt VirtAddr, phys memory.PhysAddr, flags Flags, large bool) error {
	level := r.last()
	if large {
		level--
	}
	table, err := r.tableAt(root, virt, level)
	if err != nil {
		return err
	}
	r.write(table, r.index(virt, level), r.enc.leaf(phys, r.enc.attrs(flags), large))
	return nil
}

func (r *radix) lookup(root memory.PhysAddr, virt VirtAddr) (memory.PhysAddr, uint64, bool) {
	table := root
	for level := 0; level <= r.last(); level++ {
		e := r.read(table, r.index(virt, level))
		if !r.enc.present(e) {
			return 0, 0, false
		}
		if level == r.last() || r.enc.large(e) {
			return r.enc.address(e), r.span(level), true
		}
		table = r.enc.address(e)
	}
	return 0, 0, false
}

// mapRecursive installs a self reference in the highest free slot of root
// whose window is not rejected by avoid. window converts a slot number to the
// virtual address it covers.
func (r *radix) mapRecursive(root memory.PhysAddr, window func(int) VirtAddr, avoid func(VirtAddr, uint64) bool) (VirtAddr, bool) {
	span := r.span(0)
	for i := r.entries - 1; i >= 0; i-- {
		if r.enc.present(r.read(root, i)) {
			continue
		}
		addr := window(i)
		if avoid(addr, span) {
			continue
		}
		r.write(root, i, r.enc.table(root))
		return addr, true
	}
	return 0, false
}
