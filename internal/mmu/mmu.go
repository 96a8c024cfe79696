// Package mmu builds page tables for a kernel that is not yet running.
//
// A Context owns a page-table hierarchy in guest physical memory that is
// entirely separate from whatever mapping the loader itself runs under.
// Tables are allocated from a Memory on demand and are never freed; once the
// kernel is entered they belong to it.
package mmu

import (
	"errors"
	"fmt"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/memory"
)

// VirtAddr is a virtual address in the address space being built.
type VirtAddr uint64

// Arch is a target CPU architecture.
type Arch int

const (
	ArchX86 Arch = iota
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchARM64:
		return "arm64"
	default:
		return fmt.Sprintf("arch(%d)", int(a))
	}
}

// Mode is the width of the virtual address space.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// Flags control the attributes of a mapping.
type Flags uint32

const (
	// ReadOnly maps the range without write permission.
	ReadOnly Flags = 1 << 0

	CacheDefault      Flags = 0 << 1
	CacheWriteThrough Flags = 1 << 1
	CacheUncached     Flags = 2 << 1

	cacheMask Flags = 3 << 1
)

// Cache returns the cache mode portion of the flags.
func (f Flags) Cache() Flags { return f & cacheMask }

var (
	// ErrInvalidRange is returned for ranges the table format cannot express:
	// non-canonical or gap straddling 64-bit ranges, and 32-bit ranges
	// outside 4 GiB. Nothing is modified when it is returned.
	ErrInvalidRange = errors.New("mmu: address range not mappable")

	// ErrNotMapped is returned by the accessors when part of a range has no
	// mapping.
	ErrNotMapped = errors.New("mmu: address not mapped")
)

// Memory is the physical memory the tables live in.
type Memory interface {
	Alloc(size, align uint64, min, max memory.PhysAddr, typ memory.Type, flags memory.AllocFlags) (memory.PhysAddr, error)
	Bytes(phys memory.PhysAddr, size uint64) []byte
}

// Context is a page-table hierarchy under construction.
type Context struct {
	arch  Arch
	mode  Mode
	class memory.Type
	mem   Memory
	caps  Capabilities
	f     format
}

// format is one page-table layout: x86 two level, x86 four level or arm64.
type format interface {
	roots() []memory.PhysAddr
	largePageSize() uint64
	validRange(virt VirtAddr, phys memory.PhysAddr, size uint64) bool
	mapPage(virt VirtAddr, phys memory.PhysAddr, flags Flags, large bool) error
	lookup(virt VirtAddr) (base memory.PhysAddr, pageSize uint64, ok bool)
	mapRecursive(avoid func(VirtAddr, uint64) bool) (VirtAddr, bool)
}

// New creates an empty context whose tables are allocated from mem as
// memory of type class.
func New(arch Arch, mode Mode, class memory.Type, mem Memory, caps Capabilities) (*Context, error) {
	ctx := &Context{arch: arch, mode: mode, class: class, mem: mem, caps: caps}

	var err error
	switch {
	case arch == ArchX86 && mode == Mode64:
		ctx.f, err = newX86Long(ctx)
	case arch == ArchX86 && mode == Mode32:
		ctx.f, err = newX86Legacy(ctx, caps.LargePages32)
	case arch == ArchARM64 && mode == Mode64:
		ctx.f, err = newARM64(ctx)
	default:
		return nil, bootfail.Validation("mmu: unsupported %s %d-bit context", arch, int(mode))
	}
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

func (c *Context) Arch() Arch { return c.arch }

func (c *Context) Mode() Mode { return c.mode }

// Roots returns the physical addresses of the top-level tables. On arm64 the
// first covers the lower half of the address space and the second the upper
// half.
func (c *Context) Roots() []memory.PhysAddr { return c.f.roots() }

// Map maps [virt, virt+size) to [phys, phys+size). All three values must be
// page aligned. Existing mappings in the range are replaced.
func (c *Context) Map(virt VirtAddr, phys memory.PhysAddr, size uint64, flags Flags) error {
	if !memory.Aligned(uint64(virt)) || !memory.Aligned(uint64(phys)) || !memory.Aligned(size) {
		bootfail.Invariant("mmu: unaligned map %#x -> %#x size %#x", uint64(virt), uint64(phys), size)
	}
	if size == 0 {
		return nil
	}
	if !c.f.validRange(virt, phys, size) {
		return fmt.Errorf("%w: %#x -> %#x size %#x", ErrInvalidRange, uint64(virt), uint64(phys), size)
	}

	if large := c.f.largePageSize(); large != 0 && uint64(virt)%large == uint64(phys)%large {
		for uint64(virt)%large != 0 && size > 0 {
			if err := c.f.mapPage(virt, phys, flags, false); err != nil {
				return err
			}
			virt += memory.PageSize
			phys += memory.PageSize
			size -= memory.PageSize
		}
		for size >= large {
			if err := c.f.mapPage(virt, phys, flags, true); err != nil {
				return err
			}
			virt += VirtAddr(large)
			phys += memory.PhysAddr(large)
			size -= large
		}
	}

	for size > 0 {
		if err := c.f.mapPage(virt, phys, flags, false); err != nil {
			return err
		}
		virt += memory.PageSize
		phys += memory.PageSize
		size -= memory.PageSize
	}
	return nil
}

// Translate returns the physical address virt maps to.
func (c *Context) Translate(virt VirtAddr) (memory.PhysAddr, bool) {
	base, pageSize, ok := c.f.lookup(virt)
	if !ok {
		return 0, false
	}
	return base + memory.PhysAddr(uint64(virt)%pageSize), true
}

// MapRecursive points a free top-level entry back at the top-level table so
// that the kernel can reach its own page tables, and returns the virtual
// address of the window. Slots are searched from the top down and any slot
// whose window overlaps [avoidBase, avoidBase+avoidSize) is skipped.
func (c *Context) MapRecursive(avoidBase VirtAddr, avoidSize uint64) (VirtAddr, error) {
	avoidLast := avoidBase + VirtAddr(avoidSize) - 1
	overlaps := func(start VirtAddr, size uint64) bool {
		if avoidSize == 0 {
			return false
		}
		last := start + VirtAddr(size) - 1
		return start <= avoidLast && last >= avoidBase
	}

	window, ok := c.f.mapRecursive(overlaps)
	if !ok {
		return 0, bootfail.Resource("mmu: unable to allocate page table mapping space")
	}
	return window, nil
}

// allocTable allocates and zeroes one page of table memory.
func (c *Context) allocTable() (memory.PhysAddr, error) {
	phys, err := c.mem.Alloc(memory.PageSize, memory.PageSize, 0, 0, c.class, memory.AllocHigh)
	if err != nil {
		return 0, fmt.Errorf("mmu: allocate page table: %w", err)
	}
	clear(c.mem.Bytes(phys, memory.PageSize))
	return phys, nil
}

func isCanonical(addr uint64) bool {
	sign := (addr >> 47) & 1
	if sign == 0 {
		return addr>>48 == 0
	}
	return (addr >> 48) == 0xFFFF
}

// CanonicalRange reports whether [start, start+size) is canonical and lies
// entirely on one side of the canonical gap.
func CanonicalRange(start VirtAddr, size uint64) bool {
	end := uint64(start) + size - 1
	if end < uint64(start) {
		return false
	}
	if !isCanonical(uint64(start)) || !isCanonical(end) {
		return false
	}
	return (uint64(start)>>47)&1 == (end>>47)&1
}
