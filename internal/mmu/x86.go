package mmu

import "github.com/tinyrange/kboot/internal/memory"

const (
	x86Present = 1 << 0
	x86Write   = 1 << 1
	x86User    = 1 << 2
	x86PWT     = 1 << 3
	x86PCD     = 1 << 4
	x86Large   = 1 << 7

	x86AddrMask64 = 0x000ffffffffff000
	x86AddrMask32 = 0xfffff000

	// Span of one entry at each level.
	pml4Range64 = 0x8000000000
	pdptRange64 = 0x40000000
	pdirRange64 = 0x200000
	pdirRange32 = 0x400000

	// Start of the upper canonical half on x86-64.
	x86UpperHalf = 0xffff000000000000
)

type x86Encoding struct {
	mask uint64
}

func (x86Encoding) table(next memory.PhysAddr) uint64 {
	return uint64(next) | x86Present | x86Write
}

func (x86Encoding) leaf(phys memory.PhysAddr, attrs uint64, large bool) uint64 {
	if large {
		return uint64(phys) | attrs | x86Large
	}
	return uint64(phys) | attrs
}

func (x86Encoding) attrs(flags Flags) uint64 {
	attrs := uint64(x86Present)
	if flags&ReadOnly == 0 {
		attrs |= x86Write
	}
	switch flags.Cache() {
	case CacheWriteThrough:
		attrs |= x86PWT
	case CacheUncached:
		attrs |= x86PCD
	}
	return attrs
}

func (e x86Encoding) leafAttrs(entry uint64) uint64 {
	return entry &^ (e.mask | x86Large)
}

func (x86Encoding) present(entry uint64) bool { return entry&x86Present != 0 }

func (x86Encoding) large(entry uint64) bool { return entry&x86Large != 0 }

func (e x86Encoding) address(entry uint64) memory.PhysAddr {
	return memory.PhysAddr(entry & e.mask)
}

// x86Long is the four-level IA-32e format used by 64-bit kernels.
type x86Long struct {
	radix
	pml4 memory.PhysAddr
}

func newX86Long(ctx *Context) (*x86Long, error) {
	pml4, err := ctx.allocTable()
	if err != nil {
		return nil, err
	}
	return &x86Long{
		radix: radix{
			ctx:       ctx,
			enc:       x86Encoding{mask: x86AddrMask64},
			shifts:    []uint{39, 30, 21, 12},
			entries:   512,
			entrySize: 8,
		},
		pml4: pml4,
	}, nil
}

func (f *x86Long) roots() []memory.PhysAddr { return []memory.PhysAddr{f.pml4} }

func (f *x86Long) largePageSize() uint64 { return pdirRange64 }

func (f *x86Long) validRange(virt VirtAddr, phys memory.PhysAddr, size uint64) bool {
	return CanonicalRange(virt, size)
}

func (f *x86Long) mapPage(virt VirtAddr, phys memory.PhysAddr, flags Flags, large bool) error {
	return f.radix.mapPage(f.pml4, virt, phys, flags, large)
}

func (f *x86Long) lookup(virt VirtAddr) (memory.PhysAddr, uint64, bool) {
	if !isCanonical(uint64(virt)) {
		return 0, 0, false
	}
	return f.radix.lookup(f.pml4, virt)
}

func (f *x86Long) mapRecursive(avoid func(VirtAddr, uint64) bool) (VirtAddr, bool) {
	return f.radix.mapRecursive(f.pml4, func(i int) VirtAddr {
		addr := VirtAddr(uint64(i) * pml4Range64)
		if i >= 256 {
			addr |= x86UpperHalf
		}
		return addr
	}, avoid)
}

// x86Legacy is the two-level non-PAE format used by 32-bit kernels, with
// 4 MiB pages when the CPU supports PSE.
type x86Legacy struct {
	radix
	pdir       memory.PhysAddr
	largePages bool
}

func newX86Legacy(ctx *Context, largePages bool) (*x86Legacy, error) {
	pdir, err := ctx.allocTable()
	if err != nil {
		return nil, err
	}
	return &x86Legacy{
		radix: radix{
			ctx:       ctx,
			enc:       x86Encoding{mask: x86AddrMask32},
			shifts:    []uint{22, 12},
			entries:   1024,
			entrySize: 4,
		},
		pdir:       pdir,
		largePages: largePages,
	}, nil
}

func (f *x86Legacy) roots() []memory.PhysAddr { return []memory.PhysAddr{f.pdir} }

func (f *x86Legacy) largePageSize() uint64 {
	if !f.largePages {
		return 0
	}
	return pdirRange32
}

func (f *x86Legacy) validRange(virt VirtAddr, phys memory.PhysAddr, size uint64) bool {
	const limit = 1 << 32
	if uint64(virt) >= limit || size > limit-uint64(virt) {
		return false
	}
	return uint64(phys) < limit && size <= limit-uint64(phys)
}

func (f *x86Legacy) mapPage(virt VirtAddr, phys memory.PhysAddr, flags Flags, large bool) error {
	return f.radix.mapPage(f.pdir, virt, phys, flags, large)
}

func (f *x86Legacy) lookup(virt VirtAddr) (memory.PhysAddr, uint64, bool) {
	if uint64(virt) >= 1<<32 {
		return 0, 0, false
	}
	return f.radix.lookup(f.pdir, virt)
}

func (f *x86Legacy) mapRecursive(avoid func(VirtAddr, uint64) bool) (VirtAddr, bool) {
	return f.radix.mapRecursive(f.pdir, func(i int) VirtAddr {
		return VirtAddr(uint64(i) * pdirRange32)
	}, avoid)
}
