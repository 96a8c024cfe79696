package mmu

import "github.com/tinyrange/kboot/internal/memory"

// Translation table descriptor bits for the 4 KiB granule.
const (
	armValid = 1 << 0
	armTable = 1 << 1 // table descriptor above level 3
	armPage  = 1 << 1 // page descriptor at level 3

	armAPReadWriteEL1 = 0 << 6
	armAPReadOnlyEL1  = 2 << 6
	armSHOuter        = 2 << 8
	armSHInner        = 3 << 8
	armAF             = 1 << 10

	armAddrMask = 0x0000fffffffff000

	// armLowerTop is the last address translated through the lower root and
	// armUpperBottom the first address translated through the upper root.
	armLowerTop    = 0x0000ffffffffffff
	armUpperBottom = 0xffff000000000000

	armTTL0Range = 0x8000000000
	armTTL2Range = 0x200000
)

// MAIR indices referenced by leaf descriptors. The entry trampoline programs
// MAIR_EL1 with MAIRValue before enabling the MMU.
const (
	MAIRDevice   = 0 // Device-nGnRnE
	MAIRNormalWT = 1 // Normal, write-through
	MAIRNormalWB = 2 // Normal, write-back

	MAIRValue = 0x00 | 0xbb<<8 | 0xff<<16
)

func armAttrIndex(idx uint64) uint64 { return idx << 2 }

type arm64Encoding struct{}

func (arm64Encoding) table(next memory.PhysAddr) uint64 {
	return uint64(next) | armValid | armTable
}

func (arm64Encoding) leaf(phys memory.PhysAddr, attrs uint64, large bool) uint64 {
	if large {
		return uint64(phys) | attrs
	}
	return uint64(phys) | armPage | attrs
}

func (arm64Encoding) attrs(flags Flags) uint64 {
	attrs := uint64(armValid | armAF)
	if flags&ReadOnly != 0 {
		attrs |= armAPReadOnlyEL1
	} else {
		attrs |= armAPReadWriteEL1
	}
	switch flags.Cache() {
	case CacheUncached:
		attrs |= armSHOuter | armAttrIndex(MAIRDevice)
	case CacheWriteThrough:
		attrs |= armSHInner | armAttrIndex(MAIRNormalWT)
	default:
		attrs |= armSHInner | armAttrIndex(MAIRNormalWB)
	}
	return attrs
}

func (arm64Encoding) leafAttrs(e uint64) uint64 {
	return e &^ (armAddrMask | armTable)
}

func (arm64Encoding) present(e uint64) bool { return e&armValid != 0 }

// A valid descriptor without the table bit above level 3 is a block.
func (arm64Encoding) large(e uint64) bool { return e&armTable == 0 }

func (arm64Encoding) address(e uint64) memory.PhysAddr {
	return memory.PhysAddr(e & armAddrMask)
}

// arm64Format uses separate level 0 tables for the lower (TTBR0) and upper
// (TTBR1) halves of the address space.
type arm64Format struct {
	radix
	lo, hi memory.PhysAddr
}

func newARM64(ctx *Context) (*arm64Format, error) {
	lo, err := ctx.allocTable()
	if err != nil {
		return nil, err
	}
	hi, err := ctx.allocTable()
	if err != nil {
		return nil, err
	}
	return &arm64Format{
		radix: radix{
			ctx:       ctx,
			enc:       arm64Encoding{},
			shifts:    []uint{39, 30, 21, 12},
			entries:   512,
			entrySize: 8,
		},
		lo: lo,
		hi: hi,
	}, nil
}

func (f *arm64Format) root(virt VirtAddr) memory.PhysAddr {
	if virt&(1<<63) != 0 {
		return f.hi
	}
	return f.lo
}

func (f *arm64Format) roots() []memory.PhysAddr { return []memory.PhysAddr{f.lo, f.hi} }

func (f *arm64Format) largePageSize() uint64 { return armTTL2Range }

func isARM64Addr(addr uint64) bool {
	return addr <= armLowerTop || addr >= armUpperBottom
}

func (f *arm64Format) validRange(virt VirtAddr, phys memory.PhysAddr, size uint64) bool {
	end := uint64(virt) + size - 1
	if end < uint64(virt) || !isARM64Addr(uint64(virt)) || !isARM64Addr(end) {
		return false
	}
	return (uint64(virt) <= armLowerTop) == (end <= armLowerTop)
}

func (f *arm64Format) mapPage(virt VirtAddr, phys memory.PhysAddr, flags Flags, large bool) error {
	return f.radix.mapPage(f.root(virt), virt, phys, flags, large)
}

func (f *arm64Format) lookup(virt VirtAddr) (memory.PhysAddr, uint64, bool) {
	if !isARM64Addr(uint64(virt)) {
		return 0, 0, false
	}
	return f.radix.lookup(f.root(virt), virt)
}

// The kernel's tables live in the upper half, so the self reference is
// installed in the upper root.
func (f *arm64Format) mapRecursive(avoid func(VirtAddr, uint64) bool) (VirtAddr, bool) {
	return f.radix.mapRecursive(f.hi, func(i int) VirtAddr {
		return VirtAddr(armUpperBottom + uint64(i)*armTTL0Range)
	}, avoid)
}
