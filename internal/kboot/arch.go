package kboot

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/kboot/tags"
	"github.com/tinyrange/kboot/internal/memory"
	"github.com/tinyrange/kboot/internal/mmu"
)

const (
	largePage64    = 0x200000
	largePage32    = 0x400000
	minAlignment   = 0x100000
	fourGiB        = 0x100000000
	x86LowerHalf   = 0x800000000000
	arm64UpperBase = 0xffff000000000000
	arm64UpperSize = 0x1000000000000

	// The top level-0 slot of the upper half and the top page directory
	// slot of a 32-bit address space stay outside the default virtual map so
	// that the page tables can be mapped recursively there.
	arm64PageTableWindow = 0x8000000000
	x86PageTableWindow32 = largePage32
)

// checkKernel rejects kernels the CPU cannot run.
func (l *Loader) checkKernel() error {
	if l.opts.Arch == mmu.ArchX86 && l.img.mode == mmu.Mode64 && !l.opts.Caps.LongMode {
		return bootfail.Validation("64-bit kernel requires 64-bit CPU")
	}
	return nil
}

func isPow2(v uint64) bool { return v != 0 && bits.OnesCount64(v) == 1 }

func checkAlignmentParams(load *LoadTag) bool {
	if load.Alignment != 0 {
		if load.Alignment < memory.PageSize || !isPow2(load.Alignment) {
			return false
		}
	}
	if load.MinAlignment != 0 {
		if load.MinAlignment < memory.PageSize || load.MinAlignment > load.Alignment || !isPow2(load.MinAlignment) {
			return false
		}
	} else {
		load.MinAlignment = load.Alignment
	}
	return true
}

func checkVirtMapParams(mode mmu.Mode, load *LoadTag) bool {
	switch {
	case !memory.Aligned(load.VirtMapBase) || !memory.Aligned(load.VirtMapSize):
		return false
	case load.VirtMapBase != 0 && load.VirtMapSize == 0:
		return false
	case load.VirtMapBase+load.VirtMapSize-1 < load.VirtMapBase:
		return false
	}

	if mode == mmu.Mode32 {
		if load.VirtMapBase == 0 && load.VirtMapSize == 0 {
			load.VirtMapSize = fourGiB - x86PageTableWindow32
		} else if load.VirtMapBase+load.VirtMapSize > fourGiB {
			return false
		}
	}
	return true
}

// archLoadParams fills in the architecture's default load parameters and
// validates the virtual map range.
func (l *Loader) archLoadParams(load *LoadTag) error {
	if load.Flags&LoadFixed == 0 && load.Alignment == 0 {
		load.Alignment = largePage64
		if l.opts.Arch == mmu.ArchX86 && l.img.mode == mmu.Mode32 {
			load.Alignment = largePage32
		}
		load.MinAlignment = minAlignment
	}

	switch {
	case l.opts.Arch == mmu.ArchARM64:
		if load.VirtMapBase != 0 || load.VirtMapSize != 0 {
			end := load.VirtMapBase + load.VirtMapSize - 1
			if end < load.VirtMapBase || load.VirtMapBase < arm64UpperBase {
				return bootfail.Validation("kernel specifies invalid virtual map range %#x+%#x", load.VirtMapBase, load.VirtMapSize)
			}
		} else {
			load.VirtMapBase = arm64UpperBase
			load.VirtMapSize = arm64UpperSize - arm64PageTableWindow
		}
	case l.img.mode == mmu.Mode64:
		if load.VirtMapBase != 0 || load.VirtMapSize != 0 {
			if !mmu.CanonicalRange(mmu.VirtAddr(load.VirtMapBase), load.VirtMapSize) {
				return bootfail.Validation("kernel specifies invalid virtual map range %#x+%#x", load.VirtMapBase, load.VirtMapSize)
			}
		} else {
			load.VirtMapBase = 0
			load.VirtMapSize = x86LowerHalf
		}
	}
	return nil
}

// archSetup maps the page tables into the kernel's address space outside its
// virtual map and records where.
func (l *Loader) archSetup() error {
	window, err := l.mmu.MapRecursive(mmu.VirtAddr(l.load.VirtMapBase), l.load.VirtMapSize)
	if err != nil {
		return err
	}
	roots := l.mmu.Roots()
	root := roots[len(roots)-1]
	l.tags.AddPageTables(tags.PageTables{Root: uint64(root), Mapping: uint64(window)})

	l.log.Debug("recursive page table mapping",
		"root", fmt.Sprintf("%#x", uint64(root)),
		"mapping", fmt.Sprintf("%#x", uint64(window)))
	return nil
}
