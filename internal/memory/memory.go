// Package memory provides the physical memory arena used by the loader and
// the translator that gives the loader access to guest physical memory.
package memory

import "fmt"

const (
	PageSize = 0x1000

	// PhysMax is the highest physical address the arena will hand out. Page
	// tables for 32-bit kernels truncate physical addresses, so nothing is
	// ever allocated above 4 GiB.
	PhysMax PhysAddr = 0xffffffff
)

// PhysAddr is a guest physical address. It cannot be dereferenced; the
// memory behind it is only reachable through a Translator.
type PhysAddr uint64

// Type classifies a physical memory range. The numeric values are the ones
// passed to the kernel in memory tags.
type Type uint8

const (
	TypeFree Type = iota
	TypeAllocated
	TypeReclaimable
	TypePageTables
	TypeStack
	TypeModules
	// TypeInternal ranges are freed before the kernel is entered.
	TypeInternal
)

func (t Type) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeAllocated:
		return "allocated"
	case TypeReclaimable:
		return "reclaimable"
	case TypePageTables:
		return "pagetables"
	case TypeStack:
		return "stack"
	case TypeModules:
		return "modules"
	case TypeInternal:
		return "internal"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Range is a contiguous, page aligned range of physical memory.
type Range struct {
	Start PhysAddr
	Size  uint64
	Type  Type
}

// Last returns the address of the final byte of the range.
func (r Range) Last() PhysAddr {
	return r.Start + PhysAddr(r.Size) - 1
}

func (r Range) String() string {
	return fmt.Sprintf("%#x-%#x %s", uint64(r.Start), uint64(r.Start)+r.Size, r.Type)
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}

// RoundUp rounds value up to a multiple of PageSize.
func RoundUp(value uint64) uint64 { return alignUp(value, PageSize) }

// RoundDown rounds value down to a multiple of PageSize.
func RoundDown(value uint64) uint64 { return alignDown(value, PageSize) }

// Aligned reports whether value is a multiple of PageSize.
func Aligned(value uint64) bool { return value%PageSize == 0 }
