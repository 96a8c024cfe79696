package memory

import "fmt"

// Translator turns guest physical addresses into loader memory for one
// contiguous backing region. It is the only place where that conversion
// happens.
type Translator struct {
	base PhysAddr
	mem  []byte
}

// NewTranslator returns a translator for physical memory starting at base and
// backed by mem.
func NewTranslator(base PhysAddr, mem []byte) *Translator {
	return &Translator{base: base, mem: mem}
}

// Contains reports whether [phys, phys+size) lies inside the backing region.
func (t *Translator) Contains(phys PhysAddr, size uint64) bool {
	if phys < t.base {
		return false
	}
	off := uint64(phys - t.base)
	return off <= uint64(len(t.mem)) && size <= uint64(len(t.mem))-off
}

// Bytes returns the loader's view of [phys, phys+size). The slice aliases the
// backing memory.
func (t *Translator) Bytes(phys PhysAddr, size uint64) []byte {
	if !t.Contains(phys, size) {
		panic(fmt.Sprintf("physical range %#x+%#x outside loader memory", uint64(phys), size))
	}
	off := uint64(phys - t.base)
	return t.mem[off : off+size : off+size]
}
