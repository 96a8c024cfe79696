package mmu

import (
	"fmt"

	"github.com/tinyrange/kboot/internal/memory"
)

// walk calls fn for each physically contiguous chunk of [virt, virt+size),
// crossing page and large page boundaries. off is the offset of the chunk
// from virt.
func (c *Context) walk(virt VirtAddr, size uint64, fn func(chunk []byte, off uint64)) error {
	if size == 0 {
		return nil
	}
	if !c.f.validRange(virt, 0, size) {
		return fmt.Errorf("%w: %#x size %#x", ErrInvalidRange, uint64(virt), size)
	}

	var done uint64
	for done < size {
		addr := virt + VirtAddr(done)
		base, pageSize, ok := c.f.lookup(addr)
		if !ok {
			return fmt.Errorf("%w: %#x", ErrNotMapped, uint64(addr))
		}
		inPage := uint64(addr) % pageSize
		n := min(pageSize-inPage, size-done)
		fn(c.mem.Bytes(base+memory.PhysAddr(inPage), n), done)
		done += n
	}
	return nil
}

// Memset fills [addr, addr+size) in the context's address space with value.
func (c *Context) Memset(addr VirtAddr, value byte, size uint64) error {
	return c.walk(addr, size, func(chunk []byte, _ uint64) {
		for i := range chunk {
			chunk[i] = value
		}
	})
}

// CopyTo copies src to dest in the context's address space.
func (c *Context) CopyTo(dest VirtAddr, src []byte) error {
	return c.walk(dest, uint64(len(src)), func(chunk []byte, off uint64) {
		copy(chunk, src[off:])
	})
}

// CopyFrom copies len(dst) bytes starting at src in the context's address
// space into dst.
func (c *Context) CopyFrom(dst []byte, src VirtAddr) error {
	return c.walk(src, uint64(len(dst)), func(chunk []byte, off uint64) {
		copy(dst[off:], chunk)
	})
}
