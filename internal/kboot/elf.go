package kboot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/fs"
	"github.com/tinyrange/kboot/internal/kboot/tags"
	"github.com/tinyrange/kboot/internal/memory"
	"github.com/tinyrange/kboot/internal/mmu"
)

var (
	// ErrUnknownImage is returned for files that are not kernels this loader
	// can boot on the target architecture.
	ErrUnknownImage = errors.New("unknown image format")
	// ErrMalformedImage is returned for kernels whose headers are inconsistent.
	ErrMalformedImage = errors.New("malformed image")
)

const (
	elf32HeaderSize  = 52
	elf64HeaderSize  = 64
	elf32ProgSize    = 32
	elf64ProgSize    = 56
	elf32SectionSize = 40
	elf64SectionSize = 64
)

// Image is an identified ELF kernel.
type Image struct {
	h     fs.Handle
	mode  mmu.Mode
	entry uint64

	shoff     uint64
	shnum     uint16
	shentsize uint16
	shstrndx  uint16

	progs []elf.ProgHeader
}

func (img *Image) Mode() mmu.Mode { return img.mode }

func (img *Image) Entry() uint64 { return img.entry }

// Segment is one loaded program segment.
type Segment struct {
	Virt     uint64
	Phys     memory.PhysAddr
	FileSize uint64
	MemSize  uint64
}

// Identify checks that h is a little-endian ET_EXEC ELF file for arch and
// reads its program headers. IA-32 kernels may be ELF32 or ELF64; arm64
// kernels must be ELF64.
func Identify(h fs.Handle, arch mmu.Arch) (*Image, error) {
	var ident [elf64HeaderSize]byte
	if err := fs.ReadFull(h, ident[:], 0); err != nil {
		return nil, bootfail.Validation("%s: %w", h.Name(), ErrUnknownImage)
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) || elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, bootfail.Validation("%s: %w", h.Name(), ErrUnknownImage)
	}

	img := &Image{h: h}
	r := bytes.NewReader(ident[:])
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return nil, bootfail.IO("%s: read ELF header: %w", h.Name(), err)
		}
		if arch != mmu.ArchX86 || elf.Machine(hdr.Machine) != elf.EM_386 || elf.Type(hdr.Type) != elf.ET_EXEC {
			return nil, bootfail.Validation("%s: %w", h.Name(), ErrUnknownImage)
		}
		if hdr.Phentsize != elf32ProgSize {
			return nil, bootfail.Validation("%s: %w: program header size %d", h.Name(), ErrMalformedImage, hdr.Phentsize)
		}
		img.mode = mmu.Mode32
		img.entry = uint64(hdr.Entry)
		img.shoff = uint64(hdr.Shoff)
		img.shnum, img.shentsize, img.shstrndx = hdr.Shnum, hdr.Shentsize, hdr.Shstrndx
		if err := img.readProgs(uint64(hdr.Phoff), int(hdr.Phnum)); err != nil {
			return nil, err
		}
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return nil, bootfail.IO("%s: read ELF header: %w", h.Name(), err)
		}
		want := elf.EM_X86_64
		if arch == mmu.ArchARM64 {
			want = elf.EM_AARCH64
		}
		if elf.Machine(hdr.Machine) != want || elf.Type(hdr.Type) != elf.ET_EXEC {
			return nil, bootfail.Validation("%s: %w", h.Name(), ErrUnknownImage)
		}
		if hdr.Phentsize != elf64ProgSize {
			return nil, bootfail.Validation("%s: %w: program header size %d", h.Name(), ErrMalformedImage, hdr.Phentsize)
		}
		img.mode = mmu.Mode64
		img.entry = hdr.Entry
		img.shoff = hdr.Shoff
		img.shnum, img.shentsize, img.shstrndx = hdr.Shnum, hdr.Shentsize, hdr.Shstrndx
		if err := img.readProgs(hdr.Phoff, int(hdr.Phnum)); err != nil {
			return nil, err
		}
	default:
		return nil, bootfail.Validation("%s: %w", h.Name(), ErrUnknownImage)
	}
	return img, nil
}

func (img *Image) readProgs(off uint64, num int) error {
	entSize := elf32ProgSize
	if img.mode == mmu.Mode64 {
		entSize = elf64ProgSize
	}
	buf := make([]byte, num*entSize)
	if err := fs.ReadFull(img.h, buf, int64(off)); err != nil {
		return bootfail.IO("%s: read program headers: %w", img.h.Name(), err)
	}

	r := bytes.NewReader(buf)
	img.progs = make([]elf.ProgHeader, 0, num)
	for i := 0; i < num; i++ {
		if img.mode == mmu.Mode32 {
			var p elf.Prog32
			if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
				return bootfail.IO("%s: decode program header %d: %w", img.h.Name(), i, err)
			}
			img.progs = append(img.progs, elf.ProgHeader{
				Type:   elf.ProgType(p.Type),
				Flags:  elf.ProgFlag(p.Flags),
				Off:    uint64(p.Off),
				Vaddr:  uint64(p.Vaddr),
				Paddr:  uint64(p.Paddr),
				Filesz: uint64(p.Filesz),
				Memsz:  uint64(p.Memsz),
				Align:  uint64(p.Align),
			})
			continue
		}
		var p elf.Prog64
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return bootfail.IO("%s: decode program header %d: %w", img.h.Name(), i, err)
		}
		img.progs = append(img.progs, elf.ProgHeader{
			Type:   elf.ProgType(p.Type),
			Flags:  elf.ProgFlag(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}
	return nil
}

// ImageTags reads the KBoot notes from the image's PT_NOTE segments.
func (img *Image) ImageTags() (*ImageTags, error) {
	itags := &ImageTags{}
	for _, p := range img.progs {
		if p.Type != elf.PT_NOTE || p.Filesz == 0 {
			continue
		}
		buf := make([]byte, p.Filesz)
		if err := fs.ReadFull(img.h, buf, int64(p.Off)); err != nil {
			return nil, bootfail.IO("%s: read notes: %w", img.h.Name(), err)
		}
		if err := parseNotes(buf, itags.add); err != nil {
			if errors.Is(err, ErrMalformedImage) {
				return nil, bootfail.Validation("%s: %w", img.h.Name(), err)
			}
			return nil, fmt.Errorf("%s: %w", img.h.Name(), err)
		}
	}
	return itags, nil
}

// loadKernel allocates memory for every PT_LOAD segment, maps it and copies
// the segment in.
func (l *Loader) loadKernel() error {
	var base memory.PhysAddr
	var virtBase, virtEnd uint64
	fixed := l.load.Flags&LoadFixed != 0

	if !fixed {
		first := true
		for _, p := range l.img.progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			if first || p.Vaddr < virtBase {
				virtBase = p.Vaddr
			}
			if end := p.Vaddr + p.Memsz; end > virtEnd {
				virtEnd = end
			}
			first = false
		}
		if first {
			return bootfail.Validation("%s: no loadable segments", l.img.h.Name())
		}

		var err error
		if base, err = l.allocateKernel(virtBase, virtEnd); err != nil {
			return err
		}
	}

	for i, p := range l.img.progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return bootfail.Validation("%s: segment %d file size %#x exceeds memory size %#x",
				l.img.h.Name(), i, p.Filesz, p.Memsz)
		}

		var dest memory.PhysAddr
		if fixed {
			var err error
			if dest, err = l.allocateSegment(i, p.Vaddr, p.Paddr, p.Memsz); err != nil {
				return err
			}
		} else {
			dest = base + memory.PhysAddr(p.Vaddr-virtBase)
		}

		seg := Segment{Virt: p.Vaddr, Phys: dest, FileSize: p.Filesz, MemSize: p.Memsz}
		if err := l.loadSegment(seg, p.Off); err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
	}

	l.entry = l.img.entry
	return nil
}

// loadSegment reads a segment's file data and zeroes the rest of it.
func (l *Loader) loadSegment(seg Segment, off uint64) error {
	dest := l.mem.Bytes(seg.Phys, seg.MemSize)
	if seg.FileSize > 0 {
		if err := fs.ReadFull(l.img.h, dest[:seg.FileSize], int64(off)); err != nil {
			return bootfail.IO("error reading kernel image: %w", err)
		}
	}
	clear(dest[seg.FileSize:])
	if end := memory.PhysAddr(memory.RoundUp(uint64(seg.Phys) + seg.MemSize)); end > l.highest {
		l.highest = end
	}
	return nil
}

// allocateKernel places a relocatable kernel in one block so that segment
// offsets are identical in the physical and virtual address spaces.
func (l *Loader) allocateKernel(virtBase, virtEnd uint64) (memory.PhysAddr, error) {
	if !memory.Aligned(virtBase) {
		return 0, bootfail.Validation("kernel load address %#x is not page aligned", virtBase)
	}
	size := memory.RoundUp(virtEnd - virtBase)

	align := l.load.Alignment
	if align == 0 {
		align = memory.PageSize
	}
	var phys memory.PhysAddr
	err := bootfail.Resource("allocating %d bytes: %w", size, memory.ErrNoMemory)
	for ; align >= l.load.MinAlignment && align >= memory.PageSize; align >>= 1 {
		phys, err = l.mem.Alloc(size, align, 0, 0, memory.TypeAllocated, memory.AllocHigh)
		if err == nil {
			break
		}
	}
	if err != nil {
		return 0, err
	}

	l.log.Debug("loading kernel",
		"phys", fmt.Sprintf("%#x", uint64(phys)),
		"alignment", fmt.Sprintf("%#x", l.load.Alignment),
		"min_alignment", fmt.Sprintf("%#x", l.load.MinAlignment),
		"base", fmt.Sprintf("%#x", virtBase),
		"size", fmt.Sprintf("%#x", size))

	if err := l.mapVirtual(virtBase, uint64(phys), size, CacheDefault); err != nil {
		return 0, err
	}
	l.tags.Core().KernelPhys = uint64(phys)
	return phys, nil
}

// allocateSegment allocates a fixed segment at exactly its physical address.
func (l *Loader) allocateSegment(idx int, virt, phys, size uint64) (memory.PhysAddr, error) {
	if !memory.Aligned(virt) || !memory.Aligned(phys) {
		return 0, bootfail.Validation("segment %d load address is not page aligned (virt %#x, phys %#x)", idx, virt, phys)
	}
	size = memory.RoundUp(size)
	if phys < uint64(memory.PhysMin) || phys+size-1 > uint64(memory.PhysMax) || phys+size-1 < phys {
		return 0, bootfail.Resource("segment %d at %#x: %w", idx, phys, memory.ErrNoMemory)
	}
	dest, err := l.mem.Alloc(size, 0, memory.PhysAddr(phys), memory.PhysAddr(phys+size-1), memory.TypeAllocated, 0)
	if err != nil {
		return 0, fmt.Errorf("segment %d at %#x: %w", idx, phys, err)
	}

	l.log.Debug("loading segment",
		"index", idx,
		"phys", fmt.Sprintf("%#x", phys),
		"size", fmt.Sprintf("%#x", size),
		"virt", fmt.Sprintf("%#x", virt))

	if err := l.mapVirtual(virt, phys, size, CacheDefault); err != nil {
		return 0, err
	}
	return dest, nil
}

// loadSections copies the section header table into a SECTIONS tag and loads
// non-allocated symbol and string sections so the kernel can find them.
func (l *Loader) loadSections() error {
	entSize := uint16(elf32SectionSize)
	if l.img.mode == mmu.Mode64 {
		entSize = elf64SectionSize
	}
	if l.img.shnum == 0 {
		l.tags.AddSections(tags.Sections{EntSize: uint32(l.img.shentsize), ShStrNdx: uint32(l.img.shstrndx)})
		return nil
	}
	if l.img.shentsize != entSize {
		return bootfail.Validation("%s: %w: section header size %d", l.img.h.Name(), ErrMalformedImage, l.img.shentsize)
	}

	headers := make([]byte, int(l.img.shnum)*int(entSize))
	if err := fs.ReadFull(l.img.h, headers, int64(l.img.shoff)); err != nil {
		return bootfail.IO("error reading kernel sections: %w", err)
	}
	shdrs := l.tags.AddSections(tags.Sections{
		Num:      uint32(l.img.shnum),
		EntSize:  uint32(entSize),
		ShStrNdx: uint32(l.img.shstrndx),
		Headers:  headers,
	})

	for i := 0; i < int(l.img.shnum); i++ {
		raw := shdrs[i*int(entSize) : (i+1)*int(entSize)]
		sh := decodeSection(raw, l.img.mode)
		if sh.Flags&elf.SHF_ALLOC != 0 || sh.Addr != 0 || sh.Size == 0 {
			continue
		}
		switch sh.Type {
		case elf.SHT_PROGBITS, elf.SHT_NOBITS, elf.SHT_SYMTAB, elf.SHT_STRTAB:
		default:
			continue
		}

		size := memory.RoundUp(sh.Size)
		align := memory.RoundUp(sh.Addralign)
		phys, err := l.mem.Alloc(size, align, 0, 0, memory.TypeAllocated, memory.AllocHigh)
		if err != nil {
			return fmt.Errorf("section %d: %w", i, err)
		}
		setSectionAddr(raw, l.img.mode, uint64(phys))

		l.log.Debug("loading ELF section",
			"index", i,
			"phys", fmt.Sprintf("%#x", uint64(phys)),
			"size", sh.Size)

		dest := l.mem.Bytes(phys, sh.Size)
		if sh.Type == elf.SHT_NOBITS {
			clear(dest)
			continue
		}
		if err := fs.ReadFull(l.img.h, dest, int64(sh.Offset)); err != nil {
			return bootfail.IO("error reading kernel sections: %w", err)
		}
	}
	return nil
}

func decodeSection(raw []byte, mode mmu.Mode) elf.SectionHeader {
	le := binary.LittleEndian
	if mode == mmu.Mode32 {
		return elf.SectionHeader{
			Type:      elf.SectionType(le.Uint32(raw[4:])),
			Flags:     elf.SectionFlag(le.Uint32(raw[8:])),
			Addr:      uint64(le.Uint32(raw[12:])),
			Offset:    uint64(le.Uint32(raw[16:])),
			Size:      uint64(le.Uint32(raw[20:])),
			Addralign: uint64(le.Uint32(raw[32:])),
		}
	}
	return elf.SectionHeader{
		Type:      elf.SectionType(le.Uint32(raw[4:])),
		Flags:     elf.SectionFlag(le.Uint64(raw[8:])),
		Addr:      le.Uint64(raw[16:]),
		Offset:    le.Uint64(raw[24:]),
		Size:      le.Uint64(raw[32:]),
		Addralign: le.Uint64(raw[48:]),
	}
}

func setSectionAddr(raw []byte, mode mmu.Mode, addr uint64) {
	if mode == mmu.Mode32 {
		binary.LittleEndian.PutUint32(raw[12:], uint32(addr))
		return
	}
	binary.LittleEndian.PutUint64(raw[16:], addr)
}
