package kboot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type testNote struct {
	typ  uint32
	desc []byte
}

type testSegment struct {
	vaddr, paddr uint64
	data         []byte
	memsz        uint64
}

type testSection struct {
	typ   elf.SectionType
	flags elf.SectionFlag
	addr  uint64
	align uint64
	data  []byte
	size  uint64 // for NOBITS
}

// testImage describes a synthetic kernel built in memory by build.
type testImage struct {
	class    elf.Class
	machine  elf.Machine
	typ      elf.Type
	entry    uint64
	notes    []testNote
	segments []testSegment
	sections []testSection
}

func newTestImage64(machine elf.Machine) *testImage {
	return &testImage{class: elf.ELFCLASS64, machine: machine, typ: elf.ET_EXEC, entry: 0x100000}
}

func (ti *testImage) note(typ uint32, desc []byte) *testImage {
	ti.notes = append(ti.notes, testNote{typ: typ, desc: desc})
	return ti
}

func (ti *testImage) segment(vaddr, paddr uint64, data []byte, memsz uint64) *testImage {
	ti.segments = append(ti.segments, testSegment{vaddr: vaddr, paddr: paddr, data: data, memsz: memsz})
	return ti
}

func encodeNotes(notes []testNote) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	for _, n := range notes {
		var hdr [12]byte
		le.PutUint32(hdr[0:], uint32(len(noteName)+1))
		le.PutUint32(hdr[4:], uint32(len(n.desc)))
		le.PutUint32(hdr[8:], n.typ)
		buf.Write(hdr[:])
		buf.Write(pad4(append([]byte(noteName), 0)))
		buf.Write(pad4(n.desc))
	}
	return buf.Bytes()
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func alignTo(buf *bytes.Buffer, align int) {
	for buf.Len()%align != 0 {
		buf.WriteByte(0)
	}
}

// build lays the image out as header, program headers, notes, page aligned
// segment data, section data and section headers.
func (ti *testImage) build() []byte {
	is64 := ti.class == elf.ELFCLASS64
	ehsize, phentsize, shentsize := elf32HeaderSize, elf32ProgSize, elf32SectionSize
	if is64 {
		ehsize, phentsize, shentsize = elf64HeaderSize, elf64ProgSize, elf64SectionSize
	}

	notes := encodeNotes(ti.notes)
	phnum := len(ti.segments)
	if len(notes) > 0 {
		phnum++
	}

	var body bytes.Buffer
	body.Write(make([]byte, ehsize+phnum*phentsize))
	noteOff := body.Len()
	body.Write(notes)

	segOffs := make([]int, len(ti.segments))
	for i, s := range ti.segments {
		alignTo(&body, 0x1000)
		segOffs[i] = body.Len()
		body.Write(s.data)
	}

	secOffs := make([]int, len(ti.sections))
	for i, s := range ti.sections {
		alignTo(&body, 8)
		secOffs[i] = body.Len()
		body.Write(s.data)
	}
	alignTo(&body, 8)
	shoff := body.Len()
	shnum := 0
	if len(ti.sections) > 0 {
		shnum = len(ti.sections) + 1
	}
	body.Write(make([]byte, shnum*shentsize))

	out := body.Bytes()
	le := binary.LittleEndian
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(ti.class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var hdr bytes.Buffer
	if is64 {
		binary.Write(&hdr, le, elf.Header64{
			Ident:     ident,
			Type:      uint16(ti.typ),
			Machine:   uint16(ti.machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     ti.entry,
			Phoff:     uint64(ehsize),
			Shoff:     uint64(shoff),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phentsize),
			Phnum:     uint16(phnum),
			Shentsize: uint16(shentsize),
			Shnum:     uint16(shnum),
		})
	} else {
		binary.Write(&hdr, le, elf.Header32{
			Ident:     ident,
			Type:      uint16(ti.typ),
			Machine:   uint16(ti.machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     uint32(ti.entry),
			Phoff:     uint32(ehsize),
			Shoff:     uint32(shoff),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phentsize),
			Phnum:     uint16(phnum),
			Shentsize: uint16(shentsize),
			Shnum:     uint16(shnum),
		})
	}

	type prog struct {
		typ                       elf.ProgType
		off, vaddr, paddr, filesz uint64
		memsz                     uint64
	}
	var progs []prog
	if len(notes) > 0 {
		progs = append(progs, prog{typ: elf.PT_NOTE, off: uint64(noteOff), filesz: uint64(len(notes)), memsz: uint64(len(notes))})
	}
	for i, s := range ti.segments {
		progs = append(progs, prog{
			typ:    elf.PT_LOAD,
			off:    uint64(segOffs[i]),
			vaddr:  s.vaddr,
			paddr:  s.paddr,
			filesz: uint64(len(s.data)),
			memsz:  s.memsz,
		})
	}
	for _, p := range progs {
		if is64 {
			binary.Write(&hdr, le, elf.Prog64{
				Type: uint32(p.typ), Off: p.off, Vaddr: p.vaddr, Paddr: p.paddr,
				Filesz: p.filesz, Memsz: p.memsz, Align: 0x1000,
			})
		} else {
			binary.Write(&hdr, le, elf.Prog32{
				Type: uint32(p.typ), Off: uint32(p.off), Vaddr: uint32(p.vaddr), Paddr: uint32(p.paddr),
				Filesz: uint32(p.filesz), Memsz: uint32(p.memsz), Align: 0x1000,
			})
		}
	}
	copy(out, hdr.Bytes())

	var shdrs bytes.Buffer
	if shnum > 0 {
		shdrs.Write(make([]byte, shentsize))
	}
	for i, s := range ti.sections {
		size := uint64(len(s.data))
		if s.typ == elf.SHT_NOBITS {
			size = s.size
		}
		if is64 {
			binary.Write(&shdrs, le, elf.Section64{
				Type: uint32(s.typ), Flags: uint64(s.flags), Addr: s.addr,
				Off: uint64(secOffs[i]), Size: size, Addralign: s.align,
			})
		} else {
			binary.Write(&shdrs, le, elf.Section32{
				Type: uint32(s.typ), Flags: uint32(s.flags), Addr: uint32(s.addr),
				Off: uint32(secOffs[i]), Size: uint32(size), Addralign: uint32(s.align),
			})
		}
	}
	copy(out[shoff:], shdrs.Bytes())
	return out
}

func imageTag(version, flags uint32) []byte {
	b := make([]byte, imageTagSize)
	binary.LittleEndian.PutUint32(b[0:], version)
	binary.LittleEndian.PutUint32(b[4:], flags)
	return b
}

func loadTag(l LoadTag) []byte {
	b := make([]byte, loadTagSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], l.Flags)
	le.PutUint64(b[8:], l.Alignment)
	le.PutUint64(b[16:], l.MinAlignment)
	le.PutUint64(b[24:], l.VirtMapBase)
	le.PutUint64(b[32:], l.VirtMapSize)
	return b
}

func mappingTag(m MappingTag) []byte {
	b := make([]byte, mappingTagSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], m.Virt)
	le.PutUint64(b[8:], m.Phys)
	le.PutUint64(b[16:], m.Size)
	le.PutUint32(b[24:], m.Cache)
	return b
}

func videoTag(v VideoTag) []byte {
	b := make([]byte, videoTagSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], v.Types)
	le.PutUint32(b[4:], v.Width)
	le.PutUint32(b[8:], v.Height)
	b[12] = v.BPP
	return b
}

func optionTag(typ uint8, name, desc string, def []byte) []byte {
	n := append([]byte(name), 0)
	d := append([]byte(desc), 0)
	b := make([]byte, optionTagSize, optionTagSize+len(n)+len(d)+len(def))
	le := binary.LittleEndian
	b[0] = typ
	le.PutUint32(b[4:], uint32(len(n)))
	le.PutUint32(b[8:], uint32(len(d)))
	le.PutUint32(b[12:], uint32(len(def)))
	b = append(b, n...)
	b = append(b, d...)
	return append(b, def...)
}
