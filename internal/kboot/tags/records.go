package tags

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/tinyrange/kboot/internal/memory"
)

// Fixed record sizes, header included.
const (
	CoreSize       = 56
	OptionSize     = 20
	MemorySize     = 32
	VmemSize       = 32
	PageTablesSize = 24
	ModuleSize     = 24
	VideoSize      = 72
	BootdevSize    = 84
	SectionsSize   = 24
)

var le = binary.LittleEndian

func cstring(s string) []byte {
	return append([]byte(s), 0)
}

func fromCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func short(rec Record, want uint32) error {
	if rec.Size < want {
		return fmt.Errorf("%w: %s tag of %d bytes, want at least %d", ErrMalformed, rec.Type, rec.Size, want)
	}
	return nil
}

// Core is the first tag in every list.
type Core struct {
	TagsPhys   uint64
	TagsSize   uint32
	KernelPhys uint64
	StackBase  uint64
	StackPhys  uint64
	StackSize  uint32
}

func (c *Core) encode(b []byte) {
	le.PutUint32(b[0:], uint32(TypeCore))
	le.PutUint32(b[4:], CoreSize)
	le.PutUint64(b[8:], c.TagsPhys)
	le.PutUint32(b[16:], c.TagsSize)
	le.PutUint64(b[24:], c.KernelPhys)
	le.PutUint64(b[32:], c.StackBase)
	le.PutUint64(b[40:], c.StackPhys)
	le.PutUint32(b[48:], c.StackSize)
}

func DecodeCore(rec Record) (Core, error) {
	if err := short(rec, CoreSize); err != nil {
		return Core{}, err
	}
	b := rec.Data
	return Core{
		TagsPhys:   le.Uint64(b[8:]),
		TagsSize:   le.Uint32(b[16:]),
		KernelPhys: le.Uint64(b[24:]),
		StackBase:  le.Uint64(b[32:]),
		StackPhys:  le.Uint64(b[40:]),
		StackSize:  le.Uint32(b[48:]),
	}, nil
}

// OptionType is the type of a kernel option value.
type OptionType uint8

const (
	OptionBoolean OptionType = 0
	OptionString  OptionType = 1
	OptionInteger OptionType = 2
)

func (t OptionType) String() string {
	switch t {
	case OptionBoolean:
		return "boolean"
	case OptionString:
		return "string"
	case OptionInteger:
		return "integer"
	default:
		return fmt.Sprintf("option(%d)", uint8(t))
	}
}

// Option carries the value of one kernel option. Value is the raw encoding:
// one byte for booleans, a NUL terminated string, or a little-endian uint64.
type Option struct {
	Type  OptionType
	Name  string
	Value []byte
}

func (l *List) AddOption(o Option) {
	name := cstring(o.Name)
	nameOff := round(OptionSize)
	valueOff := nameOff + round(uint32(len(name)))
	_, b := l.Allocate(TypeOption, valueOff+uint32(len(o.Value)))
	b[8] = uint8(o.Type)
	le.PutUint32(b[12:], uint32(len(name)))
	le.PutUint32(b[16:], uint32(len(o.Value)))
	copy(b[nameOff:], name)
	copy(b[valueOff:], o.Value)
}

func DecodeOption(rec Record) (Option, error) {
	if err := short(rec, OptionSize); err != nil {
		return Option{}, err
	}
	b := rec.Data
	nameSize := le.Uint32(b[12:])
	valueSize := le.Uint32(b[16:])
	nameOff := round(OptionSize)
	valueOff := nameOff + round(nameSize)
	if err := short(rec, valueOff+valueSize); err != nil {
		return Option{}, err
	}
	return Option{
		Type:  OptionType(b[8]),
		Name:  fromCString(b[nameOff : nameOff+nameSize]),
		Value: append([]byte(nil), b[valueOff:valueOff+valueSize]...),
	}, nil
}

// Memory describes one physical memory range.
type Memory struct {
	Start uint64
	Size  uint64
	Type  memory.Type
}

func (l *List) AddMemory(m Memory) {
	_, b := l.Allocate(TypeMemory, MemorySize)
	le.PutUint64(b[8:], m.Start)
	le.PutUint64(b[16:], m.Size)
	b[24] = uint8(m.Type)
}

func DecodeMemory(rec Record) (Memory, error) {
	if err := short(rec, MemorySize); err != nil {
		return Memory{}, err
	}
	b := rec.Data
	return Memory{Start: le.Uint64(b[8:]), Size: le.Uint64(b[16:]), Type: memory.Type(b[24])}, nil
}

// NoPhys marks a virtual range with no physical memory behind it.
const NoPhys = ^uint64(0)

// Vmem describes one virtual memory range set up for the kernel.
type Vmem struct {
	Start uint64
	Size  uint64
	Phys  uint64
}

func (l *List) AddVmem(v Vmem) {
	_, b := l.Allocate(TypeVmem, VmemSize)
	le.PutUint64(b[8:], v.Start)
	le.PutUint64(b[16:], v.Size)
	le.PutUint64(b[24:], v.Phys)
}

func DecodeVmem(rec Record) (Vmem, error) {
	if err := short(rec, VmemSize); err != nil {
		return Vmem{}, err
	}
	b := rec.Data
	return Vmem{Start: le.Uint64(b[8:]), Size: le.Uint64(b[16:]), Phys: le.Uint64(b[24:])}, nil
}

// PageTables locates the kernel's page tables. Root is the PML4 (AMD64), the
// page directory (IA-32) or the upper level 0 table (ARM64); Mapping is the
// virtual address of the recursive mapping.
type PageTables struct {
	Root    uint64
	Mapping uint64
}

func (l *List) AddPageTables(p PageTables) {
	_, b := l.Allocate(TypePageTables, PageTablesSize)
	le.PutUint64(b[8:], p.Root)
	le.PutUint64(b[16:], p.Mapping)
}

func DecodePageTables(rec Record) (PageTables, error) {
	if err := short(rec, PageTablesSize); err != nil {
		return PageTables{}, err
	}
	return PageTables{Root: le.Uint64(rec.Data[8:]), Mapping: le.Uint64(rec.Data[16:])}, nil
}

// Module describes a boot module loaded into memory.
type Module struct {
	Addr uint64
	Size uint32
	Name string
}

func (l *List) AddModule(m Module) {
	name := cstring(m.Name)
	_, b := l.Allocate(TypeModule, round(ModuleSize)+uint32(len(name)))
	le.PutUint64(b[8:], m.Addr)
	le.PutUint32(b[16:], m.Size)
	le.PutUint32(b[20:], uint32(len(name)))
	copy(b[round(ModuleSize):], name)
}

func DecodeModule(rec Record) (Module, error) {
	if err := short(rec, ModuleSize); err != nil {
		return Module{}, err
	}
	b := rec.Data
	nameSize := le.Uint32(b[20:])
	if err := short(rec, round(ModuleSize)+nameSize); err != nil {
		return Module{}, err
	}
	off := round(ModuleSize)
	return Module{
		Addr: le.Uint64(b[8:]),
		Size: le.Uint32(b[16:]),
		Name: fromCString(b[off : off+nameSize]),
	}, nil
}

// Video mode types.
const (
	VideoVGA = 1 << 0
	VideoLFB = 1 << 1
)

// Linear framebuffer flags.
const (
	LFBRGB     = 1 << 0
	LFBIndexed = 1 << 1
)

// VGA describes a VGA text mode.
type VGA struct {
	Cols, Lines uint8
	X, Y        uint8
	MemPhys     uint64
	MemVirt     uint64
	MemSize     uint32
}

func (l *List) AddVGA(v VGA) {
	_, b := l.Allocate(TypeVideo, VideoSize)
	le.PutUint32(b[8:], VideoVGA)
	b[16], b[17], b[18], b[19] = v.Cols, v.Lines, v.X, v.Y
	le.PutUint64(b[24:], v.MemPhys)
	le.PutUint64(b[32:], v.MemVirt)
	le.PutUint32(b[40:], v.MemSize)
}

// Colour is one palette entry.
type Colour struct {
	Red, Green, Blue uint8
}

// LFB describes a linear framebuffer mode.
type LFB struct {
	Flags               uint32
	Width, Height       uint32
	BPP                 uint8
	Pitch               uint32
	FBPhys              uint64
	FBVirt              uint64
	FBSize              uint32
	RedSize, RedPos     uint8
	GreenSize, GreenPos uint8
	BlueSize, BluePos   uint8
	Palette             []Colour
}

const lfbPaletteOffset = 68

func (l *List) AddLFB(f LFB) {
	size := uint32(max(VideoSize, lfbPaletteOffset+3*len(f.Palette)))
	_, b := l.Allocate(TypeVideo, size)
	le.PutUint32(b[8:], VideoLFB)
	le.PutUint32(b[16:], f.Flags)
	le.PutUint32(b[20:], f.Width)
	le.PutUint32(b[24:], f.Height)
	b[28] = f.BPP
	le.PutUint32(b[32:], f.Pitch)
	le.PutUint64(b[40:], f.FBPhys)
	le.PutUint64(b[48:], f.FBVirt)
	le.PutUint32(b[56:], f.FBSize)
	b[60], b[61] = f.RedSize, f.RedPos
	b[62], b[63] = f.GreenSize, f.GreenPos
	b[64], b[65] = f.BlueSize, f.BluePos
	le.PutUint16(b[66:], uint16(len(f.Palette)))
	for i, c := range f.Palette {
		off := lfbPaletteOffset + 3*i
		b[off], b[off+1], b[off+2] = c.Red, c.Green, c.Blue
	}
}

// VideoType returns the mode type of a video tag.
func VideoType(rec Record) (uint32, error) {
	if err := short(rec, VideoSize); err != nil {
		return 0, err
	}
	return le.Uint32(rec.Data[8:]), nil
}

func DecodeVGA(rec Record) (VGA, error) {
	if err := short(rec, VideoSize); err != nil {
		return VGA{}, err
	}
	b := rec.Data
	return VGA{
		Cols:    b[16],
		Lines:   b[17],
		X:       b[18],
		Y:       b[19],
		MemPhys: le.Uint64(b[24:]),
		MemVirt: le.Uint64(b[32:]),
		MemSize: le.Uint32(b[40:]),
	}, nil
}

func DecodeLFB(rec Record) (LFB, error) {
	if err := short(rec, VideoSize); err != nil {
		return LFB{}, err
	}
	b := rec.Data
	f := LFB{
		Flags:     le.Uint32(b[16:]),
		Width:     le.Uint32(b[20:]),
		Height:    le.Uint32(b[24:]),
		BPP:       b[28],
		Pitch:     le.Uint32(b[32:]),
		FBPhys:    le.Uint64(b[40:]),
		FBVirt:    le.Uint64(b[48:]),
		FBSize:    le.Uint32(b[56:]),
		RedSize:   b[60],
		RedPos:    b[61],
		GreenSize: b[62],
		GreenPos:  b[63],
		BlueSize:  b[64],
		BluePos:   b[65],
	}
	n := int(le.Uint16(b[66:]))
	if err := short(rec, uint32(lfbPaletteOffset+3*n)); err != nil {
		return LFB{}, err
	}
	for i := 0; i < n; i++ {
		off := lfbPaletteOffset + 3*i
		f.Palette = append(f.Palette, Colour{Red: b[off], Green: b[off+1], Blue: b[off+2]})
	}
	return f, nil
}

// Boot device types.
const (
	BootdevNone  = 0
	BootdevFS    = 1
	BootdevNet   = 2
	BootdevOther = 3
)

// NetIPv6 is set in a network boot device's flags when its addresses are
// IPv6.
const NetIPv6 = 1 << 0

const fsUUIDSize = 64

// Bootdev describes the device the kernel was loaded from. Only the fields
// for Type are meaningful.
type Bootdev struct {
	Type uint32

	// BootdevFS
	UUID string

	// BootdevNet
	Flags      uint32
	ServerIP   netip.Addr
	ServerPort uint16
	GatewayIP  netip.Addr
	ClientIP   netip.Addr
	ClientMAC  []byte
	HWType     uint8

	// BootdevOther
	Other string
}

func putIP(b []byte, addr netip.Addr) {
	if !addr.IsValid() {
		return
	}
	if addr.Is4() {
		a := addr.As4()
		copy(b, a[:])
		return
	}
	a := addr.As16()
	copy(b, a[:])
}

func getIP(b []byte, v6 bool) netip.Addr {
	if v6 {
		return netip.AddrFrom16([16]byte(b[:16]))
	}
	return netip.AddrFrom4([4]byte(b[:4]))
}

func (l *List) AddBootdev(d Bootdev) {
	switch d.Type {
	case BootdevFS:
		_, b := l.Allocate(TypeBootdev, BootdevSize)
		le.PutUint32(b[8:], BootdevFS)
		uuid := []byte(d.UUID)
		if len(uuid) > fsUUIDSize-1 {
			uuid = uuid[:fsUUIDSize-1]
		}
		copy(b[16:], uuid)
	case BootdevNet:
		_, b := l.Allocate(TypeBootdev, BootdevSize)
		le.PutUint32(b[8:], BootdevNet)
		le.PutUint32(b[12:], d.Flags)
		putIP(b[16:32], d.ServerIP)
		le.PutUint16(b[32:], d.ServerPort)
		putIP(b[34:50], d.GatewayIP)
		putIP(b[50:66], d.ClientIP)
		mac := d.ClientMAC
		if len(mac) > 16 {
			mac = mac[:16]
		}
		copy(b[66:82], mac)
		b[82] = d.HWType
		b[83] = uint8(len(mac))
	case BootdevOther:
		str := cstring(d.Other)
		_, b := l.Allocate(TypeBootdev, round(BootdevSize)+uint32(len(str)))
		le.PutUint32(b[8:], BootdevOther)
		le.PutUint32(b[12:], uint32(len(str)))
		copy(b[round(BootdevSize):], str)
	default:
		_, b := l.Allocate(TypeBootdev, BootdevSize)
		le.PutUint32(b[8:], BootdevNone)
	}
}

func DecodeBootdev(rec Record) (Bootdev, error) {
	if err := short(rec, BootdevSize); err != nil {
		return Bootdev{}, err
	}
	b := rec.Data
	d := Bootdev{Type: le.Uint32(b[8:])}
	switch d.Type {
	case BootdevFS:
		d.UUID = fromCString(b[16 : 16+fsUUIDSize])
	case BootdevNet:
		d.Flags = le.Uint32(b[12:])
		v6 := d.Flags&NetIPv6 != 0
		d.ServerIP = getIP(b[16:], v6)
		d.ServerPort = le.Uint16(b[32:])
		d.GatewayIP = getIP(b[34:], v6)
		d.ClientIP = getIP(b[50:], v6)
		d.HWType = b[82]
		n := min(int(b[83]), 16)
		d.ClientMAC = append([]byte(nil), b[66:66+n]...)
	case BootdevOther:
		size := le.Uint32(b[12:])
		off := round(BootdevSize)
		if err := short(rec, off+size); err != nil {
			return Bootdev{}, err
		}
		d.Other = fromCString(b[off : off+size])
	}
	return d, nil
}

// Sections carries the kernel's ELF section header table.
type Sections struct {
	Num      uint32
	EntSize  uint32
	ShStrNdx uint32
	Headers  []byte
}

// AddSections appends a SECTIONS tag and returns the copy of the section
// headers inside the list so that the caller can update them in place.
func (l *List) AddSections(s Sections) []byte {
	_, b := l.Allocate(TypeSections, SectionsSize+uint32(len(s.Headers)))
	le.PutUint32(b[8:], s.Num)
	le.PutUint32(b[12:], s.EntSize)
	le.PutUint32(b[16:], s.ShStrNdx)
	copy(b[SectionsSize:], s.Headers)
	return b[SectionsSize:]
}

func DecodeSections(rec Record) (Sections, error) {
	if err := short(rec, SectionsSize); err != nil {
		return Sections{}, err
	}
	b := rec.Data
	return Sections{
		Num:      le.Uint32(b[8:]),
		EntSize:  le.Uint32(b[12:]),
		ShStrNdx: le.Uint32(b[16:]),
		Headers:  append([]byte(nil), b[SectionsSize:rec.Size]...),
	}, nil
}
