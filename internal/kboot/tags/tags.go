// Package tags builds and walks the tag list handed to a KBoot kernel.
//
// The tag list is a sequence of records, each starting with an 8 byte header
// {type uint32, size uint32}. The size covers the header and the payload; the
// next record starts at the size rounded up to 8 bytes. The first record is
// always a CORE tag and the last is a NONE tag.
package tags

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/memory"
)

const (
	// Magic is passed to the kernel alongside the tag list address.
	Magic = 0xb007cafe
	// Version is the boot protocol version implemented by the loader.
	Version = 2

	// ListSize is the fixed capacity of a tag list.
	ListSize   = 16384
	HeaderSize = 8
	Alignment  = 8
)

// Type identifies a tag.
type Type uint32

const (
	TypeNone       Type = 0
	TypeCore       Type = 1
	TypeOption     Type = 2
	TypeMemory     Type = 3
	TypeVmem       Type = 4
	TypePageTables Type = 5
	TypeModule     Type = 6
	TypeVideo      Type = 7
	TypeBootdev    Type = 8
	TypeLog        Type = 9
	TypeSections   Type = 10
	TypeBIOSE820   Type = 11
	TypeEFI        Type = 12
	TypeSerial     Type = 13
)

var typeNames = map[Type]string{
	TypeNone:       "none",
	TypeCore:       "core",
	TypeOption:     "option",
	TypeMemory:     "memory",
	TypeVmem:       "vmem",
	TypePageTables: "pagetables",
	TypeModule:     "module",
	TypeVideo:      "video",
	TypeBootdev:    "bootdev",
	TypeLog:        "log",
	TypeSections:   "sections",
	TypeBIOSE820:   "bios_e820",
	TypeEFI:        "efi",
	TypeSerial:     "serial",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint32(t))
}

func round(size uint32) uint32 {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// Allocator is where the list is allocated.
type Allocator interface {
	Alloc(size, align uint64, min, max memory.PhysAddr, typ memory.Type, flags memory.AllocFlags) (memory.PhysAddr, error)
	Bytes(phys memory.PhysAddr, size uint64) []byte
}

// List is a tag list under construction.
type List struct {
	phys   memory.PhysAddr
	buf    []byte
	size   uint32
	core   Core
	sealed bool
}

// New allocates an empty tag list holding only the CORE tag.
func New(mem Allocator) (*List, error) {
	phys, err := mem.Alloc(ListSize, 0, 0, 0, memory.TypeReclaimable, memory.AllocHigh)
	if err != nil {
		return nil, fmt.Errorf("allocate tag list: %w", err)
	}
	l := &List{phys: phys, buf: mem.Bytes(phys, ListSize)}
	clear(l.buf)

	l.core.TagsPhys = uint64(phys)
	l.Allocate(TypeCore, CoreSize)
	l.writeCore()
	return l, nil
}

// Phys returns the physical address of the list.
func (l *List) Phys() memory.PhysAddr { return l.phys }

// Size returns the number of bytes used so far.
func (l *List) Size() uint32 { return l.size }

// Core returns the CORE tag fields. They are written to the list by Seal.
func (l *List) Core() *Core { return &l.core }

// Allocate appends a zeroed record of the given total size, header included,
// and returns its physical address and contents. The header is already
// filled in.
func (l *List) Allocate(typ Type, size uint32) (memory.PhysAddr, []byte) {
	bootfail.Assert(!l.sealed, "tag list already sealed")
	bootfail.Assert(size >= HeaderSize, "tag %s size %d smaller than header", typ, size)
	if uint64(l.size)+(uint64(size)+Alignment-1)&^(Alignment-1) > ListSize {
		bootfail.Invariant("exceeded maximum tag list size adding %s tag of %d bytes", typ, size)
	}

	off := l.size
	rec := l.buf[off : off+size : off+size]
	clear(rec)
	binary.LittleEndian.PutUint32(rec[0:], uint32(typ))
	binary.LittleEndian.PutUint32(rec[4:], size)
	l.size += round(size)
	return l.phys + memory.PhysAddr(off), rec
}

// Seal appends the NONE terminator and writes the final CORE tag. No records
// can be added afterwards.
func (l *List) Seal() {
	l.Allocate(TypeNone, HeaderSize)
	l.sealed = true
	l.writeCore()
}

func (l *List) writeCore() {
	l.core.TagsSize = l.size
	l.core.encode(l.buf[:CoreSize])
}

// Bytes returns the used part of the list.
func (l *List) Bytes() []byte { return l.buf[:l.size] }

// Record is one tag as seen by a consumer. Data includes the header.
type Record struct {
	Type   Type
	Size   uint32
	Offset uint32
	Data   []byte
}

// Payload returns the record contents after the header.
func (r Record) Payload() []byte { return r.Data[HeaderSize:] }

// ErrMalformed is returned by Walk for a list that is truncated or contains a
// record with an impossible size.
var ErrMalformed = errors.New("tags: malformed tag list")

// ErrStop can be returned by a Walk callback to end the walk early.
var ErrStop = errors.New("tags: stop walk")

// Walk calls fn for each record in buf up to, not including, the NONE
// terminator.
func Walk(buf []byte, fn func(Record) error) error {
	var off uint32
	for {
		if uint64(off)+HeaderSize > uint64(len(buf)) {
			return fmt.Errorf("%w: no terminator within %d bytes", ErrMalformed, len(buf))
		}
		typ := Type(binary.LittleEndian.Uint32(buf[off:]))
		size := binary.LittleEndian.Uint32(buf[off+4:])
		if typ == TypeNone {
			return nil
		}
		if size < HeaderSize || uint64(off)+uint64(size) > uint64(len(buf)) {
			return fmt.Errorf("%w: %s tag at offset %d has size %d", ErrMalformed, typ, off, size)
		}
		rec := Record{Type: typ, Size: size, Offset: off, Data: buf[off : off+size]}
		if err := fn(rec); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		off += round(size)
	}
}
