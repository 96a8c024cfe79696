// Package multiboot loads legacy Multiboot kernels that use the a.out kludge:
// a flat image whose load addresses are given by the Multiboot header itself.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/fs"
	"github.com/tinyrange/kboot/internal/memory"
	"github.com/tinyrange/kboot/internal/timeslice"
)

const (
	// HeaderMagic identifies a Multiboot header in the kernel image.
	HeaderMagic = 0x1badb002
	// LoaderMagic is passed to the kernel in EAX.
	LoaderMagic = 0x2badb002

	// searchSize is how far into the image the header may start.
	searchSize = 8192
	headerSize = 32
)

// Header flags.
const (
	FlagPageAlign  = 1 << 0
	FlagMemoryInfo = 1 << 1
	FlagVideoMode  = 1 << 2
	FlagAOutKludge = 1 << 16
)

// Information structure flags.
const (
	infoCmdline        = 1 << 2
	infoMods           = 1 << 3
	infoMemoryMap      = 1 << 6
	infoBootLoaderName = 1 << 9
)

const (
	infoSize       = 116
	moduleInfoSize = 16
	mmapEntrySize  = 24

	infoAreaMin  = 0x10000
	infoAreaMax  = 0x100000 - 1
	infoAreaSize = memory.PageSize
)

// Multiboot memory map types.
const (
	mmapAvailable = 1
	mmapReserved  = 2
)

var (
	// ErrNoHeader is returned for images without a Multiboot header.
	ErrNoHeader = errors.New("no multiboot header found")
	// ErrUnsupported is returned for Multiboot kernels that do not use the
	// a.out kludge.
	ErrUnsupported = errors.New("unsupported multiboot kernel")
)

// Header is the Multiboot header with the a.out kludge address fields.
type Header struct {
	Magic       uint32
	Flags       uint32
	Checksum    uint32
	HeaderAddr  uint32
	LoadAddr    uint32
	LoadEndAddr uint32
	BSSEndAddr  uint32
	EntryAddr   uint32
}

// FindHeader searches the start of the image for a Multiboot header and
// returns it with its file offset.
func FindHeader(h fs.Handle) (Header, int64, error) {
	size := min(h.Size(), searchSize)
	buf := make([]byte, size)
	if err := fs.ReadFull(h, buf, 0); err != nil {
		return Header{}, 0, bootfail.IO("%s: read header: %w", h.Name(), err)
	}

	le := binary.LittleEndian
	for off := 0; off+12 <= len(buf); off += 4 {
		magic := le.Uint32(buf[off:])
		flags := le.Uint32(buf[off+4:])
		checksum := le.Uint32(buf[off+8:])
		if magic != HeaderMagic || magic+flags+checksum != 0 {
			continue
		}

		hdr := Header{Magic: magic, Flags: flags, Checksum: checksum}
		if flags&FlagAOutKludge == 0 {
			return hdr, int64(off), bootfail.Validation("%s: %w: ELF multiboot kernels are not supported", h.Name(), ErrUnsupported)
		}
		if off+headerSize > len(buf) {
			return hdr, int64(off), bootfail.Validation("%s: multiboot header is truncated", h.Name())
		}
		hdr.HeaderAddr = le.Uint32(buf[off+12:])
		hdr.LoadAddr = le.Uint32(buf[off+16:])
		hdr.LoadEndAddr = le.Uint32(buf[off+20:])
		hdr.BSSEndAddr = le.Uint32(buf[off+24:])
		hdr.EntryAddr = le.Uint32(buf[off+28:])
		return hdr, int64(off), nil
	}
	return Header{}, 0, bootfail.Validation("%s: %w", h.Name(), ErrNoHeader)
}

// Identify reports whether h is a kernel this package can load.
func Identify(h fs.Handle) bool {
	_, _, err := FindHeader(h)
	return err == nil
}

// Memory is the physical memory the kernel is loaded into.
type Memory interface {
	Alloc(size, align uint64, min, max memory.PhysAddr, typ memory.Type, flags memory.AllocFlags) (memory.PhysAddr, error)
	Bytes(phys memory.PhysAddr, size uint64) []byte
	Finalize() []memory.Range
}

// Module is a file loaded alongside the kernel.
type Module struct {
	Name   string
	Handle fs.Handle
}

// LoadedModule records where a module was placed.
type LoadedModule struct {
	Name  string
	Start memory.PhysAddr
	End   memory.PhysAddr
}

// EntryArgs is the register state the kernel is entered with.
type EntryArgs struct {
	Entry uint32
	// Magic is loaded into EAX and the information structure address into
	// EBX.
	Magic uint32
	Info  uint32
}

// Trampoline enters a loaded kernel.
type Trampoline interface {
	Enter(args EntryArgs) error
}

// Result describes a loaded kernel.
type Result struct {
	Args      EntryArgs
	LoadSize  uint32
	BSSSize   uint32
	KernelEnd memory.PhysAddr
	Modules   []LoadedModule
	MemoryMap []memory.Range
}

// Enter hands control to the kernel through t.
func (r *Result) Enter(t Trampoline) error {
	return t.Enter(r.Args)
}

// Options configure a load.
type Options struct {
	Cmdline string
	Modules []Module
	Logger  *slog.Logger
	Trace   *timeslice.Trace
}

type loader struct {
	h    fs.Handle
	mem  Memory
	opts Options
	log  *slog.Logger

	hdr       Header
	hdrOffset int64
	res       *Result

	infoPhys memory.PhysAddr
	info     []byte
	infoOff  int
}

// Load loads the kernel in h and its modules, and builds the Multiboot
// information structure.
func Load(h fs.Handle, mem Memory, opts Options) (*Result, error) {
	hdr, off, err := FindHeader(h)
	if err != nil {
		return nil, err
	}

	l := &loader{
		h:         h,
		mem:       mem,
		opts:      opts,
		log:       opts.Logger,
		hdr:       hdr,
		hdrOffset: off,
		res:       &Result{Args: EntryArgs{Magic: LoaderMagic}},
	}
	if l.log == nil {
		l.log = slog.Default()
	}

	opts.Trace.Reset()
	if err := l.allocInfoArea(); err != nil {
		return nil, err
	}
	infoPhys, info := l.allocInfo(infoSize)
	le := binary.LittleEndian
	flags := uint32(infoCmdline | infoBootLoaderName)
	le.PutUint32(info[64:], l.allocString("KBoot"))
	le.PutUint32(info[16:], l.allocString(joinCmdline(h.Name(), opts.Cmdline)))

	if err := l.loadKernel(); err != nil {
		return nil, err
	}
	opts.Trace.Mark("kernel")

	if len(opts.Modules) > 0 {
		addr, err := l.loadModules()
		if err != nil {
			return nil, err
		}
		flags |= infoMods
		le.PutUint32(info[20:], uint32(len(opts.Modules)))
		le.PutUint32(info[24:], addr)
		opts.Trace.Mark("modules")
	}

	l.res.MemoryMap = mem.Finalize()
	length, addr := l.addMemoryMap(l.res.MemoryMap)
	flags |= infoMemoryMap
	le.PutUint32(info[44:], length)
	le.PutUint32(info[48:], addr)
	le.PutUint32(info[0:], flags)
	opts.Trace.Mark("info")

	l.res.Args.Info = uint32(infoPhys)
	return l.res, nil
}

// loadKernel loads the flat image described by the a.out kludge fields.
func (l *loader) loadKernel() error {
	hdr := l.hdr
	name := l.h.Name()
	switch {
	case hdr.HeaderAddr < hdr.LoadAddr:
		return bootfail.Validation("%s: invalid header address %#x", name, hdr.HeaderAddr)
	case hdr.LoadEndAddr != 0 && hdr.LoadEndAddr < hdr.LoadAddr:
		return bootfail.Validation("%s: invalid load end address %#x", name, hdr.LoadEndAddr)
	case hdr.BSSEndAddr != 0 && hdr.BSSEndAddr < hdr.LoadEndAddr:
		return bootfail.Validation("%s: invalid BSS end address %#x", name, hdr.BSSEndAddr)
	}

	delta := int64(hdr.HeaderAddr - hdr.LoadAddr)
	if delta > l.hdrOffset {
		return bootfail.Validation("%s: header address %#x lies before the start of the image", name, hdr.HeaderAddr)
	}
	offset := l.hdrOffset - delta
	avail := l.h.Size() - offset

	var loadSize uint64
	if hdr.LoadEndAddr != 0 {
		loadSize = uint64(hdr.LoadEndAddr - hdr.LoadAddr)
		if int64(loadSize) > avail {
			return bootfail.Validation("%s: load size %#x is larger than the image", name, loadSize)
		}
	} else {
		loadSize = uint64(avail)
	}

	var bssSize uint64
	if hdr.BSSEndAddr != 0 {
		if uint64(hdr.BSSEndAddr-hdr.LoadAddr) < loadSize {
			return bootfail.Validation("%s: invalid BSS end address %#x", name, hdr.BSSEndAddr)
		}
		bssSize = uint64(hdr.BSSEndAddr-hdr.LoadAddr) - loadSize
	}

	l.log.Debug("loading a.out kludge kernel",
		"load_addr", fmt.Sprintf("%#x", hdr.LoadAddr),
		"load_size", fmt.Sprintf("%#x", loadSize),
		"bss_size", fmt.Sprintf("%#x", bssSize))

	base := memory.RoundDown(uint64(hdr.LoadAddr))
	end := memory.RoundUp(uint64(hdr.LoadAddr) + loadSize + bssSize)
	if end == base {
		return bootfail.Validation("%s: kernel image is empty", name)
	}
	if base < uint64(memory.PhysMin) || end-1 > uint64(memory.PhysMax) {
		return bootfail.Resource("%s: load range %#x-%#x: %w", name, base, end, memory.ErrNoMemory)
	}
	if _, err := l.mem.Alloc(end-base, 0, memory.PhysAddr(base), memory.PhysAddr(end-1), memory.TypeAllocated, 0); err != nil {
		return fmt.Errorf("%s: load range %#x-%#x: %w", name, base, end, err)
	}

	dest := l.mem.Bytes(memory.PhysAddr(hdr.LoadAddr), loadSize+bssSize)
	if err := fs.ReadFull(l.h, dest[:loadSize], offset); err != nil {
		return bootfail.IO("%s: read kernel image: %w", name, err)
	}
	clear(dest[loadSize:])

	l.res.Args.Entry = hdr.EntryAddr
	l.res.LoadSize = uint32(loadSize)
	l.res.BSSSize = uint32(bssSize)
	l.res.KernelEnd = memory.PhysAddr(end)
	return nil
}

// loadModules places every module page aligned above the kernel and returns
// the address of the module list.
func (l *loader) loadModules() (uint32, error) {
	listPhys, list := l.allocInfo(moduleInfoSize * len(l.opts.Modules))
	le := binary.LittleEndian
	for i, mod := range l.opts.Modules {
		size := memory.RoundUp(uint64(max(mod.Handle.Size(), 1)))
		phys, err := l.mem.Alloc(size, 0, l.res.KernelEnd, 0, memory.TypeModules, 0)
		if err != nil {
			return 0, fmt.Errorf("module %s: %w", mod.Name, err)
		}
		l.log.Debug("loading module", "name", mod.Name, "addr", fmt.Sprintf("%#x", uint64(phys)), "size", mod.Handle.Size())

		if err := fs.ReadFull(mod.Handle, l.mem.Bytes(phys, uint64(mod.Handle.Size())), 0); err != nil {
			return 0, bootfail.IO("module %s: %w", mod.Name, err)
		}

		ent := list[i*moduleInfoSize:]
		le.PutUint32(ent[0:], uint32(phys))
		le.PutUint32(ent[4:], uint32(uint64(phys)+size))
		le.PutUint32(ent[8:], l.allocString(mod.Name))
		l.res.Modules = append(l.res.Modules, LoadedModule{
			Name:  mod.Name,
			Start: phys,
			End:   phys + memory.PhysAddr(size),
		})
	}
	return uint32(listPhys), nil
}

func (l *loader) addMemoryMap(ranges []memory.Range) (length, addr uint32) {
	phys, buf := l.allocInfo(mmapEntrySize * len(ranges))
	le := binary.LittleEndian
	for i, r := range ranges {
		typ := uint32(mmapReserved)
		if r.Type == memory.TypeFree {
			typ = mmapAvailable
		}
		ent := buf[i*mmapEntrySize:]
		// The size field does not count itself.
		le.PutUint32(ent[0:], mmapEntrySize-4)
		le.PutUint64(ent[4:], uint64(r.Start))
		le.PutUint64(ent[12:], r.Size)
		le.PutUint32(ent[20:], typ)
	}
	return uint32(len(buf)), uint32(phys)
}

func (l *loader) allocInfoArea() error {
	phys, err := l.mem.Alloc(infoAreaSize, 0, infoAreaMin, infoAreaMax, memory.TypeReclaimable, 0)
	if err != nil {
		return fmt.Errorf("multiboot information area: %w", err)
	}
	l.infoPhys = phys
	l.info = l.mem.Bytes(phys, infoAreaSize)
	return nil
}

// allocInfo carves size bytes, rounded to 4, out of the information area.
func (l *loader) allocInfo(size int) (memory.PhysAddr, []byte) {
	size = (size + 3) &^ 3
	bootfail.Assert(size <= len(l.info)-l.infoOff, "multiboot information area exhausted")
	phys := l.infoPhys + memory.PhysAddr(l.infoOff)
	buf := l.info[l.infoOff : l.infoOff+size]
	l.infoOff += size
	return phys, buf
}

func (l *loader) allocString(s string) uint32 {
	phys, buf := l.allocInfo(len(s) + 1)
	copy(buf, s)
	return uint32(phys)
}

func joinCmdline(path, args string) string {
	if args == "" {
		return path
	}
	return path + " " + args
}
