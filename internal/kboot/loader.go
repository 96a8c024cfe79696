// Package kboot loads KBoot kernels: ELF images that describe their load
// requirements with "KBoot" notes and receive a tag list describing the
// machine on entry.
package kboot

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/fs"
	"github.com/tinyrange/kboot/internal/kboot/tags"
	"github.com/tinyrange/kboot/internal/memory"
	"github.com/tinyrange/kboot/internal/mmu"
	"github.com/tinyrange/kboot/internal/timeslice"
	"github.com/tinyrange/kboot/internal/vspace"
)

// Memory is the physical memory a kernel is loaded into.
type Memory interface {
	mmu.Memory
	// Finalize releases loader-internal memory and returns the final
	// memory map.
	Finalize() []memory.Range
}

// Module is a file passed to the kernel alongside it.
type Module struct {
	Name   string
	Handle fs.Handle
}

// VideoMode is a display mode the platform can provide. For VGA text modes
// Width and Height are the columns and lines.
type VideoMode struct {
	Type          uint32
	Width, Height uint32
	X, Y          uint8
	BPP           uint8
	Pitch         uint32

	RedSize, RedPos     uint8
	GreenSize, GreenPos uint8
	BlueSize, BluePos   uint8

	MemPhys uint64
	MemSize uint64
}

// Options configures a Loader.
type Options struct {
	Arch mmu.Arch
	Caps mmu.Capabilities

	// Env supplies option values. Options the kernel declares that are not
	// set here take the kernel's default.
	Env     Env
	Modules []Module

	// RootDevice is "other:<string>", "uuid:<uuid>", the name of an entry
	// in Devices, or empty to use BootDevice.
	RootDevice string
	Devices    map[string]tags.Bootdev
	BootDevice tags.Bootdev

	VideoModes []VideoMode

	// The loader's own image, identity mapped while switching to the
	// kernel's address space.
	LoaderBase memory.PhysAddr
	LoaderSize uint64

	Logger *slog.Logger
	// Trace, if set, receives the duration of each loading phase.
	Trace *timeslice.Trace
}

// Mapping is one range of the kernel's virtual address space. Phys is NoAddr
// for reserved ranges with nothing mapped.
type Mapping struct {
	Start uint64
	Size  uint64
	Phys  uint64
}

// EntryArgs is everything the entry trampoline needs to start the kernel.
type EntryArgs struct {
	Arch mmu.Arch
	Mode mmu.Mode

	TrampolineRoots []memory.PhysAddr
	TrampolinePhys  memory.PhysAddr
	TrampolineVirt  uint64

	KernelRoots  []memory.PhysAddr
	StackPointer uint64
	Entry        uint64
	TagsVirt     uint64
	TagsPhys     memory.PhysAddr
	Magic        uint32
}

// Trampoline switches to the kernel's address space and jumps to it.
type Trampoline interface {
	Enter(args EntryArgs) error
}

// Result describes a loaded kernel ready to be entered.
type Result struct {
	Args       EntryArgs
	Tags       *tags.List
	MMU        *mmu.Context
	Trampoline *mmu.Context
	Segments   []Segment
	Mappings   []Mapping
	// HighestAddress is the page rounded end of the highest kernel segment.
	HighestAddress memory.PhysAddr
}

// Enter hands the kernel to t.
func (r *Result) Enter(t Trampoline) error { return t.Enter(r.Args) }

// Loader loads one kernel.
type Loader struct {
	opts  Options
	log   *slog.Logger
	img   *Image
	itags *ImageTags
	env   Env

	mem      Memory
	load     LoadTag
	tags     *tags.List
	mmu      *mmu.Context
	vspace   *vspace.Allocator
	mappings []Mapping
	segments []Segment
	highest  memory.PhysAddr
	entry    uint64
	tagsVirt uint64

	trampolinePhys memory.PhysAddr
	trampolineVirt uint64
	trampolineMMU  *mmu.Context
}

// New identifies h as a KBoot kernel and reads its image tags. Option
// defaults are merged into the environment at this point so that they can
// be inspected before loading.
func New(h fs.Handle, opts Options) (*Loader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	img, err := Identify(h, opts.Arch)
	if err != nil {
		return nil, err
	}
	itags, err := img.ImageTags()
	if err != nil {
		return nil, err
	}
	if itags.Image == nil {
		return nil, bootfail.Validation("%s: %w: not a valid KBoot kernel", h.Name(), ErrUnknownImage)
	}
	if itags.Image.Version != tags.Version {
		return nil, bootfail.Validation("%s: unsupported KBoot version %d", h.Name(), itags.Image.Version)
	}

	env := make(Env, len(opts.Env))
	for name, v := range opts.Env {
		env[name] = v
	}
	if err := addOptions(env, itags.Options); err != nil {
		return nil, err
	}

	if rd := opts.RootDevice; rd != "" && !strings.HasPrefix(rd, "other:") && !strings.HasPrefix(rd, "uuid:") {
		if _, ok := opts.Devices[rd]; !ok {
			return nil, bootfail.Validation("root device '%s' not found", rd)
		}
	}

	return &Loader{opts: opts, log: opts.Logger, img: img, itags: itags, env: env}, nil
}

func (l *Loader) Image() *Image { return l.img }

func (l *Loader) ImageTags() *ImageTags { return l.itags }

// Env returns the option environment the kernel will be given.
func (l *Loader) Env() Env { return l.env }

// Load loads the kernel and its modules into mem and builds the tag list.
// After a successful Load nothing more is allocated from mem.
func (l *Loader) Load(mem Memory) (*Result, error) {
	l.mem = mem
	trace := l.opts.Trace
	trace.Reset()
	l.log.Debug("kboot image",
		"version", l.itags.Image.Version,
		"flags", fmt.Sprintf("%#x", l.itags.Image.Flags))

	if err := l.checkKernel(); err != nil {
		return nil, err
	}

	list, err := tags.New(mem)
	if err != nil {
		return nil, err
	}
	l.tags = list

	if l.itags.Load != nil {
		l.load = *l.itags.Load
		if !checkAlignmentParams(&l.load) {
			return nil, bootfail.Validation("invalid kernel alignment parameters (alignment %#x, min %#x)",
				l.load.Alignment, l.load.MinAlignment)
		}
		if !checkVirtMapParams(l.img.mode, &l.load) {
			return nil, bootfail.Validation("invalid kernel virtual map range %#x+%#x",
				l.load.VirtMapBase, l.load.VirtMapSize)
		}
	} else if l.img.mode == mmu.Mode32 {
		checkVirtMapParams(l.img.mode, &l.load)
	}
	if err := l.archLoadParams(&l.load); err != nil {
		return nil, err
	}

	if l.mmu, err = mmu.New(l.opts.Arch, l.img.mode, memory.TypePageTables, mem, l.opts.Caps); err != nil {
		return nil, err
	}
	l.vspace = vspace.New(l.load.VirtMapBase, l.load.VirtMapSize)
	l.vspace.Reserve(0, memory.PageSize)

	if err := l.loadKernel(); err != nil {
		return nil, err
	}
	trace.Mark("kernel")

	for _, m := range l.itags.Mappings {
		if m.Virt == NoAddr {
			_, err = l.allocVirtual(m.Phys, m.Size, m.Cache)
		} else {
			err = l.mapVirtual(m.Virt, m.Phys, m.Size, m.Cache)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := l.archSetup(); err != nil {
		return nil, err
	}
	trace.Mark("mappings")

	if l.tagsVirt, err = l.allocVirtual(uint64(l.tags.Phys()), tags.ListSize, CacheDefault); err != nil {
		return nil, err
	}

	if l.itags.Image.Flags&ImageSections != 0 {
		if err := l.loadSections(); err != nil {
			return nil, err
		}
	}

	if err := l.loadModules(); err != nil {
		return nil, err
	}
	trace.Mark("modules")
	if err := l.allocStack(); err != nil {
		return nil, err
	}
	if err := l.setupTrampoline(); err != nil {
		return nil, err
	}
	if err := l.setVideoMode(); err != nil {
		return nil, err
	}

	l.addOptionTags()
	if err := l.addBootdevTag(); err != nil {
		return nil, err
	}
	l.addMemoryTags()
	l.addVmemTags()
	l.tags.Seal()
	trace.Mark("tags")

	core := l.tags.Core()
	l.log.Debug("kernel ready",
		"entry", fmt.Sprintf("%#x", l.entry),
		"stack", fmt.Sprintf("%#x", core.StackBase))

	return &Result{
		Args: EntryArgs{
			Arch:            l.opts.Arch,
			Mode:            l.img.mode,
			TrampolineRoots: l.trampolineMMU.Roots(),
			TrampolinePhys:  l.trampolinePhys,
			TrampolineVirt:  l.trampolineVirt,
			KernelRoots:     l.mmu.Roots(),
			StackPointer:    core.StackBase + uint64(core.StackSize),
			Entry:           l.entry,
			TagsVirt:        l.tagsVirt,
			TagsPhys:        l.tags.Phys(),
			Magic:           tags.Magic,
		},
		Tags:           l.tags,
		MMU:            l.mmu,
		Trampoline:     l.trampolineMMU,
		Segments:       l.segments,
		Mappings:       l.mappings,
		HighestAddress: l.highest,
	}, nil
}

func (l *Loader) checkMapping(addr, phys, size uint64) bool {
	if size == 0 || !memory.Aligned(size) {
		return false
	}
	if addr != NoAddr {
		switch {
		case !memory.Aligned(addr):
			return false
		case addr+size-1 < addr:
			return false
		case l.img.mode == mmu.Mode32 && addr+size-1 >= fourGiB:
			return false
		}
	}
	return phys == NoAddr || memory.Aligned(phys)
}

func cacheFlags(cache uint32) (mmu.Flags, error) {
	switch cache {
	case CacheDefault:
		return mmu.CacheDefault, nil
	case CacheWriteThrough:
		return mmu.CacheWriteThrough, nil
	case CacheUncached:
		return mmu.CacheUncached, nil
	default:
		return 0, bootfail.Validation("invalid mapping cache type %d", cache)
	}
}

func (l *Loader) mmuMap(virt, phys, size uint64, cache uint32) error {
	flags, err := cacheFlags(cache)
	if err != nil {
		return err
	}
	if err := l.mmu.Map(mmu.VirtAddr(virt), memory.PhysAddr(phys), size, flags); err != nil {
		if errors.Is(err, mmu.ErrInvalidRange) {
			return bootfail.Validation("invalid virtual mapping: %w", err)
		}
		return err
	}
	return nil
}

// addMapping records a mapping, keeping the list sorted by start address.
func (l *Loader) addMapping(start, size, phys uint64) {
	m := Mapping{Start: start, Size: size, Phys: phys}
	for i, other := range l.mappings {
		if start <= other.Start {
			l.mappings = append(l.mappings[:i], append([]Mapping{m}, l.mappings[i:]...)...)
			return
		}
	}
	l.mappings = append(l.mappings, m)
}

// allocVirtual maps phys anywhere in the kernel's virtual map and returns
// the address used. phys may be NoAddr to only reserve address space.
func (l *Loader) allocVirtual(phys, size uint64, cache uint32) (uint64, error) {
	if !l.checkMapping(NoAddr, phys, size) {
		return 0, bootfail.Validation("invalid virtual mapping (physical %#x, size %#x)", phys, size)
	}
	addr, ok := l.vspace.Alloc(size, 0)
	if !ok {
		return 0, bootfail.Resource("insufficient address space available (allocating %d bytes)", size)
	}
	if phys != NoAddr {
		if err := l.mmuMap(addr, phys, size, cache); err != nil {
			return 0, err
		}
	}
	l.addMapping(addr, size, phys)
	return addr, nil
}

// mapVirtual maps phys at addr, which must not overlap an earlier mapping.
func (l *Loader) mapVirtual(addr, phys, size uint64, cache uint32) error {
	if !l.checkMapping(addr, phys, size) {
		return bootfail.Validation("invalid virtual mapping (virtual %#x, size %#x)", addr, size)
	}
	if !l.vspace.Insert(addr, size) {
		return bootfail.Validation("mapping %#x conflicts with another", addr)
	}
	if phys != NoAddr {
		if err := l.mmuMap(addr, phys, size, cache); err != nil {
			return err
		}
	}
	l.addMapping(addr, size, phys)
	return nil
}

func (l *Loader) loadModules() error {
	for _, mod := range l.opts.Modules {
		fileSize := uint64(mod.Handle.Size())
		size := max(memory.RoundUp(fileSize), memory.PageSize)
		phys, err := l.mem.Alloc(size, 0, 0, 0, memory.TypeModules, memory.AllocHigh)
		if err != nil {
			return fmt.Errorf("module '%s': %w", mod.Name, err)
		}

		l.log.Debug("loading module",
			"name", mod.Name,
			"phys", fmt.Sprintf("%#x", uint64(phys)),
			"size", fileSize)

		if err := fs.ReadFull(mod.Handle, l.mem.Bytes(phys, fileSize), 0); err != nil {
			return bootfail.IO("error reading module '%s': %w", mod.Name, err)
		}
		l.tags.AddModule(tags.Module{Addr: uint64(phys), Size: uint32(fileSize), Name: mod.Name})
	}
	return nil
}

func (l *Loader) allocStack() error {
	phys, err := l.mem.Alloc(memory.PageSize, 0, 0, 0, memory.TypeStack, memory.AllocHigh)
	if err != nil {
		return fmt.Errorf("kernel stack: %w", err)
	}
	virt, err := l.allocVirtual(uint64(phys), memory.PageSize, CacheDefault)
	if err != nil {
		return err
	}
	core := l.tags.Core()
	core.StackBase = virt
	core.StackPhys = uint64(phys)
	core.StackSize = memory.PageSize
	return nil
}

// setupTrampoline allocates the page the entry trampoline runs from and an
// address space mapping both it and the loader. The page is placed so that it
// does not overlap the loader's own addresses.
func (l *Loader) setupTrampoline() error {
	loaderStart := memory.RoundDown(uint64(l.opts.LoaderBase))
	loaderSize := memory.RoundUp(uint64(l.opts.LoaderBase)+l.opts.LoaderSize) - loaderStart
	if loaderSize != 0 {
		l.vspace.Reserve(loaderStart, loaderSize)
	}

	phys, err := l.mem.Alloc(memory.PageSize, 0, 0, 0, memory.TypeInternal, memory.AllocHigh)
	if err != nil {
		return fmt.Errorf("trampoline: %w", err)
	}
	l.trampolinePhys = phys
	if l.trampolineVirt, err = l.allocVirtual(uint64(phys), memory.PageSize, CacheDefault); err != nil {
		return err
	}

	if l.trampolineMMU, err = mmu.New(l.opts.Arch, l.img.mode, memory.TypeInternal, l.mem, l.opts.Caps); err != nil {
		return err
	}
	if loaderSize != 0 {
		if err := l.trampolineMMU.Map(mmu.VirtAddr(loaderStart), memory.PhysAddr(loaderStart), loaderSize, mmu.CacheDefault); err != nil {
			return fmt.Errorf("trampoline: map loader: %w", err)
		}
	}
	if err := l.trampolineMMU.Map(mmu.VirtAddr(l.trampolineVirt), phys, memory.PageSize, mmu.CacheDefault); err != nil {
		return fmt.Errorf("trampoline: map page: %w", err)
	}

	l.log.Debug("trampoline",
		"phys", fmt.Sprintf("%#x", uint64(phys)),
		"virt", fmt.Sprintf("%#x", l.trampolineVirt))
	return nil
}

// chooseVideoMode picks the mode to set: the kernel's preferred framebuffer
// mode if available, otherwise the first mode of a supported type.
func (l *Loader) chooseVideoMode() *VideoMode {
	types := uint32(tags.VideoVGA | tags.VideoLFB)
	video := l.itags.Video
	if video != nil {
		types = video.Types
	}
	if types == 0 {
		return nil
	}

	if video != nil && types&tags.VideoLFB != 0 {
		for i := range l.opts.VideoModes {
			m := &l.opts.VideoModes[i]
			if m.Type != tags.VideoLFB {
				continue
			}
			if (video.Width == 0 || m.Width == video.Width) &&
				(video.Height == 0 || m.Height == video.Height) &&
				(video.BPP == 0 || m.BPP == video.BPP) {
				return m
			}
		}
	}
	for i := range l.opts.VideoModes {
		if l.opts.VideoModes[i].Type&types != 0 {
			return &l.opts.VideoModes[i]
		}
	}
	return nil
}

// mapFramebuffer maps a display memory range that need not be page aligned.
func (l *Loader) mapFramebuffer(phys, size uint64) (uint64, error) {
	base := memory.RoundDown(phys)
	off := phys - base
	virt, err := l.allocVirtual(base, memory.RoundUp(off+size), CacheWriteThrough)
	if err != nil {
		return 0, err
	}
	return virt + off, nil
}

func (l *Loader) setVideoMode() error {
	mode := l.chooseVideoMode()
	if mode == nil {
		return nil
	}
	virt, err := l.mapFramebuffer(mode.MemPhys, mode.MemSize)
	if err != nil {
		return err
	}

	switch mode.Type {
	case tags.VideoVGA:
		l.tags.AddVGA(tags.VGA{
			Cols:    uint8(mode.Width),
			Lines:   uint8(mode.Height),
			X:       mode.X,
			Y:       mode.Y,
			MemPhys: mode.MemPhys,
			MemVirt: virt,
			MemSize: uint32(mode.MemSize),
		})
	case tags.VideoLFB:
		l.tags.AddLFB(tags.LFB{
			Flags:     tags.LFBRGB,
			Width:     mode.Width,
			Height:    mode.Height,
			BPP:       mode.BPP,
			Pitch:     mode.Pitch,
			FBPhys:    mode.MemPhys,
			FBVirt:    virt,
			FBSize:    uint32(mode.MemSize),
			RedSize:   mode.RedSize,
			RedPos:    mode.RedPos,
			GreenSize: mode.GreenSize,
			GreenPos:  mode.GreenPos,
			BlueSize:  mode.BlueSize,
			BluePos:   mode.BluePos,
		})
	default:
		return bootfail.Validation("unsupported video mode type %d", mode.Type)
	}
	return nil
}

func (l *Loader) addBootdevTag() error {
	dev := l.opts.BootDevice
	if rd := l.opts.RootDevice; rd != "" {
		switch {
		case strings.HasPrefix(rd, "other:"):
			l.tags.AddBootdev(tags.Bootdev{Type: tags.BootdevOther, Other: rd[len("other:"):]})
			return nil
		case strings.HasPrefix(rd, "uuid:"):
			l.tags.AddBootdev(tags.Bootdev{Type: tags.BootdevFS, UUID: rd[len("uuid:"):]})
			return nil
		}
		d, ok := l.opts.Devices[rd]
		if !ok {
			return bootfail.Validation("root device '%s' not found", rd)
		}
		dev = d
	}
	l.tags.AddBootdev(dev)
	return nil
}

func (l *Loader) addMemoryTags() {
	ranges := l.mem.Finalize()
	l.log.Debug("final physical memory map")
	for _, r := range ranges {
		l.log.Debug("  range", "range", r.String())
		l.tags.AddMemory(tags.Memory{Start: uint64(r.Start), Size: r.Size, Type: r.Type})
	}
}

func (l *Loader) addVmemTags() {
	l.log.Debug("final virtual memory map")
	for _, m := range l.mappings {
		l.log.Debug("  mapping",
			"start", fmt.Sprintf("%#x", m.Start),
			"end", fmt.Sprintf("%#x", m.Start+m.Size),
			"phys", fmt.Sprintf("%#x", m.Phys))
		l.tags.AddVmem(tags.Vmem{Start: m.Start, Size: m.Size, Phys: m.Phys})
	}
}
