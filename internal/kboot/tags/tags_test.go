package tags_test

import (
	"encoding/binary"
	"net/netip"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/kboot/tags"
	"github.com/tinyrange/kboot/internal/memory"
)

// collect walks a sealed list and returns its records.
func collect(l *tags.List) []tags.Record {
	var recs []tags.Record
	err := tags.Walk(l.Bytes(), func(r tags.Record) error {
		recs = append(recs, r)
		return nil
	})
	Expect(err).NotTo(HaveOccurred())
	return recs
}

var _ = Describe("Tag list", func() {
	var (
		arena *memory.Arena
		list  *tags.List
	)

	BeforeEach(func() {
		var err error
		arena, err = memory.NewArena(0, 1<<20)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(arena.Close)

		list, err = tags.New(arena)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("New", func() {
		It("allocates the list high in reclaimable memory", func() {
			Expect(uint64(list.Phys())).To(Equal(uint64(1<<20 - tags.ListSize)))
			var found bool
			for _, r := range arena.Snapshot() {
				if r.Start == list.Phys() {
					found = true
					Expect(r.Type).To(Equal(memory.TypeReclaimable))
					Expect(r.Size).To(Equal(uint64(tags.ListSize)))
				}
			}
			Expect(found).To(BeTrue())
		})

		It("starts with the core tag", func() {
			Expect(list.Size()).To(Equal(uint32(tags.CoreSize)))
			hdr := list.Bytes()
			Expect(binary.LittleEndian.Uint32(hdr[0:])).To(Equal(uint32(tags.TypeCore)))
			Expect(binary.LittleEndian.Uint32(hdr[4:])).To(Equal(uint32(tags.CoreSize)))
		})
	})

	Describe("Allocate", func() {
		It("rounds each record to 8 bytes and keeps the exact size in the header", func() {
			before := list.Size()
			phys, rec := list.Allocate(tags.TypeLog, 13)
			Expect(uint64(phys)).To(Equal(uint64(list.Phys()) + uint64(before)))
			Expect(rec).To(HaveLen(13))
			Expect(binary.LittleEndian.Uint32(rec[4:])).To(Equal(uint32(13)))
			Expect(list.Size()).To(Equal(before + 16))
		})

		It("returns zeroed records", func() {
			_, rec := list.Allocate(tags.TypeLog, 64)
			Expect(rec[8:]).To(Equal(make([]byte, 56)))
		})

		It("stops the loader when the list overflows", func() {
			Expect(func() {
				for i := 0; i < tags.ListSize; i++ {
					list.Allocate(tags.TypeLog, 1024)
				}
			}).To(PanicWith(BeAssignableToTypeOf(&bootfail.InvariantError{})))
		})

		It("stops the loader when a record size would wrap", func() {
			Expect(func() { list.Allocate(tags.TypeLog, 0xfffffffc) }).
				To(PanicWith(BeAssignableToTypeOf(&bootfail.InvariantError{})))
		})

		It("refuses records after sealing", func() {
			list.Seal()
			Expect(func() { list.Allocate(tags.TypeMemory, tags.MemorySize) }).To(Panic())
		})
	})

	Describe("Walk", func() {
		BeforeEach(func() {
			list.Core().KernelPhys = 0x200000
			list.Core().StackBase = 0xffffffff80010000
			list.Core().StackPhys = 0x300000
			list.Core().StackSize = 0x1000
			list.AddOption(tags.Option{Type: tags.OptionString, Name: "root", Value: []byte("disk0\x00")})
			list.AddModule(tags.Module{Addr: 0x400000, Size: 0x1234, Name: "init.tar"})
			list.AddPageTables(tags.PageTables{Root: 0x7000, Mapping: 0xffffff8000000000})
			list.AddBootdev(tags.Bootdev{Type: tags.BootdevOther, Other: "serial-console"})
			list.AddMemory(tags.Memory{Start: 0, Size: 0x100000, Type: memory.TypeFree})
			list.AddMemory(tags.Memory{Start: 0x100000, Size: 0x1000, Type: memory.TypeStack})
			list.AddVmem(tags.Vmem{Start: 0xffffffff80000000, Size: 0x200000, Phys: 0x200000})
			list.Seal()
		})

		It("visits records in insertion order", func() {
			var types []tags.Type
			for _, r := range collect(list) {
				types = append(types, r.Type)
			}
			Expect(types).To(Equal([]tags.Type{
				tags.TypeCore, tags.TypeOption, tags.TypeModule, tags.TypePageTables,
				tags.TypeBootdev, tags.TypeMemory, tags.TypeMemory, tags.TypeVmem,
			}))
		})

		It("yields monotonic, non-overlapping, aligned records", func() {
			var end uint32
			for _, r := range collect(list) {
				Expect(r.Offset % tags.Alignment).To(BeZero())
				Expect(r.Offset).To(BeNumerically(">=", end))
				Expect(r.Size).To(BeNumerically(">=", tags.HeaderSize))
				end = r.Offset + r.Size
			}
			Expect(end).To(BeNumerically("<", list.Size()))
		})

		It("records the final size and address in the core tag", func() {
			recs := collect(list)
			core, err := tags.DecodeCore(recs[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(core.TagsPhys).To(Equal(uint64(list.Phys())))
			Expect(core.TagsSize).To(Equal(list.Size()))
			Expect(core.KernelPhys).To(Equal(uint64(0x200000)))
			Expect(core.StackBase).To(Equal(uint64(0xffffffff80010000)))
			Expect(core.StackSize).To(Equal(uint32(0x1000)))
		})

		It("round-trips typed payloads", func() {
			recs := collect(list)

			opt, err := tags.DecodeOption(recs[1])
			Expect(err).NotTo(HaveOccurred())
			Expect(opt.Name).To(Equal("root"))
			Expect(opt.Type).To(Equal(tags.OptionString))
			Expect(string(opt.Value)).To(Equal("disk0\x00"))

			mod, err := tags.DecodeModule(recs[2])
			Expect(err).NotTo(HaveOccurred())
			Expect(mod).To(Equal(tags.Module{Addr: 0x400000, Size: 0x1234, Name: "init.tar"}))

			dev, err := tags.DecodeBootdev(recs[4])
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.Type).To(Equal(uint32(tags.BootdevOther)))
			Expect(dev.Other).To(Equal("serial-console"))

			mem, err := tags.DecodeMemory(recs[6])
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.Type).To(Equal(memory.TypeStack))
		})

		It("stops early on ErrStop", func() {
			var n int
			err := tags.Walk(list.Bytes(), func(tags.Record) error {
				n++
				if n == 2 {
					return tags.ErrStop
				}
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("rejects a list without a terminator", func() {
			buf := list.Bytes()
			err := tags.Walk(buf[:len(buf)-tags.HeaderSize], func(tags.Record) error { return nil })
			Expect(err).To(MatchError(tags.ErrMalformed))
		})

		It("rejects a record running past the buffer", func() {
			buf := append([]byte(nil), list.Bytes()...)
			binary.LittleEndian.PutUint32(buf[4:], uint32(len(buf)+8))
			err := tags.Walk(buf, func(tags.Record) error { return nil })
			Expect(err).To(MatchError(tags.ErrMalformed))
		})
	})

	Describe("Video and boot device payloads", func() {
		It("encodes an indexed framebuffer palette", func() {
			list.AddLFB(tags.LFB{
				Flags: tags.LFBIndexed, Width: 640, Height: 480, BPP: 8, Pitch: 640,
				FBPhys: 0xe0000000, FBVirt: 0xffffffffc0000000, FBSize: 640 * 480,
				Palette: make([]tags.Colour, 16),
			})
			list.Seal()

			rec := collect(list)[1]
			Expect(rec.Size).To(Equal(uint32(68 + 3*16)))
			typ, err := tags.VideoType(rec)
			Expect(err).NotTo(HaveOccurred())
			Expect(typ).To(Equal(uint32(tags.VideoLFB)))
			lfb, err := tags.DecodeLFB(rec)
			Expect(err).NotTo(HaveOccurred())
			Expect(lfb.Palette).To(HaveLen(16))
			Expect(lfb.FBVirt).To(Equal(uint64(0xffffffffc0000000)))
		})

		It("encodes a network boot device", func() {
			list.AddBootdev(tags.Bootdev{
				Type:       tags.BootdevNet,
				ServerIP:   netip.MustParseAddr("10.0.0.1"),
				ServerPort: 69,
				ClientIP:   netip.MustParseAddr("10.0.0.42"),
				ClientMAC:  []byte{0x52, 0x54, 0, 0x12, 0x34, 0x56},
				HWType:     1,
			})
			list.Seal()

			dev, err := tags.DecodeBootdev(collect(list)[1])
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.ServerIP.String()).To(Equal("10.0.0.1"))
			Expect(dev.ClientIP.String()).To(Equal("10.0.0.42"))
			Expect(dev.ServerPort).To(Equal(uint16(69)))
			Expect(dev.ClientMAC).To(HaveLen(6))
		})

		It("truncates long filesystem UUIDs", func() {
			long := make([]byte, 100)
			for i := range long {
				long[i] = 'a'
			}
			list.AddBootdev(tags.Bootdev{Type: tags.BootdevFS, UUID: string(long)})
			list.Seal()

			dev, err := tags.DecodeBootdev(collect(list)[1])
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.UUID).To(HaveLen(63))
		})
	})
})
