package kboot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/kboot/internal/bootfail"
	"github.com/tinyrange/kboot/internal/kboot/tags"
)

// Image tag types. Image tags are ELF notes named "KBoot".
const (
	ITagImage   = 0
	ITagLoad    = 1
	ITagOption  = 2
	ITagMapping = 3
	ITagVideo   = 4
)

const noteName = "KBoot"

// Image tag flags.
const (
	ImageSections = 1 << 0
	ImageLog      = 1 << 1
)

// Load tag flags.
const (
	LoadFixed    = 1 << 0
	LoadARM64EL2 = 1 << 1
)

// Mapping cache modes.
const (
	CacheDefault      = 0
	CacheWriteThrough = 1
	CacheUncached     = 2
)

// NoAddr in a mapping tag's virtual address means "anywhere" and in its
// physical address means "reserve only".
const NoAddr = ^uint64(0)

const (
	imageTagSize   = 8
	loadTagSize    = 40
	optionTagSize  = 16
	mappingTagSize = 28
	videoTagSize   = 13
)

type ImageTag struct {
	Version uint32
	Flags   uint32
}

// LoadTag holds the kernel's load parameters. Zero values mean "use the
// architecture default".
type LoadTag struct {
	Flags        uint32
	Alignment    uint64
	MinAlignment uint64
	VirtMapBase  uint64
	VirtMapSize  uint64
}

// OptionTag declares a kernel option and its default value.
type OptionTag struct {
	Name    string
	Desc    string
	Default Value
}

// MappingTag asks for an additional virtual mapping.
type MappingTag struct {
	Virt  uint64
	Phys  uint64
	Size  uint64
	Cache uint32
}

// VideoTag lists the video mode types the kernel supports and its preferred
// framebuffer mode.
type VideoTag struct {
	Types  uint32
	Width  uint32
	Height uint32
	BPP    uint8
}

// ImageTags is everything the kernel declared about itself.
type ImageTags struct {
	Image    *ImageTag
	Load     *LoadTag
	Video    *VideoTag
	Options  []OptionTag
	Mappings []MappingTag
}

// parseNotes calls fn for each note in buf named "KBoot". A note running past
// the end of buf is a malformed image.
func parseNotes(buf []byte, fn func(typ uint32, desc []byte) error) error {
	le := binary.LittleEndian
	var off uint64
	size := uint64(len(buf))
	for off < size {
		if off+12 > size {
			return fmt.Errorf("%w: truncated note header at %#x", ErrMalformedImage, off)
		}
		nameSize := uint64(le.Uint32(buf[off:]))
		descSize := uint64(le.Uint32(buf[off+4:]))
		typ := le.Uint32(buf[off+8:])
		off += 12

		nameOff := off
		off += align4(nameSize)
		if off > size {
			return fmt.Errorf("%w: note name runs past segment end", ErrMalformedImage)
		}
		descOff := off
		off += align4(descSize)
		if off > size || descOff+descSize > size {
			return fmt.Errorf("%w: note data runs past segment end", ErrMalformedImage)
		}

		name := buf[nameOff : nameOff+nameSize]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if string(name) != noteName {
			continue
		}
		if err := fn(typ, buf[descOff:descOff+descSize]); err != nil {
			return err
		}
	}
	return nil
}

func align4(v uint64) uint64 { return (v + 3) &^ 3 }

// add records one image tag.
func (t *ImageTags) add(typ uint32, desc []byte) error {
	le := binary.LittleEndian

	var want int
	switch typ {
	case ITagImage:
		want = imageTagSize
	case ITagLoad:
		want = loadTagSize
	case ITagOption:
		want = optionTagSize
	case ITagMapping:
		want = mappingTagSize
	case ITagVideo:
		want = videoTagSize
	default:
		return bootfail.Validation("unrecognized image tag type %d", typ)
	}
	if len(desc) < want {
		return bootfail.Validation("undersized image tag type %d (%d bytes)", typ, len(desc))
	}

	switch typ {
	case ITagImage:
		if t.Image != nil {
			return bootfail.Validation("multiple image tags of type %d", typ)
		}
		t.Image = &ImageTag{Version: le.Uint32(desc[0:]), Flags: le.Uint32(desc[4:])}
	case ITagLoad:
		if t.Load != nil {
			return bootfail.Validation("multiple image tags of type %d", typ)
		}
		t.Load = &LoadTag{
			Flags:        le.Uint32(desc[0:]),
			Alignment:    le.Uint64(desc[8:]),
			MinAlignment: le.Uint64(desc[16:]),
			VirtMapBase:  le.Uint64(desc[24:]),
			VirtMapSize:  le.Uint64(desc[32:]),
		}
	case ITagVideo:
		if t.Video != nil {
			return bootfail.Validation("multiple image tags of type %d", typ)
		}
		t.Video = &VideoTag{
			Types:  le.Uint32(desc[0:]),
			Width:  le.Uint32(desc[4:]),
			Height: le.Uint32(desc[8:]),
			BPP:    desc[12],
		}
	case ITagMapping:
		t.Mappings = append(t.Mappings, MappingTag{
			Virt:  le.Uint64(desc[0:]),
			Phys:  le.Uint64(desc[8:]),
			Size:  le.Uint64(desc[16:]),
			Cache: le.Uint32(desc[24:]),
		})
	case ITagOption:
		opt, err := parseOption(desc)
		if err != nil {
			return err
		}
		t.Options = append(t.Options, opt)
	}
	return nil
}

// parseOption decodes an option tag: {type u8, pad, name_size, desc_size,
// default_size} followed by the three values back to back.
func parseOption(desc []byte) (OptionTag, error) {
	le := binary.LittleEndian
	typ := tags.OptionType(desc[0])
	nameSize := uint64(le.Uint32(desc[4:]))
	descSize := uint64(le.Uint32(desc[8:]))
	defSize := uint64(le.Uint32(desc[12:]))
	if optionTagSize+nameSize+descSize+defSize > uint64(len(desc)) {
		return OptionTag{}, fmt.Errorf("%w: option tag strings run past tag end", ErrMalformedImage)
	}

	off := uint64(optionTagSize)
	name := cstr(desc[off : off+nameSize])
	off += nameSize
	description := cstr(desc[off : off+descSize])
	off += descSize
	def := desc[off : off+defSize]

	opt := OptionTag{Name: name, Desc: description}
	switch typ {
	case tags.OptionBoolean:
		if len(def) < 1 {
			return OptionTag{}, bootfail.Validation("option '%s' has no default value", name)
		}
		opt.Default = BoolValue(def[0] != 0)
	case tags.OptionString:
		opt.Default = StringValue(cstr(def))
	case tags.OptionInteger:
		if len(def) < 8 {
			return OptionTag{}, bootfail.Validation("option '%s' has no default value", name)
		}
		opt.Default = IntegerValue(le.Uint64(def))
	default:
		return OptionTag{}, bootfail.Validation("invalid option type %d ('%s')", uint8(typ), name)
	}
	return opt, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
