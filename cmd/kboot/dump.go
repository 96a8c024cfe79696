package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/kboot/internal/kboot/tags"
)

const (
	typeColumn   = 12
	offsetColumn = 8
	detailWidth  = 96
)

var (
	typeStyle  = ansi.Style{}.Bold().ForegroundColor(ansi.Cyan)
	faintStyle = ansi.Style{}.Faint()
)

// dumpTags prints one line per tag in buf.
func dumpTags(w io.Writer, buf []byte, color bool) error {
	return tags.Walk(buf, func(rec tags.Record) error {
		detail, err := describe(rec)
		if err != nil {
			return err
		}
		name := rec.Type.String()
		offset := fmt.Sprintf("+%#x", rec.Offset)
		if color {
			name = typeStyle.Styled(name)
			offset = faintStyle.Styled(offset)
		}
		_, err = fmt.Fprintf(w, "%s %s %s\n",
			pad(name, typeColumn),
			pad(offset, offsetColumn),
			ansi.Truncate(detail, detailWidth, "…"))
		return err
	})
}

// pad fills s to width display cells. Escape sequences take no space.
func pad(s string, width int) string {
	if n := ansi.StringWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func hexRange(start, size uint64) string {
	return fmt.Sprintf("%#x-%#x", start, start+size)
}

func describe(rec tags.Record) (string, error) {
	switch rec.Type {
	case tags.TypeCore:
		c, err := tags.DecodeCore(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("tags %s kernel %#x stack %#x (phys %s)",
			hexRange(c.TagsPhys, uint64(c.TagsSize)), c.KernelPhys, c.StackBase,
			hexRange(c.StackPhys, uint64(c.StackSize))), nil
	case tags.TypeOption:
		o, err := tags.DecodeOption(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", o.Name, formatOption(o)), nil
	case tags.TypeMemory:
		m, err := tags.DecodeMemory(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s", hexRange(m.Start, m.Size), m.Type), nil
	case tags.TypeVmem:
		v, err := tags.DecodeVmem(rec)
		if err != nil {
			return "", err
		}
		phys := "none"
		if v.Phys != tags.NoPhys {
			phys = fmt.Sprintf("%#x", v.Phys)
		}
		return fmt.Sprintf("%s -> %s", hexRange(v.Start, v.Size), phys), nil
	case tags.TypePageTables:
		p, err := tags.DecodePageTables(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("root %#x mapping %#x", p.Root, p.Mapping), nil
	case tags.TypeModule:
		m, err := tags.DecodeModule(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s", m.Name, hexRange(m.Addr, uint64(m.Size))), nil
	case tags.TypeVideo:
		return describeVideo(rec)
	case tags.TypeBootdev:
		d, err := tags.DecodeBootdev(rec)
		if err != nil {
			return "", err
		}
		return describeBootdev(d), nil
	case tags.TypeSections:
		s, err := tags.DecodeSections(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d sections of %d bytes, strings in %d", s.Num, s.EntSize, s.ShStrNdx), nil
	default:
		return fmt.Sprintf("%d bytes", rec.Size), nil
	}
}

func formatOption(o tags.Option) string {
	switch o.Type {
	case tags.OptionBoolean:
		if len(o.Value) > 0 && o.Value[0] != 0 {
			return "true"
		}
		return "false"
	case tags.OptionInteger:
		if len(o.Value) < 8 {
			return "?"
		}
		return fmt.Sprintf("%d", binary.LittleEndian.Uint64(o.Value))
	default:
		return fmt.Sprintf("%q", strings.TrimRight(string(o.Value), "\x00"))
	}
}

func describeVideo(rec tags.Record) (string, error) {
	typ, err := tags.VideoType(rec)
	if err != nil {
		return "", err
	}
	switch typ {
	case tags.VideoVGA:
		v, err := tags.DecodeVGA(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("vga %dx%d cursor %d,%d mem %#x", v.Cols, v.Lines, v.X, v.Y, v.MemVirt), nil
	case tags.VideoLFB:
		f, err := tags.DecodeLFB(rec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("lfb %dx%dx%d pitch %d fb %#x (phys %s)",
			f.Width, f.Height, f.BPP, f.Pitch, f.FBVirt, hexRange(f.FBPhys, uint64(f.FBSize))), nil
	default:
		return fmt.Sprintf("video type %d", typ), nil
	}
}

func describeBootdev(d tags.Bootdev) string {
	switch d.Type {
	case tags.BootdevFS:
		return "fs " + d.UUID
	case tags.BootdevNet:
		s := fmt.Sprintf("net server %s:%d", d.ServerIP, d.ServerPort)
		if d.ClientIP.IsValid() {
			s += fmt.Sprintf(" client %s", d.ClientIP)
		}
		return s
	case tags.BootdevOther:
		return "other " + d.Other
	default:
		return "none"
	}
}
