package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/kboot/internal/fs"
	"github.com/tinyrange/kboot/internal/kboot/tags"
	"github.com/tinyrange/kboot/internal/memory"
)

func buildList(t *testing.T) []byte {
	t.Helper()
	arena, err := memory.NewArena(0, 1<<20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	l, err := tags.New(arena)
	if err != nil {
		t.Fatalf("tags.New: %v", err)
	}
	l.AddOption(tags.Option{Type: tags.OptionString, Name: "root", Value: []byte("hd0\x00")})
	l.AddModule(tags.Module{Addr: 0x200000, Size: 0x1000, Name: "initrd"})
	l.AddBootdev(tags.Bootdev{Type: tags.BootdevOther, Other: "cdrom"})
	l.AddVmem(tags.Vmem{Start: 0x1000, Size: 0x1000, Phys: tags.NoPhys})
	l.AddMemory(tags.Memory{Start: 0x100000, Size: 0x2000, Type: memory.TypeAllocated})
	l.Seal()
	return l.Bytes()
}

func TestDumpTags(t *testing.T) {
	var out bytes.Buffer
	if err := dumpTags(&out, buildList(t), false); err != nil {
		t.Fatalf("dumpTags: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{"core", "option", "module", "bootdev", "vmem", "memory"}
	if len(lines) != len(want) {
		t.Fatalf("dump has %d lines, want %d:\n%s", len(lines), len(want), out.String())
	}
	for i, name := range want {
		if !strings.HasPrefix(lines[i], name) {
			t.Fatalf("line %d = %q, want %s tag", i, lines[i], name)
		}
	}
	for _, s := range []string{`root = "hd0"`, "initrd 0x200000-0x201000", "other cdrom", "0x1000-0x2000 -> none"} {
		if !strings.Contains(out.String(), s) {
			t.Fatalf("dump missing %q:\n%s", s, out.String())
		}
	}
}

func TestDumpTagsColorKeepsColumns(t *testing.T) {
	buf := buildList(t)
	var plain, colored bytes.Buffer
	if err := dumpTags(&plain, buf, false); err != nil {
		t.Fatalf("dumpTags: %v", err)
	}
	if err := dumpTags(&colored, buf, true); err != nil {
		t.Fatalf("dumpTags: %v", err)
	}
	if colored.String() == plain.String() {
		t.Fatalf("colored dump has no styling")
	}
	if got := ansi.Strip(colored.String()); got != plain.String() {
		t.Fatalf("stripped colored dump differs:\n%s\nwant:\n%s", got, plain.String())
	}
}

func TestPad(t *testing.T) {
	styled := typeStyle.Styled("core")
	if got := ansi.StringWidth(pad(styled, typeColumn)); got != typeColumn {
		t.Fatalf("padded width = %d, want %d", got, typeColumn)
	}
	if got := pad("a-very-long-name", 4); got != "a-very-long-name" {
		t.Fatalf("pad truncated: %q", got)
	}
}

func TestProgressHandleReads(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 4096)
	h := withProgress(fs.NewMemHandle("kernel", data))
	defer fs.Close(h)

	buf := make([]byte, 100)
	if err := fs.ReadFull(h, buf, 10); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, data[:100]) {
		t.Fatalf("read data mismatch")
	}
	if h.Name() != "kernel" || h.Size() != 4096 {
		t.Fatalf("Name, Size = %q, %d", h.Name(), h.Size())
	}
}
