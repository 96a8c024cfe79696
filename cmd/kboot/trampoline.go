package main

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/kboot/internal/kboot"
	"github.com/tinyrange/kboot/internal/multiboot"
)

// logTrampoline stands in for the platform's entry code. The guest memory
// image is complete when Enter is called; it reports the register state the
// kernel would be entered with.
type logTrampoline struct {
	log *slog.Logger
}

func (t *logTrampoline) Enter(args kboot.EntryArgs) error {
	roots := make([]string, len(args.KernelRoots))
	for i, r := range args.KernelRoots {
		roots[i] = fmt.Sprintf("%#x", uint64(r))
	}
	t.log.Info("kernel ready",
		"mode", int(args.Mode),
		"entry", fmt.Sprintf("%#x", args.Entry),
		"tags", fmt.Sprintf("%#x", args.TagsVirt),
		"tags_phys", fmt.Sprintf("%#x", uint64(args.TagsPhys)),
		"stack", fmt.Sprintf("%#x", args.StackPointer),
		"roots", roots,
		"trampoline", fmt.Sprintf("%#x", args.TrampolineVirt),
		"magic", fmt.Sprintf("%#x", args.Magic))
	return nil
}

type multibootTrampoline struct {
	log *slog.Logger
}

func (t *multibootTrampoline) Enter(args multiboot.EntryArgs) error {
	t.log.Info("kernel ready",
		"entry", fmt.Sprintf("%#x", args.Entry),
		"eax", fmt.Sprintf("%#x", args.Magic),
		"ebx", fmt.Sprintf("%#x", args.Info))
	return nil
}
