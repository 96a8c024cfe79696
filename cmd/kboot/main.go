package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/kboot/internal/config"
	"github.com/tinyrange/kboot/internal/fs"
	"github.com/tinyrange/kboot/internal/kboot"
	"github.com/tinyrange/kboot/internal/memory"
	"github.com/tinyrange/kboot/internal/mmu"
	"github.com/tinyrange/kboot/internal/multiboot"
	"github.com/tinyrange/kboot/internal/timeslice"
	"golang.org/x/term"
)

// The loader's own image occupies this low memory range while it runs.
const (
	loaderImageBase memory.PhysAddr = 0x10000
	loaderImageSize                 = 0x10000
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kboot: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	dump     bool
	progress bool
	trace    *timeslice.Trace
}

func run() error {
	configPath := flag.String("config", config.DefaultFilename, "Path to the boot configuration")
	entryName := flag.String("entry", "", "Boot this entry first instead of the configured default")
	debug := flag.Bool("debug", false, "Enable debug logging")
	dump := flag.Bool("dump", false, "Print the tag list of a loaded KBoot kernel")
	noProgress := flag.Bool("no-progress", false, "Do not show read progress")
	timing := flag.String("timing", "", "Write a trace of loading phase durations to this file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Load the kernels listed in a boot configuration into a guest memory image.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *entryName != "" {
		cfg.Default = *entryName
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	opts := options{
		dump:     *dump,
		progress: !*noProgress && term.IsTerminal(int(os.Stderr.Fd())),
	}
	if *timing != "" {
		opts.trace = timeslice.New()
		defer writeTrace(*timing, opts.trace)
	}

	var errs []error
	for _, entry := range cfg.Order() {
		slog.Info("booting entry", "name", entry.Name, "kind", entry.Kind)
		err := boot(cfg, entry, opts)
		if err == nil {
			return nil
		}
		// Invariant violations panic and never reach here. Everything else
		// moves on to the next entry.
		slog.Warn("boot entry failed", "name", entry.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
	}
	return fmt.Errorf("no entry could be booted: %w", errors.Join(errs...))
}

func boot(cfg *config.Config, entry *config.Entry, opts options) error {
	opts.trace.Reset()
	arena, err := newGuestMemory(cfg)
	if err != nil {
		return err
	}
	defer arena.Close()

	kernel, err := openFile(cfg.Path(entry.Kernel), opts.progress)
	if err != nil {
		return err
	}
	defer fs.Close(kernel)

	paths, err := cfg.ModulePaths(entry)
	if err != nil {
		return err
	}
	var handles []fs.Handle
	defer func() {
		for _, h := range handles {
			fs.Close(h)
		}
	}()
	for _, p := range paths {
		h, err := openFile(p, opts.progress)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	opts.trace.Mark("open")

	switch entry.Kind {
	case config.KindMultiboot:
		return bootMultiboot(arena, kernel, handles, entry, opts)
	default:
		return bootKBoot(cfg, arena, kernel, handles, entry, opts)
	}
}

// newGuestMemory creates the arena for one boot attempt with the loader's
// own image protected.
func newGuestMemory(cfg *config.Config) (*memory.Arena, error) {
	base, size := cfg.MemoryRange()
	arena, err := memory.NewArena(memory.PhysAddr(base), size)
	if err != nil {
		return nil, fmt.Errorf("create guest memory: %w", err)
	}
	// Nothing may be loaded over the loader until the kernel is entered.
	arena.Protect(loaderImageBase, loaderImageSize)
	return arena, nil
}

func bootKBoot(cfg *config.Config, arena *memory.Arena, kernel fs.Handle, modules []fs.Handle, entry *config.Entry, opts options) error {
	arch, err := cfg.MMUArch()
	if err != nil {
		return err
	}
	env, err := entry.Env()
	if err != nil {
		return err
	}
	devices, bootDevice, err := cfg.BootDevices()
	if err != nil {
		return err
	}

	mods := make([]kboot.Module, len(modules))
	for i, h := range modules {
		mods[i] = kboot.Module{Name: h.Name(), Handle: h}
	}

	l, err := kboot.New(kernel, kboot.Options{
		Arch:       arch,
		Caps:       cfg.Capabilities(mmu.DetectCapabilities()),
		Env:        env,
		Modules:    mods,
		RootDevice: entry.RootDevice,
		Devices:    devices,
		BootDevice: bootDevice,
		VideoModes: cfg.VideoModes(),
		LoaderBase: loaderImageBase,
		LoaderSize: loaderImageSize,
		Logger:     slog.Default(),
		Trace:      opts.trace,
	})
	if err != nil {
		return err
	}
	res, err := l.Load(arena)
	if err != nil {
		return err
	}

	if opts.dump {
		if err := dumpTags(os.Stdout, res.Tags.Bytes(), term.IsTerminal(int(os.Stdout.Fd()))); err != nil {
			return fmt.Errorf("dump tags: %w", err)
		}
	}
	return res.Enter(&logTrampoline{log: slog.Default()})
}

func bootMultiboot(arena *memory.Arena, kernel fs.Handle, modules []fs.Handle, entry *config.Entry, opts options) error {
	mods := make([]multiboot.Module, len(modules))
	for i, h := range modules {
		mods[i] = multiboot.Module{Name: h.Name(), Handle: h}
	}

	res, err := multiboot.Load(kernel, arena, multiboot.Options{
		Cmdline: entry.Cmdline,
		Modules: mods,
		Logger:  slog.Default(),
		Trace:   opts.trace,
	})
	if err != nil {
		return err
	}
	return res.Enter(&multibootTrampoline{log: slog.Default()})
}

func writeTrace(path string, trace *timeslice.Trace) {
	for _, s := range trace.Summaries() {
		slog.Debug("phase timing", "phase", s.Name, "count", s.Count, "total", s.Sum)
	}
	f, err := os.Create(path)
	if err != nil {
		slog.Warn("write timing trace", "error", err)
		return
	}
	defer f.Close()
	if _, err := trace.WriteTo(f); err != nil {
		slog.Warn("write timing trace", "error", err)
	}
}
