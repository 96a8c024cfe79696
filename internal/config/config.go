// Package config reads the loader's YAML configuration: the machine to build
// for, the boot devices and video modes it offers, and the boot entries.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyrange/kboot/internal/fs"
	"github.com/tinyrange/kboot/internal/kboot"
	"github.com/tinyrange/kboot/internal/kboot/tags"
	"github.com/tinyrange/kboot/internal/mmu"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "kboot.yaml"
	DefaultMemoryMB = 256

	KindKBoot     = "kboot"
	KindMultiboot = "multiboot"
)

// Config is the top level of a configuration file.
type Config struct {
	Version int    `yaml:"version"`
	Arch    string `yaml:"arch,omitempty"`

	Memory MemoryConfig `yaml:"memory"`

	// LargePages and LongMode override the detected CPU capabilities.
	LargePages *bool `yaml:"largePages,omitempty"`
	LongMode   *bool `yaml:"longMode,omitempty"`

	Devices    map[string]Device `yaml:"devices,omitempty"`
	BootDevice string            `yaml:"bootDevice,omitempty"`
	Video      []VideoMode       `yaml:"video,omitempty"`

	// Default names the entry booted first. Empty means the first entry.
	Default string  `yaml:"default,omitempty"`
	Entries []Entry `yaml:"entries"`

	dir string
}

type MemoryConfig struct {
	BaseMB uint64 `yaml:"baseMB,omitempty"`
	SizeMB uint64 `yaml:"sizeMB,omitempty"`
}

// Device describes a boot device. Exactly one of UUID, Other and Net is set.
type Device struct {
	UUID  string     `yaml:"uuid,omitempty"`
	Other string     `yaml:"other,omitempty"`
	Net   *NetDevice `yaml:"net,omitempty"`
}

type NetDevice struct {
	Server  string `yaml:"server"`
	Port    uint16 `yaml:"port,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`
	Client  string `yaml:"client,omitempty"`
	MAC     string `yaml:"mac,omitempty"`
}

// VideoMode is a display mode offered to kernels.
type VideoMode struct {
	Type        string `yaml:"type"`
	Width       uint32 `yaml:"width"`
	Height      uint32 `yaml:"height"`
	BPP         uint8  `yaml:"bpp,omitempty"`
	Pitch       uint32 `yaml:"pitch,omitempty"`
	Framebuffer uint64 `yaml:"framebuffer,omitempty"`
}

// Entry is one bootable kernel.
type Entry struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind,omitempty"`
	Kernel string `yaml:"kernel"`

	Modules   []string `yaml:"modules,omitempty"`
	ModuleDir string   `yaml:"moduleDir,omitempty"`

	// KBoot entries.
	Options    map[string]any `yaml:"options,omitempty"`
	RootDevice string         `yaml:"rootDevice,omitempty"`

	// Multiboot entries.
	Cmdline string `yaml:"cmdline,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Arch == "" {
		c.Arch = runtime.GOARCH
	}
	if c.Memory.SizeMB == 0 {
		c.Memory.SizeMB = DefaultMemoryMB
	}
	for i := range c.Entries {
		e := &c.Entries[i]
		if e.Kind == "" {
			e.Kind = KindKBoot
		}
		if e.Name == "" {
			e.Name = filepath.Base(e.Kernel)
		}
	}
	for i := range c.Video {
		v := &c.Video[i]
		if v.Type == "lfb" && v.Pitch == 0 {
			v.Pitch = v.Width * uint32((v.BPP+7)/8)
		}
	}
}

// Validate checks the configuration for consistency. Paths are not checked.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if _, err := c.MMUArch(); err != nil {
		return err
	}
	if (c.Memory.BaseMB+c.Memory.SizeMB)<<20 > 1<<32 {
		return fmt.Errorf("memory %d MiB at %d MiB extends above 4 GiB", c.Memory.SizeMB, c.Memory.BaseMB)
	}

	for name, dev := range c.Devices {
		if _, err := dev.bootdev(); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}
	if c.BootDevice != "" {
		if _, ok := c.Devices[c.BootDevice]; !ok {
			return fmt.Errorf("boot device %q is not defined", c.BootDevice)
		}
	}

	for i, v := range c.Video {
		if _, err := v.mode(); err != nil {
			return fmt.Errorf("video mode %d: %w", i, err)
		}
	}

	if len(c.Entries) == 0 {
		return errors.New("no boot entries")
	}
	for i := range c.Entries {
		if err := c.Entries[i].validate(); err != nil {
			return fmt.Errorf("entry %d (%s): %w", i, c.Entries[i].Name, err)
		}
	}
	if c.Default != "" && c.entryIndex(c.Default) < 0 {
		return fmt.Errorf("default entry %q not found", c.Default)
	}
	return nil
}

func (e *Entry) validate() error {
	if e.Kernel == "" {
		return errors.New("missing kernel")
	}
	if len(e.Modules) > 0 && e.ModuleDir != "" {
		return errors.New("modules and moduleDir are mutually exclusive")
	}
	switch e.Kind {
	case KindKBoot:
		if e.Cmdline != "" {
			return errors.New("cmdline is only valid for multiboot entries")
		}
		if _, err := e.Env(); err != nil {
			return err
		}
	case KindMultiboot:
		if len(e.Options) > 0 || e.RootDevice != "" {
			return errors.New("options and rootDevice are only valid for kboot entries")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Parse decodes a configuration, applies defaults and validates it. Relative
// paths in entries are resolved against dir.
func Parse(data []byte, dir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.dir = dir
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// MMUArch returns the target architecture.
func (c *Config) MMUArch() (mmu.Arch, error) {
	switch c.Arch {
	case "x86", "amd64", "386", "ia32":
		return mmu.ArchX86, nil
	case "arm64", "aarch64":
		return mmu.ArchARM64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture %q", c.Arch)
	}
}

// Capabilities applies the configured overrides to detected.
func (c *Config) Capabilities(detected mmu.Capabilities) mmu.Capabilities {
	caps := detected
	if c.LargePages != nil {
		caps.LargePages32 = *c.LargePages
	}
	if c.LongMode != nil {
		caps.LongMode = *c.LongMode
	}
	return caps
}

// MemoryRange returns the guest physical memory base and size in bytes.
func (c *Config) MemoryRange() (uint64, uint64) {
	return c.Memory.BaseMB << 20, c.Memory.SizeMB << 20
}

func (c *Config) entryIndex(name string) int {
	for i := range c.Entries {
		if c.Entries[i].Name == name {
			return i
		}
	}
	return -1
}

// Order returns the entries in boot order: the default entry followed by
// the rest in file order.
func (c *Config) Order() []*Entry {
	first := 0
	if c.Default != "" {
		first = c.entryIndex(c.Default)
	}
	order := []*Entry{&c.Entries[first]}
	for i := range c.Entries {
		if i != first {
			order = append(order, &c.Entries[i])
		}
	}
	return order
}

// Path resolves a path from the configuration file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// ModulePaths returns the entry's module files, listing ModuleDir if set.
func (c *Config) ModulePaths(e *Entry) ([]string, error) {
	if e.ModuleDir == "" {
		paths := make([]string, len(e.Modules))
		for i, m := range e.Modules {
			paths[i] = c.Path(m)
		}
		return paths, nil
	}

	paths, err := fs.ListDir(c.Path(e.ModuleDir))
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	return paths, nil
}

// BootDevices returns the named devices and the default boot device.
func (c *Config) BootDevices() (map[string]tags.Bootdev, tags.Bootdev, error) {
	devs := make(map[string]tags.Bootdev, len(c.Devices))
	for name, d := range c.Devices {
		bd, err := d.bootdev()
		if err != nil {
			return nil, tags.Bootdev{}, fmt.Errorf("device %q: %w", name, err)
		}
		devs[name] = bd
	}
	if c.BootDevice == "" {
		return devs, tags.Bootdev{Type: tags.BootdevNone}, nil
	}
	return devs, devs[c.BootDevice], nil
}

func (d Device) bootdev() (tags.Bootdev, error) {
	set := 0
	for _, ok := range []bool{d.UUID != "", d.Other != "", d.Net != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return tags.Bootdev{}, errors.New("exactly one of uuid, other and net must be set")
	}

	switch {
	case d.UUID != "":
		return tags.Bootdev{Type: tags.BootdevFS, UUID: d.UUID}, nil
	case d.Other != "":
		return tags.Bootdev{Type: tags.BootdevOther, Other: d.Other}, nil
	}

	n := d.Net
	bd := tags.Bootdev{Type: tags.BootdevNet, ServerPort: n.Port}
	var err error
	if bd.ServerIP, err = netip.ParseAddr(n.Server); err != nil {
		return tags.Bootdev{}, fmt.Errorf("server: %w", err)
	}
	if n.Gateway != "" {
		if bd.GatewayIP, err = netip.ParseAddr(n.Gateway); err != nil {
			return tags.Bootdev{}, fmt.Errorf("gateway: %w", err)
		}
	}
	if n.Client != "" {
		if bd.ClientIP, err = netip.ParseAddr(n.Client); err != nil {
			return tags.Bootdev{}, fmt.Errorf("client: %w", err)
		}
	}
	if bd.ServerIP.Is6() {
		bd.Flags |= tags.NetIPv6
	}
	if n.MAC != "" {
		mac, err := net.ParseMAC(n.MAC)
		if err != nil {
			return tags.Bootdev{}, fmt.Errorf("mac: %w", err)
		}
		bd.ClientMAC = mac
		// Ethernet.
		bd.HWType = 1
	}
	return bd, nil
}

// VideoModes returns the configured display modes.
func (c *Config) VideoModes() []kboot.VideoMode {
	modes := make([]kboot.VideoMode, 0, len(c.Video))
	for _, v := range c.Video {
		m, err := v.mode()
		if err != nil {
			continue
		}
		modes = append(modes, m)
	}
	return modes
}

func (v VideoMode) mode() (kboot.VideoMode, error) {
	switch v.Type {
	case "vga":
		if v.Width == 0 || v.Height == 0 {
			return kboot.VideoMode{}, errors.New("vga mode needs columns and lines")
		}
		fb := v.Framebuffer
		if fb == 0 {
			fb = 0xb8000
		}
		return kboot.VideoMode{
			Type:    tags.VideoVGA,
			Width:   v.Width,
			Height:  v.Height,
			MemPhys: fb,
			MemSize: uint64(v.Width) * uint64(v.Height) * 2,
		}, nil
	case "lfb":
		if v.Width == 0 || v.Height == 0 || v.BPP == 0 {
			return kboot.VideoMode{}, errors.New("lfb mode needs width, height and bpp")
		}
		if v.Framebuffer == 0 {
			return kboot.VideoMode{}, errors.New("lfb mode needs a framebuffer address")
		}
		m := kboot.VideoMode{
			Type:    tags.VideoLFB,
			Width:   v.Width,
			Height:  v.Height,
			BPP:     v.BPP,
			Pitch:   v.Pitch,
			MemPhys: v.Framebuffer,
			MemSize: uint64(v.Pitch) * uint64(v.Height),
		}
		if v.BPP >= 24 {
			m.RedSize, m.RedPos = 8, 16
			m.GreenSize, m.GreenPos = 8, 8
			m.BlueSize, m.BluePos = 8, 0
		} else {
			m.RedSize, m.RedPos = 5, 11
			m.GreenSize, m.GreenPos = 6, 5
			m.BlueSize, m.BluePos = 5, 0
		}
		return m, nil
	default:
		return kboot.VideoMode{}, fmt.Errorf("unknown video mode type %q", v.Type)
	}
}

// Env converts the entry's option values.
func (e *Entry) Env() (kboot.Env, error) {
	env := make(kboot.Env, len(e.Options))
	for name, raw := range e.Options {
		switch v := raw.(type) {
		case bool:
			env[name] = kboot.BoolValue(v)
		case string:
			env[name] = kboot.StringValue(v)
		case int:
			if v < 0 {
				return nil, fmt.Errorf("option %q: negative integer %d", name, v)
			}
			env[name] = kboot.IntegerValue(uint64(v))
		case uint64:
			env[name] = kboot.IntegerValue(v)
		default:
			return nil, fmt.Errorf("option %q: unsupported value %v", name, raw)
		}
	}
	return env, nil
}
