package mmu

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Capabilities describes the CPU the kernel will run on. It is detected once
// per boot attempt and passed to New by value.
type Capabilities struct {
	// LargePages32 reports PSE support, allowing 4 MiB pages in 32-bit
	// tables.
	LargePages32 bool
	// LongMode reports that the CPU can run 64-bit x86 kernels.
	LongMode bool
}

// DetectCapabilities probes the host CPU. Detection has no side effects and
// may be repeated; every call returns the same value.
func DetectCapabilities() Capabilities {
	switch runtime.GOARCH {
	case "amd64":
		// Every CPU with SSE2 also has PSE.
		return Capabilities{LargePages32: cpu.X86.HasSSE2, LongMode: true}
	case "386":
		return Capabilities{LargePages32: cpu.X86.HasSSE2}
	default:
		return Capabilities{}
	}
}
