//go:build unix

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func allocBacking(size uint64) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap arena backing (%d bytes): %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
