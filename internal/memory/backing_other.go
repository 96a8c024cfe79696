//go:build !unix

package memory

func allocBacking(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
