// Package fs provides the file handles the loader reads kernels and modules
// through.
package fs

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Handle is an open file. Reads never modify a shared offset.
type Handle interface {
	io.ReaderAt
	Size() int64
	Name() string
}

// ErrIsDirectory is returned by Open for a directory.
var ErrIsDirectory = errors.New("is a directory")

type fileHandle struct {
	f    *os.File
	name string
	size int64
}

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error) { return h.f.ReadAt(p, off) }
func (h *fileHandle) Size() int64                              { return h.size }
func (h *fileHandle) Name() string                             { return h.name }
func (h *fileHandle) Close() error                             { return h.f.Close() }

type memHandle struct {
	*bytes.Reader
	name string
}

func (h *memHandle) Name() string { return h.name }
func (h *memHandle) Close() error { return nil }

// NewMemHandle wraps an in-memory image.
func NewMemHandle(name string, data []byte) Handle {
	return &memHandle{Reader: bytes.NewReader(data), name: name}
}

// Open opens a file for reading. Gzip compressed files are decompressed into
// memory so that callers always see the uncompressed contents.
func Open(path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, ErrIsDirectory)
	}

	name := filepath.Base(path)
	var magic [2]byte
	if n, _ := f.ReadAt(magic[:], 0); n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		defer f.Close()
		data, err := decompressGzip(f)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
		return NewMemHandle(name, data), nil
	}

	return &fileHandle{f: f, name: name, size: info.Size()}, nil
}

// Close releases a handle returned by Open.
func Close(h Handle) error {
	if c, ok := h.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func decompressGzip(r io.Reader) ([]byte, error) {
	reader, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// ReadFull reads exactly len(p) bytes at off. A short file is reported as
// io.ErrUnexpectedEOF.
func ReadFull(h Handle, p []byte, off int64) error {
	n, err := h.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ListDir returns the paths of the regular files in dir, sorted by name.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
