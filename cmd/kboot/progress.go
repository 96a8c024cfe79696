package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/kboot/internal/fs"
)

// progressHandle reports the bytes read through a handle on a progress bar.
type progressHandle struct {
	fs.Handle
	bar *progressbar.ProgressBar
}

func (h *progressHandle) ReadAt(p []byte, off int64) (int, error) {
	n, err := h.Handle.ReadAt(p, off)
	// Headers are read more than once, so the count may pass the size.
	_ = h.bar.Add64(int64(n))
	return n, err
}

func (h *progressHandle) Close() error {
	h.bar.Close()
	return fs.Close(h.Handle)
}

func withProgress(h fs.Handle) fs.Handle {
	bar := progressbar.DefaultBytes(h.Size(), fmt.Sprintf("read %s", h.Name()))
	return &progressHandle{Handle: h, bar: bar}
}

func openFile(path string, progress bool) (fs.Handle, error) {
	h, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	if !progress {
		return h, nil
	}
	return withProgress(h), nil
}
