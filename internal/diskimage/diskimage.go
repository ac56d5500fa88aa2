// Package diskimage provides the raw disk-image backing store for the
// virtio-blk device. Disk-image format detection (raw vs. qcow) is an
// out-of-scope collaborator (spec §1); this package implements only the raw
// reader/writer virtio.BlkImage needs.
package diskimage

import (
	"fmt"
	"os"
)

// Image is a raw disk image backed by an *os.File.
type Image struct {
	f    *os.File
	size int64
}

// Open opens path for the virtio-blk back-end. readOnly maps to O_RDONLY so
// an accidental write from a misconfigured guest fails fast rather than
// corrupting the host file.
func Open(path string, readOnly bool) (*Image, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskimage: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("diskimage: stat %s: %w", path, err)
	}

	if fi.Size()%512 != 0 {
		f.Close()

		return nil, fmt.Errorf("diskimage: %s size %d is not a multiple of 512", path, fi.Size())
	}

	return &Image{f: f, size: fi.Size()}, nil
}

func (i *Image) ReadAt(p []byte, off int64) (int, error)  { return i.f.ReadAt(p, off) }
func (i *Image) WriteAt(p []byte, off int64) (int, error) { return i.f.WriteAt(p, off) }
func (i *Image) Sync() error                              { return i.f.Sync() }
func (i *Image) Size() int64                              { return i.size }
func (i *Image) Close() error                              { return i.f.Close() }

