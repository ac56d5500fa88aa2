// Package guestmem owns the single host-mapped region that backs guest
// physical RAM (spec §3 "Guest memory region", §4.1 component C1) and
// translates guest-physical addresses to host-virtual views.
package guestmem

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a guest physical address or pfn falls
// outside the region.
var ErrOutOfRange = errors.New("guest physical address out of range")

// PageSize is the guest page size used for pfn<->gpa conversion.
const PageSize = 1 << 12

// Region is a single contiguous host buffer backing guest physical RAM
// [0, Size). It never grows or moves after New returns.
type Region struct {
	mem []byte
}

// New wraps an existing host mapping (allocated by the caller via
// kvm.MapGuestRAM, so the hardware virtualizer and this package see the
// exact same bytes) as a guest memory region.
func New(mem []byte) *Region {
	return &Region{mem: mem}
}

// Size returns R, the region size in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.mem)) }

// Bytes returns the raw backing slice. Used only at VM-setup time to hand
// the base address to KVM_SET_USER_MEMORY_REGION and to load the kernel
// image/initrd/boot params — not for guest-address-indexed access, which
// must go through Translate/View.
func (r *Region) Bytes() []byte { return r.mem }

// Translate returns a length-bounded view of guest memory starting at gpa.
// The returned slice is clamped so it never extends past the end of the
// region; it is a live view over the backing array, not a copy.
func (r *Region) Translate(gpa uint64, length uint64) ([]byte, error) {
	if gpa >= uint64(len(r.mem)) {
		return nil, fmt.Errorf("gpa %#x: %w", gpa, ErrOutOfRange)
	}

	end := gpa + length
	if end < gpa || end > uint64(len(r.mem)) {
		end = uint64(len(r.mem))
	}

	return r.mem[gpa:end], nil
}

// TranslatePFN is Translate(pfn<<12, length). The shift is done in 64 bits
// throughout so a pfn near the top of a 32-bit range never truncates (spec
// §9 redesign note).
func (r *Region) TranslatePFN(pfn uint64, length uint64) ([]byte, error) {
	return r.Translate(pfn*PageSize, length)
}

// Contains reports whether the half-open range [gpa, gpa+length) lies
// entirely inside the region.
func (r *Region) Contains(gpa, length uint64) bool {
	if gpa >= uint64(len(r.mem)) {
		return false
	}

	end := gpa + length

	return end >= gpa && end <= uint64(len(r.mem))
}

// ReadAt implements io.ReaderAt over guest memory, used by the loader and by
// debug tooling.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > uint64(len(r.mem)) {
		return 0, fmt.Errorf("offset %#x: %w", off, ErrOutOfRange)
	}

	n := copy(p, r.mem[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read at %#x: %w", off, ErrOutOfRange)
	}

	return n, nil
}

// WriteAt implements io.WriterAt over guest memory.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > uint64(len(r.mem)) {
		return 0, fmt.Errorf("offset %#x: %w", off, ErrOutOfRange)
	}

	return copy(r.mem[off:], p), nil
}
