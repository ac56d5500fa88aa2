// Package virtio implements the split-ring virtqueue protocol (spec §4.5,
// component C5), the shared virtio device state machine (§4.6, C6), and the
// block/net/console/rng back-ends (§4.7, C7) built on top of it.
//
// Ring layout follows the legacy virtio-pci single-page-frame convention
// also used by the C reference implementation
// (tools/kvm/include/kvm/virtio.h: struct virt_queue{vring, pfn,
// last_avail_idx}): descriptor table, then the avail ring, then the used
// ring padded up to the next 4096-byte boundary.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ouroboros-systems/vmmcore/internal/guestmem"
)

// Descriptor flags (spec §3 "Descriptor chain").
const (
	DescFNext  = 1 << 0 // chained via Next
	DescFWrite = 1 << 1 // device writes to this buffer (in-portion)

	availNoInterrupt = 1 << 0

	// MaxChainLinks bounds descriptor-chain walks (spec §3 invariant: "the
	// engine rejects chains ... that exceed 1024 links").
	MaxChainLinks = 1024

	descEntrySize = 16
)

// ErrChainTooLong is fatal for the owning device (spec §4.5 edge cases).
var ErrChainTooLong = errors.New("descriptor chain exceeds link limit")

// ErrChainOrder is fatal: an out descriptor followed an in descriptor.
var ErrChainOrder = errors.New("descriptor chain interleaves write then read")

// ErrHeadOutOfRange is fatal: the popped head index is >= queue size.
var ErrHeadOutOfRange = errors.New("descriptor head index out of range")

// ErrDescOutOfRange is fatal: a descriptor points outside guest memory.
var ErrDescOutOfRange = errors.New("descriptor buffer outside guest memory")

// Chain is the result of walking one descriptor chain: the buffers split
// into an out-portion (guest→device) and an in-portion (device→guest), each
// a list of (offset, length) views already translated into guest memory.
type Chain struct {
	Head uint16
	Out  [][]byte
	In   [][]byte
}

// TotalIn returns the combined length of the in-portion buffers.
func (c *Chain) TotalIn() int {
	n := 0
	for _, b := range c.In {
		n += len(b)
	}

	return n
}

// VirtQueue is one split-ring queue: descriptor table, available ring, used
// ring, all living in guest memory at a single page frame (spec §3
// "Descriptor ring").
type VirtQueue struct {
	mem  *guestmem.Region
	size uint16 // N, power of two <= 32768, set once before Ready

	descBase  uint64
	availBase uint64
	usedBase  uint64

	mu           sync.Mutex // serializes Pop and Retire; WalkChain takes no lock (spec §4.5)
	lastAvailIdx uint16
	ready        bool
}

// vringLegacySize returns the byte size of desc+avail+pad+used for n
// entries, mirroring the legacy single-page layout.
func vringLegacySize(n uint16) (descLen, availLen, usedOffset, usedLen uint64) {
	descLen = uint64(n) * descEntrySize
	availLen = 4 + 2*uint64(n) + 2
	usedOffset = alignUp(descLen+availLen, guestmem.PageSize)
	usedLen = 4 + 8*uint64(n) + 2

	return
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// NewVirtQueue binds a queue of size n (must be a power of two, spec §3) to
// the guest page frame pfn.
func NewVirtQueue(mem *guestmem.Region, pfn uint64, n uint16) (*VirtQueue, error) {
	if n == 0 || n&(n-1) != 0 || n > 32768 {
		return nil, fmt.Errorf("queue size %d is not a power of two <= 32768", n)
	}

	base := pfn * guestmem.PageSize
	descLen, availLen, usedOffset, usedLen := vringLegacySize(n)

	total := usedOffset + usedLen
	if !mem.Contains(base, total) {
		return nil, fmt.Errorf("queue pfn %#x size %d: %w", pfn, n, guestmem.ErrOutOfRange)
	}

	q := &VirtQueue{
		mem:       mem,
		size:      n,
		descBase:  base,
		availBase: base + descLen,
		usedBase:  base + usedOffset,
	}
	_ = availLen

	return q, nil
}

// SetReady marks the queue ready for processing; called once feature
// negotiation and queue-pfn/queue-num are settled (spec §4.6).
func (q *VirtQueue) SetReady() { q.ready = true }

// Ready reports whether the queue has been marked ready.
func (q *VirtQueue) Ready() bool { return q.ready }

func (q *VirtQueue) u16At(off uint64) uint16 {
	b, err := q.mem.Translate(off, 2)
	if err != nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

// u16AtAcquire and putU16Release access a 16-bit ring field through the
// aligned 32-bit word that holds it, since sync/atomic has no 16-bit
// operations (x86 byte order: the field at off&3 == 2 is the high half).
func (q *VirtQueue) u16AtAcquire(off uint64) uint16 {
	b, err := q.mem.Translate(off&^3, 4)
	if err != nil || len(b) < 4 {
		return 0
	}

	w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))

	return uint16(w >> (8 * (off & 3)))
}

func (q *VirtQueue) putU16Release(off uint64, v uint16) {
	b, err := q.mem.Translate(off&^3, 4)
	if err != nil || len(b) < 4 {
		return
	}

	p := (*uint32)(unsafe.Pointer(&b[0]))
	shift := 8 * (off & 3)

	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^(0xffff<<shift)|uint32(v)<<shift) {
			return
		}
	}
}

// availIdx reads avail.idx with an acquire fence (spec §4.5 step 1).
func (q *VirtQueue) availIdx() uint16 { return q.u16AtAcquire(q.availBase + 2) }

// availFlags reads avail.flags (no ordering requirement).
func (q *VirtQueue) availFlags() uint16 { return q.u16At(q.availBase) }

func (q *VirtQueue) availRingEntry(idx uint16) uint16 {
	off := q.availBase + 4 + 2*uint64(idx%q.size)

	return q.u16At(off)
}

func (q *VirtQueue) descAt(idx uint16) (addr uint64, length uint32, flags uint16, next uint16, err error) {
	off := q.descBase + uint64(idx)*descEntrySize

	b, err := q.mem.Translate(off, descEntrySize)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	addr = binary.LittleEndian.Uint64(b[0:8])
	length = binary.LittleEndian.Uint32(b[8:12])
	flags = binary.LittleEndian.Uint16(b[12:14])
	next = binary.LittleEndian.Uint16(b[14:16])

	return addr, length, flags, next, nil
}

func (q *VirtQueue) writeUsedElem(slot uint16, id uint32, length uint32) {
	off := q.usedBase + 4 + uint64(slot%q.size)*8

	b, err := q.mem.Translate(off, 8)
	if err != nil {
		return
	}

	binary.LittleEndian.PutUint32(b[0:4], id)
	binary.LittleEndian.PutUint32(b[4:8], length)
}

func (q *VirtQueue) usedIdx() uint16 { return q.u16AtAcquire(q.usedBase + 2) }

func (q *VirtQueue) setUsedIdx(v uint16) { q.putU16Release(q.usedBase+2, v) }

// Pop returns the next available head and true, or false if the guest has
// published nothing new (spec §4.5 steps 1–2).
func (q *VirtQueue) Pop() (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.availIdx() == q.lastAvailIdx {
		return 0, false
	}

	head := q.availRingEntry(q.lastAvailIdx)
	q.lastAvailIdx++

	return head, true
}

// WalkChain follows the Next-linked descriptor chain starting at head,
// translating every buffer through guest memory and splitting it into an
// out-portion followed by an in-portion (spec §4.5 step 3, §3 "Descriptor
// chain").
func (q *VirtQueue) WalkChain(head uint16) (*Chain, error) {
	if head >= q.size {
		return nil, fmt.Errorf("head %d >= queue size %d: %w", head, q.size, ErrHeadOutOfRange)
	}

	chain := &Chain{Head: head}
	seenWrite := false
	idx := head

	for links := 0; ; links++ {
		if links >= MaxChainLinks {
			return nil, ErrChainTooLong
		}

		addr, length, flags, next, err := q.descAt(idx)
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", idx, err)
		}

		buf, err := q.mem.Translate(addr, uint64(length))
		if err != nil {
			return nil, fmt.Errorf("descriptor %d buffer %#x/%d: %w: %w", idx, addr, length, ErrDescOutOfRange, err)
		}

		if uint64(len(buf)) < uint64(length) {
			return nil, fmt.Errorf("descriptor %d buffer %#x/%d clamped at region end: %w", idx, addr, length, ErrDescOutOfRange)
		}

		write := flags&DescFWrite != 0
		if write {
			seenWrite = true
			chain.In = append(chain.In, buf)
		} else {
			if seenWrite {
				return nil, ErrChainOrder
			}

			chain.Out = append(chain.Out, buf)
		}

		if flags&DescFNext == 0 {
			break
		}

		idx = next
	}

	return chain, nil
}

// Retire publishes a used-ring entry for head with byte count written, with
// a release fence preceding any IRQ the caller raises afterward (spec §4.5
// step 5, §8 property 6).
func (q *VirtQueue) Retire(head uint16, writtenBytes uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.usedIdx()
	q.writeUsedElem(idx, uint32(head), writtenBytes)
	q.setUsedIdx(idx + 1)
}

// ShouldInterrupt reports whether the guest has not suppressed queue
// interrupts (avail.flags & NO_INTERRUPT == 0).
func (q *VirtQueue) ShouldInterrupt() bool {
	return q.availFlags()&availNoInterrupt == 0
}

// Size returns N.
func (q *VirtQueue) Size() uint16 { return q.size }
