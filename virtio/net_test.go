package virtio

import (
	"encoding/binary"
	"io"
	"testing"
)

type discardTap struct{}

func (discardTap) Read([]byte) (int, error)    { return 0, io.EOF }
func (discardTap) Write(p []byte) (int, error) { return len(p), nil }

// TestNetDrainTXFailsDeviceOnMalformedChain mirrors the block back-end's
// coverage of spec §4.5/scenario S3 for the net TX queue: a malformed head
// must move the device to FAILED and never reach the used ring via Retire.
func TestNetDrainTXFailsDeviceOnMalformedChain(t *testing.T) {
	t.Parallel()

	const n = 4

	mem, q, usedBase := newBlkTestRing(t, n)
	setAvailHeads(t, mem, uint64(n)*blkDescEntrySize, n, []uint16{99})

	backend := NewNet(discardTap{}, nil)

	dev := &Device{
		backend:      backend,
		mem:          mem,
		ioBase:       0xd000,
		hostFeatures: backend.HostFeatures(),
		queues:       []*VirtQueue{nil, q},
		queueSize:    []uint16{32, n},
		queuePFN:     []uint32{0, 1},
		onNotify:     make([]func(), 2),
	}
	backend.dev = dev

	backend.drainTX()

	if dev.status&StatusFailed == 0 {
		t.Fatalf("device status = %#x, want StatusFailed set", dev.status)
	}

	b, err := mem.Translate(usedBase+2, 2)
	if err != nil {
		t.Fatalf("translate used.idx: %v", err)
	}

	if got := binary.LittleEndian.Uint16(b); got != 0 {
		t.Fatalf("used.idx = %d, want 0 (malformed head must never retire)", got)
	}
}
