package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/ouroboros-systems/vmmcore/internal/guestmem"
	"github.com/ouroboros-systems/vmmcore/virtio"
)

type fakeBackend struct {
	activated []int
	resetN    int
}

func (b *fakeBackend) SubsystemID() uint32  { return virtio.SubsystemBlk }
func (b *fakeBackend) HostFeatures() uint32 { return 0x1 }
func (b *fakeBackend) QueueSizes() []uint16 { return []uint16{4} }
func (b *fakeBackend) ConfigSpace() []byte  { return []byte{0xAA, 0xBB} }
func (b *fakeBackend) Reset()               { b.resetN++ }
func (b *fakeBackend) Activate(dev *virtio.Device, queue int) error {
	b.activated = append(b.activated, queue)

	return nil
}

func newTestDevice(t *testing.T) (*virtio.Device, *fakeBackend, []uint32) {
	t.Helper()

	mem := guestmem.New(make([]byte, 64*guestmem.PageSize))
	backend := &fakeBackend{}

	var irqLevels []uint32

	dev := virtio.NewDevice(backend, mem, 0xd000, func(level uint32) error {
		irqLevels = append(irqLevels, level)

		return nil
	})

	return dev, backend, irqLevels
}

func out32(dev *virtio.Device, offset uint64, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return dev.IOOutHandler(0xd000+offset, b)
}

func in32(dev *virtio.Device, offset uint64) (uint32, error) {
	b := make([]byte, 4)
	if err := dev.IOInHandler(0xd000+offset, b); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// TestHostFeaturesReadBack is spec §4.6 feature negotiation: the driver
// reads hostFeatures and writes back the accepted subset.
func TestHostFeaturesReadBack(t *testing.T) {
	t.Parallel()

	dev, _, _ := newTestDevice(t)

	got, err := in32(dev, 0)
	if err != nil {
		t.Fatalf("IOInHandler(hostFeatures): %v", err)
	}

	if got != 0x1 {
		t.Fatalf("hostFeatures = %#x, want 0x1", got)
	}

	if err := out32(dev, 4, 0x1); err != nil {
		t.Fatalf("IOOutHandler(guestFeatures): %v", err)
	}
}

// TestStatusDriverOKActivatesQueues is spec §4.6: writing DRIVER_OK to the
// status register triggers Activate for every queue.
func TestStatusDriverOKActivatesQueues(t *testing.T) {
	t.Parallel()

	dev, backend, _ := newTestDevice(t)

	// Bind queue 0 to pfn 1 (guest-physical page 1) before activating.
	if err := out32(dev, 8, 1); err != nil {
		t.Fatalf("IOOutHandler(queuePFN): %v", err)
	}

	statusByte := []byte{virtio.StatusAck | virtio.StatusDriver | virtio.StatusFeaturesOK | virtio.StatusDriverOK}
	if err := dev.IOOutHandler(0xd000+18, statusByte); err != nil {
		t.Fatalf("IOOutHandler(status): %v", err)
	}

	if len(backend.activated) != 1 || backend.activated[0] != 0 {
		t.Fatalf("activated = %v, want [0]", backend.activated)
	}

	if dev.Queue(0) == nil {
		t.Fatal("Queue(0) = nil after binding pfn 1, want a ready queue")
	}
}

// TestStatusZeroResetsDevice is spec §4.6: "writing 0 to status is a
// reset" — queues are torn down and the backend's Reset hook runs.
func TestStatusZeroResetsDevice(t *testing.T) {
	t.Parallel()

	dev, backend, _ := newTestDevice(t)

	if err := out32(dev, 8, 1); err != nil {
		t.Fatalf("IOOutHandler(queuePFN): %v", err)
	}

	if err := dev.IOOutHandler(0xd000+18, []byte{0}); err != nil {
		t.Fatalf("IOOutHandler(status=0): %v", err)
	}

	if backend.resetN != 1 {
		t.Fatalf("resetN = %d, want 1", backend.resetN)
	}

	if dev.Queue(0) != nil {
		t.Fatal("Queue(0) != nil after reset, want nil")
	}
}

// TestISRIsReadClear is spec §4.4: reading the ISR byte clears it.
func TestISRIsReadClear(t *testing.T) {
	t.Parallel()

	dev, _, irqLevels := newTestDevice(t)
	_ = irqLevels

	if err := dev.RaiseQueueIRQ(); err != nil {
		t.Fatalf("RaiseQueueIRQ: %v", err)
	}

	isr := make([]byte, 1)
	if err := dev.IOInHandler(0xd000+19, isr); err != nil {
		t.Fatalf("IOInHandler(ISR): %v", err)
	}

	if isr[0]&0x1 == 0 {
		t.Fatalf("ISR = %#x, want queue bit set", isr[0])
	}

	if err := dev.IOInHandler(0xd000+19, isr); err != nil {
		t.Fatalf("IOInHandler(ISR) second read: %v", err)
	}

	if isr[0] != 0 {
		t.Fatalf("ISR second read = %#x, want 0 (read-clear)", isr[0])
	}
}

// TestRaiseQueueIRQPulsesHighThenLow is spec §4.4's level-triggered GSI
// convention: assert then immediately deassert.
func TestRaiseQueueIRQPulsesHighThenLow(t *testing.T) {
	t.Parallel()

	mem := guestmem.New(make([]byte, 64*guestmem.PageSize))
	backend := &fakeBackend{}

	var levels []uint32

	dev := virtio.NewDevice(backend, mem, 0xd000, func(level uint32) error {
		levels = append(levels, level)

		return nil
	})

	if err := dev.RaiseQueueIRQ(); err != nil {
		t.Fatalf("RaiseQueueIRQ: %v", err)
	}

	if len(levels) != 2 || levels[0] != 1 || levels[1] != 0 {
		t.Fatalf("irq levels = %v, want [1 0]", levels)
	}
}

// TestQueueNotifyInvokesRegisteredCallback is spec §4.5 step 4: the
// queue-notify write hands off to the back-end's doorbell callback.
func TestQueueNotifyInvokesRegisteredCallback(t *testing.T) {
	t.Parallel()

	dev, _, _ := newTestDevice(t)

	notified := false
	dev.OnNotify(0, func() { notified = true })

	if err := dev.IOOutHandler(0xd000+16, []byte{0, 0}); err != nil {
		t.Fatalf("IOOutHandler(queueNotify): %v", err)
	}

	if !notified {
		t.Fatal("queue-notify doorbell callback was not invoked")
	}
}

// TestConfigSpaceReadPastEndReturnsZero is spec §4.2: reads past the
// device-specific config tail return zero, not garbage.
func TestConfigSpaceReadPastEndReturnsZero(t *testing.T) {
	t.Parallel()

	dev, _, _ := newTestDevice(t)

	buf := make([]byte, 4)
	if err := dev.IOInHandler(0xd000+20+10, buf); err != nil {
		t.Fatalf("IOInHandler(config past end): %v", err)
	}

	for _, b := range buf {
		if b != 0 {
			t.Fatalf("config tail past end = %#x, want all zero", buf)
		}
	}
}
