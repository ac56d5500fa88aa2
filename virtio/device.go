package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ouroboros-systems/vmmcore/internal/guestmem"
	"github.com/ouroboros-systems/vmmcore/pci"
)

// Legacy device-status bits (spec §3 "Virtio device" state machine).
const (
	StatusReset      = 0
	StatusAck        = 1 << 0
	StatusDriver     = 1 << 1
	StatusDriverOK   = 1 << 2
	StatusFeaturesOK = 1 << 3
	StatusFailed     = 1 << 7
)

// Legacy PCI identity (spec §6).
const (
	VendorIDVirtio = 0x1AF4

	SubsystemBlk     = 2
	SubsystemConsole = 3
	SubsystemRng     = 4
	SubsystemNet     = 1

	// commonConfigLen is the size in bytes of the legacy common
	// configuration registers (spec §4.2/§6: "first 20 bytes of the BAR").
	commonConfigLen = 20

	isrQueue  = 1 << 0
	isrConfig = 1 << 1
)

// Backend is the device-specific half of a virtio device: identity,
// negotiable features, device-specific config space, and the activation
// hook invoked on DRIVER_OK (spec §4.6).
type Backend interface {
	// SubsystemID identifies the device class (block=2, net=1, console=3,
	// rng=4).
	SubsystemID() uint32
	// HostFeatures is the feature bitset the device offers.
	HostFeatures() uint32
	// QueueSizes returns the fixed size of each queue this device exposes.
	QueueSizes() []uint16
	// ConfigSpace returns the device-specific configuration bytes that
	// follow the 20-byte common header.
	ConfigSpace() []byte
	// Activate is called once per queue when the device transitions to
	// DRIVER_OK; it is where back-end worker/reader goroutines are started.
	Activate(dev *Device, queue int) error
	// Reset tears down back-end state; called on status<-0 and on teardown.
	Reset()
}

// IRQRaiser asserts/deasserts a GSI line (spec §4.4, component C4).
type IRQRaiser func(level uint32) error

// Device is the shared virtio legacy-PCI device core (spec §4.6, component
// C6): feature negotiation, queue setup, status byte, ISR byte. It
// implements pci.Device itself and delegates device-specific behaviour to
// its Backend.
type Device struct {
	mu sync.Mutex

	backend Backend
	mem     *guestmem.Region
	irq     IRQRaiser

	ioBase uint64

	hostFeatures  uint32
	guestFeatures uint32
	status        uint8
	isr           uint8
	queueSel      uint16

	queues    []*VirtQueue
	queueSize []uint16
	queuePFN  []uint32
	onNotify  []func()
}

// OnNotify registers the back-end's doorbell callback for queue i, invoked
// (without the device lock held) whenever the guest writes to queue-notify
// selecting that queue. Back-ends use it to wake a worker goroutine blocked
// on a condition variable or channel (spec §4.9/§4.5 step 4 "hand off").
func (d *Device) OnNotify(i int, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onNotify[i] = fn
}

// NewDevice builds the shared core for a backend occupying ioBase in I/O
// space, translating queue addresses through mem and raising interrupts via
// irq.
func NewDevice(backend Backend, mem *guestmem.Region, ioBase uint64, irq IRQRaiser) *Device {
	sizes := backend.QueueSizes()

	return &Device{
		backend:      backend,
		mem:          mem,
		irq:          irq,
		ioBase:       ioBase,
		hostFeatures: backend.HostFeatures(),
		queues:       make([]*VirtQueue, len(sizes)),
		queueSize:    sizes,
		queuePFN:     make([]uint32, len(sizes)),
		onNotify:     make([]func(), len(sizes)),
	}
}

// GetDeviceHeader returns the legacy virtio PCI config-space header for BAR
// assignment (spec §4.3). It implements pci.Device.
func (d *Device) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:     uint16(0x1000 + d.backend.SubsystemID()),
		VendorID:     VendorIDVirtio,
		SubsystemID:  uint16(d.backend.SubsystemID()),
		Command:      1, // I/O space enable
		BAR:          [6]uint32{uint32(d.ioBase) | 0x1},
		InterruptPin: 1,
	}
}

// GetIORange implements pci.Device: the 20-byte common header plus whatever
// device-specific configuration tail the backend exposes.
func (d *Device) GetIORange() (uint64, uint64) {
	return d.ioBase, d.ioBase + commonConfigLen + uint64(len(d.backend.ConfigSpace()))
}

// Queue returns queue i, or nil if it has not yet been bound to a PFN.
func (d *Device) Queue(i int) *VirtQueue {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i < 0 || i >= len(d.queues) {
		return nil
	}

	return d.queues[i]
}

// readISRClear returns the current ISR byte, then clears it (read-clear semantics,
// spec §4.4).
func (d *Device) readISRClear() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.isr
	d.isr = 0

	return v
}

// RaiseQueueIRQ sets the queue-event ISR bit and pulses the device's IRQ
// line (spec §4.4, §4.5 step 5).
func (d *Device) RaiseQueueIRQ() error {
	d.mu.Lock()
	d.isr |= isrQueue
	d.mu.Unlock()

	if d.irq == nil {
		return nil
	}

	if err := d.irq(1); err != nil {
		return err
	}

	return d.irq(0)
}

// RaiseConfigIRQ sets the config-change ISR bit and pulses the IRQ line.
func (d *Device) RaiseConfigIRQ() error {
	d.mu.Lock()
	d.isr |= isrConfig
	d.mu.Unlock()

	if d.irq == nil {
		return nil
	}

	if err := d.irq(1); err != nil {
		return err
	}

	return d.irq(0)
}

// reset drives the device back to RESET, tearing down every queue (spec
// §4.6 "writing 0 to status is a reset").
func (d *Device) reset() {
	d.guestFeatures = 0
	d.status = StatusReset
	d.isr = 0
	d.queueSel = 0

	for i := range d.queues {
		d.queues[i] = nil
		d.queuePFN[i] = 0
	}

	d.backend.Reset()
}

func (d *Device) fail() {
	d.status |= StatusFailed
}

// IOInHandler implements pci.Device's port-read side of the legacy common
// configuration registers plus device-specific config tail.
func (d *Device) IOInHandler(port uint64, out []byte) error {
	offset := port - d.ioBase

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == 0 && len(out) == 4:
		binary.LittleEndian.PutUint32(out, d.hostFeatures)
	case offset == 4 && len(out) == 4:
		binary.LittleEndian.PutUint32(out, d.guestFeatures)
	case offset == 8 && len(out) == 4:
		binary.LittleEndian.PutUint32(out, d.queuePFN[d.queueSel])
	case offset == 12 && len(out) == 2:
		binary.LittleEndian.PutUint16(out, d.queueSizeOrZero(int(d.queueSel)))
	case offset == 14 && len(out) == 2:
		binary.LittleEndian.PutUint16(out, d.queueSel)
	case offset == 18 && len(out) == 1:
		out[0] = d.status
	case offset == 19 && len(out) == 1:
		out[0] = d.isrUnlocked()
	case offset >= commonConfigLen:
		cfg := d.backend.ConfigSpace()
		i := int(offset - commonConfigLen)
		for j := range out {
			if i+j < len(cfg) {
				out[j] = cfg[i+j]
			} else {
				out[j] = 0
			}
		}
	default:
		for i := range out {
			out[i] = 0xff
		}
	}

	return nil
}

func (d *Device) isrUnlocked() uint8 {
	v := d.isr
	d.isr = 0

	return v
}

func (d *Device) queueSizeOrZero(sel int) uint16 {
	if sel < 0 || sel >= len(d.queueSize) {
		return 0
	}

	return d.queueSize[sel]
}

// IOOutHandler implements pci.Device's port-write side.
func (d *Device) IOOutHandler(port uint64, in []byte) error {
	offset := port - d.ioBase

	d.mu.Lock()

	switch {
	case offset == 4 && len(in) == 4:
		d.guestFeatures = binary.LittleEndian.Uint32(in)
	case offset == 8 && len(in) == 4:
		pfn := binary.LittleEndian.Uint32(in)
		sel := int(d.queueSel)
		if sel < 0 || sel >= len(d.queues) {
			d.mu.Unlock()

			return fmt.Errorf("queue select %d out of range", sel)
		}

		d.queuePFN[sel] = pfn

		if pfn == 0 {
			d.queues[sel] = nil
			d.mu.Unlock()

			return nil
		}

		q, err := NewVirtQueue(d.mem, uint64(pfn), d.queueSize[sel])
		if err != nil {
			d.fail()
			d.mu.Unlock()

			return fmt.Errorf("queue %d pfn %#x: %w", sel, pfn, err)
		}

		q.SetReady()
		d.queues[sel] = q
	case offset == 14 && len(in) == 2:
		d.queueSel = binary.LittleEndian.Uint16(in)
	case offset == 16 && len(in) == 2:
		sel := int(binary.LittleEndian.Uint16(in))
		d.mu.Unlock()

		return d.notify(sel)
	case offset == 18 && len(in) == 1:
		status := in[0]
		if status == 0 {
			d.reset()
			d.mu.Unlock()

			return nil
		}

		prev := d.status
		d.status = status
		becameOK := status&StatusDriverOK != 0 && prev&StatusDriverOK == 0
		d.mu.Unlock()

		if becameOK {
			return d.activateAll()
		}

		return nil
	case offset >= commonConfigLen:
		// Device-specific config is read-only for every back-end this
		// monitor implements.
	}

	d.mu.Unlock()

	return nil
}

func (d *Device) activateAll() error {
	for i := range d.queues {
		if err := d.backend.Activate(d, i); err != nil {
			d.mu.Lock()
			d.fail()
			d.mu.Unlock()

			return err
		}
	}

	return nil
}

func (d *Device) notify(queue int) error {
	d.mu.Lock()
	if queue < 0 || queue >= len(d.queues) {
		d.mu.Unlock()

		return fmt.Errorf("notify: queue %d out of range", queue)
	}

	fn := d.onNotify[queue]
	d.mu.Unlock()

	if fn != nil {
		fn()
	}

	return nil
}
