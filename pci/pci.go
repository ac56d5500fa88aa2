// Package pci emulates the legacy CF8/CFC PCI configuration mechanism for a
// flat, single-bus set of virtio-capable devices (spec §4.3, component C3).
// BAR values come from each device's header; this package does not assign
// them.
package pci

import "encoding/binary"

// DeviceHeader is the subset of the 256-byte PCI type-0 configuration
// header this monitor emulates. Capability lists are not implemented — spec
// §4.3 "Capability list is not required for the legacy interface".
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	HeaderType    uint8
	SubsystemID   uint16
	BAR           [6]uint32
	InterruptLine uint8
	InterruptPin  uint8
}

// Bytes renders the header as a 256-byte configuration space image.
func (h DeviceHeader) Bytes() []byte {
	b := make([]byte, 256)
	binary.LittleEndian.PutUint16(b[0:2], h.VendorID)
	binary.LittleEndian.PutUint16(b[2:4], h.DeviceID)
	binary.LittleEndian.PutUint16(b[4:6], h.Command)
	binary.LittleEndian.PutUint16(b[6:8], h.Status)
	b[0x0e] = h.HeaderType
	binary.LittleEndian.PutUint16(b[0x2c:0x2e], 0) // subsystem vendor id, unused
	binary.LittleEndian.PutUint16(b[0x2e:0x30], h.SubsystemID)

	for i, bar := range h.BAR {
		binary.LittleEndian.PutUint32(b[0x10+4*i:0x14+4*i], bar)
	}

	b[0x3c] = h.InterruptLine
	b[0x3d] = h.InterruptPin

	return b
}

// Device is a PCI function: it answers port I/O within the range its BAR
// claims, and surfaces its configuration-space header for BAR assignment.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// Bridge is the single PCI-to-ISA bridge function always present at 00:00.0
// (spec §4.3 implies at least one function must exist for the config
// mechanism to have something to select).
type Bridge struct{}

// NewBridge returns the host-bridge stand-in device.
func NewBridge() *Bridge { return &Bridge{} }

func (b *Bridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{VendorID: 0x8086, DeviceID: 0x7000, HeaderType: 0}
}

func (b *Bridge) IOInHandler(port uint64, data []byte) error  { return nil }
func (b *Bridge) IOOutHandler(port uint64, data []byte) error { return nil }
func (b *Bridge) GetIORange() (uint64, uint64)                { return 0, 0 }

// PCI is the flat bus: an ordered slice of functions addressed 00:N.0, plus
// the CF8/CFC address-latch state (spec §4.3).
type PCI struct {
	Devices []Device

	confAddr uint32 // latched by the last CF8 write
}

// New builds a bus with devices in function-number order; devices[0] is
// conventionally the bridge.
func New(devices ...Device) *PCI {
	return &PCI{Devices: devices}
}

// PciConfAddrIn reads back the latched CF8 address register.
func (p *PCI) PciConfAddrIn(port uint64, data []byte) error {
	putLE(data, p.confAddr)

	return nil
}

// PciConfAddrOut latches a (bus, device, function, offset) address from a
// CF8 write.
func (p *PCI) PciConfAddrOut(port uint64, data []byte) error {
	p.confAddr = getLE(data)

	return nil
}

// selected returns the function currently addressed by confAddr, or nil if
// bit31 (enable) is clear or the function index is out of range.
func (p *PCI) selected() (Device, uint32) {
	if p.confAddr&(1<<31) == 0 {
		return nil, 0
	}

	function := (p.confAddr >> 8) & 0xff
	offset := p.confAddr & 0xfc

	if int(function) >= len(p.Devices) {
		return nil, offset
	}

	return p.Devices[function], offset
}

// PciConfDataIn reads from the selected function's configuration space at
// the latched offset.
func (p *PCI) PciConfDataIn(port uint64, data []byte) error {
	dev, offset := p.selected()
	if dev == nil {
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	cfg := dev.GetDeviceHeader().Bytes()
	n := copy(data, cfg[offset:])

	for i := n; i < len(data); i++ {
		data[i] = 0
	}

	return nil
}

// PciConfDataOut accepts a write to the selected function's configuration
// space and ignores it. No register is writable in this monitor, BARs
// included: each BAR keeps the I/O base its device was built with.
func (p *PCI) PciConfDataOut(port uint64, data []byte) error {
	_, _ = p.selected()

	return nil
}

func getLE(b []byte) uint32 {
	var v uint32
	for i := 0; i < len(b) && i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}

	return v
}

func putLE(b []byte, v uint32) {
	for i := range b {
		if i < 4 {
			b[i] = byte(v >> (8 * i))
		}
	}
}
