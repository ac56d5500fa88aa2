// Package bootparam builds the Linux x86 boot protocol's zero-page (struct
// boot_params) from a bzImage's embedded setup header, per
// Documentation/x86/boot.rst. Kernel-image format detection itself is an
// out-of-scope collaborator (spec §1); this package only assembles the
// parameter block the decompressed kernel expects at RSI on entry.
package bootparam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Fixed guest-physical layout addresses referenced by the E820 map.
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
)

// E820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// setup_header load-flag bits (boot.rst "The kernel boot protocol").
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

const (
	setupHeaderOffset = 0x1f1
	setupHeaderLen    = 0x7f
	e820MapOffset     = 0x2d0
	e820EntryLen      = 20
	maxE820Entries    = 128
	paramPageLen      = 4096

	bootMagic       = 0xAA55
	headerMagic     = 0x53726448 // "HdrS"
	minProtoVersion = 0x0206
)

// SetupHeader is the subset of struct setup_header this monitor populates
// or reads (field order and offsets match the kernel's own struct).
type SetupHeader struct {
	SetupSects   uint8
	RootFlags    uint16
	SysSize      uint32
	RAMSize      uint16
	VidMode      uint16
	RootDev      uint16
	BootFlag     uint16
	Jump         uint16
	HeaderMagic  uint32
	Version      uint16
	RealModeSwitch uint32
	StartSysSeg  uint16
	KernelVersion uint16
	TypeOfLoader uint8
	LoadFlags    uint8
	SetupMoveSize uint16
	Code32Start  uint32
	RamdiskImage uint32
	RamdiskSize  uint32
	BootSectKludge uint32
	HeapEndPtr   uint16
	ExtLoaderVer uint8
	ExtLoaderType uint8
	CmdlinePtr   uint32
	InitrdAddrMax uint32
	KernelAlignment uint32
	RelocatableKernel uint8
	MinAlignment uint8
	XLoadFlags   uint16
	CmdlineSize  uint32
	HardwareSubarch uint32
	HardwareSubarchData uint64
	PayloadOffset uint32
	PayloadLength uint32
	SetupData    uint64
	PrefAddress  uint64
	InitSize     uint32
	HandoverOffset uint32
}

type e820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam is the in-progress struct boot_params: the setup header plus an
// accumulated E820 memory map.
type BootParam struct {
	Hdr  SetupHeader
	e820 []e820Entry
}

// ErrNotBzImage is returned when the supplied image lacks the 0xAA55 boot
// sector signature or "HdrS" header magic.
var ErrNotBzImage = errors.New("bootparam: not a bzImage (missing boot signature)")

// New reads and validates the setup header embedded in a bzImage kernel.
func New(kernel io.ReaderAt) (*BootParam, error) {
	raw := make([]byte, setupHeaderOffset+setupHeaderLen)
	if _, err := kernel.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("bootparam: read header: %w", err)
	}

	if binary.LittleEndian.Uint16(raw[510:512]) != bootMagic {
		return nil, ErrNotBzImage
	}

	h := raw[setupHeaderOffset:]

	bp := &BootParam{}
	hdr := &bp.Hdr
	hdr.SetupSects = h[0]
	hdr.RootFlags = binary.LittleEndian.Uint16(h[1:3])
	hdr.SysSize = binary.LittleEndian.Uint32(h[3:7])
	hdr.RAMSize = binary.LittleEndian.Uint16(h[7:9])
	hdr.VidMode = binary.LittleEndian.Uint16(h[9:11])
	hdr.RootDev = binary.LittleEndian.Uint16(h[11:13])
	hdr.BootFlag = binary.LittleEndian.Uint16(h[13:15])
	hdr.Jump = binary.LittleEndian.Uint16(h[15:17])
	hdr.HeaderMagic = binary.LittleEndian.Uint32(h[17:21])
	hdr.Version = binary.LittleEndian.Uint16(h[21:23])

	if hdr.HeaderMagic != headerMagic || hdr.Version < minProtoVersion {
		return nil, fmt.Errorf("bootparam: boot protocol %#x too old: %w", hdr.Version, ErrNotBzImage)
	}

	if hdr.SetupSects == 0 {
		hdr.SetupSects = 4
	}

	return bp, nil
}

// AddE820Entry appends a memory region to the E820 map (spec §4.10 loader
// collaborator, grounded in kvmtool's x86/bios.c fixed layout entries).
func (bp *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	if len(bp.e820) >= maxE820Entries {
		return
	}

	bp.e820 = append(bp.e820, e820Entry{Addr: addr, Size: size, Type: typ})
}

// Bytes renders the full 4096-byte zero page: the setup header fields this
// monitor sets, followed by the E820 map and its count.
func (bp *BootParam) Bytes() ([]byte, error) {
	buf := make([]byte, paramPageLen)

	binary.LittleEndian.PutUint16(buf[510:512], bootMagic)

	h := buf[setupHeaderOffset:]
	h[0] = bp.Hdr.SetupSects
	binary.LittleEndian.PutUint16(h[1:3], bp.Hdr.RootFlags)
	binary.LittleEndian.PutUint32(h[3:7], bp.Hdr.SysSize)
	binary.LittleEndian.PutUint16(h[7:9], bp.Hdr.RAMSize)
	binary.LittleEndian.PutUint16(h[9:11], bp.Hdr.VidMode)
	binary.LittleEndian.PutUint16(h[11:13], bp.Hdr.RootDev)
	binary.LittleEndian.PutUint16(h[13:15], bp.Hdr.BootFlag)
	binary.LittleEndian.PutUint16(h[15:17], bp.Hdr.Jump)
	binary.LittleEndian.PutUint32(h[17:21], bp.Hdr.HeaderMagic)
	binary.LittleEndian.PutUint16(h[21:23], bp.Hdr.Version)
	h[0x210-setupHeaderOffset] = bp.Hdr.TypeOfLoader
	h[0x211-setupHeaderOffset] = bp.Hdr.LoadFlags
	binary.LittleEndian.PutUint32(h[0x218-setupHeaderOffset:0x21c-setupHeaderOffset], bp.Hdr.RamdiskImage)
	binary.LittleEndian.PutUint32(h[0x21c-setupHeaderOffset:0x220-setupHeaderOffset], bp.Hdr.RamdiskSize)
	binary.LittleEndian.PutUint16(h[0x224-setupHeaderOffset:0x226-setupHeaderOffset], bp.Hdr.HeapEndPtr)
	h[0x227-setupHeaderOffset] = bp.Hdr.ExtLoaderVer
	binary.LittleEndian.PutUint32(h[0x228-setupHeaderOffset:0x22c-setupHeaderOffset], bp.Hdr.CmdlinePtr)
	binary.LittleEndian.PutUint32(h[0x238-setupHeaderOffset:0x23c-setupHeaderOffset], bp.Hdr.CmdlineSize)

	e820CountOff := 0x1e8
	e820Off := e820MapOffset

	n := len(bp.e820)
	if n > maxE820Entries {
		n = maxE820Entries
	}

	buf[e820CountOff] = byte(n)

	for i, e := range bp.e820[:n] {
		off := e820Off + i*e820EntryLen
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Addr)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Size)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], e.Type)
	}

	return buf, nil
}
