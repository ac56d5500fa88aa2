// Package kvm wraps the Linux KVM ioctl surface used by the monitor: VM and
// vCPU lifecycle, register access, memory slots, and interrupt injection.
//
// Every ioctl here is a thin, typed wrapper — no policy lives in this
// package. Callers (package machine) own VM/vCPU lifetime and threading
// rules.
package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl request numbers, from <linux/kvm.h>. Kept as raw constants rather
// than computed via _IOC macros: the values are stable ABI and copying them
// verbatim is how every Go KVM binding in the wild does it.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLine             = 0xC008AE67
	kvmCreatePIT2          = 0x4040AE77
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmRun                 = 0xAE80
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmTranslate           = 0xC018AE85

	// ExitType values reported in RunData.ExitReason.
	EXITUNKNOWN       = 0
	EXITEXCEPTION     = 1
	EXITIO            = 2
	EXITHYPERCALL     = 3
	EXITDEBUG         = 4
	EXITHLT           = 5
	EXITMMIO          = 6
	EXITIRQWINDOWOPEN = 7
	EXITSHUTDOWN      = 8
	EXITFAILENTRY     = 9
	EXITINTR          = 10
	EXITSETTPR        = 11
	EXITTPRACCESS     = 12
	EXITS390SIEIC     = 13
	EXITS390RESET     = 14
	EXITDCR           = 15
	EXITNMI           = 16
	EXITINTERNALERROR = 17

	EXITIOIN  = 0
	EXITIOOUT = 1

	numInterrupts   = 0x100
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	CPUIDFuncPerMon = 0x0A
)

// ErrUnexpectedExitReason is returned when RunOnce sees an exit reason the
// monitor has no handler for.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ErrDebug is returned by RunOnce on EXITDEBUG so callers can distinguish a
// guest debug trap from a fatal exit.
var ErrDebug = errors.New("kvm debug exit")

// ExitType names an EXIT* constant for error messages and dumps.
type ExitType uint32

func (e ExitType) String() string {
	switch uint32(e) {
	case EXITUNKNOWN:
		return "UNKNOWN"
	case EXITEXCEPTION:
		return "EXCEPTION"
	case EXITIO:
		return "IO"
	case EXITHYPERCALL:
		return "HYPERCALL"
	case EXITDEBUG:
		return "DEBUG"
	case EXITHLT:
		return "HLT"
	case EXITMMIO:
		return "MMIO"
	case EXITIRQWINDOWOPEN:
		return "IRQ_WINDOW_OPEN"
	case EXITSHUTDOWN:
		return "SHUTDOWN"
	case EXITFAILENTRY:
		return "FAIL_ENTRY"
	case EXITINTR:
		return "INTR"
	case EXITSETTPR:
		return "SET_TPR"
	case EXITTPRACCESS:
		return "TPR_ACCESS"
	case EXITS390SIEIC:
		return "S390_SIEIC"
	case EXITS390RESET:
		return "S390_RESET"
	case EXITDCR:
		return "DCR"
	case EXITNMI:
		return "NMI"
	case EXITINTERNALERROR:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("EXIT(%d)", uint32(e))
	}
}

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// RunData mirrors the shared kvm_run page mapped per vCPU.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the exit payload for an EXITIO exit: direction, operand size in
// bytes, port number, repeat count, and the byte offset of the data within
// RunData itself.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the exit payload for an EXITMMIO exit: the guest-physical
// address, the length of the access in bytes, whether it is a write, and
// the byte offset (from the start of RunData itself) of the 8-byte data
// window (struct kvm_run's mmio union: phys_addr, data[8], len, is_write —
// unlike the io union, the data bytes live inline, not behind a pointer).
func (r *RunData) MMIO() (addr uint64, length uint32, isWrite bool, dataOffset uintptr) {
	addr = r.Data[0]
	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0
	dataOffset = unsafe.Offsetof(r.Data) + 8

	return addr, length, isWrite, dataOffset
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks a region for dirty-page logging (unused by this
// monitor — no migration — kept because the ABI flag exists either way).
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= 1 << 0 }

// SetMemReadonly marks a region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= 1 << 1 }

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig mirrors struct kvm_pit_config.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// Ioctl is exposed for packages (debug translation, coalesced MMIO) that
// need a request code this package doesn't wrap directly.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return r, errno
	}

	return r, nil
}

// GetAPIVersion returns the KVM API version; callers should reject anything
// other than 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates vCPU vcpuID within the VM and returns its fd.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, uintptr(vcpuID))
}

// Run enters guest mode; it returns when the vCPU exits, or nil on the
// benign EAGAIN/EINTR case caused by an asynchronous host signal.
//
// refs: https://github.com/kvmtool/kvmtool/blob/415f92c/kvm-cpu.c#L44
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
	}

	return err
}

// GetVCPUMMapSize returns the size in bytes of the shared kvm_run mapping.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := Ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := Ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))

	return err
}

func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := Ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := Ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))

	return err
}

// SetUserMemoryRegion installs or updates a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves the three-page task-state-segment area Intel hosts
// need, below 4G and outside any memory slot.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, 0xffffd000)

	return err
}

// SetIdentityMapAddr reserves the one-page identity-map region Intel hosts
// need for unrestricted-guest EPT setup.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = 0xffffc000
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

// IRQLine raises (level=1) or deasserts (level=0) a GSI line on the
// in-kernel interrupt controller. Edge-triggered IRQs must be pulsed: 1 then
// 0.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLevel := IRQLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&irqLevel)))

	return err
}

// CreateIRQChip instantiates the in-kernel PIC/IOAPIC model.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// CreatePIT2 instantiates the in-kernel i8254 PIT model. Requires an
// irqchip to already exist.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{Flags: 0}
	_, err := Ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

// GetSupportedCPUID fills kvmCPUID with the host+KVM's supported feature
// leaves.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 installs the (possibly edited) CPUID leaves for a vCPU.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// Translate mirrors struct kvm_translation, used for KVM_TRANSLATE (GVA to
// GPA, for debug dumps only — §4.1 "via guest page tables for debug").
type Translate struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// GetTranslate resolves a guest-virtual address to guest-physical through
// the vCPU's current page tables.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (Translate, error) {
	t := Translate{LinearAddress: vaddr}
	_, err := Ioctl(vcpuFd, kvmTranslate, uintptr(unsafe.Pointer(&t)))

	return t, err
}
