// Package vcputrace implements the C11 debug-signal half of "Timer &
// signals": a per-vCPU register dump routed through thread-local identity,
// and a second signal that walks every vCPU sequentially without
// interleaving their dumps (spec §4.11).
package vcputrace

import (
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/ouroboros-systems/vmmcore/kvm"
)

// Regs is the register-getter a vCPU thread registers so the dump signal
// handler can locate it purely from its OS thread id (spec §4.10 "thread
// identity is stored in thread-local storage").
type Regs interface {
	GetRegs() (kvm.Regs, error)
	GetSregs() (kvm.Sregs, error)
}

type entry struct {
	tid     int
	regs    Regs
	pending uint32 // set by DumpOne before signaling, cleared by ConsumePending
	done    uint32 // published with a release store once this vCPU's dump completes
}

// Registry maps OS thread ids to their owning vCPU's register source, so the
// dedicated debug-signal handler can find the right vCPU without crossing
// thread boundaries to read shared state (spec §4.10).
type Registry struct {
	entries []*entry
}

// NewRegistry builds an empty registry sized for n vCPUs.
func NewRegistry(n int) *Registry {
	return &Registry{entries: make([]*entry, 0, n)}
}

// Register must be called from the vCPU's own OS thread (after
// runtime.LockOSThread), associating the calling thread's tid with regs.
func (r *Registry) Register(regs Regs) {
	r.entries = append(r.entries, &entry{tid: unix.Gettid(), regs: regs})
}

// DumpOne signals the thread of registry entry idx to dump its own registers and blocks
// until that dump's completion flag is published (spec §4.11 "spinning on a
// memory-barrier-published completion flag").
func (r *Registry) DumpOne(idx int, sig unix.Signal) error {
	if idx < 0 || idx >= len(r.entries) {
		return fmt.Errorf("vcputrace: vcpu %d out of range", idx)
	}

	e := r.entries[idx]
	atomic.StoreUint32(&e.done, 0)
	atomic.StoreUint32(&e.pending, 1)

	if err := unix.Tgkill(unix.Getpid(), e.tid, sig); err != nil {
		return fmt.Errorf("vcputrace: tgkill vcpu %d: %w", idx, err)
	}

	for atomic.LoadUint32(&e.done) == 0 {
		// Spin: the target vCPU thread prints its dump after KVM_RUN returns
		// EINTR and publishes completion with a release store (spec §4.11).
	}

	return nil
}

// DumpAll walks every vCPU sequentially (spec §4.11 second signal).
func (r *Registry) DumpAll(sig unix.Signal) error {
	for i := range r.entries {
		if err := r.DumpOne(i, sig); err != nil {
			return err
		}
	}

	return nil
}

// ConsumePending must be called from a vCPU's own OS thread after a benign
// EXITINTR; it reports whether this thread was the target of a pending
// DumpOne/DumpAll request and, if so, clears the flag so a second EXITINTR
// doesn't dump twice (spec §4.11: the signal interrupts KVM_RUN rather than
// running a handler directly, since vcpu ioctls must stay on their owning
// thread).
func (r *Registry) ConsumePending() (Regs, bool) {
	tid := unix.Gettid()

	for _, e := range r.entries {
		if e.tid == tid && atomic.CompareAndSwapUint32(&e.pending, 1, 0) {
			return e.regs, true
		}
	}

	return nil, false
}

// MarkDone publishes the completion flag for the calling thread's vCPU; the
// machine package's RunOnce calls this on the vCPU thread after it finishes
// printing the dump.
func (r *Registry) MarkDone() {
	tid := unix.Gettid()

	for _, e := range r.entries {
		if e.tid == tid {
			atomic.StoreUint32(&e.done, 1)

			return
		}
	}
}

// Dump renders regs/sregs in the teacher's reflective field-dump style,
// naming registers through x86asm so the output reads like a disassembler's
// register file rather than a raw struct (spec §4.10 "debug dump hooks").
func Dump(regs *kvm.Regs, sregs *kvm.Sregs) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s=%#x %s=%#x %s=%#x %s=%#x\n",
		x86asm.RAX, regs.RAX, x86asm.RBX, regs.RBX, x86asm.RCX, regs.RCX, x86asm.RDX, regs.RDX)
	fmt.Fprintf(&b, "%s=%#x %s=%#x %s=%#x %s=%#x\n",
		x86asm.RSI, regs.RSI, x86asm.RDI, regs.RDI, x86asm.RSP, regs.RSP, x86asm.RBP, regs.RBP)
	fmt.Fprintf(&b, "RIP=%#x RFLAGS=%#x\n", regs.RIP, regs.RFLAGS)
	fmt.Fprintf(&b, "CS.base=%#x CS.selector=%#x CR0=%#x CR3=%#x\n",
		sregs.CS.Base, sregs.CS.Selector, sregs.CR0, sregs.CR3)

	return b.String()
}

// Reg looks up a general-purpose register by x86asm name and returns a
// pointer to its field in r.
func Reg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	default:
		return nil, fmt.Errorf("vcputrace: unsupported register %v", reg)
	}
}
