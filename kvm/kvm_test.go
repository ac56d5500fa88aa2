package kvm_test

import (
	"testing"
	"unsafe"

	"github.com/ouroboros-systems/vmmcore/kvm"
)

// TestExitTypeStringNamesKnownReasons is spec §7 "error messages and dumps
// name the exit reason", grounded on the teacher's switch-based exit
// dispatch in machine.RunOnce.
func TestExitTypeStringNamesKnownReasons(t *testing.T) {
	t.Parallel()

	cases := []struct {
		e    kvm.ExitType
		want string
	}{
		{kvm.EXITHLT, "HLT"},
		{kvm.EXITIO, "IO"},
		{kvm.EXITSHUTDOWN, "SHUTDOWN"},
		{kvm.EXITMMIO, "MMIO"},
		{kvm.EXITINTR, "INTR"},
	}

	for _, c := range cases {
		if got := c.e.String(); got != c.want {
			t.Errorf("ExitType(%d).String() = %q, want %q", c.e, got, c.want)
		}
	}
}

func TestExitTypeStringFallsBackForUnknown(t *testing.T) {
	t.Parallel()

	got := kvm.ExitType(0xDEADBEEF).String()
	if got != "EXIT(3735928559)" {
		t.Fatalf("ExitType(0xDEADBEEF).String() = %q, want %q", got, "EXIT(3735928559)")
	}
}

// TestRunDataIODecodesPackedFields is spec §4.10's EXITIO dispatch: the
// kvm_run.io payload packs direction/size/port/count into Data[0] and the
// offset into Data[1], matching struct kvm_run's "io" union member layout.
func TestRunDataIODecodesPackedFields(t *testing.T) {
	t.Parallel()

	var r kvm.RunData

	const (
		direction = uint64(kvm.EXITIOOUT)
		size      = uint64(2)
		port      = uint64(0x3f8)
		count     = uint64(1)
		offset    = uint64(8)
	)

	r.Data[0] = direction | (size << 8) | (port << 16) | (count << 32)
	r.Data[1] = offset

	gotDir, gotSize, gotPort, gotCount, gotOffset := r.IO()

	if gotDir != direction || gotSize != size || gotPort != port || gotCount != count || gotOffset != offset {
		t.Fatalf("IO() = (%d,%d,%#x,%d,%d), want (%d,%d,%#x,%d,%d)",
			gotDir, gotSize, gotPort, gotCount, gotOffset,
			direction, size, port, count, offset)
	}
}

// TestRunDataMMIODecodesPackedFields is spec §4.10's MMIO exit classify()
// entry: the mmio union packs phys_addr, inline data[8], len, and is_write,
// unlike the io union's pointer-style data_offset.
func TestRunDataMMIODecodesPackedFields(t *testing.T) {
	t.Parallel()

	var r kvm.RunData

	const (
		addr   = uint64(0xfee00000)
		length = uint32(4)
	)

	r.Data[0] = addr
	r.Data[2] = uint64(length) | (1 << 32) // is_write set

	gotAddr, gotLength, gotWrite, gotOffset := r.MMIO()

	if gotAddr != addr || gotLength != length || !gotWrite {
		t.Fatalf("MMIO() = (%#x,%d,%v), want (%#x,%d,true)", gotAddr, gotLength, gotWrite, addr, length)
	}

	if gotOffset != unsafe.Offsetof(r.Data)+8 {
		t.Fatalf("MMIO() dataOffset = %d, want %d", gotOffset, unsafe.Offsetof(r.Data)+8)
	}
}
