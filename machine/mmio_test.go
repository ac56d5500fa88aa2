package machine

import "testing"

// TestDispatchMMIORoutesToRegisteredRange is spec §4.2/§4.10's MMIO variant
// of C2 dispatch: an address inside a registered range is routed to its
// handler.
func TestDispatchMMIORoutesToRegisteredRange(t *testing.T) {
	t.Parallel()

	m := &Machine{}

	var gotAddr uint64
	var gotWrite bool

	m.RegisterMMIORange(0x1000, 0x2000, func(_ *Machine, addr uint64, data []byte, isWrite bool) error {
		gotAddr = addr
		gotWrite = isWrite
		data[0] = 0x42

		return nil
	})

	buf := make([]byte, 1)
	if err := m.dispatchMMIO(0x1500, buf, true); err != nil {
		t.Fatalf("dispatchMMIO: %v", err)
	}

	if gotAddr != 0x1500 || !gotWrite {
		t.Fatalf("handler saw addr=%#x write=%v, want 0x1500/true", gotAddr, gotWrite)
	}

	if buf[0] != 0x42 {
		t.Fatalf("buf[0] = %#x, want 0x42", buf[0])
	}
}

// TestDispatchMMIOUnregisteredReadReturnsAllOnes is spec §4.2's unknown-port
// convention generalized to addresses: an unregistered read returns all-ones.
func TestDispatchMMIOUnregisteredReadReturnsAllOnes(t *testing.T) {
	t.Parallel()

	m := &Machine{}

	buf := make([]byte, 4)
	if err := m.dispatchMMIO(0xdeadbeef, buf, false); err != nil {
		t.Fatalf("dispatchMMIO: %v", err)
	}

	for _, b := range buf {
		if b != 0xff {
			t.Fatalf("unregistered MMIO read = %#x, want all-ones", buf)
		}
	}
}

// TestDispatchMMIOUnregisteredWriteIsSwallowed is spec §4.2's unknown-port
// convention: an unregistered write is silently accepted.
func TestDispatchMMIOUnregisteredWriteIsSwallowed(t *testing.T) {
	t.Parallel()

	m := &Machine{}

	if err := m.dispatchMMIO(0xdeadbeef, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("dispatchMMIO: %v", err)
	}
}
