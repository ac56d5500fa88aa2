package legacy_test

import (
	"testing"

	"github.com/ouroboros-systems/vmmcore/legacy"
)

// TestRTCReadsLatchedIndex is spec §4.8 "responds to CMOS index/data ports
// with a read-only view of the current UTC broken-down time".
func TestRTCReadsLatchedIndex(t *testing.T) {
	t.Parallel()

	r := legacy.NewRTC()

	// Select the seconds register.
	if err := r.Out(legacy.CMOSIndexPort, []byte{0x00}); err != nil {
		t.Fatalf("Out(index): %v", err)
	}

	idx := make([]byte, 1)
	if err := r.In(legacy.CMOSIndexPort, idx); err != nil {
		t.Fatalf("In(index): %v", err)
	}

	if idx[0] != 0x00 {
		t.Fatalf("latched index = %#x, want 0x00", idx[0])
	}

	data := make([]byte, 1)
	if err := r.In(legacy.CMOSDataPort, data); err != nil {
		t.Fatalf("In(data): %v", err)
	}

	// A BCD seconds value must have each nibble in [0,9].
	if hi, lo := data[0]>>4, data[0]&0xf; hi > 9 || lo > 9 {
		t.Fatalf("seconds register %#x is not valid BCD", data[0])
	}
}

// TestRTCWritesAreIgnored is spec §4.8 "writes are ignored".
func TestRTCWritesAreIgnored(t *testing.T) {
	t.Parallel()

	r := legacy.NewRTC()

	if err := r.Out(legacy.CMOSIndexPort, []byte{0x00}); err != nil {
		t.Fatalf("Out(index): %v", err)
	}

	before := make([]byte, 1)
	_ = r.In(legacy.CMOSDataPort, before)

	if err := r.Out(legacy.CMOSDataPort, []byte{0x55}); err != nil {
		t.Fatalf("Out(data): %v", err)
	}

	after := make([]byte, 1)
	_ = r.In(legacy.CMOSDataPort, after)

	if before[0] != after[0] {
		t.Fatalf("RTC data changed after a data-port write: %#x -> %#x", before[0], after[0])
	}
}
