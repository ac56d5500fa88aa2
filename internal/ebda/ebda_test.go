package ebda_test

import (
	"testing"

	"github.com/ouroboros-systems/vmmcore/internal/ebda"
)

func TestNewRejectsNonPositiveCPUCount(t *testing.T) {
	t.Parallel()

	if _, err := ebda.New(0); err == nil {
		t.Fatal("New(0): got nil error, want non-nil")
	}

	if _, err := ebda.New(-1); err == nil {
		t.Fatal("New(-1): got nil error, want non-nil")
	}
}

// TestBytesReportsTableSizeInKiB is the BIOS convention the early kernel
// probe reads from offset 0 of the EBDA.
func TestBytesReportsTableSizeInKiB(t *testing.T) {
	t.Parallel()

	e, err := ebda.New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf, err := e.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	if len(buf) != 0x400 {
		t.Fatalf("len(buf) = %#x, want 0x400", len(buf))
	}

	if buf[0] != 1 {
		t.Fatalf("buf[0] = %d, want 1 (1 KiB)", buf[0])
	}
}
