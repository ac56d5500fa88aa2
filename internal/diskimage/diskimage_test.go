package diskimage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ouroboros-systems/vmmcore/internal/diskimage"
)

func TestOpenRejectsSizeNotMultipleOf512(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 511), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := diskimage.Open(path, false); err == nil {
		t.Fatal("Open(511 bytes): got nil error, want non-nil")
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := diskimage.Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if img.Size() != 4096 {
		t.Fatalf("Size() = %d, want 4096", img.Size())
	}

	if _, err := img.WriteAt([]byte{1}, 0); err == nil {
		t.Fatal("WriteAt on read-only image: got nil error, want non-nil")
	}
}

func TestReadWriteAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := diskimage.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	want := []byte("hello disk")
	if _, err := img.WriteAt(want, 512); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := img.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := img.ReadAt(got, 512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if string(got) != string(want) {
		t.Fatalf("ReadAt = %q, want %q", got, want)
	}
}
