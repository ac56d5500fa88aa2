package config_test

import (
	"testing"

	"github.com/ouroboros-systems/vmmcore/internal/config"
)

func TestParseRequiresKernel(t *testing.T) {
	t.Parallel()

	if _, err := config.Parse([]string{"-mem", "128"}); err == nil {
		t.Fatal("Parse without -kernel: got nil error, want non-nil")
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]string{"-kernel", "/path/to/bzImage"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.MemMiB != 256 {
		t.Errorf("MemMiB = %d, want 256", cfg.MemMiB)
	}

	if cfg.NCPUs != 1 {
		t.Errorf("NCPUs = %d, want 1", cfg.NCPUs)
	}

	if cfg.Console != config.ConsoleSerial {
		t.Errorf("Console = %v, want ConsoleSerial", cfg.Console)
	}

	if len(cfg.Disks) != 0 {
		t.Errorf("Disks = %v, want empty", cfg.Disks)
	}
}

func TestParseDisk(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]string{"-kernel", "k", "-disk", "a.img", "-disk-readonly"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(cfg.Disks) != 1 || cfg.Disks[0].Path != "a.img" || !cfg.Disks[0].ReadOnly {
		t.Fatalf("Disks = %+v, want one read-only a.img", cfg.Disks)
	}
}

func TestParseUnknownConsole(t *testing.T) {
	t.Parallel()

	if _, err := config.Parse([]string{"-kernel", "k", "-console", "vga"}); err == nil {
		t.Fatal("Parse with unknown -console: got nil error, want non-nil")
	}
}

func TestParseConsoleVirtio(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]string{"-kernel", "k", "-console", "virtio"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Console != config.ConsoleVirtio {
		t.Fatalf("Console = %v, want ConsoleVirtio", cfg.Console)
	}
}
