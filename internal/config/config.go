// Package config parses the command-line front end's options. The
// command-line front end and option parser are an out-of-scope collaborator
// per spec §1; this package stays on the standard library's flag package,
// matching the teacher's own CLI surface rather than adopting a third-party
// flags library the domain otherwise has no use for.
package config

import (
	"flag"
	"fmt"
)

// ConsoleMode selects which guest-facing console receives host stdin (spec
// open question: legacy 8250 vs. virtio-console may both be wired up
// simultaneously; exactly one is "active" for input routing at a time).
type ConsoleMode int

const (
	ConsoleSerial ConsoleMode = iota
	ConsoleVirtio
)

// Disk describes one virtio-blk-backed image.
type Disk struct {
	Path     string
	ReadOnly bool
}

// Config is the fully parsed set of options the machine package needs to
// build and boot a guest.
type Config struct {
	KernelPath string
	InitrdPath string
	Cmdline    string

	MemMiB int
	NCPUs  int

	Disks []Disk

	TapName string
	GuestIP string
	HostIP  string

	Console ConsoleMode

	Debug bool
}

// Parse parses args (normally os.Args[1:]) into a Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("vmmcore", flag.ContinueOnError)

	kernel := fs.String("kernel", "", "path to a bzImage or ELF kernel")
	initrd := fs.String("initrd", "", "path to an initramfs image")
	cmdline := fs.String("cmdline", "console=ttyS0", "kernel command line")
	memMiB := fs.Int("mem", 256, "guest memory size in MiB")
	nCPUs := fs.Int("cpus", 1, "number of vCPUs")
	disk := fs.String("disk", "", "path to a raw disk image")
	diskRO := fs.Bool("disk-readonly", false, "attach the disk image read-only")
	tap := fs.String("tap", "", "host TAP interface name")
	console := fs.String("console", "serial", "console to route stdin to: serial or virtio")
	debug := fs.Bool("debug", false, "enable per-vCPU debug tracing")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *kernel == "" {
		return nil, fmt.Errorf("config: -kernel is required")
	}

	mode := ConsoleSerial
	switch *console {
	case "serial":
		mode = ConsoleSerial
	case "virtio":
		mode = ConsoleVirtio
	default:
		return nil, fmt.Errorf("config: unknown -console %q", *console)
	}

	cfg := &Config{
		KernelPath: *kernel,
		InitrdPath: *initrd,
		Cmdline:    *cmdline,
		MemMiB:     *memMiB,
		NCPUs:      *nCPUs,
		TapName:    *tap,
		Console:    mode,
		Debug:      *debug,
	}

	if *disk != "" {
		cfg.Disks = append(cfg.Disks, Disk{Path: *disk, ReadOnly: *diskRO})
	}

	return cfg, nil
}
