package machine_test

import (
	"bytes"
	"context"
	"debug/elf"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ouroboros-systems/vmmcore/internal/config"
	"github.com/ouroboros-systems/vmmcore/machine"
)

// requireKVM skips the test unless this host exposes /dev/kvm and the
// process can actually open it — the same root-gating the teacher's own
// test suite used, since every Machine method below issues real KVM
// ioctls (spec §6 "host kernel virtualization API" collaborator).
func requireKVM(t *testing.T) {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	f.Close()
}

func minimalConfig() *config.Config {
	return &config.Config{MemMiB: 64, NCPUs: 1, Console: config.ConsoleSerial}
}

func TestNewAndClose(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	var out bytes.Buffer

	m, err := machine.New(minimalConfig(), &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.Close()
}

// TestNewDefaultsCPUCount is spec §4.10: a misconfigured CPU count
// falls back to a single vCPU rather than building a brokenly empty VM.
func TestNewDefaultsCPUCount(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	cfg := minimalConfig()
	cfg.NCPUs = 0

	m, err := machine.New(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if _, err := m.GetRegs(0); err != nil {
		t.Fatalf("GetRegs(0): %v", err)
	}
}

// TestLoadKernelRejectsGarbage is spec §7 "configuration errors": neither a
// bzImage nor an ELF kernel should be accepted silently.
func TestLoadKernelRejectsGarbage(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	m, err := machine.New(minimalConfig(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	garbage := bytes.NewReader(make([]byte, 4096))

	if err := m.LoadKernel(garbage, bytes.NewReader(nil), "console=ttyS0"); err == nil {
		t.Fatal("LoadKernel(garbage): got nil error, want non-nil")
	}
}

// TestLoadKernelELFFallback exercises the supplemented ELF loader dispatch
// (spec §9 supplement: "a general-purpose ELF loader ... the minimal
// dispatch the supplement adds") against a minimal static ELF binary built
// in-process rather than a real Linux kernel image.
func TestLoadKernelELFFallback(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	m, err := machine.New(minimalConfig(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	img := buildMinimalELF(t)

	if err := m.LoadKernel(bytes.NewReader(img), bytes.NewReader(nil), ""); err != nil {
		t.Fatalf("LoadKernel(elf): %v", err)
	}

	regs, err := m.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs(0): %v", err)
	}

	if regs.RIP != 0x100000 {
		t.Fatalf("RIP = %#x, want %#x", regs.RIP, 0x100000)
	}
}

// buildMinimalELF assembles a tiny 32-bit ELF with a single PT_LOAD segment
// containing a HLT instruction at 0x100000, entry point 0x100000.
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()

	const (
		entry   = 0x100000
		ehdrLen = 52
		phdrLen = 32
		code    = "\xf4" // HLT
	)

	var buf bytes.Buffer

	ehdr := make([]byte, ehdrLen)
	copy(ehdr[0:4], "\x7fELF")
	ehdr[4] = 1 // ELFCLASS32
	ehdr[5] = 1 // little-endian
	ehdr[6] = 1 // EV_CURRENT
	putU16 := func(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
	putU32 := func(b []byte, v uint32) {
		b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}

	putU16(ehdr[16:18], uint16(elf.ET_EXEC))
	putU16(ehdr[18:20], uint16(elf.EM_386))
	putU32(ehdr[20:24], 1) // e_version
	putU32(ehdr[24:28], entry)
	putU32(ehdr[28:32], ehdrLen) // e_phoff
	putU16(ehdr[40:42], ehdrLen) // e_ehsize
	putU16(ehdr[42:44], phdrLen) // e_phentsize
	putU16(ehdr[44:46], 1)       // e_phnum

	phdr := make([]byte, phdrLen)
	putU32(phdr[0:4], uint32(elf.PT_LOAD))
	putU32(phdr[4:8], ehdrLen+phdrLen) // p_offset
	putU32(phdr[8:12], entry)          // p_vaddr
	putU32(phdr[12:16], entry)         // p_paddr
	putU32(phdr[16:20], uint32(len(code)))
	putU32(phdr[20:24], uint32(len(code)))

	buf.Write(ehdr)
	buf.Write(phdr)
	buf.WriteString(code)

	return buf.Bytes()
}

// TestRunUntilHalt is spec §8 scenario S1, reduced to a bare HLT payload
// (kernel command-line output and bzImage loading are out of scope here):
// a single vCPU started at a HLT instruction should return from Run with no
// error once the guest halts.
func TestRunUntilHalt(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	m, err := machine.New(minimalConfig(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	img := buildMinimalELF(t)
	if err := m.LoadKernel(bytes.NewReader(img), bytes.NewReader(nil), ""); err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after HLT")
	}
}

// TestFeedConsoleRoutesToSerialByDefault is spec §9 open question: "stdin
// routed to whichever console is active"; the default is the legacy UART.
func TestFeedConsoleRoutesToSerialByDefault(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	var out bytes.Buffer

	m, err := machine.New(minimalConfig(), &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	// FeedConsole must not panic when no virtio-console is configured; the
	// byte is buffered in the UART's RX FIFO, not echoed to out.
	m.FeedConsole([]byte("x"))

	if strings.Contains(out.String(), "x") {
		t.Fatalf("out = %q: RX byte was echoed to TX output", out.String())
	}
}

// TestDumpVCPURequiresDebug is spec §4.11: debug dumps are only wired when
// the monitor was started with tracing enabled.
func TestDumpVCPURequiresDebug(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	m, err := machine.New(minimalConfig(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.DumpVCPU(0); err == nil {
		t.Fatal("DumpVCPU without debug: got nil error, want non-nil")
	}
}

// TestGetRegsOutOfRangeVCPU documents the current contract: index validation
// for raw fd lookups is the caller's responsibility, matching the teacher's
// own unchecked slice-index convention for this accessor.
func TestGetRegsOutOfRangeVCPU(t *testing.T) {
	requireKVM(t)
	t.Parallel()

	m, err := machine.New(minimalConfig(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("GetRegs(99): want a panic indexing past the single configured vCPU")
		}
	}()

	_, _ = m.GetRegs(99)
}
