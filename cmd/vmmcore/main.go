// Command vmmcore boots a Linux guest under a minimal type-2 KVM monitor:
// parse flags, build a Machine, load the kernel, and run every vCPU until
// the guest halts or shuts down.
package main

import (
	"bufio"
	"context"
	"log"
	"os"

	"github.com/ouroboros-systems/vmmcore/internal/config"
	"github.com/ouroboros-systems/vmmcore/internal/term"
	"github.com/ouroboros-systems/vmmcore/machine"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	m, err := machine.New(cfg, os.Stdout)
	if err != nil {
		log.Fatalf("machine.New: %v", err)
	}
	defer m.Close()

	kernel, err := os.Open(cfg.KernelPath)
	if err != nil {
		log.Fatalf("open kernel: %v", err)
	}
	defer kernel.Close()

	var initrd *os.File

	if cfg.InitrdPath != "" {
		initrd, err = os.Open(cfg.InitrdPath)
		if err != nil {
			log.Fatalf("open initrd: %v", err)
		}
		defer initrd.Close()
	} else {
		initrd, err = os.Open(os.DevNull)
		if err != nil {
			log.Fatalf("open %s: %v", os.DevNull, err)
		}
		defer initrd.Close()
	}

	if err := m.LoadKernel(kernel, initrd, cfg.Cmdline); err != nil {
		log.Fatalf("LoadKernel: %v", err)
	}

	done := make(chan error, 1)

	go func() {
		done <- m.Run(context.Background())
	}()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		log.Printf("stdin is not a terminal; guest console input is disabled")

		if err := <-done; err != nil {
			log.Fatalf("%v", err)
		}

		return
	}

	state, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		log.Fatalf("term.MakeRaw: %v", err)
	}
	defer state.Restore()

	go feedStdin(m)

	if err := <-done; err != nil {
		log.Fatalf("%v", err)
	}
}

// feedStdin forwards raw host keystrokes into the guest's active console,
// watching for the debug escape (Ctrl-A then 'x', a convention borrowed from
// QEMU's own Ctrl-A escape key), which requests a register dump of every
// vCPU. The 'x' is not forwarded; the Ctrl-A before it already has been.
func feedStdin(m *machine.Machine) {
	r := bufio.NewReader(os.Stdin)

	var prev byte

	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}

		if prev == 0x01 && b == 'x' {
			_ = m.DumpAllVCPUs()
			prev = 0

			continue
		}

		m.FeedConsole([]byte{b})
		prev = b
	}
}
