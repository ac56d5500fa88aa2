// Package legacy implements the non-PCI platform devices a minimal x86
// guest still expects to find: the 8250 UART (spec §4.8 "8250 UART"), the
// CMOS RTC (§4.8 "RTC"), and stub registrations for the in-kernel PIC/PIT
// (§2, §4.10 — state lives in the virtualizer's irqchip, not here).
package legacy

import (
	"io"
	"sync"
)

// COM1 port range (spec §4.8 "ports 0x3F8-0x3FF").
const (
	COM1Addr = 0x3f8

	regRBR = 0 // receiver buffer / transmitter holding, offset 0 (DLAB=0)
	regIER = 1 // interrupt enable, offset 1 (DLAB=0)
	regIIR = 2 // interrupt identification (read) / FIFO control (write)
	regLCR = 3 // line control
	regMCR = 4 // modem control
	regLSR = 5 // line status
	regMSR = 6 // modem status
	regSCR = 7 // scratch

	lcrDLAB = 1 << 7

	lsrDR   = 1 << 0 // data ready
	lsrTHRE = 1 << 5 // transmitter holding register empty
	lsrTEMT = 1 << 6 // transmitter empty

	ierRXInt = 1 << 0

	iirNoIntPending = 0x01

	rxFIFOSize = 16

	// SerialIRQ is the legacy ISA line COM1 asserts (spec §4.4/§4.8 "IRQ4").
	SerialIRQ = 4
)

// IRQRaiser asserts/deasserts an ISA interrupt line.
type IRQRaiser func(level uint32) error

// Serial is an 8250-compatible UART: TX goes to out, RX is buffered in a
// 16-byte FIFO filled through Feed (spec §4.8).
type Serial struct {
	out io.Writer

	mu  sync.Mutex
	ier byte
	lcr byte
	mcr byte
	scr byte
	dll byte
	dlh byte

	rx []byte // RX FIFO, oldest first

	irq IRQRaiser
}

// NewSerial builds a COM1 UART writing TX bytes to out and raising
// interrupts through irq.
func NewSerial(out io.Writer, irq IRQRaiser) *Serial {
	return &Serial{out: out, irq: irq}
}

// dlab reports whether the divisor-latch-access bit is set, which
// repurposes offsets 0 and 1 for the baud-rate divisor (spec §4.8 register
// layout follows the real 8250).
func (s *Serial) dlab() bool { return s.lcr&lcrDLAB != 0 }

// In handles a port read (spec §4.2 dispatch "read_fn").
func (s *Serial) In(port uint64, data []byte) error {
	if len(data) != 1 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch port - COM1Addr {
	case regRBR:
		if s.dlab() {
			data[0] = s.dll

			return nil
		}

		if len(s.rx) == 0 {
			data[0] = 0

			return nil
		}

		data[0] = s.rx[0]
		s.rx = s.rx[1:]
	case regIER:
		if s.dlab() {
			data[0] = s.dlh

			return nil
		}

		data[0] = s.ier
	case regIIR:
		data[0] = iirNoIntPending
		if len(s.rx) > 0 && s.ier&ierRXInt != 0 {
			data[0] = 0x04 // RX data available
		}
	case regLCR:
		data[0] = s.lcr
	case regMCR:
		data[0] = s.mcr
	case regLSR:
		v := byte(lsrTHRE | lsrTEMT)
		if len(s.rx) > 0 {
			v |= lsrDR
		}

		data[0] = v
	case regMSR:
		data[0] = 0
	case regSCR:
		data[0] = s.scr
	default:
		data[0] = 0xff
	}

	return nil
}

// Out handles a port write (spec §4.2 dispatch "write_fn").
func (s *Serial) Out(port uint64, data []byte) error {
	if len(data) != 1 {
		return nil
	}

	v := data[0]

	s.mu.Lock()

	switch port - COM1Addr {
	case regRBR:
		if s.dlab() {
			s.dll = v
			s.mu.Unlock()

			return nil
		}

		s.mu.Unlock()
		_, err := s.out.Write([]byte{v})

		return err
	case regIER:
		if s.dlab() {
			s.dlh = v
		} else {
			s.ier = v
		}
	case regIIR:
		// FIFO control register; this monitor always behaves as though a
		// 16-byte FIFO is enabled, so writes are accepted and ignored.
	case regLCR:
		s.lcr = v
	case regMCR:
		s.mcr = v
	case regSCR:
		s.scr = v
	}

	s.mu.Unlock()

	return nil
}

// Feed appends host-input bytes to the RX FIFO, dropping the oldest bytes
// on overflow, and raises IRQ4 if RX interrupts are enabled and the FIFO was
// empty (spec §4.8 "asserts IRQ4 when the FIFO is non-empty and RX
// interrupts are enabled").
func (s *Serial) Feed(data []byte) {
	s.mu.Lock()

	wasEmpty := len(s.rx) == 0
	s.rx = append(s.rx, data...)

	if len(s.rx) > rxFIFOSize {
		s.rx = s.rx[len(s.rx)-rxFIFOSize:]
	}

	notify := wasEmpty && s.ier&ierRXInt != 0
	s.mu.Unlock()

	if notify && s.irq != nil {
		_ = s.irq(1)
		_ = s.irq(0)
	}
}

// sysrqMagic prefixes a SysRq injection so it is distinguishable from an
// ordinary guest keystroke: 0xff then the literal marker "Sysrq" followed
// by the requested key byte.
var sysrqMagic = []byte("\xffSysrq")

// InjectSysrq enqueues the magic SysRq sequence (0xff 'Sysrq' key) used for
// guest debug dumps (spec §4.8 "must support 'sysrq' injection").
func (s *Serial) InjectSysrq(key byte) {
	seq := make([]byte, 0, len(sysrqMagic)+1)
	seq = append(seq, sysrqMagic...)
	seq = append(seq, key)

	s.Feed(seq)
}
