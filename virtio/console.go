package virtio

import (
	"encoding/binary"
	"io"
	"sync"
)

const (
	consoleQueueRX = 0
	consoleQueueTX = 1
)

// Console is the virtio-console back-end (spec §4.7 "Console"): host→guest
// (RX) fed by a stdin reader and the host timer tick, guest→host (TX)
// written to stdout.
type Console struct {
	dev *Device
	out io.Writer

	mu      sync.Mutex
	pending []byte
}

// NewConsole builds a console back-end writing TX bytes to out. RX bytes
// arrive via Feed, which the machine package's FeedConsole calls with host
// stdin input.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) SubsystemID() uint32 { return SubsystemConsole }

func (c *Console) HostFeatures() uint32 { return 0 }

func (c *Console) QueueSizes() []uint16 { return []uint16{64, 64} }

func (c *Console) ConfigSpace() []byte {
	// cols[2] + rows[2] + max_nr_ports[4] + emerg_wr[4], single port.
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint16(buf[0:2], 80)
	binary.LittleEndian.PutUint16(buf[2:4], 25)
	binary.LittleEndian.PutUint32(buf[4:8], 1)

	return buf
}

func (c *Console) Activate(dev *Device, queue int) error {
	c.dev = dev

	if queue == consoleQueueTX {
		dev.OnNotify(queue, c.drainTX)
	}

	return nil
}

func (c *Console) Reset() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// Feed appends host-input bytes (stdin) to the pending RX buffer and
// attempts an immediate delivery; the periodic host timer (spec §4.11, C11)
// calls FlushRX again in case no RX buffer was available yet.
func (c *Console) Feed(data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	c.pending = append(c.pending, data...)
	c.mu.Unlock()

	c.FlushRX()
}

// FlushRX delivers as much pending RX data as the guest has buffers for
// (spec §4.7 "the periodic timer wakes the console to flush pending RX").
func (c *Console) FlushRX() {
	if c.dev == nil {
		return
	}

	q := c.dev.Queue(consoleQueueRX)
	if q == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delivered := false

	for len(c.pending) > 0 {
		head, ok := q.Pop()
		if !ok {
			break
		}

		chain, err := q.WalkChain(head)
		if err != nil {
			c.dev.fail()

			continue
		}

		written := 0
		for _, buf := range chain.In {
			if len(c.pending) == 0 {
				break
			}

			n := copy(buf, c.pending)
			c.pending = c.pending[n:]
			written += n
		}

		q.Retire(head, uint32(written))
		delivered = true
	}

	if delivered && q.ShouldInterrupt() {
		_ = c.dev.RaiseQueueIRQ()
	}
}

// drainTX writes every pending TX chain's out-portion to stdout.
func (c *Console) drainTX() {
	q := c.dev.Queue(consoleQueueTX)
	if q == nil {
		return
	}

	for {
		head, ok := q.Pop()
		if !ok {
			break
		}

		chain, err := q.WalkChain(head)
		if err != nil {
			c.dev.fail()

			continue
		}

		for _, buf := range chain.Out {
			_, _ = c.out.Write(buf)
		}

		q.Retire(head, 0) // nothing written into guest-writable buffers
	}

	if q.ShouldInterrupt() {
		_ = c.dev.RaiseQueueIRQ()
	}
}
