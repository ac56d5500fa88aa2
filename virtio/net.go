package virtio

import (
	"io"

	"github.com/ouroboros-systems/vmmcore/internal/workerpool"
)

const (
	netQueueRX = 0
	netQueueTX = 1

	// netHeaderLen is the virtio-net header stripped from TX frames and
	// prepended (zeroed) to RX frames (spec §4.7 "Net").
	netHeaderLen = 12

	netMaxFrame = 65536
)

// Net is the virtio-net back-end (spec §4.7 "Net"): RX queue 0, TX queue 1,
// backed by a TAP-like byte stream.
type Net struct {
	dev  *Device
	tap  io.ReadWriter
	pool *workerpool.Pool

	stop chan struct{}
}

// NewNet builds a net back-end bridging virtqueues to tap.
func NewNet(tap io.ReadWriter, pool *workerpool.Pool) *Net {
	return &Net{tap: tap, pool: pool, stop: make(chan struct{})}
}

func (n *Net) SubsystemID() uint32 { return SubsystemNet }

func (n *Net) HostFeatures() uint32 { return 0 }

func (n *Net) QueueSizes() []uint16 { return []uint16{32, 32} }

func (n *Net) ConfigSpace() []byte {
	// mac[6] + status[2] + max_virtqueue_pairs[2], all zeroed — this
	// monitor does not negotiate a MAC via config space (the guest gets
	// whatever the TAP's peer ARPs for).
	return make([]byte, 10)
}

// Activate starts the dedicated RX reader thread on first activation (spec
// §4.7 "RX back-end runs a dedicated reader thread that blocks on the TAP
// fd") and wires the TX doorbell to the worker pool.
func (n *Net) Activate(dev *Device, queue int) error {
	n.dev = dev

	switch queue {
	case netQueueRX:
		go n.rxLoop()
	case netQueueTX:
		dev.OnNotify(queue, func() {
			n.pool.Submit(n.drainTX)
		})
	}

	return nil
}

func (n *Net) Reset() {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
}

// rxLoop blocks reading whole frames from the TAP device and feeds them into
// the RX queue's available buffers (spec §4.7 "selects an available RX
// buffer, prepends the 12-byte zeroed header, and retires").
func (n *Net) rxLoop() {
	buf := make([]byte, netMaxFrame)

	for {
		select {
		case <-n.stop:
			return
		default:
		}

		nr, err := n.tap.Read(buf)
		if err != nil {
			return
		}

		n.deliverRX(buf[:nr])
	}
}

func (n *Net) deliverRX(frame []byte) {
	q := n.dev.Queue(netQueueRX)
	if q == nil {
		return
	}

	head, ok := q.Pop()
	if !ok {
		return // spec §4.7 "frames larger than any available buffer are dropped" generalizes to none-available
	}

	chain, err := q.WalkChain(head)
	if err != nil {
		n.dev.fail()

		return
	}

	total := netHeaderLen + len(frame)
	if chain.TotalIn() < total {
		q.Retire(head, 0) // no buffer large enough; drop

		return
	}

	written := 0
	remaining := append(make([]byte, netHeaderLen), frame...)

	for _, buf := range chain.In {
		c := copy(buf, remaining)
		remaining = remaining[c:]
		written += c

		if len(remaining) == 0 {
			break
		}
	}

	q.Retire(head, uint32(written))

	if q.ShouldInterrupt() {
		_ = n.dev.RaiseQueueIRQ()
	}
}

// drainTX gathers each pending TX chain's out-portion into one frame
// (stripping the virtio-net header) and writes it to the TAP device (spec §4.7 "TX back-end
// gathers out-iovec into a single frame").
func (n *Net) drainTX() {
	q := n.dev.Queue(netQueueTX)
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
			n.dev.fail()

			continue
		}

		frame := make([]byte, 0, netMaxFrame)
		for _, buf := range chain.Out {
			frame = append(frame, buf...)
		}

		if len(frame) > netHeaderLen {
			_, _ = n.tap.Write(frame[netHeaderLen:])
		}

		q.Retire(head, 0)
	}

	if q.ShouldInterrupt() {
		_ = n.dev.RaiseQueueIRQ()
	}
}
