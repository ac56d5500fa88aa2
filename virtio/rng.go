package virtio

import "io"

const rngQueue = 0

// Rng is the virtio-entropy back-end (spec §4.7 "Entropy"): a single queue,
// each incoming in-iovec filled from a non-blocking host entropy source.
type Rng struct {
	dev    *Device
	source io.Reader
}

// NewRng builds an entropy back-end reading from source (typically
// crypto/rand.Reader, which never blocks on Linux after boot entropy is
// available).
func NewRng(source io.Reader) *Rng {
	return &Rng{source: source}
}

func (r *Rng) SubsystemID() uint32 { return SubsystemRng }

func (r *Rng) HostFeatures() uint32 { return 0 }

func (r *Rng) QueueSizes() []uint16 { return []uint16{16} }

func (r *Rng) ConfigSpace() []byte { return nil }

func (r *Rng) Activate(dev *Device, queue int) error {
	r.dev = dev

	if queue == rngQueue {
		dev.OnNotify(queue, r.drain)
	}

	return nil
}

func (r *Rng) Reset() {}

func (r *Rng) drain() {
	q := r.dev.Queue(rngQueue)
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
			r.dev.fail()

			continue
		}

		written := 0
		for _, buf := range chain.In {
			n, err := io.ReadFull(r.source, buf)
			written += n

			if err != nil {
				break
			}
		}

		q.Retire(head, uint32(written))
	}

	if q.ShouldInterrupt() {
		_ = r.dev.RaiseQueueIRQ()
	}
}
