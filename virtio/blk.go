package virtio

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/ouroboros-systems/vmmcore/internal/workerpool"
)

// Block request types (spec §4.7 "Block").
const (
	BlkTypeIn    = 0
	BlkTypeOut   = 1
	BlkTypeFlush = 4
)

// Block status codes, appended as the final byte of the in-iovec.
const (
	BlkStatusOK     = 0
	BlkStatusIOErr  = 1
	BlkStatusUnsupp = 2
)

const (
	blkSectorSize = 512
	blkReqHdrLen  = 16
	blkQueueIndex = 0

	blkFeatureFlush = 1 << 9
)

// BlkImage is the minimal backing-store contract a block back-end needs;
// *internal/diskimage.Image satisfies it.
type BlkImage interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() int64
}

// Blk is the virtio-blk back-end (spec §4.7 "Block"): a single request
// queue, serviced FIFO by the worker pool.
type Blk struct {
	dev *Device

	mu       sync.Mutex
	image    BlkImage
	readOnly bool
	pool     *workerpool.Pool
}

// NewBlk builds a block back-end over image, serviced by pool.
func NewBlk(image BlkImage, readOnly bool, pool *workerpool.Pool) *Blk {
	return &Blk{image: image, readOnly: readOnly, pool: pool}
}

func (b *Blk) SubsystemID() uint32 { return SubsystemBlk }

func (b *Blk) HostFeatures() uint32 {
	f := uint32(blkFeatureFlush)
	if b.readOnly {
		f |= 1 << 5 // VIRTIO_BLK_F_RO
	}

	return f
}

func (b *Blk) QueueSizes() []uint16 { return []uint16{128} }

func (b *Blk) ConfigSpace() []byte {
	b.mu.Lock()
	size := b.image.Size()
	b.mu.Unlock()

	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, uint64(size)/blkSectorSize)

	return cfg
}

// Activate wires the request queue's doorbell to the worker pool (spec §4.9
// "I/O writes that hit a virtio notify port wake the queue via the device,
// which enqueues work onto the worker pool").
func (b *Blk) Activate(dev *Device, queue int) error {
	b.dev = dev

	if queue != blkQueueIndex {
		return nil
	}

	dev.OnNotify(queue, func() {
		b.pool.Submit(func() { b.drain(queue) })
	})

	return nil
}

func (b *Blk) Reset() {}

// drain pops and completes every available request on the queue, matching
// the worker-pool FIFO servicing invariant (spec §4.7 "Requests are
// serviced... in FIFO order").
func (b *Blk) drain(queue int) {
	q := b.dev.Queue(queue)
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
			b.dev.fail()

			continue
		}

		n := b.process(chain)
		q.Retire(head, uint32(n))
	}

	if q.ShouldInterrupt() {
		_ = b.dev.RaiseQueueIRQ()
	}
}

// splitStatusByte splits a virtio-blk in-iovec into its data portion and a
// pointer to the trailing status byte. The status byte is the last byte of
// the concatenated in-iovec, not necessarily the whole last descriptor: a
// driver may combine data and status into a single descriptor.
func splitStatusByte(in [][]byte) ([][]byte, *byte, bool) {
	total := 0
	for _, buf := range in {
		total += len(buf)
	}

	if total == 0 {
		return nil, nil, false
	}

	data := make([][]byte, 0, len(in))
	remaining := total - 1

	for _, buf := range in {
		if remaining >= len(buf) {
			data = append(data, buf)
			remaining -= len(buf)

			continue
		}

		if remaining > 0 {
			data = append(data, buf[:remaining])
		}

		return data, &buf[remaining], true
	}

	return data, nil, false
}

// process executes one request and returns the number of bytes written into
// the in-portion, including the trailing status byte (spec §4.7 "retiring
// via §4.5 with bytes = data_bytes + 1").
func (b *Blk) process(chain *Chain) int {
	if len(chain.Out) == 0 || len(chain.Out[0]) < blkReqHdrLen || len(chain.In) == 0 {
		return 0
	}

	hdr := chain.Out[0]
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])
	offset := int64(sector) * blkSectorSize

	data, status, ok := splitStatusByte(chain.In)
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0

	switch reqType {
	case BlkTypeIn:
		for _, buf := range data {
			n, err := b.image.ReadAt(buf, offset)
			if err != nil && n == 0 {
				*status = BlkStatusIOErr

				return written + 1
			}

			offset += int64(n)
			written += n
		}

		*status = BlkStatusOK
	case BlkTypeOut:
		if b.readOnly {
			*status = BlkStatusIOErr

			return 1
		}

		outData := chain.Out[1:]
		for _, buf := range outData {
			n, err := b.image.WriteAt(buf, offset)
			if err != nil {
				*status = BlkStatusIOErr

				return 1
			}

			offset += int64(n)
		}

		*status = BlkStatusOK
	case BlkTypeFlush:
		if err := b.image.Sync(); err != nil {
			*status = BlkStatusIOErr
		} else {
			*status = BlkStatusOK
		}
	default:
		*status = BlkStatusUnsupp
	}

	return written + 1
}
