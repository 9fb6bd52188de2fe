// Package virtio implements the guest-side split-virtqueue transport and
// PCI device binding spec.md §4.4 names: queue setup, descriptor chain
// submission, device notification, and used-ring polling, plus the PCI
// capability walk and feature negotiation that bind a queue to a concrete
// VirtIO PCI function.
package virtio

import (
	"encoding/binary"
	"unsafe"

	"github.com/driftkernel/drift/pkg/atomicbitops"
	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/waiter"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Descriptor flags, per the VirtIO 1.1 split-ring layout.
const (
	descFNext  = 1
	descFWrite = 2
)

const usedFNoNotify = 1

// maxQueueSize clamps the negotiated queue size, mirroring queue.c's
// "size > 0x100" clamp: this driver never asks for deeper pipelining than
// one page of 16-byte descriptors can hold.
const maxQueueSize = 256

const virtqDescSize = 16 // addr(8) size(4) flags(2) next(2)

// pageSize is the unit every ring region is allocated in, one page per
// region, per queue.c's virtq_init.
const pageSize = 4096

// Buf is one buffer a caller hands to Send: an address/length pair, tagged
// as device-readable or device-writable. Read buffers (requests) must
// precede write buffers (responses) in the slice passed to Send.
type Buf struct {
	Addr  uintptr
	Len   uint32
	Write bool
}

// Queue is one split virtqueue: descriptor table, avail ring (driver-
// owned), used ring (device-owned), each mapped as its own anonymous page
// so every region has a stable address to publish to the device's
// QUEUE_DESC/QUEUE_DRIVER/QUEUE_DEVICE registers, per queue.c.
type Queue struct {
	id   uint16
	size uint16

	descMem  []byte
	availMem []byte
	usedMem  []byte

	descHead uint16
	usedTail uint16

	// inflight caps the number of descriptor slots Send has handed to the
	// device but Poll hasn't reclaimed yet, at the negotiated queue depth:
	// without it, a submitter racing ahead of a slow device could wrap
	// descHead back onto descriptors the device hasn't finished with.
	inflight     *semaphore.Weighted
	chainLengths map[uint16]int64 // descriptor chain head -> descriptor count, for Poll to release back to inflight

	// notify issues the device doorbell write for this queue's index,
	// bound at PCI init time to the notify capability's BAR + multiplier.
	notify func()

	// interrupts wakes the QueueWorker parked on it (via Interrupts) when
	// the device's ISR handler observes a completion for this queue.
	interrupts waiter.Queue
}

// newQueue allocates the three ring pages and initializes the avail/used
// headers, clamping size to maxQueueSize as queue.c's virtq_init does.
func newQueue(id uint16, size uint16, notify func()) (*Queue, error) {
	if size > maxQueueSize {
		size = maxQueueSize
	}
	if size == 0 {
		return nil, kerrors.New(kerrors.InvalidArgument, "virtio: queue size must be nonzero")
	}

	descMem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoMemory, "virtio: mmap descriptor table", err)
	}
	availMem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Munmap(descMem)
		return nil, kerrors.Wrap(kerrors.NoMemory, "virtio: mmap avail ring", err)
	}
	usedMem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Munmap(descMem)
		unix.Munmap(availMem)
		return nil, kerrors.Wrap(kerrors.NoMemory, "virtio: mmap used ring", err)
	}

	q := &Queue{
		id: id, size: size, descMem: descMem, availMem: availMem, usedMem: usedMem, notify: notify,
		inflight:     semaphore.NewWeighted(int64(size)),
		chainLengths: make(map[uint16]int64),
	}
	binary.LittleEndian.PutUint16(q.usedMem[0:2], usedFNoNotify)
	return q, nil
}

// Destroy unmaps the queue's three ring pages, per queue.c's virtq_destroy.
func (q *Queue) Destroy() {
	unix.Munmap(q.descMem)
	unix.Munmap(q.availMem)
	unix.Munmap(q.usedMem)
}

// ID is the queue's index within the device, as negotiated at init time.
func (q *Queue) ID() uint16 { return q.id }

// Size is the negotiated, already-clamped queue depth.
func (q *Queue) Size() uint16 { return q.size }

// DescAddr, AvailAddr, and UsedAddr return the page addresses PCI init
// writes into QUEUE_DESC/QUEUE_DRIVER/QUEUE_DEVICE.
func (q *Queue) DescAddr() uintptr  { return pageAddr(q.descMem) }
func (q *Queue) AvailAddr() uintptr { return pageAddr(q.availMem) }
func (q *Queue) UsedAddr() uintptr  { return pageAddr(q.usedMem) }

func pageAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// BufAddr returns the address of a mmap'd DMA buffer a device adapter
// allocated itself (outside of newQueue's three ring pages), for use in a
// Buf passed to Send.
func BufAddr(b []byte) uintptr { return pageAddr(b) }

func (q *Queue) descOffset(i uint16) int { return int(i) * virtqDescSize }

func (q *Queue) writeDesc(i uint16, addr uintptr, size uint32, flags, next uint16) {
	off := q.descOffset(i)
	binary.LittleEndian.PutUint64(q.descMem[off:off+8], uint64(addr))
	binary.LittleEndian.PutUint32(q.descMem[off+8:off+12], size)
	binary.LittleEndian.PutUint16(q.descMem[off+12:off+14], flags)
	binary.LittleEndian.PutUint16(q.descMem[off+14:off+16], next)
}

// avail layout: flags(2) idx(2) ring[size](2 each). flags and idx sit in
// the same 32-bit-aligned word, so that word can be updated with a single
// atomic store giving the idx bump release-ordering over every preceding
// plain write (descriptor table, avail ring slot) — the same ordering
// queue.c gets from an explicit __ATOMIC_RELEASE fence.
func (q *Queue) availWordPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&q.availMem[0]))
}

func (q *Queue) availIndex() uint16 {
	return uint16(atomicbitops.ConsumeAcquire(q.availWordPtr()) >> 16)
}

func (q *Queue) setAvailIndex(idx uint16) {
	atomicbitops.PublishRelease(q.availWordPtr(), uint32(idx)<<16) // avail flags always 0
}

func (q *Queue) writeAvailRing(slot, descIndex uint16) {
	off := 4 + int(slot)*2
	binary.LittleEndian.PutUint16(q.availMem[off:off+2], descIndex)
}

// used layout: flags(2) idx(2) ring[size]{id(4) len(4)}. Same combined-word
// trick as avail, but here the device is the writer and this driver only
// ever loads it, giving Poll acquire-ordering over the used ring
// entry and elements they read afterward.
func (q *Queue) usedWordPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&q.usedMem[0]))
}

func (q *Queue) usedIndex() uint16 {
	return uint16(atomicbitops.ConsumeAcquire(q.usedWordPtr()) >> 16)
}

func (q *Queue) usedElemAt(i uint16) (id uint32, length uint32) {
	off := 4 + int(i)*8
	elem := q.usedMem[off : off+8]
	return binary.LittleEndian.Uint32(elem[0:4]), binary.LittleEndian.Uint32(elem[4:8])
}

// Send builds one descriptor chain out of bufs and publishes it to the
// device, per queue.c's virtq_send: the ring slot write happens before the
// idx bump, and the idx bump is the release point separating them.
func (q *Queue) Send(bufs []Buf) error {
	if len(bufs) == 0 {
		return kerrors.New(kerrors.InvalidArgument, "virtio: Send requires at least one buffer")
	}
	if len(bufs) > int(q.size) {
		return kerrors.New(kerrors.InvalidArgument, "virtio: descriptor chain longer than queue size")
	}
	if !q.inflight.TryAcquire(int64(len(bufs))) {
		return kerrors.New(kerrors.DeviceBusy, "virtio: no free descriptor slots")
	}

	base := q.descHead
	for i, b := range bufs {
		var flags uint16
		if b.Write {
			flags = descFWrite
		}
		next := (q.descHead + 1) % q.size
		if i != len(bufs)-1 {
			flags |= descFNext
		} else {
			next = 0
		}
		q.writeDesc(q.descHead, b.Addr, b.Len, flags, next)
		q.descHead = (q.descHead + 1) % q.size
	}

	q.chainLengths[base] = int64(len(bufs))

	idx := q.availIndex()
	q.writeAvailRing(idx%q.size, base)
	q.setAvailIndex(idx + 1)
	return nil
}

// Notify rings the device's doorbell for this queue, per queue.c's
// virtq_notify.
func (q *Queue) Notify() {
	if q.notify != nil {
		q.notify()
	}
}

// Poll drains at most one completed descriptor chain from the used ring,
// per queue.c's virtq_poll. It reports ok=false when nothing is pending.
func (q *Queue) Poll() (id uint16, length uint32, ok bool) {
	idx := q.usedIndex() % q.size
	if q.usedTail == idx {
		return 0, 0, false
	}
	gotID, gotLen := q.usedElemAt(q.usedTail)
	q.usedTail = (q.usedTail + 1) % q.size
	if n, ok := q.chainLengths[uint16(gotID)]; ok {
		delete(q.chainLengths, uint16(gotID))
		q.inflight.Release(n)
	}
	return uint16(gotID), gotLen, true
}

// OnInterrupt wakes everyone parked on the queue's interrupt wait queue,
// per queue.c's virtq_on_irq: the woken QueueWorker then drains the whole
// used ring through Poll rather than stopping at one entry.
func (q *Queue) OnInterrupt() {
	q.interrupts.WakeAll(waiter.WakeNormal)
}

// Interrupts exposes the queue's completion wait queue so a device adapter
// can park a worker goroutine until the device posts a used entry.
func (q *Queue) Interrupts() *waiter.Queue { return &q.interrupts }

// Ready reports whether the queue was negotiated with the device.
func (q *Queue) Ready() bool { return q.size != 0 }
