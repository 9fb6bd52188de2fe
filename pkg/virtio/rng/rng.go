// Package rng implements the VirtIO entropy device adapter spec.md §4.4
// names: one queue, a single writable buffer per collection request,
// grounded on original_source/mod/virtio_rng/main.c's random_collect.
package rng

import (
	"sync"
	"time"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/virtio"
	"github.com/driftkernel/drift/pkg/waiter"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

var noDeadline time.Time

// Device is a bound VirtIO RNG driver: one queue, one DMA page reused by
// every Collect call, serialized through mu exactly as random_collect's
// implicit single in-flight request does (the C original even XXX-notes
// that it "should not sleep" holding the only buffer).
type Device struct {
	dev *virtio.Device
	q   *virtio.Queue

	mu          sync.Mutex
	buf         []byte
	bufAddr     uintptr
	completions waiter.Queue
	lastLen     uint32
}

// Open binds a VirtIO RNG function.
func Open(cs virtio.ConfigSpace) (*Device, error) {
	dev, err := virtio.Open(cs, nil, []uint16{4})
	if err != nil {
		return nil, err
	}
	buf, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoMemory, "virtio-rng: mmap entropy buffer", err)
	}
	d := &Device{
		dev:     dev,
		q:       dev.Queues()[0],
		buf:     buf,
		bufAddr: virtio.BufAddr(buf),
	}
	virtio.StartQueueWorker("rng", d.q, d.onComplete)
	dev.InitEnd()
	return d, nil
}

func (d *Device) onComplete(c virtio.Completion) {
	d.lastLen = c.Len
	d.completions.WakeOne(waiter.WakeNormal)
}

// Collect fills buf (clamped to one page, per random_collect) with bytes
// from the device and returns the number actually written.
func (d *Device) Collect(buf []byte) (int, error) {
	size := len(buf)
	if size > pageSize {
		size = pageSize
	}
	if size == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.q.Send([]virtio.Buf{{Addr: d.bufAddr, Len: uint32(size), Write: true}}); err != nil {
		return 0, err
	}
	d.q.Notify()

	reason := d.completions.Wait(&d.mu, noDeadline)
	if reason == waiter.WakeInterrupted {
		return 0, kerrors.New(kerrors.Interrupted, "virtio-rng: collect interrupted")
	}

	n := copy(buf, d.buf[:d.lastLen])
	return n, nil
}

// Close unmaps the entropy buffer.
func (d *Device) Close() error {
	return unix.Munmap(d.buf)
}
