// Package block implements the VirtIO block device adapter spec.md §4.4
// names: one request queue, a 16-byte request header followed by the
// data sector and a 1-byte status byte, grounded on
// original_source/mod/virtio_blk/main.c's dread/dwrite.
package block

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/virtio"
	"github.com/driftkernel/drift/pkg/waiter"
	"golang.org/x/sys/unix"
)

// noDeadline is the zero time.Time, meaning "wait indefinitely" to
// waiter.Queue.Wait.
var noDeadline time.Time

// Request types, per virtio_blk/main.c's VIRTIO_BLK_T_*.
const (
	reqIn    = 0
	reqOut   = 1
	reqFlush = 4
)

// Status byte values the device writes back, per VIRTIO_BLK_S_*.
const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

const (
	sectorSize = 512
	// reqHeaderSize is sizeof(struct virtio_blk_req): type(4) reserved(4)
	// sector(8).
	reqHeaderSize = 16
	// cfgCapacity is VIRTIO_BLK_C_CAPACITY, the device-config offset of
	// the 64-bit sector capacity.
	cfgCapacity = 0x00
	// bufPageSize is the size of the shared DMA bounce buffer (header,
	// one sector, status byte). Every Read/Write is split into
	// sectorSize-sized round trips exactly as dread/dwrite do, whatever
	// its length.
	bufPageSize = 4096
)

// Device is a bound VirtIO block driver: one serialized request queue
// behind a mutex, matching virtio_blk's "mutex_lock spans the whole
// multi-sector request" discipline.
type Device struct {
	dev *virtio.Device
	q   *virtio.Queue

	mu      sync.Mutex
	buf     []byte
	bufAddr uintptr

	completions waiter.Queue
	capacity    uint64
}

// Open binds and negotiates a VirtIO block function: one queue, the
// device-config capacity field, and a one-page DMA bounce buffer shared by
// every request (serialized through mu, exactly as the C driver's single
// mutex does).
func Open(cs virtio.ConfigSpace, queueSize uint16) (*Device, error) {
	dev, err := virtio.Open(cs, nil, []uint16{queueSize})
	if err != nil {
		return nil, err
	}

	cfg, err := dev.DeviceConfig(0x40)
	if err != nil {
		return nil, err
	}
	capacity := binary.LittleEndian.Uint64(cfg[cfgCapacity : cfgCapacity+8])

	buf, err := unix.Mmap(-1, 0, bufPageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoMemory, "virtio-blk: mmap request buffer", err)
	}

	d := &Device{
		dev:      dev,
		q:        dev.Queues()[0],
		buf:      buf,
		bufAddr:  pageAddr(buf),
		capacity: capacity,
	}
	virtio.StartQueueWorker("block-rq", d.q, d.onComplete)
	dev.InitEnd()
	return d, nil
}

func pageAddr(b []byte) uintptr { return virtio.BufAddr(b) }

func (d *Device) onComplete(virtio.Completion) {
	d.completions.WakeOne(waiter.WakeNormal)
}

// Capacity is the device-reported disk size in sectors.
func (d *Device) Capacity() uint64 { return d.capacity }

// submit sends one request/response chain and blocks on mu (released while
// parked, per the waiter.Queue contract) until the device completes it,
// per virtio_blk's wait_buf.
func (d *Device) submit(typ uint32, sector uint64, payload []byte, write bool) error {
	binary.LittleEndian.PutUint32(d.buf[0:4], typ)
	binary.LittleEndian.PutUint32(d.buf[4:8], 0)
	binary.LittleEndian.PutUint64(d.buf[8:16], sector)

	var bufs []virtio.Buf
	if write {
		copy(d.buf[reqHeaderSize:reqHeaderSize+sectorSize], payload)
		bufs = []virtio.Buf{
			{Addr: d.bufAddr, Len: reqHeaderSize + sectorSize, Write: false},
			{Addr: d.bufAddr + reqHeaderSize + sectorSize, Len: 1, Write: true},
		}
	} else {
		bufs = []virtio.Buf{
			{Addr: d.bufAddr, Len: reqHeaderSize, Write: false},
			{Addr: d.bufAddr + reqHeaderSize, Len: sectorSize + 1, Write: true},
		}
	}

	if err := d.q.Send(bufs); err != nil {
		return err
	}
	d.q.Notify()

	reason := d.completions.Wait(&d.mu, noDeadline)
	if reason == waiter.WakeInterrupted {
		return kerrors.New(kerrors.Interrupted, "virtio-blk: request interrupted")
	}

	status := d.buf[reqHeaderSize+sectorSize]
	if status != statusOK {
		return kerrors.New(kerrors.IoError, "virtio-blk: request failed")
	}
	if !write {
		copy(payload, d.buf[reqHeaderSize:reqHeaderSize+sectorSize])
	}
	return nil
}

// Read fills out, which must be a multiple of sectorSize, starting at
// sector. Each sector is a separate round trip, matching dread's
// per-sector loop.
func (d *Device) Read(sector uint64, out []byte) error {
	if len(out) == 0 || len(out)%sectorSize != 0 {
		return kerrors.New(kerrors.InvalidArgument, "virtio-blk: read length must be a nonzero multiple of 512")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for off := 0; off < len(out); off += sectorSize {
		if err := d.submit(reqIn, sector+uint64(off/sectorSize), out[off:off+sectorSize], false); err != nil {
			return err
		}
	}
	return nil
}

// Write persists in, which must be a multiple of sectorSize, starting at
// sector.
func (d *Device) Write(sector uint64, in []byte) error {
	if len(in) == 0 || len(in)%sectorSize != 0 {
		return kerrors.New(kerrors.InvalidArgument, "virtio-blk: write length must be a nonzero multiple of 512")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for off := 0; off < len(in); off += sectorSize {
		if err := d.submit(reqOut, sector+uint64(off/sectorSize), in[off:off+sectorSize], true); err != nil {
			return err
		}
	}
	return nil
}

// Flush issues a VIRTIO_BLK_T_FLUSH barrier request with no data payload.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	binary.LittleEndian.PutUint32(d.buf[0:4], reqFlush)
	binary.LittleEndian.PutUint32(d.buf[4:8], 0)
	binary.LittleEndian.PutUint64(d.buf[8:16], 0)
	bufs := []virtio.Buf{
		{Addr: d.bufAddr, Len: reqHeaderSize, Write: false},
		{Addr: d.bufAddr + reqHeaderSize, Len: 1, Write: true},
	}
	if err := d.q.Send(bufs); err != nil {
		return err
	}
	d.q.Notify()
	reason := d.completions.Wait(&d.mu, noDeadline)
	if reason == waiter.WakeInterrupted {
		return kerrors.New(kerrors.Interrupted, "virtio-blk: flush interrupted")
	}
	if d.buf[reqHeaderSize] != statusOK {
		return kerrors.New(kerrors.IoError, "virtio-blk: flush failed")
	}
	return nil
}

// Close unmaps the request buffer. The queue itself is owned by the
// caller's virtio.Device and torn down separately.
func (d *Device) Close() error {
	return unix.Munmap(d.buf)
}
