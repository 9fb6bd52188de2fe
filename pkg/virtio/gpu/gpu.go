// Package gpu implements the VirtIO 2D-scanout GPU device adapter spec.md
// §4.4 names: two queues (control, cursor), a synchronous request/response
// protocol over the control queue, and a BGRA framebuffer resource backed
// by an array of 4-KiB pages, grounded on
// original_source/mod/virtio_gpu/main.c's synchronous_request and the
// VIRTIO_GPU_CMD_* command set.
package gpu

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/virtio"
	"github.com/driftkernel/drift/pkg/waiter"
	"golang.org/x/sys/unix"
)

var noDeadline time.Time

// Control-queue command/response types, per VIRTIO_GPU_CMD_*/VIRTIO_GPU_RESP_*.
const (
	cmdGetDisplayInfo      = 0x0100
	cmdResourceCreate2D    = 0x0101
	cmdResourceUnref       = 0x0102
	cmdSetScanout          = 0x0103
	cmdResourceFlush       = 0x0104
	cmdTransferToHost2D    = 0x0105
	cmdResourceAttachBack  = 0x0106
	cmdGetEDID             = 0x010A

	respOKNoData      = 0x1100
	respOKDisplayInfo = 0x1101
	respOKEDID        = 0x1104
)

// ctrlHdrSize is sizeof(struct virtio_gpu_ctrl_hdr): type(4) flags(4)
// fence_id(8) ctx_id(4) ring_idx(1) padding(3) = 24 bytes.
const ctrlHdrSize = 24

const maxScanouts = 16

// FormatBGRAUnorm is a VIRTIO_GPU_FORMAT_* resource pixel format. The framebuffer
// this package builds always uses BGRAUnorm, per spec.md's "2D BGRA
// resource" data model.
const FormatBGRAUnorm = 1

const (
	pageSize     = 4096
	reqBufSize   = 4096
	reqOffset    = 0
	respOffset   = 2048
	respMaxLen   = 2048
)

// Rect is a VIRTIO_GPU rectangle, in framebuffer pixel coordinates.
type Rect struct {
	X, Y, Width, Height uint32
}

// DisplayMode is one scanout entry from GET_DISPLAY_INFO.
type DisplayMode struct {
	Rect    Rect
	Enabled bool
}

// Framebuffer is a 2D BGRA resource, backed by an array of 4-KiB pages
// attached to the device as its scanout backing store, per spec.md §3's
// VirtIO data model.
type Framebuffer struct {
	ResourceID uint32
	Width      uint32
	Height     uint32
	pages      [][]byte
}

// Pixels returns a copy of the framebuffer's backing storage: its
// constituent 4-KiB pages concatenated into one new byte slice. Writes to
// the returned slice do not reach the pages.
func (f *Framebuffer) Pixels() []byte {
	if len(f.pages) == 0 {
		return nil
	}
	total := 0
	for _, p := range f.pages {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range f.pages {
		out = append(out, p...)
	}
	return out
}

// Device is a bound VirtIO GPU driver.
type Device struct {
	dev   *virtio.Device
	ctrlQ *virtio.Queue

	mu          sync.Mutex
	buf         []byte
	bufAddr     uintptr
	completions waiter.Queue
}

// Open binds a VirtIO GPU function: two queues (control at index 0,
// cursor at index 1) and a request/response DMA buffer for the
// synchronous control protocol.
func Open(cs virtio.ConfigSpace) (*Device, error) {
	dev, err := virtio.Open(cs, nil, []uint16{64, 16})
	if err != nil {
		return nil, err
	}
	buf, err := unix.Mmap(-1, 0, reqBufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoMemory, "virtio-gpu: mmap request buffer", err)
	}
	d := &Device{
		dev:     dev,
		ctrlQ:   dev.Queues()[0],
		buf:     buf,
		bufAddr: virtio.BufAddr(buf),
	}
	virtio.StartQueueWorker("gpu-ctrl", d.ctrlQ, d.onComplete)
	dev.InitEnd()
	return d, nil
}

func (d *Device) onComplete(virtio.Completion) {
	d.completions.WakeOne(waiter.WakeNormal)
}

func putHdr(b []byte, typ uint32) {
	binary.LittleEndian.PutUint32(b[0:4], typ)
	binary.LittleEndian.PutUint32(b[4:8], 0)  // flags
	binary.LittleEndian.PutUint64(b[8:16], 0) // fence_id
	binary.LittleEndian.PutUint32(b[16:20], 0) // ctx_id
	// b[20] ring_idx, b[21:24] padding left zero
}

// synchronousRequest writes a reqLen-byte request (already placed at
// buf[reqOffset:reqOffset+reqLen]) and blocks until the device responds,
// per synchronous_request: one read-only descriptor for the request, one
// write-only descriptor for the response.
func (d *Device) synchronousRequest(reqLen int) error {
	bufs := []virtio.Buf{
		{Addr: d.bufAddr + reqOffset, Len: uint32(reqLen), Write: false},
		{Addr: d.bufAddr + respOffset, Len: respMaxLen, Write: true},
	}
	if err := d.ctrlQ.Send(bufs); err != nil {
		return err
	}
	d.ctrlQ.Notify()
	reason := d.completions.Wait(&d.mu, noDeadline)
	if reason == waiter.WakeInterrupted {
		return kerrors.New(kerrors.Interrupted, "virtio-gpu: request interrupted")
	}
	respType := binary.LittleEndian.Uint32(d.buf[respOffset : respOffset+4])
	if respType >= 0x1200 {
		return kerrors.New(kerrors.IoError, "virtio-gpu: device returned error response")
	}
	return nil
}

func (d *Device) req() []byte { return d.buf[reqOffset:] }
func (d *Device) resp() []byte { return d.buf[respOffset:] }

// GetDisplayInfo issues VIRTIO_GPU_CMD_GET_DISPLAY_INFO and parses the
// scanout mode table.
func (d *Device) GetDisplayInfo() ([]DisplayMode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	putHdr(d.req(), cmdGetDisplayInfo)
	if err := d.synchronousRequest(ctrlHdrSize); err != nil {
		return nil, err
	}
	r := d.resp()
	modes := make([]DisplayMode, 0, maxScanouts)
	off := ctrlHdrSize
	for i := 0; i < maxScanouts; i++ {
		entry := r[off : off+24]
		modes = append(modes, DisplayMode{
			Rect: Rect{
				X:      binary.LittleEndian.Uint32(entry[0:4]),
				Y:      binary.LittleEndian.Uint32(entry[4:8]),
				Width:  binary.LittleEndian.Uint32(entry[8:12]),
				Height: binary.LittleEndian.Uint32(entry[12:16]),
			},
			Enabled: binary.LittleEndian.Uint32(entry[16:20]) != 0,
		})
		off += 24
	}
	return modes, nil
}

// GetEDID issues the supplemented VIRTIO_GPU_CMD_GET_EDID command for the
// given scanout, per original_source/mod/virtio_gpu/main.c.
func (d *Device) GetEDID(scanout uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.req()
	putHdr(req, cmdGetEDID)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize:ctrlHdrSize+4], scanout)
	if err := d.synchronousRequest(ctrlHdrSize + 8); err != nil {
		return nil, err
	}
	r := d.resp()
	size := binary.LittleEndian.Uint32(r[ctrlHdrSize : ctrlHdrSize+4])
	edid := make([]byte, size)
	copy(edid, r[ctrlHdrSize+8:ctrlHdrSize+8+int(size)])
	return edid, nil
}

func (d *Device) resourceCreate2D(id, format, width, height uint32) error {
	req := d.req()
	putHdr(req, cmdResourceCreate2D)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize:ctrlHdrSize+4], id)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+4:ctrlHdrSize+8], format)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+8:ctrlHdrSize+12], width)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+12:ctrlHdrSize+16], height)
	return d.synchronousRequest(ctrlHdrSize + 16)
}

func (d *Device) resourceAttachBacking(id uint32, entries []virtio.Buf) error {
	req := d.req()
	putHdr(req, cmdResourceAttachBack)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize:ctrlHdrSize+4], id)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+4:ctrlHdrSize+8], uint32(len(entries)))
	off := ctrlHdrSize + 8
	for _, e := range entries {
		binary.LittleEndian.PutUint64(req[off:off+8], uint64(e.Addr))
		binary.LittleEndian.PutUint32(req[off+8:off+12], e.Len)
		off += 16
	}
	return d.synchronousRequest(off)
}

// SetScanout binds resourceID to scanoutID over rect.
func (d *Device) SetScanout(scanoutID, resourceID uint32, rect Rect) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.req()
	putHdr(req, cmdSetScanout)
	putRect(req[ctrlHdrSize:], rect)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+16:ctrlHdrSize+20], scanoutID)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+20:ctrlHdrSize+24], resourceID)
	return d.synchronousRequest(ctrlHdrSize + 24)
}

func putRect(b []byte, r Rect) {
	binary.LittleEndian.PutUint32(b[0:4], r.X)
	binary.LittleEndian.PutUint32(b[4:8], r.Y)
	binary.LittleEndian.PutUint32(b[8:12], r.Width)
	binary.LittleEndian.PutUint32(b[12:16], r.Height)
}

// TransferToHost2D copies rect of resourceID's guest-side backing into the
// host-side resource at offset.
func (d *Device) TransferToHost2D(resourceID uint32, rect Rect, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.req()
	putHdr(req, cmdTransferToHost2D)
	putRect(req[ctrlHdrSize:], rect)
	binary.LittleEndian.PutUint64(req[ctrlHdrSize+16:ctrlHdrSize+24], offset)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+24:ctrlHdrSize+28], resourceID)
	return d.synchronousRequest(ctrlHdrSize + 28)
}

// ResourceFlush requests the host composite rect of resourceID onto its
// bound scanout.
func (d *Device) ResourceFlush(resourceID uint32, rect Rect) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := d.req()
	putHdr(req, cmdResourceFlush)
	putRect(req[ctrlHdrSize:], rect)
	binary.LittleEndian.PutUint32(req[ctrlHdrSize+16:ctrlHdrSize+20], resourceID)
	return d.synchronousRequest(ctrlHdrSize + 20)
}

// CreateFramebuffer allocates a width*height BGRA resource backed by an
// array of 4-KiB pages, creates the 2D resource, attaches the backing, and
// binds it to scanoutID at (0,0) — the common "one fullscreen framebuffer"
// path every adapter above composes from the lower-level primitives.
func (d *Device) CreateFramebuffer(resourceID, scanoutID, width, height uint32) (*Framebuffer, error) {
	byteSize := int(width) * int(height) * 4
	numPages := (byteSize + pageSize - 1) / pageSize

	fb := &Framebuffer{ResourceID: resourceID, Width: width, Height: height}
	entries := make([]virtio.Buf, 0, numPages)
	for i := 0; i < numPages; i++ {
		page, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			fb.unmap()
			return nil, kerrors.Wrap(kerrors.NoMemory, "virtio-gpu: mmap framebuffer page", err)
		}
		fb.pages = append(fb.pages, page)
		entries = append(entries, virtio.Buf{Addr: virtio.BufAddr(page), Len: pageSize})
	}

	d.mu.Lock()
	if err := d.resourceCreate2D(resourceID, FormatBGRAUnorm, width, height); err != nil {
		d.mu.Unlock()
		fb.unmap()
		return nil, err
	}
	if err := d.resourceAttachBacking(resourceID, entries); err != nil {
		d.mu.Unlock()
		fb.unmap()
		return nil, err
	}
	d.mu.Unlock()

	rect := Rect{Width: width, Height: height}
	if err := d.SetScanout(scanoutID, resourceID, rect); err != nil {
		fb.unmap()
		return nil, err
	}
	return fb, nil
}

func (f *Framebuffer) unmap() {
	for _, p := range f.pages {
		unix.Munmap(p)
	}
	f.pages = nil
}

// Close releases the request buffer. Any created Framebuffers must be
// unmapped by the caller (there is no back-reference kept here, matching
// the original's "framebuffer outlives no particular mutex" ownership).
func (d *Device) Close() error {
	return unix.Munmap(d.buf)
}
