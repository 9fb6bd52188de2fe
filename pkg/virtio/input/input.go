// Package input implements the VirtIO input device adapter spec.md §4.4
// names: two queues (event, status), preposted fixed 8-byte event records,
// and demultiplexing into keyboard/pointer events, grounded on
// original_source/mod/virtio_input/main.c. Event type/code constants come
// from github.com/gvalkov/golang-evdev rather than a hand-rolled table,
// since the wire format is exactly the Linux evdev {type,code,value}
// triple.
package input

import (
	"encoding/binary"
	"sync"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/virtio"
	evdev "github.com/gvalkov/golang-evdev"
	"golang.org/x/sys/unix"
)

// eventRecordSize is sizeof(struct virtio_input_event): type(2) code(2)
// value(4) = 8 bytes, per main.c.
const eventRecordSize = 8

const (
	queueEvent  = 0
	queueStatus = 1
)

const pageSize = 4096

// KeyEvent is a demultiplexed keyboard or mouse-button event.
type KeyEvent struct {
	Code    uint16
	Pressed bool
}

// PointerEvent is a demultiplexed relative-motion or scroll event.
type PointerEvent struct {
	Axis  uint16 // evdev.REL_X, evdev.REL_Y, or evdev.REL_WHEEL
	Delta int32
}

// Device is a bound VirtIO input driver.
type Device struct {
	dev   *virtio.Device
	eventQ *virtio.Queue

	bufs [][]byte

	mu          sync.Mutex
	mouseState  uint32 // bitmask of currently-pressed mouse buttons, per main.c's MOUSE_BUTTON_FIRST..LAST collapse rule

	onKey     func(KeyEvent)
	onPointer func(PointerEvent)
}

// Open binds a VirtIO input function, preposts one 8-byte-event buffer per
// event-queue slot (each slot gets its own page, of which only the first
// 8 bytes are posted), and starts the event worker.
func Open(cs virtio.ConfigSpace, queueSize uint16, onKey func(KeyEvent), onPointer func(PointerEvent)) (*Device, error) {
	dev, err := virtio.Open(cs, nil, []uint16{queueSize, queueSize})
	if err != nil {
		return nil, err
	}

	d := &Device{
		dev:       dev,
		eventQ:    dev.Queues()[queueEvent],
		onKey:     onKey,
		onPointer: onPointer,
	}

	size := int(d.eventQ.Size())
	d.bufs = make([][]byte, size)
	for i := 0; i < size; i++ {
		buf, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			d.Close()
			return nil, kerrors.Wrap(kerrors.NoMemory, "virtio-input: mmap event buffer", err)
		}
		d.bufs[i] = buf
		if err := d.postEventBuf(uint16(i)); err != nil {
			d.Close()
			return nil, err
		}
	}

	virtio.StartQueueWorker("input-event", d.eventQ, d.onComplete)
	dev.InitEnd()
	return d, nil
}

func (d *Device) postEventBuf(id uint16) error {
	buf := virtio.Buf{Addr: virtio.BufAddr(d.bufs[id]), Len: eventRecordSize, Write: true}
	return d.eventQ.Send([]virtio.Buf{buf})
}

// mouseButton reports whether code is one of the MOUSE_BUTTON_FIRST..LAST
// range main.c collapses through mouseState, evdev's BTN_MOUSE..BTN_TASK.
func mouseButton(code uint16) bool {
	return code >= evdev.BTN_MOUSE && code <= evdev.BTN_TASK
}

func (d *Device) onComplete(c virtio.Completion) {
	if int(c.DescID) >= len(d.bufs) || c.Len < eventRecordSize {
		return
	}
	rec := d.bufs[c.DescID]
	typ := binary.LittleEndian.Uint16(rec[0:2])
	code := binary.LittleEndian.Uint16(rec[2:4])
	value := int32(binary.LittleEndian.Uint32(rec[4:8]))

	switch typ {
	case evdev.EV_KEY:
		pressed := value != 0
		if mouseButton(code) {
			d.mu.Lock()
			bit := uint32(1) << (code - evdev.BTN_MOUSE)
			already := d.mouseState&bit != 0
			if pressed {
				d.mouseState |= bit
			} else {
				d.mouseState &^= bit
			}
			d.mu.Unlock()
			// Collapse a redundant repeat of the same button state,
			// per main.c's mouse_state mask.
			if pressed == already {
				break
			}
		}
		if d.onKey != nil {
			d.onKey(KeyEvent{Code: code, Pressed: pressed})
		}
	case evdev.EV_REL:
		if d.onPointer != nil {
			d.onPointer(PointerEvent{Axis: code, Delta: value})
		}
	}

	if err := d.postEventBuf(c.DescID); err != nil {
		_ = err
	}
}

// Close unmaps every preposted event buffer.
func (d *Device) Close() error {
	var first error
	for _, b := range d.bufs {
		if b != nil {
			if err := unix.Munmap(b); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
