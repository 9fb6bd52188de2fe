// Package net implements the VirtIO network device adapter spec.md §4.4
// names: three queues (recv, send, control), a 12-byte per-packet VirtIO
// net header, and a ring of preposted page-sized receive buffers, grounded
// on original_source/mod/virtio_net/main.c's add_rx_buf/emit_pkt/
// on_recvq_msg/on_sendq_msg.
package net

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

// featMac is VIRTIO_NET_F_MAC: the driver requires the device to expose a
// MAC address in its config space, per main.c's init_pci.
const featMac = 5

// Device-config field offsets, per VIRTIO_NET_C_*.
const (
	cfgMAC0   = 0x00
	cfgStatus = 0x06
)

const pageSize = 4096

// netHeaderSize is sizeof(struct virtio_net_header): flags(1) gso_type(1)
// header_size(2) gso_size(2) checksum_start(2) checksum_offset(2)
// buffers_nb(2) = 12 bytes.
const netHeaderSize = 12

const (
	queueRecv = 0
	queueSend = 1
	queueCtrl = 2
)

// Packet is one received Ethernet frame, payload only (the VirtIO net
// header is stripped before delivery), per on_recvq_msg's memcpy past
// sizeof(struct virtio_net_header).
type Packet struct {
	Data []byte
}

// Device is a bound VirtIO network driver.
type Device struct {
	dev      *virtio.Device
	recvQ    *virtio.Queue
	sendQ    *virtio.Queue
	ctrlQ    *virtio.Queue

	rxBufs [][]byte
	txBufs [][]byte

	mu      sync.Mutex
	txHead  uint16
	txTail  uint16
	sendRdy waiter.Queue

	onRecv func(Packet)

	mac    [6]byte
	status uint16
}

// Open binds a VirtIO network function: negotiates VIRTIO_NET_F_MAC,
// reads the MAC/status config fields, preposts one page-sized receive
// buffer per recv-queue slot, and starts both queue workers. onRecv is
// called from the recv worker goroutine for every received frame; it must
// not block.
func Open(cs virtio.ConfigSpace, queueSize uint16, onRecv func(Packet)) (*Device, error) {
	dev, err := virtio.Open(cs, []uint{featMac}, []uint16{queueSize, queueSize, queueSize})
	if err != nil {
		return nil, err
	}

	cfg, err := dev.DeviceConfig(22)
	if err != nil {
		return nil, err
	}

	queues := dev.Queues()
	d := &Device{
		dev:    dev,
		recvQ:  queues[queueRecv],
		sendQ:  queues[queueSend],
		ctrlQ:  queues[queueCtrl],
		onRecv: onRecv,
		status: binary.LittleEndian.Uint16(cfg[cfgStatus : cfgStatus+2]),
	}
	copy(d.mac[:], cfg[cfgMAC0:cfgMAC0+6])

	size := int(d.recvQ.Size())
	d.rxBufs = make([][]byte, size)
	for i := 0; i < size; i++ {
		buf, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			d.Close()
			return nil, kerrors.Wrap(kerrors.NoMemory, "virtio-net: mmap rx buffer", err)
		}
		d.rxBufs[i] = buf
	}
	txSize := int(d.sendQ.Size())
	d.txBufs = make([][]byte, txSize)
	for i := 0; i < txSize; i++ {
		buf, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			d.Close()
			return nil, kerrors.Wrap(kerrors.NoMemory, "virtio-net: mmap tx buffer", err)
		}
		d.txBufs[i] = buf
	}

	for i := 0; i < size; i++ {
		if err := d.postRxBuf(uint16(i)); err != nil {
			d.Close()
			return nil, err
		}
	}

	virtio.StartQueueWorker("net-rx", d.recvQ, d.onRecvComplete)
	virtio.StartQueueWorker("net-tx", d.sendQ, d.onSendComplete)
	dev.InitEnd()
	d.recvQ.Notify()
	return d, nil
}

// MAC returns the device-reported hardware address.
func (d *Device) MAC() [6]byte { return d.mac }

// LinkUp reports VIRTIO_NET_S_LINK_UP.
func (d *Device) LinkUp() bool { return d.status&1 != 0 }

func (d *Device) postRxBuf(id uint16) error {
	buf := virtio.Buf{Addr: virtio.BufAddr(d.rxBufs[id]), Len: pageSize, Write: true}
	return d.recvQ.Send([]virtio.Buf{buf})
}

func (d *Device) onRecvComplete(c virtio.Completion) {
	if int(c.DescID) >= len(d.rxBufs) || int(c.Len) < netHeaderSize {
		return
	}
	payload := make([]byte, int(c.Len)-netHeaderSize)
	copy(payload, d.rxBufs[c.DescID][netHeaderSize:int(c.Len)])
	if d.onRecv != nil {
		d.onRecv(Packet{Data: payload})
	}
	if err := d.postRxBuf(c.DescID); err != nil {
		// Matches main.c's "failed to add rx buf" soft-fail: the slot is
		// simply lost, the rest of the ring keeps working.
		_ = err
	}
}

// onSendComplete advances txHead to the first still-in-flight slot and
// wakes any Send blocked on ring space, per on_sendq_msg.
func (d *Device) onSendComplete(c virtio.Completion) {
	d.mu.Lock()
	for d.txHead != c.DescID+1 {
		d.txHead++
	}
	d.mu.Unlock()
	d.sendRdy.WakeAll(waiter.WakeNormal)
}

// Send transmits pkt, blocking while the send ring is full exactly as
// emit_pkt's waitq_wait_tail_mutex loop does.
func (d *Device) Send(pkt []byte) error {
	if netHeaderSize+len(pkt) > pageSize {
		return kerrors.New(kerrors.InvalidArgument, "virtio-net: packet too large for one tx buffer")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for uint16(d.txTail+1) == d.txHead {
		reason := d.sendRdy.Wait(&d.mu, noDeadline)
		if reason == waiter.WakeInterrupted {
			return kerrors.New(kerrors.Interrupted, "virtio-net: send interrupted")
		}
	}

	buf := d.txBufs[d.txTail]
	for i := range buf[:netHeaderSize] {
		buf[i] = 0
	}
	copy(buf[netHeaderSize:], pkt)

	if err := d.sendQ.Send([]virtio.Buf{{Addr: virtio.BufAddr(buf), Len: uint32(netHeaderSize + len(pkt)), Write: false}}); err != nil {
		return err
	}
	d.txTail++
	d.sendQ.Notify()
	return nil
}

// Close unmaps every receive/transmit buffer. The underlying queues and
// PCI binding are owned by the caller's virtio.Device.
func (d *Device) Close() error {
	var first error
	for _, b := range d.rxBufs {
		if b != nil {
			if err := unix.Munmap(b); err != nil && first == nil {
				first = err
			}
		}
	}
	for _, b := range d.txBufs {
		if b != nil {
			if err := unix.Munmap(b); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
