package virtio

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/klog"
	"golang.org/x/sys/unix"
)

// VirtIO PCI common-config register offsets, per virtio.h.
const (
	cfgDeviceFeatureSelect = 0x00
	cfgDeviceFeature       = 0x04
	cfgDriverFeatureSelect = 0x08
	cfgDriverFeature       = 0x0C
	cfgMSIXConfig          = 0x10
	cfgNumQueues           = 0x12
	cfgDeviceStatus        = 0x14
	cfgConfigGeneration    = 0x15
	cfgQueueSelect         = 0x16
	cfgQueueSize           = 0x18
	cfgQueueMSIXVector     = 0x1A
	cfgQueueEnable         = 0x1C
	cfgQueueNotifyOff      = 0x1E
	cfgQueueDesc           = 0x20
	cfgQueueDriver         = 0x28
	cfgQueueDevice         = 0x30

	commonCfgMinLen = 0x34
)

// Device status bits, per virtio.h.
const (
	statusAcknowledge    = 1
	statusDriver         = 2
	statusDriverOK       = 4
	statusFeaturesOK     = 8
	statusDeviceNeedsReset = 64
	statusFailed         = 128
)

// Feature bits this driver may negotiate, per virtio.h.
const (
	featVersion1 = 32
)

// legacyMSIXVector is written to MSIX_CONFIG/QUEUE_MSIX_VECTOR when a
// device has no usable MSI-X vector, selecting the legacy single-line IRQ
// path, per virtio.h's VIRTIO_MSI_NO_VECTOR.
const legacyMSIXVector = 0xFFFF

// Capability types located via the VNDR capability-list walk, per
// virtio.h's VIRTIO_PCI_CAP_*.
const (
	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4
	capPCICfg    = 5
)

// ConfigSpace abstracts PCI config-space and BAR access so pci.go can be
// driven either against the real Linux sysfs PCI interface or a fake in
// tests.
type ConfigSpace interface {
	ReadConfig(offset, length int) ([]byte, error)
	WriteConfig(offset int, data []byte) error
	MapBAR(bar int, offset, length int) ([]byte, error)
}

// SysfsConfigSpace drives ConfigSpace against a real PCI function exposed
// under /sys/bus/pci/devices/<address>, the standard Linux userspace PCI
// access mechanism: the function's "config" file is a byte-addressable
// view of its configuration space, and its "resourceN" files are
// mmap-able views of BAR N.
type SysfsConfigSpace struct {
	Address string // e.g. "0000:00:03.0"
}

func (s SysfsConfigSpace) sysfsPath(name string) string {
	return fmt.Sprintf("/sys/bus/pci/devices/%s/%s", s.Address, name)
}

func (s SysfsConfigSpace) ReadConfig(offset, length int) ([]byte, error) {
	f, err := os.Open(s.sysfsPath("config"))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoDevice, "virtio: open pci config", err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, "virtio: read pci config", err)
	}
	return buf, nil
}

func (s SysfsConfigSpace) WriteConfig(offset int, data []byte) error {
	f, err := os.OpenFile(s.sysfsPath("config"), os.O_WRONLY, 0)
	if err != nil {
		return kerrors.Wrap(kerrors.NoDevice, "virtio: open pci config", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return kerrors.Wrap(kerrors.IoError, "virtio: write pci config", err)
	}
	return nil
}

func (s SysfsConfigSpace) MapBAR(bar int, offset, length int) ([]byte, error) {
	name := fmt.Sprintf("resource%d", bar)
	f, err := os.OpenFile(s.sysfsPath(name), os.O_RDWR, 0)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoDevice, "virtio: open pci bar", err)
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoDevice, "virtio: mmap pci bar", err)
	}
	return mem, nil
}

// capability is one entry of a VirtIO PCI extended capability list, per
// get_pci_cap's layout (offset 0 cap id, +1 next, +2 len, +3 cfg_type, +4
// bar, +8 bar offset, +12 length, +16 notify multiplier for NOTIFY_CFG).
type capability struct {
	cfgType      uint8
	bar          uint8
	barOffset    uint32
	length       uint32
	configOffset int // this capability structure's own offset in PCI config space
}

const (
	pciStatusOffset       = 0x06
	pciStatusCapList      = 0x10
	pciCapabilitiesOffset = 0x34

	// pciCapIDVendorSpecific is the PCI capability ID every VirtIO
	// capability structure is tagged with (PCI spec "Vendor Specific").
	pciCapIDVendorSpecific = 0x09
)

// findCapability walks the PCI capability list looking for a VNDR
// (vendor-specific) capability whose cfg_type byte matches want, per
// main.c's get_pci_cap.
func findCapability(cs ConfigSpace, want uint8) (*capability, error) {
	status, err := cs.ReadConfig(pciStatusOffset, 2)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(status)&pciStatusCapList == 0 {
		return nil, kerrors.New(kerrors.NoDevice, "virtio: device has no capability list")
	}

	ptrBuf, err := cs.ReadConfig(pciCapabilitiesOffset, 1)
	if err != nil {
		return nil, err
	}
	ptr := ptrBuf[0]
	for ptr != 0 {
		hdr, err := cs.ReadConfig(int(ptr), 16)
		if err != nil {
			return nil, err
		}
		capID := hdr[0]
		next := hdr[1]
		if capID == pciCapIDVendorSpecific && hdr[3] == want {
			return &capability{
				cfgType:      hdr[3],
				bar:          hdr[4],
				barOffset:    binary.LittleEndian.Uint32(hdr[8:12]),
				length:       binary.LittleEndian.Uint32(hdr[12:16]),
				configOffset: int(ptr),
			}, nil
		}
		ptr = next
	}
	return nil, kerrors.New(kerrors.NoDevice, fmt.Sprintf("virtio: capability type %d not found", want))
}

// Device is a VirtIO PCI function bound to one driver instance: the mapped
// common/notify/ISR capability regions plus the negotiated queue set.
type Device struct {
	cs ConfigSpace

	commonCfg        []byte
	notifyCfg        []byte
	isrCfg           []byte
	notifyMultiplier uint32

	queues []*Queue

	msixVector uint16
}

func (d *Device) readCommon8(off int) uint8   { return d.commonCfg[off] }
func (d *Device) writeCommon8(off int, v uint8) { d.commonCfg[off] = v }
func (d *Device) readCommon16(off int) uint16 {
	return binary.LittleEndian.Uint16(d.commonCfg[off : off+2])
}
func (d *Device) writeCommon16(off int, v uint16) {
	binary.LittleEndian.PutUint16(d.commonCfg[off:off+2], v)
}
func (d *Device) readCommon32(off int) uint32 {
	return binary.LittleEndian.Uint32(d.commonCfg[off : off+4])
}
func (d *Device) writeCommon32(off int, v uint32) {
	binary.LittleEndian.PutUint32(d.commonCfg[off:off+4], v)
}
func (d *Device) writeCommon64(off int, v uint64) {
	binary.LittleEndian.PutUint64(d.commonCfg[off:off+8], v)
}

// Open binds a Device to a PCI function, running the full negotiation
// sequence of main.c's virtio_dev_init: reset, ACKNOWLEDGE|DRIVER, feature
// negotiation (always including VIRTIO_F_VERSION_1), FEATURES_OK with
// verification, notify/ISR capability mapping, and queue setup. The caller
// must call InitEnd once the device-specific config space has been read
// and every queue the driver needs has been set up, to flip DRIVER_OK.
func Open(cs ConfigSpace, wantFeatures []uint, queueSizes []uint16) (*Device, error) {
	common, err := findCapability(cs, capCommonCfg)
	if err != nil {
		return nil, err
	}
	if common.length < commonCfgMinLen {
		return nil, kerrors.New(kerrors.NoDevice, "virtio: common config capability too short")
	}
	commonCfg, err := cs.MapBAR(int(common.bar), int(common.barOffset), int(common.length))
	if err != nil {
		return nil, err
	}

	d := &Device{cs: cs, commonCfg: commonCfg}

	d.writeCommon8(cfgDeviceStatus, 0)
	if d.readCommon8(cfgDeviceStatus)&statusFailed != 0 {
		return nil, kerrors.New(kerrors.IoError, "virtio: device FAILED after reset")
	}

	d.writeCommon8(cfgDeviceStatus, statusAcknowledge|statusDriver)
	if d.readCommon8(cfgDeviceStatus)&statusFailed != 0 {
		return nil, kerrors.New(kerrors.IoError, "virtio: device FAILED after ACKNOWLEDGE|DRIVER")
	}

	for _, feat := range wantFeatures {
		d.negotiateFeature(feat)
	}
	d.negotiateFeature(featVersion1)

	d.writeCommon8(cfgDeviceStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if d.readCommon8(cfgDeviceStatus)&statusFeaturesOK == 0 {
		return nil, kerrors.New(kerrors.IoError, "virtio: device rejected negotiated feature set")
	}

	notify, err := findCapability(cs, capNotifyCfg)
	if err != nil {
		return nil, err
	}
	notifyCfg, err := cs.MapBAR(int(notify.bar), int(notify.barOffset), int(notify.length))
	if err != nil {
		return nil, err
	}
	d.notifyCfg = notifyCfg
	d.notifyMultiplier = notifyMultiplierOf(cs, notify)

	isr, err := findCapability(cs, capISRCfg)
	if err != nil {
		return nil, err
	}
	isrCfg, err := cs.MapBAR(int(isr.bar), int(isr.barOffset), 1)
	if err != nil {
		return nil, err
	}
	d.isrCfg = isrCfg

	d.msixVector = legacyMSIXVector
	d.writeCommon16(cfgMSIXConfig, d.msixVector)

	numQueues := int(d.readCommon16(cfgNumQueues))
	if len(queueSizes) > numQueues {
		return nil, kerrors.New(kerrors.InvalidArgument, "virtio: more queues requested than the device exposes")
	}
	for i, size := range queueSizes {
		q, err := d.initQueue(uint16(i), size)
		if err != nil {
			return nil, err
		}
		d.queues = append(d.queues, q)
	}

	return d, nil
}

// notifyMultiplierOf reads the notify capability's cap_notify_off_multiplier
// field, which main.c's setup_notify captures from offset +0x10 of the
// vendor capability structure in PCI config space — 4 bytes past the
// common 16-byte capability header findCapability already consumed.
func notifyMultiplierOf(cs ConfigSpace, cap *capability) uint32 {
	hdr, err := cs.ReadConfig(cap.configOffset+16, 4)
	if err != nil {
		klog.Warningf("virtio: could not read notify_off_multiplier, defaulting to 0: %v", err)
		return 0
	}
	return binary.LittleEndian.Uint32(hdr)
}

func (d *Device) negotiateFeature(bit uint) {
	d.writeCommon32(cfgDeviceFeatureSelect, uint32(bit/32))
	advertised := d.readCommon32(cfgDeviceFeature)
	if advertised&(1<<(bit%32)) == 0 {
		klog.Warningf("virtio: device does not advertise feature bit %d", bit)
		return
	}
	d.writeCommon32(cfgDriverFeatureSelect, uint32(bit/32))
	cur := d.readCommon32(cfgDriverFeature)
	d.writeCommon32(cfgDriverFeature, cur|(1<<(bit%32)))
}

// initQueue selects queue i, reads back its clamped size, allocates its
// three ring pages, publishes their addresses, and enables it, per
// main.c's init_queues / queue.c's virtq_init.
func (d *Device) initQueue(i uint16, wantSize uint16) (*Queue, error) {
	d.writeCommon16(cfgQueueSelect, i)
	devSize := d.readCommon16(cfgQueueSize)
	size := wantSize
	if devSize != 0 && devSize < size {
		size = devSize
	}

	q, err := newQueue(i, size, func() { d.notifyQueue(i) })
	if err != nil {
		return nil, err
	}

	d.writeCommon64(cfgQueueDesc, uint64(q.DescAddr()))
	d.writeCommon64(cfgQueueDriver, uint64(q.AvailAddr()))
	d.writeCommon64(cfgQueueDevice, uint64(q.UsedAddr()))
	d.writeCommon16(cfgQueueMSIXVector, d.msixVector)
	d.writeCommon16(cfgQueueEnable, 1)
	return q, nil
}

// notifyQueue writes the queue index to the notify capability region at
// notify_multiplier*queue_id, per queue.c's virtq_notify.
func (d *Device) notifyQueue(i uint16) {
	off := int(d.notifyMultiplier) * int(i)
	if off+2 > len(d.notifyCfg) {
		klog.Warningf("virtio: notify offset %d out of range for queue %d", off, i)
		return
	}
	binary.LittleEndian.PutUint16(d.notifyCfg[off:off+2], i)
}

// InitEnd flips DRIVER_OK, per main.c's virtio_dev_init_end. Call this
// only after every queue the driver needs is initialized and any
// device-specific config space has been read.
func (d *Device) InitEnd() {
	d.writeCommon8(cfgDeviceStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
}

// Queues returns the negotiated queue set, in the order requested to Open.
func (d *Device) Queues() []*Queue { return d.queues }

// DeviceConfig maps the device-specific configuration capability (block
// capacity, net MAC/status, GPU display info, and so on — whatever the
// concrete device type defines), per virtio.h's VIRTIO_PCI_CAP_DEVICE_CFG.
func (d *Device) DeviceConfig(length int) ([]byte, error) {
	cap, err := findCapability(d.cs, capDeviceCfg)
	if err != nil {
		return nil, err
	}
	if length == 0 || int(cap.length) < length {
		length = int(cap.length)
	}
	return d.cs.MapBAR(int(cap.bar), int(cap.barOffset), length)
}

// ISR reads and clears the legacy interrupt status byte, per main.c's
// int_handler: bit 0 signals queue completion, bit 1 a config change.
func (d *Device) ISR() (queueInterrupt, configInterrupt bool) {
	if len(d.isrCfg) == 0 {
		return false, false
	}
	b := d.isrCfg[0]
	return b&0x1 != 0, b&0x2 != 0
}

// HandleInterrupt wakes every queue's waiters when the ISR reports a queue
// completion, per main.c's int_handler dispatching to virtq_on_irq; it
// does not poll the used rings itself, the woken QueueWorkers do.
func (d *Device) HandleInterrupt() {
	queueInt, _ := d.ISR()
	if !queueInt {
		return
	}
	for _, q := range d.queues {
		q.OnInterrupt()
	}
}
