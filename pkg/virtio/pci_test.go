package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConfigSpace models one PCI function's config space and BARs in a
// plain byte slice plus a map of mmap'd regions, so pci.go's negotiation
// sequence can be exercised without a real device.
type fakeConfigSpace struct {
	config []byte
	bars   map[int][]byte
}

func (f *fakeConfigSpace) ReadConfig(offset, length int) ([]byte, error) {
	buf := make([]byte, length)
	copy(buf, f.config[offset:offset+length])
	return buf, nil
}

func (f *fakeConfigSpace) WriteConfig(offset int, data []byte) error {
	copy(f.config[offset:offset+len(data)], data)
	return nil
}

func (f *fakeConfigSpace) MapBAR(bar int, offset, length int) ([]byte, error) {
	region, ok := f.bars[bar]
	if !ok {
		region = make([]byte, 65536)
		f.bars[bar] = region
	}
	return region[offset : offset+length], nil
}

// newFakeVirtioDevice builds a config space with a capability list exposing
// COMMON/NOTIFY/ISR capabilities on BAR 0, backed by a plain-memory
// commonCfg region that reads back whatever was written (so FEATURES_OK
// reads back once set); it advertises no feature bits, so each test
// writes the device-feature word itself.
func newFakeVirtioDevice(numQueues uint16, queueSize uint16) *fakeConfigSpace {
	f := &fakeConfigSpace{config: make([]byte, 256), bars: map[int][]byte{}}

	binary.LittleEndian.PutUint16(f.config[pciStatusOffset:], pciStatusCapList)
	f.config[pciCapabilitiesOffset] = 0x40 // first capability offset

	writeCap := func(off int, cfgType, bar uint8, barOffset, length uint32, next uint8) {
		f.config[off] = pciCapIDVendorSpecific
		f.config[off+1] = next
		f.config[off+2] = 16
		f.config[off+3] = cfgType
		f.config[off+4] = bar
		binary.LittleEndian.PutUint32(f.config[off+8:], barOffset)
		binary.LittleEndian.PutUint32(f.config[off+12:], length)
	}
	writeCap(0x40, capCommonCfg, 0, 0x0, commonCfgMinLen, 0x60)
	writeCap(0x60, capNotifyCfg, 0, 0x1000, 0x1000, 0x80)
	binary.LittleEndian.PutUint32(f.config[0x60+16:], 4) // notify_off_multiplier
	writeCap(0x80, capISRCfg, 0, 0x2000, 0x1, 0)

	common, err := f.MapBAR(0, 0x0, commonCfgMinLen)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint16(common[cfgNumQueues:], numQueues)
	binary.LittleEndian.PutUint16(common[cfgQueueSize:], queueSize)

	return f
}

func TestOpenNegotiatesFeaturesAndReachesFeaturesOK(t *testing.T) {
	f := newFakeVirtioDevice(1, 8)
	// Advertise every feature bit any test will ask for.
	common, _ := f.MapBAR(0, 0, commonCfgMinLen)
	binary.LittleEndian.PutUint32(common[cfgDeviceFeature:], 0xFFFFFFFF)

	d, err := Open(f, []uint{0}, []uint16{8})
	require.NoError(t, err)

	status := d.readCommon8(cfgDeviceStatus)
	assert.Equal(t, uint8(statusAcknowledge|statusDriver|statusFeaturesOK), status)
	assert.Equal(t, uint32(4), d.notifyMultiplier)
}

func TestOpenFailsWhenMoreQueuesRequestedThanAdvertised(t *testing.T) {
	f := newFakeVirtioDevice(1, 8)
	common, _ := f.MapBAR(0, 0, commonCfgMinLen)
	binary.LittleEndian.PutUint32(common[cfgDeviceFeature:], 0xFFFFFFFF)

	_, err := Open(f, nil, []uint16{8, 8})
	assert.Error(t, err)
}

func TestInitEndSetsDriverOK(t *testing.T) {
	f := newFakeVirtioDevice(1, 8)
	common, _ := f.MapBAR(0, 0, commonCfgMinLen)
	binary.LittleEndian.PutUint32(common[cfgDeviceFeature:], 0xFFFFFFFF)

	d, err := Open(f, nil, []uint16{8})
	require.NoError(t, err)
	d.InitEnd()

	status := d.readCommon8(cfgDeviceStatus)
	assert.Equal(t, uint8(statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK), status)
}

func TestQueueAddressesArePublishedToCommonConfig(t *testing.T) {
	f := newFakeVirtioDevice(1, 8)
	common, _ := f.MapBAR(0, 0, commonCfgMinLen)
	binary.LittleEndian.PutUint32(common[cfgDeviceFeature:], 0xFFFFFFFF)

	d, err := Open(f, nil, []uint16{8})
	require.NoError(t, err)
	require.Len(t, d.queues, 1)

	q := d.queues[0]
	descAddr := binary.LittleEndian.Uint64(common[cfgQueueDesc:])
	assert.Equal(t, uint64(q.DescAddr()), descAddr)
}

func TestNotifyQueueWritesIndexAtMultiplierOffset(t *testing.T) {
	f := newFakeVirtioDevice(1, 8)
	common, _ := f.MapBAR(0, 0, commonCfgMinLen)
	binary.LittleEndian.PutUint32(common[cfgDeviceFeature:], 0xFFFFFFFF)

	d, err := Open(f, nil, []uint16{8})
	require.NoError(t, err)

	d.queues[0].Notify()
	got := binary.LittleEndian.Uint16(d.notifyCfg[0:2])
	assert.Equal(t, uint16(0), got)
}
