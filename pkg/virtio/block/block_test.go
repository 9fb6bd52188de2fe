package block

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConfigSpace is a minimal VirtIO PCI function, enough to drive
// virtio.Open through feature negotiation and a DEVICE_CFG capability
// exposing a fixed capacity, without any real device model behind it.
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

func newFakeBlockDevice(t *testing.T, capacity uint64) *fakeConfigSpace {
	t.Helper()
	f := &fakeConfigSpace{config: make([]byte, 256), bars: map[int][]byte{}}

	binary.LittleEndian.PutUint16(f.config[0x06:], 0x10) // capabilities list present
	f.config[0x34] = 0x40

	writeCap := func(off int, cfgType, bar uint8, barOffset, length uint32, next uint8) {
		f.config[off] = 0x09
		f.config[off+1] = next
		f.config[off+2] = 16
		f.config[off+3] = cfgType
		f.config[off+4] = bar
		binary.LittleEndian.PutUint32(f.config[off+8:], barOffset)
		binary.LittleEndian.PutUint32(f.config[off+12:], length)
	}
	writeCap(0x40, 1 /*common*/, 0, 0x0, 0x34, 0x60)
	writeCap(0x60, 2 /*notify*/, 0, 0x1000, 0x1000, 0x80)
	binary.LittleEndian.PutUint32(f.config[0x60+16:], 4)
	writeCap(0x80, 3 /*isr*/, 0, 0x2000, 0x1, 0xA0)
	writeCap(0xA0, 4 /*device*/, 0, 0x3000, 0x40, 0)

	common, _ := f.MapBAR(0, 0, 0x34)
	binary.LittleEndian.PutUint16(common[0x18:], 128) // queue size
	binary.LittleEndian.PutUint32(common[0x04:], 0xFFFFFFFF) // advertise everything
	binary.LittleEndian.PutUint16(common[0x12:], 1) // num_queues

	devCfg, _ := f.MapBAR(0, 0x3000, 0x40)
	binary.LittleEndian.PutUint64(devCfg[cfgCapacity:], capacity)

	return f
}

func TestOpenReadsCapacityFromDeviceConfig(t *testing.T) {
	f := newFakeBlockDevice(t, 2048)
	d, err := Open(f, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(2048), d.Capacity())
}

func TestReadRejectsUnalignedLength(t *testing.T) {
	f := newFakeBlockDevice(t, 2048)
	d, err := Open(f, 8)
	require.NoError(t, err)

	err = d.Read(0, make([]byte, 511))
	require.Error(t, err)
}

func TestWriteRejectsUnalignedLength(t *testing.T) {
	f := newFakeBlockDevice(t, 2048)
	d, err := Open(f, 8)
	require.NoError(t, err)

	err = d.Write(0, make([]byte, 513))
	require.Error(t, err)
}

func TestCloseUnmapsRequestBuffer(t *testing.T) {
	f := newFakeBlockDevice(t, 2048)
	d, err := Open(f, 8)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}
