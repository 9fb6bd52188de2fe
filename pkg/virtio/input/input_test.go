package input

import (
	"encoding/binary"
	"testing"

	evdev "github.com/gvalkov/golang-evdev"
	"github.com/stretchr/testify/require"
)

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

func newFakeInputDevice(t *testing.T) *fakeConfigSpace {
	t.Helper()
	f := &fakeConfigSpace{config: make([]byte, 256), bars: map[int][]byte{}}

	binary.LittleEndian.PutUint16(f.config[0x06:], 0x10)
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
	writeCap(0x40, 1, 0, 0x0, 0x34, 0x60)
	writeCap(0x60, 2, 0, 0x1000, 0x1000, 0x80)
	binary.LittleEndian.PutUint32(f.config[0x60+16:], 4)
	writeCap(0x80, 3, 0, 0x2000, 0x1, 0)

	common, _ := f.MapBAR(0, 0, 0x34)
	binary.LittleEndian.PutUint16(common[0x18:], 8)
	binary.LittleEndian.PutUint32(common[0x04:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint16(common[0x12:], 2)

	return f
}

func TestOpenPrepostsOneBufferPerSlot(t *testing.T) {
	f := newFakeInputDevice(t)
	d, err := Open(f, 8, nil, nil)
	require.NoError(t, err)
	require.Len(t, d.bufs, 8)
}

func TestMouseButtonRangeMatchesEvdevConstants(t *testing.T) {
	require.True(t, mouseButton(evdev.BTN_LEFT))
	require.True(t, mouseButton(evdev.BTN_RIGHT))
	require.False(t, mouseButton(evdev.KEY_A))
}

func TestCloseUnmapsEveryEventBuffer(t *testing.T) {
	f := newFakeInputDevice(t)
	d, err := Open(f, 8, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}
