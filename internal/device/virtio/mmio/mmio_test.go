package mmio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
	"github.com/tenbox/tenbox/internal/memory"
)

type fakeBackend struct {
	queues int
	resets int
}

func (f *fakeBackend) DeviceID() uint32              { return 2 }
func (f *fakeBackend) NumQueues() int                { return f.queues }
func (f *fakeBackend) QueueSizeMax(sel int) uint16   { return 128 }
func (f *fakeBackend) DeviceFeatures(sel uint32) uint32 { return 0 }
func (f *fakeBackend) SetDriverFeatures(sel uint32, value uint32) {}
func (f *fakeBackend) ReadConfig(offset uint64, data []byte)  {}
func (f *fakeBackend) WriteConfig(offset uint64, data []byte) {}
func (f *fakeBackend) Notify(sel int, q *virtqueue.Queue)     {}
func (f *fakeBackend) Reset()                                 { f.resets++ }

func newDevice(t *testing.T) (*Device, *fakeBackend) {
	t.Helper()
	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	b := &fakeBackend{queues: 1}
	irqCount := 0
	d := New(mem, b, func() { irqCount++ })
	return d, b
}

func write32(d *Device, off uint64, v uint32) {
	buf := make([]byte, 4)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	_ = d.HandleMMIO(off, buf, true)
}

func read32(d *Device, off uint64) uint32 {
	buf := make([]byte, 4)
	_ = d.HandleMMIO(off, buf, false)
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func TestTransportResetClearsQueueReadyAndInterruptStatus(t *testing.T) {
	d, _ := newDevice(t)

	write32(d, offQueueSel, 0)
	write32(d, offQueueNum, 128)
	write32(d, offQueueDescLow, 0x1000)
	write32(d, offQueueDriverLow, 0x2000)
	write32(d, offQueueDeviceLow, 0x3000)
	write32(d, offQueueReady, 1)
	require.Equal(t, uint32(1), read32(d, offQueueReady))

	d.NotifyUsedBuffer()
	require.Equal(t, InterruptStatusUsedBuffer, d.interruptStatus)

	write32(d, offStatus, 0)

	require.Equal(t, uint32(0), read32(d, offQueueReady))
	require.Equal(t, uint32(0), read32(d, offInterruptStatus))
}

func TestMagicAndVersion(t *testing.T) {
	d, _ := newDevice(t)
	require.Equal(t, uint32(MagicValue), read32(d, offMagicValue))
	require.Equal(t, uint32(Version), read32(d, offVersion))
}
