package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tenbox/tenbox/internal/memory"
)

func newTestMem(t *testing.T) *memory.GuestMemory {
	t.Helper()
	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return mem
}

func writeDesc(mem *memory.GuestMemory, base uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := base + uint64(idx)*descSize
	var buf [descSize]byte
	putLE32(buf[0:4], uint32(addr))
	putLE32(buf[4:8], uint32(addr>>32))
	putLE32(buf[8:12], length)
	buf[12] = byte(flags)
	buf[13] = byte(flags >> 8)
	buf[14] = byte(next)
	buf[15] = byte(next >> 8)
	mem.WriteAt(off, buf[:])
}

func setAvail(mem *memory.GuestMemory, base uint64, idx uint16, heads []uint16) {
	var idxBuf [2]byte
	idxBuf[0] = byte(idx)
	idxBuf[1] = byte(idx >> 8)
	mem.WriteAt(base+2, idxBuf[:])
	for i, h := range heads {
		off := base + 4 + uint64(i)*2
		var b [2]byte
		b[0] = byte(h)
		b[1] = byte(h >> 8)
		mem.WriteAt(off, b[:])
	}
}

func TestVirtqueueRoundtrip(t *testing.T) {
	mem := newTestMem(t)
	const (
		descBase   = 0x1000
		driverBase = 0x2000
		deviceBase = 0x3000
		dataBase   = 0x4000
	)

	q, err := New(mem, 4, descBase, driverBase, deviceBase)
	require.NoError(t, err)

	for i := uint16(0); i < 3; i++ {
		writeDesc(mem, descBase, i, dataBase+uint64(i)*0x100, 64, descFlagWrite, 0)
	}
	setAvail(mem, driverBase, 3, []uint16{0, 1, 2})

	var heads []uint16
	for {
		h, ok := q.PopAvail()
		if !ok {
			break
		}
		heads = append(heads, h)
	}
	require.Equal(t, []uint16{0, 1, 2}, heads)

	for i, h := range heads {
		q.PushUsed(h, uint32(i+1))
	}

	require.Equal(t, uint16(3), q.usedIdx())

	for i, h := range heads {
		off := deviceBase + 4 + uint64(i)*8
		var buf [8]byte
		mem.ReadAt(buf[:], off)
		require.Equal(t, uint32(h), leU32(buf[0:4]))
		require.Equal(t, uint32(i+1), leU32(buf[4:8]))
	}
}

func TestWalkChainCycleDefense(t *testing.T) {
	mem := newTestMem(t)
	const descBase = 0x1000
	q, err := New(mem, 4, descBase, 0x2000, 0x3000)
	require.NoError(t, err)

	// Build a chain that cycles back to itself.
	writeDesc(mem, descBase, 0, 0x5000, 16, descFlagNext, 0)

	_, err = q.WalkChain(0)
	require.Error(t, err)
}
