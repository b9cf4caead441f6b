package bootloader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tenbox/tenbox/internal/memory"
)

// buildSyntheticBzImage constructs the minimal image scenario 1 (spec.md
// §8) describes: a HdrS magic at 0x202 with protocol version 0x0206, one
// 512-byte setup sector, and a 4 KiB protected-mode body. setup_sects=1
// means the on-disk setup region is (1+1)*512 = 1024 bytes.
func buildSyntheticBzImage(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 1024+4096)
	img[0x1F1] = 1
	copy(img[0x202:0x206], "HdrS")
	binary.LittleEndian.PutUint16(img[0x206:0x208], 0x0206)
	return img
}

func TestLoadValidatesHdrSSignature(t *testing.T) {
	mem, err := memory.New(256 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	bad := make([]byte, 2048)
	_, _, _, err = Load(mem, bad, nil, "", 0x4000)
	require.Error(t, err)
}

func TestLoadBuildsEntryStateAndE820(t *testing.T) {
	mem, err := memory.New(256 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	img := buildSyntheticBzImage(t)
	params, sregs, regs, err := Load(mem, img, nil, "", 0x4000)
	require.NoError(t, err)

	require.Equal(t, uint64(KernelAddr), regs.RIP)
	require.Equal(t, uint64(ZeroPageAddr), regs.RSI)
	require.Equal(t, uint64(0x2), regs.RFLAGS)
	require.Equal(t, uint64(0x11), sregs.CR0)
	require.Equal(t, uint16(0x10), sregs.CS.Selector)
	require.Equal(t, uint16(0x18), sregs.DS.Selector)

	require.NotEmpty(t, params.E820)
	require.Equal(t, uint32(E820TypeRAM), params.E820[0].Type)

	zeroPage := make([]byte, 8)
	require.True(t, mem.ReadAt(zeroPage, ZeroPageAddr+0x70))
	require.Equal(t, uint64(0x4000), binary.LittleEndian.Uint64(zeroPage))
}

func TestLoadRejectsOldProtocolVersion(t *testing.T) {
	mem, err := memory.New(256 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	img := buildSyntheticBzImage(t)
	binary.LittleEndian.PutUint16(img[0x206:0x208], 0x0105)
	_, _, _, err = Load(mem, img, nil, "", 0x4000)
	require.Error(t, err)
}
