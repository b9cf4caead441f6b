package qcow2

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeEmptyImage builds a minimal qcow2 v3 file on disk: header + an
// empty L1 table, sized for virtSize bytes with 2^clusterBits clusters.
func writeEmptyImage(t *testing.T, virtSize uint64, clusterBits uint32) string {
	t.Helper()

	clusterSize := uint64(1) << clusterBits
	l2Entries := clusterSize / 8
	l1Size := (virtSize + (l2Entries * clusterSize) - 1) / (l2Entries * clusterSize)
	if l1Size == 0 {
		l1Size = 1
	}

	l1Offset := clusterSize // header occupies cluster 0

	buf := make([]byte, l1Offset+l1Size*8)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], 3)
	binary.BigEndian.PutUint64(buf[8:16], 0)  // backing file offset
	binary.BigEndian.PutUint32(buf[16:20], 0) // backing file size
	binary.BigEndian.PutUint32(buf[20:24], clusterBits)
	binary.BigEndian.PutUint64(buf[24:32], virtSize)
	binary.BigEndian.PutUint32(buf[32:36], 0) // crypt method
	binary.BigEndian.PutUint32(buf[36:40], uint32(l1Size))
	binary.BigEndian.PutUint64(buf[40:48], l1Offset)

	dir := t.TempDir()
	path := filepath.Join(dir, "disk.qcow2")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestReadUnallocatedClusterReadsZero(t *testing.T) {
	path := writeEmptyImage(t, 16<<20, 16) // 16 MiB virtual, 64 KiB clusters

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, int64(16<<20), img.Size())

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xAA
	}
	n, err := img.ReadAt(buf, 1<<20)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestWriteThenReadRoundtrips(t *testing.T) {
	path := writeEmptyImage(t, 16<<20, 16)

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}

	off := int64(100000)
	n, err := img.WriteAt(payload, off)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	readBack := make([]byte, len(payload))
	n, err = img.ReadAt(readBack, off)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)
}

func TestSecondWriteInClusterPreservesPriorContents(t *testing.T) {
	path := writeEmptyImage(t, 16<<20, 16) // 64 KiB clusters

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	clusterSize := int64(1) << 16
	base := clusterSize * 2

	first := make([]byte, 512)
	for i := range first {
		first[i] = 0x11
	}
	_, err = img.WriteAt(first, base)
	require.NoError(t, err)

	second := make([]byte, 512)
	for i := range second {
		second[i] = 0x22
	}
	_, err = img.WriteAt(second, base+1024)
	require.NoError(t, err)

	readBack := make([]byte, 512)
	_, err = img.ReadAt(readBack, base)
	require.NoError(t, err)
	require.Equal(t, first, readBack)

	_, err = img.ReadAt(readBack, base+1024)
	require.NoError(t, err)
	require.Equal(t, second, readBack)
}

func TestReopenPersistsAllocations(t *testing.T) {
	path := writeEmptyImage(t, 16<<20, 16)

	img, err := Open(path)
	require.NoError(t, err)

	payload := []byte("persisted-cluster-data")
	off := int64(2_000_000)
	_, err = img.WriteAt(payload, off)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	img2, err := Open(path)
	require.NoError(t, err)
	defer img2.Close()

	readBack := make([]byte, len(payload))
	_, err = img2.ReadAt(readBack, off)
	require.NoError(t, err)
	require.Equal(t, payload, readBack)
}
