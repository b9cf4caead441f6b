package vmm

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// buildBootSmokeImage assembles a minimal bzImage (spec.md §4.16): a
// one-sector setup header with a valid HdrS signature, followed by an
// 8-byte protected-mode body that writes 'P' to the COM1 data register
// (0x3F8) and halts. Grounded on the teacher's own protected-mode boot
// test, corrected for the real OUT-to-variable-port encoding:
//
//	B0 50          mov al, 'P'
//	66 BA F8 03    mov dx, 0x3F8
//	EE             out dx, al
//	F4             hlt
func buildBootSmokeImage(t *testing.T) string {
	t.Helper()
	const setupLen = 1024 // setup_sects=1 -> (1+1)*512
	body := []byte{0xB0, 0x50, 0x66, 0xBA, 0xF8, 0x03, 0xEE, 0xF4}

	img := make([]byte, setupLen+len(body))
	img[0x1F1] = 1 // setup_sects
	copy(img[0x202:0x206], "HdrS")
	binary.LittleEndian.PutUint16(img[0x206:0x208], 0x0206)
	copy(img[setupLen:], body)

	dir := t.TempDir()
	path := filepath.Join(dir, "bzImage")
	require.NoError(t, os.WriteFile(path, img, 0o644))
	return path
}

// TestVMBootsToFirstSerialWrite drives a real vCPU from the bootloader's
// protected-mode entry point to its first guest-visible PIO write,
// matching the boot-smoke scenario spec.md §8 calls for.
func TestVMBootsToFirstSerialWrite(t *testing.T) {
	kernelPath := buildBootSmokeImage(t)

	var console bytes.Buffer
	log := logrus.New()
	log.SetOutput(os.Stderr)

	vm, err := New(Config{
		CPUCount:    1,
		MemoryBytes: 64 * 1024 * 1024,
		KernelPath:  kernelPath,
		ConsoleOut:  &console,
		Log:         logrus.NewEntry(log),
	})
	if err != nil {
		t.Skipf("vmm: hypervisor substrate unavailable in this environment: %v", err)
	}
	defer vm.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- vm.Run() }()

	deadline := time.Now().Add(5 * time.Second)
	for console.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	vm.RequestStop()
	require.NoError(t, <-runErr)
	require.Equal(t, "P", console.String())
}
