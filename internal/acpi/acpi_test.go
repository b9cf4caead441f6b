package acpi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sumBytes(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func TestACPISanityNoVirtioDevices(t *testing.T) {
	tables := Build(2, nil)

	require.Zero(t, sumBytes(tables.RSDP[:20]), "RSDP 20-byte checksum")
	require.Zero(t, sumBytes(tables.RSDP), "RSDP 36-byte checksum")
	require.Zero(t, sumBytes(tables.XSDT), "XSDT checksum")

	wantMADTLen := 36 + 8 + 2*madtLocalApicEntrySize + madtIoApicEntrySize + madtIntOverrideSize
	require.Len(t, tables.MADT, wantMADTLen)
	require.Zero(t, sumBytes(tables.MADT), "MADT checksum")
	require.Zero(t, sumBytes(tables.FADT), "FADT checksum")
	require.Zero(t, sumBytes(tables.DSDT), "DSDT checksum")
}

func TestACPIDSDTIncludesVirtioDevices(t *testing.T) {
	tables := Build(1, []VirtioDevice{
		{Name: "blk0", GPA: 0xd0000000, Size: 0x200, IRQ: 5},
		{Name: "net0", GPA: 0xd0000200, Size: 0x200, IRQ: 6},
	})
	require.Zero(t, sumBytes(tables.DSDT))
	require.Contains(t, string(tables.DSDT), "LNRO0005")
}
