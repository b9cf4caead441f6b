// Package acpi builds the minimal ACPI table set a Linux guest needs to
// discover its virtual hardware: RSDP, XSDT, MADT, FADT, and a
// synthesized DSDT (spec.md §4.15).
package acpi

import (
	"bytes"
	"encoding/binary"
)

// Guest-physical layout (spec.md §6.2). The boot loader patches the RSDP
// GPA into boot_params; everything else is fixed by this package.
const (
	RSDPAddr = 0x4000
	XSDTAddr = 0x4100
	MADTAddr = 0x4200
	FADTAddr = 0x4300
	DSDTAddr = 0x4500

	ioApicAddr = 0xFEC00000
)

// VirtioDevice describes one virtio-mmio device for MADT/DSDT
// enumeration: its MMIO window and the IRQ line the VMM wires to it.
type VirtioDevice struct {
	Name string // e.g. "blk0", "net0" — used to build a unique _UID
	GPA  uint64
	Size uint64
	IRQ  uint8
}

// Tables is the set of built tables, each already checksummed, keyed by
// guest-physical address for the caller to copy into guest RAM.
type Tables struct {
	RSDP []byte
	XSDT []byte
	MADT []byte
	FADT []byte
	DSDT []byte
}

func checksum8(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return byte(-sum)
}

func sdtHeader(sig string, length uint32, revision byte) []byte {
	h := make([]byte, 36)
	copy(h[0:4], sig)
	binary.LittleEndian.PutUint32(h[4:8], length)
	h[8] = revision
	copy(h[10:16], "TENBOX")
	copy(h[16:24], "TENBOXVM")
	binary.LittleEndian.PutUint32(h[24:28], 1)
	copy(h[28:32], "TNBX")
	binary.LittleEndian.PutUint32(h[32:36], 1)
	return h
}

func finalizeChecksum(table []byte) {
	table[9] = 0
	table[9] = checksum8(table)
}

// Build lays out RSDP/XSDT/MADT/FADT/DSDT for numCPUs local APICs and the
// given virtio devices.
func Build(numCPUs int, devices []VirtioDevice) Tables {
	madt := buildMADT(numCPUs)
	fadt := buildFADT()
	dsdt := buildDSDT(devices)
	xsdt := buildXSDT()

	return Tables{
		RSDP: buildRSDP(),
		XSDT: xsdt,
		MADT: madt,
		FADT: fadt,
		DSDT: dsdt,
	}
}

func buildRSDP() []byte {
	r := make([]byte, 36)
	copy(r[0:8], "RSD PTR ")
	copy(r[9:15], "TENBOX")
	r[15] = 2 // ACPI revision 2+ (XSDT present)
	binary.LittleEndian.PutUint32(r[16:20], 0) // RsdtAddress: unused, XSDT-only
	binary.LittleEndian.PutUint32(r[20:24], 36)
	binary.LittleEndian.PutUint64(r[24:32], XSDTAddr)
	// First checksum covers the legacy 20-byte RSDP.
	r[8] = 0
	r[8] = checksum8(r[:20])
	// Extended checksum covers the full 36-byte structure, over the
	// extended checksum field zeroed.
	r[32] = 0
	r[32] = checksum8(r)
	return r
}

func buildXSDT() []byte {
	length := uint32(36 + 8*2)
	t := sdtHeader("XSDT", length, 1)
	t = append(t, make([]byte, 16)...)
	binary.LittleEndian.PutUint64(t[36:44], MADTAddr)
	binary.LittleEndian.PutUint64(t[44:52], FADTAddr)
	finalizeChecksum(t)
	return t
}

const (
	madtLocalApicEntrySize = 8
	madtIoApicEntrySize    = 12
	madtIntOverrideSize    = 10
)

func buildMADT(numCPUs int) []byte {
	length := uint32(44 + madtLocalApicEntrySize*numCPUs + madtIoApicEntrySize + madtIntOverrideSize)
	t := sdtHeader("APIC", length, 4)
	t = append(t, make([]byte, 8)...) // local APIC addr (0xFEE00000) + flags
	binary.LittleEndian.PutUint32(t[36:40], 0xFEE00000)
	binary.LittleEndian.PutUint32(t[40:44], 1) // PCAT_COMPAT

	for i := 0; i < numCPUs; i++ {
		e := make([]byte, madtLocalApicEntrySize)
		e[0] = 0 // type: processor local APIC
		e[1] = madtLocalApicEntrySize
		e[2] = byte(i) // ACPI processor UID
		e[3] = byte(i) // APIC ID
		binary.LittleEndian.PutUint32(e[4:8], 1) // enabled
		t = append(t, e...)
	}

	ioapic := make([]byte, madtIoApicEntrySize)
	ioapic[0] = 1 // type: I/O APIC
	ioapic[1] = madtIoApicEntrySize
	ioapic[2] = 0 // I/O APIC ID
	binary.LittleEndian.PutUint32(ioapic[4:8], ioApicAddr)
	binary.LittleEndian.PutUint32(ioapic[8:12], 0) // global system interrupt base
	t = append(t, ioapic...)

	override := make([]byte, madtIntOverrideSize)
	override[0] = 2 // type: interrupt source override
	override[1] = madtIntOverrideSize
	override[2] = 0 // bus: ISA
	override[3] = 9 // source: SCI IRQ 9
	binary.LittleEndian.PutUint32(override[4:8], 9) // global system interrupt
	// flags: active-low (0b11), level-triggered (0b11 << 2)
	binary.LittleEndian.PutUint16(override[8:10], 0b1111)
	t = append(t, override...)

	finalizeChecksum(t)
	return t
}

func buildFADT() []byte {
	const length = 276 // ACPI 5.0 FADT length
	t := sdtHeader("FACP", length, 5)
	t = append(t, make([]byte, length-36)...)

	// Offsets below are from the start of the table (header included), per
	// the ACPI 5.0 FADT layout this implementation targets.
	binary.LittleEndian.PutUint32(t[36:40], 0) // FIRMWARE_CTRL (unused, FACS not modeled)
	binary.LittleEndian.PutUint32(t[40:44], DSDTAddr)
	t[45] = 0 // preferred PM profile
	binary.LittleEndian.PutUint16(t[46:48], 9) // SCI_INT
	binary.LittleEndian.PutUint32(t[48:52], 0) // SMI_CMD = 0 signals hardware-mode ACPI already active
	binary.LittleEndian.PutUint32(t[56:60], 0x600) // PM1a_EVT_BLK
	binary.LittleEndian.PutUint32(t[64:68], 0x604) // PM1a_CNT_BLK
	t[88] = 4  // PM1_EVT_LEN
	t[89] = 2  // PM1_CNT_LEN
	binary.LittleEndian.PutUint64(t[140:148], DSDTAddr) // X_DSDT

	finalizeChecksum(t)
	return t
}

// buildDSDT synthesizes a minimal AML body: \_S5 sleep package and a
// \_SB scope with one Device() node per virtio-mmio device. This is not
// a general AML compiler — it hand-encodes exactly the two definitions
// spec.md §4.15 calls for.
func buildDSDT(devices []VirtioDevice) []byte {
	var body bytes.Buffer

	// \_S5 Package(4){5,5,0,0}, encoded as a NameOp("_S5_") + PackageOp.
	body.WriteByte(0x08) // NameOp
	body.WriteString("_S5_")
	pkg := encodePackage([]byte{0x0A, 5, 0x0A, 5, 0x0A, 0, 0x0A, 0}, 4)
	body.Write(pkg)

	// \_SB scope holding one Device() per virtio-mmio window.
	var sb bytes.Buffer
	for i, d := range devices {
		sb.Write(encodeVirtioDevice(i, d))
	}
	sbBody := sb.Bytes()
	body.WriteByte(0x10) // ScopeOp
	body.Write(encodePkgLength(len(sbBody) + 4))
	body.WriteString("_SB_")
	body.Write(sbBody)

	length := uint32(36 + body.Len())
	t := sdtHeader("DSDT", length, 2)
	t = append(t, body.Bytes()...)
	finalizeChecksum(t)
	return t
}

// encodePackage builds a PackageOp(numElements){elements...} byte
// sequence (AML package encoding, ACPI spec §20.2.5).
func encodePackage(elements []byte, numElements byte) []byte {
	inner := append([]byte{numElements}, elements...)
	var out bytes.Buffer
	out.WriteByte(0x12) // PackageOp
	out.Write(encodePkgLength(len(inner)))
	out.Write(inner)
	return out.Bytes()
}

// encodePkgLength encodes an AML PkgLength for the one- or two-byte
// forms this package's small bodies always fit in.
func encodePkgLength(n int) []byte {
	total := n + 1
	if total <= 0x3F {
		return []byte{byte(total)}
	}
	total = n + 2
	b0 := byte(0x40) | byte(total&0x0F)
	b1 := byte(total >> 4)
	return []byte{b0, b1}
}

func encodeVirtioDevice(index int, d VirtioDevice) []byte {
	uid := []byte{0x0A, byte(index)} // BytePrefix, value

	var crs bytes.Buffer
	// Memory32Fixed(ReadWrite, base, length)
	crs.WriteByte(0x86)
	crs.WriteByte(0x09)
	crs.WriteByte(0x00)
	crs.WriteByte(0x01) // read-write
	writeU32(&crs, uint32(d.GPA))
	writeU32(&crs, uint32(d.Size))
	// ExtendedInterrupt(level, active-high, exclusive, consumer) with one IRQ
	crs.WriteByte(0x89)
	writeU16(&crs, 6)
	crs.WriteByte(0x01) // consumer, edge=0 (level), active-high, exclusive
	crs.WriteByte(0x01) // interrupt table length
	writeU32(&crs, uint32(d.IRQ))
	// EndTag
	crs.WriteByte(0x79)
	crs.WriteByte(0x00)

	crsBuf := encodeNamedBuffer("_CRS", crs.Bytes())

	var dev bytes.Buffer
	inner := bytes.Buffer{}
	inner.WriteString("DEV")
	inner.WriteByte('0' + byte(index%10))
	inner.WriteByte(0x08) // NameOp _HID
	inner.WriteString("_HID")
	inner.Write(encodeString("LNRO0005"))
	inner.WriteByte(0x08) // NameOp _UID
	inner.WriteString("_UID")
	inner.Write(uid)
	inner.Write(crsBuf)

	dev.WriteByte(0x5B) // ExtOpPrefix
	dev.WriteByte(0x82) // DeviceOp
	dev.Write(encodePkgLength(inner.Len() + 4))
	dev.Write(inner.Bytes()[:4])
	dev.Write(inner.Bytes()[4:])
	return dev.Bytes()
}

func encodeNamedBuffer(name string, data []byte) []byte {
	var inner bytes.Buffer
	inner.WriteByte(0x0B) // WordPrefix-ish length marker kept simple
	writeU16(&inner, uint16(len(data)))
	inner.Write(data)

	var out bytes.Buffer
	out.WriteByte(0x11) // BufferOp
	out.Write(encodePkgLength(inner.Len()))
	out.Write(inner.Bytes())

	var named bytes.Buffer
	named.WriteByte(0x08) // NameOp
	named.WriteString(name)
	named.Write(out.Bytes())
	return named.Bytes()
}

func encodeString(s string) []byte {
	b := append([]byte(s), 0)
	return append([]byte{0x0D}, b...) // StringPrefix
}

func writeU16(b *bytes.Buffer, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	b.Write(buf[:])
}

func writeU32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}
