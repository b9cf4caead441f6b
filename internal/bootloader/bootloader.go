// Package bootloader loads a Linux bzImage kernel and constructs the
// zero page, GDT, E820 map, and initial 32-bit protected-mode register
// set a vCPU needs to start executing it (spec.md §4.16).
package bootloader

import (
	"encoding/binary"
	"fmt"

	"github.com/tenbox/tenbox/internal/hypervisor"
	"github.com/tenbox/tenbox/internal/memory"
)

// Guest-physical layout (spec.md §6.2).
const (
	GDTAddr      = 0x1000
	ZeroPageAddr = 0x7000
	CmdlineAddr  = 0x10000
	KernelAddr   = 0x100000

	setupHeaderOff = 0x1F1
	hdrSMagicOff   = 0x202
	bootParamsLen  = 0x1000
	maxCmdlineLen  = 64 * 1024
)

// Params is the fully-built result the VM object installs into guest
// memory and initial vCPU state.
type Params struct {
	EntryRIP   uint64
	ZeroPageGPA uint64
	E820       []E820Entry
}

// E820Entry mirrors one Linux e820 map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

const (
	E820TypeRAM     = 1
	E820TypeReserved = 2
)

// Load reads a bzImage, validates its real-mode header, copies the
// protected-mode kernel and optional initrd into guest RAM, builds the
// zero page and GDT, and returns the vCPU's initial architectural state.
func Load(mem *memory.GuestMemory, kernel []byte, initrd []byte, cmdline string, rsdpGPA uint64) (*Params, *hypervisor.Sregs, *hypervisor.Regs, error) {
	if len(kernel) < setupHeaderOff+0x100 {
		return nil, nil, nil, fmt.Errorf("bootloader: kernel image too small to hold a setup header")
	}
	if !bytesEqual(kernel[hdrSMagicOff:hdrSMagicOff+4], []byte("HdrS")) {
		return nil, nil, nil, fmt.Errorf("bootloader: missing HdrS signature at 0x%x", hdrSMagicOff)
	}
	version := binary.LittleEndian.Uint16(kernel[0x206:0x208])
	if version < 0x0206 {
		return nil, nil, nil, fmt.Errorf("bootloader: boot protocol version 0x%x below minimum 0x0206", version)
	}

	setupSects := int(kernel[0x1F1])
	if setupSects == 0 {
		setupSects = 4
	}
	setupLen := (setupSects + 1) * 512
	if setupLen > len(kernel) {
		return nil, nil, nil, fmt.Errorf("bootloader: setup_sects implies %d bytes, image has %d", setupLen, len(kernel))
	}
	protectedModeKernel := kernel[setupLen:]

	if !mem.WriteAt(KernelAddr, protectedModeKernel) {
		return nil, nil, nil, fmt.Errorf("bootloader: protected-mode kernel does not fit guest RAM at 0x%x", KernelAddr)
	}

	zeroPage := make([]byte, bootParamsLen)
	// Copy the setup header fields verbatim (offsets 0x1F1..0x290 in both
	// the on-disk image and the in-memory zero page).
	copy(zeroPage[setupHeaderOff:0x290], kernel[setupHeaderOff:0x290])
	zeroPage[0x210] = 0xFF // type_of_loader
	loadFlags := zeroPage[0x211]
	zeroPage[0x211] = loadFlags | 0x80 // LOADED_HIGH

	cmdlineBytes := append([]byte(cmdline), 0)
	if len(cmdlineBytes) > maxCmdlineLen {
		return nil, nil, nil, fmt.Errorf("bootloader: cmdline exceeds %d bytes", maxCmdlineLen)
	}
	if !mem.WriteAt(CmdlineAddr, cmdlineBytes) {
		return nil, nil, nil, fmt.Errorf("bootloader: cmdline does not fit guest RAM at 0x%x", CmdlineAddr)
	}
	binary.LittleEndian.PutUint32(zeroPage[0x228:0x22C], uint32(CmdlineAddr)) // cmd_line_ptr

	lowTop := mem.LowSize()
	if lowTop > 0x9FC00 {
		// Leave room below 1 MiB exactly like the EBDA convention this
		// kernel's E820 parser expects; the low-memory window below
		// 0x100000 has already been reserved for real-mode/legacy use by
		// the rest of the map below, so this only affects where "RAM"
		// is reported to start.
	}

	e820 := []E820Entry{
		{Addr: 0, Size: 0x9FC00, Type: E820TypeRAM},
		{Addr: 0x9FC00, Size: 0x100000 - 0x9FC00, Type: E820TypeReserved},
	}
	if lowTop > KernelAddr {
		e820 = append(e820, E820Entry{Addr: KernelAddr, Size: lowTop - KernelAddr, Type: E820TypeRAM})
	}

	var initrdGPA, initrdLen uint64
	if len(initrd) > 0 {
		initrdGPA = (lowTop - uint64(len(initrd))) &^ (4096 - 1)
		if initrdGPA < KernelAddr {
			return nil, nil, nil, fmt.Errorf("bootloader: no room below low RAM top for a %d-byte initrd", len(initrd))
		}
		if !mem.WriteAt(initrdGPA, initrd) {
			return nil, nil, nil, fmt.Errorf("bootloader: initrd does not fit guest RAM at 0x%x", initrdGPA)
		}
		initrdLen = uint64(len(initrd))
		binary.LittleEndian.PutUint32(zeroPage[0x218:0x21C], uint32(initrdGPA)) // ramdisk_image
		binary.LittleEndian.PutUint32(zeroPage[0x21C:0x220], uint32(initrdLen)) // ramdisk_size
	}

	if mem.HighSize() > 0 {
		e820 = append(e820, E820Entry{Addr: memory.MmioHoleEnd, Size: mem.HighSize(), Type: E820TypeRAM})
	}

	if len(e820) > 128 {
		return nil, nil, nil, fmt.Errorf("bootloader: e820 map exceeds 128 entries")
	}
	zeroPage[0x1E8] = byte(len(e820)) // e820_entries
	for i, e := range e820 {
		off := 0x2D0 + i*20
		binary.LittleEndian.PutUint64(zeroPage[off:off+8], e.Addr)
		binary.LittleEndian.PutUint64(zeroPage[off+8:off+16], e.Size)
		binary.LittleEndian.PutUint32(zeroPage[off+16:off+20], e.Type)
	}

	binary.LittleEndian.PutUint64(zeroPage[0x70:0x78], rsdpGPA) // acpi_rsdp_addr

	if !mem.WriteAt(ZeroPageAddr, zeroPage) {
		return nil, nil, nil, fmt.Errorf("bootloader: zero page does not fit guest RAM at 0x%x", ZeroPageAddr)
	}

	if err := writeGDT(mem); err != nil {
		return nil, nil, nil, err
	}

	sregs := &hypervisor.Sregs{
		CR0: 0x11, // PE (protected mode) | ET
		CS:  flatSegment(0x10, hypervisor.Flat32CodeAccess),
		DS:  flatSegment(0x18, hypervisor.Flat32DataAccess),
	}
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	regs := &hypervisor.Regs{
		RIP:    KernelAddr,
		RSI:    ZeroPageAddr,
		RFLAGS: 0x2,
	}

	return &Params{EntryRIP: KernelAddr, ZeroPageGPA: ZeroPageAddr, E820: e820}, sregs, regs, nil
}

func flatSegment(selector uint16, access uint8) hypervisor.Segment {
	return hypervisor.Segment{
		Selector: selector,
		Base:     0,
		Limit:    0xFFFFF,
		Type:     access & 0x0F,
		Present:  1,
		DPL:      0,
		DB:       1,
		S:        1,
		L:        0,
		G:        1,
	}
}

// writeGDT installs two null descriptors, then the code (selector 0x10)
// and data (selector 0x18) descriptors the boot loader's flat
// protected-mode entry point expects, at GDTAddr.
func writeGDT(mem *memory.GuestMemory) error {
	entries := []hypervisor.GDTEntry{
		hypervisor.NewGDTEntry(0, 0, 0, 0),
		hypervisor.NewGDTEntry(0, 0, 0, 0),
		hypervisor.NewGDTEntry(0, 0xFFFFF, hypervisor.Flat32CodeAccess, hypervisor.Flat32Flags),
		hypervisor.NewGDTEntry(0, 0xFFFFF, hypervisor.Flat32DataAccess, hypervisor.Flat32Flags),
	}
	buf := make([]byte, len(entries)*8)
	for i, e := range entries {
		binary.LittleEndian.PutUint16(buf[i*8:i*8+2], e.LimitLow)
		binary.LittleEndian.PutUint16(buf[i*8+2:i*8+4], e.BaseLow)
		buf[i*8+4] = e.BaseMid
		buf[i*8+5] = e.AccessByte
		buf[i*8+6] = e.LimitHigh
		buf[i*8+7] = e.BaseHigh
	}
	if !mem.WriteAt(GDTAddr, buf) {
		return fmt.Errorf("bootloader: GDT does not fit guest RAM at 0x%x", GDTAddr)
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
