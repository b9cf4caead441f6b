package hypervisor

// GDTEntry is a single 64-bit GDT descriptor, laid out exactly as the
// processor expects:
//   LimitLow   bits 0:15 of the segment limit
//   BaseLow    bits 0:15 of the segment base
//   BaseMid    bits 16:23 of the segment base
//   AccessByte Type (4 bits), S (1 bit), DPL (2 bits), P (1 bit)
//   LimitHigh  bits 16:19 of the limit (low nibble), flags G/D-B/L/AVL (high nibble)
//   BaseHigh   bits 24:31 of the segment base
type GDTEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8
	BaseHigh   uint8
}

// NewGDTEntry builds a descriptor for a 32-bit linear base/limit pair.
// flags occupies the upper nibble shared with the limit's top 4 bits: bit
// 7 granularity, bit 6 D/B, bit 5 L, bit 4 AVL.
func NewGDTEntry(base uint32, limit uint32, access uint8, flags uint8) GDTEntry {
	var e GDTEntry
	e.BaseLow = uint16(base & 0xFFFF)
	e.BaseMid = uint8((base >> 16) & 0xFF)
	e.BaseHigh = uint8((base >> 24) & 0xFF)
	e.LimitLow = uint16(limit & 0xFFFF)
	e.LimitHigh = uint8((limit>>16)&0x0F) | (flags & 0xF0)
	e.AccessByte = access
	return e
}

// Flat32CodeAccess/Flat32DataAccess are the access bytes for a flat,
// ring-0, 32-bit present code/data segment, as used by the boot loader's
// protected-mode GDT (spec.md §4.16).
const (
	Flat32CodeAccess uint8 = 0x9A
	Flat32DataAccess uint8 = 0x92
	Flat32Flags      uint8 = 0xCF // G=1, D/B=1, L=0, AVL=0
)
