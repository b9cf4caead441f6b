// Package memory owns the guest's physical RAM allocation and the
// GPA<->HVA translation across the MMIO hole.
package memory

import (
	"fmt"
	"syscall"
)

const (
	// MmioHoleStart is the guest-physical start of the reserved I/O window.
	MmioHoleStart = 3 * 1024 * 1024 * 1024
	// MmioHoleEnd is the guest-physical end (exclusive) of the reserved window.
	MmioHoleEnd = 4 * 1024 * 1024 * 1024
)

// GuestMemory is exactly one contiguous host allocation backing guest RAM,
// split around the [3 GiB, 4 GiB) MMIO hole. The VM object exclusively
// owns this allocation; devices are handed a non-owning *GuestMemory whose
// lifetime equals the VM's.
type GuestMemory struct {
	alloc    []byte
	allocLen uint64
	lowSize  uint64
	highSize uint64
}

// New mmaps an anonymous region of allocLen bytes (rounded up by the
// caller to a page multiple) to back guest RAM, split around the hole.
func New(allocLen uint64) (*GuestMemory, error) {
	buf, err := syscall.Mmap(-1, 0, int(allocLen),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", allocLen, err)
	}

	low := allocLen
	var high uint64
	if allocLen > MmioHoleStart {
		low = MmioHoleStart
		high = allocLen - MmioHoleStart
	}

	return &GuestMemory{
		alloc:    buf,
		allocLen: allocLen,
		lowSize:  low,
		highSize: high,
	}, nil
}

// Close unmaps the backing allocation.
func (m *GuestMemory) Close() error {
	if m.alloc == nil {
		return nil
	}
	err := syscall.Munmap(m.alloc)
	m.alloc = nil
	return err
}

// HostBase returns the host virtual address of the start of the allocation,
// for passing to the hypervisor substrate's map_guest_memory.
func (m *GuestMemory) HostBase() []byte { return m.alloc }

// LowSize is the length of the low window, [0, LowSize).
func (m *GuestMemory) LowSize() uint64 { return m.lowSize }

// HighSize is the length of the high window, [4GiB, 4GiB+HighSize).
func (m *GuestMemory) HighSize() uint64 { return m.highSize }

// AllocSize is low_size + high_size, the total host allocation.
func (m *GuestMemory) AllocSize() uint64 { return m.allocLen }

// GpaToHvaSlice returns a byte slice of len bytes at gpa, or nil if the
// range falls in the MMIO hole or beyond mapped RAM.
func (m *GuestMemory) GpaToHvaSlice(gpa uint64, len int) []byte {
	if len < 0 {
		return nil
	}
	end := gpa + uint64(len)
	switch {
	case gpa < m.lowSize:
		if end > m.lowSize {
			return nil
		}
		return m.alloc[gpa : gpa+uint64(len)]
	case gpa >= MmioHoleEnd && m.highSize > 0:
		off := gpa - MmioHoleEnd
		if off+uint64(len) > m.highSize {
			return nil
		}
		base := m.lowSize + off
		return m.alloc[base : base+uint64(len)]
	default:
		return nil
	}
}

// ReadAt copies len(dst) bytes starting at gpa; returns false if unmapped.
func (m *GuestMemory) ReadAt(dst []byte, gpa uint64) bool {
	src := m.GpaToHvaSlice(gpa, len(dst))
	if src == nil {
		return false
	}
	copy(dst, src)
	return true
}

// WriteAt copies src into guest memory at gpa; returns false if unmapped.
func (m *GuestMemory) WriteAt(gpa uint64, src []byte) bool {
	dst := m.GpaToHvaSlice(gpa, len(src))
	if dst == nil {
		return false
	}
	copy(dst, src)
	return true
}
