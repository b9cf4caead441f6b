package memory

import (
	"github.com/sirupsen/logrus"
)

// IODirection mirrors the teacher's devices package constants: 0 for a
// guest IN/read, 1 for a guest OUT/write.
type IODirection uint8

const (
	DirectionIn  IODirection = 0
	DirectionOut IODirection = 1
)

// PioDevice is the capability a device exposes for port I/O. Access widths
// are 1, 2 or 4 bytes; the device is responsible for sub-register parsing.
type PioDevice interface {
	HandleIO(port uint16, direction IODirection, size uint8, data []byte) error
}

// MmioDevice is the capability a device exposes for memory-mapped I/O.
// Access widths are 1, 2, 4 or 8 bytes.
type MmioDevice interface {
	HandleMMIO(offset uint64, data []byte, isWrite bool) error
}

type pioRange struct {
	start, end uint16 // half-open [start, end)
	dev        PioDevice
	name       string
}

type mmioRange struct {
	start, end uint64 // half-open [start, end)
	dev        MmioDevice
	name       string
}

// AddressSpace is the registry of PIO-range->device and MMIO-range->device
// handlers. Ranges are registered at VM construction and never moved. An
// overlapping registration is logged but not rejected; dispatch then goes
// to the earliest registered range that contains the address.
type AddressSpace struct {
	log   *logrus.Entry
	pio   []pioRange
	mmio  []mmioRange
	seen  map[string]struct{}
}

// NewAddressSpace creates an empty registry.
func NewAddressSpace(log *logrus.Entry) *AddressSpace {
	return &AddressSpace{log: log, seen: make(map[string]struct{})}
}

func overlapsU16(aStart, aEnd, bStart, bEnd uint16) bool {
	return aStart < bEnd && bStart < aEnd
}

func overlapsU64(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

// AddPioDevice registers a half-open PIO range [start, start+count).
// Overlap with an already-registered range is logged and the range is
// still added, but HandleIO dispatches to the first registered match, so
// the earlier registration keeps the overlapping ports; this matches the
// teacher's permissive-but-warned registration behavior.
func (a *AddressSpace) AddPioDevice(start uint16, count uint16, dev PioDevice, name string) {
	end := start + count
	for _, r := range a.pio {
		if overlapsU16(start, end, r.start, r.end) {
			a.log.WithFields(logrus.Fields{
				"new": name, "existing": r.name,
			}).Warn("pio range overlap on registration")
		}
	}
	a.pio = append(a.pio, pioRange{start: start, end: end, dev: dev, name: name})
}

// AddMmioDevice registers a half-open MMIO range [start, start+length).
func (a *AddressSpace) AddMmioDevice(start uint64, length uint64, dev MmioDevice, name string) {
	end := start + length
	for _, r := range a.mmio {
		if overlapsU64(start, end, r.start, r.end) {
			a.log.WithFields(logrus.Fields{
				"new": name, "existing": r.name,
			}).Warn("mmio range overlap on registration")
		}
	}
	a.mmio = append(a.mmio, mmioRange{start: start, end: end, dev: dev, name: name})
}

// HandleIO dispatches a single port access, linear-searching the
// registered ranges (device counts are small, tens). A miss fills the
// read buffer with 0xFF and logs; a miss write is discarded and logged.
func (a *AddressSpace) HandleIO(port uint16, direction IODirection, size uint8, data []byte) {
	for _, r := range a.pio {
		if port >= r.start && port < r.end {
			if err := r.dev.HandleIO(port, direction, size, data); err != nil {
				a.log.WithError(err).WithField("port", port).Warn("pio device error")
			}
			return
		}
	}
	if direction == DirectionIn {
		for i := range data {
			data[i] = 0xFF
		}
	}
	a.log.WithFields(logrus.Fields{"port": port, "dir": direction}).Debug("unhandled pio access")
}

// HandleMMIO dispatches a single MMIO access by absolute guest physical
// address, translating to a device-relative offset.
func (a *AddressSpace) HandleMMIO(gpa uint64, data []byte, isWrite bool) {
	for _, r := range a.mmio {
		if gpa >= r.start && gpa < r.end {
			offset := gpa - r.start
			if err := r.dev.HandleMMIO(offset, data, isWrite); err != nil {
				a.log.WithError(err).WithField("gpa", gpa).Warn("mmio device error")
			}
			return
		}
	}
	if !isWrite {
		for i := range data {
			data[i] = 0xFF
		}
	}
	a.log.WithFields(logrus.Fields{"gpa": gpa, "write": isWrite}).Debug("unhandled mmio access")
}
