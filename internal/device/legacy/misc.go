package legacy

import "github.com/tenbox/tenbox/internal/memory"

// PciHostBridge is a stub PCI configuration-space host bridge: enough to
// let a guest probe ports 0xCF8/0xCFC without faulting. This core has no
// real PCI devices (virtio is virtio-mmio, not virtio-pci).
type PciHostBridge struct {
	addr uint32
}

// NewPciHostBridge constructs the stub.
func NewPciHostBridge() *PciHostBridge { return &PciHostBridge{} }

// HandleIO implements memory.PioDevice.
func (p *PciHostBridge) HandleIO(port uint16, direction memory.IODirection, size uint8, data []byte) error {
	switch port {
	case 0xCF8:
		if direction == memory.DirectionOut && len(data) >= 4 {
			p.addr = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		} else if direction == memory.DirectionIn {
			for i := range data {
				data[i] = 0
			}
		}
	case 0xCFC, 0xCFD, 0xCFE, 0xCFF:
		if direction == memory.DirectionIn {
			for i := range data {
				data[i] = 0xFF
			}
		}
	}
	return nil
}

// PortSink is a silent discard-read-return-0xFF device for harmless
// legacy ports (POST diagnostic 0x80, DMA page register 0x87, unused COM
// ports, PCI mechanism #2 data ports) — matching the original's
// "silent sinks" list.
type PortSink struct{}

// HandleIO implements memory.PioDevice.
func (PortSink) HandleIO(port uint16, direction memory.IODirection, size uint8, data []byte) error {
	if direction == memory.DirectionIn {
		for i := range data {
			data[i] = 0xFF
		}
	}
	return nil
}
