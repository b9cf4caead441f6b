package legacy

import (
	"sync"

	"github.com/tenbox/tenbox/internal/memory"
)

const (
	// AcpiPm1EventBase is the PM1a event block's I/O base (spec.md §4.2),
	// 4 bytes: status (2) then enable (2).
	AcpiPm1EventBase uint16 = 0x600
	// AcpiPm1ControlBase is the PM1a control block's I/O base, 2 bytes.
	AcpiPm1ControlBase uint16 = 0x604

	pm1PwrBtnSts uint16 = 1 << 8
	pm1PwrBtnEn  uint16 = 1 << 8

	pm1SlpEn  uint16 = 1 << 13
	pm1SlpTypMask uint16 = 0x07 << 10
	pm1SlpTypShift = 10

	// SciIRQ is IRQ9, conventionally used by ACPI to deliver PM events.
	SciIRQ uint8 = 9
)

// AcpiPm1 implements the PM1a event/control register pair. Writes to the
// status register clear the bits set in the write value (write-1-to-clear
// semantics); a control write with SLP_EN set and SLP_TYP==5 invokes the
// shutdown callback (S5 soft-off).
type AcpiPm1 struct {
	lock     sync.Mutex
	status   uint16
	enable   uint16
	control  uint16

	sci      IrqRaiser
	shutdown func()
}

// NewAcpiPm1 constructs the PM1 block. shutdown is invoked on a guest
// request to enter S5; sci raises SciIRQ whenever status&enable != 0
// after a mutation.
func NewAcpiPm1(sci IrqRaiser, shutdown func()) *AcpiPm1 {
	return &AcpiPm1{sci: sci, shutdown: shutdown}
}

// TriggerPowerButton sets PWRBTN_STS, ensures PWRBTN_EN, and raises SCI.
func (a *AcpiPm1) TriggerPowerButton() {
	a.lock.Lock()
	a.status |= pm1PwrBtnSts
	a.enable |= pm1PwrBtnEn
	needSci := a.status&a.enable != 0
	a.lock.Unlock()
	if needSci && a.sci != nil {
		a.sci(SciIRQ)
	}
}

// HandleIO implements memory.PioDevice.
func (a *AcpiPm1) HandleIO(port uint16, direction memory.IODirection, size uint8, data []byte) error {
	a.lock.Lock()
	var needSci bool
	var doShutdown bool

	switch {
	case port == AcpiPm1EventBase, port == AcpiPm1EventBase+1:
		if direction == memory.DirectionOut {
			a.status &^= le16(data, port-AcpiPm1EventBase)
		} else {
			writeLE16(data, port-AcpiPm1EventBase, a.status)
		}
	case port == AcpiPm1EventBase+2, port == AcpiPm1EventBase+3:
		if direction == memory.DirectionOut {
			a.enable |= le16(data, port-(AcpiPm1EventBase+2))
		} else {
			writeLE16(data, port-(AcpiPm1EventBase+2), a.enable)
		}
	case port == AcpiPm1ControlBase, port == AcpiPm1ControlBase+1:
		if direction == memory.DirectionOut {
			a.control = le16full(data)
			if a.control&pm1SlpEn != 0 {
				slpTyp := (a.control & pm1SlpTypMask) >> pm1SlpTypShift
				if slpTyp == 5 {
					doShutdown = true
				}
			}
		} else {
			writeLE16full(data, a.control)
		}
	}
	needSci = a.status&a.enable != 0
	a.lock.Unlock()

	if needSci && a.sci != nil {
		a.sci(SciIRQ)
	}
	if doShutdown && a.shutdown != nil {
		a.shutdown()
	}
	return nil
}

// le16 reads a write targeting a specific byte lane (port offset 0 or 1
// within a 2-byte register), returning the mask to clear/OR at that lane.
// An access at lane 0 uses its full width, so a 16-bit write covers both
// bytes.
func le16(data []byte, laneOffset uint16) uint16 {
	if len(data) == 0 {
		return 0
	}
	if laneOffset == 0 {
		return le16full(data)
	}
	return uint16(data[0]) << 8
}

func writeLE16(data []byte, laneOffset uint16, v uint16) {
	if len(data) == 0 {
		return
	}
	if laneOffset == 0 {
		writeLE16full(data, v)
	} else {
		data[0] = byte(v >> 8)
	}
}

func le16full(data []byte) uint16 {
	if len(data) >= 2 {
		return uint16(data[0]) | uint16(data[1])<<8
	}
	if len(data) == 1 {
		return uint16(data[0])
	}
	return 0
}

func writeLE16full(data []byte, v uint16) {
	if len(data) >= 2 {
		data[0] = byte(v)
		data[1] = byte(v >> 8)
	} else if len(data) == 1 {
		data[0] = byte(v)
	}
}
