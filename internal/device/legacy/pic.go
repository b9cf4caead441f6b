package legacy

import (
	"sync"

	"github.com/tenbox/tenbox/internal/memory"
)

const (
	picMasterCmd  uint16 = 0x20
	picMasterData uint16 = 0x21
	picSlaveCmd   uint16 = 0xA0
	picSlaveData  uint16 = 0xA1

	icw1Init byte = 0x10
	icw1IC4  byte = 0x01
)

type picController struct {
	offset byte
	imr    byte
	icwSeq int
}

// Pic8259 is a pair of 8259A PICs present for legacy BIOS/real-mode
// compatibility. Guest-visible IRQ delivery in this core goes through the
// I/O APIC (IoApic); this device only accepts the ICW/OCW initialization
// sequence so legacy guest code that probes it does not fault, per
// spec.md §4.2's "PIC stubs".
type Pic8259 struct {
	lock          sync.Mutex
	master, slave picController
}

// NewPic8259 constructs both PICs fully masked.
func NewPic8259() *Pic8259 {
	return &Pic8259{
		master: picController{imr: 0xFF},
		slave:  picController{imr: 0xFF},
	}
}

// HandleIO implements memory.PioDevice.
func (p *Pic8259) HandleIO(port uint16, direction memory.IODirection, size uint8, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	var c *picController
	switch port {
	case picMasterCmd, picMasterData:
		c = &p.master
	case picSlaveCmd, picSlaveData:
		c = &p.slave
	default:
		return nil
	}

	isCmdPort := port == picMasterCmd || port == picSlaveCmd
	if direction == memory.DirectionOut {
		v := data[0]
		if isCmdPort {
			if v&icw1Init != 0 {
				c.icwSeq = 1
				c.imr = 0
			}
			return nil
		}
		if c.icwSeq == 1 {
			c.offset = v
			c.icwSeq = 2
		} else if c.icwSeq == 2 {
			c.icwSeq = 3
		} else if c.icwSeq == 3 {
			c.icwSeq = 0
		} else {
			c.imr = v
		}
		return nil
	}
	if isCmdPort {
		data[0] = 0
	} else {
		data[0] = c.imr
	}
	return nil
}
