// Package legacy implements the fixed legacy PC chipset devices:
// 16550 UART, 8254 PIT + port 0x61, CMOS RTC, ACPI PM1, 8259 PIC stubs,
// PCI host bridge stub, and the I/O APIC (spec.md §4.2).
package legacy

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tenbox/tenbox/internal/memory"
)

// IrqRaiser is the capability object devices hold to request delivery of
// a fixed IRQ line, routed through the I/O APIC by the VM object. Passed
// by value to avoid a back-pointer cycle from device to VM (spec.md §9).
type IrqRaiser func(irqLine uint8)

const (
	regRHRTHRDLL = 0
	regIERDLH    = 1
	regIIRFCR    = 2
	regLCR       = 3
	regMCR       = 4
	regLSR       = 5
	regMSR       = 6
	regSCR       = 7

	lcrDLAB byte = 0x80

	lsrDR   byte = 0x01
	lsrTHRE byte = 0x20
	lsrTEMT byte = 0x40

	iirNoIntPending byte = 0x01
	iirRLS          byte = 0x06
	iirRDA          byte = 0x04
	iirTHRE         byte = 0x02

	ierRxDataAvailable byte = 0x01
	ierTHREEnable      byte = 0x02
	ierRxLineStatus    byte = 0x04

	rxFIFOSize = 256

	// ComUartIRQ is the legacy IRQ4 line COM1 shares with COM3.
	ComUartIRQ uint8 = 4
)

// Uart16550 implements a single 16550-compatible serial port.
type Uart16550 struct {
	log *logrus.Entry

	lock sync.Mutex

	out io.Writer
	irq IrqRaiser

	ier, iir, lcr, mcr, lsr, msr, scr byte
	dlabActive                       bool
	divisorLow, divisorHigh          byte

	rx       []byte
	rxHead   int
	rxCount  int
}

// NewUart16550 constructs a UART whose TX bytes are written to out and
// whose interrupts are raised on ComUartIRQ via irq.
func NewUart16550(out io.Writer, irq IrqRaiser, log *logrus.Entry) *Uart16550 {
	return &Uart16550{
		log:  log,
		out:  out,
		irq:  irq,
		lsr:  lsrTHRE | lsrTEMT,
		iir:  iirNoIntPending,
		rx:   make([]byte, rxFIFOSize),
	}
}

// PushInput appends one byte to the RX FIFO and raises IRQ4 if the guest
// has enabled received-data interrupts. Oldest bytes are dropped on
// overflow.
func (u *Uart16550) PushInput(b byte) {
	u.lock.Lock()
	if u.rxCount == rxFIFOSize {
		u.rxHead = (u.rxHead + 1) % rxFIFOSize
		u.rxCount--
	}
	tail := (u.rxHead + u.rxCount) % rxFIFOSize
	u.rx[tail] = b
	u.rxCount++
	u.lsr |= lsrDR
	notify := u.ier&ierRxDataAvailable != 0
	if notify {
		u.iir = iirRDA
	}
	u.lock.Unlock()
	if notify {
		u.irq(ComUartIRQ)
	}
}

func (u *Uart16550) popRX() byte {
	if u.rxCount == 0 {
		return 0
	}
	b := u.rx[u.rxHead]
	u.rxHead = (u.rxHead + 1) % rxFIFOSize
	u.rxCount--
	if u.rxCount == 0 {
		u.lsr &^= lsrDR
	}
	return b
}

// HandleIO implements memory.PioDevice.
func (u *Uart16550) HandleIO(port uint16, direction memory.IODirection, size uint8, data []byte) error {
	u.lock.Lock()
	offset := port & 0x7
	var notify bool
	if direction == memory.DirectionOut {
		notify = u.writeReg(offset, data[0])
	} else {
		data[0] = u.readReg(offset)
	}
	u.lock.Unlock()
	if notify {
		u.irq(ComUartIRQ)
	}
	return nil
}

func (u *Uart16550) writeReg(offset uint16, v byte) bool {
	switch offset {
	case regRHRTHRDLL:
		if u.dlabActive {
			u.divisorLow = v
			return false
		}
		if u.out != nil {
			_, _ = u.out.Write([]byte{v})
		}
		u.lsr |= lsrTHRE | lsrTEMT
		if u.ier&ierTHREEnable != 0 {
			u.iir = iirTHRE
			return true
		}
	case regIERDLH:
		if u.dlabActive {
			u.divisorHigh = v
			return false
		}
		u.ier = v
	case regIIRFCR:
		// FCR write: FIFO control, not separately modeled.
	case regLCR:
		u.lcr = v
		u.dlabActive = v&lcrDLAB != 0
	case regMCR:
		u.mcr = v
	case regSCR:
		u.scr = v
	}
	return false
}

func (u *Uart16550) readReg(offset uint16) byte {
	switch offset {
	case regRHRTHRDLL:
		if u.dlabActive {
			return u.divisorLow
		}
		return u.popRX()
	case regIERDLH:
		if u.dlabActive {
			return u.divisorHigh
		}
		return u.ier
	case regIIRFCR:
		v := u.iir
		u.iir = iirNoIntPending
		return v | 0xC0
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		return u.lsr
	case regMSR:
		return u.msr
	case regSCR:
		return u.scr
	}
	return 0
}
