package legacy

import (
	"sync"
	"time"

	"github.com/tenbox/tenbox/internal/memory"
)

const (
	portCounter0 uint16 = 0x40
	portCounter1 uint16 = 0x41
	portCounter2 uint16 = 0x42
	portCommand  uint16 = 0x43
	portStatusB  uint16 = 0x61 // system control port B: PC speaker, gate A20, NMI status

	rwLatch byte = 0x00
	rwLSB   byte = 0x01
	rwMSB   byte = 0x02
	rwLOHI  byte = 0x03

	// PitIRQ is IRQ0, channel 0's output line.
	PitIRQ uint8 = 0

	// defaultCrystalHz is the PIT input clock. Every PIT uses it; there is
	// no CPUID leaf 0x15 calibration path.
	defaultCrystalHz = 1193182
)

type pitCounter struct {
	reload  uint16
	mode    byte
	rwMode  byte
	bcd     bool
	armedAt time.Time
	armed   bool

	latched    bool
	latchValue uint16
	readHighNext bool
	writeHighNext bool
	pendingLow    byte
}

// I8254Pit models the three-channel programmable interval timer. The
// current count is derived from elapsed wall-clock time scaled by the
// PIT's nominal 1.193182 MHz input, matching spec.md §4.2's description
// (a real substrate would instead calibrate via CPUID leaf 0x15 or a
// platform QPC; see SPEC_FULL.md §4.23).
type I8254Pit struct {
	lock       sync.Mutex
	counters   [3]pitCounter
	gateHigh   bool
	speakerOn  bool
	crystalHz  uint64
}

// NewI8254Pit constructs a PIT with all channels in mode 3 (square wave),
// matching real-mode BIOS/Linux expectations at boot.
func NewI8254Pit() *I8254Pit {
	p := &I8254Pit{crystalHz: defaultCrystalHz}
	for i := range p.counters {
		p.counters[i] = pitCounter{mode: 3, rwMode: rwLOHI}
	}
	return p
}

// CrystalHz returns the PIT's nominal input clock, used by the VMM's
// CPUID leaf 0x15 defaulting (spec.md §4.23) when the substrate's own
// default result leaves the TSC/crystal ratio unfilled.
func (p *I8254Pit) CrystalHz() uint64 { return p.crystalHz }

func (p *I8254Pit) currentCount(c *pitCounter) uint16 {
	if !c.armed || c.reload == 0 {
		return c.reload
	}
	elapsedTicks := uint64(time.Since(c.armedAt) / time.Nanosecond) * p.crystalHz / 1_000_000_000
	rem := elapsedTicks % uint64(c.reload)
	return uint16(uint64(c.reload) - rem)
}

// HandleIO implements memory.PioDevice.
func (p *I8254Pit) HandleIO(port uint16, direction memory.IODirection, size uint8, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	switch port {
	case portCounter0, portCounter1, portCounter2:
		idx := port - portCounter0
		if direction == memory.DirectionOut {
			p.writeCounter(int(idx), data[0])
		} else {
			data[0] = p.readCounter(int(idx))
		}
	case portCommand:
		if direction == memory.DirectionOut {
			p.writeCommand(data[0])
		} else {
			data[0] = 0
		}
	case portStatusB:
		if direction == memory.DirectionOut {
			p.speakerOn = data[0]&0x02 != 0
			p.gateHigh = data[0]&0x01 != 0
		} else {
			var v byte
			if p.gateHigh {
				v |= 0x01
			}
			if p.speakerOn {
				v |= 0x02
			}
			// Output bit (0x20) toggles with the channel-2 square wave;
			// approximate as high whenever the counter's top bit of the
			// derived count is clear.
			if p.currentCount(&p.counters[2])&0x8000 == 0 {
				v |= 0x20
			}
			data[0] = v
		}
	}
	return nil
}

func (p *I8254Pit) writeCounter(idx int, v byte) {
	c := &p.counters[idx]
	switch c.rwMode {
	case rwLSB:
		c.reload = uint16(v)
		p.arm(c)
	case rwMSB:
		c.reload = uint16(v) << 8
		p.arm(c)
	case rwLOHI:
		if !c.writeHighNext {
			c.pendingLow = v
			c.writeHighNext = true
		} else {
			c.reload = uint16(c.pendingLow) | uint16(v)<<8
			c.writeHighNext = false
			p.arm(c)
		}
	}
}

func (p *I8254Pit) arm(c *pitCounter) {
	c.armedAt = time.Now()
	c.armed = true
}

func (p *I8254Pit) readCounter(idx int) byte {
	c := &p.counters[idx]
	count := c.latchValue
	if c.latched {
		count = c.latchValue
	} else {
		count = p.currentCount(c)
	}
	switch c.rwMode {
	case rwLSB:
		return byte(count)
	case rwMSB:
		return byte(count >> 8)
	default: // LOHI
		if !c.readHighNext {
			c.readHighNext = true
			if c.latched {
				c.latchValue = count
			}
			return byte(count)
		}
		c.readHighNext = false
		c.latched = false
		return byte(count >> 8)
	}
}

func (p *I8254Pit) writeCommand(v byte) {
	idx := (v >> 6) & 0x03
	if idx == 3 {
		// Read-back command (0x3): not modeled beyond accepting the byte.
		return
	}
	rw := (v >> 4) & 0x03
	mode := (v >> 1) & 0x07
	bcd := v&0x01 != 0
	c := &p.counters[idx]

	if rw == rwLatch {
		c.latched = true
		c.latchValue = p.currentCount(c)
		c.readHighNext = false
		return
	}

	c.rwMode = rw
	c.mode = mode
	c.bcd = bcd
	c.writeHighNext = false
}
