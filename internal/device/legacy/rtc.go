package legacy

import (
	"sync"
	"time"

	"github.com/tenbox/tenbox/internal/memory"
)

const (
	rtcPortIndex uint16 = 0x70
	rtcPortData  uint16 = 0x71

	regSeconds    byte = 0x00
	regMinutes    byte = 0x02
	regHours      byte = 0x04
	regDayOfWeek  byte = 0x06
	regDayOfMonth byte = 0x07
	regMonth      byte = 0x08
	regYear       byte = 0x09
	regA          byte = 0x0A
	regB          byte = 0x0B
	regC          byte = 0x0C
	regD          byte = 0x0D

	rtcBSet  byte = 0x80
	rtcB2412 byte = 0x02
	rtcDVRT  byte = 0x80

	// RtcIRQ is IRQ8, the RTC's periodic/update interrupt line.
	RtcIRQ uint8 = 8
)

func toBCD(v int) byte {
	return byte((v/10)<<4 | (v % 10))
}

// CmosRtc implements the CMOS real-time clock: port 0x70 selects a
// register, port 0x71 reads/writes it. Time registers report BCD values
// derived from the host wall clock.
type CmosRtc struct {
	lock         sync.Mutex
	selectedReg  byte
	regB         byte
	clock        func() time.Time
}

// NewCmosRtc constructs an RTC reporting 24-hour BCD time from the host
// wall clock.
func NewCmosRtc() *CmosRtc {
	return &CmosRtc{regB: rtcB2412, clock: time.Now}
}

// HandleIO implements memory.PioDevice.
func (r *CmosRtc) HandleIO(port uint16, direction memory.IODirection, size uint8, data []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	switch port {
	case rtcPortIndex:
		if direction == memory.DirectionOut {
			r.selectedReg = data[0] & 0x7F
		} else {
			data[0] = 0
		}
	case rtcPortData:
		if direction == memory.DirectionOut {
			if r.selectedReg == regB {
				r.regB = data[0]
			}
		} else {
			data[0] = r.readSelected()
		}
	}
	return nil
}

func (r *CmosRtc) readSelected() byte {
	now := r.clock().UTC()
	switch r.selectedReg {
	case regSeconds:
		return toBCD(now.Second())
	case regMinutes:
		return toBCD(now.Minute())
	case regHours:
		return toBCD(now.Hour())
	case regDayOfWeek:
		return toBCD(int(now.Weekday()) + 1)
	case regDayOfMonth:
		return toBCD(now.Day())
	case regMonth:
		return toBCD(int(now.Month()))
	case regYear:
		return toBCD(now.Year() % 100)
	case regA:
		return 0x00 // no update in progress
	case regB:
		return r.regB
	case regC:
		return 0x00 // nothing to report; reading clears it
	case regD:
		return rtcDVRT
	}
	return 0
}
