// Package input implements the virtio-input backend (device id 18,
// spec.md §4.8): an event queue fed by InjectEvent and a status queue,
// with config space synthesizing keyboard/tablet descriptors.
package input

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/device/virtio/mmio"
	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
)

const DeviceID uint32 = 18

const (
	eventQueue  = 0
	statusQueue = 1
)

// DeviceKind selects which canned descriptor set WriteConfig synthesizes.
type DeviceKind int

const (
	Keyboard DeviceKind = iota
	Tablet
)

const (
	selIDName   = 0x01
	selIDSerial = 0x02
	selIDDevIDs = 0x03
	selPropBits = 0x10
	selEvBits   = 0x11
	selAbsInfo  = 0x12
)

const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03
	evMsc = 0x04
	evRep = 0x14

	absX = 0x00
	absY = 0x01
)

// Backend implements mmio.Backend for virtio-input.
type Backend struct {
	mu   sync.Mutex
	log  *logrus.Entry
	dev  *mmio.Device
	kind DeviceKind

	sel, subsel uint8
	size        uint8
	data        [128]byte

	eventQ *virtqueue.Queue
}

// New constructs a virtio-input backend of the given kind.
func New(kind DeviceKind, log *logrus.Entry) *Backend {
	return &Backend{kind: kind, log: log}
}

// Bind attaches the owning transport for used-buffer notification.
func (b *Backend) Bind(dev *mmio.Device) { b.dev = dev }

func (b *Backend) DeviceID() uint32        { return DeviceID }
func (b *Backend) NumQueues() int          { return 2 }
func (b *Backend) QueueSizeMax(int) uint16 { return 64 }

func (b *Backend) DeviceFeatures(uint32) uint32     { return 0 }
func (b *Backend) SetDriverFeatures(uint32, uint32) {}

func (b *Backend) ReadConfig(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 8+len(b.data))
	buf[0] = b.sel
	buf[1] = b.subsel
	buf[2] = b.size
	copy(buf[8:], b.data[:])
	if offset >= uint64(len(buf)) {
		for i := range data {
			data[i] = 0
		}
		return
	}
	n := copy(data, buf[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (b *Backend) WriteConfig(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch offset {
	case 0:
		if len(data) >= 1 {
			b.sel = data[0]
		}
	case 1:
		if len(data) >= 1 {
			b.subsel = data[0]
		}
	default:
		return
	}
	b.rebuild()
}

func (b *Backend) rebuild() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.size = 0

	switch b.sel {
	case selIDName:
		name := "tenbox-tablet"
		if b.kind == Keyboard {
			name = "tenbox-keyboard"
		}
		n := copy(b.data[:], name)
		b.size = uint8(n)
	case selIDSerial:
		n := copy(b.data[:], "0")
		b.size = uint8(n)
	case selIDDevIDs:
		binary.LittleEndian.PutUint16(b.data[0:2], 0x0006) // bus: virtio
		binary.LittleEndian.PutUint16(b.data[2:4], 0x1AF4) // vendor
		binary.LittleEndian.PutUint16(b.data[4:6], uint16(DeviceID))
		binary.LittleEndian.PutUint16(b.data[6:8], 1)
		b.size = 8
	case selPropBits:
		b.size = 1
	case selEvBits:
		b.rebuildEvBits()
	case selAbsInfo:
		if b.kind == Tablet && (b.subsel == absX || b.subsel == absY) {
			binary.LittleEndian.PutUint32(b.data[0:4], 0)
			binary.LittleEndian.PutUint32(b.data[4:8], 32767)
			b.size = 20
		}
	}
}

func (b *Backend) rebuildEvBits() {
	switch b.subsel {
	case evSyn:
		b.data[0] = 1
		b.size = 1
	case evKey:
		if b.kind == Keyboard {
			for i := range b.data {
				b.data[i] = 0xFF
			}
			b.size = 16
		} else {
			b.data[0] = 0x1F // BTN_LEFT..BTN_TASK range approximation
			b.size = 1
		}
	case evRep:
		if b.kind == Keyboard {
			b.data[0] = 0x03
			b.size = 1
		}
	case evMsc:
		if b.kind == Keyboard {
			b.data[0] = 0x01
			b.size = 1
		}
	case evAbs:
		if b.kind == Tablet {
			b.data[0] = 0x03 // X, Y bits
			b.size = 1
		}
	}
}

func (b *Backend) Reset() {
	b.mu.Lock()
	b.eventQ = nil
	b.mu.Unlock()
}

func (b *Backend) Notify(sel int, q *virtqueue.Queue) {
	switch sel {
	case eventQueue:
		b.mu.Lock()
		b.eventQ = q
		b.mu.Unlock()
	case statusQueue:
		b.drainStatus(q)
	}
}

func (b *Backend) drainStatus(q *virtqueue.Queue) {
	for {
		head, ok := q.PopAvail()
		if !ok {
			return
		}
		q.PushUsed(head, 0)
	}
}

// InjectEvent writes one 8-byte evdev event into the next available
// event-queue descriptor. If the ring is exhausted and notify is true
// (a SYN_REPORT terminator), the used interrupt is still raised so the
// guest recycles buffers.
func (b *Backend) InjectEvent(evType, code uint16, value int32, notify bool) {
	b.mu.Lock()
	q := b.eventQ
	b.mu.Unlock()
	if q == nil {
		return
	}

	head, ok := q.PopAvail()
	if !ok {
		if notify && b.dev != nil {
			b.dev.NotifyUsedBuffer()
		}
		return
	}
	chain, err := q.WalkChain(head)
	if err != nil || len(chain) == 0 || !chain[0].Writable || len(chain[0].Data) < 8 {
		q.PushUsed(head, 0)
		return
	}
	buf := chain[0].Data
	binary.LittleEndian.PutUint16(buf[0:2], evType)
	binary.LittleEndian.PutUint16(buf[2:4], code)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(value))
	q.PushUsed(head, 8)
	if b.dev != nil {
		b.dev.NotifyUsedBuffer()
	}
}
