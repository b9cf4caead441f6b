// Package mmio implements the virtio-mmio transport register file:
// feature negotiation, per-queue staging/ready, status reset, and
// interrupt status/ack (spec.md §4.4, register map §6.3).
package mmio

import (
	"encoding/binary"

	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
	"github.com/tenbox/tenbox/internal/memory"
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 2

	MmioWindowSize = 0x200

	offMagicValue        = 0x000
	offVersion           = 0x004
	offDeviceID          = 0x008
	offVendorID          = 0x00C
	offDeviceFeatures    = 0x010
	offDeviceFeaturesSel = 0x014
	offDriverFeatures    = 0x020
	offDriverFeaturesSel = 0x024
	offQueueSel          = 0x030
	offQueueNumMax       = 0x034
	offQueueNum          = 0x038
	offQueueReady        = 0x044
	offQueueNotify       = 0x050
	offInterruptStatus   = 0x060
	offInterruptACK      = 0x064
	offStatus            = 0x070
	offQueueDescLow      = 0x080
	offQueueDescHigh     = 0x084
	offQueueDriverLow    = 0x090
	offQueueDriverHigh   = 0x094
	offQueueDeviceLow    = 0x0A0
	offQueueDeviceHigh   = 0x0A4
	offConfigGeneration  = 0x0FC
	offConfigStart       = 0x100

	InterruptStatusUsedBuffer  uint32 = 1 << 0
	InterruptStatusConfigChange uint32 = 1 << 1
)

// Backend is the device-specific logic a virtio-mmio transport drives:
// feature/config negotiation and queue notification.
type Backend interface {
	DeviceID() uint32
	NumQueues() int
	QueueSizeMax(sel int) uint16
	DeviceFeatures(sel uint32) uint32
	SetDriverFeatures(sel uint32, value uint32)
	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)
	// Notify is called when the guest writes queue index sel to
	// QueueNotify and that queue is ready; q is the queue to consume from.
	Notify(sel int, q *virtqueue.Queue)
	Reset()
}

type queueStage struct {
	num        uint16
	descLow    uint32
	descHigh   uint32
	driverLow  uint32
	driverHigh uint32
	deviceLow  uint32
	deviceHigh uint32
	ready      bool
	queue      *virtqueue.Queue
}

// IrqSink is a capability object backends and the transport hold by
// value; it raises a guest interrupt without the transport needing a
// back-pointer to the VM object (spec.md §9's cyclic-graph note).
type IrqSink func()

// Device is one virtio-mmio register window.
type Device struct {
	mem     *memory.GuestMemory
	backend Backend
	irq     IrqSink

	status            uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    [2]uint32
	queueSel          uint32
	interruptStatus   uint32
	configGeneration  uint32

	queues []queueStage
}

// New constructs a transport bound to backend, with queue count fixed by
// backend.NumQueues().
func New(mem *memory.GuestMemory, backend Backend, irq IrqSink) *Device {
	d := &Device{
		mem:     mem,
		backend: backend,
		irq:     irq,
		queues:  make([]queueStage, backend.NumQueues()),
	}
	return d
}

// Queue returns the built queue for index i, or nil if not yet ready.
func (d *Device) Queue(i int) *virtqueue.Queue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i].queue
}

// NotifyUsedBuffer sets InterruptStatus bit 0 and raises the IRQ, called
// by the backend after pushing to a used ring.
func (d *Device) NotifyUsedBuffer() {
	d.interruptStatus |= InterruptStatusUsedBuffer
	d.irq()
}

// NotifyConfigChange bumps ConfigGeneration, sets InterruptStatus bit 1,
// and raises the IRQ.
func (d *Device) NotifyConfigChange() {
	d.configGeneration++
	d.interruptStatus |= InterruptStatusConfigChange
	d.irq()
}

func (d *Device) resetTransport() {
	d.status = 0
	d.driverFeaturesSel = 0
	d.driverFeatures = [2]uint32{}
	d.queueSel = 0
	d.interruptStatus = 0
	d.queues = make([]queueStage, d.backend.NumQueues())
	d.backend.Reset()
}

// HandleMMIO implements memory.MmioDevice.
func (d *Device) HandleMMIO(offset uint64, data []byte, isWrite bool) error {
	if offset >= offConfigStart {
		if isWrite {
			d.backend.WriteConfig(offset-offConfigStart, data)
		} else {
			d.backend.ReadConfig(offset-offConfigStart, data)
		}
		return nil
	}

	if isWrite {
		d.writeReg(offset, data)
		return nil
	}
	d.readReg(offset, data)
	return nil
}

func (d *Device) readReg(offset uint64, data []byte) {
	var v uint32
	switch offset {
	case offMagicValue:
		v = MagicValue
	case offVersion:
		v = Version
	case offDeviceID:
		v = d.backend.DeviceID()
	case offVendorID:
		v = 0x544E4258 // "TNBX"
	case offDeviceFeatures:
		v = d.backend.DeviceFeatures(d.deviceFeaturesSel)
	case offQueueNumMax:
		v = uint32(d.currentStage().maxForBackend(d, int(d.queueSel)))
	case offQueueReady:
		if d.currentStage().ready {
			v = 1
		}
	case offInterruptStatus:
		v = d.interruptStatus
	case offStatus:
		v = d.status
	case offConfigGeneration:
		v = d.configGeneration
	default:
		v = 0
	}
	putLE(data, v)
}

func (qs *queueStage) maxForBackend(d *Device, sel int) uint16 {
	if sel < 0 || sel >= len(d.queues) {
		return 0
	}
	return d.backend.QueueSizeMax(sel)
}

func (d *Device) currentStage() *queueStage {
	sel := int(d.queueSel)
	if sel < 0 || sel >= len(d.queues) {
		var dummy queueStage
		return &dummy
	}
	return &d.queues[sel]
}

func (d *Device) writeReg(offset uint64, data []byte) {
	v := getLE(data)
	switch offset {
	case offDeviceFeaturesSel:
		d.deviceFeaturesSel = v
	case offDriverFeaturesSel:
		d.driverFeaturesSel = v
	case offDriverFeatures:
		if d.driverFeaturesSel < 2 {
			d.driverFeatures[d.driverFeaturesSel] = v
			d.backend.SetDriverFeatures(d.driverFeaturesSel, v)
		}
	case offQueueSel:
		d.queueSel = v
	case offQueueNum:
		d.currentStage().num = uint16(v)
	case offQueueDescLow:
		d.currentStage().descLow = v
	case offQueueDescHigh:
		d.currentStage().descHigh = v
	case offQueueDriverLow:
		d.currentStage().driverLow = v
	case offQueueDriverHigh:
		d.currentStage().driverHigh = v
	case offQueueDeviceLow:
		d.currentStage().deviceLow = v
	case offQueueDeviceHigh:
		d.currentStage().deviceHigh = v
	case offQueueReady:
		d.setQueueReady(v != 0)
	case offQueueNotify:
		d.notifyQueue(int(v))
	case offInterruptACK:
		d.interruptStatus &^= v
	case offStatus:
		if v == 0 {
			d.resetTransport()
		} else {
			d.status = v
		}
	}
}

func (d *Device) setQueueReady(ready bool) {
	qs := d.currentStage()
	qs.ready = ready
	if !ready {
		qs.queue = nil
		return
	}
	descAddr := uint64(qs.descLow) | uint64(qs.descHigh)<<32
	driverAddr := uint64(qs.driverLow) | uint64(qs.driverHigh)<<32
	deviceAddr := uint64(qs.deviceLow) | uint64(qs.deviceHigh)<<32
	q, err := virtqueue.New(d.mem, qs.num, descAddr, driverAddr, deviceAddr)
	if err != nil {
		qs.ready = false
		return
	}
	qs.queue = q
}

func (d *Device) notifyQueue(sel int) {
	if sel < 0 || sel >= len(d.queues) {
		return
	}
	qs := &d.queues[sel]
	if !qs.ready || qs.queue == nil {
		return
	}
	d.backend.Notify(sel, qs.queue)
}

func putLE(data []byte, v uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	default:
		binary.LittleEndian.PutUint32(data, v)
	}
}

func getLE(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data)
	}
}
