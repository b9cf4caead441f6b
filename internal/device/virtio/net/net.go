// Package net implements the virtio-net backend (device id 1, spec.md
// §4.6): two queues (RX=0, TX=1) bridging Ethernet frames to a NAT
// stack or TAP device via callbacks.
package net

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/device/virtio/features"
	"github.com/tenbox/tenbox/internal/device/virtio/mmio"
	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
)

const DeviceID uint32 = 1

const (
	rxQueue = 0
	txQueue = 1
)

const (
	featMac     = 5
	featStatus  = 16
	featVersion1 = 32
)

const netHeaderLen = 12

const (
	linkStatusUp uint16 = 1
)

// TxFunc receives one Ethernet frame transmitted by the guest.
type TxFunc func(frame []byte)

// Backend implements mmio.Backend for virtio-net.
type Backend struct {
	mu  sync.Mutex
	log *logrus.Entry

	dev *mmio.Device

	deviceFeatures uint64
	driverFeatures uint64

	mac    [6]byte
	status uint16

	onTx TxFunc

	rx *virtqueue.Queue
}

// New constructs a virtio-net backend with the given MAC address.
func New(mac [6]byte, onTx TxFunc, log *logrus.Entry) *Backend {
	return &Backend{
		mac:  mac,
		onTx: onTx,
		log:  log,
		deviceFeatures: 1<<featMac | 1<<featStatus | 1<<featVersion1,
		status:         linkStatusUp,
	}
}

// Bind attaches the owning transport so the backend can raise interrupts.
func (b *Backend) Bind(dev *mmio.Device) { b.dev = dev }

func (b *Backend) DeviceID() uint32        { return DeviceID }
func (b *Backend) NumQueues() int          { return 2 }
func (b *Backend) QueueSizeMax(int) uint16 { return 256 }

func (b *Backend) DeviceFeatures(sel uint32) uint32 { return features.Word(b.deviceFeatures, sel) }
func (b *Backend) SetDriverFeatures(sel uint32, value uint32) {
	features.SetWord(&b.driverFeatures, sel, value)
}

func (b *Backend) ReadConfig(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 8)
	copy(buf[0:6], b.mac[:])
	binary.LittleEndian.PutUint16(buf[6:8], b.status)
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

func (b *Backend) WriteConfig(uint64, []byte) {}

func (b *Backend) Reset() {
	b.mu.Lock()
	b.rx = nil
	b.mu.Unlock()
}

// Notify drains TX chains on queue 1 and remembers the RX queue handle
// for InjectRx.
func (b *Backend) Notify(sel int, q *virtqueue.Queue) {
	switch sel {
	case rxQueue:
		b.mu.Lock()
		b.rx = q
		b.mu.Unlock()
	case txQueue:
		b.drainTx(q)
	}
}

func (b *Backend) drainTx(q *virtqueue.Queue) {
	for {
		head, ok := q.PopAvail()
		if !ok {
			return
		}
		chain, err := q.WalkChain(head)
		if err != nil {
			q.PushUsed(head, 0)
			continue
		}
		var total int
		for _, c := range chain {
			total += len(c.Data)
		}
		buf := make([]byte, 0, total)
		for _, c := range chain {
			buf = append(buf, c.Data...)
		}
		q.PushUsed(head, uint32(total))
		if len(buf) > netHeaderLen && b.onTx != nil {
			frame := make([]byte, len(buf)-netHeaderLen)
			copy(frame, buf[netHeaderLen:])
			b.onTx(frame)
		}
	}
}

// InjectRx delivers one inbound Ethernet frame to the guest by popping an
// available RX chain, writing a zeroed virtio-net header followed by the
// frame, and notifying the used-buffer interrupt.
func (b *Backend) InjectRx(frame []byte) bool {
	b.mu.Lock()
	rx := b.rx
	b.mu.Unlock()
	if rx == nil {
		return false
	}

	head, ok := rx.PopAvail()
	if !ok {
		return false
	}
	chain, err := rx.WalkChain(head)
	if err != nil {
		rx.PushUsed(head, 0)
		return false
	}

	written := 0
	hdr := make([]byte, netHeaderLen)
	payload := append(hdr, frame...)
	for _, c := range chain {
		if !c.Writable {
			continue
		}
		n := copy(c.Data, payload[written:])
		written += n
		if written >= len(payload) {
			break
		}
	}
	rx.PushUsed(head, uint32(written))
	if b.dev != nil {
		b.dev.NotifyUsedBuffer()
	}
	return true
}

// SetLinkUp mutates the link-status word and notifies on change.
func (b *Backend) SetLinkUp(up bool) {
	b.mu.Lock()
	var v uint16
	if up {
		v = linkStatusUp
	}
	changed := v != b.status
	b.status = v
	b.mu.Unlock()
	if changed && b.dev != nil {
		b.dev.NotifyConfigChange()
	}
}
