// Package serial implements the virtio-serial multiport console backend
// (device id 3, spec.md §4.9): port 0 receive/transmit, a control
// channel, and receive/transmit queue pairs for additional ports.
package serial

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/device/virtio/mmio"
	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
)

const DeviceID uint32 = 3

const (
	ctrlDeviceReady = 0
	ctrlDeviceAdd   = 1
	ctrlDeviceRemove = 2
	ctrlPortReady   = 3
	ctrlConsolePort = 4
	ctrlPortOpen    = 6
	ctrlPortName    = 7
)

type ctrlMsg struct {
	ID    uint32
	Event uint16
	Value uint16
}

const ctrlMsgSize = 8

// DataFunc receives bytes transmitted by the guest on one port.
type DataFunc func(portID int, data []byte)

// OpenFunc is called when the guest toggles a port's connection state.
type OpenFunc func(portID int, open bool)

type port struct {
	name      string
	connected bool
	rx, tx    *virtqueue.Queue
}

// Backend implements mmio.Backend for virtio-serial.
type Backend struct {
	mu  sync.Mutex
	log *logrus.Entry
	dev *mmio.Device

	ports   []*port
	ctrlRx  *virtqueue.Queue
	ctrlTx  *virtqueue.Queue

	onData DataFunc
	onOpen OpenFunc

	deviceReady bool
}

// New constructs a virtio-serial backend with one additional named port
// per entry of portNames, beyond port 0 (the default console).
func New(portNames []string, onData DataFunc, onOpen OpenFunc, log *logrus.Entry) *Backend {
	b := &Backend{log: log, onData: onData, onOpen: onOpen}
	b.ports = append(b.ports, &port{name: ""})
	for _, n := range portNames {
		b.ports = append(b.ports, &port{name: n})
	}
	return b
}

func (b *Backend) Bind(dev *mmio.Device) { b.dev = dev }

func (b *Backend) DeviceID() uint32        { return DeviceID }
func (b *Backend) NumQueues() int          { return 4 + 2*(len(b.ports)-1) }
func (b *Backend) QueueSizeMax(int) uint16 { return 64 }

func (b *Backend) DeviceFeatures(uint32) uint32     { return 1 << 1 /* VIRTIO_CONSOLE_F_MULTIPORT */ }
func (b *Backend) SetDriverFeatures(uint32, uint32) {}

func (b *Backend) ReadConfig(offset uint64, data []byte) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(b.ports)))
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
	defer b.mu.Unlock()
	for _, p := range b.ports {
		p.connected = false
		p.rx, p.tx = nil, nil
	}
	b.ctrlRx, b.ctrlTx = nil, nil
	b.deviceReady = false
}

func portRxQueueIdx(i int) int {
	if i == 0 {
		return 0
	}
	return 4 + 2*(i-1)
}
func portTxQueueIdx(i int) int {
	if i == 0 {
		return 1
	}
	return 5 + 2*(i-1)
}

func (b *Backend) Notify(sel int, q *virtqueue.Queue) {
	b.mu.Lock()
	switch sel {
	case 0:
		b.ports[0].rx = q
		b.mu.Unlock()
		return
	case 1:
		b.ports[0].tx = q
		b.mu.Unlock()
		b.drainTx(0, q)
		return
	case 2:
		b.ctrlRx = q
		b.mu.Unlock()
		return
	case 3:
		b.ctrlTx = q
		b.mu.Unlock()
		b.drainControl(q)
		return
	}
	for i := 1; i < len(b.ports); i++ {
		if sel == portRxQueueIdx(i) {
			b.ports[i].rx = q
			b.mu.Unlock()
			return
		}
		if sel == portTxQueueIdx(i) {
			b.ports[i].tx = q
			b.mu.Unlock()
			b.drainTx(i, q)
			return
		}
	}
	b.mu.Unlock()
}

func (b *Backend) drainTx(portID int, q *virtqueue.Queue) {
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
		var buf []byte
		for _, c := range chain {
			if !c.Writable {
				buf = append(buf, c.Data...)
			}
		}
		q.PushUsed(head, uint32(len(buf)))
		if b.onData != nil && len(buf) > 0 {
			b.onData(portID, buf)
		}
	}
}

func (b *Backend) drainControl(q *virtqueue.Queue) {
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
		var buf []byte
		for _, c := range chain {
			if !c.Writable {
				buf = append(buf, c.Data...)
			}
		}
		q.PushUsed(head, 0)
		if len(buf) >= ctrlMsgSize {
			b.handleControl(ctrlMsg{
				ID:    binary.LittleEndian.Uint32(buf[0:4]),
				Event: binary.LittleEndian.Uint16(buf[4:6]),
				Value: binary.LittleEndian.Uint16(buf[6:8]),
			})
		}
	}
}

func (b *Backend) handleControl(msg ctrlMsg) {
	b.mu.Lock()
	switch msg.Event {
	case ctrlDeviceReady:
		b.deviceReady = true
		b.mu.Unlock()
		for i := range b.ports {
			b.sendCtrl(uint32(i), ctrlDeviceAdd, 1)
		}
		return
	case ctrlPortReady:
		if int(msg.ID) >= len(b.ports) {
			b.mu.Unlock()
			return
		}
		name := b.ports[msg.ID].name
		b.mu.Unlock()
		if name != "" {
			b.sendCtrlName(msg.ID, name)
		}
		b.sendCtrl(msg.ID, ctrlPortOpen, 1)
		return
	case ctrlPortOpen:
		if int(msg.ID) >= len(b.ports) {
			b.mu.Unlock()
			return
		}
		b.ports[msg.ID].connected = msg.Value != 0
		cb := b.onOpen
		b.mu.Unlock()
		if cb != nil {
			cb(int(msg.ID), msg.Value != 0)
		}
		return
	}
	b.mu.Unlock()
}

func (b *Backend) sendCtrl(id uint32, event uint16, value uint16) {
	b.mu.Lock()
	q := b.ctrlRx
	b.mu.Unlock()
	if q == nil {
		return
	}
	buf := make([]byte, ctrlMsgSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint16(buf[4:6], event)
	binary.LittleEndian.PutUint16(buf[6:8], value)
	b.pushCtrlTx(buf)
}

func (b *Backend) sendCtrlName(id uint32, name string) {
	b.mu.Lock()
	q := b.ctrlRx
	b.mu.Unlock()
	if q == nil {
		return
	}
	buf := make([]byte, ctrlMsgSize+len(name)+1)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint16(buf[4:6], ctrlPortName)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	copy(buf[ctrlMsgSize:], name)
	b.pushCtrlTx(buf)
}

func (b *Backend) pushCtrlTx(payload []byte) {
	b.mu.Lock()
	q := b.ctrlRx
	b.mu.Unlock()
	if q == nil {
		return
	}
	head, ok := q.PopAvail()
	if !ok {
		return
	}
	chain, err := q.WalkChain(head)
	if err != nil {
		q.PushUsed(head, 0)
		return
	}
	written := 0
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
	q.PushUsed(head, uint32(written))
	if b.dev != nil {
		b.dev.NotifyUsedBuffer()
	}
}

// SendData writes data out on portID's receive queue (host-to-guest).
func (b *Backend) SendData(portID int, data []byte) bool {
	b.mu.Lock()
	if portID < 0 || portID >= len(b.ports) {
		b.mu.Unlock()
		return false
	}
	q := b.ports[portID].rx
	b.mu.Unlock()
	if q == nil {
		return false
	}
	head, ok := q.PopAvail()
	if !ok {
		return false
	}
	chain, err := q.WalkChain(head)
	if err != nil {
		q.PushUsed(head, 0)
		return false
	}
	written := 0
	for _, c := range chain {
		if !c.Writable {
			continue
		}
		n := copy(c.Data, data[written:])
		written += n
		if written >= len(data) {
			break
		}
	}
	q.PushUsed(head, uint32(written))
	if b.dev != nil {
		b.dev.NotifyUsedBuffer()
	}
	return true
}
