// Package snd implements the virtio-sound backend (device id 25,
// spec.md §4.11): one 48 kHz S16 stereo output stream with a
// period-timer thread that meters real-time playback.
package snd

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/device/virtio/mmio"
	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
)

const DeviceID uint32 = 25

const (
	controlQueue = 0
	eventQueue   = 1
	txQueue      = 2
	rxQueue      = 3
)

const (
	cmdJackInfo   = 1
	cmdPcmInfo    = 0x0100
	cmdPcmSetParams = 0x0101
	cmdPcmPrepare = 0x0102
	cmdPcmRelease = 0x0103
	cmdPcmStart   = 0x0104
	cmdPcmStop    = 0x0105
	cmdChmapInfo  = 0x0200
)

const (
	statusOK  uint32 = 0x8000
	statusErr uint32 = 0x8001
)

const xferHeaderSize = 4 // stream_id

type pcmState int

const (
	stateIdle pcmState = iota
	statePrepared
	stateRunning
)

// OutputFunc receives one metered PCM chunk for playback.
type OutputFunc func(pcm []byte)

// Backend implements mmio.Backend for virtio-sound.
type Backend struct {
	mu  sync.Mutex
	log *logrus.Entry
	dev *mmio.Device

	rate, channels, format uint32
	bufferBytes, periodBytes uint32

	state   pcmState
	buf     []byte
	stopCh  chan struct{}
	wg      sync.WaitGroup

	onOutput OutputFunc

	txQ *virtqueue.Queue
}

// New constructs a virtio-sound backend with the given output sink.
func New(onOutput OutputFunc, log *logrus.Entry) *Backend {
	return &Backend{
		log:         log,
		onOutput:    onOutput,
		rate:        48000,
		channels:    2,
		format:      2, // S16
		bufferBytes: 48000 * 2 * 2,
		periodBytes: 4800 * 2 * 2, // 100ms period
	}
}

func (b *Backend) Bind(dev *mmio.Device) { b.dev = dev }

func (b *Backend) DeviceID() uint32        { return DeviceID }
func (b *Backend) NumQueues() int          { return 4 }
func (b *Backend) QueueSizeMax(int) uint16 { return 64 }

func (b *Backend) DeviceFeatures(uint32) uint32     { return 0 }
func (b *Backend) SetDriverFeatures(uint32, uint32) {}

func (b *Backend) ReadConfig(offset uint64, data []byte) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 0) // jacks
	binary.LittleEndian.PutUint32(buf[4:8], 1) // streams
	binary.LittleEndian.PutUint32(buf[8:12], 1) // chmaps
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
	b.stopTimerLocked()
	b.state = stateIdle
	b.buf = nil
	b.mu.Unlock()
}

func (b *Backend) Notify(sel int, q *virtqueue.Queue) {
	switch sel {
	case controlQueue:
		b.drainControl(q)
	case txQueue:
		b.mu.Lock()
		b.txQ = q
		b.mu.Unlock()
		b.drainTx(q)
	case eventQueue, rxQueue:
		for {
			head, ok := q.PopAvail()
			if !ok {
				return
			}
			q.PushUsed(head, 0)
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
		var req []byte
		var resp *virtqueue.Chunk
		for i := range chain {
			if chain[i].Writable {
				if resp == nil {
					resp = &chain[i]
				}
			} else {
				req = append(req, chain[i].Data...)
			}
		}
		n := b.handleControl(req, resp)
		q.PushUsed(head, uint32(n))
	}
}

func (b *Backend) handleControl(req []byte, resp *virtqueue.Chunk) int {
	if len(req) < 4 || resp == nil {
		return 0
	}
	code := binary.LittleEndian.Uint32(req[0:4])

	b.mu.Lock()
	defer b.mu.Unlock()

	switch code {
	case cmdJackInfo:
		binary.LittleEndian.PutUint32(resp.Data[0:4], statusOK)
		return 4
	case cmdPcmInfo:
		return b.respPcmInfo(resp.Data)
	case cmdPcmSetParams:
		return b.doSetParams(req, resp.Data)
	case cmdPcmPrepare:
		b.state = statePrepared
		binary.LittleEndian.PutUint32(resp.Data[0:4], statusOK)
		return 4
	case cmdPcmStart:
		b.startLocked()
		binary.LittleEndian.PutUint32(resp.Data[0:4], statusOK)
		return 4
	case cmdPcmStop, cmdPcmRelease:
		b.stopTimerLocked()
		b.state = stateIdle
		binary.LittleEndian.PutUint32(resp.Data[0:4], statusOK)
		return 4
	case cmdChmapInfo:
		return b.respChmapInfo(resp.Data)
	default:
		binary.LittleEndian.PutUint32(resp.Data[0:4], statusErr)
		return 4
	}
}

func (b *Backend) respPcmInfo(out []byte) int {
	if len(out) < 4+64 {
		return 0
	}
	binary.LittleEndian.PutUint32(out[0:4], statusOK)
	p := out[4:]
	binary.LittleEndian.PutUint64(p[0:8], 0)           // features
	binary.LittleEndian.PutUint64(p[8:16], 1<<2)        // formats: S16 bit
	binary.LittleEndian.PutUint64(p[16:24], 1<<8)       // rates: 48000 bit
	p[24] = 0                                           // direction OUTPUT
	p[25] = 2                                           // channels_min
	p[26] = 2                                           // channels_max
	return 4 + 27
}

func (b *Backend) respChmapInfo(out []byte) int {
	if len(out) < 4+18 {
		return 0
	}
	binary.LittleEndian.PutUint32(out[0:4], statusOK)
	p := out[4:]
	p[0] = 2 // channels
	p[1] = 1 // FL
	p[2] = 2 // FR
	return 4 + 18
}

func (b *Backend) doSetParams(req []byte, out []byte) int {
	if len(req) < 28 {
		binary.LittleEndian.PutUint32(out[0:4], statusErr)
		return 4
	}
	b.bufferBytes = binary.LittleEndian.Uint32(req[8:12])
	b.periodBytes = binary.LittleEndian.Uint32(req[12:16])
	b.channels = uint32(req[16])
	b.format = uint32(req[17])
	b.rate = uint32(req[18])
	binary.LittleEndian.PutUint32(out[0:4], statusOK)
	return 4
}

func (b *Backend) stopTimerLocked() {
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
}

func (b *Backend) startLocked() {
	if b.state == stateRunning {
		return
	}
	b.state = stateRunning
	stop := make(chan struct{})
	b.stopCh = stop
	b.wg.Add(1)
	go b.periodTimer(stop)
}

// periodTimer meters real-time playback: it submits one PCM chunk per
// tick sized to periodBytes at the stream's byte rate, sleeping when
// ahead of schedule and resetting its clock if it falls more than
// 200ms behind.
func (b *Backend) periodTimer(stop chan struct{}) {
	defer b.wg.Done()

	start := time.Now()
	var bytesProcessed int64

	for {
		select {
		case <-stop:
			b.flushRemaining()
			return
		default:
		}

		b.mu.Lock()
		byteRate := float64(b.rate) * float64(b.channels) * 2
		periodBytes := int(b.periodBytes)
		chunk := b.takeChunkLocked(periodBytes)
		b.mu.Unlock()

		if chunk != nil && b.onOutput != nil {
			b.onOutput(chunk)
		}
		bytesProcessed += int64(periodBytes)

		elapsed := time.Since(start)
		targetElapsed := time.Duration(float64(bytesProcessed) / byteRate * float64(time.Second))
		drift := targetElapsed - elapsed
		switch {
		case drift > 0:
			time.Sleep(drift)
		case -drift > 200*time.Millisecond:
			start = time.Now()
			bytesProcessed = 0
		}
	}
}

func (b *Backend) takeChunkLocked(n int) []byte {
	if len(b.buf) == 0 {
		return make([]byte, n)
	}
	if n > len(b.buf) {
		n = len(b.buf)
	}
	chunk := make([]byte, n)
	copy(chunk, b.buf[:n])
	b.buf = b.buf[n:]
	return chunk
}

func (b *Backend) flushRemaining() {
	b.mu.Lock()
	rest := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(rest) > 0 && b.onOutput != nil {
		b.onOutput(rest)
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
		var payload []byte
		var status *virtqueue.Chunk
		skip := xferHeaderSize
		for i := range chain {
			if chain[i].Writable {
				if status == nil {
					status = &chain[i]
				}
				continue
			}
			d := chain[i].Data
			if skip > 0 {
				if skip >= len(d) {
					skip -= len(d)
					continue
				}
				d = d[skip:]
				skip = 0
			}
			payload = append(payload, d...)
		}
		b.mu.Lock()
		b.buf = append(b.buf, payload...)
		b.mu.Unlock()
		if status != nil && len(status.Data) >= 4 {
			binary.LittleEndian.PutUint32(status.Data[0:4], statusOK)
		}
		q.PushUsed(head, 4)
		if b.dev != nil {
			b.dev.NotifyUsedBuffer()
		}
	}
}
