// Package runtime implements the manager-facing duplex endpoint every
// VM process opens (spec.md §4.18, §5): a send-side worker batching
// queued messages with bounded head-drop on display frames, and a
// receive-side peek->read->decode loop, both built on the framing in
// internal/ipc/protocol.
package runtime

import (
	"bufio"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/ipc/protocol"
)

const (
	// sendFlushInterval is the send worker's batching window (spec.md §4.18).
	sendFlushInterval = 20 * time.Millisecond

	// maxQueuedDisplayFrames bounds the display queue; once full, the
	// oldest frame is dropped to keep the channel live under a slow
	// consumer rather than building unbounded latency.
	maxQueuedDisplayFrames = 3
)

// NewVMID generates a runtime id for `--vm-id`-less launches (spec.md
// §4.22, §6.5).
func NewVMID() string { return uuid.NewString() }

// Endpoint owns one VM's runtime IPC stream.
type Endpoint struct {
	log  *logrus.Entry
	vmID string
	w    io.Writer
	r    *bufio.Reader

	nextRequestID atomic.Uint64

	mu      sync.Mutex
	control [][]byte
	display [][]byte
	closed  bool
	notify  chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	// OnMessage is invoked from the receive loop's goroutine for every
	// decoded inbound message. It must not block.
	OnMessage func(protocol.Message)
}

// New wires an Endpoint around the duplex byte stream w/r (typically
// both ends of the same pipe or socket to the manager process).
func New(w io.Writer, r io.Reader, vmID string, log *logrus.Entry) *Endpoint {
	return &Endpoint{
		log:    log,
		vmID:   vmID,
		w:      w,
		r:      bufio.NewReader(r),
		notify: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
}

func (e *Endpoint) nextID() uint64 { return e.nextRequestID.Add(1) }

func (e *Endpoint) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Enqueue queues m for the send worker, filling in vm_id/request_id if
// unset. Display-channel messages are subject to the bounded head-drop
// policy; every other channel is never dropped.
func (e *Endpoint) Enqueue(m protocol.Message) {
	if m.VMID == "" {
		m.VMID = e.vmID
	}
	if m.RequestID == 0 {
		m.RequestID = e.nextID()
	}
	framed := protocol.Encode(m)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if m.Channel == protocol.ChannelDisplay {
		e.display = append(e.display, framed)
		if over := len(e.display) - maxQueuedDisplayFrames; over > 0 {
			e.display = e.display[over:]
		}
	} else {
		e.control = append(e.control, framed)
	}
	e.mu.Unlock()
	e.wake()
}

// SendWorker is the send-side thread body (spec.md §5): it wakes on a
// newly queued message or the periodic flush interval and writes out
// queued control/console/input/audio/clipboard messages before any
// queued display frames, then blocks again.
func (e *Endpoint) SendWorker() {
	ticker := time.NewTicker(sendFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.notify:
		case <-ticker.C:
		case <-e.doneCh:
			e.flush()
			return
		}
		if !e.flush() {
			return
		}
	}
}

func (e *Endpoint) flush() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	control, display := e.control, e.display
	e.control, e.display = nil, nil
	e.mu.Unlock()

	for _, frame := range control {
		if _, err := e.w.Write(frame); err != nil {
			e.log.WithError(err).Warn("ipc: write failed, closing endpoint")
			e.Close()
			return false
		}
	}
	for _, frame := range display {
		if _, err := e.w.Write(frame); err != nil {
			e.log.WithError(err).Warn("ipc: write failed, closing endpoint")
			e.Close()
			return false
		}
	}
	return true
}

// ReceiveLoop is the receive-side thread body: a loop of peek->read->
// decode (protocol.ReadMessage) dispatching each message to OnMessage
// until the stream errors or is closed.
func (e *Endpoint) ReceiveLoop() {
	for {
		msg, err := protocol.ReadMessage(e.r)
		if err != nil {
			if err != io.EOF {
				e.log.WithError(err).Debug("ipc: receive loop ending")
			}
			e.Close()
			return
		}
		if e.OnMessage != nil {
			e.OnMessage(msg)
		}
	}
}

// Close stops the send worker and marks the endpoint closed; safe to
// call more than once or concurrently with ReceiveLoop/SendWorker.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.doneCh)
	})
}

// --- well-known message constructors (spec.md §6.4) ---

// RuntimeState builds a `runtime.state` control event.
func RuntimeState(vmID, state string, exitCode int) protocol.Message {
	return protocol.Message{
		Channel: protocol.ChannelControl,
		Kind:    protocol.KindEvent,
		Type:    "runtime.state",
		VMID:    vmID,
		Fields: map[string]string{
			"state":     state,
			"exit_code": strconv.Itoa(exitCode),
		},
	}
}

// RuntimePong answers a `runtime.ping` request.
func RuntimePong(vmID string, requestID uint64) protocol.Message {
	return protocol.Message{
		Channel:   protocol.ChannelControl,
		Kind:      protocol.KindResponse,
		Type:      "runtime.pong",
		VMID:      vmID,
		RequestID: requestID,
		Fields:    map[string]string{},
	}
}

// ConsoleData builds a `console.data` event with the raw bytes
// hex-encoded per spec.md §4.18/§6.4.
func ConsoleData(vmID string, data []byte) protocol.Message {
	return protocol.Message{
		Channel: protocol.ChannelConsole,
		Kind:    protocol.KindEvent,
		Type:    "console.data",
		VMID:    vmID,
		Fields: map[string]string{
			"data_hex": hexEncode(data),
		},
	}
}

// DisplayFrame builds a `display.frame` event carrying pixel bytes as
// the message payload.
func DisplayFrame(vmID string, width, height, stride uint32, format string, dirtyX, dirtyY, dirtyW, dirtyH uint32, pixels []byte) protocol.Message {
	return protocol.Message{
		Channel: protocol.ChannelDisplay,
		Kind:    protocol.KindEvent,
		Type:    "display.frame",
		VMID:    vmID,
		Fields: map[string]string{
			"width":         strconv.FormatUint(uint64(width), 10),
			"height":        strconv.FormatUint(uint64(height), 10),
			"stride":        strconv.FormatUint(uint64(stride), 10),
			"format":        format,
			"resource_size": strconv.Itoa(len(pixels)),
			"dirty_rect":    formatRect(dirtyX, dirtyY, dirtyW, dirtyH),
		},
		Payload: pixels,
	}
}

// DisplayCursor builds a `display.cursor` event; bitmap is nil when
// only the cursor position changed (image_updated=0).
func DisplayCursor(vmID string, x, y uint32, bitmap []byte) protocol.Message {
	m := protocol.Message{
		Channel: protocol.ChannelDisplay,
		Kind:    protocol.KindEvent,
		Type:    "display.cursor",
		VMID:    vmID,
		Fields: map[string]string{
			"x": strconv.FormatUint(uint64(x), 10),
			"y": strconv.FormatUint(uint64(y), 10),
		},
	}
	if bitmap != nil {
		m.Fields["image_updated"] = "1"
		m.Payload = bitmap
	} else {
		m.Fields["image_updated"] = "0"
	}
	return m
}

func formatRect(x, y, w, h uint32) string {
	return strconv.FormatUint(uint64(x), 10) + "," + strconv.FormatUint(uint64(y), 10) + "," +
		strconv.FormatUint(uint64(w), 10) + "," + strconv.FormatUint(uint64(h), 10)
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0F]
	}
	return string(out)
}
