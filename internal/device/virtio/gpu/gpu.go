// Package gpu implements the virtio-gpu backend (device id 16, spec.md
// §4.7): a control queue for 2D resource/scanout commands and a cursor
// queue, driving a host display port via callbacks.
package gpu

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/device/virtio/mmio"
	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
	"github.com/tenbox/tenbox/internal/memory"
)

const DeviceID uint32 = 16

const (
	controlQueue = 0
	cursorQueue  = 1
)

const (
	cmdGetDisplayInfo        = 0x0100
	cmdResourceCreate2D      = 0x0101
	cmdResourceUnref         = 0x0102
	cmdSetScanout            = 0x0103
	cmdResourceFlush         = 0x0104
	cmdTransferToHost2D      = 0x0105
	cmdResourceAttachBacking = 0x0106
	cmdResourceDetachBacking = 0x0107

	cmdUpdateCursor = 0x0300
	cmdMoveCursor   = 0x0301
)

const (
	respOkNodata       = 0x1100
	respOkDisplayInfo  = 0x1101
	respErrUnspec      = 0x1200
	respErrOutOfMemory = 0x1203
	respErrInvalidRID  = 0x1204
)

const flagFence = 1 << 0

const (
	maxBackingEntries = 16384
	maxBackingEntry   = 64 << 20
	maxDim            = 16384
)

type ctrlHdr struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
}

const ctrlHdrSize = 20

func parseHdr(b []byte) ctrlHdr {
	return ctrlHdr{
		Type:    binary.LittleEndian.Uint32(b[0:4]),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
		FenceID: binary.LittleEndian.Uint64(b[8:16]),
		CtxID:   binary.LittleEndian.Uint32(b[16:20]),
	}
}

func putHdr(b []byte, respType uint32, req ctrlHdr) {
	binary.LittleEndian.PutUint32(b[0:4], respType)
	flags := uint32(0)
	if req.Flags&flagFence != 0 {
		flags = flagFence
		binary.LittleEndian.PutUint64(b[8:16], req.FenceID)
		binary.LittleEndian.PutUint32(b[16:20], req.CtxID)
	}
	binary.LittleEndian.PutUint32(b[4:8], flags)
}

type backingEntry struct {
	gpa uint64
	len uint32
}

type resource struct {
	width, height uint32
	format        uint32
	pixels        []byte
	backing       []backingEntry
}

type scanoutRect struct {
	x, y, w, h uint32
}

// DisplayFrame is one RESOURCE_FLUSH's dirty rectangle plus pixels.
type DisplayFrame struct {
	X, Y, W, H uint32
	Pixels     []byte
}

// CursorInfo is a cursor image/position update.
type CursorInfo struct {
	ResourceID     uint32
	HotX, HotY     uint32
	X, Y           uint32
	IsMoveOnly     bool
}

// Backend implements mmio.Backend for virtio-gpu.
type Backend struct {
	mu  sync.Mutex
	mem *memory.GuestMemory
	log *logrus.Entry
	dev *mmio.Device

	width, height uint32

	resources map[uint32]*resource
	scanoutID uint32
	hasScan   bool

	onFrame  func(DisplayFrame)
	onCursor func(CursorInfo)
}

// New constructs a virtio-gpu backend with an initial display size.
func New(w, h uint32, onFrame func(DisplayFrame), onCursor func(CursorInfo), mem *memory.GuestMemory, log *logrus.Entry) *Backend {
	return &Backend{
		mem:       mem,
		log:       log,
		width:     w,
		height:    h,
		resources: make(map[uint32]*resource),
		onFrame:   onFrame,
		onCursor:  onCursor,
	}
}

// Bind attaches the owning transport for config-change notification.
func (b *Backend) Bind(dev *mmio.Device) { b.dev = dev }

func (b *Backend) DeviceID() uint32        { return DeviceID }
func (b *Backend) NumQueues() int          { return 2 }
func (b *Backend) QueueSizeMax(int) uint16 { return 64 }

func (b *Backend) DeviceFeatures(uint32) uint32        { return 0 }
func (b *Backend) SetDriverFeatures(uint32, uint32) {}

func (b *Backend) ReadConfig(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], 1) // events_read: DISPLAY bit
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
	b.resources = make(map[uint32]*resource)
	b.hasScan = false
	b.mu.Unlock()
}

// SetDisplaySize aligns w down to 8 pixels and notifies the guest of the
// config change.
func (b *Backend) SetDisplaySize(w, h uint32) {
	b.mu.Lock()
	b.width = w &^ 7
	b.height = h
	b.mu.Unlock()
	if b.dev != nil {
		b.dev.NotifyConfigChange()
	}
}

func (b *Backend) Notify(sel int, q *virtqueue.Queue) {
	switch sel {
	case controlQueue:
		b.drainControl(q)
	case cursorQueue:
		b.drainCursor(q)
	}
}

func gather(chain []virtqueue.Chunk) (req []byte, resp *virtqueue.Chunk) {
	for i := range chain {
		if chain[i].Writable {
			resp = &chain[i]
		} else {
			req = append(req, chain[i].Data...)
		}
	}
	return
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
		req, resp := gather(chain)
		n := b.handleControl(req, resp)
		q.PushUsed(head, uint32(n))
	}
}

func (b *Backend) handleControl(req []byte, resp *virtqueue.Chunk) int {
	if len(req) < ctrlHdrSize || resp == nil || len(resp.Data) < ctrlHdrSize {
		return 0
	}
	hdr := parseHdr(req)
	body := req[ctrlHdrSize:]

	b.mu.Lock()
	defer b.mu.Unlock()

	switch hdr.Type {
	case cmdGetDisplayInfo:
		return b.respDisplayInfo(resp.Data, hdr)
	case cmdResourceCreate2D:
		return b.cmdCreate2D(body, resp.Data, hdr)
	case cmdResourceUnref:
		return b.cmdUnref(body, resp.Data, hdr)
	case cmdSetScanout:
		return b.cmdSetScanout(body, resp.Data, hdr)
	case cmdResourceAttachBacking:
		return b.cmdAttachBacking(body, resp.Data, hdr)
	case cmdResourceDetachBacking:
		return b.cmdDetachBacking(body, resp.Data, hdr)
	case cmdTransferToHost2D:
		return b.cmdTransfer(body, resp.Data, hdr)
	case cmdResourceFlush:
		return b.cmdFlush(body, resp.Data, hdr)
	default:
		putHdr(resp.Data, respErrUnspec, hdr)
		return ctrlHdrSize
	}
}

func (b *Backend) respDisplayInfo(out []byte, hdr ctrlHdr) int {
	if len(out) < ctrlHdrSize+24 {
		return 0
	}
	putHdr(out, respOkDisplayInfo, hdr)
	p := out[ctrlHdrSize:]
	binary.LittleEndian.PutUint32(p[0:4], 0)
	binary.LittleEndian.PutUint32(p[4:8], 0)
	binary.LittleEndian.PutUint32(p[8:12], b.width)
	binary.LittleEndian.PutUint32(p[12:16], b.height)
	binary.LittleEndian.PutUint32(p[16:20], 1) // enabled
	binary.LittleEndian.PutUint32(p[20:24], 0) // flags
	return ctrlHdrSize + 24
}

func (b *Backend) cmdCreate2D(body, out []byte, hdr ctrlHdr) int {
	if len(body) < 16 {
		putHdr(out, respErrUnspec, hdr)
		return ctrlHdrSize
	}
	resID := binary.LittleEndian.Uint32(body[0:4])
	format := binary.LittleEndian.Uint32(body[4:8])
	w := binary.LittleEndian.Uint32(body[8:12])
	h := binary.LittleEndian.Uint32(body[12:16])
	if w == 0 || h == 0 || w > maxDim || h > maxDim {
		putHdr(out, respErrInvalidRID, hdr)
		return ctrlHdrSize
	}
	b.resources[resID] = &resource{width: w, height: h, format: format, pixels: make([]byte, int(w)*int(h)*4)}
	putHdr(out, respOkNodata, hdr)
	return ctrlHdrSize
}

func (b *Backend) cmdUnref(body, out []byte, hdr ctrlHdr) int {
	if len(body) < 4 {
		putHdr(out, respErrUnspec, hdr)
		return ctrlHdrSize
	}
	resID := binary.LittleEndian.Uint32(body[0:4])
	delete(b.resources, resID)
	putHdr(out, respOkNodata, hdr)
	return ctrlHdrSize
}

func (b *Backend) cmdSetScanout(body, out []byte, hdr ctrlHdr) int {
	if len(body) < 24 {
		putHdr(out, respErrUnspec, hdr)
		return ctrlHdrSize
	}
	resID := binary.LittleEndian.Uint32(body[20:24])
	if resID == 0 {
		b.hasScan = false
		b.scanoutID = 0
	} else {
		b.scanoutID = resID
		b.hasScan = true
	}
	putHdr(out, respOkNodata, hdr)
	return ctrlHdrSize
}

func (b *Backend) cmdAttachBacking(body, out []byte, hdr ctrlHdr) int {
	if len(body) < 8 {
		putHdr(out, respErrUnspec, hdr)
		return ctrlHdrSize
	}
	resID := binary.LittleEndian.Uint32(body[0:4])
	nEntries := binary.LittleEndian.Uint32(body[4:8])
	res, ok := b.resources[resID]
	if !ok {
		putHdr(out, respErrInvalidRID, hdr)
		return ctrlHdrSize
	}
	if nEntries > maxBackingEntries {
		putHdr(out, respErrOutOfMemory, hdr)
		return ctrlHdrSize
	}
	res.backing = res.backing[:0]
	off := 8
	for i := uint32(0); i < nEntries && off+16 <= len(body); i++ {
		gpa := binary.LittleEndian.Uint64(body[off : off+8])
		length := binary.LittleEndian.Uint32(body[off+8 : off+12])
		if length > maxBackingEntry {
			length = maxBackingEntry
		}
		res.backing = append(res.backing, backingEntry{gpa: gpa, len: length})
		off += 16
	}
	putHdr(out, respOkNodata, hdr)
	return ctrlHdrSize
}

func (b *Backend) cmdDetachBacking(body, out []byte, hdr ctrlHdr) int {
	if len(body) < 4 {
		putHdr(out, respErrUnspec, hdr)
		return ctrlHdrSize
	}
	resID := binary.LittleEndian.Uint32(body[0:4])
	if res, ok := b.resources[resID]; ok {
		res.backing = nil
	}
	putHdr(out, respOkNodata, hdr)
	return ctrlHdrSize
}

func (b *Backend) cmdTransfer(body, out []byte, hdr ctrlHdr) int {
	if len(body) < 32 {
		putHdr(out, respErrUnspec, hdr)
		return ctrlHdrSize
	}
	x := binary.LittleEndian.Uint32(body[0:4])
	y := binary.LittleEndian.Uint32(body[4:8])
	w := binary.LittleEndian.Uint32(body[8:12])
	h := binary.LittleEndian.Uint32(body[12:16])
	resID := binary.LittleEndian.Uint32(body[28:32])

	res, ok := b.resources[resID]
	if !ok {
		putHdr(out, respErrInvalidRID, hdr)
		return ctrlHdrSize
	}
	if x+w > res.width {
		w = res.width - x
	}
	if y+h > res.height {
		h = res.height - y
	}

	totalLen := 0
	for _, e := range res.backing {
		totalLen += int(e.len)
	}
	backing := make([]byte, 0, totalLen)
	for _, e := range res.backing {
		data := b.mem.GpaToHvaSlice(e.gpa, int(e.len))
		if data == nil {
			continue
		}
		backing = append(backing, data...)
	}

	stride := int(res.width) * 4
	for row := uint32(0); row < h; row++ {
		srcOff := int(y+row)*stride + int(x)*4
		rowLen := int(w) * 4
		if srcOff+rowLen > len(backing) {
			rowLen = len(backing) - srcOff
		}
		if rowLen <= 0 {
			break
		}
		dstOff := int(y+row)*stride + int(x)*4
		copy(res.pixels[dstOff:dstOff+rowLen], backing[srcOff:srcOff+rowLen])
	}
	putHdr(out, respOkNodata, hdr)
	return ctrlHdrSize
}

func (b *Backend) cmdFlush(body, out []byte, hdr ctrlHdr) int {
	if len(body) < 24 {
		putHdr(out, respErrUnspec, hdr)
		return ctrlHdrSize
	}
	x := binary.LittleEndian.Uint32(body[0:4])
	y := binary.LittleEndian.Uint32(body[4:8])
	w := binary.LittleEndian.Uint32(body[8:12])
	h := binary.LittleEndian.Uint32(body[12:16])
	resID := binary.LittleEndian.Uint32(body[20:24])

	if b.hasScan && resID == b.scanoutID && b.onFrame != nil {
		if res, ok := b.resources[resID]; ok {
			pixels := make([]byte, len(res.pixels))
			copy(pixels, res.pixels)
			b.onFrame(DisplayFrame{X: x, Y: y, W: w, H: h, Pixels: pixels})
		}
	}
	putHdr(out, respOkNodata, hdr)
	return ctrlHdrSize
}

func (b *Backend) drainCursor(q *virtqueue.Queue) {
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
		req, _ := gather(chain)
		b.handleCursor(req)
		q.PushUsed(head, 0)
	}
}

func (b *Backend) handleCursor(req []byte) {
	if len(req) < ctrlHdrSize+16 || b.onCursor == nil {
		return
	}
	hdr := parseHdr(req)
	body := req[ctrlHdrSize:]
	switch hdr.Type {
	case cmdUpdateCursor:
		resID := binary.LittleEndian.Uint32(body[8:12])
		hotX := binary.LittleEndian.Uint32(body[12:16])
		hotY := binary.LittleEndian.Uint32(body[16:20])
		x := binary.LittleEndian.Uint32(body[0:4])
		y := binary.LittleEndian.Uint32(body[4:8])
		b.onCursor(CursorInfo{ResourceID: resID, HotX: hotX, HotY: hotY, X: x, Y: y})
	case cmdMoveCursor:
		x := binary.LittleEndian.Uint32(body[0:4])
		y := binary.LittleEndian.Uint32(body[4:8])
		b.onCursor(CursorInfo{X: x, Y: y, IsMoveOnly: true})
	}
}
