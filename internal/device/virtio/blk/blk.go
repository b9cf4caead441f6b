// Package blk implements the virtio-blk backend (device id 2, spec.md
// §4.5): one request queue of 128 descriptors over a disk.Image.
package blk

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/device/virtio/features"
	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
	"github.com/tenbox/tenbox/internal/disk"
)

const DeviceID uint32 = 2

const queueSize = 128

const (
	featSizeMax  = 1
	featSegMax   = 2
	featBlkSize  = 6
	featFlush    = 9
	featVersion1 = 32
)

const (
	reqIn     uint32 = 0
	reqOut    uint32 = 1
	reqFlush  uint32 = 4
	reqGetID  uint32 = 8
)

const (
	statusOK     byte = 0
	statusIOErr  byte = 1
	statusUnsupp byte = 2
)

const sectorSize = 512

// Backend implements mmio.Backend for a single virtio-blk disk.
type Backend struct {
	log  *logrus.Entry
	img  disk.Image

	deviceFeatures uint64
	driverFeatures uint64

	config [32]byte
}

// New constructs a virtio-blk backend over img.
func New(img disk.Image, log *logrus.Entry) *Backend {
	b := &Backend{
		img: img,
		log: log,
		deviceFeatures: 1<<featSizeMax | 1<<featSegMax | 1<<featBlkSize |
			1<<featFlush | 1<<featVersion1,
	}
	b.rebuildConfig()
	return b
}

func (b *Backend) rebuildConfig() {
	capacitySectors := uint64(b.img.Size()) / sectorSize
	binary.LittleEndian.PutUint64(b.config[0:8], capacitySectors)
	binary.LittleEndian.PutUint32(b.config[8:12], 128)   // size_max
	binary.LittleEndian.PutUint32(b.config[12:16], 126)  // seg_max
	binary.LittleEndian.PutUint32(b.config[20:24], sectorSize)
}

func (b *Backend) DeviceID() uint32   { return DeviceID }
func (b *Backend) NumQueues() int     { return 1 }
func (b *Backend) QueueSizeMax(int) uint16 { return queueSize }

func (b *Backend) DeviceFeatures(sel uint32) uint32 { return features.Word(b.deviceFeatures, sel) }
func (b *Backend) SetDriverFeatures(sel uint32, value uint32) {
	features.SetWord(&b.driverFeatures, sel, value)
}

func (b *Backend) ReadConfig(offset uint64, data []byte) {
	if offset >= uint64(len(b.config)) {
		for i := range data {
			data[i] = 0
		}
		return
	}
	n := copy(data, b.config[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (b *Backend) WriteConfig(uint64, []byte) {}

func (b *Backend) Reset() {}

// Notify processes every available chain on the request queue.
func (b *Backend) Notify(sel int, q *virtqueue.Queue) {
	if sel != 0 {
		return
	}
	for {
		head, ok := q.PopAvail()
		if !ok {
			return
		}
		total := b.handleRequest(q, head)
		q.PushUsed(head, total)
	}
}

func (b *Backend) handleRequest(q *virtqueue.Queue, head uint16) uint32 {
	chain, err := q.WalkChain(head)
	if err != nil || len(chain) < 2 {
		b.log.WithError(err).Warn("virtio-blk: malformed request chain")
		return 1
	}

	header := chain[0]
	if header.Writable || len(header.Data) < 16 {
		return b.writeStatus(chain, statusUnsupp)
	}
	reqType := binary.LittleEndian.Uint32(header.Data[0:4])
	sector := binary.LittleEndian.Uint64(header.Data[8:16])

	statusChunk := chain[len(chain)-1]
	if !statusChunk.Writable || len(statusChunk.Data) < 1 {
		return 1
	}
	data := chain[1 : len(chain)-1]

	switch reqType {
	case reqIn:
		return b.doRead(data, sector, statusChunk)
	case reqOut:
		return b.doWrite(data, sector, statusChunk)
	case reqFlush:
		if err := b.img.Flush(); err != nil {
			statusChunk.Data[0] = statusIOErr
		} else {
			statusChunk.Data[0] = statusOK
		}
		return 1
	case reqGetID:
		id := []byte("tenbox-blk0")
		n := copy(data[0].Data, id)
		for i := n; i < len(data[0].Data); i++ {
			data[0].Data[i] = 0
		}
		statusChunk.Data[0] = statusOK
		return uint32(n) + 1
	default:
		statusChunk.Data[0] = statusUnsupp
		return 1
	}
}

func (b *Backend) doRead(data []virtqueue.Chunk, sector uint64, status virtqueue.Chunk) uint32 {
	off := int64(sector) * sectorSize
	var copied uint32
	for _, c := range data {
		if !c.Writable {
			status.Data[0] = statusUnsupp
			return 1
		}
		n, err := b.img.ReadAt(c.Data, off)
		if err != nil && n == 0 {
			status.Data[0] = statusIOErr
			return copied + 1
		}
		off += int64(n)
		copied += uint32(n)
	}
	status.Data[0] = statusOK
	return copied + 1
}

func (b *Backend) doWrite(data []virtqueue.Chunk, sector uint64, status virtqueue.Chunk) uint32 {
	off := int64(sector) * sectorSize
	for _, c := range data {
		if c.Writable {
			status.Data[0] = statusUnsupp
			return 1
		}
		if _, err := b.img.WriteAt(c.Data, off); err != nil {
			status.Data[0] = statusIOErr
			return 1
		}
		off += int64(len(c.Data))
	}
	status.Data[0] = statusOK
	return 1
}

func (b *Backend) writeStatus(chain []virtqueue.Chunk, code byte) uint32 {
	last := chain[len(chain)-1]
	if last.Writable && len(last.Data) >= 1 {
		last.Data[0] = code
	}
	return 1
}
