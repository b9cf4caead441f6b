// Package virtqueue implements the virtio 1.x split-ring descriptor
// walker over guest memory (spec.md §4.3).
package virtqueue

import (
	"fmt"
	"sync/atomic"

	"github.com/tenbox/tenbox/internal/memory"
)

// storeFence emits a full memory barrier via an atomic RMW on a throwaway
// word. It exists so PushUsed can guarantee the used-ring entry write is
// visible to the guest before the idx increment below it, per the virtio
// ordering rule in spec.md §5.
func storeFence() {
	var scratch int32
	atomic.AddInt32(&scratch, 0)
}

const (
	descFlagNext     uint16 = 1
	descFlagWrite    uint16 = 2
	descFlagIndirect uint16 = 4
)

type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descSize = 16

// Chunk is one contiguous span of a descriptor chain, resolved to a host
// byte slice.
type Chunk struct {
	Data     []byte
	Writable bool
}

// Queue is a split ring of QueueSize entries over three guest-memory
// regions: descriptor table, driver/available ring, device/used ring.
type Queue struct {
	mem *memory.GuestMemory

	size uint16

	descAddr   uint64
	driverAddr uint64 // available ring
	deviceAddr uint64 // used ring

	lastAvailIdx uint16
}

// New builds a queue view over the three guest-memory regions staged by
// the mmio transport. size must be a power of two, <= 32768.
func New(mem *memory.GuestMemory, size uint16, descAddr, driverAddr, deviceAddr uint64) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 || size > 32768 {
		return nil, fmt.Errorf("virtqueue: invalid size %d", size)
	}
	return &Queue{mem: mem, size: size, descAddr: descAddr, driverAddr: driverAddr, deviceAddr: deviceAddr}, nil
}

// Reset clears last_avail_idx, as happens on a transport reset.
func (q *Queue) Reset() { q.lastAvailIdx = 0 }

func (q *Queue) availIdx() uint16 {
	var buf [2]byte
	q.mem.ReadAt(buf[:], q.driverAddr+2)
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func (q *Queue) availRingHead(i uint16) uint16 {
	off := q.driverAddr + 4 + uint64(i%q.size)*2
	var buf [2]byte
	q.mem.ReadAt(buf[:], off)
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func (q *Queue) readDescriptor(idx uint16) descriptor {
	off := q.descAddr + uint64(idx)*descSize
	var buf [descSize]byte
	q.mem.ReadAt(buf[:], off)
	var d descriptor
	d.Addr = leU64(buf[0:8])
	d.Len = leU32(buf[8:12])
	d.Flags = leU16(buf[12:14])
	d.Next = leU16(buf[14:16])
	return d
}

// PopAvail compares last_avail_idx to the available ring's idx; if
// unequal it reads the head descriptor index, advances last_avail_idx
// and returns (head, true). Returns (0, false) if the ring is empty.
func (q *Queue) PopAvail() (uint16, bool) {
	if q.lastAvailIdx == q.availIdx() {
		return 0, false
	}
	head := q.availRingHead(q.lastAvailIdx)
	q.lastAvailIdx++
	return head, true
}

// WalkChain follows descriptors from head via the NEXT flag, bounded by
// size iterations as cycle defense, yielding resolved host byte chunks.
func (q *Queue) WalkChain(head uint16) ([]Chunk, error) {
	chunks := make([]Chunk, 0, 4)
	idx := head
	for i := uint16(0); i < q.size; i++ {
		d := q.readDescriptor(idx)
		if d.Flags&descFlagIndirect != 0 {
			return nil, fmt.Errorf("virtqueue: indirect descriptors not supported")
		}
		data := q.mem.GpaToHvaSlice(d.Addr, int(d.Len))
		if data == nil {
			return nil, fmt.Errorf("virtqueue: descriptor %d addr 0x%x len %d unmapped", idx, d.Addr, d.Len)
		}
		chunks = append(chunks, Chunk{Data: data, Writable: d.Flags&descFlagWrite != 0})
		if d.Flags&descFlagNext == 0 {
			return chunks, nil
		}
		idx = d.Next
	}
	return nil, fmt.Errorf("virtqueue: descriptor chain exceeds queue size (cycle?)")
}

// PushUsed writes {id=head, len=totalLen} into the used ring at
// used.idx%size, issues a store fence, then increments used.idx. The
// fence ensures the guest never observes the incremented idx before the
// ring entry is visible.
func (q *Queue) PushUsed(head uint16, totalLen uint32) {
	usedIdx := q.usedIdx()
	off := q.deviceAddr + 4 + uint64(usedIdx%q.size)*8
	var buf [8]byte
	putLE32(buf[0:4], uint32(head))
	putLE32(buf[4:8], totalLen)
	q.mem.WriteAt(off, buf[:])

	storeFence()

	q.setUsedIdx(usedIdx + 1)
}

func (q *Queue) usedIdx() uint16 {
	var buf [2]byte
	q.mem.ReadAt(buf[:], q.deviceAddr+2)
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func (q *Queue) setUsedIdx(v uint16) {
	var buf [2]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	q.mem.WriteAt(q.deviceAddr+2, buf[:])
}

// Size reports the configured queue depth.
func (q *Queue) Size() uint16 { return q.size }

func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leU64(b []byte) uint64 {
	return uint64(leU32(b[0:4])) | uint64(leU32(b[4:8]))<<32
}
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
