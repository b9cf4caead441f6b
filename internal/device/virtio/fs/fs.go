// Package fs implements the virtio-fs backend (device id 26, spec.md
// §4.10): a FUSE server over a single virtio request queue. The wire
// format below is hand-encoded to the stable Linux FUSE ABI rather than
// built on a vendored FUSE server loop.
package fs

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/device/virtio/virtqueue"
)

const DeviceID uint32 = 26

const requestQueue = 0

// Opcodes, per linux/fuse.h.
const (
	opLookup       = 1
	opForget       = 2
	opGetattr      = 3
	opSetattr      = 4
	opMkdir        = 9
	opUnlink       = 10
	opRmdir        = 11
	opRename       = 12
	opOpen         = 14
	opRead         = 15
	opWrite        = 16
	opStatfs       = 17
	opRelease      = 18
	opFsync        = 20
	opFlush        = 25
	opInit         = 26
	opOpendir      = 27
	opReaddir      = 28
	opReleasedir   = 29
	opFsyncdir     = 30
	opAccess       = 34
	opCreate       = 35
	opDestroy      = 38
	opBatchForget  = 42
	opReaddirplus  = 44
)

const (
	inHeaderSize  = 40
	outHeaderSize = 16
)

type inHeader struct {
	Len    uint32
	Opcode uint32
	Unique uint64
	NodeID uint64
	UID    uint32
	GID    uint32
	PID    uint32
}

func parseInHeader(b []byte) inHeader {
	return inHeader{
		Len:    binary.LittleEndian.Uint32(b[0:4]),
		Opcode: binary.LittleEndian.Uint32(b[4:8]),
		Unique: binary.LittleEndian.Uint64(b[8:16]),
		NodeID: binary.LittleEndian.Uint64(b[16:24]),
		UID:    binary.LittleEndian.Uint32(b[24:28]),
		GID:    binary.LittleEndian.Uint32(b[28:32]),
		PID:    binary.LittleEndian.Uint32(b[32:36]),
	}
}

func putOutHeader(b []byte, length uint32, errno int32, unique uint64) {
	binary.LittleEndian.PutUint32(b[0:4], length)
	binary.LittleEndian.PutUint32(b[4:8], uint32(errno))
	binary.LittleEndian.PutUint64(b[8:16], unique)
}

// Share is one host directory exported under the mount's virtual root.
type Share struct {
	Tag      string
	HostPath string
	ReadOnly bool
}

const (
	rootInode = 1
)

type inode struct {
	path      string // host path; empty for the virtual root
	tag       string // share tag this inode (or an ancestor) belongs to, "" for the virtual root
	readOnly  bool
	isDir     bool
	nlookup   uint64
	protected bool // root or share root: FORGET never removes, mutation always EACCES
}

type handle struct {
	nodeID uint64
	f      *os.File
	dir    *os.File
	isDir  bool
}

// Backend implements mmio.Backend for virtio-fs.
type Backend struct {
	mu  sync.Mutex
	log *logrus.Entry

	shares []Share

	inodes  map[uint64]*inode
	byPath  map[string]uint64
	nextIno uint64

	handles  map[uint64]*handle
	nextFh   uint64
}

// New constructs a virtio-fs backend exporting shares under the virtual
// root.
func New(shares []Share, log *logrus.Entry) *Backend {
	b := &Backend{
		log:     log,
		shares:  shares,
		inodes:  make(map[uint64]*inode),
		byPath:  make(map[string]uint64),
		handles: make(map[uint64]*handle),
		nextIno: rootInode + 1,
		nextFh:  1,
	}
	b.inodes[rootInode] = &inode{isDir: true, protected: true}
	for _, s := range shares {
		ino := b.nextIno
		b.nextIno++
		b.inodes[ino] = &inode{path: s.HostPath, tag: s.Tag, readOnly: s.ReadOnly, isDir: true, protected: true}
		b.byPath["/"+s.Tag] = ino
	}
	return b
}

func (b *Backend) DeviceID() uint32        { return DeviceID }
func (b *Backend) NumQueues() int          { return 1 }
func (b *Backend) QueueSizeMax(int) uint16 { return 128 }

func (b *Backend) DeviceFeatures(uint32) uint32     { return 0 }
func (b *Backend) SetDriverFeatures(uint32, uint32) {}

func (b *Backend) ReadConfig(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
}
func (b *Backend) WriteConfig(uint64, []byte) {}

// Reset closes all open handles, matching a guest-initiated device reset.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.handles {
		if h.f != nil {
			h.f.Close()
		}
		if h.dir != nil {
			h.dir.Close()
		}
	}
	b.handles = make(map[uint64]*handle)
}

func (b *Backend) Notify(sel int, q *virtqueue.Queue) {
	if sel != requestQueue {
		return
	}
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
		n := b.dispatch(chain)
		q.PushUsed(head, uint32(n))
	}
}

func (b *Backend) dispatch(chain []virtqueue.Chunk) int {
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
	if len(req) < inHeaderSize || resp == nil || len(resp.Data) < outHeaderSize {
		return 0
	}
	hdr := parseInHeader(req)
	body := req[inHeaderSize:]
	out := resp.Data

	errno, payload := b.handle(hdr, body)
	n := copy(out[outHeaderSize:], payload)
	putOutHeader(out, uint32(outHeaderSize+n), errno, hdr.Unique)
	return outHeaderSize + n
}

func errnoFor(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(syscall.Errno); ok {
		return -int32(errno)
	}
	if os.IsNotExist(err) {
		return -int32(syscall.ENOENT)
	}
	if os.IsPermission(err) {
		return -int32(syscall.EACCES)
	}
	return -int32(syscall.EIO)
}

func (b *Backend) handle(hdr inHeader, body []byte) (int32, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch hdr.Opcode {
	case opInit:
		return b.doInit(body)
	case opLookup:
		return b.doLookup(hdr, body)
	case opForget, opBatchForget:
		b.doForget(hdr, body)
		return 0, nil // FORGET has no reply
	case opGetattr:
		return b.doGetattr(hdr)
	case opSetattr:
		return b.doSetattr(hdr, body)
	case opOpen, opOpendir:
		return b.doOpen(hdr, hdr.Opcode == opOpendir)
	case opRead:
		return b.doRead(body)
	case opWrite:
		return b.doWrite(body)
	case opRelease, opReleasedir:
		return b.doRelease(body)
	case opReaddir, opReaddirplus:
		return b.doReaddir(hdr, body)
	case opStatfs:
		return b.doStatfs()
	case opCreate:
		return b.doCreate(hdr, body)
	case opMkdir:
		return b.doMkdir(hdr, body)
	case opUnlink, opRmdir:
		return b.doUnlink(hdr, body, hdr.Opcode == opRmdir)
	case opRename:
		return b.doRename(hdr, body)
	case opFlush, opFsync, opFsyncdir:
		return 0, nil
	case opAccess:
		return 0, nil
	case opDestroy:
		return 0, nil
	default:
		return -int32(syscall.ENOSYS), nil
	}
}

func (b *Backend) doInit(body []byte) (int32, []byte) {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint32(out[0:4], 7)  // major
	binary.LittleEndian.PutUint32(out[4:8], 31) // minor
	binary.LittleEndian.PutUint32(out[8:12], 0) // max_readahead
	binary.LittleEndian.PutUint32(out[12:16], 0)
	binary.LittleEndian.PutUint16(out[16:18], 16) // max_background
	binary.LittleEndian.PutUint16(out[18:20], 8)  // congestion_threshold
	binary.LittleEndian.PutUint32(out[20:24], 1<<20)
	return 0, out
}

func (b *Backend) fullPath(ino *inode, child string) string {
	if ino.path == "" {
		return "" // virtual root itself isn't a host path
	}
	return filepath.Join(ino.path, child)
}

func (b *Backend) lookupInode(id uint64) (*inode, bool) {
	in, ok := b.inodes[id]
	return in, ok
}

func (b *Backend) doLookup(hdr inHeader, body []byte) (int32, []byte) {
	name := cString(body)
	parent, ok := b.lookupInode(hdr.NodeID)
	if !ok {
		return -int32(syscall.ENOENT), nil
	}

	if parent.path == "" {
		// looking up a share tag under the virtual root
		key := "/" + name
		ino, ok := b.byPath[key]
		if !ok {
			return -int32(syscall.ENOENT), nil
		}
		return b.entryReply(ino)
	}

	hostPath := filepath.Join(parent.path, name)
	fi, err := os.Lstat(hostPath)
	if err != nil {
		return errnoFor(err), nil
	}
	ino := b.internInode(hostPath, parent.tag, parent.readOnly, fi.IsDir())
	return b.entryReply(ino)
}

func (b *Backend) internInode(hostPath, tag string, readOnly, isDir bool) uint64 {
	if id, ok := b.byPath[hostPath]; ok {
		b.inodes[id].nlookup++
		return id
	}
	id := b.nextIno
	b.nextIno++
	b.inodes[id] = &inode{path: hostPath, tag: tag, readOnly: readOnly, isDir: isDir, nlookup: 1}
	b.byPath[hostPath] = id
	return id
}

// entryOutSize is sizeof(struct fuse_entry_out): nodeid, generation,
// entry_valid, attr_valid (8 bytes each), entry_valid_nsec,
// attr_valid_nsec (4 bytes each), then the embedded attr.
const entryOutSize = 40 + attrSize

func putEntryOut(out []byte, ino uint64, attr statInfo) {
	binary.LittleEndian.PutUint64(out[0:8], ino)
	binary.LittleEndian.PutUint64(out[8:16], 1) // generation
	putAttr(out[40:], ino, attr)
}

func (b *Backend) entryReply(ino uint64) (int32, []byte) {
	in := b.inodes[ino]
	attr, err := b.statAttr(in)
	if err != nil {
		return errnoFor(err), nil
	}
	out := make([]byte, entryOutSize)
	putEntryOut(out, ino, attr)
	return 0, out
}

func (b *Backend) doForget(hdr inHeader, body []byte) {
	if hdr.Opcode == opForget {
		if len(body) < 8 {
			return
		}
		n := binary.LittleEndian.Uint64(body[0:8])
		b.forgetOne(hdr.NodeID, n)
		return
	}
	if len(body) < 8 {
		return
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	off := 8
	for i := uint32(0); i < count && off+16 <= len(body); i++ {
		nodeID := binary.LittleEndian.Uint64(body[off : off+8])
		n := binary.LittleEndian.Uint64(body[off+8 : off+16])
		b.forgetOne(nodeID, n)
		off += 16
	}
}

func (b *Backend) forgetOne(nodeID, n uint64) {
	in, ok := b.inodes[nodeID]
	if !ok || in.protected {
		return
	}
	if n >= in.nlookup {
		delete(b.inodes, nodeID)
		delete(b.byPath, in.path)
		return
	}
	in.nlookup -= n
}

const attrSize = 88

// attrOutSize is sizeof(struct fuse_attr_out): attr_valid, attr_valid_nsec
// + dummy padding, then the embedded attr.
const attrOutSize = 16 + attrSize

type statInfo struct {
	ino   uint64
	size  uint64
	mode  uint32
	nlink uint32
	atime, mtime, ctime int64
}

func (b *Backend) statAttr(in *inode) (statInfo, error) {
	if in.path == "" {
		return statInfo{mode: syscall.S_IFDIR | 0555, nlink: 2}, nil
	}
	fi, err := os.Lstat(in.path)
	if err != nil {
		return statInfo{}, err
	}
	st := fi.Sys().(*syscall.Stat_t)
	mode := uint32(fi.Mode().Perm())
	if fi.IsDir() {
		mode |= syscall.S_IFDIR
	} else {
		mode |= syscall.S_IFREG
	}
	return statInfo{
		size: uint64(fi.Size()), mode: mode, nlink: uint32(st.Nlink),
		atime: st.Atim.Sec, mtime: st.Mtim.Sec, ctime: st.Ctim.Sec,
	}, nil
}

// putAttr encodes a struct fuse_attr (linux/fuse.h): ino, size, blocks,
// atime/mtime/ctime (8 bytes each) followed by the nsec/mode/nlink/
// uid/gid/rdev/blksize/padding 4-byte fields.
func putAttr(b []byte, ino uint64, s statInfo) {
	binary.LittleEndian.PutUint64(b[0:8], ino)
	binary.LittleEndian.PutUint64(b[8:16], s.size)
	binary.LittleEndian.PutUint64(b[16:24], s.size/512+1) // blocks
	binary.LittleEndian.PutUint64(b[24:32], uint64(s.atime))
	binary.LittleEndian.PutUint64(b[32:40], uint64(s.mtime))
	binary.LittleEndian.PutUint64(b[40:48], uint64(s.ctime))
	binary.LittleEndian.PutUint32(b[60:64], s.mode)
	binary.LittleEndian.PutUint32(b[64:68], s.nlink)
}

func (b *Backend) doGetattr(hdr inHeader) (int32, []byte) {
	in, ok := b.lookupInode(hdr.NodeID)
	if !ok {
		return -int32(syscall.ENOENT), nil
	}
	attr, err := b.statAttr(in)
	if err != nil {
		return errnoFor(err), nil
	}
	out := make([]byte, attrOutSize)
	putAttr(out[16:], hdr.NodeID, attr)
	return 0, out
}

func (b *Backend) doSetattr(hdr inHeader, body []byte) (int32, []byte) {
	in, ok := b.lookupInode(hdr.NodeID)
	if !ok {
		return -int32(syscall.ENOENT), nil
	}
	if in.protected {
		return -int32(syscall.EACCES), nil
	}
	if in.readOnly {
		return -int32(syscall.EROFS), nil
	}
	if len(body) < 88 {
		return -int32(syscall.EINVAL), nil
	}
	valid := binary.LittleEndian.Uint32(body[0:4])
	const (
		fattrSize  = 1 << 3
		fattrAtime = 1 << 4
		fattrMtime = 1 << 5
	)
	if valid&fattrSize != 0 {
		size := binary.LittleEndian.Uint64(body[16:24])
		if err := os.Truncate(in.path, int64(size)); err != nil {
			return errnoFor(err), nil
		}
	}
	if valid&(fattrAtime|fattrMtime) != 0 {
		now := time.Now()
		if err := os.Chtimes(in.path, now, now); err != nil {
			return errnoFor(err), nil
		}
	}
	attr, err := b.statAttr(in)
	if err != nil {
		return errnoFor(err), nil
	}
	out := make([]byte, attrOutSize)
	putAttr(out[16:], hdr.NodeID, attr)
	return 0, out
}

func (b *Backend) doOpen(hdr inHeader, isDir bool) (int32, []byte) {
	in, ok := b.lookupInode(hdr.NodeID)
	if !ok {
		return -int32(syscall.ENOENT), nil
	}
	fh := b.nextFh
	b.nextFh++
	h := &handle{nodeID: hdr.NodeID, isDir: isDir}
	if isDir {
		d, err := os.Open(in.path)
		if err != nil {
			return errnoFor(err), nil
		}
		h.dir = d
	} else {
		f, err := os.OpenFile(in.path, os.O_RDWR, 0)
		if err != nil {
			f, err = os.Open(in.path)
		}
		if err != nil {
			return errnoFor(err), nil
		}
		h.f = f
	}
	b.handles[fh] = h
	out := make([]byte, 16) // fuse_open_out
	binary.LittleEndian.PutUint64(out[0:8], fh)
	return 0, out
}

func (b *Backend) doRead(body []byte) (int32, []byte) {
	if len(body) < 24 {
		return -int32(syscall.EINVAL), nil
	}
	fh := binary.LittleEndian.Uint64(body[0:8])
	offset := binary.LittleEndian.Uint64(body[8:16])
	size := binary.LittleEndian.Uint32(body[16:20])
	h, ok := b.handles[fh]
	if !ok || h.f == nil {
		return -int32(syscall.EBADF), nil
	}
	buf := make([]byte, size)
	n, err := h.f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return errnoFor(err), nil
	}
	return 0, buf[:n]
}

func (b *Backend) doWrite(body []byte) (int32, []byte) {
	if len(body) < 40 {
		return -int32(syscall.EINVAL), nil
	}
	fh := binary.LittleEndian.Uint64(body[0:8])
	offset := binary.LittleEndian.Uint64(body[8:16])
	size := binary.LittleEndian.Uint32(body[16:20])
	data := body[40:]
	if uint32(len(data)) > size {
		data = data[:size]
	}
	h, ok := b.handles[fh]
	if !ok || h.f == nil {
		return -int32(syscall.EBADF), nil
	}
	in := b.inodes[h.nodeID]
	if in.readOnly {
		return -int32(syscall.EROFS), nil
	}
	n, err := h.f.WriteAt(data, int64(offset))
	if err != nil {
		return errnoFor(err), nil
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(n))
	return 0, out
}

func (b *Backend) doRelease(body []byte) (int32, []byte) {
	if len(body) < 8 {
		return 0, nil
	}
	fh := binary.LittleEndian.Uint64(body[0:8])
	if h, ok := b.handles[fh]; ok {
		if h.f != nil {
			h.f.Close()
		}
		if h.dir != nil {
			h.dir.Close()
		}
		delete(b.handles, fh)
	}
	return 0, nil
}

func (b *Backend) doReaddir(hdr inHeader, body []byte) (int32, []byte) {
	if len(body) < 16 {
		return -int32(syscall.EINVAL), nil
	}
	fh := binary.LittleEndian.Uint64(body[0:8])

	in, ok := b.lookupInode(hdr.NodeID)
	if !ok {
		return -int32(syscall.ENOENT), nil
	}

	var names []string
	if in.path == "" {
		for _, s := range b.shares {
			names = append(names, s.Tag)
		}
	} else {
		h, ok := b.handles[fh]
		if !ok || h.dir == nil {
			return -int32(syscall.EBADF), nil
		}
		entries, err := h.dir.Readdirnames(-1)
		if err != nil {
			return errnoFor(err), nil
		}
		names = entries
	}

	var out []byte
	for i, name := range names {
		rec := dirent(uint64(i+1), name)
		out = append(out, rec...)
	}
	return 0, out
}

func dirent(ino uint64, name string) []byte {
	nameLen := len(name)
	recLen := 24 + nameLen
	pad := (8 - recLen%8) % 8
	buf := make([]byte, recLen+pad)
	binary.LittleEndian.PutUint64(buf[0:8], ino)
	binary.LittleEndian.PutUint64(buf[8:16], 0) // offset, client ignores with our simplified cursor
	binary.LittleEndian.PutUint32(buf[16:20], uint32(nameLen))
	binary.LittleEndian.PutUint32(buf[20:24], 0) // type, unknown
	copy(buf[24:], name)
	return buf
}

func (b *Backend) doStatfs() (int32, []byte) {
	out := make([]byte, 80)
	binary.LittleEndian.PutUint64(out[24:32], 4096) // bsize
	return 0, out
}

func (b *Backend) doCreate(hdr inHeader, body []byte) (int32, []byte) {
	parent, ok := b.lookupInode(hdr.NodeID)
	if !ok || parent.path == "" {
		return -int32(syscall.EACCES), nil
	}
	if parent.readOnly {
		return -int32(syscall.EROFS), nil
	}
	if len(body) < 16 {
		return -int32(syscall.EINVAL), nil
	}
	mode := binary.LittleEndian.Uint32(body[4:8])
	name := cString(body[16:])
	hostPath := filepath.Join(parent.path, name)
	f, err := os.OpenFile(hostPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, os.FileMode(mode&0777))
	if err != nil {
		return errnoFor(err), nil
	}
	ino := b.internInode(hostPath, parent.tag, false, false)
	fh := b.nextFh
	b.nextFh++
	b.handles[fh] = &handle{nodeID: ino, f: f}

	attr, _ := b.statAttr(b.inodes[ino])
	out := make([]byte, entryOutSize+16) // fuse_entry_out + fuse_open_out
	putEntryOut(out, ino, attr)
	binary.LittleEndian.PutUint64(out[entryOutSize:], fh)
	return 0, out
}

func (b *Backend) doMkdir(hdr inHeader, body []byte) (int32, []byte) {
	parent, ok := b.lookupInode(hdr.NodeID)
	if !ok || parent.path == "" {
		return -int32(syscall.EACCES), nil
	}
	if parent.readOnly {
		return -int32(syscall.EROFS), nil
	}
	if len(body) < 8 {
		return -int32(syscall.EINVAL), nil
	}
	mode := binary.LittleEndian.Uint32(body[0:4])
	name := cString(body[8:])
	hostPath := filepath.Join(parent.path, name)
	if err := os.Mkdir(hostPath, os.FileMode(mode&0777)); err != nil {
		return errnoFor(err), nil
	}
	return b.entryReply(b.internInode(hostPath, parent.tag, false, true))
}

func (b *Backend) doUnlink(hdr inHeader, body []byte, isDir bool) (int32, []byte) {
	parent, ok := b.lookupInode(hdr.NodeID)
	if !ok || parent.path == "" {
		return -int32(syscall.EACCES), nil
	}
	if parent.readOnly {
		return -int32(syscall.EROFS), nil
	}
	name := cString(body)
	hostPath := filepath.Join(parent.path, name)
	if err := os.Remove(hostPath); err != nil {
		return errnoFor(err), nil
	}
	return 0, nil
}

func (b *Backend) doRename(hdr inHeader, body []byte) (int32, []byte) {
	parent, ok := b.lookupInode(hdr.NodeID)
	if !ok || parent.path == "" {
		return -int32(syscall.EACCES), nil
	}
	if parent.readOnly {
		return -int32(syscall.EROFS), nil
	}
	if len(body) < 8 {
		return -int32(syscall.EINVAL), nil
	}
	newDir := binary.LittleEndian.Uint64(body[0:8])
	rest := body[8:]
	oldName := cString(rest)
	newName := cString(rest[len(oldName)+1:])

	newParent, ok := b.lookupInode(newDir)
	if !ok || newParent.path == "" {
		return -int32(syscall.EACCES), nil
	}
	oldPath := filepath.Join(parent.path, oldName)
	newPath := filepath.Join(newParent.path, newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return errnoFor(err), nil
	}
	if id, ok := b.byPath[oldPath]; ok {
		delete(b.byPath, oldPath)
		b.inodes[id].path = newPath
		b.byPath[newPath] = id
	}
	return 0, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
