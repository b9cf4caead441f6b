package disk

import "os"

// RawImage is a flat, uncompressed disk image: a size and a file handle.
type RawImage struct {
	f    *os.File
	size int64
}

// OpenRaw opens path for read/write, creating it at sizeHint bytes if it
// does not exist (sizeHint is ignored for an existing file).
func OpenRaw(path string, sizeHint int64) (*RawImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size == 0 && sizeHint > 0 {
		if err := f.Truncate(sizeHint); err != nil {
			f.Close()
			return nil, err
		}
		size = sizeHint
	}
	return &RawImage{f: f, size: size}, nil
}

func (r *RawImage) ReadAt(p []byte, off int64) (int, error)  { return r.f.ReadAt(p, off) }
func (r *RawImage) WriteAt(p []byte, off int64) (int, error) { return r.f.WriteAt(p, off) }
func (r *RawImage) Size() int64                              { return r.size }
func (r *RawImage) Flush() error                              { return r.f.Sync() }
func (r *RawImage) Close() error                              { return r.f.Close() }
