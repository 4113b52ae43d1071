package ffs

import (
	"fmt"
	"io"
)

// MemoryDevice is an in-memory Device. Sectors listed in BadSectors fail
// on read, which lets tests exercise the cache's error accounting.
type MemoryDevice struct {
	data       []byte
	BadSectors map[int64]bool
}

// NewMemoryDevice returns a zero-filled device of size bytes.
func NewMemoryDevice(size int64) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, size)}
}

func (m *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("read out of bounds: off=%d len=%d size=%d", off, len(p), len(m.data))
	}
	for s := off / devBSize; s*devBSize < off+int64(len(p)); s++ {
		if m.BadSectors[s] {
			return 0, fmt.Errorf("I/O error reading sector %d", s)
		}
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write out of bounds: off=%d len=%d size=%d", off, len(p), len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// Bytes exposes the device contents.
func (m *MemoryDevice) Bytes() []byte { return m.data }

// Size returns the device size in bytes.
func (m *MemoryDevice) Size() int64 { return int64(len(m.data)) }

// Clone returns an independent copy of the device.
func (m *MemoryDevice) Clone() *MemoryDevice {
	c := &MemoryDevice{data: make([]byte, len(m.data))}
	copy(c.data, m.data)
	return c
}
