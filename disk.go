package ffs

import (
	"errors"
	"fmt"
	"io"
)

// Device abstracts the block device holding the filesystem. The checker and
// the image builder only ever use positioned reads and writes, so any random
// access store (files, raw devices, memory buffers) can back a volume.
type Device interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
}

// ErrReadOnly is returned when writing to a device opened without write access.
var ErrReadOnly = errors.New("device is read-only")

// diskBackend wraps a Device with all-or-nothing transfers and the
// no-write switch of the checker.
type diskBackend struct {
	dev      Device
	readOnly bool

	reads  int64
	writes int64
}

func newDiskBackend(dev Device, readOnly bool) *diskBackend {
	return &diskBackend{dev: dev, readOnly: readOnly}
}

func (d *diskBackend) readAt(p []byte, off int64) error {
	n, err := d.dev.ReadAt(p, off)
	d.reads++
	if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
		return fmt.Errorf("disk read error at offset %d: %w", off, err)
	}
	if n != len(p) {
		return fmt.Errorf("disk read error at offset %d: short read %d of %d", off, n, len(p))
	}

	return nil
}

func (d *diskBackend) writeAt(p []byte, off int64) error {
	if d.readOnly {
		return ErrReadOnly
	}
	n, err := d.dev.WriteAt(p, off)
	d.writes++
	if err != nil {
		return fmt.Errorf("disk write error at offset %d: %w", off, err)
	}
	if n != len(p) {
		return fmt.Errorf("disk write error at offset %d: short write %d of %d", off, n, len(p))
	}

	return nil
}

func (d *diskBackend) sync() error {
	if syncer, ok := d.dev.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("disk sync error: %w", err)
		}
	}

	return nil
}
