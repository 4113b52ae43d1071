package ffs

import (
	"fmt"
	"os"
)

// FileDevice is a Device backed by an image file or a raw disk node. While
// open it holds an advisory lock so two checkers cannot work on the same
// volume at once.
type FileDevice struct {
	f        *os.File
	path     string
	readOnly bool
}

// OpenDevice opens path for checking. A read-only device is opened with a
// shared lock, a writable one with an exclusive lock.
func OpenDevice(path string, readOnly bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening device %q: %w", path, err)
	}

	if err := lockFile(f, !readOnly); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking device %q: %w", path, err)
	}

	return &FileDevice{f: f, path: path, readOnly: readOnly}, nil
}

// CreateImage creates or truncates an image file of the given size.
func CreateImage(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening image file %q: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncating image file %q to %d bytes: %w", path, size, err)
	}

	if err := lockFile(f, true); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking image %q: %w", path, err)
	}

	return &FileDevice{f: f, path: path}, nil
}

func (fd *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return fd.f.ReadAt(p, off)
}

func (fd *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if fd.readOnly {
		return 0, ErrReadOnly
	}
	return fd.f.WriteAt(p, off)
}

// Path returns the path the device was opened from.
func (fd *FileDevice) Path() string { return fd.path }

// Size returns the current size of the underlying file.
func (fd *FileDevice) Size() (int64, error) {
	st, err := fd.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", fd.path, err)
	}
	return st.Size(), nil
}

func (fd *FileDevice) Sync() error {
	if fd.readOnly {
		return nil
	}
	if err := fd.f.Sync(); err != nil {
		return fmt.Errorf("disk sync error: %w", err)
	}
	return nil
}

func (fd *FileDevice) Close() error {
	_ = unlockFile(fd.f)
	if err := fd.f.Close(); err != nil {
		return fmt.Errorf("disk close error: %w", err)
	}
	return nil
}
