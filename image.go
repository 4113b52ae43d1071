package ffs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Image provides the public API for creating FFS filesystem images.
// It wraps the internal builder with a device and provides high-level
// methods for filesystem construction, corruption and persistence.
type Image struct {
	builder *builder
	dev     Device
	file    *FileDevice // set when the image owns its backing file

	imagePath     string
	sizeBytes     int64
	createdAt     int64
	fsID          uuid.UUID
	ufs2          bool
	bigEndian     bool
	bsize         int32
	fsize         int32
	fpg           int32
	ipg           uint32
	contigSumSize int32
	oldDirFormat  bool
	quotas        [maxQuotas]bool
	journalBytes  int64
	journalInFS   bool
}

// File type bits accepted by CreateDevice.
const (
	TypeFIFO   uint16 = ififo
	TypeChar   uint16 = ifchr
	TypeBlock  uint16 = ifblk
	TypeSocket uint16 = ifsock
)

// DirEntry is one name in a directory.
type DirEntry struct {
	Name string
	Ino  uint64
	Type uint8
}

// FileInfo describes an inode.
type FileInfo struct {
	Ino    uint64
	Mode   uint16
	Nlink  int16
	UID    uint32
	GID    uint32
	Size   uint64
	Blocks uint64 // DEV_BSIZE units
}

// IsDir reports whether the inode is a directory.
func (fi FileInfo) IsDir() bool { return fi.Mode&ifmt == ifdir }

// JournalWrite is a block write logged in a journal transaction. Frag is
// the first fragment written.
type JournalWrite struct {
	Frag int64
	Data []byte
}

// JournalRevoke cancels earlier logged writes to Count fragments at Frag.
type JournalRevoke struct {
	Frag  int64
	Count int
}

// New creates a new FFS filesystem image with the provided options.
// The size must be specified via options; the backing store is the device
// given with WithDevice, a file created at WithImagePath, or memory.
// Returns an Image holding an empty filesystem with root and lost+found.
func New(opts ...ImageOption) (*Image, error) {
	img := &Image{
		createdAt: time.Now().Unix(),
		bsize:     8192,
		fsize:     1024,
		fpg:       8192,
		ipg:       256,
		fsID:      uuid.New(),
	}
	for _, opt := range opts {
		if err := opt(img); err != nil {
			return nil, err
		}
	}

	if img.sizeBytes < 1024*1024 {
		return nil, errors.New("minimum size is 1MB")
	}
	if img.oldDirFormat && img.ufs2 {
		return nil, errors.New("old directory format requires UFS1")
	}

	fsBytes := img.sizeBytes
	if img.journalBytes > 0 {
		img.journalBytes = roundup(img.journalBytes, int64(img.bsize))
		if !img.journalInFS {
			fsBytes -= img.journalBytes
		}
	}

	layout, err := CalculateLayout(fsBytes, img.ufs2, img.bsize, img.fsize, img.fpg, img.ipg)
	if err != nil {
		return nil, err
	}
	layout.ContigSumSize = img.contigSumSize
	layout.OldInodeFormat = img.oldDirFormat
	layout.CreatedAt = img.createdAt
	if img.contigSumSize < 0 || img.contigSumSize > fsMaxContig || cgSizeFor(layout) > int(img.bsize) {
		return nil, fmt.Errorf("invalid cluster summary size %d", img.contigSumSize)
	}

	if img.dev == nil {
		if img.imagePath != "" {
			f, err := CreateImage(img.imagePath, img.sizeBytes)
			if err != nil {
				return nil, err
			}
			img.file = f
			img.dev = f
		} else {
			img.dev = NewMemoryDevice(img.sizeBytes)
		}
	}

	var bo binary.ByteOrder = binary.LittleEndian
	if img.bigEndian {
		bo = binary.BigEndian
	}
	img.builder = newBuilder(img.dev, layout, bo, img.fsID)

	if err := img.builder.prepareFilesystem(img.quotas, img.journalBytes, img.journalInFS); err != nil {
		_ = img.Close()
		return nil, fmt.Errorf("failed to prepare filesystem: %w", err)
	}

	return img, nil
}

// Layout returns the geometry of the filesystem.
func (e *Image) Layout() *Layout { return e.builder.layout }

// Device returns the device holding the image.
func (e *Image) Device() Device { return e.dev }

// CreateDirectory creates a new directory under the specified parent directory.
// Returns the inode number of the created directory.
// The directory will be initialized with "." and ".." entries.
func (e *Image) CreateDirectory(parent uint64, name string, mode uint16, uid, gid uint32) (uint64, error) {
	return e.builder.createDirectory(parent, name, mode, uid, gid)
}

// CreateFile creates a new regular file with the specified content.
// Content beyond the direct blocks is mapped through indirect blocks; a
// short last block is stored in fragments.
func (e *Image) CreateFile(parent uint64, name string, content []byte, mode uint16, uid, gid uint32) (uint64, error) {
	return e.builder.createFile(parent, name, content, mode, uid, gid)
}

// CreateSymlink creates a symbolic link pointing to target. Short targets
// are stored in the inode itself, longer ones in a data fragment.
func (e *Image) CreateSymlink(parent uint64, name, target string, uid, gid uint32) (uint64, error) {
	return e.builder.createSymlink(parent, name, target, uid, gid)
}

// CreateDevice creates a character or block device, fifo or socket node.
// The file type is taken from mode.
func (e *Image) CreateDevice(parent uint64, name string, mode uint16, rdev uint32, uid, gid uint32) (uint64, error) {
	return e.builder.createDevice(parent, name, mode, rdev, uid, gid)
}

// Link adds another name for the non-directory inode ino.
func (e *Image) Link(parent uint64, name string, ino uint64) error {
	return e.builder.link(parent, name, ino)
}

// Lookup returns the inode named name in dir.
func (e *Image) Lookup(dir uint64, name string) (uint64, error) {
	return e.builder.lookup(dir, name)
}

// ReadDir lists dir, including "." and "..".
func (e *Image) ReadDir(dir uint64) ([]DirEntry, error) {
	return e.builder.readDir(dir)
}

// ReadFile returns the content of a regular file or the target of a symlink.
func (e *Image) ReadFile(ino uint64) ([]byte, error) {
	return e.builder.readFile(ino)
}

// Stat describes the inode ino.
func (e *Image) Stat(ino uint64) (FileInfo, error) {
	return e.builder.stat(ino)
}

// SetXattr sets an extended attribute on the specified inode (UFS2 only).
// Names carry their namespace prefix, "user." or "system.".
// If the attribute already exists, its value is updated.
func (e *Image) SetXattr(ino uint64, name string, value []byte) error {
	return e.builder.setXattr(ino, name, value)
}

// ListXattrs returns the names of all extended attributes of ino.
func (e *Image) ListXattrs(ino uint64) ([]string, error) {
	return e.builder.listXattrs(ino)
}

// GetXattr returns the value of one extended attribute.
func (e *Image) GetXattr(ino uint64, name string) ([]byte, error) {
	return e.builder.getXattr(ino, name)
}

// RemoveXattr removes an extended attribute from the specified inode.
// If the attribute doesn't exist, no error is returned.
func (e *Image) RemoveXattr(ino uint64, name string) error {
	return e.builder.removeXattr(ino, name)
}

// Delete removes a file, symlink, device or empty directory from the
// parent directory. This is similar to os.Remove behavior.
func (e *Image) Delete(parent uint64, name string) error {
	return e.builder.deleteEntry(parent, name)
}

// DeleteDirectory recursively removes a directory and all its contents.
// This is similar to os.RemoveAll behavior.
func (e *Image) DeleteDirectory(parent uint64, name string) error {
	return e.builder.deleteDirectory(parent, name)
}

// AppendJournal logs one committed transaction in the journal without
// applying it, as a crash right after the commit would leave it. The
// filesystem is saved first so the log describes changes on top of it.
func (e *Image) AppendJournal(writes []JournalWrite, revoke []JournalRevoke) error {
	if err := e.Save(); err != nil {
		return err
	}
	return e.builder.appendJournal(writes, revoke)
}

// Save finalizes the filesystem metadata (quota files, cylinder groups,
// summaries and every superblock copy) and syncs the device. The volume
// is marked clean.
func (e *Image) Save() error {
	if err := e.builder.finalizeMetadata(); err != nil {
		return fmt.Errorf("failed to finalize metadata: %w", err)
	}
	return nil
}

// QuotaInode returns the inode of quota file t (0 user, 1 group), or 0
// when that quota is off.
func (e *Image) QuotaInode(t int) uint64 {
	if t < 0 || t >= maxQuotas {
		return 0
	}
	return e.builder.s.quotaIno[t]
}

// Reread drops every cached block so that reads see what another writer,
// such as a checker run, has since left on the device. Allocation state
// is not reloaded, so the image should only be read afterwards.
func (e *Image) Reread() {
	e.builder.s.cache.invalidate()
}

// Close closes the backing file if the image created it.
// Returns an error if the operation fails.
func (e *Image) Close() error {
	if e.file == nil {
		return nil
	}
	return e.file.Close()
}
