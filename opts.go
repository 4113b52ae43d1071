package ffs

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ImageOption is a functional option for configuring Image creation.
type ImageOption func(*Image) error

// WithImagePath creates (or truncates) an image file at path to back the image.
func WithImagePath(imagePath string) ImageOption {
	return func(i *Image) error {
		i.imagePath = imagePath
		return nil
	}
}

// WithDevice builds the image on an existing device.
func WithDevice(dev Device) ImageOption {
	return func(i *Image) error {
		i.dev = dev
		return nil
	}
}

// WithSizeInMB sets the filesystem size in MB.
func WithSizeInMB(sizeMB int) ImageOption {
	return func(i *Image) error {
		i.sizeBytes = int64(sizeMB) * 1024 * 1024
		return nil
	}
}

// WithSize sets the filesystem size in bytes.
func WithSize(sizeBytes int64) ImageOption {
	return func(i *Image) error {
		i.sizeBytes = sizeBytes
		return nil
	}
}

// WithCreatedAt sets the timestamp stamped on every structure.
func WithCreatedAt(createdAt int64) ImageOption {
	return func(i *Image) error {
		i.createdAt = createdAt
		return nil
	}
}

// WithFilesystemID sets the identifier stored in the superblock instead of
// a random one, for reproducible images.
func WithFilesystemID(id uuid.UUID) ImageOption {
	return func(i *Image) error {
		i.fsID = id
		return nil
	}
}

// WithUFS2 selects the UFS2 format (default UFS1).
func WithUFS2() ImageOption {
	return func(i *Image) error {
		i.ufs2 = true
		return nil
	}
}

// WithBigEndian writes every structure in big-endian byte order.
func WithBigEndian() ImageOption {
	return func(i *Image) error {
		i.bigEndian = true
		return nil
	}
}

// WithBlockSize sets block and fragment sizes.
func WithBlockSize(bsize, fsize int32) ImageOption {
	return func(i *Image) error {
		i.bsize, i.fsize = bsize, fsize
		return nil
	}
}

// WithGroupGeometry sets fragments and inodes per cylinder group.
func WithGroupGeometry(fpg int32, ipg uint32) ImageOption {
	return func(i *Image) error {
		i.fpg, i.ipg = fpg, ipg
		return nil
	}
}

// WithContigSumSize sets the cluster summary size; 0 disables cluster maps.
func WithContigSumSize(n int32) ImageOption {
	return func(i *Image) error {
		i.contigSumSize = n
		return nil
	}
}

// WithOldDirFormat writes directories without the entry type byte (UFS1 only).
func WithOldDirFormat() ImageOption {
	return func(i *Image) error {
		i.oldDirFormat = true
		return nil
	}
}

// WithQuota enables quota v2 files for users and/or groups.
func WithQuota(user, group bool) ImageOption {
	return func(i *Image) error {
		i.quotas = [maxQuotas]bool{user, group}
		return nil
	}
}

// WithJournal reserves a WAPBL log of logBytes. With inFilesystem the log
// lives in a hidden journal inode, otherwise past the end of the filesystem
// area of the device.
func WithJournal(logBytes int64, inFilesystem bool) ImageOption {
	return func(i *Image) error {
		i.journalBytes = logBytes
		i.journalInFS = inFilesystem
		return nil
	}
}

// Option configures a Checker.
type Option func(*options)

type options struct {
	preen         bool
	noWrite       bool
	force         bool
	policy        Policy
	logger        logrus.FieldLogger
	bufSpace      int
	sbOffsets     []int64
	altSuper      bool
	labels        LabelReader
	lfMode        uint16
	rootDevice    bool
	clock         func() time.Time
}

func defaultOptions() *options {
	return &options{
		bufSpace:  maxBufSpace,
		sbOffsets: []int64{sblockUFS2, sblockUFS1, 0, sblockPiggy},
		labels:    defaultLabel{},
		lfMode:    0o700,
		clock:     time.Now,
	}
}

// WithPreen selects automatic repair of routine inconsistencies.
func WithPreen() Option {
	return func(o *options) { o.preen = true }
}

// WithNoWrite opens the volume read-only and answers no to every repair.
func WithNoWrite() Option {
	return func(o *options) { o.noWrite = true }
}

// WithYes answers yes to every repair.
func WithYes() Option {
	return func(o *options) { o.policy = AssumeYes() }
}

// WithForce checks a volume even when it is marked clean.
func WithForce() Option {
	return func(o *options) { o.force = true }
}

// WithPolicy installs a custom repair policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger routes progress and defect logging to l.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithBufferSpace bounds the memory of the buffer cache.
func WithBufferSpace(bytes int) Option {
	return func(o *options) { o.bufSpace = bytes }
}

// WithSuperblockOffsets replaces the superblock search list, e.g. to use
// an alternate superblock.
func WithSuperblockOffsets(offsets ...int64) Option {
	return func(o *options) {
		o.sbOffsets = offsets
		o.altSuper = true
	}
}

// WithLabelReader installs the disk label collaborator.
func WithLabelReader(l LabelReader) Option {
	return func(o *options) { o.labels = l }
}

// WithLostFoundMode sets the mode of a newly created lost+found.
func WithLostFoundMode(mode uint16) Option {
	return func(o *options) { o.lfMode = mode & 0o7777 }
}

// WithRootDevice marks the volume as the mounted root filesystem.
func WithRootDevice() Option {
	return func(o *options) { o.rootDevice = true }
}

// WithClock overrides the time source used for new inodes and the superblock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}
