package ffs

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// builder lays out a new filesystem through the same allocation and
// directory code the checker repairs with. It owns a session that never
// runs a pass; its policy accepts every change the shared code proposes.
type builder struct {
	s       *session
	layout  *Layout
	journal *journalLog
}

// builderBufSpace sizes the builder cache; it never holds more than a
// handful of pinned buffers at once.
const builderBufSpace = 1 << 20

func newBuilder(dev Device, l *Layout, bo binary.ByteOrder, id uuid.UUID) *builder {
	silent := logrus.New()
	silent.SetOutput(io.Discard)

	opts := defaultOptions()
	opts.clock = func() time.Time { return time.Unix(l.CreatedAt, 0) }

	fs := superblockFromLayout(l, cgSizeFor(l))
	fs.ID[0] = int32(binary.BigEndian.Uint32(id[0:4]))
	fs.ID[1] = int32(binary.BigEndian.Uint32(id[4:8]))

	s := &session{
		opts:      opts,
		log:       silent.WithField("run", "build"),
		policy:    AssumeYes(),
		disk:      newDiskBackend(dev, false),
		bo:        bo,
		fs:        fs,
		sbOff:     homeOffset(fs),
		csums:     make([]csum, fs.Ncg),
		newInoFmt: !l.OldInodeFormat,
		zln:       make(map[uint64]bool),
		abandoned: make(map[uint64]int64),
		dups:      newDupSet(),
		graph:     newInodeGraph(),
		res:       &Result{Duplicates: make(map[int64][]uint64)},
		passIdx:   -1,
	}
	s.maxfsblock = fs.Size
	s.maxino = fs.maxIno()
	s.cache = newBufCache(s.disk, int(fs.Bsize), int(fs.Fsize), devBSize, builderBufSpace)
	s.installSuperblock()

	return &builder{s: s, layout: l}
}

// run executes fn with the session's fatal errors turned into returned
// errors.
func (b *builder) run(fn func() error) (err error) {
	defer recoverFatal(&err)
	return fn()
}

// flush writes every dirty buffer and the superblock without rebuilding
// the cylinder groups.
func (b *builder) flush() error {
	s := b.s
	s.sbDirty = true
	if err := s.flushAll(); err != nil {
		return fmt.Errorf("failed to flush image: %w", err)
	}
	return nil
}

// finalizeMetadata brings the quota files and every cylinder group in line
// with what was allocated and writes everything out, superblock copies
// included.
func (b *builder) finalizeMetadata() error {
	return b.run(func() error {
		s := b.s
		if s.quotasEnabled() {
			s.pass6()
		}
		for c := uint32(0); c < s.fs.Ncg; c++ {
			s.rebuildCG(c)
		}
		s.fs.Clean = fsIsClean
		s.fs.Time = b.layout.CreatedAt
		if !s.fs.isUFS2() {
			s.fs.OldTime = int32(b.layout.CreatedAt)
		}
		if err := b.flush(); err != nil {
			return err
		}
		if err := s.writeAlternates(); err != nil {
			return err
		}
		return s.disk.sync()
	})
}

// checkDir returns an error unless ino is an allocated directory.
func (b *builder) checkDir(ino uint64) error {
	if ino < RootIno || ino >= b.s.maxino || !isDirState(b.s.inos.get(ino).state) {
		return fmt.Errorf("inode %d is not a directory", ino)
	}
	return nil
}

// checkInode returns an error unless ino is allocated.
func (b *builder) checkInode(ino uint64) error {
	if ino < RootIno || ino >= b.s.maxino || b.s.inos.get(ino).state == stUnalloc {
		return fmt.Errorf("inode %d is not allocated", ino)
	}
	return nil
}

// checkName validates a new entry name in dir.
func (b *builder) checkName(dir uint64, name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("invalid name %q", name)
	case len(name) > maxNameLen:
		return fmt.Errorf("name too long: %d bytes", len(name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("invalid character in name %q", name)
		}
	}
	if b.s.findino(dir, name) != 0 {
		return fmt.Errorf("entry %q already exists", name)
	}
	return nil
}
