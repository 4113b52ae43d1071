package ffs

import (
	"errors"
	"fmt"
)

// prepareFilesystem lays down an empty filesystem: clean inode tables,
// root, lost+found, the quota files and the journal.
func (b *builder) prepareFilesystem(quotas [maxQuotas]bool, journalBytes int64, journalInFS bool) error {
	return b.run(func() error {
		s := b.s
		fs := s.fs

		for t, on := range quotas {
			if on {
				fs.Flags |= fsDoQuota2
				fs.QuotaFlags |= 1 << uint(t)
			}
		}

		if err := b.zeroMetadata(); err != nil {
			return err
		}
		s.initTables()
		for c := uint32(0); c < fs.Ncg; c++ {
			s.inos.markInitialised(c, int(fs.Ipg))
		}

		if err := b.createRootDirectory(); err != nil {
			return err
		}
		if err := b.createLostFound(); err != nil {
			return err
		}
		for t, on := range quotas {
			if !on {
				continue
			}
			if err := b.createQuotaFile(t); err != nil {
				return err
			}
		}
		if journalBytes > 0 {
			if err := b.createJournal(journalBytes, journalInFS); err != nil {
				return err
			}
		}
		return b.finalizeGroups()
	})
}

// zeroMetadata clears every inode table and any superblock a previous
// filesystem may have left at the other probe offsets.
func (b *builder) zeroMetadata() error {
	s := b.s
	fs := s.fs
	table := make([]byte, int64(fs.Ipg)*int64(fs.dinodeSize()))
	for c := uint32(0); c < fs.Ncg; c++ {
		if err := s.disk.writeAt(table, fs.cgimin(c)*int64(fs.Fsize)); err != nil {
			return fmt.Errorf("failed to zero inode table %d: %w", c, err)
		}
	}

	blank := make([]byte, sblockSize)
	for _, off := range []int64{0, sblockUFS1, sblockUFS2, sblockPiggy} {
		if off == s.sbOff || off+sblockSize > fs.Size*int64(fs.Fsize) {
			continue
		}
		if err := s.disk.writeAt(blank, off); err != nil {
			return fmt.Errorf("failed to clear offset %d: %w", off, err)
		}
	}
	return nil
}

// finalizeGroups writes every cylinder group from the allocation state.
func (b *builder) finalizeGroups() error {
	s := b.s
	for c := uint32(0); c < s.fs.Ncg; c++ {
		s.rebuildCG(c)
	}
	return b.flush()
}

func (b *builder) createRootDirectory() error {
	if ino := b.s.allocdir(RootIno, RootIno, 0o755); ino != RootIno {
		return errors.New("failed to allocate root directory")
	}
	return nil
}

func (b *builder) createLostFound() error {
	s := b.s
	ino := s.allocdir(RootIno, 0, s.opts.lfMode)
	if ino == 0 {
		return errors.New("failed to allocate lost+found")
	}
	if !s.makeentry(RootIno, ino, lostFoundDir) {
		return errors.New("failed to link lost+found")
	}
	s.lfdir = ino
	return nil
}

// createQuotaFile creates the quota v2 file of type t with an empty hash
// table. Every slot of its first block starts on the free list; entries
// are filled in when the filesystem is saved.
func (b *builder) createQuotaFile(t int) error {
	s := b.s
	fs := s.fs

	ino := s.claimInode(0, ifreg|0o600)
	if ino == 0 {
		return errors.New("no free inode for quota file")
	}
	blk := s.allocblk(int(fs.Frag))
	if blk < 0 {
		return errNoSpace
	}
	b.zeroFrags(blk, int(fs.Frag))

	di := b.newDinode(ifreg|0o600, 0, 0)
	di.Nlink = 1
	di.DB[0] = blk
	di.Size = uint64(fs.Bsize)
	di.Blocks = uint64(fs.Bsize / devBSize)
	s.putInode(ino, di)
	s.quota.add(0, 0, int64(di.Blocks), 1)

	fs.Quotafile[t] = ino
	s.quotaIno[t] = ino

	q := s.loadQuotaFile(t, ino)
	if q == nil {
		return fmt.Errorf("failed to load %s quota file", quotaNames[t])
	}
	q.resetHeader()
	slots := q.slots()
	for i := len(slots) - 1; i >= 0; i-- {
		q.free(slots[i])
	}
	q.save()
	return nil
}

// createJournal reserves the log and commits an empty header. An
// in-filesystem log is a contiguous run of blocks owned by an unlinked
// journal inode; otherwise it follows the filesystem on the device.
func (b *builder) createJournal(size int64, inFS bool) error {
	s := b.s
	fs := s.fs

	var addr int64 // DEV_BSIZE units
	fs.JournalLocation = journalLocEndPart
	if inFS {
		nblocks := size / int64(fs.Bsize)
		start := s.allocContig(nblocks)
		if start < 0 {
			return fmt.Errorf("no contiguous space for a %d byte journal", size)
		}
		ino := s.claimInode(0, ifreg|0o600)
		if ino == 0 {
			return errors.New("no free inode for journal")
		}
		di := b.newDinode(ifreg|0o600, 0, 0)
		di.Nlink = 1
		for i := int64(0); i < nblocks; i++ {
			if err := b.mapBlock(di, i, start+i*int64(fs.Frag)); err != nil {
				return err
			}
		}
		di.Size = uint64(size)
		di.Blocks += uint64(size / devBSize)
		s.putInode(ino, di)
		s.quota.add(0, 0, int64(di.Blocks), 1)

		fs.JournalLocation = journalLocInFS
		fs.Journallocs[journalLocIno] = ino
		s.journalIno = ino
		addr = fs.fsbtodb(start)
	} else {
		addr = fs.Size * int64(fs.Fsize) / devBSize
	}

	fs.Flags |= fsDoWAPBL
	fs.JournalVersion = wapblVersion
	fs.Journallocs[journalLocAddr] = uint64(addr)
	fs.Journallocs[journalLocCount] = uint64(size / devBSize)
	fs.Journallocs[journalLocBlkSize] = devBSize

	l, err := openJournal(s.disk, s.bo, fs)
	if err != nil {
		return err
	}
	zero := make([]byte, l.size)
	if err := s.disk.writeAt(zero, l.off); err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	if err := l.commit(l.emptyHeader(0, b.layout.CreatedAt)); err != nil {
		return fmt.Errorf("failed to initialise journal: %w", err)
	}
	b.journal = l
	return nil
}
