package ffs

import (
	"errors"
	"fmt"
)

// The hooks below damage a saved image the way crashes and bad hardware
// do, so that the checker has something to repair. They write straight
// to the device and never rebuild the cylinder groups; a later Save
// would repair the allocation maps again.

// InodeFields are the inode fields EditInode exposes.
type InodeFields struct {
	Mode     uint16
	Nlink    int16
	UID      uint32
	GID      uint32
	Size     uint64
	Blocks   uint64 // DEV_BSIZE units
	Direct   [ndaddr]int64
	Indirect [niaddr]int64
}

// EditInode rewrites fields of the on-disk inode ino.
func (e *Image) EditInode(ino uint64, fn func(f *InodeFields)) error {
	return e.builder.editInode(ino, fn)
}

// ClearInode zeroes the on-disk inode ino, leaving its blocks allocated
// and its directory entries in place.
func (e *Image) ClearInode(ino uint64) error {
	return e.builder.corrupt(func() error {
		if err := e.builder.checkRange(ino); err != nil {
			return err
		}
		e.builder.s.clearInode(ino)
		return nil
	})
}

// RetargetDirEntry points dir/name at ino without touching any link count.
func (e *Image) RetargetDirEntry(dir uint64, name string, ino uint64) error {
	return e.builder.corrupt(func() error {
		if !e.builder.s.changeino(dir, name, ino) {
			return fmt.Errorf("entry %q not found in directory %d", name, dir)
		}
		return nil
	})
}

// RemoveDirEntry drops dir/name without touching any link count, leaving
// the inode it named unreferenced.
func (e *Image) RemoveDirEntry(dir uint64, name string) error {
	return e.builder.corrupt(func() error {
		if !e.builder.removeEntry(dir, name) {
			return fmt.Errorf("entry %q not found in directory %d", name, dir)
		}
		return nil
	})
}

// WriteFragment overwrites the device starting at fragment frag.
func (e *Image) WriteFragment(frag int64, data []byte) error {
	return e.builder.writeRaw(frag, data)
}

// FileBlocks returns the first fragment of every data block of ino, in
// logical order.
func (e *Image) FileBlocks(ino uint64) ([]int64, error) {
	var addrs []int64
	err := e.builder.run(func() error {
		if err := e.builder.checkInode(ino); err != nil {
			return err
		}
		addrs, _ = e.builder.fileBlocks(ino)
		return nil
	})
	return addrs, err
}

// SetFragmentFree flips the free map bit of frag in its cylinder group.
func (e *Image) SetFragmentFree(frag int64, free bool) error {
	return e.builder.corrupt(func() error {
		s := e.builder.s
		fs := s.fs
		if frag < 0 || frag >= fs.Size {
			return fmt.Errorf("fragment %d out of range", frag)
		}
		c := fs.dtog(frag)
		cg := s.readCG(c)
		if free {
			bitSet(cg.free, int(fs.dtogd(frag)))
		} else {
			bitClear(cg.free, int(fs.dtogd(frag)))
		}
		s.writeCG(c, cg)
		return nil
	})
}

// SetInodeUsed flips the inode-used bit of ino in its cylinder group.
func (e *Image) SetInodeUsed(ino uint64, used bool) error {
	return e.builder.corrupt(func() error {
		s := e.builder.s
		if err := e.builder.checkRange(ino); err != nil {
			return err
		}
		c := s.fs.inoToCg(ino)
		cg := s.readCG(c)
		i := int(ino % uint64(s.fs.Ipg))
		if used {
			bitSet(cg.iused, i)
		} else {
			bitClear(cg.iused, i)
		}
		s.writeCG(c, cg)
		return nil
	})
}

// AdjustGroupSummary adds delta free blocks to the summary of group c kept
// in the superblock summary area.
func (e *Image) AdjustGroupSummary(c uint32, delta int32) error {
	return e.builder.corrupt(func() error {
		s := e.builder.s
		if c >= s.fs.Ncg {
			return fmt.Errorf("cylinder group %d out of range", c)
		}
		s.csums[c].Nbfree += delta
		s.sbDirty = true
		return nil
	})
}

// CorruptGroupMagic destroys the magic number of cylinder group c.
func (e *Image) CorruptGroupMagic(c uint32) error {
	return e.builder.corrupt(func() error {
		s := e.builder.s
		if c >= s.fs.Ncg {
			return fmt.Errorf("cylinder group %d out of range", c)
		}
		cg := s.readCG(c)
		cg.hdr.Magic = 0
		s.writeCG(c, cg)
		return nil
	})
}

// SetQuotaUsage overwrites the usage recorded for id in quota file t
// (0 user, 1 group).
func (e *Image) SetQuotaUsage(t int, id uint32, blocks, inodes uint64) error {
	return e.builder.corrupt(func() error {
		q, err := e.builder.quotaFile(t)
		if err != nil {
			return err
		}
		for off := q.buckets[q2Bucket(id, q.hdr.HashSize)]; q.validOffset(off); {
			ent := q.entry(off)
			if ent.UID == id {
				ent.Val[qlBlock].Cur = blocks
				ent.Val[qlFile].Cur = inodes
				q.putEntry(off, &ent)
				q.save()
				return nil
			}
			off = ent.Next
		}
		return fmt.Errorf("no %s quota entry for id %d", quotaNames[t], id)
	})
}

// CorruptQuotaHeader destroys the magic number of quota file t.
func (e *Image) CorruptQuotaHeader(t int) error {
	return e.builder.corrupt(func() error {
		q, err := e.builder.quotaFile(t)
		if err != nil {
			return err
		}
		q.hdr.Magic = 0
		q.encodeHeader()
		q.save()
		return nil
	})
}

// MarkUnclean clears the clean flag, as a crash of the mounted volume
// would leave it.
func (e *Image) MarkUnclean() error {
	return e.builder.corrupt(func() error {
		s := e.builder.s
		s.fs.Clean = 0
		s.sbDirty = true
		return nil
	})
}

func (b *builder) checkRange(ino uint64) error {
	if ino < RootIno || ino >= b.s.maxino {
		return fmt.Errorf("inode %d out of range", ino)
	}
	return nil
}

// corrupt runs fn and writes whatever it changed.
func (b *builder) corrupt(fn func() error) error {
	return b.run(func() error {
		if err := fn(); err != nil {
			return err
		}
		return b.flush()
	})
}

func (b *builder) editInode(ino uint64, fn func(f *InodeFields)) error {
	return b.corrupt(func() error {
		if err := b.checkRange(ino); err != nil {
			return err
		}
		s := b.s
		di := s.ginode(ino)
		f := InodeFields{
			Mode:     di.Mode,
			Nlink:    di.Nlink,
			UID:      di.UID,
			GID:      di.GID,
			Size:     di.Size,
			Blocks:   di.Blocks,
			Direct:   di.DB,
			Indirect: di.IB,
		}
		fn(&f)
		di.Mode, di.Nlink, di.UID, di.GID = f.Mode, f.Nlink, f.UID, f.GID
		di.Size, di.Blocks = f.Size, f.Blocks
		di.DB, di.IB = f.Direct, f.Indirect
		s.putInode(ino, di)
		return nil
	})
}

// writeRaw writes data at fragment frag below the cache, which is emptied
// afterwards so that no stale copy survives.
func (b *builder) writeRaw(frag int64, data []byte) error {
	return b.run(func() error {
		s := b.s
		if frag < 0 || frag*int64(s.fs.Fsize)+int64(len(data)) > s.fs.Size*int64(s.fs.Fsize) {
			return fmt.Errorf("write of %d bytes at fragment %d out of range", len(data), frag)
		}
		if err := b.flush(); err != nil {
			return err
		}
		if err := s.disk.writeAt(data, frag*int64(s.fs.Fsize)); err != nil {
			return err
		}
		s.cache.invalidate()
		return nil
	})
}

// quotaFile loads quota file t for editing.
func (b *builder) quotaFile(t int) (*quotaFile, error) {
	s := b.s
	if t < 0 || t >= maxQuotas || !s.quotasEnabled() || !s.quota.enabled[t] {
		return nil, fmt.Errorf("quota type %d not enabled", t)
	}
	q := s.loadQuotaFile(t, s.quotaIno[t])
	if q == nil || !q.headerValid() {
		return nil, fmt.Errorf("%s quota file unreadable", quotaNames[t])
	}
	return q, nil
}

// appendJournal logs one transaction. Fragment addresses are converted to
// DEV_BSIZE units and revocations become ranges of the same length.
func (b *builder) appendJournal(writes []JournalWrite, revoke []JournalRevoke) error {
	if b.journal == nil {
		return errors.New("image has no journal")
	}
	fs := b.s.fs
	ws := make([]journalWrite, 0, len(writes))
	for _, w := range writes {
		if w.Frag < 0 || len(w.Data) == 0 || fs.fragoff(int64(len(w.Data))) != 0 {
			return fmt.Errorf("journal write at fragment %d must cover whole fragments", w.Frag)
		}
		ws = append(ws, journalWrite{Daddr: fs.fsbtodb(w.Frag), Data: w.Data})
	}
	rs := make([]journalWrite, 0, len(revoke))
	for _, r := range revoke {
		rs = append(rs, journalWrite{Daddr: fs.fsbtodb(r.Frag), Data: make([]byte, int64(r.Count)*int64(fs.Fsize))})
	}
	if err := b.journal.append(ws, rs, b.layout.CreatedAt); err != nil {
		return fmt.Errorf("failed to append journal transaction: %w", err)
	}
	return nil
}
