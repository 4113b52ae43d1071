package ffs

import (
	"errors"
	"fmt"
)

var errNoSpace = errors.New("no space left on filesystem")

// zeroFrags clears n fragments at blk through the cache.
func (b *builder) zeroFrags(blk int64, n int) {
	s := b.s
	buf := s.getblk(blk, n*int(s.fs.Fsize))
	clear(buf.bytes())
	s.cache.markDirty(buf)
	s.cache.release(buf)
}

// writeFrags stores data in the n fragments at blk, zero padded.
func (b *builder) writeFrags(blk int64, n int, data []byte) {
	s := b.s
	buf := s.getblk(blk, n*int(s.fs.Fsize))
	clear(buf.bytes())
	copy(buf.bytes(), data)
	s.cache.markDirty(buf)
	s.cache.release(buf)
}

// readFrags returns a copy of the n fragments at blk.
func (b *builder) readFrags(blk int64, n int) []byte {
	s := b.s
	buf := s.getblk(blk, n*int(s.fs.Fsize))
	defer s.cache.release(buf)
	return append([]byte(nil), buf.bytes()...)
}

// writeData allocates and fills the data blocks of a new inode. Every
// block is full except a short last block that is still addressed
// directly, which gets only the fragments it needs.
func (b *builder) writeData(di *dinode, content []byte) error {
	s := b.s
	fs := s.fs
	bsize := int64(fs.Bsize)
	size := int64(len(content))
	if uint64(size) > fs.Maxfilesize {
		return fmt.Errorf("file too large: %d bytes", size)
	}

	nblocks := howmany(size, bsize)
	for lbn := int64(0); lbn < nblocks; lbn++ {
		n := int(fs.Frag)
		if lbn < ndaddr && lbn == nblocks-1 && fs.blkoff(size) != 0 {
			n = int(fs.numfrags(fs.fragroundup(fs.blkoff(size))))
		}
		blk := s.allocblk(n)
		if blk < 0 {
			return errNoSpace
		}
		b.writeFrags(blk, n, content[lbn*bsize:minOf((lbn+1)*bsize, size)])
		di.Blocks += uint64(int64(n) * int64(fs.Fsize) / devBSize)
		di.Size = uint64(minOf((lbn+1)*bsize, size))
		if err := b.mapBlock(di, lbn, blk); err != nil {
			return err
		}
	}
	return nil
}

// mapBlock records blk as logical block lbn of di, allocating indirect
// blocks on the way. Their fragments are added to di.Blocks.
func (b *builder) mapBlock(di *dinode, lbn, blk int64) error {
	if lbn < ndaddr {
		di.DB[lbn] = blk
		return nil
	}
	lbn -= ndaddr
	span := int64(1)
	for level := 0; level < niaddr; level++ {
		span *= int64(b.s.fs.Nindir)
		if lbn < span {
			return b.mapIndirect(di, &di.IB[level], level, lbn, blk)
		}
		lbn -= span
	}
	return fmt.Errorf("logical block %d beyond triple indirect range", lbn)
}

// mapIndirect stores blk at index idx below the indirect block *ptr of
// the given depth, 0 being a block of data pointers.
func (b *builder) mapIndirect(di *dinode, ptr *int64, depth int, idx, blk int64) error {
	s := b.s
	fs := s.fs
	if *ptr == 0 {
		nb := s.allocblk(int(fs.Frag))
		if nb < 0 {
			return errNoSpace
		}
		b.zeroFrags(nb, int(fs.Frag))
		di.Blocks += uint64(fs.Bsize / devBSize)
		*ptr = nb
	}

	ind := s.getblk(*ptr, int(fs.Bsize))
	defer s.cache.release(ind)
	if depth == 0 {
		s.setIblkPtr(ind, int(idx), blk)
		s.cache.markDirty(ind)
		return nil
	}

	per := int64(1)
	for i := 0; i < depth; i++ {
		per *= int64(fs.Nindir)
	}
	slot := int(idx / per)
	child := s.iblkPtr(ind, slot)
	if err := b.mapIndirect(di, &child, depth-1, idx%per, blk); err != nil {
		return err
	}
	s.setIblkPtr(ind, slot, child)
	s.cache.markDirty(ind)
	return nil
}

// fileBlocks returns the fragment address and fragment count of every
// data block of ino in logical order. Holes are skipped.
func (b *builder) fileBlocks(ino uint64) ([]int64, []int) {
	s := b.s
	di := s.ginode(ino)
	var addrs []int64
	var counts []int
	w := &inodeWalk{ino: ino, fix: fixIgnore}
	w.addrFn = func(w *inodeWalk, blk int64, frags int) walkRes {
		if w.ext || w.level > 0 {
			return wKeepOn
		}
		addrs = append(addrs, blk)
		counts = append(counts, frags)
		return wKeepOn
	}
	s.ckinode(di, w)
	return addrs, counts
}
