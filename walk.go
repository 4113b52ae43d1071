package ffs

import (
	"fmt"
)

// walkRes is the set of flags a walk callback returns.
type walkRes int

const (
	wStop    walkRes = 0x01
	wSkip    walkRes = 0x02
	wKeepOn  walkRes = 0x04
	wAltered walkRes = 0x08
	wFound   walkRes = 0x10
)

// fixState remembers a walk-wide answer so one question covers every
// occurrence of the same defect inside one inode.
type fixState int

const (
	fixUnknown fixState = iota
	fixYes
	fixNo
	fixIgnore
)

// inodeWalk describes a traversal of the blocks of one inode. Address
// walks see every allocated block, indirect blocks included; data walks
// see the directory entries stored in the data blocks.
type inodeWalk struct {
	ino  uint64
	data bool

	addrFn  func(w *inodeWalk, blk int64, frags int) walkRes
	entryFn func(w *inodeWalk, e *dirEntry) walkRes

	// truncate clears pointers in indirect blocks that lie past the end of
	// the file.
	truncate bool
	fix      fixState

	filesize int64 // bytes of directory left to scan
	entryno  int
	level    int // indirection level of the block handed to addrFn
	ext      bool
}

// dofix asks once per walk whether class may be repaired and repeats the
// answer for later occurrences.
func (s *session) dofix(w *inodeWalk, class DefectClass, blk int64, action, format string, args ...interface{}) bool {
	switch w.fix {
	case fixIgnore:
		return false
	case fixYes, fixNo:
		d := Defect{Pass: s.pass, Class: class, Ino: w.ino, Block: blk, Action: action, Applied: w.fix == fixYes}
		d.Message = fmt.Sprintf(format, args...)
		s.record(d)
		return d.Applied
	}
	if s.reply(class, w.ino, blk, action, format, args...) {
		w.fix = fixYes
		return true
	}
	w.fix = fixNo
	return false
}

// ckinode walks the blocks of di. Device files and short symlinks have
// none.
func (s *session) ckinode(di *dinode, w *inodeWalk) walkRes {
	fs := s.fs
	mode := di.Mode & ifmt
	if mode == ifblk || mode == ifchr || di.isShortLink(fs) {
		return wKeepOn
	}

	bsize := int64(fs.Bsize)
	frag := int(fs.Frag)
	size := int64(di.Size)
	w.filesize = size

	if !w.data && di.ufs2 && di.Extsize > 0 {
		ext := int64(di.Extsize)
		ndb := howmany(ext, bsize)
		w.ext = true
		for i := int64(0); i < 2; i++ {
			blk := di.Extb[i]
			if blk == 0 {
				continue
			}
			n := frag
			if i == ndb-1 && fs.blkoff(ext) != 0 {
				n = int(fs.numfrags(fs.fragroundup(fs.blkoff(ext))))
			}
			w.level = 0
			if ret := w.addrFn(w, blk, n); ret&wStop != 0 {
				w.ext = false
				return ret
			}
		}
		w.ext = false
	}

	ndb := howmany(size, bsize)
	for i := 0; i < ndaddr; i++ {
		ndb--
		blk := di.DB[i]
		if blk == 0 {
			continue
		}
		n := frag
		if ndb == 0 && fs.blkoff(size) != 0 {
			n = int(fs.numfrags(fs.fragroundup(fs.blkoff(size))))
		}
		w.level = 0
		if ret := s.visit(w, blk, n); ret&wStop != 0 {
			return ret
		}
	}

	remsize := size - fs.lblktosize(ndaddr)
	sizepb := bsize
	for i := 0; i < niaddr; i++ {
		sizepb = mulCap(sizepb, int64(fs.Nindir))
		if blk := di.IB[i]; blk != 0 {
			if ret := s.iblock(w, blk, i+1, remsize); ret&wStop != 0 {
				return ret
			}
		}
		remsize -= sizepb
	}
	return wKeepOn
}

func (s *session) visit(w *inodeWalk, blk int64, frags int) walkRes {
	if w.data {
		return s.dirscan(w, blk, frags)
	}
	return w.addrFn(w, blk, frags)
}

// iblock walks an indirect block of the given level. isize is the part
// of the file mapped from here on.
func (s *session) iblock(w *inodeWalk, blk int64, level int, isize int64) walkRes {
	fs := s.fs
	frag := int(fs.Frag)
	if !w.data {
		w.level = level
		if ret := w.addrFn(w, blk, frag); ret&wKeepOn == 0 {
			return ret
		}
	}
	if s.chkrange(blk, frag) {
		return wSkip
	}

	b := s.getblk(blk, int(fs.Bsize))
	defer s.cache.release(b)

	level--
	sizepb := int64(fs.Bsize)
	for i := 0; i < level; i++ {
		sizepb = mulCap(sizepb, int64(fs.Nindir))
	}
	nindir := int(fs.Nindir)
	nif := nindir
	if isize <= 0 {
		nif = 0
	} else if n := howmany(isize, sizepb); n < int64(nindir) {
		nif = int(n)
	}

	if w.truncate && nif < nindir {
		for i := nif; i < nindir; i++ {
			if s.iblkPtr(b, i) == 0 {
				continue
			}
			if s.dofix(w, ClassPartiallyTruncated, blk, "FIX", "PARTIALLY TRUNCATED INODE I=%d", w.ino) {
				s.setIblkPtr(b, i, 0)
				s.cache.markDirty(b)
			}
		}
	}

	for i := 0; i < nif; i++ {
		if p := s.iblkPtr(b, i); p != 0 {
			var ret walkRes
			if level == 0 {
				w.level = 0
				ret = s.visit(w, p, frag)
			} else {
				ret = s.iblock(w, p, level, isize)
			}
			if ret&wStop != 0 {
				return ret
			}
		}
		isize -= sizepb
	}
	return wKeepOn
}

// iblkPtr reads pointer i of an indirect block.
func (s *session) iblkPtr(b *buffer, i int) int64 {
	p := b.bytes()
	if s.fs.isUFS2() {
		return int64(s.bo.Uint64(p[i*8:]))
	}
	return int64(int32(s.bo.Uint32(p[i*4:])))
}

func (s *session) setIblkPtr(b *buffer, i int, v int64) {
	p := b.bytes()
	if s.fs.isUFS2() {
		s.bo.PutUint64(p[i*8:], uint64(v))
		return
	}
	s.bo.PutUint32(p[i*4:], uint32(int32(v)))
}
