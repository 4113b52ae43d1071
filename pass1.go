package ffs

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

// sfSnapshot marks snapshot inodes, whose blocks are shared with the live filesystem.
const sfSnapshot = 0x00200000

// pass1 scans every initialised inode, validates its size and pointers
// and claims its blocks in the block map.
func (s *session) pass1() {
	fs := s.fs
	for c := uint32(0); c < fs.Ncg; c++ {
		s.progressGroup(c)
		inosused := int(fs.Ipg)
		if fs.isUFS2() {
			cg := s.readCG(c)
			if cg.hdr.Magic == cgMagic && cg.hdr.Initediblk <= fs.Ipg {
				inosused = int(cg.hdr.Initediblk)
			} else {
				s.log.WithField("cg", c).Debug("bad cylinder group magic; scanning every inode")
			}
		}
		s.inos.setup(c, inosused)

		base := uint64(c) * uint64(fs.Ipg)
		for i := 0; i < inosused; i++ {
			ino := base + uint64(i)
			if ino < RootIno {
				continue
			}
			s.checkinode(ino)
		}
	}
	fields := logrus.Fields{"dups": s.dups.len()}
	for st, n := range s.inos.count() {
		if st != stUnalloc {
			fields[stateName(st)] = n
		}
	}
	s.log.WithFields(fields).Debug("pass 1 done")
}

// badInode reports whether the size and pointers of an allocated inode are
// impossible for its type.
func (s *session) badInode(di *dinode) bool {
	fs := s.fs
	mode := di.Mode & ifmt
	size := int64(di.Size)
	if size < 0 || di.Size > fs.Maxfilesize || size+int64(fs.Bsize)-1 < size {
		return true
	}
	if !ftypeOK(di.Mode) {
		return true
	}

	ndb := howmany(size, int64(fs.Bsize))
	if mode == ifblk || mode == ifchr {
		ndb++
	}
	if mode == iflnk && di.isShortLink(fs) {
		// The target string lives in the pointer area; anything set past
		// it is garbage.
		ndb = howmany(size, int64(fs.ptrSize()))
		if ndb > ndaddr {
			j := ndb - ndaddr
			for ndb = 1; j > 1; j-- {
				ndb *= int64(fs.Nindir)
			}
			ndb += ndaddr
		}
	}
	for j := ndb; j < ndaddr; j++ {
		if j >= 0 && di.DB[j] != 0 {
			return true
		}
	}
	j := 0
	for n := ndb - ndaddr; n > 0; j++ {
		n /= int64(fs.Nindir)
	}
	for ; j < niaddr; j++ {
		if di.IB[j] != 0 {
			return true
		}
	}

	if di.ufs2 {
		if di.Extsize < 0 || int64(di.Extsize) > 2*int64(fs.Bsize) {
			return true
		}
		for i := howmany(int64(di.Extsize), int64(fs.Bsize)); i < 2; i++ {
			if di.Extb[i] != 0 {
				return true
			}
		}
	}
	return false
}

// checkinode classifies one inode and claims its blocks.
func (s *session) checkinode(ino uint64) {
	di := s.ginode(ino)
	info := s.inos.get(ino)
	mode := di.Mode & ifmt

	if mode == 0 {
		if di.Mode != 0 || di.Size != 0 || !di.zeroPointers() {
			if s.reply(ClassPartiallyAllocated, ino, -1, "CLEAR", "PARTIALLY ALLOCATED INODE I=%d", ino) {
				s.clearInode(ino)
			}
		}
		info.state = stUnalloc
		return
	}

	if s.badInode(di) {
		info.state = stFileClear
		if s.reply(ClassUnknownType, ino, -1, "CLEAR", "UNKNOWN FILE TYPE I=%d", ino) {
			info.state = stUnalloc
			s.clearInode(ino)
		}
		return
	}

	info.linkcnt = int32(di.Nlink)
	if di.Nlink <= 0 {
		s.zln[ino] = true
	}
	if mode == ifdir {
		if di.Size == 0 {
			info.state = stDirClear
		} else {
			info.state = stDir
		}
		s.graph.add(ino, di, int64(s.fs.Bsize))
	} else {
		info.state = stFile
	}
	info.typ = modeToDirType(di.Mode)

	w := &inodeWalk{ino: ino, truncate: true}
	var badblk, dupblk int
	w.addrFn = func(w *inodeWalk, blk int64, frags int) walkRes {
		return s.pass1check(w, blk, frags, &badblk, &dupblk)
	}
	if di.Flags&sfSnapshot != 0 {
		w.addrFn = func(w *inodeWalk, blk int64, frags int) walkRes {
			w.entryno += frags
			return wKeepOn
		}
	}
	s.ckinode(di, w)

	blocks := uint64(w.entryno) * uint64(s.fs.Fsize/devBSize)
	if di.Blocks != blocks &&
		s.reply(ClassBlockCount, ino, -1, "CORRECT", "INCORRECT BLOCK COUNT I=%d (%d should be %d)", ino, di.Blocks, blocks) {
		di = s.ginode(ino)
		di.Blocks = blocks
		s.putInode(ino, di)
	}
	// Quotas follow the blocks the inode really holds, fixed or not.
	if di.Flags&sfSnapshot == 0 {
		s.quota.add(di.UID, di.GID, int64(blocks), 1)
	}
}

// markClear moves ino to its pending-clear state after a bad or duplicate
// block claim.
func (s *session) markClear(ino uint64) {
	info := s.inos.get(ino)
	switch info.state {
	case stFile:
		info.state = stFileClear
	case stDir:
		info.state = stDirClear
	}
}

// pass1check claims the fragments of one block pointer. It gives up on the
// inode after too many bad or duplicate claims and records how far it got.
func (s *session) pass1check(w *inodeWalk, blk int64, frags int, badblk, dupblk *int) walkRes {
	ino := w.ino
	res := wKeepOn
	if s.chkrange(blk, frags) {
		res = wSkip
		s.warn(ClassBadBlock, ino, blk, "%d BAD I=%d", blk, ino)
		s.markClear(ino)
		if *badblk >= maxBad {
			s.excessive(ClassExcessiveBad, w, "EXCESSIVE BAD BLKS I=%d", ino)
			return wStop
		}
		*badblk++
	}

	for i := 0; i < frags; i, blk = i+1, blk+1 {
		if res == wKeepOn && s.bmap.test(blk) {
			s.warn(ClassDupBlock, ino, blk, "%d DUP I=%d", blk, ino)
			s.markClear(ino)
			if *dupblk >= maxDup {
				s.excessive(ClassExcessiveDup, w, "EXCESSIVE DUP BLKS I=%d", ino)
				return wStop
			}
			*dupblk++
			s.dups.add(blk)
		} else if res == wKeepOn {
			s.bmap.set(blk)
			s.nblks++
		}
		w.entryno++
	}
	return res
}

// excessive gives up on the blocks of one inode. Declining ends the run.
func (s *session) excessive(class DefectClass, w *inodeWalk, format string, ino uint64) {
	s.abandoned[ino] = int64(w.entryno)
	if !s.reply(class, ino, -1, "CONTINUE", format, ino) {
		fatalf(ErrAborted, format, ino)
	}
}

// shortLinkTarget returns the target stored in the pointer area of a fast
// symlink.
func (s *session) shortLinkTarget(di *dinode) string {
	raw := s.pointerBytes(di)
	if int(di.Size) < len(raw) {
		raw = raw[:di.Size]
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}
