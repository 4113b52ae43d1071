package ffs

// claimInode marks the first free inode at or after request as allocated
// with the given mode and returns it, or 0. A nonzero request must itself
// be free.
func (s *session) claimInode(request uint64, mode uint16) uint64 {
	fs := s.fs
	if request == 0 {
		request = RootIno
	} else if s.inos.get(request).state != stUnalloc {
		return 0
	}
	ino := request
	for ; ino < s.maxino; ino++ {
		if s.inos.get(ino).state == stUnalloc {
			break
		}
	}
	if ino >= s.maxino {
		return 0
	}

	c := fs.inoToCg(ino)
	idx := int(ino % uint64(fs.Ipg))
	if idx >= s.inos.numAlloced(c) {
		if fs.isUFS2() {
			s.initInodeBlocks(c, idx)
		}
		s.inos.grow(c, idx)
	}

	info := s.inos.get(ino)
	info.state = stFile
	if mode&ifmt == ifdir {
		info.state = stDir
	}
	info.typ = modeToDirType(mode)
	info.linkcnt = 0
	return ino
}

// allocino allocates a free inode at or after request and gives it one
// fragment of data. It returns 0 when nothing could be allocated.
func (s *session) allocino(request uint64, mode uint16) uint64 {
	fs := s.fs
	switch mode & ifmt {
	case ifdir, ifreg, iflnk:
	default:
		return 0
	}
	ino := s.claimInode(request, mode)
	if ino == 0 {
		return 0
	}

	blk := s.allocblk(1)
	if blk < 0 {
		s.inos.get(ino).state = stUnalloc
		return 0
	}
	now := s.opts.clock().Unix()
	di := &dinode{
		Mode:   mode,
		Size:   uint64(fs.Fsize),
		Blocks: uint64(fs.Fsize / devBSize),
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		ufs2:   fs.isUFS2(),
	}
	di.DB[0] = blk
	s.putInode(ino, di)

	s.quota.add(di.UID, di.GID, int64(di.Blocks), 1)
	if s.pass5Done {
		s.resyncCG(fs.inoToCg(ino))
	}
	return ino
}

// initInodeBlocks zeroes the never-initialised inode records of group c
// through the end of the inode block holding the last record the status
// table will address once index idx is added.
func (s *session) initInodeBlocks(c uint32, idx int) {
	fs := s.fs
	from := s.inos.initialised(c)
	span := maxOf(minOf(roundup(idx+1, inoChunk), int(fs.Ipg)), s.inos.numAlloced(c))
	to := minOf(roundup(span, int(fs.Inopb)), int(fs.Ipg))
	if from >= to {
		return
	}
	base := uint64(c) * uint64(fs.Ipg)
	for i := from; i < to; i++ {
		s.clearInode(base + uint64(i))
	}
	s.inos.markInitialised(c, to)
}

// allocdir creates a directory holding '.' and '..' below parent. The new
// directory inherits the parent's state; its link count expects one more
// entry, which the caller adds with makeentry.
func (s *session) allocdir(parent, request uint64, mode uint16) uint64 {
	fs := s.fs
	ino := s.allocino(request, ifdir|mode)
	if ino == 0 {
		return 0
	}
	di := s.ginode(ino)

	b := s.getblk(di.DB[0], int(fs.Fsize))
	raw := b.bytes()
	s.emptyChunks(raw)
	dot := direct{Ino: uint32(ino), Reclen: uint16(dirsiz(1)), Namlen: 1, Name: ".", Type: dtDir}
	dotdot := direct{Ino: uint32(parent), Reclen: uint16(dirBlkSize - dirsiz(1)), Namlen: 2, Name: "..", Type: dtDir}
	s.putDirect(raw, &dot)
	s.putDirect(raw[dirsiz(1):], &dotdot)
	s.cache.markDirty(b)
	s.cache.release(b)

	di.Nlink = 2
	s.putInode(ino, di)

	if ino == RootIno {
		s.inos.get(ino).linkcnt = int32(di.Nlink)
		n := s.graph.add(ino, di, int64(fs.Bsize))
		n.parent, n.dotdot = RootIno, RootIno
		return ino
	}
	if !isDirState(s.inos.get(parent).state) || s.inos.get(parent).state == stDirClear {
		s.releaseInode(ino)
		return 0
	}
	n := s.graph.add(ino, di, int64(fs.Bsize))
	n.dotdot = parent
	s.graph.attach(ino, parent)

	info := s.inos.get(ino)
	info.state = s.inos.get(parent).state
	if info.state == stDir {
		info.linkcnt = int32(di.Nlink)
		s.inos.get(parent).linkcnt++
	} else {
		// '.' and '..' are already accounted for; only the entry in
		// the parent is still to come.
		info.linkcnt = 1
	}

	pdi := s.ginode(parent)
	pdi.Nlink++
	s.putInode(parent, pdi)
	return ino
}

// releaseInode frees the blocks of ino, credits its quota owners and
// clears it. Blocks still claimed by another inode stay allocated. For an
// inode whose pass 1 scan was abandoned only the fragments visited before
// the scan stopped are released.
func (s *session) releaseInode(ino uint64) {
	di := s.ginode(ino)
	limit, partial := s.abandoned[ino]
	var seen int64

	w := &inodeWalk{ino: ino, fix: fixIgnore}
	w.addrFn = func(w *inodeWalk, blk int64, frags int) walkRes {
		res := wKeepOn
		for i := 0; i < frags; i, blk = i+1, blk+1 {
			if partial && seen >= limit {
				return wStop
			}
			seen++
			switch {
			case s.chkrange(blk, 1):
				res = wSkip
			case s.bmap.test(blk):
				if !s.dups.release(blk) {
					s.bmap.clear(blk)
					s.nblks--
				}
			}
		}
		return res
	}
	s.ckinode(di, w)

	s.quota.add(di.UID, di.GID, -int64(di.Blocks), -1)
	s.clearInode(ino)
	s.inos.get(ino).state = stUnalloc
	s.inos.get(ino).linkcnt = 0
	delete(s.abandoned, ino)
	if s.pass5Done {
		s.resyncCG(s.fs.inoToCg(ino))
	}
}

// clri proposes to clear ino and does so when allowed.
func (s *session) clri(class DefectClass, ino uint64, why string) bool {
	di := s.ginode(ino)
	if !s.reply(class, ino, -1, "CLEAR", "%s %s I=%d OWNER=%d MODE=%o SIZE=%d", why, typeName(di.Mode), ino, di.UID, di.Mode, di.Size) {
		return false
	}
	s.releaseInode(ino)
	return true
}
