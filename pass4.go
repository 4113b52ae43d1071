package ffs

// pass4 compares every link count with the references found in passes 2
// and 3. Inodes nothing refers to are released.
func (s *session) pass4() {
	fs := s.fs
	for c := uint32(0); c < fs.Ncg; c++ {
		s.progressGroup(c)
		base := uint64(c) * uint64(fs.Ipg)
		for i := 0; i < s.inos.numAlloced(c); i++ {
			ino := base + uint64(i)
			if ino < RootIno || s.exempt(ino) {
				continue
			}
			info := s.inos.get(ino)
			switch info.state {
			case stFile, stDirFound:
				if info.linkcnt != 0 {
					s.adjust(ino, info.linkcnt)
					break
				}
				if s.zln[ino] {
					delete(s.zln, ino)
					s.clri(ClassUnref, ino, "UNREF")
				}
			case stDir:
				s.clri(ClassUnref, ino, "UNREF")
			case stDirClear:
				if s.ginode(ino).Size == 0 {
					s.clri(ClassZeroLengthDir, ino, "ZERO LENGTH")
					break
				}
				s.clri(ClassClearBadDup, ino, "BAD/DUP")
			case stFileClear:
				s.clri(ClassClearBadDup, ino, "BAD/DUP")
			}
		}
	}
}

// exempt reports whether ino is the journal or an active quota file, which
// have no directory entry.
func (s *session) exempt(ino uint64) bool {
	if ino == s.journalIno && ino != 0 {
		return true
	}
	for _, q := range s.quotaIno {
		if q != 0 && q == ino {
			return true
		}
	}
	return false
}

// adjust lowers the link count of ino by lcnt. An inode left without any
// reference is cleared instead.
func (s *session) adjust(ino uint64, lcnt int32) {
	di := s.ginode(ino)
	if int32(di.Nlink) == lcnt {
		s.clri(ClassUnref, ino, "UNREF")
		return
	}

	class := ClassLinkCount
	if lcnt < 0 {
		class = ClassLinkCountIncrease
	}
	what := "FILE"
	if di.isDir() {
		what = "DIR"
	}
	if !s.reply(class, ino, -1, "ADJUST", "LINK COUNT %s I=%d OWNER=%d MODE=%o SIZE=%d COUNT %d SHOULD BE %d",
		what, ino, di.UID, di.Mode, di.Size, di.Nlink, int32(di.Nlink)-lcnt) {
		return
	}
	di.Nlink -= int16(lcnt)
	s.putInode(ino, di)
	s.inos.get(ino).linkcnt = 0
}
