package ffs

// pass1b rescans every allocated inode to find all owners of the
// fragments pass 1 saw claimed more than once. It only reports.
func (s *session) pass1b() {
	fs := s.fs
	remaining := make(map[int64]bool, s.dups.len())
	for _, blk := range s.dups.blocks() {
		remaining[blk] = true
	}

	for c := uint32(0); c < fs.Ncg && len(remaining) > 0; c++ {
		s.progressGroup(c)
		base := uint64(c) * uint64(fs.Ipg)
		for i := 0; i < s.inos.numAlloced(c) && len(remaining) > 0; i++ {
			ino := base + uint64(i)
			if ino < RootIno || s.inos.get(ino).state == stUnalloc {
				continue
			}
			di := s.ginode(ino)
			if di.Flags&sfSnapshot != 0 {
				continue
			}
			s.ckinode(di, &inodeWalk{ino: ino, fix: fixIgnore, addrFn: s.pass1bcheck(remaining)})
		}
	}
}

// pass1bcheck returns the walk callback that records ino as an owner of
// every duplicate fragment it points at.
func (s *session) pass1bcheck(remaining map[int64]bool) func(w *inodeWalk, blk int64, frags int) walkRes {
	return func(w *inodeWalk, blk int64, frags int) walkRes {
		res := wKeepOn
		if s.chkrange(blk, frags) {
			res = wSkip
		}
		for i := 0; i < frags; i, blk = i+1, blk+1 {
			if !s.dups.known(blk) {
				continue
			}
			owners := s.res.Duplicates[blk]
			if len(owners) > 0 && owners[len(owners)-1] == w.ino {
				continue
			}
			owners = append(owners, w.ino)
			s.res.Duplicates[blk] = owners
			if len(owners) == 1 {
				// Later owners were reported by pass 1.
				s.warn(ClassDupBlock, w.ino, blk, "%d DUP I=%d", blk, w.ino)
				s.markClear(w.ino)
			}
			if len(owners) >= s.dups.claims(blk) {
				delete(remaining, blk)
			}
		}
		if len(remaining) == 0 {
			return wStop
		}
		return res
	}
}
