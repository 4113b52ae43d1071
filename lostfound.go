package ffs

const lostFoundDir = "lost+found"

// findLostFound locates lost+found below the root, creating it when it is
// missing. It returns 0 when there is none to use.
func (s *session) findLostFound() uint64 {
	if s.lfdir != 0 {
		return s.lfdir
	}
	if ino := s.findino(RootIno, lostFoundDir); ino != 0 {
		s.lfdir = ino
		return ino
	}

	if !s.reply(ClassNoLostFound, RootIno, -1, "CREATE", "NO %s DIRECTORY", lostFoundDir) {
		return 0
	}
	ino := s.allocdir(RootIno, 0, s.opts.lfMode)
	if ino == 0 {
		s.cannotFix(ClassNoLostFound, RootIno, "SORRY. CANNOT CREATE %s DIRECTORY", lostFoundDir)
		return 0
	}
	if !s.makeentry(RootIno, ino, lostFoundDir) {
		s.freedir(ino, RootIno)
		s.cannotFix(ClassNoLostFound, RootIno, "SORRY. CANNOT CREATE %s DIRECTORY", lostFoundDir)
		return 0
	}
	s.inos.get(ino).linkcnt--
	s.lfdir = ino
	return ino
}

// freedir undoes allocdir for a directory that could not be linked in.
func (s *session) freedir(ino, parent uint64) {
	pdi := s.ginode(parent)
	pdi.Nlink--
	s.putInode(parent, pdi)
	if s.inos.get(parent).state == stDir {
		s.inos.get(parent).linkcnt--
	}
	s.releaseInode(ino)
}

// relocateLostFound replaces a lost+found that is not a directory.
func (s *session) relocateLostFound() bool {
	if !s.reply(ClassLostFoundNotDir, s.lfdir, -1, "REALLOCATE", "%s IS NOT A DIRECTORY", lostFoundDir) {
		return false
	}
	old := s.lfdir
	ino := s.allocdir(RootIno, 0, s.opts.lfMode)
	if ino == 0 {
		s.cannotFix(ClassLostFoundNotDir, RootIno, "SORRY. CANNOT CREATE %s DIRECTORY", lostFoundDir)
		return false
	}
	if !s.changeino(RootIno, lostFoundDir, ino) {
		s.freedir(ino, RootIno)
		s.cannotFix(ClassLostFoundNotDir, RootIno, "SORRY. CANNOT CREATE %s DIRECTORY", lostFoundDir)
		return false
	}
	s.inos.get(ino).linkcnt--
	s.lfdir = ino

	// The old inode lost the root entry that pass 2 counted.
	s.adjust(old, s.inos.get(old).linkcnt+1)
	s.inos.get(old).linkcnt = 0
	return true
}

// linkup enters orphan into lost+found, under name when it is not empty.
// For a directory '..' is pointed at lost+found; parent is where '..'
// pointed before, 0 when unknown or dotdotBad when it could not be read.
func (s *session) linkup(orphan, parent uint64, name string) bool {
	di := s.ginode(orphan)
	lostdir := di.isDir()
	kind := "FILE"
	class := ClassUnref
	if lostdir {
		kind, class = "DIR", ClassOrphanDir
	}
	if s.opts.preen && di.Size == 0 {
		return false
	}
	if !s.reply(class, orphan, -1, "RECONNECT", "UNREF %s I=%d OWNER=%d MODE=%o SIZE=%d", kind, orphan, di.UID, di.Mode, di.Size) {
		return false
	}

	if s.findLostFound() == 0 {
		return false
	}
	if !s.ginode(s.lfdir).isDir() && !s.relocateLostFound() {
		return false
	}
	if s.inos.get(s.lfdir).state != stDirFound {
		s.cannotFix(ClassNoLostFound, s.lfdir, "SORRY. NO %s DIRECTORY", lostFoundDir)
		return false
	}

	if name == "" {
		name = lostFoundName(orphan)
	}
	if !s.makeentry(s.lfdir, orphan, name) {
		s.cannotFix(ClassLostFoundFull, s.lfdir, "SORRY. NO SPACE IN %s DIRECTORY", lostFoundDir)
		return false
	}
	s.inos.get(orphan).linkcnt--

	if lostdir {
		if !s.changeino(orphan, "..", s.lfdir) && parent != dotdotBad {
			s.makeentry(orphan, s.lfdir, "..")
		}
		ldi := s.ginode(s.lfdir)
		ldi.Nlink++
		s.putInode(s.lfdir, ldi)
		s.inos.get(s.lfdir).linkcnt++
		s.graph.attach(orphan, s.lfdir)

		entry := s.log.WithField("ino", orphan)
		if parent != 0 && parent != dotdotBad && parent < s.maxino {
			// The old parent counted the '..' that now points elsewhere.
			s.inos.get(parent).linkcnt++
			entry = entry.WithField("parent", parent)
		}
		entry.Info("directory connected")
	}
	return true
}
