package ffs

import (
	"fmt"
)

// pass2 validates every directory, counts the references each entry makes
// and finds the directories reachable from the root.
func (s *session) pass2() {
	s.checkRoot()
	if s.newInoFmt {
		w := s.inos.get(ufsWINO)
		w.state, w.typ = stFile, dtWht
	}

	fs := s.fs
	for _, ino := range s.graph.sorted() {
		n := s.graph.lookup(ino)
		if n.isize == 0 {
			continue
		}
		if n.isize < minDirSize {
			n.isize = roundup(int64(minDirSize), dirBlkSize)
			if s.reply(ClassDirSize, ino, -1, "FIX", "DIRECTORY TOO SHORT I=%d DIR=%s", ino, s.pathname(ino)) {
				s.setSize(ino, n.isize)
			}
		} else if n.isize%dirBlkSize != 0 {
			size := n.isize
			n.isize = roundup(size, dirBlkSize)
			if s.reply(ClassDirSize, ino, -1, "ADJUST", "DIRECTORY %s: LENGTH %d NOT MULTIPLE OF %d", s.pathname(ino), size, dirBlkSize) {
				s.setSize(ino, n.isize)
			}
		}

		w := &inodeWalk{ino: ino, data: true}
		w.entryFn = s.pass2check
		s.ckinode(n.dinode(fs.isUFS2()), w)
	}

	s.fixDotdot()
	s.propagate()
}

func (s *session) setSize(ino uint64, size int64) {
	di := s.ginode(ino)
	di.Size = uint64(size)
	s.putInode(ino, di)
}

// checkRoot makes sure inode 2 is a directory before anything hangs off
// it. Declining a fix the tree cannot live without ends the run.
func (s *session) checkRoot() {
	switch s.inos.get(RootIno).state {
	case stUnalloc:
		if !s.reply(ClassRootUnallocated, RootIno, -1, "ALLOCATE", "ROOT INODE UNALLOCATED") {
			fatalf(ErrAborted, "ROOT INODE UNALLOCATED")
		}
		s.makeRoot()
	case stDirClear:
		if s.reply(ClassRootBad, RootIno, -1, "REALLOCATE", "DUPS/BAD IN ROOT INODE") {
			s.releaseInode(RootIno)
			s.makeRoot()
			break
		}
		if !s.reply(ClassRootBad, RootIno, -1, "CONTINUE", "DUPS/BAD IN ROOT INODE") {
			fatalf(ErrAborted, "DUPS/BAD IN ROOT INODE")
		}
	case stFile, stFileClear:
		if s.reply(ClassRootNotDir, RootIno, -1, "REALLOCATE", "ROOT INODE NOT DIRECTORY") {
			s.releaseInode(RootIno)
			s.makeRoot()
			break
		}
		if !s.reply(ClassRootNotDir, RootIno, -1, "FIX", "ROOT INODE NOT DIRECTORY") {
			fatalf(ErrAborted, "ROOT INODE NOT DIRECTORY")
		}
		di := s.ginode(RootIno)
		di.Mode = di.Mode&^ifmt | ifdir
		s.putInode(RootIno, di)
		info := s.inos.get(RootIno)
		info.state, info.typ = stDir, dtDir
		s.graph.add(RootIno, di, int64(s.fs.Bsize))
	}
	if info := s.inos.get(RootIno); info.state == stDir {
		info.state = stDirFound
	}
}

func (s *session) makeRoot() {
	if s.allocdir(RootIno, RootIno, 0o755) != RootIno {
		fatalf(ErrAborted, "CANNOT ALLOCATE ROOT INODE")
	}
}

// cannotFix records a defect that has no repair. It keeps the run from
// ending clean and stops an automatic run that cannot go on without it.
func (s *session) cannotFix(class DefectClass, ino uint64, format string, args ...interface{}) {
	d := Defect{Pass: s.pass, Class: class, Ino: ino, Block: -1, Message: fmt.Sprintf(format, args...), Action: "FIX"}
	if s.policy.Decide(d) == Abort {
		s.record(d)
		fatalf(ErrAborted, "%s: UNEXPECTED INCONSISTENCY; RUN fsck_ffs MANUALLY", d.Message)
	}
	s.record(d)
	s.defectLog(d).Error(d.Message)
}

// entryError formats a complaint about the entry of dir that refers to ino.
func (s *session) entryError(dir, ino uint64, msg string) string {
	if ino >= s.maxino || ino < RootIno {
		return fmt.Sprintf("%s I=%d DIR=%s", msg, ino, s.pathname(dir))
	}
	di := s.ginode(ino)
	kind := "FILE"
	if di.isDir() {
		kind = "DIR"
	}
	return fmt.Sprintf("%s I=%d OWNER=%d MODE=%o SIZE=%d %s=%s", msg, ino, di.UID, di.Mode, di.Size, kind, s.entryPath(dir, s.findname(dir, ino)))
}

// pass2check validates one directory record. The first two records must
// be '.' and '..'; every later one must refer to a live inode of the type
// it claims.
func (s *session) pass2check(w *inodeWalk, e *dirEntry) walkRes {
	var ret walkRes
	node := s.graph.lookup(w.ino)

	if w.entryno == 0 {
		if e.Ino != 0 && e.Name == "." {
			if uint64(e.Ino) != w.ino {
				if s.reply(ClassBadDot, w.ino, e.blk, "FIX", "BAD INODE NUMBER FOR '.' I=%d DIR=%s", w.ino, s.pathname(w.ino)) {
					s.setEntryIno(e, w.ino)
					ret |= wAltered
				}
				e.Ino = uint32(w.ino)
			}
			if s.newInoFmt && e.Type != dtDir {
				if s.reply(ClassBadType, w.ino, e.blk, "FIX", "BAD TYPE VALUE FOR '.' I=%d DIR=%s", w.ino, s.pathname(w.ino)) {
					s.setEntryType(e, dtDir)
					ret |= wAltered
				}
			}
		} else {
			e, ret = s.missingDot(w, e, ret)
		}
	}

	if w.entryno <= 1 {
		r, done := s.checkDotdot(w, node, e)
		ret |= r
		if done {
			return ret | wKeepOn
		}
	}

	// Regular entries.
	if e.Ino == 0 {
		return ret | wKeepOn
	}
	if w.entryno >= 2 && (e.Name == "." || e.Name == "..") {
		class, msg := ClassExtraDot, "EXTRA '.' ENTRY"
		if e.Name == ".." {
			msg = "EXTRA '..' ENTRY"
		}
		if s.reply(class, w.ino, e.blk, "FIX", "%s I=%d DIR=%s", msg, w.ino, s.pathname(w.ino)) {
			s.setEntryIno(e, 0)
			ret |= wAltered
		}
		return ret | wKeepOn
	}
	w.entryno++

	remove := false
	ino := uint64(e.Ino)
	switch {
	case ino >= s.maxino:
		remove = s.reply(ClassBadEntry, w.ino, e.blk, "REMOVE", "%s", s.entryError(w.ino, ino, "I OUT OF RANGE"))
	case s.newInoFmt && (ino == ufsWINO) != (e.Type == dtWht):
		if s.reply(ClassBadEntry, w.ino, e.blk, "FIX", "%s", s.entryError(w.ino, ino, "BAD WHITEOUT")) {
			s.setEntryIno(e, ufsWINO)
			s.setEntryType(e, dtWht)
			ret |= wAltered
		}
	default:
		var altered bool
		remove, altered = s.checkTarget(w, e)
		if altered {
			ret |= wAltered
		}
	}

	if remove {
		s.setEntryIno(e, 0)
		return ret | wAltered | wKeepOn
	}
	return ret | wKeepOn
}

// missingDot repairs a directory whose first record is not '.'. It returns
// the record the '..' check should look at next.
func (s *session) missingDot(w *inodeWalk, e *dirEntry, ret walkRes) (*dirEntry, walkRes) {
	proto := direct{Ino: uint32(w.ino), Namlen: 1, Name: ".", Type: dtDir}
	entrysize := dirsiz(1)
	path := s.pathname(w.ino)

	switch {
	case e.Ino != 0 && e.Name != "..":
		s.cannotFix(ClassCannotFix, w.ino, "MISSING '.' I=%d DIR=%s: CANNOT FIX, FIRST ENTRY IN DIRECTORY CONTAINS %s", w.ino, path, e.Name)
	case int(e.Reclen) < entrysize:
		s.cannotFix(ClassCannotFix, w.ino, "MISSING '.' I=%d DIR=%s: CANNOT FIX, INSUFFICIENT SPACE TO ADD '.'", w.ino, path)
	case int(e.Reclen) < 2*entrysize:
		if s.reply(ClassBadDot, w.ino, e.blk, "FIX", "MISSING '.' I=%d DIR=%s", w.ino, path) {
			proto.Reclen = e.Reclen
			s.rewriteEntry(e, proto)
			ret |= wAltered
		}
	default:
		if !s.reply(ClassBadDot, w.ino, e.blk, "FIX", "MISSING '.' I=%d DIR=%s", w.ino, path) {
			break
		}
		rest := int(e.Reclen) - entrysize
		proto.Reclen = uint16(entrysize)
		raw := e.raw
		s.putDirect(raw, &proto)
		w.entryno++
		s.inos.get(w.ino).linkcnt--

		next := &dirEntry{raw: raw[entrysize:], blk: e.blk, loc: e.loc + entrysize}
		clear(next.raw)
		s.bo.PutUint16(next.raw[4:], uint16(rest))
		next.direct = s.decodeDirect(next.raw)
		return next, ret | wAltered
	}
	return e, ret
}

// checkDotdot handles the second record of a directory. done reports that
// the record was fully handled here.
func (s *session) checkDotdot(w *inodeWalk, node *dirNode, e *dirEntry) (walkRes, bool) {
	var ret walkRes
	parent := node.parent
	entrysize := dirsiz(2)

	if w.entryno == 0 {
		// The '.' record is followed by room for '..' only when '..' is
		// missing.
		n := dirsiz(int(e.Namlen))
		if int(e.Reclen) < n+entrysize {
			return 0, false
		}
		w.entryno++
		if e.Ino != 0 && uint64(e.Ino) < s.maxino {
			s.inos.get(uint64(e.Ino)).linkcnt--
		}
		if parent == 0 {
			w.entryno++
			return 0, true
		}
		node.dotdot = parent
		s.inos.get(parent).linkcnt--
		w.entryno++
		if s.reply(ClassBadDotDot, w.ino, e.blk, "FIX", "MISSING '..' I=%d DIR=%s", w.ino, s.pathname(w.ino)) {
			rest := e.Reclen - uint16(n)
			s.bo.PutUint16(e.raw[4:], uint16(n))
			dd := direct{Ino: uint32(parent), Reclen: rest, Namlen: 2, Name: "..", Type: dtDir}
			clear(e.raw[n:])
			s.putDirect(e.raw[n:], &dd)
			ret |= wAltered
		}
		return ret, true
	}

	if e.Ino != 0 && e.Name == ".." {
		node.dotdot = uint64(e.Ino)
		if s.newInoFmt && e.Type != dtDir {
			if s.reply(ClassBadType, w.ino, e.blk, "FIX", "BAD TYPE VALUE FOR '..' I=%d DIR=%s", w.ino, s.pathname(w.ino)) {
				s.setEntryType(e, dtDir)
				ret |= wAltered
			}
		}
		return ret, false
	}

	path := s.pathname(w.ino)
	switch {
	case e.Ino != 0 && e.Name != ".":
		s.cannotFix(ClassCannotFix, w.ino, "MISSING '..' I=%d DIR=%s: CANNOT FIX, SECOND ENTRY IN DIRECTORY CONTAINS %s", w.ino, path, e.Name)
		node.dotdot = dotdotBad
	case int(e.Reclen) < entrysize:
		s.cannotFix(ClassCannotFix, w.ino, "MISSING '..' I=%d DIR=%s: CANNOT FIX, INSUFFICIENT SPACE TO ADD '..'", w.ino, path)
		node.dotdot = dotdotBad
	case parent != 0:
		node.dotdot = parent
		if s.reply(ClassBadDotDot, w.ino, e.blk, "FIX", "MISSING '..' I=%d DIR=%s", w.ino, path) {
			s.rewriteEntry(e, direct{Ino: uint32(parent), Reclen: e.Reclen, Namlen: 2, Name: "..", Type: dtDir})
			ret |= wAltered
		}
		e.Ino = uint32(parent)
	}
	w.entryno++
	if e.Ino != 0 && uint64(e.Ino) < s.maxino {
		s.inos.get(uint64(e.Ino)).linkcnt--
	}
	return ret, true
}

// checkTarget validates the inode an ordinary entry refers to and counts
// the reference. It reports whether the entry should be removed and
// whether the record was rewritten.
func (s *session) checkTarget(w *inodeWalk, e *dirEntry) (remove, altered bool) {
	ino := uint64(e.Ino)
	for {
		info := s.inos.get(ino)
		switch info.state {
		case stUnalloc:
			if w.entryno <= 2 {
				return false, false
			}
			return s.reply(ClassUnallocatedEntry, w.ino, e.blk, "REMOVE", "%s", s.entryError(w.ino, ino, "UNALLOCATED")), false

		case stDirClear, stFileClear:
			if w.entryno <= 2 {
				return false, false
			}
			class, msg := ClassDupBadEntry, "DUP/BAD"
			if info.state == stDirClear && s.ginode(ino).Size == 0 {
				class, msg = ClassZeroLengthDir, "ZERO LENGTH DIRECTORY"
			}
			if s.reply(class, w.ino, e.blk, "REMOVE", "%s", s.entryError(w.ino, ino, msg)) {
				return true, false
			}
			di := s.ginode(ino)
			info.state = stFile
			if di.isDir() {
				info.state = stDir
			}
			info.linkcnt = int32(di.Nlink)
			continue

		case stDir, stDirFound:
			if w.entryno > 2 {
				n := s.graph.lookup(ino)
				switch {
				case n == nil:
				case n.parent == 0:
					n.parent = w.ino
				default:
					if s.reply(ClassExtraneousLink, w.ino, e.blk, "REMOVE", "%s IS AN EXTRANEOUS HARD LINK TO DIRECTORY %s",
						s.entryPath(w.ino, e.Name), s.pathname(ino)) {
						return true, false
					}
				}
			}
			fallthrough

		case stFile:
			if s.newInoFmt && e.Type != info.typ {
				if s.reply(ClassBadType, w.ino, e.blk, "FIX", "%s", s.entryError(w.ino, ino, fmt.Sprintf("BAD TYPE VALUE %d", e.Type))) {
					s.setEntryType(e, info.typ)
					altered = true
				}
			}
			info.linkcnt--
		}
		return false, altered
	}
}

// fixDotdot reconciles every '..' with the parent found while scanning.
func (s *session) fixDotdot() {
	for _, ino := range s.graph.sorted() {
		n := s.graph.lookup(ino)
		if n.parent == 0 || n.isize == 0 {
			continue
		}
		if n.dotdot == n.parent || n.dotdot == dotdotBad {
			continue
		}
		if n.dotdot == 0 {
			n.dotdot = n.parent
			if !s.reply(ClassBadDotDot, ino, -1, "FIX", "MISSING '..' I=%d DIR=%s", ino, s.pathname(ino)) {
				continue
			}
			s.makeentry(ino, n.parent, "..")
			s.inos.get(n.parent).linkcnt--
			continue
		}
		if !s.reply(ClassBadDotDot, ino, -1, "FIX", "BAD INODE NUMBER FOR '..' I=%d DIR=%s", ino, s.pathname(ino)) {
			continue
		}
		if n.dotdot < s.maxino {
			s.inos.get(n.dotdot).linkcnt++
		}
		s.inos.get(n.parent).linkcnt--
		n.dotdot = n.parent
		s.changeino(ino, "..", n.parent)
	}
}

// propagate marks every directory reachable from the root through the
// parents recorded in this pass as found.
func (s *session) propagate() {
	s.graph.buildForest()
	s.graph.descend(RootIno, func(n *dirNode) bool {
		info := s.inos.get(n.ino)
		switch {
		case n.ino == RootIno:
			return info.state == stDirFound
		case info.state == stDir:
			info.state = stDirFound
			return true
		}
		return info.state == stDirFound
	})
}
