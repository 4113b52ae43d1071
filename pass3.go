package ffs

// pass3 reconnects directories that pass 2 could not reach from the root.
// Orphans are handled from the top of their parent chain; a chain that
// loops back on itself is cut at the repeated directory.
func (s *session) pass3() {
	dirs := s.graph.sorted()
	for i := len(dirs) - 1; i >= 0; i-- {
		ino := dirs[i]
		if ino == RootIno || s.inos.get(ino).state != stDir {
			continue
		}

		orphan, loop := s.graph.climb(ino, func(p uint64) bool {
			return p < s.maxino && s.inos.get(p).state == stDir
		})
		n := s.graph.lookup(orphan)

		if !loop {
			if s.linkup(orphan, n.dotdot, "") {
				n.parent, n.dotdot = s.lfdir, s.lfdir
				s.inos.get(s.lfdir).linkcnt--
			}
		} else {
			if !s.reply(ClassOrphanLoop, orphan, -1, "RECONNECT", "ORPHANED DIRECTORY LOOP DETECTED I=%d", orphan) {
				continue
			}
			parent := n.parent
			name := s.findname(parent, orphan)
			if name == "" {
				s.warn(ClassOrphanLoop, orphan, -1, "COULD NOT FIND NAME IN PARENT DIRECTORY I=%d", parent)
			}
			if s.linkup(orphan, parent, name) {
				if s.clearentry(parent, orphan) {
					s.inos.get(orphan).linkcnt++
				}
				n.parent, n.dotdot = s.lfdir, s.lfdir
				s.inos.get(s.lfdir).linkcnt--
			}
		}

		if s.lfdir != 0 {
			s.inos.get(s.lfdir).state = stDirFound
			s.markFound(s.lfdir)
		}
	}
}

// markFound marks the unfound directories below ino as found.
func (s *session) markFound(ino uint64) {
	s.graph.descend(ino, func(n *dirNode) bool {
		info := s.inos.get(n.ino)
		if info.state == stDir {
			info.state = stDirFound
		}
		return info.state == stDirFound
	})
}
