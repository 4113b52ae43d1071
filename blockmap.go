package ffs

// blockMap is the in-memory allocation bitmap over every fragment of the
// filesystem. A set bit means the fragment is in use.
type blockMap struct {
	frags *bits
	n    int64
}

func newBlockMap(n int64) *blockMap {
	return &blockMap{frags: newBits(int(n)), n: n}
}

// test reports whether fragment b is in use. Addresses outside the
// filesystem read as used.
func (m *blockMap) test(b int64) bool {
	if b < 0 || b >= m.n {
		return true
	}
	return bitIsSet(m.frags, int(b))
}

func (m *blockMap) set(b int64) {
	if b >= 0 && b < m.n {
		bitSet(m.frags, int(b))
	}
}

func (m *blockMap) clear(b int64) {
	if b >= 0 && b < m.n {
		bitClear(m.frags, int(b))
	}
}

// used counts the allocated fragments.
func (m *blockMap) used() int64 {
	var n int64
	for i := int64(0); i < m.n; i++ {
		if bitIsSet(m.frags, int(i)) {
			n++
		}
	}
	return n
}

// markReserved marks the metadata areas of every cylinder group: the boot
// area and superblock of group 0 plus the summary area, and for the other
// groups everything from the alternate superblock to the first data block.
func (s *session) markReserved() {
	fs := s.fs
	for c := uint32(0); c < fs.Ncg; c++ {
		start := fs.cgsblock(c)
		end := fs.cgdmin(c)
		if c == 0 {
			start = fs.cgbase(c)
			end += howmany(int64(fs.Cssize), int64(fs.Fsize))
		}
		for d := start; d < end; d++ {
			s.bmap.set(d)
		}
	}
}

// chkrange reports whether the cnt fragments at blk are not a valid
// allocation: outside the data area, crossing a block boundary, or
// overlapping the metadata of their cylinder group.
func (s *session) chkrange(blk int64, cnt int) bool {
	fs := s.fs
	if cnt <= 0 || blk < 0 || blk > s.maxfsblock-int64(cnt) {
		return true
	}
	if cnt > int(fs.Frag) || fs.fragnum(blk)+int64(cnt) > int64(fs.Frag) {
		return true
	}
	c := fs.dtog(blk)
	if blk < fs.cgdmin(c) {
		if blk+int64(cnt) > fs.cgsblock(c) {
			return true
		}
	} else if blk+int64(cnt) > fs.cgbase(c+1) {
		return true
	}
	if c == 0 && blk < fs.cgdmin(0)+howmany(int64(fs.Cssize), int64(fs.Fsize)) {
		return true
	}
	return false
}

// findFreeFrags returns the first run of n free fragments that fits inside
// one block, or -1.
func (s *session) findFreeFrags(n int) int64 {
	frag := int64(s.fs.Frag)
	for blk := int64(0); blk < s.maxfsblock; blk += frag {
		for j := int64(0); j+int64(n) <= frag && blk+j+int64(n) <= s.maxfsblock; j++ {
			free := true
			for k := int64(0); k < int64(n); k++ {
				if s.bmap.test(blk + j + k) {
					free = false
					j += k
					break
				}
			}
			if free {
				return blk + j
			}
		}
	}
	return -1
}

// allocblk allocates n contiguous fragments inside one block and returns
// the first one, or -1 when the filesystem is full. After the cylinder
// groups have been rebuilt the affected group is rebuilt again so that the
// on-disk maps stay in step.
func (s *session) allocblk(n int) int64 {
	blk := s.findFreeFrags(n)
	if blk < 0 {
		return -1
	}
	for i := 0; i < n; i++ {
		s.bmap.set(blk + int64(i))
	}
	s.nblks += int64(n)
	if s.pass5Done {
		s.resyncCG(s.fs.dtog(blk))
	}
	return blk
}

// freeblk releases n fragments starting at blk.
func (s *session) freeblk(blk int64, n int) {
	for i := 0; i < n; i++ {
		s.bmap.clear(blk + int64(i))
	}
	s.nblks -= int64(n)
	if s.pass5Done {
		s.resyncCG(s.fs.dtog(blk))
	}
}

// allocContig allocates n whole blocks with consecutive addresses.
func (s *session) allocContig(nblocks int64) int64 {
	frag := int64(s.fs.Frag)
	need := nblocks * frag
	run := int64(0)
	for blk := int64(0); blk+frag <= s.maxfsblock; blk += frag {
		free := true
		for k := int64(0); k < frag; k++ {
			if s.bmap.test(blk + k) {
				free = false
				break
			}
		}
		if !free || s.chkrange(blk, int(frag)) {
			run = 0
			continue
		}
		run += frag
		if run == need {
			start := blk + frag - need
			for d := start; d < start+need; d++ {
				s.bmap.set(d)
			}
			s.nblks += need
			return start
		}
	}
	return -1
}
