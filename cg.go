package ffs

import (
	"bytes"

	"github.com/ansel1/merry"
	"github.com/diskfs/go-diskfs/util/bitmap"
)

// cgOffsets are the byte positions of the maps inside a cylinder group block.
type cgOffsets struct {
	iused  uint32
	free   uint32
	clsum  uint32 // 0 without cluster accounting
	clmap  uint32
	next   uint32
	nclblk uint32
}

// cgLayout computes the map offsets for a group geometry. The cluster
// summary starts one word early; its slot 0 is never used and overlaps the
// tail of the free map.
func cgLayout(ipg uint32, fpg, frag, contigsumsize int32) cgOffsets {
	var o cgOffsets
	o.iused = cgHeaderSize
	o.free = o.iused + howmany(ipg, 8)
	o.next = o.free + howmany(uint32(fpg), 8)
	if contigsumsize > 0 {
		o.clsum = roundup(o.next-4, 4)
		o.clmap = o.clsum + uint32(contigsumsize+1)*4
		o.nclblk = uint32(fpg / frag)
		o.next = o.clmap + howmany(o.nclblk, 8)
	}
	return o
}

// cgSizeFor returns the bytes needed by one cylinder group block.
func cgSizeFor(l *Layout) int {
	return int(cgLayout(l.InodesPerGroup, l.FragsPerGroup, l.BlockSize/l.FragSize, l.ContigSumSize).next)
}

func (s *session) cgOffsets() cgOffsets {
	return cgLayout(s.fs.Ipg, s.fs.Fpg, s.fs.Frag, s.fs.Contigsumsize)
}

// cylGroup is the decoded form of a cylinder group block.
type cylGroup struct {
	hdr   cgHeader
	iused *bits
	free  *bits   // set = free
	clsum []int32 // index 0 unused
	clmap *bits   // set = whole block free
}

// bits is a bitmap of n addressable bits. Every index handed to it comes
// from geometry the checker has already validated, so an index out of
// range is a broken invariant and aborts the run.
type bits struct {
	bm *bitmap.Bitmap
	n  int
}

func newBits(n int) *bits {
	return &bits{bm: bitmap.NewBits(roundup(n, 8)), n: n}
}

func (b *bits) index(i int) {
	if i < 0 || i >= b.n {
		fatal(merry.Errorf("bit %d outside a map of %d bits", i, b.n))
	}
}

func bitIsSet(b *bits, i int) bool {
	b.index(i)
	ok, err := b.bm.IsSet(i)
	if err != nil {
		fatal(merry.Wrap(err))
	}
	return ok
}

func bitSet(b *bits, i int) {
	b.index(i)
	if err := b.bm.Set(i); err != nil {
		fatal(merry.Wrap(err))
	}
}

func bitClear(b *bits, i int) {
	b.index(i)
	if err := b.bm.Clear(i); err != nil {
		fatal(merry.Wrap(err))
	}
}

func bitsFrom(raw []byte, nbits int) *bits {
	b := newBits(nbits)
	buf := make([]byte, howmany(nbits, 8))
	copy(buf, raw)
	b.bm.FromBytes(buf)
	return b
}

func bitsBytes(b *bits, nbits int) []byte {
	out := make([]byte, howmany(nbits, 8))
	copy(out, b.bm.ToBytes())
	return out
}

// cgHeaderValid reports whether the header carries the group magic and
// offsets this geometry produces.
func (s *session) cgHeaderValid(hdr *cgHeader, c uint32) bool {
	o := s.cgOffsets()
	return hdr.Magic == cgMagic && hdr.Cgx == c &&
		hdr.Iusedoff == o.iused && hdr.Freeoff == o.free &&
		hdr.Nextfreeoff == o.next && hdr.Clustersumoff == o.clsum && hdr.Clusteroff == o.clmap
}

// decodeCG reads a cylinder group block. The maps are always taken from the
// offsets of the current geometry so that a damaged header cannot steer the
// decoder outside the block.
func (s *session) decodeCG(b []byte) *cylGroup {
	o := s.cgOffsets()
	cg := &cylGroup{}
	readStruct(bytes.NewReader(b), s.bo, &cg.hdr)

	ipg, fpg := int(s.fs.Ipg), int(s.fs.Fpg)
	cg.iused = bitsFrom(b[o.iused:], ipg)
	cg.free = bitsFrom(b[o.free:], fpg)
	if o.clsum != 0 {
		cg.clsum = make([]int32, s.fs.Contigsumsize+1)
		for i := 1; i < len(cg.clsum); i++ {
			cg.clsum[i] = int32(s.bo.Uint32(b[int(o.clsum)+4*i:]))
		}
		cg.clmap = bitsFrom(b[o.clmap:], int(o.nclblk))
	}
	return cg
}

// encodeCG writes cg into a cylinder group block of at least cgsize bytes.
func (s *session) encodeCG(cg *cylGroup, b []byte) {
	o := s.cgOffsets()
	clear(b)
	var hdr bytes.Buffer
	writeStruct(&hdr, s.bo, &cg.hdr)
	copy(b, hdr.Bytes())

	copy(b[o.iused:o.free], bitsBytes(cg.iused, int(s.fs.Ipg)))
	copy(b[o.free:], bitsBytes(cg.free, int(s.fs.Fpg)))
	if o.clsum != 0 {
		for i := 1; i < len(cg.clsum); i++ {
			s.bo.PutUint32(b[int(o.clsum)+4*i:], uint32(cg.clsum[i]))
		}
		copy(b[o.clmap:], bitsBytes(cg.clmap, int(o.nclblk)))
	}
}

// groupFrags returns the number of fragments in group c.
func (s *session) groupFrags(c uint32) int64 {
	if c == s.fs.Ncg-1 {
		return s.fs.Size - s.fs.cgbase(c)
	}
	return int64(s.fs.Fpg)
}

// buildCG computes what group c must look like from the block map and the
// inode states. Rotors and timestamps are carried over from old when it is
// a valid group.
func (s *session) buildCG(c uint32, old *cylGroup) *cylGroup {
	fs := s.fs
	o := s.cgOffsets()
	ndblk := s.groupFrags(c)
	frag := int64(fs.Frag)

	cg := &cylGroup{
		iused: newBits(int(fs.Ipg)),
		free:  newBits(int(fs.Fpg)),
	}
	h := &cg.hdr
	h.Magic = cgMagic
	h.Cgx = c
	h.Ndblk = uint32(ndblk)
	h.Niblk = fs.Ipg
	if !fs.isUFS2() && fs.Ipg <= 0x7fff {
		h.OldNiblk = int16(fs.Ipg)
		h.OldNcyl = int16(fs.OldCpg)
	}
	h.OldBtotoff = int32(o.iused)
	h.OldBoff = int32(o.iused)
	h.Iusedoff = o.iused
	h.Freeoff = o.free
	h.Nextfreeoff = o.next
	h.Clustersumoff = o.clsum
	h.Clusteroff = o.clmap
	if o.clsum != 0 {
		h.Nclusterblks = uint32(ndblk / frag)
		cg.clsum = make([]int32, fs.Contigsumsize+1)
		cg.clmap = newBits(int(o.nclblk))
	}
	if old != nil && old.hdr.Magic == cgMagic {
		h.Time = old.hdr.Time
		h.OldTime = old.hdr.OldTime
		if int64(old.hdr.Rotor) < ndblk {
			h.Rotor = old.hdr.Rotor
		}
		if int64(old.hdr.Frotor) < ndblk {
			h.Frotor = old.hdr.Frotor
		}
		if old.hdr.Irotor < fs.Ipg {
			h.Irotor = old.hdr.Irotor
		}
		h.Initediblk = old.hdr.Initediblk
	}

	// Inodes
	h.Cs.Nifree = int32(fs.Ipg)
	base := uint64(c) * uint64(fs.Ipg)
	alloced := s.inos.numAlloced(c)
	for i := 0; i < alloced; i++ {
		ino := base + uint64(i)
		switch s.inos.get(ino).state {
		case stDir, stDirFound, stDirClear:
			h.Cs.Ndir++
			fallthrough
		case stFile, stFileClear:
			h.Cs.Nifree--
			bitSet(cg.iused, i)
		}
	}
	if c == 0 {
		for i := 0; i < RootIno; i++ {
			if !bitIsSet(cg.iused, i) {
				bitSet(cg.iused, i)
				h.Cs.Nifree--
			}
		}
	}
	if fs.isUFS2() {
		want := minOf(roundup(uint32(alloced), fs.Inopb), fs.Ipg)
		if h.Initediblk < want || h.Initediblk > fs.Ipg {
			h.Initediblk = want
		}
	} else {
		h.Initediblk = 0
	}

	// Fragments
	dbase := fs.cgbase(c)
	for i := int64(0); i < ndblk; i += frag {
		frags := 0
		var fragmap uint32
		for j := int64(0); j < frag && i+j < ndblk; j++ {
			if s.bmap.test(dbase + i + j) {
				continue
			}
			bitSet(cg.free, int(i+j))
			fragmap |= 1 << uint(j)
			frags++
		}
		switch {
		case int64(frags) == frag:
			h.Cs.Nbfree++
			if cg.clmap != nil {
				bitSet(cg.clmap, int(i/frag))
			}
		case frags > 0:
			h.Cs.Nffree += int32(frags)
			fragacct(int(frag), fragmap, &h.Frsum, 1)
		}
	}

	// Clusters
	if cg.clmap != nil {
		run := int32(0)
		for i := 0; i < int(h.Nclusterblks); i++ {
			if bitIsSet(cg.clmap, i) {
				run++
				continue
			}
			if run != 0 {
				cg.clsum[minOf(run, fs.Contigsumsize)]++
				run = 0
			}
		}
		if run != 0 {
			cg.clsum[minOf(run, fs.Contigsumsize)]++
		}
	}

	return cg
}

// sameHeader compares the parts of two headers the check is responsible for.
func sameHeader(a, b *cgHeader) bool {
	x, y := *a, *b
	x.Time, y.Time = 0, 0
	x.OldTime, y.OldTime = 0, 0
	x.Rotor, y.Rotor = 0, 0
	x.Frotor, y.Frotor = 0, 0
	x.Irotor, y.Irotor = 0, 0
	x.Unrefs, y.Unrefs = 0, 0
	return x == y
}

func sameClusters(a, b *cylGroup, s *session) bool {
	if a.clmap == nil || b.clmap == nil {
		return a.clmap == nil && b.clmap == nil
	}
	for i := 1; i < len(a.clsum) && i < len(b.clsum); i++ {
		if a.clsum[i] != b.clsum[i] {
			return false
		}
	}
	n := int(s.cgOffsets().nclblk)
	return bytes.Equal(bitsBytes(a.clmap, n), bitsBytes(b.clmap, n))
}

// readCG loads group c through the cache.
func (s *session) readCG(c uint32) *cylGroup {
	b := s.getblk(s.fs.cgtod(c), int(s.fs.Cgsize))
	defer s.cache.release(b)
	return s.decodeCG(b.bytes())
}

// writeCG stores cg as group c through the cache.
func (s *session) writeCG(c uint32, cg *cylGroup) {
	b := s.getblk(s.fs.cgtod(c), int(s.fs.Cgsize))
	defer s.cache.release(b)
	s.encodeCG(cg, b.bytes())
	s.cache.markDirty(b)
}
