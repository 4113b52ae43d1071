package ffs

import (
	"bytes"

	"github.com/ansel1/merry"
	"github.com/sirupsen/logrus"
)

// pass5 rebuilds every cylinder group from the block map and the inode
// table and compares the result with what is on disk. One answer covers
// every group for each kind of difference.
func (s *session) pass5() {
	fs := s.fs
	var (
		hdrFix  inodeWalk
		sumFix  inodeWalk
		mapsFix inodeWalk
		total   csumTotal
	)

	for c := uint32(0); c < fs.Ncg; c++ {
		s.progressGroup(c)
		old := s.readCG(c)
		blk := fs.cgtod(c)
		valid := s.cgHeaderValid(&old.hdr, c)
		if !valid {
			if !s.reply(ClassBadCylinderGroup, 0, blk, "REBUILD", "CG %d: BAD MAGIC NUMBER", c) {
				s.addTotal(&total, old.hdr.Cs)
				continue
			}
		}

		cg := s.buildCG(c, old)
		s.addTotal(&total, cg.hdr.Cs)

		if s.csums[c] != cg.hdr.Cs &&
			s.dofix(&sumFix, ClassSummary, blk, "FIX", "FREE BLK COUNT(S) WRONG IN SUPERBLK") {
			s.csums[c] = cg.hdr.Cs
			s.sbDirty = true
		}

		out := *old
		changed := !valid
		if !valid {
			out = *cg
		}
		if valid && !sameHeader(&old.hdr, &cg.hdr) &&
			s.dofix(&hdrFix, ClassSummary, blk, "FIX", "SUMMARY INFORMATION BAD") {
			out.hdr = cg.hdr
			changed = true
		}
		mapsDiffer := !bytes.Equal(bitsBytes(old.iused, int(fs.Ipg)), bitsBytes(cg.iused, int(fs.Ipg))) ||
			!bytes.Equal(bitsBytes(old.free, int(fs.Fpg)), bitsBytes(cg.free, int(fs.Fpg))) ||
			!sameClusters(old, cg, s)
		if valid && mapsDiffer &&
			s.dofix(&mapsFix, ClassCylinderGroup, blk, "FIX", "BLK(S) MISSING IN BIT MAPS") {
			out.iused, out.free = cg.iused, cg.free
			out.clsum, out.clmap = cg.clsum, cg.clmap
			changed = true
		}
		if changed {
			s.writeCG(c, &out)
			s.log.WithFields(logrus.Fields{"cg": c, "nbfree": cg.hdr.Cs.Nbfree, "nifree": cg.hdr.Cs.Nifree}).Debug("cylinder group rewritten")
		}
	}

	if !sameTotals(&fs.Cstotal, &total) &&
		s.dofix(&hdrFix, ClassSummary, -1, "FIX", "SUMMARY BLK COUNT(S) WRONG IN SUPERBLK") {
		s.setTotals(&total)
	}
	s.pass5Done = true
}

func (s *session) addTotal(t *csumTotal, cs csum) {
	t.Ndir += int64(cs.Ndir)
	t.Nbfree += int64(cs.Nbfree)
	t.Nifree += int64(cs.Nifree)
	t.Nffree += int64(cs.Nffree)
}

func sameTotals(a, b *csumTotal) bool {
	return a.Ndir == b.Ndir && a.Nbfree == b.Nbfree && a.Nifree == b.Nifree && a.Nffree == b.Nffree
}

// setTotals installs new filesystem-wide counts, keeping the fields pass 5
// does not compute.
func (s *session) setTotals(t *csumTotal) {
	fs := s.fs
	fs.Cstotal.Ndir, fs.Cstotal.Nbfree = t.Ndir, t.Nbfree
	fs.Cstotal.Nifree, fs.Cstotal.Nffree = t.Nifree, t.Nffree
	if !fs.isUFS2() {
		fs.OldCstotal = csum{
			Ndir:   int32(t.Ndir),
			Nbfree: int32(t.Nbfree),
			Nifree: int32(t.Nifree),
			Nffree: int32(t.Nffree),
		}
	}
	s.sbDirty = true
}

// resyncCG rebuilds group c after pass 5 has run, so that allocations made
// by later passes reach the on-disk maps and the summaries. A group whose
// rebuild was declined in pass 5 cannot take the change.
func (s *session) resyncCG(c uint32) {
	if hdr := s.readCG(c).hdr; !s.cgHeaderValid(&hdr, c) {
		fatal(merry.WithValue(merry.Prependf(ErrBadCylinderGroup, "CG %d: BAD MAGIC NUMBER", c), errKeyCg, c))
	}
	s.rebuildCG(c)
}

// rebuildCG writes group c from the allocation state and refreshes the
// summaries.
func (s *session) rebuildCG(c uint32) {
	cg := s.buildCG(c, s.readCG(c))
	s.writeCG(c, cg)
	s.csums[c] = cg.hdr.Cs

	var total csumTotal
	for _, cs := range s.csums {
		s.addTotal(&total, cs)
	}
	s.setTotals(&total)
}
