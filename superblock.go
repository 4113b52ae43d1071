package ffs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ansel1/merry"
)

// superblockBytes is the encoded length of the superblock record.
var superblockBytes = binary.Size(superblock{})

// decodeSuperblock decodes a superblock in whichever byte order yields a
// known magic number, trying little-endian first.
func decodeSuperblock(b []byte) (*superblock, binary.ByteOrder, bool) {
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		fs := &superblock{}
		if err := binary.Read(bytes.NewReader(b), bo, fs); err != nil {
			return nil, nil, false
		}
		if fs.Magic == fsUFS1Magic || fs.Magic == fsUFS2Magic {
			return fs, bo, true
		}
	}
	return nil, nil, false
}

func encodeSuperblock(fs *superblock, bo binary.ByteOrder, size int) []byte {
	var buf bytes.Buffer
	writeStruct(&buf, bo, fs)
	out := make([]byte, maxOf(size, buf.Len()))
	copy(out, buf.Bytes())
	return out
}

// probeSuperblock walks the search list and returns the first plausible
// superblock together with its byte order and device offset.
func (s *session) probeSuperblock() (*superblock, binary.ByteOrder, int64, error) {
	raw := make([]byte, sblockSize)
	for _, off := range s.opts.sbOffsets {
		if err := s.disk.readAt(raw, off); err != nil {
			s.log.WithField("offset", off).Debugf("superblock probe failed: %v", err)
			continue
		}
		fs, bo, ok := decodeSuperblock(raw)
		if !ok {
			continue
		}
		if !s.opts.altSuper {
			// A UFS1 magic at the UFS2 location is a stale piggy-backed copy.
			if fs.Magic == fsUFS1Magic && off == sblockUFS2 {
				continue
			}
			if fs.Magic == fsUFS2Magic && fs.Sblockloc != off {
				continue
			}
		}
		return fs, bo, off, nil
	}

	return nil, nil, 0, merry.Prepend(ErrBadSuperblock, "SEARCH FOR SUPERBLOCK FAILED")
}

// homeOffset is where the primary superblock of fs belongs.
func homeOffset(fs *superblock) int64 {
	if fs.isUFS2() {
		return fs.Sblockloc
	}
	return sblockUFS1
}

// checkSuperblock rejects a superblock whose geometry cannot be trusted.
func checkSuperblock(fs *superblock) error {
	bad := func(format string, args ...interface{}) error {
		return merry.Prependf(ErrBadSuperblock, "BAD SUPER BLOCK: "+format, args...)
	}

	switch {
	case fs.Ncg < 1:
		return bad("NCG OUT OF RANGE")
	case fs.Bsize < minBSize || fs.Bsize > maxBSize || !isPowerOf2(fs.Bsize):
		return bad("BLOCK SIZE %d INVALID", fs.Bsize)
	case fs.Fsize < devBSize || fs.Fsize > fs.Bsize || !isPowerOf2(fs.Fsize):
		return bad("FRAGMENT SIZE %d INVALID", fs.Fsize)
	case fs.Frag != fs.Bsize/fs.Fsize || fs.Frag > 8:
		return bad("FRAG %d DISAGREES WITH SIZES", fs.Frag)
	case fs.Fragshift != int32(ilog2(fs.Frag)):
		return bad("FRAGSHIFT %d INVALID", fs.Fragshift)
	case fs.Bshift != int32(ilog2(fs.Bsize)) || fs.Fshift != int32(ilog2(fs.Fsize)):
		return bad("SHIFTS DISAGREE WITH SIZES")
	case fs.Bmask != ^(fs.Bsize-1) || fs.Fmask != ^(fs.Fsize-1):
		return bad("MASKS DISAGREE WITH SIZES")
	case fs.Fsbtodb != int32(ilog2(fs.Fsize/devBSize)):
		return bad("FSBTODB %d INVALID", fs.Fsbtodb)
	case fs.Sbsize < int32(superblockBytes) || fs.Sbsize > sblockSize:
		return bad("SUPERBLOCK SIZE %d INVALID", fs.Sbsize)
	case fs.Fpg <= 0 || fs.Fpg%fs.Frag != 0:
		return bad("FRAGS PER GROUP %d INVALID", fs.Fpg)
	case fs.Ipg == 0 || fs.Ipg%8 != 0:
		return bad("INODES PER GROUP %d INVALID", fs.Ipg)
	case fs.Inopb != uint32(fs.Bsize)/uint32(fs.dinodeSize()) || fs.Ipg%fs.Inopb != 0:
		return bad("INOPB %d INVALID", fs.Inopb)
	case fs.Nindir != fs.Bsize/int32(fs.ptrSize()):
		return bad("NINDIR %d INVALID", fs.Nindir)
	case !(fs.Sblkno < fs.Cblkno && fs.Cblkno < fs.Iblkno && fs.Iblkno < fs.Dblkno && fs.Dblkno < fs.Fpg):
		return bad("CYLINDER GROUP LAYOUT INVALID")
	case fs.Size <= int64(fs.Ncg-1)*int64(fs.Fpg) || fs.Size > int64(fs.Ncg)*int64(fs.Fpg):
		return bad("SIZE %d DISAGREES WITH NCG %d", fs.Size, fs.Ncg)
	case int64(fs.Cssize) != fs.fragroundup(int64(fs.Ncg)*16):
		return bad("CSSIZE %d INVALID", fs.Cssize)
	case fs.Csaddr < 0 || fs.Csaddr+fs.numfrags(int64(fs.Cssize)) > fs.Size:
		return bad("CSADDR %d OUT OF RANGE", fs.Csaddr)
	case fs.Cgsize < cgHeaderSize || fs.Cgsize > fs.Bsize:
		return bad("CGSIZE %d INVALID", fs.Cgsize)
	case fs.Contigsumsize < 0 || fs.Contigsumsize > fsMaxContig:
		return bad("CONTIGSUMSIZE %d INVALID", fs.Contigsumsize)
	case fs.Maxsymlinklen < 0 || int(fs.Maxsymlinklen) > (ndaddr+niaddr)*fs.ptrSize():
		return bad("MAXSYMLINKLEN %d INVALID", fs.Maxsymlinklen)
	case uint64(fs.Ncg)*uint64(fs.Ipg) > 1<<32-1:
		return bad("TOO MANY INODES")
	}
	return nil
}

// ptrSize is the size of one block pointer.
func (fs *superblock) ptrSize() int {
	if fs.isUFS2() {
		return 8
	}
	return 4
}

// sameGeometry compares the fields that never change after newfs.
func sameGeometry(a, b *superblock) bool {
	return a.Magic == b.Magic &&
		a.Sblkno == b.Sblkno && a.Cblkno == b.Cblkno &&
		a.Iblkno == b.Iblkno && a.Dblkno == b.Dblkno &&
		a.Ncg == b.Ncg && a.Bsize == b.Bsize && a.Fsize == b.Fsize &&
		a.Frag == b.Frag && a.Fpg == b.Fpg && a.Ipg == b.Ipg &&
		a.Cssize == b.Cssize && a.Csaddr == b.Csaddr
}

// readSuperblock locates, validates and installs the superblock and the
// summary area. Fatal on any structural problem.
func (s *session) readSuperblock() {
	fs, bo, off, err := s.probeSuperblock()
	if err != nil {
		fatal(err)
	}
	if err := checkSuperblock(fs); err != nil {
		fatal(err)
	}

	s.fs = fs
	s.bo = bo
	s.sbOff = homeOffset(fs)
	if off != s.sbOff {
		s.log.WithField("offset", off).Warn("using alternate superblock")
		s.sbDirty = true
	}
	s.compareAlternate()

	s.newInoFmt = !(!fs.isUFS2() && fs.OldInodefmt < fs44InodeFmt)
	s.maxfsblock = fs.Size
	s.maxino = fs.maxIno()

	s.readSummary()
	s.fixSuperblockFields()
}

// compareAlternate checks the primary against the copy in the last
// cylinder group. An unreadable or foreign alternate is ignored.
func (s *session) compareAlternate() {
	if s.opts.altSuper {
		return
	}
	last := s.fs.Ncg - 1
	raw := make([]byte, sblockSize)
	if err := s.disk.readAt(raw, s.fs.cgsblock(last)*int64(s.fs.Fsize)); err != nil {
		return
	}
	alt, _, ok := decodeSuperblock(raw)
	if !ok {
		return
	}
	if !sameGeometry(s.fs, alt) {
		fatalf(ErrBadSuperblock, "BAD SUPER BLOCK: VALUES IN SUPER BLOCK DISAGREE WITH THOSE IN LAST ALTERNATE")
	}
}

// fixSuperblockFields repairs derived superblock fields that newer kernels
// recompute anyway.
func (s *session) fixSuperblockFields() {
	fs := s.fs
	if fs.Minfree < 0 || fs.Minfree > 99 {
		if s.reply(ClassSuperblock, 0, -1, "SET TO DEFAULT", "IMPOSSIBLE MINFREE=%d IN SUPERBLOCK", fs.Minfree) {
			fs.Minfree = 10
			s.sbDirty = true
		}
	}
	if fs.Qbmask != int64(^fs.Bmask) || fs.Qfmask != int64(^fs.Fmask) {
		if s.reply(ClassSuperblock, 0, -1, "FIX", "INCORRECT QBMASK/QFMASK IN SUPERBLOCK") {
			fs.Qbmask = int64(^fs.Bmask)
			fs.Qfmask = int64(^fs.Fmask)
			s.sbDirty = true
		}
	}
	if want := computeMaxFileSize(int64(fs.Bsize), int64(fs.Nindir), fs.isUFS2()); fs.Maxfilesize != want {
		if s.reply(ClassSuperblock, 0, -1, "FIX", "INCORRECT MAXFILESIZE=%d IN SUPERBLOCK", fs.Maxfilesize) {
			fs.Maxfilesize = want
			s.sbDirty = true
		}
	}
}

// readSummary loads the per-group summaries from the summary area.
func (s *session) readSummary() {
	fs := s.fs
	raw := make([]byte, fs.Cssize)
	if err := s.disk.readAt(raw, fs.Csaddr*int64(fs.Fsize)); err != nil {
		fatalf(ErrBadSuperblock, "BAD SUMMARY INFORMATION: %v", err)
	}
	s.csums = make([]csum, fs.Ncg)
	if err := binary.Read(bytes.NewReader(raw), s.bo, s.csums); err != nil {
		fatalf(ErrBadSuperblock, "BAD SUMMARY INFORMATION: %v", err)
	}
}

func (s *session) encodeSummary() []byte {
	var buf bytes.Buffer
	writeStruct(&buf, s.bo, s.csums)
	out := make([]byte, s.fs.Cssize)
	copy(out, buf.Bytes())
	return out
}

// installSuperblock points the cache's dedicated superblock slot at the
// primary location so it can be flushed with the other buffers.
func (s *session) installSuperblock() {
	c := s.cache
	c.super.off = s.sbOff
	c.super.blkno = s.sbOff / int64(s.fs.Fsize)
	c.super.size = int(s.fs.Sbsize)
	c.super.data = make([]byte, s.fs.Sbsize)
	c.superSync = func() error {
		return s.disk.writeAt(s.encodeSummary(), s.fs.Csaddr*int64(s.fs.Fsize))
	}
}

// writeSuperblock encodes the in-core superblock into its slot and writes
// it together with the summary area.
func (s *session) writeSuperblock() error {
	b := &s.cache.super
	copy(b.data, encodeSuperblock(s.fs, s.bo, int(s.fs.Sbsize)))
	b.dirty = true
	if err := s.cache.flush(b); err != nil {
		return fmt.Errorf("failed to write superblock: %w", err)
	}
	s.sbDirty = false
	return nil
}

// writeAlternates refreshes the superblock copy of every cylinder group.
func (s *session) writeAlternates() error {
	raw := encodeSuperblock(s.fs, s.bo, int(s.fs.Sbsize))
	for c := uint32(0); c < s.fs.Ncg; c++ {
		if err := s.disk.writeAt(raw, s.fs.cgsblock(c)*int64(s.fs.Fsize)); err != nil {
			return fmt.Errorf("failed to write alternate superblock %d: %w", c, err)
		}
	}
	return nil
}

// superblockFromLayout fills a new superblock from builder geometry.
func superblockFromLayout(l *Layout, cgsize int) *superblock {
	fs := &superblock{}
	frag := l.BlockSize / l.FragSize
	dsize := ufs1DinodeSize
	ptr := 4
	fs.Magic = fsUFS1Magic
	fs.OldInodefmt = fs44InodeFmt
	if l.UFS2 {
		dsize = ufs2DinodeSize
		ptr = 8
		fs.Magic = fsUFS2Magic
	} else if l.OldInodeFormat {
		fs.OldInodefmt = fs42InodeFmt
	}

	gl := l.GetGroupLayout(0)
	fs.Sblkno = int32(gl.Superblock - gl.Base)
	fs.Cblkno = int32(gl.Header - gl.Base)
	fs.Iblkno = int32(gl.InodeTable - gl.Base)
	fs.Dblkno = int32(gl.FirstData - gl.Base)
	fs.OldCgMask = -1
	fs.Ncg = l.GroupCount
	fs.Bsize = l.BlockSize
	fs.Fsize = l.FragSize
	fs.Frag = frag
	fs.Minfree = 5
	fs.Bmask = ^(l.BlockSize - 1)
	fs.Fmask = ^(l.FragSize - 1)
	fs.Bshift = int32(ilog2(l.BlockSize))
	fs.Fshift = int32(ilog2(l.FragSize))
	fs.Maxcontig = maxOf(l.ContigSumSize, 1)
	fs.Maxbpg = l.FragsPerGroup / frag
	fs.Fragshift = int32(ilog2(frag))
	fs.Fsbtodb = int32(ilog2(l.FragSize / devBSize))
	fs.Nindir = l.BlockSize / int32(ptr)
	fs.Inopb = uint32(l.BlockSize) / uint32(dsize)
	fs.Ipg = l.InodesPerGroup
	fs.Fpg = l.FragsPerGroup
	fs.Cgsize = int32(roundup(int64(cgsize), int64(l.FragSize)))
	fs.Sblockloc = l.SuperblockLoc
	fs.Size = l.Size
	fs.Csaddr = gl.FirstData
	fs.Cssize = int32(roundup(int64(l.GroupCount)*16, int64(l.FragSize)))
	fs.Dsize = l.Size
	fs.Time = l.CreatedAt
	fs.Contigsumsize = l.ContigSumSize
	fs.Maxsymlinklen = int32((ndaddr + niaddr) * ptr)
	fs.Maxfilesize = computeMaxFileSize(int64(l.BlockSize), int64(fs.Nindir), l.UFS2)
	fs.Qbmask = int64(^fs.Bmask)
	fs.Qfmask = int64(^fs.Fmask)
	fs.Maxbsize = l.BlockSize
	fs.Avgfilesize = 16384
	fs.Avgfpdir = 64
	fs.Sbsize = int32(roundup(int64(superblockBytes), int64(l.FragSize)))
	if !l.UFS2 {
		fs.OldTime = int32(l.CreatedAt)
		fs.OldSize = int32(l.Size)
		fs.OldDsize = int32(l.Size)
		fs.OldCsaddr = int32(gl.FirstData)
		fs.OldNspf = l.FragSize / devBSize
		fs.OldCpg = 1
		fs.OldNcyl = int32(l.GroupCount)
		fs.OldSpc = l.FragsPerGroup * fs.OldNspf
		fs.OldNsect = fs.OldSpc
		fs.OldRps = 60
		fs.OldInterleave = 1
		fs.OldNrpos = 1
		fs.OldPostblformat = 1
	}
	return fs
}
