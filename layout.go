package ffs

import (
	"fmt"
	"math"
	"math/bits"
)

// Layout contains the geometry parameters chosen for a new filesystem.
// It is the input from which the builder derives a superblock, and the
// checker reports it back for a probed volume.
type Layout struct {
	UFS2            bool
	Size            int64 // filesystem size in fragments
	BlockSize       int32
	FragSize        int32
	FragsPerGroup   int32
	InodesPerGroup  uint32
	GroupCount      uint32
	SuperblockLoc   int64
	ContigSumSize   int32
	OldInodeFormat  bool
	CreatedAt       int64
	DeviceBlockSize int
}

// GroupLayout holds the fragment positions of the metadata of one
// cylinder group.
type GroupLayout struct {
	Base           int64 // first fragment of the group
	Superblock     int64 // alternate superblock
	Header         int64 // cylinder group block
	InodeTable     int64
	FirstData      int64
	FragsInGroup   int64 // last group may be shorter
	OverheadFrags  int64
	SummaryFrags   int64 // summary area, group 0 only
	DataBeforeMeta int64 // frags before the alternate superblock usable for data
}

// CalculateLayout derives the group count and checks that every group can
// hold its metadata. sizeBytes is the size of the filesystem area.
func CalculateLayout(sizeBytes int64, ufs2 bool, bsize, fsize, fpg int32, ipg uint32) (*Layout, error) {
	if bsize < minBSize || bsize > maxBSize || !isPowerOf2(bsize) {
		return nil, fmt.Errorf("invalid block size %d", bsize)
	}
	if fsize < devBSize || fsize > bsize || !isPowerOf2(fsize) || bsize/fsize > 8 {
		return nil, fmt.Errorf("invalid fragment size %d for block size %d", fsize, bsize)
	}
	frag := bsize / fsize
	if fpg <= 0 || fpg%frag != 0 {
		return nil, fmt.Errorf("frags per group %d must be a positive multiple of %d", fpg, frag)
	}

	dinodeSize := uint32(ufs1DinodeSize)
	sbloc := int64(sblockUFS1)
	if ufs2 {
		dinodeSize = ufs2DinodeSize
		sbloc = sblockUFS2
	}
	inopb := uint32(bsize) / dinodeSize
	if ipg == 0 || ipg%inopb != 0 || ipg%8 != 0 {
		return nil, fmt.Errorf("inodes per group %d must be a multiple of %d and 8", ipg, inopb)
	}

	totalFrags := (sizeBytes / int64(fsize)) &^ (int64(frag) - 1)
	ncg := howmany(totalFrags, int64(fpg))

	l := &Layout{
		UFS2:            ufs2,
		Size:            totalFrags,
		BlockSize:       bsize,
		FragSize:        fsize,
		FragsPerGroup:   fpg,
		InodesPerGroup:  ipg,
		GroupCount:      uint32(ncg),
		SuperblockLoc:   sbloc,
		DeviceBlockSize: devBSize,
	}

	// A short trailing group must at least hold its own metadata plus one block.
	last := l.GetGroupLayout(l.GroupCount - 1)
	if last.FragsInGroup < last.OverheadFrags+int64(frag) {
		if l.GroupCount == 1 {
			return nil, fmt.Errorf("filesystem too small: %d bytes", sizeBytes)
		}
		l.GroupCount--
		l.Size = int64(l.GroupCount) * int64(fpg)
	}

	first := l.GetGroupLayout(0)
	if first.FirstData+first.SummaryFrags >= int64(fpg) {
		return nil, fmt.Errorf("cylinder group too small: %d frags hold %d of metadata", fpg, first.FirstData)
	}

	if cgSizeFor(l) > int(bsize) {
		return nil, fmt.Errorf("cylinder group header does not fit in one block")
	}

	return l, nil
}

func (l *Layout) frag() int64 { return int64(l.BlockSize / l.FragSize) }

// sblkno returns the fragment offset of the alternate superblock within a group.
func (l *Layout) sblkno() int64 {
	return roundup(howmany(l.SuperblockLoc+sblockSize, int64(l.FragSize)), l.frag())
}

func (l *Layout) inodeTableFrags() int64 {
	dsize := int64(ufs1DinodeSize)
	if l.UFS2 {
		dsize = ufs2DinodeSize
	}
	return int64(l.InodesPerGroup) * dsize / int64(l.FragSize)
}

// GetGroupLayout calculates where the metadata of a cylinder group lives.
func (l *Layout) GetGroupLayout(cg uint32) GroupLayout {
	base := int64(cg) * int64(l.FragsPerGroup)
	gl := GroupLayout{Base: base}

	gl.FragsInGroup = int64(l.FragsPerGroup)
	if rest := l.Size - base; rest < gl.FragsInGroup {
		gl.FragsInGroup = rest
	}

	sb := l.sblkno()
	gl.Superblock = base + sb
	gl.Header = gl.Superblock + roundup(howmany(int64(sblockSize), int64(l.FragSize)), l.frag())
	gl.InodeTable = gl.Header + l.frag()
	gl.FirstData = gl.InodeTable + l.inodeTableFrags()
	gl.OverheadFrags = gl.FirstData - base

	if cg == 0 {
		gl.SummaryFrags = howmany(int64(l.GroupCount)*16, int64(l.FragSize))
	} else {
		gl.DataBeforeMeta = sb
		gl.OverheadFrags -= sb
	}

	return gl
}

// String returns a human-readable description of the layout.
func (l *Layout) String() string {
	format := "UFS1"
	if l.UFS2 {
		format = "UFS2"
	}
	return fmt.Sprintf(`Filesystem Layout:
  Format: %s
  Block size: %d, fragment size: %d
  Size: %d frags
  Cylinder groups: %d
  Frags per group: %d
  Inodes per group: %d`,
		format,
		l.BlockSize, l.FragSize,
		l.Size,
		l.GroupCount,
		l.FragsPerGroup,
		l.InodesPerGroup)
}

// ============================================================================
// Superblock geometry helpers
// ============================================================================

func (fs *superblock) isUFS2() bool { return fs.Magic == fsUFS2Magic }

func (fs *superblock) dinodeSize() int {
	if fs.isUFS2() {
		return ufs2DinodeSize
	}
	return ufs1DinodeSize
}

func (fs *superblock) cgbase(c uint32) int64 { return int64(fs.Fpg) * int64(c) }

// cgstart ignores the historical UFS1 rotational stagger, which newer
// volumes always record as zero.
func (fs *superblock) cgstart(c uint32) int64 {
	if fs.isUFS2() {
		return fs.cgbase(c)
	}
	return fs.cgbase(c) + int64(fs.OldCgOffset)*int64(c&uint32(^fs.OldCgMask))
}

func (fs *superblock) cgsblock(c uint32) int64 { return fs.cgstart(c) + int64(fs.Sblkno) }
func (fs *superblock) cgtod(c uint32) int64    { return fs.cgstart(c) + int64(fs.Cblkno) }
func (fs *superblock) cgimin(c uint32) int64   { return fs.cgstart(c) + int64(fs.Iblkno) }
func (fs *superblock) cgdmin(c uint32) int64   { return fs.cgstart(c) + int64(fs.Dblkno) }

func (fs *superblock) dtog(d int64) uint32 { return uint32(d / int64(fs.Fpg)) }
func (fs *superblock) dtogd(d int64) int64 { return d % int64(fs.Fpg) }

func (fs *superblock) inoToCg(ino uint64) uint32 { return uint32(ino / uint64(fs.Ipg)) }

// inoToFsba returns the fragment address of the block holding an inode.
func (fs *superblock) inoToFsba(ino uint64) int64 {
	c := fs.inoToCg(ino)
	return fs.cgimin(c) + fs.blkstofrags(int64((ino%uint64(fs.Ipg))/uint64(fs.Inopb)))
}

// inoToFsbo returns the index of an inode inside its block.
func (fs *superblock) inoToFsbo(ino uint64) int { return int(ino % uint64(fs.Inopb)) }

func (fs *superblock) blkstofrags(b int64) int64 { return b << uint(fs.Fragshift) }
func (fs *superblock) numfrags(n int64) int64    { return n >> uint(fs.Fshift) }
func (fs *superblock) lblkno(n int64) int64      { return n >> uint(fs.Bshift) }
func (fs *superblock) blkoff(n int64) int64      { return n & int64(^fs.Bmask) }
func (fs *superblock) fragoff(n int64) int64     { return n & int64(^fs.Fmask) }
func (fs *superblock) fragnum(d int64) int64     { return d % int64(fs.Frag) }
func (fs *superblock) lblktosize(b int64) int64  { return b << uint(fs.Bshift) }

func (fs *superblock) fragroundup(n int64) int64 {
	return (n + int64(^fs.Fmask)) & int64(fs.Fmask)
}

// sblksize returns the allocated size of logical block lbn of a file.
func (fs *superblock) sblksize(size int64, lbn int64) int64 {
	if lbn >= ndaddr || size >= (lbn+1)<<uint(fs.Bshift) {
		return int64(fs.Bsize)
	}
	return fs.fragroundup(fs.blkoff(size))
}

// fsbtodb converts a fragment address to a device block (DEV_BSIZE) address.
func (fs *superblock) fsbtodb(f int64) int64 { return f << uint(fs.Fsbtodb) }

func (fs *superblock) maxIno() uint64 { return uint64(fs.Ncg) * uint64(fs.Ipg) }

// nindirLevels returns the number of data blocks addressed by each indirect level.
func (fs *superblock) nindirLevels() [niaddr]int64 {
	var lv [niaddr]int64
	n := int64(1)
	for i := range lv {
		n = mulCap(n, int64(fs.Nindir))
		lv[i] = n
	}
	return lv
}

// computeMaxFileSize mirrors the newfs calculation of the largest file the
// block pointers of one inode can map.
func computeMaxFileSize(bsize, nindir int64, ufs2 bool) uint64 {
	blocks := int64(ndaddr)
	n := int64(1)
	for i := 0; i < niaddr; i++ {
		n = mulCap(n, nindir)
		blocks = addCap(blocks, n)
	}
	size := mulCap(blocks, bsize)
	if !ufs2 {
		// 32-bit block pointers in fragment units
		limit := mulCap(int64(math.MaxInt32), bsize)
		if size > limit {
			size = limit
		}
	}
	return uint64(size) - 1
}

func mulCap(a, b int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(lo)
}

func addCap(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
