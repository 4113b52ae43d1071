// Package ffs checks and repairs UNIX Fast File System (UFS1/UFS2) volumes.
// It implements the classic multi-pass consistency check over a raw block
// device: journal replay, block and size accounting, directory validation,
// orphan reconnection, link count resolution, cylinder group reconstruction
// and quota v2 validation. It also carries a small newfs-like image builder
// used to produce fixtures.
//
// Example usage:
//
//	dev, err := ffs.OpenDevice("disk.img", false)
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//
//	res, err := ffs.NewChecker(dev, ffs.WithPreen()).Run()
//	if err != nil {
//		return err
//	}
//	os.Exit(res.ExitCode())
package ffs

const (
	// Device geometry
	devBSize  = 512
	devBShift = 9

	// Superblock placement
	sblockSize  = 8192
	sblockUFS1  = 8192
	sblockUFS2  = 65536
	sblockPiggy = 262144

	minBSize = 4096
	maxBSize = 65536

	// Magic numbers
	fsUFS1Magic = 0x011954
	fsUFS2Magic = 0x19540119
	cgMagic     = 0x090255
	q2HeadMagic = 0xffa5a5a5

	// Block pointers per inode
	ndaddr = 12
	niaddr = 3

	// Reserved inodes
	ufsWINO = 1
	RootIno = 2

	// Directory geometry
	dirBlkSize = 512
	maxNameLen = 255
	minDirSize = 24 // "." and ".." templates

	fsMaxContig = 16

	// Inode formats
	fs42InodeFmt = -1
	fs44InodeFmt = 2

	// fs_clean
	fsIsClean  = 0x01
	fsWasClean = 0x02

	// fs_flags
	fsUnclean    = 0x001
	fsDoSoftDep  = 0x002
	fsNeedsFsck  = 0x004
	fsMultiLabel = 0x020
	fsFlagsUpd   = 0x080
	fsDoWAPBL    = 0x100
	fsDoQuota2   = 0x200

	// Abandon thresholds for bad and duplicate block claims
	maxBad = 10
	maxDup = 10

	// Buffer pool sizing
	maxBufSpace = 40 * 1024
	minBufs     = 10
)

// Inode mode bits.
const (
	ifmt   = 0o170000
	ififo  = 0o010000
	ifchr  = 0o020000
	ifdir  = 0o040000
	ifblk  = 0o060000
	ifreg  = 0o100000
	iflnk  = 0o120000
	ifsock = 0o140000
	ifwht  = 0o160000
)

// Directory entry types.
const (
	dtUnknown = 0
	dtFifo    = 1
	dtChr     = 2
	dtDir     = 4
	dtBlk     = 6
	dtReg     = 8
	dtLnk     = 10
	dtSock    = 12
	dtWht     = 14
)

// Journal location and layout.
const (
	wapblVersion = 1

	journalLocNone        = 0
	journalLocEndPart     = 1
	journalLocInFS        = 2
	journalLocAddr        = 0
	journalLocCount       = 1
	journalLocBlkSize     = 2
	journalLocIno         = 3
	wapblWcHeader         = 0x5741424c // "WABL"
	wapblWcBlocks         = 0x5741424b // "WABK"
	wapblWcRevocations    = 0x5741424f // "WABO"
	wapblWcInodes         = 0x57414249 // "WABI"
	wapblHeaderSize       = 80
	wapblBlocklistHdrSize = 16
	wapblBlockEntrySize   = 16
	wapblInodeEntrySize   = 8
)

// Quota types.
const (
	quotaUser  = 0
	quotaGroup = 1
	maxQuotas  = 2

	qlBlock = 0
	qlFile  = 1

	q2EntrySize = 96
	q2HeaderFix = 112
)

// ============================================================================
// On-disk structures
// ============================================================================

// csum is the per-cylinder-group summary stored in the superblock summary
// area and embedded in every cylinder group header.
type csum struct {
	Ndir   int32
	Nbfree int32
	Nifree int32
	Nffree int32
}

// csumTotal is the 64-bit filesystem-wide summary kept in the superblock.
type csumTotal struct {
	Ndir        int64
	Nbfree      int64
	Nifree      int64
	Nffree      int64
	Numclusters int64
	Spare       [3]int64
}

// superblock is the on-disk FFS superblock. Fields carrying in-core
// pointers in the kernel are kept as opaque padding so the record has the
// same length for both UFS1 and UFS2.
type superblock struct {
	FirstField      int32      // 0x000
	Unused1         int32      // 0x004
	Sblkno          int32      // 0x008: offset of alternate superblock in cg, frags
	Cblkno          int32      // 0x00C: offset of cg header, frags
	Iblkno          int32      // 0x010: offset of inode table, frags
	Dblkno          int32      // 0x014: first data frag after cg
	OldCgOffset     int32      // 0x018
	OldCgMask       int32      // 0x01C
	OldTime         int32      // 0x020
	OldSize         int32      // 0x024
	OldDsize        int32      // 0x028
	Ncg             uint32     // 0x02C
	Bsize           int32      // 0x030
	Fsize           int32      // 0x034
	Frag            int32      // 0x038
	Minfree         int32      // 0x03C
	OldRotdelay     int32      // 0x040
	OldRps          int32      // 0x044
	Bmask           int32      // 0x048
	Fmask           int32      // 0x04C
	Bshift          int32      // 0x050
	Fshift          int32      // 0x054
	Maxcontig       int32      // 0x058
	Maxbpg          int32      // 0x05C
	Fragshift       int32      // 0x060
	Fsbtodb         int32      // 0x064
	Sbsize          int32      // 0x068
	Spare1          [2]int32   // 0x06C
	Nindir          int32      // 0x074
	Inopb           uint32     // 0x078
	OldNspf         int32      // 0x07C
	Optim           int32      // 0x080
	OldNpsect       int32      // 0x084
	OldInterleave   int32      // 0x088
	OldTrackskew    int32      // 0x08C
	ID              [2]int32   // 0x090
	OldCsaddr       int32      // 0x098
	Cssize          int32      // 0x09C
	Cgsize          int32      // 0x0A0
	Spare2          int32      // 0x0A4
	OldNsect        int32      // 0x0A8
	OldSpc          int32      // 0x0AC
	OldNcyl         int32      // 0x0B0
	OldCpg          int32      // 0x0B4
	Ipg             uint32     // 0x0B8
	Fpg             int32      // 0x0BC
	OldCstotal      csum       // 0x0C0
	Fmod            int8       // 0x0D0
	Clean           uint8      // 0x0D1
	Ronly           int8       // 0x0D2
	OldFlags        uint8      // 0x0D3
	Fsmnt           [468]byte  // 0x0D4
	Volname         [32]byte   // 0x2A8
	Swuid           uint64     // 0x2C8
	Pad             int32      // 0x2D0
	Cgrotor         int32      // 0x2D4
	Ocsp            [28]uint32 // 0x2D8
	Incore          [4]uint32  // 0x348
	OldCpc          int32      // 0x358
	Maxbsize        int32      // 0x35C
	Unrefs          int64      // 0x360
	Sparecon64      [16]int64  // 0x368
	Sblockloc       int64      // 0x3E8
	Cstotal         csumTotal  // 0x3F0
	Time            int64      // 0x430
	Size            int64      // 0x438: frags
	Dsize           int64      // 0x440
	Csaddr          int64      // 0x448
	Pendingblocks   int64      // 0x450
	Pendinginodes   uint32     // 0x458
	Snapinum        [20]uint32 // 0x45C
	Avgfilesize     uint32     // 0x4AC
	Avgfpdir        uint32     // 0x4B0
	SaveCgsize      int32      // 0x4B4
	Sparecon32      [26]int32  // 0x4B8
	JournalVersion  uint32     // 0x520
	JournalLocation uint8      // 0x524
	JournalReserved [3]uint8   // 0x525
	JournalFlags    uint32     // 0x528
	Journallocs     [4]uint64  // 0x52C
	QuotaMagic      uint32     // 0x54C
	QuotaFlags      uint8      // 0x550
	QuotaReserved   [3]uint8   // 0x551
	Quotafile       [2]uint64  // 0x554
	Sparecon64b     [9]int64   // 0x564
	Flags           int32      // 0x5AC
	Contigsumsize   int32      // 0x5B0
	Maxsymlinklen   int32      // 0x5B4
	OldInodefmt     int32      // 0x5B8
	Maxfilesize     uint64     // 0x5BC
	Qbmask          int64      // 0x5C4
	Qfmask          int64      // 0x5CC
	State           int32      // 0x5D4
	OldPostblformat int32      // 0x5D8
	OldNrpos        int32      // 0x5DC
	Spare5          [2]int32   // 0x5E0
	Magic           int32      // 0x5E8
}

// cgHeader is the fixed part of an on-disk cylinder group block (168 bytes).
// The inode-used bitmap, free fragment bitmap and cluster tables follow at
// the recorded offsets.
type cgHeader struct {
	FirstField    int32    // 0x00
	Magic         int32    // 0x04
	OldTime       int32    // 0x08
	Cgx           uint32   // 0x0C
	OldNcyl       int16    // 0x10
	OldNiblk      int16    // 0x12
	Ndblk         uint32   // 0x14: frags in this cg
	Cs            csum     // 0x18
	Rotor         uint32   // 0x28
	Frotor        uint32   // 0x2C
	Irotor        uint32   // 0x30
	Frsum         [8]int32 // 0x34: counts of free fragment runs by length
	OldBtotoff    int32    // 0x54
	OldBoff       int32    // 0x58
	Iusedoff      uint32   // 0x5C
	Freeoff       uint32   // 0x60
	Nextfreeoff   uint32   // 0x64
	Clustersumoff uint32   // 0x68
	Clusteroff    uint32   // 0x6C
	Nclusterblks  uint32   // 0x70
	Niblk         uint32   // 0x74
	Initediblk    uint32   // 0x78
	Unrefs        uint32   // 0x7C
	Sparecon32    [2]int32 // 0x80
	Time          int64    // 0x88
	Sparecon64    [3]int64 // 0x90
}

const cgHeaderSize = 168

// ufs1Dinode is the 128-byte UFS1 inode record.
type ufs1Dinode struct {
	Mode      uint16    // 0x00
	Nlink     int16     // 0x02
	OldIDs    [2]uint16 // 0x04
	Size      uint64    // 0x08
	Atime     int32     // 0x10
	Atimensec int32     // 0x14
	Mtime     int32     // 0x18
	Mtimensec int32     // 0x1C
	Ctime     int32     // 0x20
	Ctimensec int32     // 0x24
	DB        [ndaddr]int32
	IB        [niaddr]int32
	Flags     uint32 // 0x64
	Blocks    uint32 // 0x68
	Gen       int32  // 0x6C
	UID       uint32 // 0x70
	GID       uint32 // 0x74
	Modrev    uint64 // 0x78
}

// ufs2Dinode is the 256-byte UFS2 inode record.
type ufs2Dinode struct {
	Mode          uint16   // 0x00
	Nlink         int16    // 0x02
	UID           uint32   // 0x04
	GID           uint32   // 0x08
	Blksize       uint32   // 0x0C
	Size          uint64   // 0x10
	Blocks        uint64   // 0x18
	Atime         int64    // 0x20
	Mtime         int64    // 0x28
	Ctime         int64    // 0x30
	Birthtime     int64    // 0x38
	Mtimensec     int32    // 0x40
	Atimensec     int32    // 0x44
	Ctimensec     int32    // 0x48
	Birthnsec     int32    // 0x4C
	Gen           int32    // 0x50
	Kernflags     uint32   // 0x54
	Flags         uint32   // 0x58
	Extsize       int32    // 0x5C
	Extb          [2]int64 // 0x60
	DB            [ndaddr]int64
	IB            [niaddr]int64
	Modrev        uint64    // 0xE8
	Freelink      uint32    // 0xF0
	Spare         [3]uint32 // 0xF4
}

const (
	ufs1DinodeSize = 128
	ufs2DinodeSize = 256
)

// wapblHeader is the WAPBL commit header. Two copies live at the start of
// the log area and the one with the higher generation is current.
type wapblHeader struct {
	Type         uint32
	Len          int32
	Checksum     uint32
	Generation   uint32
	Fsid         [2]int32
	Time         uint64
	Timensec     uint32
	Version      uint32
	LogDevBshift uint32
	FsDevBshift  uint32
	CircOff      int64
	CircSize     int64
	Head         int64
	Tail         int64
}

// wapblRecordHeader starts every log record.
type wapblRecordHeader struct {
	Type  uint32
	Len   int32
	Count int32
	Aux   int32 // unused for block lists, clear flag for inode lists
}

// wapblBlockEntry describes one logged write inside a block list record.
type wapblBlockEntry struct {
	Daddr  int64
	Unused int32
	Dlen   int32
}

// quota2Val holds one limit/usage tuple of a quota entry.
type quota2Val struct {
	Hardlimit uint64
	Softlimit uint64
	Cur       uint64
	Time      int64
	Grace     int64
}

// quota2Entry is a 96-byte quota v2 record. Next is a file byte offset of
// the following entry on the same list, 0 terminates the list.
type quota2Entry struct {
	Val  [2]quota2Val
	Next uint64
	UID  uint32
	Pad  uint32
}

// quota2Header starts a quota v2 file. The hash bucket array follows it.
type quota2Header struct {
	Magic     uint32
	Type      uint8
	HashShift uint8
	HashSize  uint16
	DefEntry  quota2Entry
	Free      uint64
}
