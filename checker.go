package ffs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Checker runs the consistency check of one volume.
type Checker struct {
	dev  Device
	opts *options

	pass  atomic.Int32
	group atomic.Uint32
	ncg   atomic.Uint32
}

// NewChecker prepares a check of dev.
func NewChecker(dev Device, opts ...Option) *Checker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Checker{dev: dev, opts: o}
}

// Progress is a snapshot of how far a running check has come.
type Progress struct {
	Pass   Pass
	Group  uint32
	Groups uint32
}

func (p Progress) String() string {
	if p.Groups == 0 {
		return p.Pass.String()
	}
	return fmt.Sprintf("%s: cylinder group %d of %d (%d%%)", p.Pass, p.Group, p.Groups, p.Group*100/p.Groups)
}

// Progress may be called from any goroutine while Run is in progress.
func (c *Checker) Progress() Progress {
	return Progress{
		Pass:   Pass(c.pass.Load()),
		Group:  c.group.Load(),
		Groups: c.ncg.Load(),
	}
}

// session is the state of one run. Every pass reads and updates it; it is
// never shared between goroutines.
type session struct {
	chk    *Checker
	opts   *options
	log    logrus.FieldLogger
	policy Policy
	disk   *diskBackend
	cache  *bufCache

	bo         binary.ByteOrder
	fs         *superblock
	sbOff      int64
	sbDirty    bool
	csums      []csum
	newInoFmt  bool
	maxfsblock int64
	maxino     uint64

	bmap      *blockMap
	inos      *inoStatus
	graph     *inodeGraph
	dups      *dupSet
	zln       map[uint64]bool  // inodes found with a zero link count
	abandoned map[uint64]int64 // inode -> pointers visited before pass 1 gave up
	quota     *quotaUsage
	nblks     int64

	journalIno uint64
	quotaIno   [maxQuotas]uint64

	lfdir     uint64
	pass      Pass
	passIdx   int
	pass5Done bool
	res       *Result
}

func (c *Checker) newSession() *session {
	runID := uuid.New().String()
	logger := c.opts.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &session{
		chk:       c,
		opts:      c.opts,
		log:       logger.WithField("run", runID),
		zln:       make(map[uint64]bool),
		abandoned: make(map[uint64]int64),
		dups:      newDupSet(),
		graph:     newInodeGraph(),
		res: &Result{
			RunID:      runID,
			Duplicates: make(map[int64][]uint64),
			RootDevice: c.opts.rootDevice,
		},
		passIdx: -1,
	}

	switch {
	case c.opts.noWrite:
		s.policy = noWritePolicy{}
	case c.opts.policy != nil:
		s.policy = c.opts.policy
	case c.opts.preen:
		s.policy = Preen()
	default:
		s.policy = AssumeNo()
	}
	return s
}

// Run checks the volume and returns what was found and repaired. A fatal
// condition ends the run early with an error; the partial result is still
// returned.
func (c *Checker) Run() (*Result, error) {
	s := c.newSession()
	err := s.run()
	if s.disk != nil {
		s.res.Modified = s.disk.writes > 0
	}
	if err != nil {
		s.log.WithError(err).Error("check failed")
		return s.res, err
	}
	return s.res, nil
}

func (s *session) run() (err error) {
	defer recoverFatal(&err)

	s.beginPass(PassSetup)
	if skip := s.setup(); skip {
		return nil
	}

	s.beginPass(Pass1)
	s.pass1()
	if s.dups.len() > 0 {
		s.beginPass(Pass1b)
		s.pass1b()
	}
	s.beginPass(Pass2)
	s.pass2()
	s.beginPass(Pass3)
	s.pass3()
	s.beginPass(Pass4)
	s.pass4()
	s.beginPass(Pass5)
	s.pass5()
	if s.quotasEnabled() {
		s.beginPass(Pass6)
		s.pass6()
	}

	s.beginPass(PassFinish)
	return s.finish()
}

// setup opens the volume and prepares the in-memory tables. It returns
// true when the check is skipped.
func (s *session) setup() bool {
	secsize, fstype, err := s.opts.labels.Label(s.chk.dev)
	if err != nil {
		fatalf(ErrIO, "cannot read disk label: %v", err)
	}
	if secsize <= 0 {
		secsize = devBSize
	}
	if fstype != "" && fstype != "4.2BSD" {
		s.warn(ClassSuperblock, 0, -1, "PARTITION TYPE %q IS NOT 4.2BSD", fstype)
	}

	s.disk = newDiskBackend(s.chk.dev, s.opts.noWrite)
	s.readSuperblock()
	s.cache = newBufCache(s.disk, int(s.fs.Bsize), int(s.fs.Fsize), secsize, s.opts.bufSpace)
	s.installSuperblock()
	s.cache.readFailed = func(blkno int64, errs int) {
		s.warn(ClassReadError, 0, blkno, "CANNOT READ: BLK %d (%d SECTORS ZERO-FILLED)", blkno, errs)
	}
	s.cache.allowZeroed = func(b *buffer) bool {
		return s.reply(ClassWriteZeroedBlock, 0, b.blkno, "WRITE", "BLK %d WAS PARTIALLY UNREADABLE", b.blkno)
	}
	s.chk.ncg.Store(s.fs.Ncg)

	s.log.WithFields(logrus.Fields{
		"ufs2":  s.fs.isUFS2(),
		"bsize": s.fs.Bsize,
		"fsize": s.fs.Fsize,
		"ncg":   s.fs.Ncg,
		"order": s.bo.String(),
	}).Info("superblock found")

	if s.fs.Flags&fsDoWAPBL != 0 {
		s.beginPass(PassJournal)
		s.replayJournal()
	}

	if s.opts.preen && !s.opts.force && s.fs.Clean&fsIsClean != 0 && s.fs.Flags&(fsNeedsFsck|fsUnclean) == 0 {
		s.log.Info("file system is clean; skipping check")
		s.res.Skipped = true
		return true
	}

	s.initTables()
	return false
}

// initTables sizes the block map and inode tables from the superblock.
func (s *session) initTables() {
	fs := s.fs
	s.bmap = newBlockMap(s.maxfsblock)
	s.inos = newInoStatus(fs.Ncg, fs.Ipg)
	s.markReserved()
	s.nblks = s.bmap.used()

	if fs.JournalLocation == journalLocInFS {
		s.journalIno = fs.Journallocs[journalLocIno]
	}
	if fs.Flags&fsDoQuota2 != 0 {
		s.quota = newQuotaUsage()
		for t := 0; t < maxQuotas; t++ {
			if fs.QuotaFlags&(1<<uint(t)) != 0 {
				s.quotaIno[t] = fs.Quotafile[t]
				s.quota.enabled[t] = true
			}
		}
	}
}

func (s *session) beginPass(p Pass) {
	s.pass = p
	s.chk.pass.Store(int32(p))
	s.chk.group.Store(0)
	s.res.Passes = append(s.res.Passes, PassResult{Pass: p})
	s.passIdx = len(s.res.Passes) - 1
	if p != PassSetup && p != PassFinish {
		s.log.Infof("** %s", p)
	}
}

func (s *session) progressGroup(c uint32) { s.chk.group.Store(c) }

func (s *session) record(d Defect) {
	if s.passIdx < 0 {
		return
	}
	pr := &s.res.Passes[s.passIdx]
	pr.Defects = append(pr.Defects, d)
}

func (s *session) defectLog(d Defect) *logrus.Entry {
	fields := logrus.Fields{"pass": int(d.Pass), "class": d.Class.String()}
	if d.Ino != 0 {
		fields["ino"] = d.Ino
	}
	if d.Block >= 0 {
		fields["blk"] = d.Block
	}
	return s.log.WithFields(fields)
}

// reply proposes a repair and returns whether it may be applied.
func (s *session) reply(class DefectClass, ino uint64, blk int64, action, format string, args ...interface{}) bool {
	d := Defect{
		Pass:    s.pass,
		Class:   class,
		Ino:     ino,
		Block:   blk,
		Message: fmt.Sprintf(format, args...),
		Action:  action,
	}

	dec := s.policy.Decide(d)
	d.Applied = dec == Apply
	s.record(d)
	s.defectLog(d).Warn(d.String())

	if dec == Abort {
		err := merry.Prependf(ErrAborted, "%s: UNEXPECTED INCONSISTENCY; RUN fsck_ffs MANUALLY", d.Message)
		if ino != 0 {
			err = merry.WithValue(err, errKeyIno, ino)
		}
		if blk >= 0 {
			err = merry.WithValue(err, errKeyBlock, blk)
		}
		fatal(err)
	}
	return d.Applied
}

// warn records a finding that needs no decision.
func (s *session) warn(class DefectClass, ino uint64, blk int64, format string, args ...interface{}) {
	d := Defect{Pass: s.pass, Class: class, Ino: ino, Block: blk, Message: fmt.Sprintf(format, args...)}
	s.record(d)
	s.defectLog(d).Warn(d.Message)
}

// getblk returns a pinned buffer or aborts the run.
func (s *session) getblk(blkno int64, size int) *buffer {
	b, err := s.cache.get(blkno, size)
	if err != nil {
		fatal(merry.WithValue(err, errKeyBlock, blkno))
	}
	return b
}

// flushAll writes every dirty buffer and the superblock if it changed.
func (s *session) flushAll() error {
	var failed error
	for _, b := range s.cache.dirtyBuffers() {
		if err := s.cache.flush(b); err != nil {
			if errors.Is(err, errZeroedBuffer) {
				continue
			}
			failed = err
		}
	}
	if failed != nil {
		return failed
	}
	if s.sbDirty {
		return s.writeSuperblock()
	}
	return nil
}

// finish writes back every pending change, marks the volume clean when
// nothing was left unresolved and fills in the summary.
func (s *session) finish() error {
	if n := s.cache.pinned(); n != 0 {
		s.log.WithField("pinned", n).Debug("buffers still pinned at finish")
	}

	if !s.opts.noWrite {
		if s.res.Resolved() && (s.fs.Clean&fsIsClean == 0 || s.fs.Flags&(fsNeedsFsck|fsUnclean) != 0) {
			s.warn(ClassCleanFlag, 0, -1, "MARKING FILE SYSTEM CLEAN")
			s.fs.Clean = fsIsClean
			s.fs.Flags &^= fsNeedsFsck | fsUnclean
			s.sbDirty = true
			s.res.MarkedClean = true
		}
		if s.sbDirty {
			s.fs.Time = s.opts.clock().Unix()
			if !s.fs.isUFS2() {
				s.fs.OldTime = int32(s.fs.Time)
			}
		}
		modified := s.disk.writes > 0 || s.sbDirty || len(s.cache.dirtyBuffers()) > 0
		if err := s.flushAll(); err != nil {
			return fmt.Errorf("failed to flush buffers: %w", err)
		}
		if modified {
			if err := s.writeAlternates(); err != nil {
				return err
			}
		}
		if err := s.disk.sync(); err != nil {
			return err
		}
	}

	s.res.Summary = s.summary()
	s.log.Info(s.res.Summary.String())
	return nil
}

func (s *session) summary() Summary {
	fs := s.fs
	sum := Summary{
		UsedFrags:  s.bmap.used(),
		FreeFrags:  fs.Cstotal.Nffree,
		FreeBlocks: fs.Cstotal.Nbfree,
		TotalFrags: fs.Dsize,
	}
	s.inos.each(func(ino uint64, info *inoInfo) {
		switch {
		case ino < RootIno:
		case isDirState(info.state):
			sum.Directories++
			sum.Files++
		case info.state != stUnalloc:
			sum.Files++
		}
	})
	if fs.Dsize > 0 {
		sum.Fragmentation = float64(sum.FreeFrags) * 100 / float64(fs.Dsize)
	}
	return sum
}
