package ffs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/ansel1/merry"
)

// blockIO is the positioned access the log code needs.
type blockIO interface {
	readAt(p []byte, off int64) error
	writeAt(p []byte, off int64) error
}

// journalLog is a WAPBL log area on the device. The two commit headers
// occupy the first two log blocks; the circular record area follows.
// Head and Tail are byte offsets inside the log; records live in
// [Tail, Head) modulo the circular area and the log is empty when they
// are equal.
type journalLog struct {
	dev   blockIO
	bo    binary.ByteOrder
	off   int64 // device byte offset of the log
	size  int64
	bsize int64
}

// openJournal locates the log described by the superblock. The address is
// in DEV_BSIZE units, the count in log blocks.
func openJournal(dev blockIO, bo binary.ByteOrder, fs *superblock) (*journalLog, error) {
	switch fs.JournalLocation {
	case journalLocEndPart, journalLocInFS:
	default:
		return nil, fmt.Errorf("unknown journal location %d", fs.JournalLocation)
	}
	addr := int64(fs.Journallocs[journalLocAddr])
	count := int64(fs.Journallocs[journalLocCount])
	bsize := int64(fs.Journallocs[journalLocBlkSize])
	if bsize < devBSize || !isPowerOf2(bsize) || count < 3 || addr <= 0 {
		return nil, fmt.Errorf("bad journal geometry addr=%d count=%d blksize=%d", addr, count, bsize)
	}
	return &journalLog{dev: dev, bo: bo, off: addr * devBSize, size: count * bsize, bsize: bsize}, nil
}

func (l *journalLog) circOff() int64 { return 2 * l.bsize }

func (l *journalLog) checksum(h wapblHeader) uint32 {
	h.Checksum = 0
	var buf bytes.Buffer
	writeStruct(&buf, l.bo, &h)
	return crc32.ChecksumIEEE(buf.Bytes())
}

// emptyHeader returns the header of a log holding no records.
func (l *journalLog) emptyHeader(gen uint32, now int64) wapblHeader {
	h := wapblHeader{
		Type:         wapblWcHeader,
		Len:          wapblHeaderSize,
		Generation:   gen,
		Time:         uint64(now),
		Version:      wapblVersion,
		LogDevBshift: uint32(ilog2(l.bsize)),
		FsDevBshift:  devBShift,
		CircOff:      l.circOff(),
		CircSize:     l.size - l.circOff(),
	}
	h.Head, h.Tail = h.CircOff, h.CircOff
	return h
}

func (l *journalLog) headerValid(h *wapblHeader) bool {
	end := h.CircOff + h.CircSize
	inCirc := func(p int64) bool { return p >= h.CircOff && p < end && p%l.bsize == 0 }
	return h.Type == wapblWcHeader && h.Version == wapblVersion && h.Len == wapblHeaderSize &&
		h.LogDevBshift == uint32(ilog2(l.bsize)) &&
		h.CircOff == l.circOff() && h.CircSize > 0 && h.CircSize%l.bsize == 0 && end <= l.size &&
		inCirc(h.Head) && inCirc(h.Tail) &&
		h.Checksum == l.checksum(*h)
}

// current returns the valid header with the higher generation.
func (l *journalLog) current() (wapblHeader, error) {
	var best *wapblHeader
	raw := make([]byte, wapblHeaderSize)
	for slot := int64(0); slot < 2; slot++ {
		if err := l.dev.readAt(raw, l.off+slot*l.bsize); err != nil {
			return wapblHeader{}, err
		}
		h := &wapblHeader{}
		readStruct(bytes.NewReader(raw), l.bo, h)
		if !l.headerValid(h) {
			continue
		}
		if best == nil || h.Generation > best.Generation {
			best = h
		}
	}
	if best == nil {
		return wapblHeader{}, fmt.Errorf("no valid journal header")
	}
	return *best, nil
}

// commit writes h into the slot its generation selects.
func (l *journalLog) commit(h wapblHeader) error {
	h.Checksum = l.checksum(h)
	var buf bytes.Buffer
	writeStruct(&buf, l.bo, &h)
	block := make([]byte, l.bsize)
	copy(block, buf.Bytes())
	return l.dev.writeAt(block, l.off+int64(h.Generation%2)*l.bsize)
}

// used returns the bytes held by records.
func (l *journalLog) used(h *wapblHeader) int64 {
	if h.Head >= h.Tail {
		return h.Head - h.Tail
	}
	return h.CircSize - (h.Tail - h.Head)
}

// advance moves pos by n bytes around the circular area.
func (l *journalLog) advance(h *wapblHeader, pos, n int64) int64 {
	pos += n
	end := h.CircOff + h.CircSize
	for pos >= end {
		pos -= h.CircSize
	}
	return pos
}

// readCirc reads len(p) bytes starting at pos, wrapping as needed.
func (l *journalLog) readCirc(h *wapblHeader, pos int64, p []byte) error {
	end := h.CircOff + h.CircSize
	for len(p) > 0 {
		n := minOf(int64(len(p)), end-pos)
		if err := l.dev.readAt(p[:n], l.off+pos); err != nil {
			return err
		}
		p = p[n:]
		pos = l.advance(h, pos, n)
	}
	return nil
}

func (l *journalLog) writeCirc(h *wapblHeader, pos int64, p []byte) error {
	end := h.CircOff + h.CircSize
	for len(p) > 0 {
		n := minOf(int64(len(p)), end-pos)
		if err := l.dev.writeAt(p[:n], l.off+pos); err != nil {
			return err
		}
		p = p[n:]
		pos = l.advance(h, pos, n)
	}
	return nil
}

// journalWrite is one logged block write; Daddr is in DEV_BSIZE units.
type journalWrite struct {
	Daddr int64
	Data  []byte
}

// replayStats describes what a scan of the log found.
type replayStats struct {
	records     int
	revocations int
	inodes      int
}

// scan walks the records from tail to head and returns the surviving
// writes keyed by DEV_BSIZE address, one log block each. Later writes
// replace earlier ones; revocations drop them.
func (l *journalLog) scan(h *wapblHeader) (map[int64][]byte, replayStats, error) {
	var st replayStats
	writes := make(map[int64][]byte)
	perBlock := l.bsize / devBSize
	hdrBlock := make([]byte, l.bsize)

	left := l.used(h)
	pos := h.Tail
	for left > 0 {
		if err := l.readCirc(h, pos, hdrBlock); err != nil {
			return nil, st, err
		}
		var rh wapblRecordHeader
		r := bytes.NewReader(hdrBlock)
		readStruct(r, l.bo, &rh)
		rlen := int64(rh.Len)
		maxEntries := (l.bsize - wapblBlocklistHdrSize) / wapblBlockEntrySize
		if rlen < l.bsize || rlen%l.bsize != 0 || rlen > left || rh.Count < 0 {
			return nil, st, fmt.Errorf("bad record length %d at log offset %d", rh.Len, pos)
		}

		switch rh.Type {
		case wapblWcBlocks:
			if int64(rh.Count) > maxEntries {
				return nil, st, fmt.Errorf("too many block entries %d at log offset %d", rh.Count, pos)
			}
			entries := make([]wapblBlockEntry, rh.Count)
			readStruct(r, l.bo, entries)
			data := l.advance(h, pos, l.bsize)
			total := l.bsize
			for _, e := range entries {
				if e.Dlen <= 0 || int64(e.Dlen)%l.bsize != 0 || e.Daddr < 0 {
					return nil, st, fmt.Errorf("bad block entry daddr=%d len=%d", e.Daddr, e.Dlen)
				}
				total += int64(e.Dlen)
				if total > rlen {
					return nil, st, fmt.Errorf("block entries overrun record at log offset %d", pos)
				}
				for k := int64(0); k < int64(e.Dlen)/l.bsize; k++ {
					chunk := make([]byte, l.bsize)
					if err := l.readCirc(h, data, chunk); err != nil {
						return nil, st, err
					}
					writes[e.Daddr+k*perBlock] = chunk
					data = l.advance(h, data, l.bsize)
				}
			}
		case wapblWcRevocations:
			if int64(rh.Count) > maxEntries {
				return nil, st, fmt.Errorf("too many revocations %d at log offset %d", rh.Count, pos)
			}
			entries := make([]wapblBlockEntry, rh.Count)
			readStruct(r, l.bo, entries)
			for _, e := range entries {
				lo, hi := e.Daddr, e.Daddr+int64(e.Dlen)/devBSize
				for addr := range writes {
					if addr >= lo && addr < hi {
						delete(writes, addr)
					}
				}
			}
			st.revocations += len(entries)
		case wapblWcInodes:
			st.inodes += int(rh.Count)
		default:
			return nil, st, fmt.Errorf("unknown record type %#x at log offset %d", rh.Type, pos)
		}

		st.records++
		pos = l.advance(h, pos, rlen)
		left -= rlen
	}
	return writes, st, nil
}

// replay applies the committed records to the device and commits an empty
// log. It returns the number of blocks written.
func (l *journalLog) replay(now int64) (int, replayStats, error) {
	h, err := l.current()
	if err != nil {
		return 0, replayStats{}, err
	}
	if h.Head == h.Tail {
		return 0, replayStats{}, nil
	}
	writes, st, err := l.scan(&h)
	if err != nil {
		return 0, st, err
	}

	addrs := make([]int64, 0, len(writes))
	for a := range writes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		if err := l.dev.writeAt(writes[a], a*devBSize); err != nil {
			return 0, st, err
		}
	}
	return len(addrs), st, l.commit(l.emptyHeader(h.Generation+1, now))
}

// append logs writes and revocations as one committed transaction.
func (l *journalLog) append(writes []journalWrite, revoked []journalWrite, now int64) error {
	h, err := l.current()
	if err != nil {
		return err
	}
	maxEntries := int((l.bsize - wapblBlocklistHdrSize) / wapblBlockEntrySize)
	if len(writes) > maxEntries || len(revoked) > maxEntries {
		return fmt.Errorf("transaction too large: %d writes, %d revocations", len(writes), len(revoked))
	}

	var blkLen, revLen int64
	entries := make([]wapblBlockEntry, 0, len(writes))
	for _, w := range writes {
		dlen := roundup(int64(len(w.Data)), l.bsize)
		entries = append(entries, wapblBlockEntry{Daddr: w.Daddr, Dlen: int32(dlen)})
		blkLen += dlen
	}
	if len(writes) > 0 {
		blkLen += l.bsize
	}
	if len(revoked) > 0 {
		revLen = l.bsize
	}
	if need := blkLen + revLen; l.used(&h)+need >= h.CircSize {
		return fmt.Errorf("journal full: need %d bytes, %d free", need, h.CircSize-l.used(&h))
	}

	pos := h.Head
	if len(writes) > 0 {
		rh := wapblRecordHeader{Type: wapblWcBlocks, Len: int32(blkLen), Count: int32(len(entries))}
		if err := l.writeCirc(&h, pos, l.recordBlock(&rh, entries)); err != nil {
			return err
		}
		data := l.advance(&h, pos, l.bsize)
		for i, w := range writes {
			buf := make([]byte, entries[i].Dlen)
			copy(buf, w.Data)
			if err := l.writeCirc(&h, data, buf); err != nil {
				return err
			}
			data = l.advance(&h, data, int64(len(buf)))
		}
		pos = data
	}
	if len(revoked) > 0 {
		rev := make([]wapblBlockEntry, 0, len(revoked))
		for _, w := range revoked {
			rev = append(rev, wapblBlockEntry{Daddr: w.Daddr, Dlen: int32(roundup(int64(len(w.Data)), devBSize))})
		}
		rh := wapblRecordHeader{Type: wapblWcRevocations, Len: int32(revLen), Count: int32(len(rev))}
		if err := l.writeCirc(&h, pos, l.recordBlock(&rh, rev)); err != nil {
			return err
		}
		pos = l.advance(&h, pos, l.bsize)
	}

	h.Head = pos
	h.Generation++
	h.Time = uint64(now)
	return l.commit(h)
}

func (l *journalLog) recordBlock(rh *wapblRecordHeader, entries []wapblBlockEntry) []byte {
	var buf bytes.Buffer
	writeStruct(&buf, l.bo, rh)
	writeStruct(&buf, l.bo, entries)
	block := make([]byte, l.bsize)
	copy(block, buf.Bytes())
	return block
}

// replayJournal replays the log before any pass runs. The cache and the
// superblock are reloaded afterwards since the device changed beneath them.
func (s *session) replayJournal() {
	if s.opts.noWrite {
		s.log.Warn("journal not replayed: no-write mode")
		return
	}
	ino := s.fs.Journallocs[journalLocIno]
	l, err := openJournal(s.disk, s.bo, s.fs)
	var n int
	var st replayStats
	if err == nil {
		n, st, err = l.replay(s.opts.clock().Unix())
	}
	if err != nil {
		if !s.reply(ClassJournalFailed, ino, -1, "CONTINUE", "JOURNAL REPLAY FAILED: %v", err) {
			fatal(merry.WithValue(merry.Prependf(ErrJournal, "%v", err), errKeyIno, ino))
		}
		return
	}

	s.log.WithField("blocks", n).WithField("records", st.records).Info("journal replayed")
	if n == 0 && st.records == 0 {
		return
	}
	s.res.JournalReplayed = true
	s.cache.invalidate()
	s.readSuperblock()
	s.installSuperblock()
}
