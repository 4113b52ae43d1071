package ffs

import (
	"bytes"
	"sort"
)

var quotaNames = [maxQuotas]string{"USER", "GROUP"}

// quotaCount is the usage accumulated for one id.
type quotaCount struct {
	blocks int64 // DEV_BSIZE units
	inodes int64
}

// quotaUsage accumulates per-id usage while inodes are scanned. A nil
// receiver ignores every update, so callers need not check whether quotas
// are enabled.
type quotaUsage struct {
	enabled [maxQuotas]bool
	ids     [maxQuotas]map[uint32]*quotaCount
}

func newQuotaUsage() *quotaUsage {
	q := &quotaUsage{}
	for t := range q.ids {
		q.ids[t] = make(map[uint32]*quotaCount)
	}
	return q
}

// add charges blocks and inodes to the user uid and the group gid.
func (q *quotaUsage) add(uid, gid uint32, blocks, inodes int64) {
	if q == nil {
		return
	}
	for t, id := range [maxQuotas]uint32{uid, gid} {
		if !q.enabled[t] {
			continue
		}
		c := q.ids[t][id]
		if c == nil {
			c = &quotaCount{}
			q.ids[t][id] = c
		}
		c.blocks += blocks
		c.inodes += inodes
	}
}

// get returns the usage of id, zero when nothing was charged.
func (q *quotaUsage) get(t int, id uint32) quotaCount {
	if c := q.ids[t][id]; c != nil {
		return quotaCount{blocks: maxOf(c.blocks, 0), inodes: maxOf(c.inodes, 0)}
	}
	return quotaCount{}
}

func (s *session) quotasEnabled() bool {
	return s.quota != nil && (s.quota.enabled[quotaUser] || s.quota.enabled[quotaGroup])
}

// q2HashShift is the bucket count exponent of a new quota file: the bucket
// array takes at most half of the first block.
func q2HashShift(bsize int32) uint8 {
	n := (int(bsize)/2 - q2HeaderFix) / 8
	return uint8(ilog2(n))
}

// q2FirstEntry is the offset of the first entry in block 0.
func q2FirstEntry(hashSize uint16) int {
	return q2HeaderFix + 8*int(hashSize)
}

// q2Bucket returns the bucket of id.
func q2Bucket(id uint32, hashSize uint16) int {
	return int(id & uint32(hashSize-1))
}

// quotaFile is an in-memory copy of one quota v2 file. Changes are made to
// the copy and written back through the cache by save.
type quotaFile struct {
	s     *session
	t     int
	ino   uint64
	di    *dinode
	bsize int

	data  []byte
	blks  []int64
	dirty bool

	hdr     quota2Header
	buckets []uint64
}

// loadQuotaFile reads the quota file of type t. It returns nil when the
// file has no usable first block.
func (s *session) loadQuotaFile(t int, ino uint64) *quotaFile {
	fs := s.fs
	q := &quotaFile{s: s, t: t, ino: ino, di: s.ginode(ino), bsize: int(fs.Bsize)}
	w := &inodeWalk{ino: ino, fix: fixIgnore}
	w.addrFn = func(w *inodeWalk, blk int64, frags int) walkRes {
		if w.ext || w.level > 0 {
			return wKeepOn
		}
		if s.chkrange(blk, frags) || frags != int(fs.Frag) {
			return wStop
		}
		b := s.getblk(blk, q.bsize)
		q.data = append(q.data, b.bytes()...)
		s.cache.release(b)
		q.blks = append(q.blks, blk)
		return wKeepOn
	}
	s.ckinode(q.di, w)

	if uint64(len(q.data)) > q.di.Size {
		n := int(q.di.Size) / q.bsize
		q.data, q.blks = q.data[:n*q.bsize], q.blks[:n]
	}
	if len(q.blks) == 0 {
		return nil
	}
	q.decodeHeader()
	return q
}

func (q *quotaFile) decodeHeader() {
	r := bytes.NewReader(q.data)
	readStruct(r, q.s.bo, &q.hdr)
	q.buckets = nil
	if q.headerValid() {
		q.buckets = make([]uint64, q.hdr.HashSize)
		readStruct(r, q.s.bo, q.buckets)
	}
}

func (q *quotaFile) encodeHeader() {
	var buf bytes.Buffer
	writeStruct(&buf, q.s.bo, &q.hdr)
	writeStruct(&buf, q.s.bo, q.buckets)
	copy(q.data, buf.Bytes())
	q.dirty = true
}

func (q *quotaFile) headerValid() bool {
	h := &q.hdr
	return h.Magic == q2HeadMagic && int(h.Type) == q.t &&
		h.HashSize != 0 && h.HashShift < 16 && h.HashSize == 1<<h.HashShift &&
		q2FirstEntry(h.HashSize)+q2EntrySize <= q.bsize
}

// resetHeader replaces a damaged header. Every entry becomes unlisted, so
// the structural check relinks or frees them.
func (q *quotaFile) resetHeader() {
	shift := q2HashShift(int32(q.bsize))
	q.hdr = quota2Header{Magic: q2HeadMagic, Type: uint8(q.t), HashShift: shift, HashSize: 1 << shift}
	q.buckets = make([]uint64, q.hdr.HashSize)
	q.encodeHeader()
}

// validOffset reports whether off addresses an entry slot.
func (q *quotaFile) validOffset(off uint64) bool {
	if off == 0 || off+q2EntrySize > uint64(len(q.data)) {
		return false
	}
	in := int(off % uint64(q.bsize))
	base := 0
	if off < uint64(q.bsize) {
		base = q2FirstEntry(q.hdr.HashSize)
	}
	return in >= base && (in-base)%q2EntrySize == 0 && in+q2EntrySize <= q.bsize
}

// slots returns every entry slot of the file in offset order.
func (q *quotaFile) slots() []uint64 {
	var out []uint64
	for blk := 0; blk < len(q.blks); blk++ {
		base := 0
		if blk == 0 {
			base = q2FirstEntry(q.hdr.HashSize)
		}
		for in := base; in+q2EntrySize <= q.bsize; in += q2EntrySize {
			out = append(out, uint64(blk*q.bsize+in))
		}
	}
	return out
}

func (q *quotaFile) entry(off uint64) quota2Entry {
	var e quota2Entry
	readStruct(bytes.NewReader(q.data[off:off+q2EntrySize]), q.s.bo, &e)
	return e
}

func (q *quotaFile) putEntry(off uint64, e *quota2Entry) {
	var buf bytes.Buffer
	writeStruct(&buf, q.s.bo, e)
	copy(q.data[off:off+q2EntrySize], buf.Bytes())
	q.dirty = true
}

// qlink is a list pointer: a header slot (bucket, or -1 for the free list)
// when entry is 0, otherwise the next field of the entry at that offset.
type qlink struct {
	entry  uint64
	bucket int
}

func (q *quotaFile) get(l qlink) uint64 {
	switch {
	case l.entry != 0:
		return q.entry(l.entry).Next
	case l.bucket < 0:
		return q.hdr.Free
	}
	return q.buckets[l.bucket]
}

func (q *quotaFile) set(l qlink, v uint64) {
	switch {
	case l.entry != 0:
		e := q.entry(l.entry)
		e.Next = v
		q.putEntry(l.entry, &e)
	case l.bucket < 0:
		q.hdr.Free = v
		q.encodeHeader()
	default:
		q.buckets[l.bucket] = v
		q.encodeHeader()
	}
}

// push puts the entry at off at the head of list l.
func (q *quotaFile) push(l qlink, off uint64) {
	e := q.entry(off)
	e.Next = q.get(l)
	q.putEntry(off, &e)
	q.set(l, off)
}

// free zeroes the entry at off and puts it on the free list.
func (q *quotaFile) free(off uint64) {
	q.putEntry(off, &quota2Entry{})
	q.push(qlink{bucket: -1}, off)
}

func entryEmpty(e *quota2Entry) bool {
	z := *e
	z.Next = 0
	return z == quota2Entry{}
}

// checkStructure walks the free list and every bucket. Each entry must be
// on exactly one list and every listed entry in the bucket of its id. It
// returns the offsets of the listed entries by id.
func (q *quotaFile) checkStructure() map[uint32]uint64 {
	s := q.s
	name := quotaNames[q.t]
	listFix := &inodeWalk{ino: q.ino}
	hashFix := &inodeWalk{ino: q.ino}
	dupFix := &inodeWalk{ino: q.ino}
	lostFix := &inodeWalk{ino: q.ino}

	seen := make(map[uint64]bool)
	byID := make(map[uint32]uint64)
	var misplaced, dups []uint64

	walk := func(head qlink) {
		prev := head
		for off := q.get(prev); off != 0; off = q.get(prev) {
			if !q.validOffset(off) || seen[off] {
				if s.dofix(listFix, ClassQuotaStructure, -1, "FIX", "BAD %s QUOTA LIST AT OFFSET %d", name, off) {
					q.set(prev, 0)
				}
				return
			}
			seen[off] = true
			if head.bucket < 0 {
				prev = qlink{entry: off}
				continue
			}

			e := q.entry(off)
			switch {
			case q2Bucket(e.UID, q.hdr.HashSize) != head.bucket:
				if s.dofix(hashFix, ClassQuotaStructure, -1, "RELINK", "%s QUOTA ENTRY FOR ID %d IN WRONG HASH BUCKET", name, e.UID) {
					q.set(prev, e.Next)
					misplaced = append(misplaced, off)
					continue
				}
			case byID[e.UID] != 0:
				if s.dofix(dupFix, ClassQuotaStructure, -1, "CLEAR", "DUPLICATE %s QUOTA ENTRY FOR ID %d", name, e.UID) {
					q.set(prev, e.Next)
					dups = append(dups, off)
					continue
				}
			default:
				byID[e.UID] = off
			}
			prev = qlink{entry: off}
		}
	}

	walk(qlink{bucket: -1})
	for b := range q.buckets {
		walk(qlink{bucket: b})
	}

	for _, off := range misplaced {
		e := q.entry(off)
		if byID[e.UID] != 0 {
			q.free(off)
			continue
		}
		q.push(qlink{bucket: q2Bucket(e.UID, q.hdr.HashSize)}, off)
		byID[e.UID] = off
	}
	for _, off := range dups {
		q.free(off)
	}

	for _, off := range q.slots() {
		if seen[off] {
			continue
		}
		if !s.dofix(lostFix, ClassQuotaStructure, -1, "FIX", "%s QUOTA ENTRY AT OFFSET %d NOT IN ANY LIST", name, off) {
			continue
		}
		e := q.entry(off)
		if entryEmpty(&e) || byID[e.UID] != 0 {
			q.free(off)
			continue
		}
		q.push(qlink{bucket: q2Bucket(e.UID, q.hdr.HashSize)}, off)
		byID[e.UID] = off
	}
	return byID
}

// checkUsage corrects stored usage and adds entries for ids that have
// usage but no entry. It returns true when the file had to grow, which
// changes the usage of the file's owner.
func (q *quotaFile) checkUsage(byID map[uint32]uint64) (grew bool) {
	s := q.s
	name := quotaNames[q.t]
	fix := &inodeWalk{ino: q.ino}

	for _, id := range sortedIDs(byID) {
		off := byID[id]
		want := s.quota.get(q.t, id)
		e := q.entry(off)
		b, i := e.Val[qlBlock].Cur, e.Val[qlFile].Cur
		if b == uint64(want.blocks) && i == uint64(want.inodes) {
			continue
		}
		if !s.dofix(fix, ClassQuotaUsage, -1, "FIX", "%s QUOTA MISMATCH FOR ID %d: %d/%d SHOULD BE %d/%d",
			name, id, b, i, want.blocks, want.inodes) {
			continue
		}
		e.Val[qlBlock].Cur, e.Val[qlFile].Cur = uint64(want.blocks), uint64(want.inodes)
		q.putEntry(off, &e)
	}

	for _, id := range sortedIDs(s.quota.ids[q.t]) {
		want := s.quota.get(q.t, id)
		if byID[id] != 0 || (want.blocks == 0 && want.inodes == 0) {
			continue
		}
		if !s.reply(ClassQuotaUsage, q.ino, -1, "ALLOCATE", "NO %s QUOTA ENTRY FOR ID %d", name, id) {
			continue
		}
		if q.hdr.Free == 0 {
			if !q.extend() {
				s.cannotFix(ClassQuotaUsage, q.ino, "CANNOT EXTEND %s QUOTA FILE", name)
				return grew
			}
			grew = true
		}
		off := q.hdr.Free
		next := q.entry(off).Next
		q.set(qlink{bucket: -1}, next)

		e := q.hdr.DefEntry
		e.UID = id
		e.Val[qlBlock].Cur, e.Val[qlFile].Cur = uint64(want.blocks), uint64(want.inodes)
		q.putEntry(off, &e)
		q.push(qlink{bucket: q2Bucket(id, q.hdr.HashSize)}, off)
		byID[id] = off
	}
	return grew
}

// extend appends a block of free entries to the file.
func (q *quotaFile) extend() bool {
	s := q.s
	fs := s.fs
	lbn := len(q.blks)
	if lbn >= ndaddr+int(fs.Nindir) {
		return false
	}
	frags := int64(fs.Frag)
	var added int64

	var ind *buffer
	if lbn >= ndaddr {
		if q.di.IB[0] == 0 {
			blk := s.allocblk(int(frags))
			if blk < 0 {
				return false
			}
			b := s.getblk(blk, q.bsize)
			clear(b.bytes())
			s.cache.markDirty(b)
			s.cache.release(b)
			q.di.IB[0] = blk
			added += frags
		}
		ind = s.getblk(q.di.IB[0], q.bsize)
		defer s.cache.release(ind)
	}

	blk := s.allocblk(int(frags))
	if blk < 0 {
		return false
	}
	added += frags
	if ind != nil {
		s.setIblkPtr(ind, lbn-ndaddr, blk)
		s.cache.markDirty(ind)
	} else {
		q.di.DB[lbn] = blk
	}

	q.blks = append(q.blks, blk)
	q.data = append(q.data, make([]byte, q.bsize)...)
	q.di.Size = uint64(len(q.data))
	q.di.Blocks += uint64(added * int64(fs.Fsize) / devBSize)
	s.putInode(q.ino, q.di)
	s.quota.add(q.di.UID, q.di.GID, added*int64(fs.Fsize)/devBSize, 0)

	start := uint64(lbn * q.bsize)
	for off := start + uint64((q.bsize/q2EntrySize-1)*q2EntrySize); ; off -= q2EntrySize {
		q.free(off)
		if off == start {
			break
		}
	}
	s.log.WithField("ino", q.ino).Debugf("%s quota file extended to %d bytes", quotaNames[q.t], q.di.Size)
	return true
}

// save writes the changed copy back through the cache.
func (q *quotaFile) save() {
	if !q.dirty {
		return
	}
	s := q.s
	for i, blk := range q.blks {
		b := s.getblk(blk, q.bsize)
		copy(b.bytes(), q.data[i*q.bsize:(i+1)*q.bsize])
		s.cache.markDirty(b)
		s.cache.release(b)
	}
	q.dirty = false
}

func sortedIDs[V any](m map[uint32]V) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}
