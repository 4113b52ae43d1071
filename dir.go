package ffs

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// direct is a decoded directory record header plus name.
type direct struct {
	Ino    uint32
	Reclen uint16
	Type   uint8
	Namlen uint8
	Name   string
}

// dirsiz is the space a record with a name of namlen bytes needs.
func dirsiz(namlen int) int {
	return (8 + namlen + 1 + 3) &^ 3
}

// dirEntry is a record visited by a directory walk. raw covers the whole
// record inside the pinned directory block.
type dirEntry struct {
	direct
	raw []byte
	blk int64
	loc int
}

// nameType reads the name length and type of a raw record. Volumes with
// the old inode format store a 16-bit name length instead, whose low byte
// lands on the type byte on little-endian disks.
func (s *session) nameType(raw []byte) (int, uint8) {
	switch {
	case s.newInoFmt:
		return int(raw[7]), raw[6]
	case s.bo == binary.LittleEndian:
		return int(raw[6]), 0
	default:
		return int(raw[7]), 0
	}
}

func (s *session) decodeDirect(raw []byte) direct {
	d := direct{
		Ino:    s.bo.Uint32(raw),
		Reclen: s.bo.Uint16(raw[4:]),
	}
	namlen, typ := s.nameType(raw)
	d.Namlen, d.Type = uint8(namlen), typ
	if 8+namlen <= len(raw) {
		d.Name = string(raw[8 : 8+namlen])
	}
	return d
}

// putDirect writes the header and name of d at the start of raw.
func (s *session) putDirect(raw []byte, d *direct) {
	s.bo.PutUint32(raw, d.Ino)
	s.bo.PutUint16(raw[4:], d.Reclen)
	switch {
	case s.newInoFmt:
		raw[6], raw[7] = d.Type, d.Namlen
	case s.bo == binary.LittleEndian:
		raw[6], raw[7] = d.Namlen, 0
	default:
		raw[6], raw[7] = 0, d.Namlen
	}
	n := copy(raw[8:], d.Name)
	end := minOf(dirsiz(int(d.Namlen)), len(raw))
	clear(raw[8+n : end])
}

func (s *session) setEntryIno(e *dirEntry, ino uint64) {
	s.bo.PutUint32(e.raw, uint32(ino))
	e.Ino = uint32(ino)
}

func (s *session) setEntryType(e *dirEntry, typ uint8) {
	if s.newInoFmt {
		e.raw[6] = typ
	}
	e.Type = typ
}

// rewriteEntry replaces the record with d, keeping its length unless d
// says otherwise.
func (s *session) rewriteEntry(e *dirEntry, d direct) {
	s.putDirect(e.raw, &d)
	e.direct = d
}

// dircheck validates the structure of the record at the start of raw.
// spaceleft is the room left in its directory chunk.
func (s *session) dircheck(raw []byte, spaceleft int, filesize int64) bool {
	if len(raw) < 8 {
		return false
	}
	ino := s.bo.Uint32(raw)
	reclen := int(s.bo.Uint16(raw[4:]))
	if reclen == 0 || reclen > spaceleft || reclen&3 != 0 {
		return false
	}
	if ino == 0 {
		return true
	}
	namlen, typ := s.nameType(raw)
	size := dirsiz(namlen)
	if reclen < size || filesize < int64(size) || namlen == 0 || namlen > maxNameLen || typ > 15 || 8+namlen >= len(raw) {
		return false
	}
	name := raw[8 : 8+namlen]
	if bytes.IndexByte(name, 0) >= 0 || bytes.IndexByte(name, '/') >= 0 {
		return false
	}
	return raw[8+namlen] == 0
}

// dirscan visits the records of one directory block. Damaged records are
// salvaged chunk by chunk: a bad first record turns the chunk into a
// single empty record, a bad later record is absorbed by its predecessor.
func (s *session) dirscan(w *inodeWalk, blk int64, frags int) walkRes {
	blksiz := frags * int(s.fs.Fsize)
	if s.chkrange(blk, frags) {
		w.filesize -= int64(blksiz)
		return wSkip
	}

	b := s.getblk(blk, blksiz)
	defer s.cache.release(b)
	buf := b.bytes()

	for loc := 0; loc < blksiz && w.filesize > 0; {
		if loc%dirBlkSize == 0 && !s.dircheck(buf[loc:], dirBlkSize, w.filesize) {
			if !s.dofix(w, ClassDirCorrupted, blk, "SALVAGE", "DIRECTORY CORRUPTED I=%d DIR=%s", w.ino, s.pathname(w.ino)) {
				loc += dirBlkSize
				w.filesize -= dirBlkSize
				continue
			}
			clear(buf[loc : loc+dirBlkSize])
			s.bo.PutUint16(buf[loc+4:], dirBlkSize)
			s.cache.markDirty(b)
		}

		reclen := int(s.bo.Uint16(buf[loc+4:]))
		next := loc + reclen
		w.filesize -= int64(reclen)

		if next%dirBlkSize != 0 && next < blksiz && w.filesize > 0 &&
			!s.dircheck(buf[next:], dirBlkSize-next%dirBlkSize, w.filesize) {
			rest := dirBlkSize - next%dirBlkSize
			next += rest
			w.filesize -= int64(rest)
			if s.dofix(w, ClassDirCorrupted, blk, "SALVAGE", "DIRECTORY CORRUPTED I=%d DIR=%s", w.ino, s.pathname(w.ino)) {
				reclen += rest
				s.bo.PutUint16(buf[loc+4:], uint16(reclen))
				s.cache.markDirty(b)
			}
		}

		e := &dirEntry{raw: buf[loc : loc+reclen], blk: blk, loc: loc}
		e.direct = s.decodeDirect(e.raw)
		ret := w.entryFn(w, e)
		if ret&wAltered != 0 {
			s.cache.markDirty(b)
		}
		if ret&wStop != 0 {
			return ret
		}
		loc = next
	}

	if w.filesize > 0 {
		return wKeepOn
	}
	return wStop
}

// scanDir runs fn over every record of directory ino without salvaging.
func (s *session) scanDir(ino uint64, fn func(w *inodeWalk, e *dirEntry) walkRes) walkRes {
	di := s.ginode(ino)
	if !di.isDir() {
		return wKeepOn
	}
	w := &inodeWalk{ino: ino, data: true, fix: fixIgnore, entryFn: fn}
	return s.ckinode(di, w)
}

// findino returns the inode named name in directory dir, or 0.
func (s *session) findino(dir uint64, name string) uint64 {
	var found uint64
	s.scanDir(dir, func(_ *inodeWalk, e *dirEntry) walkRes {
		if e.Ino != 0 && e.Name == name && uint64(e.Ino) >= RootIno && uint64(e.Ino) < s.maxino {
			found = uint64(e.Ino)
			return wStop | wFound
		}
		return wKeepOn
	})
	return found
}

// findname returns the name under which dir refers to ino.
func (s *session) findname(dir, ino uint64) string {
	var name string
	s.scanDir(dir, func(_ *inodeWalk, e *dirEntry) walkRes {
		if uint64(e.Ino) == ino && e.Name != "." && e.Name != ".." {
			name = e.Name
			return wStop | wFound
		}
		return wKeepOn
	})
	return name
}

// changeino points the entry name of dir at ino.
func (s *session) changeino(dir uint64, name string, ino uint64) bool {
	return s.scanDir(dir, func(_ *inodeWalk, e *dirEntry) walkRes {
		if e.Ino == 0 || e.Name != name {
			return wKeepOn
		}
		s.setEntryIno(e, ino)
		s.setEntryType(e, s.inos.get(ino).typ)
		return wAltered | wStop
	})&wAltered != 0
}

// clearentry removes the first entry of dir that refers to ino, other
// than '.' and '..'.
func (s *session) clearentry(dir, ino uint64) bool {
	return s.scanDir(dir, func(_ *inodeWalk, e *dirEntry) walkRes {
		if uint64(e.Ino) != ino || e.Name == "." || e.Name == ".." {
			return wKeepOn
		}
		s.setEntryIno(e, 0)
		return wAltered | wStop | wFound
	})&wAltered != 0
}

// mkentry places name -> ino in the slack of record e if it fits.
func (s *session) mkentry(e *dirEntry, ino uint64, name string) walkRes {
	newlen := dirsiz(len(name))
	oldlen := 0
	if e.Ino != 0 {
		oldlen = dirsiz(int(e.Namlen))
	}
	if int(e.Reclen)-oldlen < newlen {
		return wKeepOn
	}

	nd := direct{
		Ino:    uint32(ino),
		Reclen: e.Reclen - uint16(oldlen),
		Namlen: uint8(len(name)),
		Name:   name,
	}
	if s.newInoFmt {
		nd.Type = s.inos.get(ino).typ
	}
	if oldlen > 0 {
		s.bo.PutUint16(e.raw[4:], uint16(oldlen))
	}
	s.putDirect(e.raw[oldlen:], &nd)
	return wAltered | wStop
}

// makeentry adds name -> ino to directory parent, growing the directory
// when it is full.
func (s *session) makeentry(parent, ino uint64, name string) bool {
	if parent < RootIno || parent >= s.maxino || ino < RootIno || ino >= s.maxino {
		return false
	}
	di := s.ginode(parent)
	if di.Size%dirBlkSize != 0 {
		di.Size = roundup(di.Size, dirBlkSize)
		s.putInode(parent, di)
	}

	add := func(_ *inodeWalk, e *dirEntry) walkRes { return s.mkentry(e, ino, name) }
	if s.scanDir(parent, add)&wAltered != 0 {
		return true
	}
	if !s.expanddir(parent) {
		return false
	}
	return s.scanDir(parent, add)&wAltered != 0
}

// emptyChunks fills p with empty directory chunks.
func (s *session) emptyChunks(p []byte) {
	for off := 0; off+dirBlkSize <= len(p); off += dirBlkSize {
		clear(p[off : off+dirBlkSize])
		s.bo.PutUint16(p[off+4:], dirBlkSize)
	}
}

// expanddir grows directory ino by one chunk. A partial last block is
// extended in place when the neighbouring fragments are free, otherwise it
// is moved to a larger run.
func (s *session) expanddir(ino uint64) bool {
	fs := s.fs
	di := s.ginode(ino)
	size := int64(di.Size)
	if size == 0 {
		return false
	}
	lbn := fs.lblkno(size)
	off := fs.blkoff(size)
	if lbn >= ndaddr || (off != 0 && di.DB[lbn] == 0) {
		return false
	}
	if !s.reply(ClassLostFoundFull, ino, -1, "EXPAND", "NO SPACE LEFT IN %s", s.pathname(ino)) {
		return false
	}

	var addFrags int64
	if off == 0 {
		n := int(fs.numfrags(fs.fragroundup(dirBlkSize)))
		blk := s.allocblk(n)
		if blk < 0 {
			return false
		}
		b := s.getblk(blk, n*int(fs.Fsize))
		s.emptyChunks(b.bytes())
		s.cache.markDirty(b)
		s.cache.release(b)
		di.DB[lbn] = blk
		addFrags = int64(n)
	} else {
		have := fs.fragroundup(off)
		if off+dirBlkSize > have {
			oldN := int(fs.numfrags(have))
			newN := int(fs.numfrags(fs.fragroundup(off + dirBlkSize)))
			old := di.DB[lbn]
			blk := s.growFrags(old, oldN, newN)
			if blk < 0 {
				return false
			}
			di.DB[lbn] = blk
			addFrags = int64(newN - oldN)
			have = int64(newN) * int64(fs.Fsize)
		}
		b := s.getblk(di.DB[lbn], int(have))
		s.emptyChunks(b.bytes()[off : off+dirBlkSize])
		s.cache.markDirty(b)
		s.cache.release(b)
	}

	di.Size += dirBlkSize
	di.Blocks += uint64(addFrags * int64(fs.Fsize) / devBSize)
	s.putInode(ino, di)
	s.quota.add(di.UID, di.GID, addFrags*int64(fs.Fsize)/devBSize, 0)
	if n := s.graph.lookup(ino); n != nil {
		n.refresh(di, int64(fs.Bsize))
	}
	return true
}

// growFrags extends the oldN fragments at blk to newN, in place if the
// following fragments of the block are free, otherwise by copying them to
// a new run. Returns the new address or -1.
func (s *session) growFrags(blk int64, oldN, newN int) int64 {
	fs := s.fs
	inPlace := fs.fragnum(blk)+int64(newN) <= int64(fs.Frag)
	for i := oldN; inPlace && i < newN; i++ {
		if s.bmap.test(blk + int64(i)) {
			inPlace = false
		}
	}
	if inPlace {
		for i := oldN; i < newN; i++ {
			s.bmap.set(blk + int64(i))
		}
		s.nblks += int64(newN - oldN)
		if s.pass5Done {
			s.resyncCG(fs.dtog(blk))
		}
		return blk
	}

	nblk := s.allocblk(newN)
	if nblk < 0 {
		return -1
	}
	src := s.getblk(blk, oldN*int(fs.Fsize))
	data := append([]byte(nil), src.bytes()...)
	s.cache.release(src)
	dst := s.getblk(nblk, newN*int(fs.Fsize))
	copy(dst.bytes(), data)
	s.cache.markDirty(dst)
	s.cache.release(dst)
	s.freeblk(blk, oldN)
	return nblk
}

// pathname builds a path for directory ino from the parent links found so
// far. Unknown components are shown as '?'.
func (s *session) pathname(ino uint64) string {
	if ino == RootIno {
		return "/"
	}
	if s.graph == nil || s.inos == nil {
		return "?"
	}
	var parts []string
	seen := make(map[uint64]bool)
	for cur := ino; cur != RootIno; {
		n := s.graph.lookup(cur)
		if n == nil || seen[cur] || len(parts) > 64 {
			parts = append(parts, "?")
			break
		}
		seen[cur] = true
		parent := n.parent
		if parent == 0 && n.dotdot != dotdotBad {
			parent = n.dotdot
		}
		if parent == 0 || parent >= s.maxino || !isDirState(s.inos.get(parent).state) {
			parts = append(parts, "?")
			break
		}
		name := s.findname(parent, cur)
		if name == "" {
			name = "?"
		}
		parts = append(parts, name)
		cur = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// entryPath names an entry of directory dir for messages.
func (s *session) entryPath(dir uint64, name string) string {
	p := s.pathname(dir)
	if strings.HasSuffix(p, "/") {
		return p + name
	}
	return p + "/" + name
}
