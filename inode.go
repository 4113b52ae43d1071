package ffs

import (
	"bytes"
)

// dinode is the format-independent view of an on-disk inode. The raw
// record is kept so that fields the check never touches survive a rewrite.
type dinode struct {
	Mode    uint16
	Nlink   int16
	UID     uint32
	GID     uint32
	Size    uint64
	Blocks  uint64 // DEV_BSIZE units
	Atime   int64
	Mtime   int64
	Ctime   int64
	Flags   uint32
	Gen     int32
	DB      [ndaddr]int64
	IB      [niaddr]int64
	Extsize int32
	Extb    [2]int64

	ufs2 bool
	u1   ufs1Dinode
	u2   ufs2Dinode
}

func (s *session) decodeDinode(b []byte) *dinode {
	di := &dinode{ufs2: s.fs.isUFS2()}
	r := bytes.NewReader(b)
	if di.ufs2 {
		readStruct(r, s.bo, &di.u2)
		u := &di.u2
		di.Mode, di.Nlink, di.UID, di.GID = u.Mode, u.Nlink, u.UID, u.GID
		di.Size, di.Blocks = u.Size, u.Blocks
		di.Atime, di.Mtime, di.Ctime = u.Atime, u.Mtime, u.Ctime
		di.Flags, di.Gen = u.Flags, u.Gen
		di.DB, di.IB = u.DB, u.IB
		di.Extsize, di.Extb = u.Extsize, u.Extb
		return di
	}

	readStruct(r, s.bo, &di.u1)
	u := &di.u1
	di.Mode, di.Nlink, di.UID, di.GID = u.Mode, u.Nlink, u.UID, u.GID
	di.Size, di.Blocks = u.Size, uint64(u.Blocks)
	di.Atime, di.Mtime, di.Ctime = int64(u.Atime), int64(u.Mtime), int64(u.Ctime)
	di.Flags, di.Gen = u.Flags, u.Gen
	for i := range u.DB {
		di.DB[i] = int64(u.DB[i])
	}
	for i := range u.IB {
		di.IB[i] = int64(u.IB[i])
	}
	return di
}

func (s *session) encodeDinode(di *dinode, b []byte) {
	var buf bytes.Buffer
	if di.ufs2 {
		u := &di.u2
		u.Mode, u.Nlink, u.UID, u.GID = di.Mode, di.Nlink, di.UID, di.GID
		u.Size, u.Blocks = di.Size, di.Blocks
		u.Atime, u.Mtime, u.Ctime = di.Atime, di.Mtime, di.Ctime
		u.Flags, u.Gen = di.Flags, di.Gen
		u.DB, u.IB = di.DB, di.IB
		u.Extsize, u.Extb = di.Extsize, di.Extb
		writeStruct(&buf, s.bo, u)
	} else {
		u := &di.u1
		u.Mode, u.Nlink, u.UID, u.GID = di.Mode, di.Nlink, di.UID, di.GID
		u.Size, u.Blocks = di.Size, uint32(di.Blocks)
		u.Atime, u.Mtime, u.Ctime = int32(di.Atime), int32(di.Mtime), int32(di.Ctime)
		u.Flags, u.Gen = di.Flags, di.Gen
		for i := range u.DB {
			u.DB[i] = int32(di.DB[i])
		}
		for i := range u.IB {
			u.IB[i] = int32(di.IB[i])
		}
		writeStruct(&buf, s.bo, u)
	}
	copy(b, buf.Bytes())
}

// zeroPointers reports whether no block pointer is set.
func (di *dinode) zeroPointers() bool {
	for _, b := range di.DB {
		if b != 0 {
			return false
		}
	}
	for _, b := range di.IB {
		if b != 0 {
			return false
		}
	}
	return true
}

func (di *dinode) isDir() bool { return di.Mode&ifmt == ifdir }

// isShortLink reports whether a symlink keeps its target inside the
// block pointer area.
func (di *dinode) isShortLink(fs *superblock) bool {
	if di.Mode&ifmt != iflnk {
		return false
	}
	return di.Size < uint64(fs.Maxsymlinklen) || (fs.Maxsymlinklen == 0 && di.Blocks == 0)
}

// pointerBytes returns the block pointer area as raw bytes.
func (s *session) pointerBytes(di *dinode) []byte {
	var buf bytes.Buffer
	if di.ufs2 {
		writeStruct(&buf, s.bo, di.DB)
		writeStruct(&buf, s.bo, di.IB)
	} else {
		for _, p := range di.DB {
			writeStruct(&buf, s.bo, int32(p))
		}
		for _, p := range di.IB {
			writeStruct(&buf, s.bo, int32(p))
		}
	}
	return buf.Bytes()
}

// setPointerBytes stores raw bytes in the block pointer area.
func (s *session) setPointerBytes(di *dinode, raw []byte) {
	area := make([]byte, (ndaddr+niaddr)*s.fs.ptrSize())
	copy(area, raw)
	r := bytes.NewReader(area)
	if di.ufs2 {
		readStruct(r, s.bo, &di.DB)
		readStruct(r, s.bo, &di.IB)
		return
	}
	var p int32
	for i := range di.DB {
		readStruct(r, s.bo, &p)
		di.DB[i] = int64(p)
	}
	for i := range di.IB {
		readStruct(r, s.bo, &p)
		di.IB[i] = int64(p)
	}
}

// inodeSlot returns the pinned inode block holding ino and the byte
// offset of the record inside it.
func (s *session) inodeSlot(ino uint64) (*buffer, int) {
	if ino >= s.maxino {
		fatalf(ErrBadSuperblock, "inode %d out of range", ino)
	}
	b := s.getblk(s.fs.inoToFsba(ino), int(s.fs.Bsize))
	return b, s.fs.inoToFsbo(ino) * s.fs.dinodeSize()
}

// ginode reads inode ino.
func (s *session) ginode(ino uint64) *dinode {
	b, off := s.inodeSlot(ino)
	defer s.cache.release(b)
	return s.decodeDinode(b.bytes()[off : off+s.fs.dinodeSize()])
}

// putInode writes inode ino back through the cache.
func (s *session) putInode(ino uint64, di *dinode) {
	b, off := s.inodeSlot(ino)
	defer s.cache.release(b)
	s.encodeDinode(di, b.bytes()[off:off+s.fs.dinodeSize()])
	s.cache.markDirty(b)
}

// clearInode zeroes the on-disk record of ino.
func (s *session) clearInode(ino uint64) {
	b, off := s.inodeSlot(ino)
	defer s.cache.release(b)
	clear(b.bytes()[off : off+s.fs.dinodeSize()])
	s.cache.markDirty(b)
}

// ftypeOK reports whether the mode names a known file type.
func ftypeOK(mode uint16) bool {
	switch mode & ifmt {
	case ifdir, ifreg, ifblk, ifchr, iflnk, ifsock, ififo:
		return true
	}
	return false
}
