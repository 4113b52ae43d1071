package ffs

import (
	"errors"
	"fmt"
)

// createDirectory allocates a directory holding '.' and '..' and enters
// it in parent.
func (b *builder) createDirectory(parent uint64, name string, mode uint16, uid, gid uint32) (uint64, error) {
	var ino uint64
	err := b.run(func() error {
		if err := b.checkDir(parent); err != nil {
			return err
		}
		if err := b.checkName(parent, name); err != nil {
			return err
		}
		s := b.s
		ino = s.allocdir(parent, 0, mode&0o7777)
		if ino == 0 {
			return errNoInodes
		}
		if uid != 0 || gid != 0 {
			di := s.ginode(ino)
			s.quota.add(di.UID, di.GID, -int64(di.Blocks), -1)
			di.UID, di.GID = uid, gid
			b.commitInode(ino, di)
		}
		if !s.makeentry(parent, ino, name) {
			b.unlinkDir(parent, ino)
			return fmt.Errorf("no space for %q in directory %d", name, parent)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ino, nil
}

// unlinkDir releases directory ino and drops the '..' link it held on
// parent.
func (b *builder) unlinkDir(parent, ino uint64) {
	s := b.s
	pdi := s.ginode(parent)
	pdi.Nlink--
	s.putInode(parent, pdi)
	s.graph.attach(ino, 0)
	s.releaseInode(ino)
}

func (b *builder) lookup(dir uint64, name string) (uint64, error) {
	var ino uint64
	err := b.run(func() error {
		if err := b.checkDir(dir); err != nil {
			return err
		}
		ino = b.s.findino(dir, name)
		if ino == 0 {
			return fmt.Errorf("entry %q not found in directory %d", name, dir)
		}
		return nil
	})
	return ino, err
}

func (b *builder) readDir(dir uint64) ([]DirEntry, error) {
	var out []DirEntry
	err := b.run(func() error {
		if err := b.checkDir(dir); err != nil {
			return err
		}
		b.s.scanDir(dir, func(_ *inodeWalk, e *dirEntry) walkRes {
			if e.Ino != 0 {
				out = append(out, DirEntry{Name: e.Name, Ino: uint64(e.Ino), Type: e.Type})
			}
			return wKeepOn
		})
		return nil
	})
	return out, err
}

// removeEntry deletes the record named name from dir. A record that is not
// the first of its chunk is merged into its predecessor; the first one is
// only marked unused.
func (b *builder) removeEntry(dir uint64, name string) bool {
	s := b.s
	var prev dirEntry
	havePrev := false
	return s.scanDir(dir, func(_ *inodeWalk, e *dirEntry) walkRes {
		sameChunk := havePrev && prev.blk == e.blk && prev.loc/dirBlkSize == e.loc/dirBlkSize
		if e.Ino == 0 || e.Name != name {
			prev, havePrev = *e, true
			return wKeepOn
		}
		if sameChunk {
			s.bo.PutUint16(prev.raw[4:], prev.Reclen+e.Reclen)
		} else {
			s.setEntryIno(e, 0)
		}
		return wAltered | wStop
	})&wAltered != 0
}

// deleteEntry removes parent/name and frees the inode once its last name
// is gone. Directories must be empty.
func (b *builder) deleteEntry(parent uint64, name string) error {
	return b.run(func() error {
		if err := b.checkDir(parent); err != nil {
			return err
		}
		if name == "." || name == ".." || (parent == RootIno && name == lostFoundDir) {
			return fmt.Errorf("cannot delete %q", name)
		}
		s := b.s
		ino := s.findino(parent, name)
		if ino == 0 {
			return fmt.Errorf("entry %q not found in directory %d", name, parent)
		}

		if isDirState(s.inos.get(ino).state) {
			if !b.dirEmpty(ino) {
				return fmt.Errorf("directory %q is not empty", name)
			}
			if !b.removeEntry(parent, name) {
				return errors.New("failed to remove directory entry")
			}
			b.unlinkDir(parent, ino)
			return nil
		}

		if !b.removeEntry(parent, name) {
			return errors.New("failed to remove directory entry")
		}
		di := s.ginode(ino)
		di.Nlink--
		if di.Nlink > 0 {
			s.putInode(ino, di)
			return nil
		}
		s.releaseInode(ino)
		return nil
	})
}

// dirEmpty reports whether dir holds nothing but '.' and '..'.
func (b *builder) dirEmpty(dir uint64) bool {
	return b.s.scanDir(dir, func(_ *inodeWalk, e *dirEntry) walkRes {
		if e.Ino != 0 && e.Name != "." && e.Name != ".." {
			return wStop | wFound
		}
		return wKeepOn
	})&wFound == 0
}

// deleteDirectory removes a directory tree bottom-up.
func (b *builder) deleteDirectory(parent uint64, name string) error {
	ino, err := b.lookup(parent, name)
	if err != nil {
		return err
	}
	if err := b.checkDir(ino); err != nil {
		return err
	}
	entries, err := b.readDir(ino)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if isDirState(b.s.inos.get(e.Ino).state) {
			err = b.deleteDirectory(ino, e.Name)
		} else {
			err = b.deleteEntry(ino, e.Name)
		}
		if err != nil {
			return err
		}
	}
	return b.deleteEntry(parent, name)
}
