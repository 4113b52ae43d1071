package ffs

import (
	"errors"
	"fmt"
)

var errNoInodes = errors.New("no free inodes")

// newDinode returns an in-core inode stamped with the creation time.
func (b *builder) newDinode(mode uint16, uid, gid uint32) *dinode {
	now := b.layout.CreatedAt
	return &dinode{
		Mode:  mode,
		UID:   uid,
		GID:   gid,
		Atime: now,
		Mtime: now,
		Ctime: now,
		ufs2:  b.s.fs.isUFS2(),
	}
}

// commitInode writes di as ino and charges it to its owners' quotas.
func (b *builder) commitInode(ino uint64, di *dinode) {
	b.s.putInode(ino, di)
	b.s.quota.add(di.UID, di.GID, int64(di.Blocks), 1)
}

// enter links a freshly committed inode into parent, releasing it when the
// directory cannot take the entry.
func (b *builder) enter(parent, ino uint64, name string) error {
	if !b.s.makeentry(parent, ino, name) {
		b.s.releaseInode(ino)
		return fmt.Errorf("no space for %q in directory %d", name, parent)
	}
	return nil
}

// createNode allocates a non-directory inode, lets fill complete it and
// enters it as parent/name.
func (b *builder) createNode(parent uint64, name string, mode uint16, uid, gid uint32, fill func(di *dinode) error) (uint64, error) {
	var ino uint64
	err := b.run(func() error {
		if err := b.checkDir(parent); err != nil {
			return err
		}
		if err := b.checkName(parent, name); err != nil {
			return err
		}
		s := b.s
		ino = s.claimInode(0, mode)
		if ino == 0 {
			return errNoInodes
		}
		di := b.newDinode(mode, uid, gid)
		di.Nlink = 1
		ferr := fill(di)
		b.commitInode(ino, di)
		if ferr != nil {
			s.releaseInode(ino)
			return ferr
		}
		return b.enter(parent, ino, name)
	})
	if err != nil {
		return 0, err
	}
	return ino, nil
}

func (b *builder) createFile(parent uint64, name string, content []byte, mode uint16, uid, gid uint32) (uint64, error) {
	return b.createNode(parent, name, ifreg|mode&0o7777, uid, gid, func(di *dinode) error {
		return b.writeData(di, content)
	})
}

// createSymlink stores a target shorter than the pointer area in the inode
// itself and anything longer in data fragments.
func (b *builder) createSymlink(parent uint64, name, target string, uid, gid uint32) (uint64, error) {
	if target == "" || len(target) >= int(b.s.fs.Bsize) {
		return 0, fmt.Errorf("invalid symlink target length %d", len(target))
	}
	return b.createNode(parent, name, iflnk|0o777, uid, gid, func(di *dinode) error {
		s := b.s
		if len(target) < int(s.fs.Maxsymlinklen) {
			s.setPointerBytes(di, []byte(target))
			di.Size = uint64(len(target))
			return nil
		}
		return b.writeData(di, []byte(target))
	})
}

func (b *builder) createDevice(parent uint64, name string, mode uint16, rdev uint32, uid, gid uint32) (uint64, error) {
	switch mode & ifmt {
	case ifchr, ifblk:
	case ififo, ifsock:
		if rdev != 0 {
			return 0, errors.New("fifos and sockets take no device number")
		}
	default:
		return 0, fmt.Errorf("mode %o is not a device, fifo or socket", mode)
	}
	return b.createNode(parent, name, mode, uid, gid, func(di *dinode) error {
		di.DB[0] = int64(int32(rdev))
		return nil
	})
}

// readFile returns the content of a regular file or the target of a
// symlink.
func (b *builder) readFile(ino uint64) ([]byte, error) {
	if err := b.checkInode(ino); err != nil {
		return nil, err
	}
	var out []byte
	err := b.run(func() error {
		s := b.s
		fs := s.fs
		di := s.ginode(ino)
		switch di.Mode & ifmt {
		case ifreg, iflnk:
		default:
			return fmt.Errorf("inode %d is not a regular file or symlink", ino)
		}
		if di.isShortLink(fs) {
			out = []byte(s.shortLinkTarget(di))
			return nil
		}

		addrs, counts := b.fileBlocks(ino)
		for i, blk := range addrs {
			out = append(out, b.readFrags(blk, counts[i])...)
		}
		if uint64(len(out)) < di.Size {
			return fmt.Errorf("inode %d: %d of %d bytes mapped", ino, len(out), di.Size)
		}
		out = out[:di.Size]
		return nil
	})
	return out, err
}

func (b *builder) stat(ino uint64) (FileInfo, error) {
	if err := b.checkInode(ino); err != nil {
		return FileInfo{}, err
	}
	var fi FileInfo
	err := b.run(func() error {
		di := b.s.ginode(ino)
		fi = FileInfo{
			Ino:    ino,
			Mode:   di.Mode,
			Nlink:  di.Nlink,
			UID:    di.UID,
			GID:    di.GID,
			Size:   di.Size,
			Blocks: di.Blocks,
		}
		return nil
	})
	return fi, err
}

// link adds another name for a non-directory inode.
func (b *builder) link(parent uint64, name string, ino uint64) error {
	return b.run(func() error {
		if err := b.checkDir(parent); err != nil {
			return err
		}
		if err := b.checkInode(ino); err != nil {
			return err
		}
		if isDirState(b.s.inos.get(ino).state) {
			return fmt.Errorf("inode %d is a directory", ino)
		}
		if err := b.checkName(parent, name); err != nil {
			return err
		}
		s := b.s
		if !s.makeentry(parent, ino, name) {
			return fmt.Errorf("no space for %q in directory %d", name, parent)
		}
		di := s.ginode(ino)
		di.Nlink++
		s.putInode(ino, di)
		return nil
	})
}
