package main

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	ffs "github.com/pilat/go-ffs"
)

// fixture records the inodes the damage scenarios aim at.
type fixture struct {
	etc      uint64
	hostname uint64
	home     uint64
	user     uint64
	note     uint64
	big      uint64
	tmp      uint64
}

func buildFullFeaturesFixture(img *ffs.Image) (*fixture, error) {
	fx := &fixture{}
	root := uint64(ffs.RootIno)
	var err error

	if fx.etc, err = img.CreateDirectory(root, "etc", 0o755, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to create /etc: %w", err)
	}
	if fx.hostname, err = img.CreateFile(fx.etc, "hostname", []byte("ffs-fixture\n"), 0o644, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to create /etc/hostname: %w", err)
	}
	if _, err = img.CreateSymlink(fx.etc, "localtime", "/usr/share/zoneinfo/UTC", 0, 0); err != nil {
		return nil, fmt.Errorf("failed to create /etc/localtime: %w", err)
	}

	if fx.home, err = img.CreateDirectory(root, "home", 0o755, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to create /home: %w", err)
	}
	if fx.user, err = img.CreateDirectory(fx.home, "user", 0o700, 1000, 1000); err != nil {
		return nil, fmt.Errorf("failed to create /home/user: %w", err)
	}
	if fx.note, err = img.CreateFile(fx.user, "note.txt", []byte("hello from ffs fixtures\n"), 0o600, 1000, 1000); err != nil {
		return nil, fmt.Errorf("failed to create /home/user/note.txt: %w", err)
	}
	if err := img.Link(fx.user, "note.bak", fx.note); err != nil {
		return nil, fmt.Errorf("failed to link /home/user/note.bak: %w", err)
	}
	if err := img.SetXattr(fx.user, "user.comment", []byte("example user directory")); err != nil {
		return nil, fmt.Errorf("failed to set xattr on /home/user: %w", err)
	}

	// Large enough to need a single indirect block.
	big := bytes.Repeat([]byte("0123456789abcdef"), 16*8192)
	if fx.big, err = img.CreateFile(fx.user, "big.bin", big, 0o644, 1000, 1000); err != nil {
		return nil, fmt.Errorf("failed to create /home/user/big.bin: %w", err)
	}

	dev, err := img.CreateDirectory(root, "dev", 0o755, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create /dev: %w", err)
	}
	if _, err = img.CreateDevice(dev, "null", ffs.TypeChar|0o666, 0x0202, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to create /dev/null: %w", err)
	}
	if _, err = img.CreateDevice(dev, "initctl", ffs.TypeFIFO|0o600, 0, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to create /dev/initctl: %w", err)
	}

	if fx.tmp, err = img.CreateDirectory(root, "tmp", 0o1777, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to create /tmp: %w", err)
	}
	if _, err = img.CreateFile(fx.tmp, "scratch", []byte("scratch\n"), 0o644, 1001, 1001); err != nil {
		return nil, fmt.Errorf("failed to create /tmp/scratch: %w", err)
	}

	return fx, nil
}

// scenarios damage a saved fixture for fsck_ffs to repair.
var scenarios = map[string]func(*ffs.Image, *fixture) error{
	"clean": func(*ffs.Image, *fixture) error { return nil },
	"unclean": func(img *ffs.Image, _ *fixture) error {
		return img.MarkUnclean()
	},
	"link-count": func(img *ffs.Image, fx *fixture) error {
		return img.EditInode(fx.hostname, func(f *ffs.InodeFields) { f.Nlink = 3 })
	},
	"orphan": func(img *ffs.Image, fx *fixture) error {
		return img.RemoveDirEntry(fx.home, "user")
	},
	"dangling": func(img *ffs.Image, fx *fixture) error {
		return img.ClearInode(fx.hostname)
	},
	"dup-block": func(img *ffs.Image, fx *fixture) error {
		blocks, err := img.FileBlocks(fx.big)
		if err != nil {
			return err
		}
		return img.EditInode(fx.note, func(f *ffs.InodeFields) { f.Direct[0] = blocks[0] })
	},
	"free-map": func(img *ffs.Image, fx *fixture) error {
		blocks, err := img.FileBlocks(fx.big)
		if err != nil {
			return err
		}
		return img.SetFragmentFree(blocks[1], true)
	},
	"summary": func(img *ffs.Image, _ *fixture) error {
		return img.AdjustGroupSummary(0, 5)
	},
	"quota": func(img *ffs.Image, _ *fixture) error {
		return img.SetQuotaUsage(0, 1000, 1, 1)
	},
	"cg-magic": func(img *ffs.Image, _ *fixture) error {
		return img.CorruptGroupMagic(1)
	},
	"journal": func(img *ffs.Image, fx *fixture) error {
		blocks, err := img.FileBlocks(fx.hostname)
		if err != nil {
			return err
		}
		data := make([]byte, img.Layout().FragSize)
		copy(data, "replayed-host\n")
		return img.AppendJournal([]ffs.JournalWrite{{Frag: blocks[0], Data: data}}, nil)
	},
}

func scenarioNames() string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
