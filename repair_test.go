package ffs_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ffs "github.com/pilat/go-ffs"
)

// TestRepairs damages a saved image, lets the checker repair it with -y
// and expects a second read-only run to find nothing.
func TestRepairs(t *testing.T) {
	testCases := []struct {
		name   string
		opts   []ffs.ImageOption
		damage func(t *testing.T, img *ffs.Image, tr *tree)
		class  ffs.DefectClass
		pass   ffs.Pass
	}{
		{
			name: "link count too high",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.EditInode(tr.hostname, func(f *ffs.InodeFields) { f.Nlink = 3 }))
			},
			class: ffs.ClassLinkCount,
			pass:  ffs.Pass4,
		},
		{
			name: "link count too low",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.EditInode(tr.note, func(f *ffs.InodeFields) { f.Nlink = 1 }))
			},
			class: ffs.ClassLinkCountIncrease,
			pass:  ffs.Pass4,
		},
		{
			name: "orphaned directory",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.RemoveDirEntry(tr.home, "user"))
			},
			class: ffs.ClassOrphanDir,
			pass:  ffs.Pass3,
		},
		{
			name: "unreferenced file",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.RemoveDirEntry(tr.tmp, "scratch"))
			},
			class: ffs.ClassUnref,
			pass:  ffs.Pass4,
		},
		{
			name: "entry to a cleared inode",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.ClearInode(tr.hostname))
			},
			class: ffs.ClassUnallocatedEntry,
			pass:  ffs.Pass2,
		},
		{
			name: "entry retargeted at a directory",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.RetargetDirEntry(tr.etc, "hostname", tr.tmp))
			},
			class: ffs.ClassExtraneousLink,
			pass:  ffs.Pass2,
		},
		{
			name: "block claimed twice",
			opts: []ffs.ImageOption{ffs.WithUFS2()},
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				blocks, err := img.FileBlocks(tr.big)
				require.NoError(t, err)
				require.NoError(t, img.EditInode(tr.note, func(f *ffs.InodeFields) { f.Direct[0] = blocks[3] }))
			},
			class: ffs.ClassDupBlock,
			pass:  ffs.Pass1,
		},
		{
			name: "block pointer out of range",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.EditInode(tr.hostname, func(f *ffs.InodeFields) { f.Direct[0] = 1 << 30 }))
			},
			class: ffs.ClassBadBlock,
			pass:  ffs.Pass1,
		},
		{
			name: "wrong block count",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.EditInode(tr.big, func(f *ffs.InodeFields) { f.Blocks += 16 }))
			},
			class: ffs.ClassBlockCount,
			pass:  ffs.Pass1,
		},
		{
			name: "used block marked free",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				blocks, err := img.FileBlocks(tr.big)
				require.NoError(t, err)
				require.NoError(t, img.SetFragmentFree(blocks[1], true))
			},
			class: ffs.ClassCylinderGroup,
			pass:  ffs.Pass5,
		},
		{
			name: "free inode marked used",
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.SetInodeUsed(200, true))
			},
			class: ffs.ClassCylinderGroup,
			pass:  ffs.Pass5,
		},
		{
			name: "summary drift",
			damage: func(t *testing.T, img *ffs.Image, _ *tree) {
				require.NoError(t, img.AdjustGroupSummary(1, 5))
			},
			class: ffs.ClassSummary,
			pass:  ffs.Pass5,
		},
		{
			name: "cylinder group magic",
			damage: func(t *testing.T, img *ffs.Image, _ *tree) {
				require.NoError(t, img.CorruptGroupMagic(1))
			},
			class: ffs.ClassBadCylinderGroup,
			pass:  ffs.Pass5,
		},
		{
			name: "quota usage",
			opts: []ffs.ImageOption{ffs.WithUFS2(), ffs.WithQuota(true, true)},
			damage: func(t *testing.T, img *ffs.Image, _ *tree) {
				require.NoError(t, img.SetQuotaUsage(0, 1000, 1, 1))
			},
			class: ffs.ClassQuotaUsage,
			pass:  ffs.Pass6,
		},
		{
			name: "quota header",
			opts: []ffs.ImageOption{ffs.WithQuota(true, true)},
			damage: func(t *testing.T, img *ffs.Image, _ *tree) {
				require.NoError(t, img.CorruptQuotaHeader(1))
			},
			class: ffs.ClassQuotaStructure,
			pass:  ffs.Pass6,
		},
		{
			name: "old directory format",
			opts: []ffs.ImageOption{ffs.WithOldDirFormat()},
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.RemoveDirEntry(tr.home, "user"))
			},
			class: ffs.ClassOrphanDir,
			pass:  ffs.Pass3,
		},
		{
			name: "big endian",
			opts: []ffs.ImageOption{ffs.WithUFS2(), ffs.WithBigEndian()},
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.EditInode(tr.etc, func(f *ffs.InodeFields) { f.Nlink = 7 }))
			},
			class: ffs.ClassLinkCount,
			pass:  ffs.Pass4,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t, tt.opts...)
			tr := tc.populate()
			tc.save()
			tt.damage(t, tc.img, tr)

			res := tc.check(ffs.WithYes())
			found := res.DefectsOf(tt.class)
			require.NotEmpty(t, found, "expected a %s defect, got %v", tt.class, res.Defects())
			assert.Equal(t, tt.pass, found[0].Pass)
			assert.True(t, res.Resolved())
			assert.Equal(t, ffs.StatusModified, res.Status())
			assert.Equal(t, ffs.ExitOK, res.ExitCode())

			tc.requireClean()
		})
	}
}

func TestOrphanReconnectedToLostFound(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2())
	tr := tc.populate()
	tc.save()
	lf, err := tc.img.Lookup(ffs.RootIno, "lost+found")
	require.NoError(t, err)
	fi, err := tc.img.Stat(lf)
	require.NoError(t, err)
	require.Equal(t, int16(2), fi.Nlink)
	require.NoError(t, tc.img.RemoveDirEntry(tr.home, "user"))

	res := tc.check(ffs.WithPreen(), ffs.WithForce())
	orphans := res.DefectsOf(ffs.ClassOrphanDir)
	require.Len(t, orphans, 1)
	assert.Equal(t, tr.user, orphans[0].Ino)
	assert.True(t, orphans[0].Applied)
	// home lost the '..' of user
	assert.NotEmpty(t, res.DefectsOf(ffs.ClassLinkCount))
	assert.True(t, tc.logged("directory connected"))

	tc.img.Reread()
	fi, err = tc.img.Stat(lf)
	require.NoError(t, err)
	assert.Equal(t, int16(3), fi.Nlink, "one more link for the reconnected '..'")
	fi, err = tc.img.Stat(tr.home)
	require.NoError(t, err)
	assert.Equal(t, int16(2), fi.Nlink)

	got, err := tc.img.Lookup(lf, fmt.Sprintf("#%d", tr.user))
	require.NoError(t, err)
	assert.Equal(t, tr.user, got)
	parent, err := tc.img.Lookup(tr.user, "..")
	require.NoError(t, err)
	assert.Equal(t, lf, parent)
	_, err = tc.img.Lookup(tr.user, "note.txt")
	assert.NoError(t, err, "contents travel with the directory")

	tc.requireClean()
}

func TestDanglingEntriesRemovedInPlace(t *testing.T) {
	tc := newTestContext(t)
	dir, err := tc.img.CreateDirectory(ffs.RootIno, "spool", 0o755, 0, 0)
	require.NoError(t, err)
	inos := make(map[string]uint64)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		inos[name], err = tc.img.CreateFile(dir, name, []byte(name), 0o644, 0, 0)
		require.NoError(t, err)
	}
	tc.save()
	require.NoError(t, tc.img.ClearInode(inos["b"]))
	require.NoError(t, tc.img.ClearInode(inos["d"]))

	res := tc.check(ffs.WithYes())
	assert.Len(t, res.DefectsOf(ffs.ClassUnallocatedEntry), 2)
	assert.True(t, res.Resolved())

	tc.img.Reread()
	entries, err := tc.img.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
		if e.Name != "." && e.Name != ".." {
			assert.Equal(t, inos[e.Name], e.Ino, e.Name)
		}
	}
	assert.Equal(t, []string{".", "..", "a", "c", "e"}, names)

	tc.requireClean()
}

func TestDuplicateOwnersReported(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2())
	tr := tc.populate()
	tc.save()

	blocks, err := tc.img.FileBlocks(tr.big)
	require.NoError(t, err)
	dup := blocks[5]
	for _, ino := range []uint64{tr.hostname, tr.note} {
		require.NoError(t, tc.img.EditInode(ino, func(f *ffs.InodeFields) { f.Direct[0] = dup }))
	}

	res := tc.check(ffs.WithNoWrite(), ffs.WithForce())
	assert.Equal(t, []uint64{tr.hostname, tr.note, tr.big}, res.DuplicateOwners(dup))
	assert.Len(t, res.DefectsOf(ffs.ClassDupBlock), 3)
	assert.NotNil(t, res.PassResult(ffs.Pass1b))
	assert.Equal(t, ffs.StatusUnresolved, res.Status())
	assert.Equal(t, ffs.ExitCheckFailed, res.ExitCode())
}

// TestDeclinedRepairs runs with the default answer no and in no-write mode.
func TestDeclinedRepairs(t *testing.T) {
	t.Run("answer no", func(t *testing.T) {
		tc := newTestContext(t)
		tr := tc.populate()
		tc.save()
		require.NoError(t, tc.img.EditInode(tr.hostname, func(f *ffs.InodeFields) { f.Nlink = 5 }))

		res := tc.check()
		require.NotEmpty(t, res.DefectsOf(ffs.ClassLinkCount))
		assert.False(t, res.DefectsOf(ffs.ClassLinkCount)[0].Applied)
		assert.False(t, res.Resolved())
		assert.False(t, res.MarkedClean)
		assert.Equal(t, ffs.StatusUnresolved, res.Status())
		assert.Equal(t, ffs.ExitCheckFailed, res.ExitCode())

		// Still broken.
		res = tc.check(ffs.WithYes())
		assert.NotEmpty(t, res.DefectsOf(ffs.ClassLinkCount))
		tc.requireClean()
	})

	t.Run("no-write leaves the device untouched", func(t *testing.T) {
		tc := newTestContext(t, ffs.WithUFS2(), ffs.WithQuota(true, true))
		tr := tc.populate()
		tc.save()
		require.NoError(t, tc.img.RemoveDirEntry(tr.home, "user"))
		require.NoError(t, tc.img.MarkUnclean())
		before := tc.dev.Clone()

		res := tc.check(ffs.WithNoWrite())
		assert.NotEmpty(t, res.DefectsOf(ffs.ClassOrphanDir))
		assert.False(t, res.Modified)
		assert.Equal(t, ffs.StatusUnresolved, res.Status())
		assert.Equal(t, before.Bytes(), tc.dev.Bytes())
	})

	t.Run("interactive", func(t *testing.T) {
		tc := newTestContext(t)
		tr := tc.populate()
		tc.save()
		require.NoError(t, tc.img.EditInode(tr.hostname, func(f *ffs.InodeFields) { f.Nlink = 2 }))

		var out strings.Builder
		res := tc.check(ffs.WithPolicy(ffs.NewInteractive(strings.NewReader("y\n"), &out)))
		assert.True(t, res.Resolved())
		assert.Contains(t, out.String(), "LINK COUNT FILE")
		assert.Contains(t, out.String(), "ADJUST? [yn]")
		tc.requireClean()
	})
}

// TestQuotaFileExtended hands every file its own owner after the image is
// saved, so the user quota file runs out of free entries and has to grow.
func TestQuotaFileExtended(t *testing.T) {
	for _, fs := range []struct {
		name string
		opts []ffs.ImageOption
	}{
		{"ufs1", []ffs.ImageOption{ffs.WithQuota(true, true)}},
		{"ufs2", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithQuota(true, true)}},
	} {
		t.Run(fs.name, func(t *testing.T) {
			const owners = 200
			tc := newTestContext(t, fs.opts...)
			inos := make([]uint64, owners)
			for i := range inos {
				var err error
				inos[i], err = tc.img.CreateFile(ffs.RootIno, fmt.Sprintf("u%d", i), []byte("x"), 0o644, 0, 0)
				require.NoError(t, err)
			}
			tc.save()

			qino := tc.img.QuotaInode(0)
			require.NotZero(t, qino)
			before, err := tc.img.Stat(qino)
			require.NoError(t, err)

			for i, ino := range inos {
				uid := uint32(5000 + i)
				require.NoError(t, tc.img.EditInode(ino, func(f *ffs.InodeFields) { f.UID = uid }))
			}

			res := tc.check(ffs.WithYes())
			usage := res.DefectsOf(ffs.ClassQuotaUsage)
			assert.GreaterOrEqual(t, len(usage), owners)
			for _, d := range usage {
				assert.True(t, d.Applied, d.Message)
			}
			assert.Empty(t, res.DefectsOf(ffs.ClassCannotFix))
			assert.True(t, res.Resolved())

			tc.img.Reread()
			after, err := tc.img.Stat(qino)
			require.NoError(t, err)
			assert.Greater(t, after.Size, before.Size)
			assert.Greater(t, after.Blocks, before.Blocks)
			assert.Zero(t, after.Size%uint64(tc.img.Layout().BlockSize), "grows a block at a time")

			tc.requireClean()
		})
	}
}

// TestDeclinedRepairsKeepQuotaUsage declines one repair at a time on a
// quota-enabled volume; the quota totals must still match what the inodes
// hold, so nothing but the declined defect is reported.
func TestDeclinedRepairsKeepQuotaUsage(t *testing.T) {
	testCases := []struct {
		name    string
		class   ffs.DefectClass
		decline []ffs.DefectClass
		damage  func(t *testing.T, img *ffs.Image, tr *tree)
	}{
		{
			name:    "block count",
			class:   ffs.ClassBlockCount,
			decline: []ffs.DefectClass{ffs.ClassBlockCount},
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.EditInode(tr.big, func(f *ffs.InodeFields) { f.Blocks += 16 }))
			},
		},
		{
			name:    "duplicate block",
			class:   ffs.ClassDupBlock,
			decline: []ffs.DefectClass{ffs.ClassDupBadEntry, ffs.ClassClearBadDup},
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				blocks, err := img.FileBlocks(tr.note)
				require.NoError(t, err)
				require.NoError(t, img.EditInode(tr.hostname, func(f *ffs.InodeFields) { f.Direct[0] = blocks[0] }))
			},
		},
		{
			name:    "link count",
			class:   ffs.ClassLinkCount,
			decline: []ffs.DefectClass{ffs.ClassLinkCount},
			damage: func(t *testing.T, img *ffs.Image, tr *tree) {
				require.NoError(t, img.EditInode(tr.note, func(f *ffs.InodeFields) { f.Nlink = 5 }))
			},
		},
	}

	for _, fs := range []struct {
		name string
		opts []ffs.ImageOption
	}{
		{"ufs1", []ffs.ImageOption{ffs.WithQuota(true, true)}},
		{"ufs2", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithQuota(true, true)}},
	} {
		for _, tt := range testCases {
			t.Run(fs.name+" "+tt.name, func(t *testing.T) {
				tc := newTestContext(t, fs.opts...)
				tr := tc.populate()
				tc.save()
				tt.damage(t, tc.img, tr)

				table := make(map[ffs.DefectClass]ffs.Decision)
				for _, c := range tt.decline {
					table[c] = ffs.Skip
				}
				res := tc.check(ffs.WithPolicy(&ffs.AutomaticPolicy{Default: ffs.Apply, Table: table}))

				require.NotEmpty(t, res.DefectsOf(tt.class))
				for _, c := range tt.decline {
					for _, d := range res.DefectsOf(c) {
						assert.False(t, d.Applied, "declined %s was applied", c)
					}
				}
				assert.Empty(t, res.DefectsOf(ffs.ClassQuotaUsage), "quota usage drifted after a declined repair")
				assert.Empty(t, res.DefectsOf(ffs.ClassQuotaStructure))
				assert.False(t, res.Resolved())
			})
		}
	}
}

func TestUncleanVolumeMarkedClean(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2())
	tc.populate()
	tc.save()
	require.NoError(t, tc.img.MarkUnclean())

	res := tc.check(ffs.WithPreen())
	assert.False(t, res.Skipped, "an unclean volume is always checked")
	assert.True(t, res.MarkedClean)
	assert.NotEmpty(t, res.DefectsOf(ffs.ClassCleanFlag))
	assert.True(t, res.Modified)

	res = tc.check(ffs.WithPreen())
	assert.True(t, res.Skipped)
}

func TestRootDeviceExitCode(t *testing.T) {
	tc := newTestContext(t)
	tr := tc.populate()
	tc.save()
	require.NoError(t, tc.img.EditInode(tr.hostname, func(f *ffs.InodeFields) { f.Nlink = 4 }))

	res := tc.check(ffs.WithPreen(), ffs.WithForce(), ffs.WithRootDevice())
	assert.Equal(t, ffs.StatusModified, res.Status())
	assert.Equal(t, ffs.ExitRootChanged, res.ExitCode())
}

func TestFatalErrors(t *testing.T) {
	t.Run("no superblock", func(t *testing.T) {
		dev := ffs.NewMemoryDevice(4 << 20)
		tc := &testContext{t: t, dev: dev}
		_, err := tc.run(ffs.WithYes())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ffs.ErrBadSuperblock), "%v", err)
	})

	t.Run("preen stops on a bad cylinder group", func(t *testing.T) {
		tc := newTestContext(t)
		tc.populate()
		tc.save()
		require.NoError(t, tc.img.CorruptGroupMagic(1))
		require.NoError(t, tc.img.MarkUnclean())

		res, err := tc.run(ffs.WithPreen())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ffs.ErrAborted), "%v", err)
		require.NotNil(t, res)
		assert.NotEmpty(t, res.DefectsOf(ffs.ClassBadCylinderGroup))
	})

	t.Run("alternate superblock", func(t *testing.T) {
		tc := newTestContext(t, ffs.WithUFS2())
		tc.populate()
		tc.save()
		// Destroy the primary superblock.
		require.NoError(t, tc.img.WriteFragment(64, make([]byte, 8192)))

		_, err := tc.run(ffs.WithYes(), ffs.WithForce())
		require.Error(t, err)

		l := tc.img.Layout()
		alt := l.GetGroupLayout(1).Superblock * int64(l.FragSize)
		res := tc.check(ffs.WithYes(), ffs.WithSuperblockOffsets(alt))
		assert.True(t, res.Modified)
		tc.requireClean()
	})
}

func TestJournalReplay(t *testing.T) {
	for _, inFS := range []bool{false, true} {
		t.Run(fmt.Sprintf("in filesystem %v", inFS), func(t *testing.T) {
			tc := newTestContext(t, ffs.WithUFS2(), ffs.WithJournal(1<<20, inFS))
			tr := tc.populate()
			tc.save()

			blocks, err := tc.img.FileBlocks(tr.hostname)
			require.NoError(t, err)
			fsize := int64(tc.img.Layout().FragSize)
			data := make([]byte, fsize)
			copy(data, "replayed\n")
			require.NoError(t, tc.img.AppendJournal([]ffs.JournalWrite{{Frag: blocks[0], Data: data}}, nil))

			res := tc.check(ffs.WithPreen())
			assert.True(t, res.JournalReplayed)
			assert.True(t, res.Skipped, "the volume is still clean after replay")
			assert.Equal(t, "replayed\n", string(tc.dev.Bytes()[blocks[0]*fsize:blocks[0]*fsize+9]))

			res = tc.check(ffs.WithPreen(), ffs.WithForce())
			assert.False(t, res.JournalReplayed, "the log is empty after replay")
			assert.Empty(t, res.Defects())
		})
	}
}

func TestJournalRevocation(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2(), ffs.WithJournal(1<<20, false))
	tr := tc.populate()
	tc.save()

	blocks, err := tc.img.FileBlocks(tr.hostname)
	require.NoError(t, err)
	fsize := int64(tc.img.Layout().FragSize)
	data := make([]byte, fsize)
	copy(data, "overwritten\n")
	require.NoError(t, tc.img.AppendJournal([]ffs.JournalWrite{{Frag: blocks[0], Data: data}}, nil))
	require.NoError(t, tc.img.AppendJournal(nil, []ffs.JournalRevoke{{Frag: blocks[0], Count: 1}}))

	res := tc.check(ffs.WithYes())
	assert.True(t, res.JournalReplayed)
	assert.Equal(t, "testhost\n", string(tc.dev.Bytes()[blocks[0]*fsize:blocks[0]*fsize+9]))
	tc.requireClean()
}

func TestJournalNotReplayedInNoWriteMode(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2(), ffs.WithJournal(1<<20, false))
	tr := tc.populate()
	tc.save()

	blocks, err := tc.img.FileBlocks(tr.hostname)
	require.NoError(t, err)
	data := make([]byte, tc.img.Layout().FragSize)
	require.NoError(t, tc.img.AppendJournal([]ffs.JournalWrite{{Frag: blocks[0], Data: data}}, nil))
	before := tc.dev.Clone()

	res := tc.check(ffs.WithNoWrite(), ffs.WithForce())
	assert.False(t, res.JournalReplayed)
	assert.True(t, tc.logged("journal not replayed"))
	assert.Equal(t, before.Bytes(), tc.dev.Bytes())
}

func TestProgressSnapshot(t *testing.T) {
	tc := newTestContext(t)
	tc.populate()
	tc.save()

	chk := ffs.NewChecker(tc.dev, ffs.WithNoWrite(), ffs.WithForce())
	assert.Equal(t, ffs.PassSetup, chk.Progress().Pass)
	_, err := chk.Run()
	require.NoError(t, err)
	p := chk.Progress()
	assert.Equal(t, ffs.PassFinish, p.Pass)
	assert.Equal(t, uint32(2), p.Groups)
	assert.Equal(t, "Finish: cylinder group 0 of 2 (0%)", p.String())
}
