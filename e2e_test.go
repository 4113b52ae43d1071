package ffs_test

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ffs "github.com/pilat/go-ffs"
)

const (
	// Default test image size in MB, two cylinder groups with the default
	// geometry
	defaultImageSizeMB = 16
	testCreatedAt      = int64(1600000000)
)

// testContext holds resources for a single test case
type testContext struct {
	t   *testing.T
	dev *ffs.MemoryDevice
	img *ffs.Image
	log *logtest.Hook
}

// newTestContext creates an in-memory image with the given options
func newTestContext(t *testing.T, opts ...ffs.ImageOption) *testContext {
	t.Helper()

	dev := ffs.NewMemoryDevice(defaultImageSizeMB << 20)
	all := append([]ffs.ImageOption{
		ffs.WithDevice(dev),
		ffs.WithSizeInMB(defaultImageSizeMB),
		ffs.WithCreatedAt(testCreatedAt),
	}, opts...)

	img, err := ffs.New(all...)
	require.NoError(t, err, "failed to create image")

	return &testContext{t: t, dev: dev, img: img}
}

// save finalizes the image metadata
func (tc *testContext) save() {
	tc.t.Helper()
	require.NoError(tc.t, tc.img.Save(), "failed to save image")
}

// check runs the checker over the device and fails the test on a fatal error
func (tc *testContext) check(opts ...ffs.Option) *ffs.Result {
	tc.t.Helper()
	res, err := tc.run(opts...)
	require.NoError(tc.t, err, "checker failed")
	return res
}

func (tc *testContext) run(opts ...ffs.Option) (*ffs.Result, error) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	tc.log = hook
	all := append([]ffs.Option{
		ffs.WithLogger(logger),
		ffs.WithClock(func() time.Time { return time.Unix(testCreatedAt+60, 0) }),
	}, opts...)
	return ffs.NewChecker(tc.dev, all...).Run()
}

// requireClean runs a forced read-only check and expects no findings
func (tc *testContext) requireClean() *ffs.Result {
	tc.t.Helper()
	res := tc.check(ffs.WithNoWrite(), ffs.WithForce())
	for _, d := range res.Defects() {
		tc.t.Errorf("unexpected defect in %s: [%s] %s", d.Pass, d.Class, d)
	}
	assert.Equal(tc.t, ffs.StatusClean, res.Status())
	return res
}

// logged reports whether any captured log message contains s
func (tc *testContext) logged(s string) bool {
	for _, e := range tc.log.AllEntries() {
		if strings.Contains(e.Message, s) {
			return true
		}
	}
	return false
}

// tree is the inode numbers of a populated test image
type tree struct {
	etc, hostname, home, user, note, big, tmp uint64
}

// populate fills the image with one of every kind of file
func (tc *testContext) populate() *tree {
	tc.t.Helper()
	t := tc.t
	img := tc.img
	tr := &tree{}
	var err error

	tr.etc, err = img.CreateDirectory(ffs.RootIno, "etc", 0o755, 0, 0)
	require.NoError(t, err)
	tr.hostname, err = img.CreateFile(tr.etc, "hostname", []byte("testhost\n"), 0o644, 0, 0)
	require.NoError(t, err)
	_, err = img.CreateFile(tr.etc, "empty", nil, 0o644, 0, 0)
	require.NoError(t, err)

	tr.home, err = img.CreateDirectory(ffs.RootIno, "home", 0o755, 0, 0)
	require.NoError(t, err)
	tr.user, err = img.CreateDirectory(tr.home, "user", 0o750, 1000, 1000)
	require.NoError(t, err)
	tr.note, err = img.CreateFile(tr.user, "note.txt", []byte("a note\n"), 0o600, 1000, 1000)
	require.NoError(t, err)
	require.NoError(t, img.Link(tr.user, "note.bak", tr.note))

	// 2 MB of data needs the single indirect block
	tr.big, err = img.CreateFile(tr.user, "big.bin", bytes.Repeat([]byte("0123456789abcdef"), 128*1024), 0o644, 1000, 1000)
	require.NoError(t, err)

	_, err = img.CreateSymlink(tr.user, "short", "/etc/hostname", 1000, 1000)
	require.NoError(t, err)
	_, err = img.CreateSymlink(tr.user, "long", "/"+strings.Repeat("deep/", 40)+"target", 1000, 1000)
	require.NoError(t, err)

	dev, err := img.CreateDirectory(ffs.RootIno, "dev", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = img.CreateDevice(dev, "null", ffs.TypeChar|0o666, 0x0202, 0, 0)
	require.NoError(t, err)
	_, err = img.CreateDevice(dev, "fifo", ffs.TypeFIFO|0o600, 0, 0, 0)
	require.NoError(t, err)

	tr.tmp, err = img.CreateDirectory(ffs.RootIno, "tmp", 0o1777, 0, 0)
	require.NoError(t, err)
	_, err = img.CreateFile(tr.tmp, "scratch", []byte("scratch\n"), 0o644, 1001, 1001)
	require.NoError(t, err)

	if img.Layout().UFS2 {
		require.NoError(t, img.SetXattr(tr.user, "user.comment", []byte("home directory")))
	}
	return tr
}

// TestBasicFilesystemCreation verifies that an empty image has root and
// lost+found and passes the checker
func TestBasicFilesystemCreation(t *testing.T) {
	tc := newTestContext(t)
	tc.save()

	entries, err := tc.img.ReadDir(ffs.RootIno)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".", "..", "lost+found"}, names)

	res := tc.requireClean()
	assert.Equal(t, int64(2), res.Summary.Directories)
	assert.True(t, tc.logged("Phase 1 - Check Blocks and Sizes"))
	assert.True(t, tc.logged("Phase 5 - Check Cyl groups"))
}

// TestFilesystemIntegrity builds populated images in every supported
// format and checks them
func TestFilesystemIntegrity(t *testing.T) {
	testCases := []struct {
		name string
		opts []ffs.ImageOption
	}{
		{"ufs1 little endian", nil},
		{"ufs1 big endian", []ffs.ImageOption{ffs.WithBigEndian()}},
		{"ufs1 old directory format", []ffs.ImageOption{ffs.WithOldDirFormat()}},
		{"ufs1 old directory format big endian", []ffs.ImageOption{ffs.WithOldDirFormat(), ffs.WithBigEndian()}},
		{"ufs2 little endian", []ffs.ImageOption{ffs.WithUFS2()}},
		{"ufs2 big endian", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithBigEndian()}},
		{"ufs2 small blocks", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithBlockSize(4096, 512), ffs.WithGroupGeometry(16384, 512)}},
		{"ufs2 cluster summary", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithContigSumSize(8)}},
		{"ufs2 quotas", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithQuota(true, true)}},
		{"ufs1 user quota", []ffs.ImageOption{ffs.WithQuota(true, false)}},
		{"ufs2 journal at end", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithJournal(1<<20, false)}},
		{"ufs2 journal inode", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithJournal(512<<10, true), ffs.WithQuota(true, true)}},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t, tt.opts...)
			tc.populate()
			tc.save()

			res := tc.requireClean()
			// root, lost+found, etc, home, user, dev, tmp
			assert.Equal(t, int64(7), res.Summary.Directories)
			assert.Greater(t, res.Summary.UsedFrags, int64(2048), "big.bin alone takes 2 MB")
		})
	}
}

// TestManyInodesInOneGroup fills the root's group past the 64 and 128
// inode marks where its status table grows, saving along the way so the
// on-disk initialised count lags behind the table
func TestManyInodesInOneGroup(t *testing.T) {
	testCases := []struct {
		name  string
		opts  []ffs.ImageOption
		files int
	}{
		{"ufs1 100 files", nil, 100},
		{"ufs1 200 files", nil, 200},
		{"ufs2 100 files", []ffs.ImageOption{ffs.WithUFS2()}, 100},
		{"ufs2 150 files", []ffs.ImageOption{ffs.WithUFS2()}, 150},
		{"ufs2 200 files", []ffs.ImageOption{ffs.WithUFS2()}, 200},
		{"ufs2 small blocks 200 files", []ffs.ImageOption{ffs.WithUFS2(), ffs.WithBlockSize(4096, 512), ffs.WithGroupGeometry(16384, 512)}, 200},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t, tt.opts...)
			inos := make([]uint64, tt.files)
			for i := range inos {
				name := fmt.Sprintf("f%d", i)
				ino, err := tc.img.CreateFile(ffs.RootIno, name, []byte(name), 0o644, 0, 0)
				require.NoError(t, err, "create %s", name)
				inos[i] = ino
				if i == 40 || i == 100 {
					tc.save()
				}
			}
			tc.save()

			for i, ino := range inos {
				name := fmt.Sprintf("f%d", i)
				got, err := tc.img.Lookup(ffs.RootIno, name)
				require.NoError(t, err)
				assert.Equal(t, ino, got, name)
				data, err := tc.img.ReadFile(ino)
				require.NoError(t, err)
				assert.Equal(t, name, string(data))
			}

			res := tc.requireClean()
			// root and lost+found
			assert.Equal(t, int64(tt.files+2), res.Summary.Files)
			assert.Equal(t, int64(2), res.Summary.Directories)
		})
	}
}

// TestPreenSkipsCleanFilesystem checks that a clean volume is not checked
// in preen mode unless forced
func TestPreenSkipsCleanFilesystem(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2())
	tc.populate()
	tc.save()

	res := tc.check(ffs.WithPreen())
	assert.True(t, res.Skipped)
	assert.Equal(t, ffs.StatusSkipped, res.Status())
	assert.Equal(t, ffs.ExitOK, res.ExitCode())
	assert.Nil(t, res.PassResult(ffs.Pass1))

	res = tc.check(ffs.WithPreen(), ffs.WithForce())
	assert.False(t, res.Skipped)
	assert.NotNil(t, res.PassResult(ffs.Pass1))
	assert.Empty(t, res.Defects())
}

// TestFileContents reads back what the builder wrote
func TestFileContents(t *testing.T) {
	for _, ufs2 := range []bool{false, true} {
		var opts []ffs.ImageOption
		if ufs2 {
			opts = append(opts, ffs.WithUFS2())
		}
		tc := newTestContext(t, opts...)
		tr := tc.populate()
		img := tc.img

		data, err := img.ReadFile(tr.hostname)
		require.NoError(t, err)
		assert.Equal(t, "testhost\n", string(data))

		data, err = img.ReadFile(tr.big)
		require.NoError(t, err)
		assert.Equal(t, 2<<20, len(data))
		assert.Equal(t, "0123456789abcdef", string(data[len(data)-16:]))

		ino, err := img.Lookup(tr.user, "short")
		require.NoError(t, err)
		data, err = img.ReadFile(ino)
		require.NoError(t, err)
		assert.Equal(t, "/etc/hostname", string(data))

		ino, err = img.Lookup(tr.user, "long")
		require.NoError(t, err)
		data, err = img.ReadFile(ino)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(string(data), "/target"))

		st, err := img.Stat(tr.note)
		require.NoError(t, err)
		assert.Equal(t, int16(2), st.Nlink)
		assert.Equal(t, uint32(1000), st.UID)
		assert.False(t, st.IsDir())

		st, err = img.Stat(tr.home)
		require.NoError(t, err)
		assert.True(t, st.IsDir())
		assert.Equal(t, int16(3), st.Nlink, "'.', the entry in root and '..' of user")

		blocks, err := img.FileBlocks(tr.big)
		require.NoError(t, err)
		assert.Len(t, blocks, (2<<20)/int(img.Layout().BlockSize))
	}
}

// TestSpecialFileNames checks name validation
func TestSpecialFileNames(t *testing.T) {
	tc := newTestContext(t)
	img := tc.img

	for _, name := range []string{"with space", "dash-name", "UPPER", "dots.in.name", strings.Repeat("x", 255)} {
		_, err := img.CreateFile(ffs.RootIno, name, []byte(name), 0o644, 0, 0)
		assert.NoError(t, err, name)
	}
	for _, name := range []string{"", ".", "..", "a/b", strings.Repeat("x", 256), "with space"} {
		_, err := img.CreateFile(ffs.RootIno, name, nil, 0o644, 0, 0)
		assert.Error(t, err, "%q must be rejected", name)
	}

	tc.save()
	tc.requireClean()
}

// TestDeletion removes files and trees and leaves a consistent image
func TestDeletion(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2(), ffs.WithQuota(true, true))
	tr := tc.populate()
	img := tc.img

	require.NoError(t, img.Delete(tr.user, "note.txt"))
	st, err := img.Stat(tr.note)
	require.NoError(t, err)
	assert.Equal(t, int16(1), st.Nlink)

	assert.Error(t, img.Delete(ffs.RootIno, "home"), "home is not empty")
	assert.Error(t, img.Delete(ffs.RootIno, "lost+found"))
	require.NoError(t, img.DeleteDirectory(ffs.RootIno, "home"))
	_, err = img.Lookup(ffs.RootIno, "home")
	assert.Error(t, err)

	st, err = img.Stat(ffs.RootIno)
	require.NoError(t, err)
	// '.', '..', and the '..' of lost+found, etc, dev and tmp
	assert.Equal(t, int16(6), st.Nlink)

	tc.save()
	res := tc.requireClean()
	assert.Equal(t, int64(5), res.Summary.Directories)
}

// TestExtendedAttributes covers the UFS2 attribute area
func TestExtendedAttributes(t *testing.T) {
	tc := newTestContext(t, ffs.WithUFS2())
	tr := tc.populate()
	img := tc.img

	require.NoError(t, img.SetXattr(tr.note, "user.mime", []byte("text/plain")))
	require.NoError(t, img.SetXattr(tr.note, "system.acl", bytes.Repeat([]byte{1}, 3000)))
	require.NoError(t, img.SetXattr(tr.note, "user.mime", []byte("text/markdown")))

	names, err := img.ListXattrs(tr.note)
	require.NoError(t, err)
	assert.Equal(t, []string{"system.acl", "user.mime"}, names)

	v, err := img.GetXattr(tr.note, "user.mime")
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", string(v))

	require.NoError(t, img.RemoveXattr(tr.note, "system.acl"))
	require.NoError(t, img.RemoveXattr(tr.note, "system.absent"))
	names, err = img.ListXattrs(tr.note)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.mime"}, names)

	assert.Error(t, img.SetXattr(tr.note, "trusted.x", nil), "unknown namespace")

	tc.save()
	tc.requireClean()
}

func TestExtendedAttributesNeedUFS2(t *testing.T) {
	tc := newTestContext(t)
	err := tc.img.SetXattr(ffs.RootIno, "user.x", []byte("y"))
	assert.Error(t, err)
}

// TestDifferentImageSizes checks geometry across sizes
func TestDifferentImageSizes(t *testing.T) {
	for _, sizeMB := range []int{1, 4, 9, 33} {
		dev := ffs.NewMemoryDevice(int64(sizeMB) << 20)
		img, err := ffs.New(ffs.WithDevice(dev), ffs.WithSizeInMB(sizeMB), ffs.WithCreatedAt(testCreatedAt), ffs.WithUFS2())
		require.NoError(t, err, "%d MB", sizeMB)
		_, err = img.CreateFile(ffs.RootIno, "f", []byte("data"), 0o644, 0, 0)
		require.NoError(t, err)
		require.NoError(t, img.Save())

		l := img.Layout()
		assert.Equal(t, uint32((sizeMB*1024+8191)/8192), l.GroupCount, "%d MB", sizeMB)

		tc := &testContext{t: t, dev: dev, img: img}
		tc.requireClean()
	}
}

func TestInvalidImageOptions(t *testing.T) {
	_, err := ffs.New(ffs.WithSize(512 * 1024))
	assert.Error(t, err, "too small")

	_, err = ffs.New(ffs.WithSizeInMB(8), ffs.WithUFS2(), ffs.WithOldDirFormat())
	assert.Error(t, err, "old directory format is UFS1 only")

	_, err = ffs.New(ffs.WithSizeInMB(8), ffs.WithContigSumSize(100))
	assert.Error(t, err)
}

// TestImageFile builds an image in a file and checks it through OpenDevice
func TestImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")
	img, err := ffs.New(ffs.WithImagePath(path), ffs.WithSizeInMB(8), ffs.WithCreatedAt(testCreatedAt))
	require.NoError(t, err)
	_, err = img.CreateDirectory(ffs.RootIno, "etc", 0o755, 0, 0)
	require.NoError(t, err)
	require.NoError(t, img.Save())
	require.NoError(t, img.Close())

	dev, err := ffs.OpenDevice(path, true)
	require.NoError(t, err)
	defer dev.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	res, err := ffs.NewChecker(dev, ffs.WithNoWrite(), ffs.WithForce(), ffs.WithLogger(logger)).Run()
	require.NoError(t, err)
	assert.Empty(t, res.Defects())
	assert.False(t, res.Modified)
}

func BenchmarkFilesystemCreation(b *testing.B) {
	content := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < b.N; i++ {
		img, err := ffs.New(ffs.WithSizeInMB(16), ffs.WithUFS2(), ffs.WithCreatedAt(testCreatedAt))
		if err != nil {
			b.Fatal(err)
		}
		for j := 0; j < 20; j++ {
			if _, err := img.CreateFile(ffs.RootIno, "file"+strings.Repeat("x", j), content, 0o644, 0, 0); err != nil {
				b.Fatal(err)
			}
		}
		if err := img.Save(); err != nil {
			b.Fatal(err)
		}
	}
}
