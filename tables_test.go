package ffs

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockMap(t *testing.T) {
	m := newBlockMap(100)
	assert.Equal(t, int64(0), m.used())

	m.set(0)
	m.set(42)
	m.set(99)
	m.set(100) // out of range, ignored
	assert.True(t, m.test(42))
	assert.False(t, m.test(41))
	assert.Equal(t, int64(3), m.used())

	m.clear(42)
	assert.False(t, m.test(42))
	assert.Equal(t, int64(2), m.used())

	assert.True(t, m.test(-1), "addresses outside the map read as used")
	assert.True(t, m.test(100))
}

func TestDupSetCountsExtraClaims(t *testing.T) {
	d := newDupSet()

	assert.True(t, d.add(7))
	assert.False(t, d.add(7))
	assert.True(t, d.add(3))
	assert.Equal(t, 2, d.len())
	assert.Equal(t, []int64{7, 3}, d.blocks())
	assert.Equal(t, 3, d.claims(7))

	assert.True(t, d.release(7))
	assert.True(t, d.release(7))
	assert.False(t, d.has(7))
	assert.False(t, d.release(7), "last owner frees the fragment")
	assert.True(t, d.known(7))
	assert.False(t, d.known(8))
}

func TestBitsRange(t *testing.T) {
	b := newBits(10)
	bitSet(b, 9)
	assert.True(t, bitIsSet(b, 9))
	bitClear(b, 9)
	assert.False(t, bitIsSet(b, 9))
	assert.Equal(t, []byte{0, 0}, bitsBytes(b, 10))

	for _, fn := range []func(){
		func() { bitSet(b, 10) },
		func() { bitClear(b, -1) },
		func() { bitIsSet(b, 16) },
	} {
		var err error
		func() {
			defer recoverFatal(&err)
			fn()
		}()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside a map of 10 bits")
	}
}

func TestStructCodecErrors(t *testing.T) {
	var err error
	func() {
		defer recoverFatal(&err)
		var hdr cgHeader
		readStruct(bytes.NewReader(make([]byte, 8)), binary.LittleEndian, &hdr)
	}()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	err = nil
	func() {
		defer recoverFatal(&err)
		writeStruct(io.Discard, binary.LittleEndian, map[string]int{})
	}()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode")
}

func TestInoStatus(t *testing.T) {
	tbl := newInoStatus(2, 16)
	tbl.setup(0, 4)
	tbl.setup(1, 0)

	tbl.get(3).state = stFile
	tbl.get(3).linkcnt = 2
	tbl.grow(1, 5)
	assert.GreaterOrEqual(t, tbl.numAlloced(1), 6)
	tbl.get(21).state = stDir

	counts := tbl.count()
	assert.Equal(t, 1, counts[stFile])
	assert.Equal(t, 1, counts[stDir])
	assert.True(t, isDirState(tbl.get(21).state))
	assert.False(t, isDirState(tbl.get(3).state))
}

func TestInoStatusInitialised(t *testing.T) {
	tbl := newInoStatus(1, 256)
	tbl.setup(0, 32)
	assert.Equal(t, 32, tbl.initialised(0))

	tbl.markInitialised(0, 16)
	assert.Equal(t, 32, tbl.initialised(0), "never shrinks")

	tbl.grow(0, 40)
	assert.Equal(t, 64, tbl.numAlloced(0))
	assert.Equal(t, 32, tbl.initialised(0), "growing the table does not touch the disk")

	tbl.markInitialised(0, 1000)
	assert.Equal(t, 256, tbl.initialised(0))
}

func dirInode(blk int64) *dinode {
	di := &dinode{Mode: ifdir | 0o755, Size: 512, ufs2: true}
	di.DB[0] = blk
	return di
}

func TestInodeGraphForest(t *testing.T) {
	g := newInodeGraph()
	g.add(RootIno, dirInode(300), 4096)
	g.add(10, dirInode(100), 4096).parent = RootIno
	g.add(11, dirInode(200), 4096).parent = 10
	g.add(12, dirInode(50), 4096).parent = 10

	assert.Equal(t, []uint64{12, 10, 11, RootIno}, g.sorted())

	g.buildForest()
	var seen []uint64
	g.descend(RootIno, func(n *dirNode) bool {
		seen = append(seen, n.ino)
		return true
	})
	assert.ElementsMatch(t, []uint64{RootIno, 10, 11, 12}, seen)

	g.attach(11, RootIno)
	seen = seen[:0]
	g.descend(10, func(n *dirNode) bool {
		seen = append(seen, n.ino)
		return true
	})
	assert.ElementsMatch(t, []uint64{10, 12}, seen)

	top, loop := g.climb(12, func(uint64) bool { return true })
	assert.Equal(t, uint64(RootIno), top)
	assert.False(t, loop)
}

func TestInodeGraphClimbDetectsLoop(t *testing.T) {
	g := newInodeGraph()
	g.add(20, dirInode(10), 4096).parent = 21
	g.add(21, dirInode(20), 4096).parent = 22
	g.add(22, dirInode(30), 4096).parent = 20

	top, loop := g.climb(20, func(uint64) bool { return true })
	assert.True(t, loop)
	assert.Equal(t, uint64(20), top)

	top, loop = g.climb(20, func(p uint64) bool { return p != 22 })
	assert.False(t, loop)
	assert.Equal(t, uint64(21), top)
}

func TestGraphNodeKeepsIndirectPointers(t *testing.T) {
	di := dirInode(100)
	di.Size = 20 * 4096
	for i := range di.DB {
		di.DB[i] = int64(100 + i)
	}
	di.IB[0] = 500

	g := newInodeGraph()
	n := g.add(30, di, 4096)
	require.Len(t, n.blks, ndaddr+niaddr)

	back := n.dinode(true)
	assert.Equal(t, di.DB, back.DB)
	assert.Equal(t, di.IB, back.IB)
	assert.Equal(t, di.Size, back.Size)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, 3, howmany(2049, 1024))
	assert.Equal(t, int64(4096), roundup(int64(4000), 1024))
	assert.True(t, isPowerOf2(8192))
	assert.False(t, isPowerOf2(0))
	assert.Equal(t, 13, ilog2(8192))
	assert.Equal(t, "#123", lostFoundName(123))
	assert.Equal(t, 12, dirsiz(1))
	assert.Equal(t, 16, dirsiz(4))

	var fraglist [8]int32
	fragacct(8, 0b00110110, &fraglist, 1)
	assert.Equal(t, int32(2), fraglist[2])
	fragacct(8, 0xff, &fraglist, 1)
	assert.Equal(t, [8]int32{0, 0, 2, 0, 0, 0, 0, 0}, fraglist, "a whole free block is not a fragment run")
	fragacct(8, 0b00000001, &fraglist, -1)
	assert.Equal(t, int32(-1), fraglist[1])
}
