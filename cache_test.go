package ffs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFsize = 1024
	testBsize = 4096
)

func newTestCache(t *testing.T) (*MemoryDevice, *bufCache) {
	t.Helper()
	dev := NewMemoryDevice(64 * 1024)
	c := newBufCache(newDiskBackend(dev, false), testBsize, testFsize, devBSize, 0)
	require.Len(t, c.slots, minBufs)
	return dev, c
}

func TestCacheReadsThroughAndHits(t *testing.T) {
	dev, c := newTestCache(t)
	pattern := bytes.Repeat([]byte{0xab}, testFsize)
	copy(dev.Bytes()[3*testFsize:], pattern)

	b, err := c.get(3, testFsize)
	require.NoError(t, err)
	assert.Equal(t, pattern, b.bytes())
	assert.Equal(t, int64(1), c.misses)

	again, err := c.get(3, testFsize)
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.Equal(t, int64(1), c.hits)
	assert.Equal(t, 2, b.pins)

	c.release(b)
	c.release(again)
	assert.Equal(t, 0, c.pinned())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dev, c := newTestCache(t)

	for blk := int64(0); blk < minBufs; blk++ {
		b, err := c.get(blk, testFsize)
		require.NoError(t, err)
		if blk == 0 {
			copy(b.bytes(), "dirty block zero")
			c.markDirty(b)
		}
		c.release(b)
	}
	assert.Equal(t, make([]byte, 16), dev.Bytes()[:16], "dirty buffer must not be written before eviction")

	b, err := c.get(minBufs, testFsize)
	require.NoError(t, err)
	c.release(b)

	assert.Equal(t, int64(1), c.evictions)
	assert.Equal(t, "dirty block zero", string(dev.Bytes()[:16]))
	_, cached := c.index[0]
	assert.False(t, cached)
}

func TestCacheDeadlock(t *testing.T) {
	_, c := newTestCache(t)

	t.Run("all buffers pinned", func(t *testing.T) {
		var held []*buffer
		for blk := int64(0); blk < minBufs; blk++ {
			b, err := c.get(blk, testFsize)
			require.NoError(t, err)
			held = append(held, b)
		}
		_, err := c.get(minBufs, testFsize)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDeadlock))
		for _, b := range held {
			c.release(b)
		}
	})

	t.Run("size change while pinned", func(t *testing.T) {
		b, err := c.get(4, testFsize)
		require.NoError(t, err)
		_, err = c.get(4, 2*testFsize)
		assert.True(t, errors.Is(err, ErrDeadlock))
		c.release(b)

		grown, err := c.get(4, 2*testFsize)
		require.NoError(t, err)
		assert.Equal(t, 2*testFsize, len(grown.bytes()))
		c.release(grown)
	})
}

func TestCacheZeroFillsBadSectors(t *testing.T) {
	dev, c := newTestCache(t)
	copy(dev.Bytes()[2*testFsize:], bytes.Repeat([]byte{0x11}, testFsize))
	// Second sector of fragment 2.
	dev.BadSectors = map[int64]bool{5: true}

	var failedBlk int64 = -1
	var failedErrs int
	c.readFailed = func(blkno int64, errs int) { failedBlk, failedErrs = blkno, errs }

	b, err := c.get(2, testFsize)
	require.NoError(t, err)
	assert.Equal(t, int64(2), failedBlk)
	assert.Equal(t, 1, failedErrs)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, devBSize), b.bytes()[:devBSize])
	assert.Equal(t, make([]byte, devBSize), b.bytes()[devBSize:])

	c.markDirty(b)
	assert.ErrorIs(t, c.flush(b), errZeroedBuffer)

	c.allowZeroed = func(*buffer) bool { return true }
	require.NoError(t, c.flush(b))
	assert.False(t, b.dirty)
	c.release(b)
}

func TestCacheInvalidateDropsContents(t *testing.T) {
	dev, c := newTestCache(t)

	b, err := c.get(1, testFsize)
	require.NoError(t, err)
	copy(b.bytes(), "unwritten")
	c.markDirty(b)
	c.release(b)

	c.invalidate()
	assert.Empty(t, c.dirtyBuffers())
	assert.Equal(t, make([]byte, 9), dev.Bytes()[testFsize:testFsize+9])

	b, err = c.get(1, testFsize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 9), b.bytes()[:9])
	c.release(b)
}

func TestDiskBackendNoWrite(t *testing.T) {
	dev := NewMemoryDevice(4096)
	d := newDiskBackend(dev, true)
	assert.ErrorIs(t, d.writeAt([]byte{1}, 0), ErrReadOnly)
	assert.Equal(t, int64(0), d.writes)

	p := make([]byte, 16)
	assert.Error(t, d.readAt(p, 4090), "short read past the end")
}
