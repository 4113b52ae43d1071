package ffs

import (
	"errors"

	"github.com/ansel1/merry"
)

// bufHandle is the stable index of a slot in the buffer arena.
type bufHandle int32

const noBuf bufHandle = -1

// buffer holds one in-memory copy of a run of fragments. It belongs to the
// cache; callers pin it through get and unpin it with release.
type buffer struct {
	h     bufHandle
	blkno int64 // fragment address, -1 when the slot is empty
	off   int64 // byte offset on the device
	size  int
	data  []byte
	dirty bool
	errs  int // sectors that could not be read and were zero-filled
	pins  int

	prev, next bufHandle
}

// bytes returns the valid part of the buffer.
func (b *buffer) bytes() []byte { return b.data[:b.size] }

var errZeroedBuffer = errors.New("buffer contains zero-filled sectors")

// bufCache is a fixed pool of fragment buffers kept in most-recently-used
// order. The superblock has its own slot outside the pool so that it is
// never evicted.
type bufCache struct {
	disk      *diskBackend
	fsize     int64
	secsize   int
	slots     []buffer
	index     map[int64]bufHandle
	head      bufHandle // most recently used
	tail      bufHandle // least recently used
	super     buffer
	superSync func() error

	// readFailed is told about every failed read after the sectors have
	// been zero-filled.
	readFailed func(blkno int64, errs int)
	// allowZeroed decides whether a dirty buffer with zero-filled sectors
	// may be written back. Without it such buffers are never written.
	allowZeroed func(b *buffer) bool

	hits, misses, evictions int64
}

// newBufCache allocates a pool of bufspace/bsize buffers, but never fewer
// than minBufs.
func newBufCache(disk *diskBackend, bsize, fsize, secsize int, bufspace int) *bufCache {
	n := bufspace / bsize
	if n < minBufs {
		n = minBufs
	}

	c := &bufCache{
		disk:    disk,
		fsize:   int64(fsize),
		secsize: secsize,
		slots:   make([]buffer, n),
		index:   make(map[int64]bufHandle, n),
		head:    noBuf,
		tail:    noBuf,
	}
	for i := range c.slots {
		b := &c.slots[i]
		b.h = bufHandle(i)
		b.blkno = -1
		b.data = make([]byte, bsize)
		b.prev, b.next = noBuf, noBuf
		c.pushFront(b.h)
	}
	c.super.h = noBuf
	c.super.blkno = -1

	return c
}

func (c *bufCache) slot(h bufHandle) *buffer { return &c.slots[h] }

func (c *bufCache) unlink(h bufHandle) {
	b := c.slot(h)
	if b.prev != noBuf {
		c.slot(b.prev).next = b.next
	} else {
		c.head = b.next
	}
	if b.next != noBuf {
		c.slot(b.next).prev = b.prev
	} else {
		c.tail = b.prev
	}
	b.prev, b.next = noBuf, noBuf
}

func (c *bufCache) pushFront(h bufHandle) {
	b := c.slot(h)
	b.prev = noBuf
	b.next = c.head
	if c.head != noBuf {
		c.slot(c.head).prev = h
	}
	c.head = h
	if c.tail == noBuf {
		c.tail = h
	}
}

func (c *bufCache) touch(h bufHandle) {
	if c.head == h {
		return
	}
	c.unlink(h)
	c.pushFront(h)
}

// get returns the pinned buffer for size bytes starting at fragment blkno,
// reading it from disk on first access.
func (c *bufCache) get(blkno int64, size int) (*buffer, error) {
	if h, ok := c.index[blkno]; ok {
		b := c.slot(h)
		if b.size == size {
			c.hits++
			b.pins++
			c.touch(h)
			return b, nil
		}
		if b.pins > 0 {
			return nil, merry.Prependf(ErrDeadlock, "block %d requested with size %d while pinned with size %d", blkno, size, b.size)
		}
		if err := c.retire(b); err != nil {
			return nil, err
		}
	}

	b, err := c.victim()
	if err != nil {
		return nil, err
	}

	c.misses++
	b.blkno = blkno
	b.off = blkno * c.fsize
	b.size = size
	b.dirty = false
	b.pins = 1
	c.index[blkno] = b.h
	c.touch(b.h)
	c.fill(b)

	return b, nil
}

// victim picks the least recently used unpinned slot and empties it.
func (c *bufCache) victim() (*buffer, error) {
	for h := c.tail; h != noBuf; h = c.slot(h).prev {
		b := c.slot(h)
		if b.pins > 0 {
			continue
		}
		if b.blkno >= 0 {
			c.evictions++
			if err := c.retire(b); err != nil {
				return nil, err
			}
		}
		return b, nil
	}

	return nil, merry.Prependf(ErrDeadlock, "all %d buffers pinned", len(c.slots))
}

// retire writes back and forgets the contents of an unpinned slot.
func (c *bufCache) retire(b *buffer) error {
	if err := c.flush(b); err != nil && !errors.Is(err, errZeroedBuffer) {
		return err
	}
	delete(c.index, b.blkno)
	b.blkno = -1
	b.dirty = false
	b.errs = 0
	return nil
}

// fill reads the buffer contents. On error every sector is retried on its
// own; unreadable sectors are zero-filled and counted.
func (c *bufCache) fill(b *buffer) {
	b.errs = 0
	p := b.bytes()
	if err := c.disk.readAt(p, b.off); err == nil {
		return
	}

	for i := 0; i < len(p); i += c.secsize {
		end := minOf(i+c.secsize, len(p))
		if err := c.disk.readAt(p[i:end], b.off+int64(i)); err != nil {
			clear(p[i:end])
			b.errs++
		}
	}
	if b.errs > 0 && c.readFailed != nil {
		c.readFailed(b.blkno, b.errs)
	}
}

// release unpins a buffer.
func (c *bufCache) release(b *buffer) {
	if b == nil {
		return
	}
	if b.pins > 0 {
		b.pins--
	}
}

func (c *bufCache) markDirty(b *buffer) { b.dirty = true }

// flush writes a dirty buffer back. A buffer holding zero-filled sectors
// is refused with errZeroedBuffer unless allowZeroed overrides it;
// forceFlush writes it unconditionally.
func (c *bufCache) flush(b *buffer) error {
	if !b.dirty {
		return nil
	}
	if b.errs > 0 && (c.allowZeroed == nil || !c.allowZeroed(b)) {
		return errZeroedBuffer
	}
	b.errs = 0
	return c.write(b)
}

func (c *bufCache) forceFlush(b *buffer) error {
	if !b.dirty {
		return nil
	}
	b.errs = 0
	return c.write(b)
}

func (c *bufCache) write(b *buffer) error {
	if err := c.disk.writeAt(b.bytes(), b.off); err != nil {
		return merry.WithValue(merry.Prependf(ErrIO, "%v", err), errKeyBlock, b.blkno)
	}
	b.dirty = false

	if b == &c.super && c.superSync != nil {
		return c.superSync()
	}
	return nil
}

// dirtyBuffers returns the pool buffers with pending writes.
func (c *bufCache) dirtyBuffers() []*buffer {
	var out []*buffer
	for i := range c.slots {
		if b := &c.slots[i]; b.blkno >= 0 && b.dirty {
			out = append(out, b)
		}
	}
	return out
}

// invalidate drops every cached block without writing it. Used after the
// journal has rewritten the device underneath the cache.
func (c *bufCache) invalidate() {
	for i := range c.slots {
		b := &c.slots[i]
		if b.blkno >= 0 {
			delete(c.index, b.blkno)
		}
		b.blkno = -1
		b.dirty = false
		b.errs = 0
		b.pins = 0
	}
}

// pinned returns the number of buffers currently held by callers.
func (c *bufCache) pinned() int {
	n := 0
	for i := range c.slots {
		if c.slots[i].pins > 0 {
			n++
		}
	}
	return n
}
