package ffs

// Inode states tracked between passes.
const (
	stUnalloc   uint8 = iota // USTATE
	stFile                   // FSTATE: allocated non-directory
	stDir                    // DSTATE: directory not yet reached from root
	stDirFound               // DFOUND: directory reached from root
	stDirClear               // DCLEAR: directory to be cleared
	stFileClear              // FCLEAR: file to be cleared
)

var stateNames = [...]string{"USTATE", "FSTATE", "DSTATE", "DFOUND", "DCLEAR", "FCLEAR"}

func stateName(st uint8) string {
	if int(st) < len(stateNames) {
		return stateNames[st]
	}
	return "BADSTATE"
}

func isDirState(st uint8) bool {
	return st == stDir || st == stDirFound || st == stDirClear
}

// inoChunk is the granularity in which a group's table grows.
const inoChunk = 64

// inoInfo is the per-inode record of the status table.
type inoInfo struct {
	state   uint8
	typ     uint8 // directory entry type
	linkcnt int32 // link count minus references seen so far
}

// inoStatus is the inode status table. Storage for a group is only
// allocated up to the highest inode that group has ever initialised.
// inited counts the leading inode records of each group known to hold
// valid data on disk; it can run ahead of the table but never behind it.
type inoStatus struct {
	ipg    uint64
	groups [][]inoInfo
	inited []int
	unused inoInfo
}

func newInoStatus(ncg uint32, ipg uint32) *inoStatus {
	return &inoStatus{
		ipg:    uint64(ipg),
		groups: make([][]inoInfo, ncg),
		inited: make([]int, ncg),
	}
}

// setup sizes group c for n inodes, all of them initialised on disk.
func (t *inoStatus) setup(c uint32, n int) {
	t.groups[c] = make([]inoInfo, n)
	t.inited[c] = n
}

func (t *inoStatus) initialised(c uint32) int { return t.inited[c] }

// markInitialised records that the first n records of group c are valid.
func (t *inoStatus) markInitialised(c uint32, n int) {
	if n > t.inited[c] {
		t.inited[c] = minOf(n, int(t.ipg))
	}
}

// grow extends group c so that index i is addressable.
func (t *inoStatus) grow(c uint32, i int) {
	g := t.groups[c]
	if i < len(g) {
		return
	}
	n := minOf(roundup(i+1, inoChunk), int(t.ipg))
	ng := make([]inoInfo, n)
	copy(ng, g)
	t.groups[c] = ng
}

func (t *inoStatus) numAlloced(c uint32) int { return len(t.groups[c]) }

// get returns the record of ino. Inodes beyond the allocated part of their
// group share a scratch record that always reads as unallocated.
func (t *inoStatus) get(ino uint64) *inoInfo {
	c, i := ino/t.ipg, int(ino%t.ipg)
	if c < uint64(len(t.groups)) && i < len(t.groups[c]) {
		return &t.groups[c][i]
	}
	t.unused = inoInfo{}
	return &t.unused
}

// each calls fn for every allocated record in inode order.
func (t *inoStatus) each(fn func(ino uint64, info *inoInfo)) {
	for c, g := range t.groups {
		base := uint64(c) * t.ipg
		for i := range g {
			fn(base+uint64(i), &g[i])
		}
	}
}

// count returns the number of inodes per state.
func (t *inoStatus) count() map[uint8]int {
	out := make(map[uint8]int)
	t.each(func(_ uint64, info *inoInfo) {
		out[info.state]++
	})
	return out
}
