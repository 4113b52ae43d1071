package ffs

import (
	"sort"
)

// dirNode is the cached record of one directory. Tree links are indices
// into inodeGraph.nodes; -1 means none.
type dirNode struct {
	ino    uint64
	parent uint64 // first directory found holding an entry for ino
	dotdot uint64 // where '..' points, 0 when missing
	isize  int64
	blks   []int64

	up, child, sibling int32
}

// inodeGraph caches every directory seen by pass 1 and the parent
// relationships discovered by pass 2. Nodes live in one slice and refer to
// each other by index, so the forest needs no pointers.
type inodeGraph struct {
	nodes []dirNode
	index map[uint64]int32
}

func newInodeGraph() *inodeGraph {
	return &inodeGraph{index: make(map[uint64]int32)}
}

// dotdotBad marks a '..' entry that was present but wrong and could not be
// repaired, so later passes must not trust it.
const dotdotBad = ^uint64(0)

// refresh copies the size and the pointers needed to locate the directory
// data from di.
func (n *dirNode) refresh(di *dinode, bsize int64) {
	nb := howmany(int64(di.Size), bsize)
	n.blks = n.blks[:0]
	if nb > ndaddr {
		n.blks = append(append(n.blks, di.DB[:]...), di.IB[:]...)
	} else {
		if nb == 0 {
			nb = 1
		}
		n.blks = append(n.blks, di.DB[:nb]...)
	}
	n.isize = int64(di.Size)
}

// dinode rebuilds an inode image that maps the cached directory blocks.
func (n *dirNode) dinode(ufs2 bool) *dinode {
	di := &dinode{Mode: ifdir, Size: uint64(n.isize), ufs2: ufs2}
	copy(di.DB[:], n.blks)
	if len(n.blks) > ndaddr {
		copy(di.IB[:], n.blks[ndaddr:])
	}
	return di
}

// add caches directory ino, replacing any previous record of it.
func (g *inodeGraph) add(ino uint64, di *dinode, bsize int64) *dirNode {
	n := dirNode{ino: ino, up: -1, child: -1, sibling: -1}
	if ino == RootIno {
		n.parent = RootIno
	}
	n.refresh(di, bsize)
	if i, ok := g.index[ino]; ok {
		g.nodes[i] = n
		return &g.nodes[i]
	}
	g.index[ino] = int32(len(g.nodes))
	g.nodes = append(g.nodes, n)
	return &g.nodes[len(g.nodes)-1]
}

// lookup returns the node for ino or nil.
func (g *inodeGraph) lookup(ino uint64) *dirNode {
	if i, ok := g.index[ino]; ok {
		return &g.nodes[i]
	}
	return nil
}

// sorted returns the inode numbers of all directories ordered by their
// first data block, so directory scans sweep the disk once.
func (g *inodeGraph) sorted() []uint64 {
	idx := make([]int32, len(g.nodes))
	for i := range idx {
		idx[i] = int32(i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return g.nodes[idx[a]].blks[0] < g.nodes[idx[b]].blks[0]
	})
	out := make([]uint64, len(idx))
	for i, n := range idx {
		out[i] = g.nodes[n].ino
	}
	return out
}

// buildForest links every directory under its recorded parent.
func (g *inodeGraph) buildForest() {
	for i := range g.nodes {
		g.nodes[i].up, g.nodes[i].child, g.nodes[i].sibling = -1, -1, -1
	}
	for i := range g.nodes {
		n := &g.nodes[i]
		if n.parent == 0 || n.parent == n.ino {
			continue
		}
		p, ok := g.index[n.parent]
		if !ok {
			continue
		}
		n.up = p
		n.sibling = g.nodes[p].child
		g.nodes[p].child = int32(i)
	}
}

// attach moves ino under parent in the forest and records the new parent.
func (g *inodeGraph) attach(ino, parent uint64) {
	i, ok := g.index[ino]
	if !ok {
		return
	}
	g.detach(i)
	n := &g.nodes[i]
	n.parent = parent
	p, ok := g.index[parent]
	if !ok || parent == ino {
		return
	}
	n.up = p
	n.sibling = g.nodes[p].child
	g.nodes[p].child = i
}

func (g *inodeGraph) detach(i int32) {
	n := &g.nodes[i]
	if n.up < 0 {
		return
	}
	p := &g.nodes[n.up]
	if p.child == i {
		p.child = n.sibling
	} else {
		for c := p.child; c >= 0; c = g.nodes[c].sibling {
			if g.nodes[c].sibling == i {
				g.nodes[c].sibling = n.sibling
				break
			}
		}
	}
	n.up, n.sibling = -1, -1
}

// descend visits ino and the directories below it in the forest. fn
// returns false to leave the subtree of a node unvisited. The walk uses an
// explicit stack and a visited set, so a corrupted forest cannot recurse
// without bound.
func (g *inodeGraph) descend(ino uint64, fn func(n *dirNode) bool) {
	start, ok := g.index[ino]
	if !ok {
		return
	}
	seen := make(map[int32]bool)
	stack := []int32{start}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[i] {
			continue
		}
		seen[i] = true
		if !fn(&g.nodes[i]) {
			continue
		}
		for c := g.nodes[i].child; c >= 0; c = g.nodes[c].sibling {
			stack = append(stack, c)
		}
	}
}

// climb follows parent links up from ino while follow accepts the next
// parent. It returns the last directory reached, or the first one seen
// twice together with loop set.
func (g *inodeGraph) climb(ino uint64, follow func(parent uint64) bool) (top uint64, loop bool) {
	seen := make(map[uint64]bool)
	for cur := ino; ; {
		if seen[cur] {
			return cur, true
		}
		seen[cur] = true
		n := g.lookup(cur)
		if n == nil || n.parent == 0 || n.parent == cur || !follow(n.parent) {
			return cur, false
		}
		cur = n.parent
	}
}
