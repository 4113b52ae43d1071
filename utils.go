package ffs

import (
	"strconv"

	"golang.org/x/exp/constraints"
)

// howmany returns the number of y-sized units needed to hold x.
func howmany[T constraints.Integer](x, y T) T {
	return (x + y - 1) / y
}

// roundup rounds x up to a multiple of y.
func roundup[T constraints.Integer](x, y T) T {
	return howmany(x, y) * y
}

func isPowerOf2[T constraints.Integer](x T) bool {
	return x > 0 && x&(x-1) == 0
}

func ilog2[T constraints.Integer](x T) int {
	n := 0
	for x > 1 {
		x >>= 1
		n++
	}
	return n
}

func minOf[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func maxOf[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// fragacct adds cnt to fraglist for every run of free fragments inside one
// block. fragmap holds the free bits of the block, bit 0 is the first frag.
// Runs spanning the whole block are full blocks and are not counted.
func fragacct(frag int, fragmap uint32, fraglist *[8]int32, cnt int32) {
	run := 0
	for i := 0; i < frag; i++ {
		if fragmap&(1<<uint(i)) != 0 {
			run++
			continue
		}
		if run > 0 && run < frag {
			fraglist[run] += cnt
		}
		run = 0
	}
	if run > 0 && run < frag {
		fraglist[run] += cnt
	}
}

// lostFoundName is the name under which an orphan is reconnected.
func lostFoundName(ino uint64) string {
	return "#" + strconv.FormatUint(ino, 10)
}

// modeToDirType maps an inode mode to the directory entry type byte.
func modeToDirType(mode uint16) uint8 {
	return uint8((mode & ifmt) >> 12)
}

func typeName(mode uint16) string {
	switch mode & ifmt {
	case ifdir:
		return "DIR"
	case iflnk:
		return "SYMLINK"
	case ifreg:
		return "FILE"
	case ifchr, ifblk:
		return "DEVICE"
	case ififo:
		return "FIFO"
	case ifsock:
		return "SOCKET"
	}
	return "FILE"
}
