package ffs

// dupSet is a multiset of fragments claimed more than once. The count of a
// fragment is the number of claims beyond the first, so releasing a claim
// either consumes an extra claim or reports that the last owner is gone.
type dupSet struct {
	extra map[int64]int
	order []int64 // first-seen order, for stable reports
}

func newDupSet() *dupSet {
	return &dupSet{extra: make(map[int64]int)}
}

// add records one more claim on blk beyond its first owner and reports
// whether blk was not yet known as a duplicate.
func (d *dupSet) add(blk int64) bool {
	n, seen := d.extra[blk]
	if !seen {
		d.order = append(d.order, blk)
	}
	d.extra[blk] = n + 1
	return !seen
}

// has reports whether blk has outstanding extra claims.
func (d *dupSet) has(blk int64) bool {
	return d.extra[blk] > 0
}

// known reports whether blk was ever claimed twice.
func (d *dupSet) known(blk int64) bool {
	_, ok := d.extra[blk]
	return ok
}

// release drops one claim on blk. It returns true when an extra claim was
// consumed, false when the caller held the last claim and the fragment may
// be freed.
func (d *dupSet) release(blk int64) bool {
	if n := d.extra[blk]; n > 0 {
		d.extra[blk] = n - 1
		return true
	}
	return false
}

// claims returns how many claims on blk pass 1 saw in total.
func (d *dupSet) claims(blk int64) int {
	return d.extra[blk] + 1
}

func (d *dupSet) len() int { return len(d.order) }

// blocks returns every fragment ever seen duplicated, in discovery order.
func (d *dupSet) blocks() []int64 {
	return append([]int64(nil), d.order...)
}
