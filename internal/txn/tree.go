package txn

import "github.com/google/btree"

// entryTree is an ordered, in-memory index of live entries keyed by
// representative key, backed by github.com/google/btree's generic BTreeG.
// It is the concrete realization of each phase's "ordered tree of entries"
// (spec §2) and of a delete-range entry's superseded subtree.
type entryTree struct {
	bt *btree.BTreeG[*entry]
}

// treeDegree is the btree node fan-out. 32 keeps the tree shallow for the
// modest per-phase entry counts a single transaction realistically holds.
const treeDegree = 32

func newEntryTree() *entryTree {
	return &entryTree{bt: btree.NewG[*entry](treeDegree, entryLess)}
}

func (t *entryTree) insert(e *entry) { t.bt.ReplaceOrInsert(e) }
func (t *entryTree) remove(e *entry) { t.bt.Delete(e) }
func (t *entryTree) len() int        { return t.bt.Len() }

func (t *entryTree) get(key string) (*entry, bool) {
	return t.bt.Get(&entry{key: key})
}

func (t *entryTree) ascend(fn func(e *entry) bool) { t.bt.Ascend(fn) }

// floor returns the entry with the greatest key <= key, if any.
func (t *entryTree) floor(key string) (*entry, bool) {
	var found *entry
	t.bt.DescendLessOrEqual(&entry{key: key}, func(e *entry) bool {
		found = e
		return false
	})
	return found, found != nil
}

// covering returns the live entry (RMW or delete-range) whose range
// contains key, if any.
func (t *entryTree) covering(key string) (*entry, bool) {
	e, ok := t.floor(key)
	if !ok {
		return nil, false
	}
	if e.coversPoint(key) {
		return e, true
	}
	return nil, false
}

// intersecting returns every live entry whose range intersects the
// half-open range [lo, hi) (hiUnbounded true means "to infinity").
func (t *entryTree) intersecting(lo, hi string, hiUnbounded bool) []*entry {
	var result []*entry
	if floor, ok := t.floor(lo); ok && floor.key < lo && floor.kind != kindRMW {
		if floor.upperUnbounded || floor.upperBound > lo {
			result = append(result, floor)
		}
	}
	t.bt.AscendGreaterOrEqual(&entry{key: lo}, func(e *entry) bool {
		if !hiUnbounded && e.key >= hi {
			return false
		}
		result = append(result, e)
		return true
	})
	return result
}
