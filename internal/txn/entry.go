package txn

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/kvtxn/internal/kvstore"
)

// entryKind distinguishes the two shapes an entry's key range can take.
type entryKind uint8

const (
	// kindRMW is a single-key read-modify-write entry.
	kindRMW entryKind = iota
	// kindDeleteRange is a caller-admitted half-open range delete.
	kindDeleteRange
	// kindDeleteRangePlaceholder is a residual fragment of a delete range
	// left behind after an RMW admission split it around one key.
	kindDeleteRangePlaceholder
)

func (k entryKind) String() string {
	switch k {
	case kindRMW:
		return "rmw"
	case kindDeleteRange:
		return "delete-range"
	case kindDeleteRangePlaceholder:
		return "delete-range-placeholder"
	default:
		return "unknown"
	}
}

// flagBits are the per-entry status bits referenced by spec §4.2, kept as
// a single atomic word so the commit dispatcher (many goroutines, one per
// entry) and the admission path (holding node.mu) never need a shared
// lock just to test one bit.
type flagBits uint32

const (
	// flagWritebackProvided marks that this entry's Source.Writeback call
	// has returned at least once.
	flagWritebackProvided flagBits = 1 << iota
	// flagTransitivelyUnconditional marks that this entry, or the one it
	// supersedes, produced an unconditional writeback: later entries in the
	// same chain need not re-validate against the driver.
	flagTransitivelyUnconditional
	// flagPrevDeleted marks that a delete-range covered this key after any
	// prior RMW on it (prev, if set, is the RMW that delete had absorbed):
	// Target.Read must synthesize a missing result instead of delegating to
	// prev.source.Writeback.
	flagPrevDeleted
	// flagError marks that writebackError has already run for this entry;
	// it exists purely to make that notification idempotent.
	flagError
	// flagTransitivelyDirty marks that this entry, or one it supersedes,
	// produced a concrete (non-unspecified) writeback result.
	flagTransitivelyDirty
	// flagNonRetryable marks that a generation mismatch on this entry must
	// fail the commit outright rather than trigger a retry.
	flagNonRetryable
	// flagSupportsByteRange marks that this entry's source can answer a
	// scoped (non-whole-value) writeback request.
	flagSupportsByteRange
)

// entry is one admitted mutation: either an RMW on a single key, or a
// delete covering a half-open key range. It is always reachable from
// exactly one place at a time — a phase's tree, or another entry's prev
// pointer, or a delete-range entry's superseded subtree — so ownership
// never needs reference counting.
type entry struct {
	node *Node
	key  string

	// upperBound and upperUnbounded describe [key, upperBound) for a
	// delete-kind entry; unused for kindRMW, whose range is the single
	// point key.
	upperBound     string
	upperUnbounded bool

	kind entryKind

	// originalPhase records which phase this entry was admitted (or last
	// relocated) into. For a live, tree-resident entry this always equals
	// the phase it is found in; see commit.go's relocate for why.
	originalPhase int

	flags uint32 // atomic, bits are flagBits

	// source is nil for delete-kind entries; for kindRMW it is the
	// caller-supplied collaborator asked for the value to write.
	source Source

	// prev is the earlier RMW entry on the same key this one supersedes, if
	// any; it is never a delete-kind entry. next
	// is the reverse link, set only for bookkeeping — by construction a
	// tree-resident entry's next is always nil, since the moment something
	// supersedes it, it is spliced out of its tree.
	prev *entry
	next *entry

	// buf* hold the most recent Writeback result, used by the atomic commit
	// path to build a batch without re-asking the source mid-validation.
	bufState kvstore.ReadResultState
	bufValue []byte
	bufStamp kvstore.TimestampedGeneration

	// origGeneration is set once an atomic commit succeeds, recording the
	// generation the accepted write was conditioned on.
	origGeneration kvstore.Generation

	// superseded holds RMW entries an owning delete-range entry has fully
	// absorbed (its key falls inside the delete's range), kept only so a
	// later split can hand one back as a buried prev. Nil for kindRMW.
	superseded *entryTree

	mu       sync.Mutex
	firstErr error
}

func entryLess(a, b *entry) bool { return a.key < b.key }

func (e *entry) hasFlag(f flagBits) bool {
	return atomic.LoadUint32(&e.flags)&uint32(f) != 0
}

func (e *entry) setFlag(f flagBits) {
	for {
		old := atomic.LoadUint32(&e.flags)
		if old&uint32(f) != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&e.flags, old, old|uint32(f)) {
			return
		}
	}
}

// setFlagCAS sets f and reports whether this call was the one that set it
// (false means some other caller already had).
func (e *entry) setFlagCAS(f flagBits) bool {
	for {
		old := atomic.LoadUint32(&e.flags)
		if old&uint32(f) != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&e.flags, old, old|uint32(f)) {
			return true
		}
	}
}

// coversPoint reports whether key falls within e's range.
func (e *entry) coversPoint(key string) bool {
	if e.kind == kindRMW {
		return e.key == key
	}
	if key < e.key {
		return false
	}
	return e.upperUnbounded || key < e.upperBound
}

// tailOf walks to the newest entry in e's supersession chain. Under the
// eager-relocation admission rules in node.go a tree-resident entry never
// has a non-nil next, so this is structurally a no-op walk; it is kept so
// the commit path stays correct if that invariant is ever relaxed.
func tailOf(e *entry) *entry {
	for e.next != nil {
		e = e.next
	}
	return e
}

// successorKey returns the lexicographically smallest string strictly
// greater than key, used to give the right-hand fragment of a split
// delete-range a distinct lower bound from the RMW that split it. Mirrors
// the "successor of a key" helper the source system's own KeyRange type
// provides for exactly this purpose.
func successorKey(key string) string {
	return key + "\x00"
}
