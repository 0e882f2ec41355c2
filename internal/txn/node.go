package txn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/kvtxn/internal/kvstore"
)

// TransactionMode selects how a Txn's nodes commit. This is an expansion
// beyond the source spec's literal text, which mentions repeatable_read
// only as a per-read option; see SPEC_FULL.md and DESIGN.md for why it is
// promoted to a transaction-wide mode here.
type TransactionMode uint8

const (
	// ModeIsolated is the default: each node commits independently, atomic
	// if its driver supports it, per-key otherwise.
	ModeIsolated TransactionMode = iota
	// ModeAtomic requires every node touched by the transaction to support
	// AtomicDriver; CommitTransaction fails fast if one does not.
	ModeAtomic
	// ModeRepeatableRead additionally admits a validating no-op RMW for
	// every TransactionalRead, so commit fails if a read value changed
	// underneath the transaction.
	ModeRepeatableRead
)

// Txn is the caller-held handle threading mutation admission across
// possibly many drivers. One Node is created per distinct driver the
// transaction touches.
type Txn struct {
	Mode TransactionMode

	mu    sync.Mutex
	nodes map[kvstore.Driver]*Node
}

// NewTxn creates an empty transaction in the given mode.
func NewTxn(mode TransactionMode) *Txn {
	return &Txn{Mode: mode, nodes: make(map[kvstore.Driver]*Node)}
}

// nodeFor returns (creating if necessary) the mutation node backing driver
// within this transaction.
func (t *Txn) nodeFor(driver kvstore.Driver) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[driver]; ok {
		return n
	}
	n := newNode(driver, t)
	t.nodes[driver] = n
	return n
}

// Nodes returns a snapshot of every node this transaction has touched.
func (t *Txn) Nodes() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

// Node is the multi-phase mutation for one (transaction, driver) pair: the
// mutex guarding admission, the arena of phases, and the driver it will
// eventually commit against.
type Node struct {
	id           uuid.UUID
	driver       kvstore.Driver
	atomicDriver kvstore.AtomicDriver
	txn          *Txn

	mu     sync.Mutex
	phases []*phase
}

func newNode(driver kvstore.Driver, txn *Txn) *Node {
	n := &Node{id: uuid.New(), driver: driver, txn: txn, phases: []*phase{newPhase(0)}}
	if ad, ok := driver.(kvstore.AtomicDriver); ok {
		n.atomicDriver = ad
	}
	return n
}

func (n *Node) last() *phase {
	return n.phases[len(n.phases)-1]
}

// NewPhase appends a fresh phase to the arena and returns its index. Use
// this between groups of admissions that must commit in strict sequence
// (e.g. "delete everything under a prefix, then write replacements");
// everything else stays on phase 0.
func (n *Node) NewPhase() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := len(n.phases)
	n.phases = append(n.phases, newPhase(idx))
	return idx
}

func (n *Node) applyCapabilityFlags(e *entry, source Source) {
	if c, ok := source.(interface{ SupportsByteRange() bool }); ok && c.SupportsByteRange() {
		e.setFlag(flagSupportsByteRange)
	}
	if c, ok := source.(interface{ NonRetryable() bool }); ok && c.NonRetryable() {
		e.setFlag(flagNonRetryable)
	}
	if b, ok := source.(TargetBinder); ok {
		b.BindTarget(e)
	}
}

// AddReadModifyWrite admits an RMW on key, returning the phase it lands
// in. If any live entry anywhere in the node already covers key — an
// earlier RMW, a delete-range, or a delete-range placeholder — it is
// superseded (chained via prev) or split around key, and the surviving
// pieces are relocated into the last phase. This is the node's resolution
// of the source spec's open question about which phase owns a split
// delete-range's placeholders: always the later one.
func (n *Node) AddReadModifyWrite(key string, source Source) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	last := n.last()

	var covering *entry
	var coveringPhase *phase
	for _, p := range n.phases {
		if e, ok := p.tree.covering(key); ok {
			covering, coveringPhase = e, p
			break
		}
	}

	if covering == nil {
		e := &entry{node: n, key: key, kind: kindRMW, originalPhase: last.index, source: source}
		n.applyCapabilityFlags(e, source)
		last.tree.insert(e)
		return last.index, nil
	}

	coveringPhase.tree.remove(covering)

	if covering.kind == kindRMW {
		e := &entry{node: n, key: key, kind: kindRMW, originalPhase: last.index, source: source, prev: covering}
		covering.next = e
		n.applyCapabilityFlags(e, source)
		last.tree.insert(e)
		return last.index, nil
	}

	return last.index, n.splitDelete(last, covering, key, source)
}

// splitDelete carves the single key out of delete-range (or placeholder) d,
// leaving behind at most two residual placeholders in the last phase and
// installing a new RMW entry for key whose prev is whichever entry d had
// absorbed for that same key, if any.
func (n *Node) splitDelete(last *phase, d *entry, key string, source Source) error {
	var buriedPrev *entry
	leftSup := newEntryTree()
	rightSup := newEntryTree()
	if d.superseded != nil {
		d.superseded.ascend(func(e *entry) bool {
			switch {
			case e.key == key:
				buriedPrev = e
			case e.key < key:
				leftSup.insert(e)
			default:
				rightSup.insert(e)
			}
			return true
		})
	}

	if d.key < key {
		left := &entry{
			node: n, key: d.key, upperBound: key,
			kind: kindDeleteRangePlaceholder, originalPhase: last.index,
			superseded: leftSup,
		}
		last.tree.insert(left)
	}

	succ := successorKey(key)
	if d.upperUnbounded || d.upperBound > succ {
		right := &entry{
			node: n, key: succ, upperBound: d.upperBound, upperUnbounded: d.upperUnbounded,
			kind: kindDeleteRangePlaceholder, originalPhase: last.index,
			superseded: rightSup,
		}
		last.tree.insert(right)
	}

	e := &entry{node: n, key: key, kind: kindRMW, originalPhase: last.index, source: source, prev: buriedPrev}
	e.setFlag(flagPrevDeleted)
	if buriedPrev != nil {
		buriedPrev.next = e
	}
	n.applyCapabilityFlags(e, source)
	last.tree.insert(e)
	return nil
}

// AddDeleteRange admits a half-open delete over r, returning the phase it
// lands in. Every live entry anywhere in the node that overlaps r — in any
// phase, including the last one — is folded into the new entry: RMWs are
// absorbed into its superseded subtree (kept only so a later split can
// recover them), and overlapping delete-ranges or placeholders are merged
// by growing r to their bounds. The result always lands in the last phase.
func (n *Node) AddDeleteRange(r kvstore.KeyRange) (int, error) {
	if r.Exclusive != "" && r.Inclusive > r.Exclusive {
		return 0, newError(InvalidArgument, nil, "inverted key range [%q, %q)", r.Inclusive, r.Exclusive)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	last := n.last()
	lo, hi, hiUnbounded := r.Inclusive, r.Exclusive, r.Exclusive == ""
	superseded := newEntryTree()

	for {
		grew := false
		for _, p := range n.phases {
			for _, e := range p.tree.intersecting(lo, hi, hiUnbounded) {
				if e.kind == kindRMW {
					p.tree.remove(e)
					superseded.insert(e)
					continue
				}
				p.tree.remove(e)
				if e.key < lo {
					lo = e.key
					grew = true
				}
				if !hiUnbounded {
					if e.upperUnbounded {
						hiUnbounded = true
						grew = true
					} else if e.upperBound > hi {
						hi = e.upperBound
						grew = true
					}
				}
				if e.superseded != nil {
					e.superseded.ascend(func(se *entry) bool {
						superseded.insert(se)
						return true
					})
				}
			}
		}
		if !grew {
			break
		}
	}

	e := &entry{
		node: n, key: lo, upperBound: hi, upperUnbounded: hiUnbounded,
		kind: kindDeleteRange, originalPhase: last.index, superseded: superseded,
	}
	last.tree.insert(e)
	return last.index, nil
}
