package txn

// Abort discards every phase of this node without committing anything,
// notifying each entry's source of failure on the way down. Safe to call
// at most once per node; calling it again, or calling Commit after it, is
// undefined (same as committing a node twice).
func (n *Node) Abort(cause error) {
	n.mu.Lock()
	phases := n.phases
	n.phases = nil
	n.mu.Unlock()

	if cause == nil {
		cause = newError(Cancelled, nil, "transaction aborted")
	}
	for i := len(phases) - 1; i >= 0; i-- {
		n.abortPhase(phases[i], cause)
	}
}

// abortPhase destroys every entry in p, notifying sources of cause.
func (n *Node) abortPhase(p *phase, cause error) {
	var entries []*entry
	p.tree.ascend(func(e *entry) bool { entries = append(entries, e); return true })
	for _, e := range entries {
		p.tree.remove(e)
		n.destroyEntry(e, cause)
	}
}

// releasePhase drops every entry from p without further source
// notification. Used once a phase's dispatch has already resolved every
// entry (success or individually-recorded failure) and the tree is only
// being freed.
func (n *Node) releasePhase(p *phase) {
	var entries []*entry
	p.tree.ascend(func(e *entry) bool { entries = append(entries, e); return true })
	for _, e := range entries {
		p.tree.remove(e)
	}
}

// destroyEntry notifies cause up e's prev chain (idempotent — see
// writebackError), then frees e and everything it transitively owns: its
// prev chain, and for a delete-range entry, its superseded subtree. After
// this call nothing originally reachable from e remains live, satisfying
// the invariant that destroying a phase leaves none of its entries
// reachable from the node.
func (n *Node) destroyEntry(e *entry, cause error) {
	if e == nil {
		return
	}
	n.writebackError(e, cause)

	if e.superseded != nil {
		var children []*entry
		e.superseded.ascend(func(c *entry) bool { children = append(children, c); return true })
		for _, c := range children {
			n.destroyEntry(c, cause)
		}
	}

	prev := e.prev
	e.prev = nil
	e.next = nil
	n.destroyEntry(prev, cause)
}
