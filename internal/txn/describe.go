package txn

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

func (e *entry) String() string {
	switch e.kind {
	case kindRMW:
		return fmt.Sprintf("rmw(%s)", e.node.driver.DescribeKey(e.key))
	default:
		hi := e.upperBound
		if e.upperUnbounded {
			hi = "<inf>"
		}
		return fmt.Sprintf("%s([%s,%s))", e.kind, e.node.driver.DescribeKey(e.key), hi)
	}
}

// Describe renders every live phase and entry of n, for logs and tests.
func Describe(n *Node) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "node %s (%d phase(s)):\n", n.id, len(n.phases))
	for _, p := range n.phases {
		fmt.Fprintf(&b, "  phase %d (%d entries):\n", p.index, p.tree.len())
		p.tree.ascend(func(e *entry) bool {
			fmt.Fprintf(&b, "    %s\n", e)
			return true
		})
	}
	return b.String()
}

// LiveKeys returns the representative key of every live entry anywhere in
// n (the single key of an RMW, the inclusive lower bound of a delete-range
// or placeholder), across all phases, sorted. Each phase's own tree is
// already ordered, but phases must be merged and re-sorted to produce one
// node-wide view.
func LiveKeys(n *Node) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var keys []string
	for _, p := range n.phases {
		p.tree.ascend(func(e *entry) bool {
			keys = append(keys, e.key)
			return true
		})
	}
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	})
	return keys
}
