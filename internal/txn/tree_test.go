package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryTreeFloorAndCovering(t *testing.T) {
	tr := newEntryTree()
	rmw := &entry{key: "b", kind: kindRMW}
	del := &entry{key: "d", upperBound: "g", kind: kindDeleteRange}
	tr.insert(rmw)
	tr.insert(del)

	e, ok := tr.covering("b")
	require.True(t, ok)
	assert.Same(t, rmw, e)

	e, ok = tr.covering("e")
	require.True(t, ok)
	assert.Same(t, del, e)

	_, ok = tr.covering("g")
	assert.False(t, ok, "upper bound is exclusive")

	_, ok = tr.covering("a")
	assert.False(t, ok)
}

func TestEntryTreeIntersecting(t *testing.T) {
	tr := newEntryTree()
	a := &entry{key: "a", upperBound: "c", kind: kindDeleteRange}
	b := &entry{key: "e", kind: kindRMW}
	c := &entry{key: "f", upperBound: "h", kind: kindDeleteRange}
	tr.insert(a)
	tr.insert(b)
	tr.insert(c)

	got := tr.intersecting("b", "g", false)
	assert.ElementsMatch(t, []*entry{a, b, c}, got)

	got = tr.intersecting("x", "", true)
	assert.Empty(t, got)
}

func TestEntryTreeIntersectingUnbounded(t *testing.T) {
	tr := newEntryTree()
	d := &entry{key: "m", upperUnbounded: true, kind: kindDeleteRange}
	tr.insert(d)

	got := tr.intersecting("z", "", true)
	assert.Equal(t, []*entry{d}, got)

	got = tr.intersecting("a", "m", false)
	assert.Empty(t, got, "unbounded range starting at m does not reach back before m")
}
