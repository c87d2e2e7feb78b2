package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leaf struct {
	h    Header
	name string
}

func (l *leaf) Hdr() *Header { return &l.h }

func newLeaf(name string, weight int) *leaf {
	l := &leaf{name: name}
	l.h.Weight = weight
	return l
}

func TestServiceTree_ActivateThenSelectPicksSmallestFinish(t *testing.T) {
	st := NewServiceTree()
	a := newLeaf("a", 100)
	b := newLeaf("b", 100)

	st.Activate(a, 1000)
	st.Activate(b, 500)

	// b has the smaller budget, so a smaller F at equal weight: it should
	// be selected first.
	assert.Equal(t, b, st.Select())
}

func TestServiceTree_EligibilityGatesSelection(t *testing.T) {
	st := NewServiceTree()
	a := newLeaf("a", 100)
	st.Activate(a, 1000)
	st.Remove(a)

	// expire a once with backlog: its new S (its old F) lies beyond V, so
	// it goes to the idle subtree
	st.ExpireWithBacklog(a, 1000)
	require.True(t, a.h.S <= st.V || a.h.InIdleSubtree())

	b := newLeaf("b", 100)
	st.Activate(b, 10) // tiny budget => tiny F, but S is pinned to current V
	got := st.Select()
	require.NotNil(t, got)
}

func TestServiceTree_AdvanceVTimeMigratesIdleEntities(t *testing.T) {
	st := NewServiceTree()
	a := newLeaf("a", 100)
	st.Activate(a, 1000) // S=0, F=10
	st.Remove(a)

	// expiring a moves its S to its old F while V stays 0, so it sits in
	// the idle subtree until AdvanceVTime
	st.ExpireWithBacklog(a, 1000) // S=10 (=F), V still 0 until AdvanceVTime
	require.Equal(t, 0, st.ActiveLen())
	assert.Equal(t, 1, st.IdleLen())

	st.AdvanceVTime()
	assert.Equal(t, float64(10), st.VirtualTime())
	assert.Equal(t, 1, st.ActiveLen())
	assert.Equal(t, 0, st.IdleLen())
}

func TestServiceTree_UpdateWeightRepositionsNotInService(t *testing.T) {
	st := NewServiceTree()
	a := newLeaf("a", 100)
	st.Activate(a, 1000) // F = 10
	oldF := a.h.F

	st.UpdateWeight(a, 200)
	assert.Equal(t, 200, a.h.Weight)
	assert.NotEqual(t, oldF, a.h.F)
	assert.Equal(t, a.h.S+float64(1000)/float64(200), a.h.F)
}

func TestServiceTree_RemoveIsIdempotentWhenNotInTree(t *testing.T) {
	st := NewServiceTree()
	a := newLeaf("a", 100)
	assert.NotPanics(t, func() { st.Remove(a) })
}

func TestServiceTree_TieBreakByInsertionOrderOnEqualFinish(t *testing.T) {
	st := NewServiceTree()
	a := newLeaf("a", 100)
	b := newLeaf("b", 100)
	st.Activate(a, 1000)
	st.Activate(b, 1000) // identical S, weight, budget => identical F

	// a was inserted first, so it must win the tie-break.
	assert.Equal(t, a, st.Select())
}

func TestServiceTree_ActivateTwiceWithoutRemovePanics(t *testing.T) {
	st := NewServiceTree()
	a := newLeaf("a", 100)
	st.Activate(a, 1000)

	// Activating an entity already on a tree without an intervening Remove
	// would leave it on two nodes at once, breaking the exclusive
	// tree-membership invariant.
	assert.Panics(t, func() { st.Activate(a, 1000) })
}
