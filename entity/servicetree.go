package entity

import (
	"fmt"

	"github.com/virtfair/bfq/internal/rbtree"
)

// ServiceTree is one scheduling domain's B-WF2Q+ tree for a single
// priority class (§3): an active subtree (eligible-now entities, S ≤ V)
// and an idle subtree (not-yet-eligible, S > V), both keyed by virtual
// finish time F and augmented with the subtree minimum of S, plus the
// domain's virtual time V.
type ServiceTree struct {
	active *rbtree.Tree[vkey, Entity, float64]
	idle   *rbtree.Tree[vkey, Entity, float64]
	V      float64
	nextSeq uint64
}

func recomputeMinS(n *treeNode) float64 {
	m := n.Key.S
	if l := n.Left(); l != nil && l.Augment < m {
		m = l.Augment
	}
	if r := n.Right(); r != nil && r.Augment < m {
		m = r.Augment
	}
	return m
}

// NewServiceTree creates an empty domain.
func NewServiceTree() *ServiceTree {
	return &ServiceTree{
		active: rbtree.New[vkey, Entity, float64](lessVKey, recomputeMinS),
		idle:   rbtree.New[vkey, Entity, float64](lessVKey, recomputeMinS),
	}
}

// VirtualTime returns the domain's current virtual time.
func (st *ServiceTree) VirtualTime() float64 { return st.V }

// ActiveLen and IdleLen expose subtree sizes, mainly for tests and metrics.
func (st *ServiceTree) ActiveLen() int { return st.active.Len() }
func (st *ServiceTree) IdleLen() int   { return st.idle.Len() }

func (st *ServiceTree) insert(e Entity) {
	h := e.Hdr()
	if h.node != nil {
		panic(fmt.Sprintf("entity: invariant violation: insert called on an entity already on a service tree (seq %d)", h.seq))
	}
	h.seq = st.nextSeq
	st.nextSeq++
	k := vkey{F: h.F, S: h.S, seq: h.seq}
	if h.S <= st.V {
		h.node = st.active.Insert(k, e)
		h.inIdle = false
	} else {
		h.node = st.idle.Insert(k, e)
		h.inIdle = true
	}
}

func finishFromBudget(start float64, budget int64, weight int) float64 {
	w := weight
	if w <= 0 {
		w = 1
	}
	return start + float64(budget)/float64(w)
}

// Activate inserts an entity with no prior timestamp memory: S is pinned
// to the current V and F is derived from the granted budget and weight
// (§4.1 "On first activation when empty").
func (st *ServiceTree) Activate(e Entity, budget int64) {
	h := e.Hdr()
	h.Budget = budget
	h.S = st.V
	h.F = finishFromBudget(h.S, budget, h.Weight)
	st.insert(e)
}

// Reactivate reinserts an entity that already carries a start timestamp
// from a previous activation, recomputing F from the (possibly new)
// budget and weight while keeping S (§4.1 "On re-activation while still on
// a tree: keep S").
func (st *ServiceTree) Reactivate(e Entity, budget int64) {
	h := e.Hdr()
	h.Budget = budget
	h.F = finishFromBudget(h.S, budget, h.Weight)
	st.insert(e)
}

// ResumeAfterHole reinserts an entity using the exact S/F it held at its
// last expiration, for the "service-hole" non-blocking-wait case (§4.1).
func (st *ServiceTree) ResumeAfterHole(e Entity) {
	st.insert(e)
}

// ExpireWithBacklog reinserts an entity that exhausted its slot but still
// has pending work: the new S is the old F, and a new F is derived from
// the next budget (§4.1 "On expiration with remaining backlog").
func (st *ServiceTree) ExpireWithBacklog(e Entity, newBudget int64) {
	h := e.Hdr()
	h.S = h.F
	h.Budget = newBudget
	h.F = finishFromBudget(h.S, newBudget, h.Weight)
	st.insert(e)
}

// Remove takes the entity out of whichever subtree it currently occupies
// (e.g. because it was selected into service). No-op if not on a tree.
func (st *ServiceTree) Remove(e Entity) {
	h := e.Hdr()
	if h.node == nil {
		return
	}
	if h.inIdle {
		st.idle.Delete(h.node)
	} else {
		st.active.Delete(h.node)
	}
	h.node = nil
}

// UpdateWeight repositions e to reflect a new weight. Only legal while e
// is not in service (§4.1). The entity keeps its current S (service
// already performed is not un-done) but its F is recomputed from the
// weight change applied to the remaining budget.
func (st *ServiceTree) UpdateWeight(e Entity, newWeight int) {
	h := e.Hdr()
	wasInTree := h.node != nil
	if wasInTree {
		st.Remove(e)
	}
	h.Weight = newWeight
	h.PrioChanged = false
	if wasInTree {
		remaining := h.Budget - h.Service
		if remaining < 0 {
			remaining = 0
		}
		h.F = finishFromBudget(h.S, remaining, newWeight)
		st.insert(e)
	}
}

// Select descends the active subtree, guided by the min_start augment, to
// return the entity with the smallest F among those currently eligible
// (S ≤ V). Returns nil if no entity is both active and eligible.
func (st *ServiceTree) Select() Entity {
	n := st.active.Root()
	for n != nil {
		if l := n.Left(); l != nil && l.Augment <= st.V {
			n = l
			continue
		}
		if n.Key.S <= st.V {
			return n.Value
		}
		n = n.Right()
	}
	return nil
}

// AdvanceVTime implements §4.1's advance_vtime: when the active subtree is
// empty, V jumps forward to the smallest S among idle entities (the
// earliest moment something can become eligible), then every idle entity
// whose S has become ≤ V migrates into the active subtree.
func (st *ServiceTree) AdvanceVTime() {
	if st.active.Len() != 0 {
		return
	}
	if st.idle.Len() != 0 {
		if minS := st.idle.Root().Augment; minS > st.V {
			st.V = minS
		}
	}
	st.migrateEligible()
}

func (st *ServiceTree) migrateEligible() {
	var eligible []Entity
	st.idle.InOrder(func(n *treeNode) bool {
		if n.Key.S <= st.V {
			eligible = append(eligible, n.Value)
		}
		return true
	})
	for _, e := range eligible {
		h := e.Hdr()
		st.idle.Delete(h.node)
		h.node = nil
		st.insert(e)
	}
}
