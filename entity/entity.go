// Package entity implements the B-WF2Q+ virtual-time service tree and the
// entity hierarchy it schedules (§3, §4.1 of the design). An Entity is
// either a leaf stream (defined in the sibling stream package, which
// embeds Header) or an internal Group; both share the Header bookkeeping
// fields and are ordered by the same virtual-time arithmetic, matching the
// "tagged variant with a shared EntityHeader" structure recommended by the
// design notes for the kernel's inheritance-like bfq_entity/bfq_queue/
// bfq_group relationship.
package entity

import (
	"github.com/virtfair/bfq/internal/rbtree"
)

// Entity is anything the service tree can schedule: a stream or a group.
type Entity interface {
	Hdr() *Header
}

// vkey totally orders service-tree entries by (F, S, sequence), giving the
// deterministic tie-break spec §4.1 requires: "lower S, then stable by
// insertion order".
type vkey struct {
	F   float64
	S   float64
	seq uint64
}

func lessVKey(a, b vkey) bool {
	if a.F != b.F {
		return a.F < b.F
	}
	if a.S != b.S {
		return a.S < b.S
	}
	return a.seq < b.seq
}

type treeNode = rbtree.Node[vkey, Entity, float64]

// Header is the bookkeeping shared by every entity, mirroring struct
// bfq_entity in the original source.
type Header struct {
	S, F    float64 // virtual start / finish timestamps
	Weight  int     // effective weight (orig_weight * wr_coeff for streams)
	Budget  int64   // sectors granted for the current service slot
	Service int64   // sectors consumed in the current slot

	Parent *Group

	PrioChanged bool

	node   *treeNode // current position, nil if not on any tree
	inIdle bool       // which subtree node sits in, valid iff node != nil
	seq    uint64     // insertion sequence, for the tie-break above
}

// InTree reports whether the entity currently sits in a service tree
// (active or idle), as opposed to being in service or detached.
func (h *Header) InTree() bool { return h.node != nil }

// InIdleSubtree reports whether the entity is in the idle (not yet
// eligible) subtree rather than the active one. Meaningless if !InTree().
func (h *Header) InIdleSubtree() bool { return h.inIdle }
