package cooperator

import (
	"github.com/virtfair/bfq/internal/rbtree"
	"github.com/virtfair/bfq/stream"
)

type posNode = rbtree.Node[int64, *stream.Stream, struct{}]

// PositionTree tracks, per entity hierarchy group, the next-request sector
// of every active stream (§4.7), to answer "who's closest to sector X" in
// O(log n) instead of scanning every active stream.
type PositionTree struct {
	tree *rbtree.Tree[int64, *stream.Stream, struct{}]
}

// NewPositionTree creates an empty position tree.
func NewPositionTree() *PositionTree {
	return &PositionTree{
		tree: rbtree.New[int64, *stream.Stream, struct{}](
			func(a, b int64) bool { return a < b },
			func(n *posNode) struct{} { return struct{}{} },
		),
	}
}

// Insert records s at sector. Callers must Remove any stale entry for s
// first if its sector changed (the tree is keyed by sector, not identity).
func (p *PositionTree) Insert(sector int64, s *stream.Stream) *posNode {
	return p.tree.Insert(sector, s)
}

// Remove deletes a previously inserted node.
func (p *PositionTree) Remove(n *posNode) {
	if n == nil {
		return
	}
	p.tree.Delete(n)
}

// Nearest returns the stream whose recorded sector is closest to target,
// along with the absolute distance, or ok=false if the tree is empty.
func (p *PositionTree) Nearest(target int64) (s *stream.Stream, distance int64, ok bool) {
	n := p.tree.Root()
	if n == nil {
		return nil, 0, false
	}

	var best *posNode
	var bestDist int64
	consider := func(c *posNode) {
		if c == nil {
			return
		}
		d := c.Key - target
		if d < 0 {
			d = -d
		}
		if best == nil || d < bestDist {
			best, bestDist = c, d
		}
	}

	for n != nil {
		consider(n)
		switch {
		case target < n.Key:
			n = n.Left()
		case target > n.Key:
			n = n.Right()
		default:
			n = nil
		}
	}
	return best.Value, bestDist, true
}
