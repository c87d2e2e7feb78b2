package entity

import "github.com/virtfair/bfq/ioprio"

// Group is an internal entity in the hierarchy: its scheduling domain
// holds its children, one ServiceTree per I/O-priority class (§3, §4).
// Groups compose into a finite tree rooted at a distinguished root group.
type Group struct {
	Header Header

	domain   [3]*ServiceTree
	children int // live child count, for diagnostics
}

var _ Entity = (*Group)(nil)

// Hdr implements Entity.
func (g *Group) Hdr() *Header { return &g.Header }

// NewRootGroup creates the root of the entity hierarchy: it has no parent
// and a default weight (symmetric with a single best-effort stream at the
// default ioprio level).
func NewRootGroup() *Group {
	g := &Group{}
	for i := range g.domain {
		g.domain[i] = NewServiceTree()
	}
	g.Header.Weight = ioprio.ToWeight(ioprio.DefaultLevel)
	return g
}

// NewChildGroup creates a group attached under parent with the given
// weight (e.g. a control-group policy attachment, per §3 "Groups live as
// long as the corresponding policy attachment").
func NewChildGroup(parent *Group, weight int) *Group {
	g := &Group{}
	for i := range g.domain {
		g.domain[i] = NewServiceTree()
	}
	g.Header.Weight = weight
	g.Header.Parent = parent
	parent.children++
	return g
}

// Domain returns the service tree for the given priority class.
func (g *Group) Domain(class ioprio.Class) *ServiceTree {
	return g.domain[class]
}

// Detach removes the group from its parent's bookkeeping (the group
// itself must already be empty and removed from its parent's domain).
func (g *Group) Detach() {
	if g.Header.Parent != nil {
		g.Header.Parent.children--
		g.Header.Parent = nil
	}
}
