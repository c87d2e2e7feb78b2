// Package rbtree implements a generic intrusive-style augmented red-black
// tree: every node carries, in addition to its key, an "augment" value
// recomputed from its own key and its children's augments on every
// rotation and on every insert/delete path, per the scheduler design notes
// (§9: "the min_start augment must be recomputed on every rotation and on
// every insert/erase along the path").
//
// This single generic implementation backs three different structures in
// the scheduler: the per-priority-class service tree keyed by virtual
// finish time F and augmented with min(S) (§4.1), the weight-counter tree
// keyed by weight (§3, unaugmented — its live refcount is held in the
// node's value), and each group's position tree keyed by next-request
// sector (§4.7, unaugmented — Augment is simply unused there).
//
// The retrieval pack carries no off-the-shelf augmented RB tree; Go's
// container/* packages only provide a List and a Heap, neither ordered by
// key with augmentation support, so this is grounded on textbook red-black
// tree rebalancing (CLRS) rather than a pack dependency — see DESIGN.md.
package rbtree

type color bool

const (
	red   color = true
	black color = false
)

// Node is one tree node. Fields are exported so callers (the service tree,
// weight-counter tree, position tree) can read Key/Value/Augment directly
// without an accessor-method layer, matching the pack's preference for
// plain structs over getter boilerplate in hot-path code.
type Node[K any, V any, A any] struct {
	Key     K
	Value   V
	Augment A

	color               color
	left, right, parent *Node[K, V, A]
}

// Left, Right, Parent expose tree structure for read-only traversal (e.g.
// the service-tree "select" walk in §4.1, which descends guided by the
// Augment rather than purely by key).
func (n *Node[K, V, A]) Left() *Node[K, V, A]   { return n.left }
func (n *Node[K, V, A]) Right() *Node[K, V, A]  { return n.right }
func (n *Node[K, V, A]) Parent() *Node[K, V, A] { return n.parent }

// Tree is an augmented red-black tree. Less defines key order; Recompute
// derives a node's Augment from its own Key/Value and its (already
// up-to-date) children's Augment, and must be idempotent and side-effect
// free.
type Tree[K any, V any, A any] struct {
	root      *Node[K, V, A]
	size      int
	Less      func(a, b K) bool
	Recompute func(n *Node[K, V, A]) A
}

// New creates an empty augmented tree.
func New[K any, V any, A any](less func(a, b K) bool, recompute func(n *Node[K, V, A]) A) *Tree[K, V, A] {
	return &Tree[K, V, A]{Less: less, Recompute: recompute}
}

// Len returns the number of nodes.
func (t *Tree[K, V, A]) Len() int { return t.size }

// Root returns the tree root, or nil if empty.
func (t *Tree[K, V, A]) Root() *Node[K, V, A] { return t.root }

// Find returns the node with the given key, or nil if absent.
func (t *Tree[K, V, A]) Find(key K) *Node[K, V, A] {
	n := t.root
	for n != nil {
		switch {
		case t.Less(key, n.Key):
			n = n.left
		case t.Less(n.Key, key):
			n = n.right
		default:
			return n
		}
	}
	return nil
}

func (t *Tree[K, V, A]) recompute(n *Node[K, V, A]) {
	if n != nil {
		n.Augment = t.Recompute(n)
	}
}

// recomputePath recomputes the augment for n and every ancestor, bottom-up,
// stopping only at the root.
func (t *Tree[K, V, A]) recomputePath(n *Node[K, V, A]) {
	for ; n != nil; n = n.parent {
		t.recompute(n)
	}
}

func (t *Tree[K, V, A]) rotateLeft(x *Node[K, V, A]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	t.recompute(x)
	t.recompute(y)
}

func (t *Tree[K, V, A]) rotateRight(x *Node[K, V, A]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
	t.recompute(x)
	t.recompute(y)
}

// Insert adds key/value as a new node and returns it.
func (t *Tree[K, V, A]) Insert(key K, value V) *Node[K, V, A] {
	n := &Node[K, V, A]{Key: key, Value: value, color: red}

	var parent *Node[K, V, A]
	cur := t.root
	for cur != nil {
		parent = cur
		if t.Less(key, cur.Key) {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	n.parent = parent
	if parent == nil {
		t.root = n
	} else if t.Less(key, parent.Key) {
		parent.left = n
	} else {
		parent.right = n
	}
	t.size++
	t.recompute(n)
	if parent != nil {
		t.recomputePath(parent)
	}

	t.insertFixup(n)
	return n
}

func (t *Tree[K, V, A]) insertFixup(z *Node[K, V, A]) {
	for z.parent != nil && z.parent.color == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			uncle := gp.right
			if uncle != nil && uncle.color == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.color = black
				gp.color = red
				t.rotateRight(gp)
			}
		} else {
			uncle := gp.left
			if uncle != nil && uncle.color == red {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.color = black
				gp.color = red
				t.rotateLeft(gp)
			}
		}
	}
	t.root.color = black
}

func (t *Tree[K, V, A]) transplant(u, v *Node[K, V, A]) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// Min returns the leftmost (smallest-key) node of the subtree rooted at n.
func Min[K any, V any, A any](n *Node[K, V, A]) *Node[K, V, A] {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// Max returns the rightmost (largest-key) node of the subtree rooted at n.
func Max[K any, V any, A any](n *Node[K, V, A]) *Node[K, V, A] {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

// Successor returns the next node in key order, or nil if n is the last.
func Successor[K any, V any, A any](n *Node[K, V, A]) *Node[K, V, A] {
	if n == nil {
		return nil
	}
	if n.right != nil {
		return Min(n.right)
	}
	p := n.parent
	for p != nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

// Delete removes n from the tree.
func (t *Tree[K, V, A]) Delete(z *Node[K, V, A]) {
	y := z
	yOrigColor := y.color
	var x, xParent *Node[K, V, A]

	if z.left == nil {
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	} else {
		y = Min(z.right)
		yOrigColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	t.size--

	// recompute augments from the lowest structurally-changed point up.
	if x != nil {
		t.recompute(x)
	}
	if xParent != nil {
		t.recomputePath(xParent)
	} else if y != z {
		t.recomputePath(y)
	}

	if yOrigColor == black {
		t.deleteFixup(x, xParent)
	}
	z.left, z.right, z.parent = nil, nil, nil
}

func (t *Tree[K, V, A]) deleteFixup(x, parent *Node[K, V, A]) {
	for x != t.root && isBlack(x) {
		if parent == nil {
			break
		}
		if x == parent.left {
			w := parent.right
			if w != nil && w.color == red {
				w.color = black
				parent.color = red
				t.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if isBlack(w.left) && isBlack(w.right) {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if isBlack(w.right) {
					if w.left != nil {
						w.left.color = black
					}
					w.color = red
					t.rotateRight(w)
					w = parent.right
				}
				w.color = parent.color
				parent.color = black
				if w.right != nil {
					w.right.color = black
				}
				t.rotateLeft(parent)
				x = t.root
				parent = nil
			}
		} else {
			w := parent.left
			if w != nil && w.color == red {
				w.color = black
				parent.color = red
				t.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if isBlack(w.right) && isBlack(w.left) {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if isBlack(w.left) {
					if w.right != nil {
						w.right.color = black
					}
					w.color = red
					t.rotateLeft(w)
					w = parent.left
				}
				w.color = parent.color
				parent.color = black
				if w.left != nil {
					w.left.color = black
				}
				t.rotateRight(parent)
				x = t.root
				parent = nil
			}
		}
	}
	if x != nil {
		x.color = black
	}
}

func isBlack[K any, V any, A any](n *Node[K, V, A]) bool {
	return n == nil || n.color == black
}

// InOrder walks the tree in key order, calling fn for every node; it stops
// early if fn returns false.
func (t *Tree[K, V, A]) InOrder(fn func(n *Node[K, V, A]) bool) {
	var walk func(n *Node[K, V, A]) bool
	walk = func(n *Node[K, V, A]) bool {
		if n == nil {
			return true
		}
		if !walk(n.left) {
			return false
		}
		if !fn(n) {
			return false
		}
		return walk(n.right)
	}
	walk(t.root)
}
