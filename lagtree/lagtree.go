// Package lagtree implements rooted binary partitions of a lag-time
// axis. A tree splits the lag window of one exposure into disjoint
// terminal intervals; terminal nodes cache the basis values computed
// from the exposure data. Structural proposals (grow, prune, change)
// are staged on the tree and resolved by exactly one Accept or Reject
// call.
package lagtree

import (
	"fmt"
)

// Step identifies a proposal kind.
type Step int

// Proposal kinds. SwitchExposure is resolved by the caller through
// Clone and ReplaceVals rather than the structural proposal slot.
const (
	Grow Step = iota
	Prune
	Change
	SwitchExposure
)

func (s Step) String() string {
	switch s {
	case Grow:
		return "grow"
	case Prune:
		return "prune"
	case Change:
		return "change"
	case SwitchExposure:
		return "switch"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// NodeVals carries the cached per-observation basis column of a
// terminal node and its cross-product with the fixed-effect design.
type NodeVals struct {
	X   []float64
	ZtX []float64
}

// Node is one interval of the partition. The lag window [TMin, TMax]
// is inclusive and 1-based. A node with no children is terminal.
type Node struct {
	TMin, TMax int
	Depth      int
	Parent     *Node
	Left       *Node
	Right      *Node
	Vals       *NodeVals
}

// Terminal reports whether the node has no children.
func (n *Node) Terminal() bool {
	return n.Left == nil
}

// BasisSource computes the cached basis values of a node. Implemented
// by the exposure-data layer.
type BasisSource interface {
	UpdateNodeVals(n *Node)
}

// proposal is the staged structural change, owned by the tree until
// Accept or Reject resolves it.
type proposal struct {
	kind     Step
	target   *Node
	newLeft  *Node // grow, change
	newRight *Node // grow, change
	merged   *Node // prune
}

// Tree is a rooted binary partition of one exposure's lag axis.
type Tree struct {
	Root *Node
	prop *proposal
}

// New creates a single-node tree covering lags 1..pX.
func New(pX int) *Tree {
	return &Tree{Root: &Node{TMin: 1, TMax: pX}}
}

// HasProposal reports whether a structural proposal is pending.
func (t *Tree) HasProposal() bool {
	return t.prop != nil
}

// ListTerminal returns the terminal nodes in lag order. With proposed
// set, the pending structural change is applied to the listing.
func (t *Tree) ListTerminal(proposed bool) []*Node {
	out := make([]*Node, 0, 8)
	var walk func(n *Node)
	walk = func(n *Node) {
		if proposed && t.prop != nil && n == t.prop.target {
			switch t.prop.kind {
			case Grow, Change:
				out = append(out, t.prop.newLeft, t.prop.newRight)
			case Prune:
				out = append(out, t.prop.merged)
			}
			return
		}
		if n.Terminal() {
			out = append(out, n)
			return
		}
		walk(n.Left)
		walk(n.Right)
	}
	walk(t.Root)
	return out
}

// NTerminal returns the number of terminal nodes.
func (t *Tree) NTerminal() int {
	return len(t.ListTerminal(false))
}

// listPrunable returns internal nodes whose both children are terminal.
func (t *Tree) listPrunable() []*Node {
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Terminal() {
			return
		}
		if n.Left.Terminal() && n.Right.Terminal() {
			out = append(out, n)
			return
		}
		walk(n.Left)
		walk(n.Right)
	}
	walk(t.Root)
	return out
}

// Accept commits the pending proposal. It panics if no proposal is
// pending: exactly one of Accept or Reject must resolve each staged
// change.
func (t *Tree) Accept() {
	p := t.prop
	if p == nil {
		panic("lagtree: Accept without a pending proposal")
	}
	switch p.kind {
	case Grow, Change:
		p.target.Left = p.newLeft
		p.target.Right = p.newRight
		p.target.Vals = nil
	case Prune:
		p.target.Left = nil
		p.target.Right = nil
		p.target.Vals = p.merged.Vals
	}
	t.prop = nil
}

// Reject discards the pending proposal, leaving the tree exactly as it
// was before the proposal. It panics if no proposal is pending.
func (t *Tree) Reject() {
	if t.prop == nil {
		panic("lagtree: Reject without a pending proposal")
	}
	t.prop = nil
}

// Clone returns a structural copy of the tree. Value caches are not
// copied; the caller refreshes them for the clone's exposure. A pending
// proposal is not cloned.
func (t *Tree) Clone() *Tree {
	var cp func(n, parent *Node) *Node
	cp = func(n, parent *Node) *Node {
		if n == nil {
			return nil
		}
		m := &Node{TMin: n.TMin, TMax: n.TMax, Depth: n.Depth, Parent: parent}
		m.Left = cp(n.Left, m)
		m.Right = cp(n.Right, m)
		return m
	}
	return &Tree{Root: cp(t.Root, nil)}
}

// ReplaceVals adopts the terminal value caches of o, which must be a
// structural copy of t. Used to commit an exposure switch.
func (t *Tree) ReplaceVals(o *Tree) error {
	var walk func(a, b *Node) error
	walk = func(a, b *Node) error {
		if (a == nil) != (b == nil) {
			return fmt.Errorf("lagtree: ReplaceVals structure mismatch")
		}
		if a == nil {
			return nil
		}
		if a.TMin != b.TMin || a.TMax != b.TMax {
			return fmt.Errorf("lagtree: ReplaceVals window mismatch [%d,%d] vs [%d,%d]",
				a.TMin, a.TMax, b.TMin, b.TMax)
		}
		a.Vals = b.Vals
		if err := walk(a.Left, b.Left); err != nil {
			return err
		}
		return walk(a.Right, b.Right)
	}
	return walk(t.Root, o.Root)
}
