package lagtree

import (
	"math"

	"github.com/mrrstat/treelag/rng"
)

// Proposer generates structural proposals under the depth-based split
// prior p(split at depth d) = Alpha / (1+d)^Beta. StepProb holds the
// per-kind selection probabilities (grow, prune, change, switch); the
// grow/prune entries enter the transition ratio.
type Proposer struct {
	Alpha    float64
	Beta     float64
	StepProb []float64
}

// logPSplit is the log prior probability of splitting (or, with
// terminal set, of not splitting) a node at the given depth.
func logPSplit(alpha, beta float64, depth int, terminal bool) float64 {
	p := alpha * math.Pow(1+float64(depth), -beta)
	if terminal {
		return math.Log1p(-p)
	}
	return math.Log(p)
}

// Propose stages a structural change of the given kind on the tree and
// returns the proposal log-ratio (prior times transition density). ok
// is false when the move is impossible for the drawn node, in which
// case nothing is staged. Value caches of new terminal nodes are
// filled from src.
func (p *Proposer) Propose(r *rng.Rng, t *Tree, src BasisSource, step Step) (logRatio float64, ok bool) {
	if t.prop != nil {
		panic("lagtree: Propose with unresolved proposal")
	}
	switch step {
	case Grow:
		return p.proposeGrow(r, t, src)
	case Prune:
		return p.proposePrune(r, t, src)
	case Change:
		return p.proposeChange(r, t, src)
	}
	panic("lagtree: unknown structural step " + step.String())
}

func (p *Proposer) proposeGrow(r *rng.Rng, t *Tree, src BasisSource) (float64, bool) {
	term := t.ListTerminal(false)
	n := term[r.Intn(len(term))]
	nSplit := n.TMax - n.TMin
	if nSplit < 1 {
		// single-lag interval cannot be split
		return 0, false
	}
	split := n.TMin + r.Intn(nSplit)
	left := &Node{TMin: n.TMin, TMax: split, Depth: n.Depth + 1, Parent: n}
	right := &Node{TMin: split + 1, TMax: n.TMax, Depth: n.Depth + 1, Parent: n}
	src.UpdateNodeVals(left)
	src.UpdateNodeVals(right)

	// Prunable-node count after the grow: n becomes prunable; its
	// parent stops being prunable if the sibling is terminal.
	nPrunable := len(t.listPrunable()) + 1
	if n.Parent != nil && sibling(n).Terminal() {
		nPrunable--
	}

	prior := logPSplit(p.Alpha, p.Beta, n.Depth, false) +
		2*logPSplit(p.Alpha, p.Beta, n.Depth+1, true) -
		logPSplit(p.Alpha, p.Beta, n.Depth, true)
	trans := math.Log(p.StepProb[Prune]) - math.Log(p.StepProb[Grow]) +
		math.Log(float64(len(term)*nSplit)) - math.Log(float64(nPrunable))

	t.prop = &proposal{kind: Grow, target: n, newLeft: left, newRight: right}
	return prior + trans, true
}

func (p *Proposer) proposePrune(r *rng.Rng, t *Tree, src BasisSource) (float64, bool) {
	prunable := t.listPrunable()
	if len(prunable) == 0 {
		return 0, false
	}
	n := prunable[r.Intn(len(prunable))]
	merged := &Node{TMin: n.TMin, TMax: n.TMax, Depth: n.Depth, Parent: n.Parent}
	src.UpdateNodeVals(merged)

	nTermAfter := t.NTerminal() - 1
	nSplit := n.TMax - n.TMin

	prior := logPSplit(p.Alpha, p.Beta, n.Depth, true) -
		logPSplit(p.Alpha, p.Beta, n.Depth, false) -
		2*logPSplit(p.Alpha, p.Beta, n.Depth+1, true)
	trans := math.Log(p.StepProb[Grow]) - math.Log(p.StepProb[Prune]) +
		math.Log(float64(len(prunable))) - math.Log(float64(nTermAfter*nSplit))

	t.prop = &proposal{kind: Prune, target: n, merged: merged}
	return prior + trans, true
}

func (p *Proposer) proposeChange(r *rng.Rng, t *Tree, src BasisSource) (float64, bool) {
	prunable := t.listPrunable()
	if len(prunable) == 0 {
		return 0, false
	}
	n := prunable[r.Intn(len(prunable))]
	split := n.TMin + r.Intn(n.TMax-n.TMin)
	left := &Node{TMin: n.TMin, TMax: split, Depth: n.Depth + 1, Parent: n}
	right := &Node{TMin: split + 1, TMax: n.TMax, Depth: n.Depth + 1, Parent: n}
	src.UpdateNodeVals(left)
	src.UpdateNodeVals(right)

	t.prop = &proposal{kind: Change, target: n, newLeft: left, newRight: right}
	// split point redrawn uniformly over the same candidate set
	return 0, true
}

func sibling(n *Node) *Node {
	if n.Parent.Left == n {
		return n.Parent.Right
	}
	return n.Parent.Left
}
