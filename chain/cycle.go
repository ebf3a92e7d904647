package chain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mrrstat/treelag/lagtree"
	"github.com/mrrstat/treelag/shrink"
)

// pairUpdate carries the mutable context of one tree-pair update
// within one iteration: the current exposure assignments, scales and
// terminal lists of both trees, the baseline evaluation shared between
// the two Metropolis-Hastings steps, and the lazily computed Gaussian
// residual quadratics.
type pairUpdate struct {
	c    *Chain
	t    int
	pair *TreePair

	term1, term2 []*lagtree.Node
	m1, m2       int
	m1Var, m2Var float64
	mixVar       float64
	treeVar      float64
	ztr          *mat.VecDense

	mhr0 *evalResult

	rtR, rtZVgZtR float64
	haveRt        bool
}

// updatePair runs the full Metropolis-Hastings cycle for tree pair t:
// one update per tree, then the pair-level shrinkage draw, the
// sufficient-statistic accumulation and the fitted-column write-back.
func (c *Chain) updatePair(t int) error {
	st := c.st
	pair := c.pairs[t]

	u := &pairUpdate{
		c:       c,
		t:       t,
		pair:    pair,
		term1:   pair.Tree1.ListTerminal(false),
		term2:   pair.Tree2.ListTerminal(false),
		m1:      st.TreeExp1[t],
		m2:      st.TreeExp2[t],
		treeVar: st.Nu * st.Tau[t],
	}
	u.m1Var = st.MuExp[u.m1]
	u.m2Var = st.MuExp[u.m2]
	u.mixVar = c.mixVarFor(u.m1, u.m2)

	u.ztr = mat.NewVecDense(st.PZ, nil)
	u.ztr.MulVec(st.Zw.T(), mat.NewVecDense(st.N, st.R))

	if err := u.updateSide(1); err != nil {
		return err
	}
	if err := u.updateSide(2); err != nil {
		return err
	}

	// pair-level shrinkage and accumulators
	n1 := float64(u.mhr0.nTerm1)
	n2 := float64(u.mhr0.nTerm2)
	tauT2 := u.mhr0.term1T2/u.m1Var + u.mhr0.term2T2/u.m2Var
	totTerm := n1 + n2
	if u.mixVar != 0 {
		tauT2 += u.mhr0.mixT2 / u.mixVar
		totTerm += n1 * n2
	}
	if c.cfg.Shrinkage > ShrinkExposure {
		st.Tau[t], _ = shrink.HalfCauchyFC(st.Rng, st.Tau[t], totTerm, tauT2/(st.Sigma2*st.Nu))
		if math.IsNaN(st.Tau[t]) || math.IsInf(st.Tau[t], 0) {
			return fmt.Errorf("tree scale for pair %d degenerate (%v)", t, st.Tau[t])
		}
	}

	st.NTerm1[t] = n1
	st.NTerm2[t] = n2
	st.TreeExp1[t] = u.m1
	st.TreeExp2[t] = u.m2
	st.ExpCount[u.m1]++
	st.ExpCount[u.m2]++
	st.ExpInf[u.m1] += st.Tau[t]
	st.ExpInf[u.m2] += st.Tau[t]
	st.TotTermExp[u.m1] += n1
	st.TotTermExp[u.m2] += n2
	st.SumTermT2Exp[u.m1] += u.mhr0.term1T2 / st.Tau[t]
	st.SumTermT2Exp[u.m2] += u.mhr0.term2T2 / st.Tau[t]
	if u.mixVar != 0 {
		st.MixCount.Add(u.m1, u.m2, 1)
		st.TotTermMix.Add(u.m1, u.m2, n1*n2)
		st.SumTermT2Mix.Add(u.m1, u.m2, u.mhr0.mixT2/st.Tau[t])
		st.MixInf.Add(u.m1, u.m2, st.Tau[t])
	}

	// write the pair's combined fitted column back
	fit := mat.NewVecDense(st.N, nil)
	fit.MulVec(u.mhr0.xd, mat.NewVecDense(u.mhr0.pXd, u.mhr0.draw))
	for i := 0; i < st.N; i++ {
		st.Rmat.Set(i, t, fit.AtVec(i))
	}

	if st.Record > 0 {
		c.rec.recordPair(st, u)
	}
	return nil
}

// updateSide runs one Metropolis-Hastings step for one tree of the
// pair. The baseline evaluation is computed on the first side (reusing
// the pair cache when valid) and replaced by the accepted candidate, so
// the second side starts from the committed configuration.
func (u *pairUpdate) updateSide(side int) error {
	c := u.c
	st := c.st

	var tree *lagtree.Tree
	var curExp, otherExp int
	var curVar float64
	var curTerm []*lagtree.Node
	if side == 1 {
		tree = u.pair.Tree1
		curExp, otherExp = u.m1, u.m2
		curVar = u.m1Var
		curTerm = u.term1
	} else {
		tree = u.pair.Tree2
		curExp, otherExp = u.m2, u.m1
		curVar = u.m2Var
		curTerm = u.term2
	}

	newExp := curExp
	newExpVar := curVar
	newMixVar := u.mixVar
	stepMhr := 0.0
	ratio := 0.0
	success := 0

	step := lagtree.Step(st.Rng.SampleIndex(c.cfg.StepProb))
	if len(curTerm) == 1 && step != lagtree.SwitchExposure {
		// a single-node tree can only grow
		step = lagtree.Grow
	}

	var newTerm []*lagtree.Node
	var switchClone *lagtree.Tree

	if step != lagtree.SwitchExposure {
		lr, ok := c.proposer.Propose(st.Rng, tree, c.exps[curExp], step)
		if ok {
			stepMhr = lr
			success = 1
			newTerm = tree.ListTerminal(true)
		}
	} else {
		newExp = st.Rng.SampleIndex(st.ExpProb)
		if newExp != curExp {
			success = 1
			newExpVar = st.MuExp[newExp]
			switchClone = tree.Clone()
			newTerm = switchClone.ListTerminal(false)
			for _, nt := range newTerm {
				c.exps[newExp].UpdateNodeVals(nt)
			}
			newMixVar = c.mixVarFor(newExp, otherExp)
		}
	}

	if u.mhr0 == nil {
		var cached *mat.SymDense
		if c.cfg.Family == Gaussian && u.pair.cache.valid {
			cached = u.pair.cache.tempV
		}
		mhr0, err := c.evalPair(u.term1, u.term2, u.ztr, u.treeVar, u.m1Var, u.m2Var, u.mixVar, cached)
		if err != nil {
			return fmt.Errorf("pair %d baseline evaluation: %w", u.t, err)
		}
		u.mhr0 = mhr0
	}

	if success != 0 {
		var t1, t2 []*lagtree.Node
		var v1, v2 float64
		if side == 1 {
			t1, t2, v1, v2 = newTerm, u.term2, newExpVar, u.m2Var
		} else {
			t1, t2, v1, v2 = u.term1, newTerm, u.m1Var, newExpVar
		}
		mhr, err := c.evalPair(t1, t2, u.ztr, u.treeVar, v1, v2, newMixVar, nil)
		if err != nil {
			return fmt.Errorf("pair %d candidate evaluation: %w", u.t, err)
		}

		var nNew, nOld, nOther float64
		if side == 1 {
			nNew = float64(mhr.nTerm1)
			nOld = float64(u.mhr0.nTerm1)
			nOther = float64(u.mhr0.nTerm2)
		} else {
			nNew = float64(mhr.nTerm2)
			nOld = float64(u.mhr0.nTerm2)
			nOther = float64(u.mhr0.nTerm1)
		}

		if c.cfg.Family != Gaussian {
			ratio = stepMhr + mhr.logVThetaChol - u.mhr0.logVThetaChol +
				0.5*(mhr.beta-u.mhr0.beta) -
				0.5*(math.Log(u.treeVar*newExpVar)*nNew-math.Log(u.treeVar*curVar)*nOld)
		} else {
			if !u.haveRt {
				u.rtR = floats.Dot(st.R, st.R)
				var vz mat.VecDense
				vz.MulVec(st.Vg, u.ztr)
				u.rtZVgZtR = mat.Dot(u.ztr, &vz)
				u.haveRt = true
			}
			ratio = stepMhr + mhr.logVThetaChol - u.mhr0.logVThetaChol -
				0.5*(float64(st.N)+1)*
					(math.Log(0.5*(u.rtR-u.rtZVgZtR-mhr.beta)+st.XiInvSigma2)-
						math.Log(0.5*(u.rtR-u.rtZVgZtR-u.mhr0.beta)+st.XiInvSigma2)) -
				0.5*(math.Log(u.treeVar*newExpVar)*nNew-math.Log(u.treeVar*curVar)*nOld)
		}
		if newMixVar != 0 {
			ratio -= 0.5 * math.Log(u.treeVar*newMixVar) * nNew * nOther
		}
		if u.mixVar != 0 {
			ratio += 0.5 * math.Log(u.treeVar*u.mixVar) * nOld * nOther
		}

		if math.Log(st.Rng.Float64()) < ratio {
			u.mhr0 = mhr
			success = 2
			if step == lagtree.SwitchExposure {
				if side == 1 {
					u.m1 = newExp
					u.m1Var = newExpVar
				} else {
					u.m2 = newExp
					u.m2Var = newExpVar
				}
				u.mixVar = newMixVar
				if err := tree.ReplaceVals(switchClone); err != nil {
					return fmt.Errorf("pair %d exposure switch: %w", u.t, err)
				}
			} else {
				tree.Accept()
			}
			if c.cfg.Family == Gaussian {
				u.pair.cache.store(mhr.tempV)
			} else {
				u.pair.cache.invalidate()
			}
			if side == 1 {
				u.term1 = tree.ListTerminal(false)
			} else {
				u.term2 = tree.ListTerminal(false)
			}
		} else if step != lagtree.SwitchExposure {
			tree.Reject()
		}
	}

	if c.cfg.Diagnostics {
		nTerm := len(u.term1)
		exp := u.m1
		if side == 2 {
			nTerm = len(u.term2)
			exp = u.m2
		}
		c.rec.recordAccept(AcceptRecord{
			Iter:      st.Iter,
			Pair:      u.t,
			Side:      side,
			Step:      step,
			Success:   success,
			Exp:       exp,
			NTerm:     nTerm,
			StepRatio: stepMhr,
			Ratio:     ratio,
		})
	}
	return nil
}
