package chain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mrrstat/treelag/lagtree"
)

// evalResult is the outcome of one marginal-likelihood evaluation of a
// candidate pair of tree bases. It is produced and consumed within one
// proposal evaluation and never persisted, except for tempV, which the
// update cycle copies into the pair cache on acceptance.
type evalResult struct {
	xd            *mat.Dense    // combined terminal-node design, n x pXd
	tempV         *mat.SymDense // cross-product before the prior diagonal (Gaussian cacheable)
	draw          []float64
	draw1         []float64 // tree-1 block of draw
	draw2         []float64 // tree-2 block
	drawMix       []float64 // interaction block, nil without interaction
	term1T2       float64
	term2T2       float64
	mixT2         float64
	nTerm1        int
	nTerm2        int
	beta          float64 // thetaHat . XtVzInvR, the acceptance quadratic form
	logVThetaChol float64
	pXd           int
}

// evalPair evaluates the marginal likelihood of the combined bases of
// two terminal-node lists and draws the basis coefficients from their
// conjugate posterior. treeVar is the pair's tree-level scale, v1/v2
// the two exposure scales and mixVar the interaction scale (zero
// disables interaction columns). A non-nil cached cross-product is
// reused instead of recomputing (Gaussian only); callers pass nil to
// force a fresh computation. A non-positive-definite posterior
// precision is a fatal numerical degeneracy, not a recoverable event.
func (c *Chain) evalPair(term1, term2 []*lagtree.Node, ztr *mat.VecDense,
	treeVar, v1, v2, mixVar float64, cached *mat.SymDense) (*evalResult, error) {

	st := c.st
	pX1 := len(term1)
	pX2 := len(term2)
	pXd := pX1 + pX2
	if mixVar != 0 {
		pXd += pX1 * pX2
	}

	xd := mat.NewDense(st.N, pXd, nil)
	ztx := mat.NewDense(st.PZ, pXd, nil)
	diagVar := make([]float64, pXd)
	reweighted := c.cfg.Family != Gaussian

	for i, nd := range term1 {
		xd.SetCol(i, nd.Vals.X)
		diagVar[i] = 1 / (v1 * treeVar)
		if reweighted || nd.Vals.ZtX == nil {
			mulColTZ(ztx, i, st.Zw, nd.Vals.X)
		} else {
			ztx.SetCol(i, nd.Vals.ZtX)
		}
	}
	for j, nd := range term2 {
		k := pX1 + j
		xd.SetCol(k, nd.Vals.X)
		diagVar[k] = 1 / (v2 * treeVar)
		if reweighted || nd.Vals.ZtX == nil {
			mulColTZ(ztx, k, st.Zw, nd.Vals.X)
		} else {
			ztx.SetCol(k, nd.Vals.ZtX)
		}
	}
	if mixVar != 0 {
		col := make([]float64, st.N)
		for i := range term1 {
			for j := range term2 {
				k := pX1 + pX2 + i*pX2 + j
				floats.MulTo(col, term1[i].Vals.X, term2[j].Vals.X)
				xd.SetCol(k, col)
				diagVar[k] = 1 / (mixVar * treeVar)
				mulColTZ(ztx, k, st.Zw, col)
			}
		}
	}

	var vgZtX mat.Dense
	vgZtX.Mul(st.Vg, ztx)

	var tempV *mat.SymDense
	xtr := mat.NewVecDense(pXd, nil)

	switch c.cfg.Family {
	case Logistic:
		tempV = weightedCross(xd, st.Omega, nil)
		subProjection(tempV, ztx, &vgZtX)
		weightedResidProj(xtr, xd, st.Omega, st.R, nil)
	case ZINB:
		tempV = weightedCross(xd, st.Omega2, st.NBIdx)
		subProjection(tempV, ztx, &vgZtX)
		weightedResidProj(xtr, xd, st.Omega2, st.R, st.NBIdx)
	default:
		if cached != nil {
			tempV = mat.NewSymDense(pXd, nil)
			tempV.CopySym(cached)
		} else {
			var m mat.Dense
			m.Mul(xd.T(), xd)
			tempV = denseToSym(&m)
			subProjection(tempV, ztx, &vgZtX)
		}
		xtr.MulVec(xd.T(), mat.NewVecDense(st.N, st.R))
	}

	var proj mat.VecDense
	proj.MulVec(vgZtX.T(), ztr)
	xtr.SubVec(xtr, &proj)

	prec := mat.NewSymDense(pXd, nil)
	prec.CopySym(tempV)
	for k, dv := range diagVar {
		prec.SetSym(k, k, prec.At(k, k)+dv)
	}

	var ch mat.Cholesky
	if !ch.Factorize(prec) {
		return nil, fmt.Errorf("posterior precision not positive definite (pXd=%d, terminals %d+%d)", pXd, pX1, pX2)
	}
	vTheta := mat.NewSymDense(pXd, nil)
	if err := ch.InverseTo(vTheta); err != nil {
		return nil, fmt.Errorf("inverting posterior precision: %v", err)
	}
	var chV mat.Cholesky
	if !chV.Factorize(vTheta) {
		return nil, fmt.Errorf("posterior covariance not positive definite (pXd=%d)", pXd)
	}

	thetaHat := mat.NewVecDense(pXd, nil)
	thetaHat.MulVec(vTheta, xtr)

	z := make([]float64, pXd)
	st.Rng.NormVec(z)
	var l mat.TriDense
	chV.LTo(&l)
	noise := mat.NewVecDense(pXd, nil)
	noise.MulVec(&l, mat.NewVecDense(pXd, z))

	sd := math.Sqrt(st.Sigma2)
	draw := make([]float64, pXd)
	for k := range draw {
		draw[k] = thetaHat.AtVec(k) + sd*noise.AtVec(k)
	}

	out := &evalResult{
		xd:     xd,
		tempV:  tempV,
		draw:   draw,
		draw1:  draw[:pX1],
		draw2:  draw[pX1 : pX1+pX2],
		nTerm1: pX1,
		nTerm2: pX2,
		pXd:    pXd,
	}
	out.term1T2 = floats.Dot(out.draw1, out.draw1)
	out.term2T2 = floats.Dot(out.draw2, out.draw2)
	if mixVar != 0 {
		out.drawMix = draw[pX1+pX2:]
		out.mixT2 = floats.Dot(out.drawMix, out.drawMix)
	}
	out.beta = mat.Dot(thetaHat, xtr)
	out.logVThetaChol = 0.5 * chV.LogDet()
	return out, nil
}

// mulColTZ sets column k of dst to zᵀ x.
func mulColTZ(dst *mat.Dense, k int, z *mat.Dense, x []float64) {
	n, pZ := z.Dims()
	for j := 0; j < pZ; j++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += z.At(i, j) * x[i]
		}
		dst.Set(j, k, s)
	}
}

// weightedCross computes xdᵀ diag(w) xd, optionally restricted to the
// given observation subset.
func weightedCross(xd *mat.Dense, w []float64, idx []int) *mat.SymDense {
	n, p := xd.Dims()
	s := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			acc := 0.0
			if idx == nil {
				for i := 0; i < n; i++ {
					acc += w[i] * xd.At(i, a) * xd.At(i, b)
				}
			} else {
				for _, i := range idx {
					acc += w[i] * xd.At(i, a) * xd.At(i, b)
				}
			}
			s.SetSym(a, b, acc)
		}
	}
	return s
}

// weightedResidProj sets dst to xdᵀ diag(w) r, optionally restricted to
// the given observation subset.
func weightedResidProj(dst *mat.VecDense, xd *mat.Dense, w, r []float64, idx []int) {
	n, p := xd.Dims()
	for k := 0; k < p; k++ {
		acc := 0.0
		if idx == nil {
			for i := 0; i < n; i++ {
				acc += w[i] * xd.At(i, k) * r[i]
			}
		} else {
			for _, i := range idx {
				acc += w[i] * xd.At(i, k) * r[i]
			}
		}
		dst.SetVec(k, acc)
	}
}

// subProjection subtracts ztxᵀ vgZtX from the symmetric cross-product.
func subProjection(s *mat.SymDense, ztx, vgZtX *mat.Dense) {
	p := s.SymmetricDim()
	pZ, _ := ztx.Dims()
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			acc := 0.0
			for j := 0; j < pZ; j++ {
				acc += ztx.At(j, a) * vgZtX.At(j, b)
			}
			s.SetSym(a, b, s.At(a, b)-acc)
		}
	}
}
