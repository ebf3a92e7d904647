// Package family implements the outcome-family updates of the chain:
// the conjugate variance and fixed-effect draws for continuous
// responses, and the Polya-Gamma data augmentation that turns the
// logistic and zero-inflated negative binomial likelihoods into
// weighted Gaussian ones.
package family

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mrrstat/treelag/chain"
	"github.com/mrrstat/treelag/rng"
)

// Gaussian implements the continuous-response updates: the residual
// variance from its half-Cauchy-mixture full conditional and the
// fixed-effect coefficients from their conjugate normal.
type Gaussian struct{}

// Reestimate draws sigma^2 and the fixed-effect coefficients. The
// variance full conditional pools the residual sum of squares with the
// variance-standardized coefficient mass of all trees.
func (Gaussian) Reestimate(st *chain.State, r *rng.Rng) error {
	ztr := mat.NewVecDense(st.PZ, nil)
	ztr.MulVec(st.Z.T(), mat.NewVecDense(st.N, st.R))
	ghat := mat.NewVecDense(st.PZ, nil)
	ghat.MulVec(st.Vg, ztr)

	xiInv := r.Gamma(1, 1+1/st.Sigma2)
	rate := 0.5*(floats.Dot(st.R, st.R)-mat.Dot(ztr, ghat)) +
		0.5*st.SumTermT2/st.Nu + xiInv
	st.Sigma2 = r.InvGamma(0.5*(float64(st.N)+st.TotTerm+1), rate)
	if math.IsNaN(st.Sigma2) || math.IsInf(st.Sigma2, 0) || st.Sigma2 <= 0 {
		return fmt.Errorf("family: residual variance degenerate (%v)", st.Sigma2)
	}
	st.XiInvSigma2 = xiInv

	drawGamma(st, r, ghat, math.Sqrt(st.Sigma2))
	return nil
}

// Logistic implements the binomial-response updates through Polya-Gamma
// augmentation: per-observation weights, the implied pseudo-response
// and the reweighted fixed-effect draw. The working variance is pinned
// at one.
type Logistic struct{}

func (Logistic) Reestimate(st *chain.State, r *rng.Rng) error {
	zg := mat.NewVecDense(st.N, nil)
	zg.MulVec(st.Z, mat.NewVecDense(st.PZ, st.Gamma))

	for i := 0; i < st.N; i++ {
		eta := st.Fhat[i] + zg.AtVec(i)
		st.Omega[i] = PolyaGamma(r, st.BinomialSize[i], eta)
		if st.Omega[i] <= 0 {
			return fmt.Errorf("family: nonpositive augmentation weight at observation %d", i)
		}
		st.Ystar[i] = st.Kappa[i] / st.Omega[i]
		st.R[i] = st.Ystar[i] - st.Fhat[i]
		for j := 0; j < st.PZ; j++ {
			st.Zw.Set(i, j, st.Omega[i]*st.Z.At(i, j))
		}
	}

	if err := refreshVg(st); err != nil {
		return err
	}
	st.Sigma2 = 1

	ztr := mat.NewVecDense(st.PZ, nil)
	ztr.MulVec(st.Zw.T(), mat.NewVecDense(st.N, st.R))
	ghat := mat.NewVecDense(st.PZ, nil)
	ghat.MulVec(st.Vg, ztr)
	drawGamma(st, r, ghat, 1)
	return nil
}

// IndicatorSampler updates the zero-inflation state of a ZINB chain:
// the at-risk indicator set NBIdx and the zero-class weights W. Hosts
// that sample the indicators plug one in; without it the initial
// classification stays fixed.
type IndicatorSampler interface {
	UpdateIndicators(st *chain.State, r *rng.Rng) error
}

// ZINB implements the count-response updates for the zero-inflated
// negative binomial family. The count sub-likelihood runs over NBIdx
// only; all other observations carry zero weight.
type ZINB struct {
	Indicators IndicatorSampler
}

func (f ZINB) Reestimate(st *chain.State, r *rng.Rng) error {
	if f.Indicators != nil {
		if err := f.Indicators.UpdateIndicators(st, r); err != nil {
			return fmt.Errorf("family: indicator update: %w", err)
		}
	}

	zg := mat.NewVecDense(st.N, nil)
	zg.MulVec(st.Z, mat.NewVecDense(st.PZ, st.Gamma))

	st.Zw.Zero()
	for _, i := range st.NBIdx {
		eta := st.Fhat[i] + zg.AtVec(i)
		st.Omega2[i] = PolyaGamma(r, st.Y0[i]+st.NBr, eta)
		if st.Omega2[i] <= 0 {
			return fmt.Errorf("family: nonpositive augmentation weight at observation %d", i)
		}
		st.Z2[i] = 0.5 * (st.Y0[i] - st.NBr)
		st.Ystar[i] = st.Z2[i] / st.Omega2[i]
		st.R[i] = st.Ystar[i] - st.Fhat[i]
		for j := 0; j < st.PZ; j++ {
			st.Zw.Set(i, j, st.Omega2[i]*st.Z.At(i, j))
		}
	}

	if err := refreshVg(st); err != nil {
		return err
	}
	st.Sigma2 = 1

	ztr := mat.NewVecDense(st.PZ, nil)
	ztr.MulVec(st.Zw.T(), mat.NewVecDense(st.N, st.R))
	ghat := mat.NewVecDense(st.PZ, nil)
	ghat.MulVec(st.Vg, ztr)
	drawGamma(st, r, ghat, 1)
	return nil
}

// reweightRidge is the prior precision added to the reweighted design
// cross-product of the augmented families.
const reweightRidge = 1.0 / 100000

// refreshVg rebuilds the fixed-effect covariance from the current
// weighted design.
func refreshVg(st *chain.State) error {
	var vgInv mat.Dense
	vgInv.Mul(st.Z.T(), st.Zw)
	sym := mat.NewSymDense(st.PZ, nil)
	for a := 0; a < st.PZ; a++ {
		for b := 0; b <= a; b++ {
			sym.SetSym(a, b, vgInv.At(a, b))
		}
	}
	for j := 0; j < st.PZ; j++ {
		sym.SetSym(j, j, sym.At(j, j)+reweightRidge)
	}
	var ch mat.Cholesky
	if !ch.Factorize(sym) {
		return fmt.Errorf("family: weighted design cross-product not positive definite")
	}
	if err := ch.InverseTo(st.Vg); err != nil {
		return fmt.Errorf("family: inverting weighted design cross-product: %v", err)
	}
	if !st.VgChol.Factorize(st.Vg) {
		return fmt.Errorf("family: weighted design covariance not positive definite")
	}
	return nil
}

// drawGamma draws the fixed-effect coefficients around ghat with
// covariance sd^2 Vg.
func drawGamma(st *chain.State, r *rng.Rng, ghat *mat.VecDense, sd float64) {
	z := make([]float64, st.PZ)
	r.NormVec(z)
	var l mat.TriDense
	st.VgChol.LTo(&l)
	noise := mat.NewVecDense(st.PZ, nil)
	noise.MulVec(&l, mat.NewVecDense(st.PZ, z))
	for j := range st.Gamma {
		st.Gamma[j] = ghat.AtVec(j) + sd*noise.AtVec(j)
	}
}
