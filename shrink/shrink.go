// Package shrink implements the hierarchical shrinkage draws used by
// the chain: half-Cauchy scales sampled through their inverse-gamma
// mixture representation, and the Dirichlet update of the
// exposure-selection probability vector.
package shrink

import (
	"fmt"
	"math"

	"github.com/mrrstat/treelag/rng"
)

// HalfCauchyFC redraws a squared half-Cauchy scale x2 from its full
// conditional using the hierarchy x^2|y ~ IG(1/2, 1/y), y ~ IG(1/2, 1).
// deg is the number of terms shrunk by the scale and ssq their
// variance-standardized sum of squares. With deg=0 and ssq=0 this is a
// draw from the prior. The auxiliary inverse draw is returned alongside
// the new squared scale.
func HalfCauchyFC(r *rng.Rng, x2, deg, ssq float64) (newX2, yInv float64) {
	yInv = r.Gamma(1, (x2+1)/x2)
	newX2 = r.InvGamma(0.5*(deg+1), 0.5*ssq+yInv)
	return newX2, yInv
}

// Dirichlet draws from a Dirichlet distribution with concentration
// alpha, via normalized gamma variates.
func Dirichlet(r *rng.Rng, alpha []float64) []float64 {
	out := make([]float64, len(alpha))
	norm := 0.0
	for i, a := range alpha {
		out[i] = r.Gamma(a, 1)
		norm += out[i]
	}
	for i := range out {
		out[i] /= norm
	}
	return out
}

// LogDirichletDensity returns the log density of x under a Dirichlet
// distribution with concentration alpha.
func LogDirichletDensity(x, alpha []float64) (float64, error) {
	if len(x) != len(alpha) {
		return 0, fmt.Errorf("shrink: dimension mismatch, len(x)=%d, len(alpha)=%d", len(x), len(alpha))
	}
	tot := 0.0
	for _, a := range alpha {
		tot += a
	}
	out, _ := math.Lgamma(tot)
	for i, a := range alpha {
		la, _ := math.Lgamma(a)
		out += (a-1)*math.Log(x[i]) - la
	}
	return out, nil
}

// Selector draws the exposure-selection probability vector from its
// Dirichlet full conditional. Updates are gated until the chain has
// either passed WarmupIter iterations or a WarmupFrac fraction of the
// burn-in, whichever comes first; before that the vector is left alone.
type Selector struct {
	Conc       float64 // shared concentration added to each usage count
	WarmupIter int
	WarmupFrac float64
}

// Update redraws prob in place from counts. It reports whether an
// update was performed.
func (s *Selector) Update(r *rng.Rng, iter, burn int, counts, prob []float64) bool {
	if iter <= s.WarmupIter && float64(iter) <= s.WarmupFrac*float64(burn) {
		return false
	}
	alpha := make([]float64, len(counts))
	for i, c := range counts {
		alpha[i] = c + s.Conc
	}
	copy(prob, Dirichlet(r, alpha))
	return true
}
