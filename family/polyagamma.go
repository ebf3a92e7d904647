package family

import (
	"math"

	"github.com/mrrstat/treelag/rng"
)

// pgTrunc is the truncation order of the sum-of-gammas representation.
const pgTrunc = 200

// PolyaGamma draws from PG(b, c) through the truncated sum-of-gammas
// representation
//
//	PG(b, c) = (1 / 2 pi^2) sum_k g_k / ((k - 1/2)^2 + c^2 / 4 pi^2)
//
// with g_k iid Gamma(b, 1). The mean of PG(b, c) is (b / 2c) tanh(c/2).
func PolyaGamma(r *rng.Rng, b, c float64) float64 {
	c2 := c * c / (4 * math.Pi * math.Pi)
	s := 0.0
	for k := 1; k <= pgTrunc; k++ {
		d := float64(k) - 0.5
		s += r.Gamma(b, 1) / (d*d + c2)
	}
	return s / (2 * math.Pi * math.Pi)
}
