// Package expdata manages the precomputed lag basis of one exposure.
// A node's basis column is the per-observation sum of the exposure over
// the node's lag window; cumulative sums over lags make that a single
// subtraction. For the Gaussian family the cross-product of each basis
// column with the fixed-effect design is cached alongside.
package expdata

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/mrrstat/treelag/lagtree"
)

// Data holds the lag basis of a single exposure.
type Data struct {
	n, pX int
	cum   *mat.Dense // n x (pX+1) cumulative sums; column 0 is zero
	z     *mat.Dense // fixed-effect design, nil for reweighted families
}

// New creates exposure data from an n x pX matrix of lagged exposure
// values (column t holds the exposure at lag t+1).
func New(lags *mat.Dense) *Data {
	n, pX := lags.Dims()
	cum := mat.NewDense(n, pX+1, nil)
	for i := 0; i < n; i++ {
		s := 0.0
		for t := 0; t < pX; t++ {
			s += lags.At(i, t)
			cum.Set(i, t+1, s)
		}
	}
	return &Data{n: n, pX: pX, cum: cum}
}

// NewWithFixed creates exposure data that additionally caches each
// node's cross-product with the fixed-effect design z. Used by the
// Gaussian family, whose design cross-products do not change across
// iterations.
func NewWithFixed(lags, z *mat.Dense) *Data {
	d := New(lags)
	zn, _ := z.Dims()
	if zn != d.n {
		panic(fmt.Sprintf("expdata: design has %d rows, exposure has %d", zn, d.n))
	}
	d.z = z
	return d
}

// N returns the number of observations.
func (d *Data) N() int { return d.n }

// PX returns the number of lags.
func (d *Data) PX() int { return d.pX }

// UpdateNodeVals fills the node's cached basis column and, when the
// fixed-effect design is attached, its design cross-product.
func (d *Data) UpdateNodeVals(node *lagtree.Node) {
	if node.TMin < 1 || node.TMax > d.pX || node.TMin > node.TMax {
		panic(fmt.Sprintf("expdata: node window [%d,%d] outside lag range 1..%d",
			node.TMin, node.TMax, d.pX))
	}
	x := make([]float64, d.n)
	for i := 0; i < d.n; i++ {
		x[i] = d.cum.At(i, node.TMax) - d.cum.At(i, node.TMin-1)
	}
	vals := &lagtree.NodeVals{X: x}
	if d.z != nil {
		_, pZ := d.z.Dims()
		ztx := mat.NewVecDense(pZ, nil)
		ztx.MulVec(d.z.T(), mat.NewVecDense(d.n, x))
		vals.ZtX = ztx.RawVector().Data
	}
	node.Vals = vals
}
