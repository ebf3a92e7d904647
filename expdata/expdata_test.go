package expdata

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/mrrstat/treelag/lagtree"
)

const smallDiff = 1e-12

func TestBasisWindowSums(tst *testing.T) {
	lags := mat.NewDense(3, 4, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		0, -1, 0, 2,
	})
	d := New(lags)
	if d.N() != 3 || d.PX() != 4 {
		tst.Fatalf("Dims: expected 3x4, got %dx%d", d.N(), d.PX())
	}

	n := &lagtree.Node{TMin: 2, TMax: 3}
	d.UpdateNodeVals(n)
	want := []float64{5, 13, -1}
	for i, w := range want {
		if math.Abs(n.Vals.X[i]-w) > smallDiff {
			tst.Errorf("Basis %d: expected %v, got %v", i, w, n.Vals.X[i])
		}
	}

	full := &lagtree.Node{TMin: 1, TMax: 4}
	d.UpdateNodeVals(full)
	want = []float64{10, 26, 1}
	for i, w := range want {
		if math.Abs(full.Vals.X[i]-w) > smallDiff {
			tst.Errorf("Full-window basis %d: expected %v, got %v", i, w, full.Vals.X[i])
		}
	}
	if full.Vals.ZtX != nil {
		tst.Error("Design cross-product cached without a design")
	}
}

func TestDesignCrossProduct(tst *testing.T) {
	lags := mat.NewDense(3, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
	})
	z := mat.NewDense(3, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
	})
	d := NewWithFixed(lags, z)

	n := &lagtree.Node{TMin: 1, TMax: 2}
	d.UpdateNodeVals(n)
	// x = (3, 7, 11); Ztx = (21, 29)
	want := []float64{21, 29}
	if len(n.Vals.ZtX) != 2 {
		tst.Fatal("Missing design cross-product")
	}
	for j, w := range want {
		if math.Abs(n.Vals.ZtX[j]-w) > smallDiff {
			tst.Errorf("ZtX %d: expected %v, got %v", j, w, n.Vals.ZtX[j])
		}
	}
}

func TestWindowOutOfRange(tst *testing.T) {
	d := New(mat.NewDense(2, 3, nil))
	defer func() {
		if recover() == nil {
			tst.Error("Expected panic on out-of-range window")
		}
	}()
	d.UpdateNodeVals(&lagtree.Node{TMin: 2, TMax: 4})
}
