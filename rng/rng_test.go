package rng

import (
	"math"
	"testing"
)

const (
	// momentDiff is a threshold for sample-moment checks
	momentDiff = 0.02
)

func TestReproducible(tst *testing.T) {
	a := New(42)
	b := New(42)
	for i := 0; i < 1000; i++ {
		if a.Float64() != b.Float64() {
			tst.Fatal("Streams with equal seeds diverged at draw", i)
		}
		if a.Norm() != b.Norm() {
			tst.Fatal("Normal draws with equal seeds diverged at draw", i)
		}
	}
	c := New(43)
	same := 0
	for i := 0; i < 100; i++ {
		if a.Float64() == c.Float64() {
			same++
		}
	}
	if same == 100 {
		tst.Error("Streams with different seeds are identical")
	}
}

func TestSampleIndex(tst *testing.T) {
	r := New(1)
	weights := []float64{1, 2, 1}
	counts := make([]float64, 3)
	n := 100000
	for i := 0; i < n; i++ {
		k := r.SampleIndex(weights)
		if k < 0 || k > 2 {
			tst.Fatal("Index out of range:", k)
		}
		counts[k]++
	}
	expected := []float64{0.25, 0.5, 0.25}
	for k := range counts {
		f := counts[k] / float64(n)
		if math.Abs(f-expected[k]) > momentDiff {
			tst.Errorf("Index %d frequency: expected %v, got %v", k, expected[k], f)
		}
	}
}

func TestSampleIndexDegenerate(tst *testing.T) {
	r := New(1)
	for i := 0; i < 1000; i++ {
		if k := r.SampleIndex([]float64{0, 1, 0}); k != 1 {
			tst.Fatal("Expected index 1, got", k)
		}
	}
}

func TestGammaMoments(tst *testing.T) {
	r := New(7)
	shape, rate := 3.0, 2.0
	n := 200000
	sum := 0.0
	for i := 0; i < n; i++ {
		x := r.Gamma(shape, rate)
		if x <= 0 {
			tst.Fatal("Nonpositive gamma draw:", x)
		}
		sum += x
	}
	mean := sum / float64(n)
	if math.Abs(mean-shape/rate) > momentDiff {
		tst.Errorf("Gamma mean: expected %v, got %v", shape/rate, mean)
	}
}

func TestInvGamma(tst *testing.T) {
	r := New(7)
	// IG(shape, scale) has mean scale/(shape-1)
	shape, scale := 4.0, 6.0
	n := 200000
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += r.InvGamma(shape, scale)
	}
	mean := sum / float64(n)
	if math.Abs(mean-scale/(shape-1)) > 5*momentDiff {
		tst.Errorf("Inverse-gamma mean: expected %v, got %v", scale/(shape-1), mean)
	}
}
