// Package rng provides the random stream used by a chain. All draws of
// one chain come from a single ordered stream, so a run is reproducible
// given a seed. Independent chains get independent streams.
package rng

import (
	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// Rng is a seeded random stream.
type Rng struct {
	src *rand.Rand
}

// New creates a new stream from a seed.
func New(seed uint64) *Rng {
	return &Rng{src: rand.New(rand.NewSource(seed))}
}

// Float64 returns a uniform draw from [0, 1).
func (r *Rng) Float64() float64 {
	return r.src.Float64()
}

// Norm returns a standard normal draw.
func (r *Rng) Norm() float64 {
	return r.src.NormFloat64()
}

// NormVec fills dst with standard normal draws.
func (r *Rng) NormVec(dst []float64) {
	for i := range dst {
		dst[i] = r.src.NormFloat64()
	}
}

// Gamma returns a gamma draw with the given shape and rate.
func (r *Rng) Gamma(shape, rate float64) float64 {
	return distuv.Gamma{Alpha: shape, Beta: rate, Src: r.src}.Rand()
}

// InvGamma returns an inverse-gamma draw with the given shape and scale.
func (r *Rng) InvGamma(shape, scale float64) float64 {
	return 1 / distuv.Gamma{Alpha: shape, Beta: scale, Src: r.src}.Rand()
}

// SampleIndex draws an index proportionally to the (possibly
// unnormalized) weights.
func (r *Rng) SampleIndex(weights []float64) int {
	tot := 0.0
	for _, w := range weights {
		tot += w
	}
	u := r.src.Float64() * tot
	sum := weights[0]
	i := 0
	for sum < u && i < len(weights)-1 {
		i++
		sum += weights[i]
	}
	return i
}

// Intn returns a uniform draw from [0, n).
func (r *Rng) Intn(n int) int {
	return r.src.Intn(n)
}
