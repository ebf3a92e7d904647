// Package chain implements the Markov-chain engine for the treed
// distributed-lag mixture model: the conjugate marginal-likelihood
// evaluation of tree-pair bases, the Metropolis-Hastings update cycle
// over both trees of a pair, the hierarchical shrinkage and
// exposure-selection updates, and the driver that keeps the additive
// residual decomposition consistent across all tree pairs.
package chain

import (
	"fmt"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/mrrstat/treelag/expdata"
	"github.com/mrrstat/treelag/lagtree"
	"github.com/mrrstat/treelag/rng"
	"github.com/mrrstat/treelag/shrink"
)

// log is the global logging variable.
var log = logging.MustGetLogger("chain")

// Family selects the outcome likelihood.
type Family int

// Supported outcome families.
const (
	Gaussian Family = iota
	Logistic
	ZINB
)

func (f Family) String() string {
	switch f {
	case Gaussian:
		return "gaussian"
	case Logistic:
		return "logistic"
	case ZINB:
		return "zinb"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Shrinkage levels.
const (
	ShrinkNone     = 0
	ShrinkExposure = 1
	ShrinkTree     = 2
	ShrinkBoth     = 3
)

// Interaction modes.
const (
	InteractionOff   = 0
	InteractionCross = 1
	InteractionSelf  = 2
)

// Config holds the chain configuration.
type Config struct {
	Iter   int
	Burn   int
	Thin   int
	NTrees int

	// StepProb holds the grow, prune, change and switch-exposure
	// selection probabilities, in that order.
	StepProb  []float64
	TreeAlpha float64
	TreeBeta  float64

	Family      Family
	Shrinkage   int
	Interaction int

	// MixConc is the shared exposure-selection concentration; a
	// negative value requests estimating it (it is then reset to 1 and
	// recorded).
	MixConc float64
	// Exposure-selection updates start once the iteration passes
	// SelWarmupIter or SelWarmupFrac of the burn-in, whichever comes
	// first.
	SelWarmupIter int
	SelWarmupFrac float64

	// BinomialSize holds per-observation trial counts for the logistic
	// family; nil means one trial per observation.
	BinomialSize []float64

	Seed        uint64
	Diagnostics bool
	// ReportPeriod is the iteration stride of progress logging.
	ReportPeriod int
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Iter < 1 {
		return fmt.Errorf("chain: need at least one sampling iteration, got %d", c.Iter)
	}
	if c.Burn < 0 {
		return fmt.Errorf("chain: negative burn-in %d", c.Burn)
	}
	if c.Thin < 1 {
		c.Thin = 1
	}
	if c.NTrees < 1 {
		return fmt.Errorf("chain: need at least one tree pair, got %d", c.NTrees)
	}
	if c.StepProb == nil {
		c.StepProb = []float64{0.25, 0.25, 0.25, 0.25}
	}
	if len(c.StepProb) != 4 {
		return fmt.Errorf("chain: StepProb needs 4 entries (grow, prune, change, switch), got %d", len(c.StepProb))
	}
	tot := 0.0
	for _, p := range c.StepProb {
		if p < 0 {
			return fmt.Errorf("chain: negative step probability %v", p)
		}
		tot += p
	}
	if tot <= 0 {
		return fmt.Errorf("chain: step probabilities sum to zero")
	}
	if c.TreeAlpha == 0 {
		c.TreeAlpha = 0.95
	}
	if c.TreeBeta == 0 {
		c.TreeBeta = 2
	}
	if c.Shrinkage < ShrinkNone || c.Shrinkage > ShrinkBoth {
		return fmt.Errorf("chain: shrinkage level %d outside 0..3", c.Shrinkage)
	}
	if c.Interaction < InteractionOff || c.Interaction > InteractionSelf {
		return fmt.Errorf("chain: interaction mode %d outside 0..2", c.Interaction)
	}
	if c.MixConc == 0 {
		c.MixConc = 1
	}
	if c.SelWarmupIter == 0 {
		c.SelWarmupIter = 1000
	}
	if c.SelWarmupFrac == 0 {
		c.SelWarmupFrac = 0.5
	}
	if c.ReportPeriod < 1 {
		c.ReportPeriod = 100
	}
	return nil
}

// State is the shared mutable chain state. It is owned by the driver
// and passed explicitly to the components that mutate it; there is one
// instance per chain, so independent chains can run in parallel.
type State struct {
	N  int
	PZ int

	Y0    []float64 // outcome as supplied
	Ystar []float64 // working response (pseudo-response for reweighted families)
	R     []float64 // working residual: Ystar minus all tree contributions
	Fhat  []float64 // sum of all tree contributions

	Z      *mat.Dense    // fixed-effect design
	Zw     *mat.Dense    // weight-scaled design (equals Z for Gaussian)
	Vg     *mat.SymDense // prior-augmented inverse design cross-product
	VgChol *mat.Cholesky
	Gamma  []float64 // fixed-effect coefficients

	Sigma2      float64
	Nu          float64 // global shrinkage scale
	XiInvSigma2 float64 // half-Cauchy auxiliary for sigma^2

	Tau     []float64 // per-tree-pair shrinkage scale
	MuExp   []float64 // per-exposure shrinkage scale
	MuMix   *TriTable // per-exposure-pair interaction shrinkage scale
	ExpProb []float64 // exposure-selection probabilities

	// Per-iteration accumulators, reset by the driver and filled by the
	// tree-pair updates.
	ExpCount     []float64
	ExpInf       []float64
	TotTermExp   []float64
	SumTermT2Exp []float64
	MixCount     *TriTable
	MixInf       *TriTable
	TotTermMix   *TriTable
	SumTermT2Mix *TriTable
	TotTerm      float64
	SumTermT2    float64

	NTerm1   []float64 // terminal counts per pair, first tree
	NTerm2   []float64
	TreeExp1 []int // exposure assignment per pair, first tree
	TreeExp2 []int

	Rmat *mat.Dense // per-pair fitted columns, n x nTrees

	// Logistic family
	BinomialSize []float64
	Kappa        []float64
	Omega        []float64 // Polya-Gamma weights

	// ZINB family
	Z2     []float64
	Omega2 []float64 // count-likelihood Polya-Gamma weights
	W      []float64 // zero-inflation weights
	NBIdx  []int     // observations in the count sub-likelihood
	NBr    float64   // dispersion

	Rng *rng.Rng

	Iter   int // current iteration, 1-based
	Record int // recorded-draw index, 0 when not recording
}

// Estimator re-estimates the family parameters: fixed-effect
// coefficients, family weights and variance. It mutates the state in
// place and leaves the working residual consistent with the refreshed
// pseudo-response.
type Estimator interface {
	Reestimate(st *State, r *rng.Rng) error
}

// TreePair owns the two partition trees sharing one interaction slot,
// along with the pair-scoped cross-product cache.
type TreePair struct {
	Tree1 *lagtree.Tree
	Tree2 *lagtree.Tree
	cache pairCache
}

// pairCache holds the symmetric cross-product of the pair's combined
// terminal basis, valid only until either tree's terminal set changes.
type pairCache struct {
	tempV   *mat.SymDense
	valid   bool
	version uint64
}

func (pc *pairCache) store(tempV *mat.SymDense) {
	pc.tempV = tempV
	pc.valid = true
	pc.version++
}

func (pc *pairCache) invalidate() {
	pc.valid = false
	pc.version++
}

// Chain is one MCMC chain over all tree pairs.
type Chain struct {
	cfg      Config
	st       *State
	exps     []*expdata.Data
	pairs    []*TreePair
	proposer *lagtree.Proposer
	est      Estimator
	sel      *shrink.Selector
	rec      *recorder
	ckpt     Checkpointer
	estConc  bool // MixConc is being estimated
}

// Checkpointer persists periodic hyperparameter snapshots.
type Checkpointer interface {
	Old() bool
	Save(iter int, final bool, st *State) error
}

// State exposes the chain state, mainly for estimators and tests.
func (c *Chain) State() *State { return c.st }

// SetCheckpointer attaches periodic checkpointing to the driver loop.
func (c *Chain) SetCheckpointer(ck Checkpointer) { c.ckpt = ck }

// New builds a chain over outcome y, fixed-effect design z and one
// exposure-data set per exposure. Dimension mismatches are fatal here,
// before any iteration runs.
func New(cfg Config, y []float64, z *mat.Dense, exps []*expdata.Data, est Estimator) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(y)
	if n == 0 {
		return nil, fmt.Errorf("chain: empty response")
	}
	zn, pZ := z.Dims()
	if zn != n {
		return nil, fmt.Errorf("chain: design has %d rows, response has %d", zn, n)
	}
	if len(exps) == 0 {
		return nil, fmt.Errorf("chain: no exposures")
	}
	pX := exps[0].PX()
	for i, e := range exps {
		if e.N() != n {
			return nil, fmt.Errorf("chain: exposure %d has %d rows, response has %d", i, e.N(), n)
		}
		if e.PX() != pX {
			return nil, fmt.Errorf("chain: exposure %d has %d lags, exposure 0 has %d", i, e.PX(), pX)
		}
	}
	if cfg.Family == Logistic && cfg.BinomialSize != nil && len(cfg.BinomialSize) != n {
		return nil, fmt.Errorf("chain: binomial size has %d entries, response has %d", len(cfg.BinomialSize), n)
	}
	nExp := len(exps)

	st := &State{
		N:     n,
		PZ:    pZ,
		Y0:    append([]float64(nil), y...),
		Ystar: append([]float64(nil), y...),
		R:     make([]float64, n),
		Fhat:  make([]float64, n),
		Z:     z,
		Zw:    mat.DenseCopyOf(z),
		Gamma: make([]float64, pZ),

		Sigma2: 1,
		Nu:     1,

		Tau:     ones(cfg.NTrees),
		MuExp:   ones(nExp),
		ExpProb: uniformProb(nExp),

		ExpCount:     make([]float64, nExp),
		ExpInf:       make([]float64, nExp),
		TotTermExp:   make([]float64, nExp),
		SumTermT2Exp: make([]float64, nExp),

		NTerm1:   ones(cfg.NTrees),
		NTerm2:   ones(cfg.NTrees),
		TreeExp1: make([]int, cfg.NTrees),
		TreeExp2: make([]int, cfg.NTrees),

		Rmat: mat.NewDense(n, cfg.NTrees, nil),
		Rng:  rng.New(cfg.Seed),
	}

	// prior-augmented inverse cross-product of the design
	var vgInv mat.Dense
	vgInv.Mul(z.T(), z)
	for j := 0; j < pZ; j++ {
		vgInv.Set(j, j, vgInv.At(j, j)+1.0/100)
	}
	var chInv mat.Cholesky
	if !chInv.Factorize(denseToSym(&vgInv)) {
		return nil, fmt.Errorf("chain: design cross-product not positive definite")
	}
	st.Vg = mat.NewSymDense(pZ, nil)
	if err := chInv.InverseTo(st.Vg); err != nil {
		return nil, fmt.Errorf("chain: inverting design cross-product: %v", err)
	}
	st.VgChol = &mat.Cholesky{}
	if !st.VgChol.Factorize(st.Vg) {
		return nil, fmt.Errorf("chain: design covariance not positive definite")
	}

	switch cfg.Family {
	case Logistic:
		st.BinomialSize = cfg.BinomialSize
		if st.BinomialSize == nil {
			st.BinomialSize = ones(n)
		}
		st.Kappa = make([]float64, n)
		st.Omega = ones(n)
		for i := range y {
			st.Kappa[i] = y[i] - 0.5*st.BinomialSize[i]
			st.Ystar[i] = st.Kappa[i]
		}
	case ZINB:
		st.NBr = 5
		st.Z2 = make([]float64, n)
		st.Omega2 = ones(n)
		st.W = make([]float64, n)
		for i := range y {
			st.Z2[i] = 0.5 * (y[i] - st.NBr)
			st.Ystar[i] = st.Z2[i]
			if y[i] == 0 {
				st.W[i] = 0.5
			} else {
				st.NBIdx = append(st.NBIdx, i)
			}
		}
		if len(st.NBIdx) == 0 {
			return nil, fmt.Errorf("chain: all observations are zero, no count sub-likelihood")
		}
	}

	if cfg.Interaction != InteractionOff {
		st.MuMix = NewTriTable(nExp)
		st.MuMix.SetAll(1)
		st.MixCount = NewTriTable(nExp)
		st.MixInf = NewTriTable(nExp)
		st.TotTermMix = NewTriTable(nExp)
		st.SumTermT2Mix = NewTriTable(nExp)
	}

	estConc := false
	mixConc := cfg.MixConc
	if mixConc < 0 {
		estConc = true
		mixConc = 1
	}

	c := &Chain{
		cfg:  cfg,
		st:   st,
		exps: exps,
		est:  est,
		proposer: &lagtree.Proposer{
			Alpha:    cfg.TreeAlpha,
			Beta:     cfg.TreeBeta,
			StepProb: cfg.StepProb,
		},
		sel: &shrink.Selector{
			Conc:       mixConc,
			WarmupIter: cfg.SelWarmupIter,
			WarmupFrac: cfg.SelWarmupFrac,
		},
		estConc: estConc,
	}

	// trees start as single-node partitions with random exposures
	c.pairs = make([]*TreePair, cfg.NTrees)
	for t := 0; t < cfg.NTrees; t++ {
		st.TreeExp1[t] = st.Rng.SampleIndex(st.ExpProb)
		st.TreeExp2[t] = st.Rng.SampleIndex(st.ExpProb)
		pair := &TreePair{Tree1: lagtree.New(pX), Tree2: lagtree.New(pX)}
		exps[st.TreeExp1[t]].UpdateNodeVals(pair.Tree1.Root)
		exps[st.TreeExp2[t]].UpdateNodeVals(pair.Tree2.Root)
		c.pairs[t] = pair
	}

	copy(st.R, st.Ystar)
	if err := est.Reestimate(st, st.Rng); err != nil {
		return nil, fmt.Errorf("chain: initial family estimation: %w", err)
	}

	st.Nu, _ = shrink.HalfCauchyFC(st.Rng, st.Nu, float64(cfg.NTrees), 0)
	if cfg.Shrinkage > ShrinkExposure {
		for t := range st.Tau {
			st.Tau[t], _ = shrink.HalfCauchyFC(st.Rng, st.Tau[t], 0, 0)
		}
	}

	c.rec = newRecorder(&cfg, nExp, pZ, n)
	c.rec.estConc = estConc
	return c, nil
}

// mixVarFor returns the interaction variance for an exposure pair, or
// zero when the pair carries no interaction surface.
func (c *Chain) mixVarFor(m1, m2 int) float64 {
	if c.cfg.Interaction == InteractionOff {
		return 0
	}
	if c.cfg.Interaction == InteractionCross && m1 == m2 {
		return 0
	}
	return c.st.MuMix.At(m1, m2)
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func uniformProb(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1 / float64(n)
	}
	return v
}

// denseToSym copies the lower triangle of a square dense matrix into a
// symmetric matrix.
func denseToSym(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s.SetSym(i, j, m.At(i, j))
		}
	}
	return s
}
