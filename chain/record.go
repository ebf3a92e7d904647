package chain

import "github.com/mrrstat/treelag/lagtree"

// TreeRecord describes one terminal node of a recorded draw.
type TreeRecord struct {
	Iter   int
	Pair   int
	Side   int // 1 or 2
	Exp    int
	TMin   int
	TMax   int
	Est    float64
	ExpVar float64
}

// MixRecord describes one interaction cell of a recorded draw. The
// exposure with the smaller index is always reported first.
type MixRecord struct {
	Iter  int
	Pair  int
	Exp1  int
	T1Min int
	T1Max int
	Exp2  int
	T2Min int
	T2Max int
	Est   float64
}

// AcceptRecord is the per-proposal acceptance diagnostic. Success is 0
// for an impossible move, 1 for a proposed-but-rejected move and 2 for
// an accepted one.
type AcceptRecord struct {
	Iter      int
	Pair      int
	Side      int
	Step      lagtree.Step
	Success   int
	Exp       int
	NTerm     int
	StepRatio float64
	Ratio     float64
}

// Results holds everything recorded after burn-in and thinning.
type Results struct {
	NRec int

	Gamma    [][]float64
	Sigma2   []float64
	Nu       []float64
	MixConc  []float64 // only when the concentration is estimated
	Tau      [][]float64
	MuExp    [][]float64
	ExpProb  [][]float64
	ExpCount [][]float64
	ExpInf   [][]float64
	NTerm1   [][]float64
	NTerm2   [][]float64
	TreeExp1 [][]int
	TreeExp2 [][]int

	// Interaction tables flattened in (i, j>=i) order, skipping the
	// diagonal unless self-interaction is on.
	MuMix    [][]float64
	MixInf   [][]float64
	MixCount [][]float64

	// Fhat is the posterior mean fit over recorded draws.
	Fhat []float64

	Trees  []TreeRecord
	Mix    []MixRecord
	Accept []AcceptRecord
}

type recorder struct {
	res         Results
	fhatSum     []float64
	nExp        int
	interaction int
	estConc     bool
}

func newRecorder(cfg *Config, nExp, pZ, n int) *recorder {
	return &recorder{
		fhatSum:     make([]float64, n),
		nExp:        nExp,
		interaction: cfg.Interaction,
	}
}

func (r *recorder) recordAccept(a AcceptRecord) {
	r.res.Accept = append(r.res.Accept, a)
}

// recordPair appends the terminal-node and interaction descriptions of
// a committed pair configuration.
func (r *recorder) recordPair(st *State, u *pairUpdate) {
	k := 0
	for i, n1 := range u.term1 {
		r.res.Trees = append(r.res.Trees, TreeRecord{
			Iter: st.Record, Pair: u.t, Side: 1, Exp: u.m1,
			TMin: n1.TMin, TMax: n1.TMax,
			Est:    u.mhr0.draw1[i],
			ExpVar: st.Tau[u.t] * u.m1Var,
		})
		for j, n2 := range u.term2 {
			if i == 0 {
				r.res.Trees = append(r.res.Trees, TreeRecord{
					Iter: st.Record, Pair: u.t, Side: 2, Exp: u.m2,
					TMin: n2.TMin, TMax: n2.TMax,
					Est:    u.mhr0.draw2[j],
					ExpVar: st.Tau[u.t] * u.m2Var,
				})
			}
			if u.mixVar != 0 {
				mr := MixRecord{Iter: st.Record, Pair: u.t, Est: u.mhr0.drawMix[k]}
				if u.m1 <= u.m2 {
					mr.Exp1, mr.T1Min, mr.T1Max = u.m1, n1.TMin, n1.TMax
					mr.Exp2, mr.T2Min, mr.T2Max = u.m2, n2.TMin, n2.TMax
				} else {
					mr.Exp1, mr.T1Min, mr.T1Max = u.m2, n2.TMin, n2.TMax
					mr.Exp2, mr.T2Min, mr.T2Max = u.m1, n1.TMin, n1.TMax
				}
				r.res.Mix = append(r.res.Mix, mr)
				k++
			}
		}
	}
}

// snapshot appends the hyperparameter state of a recorded iteration.
func (r *recorder) snapshot(st *State, conc float64) {
	res := &r.res
	res.NRec++
	res.Gamma = append(res.Gamma, append([]float64(nil), st.Gamma...))
	res.Sigma2 = append(res.Sigma2, st.Sigma2)
	res.Nu = append(res.Nu, st.Nu)
	if r.estConc {
		res.MixConc = append(res.MixConc, conc)
	}
	res.Tau = append(res.Tau, append([]float64(nil), st.Tau...))
	res.MuExp = append(res.MuExp, append([]float64(nil), st.MuExp...))
	res.ExpProb = append(res.ExpProb, append([]float64(nil), st.ExpProb...))
	res.ExpCount = append(res.ExpCount, append([]float64(nil), st.ExpCount...))
	res.ExpInf = append(res.ExpInf, append([]float64(nil), st.ExpInf...))
	res.NTerm1 = append(res.NTerm1, append([]float64(nil), st.NTerm1...))
	res.NTerm2 = append(res.NTerm2, append([]float64(nil), st.NTerm2...))
	res.TreeExp1 = append(res.TreeExp1, append([]int(nil), st.TreeExp1...))
	res.TreeExp2 = append(res.TreeExp2, append([]int(nil), st.TreeExp2...))

	if r.interaction != InteractionOff {
		var mu, inf, cnt []float64
		for i := 0; i < r.nExp; i++ {
			for j := i; j < r.nExp; j++ {
				if j > i || r.interaction == InteractionSelf {
					mu = append(mu, st.MuMix.At(j, i))
					inf = append(inf, st.MixInf.At(j, i))
					cnt = append(cnt, st.MixCount.At(j, i))
				}
			}
		}
		res.MuMix = append(res.MuMix, mu)
		res.MixInf = append(res.MixInf, inf)
		res.MixCount = append(res.MixCount, cnt)
	}

	for i := range r.fhatSum {
		r.fhatSum[i] += st.Fhat[i]
	}
}

// results finalizes the record set.
func (r *recorder) results() *Results {
	if r.res.NRec > 0 {
		r.res.Fhat = make([]float64, len(r.fhatSum))
		for i, s := range r.fhatSum {
			r.res.Fhat[i] = s / float64(r.res.NRec)
		}
	}
	return &r.res
}
