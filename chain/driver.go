package chain

import (
	"context"
	"fmt"
	"math"

	"github.com/mrrstat/treelag/shrink"
)

// Run executes burn-in plus sampling iterations and returns the
// recorded draws. Cancellation is checked once per iteration, so the
// state is always left at an iteration boundary.
func (c *Chain) Run(ctx context.Context) (*Results, error) {
	st := c.st
	cfg := &c.cfg
	total := cfg.Burn + cfg.Iter
	log.Infof("running %d iterations (%d burn-in) over %d tree pairs, %s family",
		total, cfg.Burn, cfg.NTrees, cfg.Family)

	for b := 1; b <= total; b++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		st.Iter = b
		st.Record = 0
		if b > cfg.Burn && (b-cfg.Burn)%cfg.Thin == 0 {
			st.Record = (b - cfg.Burn) / cfg.Thin
		}

		if err := c.iterate(); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", b, err)
		}

		if st.Record > 0 {
			c.rec.snapshot(st, c.sel.Conc)
		}
		if c.ckpt != nil && c.ckpt.Old() {
			if err := c.ckpt.Save(b, false, st); err != nil {
				return nil, fmt.Errorf("iteration %d: checkpoint: %w", b, err)
			}
		}
		if b%cfg.ReportPeriod == 0 {
			log.Debugf("iteration %d/%d: sigma2=%g nu=%g", b, total, st.Sigma2, st.Nu)
		}
	}

	if c.ckpt != nil {
		if err := c.ckpt.Save(total, true, st); err != nil {
			return nil, fmt.Errorf("final checkpoint: %w", err)
		}
	}
	return c.rec.results(), nil
}

// iterate runs one full sweep: all tree-pair updates against
// leave-one-out residuals, then the family, global-shrinkage and
// exposure-selection updates.
func (c *Chain) iterate() error {
	st := c.st
	cfg := &c.cfg
	nExp := len(c.exps)

	for i := range st.ExpCount {
		st.ExpCount[i] = 0
		st.ExpInf[i] = 0
		st.TotTermExp[i] = 0
		st.SumTermT2Exp[i] = 0
	}
	if cfg.Interaction != InteractionOff {
		st.MixCount.Reset()
		st.MixInf.Reset()
		st.TotTermMix.Reset()
		st.SumTermT2Mix.Reset()
	}

	// cycle the leave-one-out residual through the pairs: before pair t
	// runs, R excludes exactly that pair's fitted column
	for i := range st.Fhat {
		st.Fhat[i] = 0
		st.R[i] += st.Rmat.At(i, 0)
	}
	for t := 0; t < cfg.NTrees; t++ {
		if err := c.updatePair(t); err != nil {
			return err
		}
		for i := range st.Fhat {
			st.Fhat[i] += st.Rmat.At(i, t)
			if t < cfg.NTrees-1 {
				st.R[i] += st.Rmat.At(i, t+1) - st.Rmat.At(i, t)
			}
		}
	}
	// rebuild exactly, so float drift cannot accumulate across sweeps
	for i := range st.R {
		st.R[i] = st.Ystar[i] - st.Fhat[i]
	}

	st.TotTerm = 0
	st.SumTermT2 = 0
	for i := 0; i < nExp; i++ {
		st.TotTerm += st.TotTermExp[i]
		st.SumTermT2 += st.SumTermT2Exp[i]
	}
	if cfg.Interaction != InteractionOff {
		for i := 0; i < nExp; i++ {
			for j := i; j < nExp; j++ {
				if j > i || cfg.Interaction == InteractionSelf {
					st.TotTerm += st.TotTermMix.At(j, i)
					st.SumTermT2 += st.SumTermT2Mix.At(j, i)
				}
			}
		}
	}

	if err := c.est.Reestimate(st, st.Rng); err != nil {
		return err
	}

	st.Nu, _ = shrink.HalfCauchyFC(st.Rng, st.Nu, st.TotTerm, st.SumTermT2/st.Sigma2)
	if math.IsNaN(st.Nu) || math.IsInf(st.Nu, 0) {
		return fmt.Errorf("global shrinkage scale degenerate (%v)", st.Nu)
	}

	if cfg.Shrinkage == ShrinkExposure || cfg.Shrinkage == ShrinkBoth {
		sigmaNu := st.Sigma2 * st.Nu
		for i := 0; i < nExp; i++ {
			st.MuExp[i], _ = shrink.HalfCauchyFC(st.Rng, st.MuExp[i], st.TotTermExp[i], st.SumTermT2Exp[i]/sigmaNu)
			if math.IsNaN(st.MuExp[i]) || math.IsInf(st.MuExp[i], 0) {
				return fmt.Errorf("exposure %d shrinkage scale degenerate (%v)", i, st.MuExp[i])
			}
			if cfg.Interaction == InteractionOff {
				continue
			}
			for j := i; j < nExp; j++ {
				if j == i && cfg.Interaction != InteractionSelf {
					continue
				}
				v, _ := shrink.HalfCauchyFC(st.Rng, st.MuMix.At(j, i), st.TotTermMix.At(j, i), st.SumTermT2Mix.At(j, i)/sigmaNu)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("interaction (%d,%d) shrinkage scale degenerate (%v)", i, j, v)
				}
				st.MuMix.Set(j, i, v)
			}
		}
	}

	c.sel.Update(st.Rng, st.Iter, cfg.Burn, st.ExpCount, st.ExpProb)
	return nil
}
