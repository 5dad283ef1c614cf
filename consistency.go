package mpc

import (
	"errors"
	"fmt"

	"github.com/gonum/matrix/mat64"
	"github.com/gonum/stat"
)

// NEES returns, for each step, the normalized estimation error squared
// averaged over the Monte Carlo runs. The runs must use an Observer, and the
// first step, which has no estimate covariance, is reported as zero. For a
// consistent observer the means are close to the number of states.
func (mc *MonteCarloRuns) NEES() ([]float64, error) {
	if len(mc.Runs) == 0 {
		return nil, errors.New("no run to test")
	}
	means := make([]float64, mc.steps)
	samples := make([]float64, len(mc.Runs))
	for k := 1; k < mc.steps; k++ {
		for r, run := range mc.Runs {
			s := run.Samples[k]
			if s.Covariance == nil {
				return nil, fmt.Errorf("%w: run %d has no estimate covariance, the closed loop needs an observer", ErrParameters, r)
			}
			nees, err := normalizedSquare(s.State, s.Estimate, s.Covariance)
			if err != nil {
				return nil, fmt.Errorf("run %d step %d: %w", r, k, err)
			}
			samples[r] = nees
		}
		means[k] = stat.Mean(samples, nil)
	}
	return means, nil
}

// normalizedSquare returns (x-e)ᵀ P⁻¹ (x-e).
func normalizedSquare(x, e *mat64.Vector, P mat64.Symmetric) (float64, error) {
	var PInv mat64.Dense
	if err := PInv.Inverse(P); err != nil {
		return 0, err
	}
	var diff, scaled mat64.Vector
	diff.SubVec(x, e)
	scaled.MulVec(&PInv, &diff)
	return mat64.Dot(&diff, &scaled), nil
}
