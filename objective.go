package mpc

import (
	"fmt"

	"github.com/curioloop/optimizer/numdiff"
	"github.com/gonum/matrix/mat64"
)

// ObjectiveFunc returns the cost of the predicted state, output and input
// trajectories ((ph+1) rows each) and of the slack.
type ObjectiveFunc func(X, Y, U *mat64.Dense, slack float64) float64

// ObjectiveGradientFunc writes into grad the gradient of the objective with
// respect to the decision vector x.
type ObjectiveGradientFunc func(x, grad []float64)

// Objective evaluates a user objective on decision vectors. Without a user
// gradient, the gradient is computed with central differences.
type Objective struct {
	h    *horizon
	fn   ObjectiveFunc
	grad ObjectiveGradientFunc
	diff numdiff.ApproxSpec
	xc   []float64
}

func newObjective(h *horizon, fn ObjectiveFunc, grad ObjectiveGradientFunc) (*Objective, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: objective function is required", ErrParameters)
	}
	n := h.dim.DecisionLen()
	o := &Objective{h: h, fn: fn, grad: grad, xc: make([]float64, n)}
	o.diff = numdiff.ApproxSpec{
		N:      n,
		M:      1,
		Method: numdiff.Central,
		Object: func(x, y []float64) {
			y[0] = o.value(x)
		},
	}
	return o, nil
}

func (o *Objective) value(x []float64) float64 {
	X, Y, U, slack := o.h.unwrap(x)
	return o.fn(X, Y, U, slack)
}

// Evaluate returns the objective at x and, when g is not nil, writes its
// gradient into g.
func (o *Objective) Evaluate(x, g []float64) float64 {
	if g == nil {
		return o.value(x)
	}
	if o.grad != nil {
		o.grad(x, g)
		return 0
	}
	copy(o.xc, x)
	if err := o.diff.Diff(o.xc, g); err != nil {
		panic(fmt.Errorf("objective gradient: %w", err))
	}
	return 0
}
