package mpc

import (
	"fmt"

	"github.com/curioloop/optimizer/numdiff"
	"github.com/curioloop/optimizer/slsqp"
	"github.com/gonum/floats"
	"github.com/gonum/matrix/mat64"
)

// IneqConstraintFunc returns the user inequality constraints c(X, Y, U, slack) ≤ 0.
type IneqConstraintFunc func(X, Y, U *mat64.Dense, slack float64) *mat64.Vector

// EqConstraintFunc returns the user equality constraints c(X, U) = 0.
type EqConstraintFunc func(X, U *mat64.Dense) *mat64.Vector

// ConstraintJacobianFunc writes into jac the n×m Jacobian of m constraints with
// respect to the n elements of the decision vector: column i is the gradient
// of constraint i.
type ConstraintJacobianFunc func(x []float64, jac *mat64.Dense)

// Constraint evaluates a vector of m constraints on decision vectors. The last
// evaluated point is cached so that the solver may query the components one at
// a time.
type Constraint struct {
	name string
	n, m int
	eval func(x []float64) []float64
	jacf ConstraintJacobianFunc
	diff numdiff.ApproxSpec

	xv, val  []float64
	xj, jac  []float64 // jac is m×n row major
	xc       []float64
	hasValue bool
	hasJac   bool
}

func newConstraint(name string, n, m int, eval func(x []float64) []float64, jacf ConstraintJacobianFunc) *Constraint {
	c := &Constraint{
		name: name, n: n, m: m, eval: eval, jacf: jacf,
		xv: make([]float64, n), xj: make([]float64, n), xc: make([]float64, n),
		val: make([]float64, m), jac: make([]float64, m*n),
	}
	c.diff = numdiff.ApproxSpec{
		N:      n,
		M:      m,
		Method: numdiff.Central,
		Object: func(x, y []float64) {
			copy(y, c.checked(x))
		},
	}
	return c
}

// Len returns the number of constraints.
func (c *Constraint) Len() int {
	return c.m
}

func (c *Constraint) checked(x []float64) []float64 {
	v := c.eval(x)
	if len(v) != c.m {
		panic(fmt.Errorf("%w: %s constraints returned %d values, expected %d", ErrDimension, c.name, len(v), c.m))
	}
	return v
}

// reset drops the cached evaluations, the initial condition has changed.
func (c *Constraint) reset() {
	c.hasValue = false
	c.hasJac = false
}

// Values returns the constraint values at x.
func (c *Constraint) Values(x []float64) []float64 {
	if !c.hasValue || !floats.Equal(c.xv, x) {
		copy(c.val, c.checked(x))
		copy(c.xv, x)
		c.hasValue = true
	}
	return c.val
}

// Jacobian returns the m×n row major Jacobian at x.
func (c *Constraint) Jacobian(x []float64) []float64 {
	if c.hasJac && floats.Equal(c.xj, x) {
		return c.jac
	}
	if c.jacf != nil {
		natural := mat64.NewDense(c.n, c.m, nil)
		c.jacf(x, natural)
		for i := 0; i < c.m; i++ {
			for j := 0; j < c.n; j++ {
				c.jac[i*c.n+j] = natural.At(j, i)
			}
		}
	} else {
		copy(c.xc, x)
		if err := c.diff.Diff(c.xc, c.jac); err != nil {
			panic(fmt.Errorf("%s constraints Jacobian: %w", c.name, err))
		}
	}
	copy(c.xj, x)
	c.hasJac = true
	return c.jac
}

// evaluation returns the i-th component as sign·c_i(x) + offset.
func (c *Constraint) evaluation(i int, sign, offset float64) slsqp.Evaluation {
	return func(x, g []float64) float64 {
		if g != nil {
			row := c.Jacobian(x)[i*c.n : (i+1)*c.n]
			for j, v := range row {
				g[j] = sign * v
			}
			return 0
		}
		return sign*c.Values(x)[i] + offset
	}
}

// equalities returns one equality evaluation per component.
func (c *Constraint) equalities() []slsqp.Evaluation {
	evals := make([]slsqp.Evaluation, c.m)
	for i := range evals {
		evals[i] = c.evaluation(i, 1, 0)
	}
	return evals
}

// inequalities returns c_i(x) ≤ tol_i as tol_i - c_i(x) ≥ 0.
func (c *Constraint) inequalities(tol []float64) []slsqp.Evaluation {
	evals := make([]slsqp.Evaluation, c.m)
	for i := range evals {
		evals[i] = c.evaluation(i, -1, tol[i])
	}
	return evals
}

// newDynamics returns the equality constraints enforcing the model along the
// prediction horizon, in scaled state units.
func newDynamics(h *horizon) *Constraint {
	d := h.dim
	n := d.DecisionLen()
	eval := func(x []float64) []float64 {
		X, U, _ := h.mapping.UnwrapVector(x, h.x0)
		inv := h.mapping.inverseStateScaling
		ceq := make([]float64, d.Ph*d.Nx)
		continuous, ts := h.model.Continuous()

		var fk *mat64.Vector
		if continuous {
			fk = h.model.Next(mat64.NewVector(d.Nx, rowSlice(X, 0)), mat64.NewVector(d.Nu, rowSlice(U, 0)), h.d)
		}
		for k := 0; k < d.Ph; k++ {
			xk := mat64.NewVector(d.Nx, rowSlice(X, k))
			uk := mat64.NewVector(d.Nu, rowSlice(U, k))
			next := rowSlice(X, k+1)
			if continuous {
				// trapezoidal collocation
				fk1 := h.model.Next(mat64.NewVector(d.Nx, next), mat64.NewVector(d.Nu, rowSlice(U, k+1)), h.d)
				for j := 0; j < d.Nx; j++ {
					pred := xk.At(j, 0) + ts/2*(fk.At(j, 0)+fk1.At(j, 0))
					ceq[k*d.Nx+j] = (next[j] - pred) * inv.At(j, 0)
				}
				fk = fk1
				continue
			}
			pred := h.model.Next(xk, uk, h.d)
			for j := 0; j < d.Nx; j++ {
				ceq[k*d.Nx+j] = (next[j] - pred.At(j, 0)) * inv.At(j, 0)
			}
		}
		return ceq
	}
	return newConstraint("dynamics", n, d.Ph*d.Nx, eval, nil)
}

// newUserIneq wraps a user inequality function.
func newUserIneq(h *horizon, fn IneqConstraintFunc, jac ConstraintJacobianFunc) *Constraint {
	eval := func(x []float64) []float64 {
		X, Y, U, slack := h.unwrap(x)
		c := fn(X, Y, U, slack)
		if c == nil {
			return nil
		}
		return vecSlice(c)
	}
	return newConstraint("inequality", h.dim.DecisionLen(), h.dim.Ineq, eval, jac)
}

// newUserEq wraps a user equality function.
func newUserEq(h *horizon, fn EqConstraintFunc, jac ConstraintJacobianFunc) *Constraint {
	eval := func(x []float64) []float64 {
		X, U, _ := h.mapping.UnwrapVector(x, h.x0)
		c := fn(X, U)
		if c == nil {
			return nil
		}
		return vecSlice(c)
	}
	return newConstraint("equality", h.dim.DecisionLen(), h.dim.Eq, eval, jac)
}
