package mpc

import (
	"fmt"

	"github.com/gonum/floats"
	"github.com/gonum/matrix/mat64"
)

// LOptimizer solves the linear MPC problem: it refreshes the builder's problem
// with the current state and references, hands it to a QPSolver and extracts
// the command from the solution.
type LOptimizer struct {
	dim     Dimensions
	builder *ProblemBuilder
	solver  QPSolver
	params  LParameters
	logger  *Logger

	yRef, uRef, deltaURef *mat64.Vector
	uMeas                 *mat64.Vector

	warm     []float64
	lastCmd  *mat64.Vector
	lastCost float64
	sequence OptimalSequence
}

// NewLOptimizer returns an optimizer over builder. A nil solver selects the
// SLSQP backed QP solver.
func NewLOptimizer(builder *ProblemBuilder, solver QPSolver, logger *Logger) (*LOptimizer, error) {
	if builder == nil || !builder.initialized {
		return nil, ErrNotInitialized
	}
	dim := builder.dim
	o := &LOptimizer{
		dim:       dim,
		builder:   builder,
		params:    DefaultLParameters(),
		logger:    logger,
		yRef:      mat64.NewVector(dim.Ny, nil),
		uRef:      mat64.NewVector(dim.Nu, nil),
		deltaURef: mat64.NewVector(dim.Nu, nil),
		lastCmd:   mat64.NewVector(dim.Nu, nil),
	}
	if dim.Ndu > 0 {
		o.uMeas = mat64.NewVector(dim.Ndu, nil)
	}
	if solver == nil {
		solver = NewSLSQPSolver(o.params)
	}
	o.solver = solver
	return o, nil
}

// SetParameters sets the solver parameters. The SLSQP solver picks them up
// immediately, other solvers are left untouched.
func (o *LOptimizer) SetParameters(params LParameters) error {
	if params.MaxIterations < 0 || params.Accuracy < 0 || params.NNLSIterations < 0 {
		return fmt.Errorf("%w: %s", ErrParameters, params)
	}
	o.params = params
	if s, ok := o.solver.(*SLSQPSolver); ok {
		s.Params = params
	}
	if !params.WarmStart {
		o.warm = nil
	}
	return nil
}

// Parameters returns the current solver parameters.
func (o *LOptimizer) Parameters() LParameters {
	return o.params
}

func (o *LOptimizer) setReferences(yRef, uRef, deltaURef *mat64.Vector) error {
	if err := checkVecLen(yRef, o.dim.Ny, "output reference"); err != nil {
		return err
	}
	if err := checkVecLen(uRef, o.dim.Nu, "input reference"); err != nil {
		return err
	}
	if err := checkVecLen(deltaURef, o.dim.Nu, "input increment reference"); err != nil {
		return err
	}
	o.yRef, o.uRef, o.deltaURef = cloneVec(yRef), cloneVec(uRef), cloneVec(deltaURef)
	return nil
}

func (o *LOptimizer) setExogenousInputs(uMeas *mat64.Vector) error {
	if o.dim.Ndu == 0 {
		return fmt.Errorf("%w: no measured disturbance declared (ndu=0)", ErrDimension)
	}
	if err := checkVecLen(uMeas, o.dim.Ndu, "measured disturbance"); err != nil {
		return err
	}
	o.uMeas = cloneVec(uMeas)
	return nil
}

// Run solves the problem for the current state x0 and previous command u0.
// Solver failures are not errors: they are reported with a negative Retcode and
// the last successful command.
func (o *LOptimizer) Run(x0, u0 *mat64.Vector) (Result, error) {
	p, err := o.builder.Get(x0, u0, o.yRef, o.uRef, o.deltaURef, o.uMeas)
	if err != nil {
		return Result{}, err
	}
	if u0 != nil && !o.hasSolution() {
		o.lastCmd = cloneVec(u0)
	}

	var warm []float64
	if o.params.WarmStart {
		warm = o.warm
	}
	sol, err := o.solver.Solve(p, warm)
	if err != nil {
		return Result{}, err
	}

	if !sol.OK || floats.HasNaN(sol.X) {
		o.logger.info("optimization failed after %d iterations: %s", sol.Iterations, solverStatus(sol.Status))
		o.warm = nil
		return Result{Cmd: cloneVec(o.lastCmd), Cost: o.lastCost, Retcode: failureCode(sol.Status)}, nil
	}

	d := o.dim
	na := d.AugLen()
	cmd := mat64.NewVector(d.Nu, sol.X[na+d.Nx:na+d.Nx+d.Nu])
	o.lastCmd = cloneVec(cmd)
	o.lastCost = sol.Cost
	o.warm = append(o.warm[:0], sol.X...)
	o.sequence = o.unwrap(sol.X)

	o.logger.info("optimization converged in %d iterations, cost %g", sol.Iterations, sol.Cost)
	o.logger.detail("optimal sequence\n%s", o.sequence)
	return Result{Cmd: cmd, Cost: sol.Cost, Retcode: 1}, nil
}

// OptimalSequence returns the predicted trajectories of the last successful run.
func (o *LOptimizer) OptimalSequence() OptimalSequence {
	return o.sequence.clone()
}

func (o *LOptimizer) hasSolution() bool {
	return o.sequence.State != nil
}

// unwrap splits the augmented states of the solution into the predicted state,
// input and output trajectories. Row i of the input holds the command applied
// at step i, the last row repeats the previous one.
func (o *LOptimizer) unwrap(x []float64) OptimalSequence {
	d := o.dim
	na := d.AugLen()
	seq := OptimalSequence{
		State:  mat64.NewDense(d.Ph+1, d.Nx, nil),
		Input:  mat64.NewDense(d.Ph+1, d.Nu, nil),
		Output: mat64.NewDense(d.Ph+1, d.Ny, nil),
	}
	var dist *mat64.Vector
	if o.uMeas != nil {
		var dv mat64.Vector
		dv.MulVec(o.builder.ssDv, o.uMeas)
		dist = &dv
	}
	for i := 0; i <= d.Ph; i++ {
		z := x[i*na : (i+1)*na]
		for j := 0; j < d.Nx; j++ {
			seq.State.Set(i, j, z[j])
		}
		next := i + 1
		if next > d.Ph {
			next = d.Ph
		}
		for j := 0; j < d.Nu; j++ {
			seq.Input.Set(i, j, x[next*na+d.Nx+j])
		}
		for r := 0; r < d.Ny; r++ {
			y := 0.0
			for j := 0; j < na; j++ {
				y += o.builder.ssC.At(r, j) * z[j]
			}
			if dist != nil {
				y += dist.At(r, 0)
			}
			seq.Output.Set(i, r, y)
		}
	}
	return seq
}
