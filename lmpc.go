package mpc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// LMPC is a linear model predictive controller of the discrete time plant
//
//	x(k+1) = A x(k) + B u(k) + Bd d(k)
//	y(k)   = C x(k) + Dd d(k)
type LMPC struct {
	base
	builder   *ProblemBuilder
	optimizer *LOptimizer
}

// NewLMPC returns a linear controller with the SLSQP backed QP solver.
func NewLMPC(dim Dimensions) (*LMPC, error) {
	return NewLMPCWithSolver(dim, nil)
}

// NewLMPCWithSolver returns a linear controller using the provided QP solver.
func NewLMPCWithSolver(dim Dimensions, solver QPSolver) (*LMPC, error) {
	c := &LMPC{}
	if err := c.setup(dim); err != nil {
		return nil, err
	}
	builder, err := NewProblemBuilder(dim)
	if err != nil {
		return nil, err
	}
	opt, err := NewLOptimizer(builder, solver, c.logger)
	if err != nil {
		return nil, err
	}
	c.builder, c.optimizer = builder, opt
	return c, nil
}

// SetContinuousTimeModel is not available: discretize the model first, e.g. with Discretize.
func (c *LMPC) SetContinuousTimeModel(ts float64) error {
	return fmt.Errorf("%w: linear MPC supports only discrete time systems", ErrUnsupported)
}

// SetInputScale is not available: the model must be scaled beforehand.
func (c *LMPC) SetInputScale(scaling *mat64.Vector) error {
	return fmt.Errorf("%w: linear MPC does not support input scaling", ErrUnsupported)
}

// SetStateScale is not available: the model must be scaled beforehand.
func (c *LMPC) SetStateScale(scaling *mat64.Vector) error {
	return fmt.Errorf("%w: linear MPC does not support state scaling", ErrUnsupported)
}

// SetOptimizerParameters sets the QP solver parameters, which must be LParameters.
func (c *LMPC) SetOptimizerParameters(params Parameters) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	p, ok := params.(LParameters)
	if !ok {
		return fmt.Errorf("%w: linear MPC expects LParameters, got %T", ErrParameters, params)
	}
	c.logger.detail("setting optimizer parameters %s", p)
	return c.optimizer.SetParameters(p)
}

// SetStateSpaceModel sets A (nx×nx), B (nx×nu) and C (ny×nx).
func (c *LMPC) SetStateSpaceModel(A, B, C mat64.Matrix) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	c.logger.detail("setting state space model")
	return c.builder.SetStateModel(A, B, C)
}

// SetDisturbances sets Bd (nx×ndu) and Dd (ny×ndu).
func (c *LMPC) SetDisturbances(Bd, Dd mat64.Matrix) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	c.logger.detail("setting disturbances matrices")
	return c.builder.SetExogenousInput(Bd, Dd)
}

// SetConstraints sets the state, input and output bounds, applied equally
// along the prediction horizon.
func (c *LMPC) SetConstraints(XMin, UMin, YMin, XMax, UMax, YMax *mat64.Vector) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	d := c.dim
	vecs := []struct {
		v    *mat64.Vector
		n    int
		name string
	}{
		{XMin, d.Nx, "XMin"}, {UMin, d.Nu, "UMin"}, {YMin, d.Ny, "YMin"},
		{XMax, d.Nx, "XMax"}, {UMax, d.Nu, "UMax"}, {YMax, d.Ny, "YMax"},
	}
	for _, v := range vecs {
		if err := checkVecLen(v.v, v.n, v.name); err != nil {
			return err
		}
	}
	c.logger.detail("setting constraints")
	return c.builder.SetConstraints(
		broadcast(XMin, d.Ph), broadcast(UMin, d.Ph), broadcast(YMin, d.Ph),
		broadcast(XMax, d.Ph), broadcast(UMax, d.Ph), broadcast(YMax, d.Ph))
}

// SetHorizonConstraints sets per step bounds, each matrix having ph columns.
func (c *LMPC) SetHorizonConstraints(XMin, UMin, YMin, XMax, UMax, YMax mat64.Matrix) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	c.logger.detail("setting horizon constraints")
	return c.builder.SetConstraints(XMin, UMin, YMin, XMax, UMax, YMax)
}

// SetObjectiveWeights sets the output, input and input increment weights,
// applied equally along the prediction horizon.
func (c *LMPC) SetObjectiveWeights(OWeight, UWeight, DeltaUWeight *mat64.Vector) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	d := c.dim
	if err := checkVecLen(OWeight, d.Ny, "output weight"); err != nil {
		return err
	}
	if err := checkVecLen(UWeight, d.Nu, "input weight"); err != nil {
		return err
	}
	if err := checkVecLen(DeltaUWeight, d.Nu, "input increment weight"); err != nil {
		return err
	}
	c.logger.detail("setting weights")
	return c.builder.SetObjective(broadcast(OWeight, d.Ph+1), broadcast(UWeight, d.Ph+1), broadcast(DeltaUWeight, d.Ph))
}

// SetHorizonObjectiveWeights sets per step weights: output ny×(ph+1), input
// nu×(ph+1) and input increment nu×ph.
func (c *LMPC) SetHorizonObjectiveWeights(OWeight, UWeight, DeltaUWeight mat64.Matrix) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	c.logger.detail("setting horizon weights")
	return c.builder.SetObjective(OWeight, UWeight, DeltaUWeight)
}

// SetReferences sets the output, input and input increment references.
func (c *LMPC) SetReferences(outRef, cmdRef, deltaCmdRef *mat64.Vector) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	return c.optimizer.setReferences(outRef, cmdRef, deltaCmdRef)
}

// SetExogenousInputs sets the measured disturbance of the current step.
func (c *LMPC) SetExogenousInputs(uMeas *mat64.Vector) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	return c.optimizer.setExogenousInputs(uMeas)
}

// Step computes the command for the current state x0 given the previous
// command u0 (nil is zero).
func (c *LMPC) Step(x0, u0 *mat64.Vector) (Result, error) {
	if err := c.checkInit(); err != nil {
		return Result{}, err
	}
	res, err := c.optimizer.Run(x0, u0)
	if err != nil {
		return Result{}, err
	}
	c.last = res
	return c.LastResult(), nil
}

// OptimalSequence returns the predicted trajectories of the last successful step.
func (c *LMPC) OptimalSequence() OptimalSequence {
	if c.checkInit() != nil {
		return OptimalSequence{}
	}
	return c.optimizer.OptimalSequence()
}

// Problem returns the problem solved at the last step.
func (c *LMPC) Problem() *Problem {
	if c.checkInit() != nil {
		return nil
	}
	return c.builder.Problem()
}
