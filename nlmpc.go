package mpc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// dynamicsTolerance is the tolerance of the dynamics constraints used by the
// feasibility check.
const dynamicsTolerance = 1e-6

// NLMPC is a nonlinear model predictive controller. The model, objective and
// constraints are user functions evaluated on the predicted trajectories.
type NLMPC struct {
	base
	mapping   *Mapping
	model     *Model
	optimizer *NLOptimizer
}

// NewNLMPC returns a nonlinear controller. The state space function and the
// objective must be set before the first Step.
func NewNLMPC(dim Dimensions) (*NLMPC, error) {
	c := &NLMPC{}
	if err := c.setup(dim); err != nil {
		return nil, err
	}
	mapping, err := NewMapping(dim)
	if err != nil {
		return nil, err
	}
	c.mapping = mapping
	c.model = &Model{dim: dim}
	if c.optimizer, err = NewNLOptimizer(mapping, c.model, c.logger); err != nil {
		return nil, err
	}
	return c, nil
}

// SetStateSpaceFunction sets the model dynamics.
func (c *NLMPC) SetStateSpaceFunction(f StateSpaceFunc) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: state space function is required", ErrParameters)
	}
	c.logger.detail("setting state space function")
	c.model.state = f
	if !c.optimizer.BindEq(c.optimizer.Dynamics(), constant(c.dim.Ph*c.dim.Nx, dynamicsTolerance)) {
		return fmt.Errorf("%w: dynamics constraints rejected", ErrParameters)
	}
	return nil
}

// SetOutputFunction sets the output function, the default output is the
// first ny states.
func (c *NLMPC) SetOutputFunction(g OutputFunc) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	c.logger.detail("setting output function")
	c.model.output = g
	return nil
}

// SetObjectiveFunction sets the objective. grad may be nil, in which case the
// gradient is computed by finite differences.
func (c *NLMPC) SetObjectiveFunction(fn ObjectiveFunc, grad ObjectiveGradientFunc) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	obj, err := c.optimizer.NewObjective(fn, grad)
	if err != nil {
		return err
	}
	c.logger.detail("setting objective function")
	if !c.optimizer.Bind(obj) {
		return fmt.Errorf("%w: objective rejected", ErrParameters)
	}
	return nil
}

// SetIneqConFunction sets the user inequality constraints c ≤ tol. jac may be nil.
func (c *NLMPC) SetIneqConFunction(fn IneqConstraintFunc, jac ConstraintJacobianFunc, tol float64) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	con, err := c.optimizer.NewIneqConstraint(fn, jac)
	if err != nil {
		return err
	}
	c.logger.detail("setting inequality constraints")
	if !c.optimizer.BindUserIneq(con, constant(c.dim.Ineq, tol)) {
		return fmt.Errorf("%w: inequality constraints rejected", ErrParameters)
	}
	return nil
}

// SetEqConFunction sets the user equality constraints. jac may be nil.
func (c *NLMPC) SetEqConFunction(fn EqConstraintFunc, jac ConstraintJacobianFunc, tol float64) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	con, err := c.optimizer.NewEqConstraint(fn, jac)
	if err != nil {
		return err
	}
	c.logger.detail("setting equality constraints")
	if !c.optimizer.BindUserEq(con, constant(c.dim.Eq, tol)) {
		return fmt.Errorf("%w: equality constraints rejected", ErrParameters)
	}
	return nil
}

// SetContinuousTimeModel declares the state space function as a state
// derivative, integrated with the sample time ts.
func (c *NLMPC) SetContinuousTimeModel(ts float64) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	c.logger.detail("setting continuous time model, ts=%g", ts)
	return c.model.SetContinuous(ts)
}

// SetInputScale sets the scale factor of each input.
func (c *NLMPC) SetInputScale(scaling *mat64.Vector) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	return c.mapping.SetInputScaling(scaling)
}

// SetStateScale sets the scale factor of each state.
func (c *NLMPC) SetStateScale(scaling *mat64.Vector) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	return c.mapping.SetStateScaling(scaling)
}

// SetExogenousInputs sets the measured disturbance passed to the state space function.
func (c *NLMPC) SetExogenousInputs(uMeas *mat64.Vector) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	if c.dim.Ndu == 0 {
		return fmt.Errorf("%w: no measured disturbance declared (ndu=0)", ErrDimension)
	}
	if err := checkVecLen(uMeas, c.dim.Ndu, "measured disturbance"); err != nil {
		return err
	}
	c.optimizer.h.d.CopyVec(uMeas)
	return nil
}

// SetOptimizerParameters sets the solver parameters, which must be NLParameters.
func (c *NLMPC) SetOptimizerParameters(params Parameters) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	p, ok := params.(NLParameters)
	if !ok {
		return fmt.Errorf("%w: nonlinear MPC expects NLParameters, got %T", ErrParameters, params)
	}
	c.logger.detail("setting optimizer parameters %s", p)
	return c.optimizer.SetParameters(p)
}

// Step computes the command for the current state x0 given the previous
// command u0. A nil u0 reuses the last command.
func (c *NLMPC) Step(x0, u0 *mat64.Vector) (Result, error) {
	if err := c.checkInit(); err != nil {
		return Result{}, err
	}
	if c.model.output == nil && c.dim.Ny > c.dim.Nx {
		return Result{}, fmt.Errorf("%w: an output function is required when ny > nx", ErrDimension)
	}
	res, err := c.optimizer.Run(x0, u0)
	if err != nil {
		return Result{}, err
	}
	c.last = res
	return c.LastResult(), nil
}

// OptimalSequence returns the predicted trajectories of the last successful step.
func (c *NLMPC) OptimalSequence() OptimalSequence {
	if c.checkInit() != nil {
		return OptimalSequence{}
	}
	return c.optimizer.OptimalSequence()
}

// Slack returns the slack of the last successful step.
func (c *NLMPC) Slack() float64 {
	if c.checkInit() != nil {
		return 0
	}
	return c.optimizer.Slack()
}

func constant(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}
