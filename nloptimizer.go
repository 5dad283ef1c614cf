package mpc

import (
	"fmt"
	"math"

	"github.com/curioloop/optimizer/slsqp"
	"github.com/gonum/floats"
	"github.com/gonum/matrix/mat64"
)

type nlState int

const (
	nlUninitialized nlState = iota
	nlInitialized
	nlBound
	nlReady
)

func (s nlState) String() string {
	switch s {
	case nlUninitialized:
		return "uninitialized"
	case nlInitialized:
		return "initialized"
	case nlBound:
		return "bound"
	case nlReady:
		return "ready"
	default:
		return "unknown"
	}
}

// NLOptimizer solves the nonlinear MPC problem with SLSQP. The decision vector
// is laid out as [ph scaled states | ch input moves | slack].
type NLOptimizer struct {
	dim     Dimensions
	mapping *Mapping
	model   *Model
	h       *horizon
	logger  *Logger
	params  NLParameters
	state   nlState

	objective     *Objective
	dynamics      *Constraint
	ineq, eq      *Constraint
	dynTol        []float64
	ineqTol       []float64
	eqTol         []float64
	hasDynamics   bool
	optimizer     *slsqp.Optimizer
	workspace     *slsqp.Workspace
	lastCmd       *mat64.Vector
	lastCost      float64
	slack         float64
	sequence      OptimalSequence
	lastIteration int
	paramsSet     bool
}

// NewNLOptimizer returns an optimizer for the model, with default parameters
// and no slack bound.
func NewNLOptimizer(mapping *Mapping, model *Model, logger *Logger) (*NLOptimizer, error) {
	if mapping == nil || !mapping.initialized {
		return nil, ErrNotInitialized
	}
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", ErrParameters)
	}
	if logger == nil {
		logger = newLogger()
	}
	dim := mapping.dim
	o := &NLOptimizer{
		dim:     dim,
		mapping: mapping,
		model:   model,
		h:       newHorizon(dim, mapping, model),
		logger:  logger,
		params:  DefaultNLParameters(),
		lastCmd: mat64.NewVector(dim.Nu, nil),
	}
	o.dynamics = newDynamics(o.h)
	o.state = nlInitialized
	return o, nil
}

// NewObjective returns an objective evaluated on this optimizer's horizon. grad
// may be nil.
func (o *NLOptimizer) NewObjective(fn ObjectiveFunc, grad ObjectiveGradientFunc) (*Objective, error) {
	return newObjective(o.h, fn, grad)
}

// NewIneqConstraint returns the user inequality constraints. jac may be nil.
func (o *NLOptimizer) NewIneqConstraint(fn IneqConstraintFunc, jac ConstraintJacobianFunc) (*Constraint, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: inequality function is required", ErrParameters)
	}
	if o.dim.Ineq == 0 {
		return nil, fmt.Errorf("%w: no inequality constraint declared", ErrDimension)
	}
	return newUserIneq(o.h, fn, jac), nil
}

// NewEqConstraint returns the user equality constraints. jac may be nil.
func (o *NLOptimizer) NewEqConstraint(fn EqConstraintFunc, jac ConstraintJacobianFunc) (*Constraint, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: equality function is required", ErrParameters)
	}
	if o.dim.Eq == 0 {
		return nil, fmt.Errorf("%w: no equality constraint declared", ErrDimension)
	}
	return newUserEq(o.h, fn, jac), nil
}

// Dynamics returns the equality constraints of the model along the horizon.
func (o *NLOptimizer) Dynamics() *Constraint {
	return o.dynamics
}

// Bind registers the objective.
func (o *NLOptimizer) Bind(obj *Objective) bool {
	if o.state == nlUninitialized || obj == nil {
		return false
	}
	o.objective = obj
	o.invalidate()
	return true
}

// BindEq registers the dynamics constraints with a tolerance per component.
func (o *NLOptimizer) BindEq(c *Constraint, tol []float64) bool {
	if o.state == nlUninitialized || c == nil || c.Len() != o.dim.Ph*o.dim.Nx || len(tol) != c.Len() {
		return false
	}
	o.dynamics, o.dynTol = c, append([]float64(nil), tol...)
	o.hasDynamics = true
	o.invalidate()
	return true
}

// BindUserIneq registers the user inequality constraints c ≤ tol.
func (o *NLOptimizer) BindUserIneq(c *Constraint, tol []float64) bool {
	if o.state == nlUninitialized || c == nil || c.Len() != o.dim.Ineq || len(tol) != c.Len() {
		return false
	}
	o.ineq, o.ineqTol = c, append([]float64(nil), tol...)
	o.invalidate()
	return true
}

// BindUserEq registers the user equality constraints. The tolerances are used
// to check the feasibility of the solution.
func (o *NLOptimizer) BindUserEq(c *Constraint, tol []float64) bool {
	if o.state == nlUninitialized || c == nil || c.Len() != o.dim.Eq || len(tol) != c.Len() {
		return false
	}
	o.eq, o.eqTol = c, append([]float64(nil), tol...)
	o.invalidate()
	return true
}

// SetParameters sets the solver parameters. A zero MaximumIteration is
// accepted and makes every run fall back to the previous command.
func (o *NLOptimizer) SetParameters(params NLParameters) error {
	if o.state == nlUninitialized {
		return ErrNotInitialized
	}
	if params.MaximumIteration < 0 || params.RelativeFtol < 0 || params.RelativeXtol < 0 || params.Accuracy <= 0 {
		return fmt.Errorf("%w: %s", ErrParameters, params)
	}
	o.params = params
	o.paramsSet = true
	o.invalidate()
	return nil
}

// Parameters returns the solver parameters.
func (o *NLOptimizer) Parameters() NLParameters {
	return o.params
}

// invalidate drops the configured solver so that the next run picks up the
// current bindings and parameters.
func (o *NLOptimizer) invalidate() {
	o.optimizer, o.workspace = nil, nil
	if o.objective != nil && o.hasDynamics {
		o.state = nlBound
		if o.paramsSet {
			o.state = nlReady
		}
	}
}

// Bounds returns the variable bounds: everything is free except the slack
// which is non negative with hard constraints.
func (o *NLOptimizer) Bounds() []slsqp.Bound {
	n := o.dim.DecisionLen()
	bounds := make([]slsqp.Bound, n)
	for i := range bounds {
		bounds[i] = slsqp.Bound{Lower: math.Inf(-1), Upper: math.Inf(1)}
	}
	if o.params.HardConstraints {
		bounds[n-1].Lower = 0
	}
	return bounds
}

func (o *NLOptimizer) configure() error {
	prob := slsqp.Problem{
		N: o.dim.DecisionLen(),
		Stop: slsqp.Termination{
			Accuracy:       o.params.Accuracy,
			MaxIterations:  o.params.MaximumIteration,
			FEvalTolerance: math.NaN(),
			FDiffTolerance: o.params.RelativeFtol,
			XDiffTolerance: o.params.RelativeXtol,
		},
		Object: o.objective.Evaluate,
		EqCons: o.dynamics.equalities(),
		Bounds: o.Bounds(),
	}
	if o.eq != nil {
		prob.EqCons = append(prob.EqCons, o.eq.equalities()...)
	}
	if o.ineq != nil {
		prob.NeqCons = o.ineq.inequalities(o.ineqTol)
	}
	opt, err := prob.New()
	if err != nil {
		return err
	}
	o.optimizer = opt
	o.workspace = opt.Init()
	return nil
}

// WarmStart returns the initial guess for x0 and the previous command u0: the
// scaled state and the command are held over the whole horizon and the last
// slack is reused.
func (o *NLOptimizer) WarmStart(x0, u0 *mat64.Vector) []float64 {
	d := o.dim
	x := make([]float64, d.DecisionLen())
	for k := 0; k < d.Ph; k++ {
		for j := 0; j < d.Nx; j++ {
			x[k*d.Nx+j] = x0.At(j, 0) * o.mapping.inverseStateScaling.At(j, 0)
		}
	}
	u := mat64.NewVector(d.Ph*d.Nu, nil)
	for k := 0; k < d.Ph; k++ {
		for j := 0; j < d.Nu; j++ {
			u.SetVec(k*d.Nu+j, u0.At(j, 0))
		}
	}
	z := o.mapping.WrapInputs(u)
	for i := 0; i < z.Len(); i++ {
		x[d.Ph*d.Nx+i] = z.At(i, 0)
	}
	slack := o.slack
	if o.params.HardConstraints && slack < 0 {
		slack = 0
	}
	x[len(x)-1] = slack
	return x
}

// Run solves the problem for the current state x0 and previous command u0 (nil
// reuses the last command). Solver failures, including panics of the user
// functions, are not errors: the last successful command is returned with a
// negative Retcode.
func (o *NLOptimizer) Run(x0, u0 *mat64.Vector) (Result, error) {
	if o.state < nlBound {
		return Result{}, fmt.Errorf("%w: optimizer is %s", ErrNotInitialized, o.state)
	}
	d := o.dim
	if err := checkVecLen(x0, d.Nx, "x0"); err != nil {
		return Result{}, err
	}
	if u0 == nil {
		u0 = o.lastCmd
	} else if err := checkVecLen(u0, d.Nu, "u0"); err != nil {
		return Result{}, err
	}
	if o.sequence.State == nil {
		o.lastCmd = cloneVec(u0)
	}

	o.h.x0.CopyVec(x0)
	o.dynamics.reset()
	if o.ineq != nil {
		o.ineq.reset()
	}
	if o.eq != nil {
		o.eq.reset()
	}

	res, err := o.solve(o.WarmStart(x0, u0))
	if err != nil {
		o.logger.info("optimization failed: %s", err)
		return o.fallback(-1), nil
	}
	o.lastIteration = res.NumIter
	if !res.OK || floats.HasNaN(res.X) {
		o.logger.info("optimization failed after %d iterations: %s", res.NumIter, solverStatus(int(res.Status)))
		return o.fallback(failureCode(int(res.Status))), nil
	}

	X, U, slack := o.mapping.UnwrapVector(res.X, x0)
	Y := o.model.Outputs(X, U)
	o.sequence = OptimalSequence{State: X, Input: U, Output: Y}
	o.slack = slack
	o.lastCost = res.F
	o.lastCmd = mat64.NewVector(d.Nu, rowSlice(U, 0))

	o.logger.info("optimization converged in %d iterations, cost %g, slack %g", res.NumIter, res.F, slack)
	o.logger.detail("optimal sequence\n%s", o.sequence)
	if !o.Feasible(res.X) {
		o.logger.info("solution violates the constraints beyond tolerance")
	}
	return Result{Cmd: cloneVec(o.lastCmd), Cost: res.F, Retcode: 1}, nil
}

func (o *NLOptimizer) solve(x []float64) (res *slsqp.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("solver panic: %v", r)
		}
	}()
	if o.optimizer == nil {
		if err = o.configure(); err != nil {
			return nil, fmt.Errorf("could not configure solver: %w", err)
		}
	}
	return o.optimizer.Fit(x, o.workspace), nil
}

func (o *NLOptimizer) fallback(code int) Result {
	return Result{Cmd: cloneVec(o.lastCmd), Cost: o.lastCost, Retcode: code}
}

// Feasible returns whether the dynamics and the user constraints hold at x
// within their tolerances.
func (o *NLOptimizer) Feasible(x []float64) bool {
	ok := true
	for i, v := range o.dynamics.Values(x) {
		if math.Abs(v) > o.dynTol[i] {
			ok = false
		}
	}
	if o.ineq != nil {
		c := o.ineq.Values(x)
		o.logger.detail("inequality constraints %v", c)
		for i, v := range c {
			if v > o.ineqTol[i] {
				ok = false
			}
		}
	}
	if o.eq != nil {
		c := o.eq.Values(x)
		o.logger.detail("equality constraints %v", c)
		for i, v := range c {
			if math.Abs(v) > o.eqTol[i] {
				ok = false
			}
		}
	}
	return ok
}

// OptimalSequence returns the predicted trajectories of the last successful run.
func (o *NLOptimizer) OptimalSequence() OptimalSequence {
	return o.sequence.clone()
}

// Iterations returns the number of iterations of the last run.
func (o *NLOptimizer) Iterations() int {
	return o.lastIteration
}

// Slack returns the slack of the last successful run.
func (o *NLOptimizer) Slack() float64 {
	return o.slack
}
