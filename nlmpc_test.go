package mpc

import (
	"errors"
	"math"
	"testing"

	"github.com/gonum/matrix/mat64"
)

// integrator is x(k+1) = x(k) + u(k).
func integrator(x, u, d *mat64.Vector) *mat64.Vector {
	next := mat64.NewVector(1, nil)
	next.AddVec(x, u)
	return next
}

// tracking penalizes the distance of the predicted states to 1 and the inputs.
func tracking(X, Y, U *mat64.Dense, slack float64) float64 {
	r, _ := X.Dims()
	cost := 0.0
	for i := 0; i < r; i++ {
		e := X.At(i, 0) - 1
		cost += e*e + 0.1*U.At(i, 0)*U.At(i, 0)
	}
	return cost
}

func newIntegratorNLMPC(t *testing.T, dim Dimensions) *NLMPC {
	c, err := NewNLMPC(dim)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetStateSpaceFunction(integrator); err != nil {
		t.Fatal(err)
	}
	if err := c.SetObjectiveFunction(tracking, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.SetOptimizerParameters(DefaultNLParameters()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNLMPCIntegrator(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 5, Ch: 2}
	c := newIntegratorNLMPC(t, dim)
	res, err := c.Step(mat64.NewVector(1, nil), mat64.NewVector(1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() {
		t.Fatalf("step failed: %s", res)
	}
	if u := res.Cmd.At(0, 0); u <= 0 || u > 1.1 {
		t.Fatalf("command %f does not move towards the target", u)
	}
	seq := c.OptimalSequence()
	if seq.State.At(0, 0) != 0 {
		t.Fatal("first predicted state is not x0")
	}
	for k := 0; k < dim.Ph; k++ {
		pred := seq.State.At(k, 0) + seq.Input.At(k, 0)
		if math.Abs(seq.State.At(k+1, 0)-pred) > 1e-4 {
			t.Fatalf("dynamics violated at step %d", k)
		}
	}
	// the last move of the control horizon is held
	for k := dim.Ch; k <= dim.Ph; k++ {
		if seq.Input.At(k, 0) != seq.Input.At(dim.Ch-1, 0) {
			t.Fatalf("input %d is not held", k)
		}
	}
	if seq.Output.At(2, 0) != seq.State.At(2, 0) {
		t.Fatal("default output is not the first state")
	}

	x := mat64.NewVector(1, nil)
	for k := 0; k < 15; k++ {
		res, err := c.Step(x, nil)
		if err != nil {
			t.Fatal(err)
		}
		x = integrator(x, res.Cmd, nil)
	}
	if math.Abs(x.At(0, 0)-1) > 0.05 {
		t.Fatalf("state did not reach the target: %f", x.At(0, 0))
	}
}

func TestNLMPCSolverFailure(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 4, Ch: 2}
	c := newIntegratorNLMPC(t, dim)
	first, err := c.Step(mat64.NewVector(1, nil), mat64.NewVector(1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Success() {
		t.Fatalf("first step failed: %s", first)
	}

	params := DefaultNLParameters()
	params.MaximumIteration = 0
	if err := c.SetOptimizerParameters(params); err != nil {
		t.Fatal(err)
	}
	res, err := c.Step(mat64.NewVector(1, []float64{0.5}), mat64.NewVector(1, []float64{0.2}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Retcode >= 0 {
		t.Fatalf("failure not reported: %s", res)
	}
	if res.Cmd.At(0, 0) != first.Cmd.At(0, 0) || res.Cost != first.Cost {
		t.Fatalf("previous command not returned: %s", res)
	}
}

func TestNLMPCPanickingObjective(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 3, Ch: 1}
	c := newIntegratorNLMPC(t, dim)
	if err := c.SetObjectiveFunction(func(X, Y, U *mat64.Dense, slack float64) float64 {
		panic("diverged")
	}, nil); err != nil {
		t.Fatal(err)
	}
	u0 := mat64.NewVector(1, []float64{0.7})
	res, err := c.Step(mat64.NewVector(1, nil), u0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success() || res.Cmd.At(0, 0) != 0.7 {
		t.Fatalf("panic not turned into a fallback: %s", res)
	}
}

func TestNLMPCUserConstraints(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 4, Ch: 2, Ineq: 1}
	c := newIntegratorNLMPC(t, dim)
	// the first command may not exceed 0.25
	ineq := func(X, Y, U *mat64.Dense, slack float64) *mat64.Vector {
		return mat64.NewVector(1, []float64{U.At(0, 0) - 0.25})
	}
	if err := c.SetIneqConFunction(ineq, nil, 0); err != nil {
		t.Fatal(err)
	}
	res, err := c.Step(mat64.NewVector(1, nil), mat64.NewVector(1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() {
		t.Fatalf("step failed: %s", res)
	}
	if u := res.Cmd.At(0, 0); u > 0.25+1e-4 {
		t.Fatalf("command %f violates the user constraint", u)
	}
	if err := c.SetEqConFunction(func(X, U *mat64.Dense) *mat64.Vector { return nil }, nil, 0); !errors.Is(err, ErrDimension) {
		t.Fatal("equality constraints accepted with eq=0")
	}
}

func TestNLMPCContinuousTime(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 4, Ch: 2}
	c, err := NewNLMPC(dim)
	if err != nil {
		t.Fatal(err)
	}
	// ẋ = u
	if err := c.SetStateSpaceFunction(func(x, u, d *mat64.Vector) *mat64.Vector {
		return cloneVec(u)
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetContinuousTimeModel(0); !errors.Is(err, ErrParameters) {
		t.Fatal("zero sample time accepted")
	}
	if err := c.SetContinuousTimeModel(0.5); err != nil {
		t.Fatal(err)
	}
	if err := c.SetObjectiveFunction(tracking, nil); err != nil {
		t.Fatal(err)
	}
	res, err := c.Step(mat64.NewVector(1, nil), mat64.NewVector(1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() {
		t.Fatalf("step failed: %s", res)
	}
	seq := c.OptimalSequence()
	for k := 0; k < dim.Ph; k++ {
		pred := seq.State.At(k, 0) + 0.25*(seq.Input.At(k, 0)+seq.Input.At(k+1, 0))
		if math.Abs(seq.State.At(k+1, 0)-pred) > 1e-4 {
			t.Fatalf("collocation violated at step %d", k)
		}
	}
}

func TestNLMPCSetters(t *testing.T) {
	var zero NLMPC
	if _, err := zero.Step(mat64.NewVector(1, nil), nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatal("step before setup")
	}
	dim := Dimensions{Nx: 2, Nu: 1, Ny: 3, Ph: 3, Ch: 1}
	c, err := NewNLMPC(dim)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Step(mat64.NewVector(2, nil), nil); err == nil {
		t.Fatal("step without an output function accepted with ny > nx")
	}
	if err := c.SetStateSpaceFunction(nil); !errors.Is(err, ErrParameters) {
		t.Fatal("nil state space function accepted")
	}
	if err := c.SetObjectiveFunction(nil, nil); !errors.Is(err, ErrParameters) {
		t.Fatal("nil objective accepted")
	}
	if err := c.SetOptimizerParameters(DefaultLParameters()); !errors.Is(err, ErrParameters) {
		t.Fatal("linear parameters accepted")
	}
	if err := c.SetInputScale(mat64.NewVector(1, []float64{2})); err != nil {
		t.Fatal(err)
	}
	if err := c.SetStateScale(mat64.NewVector(1, []float64{2})); !errors.Is(err, ErrDimension) {
		t.Fatal("state scaling of wrong size accepted")
	}
	if err := c.SetExogenousInputs(mat64.NewVector(1, nil)); !errors.Is(err, ErrDimension) {
		t.Fatal("disturbance accepted with ndu=0")
	}
	if err := c.SetOutputFunction(func(x, u *mat64.Vector) *mat64.Vector {
		return mat64.NewVector(3, []float64{x.At(0, 0), x.At(1, 0), u.At(0, 0)})
	}); err != nil {
		t.Fatal(err)
	}
	// still missing the dynamics and the objective
	if _, err := c.Step(mat64.NewVector(2, nil), nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatal("step accepted before binding")
	}
}

func TestNLOptimizerBind(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 3, Ch: 2, Ineq: 2}
	mp, _ := NewMapping(dim)
	model, err := NewModel(dim, integrator, nil)
	if err != nil {
		t.Fatal(err)
	}
	o, err := NewNLOptimizer(mp, model, nil)
	if err != nil {
		t.Fatal(err)
	}
	if o.Bind(nil) {
		t.Fatal("nil objective bound")
	}
	if o.BindEq(o.Dynamics(), []float64{1e-6}) {
		t.Fatal("dynamics bound with too few tolerances")
	}
	ineq, err := o.NewIneqConstraint(func(X, Y, U *mat64.Dense, slack float64) *mat64.Vector {
		return mat64.NewVector(2, nil)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if o.BindUserIneq(ineq, []float64{0}) {
		t.Fatal("inequality bound with too few tolerances")
	}
	if !o.BindUserIneq(ineq, []float64{0, 0}) {
		t.Fatal("inequality not bound")
	}
	if o.BindUserEq(ineq, []float64{0, 0}) {
		t.Fatal("inequality bound as equality with eq=0")
	}
	if _, err := o.Run(mat64.NewVector(1, nil), nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatal("run accepted before binding")
	}
	obj, err := o.NewObjective(tracking, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !o.Bind(obj) || !o.BindEq(o.Dynamics(), constant(3, 1e-6)) {
		t.Fatal("objective or dynamics not bound")
	}
	if o.state != nlBound {
		t.Fatalf("optimizer is %s", o.state)
	}
	if err := o.SetParameters(NLParameters{Accuracy: 0}); !errors.Is(err, ErrParameters) {
		t.Fatal("zero accuracy accepted")
	}
	if err := o.SetParameters(DefaultNLParameters()); err != nil {
		t.Fatal(err)
	}
	if o.state != nlReady {
		t.Fatalf("optimizer is %s", o.state)
	}
}

func TestNLOptimizerWarmStart(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 3, Ch: 2}
	mp, _ := NewMapping(dim)
	if err := mp.SetStateScaling(mat64.NewVector(1, []float64{4})); err != nil {
		t.Fatal(err)
	}
	model, _ := NewModel(dim, integrator, nil)
	o, _ := NewNLOptimizer(mp, model, nil)
	x := o.WarmStart(mat64.NewVector(1, []float64{2}), mat64.NewVector(1, []float64{0.5}))
	exp := []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0}
	if len(x) != len(exp) {
		t.Fatalf("warm start has %d elements", len(x))
	}
	for i, v := range exp {
		if x[i] != v {
			t.Fatalf("warm start %v, expected %v", x, exp)
		}
	}
	params := DefaultNLParameters()
	params.HardConstraints = true
	if err := o.SetParameters(params); err != nil {
		t.Fatal(err)
	}
	b := o.Bounds()
	if b[len(b)-1].Lower != 0 || !math.IsInf(b[0].Lower, -1) {
		t.Fatal("slack not bounded with hard constraints")
	}
}

func TestConstraintJacobian(t *testing.T) {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 2, Ch: 1, Ineq: 1}
	mp, _ := NewMapping(dim)
	model, _ := NewModel(dim, integrator, nil)
	h := newHorizon(dim, mp, model)
	h.x0.SetVec(0, 1)
	dyn := newDynamics(h)
	// x = [x1, x2, u, slack]: c = [x1 - 1 - u, x2 - x1 - u]
	x := []float64{1.5, 2, 0.25, 0}
	v := dyn.Values(x)
	if math.Abs(v[0]-0.25) > 1e-12 || math.Abs(v[1]-0.25) > 1e-12 {
		t.Fatalf("dynamics values %v", v)
	}
	jac := dyn.Jacobian(x)
	exp := []float64{
		1, 0, -1, 0,
		-1, 1, -1, 0,
	}
	for i, e := range exp {
		if math.Abs(jac[i]-e) > 1e-6 {
			t.Fatalf("jacobian %v, expected %v", jac, exp)
		}
	}

	user := newUserIneq(h, func(X, Y, U *mat64.Dense, slack float64) *mat64.Vector {
		return mat64.NewVector(1, []float64{2 * U.At(0, 0)})
	}, func(x []float64, jac *mat64.Dense) {
		jac.Set(2, 0, 2)
	})
	if g := user.Jacobian(x); g[2] != 2 || g[0] != 0 {
		t.Fatalf("user jacobian %v", g)
	}
	g := make([]float64, 4)
	user.inequalities([]float64{1})[0](x, g)
	if g[2] != -2 {
		t.Fatalf("inequality gradient %v", g)
	}
	if c := user.inequalities([]float64{1})[0](x, nil); c != 0.5 {
		t.Fatalf("inequality value %f", c)
	}
}
