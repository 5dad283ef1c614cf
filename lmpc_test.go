package mpc

import (
	"errors"
	"math"
	"testing"

	"github.com/curioloop/optimizer/slsqp"
	"github.com/gonum/matrix/mat64"
)

type failingSolver struct {
	status int
	calls  int
}

func (s *failingSolver) Solve(p *Problem, warm []float64) (QPSolution, error) {
	s.calls++
	return QPSolution{OK: false, Status: s.status}, nil
}

// newDoubleIntegrator returns a position controller of a double integrator
// sampled at 10 Hz with |u| ≤ 1.
func newDoubleIntegrator(t *testing.T, solver QPSolver) (*LMPC, *LinearPlant) {
	dim := Dimensions{Nx: 2, Nu: 1, Ny: 1, Ph: 20, Ch: 5}
	Ac := mat64.NewDense(2, 2, []float64{0, 1, 0, 0})
	Bc := mat64.NewDense(2, 1, []float64{0, 1})
	A, B, err := Discretize(Ac, Bc, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	C := mat64.NewDense(1, 2, []float64{1, 0})
	c, err := NewLMPCWithSolver(dim, solver)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetStateSpaceModel(A, B, C); err != nil {
		t.Fatal(err)
	}
	inf := math.Inf(1)
	xMin := mat64.NewVector(2, []float64{-inf, -inf})
	xMax := mat64.NewVector(2, []float64{inf, inf})
	yMin := mat64.NewVector(1, []float64{-inf})
	yMax := mat64.NewVector(1, []float64{inf})
	if err := c.SetConstraints(xMin, mat64.NewVector(1, []float64{-1}), yMin, xMax, mat64.NewVector(1, []float64{1}), yMax); err != nil {
		t.Fatal(err)
	}
	if err := c.SetObjectiveWeights(mat64.NewVector(1, []float64{10}), mat64.NewVector(1, nil), mat64.NewVector(1, []float64{0.1})); err != nil {
		t.Fatal(err)
	}
	plant, err := NewLinearPlant(A, B, C, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, plant
}

func TestLMPCDoubleIntegrator(t *testing.T) {
	c, plant := newDoubleIntegrator(t, nil)
	ref := ConstantReference(mat64.NewVector(1, []float64{1}), 100)
	cl := &ClosedLoop{Controller: c, Plant: plant, References: ref.References(1)}
	traj, err := cl.Run(mat64.NewVector(2, nil), 100)
	if err != nil {
		t.Fatal(err)
	}
	if traj.Failures() != 0 {
		t.Fatalf("%d solver failures", traj.Failures())
	}
	for _, u := range traj.Channel("u", 0) {
		if math.Abs(u) > 1+1e-6 {
			t.Fatalf("command %f violates its bounds", u)
		}
	}
	y := traj.Channel("y", 0)
	if math.Abs(y[len(y)-1]-1) > 0.05 {
		t.Fatalf("output did not reach the reference: %f", y[len(y)-1])
	}
	te, err := ref.Evaluate(traj, 80)
	if err != nil {
		t.Fatal(err)
	}
	if te.RMS[0] > 0.05 {
		t.Fatalf("tracking RMS %f", te.RMS[0])
	}
}

func TestLMPCOptimalSequence(t *testing.T) {
	c, _ := newDoubleIntegrator(t, nil)
	if seq := c.OptimalSequence(); seq.State != nil {
		t.Fatal("optimal sequence before the first step")
	}
	if err := c.SetReferences(mat64.NewVector(1, []float64{1}), mat64.NewVector(1, nil), mat64.NewVector(1, nil)); err != nil {
		t.Fatal(err)
	}
	x0 := mat64.NewVector(2, []float64{0.2, -0.1})
	res, err := c.Step(x0, mat64.NewVector(1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() {
		t.Fatalf("step failed: %s", res)
	}
	seq := c.OptimalSequence()
	if r, cols := seq.State.Dims(); r != 21 || cols != 2 {
		t.Fatalf("state sequence is (%dx%d)", r, cols)
	}
	if math.Abs(seq.State.At(0, 0)-0.2) > 1e-6 || math.Abs(seq.State.At(0, 1)+0.1) > 1e-6 {
		t.Fatal("first predicted state is not x0")
	}
	if math.Abs(seq.Input.At(0, 0)-res.Cmd.At(0, 0)) > 1e-9 {
		t.Fatal("first predicted input is not the command")
	}
	if math.Abs(seq.Output.At(3, 0)-seq.State.At(3, 0)) > 1e-9 {
		t.Fatal("output is not the position")
	}
	if last := c.LastResult(); last.Cmd.At(0, 0) != res.Cmd.At(0, 0) || last.Retcode != 1 {
		t.Fatal("last result not stored")
	}
}

func TestLMPCSolverFailure(t *testing.T) {
	solver := &failingSolver{status: 9}
	c, _ := newDoubleIntegrator(t, solver)
	u0 := mat64.NewVector(1, []float64{0.3})
	res, err := c.Step(mat64.NewVector(2, nil), u0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success() || res.Retcode != -9 {
		t.Fatalf("failure not reported: %s", res)
	}
	if res.Cmd.At(0, 0) != 0.3 {
		t.Fatalf("previous command not returned: %s", res)
	}
	if solver.calls != 1 {
		t.Fatal("solver not called")
	}
}

func TestLMPCInfeasibleState(t *testing.T) {
	c, plant := newDoubleIntegrator(t, nil)
	box := mat64.NewVector(2, []float64{1, 1})
	var negBox mat64.Vector
	negBox.ScaleVec(-1, box)
	inf := math.Inf(1)
	if err := c.SetConstraints(&negBox, mat64.NewVector(1, []float64{-1}), mat64.NewVector(1, []float64{-inf}),
		box, mat64.NewVector(1, []float64{1}), mat64.NewVector(1, []float64{inf})); err != nil {
		t.Fatal(err)
	}
	zero := mat64.NewVector(1, nil)
	if err := c.SetReferences(zero, zero, zero); err != nil {
		t.Fatal(err)
	}
	res, err := c.Step(mat64.NewVector(2, []float64{0.5, 0}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() {
		t.Fatalf("feasible step failed: %s", res)
	}
	held := res.Cmd.At(0, 0)

	res, err = c.Step(mat64.NewVector(2, []float64{1.5, 0}), res.Cmd)
	if err != nil {
		t.Fatalf("infeasible state returned an error: %s", err)
	}
	if res.Success() || res.Retcode != failureCode(int(slsqp.ConsIncompatible)) {
		t.Fatalf("infeasibility not reported: %s", res)
	}
	if res.Cmd == nil || res.Cmd.At(0, 0) != held {
		t.Fatalf("last command not held: %s", res)
	}

	cl := &ClosedLoop{Controller: c, Plant: plant}
	traj, err := cl.Run(mat64.NewVector(2, []float64{1.5, 0}), 5)
	if err != nil {
		t.Fatalf("closed loop aborted: %s", err)
	}
	if len(traj.Samples) != 5 || traj.Failures() == 0 {
		t.Fatalf("%d samples with %d failures", len(traj.Samples), traj.Failures())
	}
}

func TestLMPCUnsupported(t *testing.T) {
	c, err := NewLMPC(Dimensions{Nx: 2, Nu: 1, Ny: 1, Ph: 3, Ch: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetContinuousTimeModel(0.1); !errors.Is(err, ErrUnsupported) {
		t.Fatal("continuous time model accepted")
	}
	if err := c.SetInputScale(ones(1)); !errors.Is(err, ErrUnsupported) {
		t.Fatal("input scaling accepted")
	}
	if err := c.SetStateScale(ones(2)); !errors.Is(err, ErrUnsupported) {
		t.Fatal("state scaling accepted")
	}
	if err := c.SetOptimizerParameters(DefaultNLParameters()); !errors.Is(err, ErrParameters) {
		t.Fatal("nonlinear parameters accepted")
	}
	if err := c.SetOptimizerParameters(nil); !errors.Is(err, ErrParameters) {
		t.Fatal("nil parameters accepted")
	}
	if err := c.SetOptimizerParameters(DefaultLParameters()); err != nil {
		t.Fatal(err)
	}
	if err := c.SetExogenousInputs(mat64.NewVector(1, nil)); !errors.Is(err, ErrDimension) {
		t.Fatal("disturbance accepted with ndu=0")
	}
}

func TestLMPCNotInitialized(t *testing.T) {
	var c LMPC
	if _, err := c.Step(mat64.NewVector(2, nil), nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatal("step before setup")
	}
	if err := c.SetStateSpaceModel(Identity(2), Identity(2), Identity(2)); !errors.Is(err, ErrNotInitialized) {
		t.Fatal("model set before setup")
	}
	if err := c.SetLoggerLevel(LogDetail); !errors.Is(err, ErrNotInitialized) {
		t.Fatal("logger level set before setup")
	}
	if c.Problem() != nil {
		t.Fatal("problem before setup")
	}
	if _, err := NewLMPC(Dimensions{Nx: 2, Nu: 1, Ny: 1, Ph: 1, Ch: 3}); !errors.Is(err, ErrDimension) {
		t.Fatal("ph < ch accepted")
	}
}

func TestLMPCHorizonWeights(t *testing.T) {
	c, err := NewLMPC(Dimensions{Nx: 2, Nu: 1, Ny: 1, Ph: 3, Ch: 1})
	if err != nil {
		t.Fatal(err)
	}
	OW := mat64.NewDense(1, 4, []float64{1, 2, 3, 4})
	UW := mat64.NewDense(1, 4, nil)
	DW := mat64.NewDense(1, 3, []float64{0.1, 0.2, 0.3})
	if err := c.SetHorizonObjectiveWeights(OW, UW, DW); err != nil {
		t.Fatal(err)
	}
	if err := c.SetObjectiveWeights(mat64.NewVector(2, nil), mat64.NewVector(1, nil), mat64.NewVector(1, nil)); !errors.Is(err, ErrDimension) {
		t.Fatal("output weights of wrong size accepted")
	}
	P := c.Problem().P
	na := 3
	nz := 4 * na
	for i := 0; i < 3; i++ {
		if P.At(nz+i, nz+i) != DW.At(0, i) {
			t.Fatalf("increment weight %d not applied", i)
		}
	}
}
