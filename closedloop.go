package mpc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// Plant is the simulated system driven by a controller.
type Plant interface {
	// Propagate returns the state following x when u and the measured disturbance d are applied.
	Propagate(x, u, d *mat64.Vector) *mat64.Vector
	// Output returns the output of the plant at state x.
	Output(x, d *mat64.Vector) *mat64.Vector
}

// LinearPlant is a discrete time linear plant. Bd and Dd may be nil.
type LinearPlant struct {
	A, B, C mat64.Matrix
	Bd, Dd  mat64.Matrix
}

// NewLinearPlant returns a linear plant after checking the matrix dimensions.
func NewLinearPlant(A, B, C, Bd, Dd mat64.Matrix) (*LinearPlant, error) {
	if err := checkMatDims(A, A, "A", "A", rows2cols); err != nil {
		return nil, err
	}
	if err := checkMatDims(A, B, "A", "B", rows2rows); err != nil {
		return nil, err
	}
	if err := checkMatDims(C, A, "C", "A", cols2cols); err != nil {
		return nil, err
	}
	if Bd != nil {
		if err := checkMatDims(A, Bd, "A", "Bd", rows2rows); err != nil {
			return nil, err
		}
	}
	if Dd != nil {
		if err := checkMatDims(C, Dd, "C", "Dd", rows2rows); err != nil {
			return nil, err
		}
	}
	return &LinearPlant{A: A, B: B, C: C, Bd: Bd, Dd: Dd}, nil
}

// Propagate implements the Plant interface.
func (p *LinearPlant) Propagate(x, u, d *mat64.Vector) *mat64.Vector {
	var ax, bu mat64.Vector
	ax.MulVec(p.A, x)
	bu.MulVec(p.B, u)
	ax.AddVec(&ax, &bu)
	if p.Bd != nil && d != nil {
		var bd mat64.Vector
		bd.MulVec(p.Bd, d)
		ax.AddVec(&ax, &bd)
	}
	return &ax
}

// Output implements the Plant interface.
func (p *LinearPlant) Output(x, d *mat64.Vector) *mat64.Vector {
	var y mat64.Vector
	y.MulVec(p.C, x)
	if p.Dd != nil && d != nil {
		var dd mat64.Vector
		dd.MulVec(p.Dd, d)
		y.AddVec(&y, &dd)
	}
	return &y
}

// NonlinearPlant is a discrete time plant defined by user functions, such as
// the model of a NLMPC.
type NonlinearPlant struct {
	State StateSpaceFunc
	Out   func(x *mat64.Vector) *mat64.Vector
}

// Propagate implements the Plant interface.
func (p *NonlinearPlant) Propagate(x, u, d *mat64.Vector) *mat64.Vector {
	return p.State(x, u, d)
}

// Output implements the Plant interface.
func (p *NonlinearPlant) Output(x, d *mat64.Vector) *mat64.Vector {
	return p.Out(x)
}

// Sample is the record of one closed loop step.
type Sample struct {
	K        int
	State    *mat64.Vector // true plant state
	Estimate *mat64.Vector // state handed to the controller
	Input    *mat64.Vector // command applied at this step
	Output   *mat64.Vector // measured output
	// Covariance of the estimate, nil without an observer or at the first step.
	Covariance mat64.Symmetric
	Result     Result
}

// Trajectory is the history of a closed loop run.
type Trajectory struct {
	Samples []Sample
}

// Len returns the number of steps.
func (t *Trajectory) Len() int {
	return len(t.Samples)
}

// Failures returns the number of steps where the solver failed.
func (t *Trajectory) Failures() int {
	n := 0
	for _, s := range t.Samples {
		if !s.Result.Success() {
			n++
		}
	}
	return n
}

// Channel returns the time series of one element of the state ("x"), input
// ("u") or output ("y").
func (t *Trajectory) Channel(kind string, i int) []float64 {
	series := make([]float64, len(t.Samples))
	for k, s := range t.Samples {
		var v *mat64.Vector
		switch kind {
		case "x":
			v = s.State
		case "u":
			v = s.Input
		case "y":
			v = s.Output
		default:
			panic(fmt.Errorf("unknown channel kind %q", kind))
		}
		series[k] = v.At(i, 0)
	}
	return series
}

// References returns the references of step k.
type References func(k int) (yRef, uRef, deltaURef *mat64.Vector)

// Disturbances returns the measured disturbance of step k.
type Disturbances func(k int) *mat64.Vector

type referenceSetter interface {
	SetReferences(yRef, uRef, deltaURef *mat64.Vector) error
}

type disturbanceSetter interface {
	SetExogenousInputs(uMeas *mat64.Vector) error
}

// ClosedLoop simulates a controller driving a plant. Noise, Observer,
// References and Disturbances are optional. Without an observer the
// controller receives the true state.
type ClosedLoop struct {
	Controller   Controller
	Plant        Plant
	Noise        Noise
	Observer     *Observer
	References   References
	Disturbances Disturbances
	Logger       *Logger
}

// Run simulates steps control steps from the initial state x0.
func (cl *ClosedLoop) Run(x0 *mat64.Vector, steps int) (*Trajectory, error) {
	if cl.Controller == nil || cl.Plant == nil {
		return nil, fmt.Errorf("%w: closed loop requires a controller and a plant", ErrNotInitialized)
	}
	dim := cl.Controller.Dimensions()
	if err := checkVecLen(x0, dim.Nx, "x0"); err != nil {
		return nil, err
	}

	traj := &Trajectory{Samples: make([]Sample, 0, steps)}
	x := cloneVec(x0)
	u := mat64.NewVector(dim.Nu, nil)
	estimate := cloneVec(x0)

	for k := 0; k < steps; k++ {
		var d *mat64.Vector
		if cl.Disturbances != nil {
			d = cl.Disturbances(k)
			ds, ok := cl.Controller.(disturbanceSetter)
			if !ok {
				return traj, fmt.Errorf("%w: controller does not take measured disturbances", ErrUnsupported)
			}
			if err := ds.SetExogenousInputs(d); err != nil {
				return traj, err
			}
		}
		if cl.References != nil {
			rs, ok := cl.Controller.(referenceSetter)
			if !ok {
				return traj, fmt.Errorf("%w: controller does not take references", ErrUnsupported)
			}
			if err := rs.SetReferences(cl.References(k)); err != nil {
				return traj, err
			}
		}

		y := cl.Plant.Output(x, d)
		if cl.Noise != nil {
			y.AddVec(y, cl.Noise.Measurement(k))
		}
		switch {
		case cl.Observer == nil:
			estimate = cloneVec(x)
		case k > 0:
			var err error
			if estimate, err = cl.Observer.Update(y, u); err != nil {
				return traj, fmt.Errorf("step %d: %w", k, err)
			}
		}

		res, err := cl.Controller.Step(estimate, u)
		if err != nil {
			return traj, fmt.Errorf("step %d: %w", k, err)
		}
		if !res.Success() {
			cl.Logger.info("step %d: solver failed with code %d, holding the last command", k, res.Retcode)
		}
		u = cloneVec(res.Cmd)
		sample := Sample{K: k, State: cloneVec(x), Estimate: cloneVec(estimate), Input: cloneVec(u), Output: cloneVec(y), Result: res}
		if cl.Observer != nil && k > 0 {
			sample.Covariance = cl.Observer.Covariance()
		}
		traj.Samples = append(traj.Samples, sample)

		x = cl.Plant.Propagate(x, u, d)
		if cl.Noise != nil {
			x.AddVec(x, cl.Noise.Process(k))
		}
	}
	return traj, nil
}
