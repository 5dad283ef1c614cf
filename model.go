package mpc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// StateSpaceFunc returns the next state of a discrete time model, or the state
// derivative of a continuous time one. d is nil when there is no measured
// disturbance.
type StateSpaceFunc func(x, u, d *mat64.Vector) *mat64.Vector

// OutputFunc returns the output of the model.
type OutputFunc func(x, u *mat64.Vector) *mat64.Vector

// Model is a nonlinear state space model evaluated along the prediction horizon.
type Model struct {
	dim        Dimensions
	state      StateSpaceFunc
	output     OutputFunc
	continuous bool
	ts         float64
}

// NewModel returns a discrete time model. A nil output function selects the
// first ny states as output.
func NewModel(dim Dimensions, state StateSpaceFunc, output OutputFunc) (*Model, error) {
	if err := dim.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: state space function is required", ErrParameters)
	}
	if output == nil && dim.Ny > dim.Nx {
		return nil, fmt.Errorf("%w: default output needs ny <= nx, got ny=%d nx=%d", ErrDimension, dim.Ny, dim.Nx)
	}
	return &Model{dim: dim, state: state, output: output}, nil
}

// SetContinuous declares the state function as a derivative to be integrated
// with a sample time ts.
func (m *Model) SetContinuous(ts float64) error {
	if ts <= 0 {
		return fmt.Errorf("%w: sample time must be positive, got %g", ErrParameters, ts)
	}
	m.continuous = true
	m.ts = ts
	return nil
}

// Continuous returns whether the model is in continuous time and its sample time.
func (m *Model) Continuous() (bool, float64) {
	return m.continuous, m.ts
}

// Next evaluates the state function.
func (m *Model) Next(x, u, d *mat64.Vector) *mat64.Vector {
	next := m.state(x, u, d)
	if next == nil || next.Len() != m.dim.Nx {
		panic(fmt.Errorf("%w: state space function must return %d elements", ErrDimension, m.dim.Nx))
	}
	return next
}

// Output evaluates the output function.
func (m *Model) Output(x, u *mat64.Vector) *mat64.Vector {
	if m.output == nil {
		return mat64.NewVector(m.dim.Ny, vecSlice(x)[:m.dim.Ny])
	}
	y := m.output(x, u)
	if y == nil || y.Len() != m.dim.Ny {
		panic(fmt.Errorf("%w: output function must return %d elements", ErrDimension, m.dim.Ny))
	}
	return y
}

// Outputs evaluates the output for every row of the state and input trajectories.
func (m *Model) Outputs(X, U *mat64.Dense) *mat64.Dense {
	r, _ := X.Dims()
	Y := mat64.NewDense(r, m.dim.Ny, nil)
	for i := 0; i < r; i++ {
		x := mat64.NewVector(m.dim.Nx, rowSlice(X, i))
		u := mat64.NewVector(m.dim.Nu, rowSlice(U, i))
		y := m.Output(x, u)
		for j := 0; j < m.dim.Ny; j++ {
			Y.Set(i, j, y.At(j, 0))
		}
	}
	return Y
}

// horizon unwraps decision vectors into trajectories for the current initial
// condition. It is shared by the objective and the constraints of a nonlinear
// problem.
type horizon struct {
	dim     Dimensions
	mapping *Mapping
	model   *Model
	x0      *mat64.Vector
	d       *mat64.Vector
}

func newHorizon(dim Dimensions, mapping *Mapping, model *Model) *horizon {
	h := &horizon{dim: dim, mapping: mapping, model: model, x0: mat64.NewVector(dim.Nx, nil)}
	if dim.Ndu > 0 {
		h.d = mat64.NewVector(dim.Ndu, nil)
	}
	return h
}

func (h *horizon) unwrap(x []float64) (X, Y, U *mat64.Dense, slack float64) {
	X, U, slack = h.mapping.UnwrapVector(x, h.x0)
	Y = h.model.Outputs(X, U)
	return X, Y, U, slack
}
