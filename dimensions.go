package mpc

import "fmt"

// Dimensions describes every size of an MPC problem. All matrices and vectors
// of a controller are sized from these values, which never change once the
// controller has been set up.
type Dimensions struct {
	Nx   int `yaml:"nx"`   // number of states
	Nu   int `yaml:"nu"`   // number of inputs
	Ndu  int `yaml:"ndu"`  // number of measured disturbances
	Ny   int `yaml:"ny"`   // number of outputs
	Ph   int `yaml:"ph"`   // prediction horizon
	Ch   int `yaml:"ch"`   // control horizon
	Ineq int `yaml:"ineq"` // number of user inequality constraints
	Eq   int `yaml:"eq"`   // number of user equality constraints
}

// Validate returns an error if the dimensions cannot describe an MPC problem.
func (d Dimensions) Validate() error {
	switch {
	case d.Nx < 1:
		return fmt.Errorf("%w: nx must be at least 1 (got %d)", ErrDimension, d.Nx)
	case d.Nu < 1:
		return fmt.Errorf("%w: nu must be at least 1 (got %d)", ErrDimension, d.Nu)
	case d.Ny < 1:
		return fmt.Errorf("%w: ny must be at least 1 (got %d)", ErrDimension, d.Ny)
	case d.Ndu < 0 || d.Ineq < 0 || d.Eq < 0:
		return fmt.Errorf("%w: ndu, ineq and eq must not be negative", ErrDimension)
	case d.Ch < 1:
		return fmt.Errorf("%w: ch must be at least 1 (got %d)", ErrDimension, d.Ch)
	case d.Ph < d.Ch:
		return fmt.Errorf("%w: ph (%d) must not be smaller than ch (%d)", ErrDimension, d.Ph, d.Ch)
	}
	return nil
}

// DecisionLen is the length of the nonlinear decision vector:
// ph state blocks, ch input moves and one slack.
func (d Dimensions) DecisionLen() int {
	return d.Ph*d.Nx + d.Ch*d.Nu + 1
}

// AugLen is the size of the augmented state [x; u].
func (d Dimensions) AugLen() int {
	return d.Nx + d.Nu
}

// QPVars is the number of variables of the linear QP: (ph+1) augmented
// states followed by ph input increments.
func (d Dimensions) QPVars() int {
	return (d.Ph+1)*d.AugLen() + d.Ph*d.Nu
}

// QPEqRows is the number of dynamics equality rows of the linear QP.
func (d Dimensions) QPEqRows() int {
	return (d.Ph + 1) * d.AugLen()
}

// QPIneqRows is the number of box, output and rate rows of the linear QP.
func (d Dimensions) QPIneqRows() int {
	return (d.Ph+1)*d.AugLen() + (d.Ph+1)*d.Ny + d.Ph*d.Nu
}

// QPRows is the total number of rows of the linear QP constraint matrix.
func (d Dimensions) QPRows() int {
	return d.QPEqRows() + d.QPIneqRows()
}

func (d Dimensions) String() string {
	return fmt.Sprintf("Dimensions{nx=%d nu=%d ndu=%d ny=%d ph=%d ch=%d ineq=%d eq=%d}",
		d.Nx, d.Nu, d.Ndu, d.Ny, d.Ph, d.Ch, d.Ineq, d.Eq)
}
