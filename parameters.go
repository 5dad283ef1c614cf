package mpc

import "fmt"

// Parameters is implemented by the solver settings of each controller mode.
// Linear and nonlinear parameters are never cross-applied.
type Parameters interface {
	fmt.Stringer
	mode() string
}

// LParameters holds the settings of the QP solver used by the linear controller.
type LParameters struct {
	// Accuracy is the solution accuracy required for convergence.
	Accuracy float64 `yaml:"accuracy"`
	// MaxIterations caps the solver iterations.
	MaxIterations int `yaml:"max_iterations"`
	// NNLSIterations caps the inner least squares iterations, 0 picks the solver default.
	NNLSIterations int `yaml:"nnls_iterations"`
	// WarmStart reuses the previous solution as initial guess.
	WarmStart bool `yaml:"warm_start"`
}

// DefaultLParameters returns the default linear solver settings.
func DefaultLParameters() LParameters {
	return LParameters{
		Accuracy:      1e-8,
		MaxIterations: 200,
		WarmStart:     true,
	}
}

func (p LParameters) mode() string { return "linear" }

func (p LParameters) String() string {
	return fmt.Sprintf("LParameters{accuracy=%g max_iter=%d nnls_iter=%d warm=%v}",
		p.Accuracy, p.MaxIterations, p.NNLSIterations, p.WarmStart)
}

// NLParameters holds the settings of the nonlinear solver.
type NLParameters struct {
	// RelativeFtol stops when two consecutive objective values differ by less.
	RelativeFtol float64 `yaml:"relative_ftol"`
	// RelativeXtol stops when two consecutive iterates differ by less.
	RelativeXtol float64 `yaml:"relative_xtol"`
	// MaximumIteration caps the solver iterations.
	MaximumIteration int `yaml:"maximum_iteration"`
	// Accuracy is the solution accuracy required for convergence.
	Accuracy float64 `yaml:"accuracy"`
	// HardConstraints forces the slack variable to be non negative.
	HardConstraints bool `yaml:"hard_constraints"`
}

// DefaultNLParameters returns the default nonlinear solver settings.
func DefaultNLParameters() NLParameters {
	return NLParameters{
		RelativeFtol:     1e-10,
		RelativeXtol:     1e-10,
		MaximumIteration: 100,
		Accuracy:         1e-6,
		HardConstraints:  false,
	}
}

func (p NLParameters) mode() string { return "nonlinear" }

func (p NLParameters) String() string {
	return fmt.Sprintf("NLParameters{ftol=%g xtol=%g max_iter=%d accuracy=%g hard=%v}",
		p.RelativeFtol, p.RelativeXtol, p.MaximumIteration, p.Accuracy, p.HardConstraints)
}
