package mpc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// Controller is a receding horizon controller. Step solves the problem of the
// current sample time and returns the command to apply.
type Controller interface {
	Step(x0, u0 *mat64.Vector) (Result, error)
	OptimalSequence() OptimalSequence
	LastResult() Result
	Dimensions() Dimensions
}

// Result is the outcome of one control step. A negative Retcode means the
// solver failed and Cmd holds the last successful command.
type Result struct {
	Cmd     *mat64.Vector
	Cost    float64
	Retcode int
}

// Success returns whether the solver converged for this step.
func (r Result) Success() bool {
	return r.Retcode >= 0
}

func (r Result) String() string {
	if r.Cmd == nil {
		return fmt.Sprintf("cmd=<nil> cost=%g code=%d", r.Cost, r.Retcode)
	}
	return fmt.Sprintf("cmd=%v cost=%g code=%d", mat64.Formatted(r.Cmd.T()), r.Cost, r.Retcode)
}

// OptimalSequence is the predicted trajectory of the last successful step.
// Every matrix has ph+1 rows, one per prediction step.
type OptimalSequence struct {
	State  *mat64.Dense
	Input  *mat64.Dense
	Output *mat64.Dense
}

func (s OptimalSequence) String() string {
	if s.State == nil {
		return "no optimal sequence"
	}
	return fmt.Sprintf("state=\n%v\ninput=\n%v\noutput=\n%v",
		mat64.Formatted(s.State, mat64.Prefix("  ")),
		mat64.Formatted(s.Input, mat64.Prefix("  ")),
		mat64.Formatted(s.Output, mat64.Prefix("  ")))
}

func (s OptimalSequence) clone() OptimalSequence {
	if s.State == nil {
		return s
	}
	return OptimalSequence{
		State:  mat64.DenseCopyOf(s.State),
		Input:  mat64.DenseCopyOf(s.Input),
		Output: mat64.DenseCopyOf(s.Output),
	}
}

// base holds what both front-ends share: the dimensions, the initialization
// guard, the logger and the last result.
type base struct {
	dim         Dimensions
	initialized bool
	logger      *Logger
	last        Result
}

func (b *base) setup(dim Dimensions) error {
	if err := dim.Validate(); err != nil {
		return err
	}
	b.dim = dim
	b.logger = newLogger()
	b.last = Result{Cmd: mat64.NewVector(dim.Nu, nil)}
	b.initialized = true
	return nil
}

func (b *base) checkInit() error {
	if b == nil || !b.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Dimensions returns the dimensions of the controller.
func (b *base) Dimensions() Dimensions {
	return b.dim
}

// LastResult returns the result of the last step.
func (b *base) LastResult() Result {
	return Result{Cmd: cloneVec(b.last.Cmd), Cost: b.last.Cost, Retcode: b.last.Retcode}
}

// SetLoggerLevel sets the verbosity of the controller.
func (b *base) SetLoggerLevel(level LogLevel) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	b.logger.Level = level
	return nil
}

// SetLoggerPrefix sets the prefix of every log line.
func (b *base) SetLoggerPrefix(prefix string) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	b.logger.Prefix = prefix
	return nil
}

// Logger returns the logger of the controller so that its writer may be changed.
func (b *base) Logger() *Logger {
	return b.logger
}

func cloneVec(v *mat64.Vector) *mat64.Vector {
	if v == nil {
		return nil
	}
	return mat64.NewVector(v.Len(), vecSlice(v))
}
