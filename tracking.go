package mpc

import (
	"fmt"
	"math"

	"github.com/gonum/matrix/mat64"
	"github.com/gonum/stat"
)

// ReferenceTrajectory is the output a closed loop should track, one vector
// per step.
type ReferenceTrajectory struct {
	outputs []*mat64.Vector
}

// NewReferenceTrajectory returns the reference made of the provided outputs.
func NewReferenceTrajectory(outputs []*mat64.Vector) *ReferenceTrajectory {
	return &ReferenceTrajectory{outputs}
}

// ConstantReference returns a reference holding y for steps steps.
func ConstantReference(y *mat64.Vector, steps int) *ReferenceTrajectory {
	outputs := make([]*mat64.Vector, steps)
	for k := range outputs {
		outputs[k] = y
	}
	return &ReferenceTrajectory{outputs}
}

// At returns the reference of step k, the last one past the end.
func (r *ReferenceTrajectory) At(k int) *mat64.Vector {
	if k >= len(r.outputs) {
		k = len(r.outputs) - 1
	}
	return r.outputs[k]
}

// Error returns y minus the reference of step k. It panics if the sizes differ.
func (r *ReferenceTrajectory) Error(k int, y *mat64.Vector) *mat64.Vector {
	ref := r.At(k)
	if ref.Len() != y.Len() {
		panic(fmt.Errorf("reference size different from output size (k=%d)", k))
	}
	e := mat64.NewVector(y.Len(), nil)
	e.SubVec(y, ref)
	return e
}

// TrackingError summarizes how well a closed loop tracked a reference, per
// output channel.
type TrackingError struct {
	Mean []float64
	RMS  []float64
	Max  []float64
}

// Evaluate returns the tracking error of the outputs of the trajectory,
// skipping the first skip steps of transient.
func (r *ReferenceTrajectory) Evaluate(traj *Trajectory, skip int) (TrackingError, error) {
	if skip < 0 || skip >= traj.Len() {
		return TrackingError{}, fmt.Errorf("%w: cannot skip %d of %d steps", ErrParameters, skip, traj.Len())
	}
	ny := traj.Samples[0].Output.Len()
	errs := make([][]float64, ny)
	sq := make([][]float64, ny)
	for _, s := range traj.Samples[skip:] {
		e := r.Error(s.K, s.Output)
		for i := 0; i < ny; i++ {
			errs[i] = append(errs[i], e.At(i, 0))
			sq[i] = append(sq[i], e.At(i, 0)*e.At(i, 0))
		}
	}
	te := TrackingError{Mean: make([]float64, ny), RMS: make([]float64, ny), Max: make([]float64, ny)}
	for i := 0; i < ny; i++ {
		te.Mean[i] = stat.Mean(errs[i], nil)
		te.RMS[i] = math.Sqrt(stat.Mean(sq[i], nil))
		for _, e := range errs[i] {
			te.Max[i] = math.Max(te.Max[i], math.Abs(e))
		}
	}
	return te, nil
}

// References returns the reference as closed loop references, with zero input
// and input increment references.
func (r *ReferenceTrajectory) References(nu int) References {
	zero := mat64.NewVector(nu, nil)
	return func(k int) (yRef, uRef, deltaURef *mat64.Vector) {
		return r.At(k), zero, zero
	}
}
