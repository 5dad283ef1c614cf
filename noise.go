package mpc

import (
	"fmt"
	"math/rand"

	"github.com/gonum/matrix/mat64"
	"github.com/gonum/stat/distmv"
)

// Noise generates the process and measurement noise of a simulated plant.
type Noise interface {
	Process(k int) *mat64.Vector        // process noise w at step k
	Measurement(k int) *mat64.Vector    // measurement noise v at step k
	ProcessMatrix() mat64.Symmetric     // process noise covariance Q
	MeasurementMatrix() mat64.Symmetric // measurement noise covariance R
	fmt.Stringer
}

// Noiseless returns zero noise. Q and R are still used by an Observer.
type Noiseless struct {
	Q, R mat64.Symmetric
}

// NewNoiseless returns zero noise with the covariances Q and R.
func NewNoiseless(Q, R mat64.Symmetric) *Noiseless {
	if Q == nil || R == nil {
		panic("Q and R must be specified")
	}
	return &Noiseless{Q, R}
}

// Process implements the Noise interface.
func (n Noiseless) Process(k int) *mat64.Vector {
	r, _ := n.Q.Dims()
	return mat64.NewVector(r, nil)
}

// Measurement implements the Noise interface.
func (n Noiseless) Measurement(k int) *mat64.Vector {
	r, _ := n.R.Dims()
	return mat64.NewVector(r, nil)
}

// ProcessMatrix implements the Noise interface.
func (n Noiseless) ProcessMatrix() mat64.Symmetric {
	return n.Q
}

// MeasurementMatrix implements the Noise interface.
func (n Noiseless) MeasurementMatrix() mat64.Symmetric {
	return n.R
}

func (n Noiseless) String() string {
	return fmt.Sprintf("Noiseless{\nQ=%v\nR=%v}", mat64.Formatted(n.Q, mat64.Prefix("  ")), mat64.Formatted(n.R, mat64.Prefix("  ")))
}

// AWGN is additive white Gaussian noise.
type AWGN struct {
	Q, R        mat64.Symmetric
	process     *distmv.Normal
	measurement *distmv.Normal
}

// NewAWGN returns white Gaussian noise of covariances Q and R, both positive
// definite. The same seed always generates the same sequence.
func NewAWGN(Q, R mat64.Symmetric, seed int64) (*AWGN, error) {
	src := rand.New(rand.NewSource(seed))
	sizeQ, _ := Q.Dims()
	process, ok := distmv.NewNormal(make([]float64, sizeQ), Q, src)
	if !ok {
		return nil, fmt.Errorf("%w: process noise covariance is not positive definite", ErrParameters)
	}
	sizeR, _ := R.Dims()
	meas, ok := distmv.NewNormal(make([]float64, sizeR), R, src)
	if !ok {
		return nil, fmt.Errorf("%w: measurement noise covariance is not positive definite", ErrParameters)
	}
	return &AWGN{Q, R, process, meas}, nil
}

// ProcessMatrix implements the Noise interface.
func (n AWGN) ProcessMatrix() mat64.Symmetric {
	return n.Q
}

// MeasurementMatrix implements the Noise interface.
func (n AWGN) MeasurementMatrix() mat64.Symmetric {
	return n.R
}

// Process implements the Noise interface.
func (n AWGN) Process(k int) *mat64.Vector {
	r := n.process.Rand(nil)
	return mat64.NewVector(len(r), r)
}

// Measurement implements the Noise interface.
func (n AWGN) Measurement(k int) *mat64.Vector {
	r := n.measurement.Rand(nil)
	return mat64.NewVector(len(r), r)
}

func (n AWGN) String() string {
	return fmt.Sprintf("AWGN{\nQ=%v\nR=%v}", mat64.Formatted(n.Q, mat64.Prefix("  ")), mat64.Formatted(n.R, mat64.Prefix("  ")))
}

// RecordedNoise replays previously recorded noise sequences, e.g. to compare
// two controllers on the exact same disturbances.
type RecordedNoise struct {
	Q, R        mat64.Symmetric
	process     []*mat64.Vector
	measurement []*mat64.Vector
}

// Record draws steps samples of n so that they can be replayed.
func Record(n Noise, steps int) *RecordedNoise {
	rec := &RecordedNoise{
		Q:           n.ProcessMatrix(),
		R:           n.MeasurementMatrix(),
		process:     make([]*mat64.Vector, steps),
		measurement: make([]*mat64.Vector, steps),
	}
	for k := 0; k < steps; k++ {
		rec.process[k] = n.Process(k)
		rec.measurement[k] = n.Measurement(k)
	}
	return rec
}

// Process implements the Noise interface.
func (n RecordedNoise) Process(k int) *mat64.Vector {
	if k >= len(n.process) {
		panic(fmt.Errorf("no process noise recorded at step k=%d", k))
	}
	return n.process[k]
}

// Measurement implements the Noise interface.
func (n RecordedNoise) Measurement(k int) *mat64.Vector {
	if k >= len(n.measurement) {
		panic(fmt.Errorf("no measurement noise recorded at step k=%d", k))
	}
	return n.measurement[k]
}

// ProcessMatrix implements the Noise interface.
func (n RecordedNoise) ProcessMatrix() mat64.Symmetric {
	return n.Q
}

// MeasurementMatrix implements the Noise interface.
func (n RecordedNoise) MeasurementMatrix() mat64.Symmetric {
	return n.R
}

func (n RecordedNoise) String() string {
	return fmt.Sprintf("RecordedNoise{steps=%d}", len(n.process))
}
