package mpc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// Observer is a linear Kalman filter estimating the state of the plant
//
//	x(k+1) = A x(k) + B u(k) + w(k)
//	y(k)   = C x(k) + v(k)
//
// from its measured outputs, so that a controller can be fed state estimates.
// The covariances of w and v are taken from the noise.
type Observer struct {
	A, B, C mat64.Matrix
	Q, R    mat64.Symmetric
	x       *mat64.Vector
	P       *mat64.SymDense
	innov   *mat64.Vector
}

// NewObserver returns an observer starting from the estimate x0 of covariance P0.
func NewObserver(x0 *mat64.Vector, P0 mat64.Symmetric, A, B, C mat64.Matrix, noise Noise) (*Observer, error) {
	if err := checkMatDims(x0, P0, "x0", "P0", rows2cols); err != nil {
		return nil, err
	}
	if err := checkMatDims(A, P0, "A", "P0", rowsAndcols); err != nil {
		return nil, err
	}
	if err := checkMatDims(A, B, "A", "B", rows2rows); err != nil {
		return nil, err
	}
	if err := checkMatDims(C, x0, "C", "x0", cols2rows); err != nil {
		return nil, err
	}
	Q, R := noise.ProcessMatrix(), noise.MeasurementMatrix()
	if err := checkMatDims(A, Q, "A", "Q", rowsAndcols); err != nil {
		return nil, err
	}
	if err := checkMatDims(C, R, "C", "R", rows2cols); err != nil {
		return nil, err
	}
	n := x0.Len()
	P := mat64.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			P.SetSym(i, j, P0.At(i, j))
		}
	}
	rowsC, _ := C.Dims()
	return &Observer{A: A, B: B, C: C, Q: Q, R: R, x: cloneVec(x0), P: P, innov: mat64.NewVector(rowsC, nil)}, nil
}

func (o *Observer) String() string {
	return fmt.Sprintf("x=%v\nP=%v", mat64.Formatted(o.x.T(), mat64.Prefix("  ")), mat64.Formatted(o.P, mat64.Prefix("  ")))
}

// State returns the current state estimate.
func (o *Observer) State() *mat64.Vector {
	return cloneVec(o.x)
}

// Covariance returns the current estimate covariance.
func (o *Observer) Covariance() mat64.Symmetric {
	n := o.P.Symmetric()
	P := mat64.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			P.SetSym(i, j, o.P.At(i, j))
		}
	}
	return P
}

// Innovation returns the innovation of the last update.
func (o *Observer) Innovation() *mat64.Vector {
	return cloneVec(o.innov)
}

// Update propagates the estimate with the command u applied at the previous
// step and corrects it with the measurement y. It returns the new estimate.
func (o *Observer) Update(y, u *mat64.Vector) (*mat64.Vector, error) {
	if err := checkMatDims(u, o.B, "u", "B", rows2cols); err != nil {
		return nil, err
	}
	if err := checkMatDims(y, o.C, "y", "C", rows2rows); err != nil {
		return nil, err
	}

	// prediction
	var xMinus, bu mat64.Vector
	xMinus.MulVec(o.A, o.x)
	bu.MulVec(o.B, u)
	xMinus.AddVec(&xMinus, &bu)

	var AP, PMinus mat64.Dense
	AP.Mul(o.A, o.P)
	PMinus.Mul(&AP, o.A.T())
	PMinus.Add(&PMinus, o.Q)

	// gain
	var PCt, S, K mat64.Dense
	PCt.Mul(&PMinus, o.C.T())
	S.Mul(o.C, &PCt)
	S.Add(&S, o.R)
	if err := S.Inverse(&S); err != nil {
		return nil, fmt.Errorf("could not invert the innovation covariance: %s", err)
	}
	K.Mul(&PCt, &S)

	// correction
	var yHat, innov mat64.Vector
	yHat.MulVec(o.C, &xMinus)
	innov.SubVec(y, &yHat)
	var correction mat64.Dense
	correction.Mul(&K, &innov)
	xPlus := mat64.NewVector(xMinus.Len(), nil)
	for i := 0; i < xPlus.Len(); i++ {
		xPlus.SetVec(i, xMinus.At(i, 0)+correction.At(i, 0))
	}

	// Joseph form: (I-KC) P⁻ (I-KC)ᵀ + K R Kᵀ
	var IKC, tmp, PPlus, KR, KRKt mat64.Dense
	IKC.Mul(&K, o.C)
	n, _ := IKC.Dims()
	IKC.Sub(Identity(n), &IKC)
	tmp.Mul(&IKC, &PMinus)
	PPlus.Mul(&tmp, IKC.T())
	KR.Mul(&K, o.R)
	KRKt.Mul(&KR, K.T())
	PPlus.Add(&PPlus, &KRKt)

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			o.P.SetSym(i, j, 0.5*(PPlus.At(i, j)+PPlus.At(j, i)))
		}
	}
	o.x = xPlus
	o.innov = cloneVec(&innov)
	return cloneVec(o.x), nil
}
