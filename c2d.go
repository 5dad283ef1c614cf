package mpc

import (
	"errors"
	"fmt"
	"math"

	"github.com/gonum/matrix/mat64"
)

// ErrAliasing is returned, along with the discretized matrices, when the
// sample time may be too long for the dynamics.
var ErrAliasing = errors.New("mpc: Nyquist sampling criterion may not be fulfilled")

// Discretize returns the zero order hold discretization (Ad, Bd) of the
// continuous time model ẋ = A x + B u with sample time Δt. The returned error
// wraps ErrAliasing when 2‖A‖·Δt ≥ π, in which case Ad and Bd are still valid.
func Discretize(A, B mat64.Matrix, Δt float64) (Ad, Bd *mat64.Dense, err error) {
	if Δt <= 0 {
		return nil, nil, fmt.Errorf("%w: sample time must be positive, got %f", ErrParameters, Δt)
	}
	if err := checkMatDims(A, A, "A", "A", rows2cols); err != nil {
		return nil, nil, err
	}
	if err := checkMatDims(A, B, "A", "B", rows2rows); err != nil {
		return nil, nil, err
	}
	nx, _ := A.Dims()
	_, nu := B.Dims()

	// exp([A B; 0 0]·Δt) = [Ad Bd; 0 I]
	M := mat64.NewDense(nx+nu, nx+nu, nil)
	setBlock(M, 0, 0, A)
	setBlock(M, 0, nx, B)
	M.Scale(Δt, M)
	var expM mat64.Dense
	expM.Exp(M)

	Ad = mat64.NewDense(nx, nx, nil)
	Bd = mat64.NewDense(nx, nu, nil)
	setBlock(Ad, 0, 0, expM.View(0, 0, nx, nx))
	setBlock(Bd, 0, 0, expM.View(0, nx, nx, nu))
	return Ad, Bd, checkNyquist(A, Δt)
}

// ProcessNoise returns the discrete process noise covariance of the continuous
// time model ẋ = A x + Γ w, with w of spectral density W, using Van Loan's method.
func ProcessNoise(A, Γ, W mat64.Matrix, Δt float64) (*mat64.SymDense, error) {
	if Δt <= 0 {
		return nil, fmt.Errorf("%w: sample time must be positive, got %f", ErrParameters, Δt)
	}
	if err := checkMatDims(A, Γ, "A", "Γ", rows2rows); err != nil {
		return nil, err
	}
	if err := checkMatDims(Γ, W, "Γ", "W", cols2rows); err != nil {
		return nil, err
	}
	n, _ := A.Dims()

	var ΓW, ΓWΓ mat64.Dense
	ΓW.Mul(Γ, W)
	ΓWΓ.Mul(&ΓW, Γ.T())

	// exp([-A ΓWΓᵀ; 0 Aᵀ]·Δt) = [… F⁻¹Q; 0 Fᵀ]
	M := mat64.NewDense(2*n, 2*n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			M.Set(i, j, -A.At(i, j)*Δt)
			M.Set(i+n, j+n, A.At(j, i)*Δt)
			M.Set(i, j+n, ΓWΓ.At(i, j)*Δt)
		}
	}
	var expM mat64.Dense
	expM.Exp(M)

	F := mat64.NewDense(n, n, nil)
	F1Q := mat64.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			F.Set(i, j, expM.At(n+j, n+i))
			F1Q.Set(i, j, expM.At(i, n+j))
		}
	}
	var Q mat64.Dense
	Q.Mul(F, F1Q)

	sym := mat64.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(Q.At(i, j)+Q.At(j, i)))
		}
	}
	return sym, nil
}

// checkNyquist bounds the largest eigenvalue of A by its infinity norm.
func checkNyquist(A mat64.Matrix, Δt float64) error {
	r, c := A.Dims()
	norm := 0.0
	for i := 0; i < r; i++ {
		row := 0.0
		for j := 0; j < c; j++ {
			row += math.Abs(A.At(i, j))
		}
		norm = math.Max(norm, row)
	}
	if 2*norm*Δt >= math.Pi {
		return fmt.Errorf("%w with Δt=%f", ErrAliasing, Δt)
	}
	return nil
}
