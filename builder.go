package mpc

import (
	"fmt"
	"math"

	"github.com/gonum/matrix/mat64"
)

// Problem is the QP handed to the solver:
//
//	minimize ½ xᵀPx + qᵀx  subject to  l ≤ Ax ≤ u
//
// The first NumEq rows of A are the dynamics, for which l == u.
type Problem struct {
	P     *mat64.Dense  // objective quadratic form
	Q     *mat64.Vector // objective linear term
	A     *mat64.Dense  // stacked equality and inequality constraints
	L, U  *mat64.Vector // lower and upper bounds of A's rows
	NumEq int
}

func (p *Problem) String() string {
	return fmt.Sprintf("P=%v\nq=%v\nA=%v\nl=%v\nu=%v",
		mat64.Formatted(p.P, mat64.Prefix("  ")), mat64.Formatted(p.Q.T(), mat64.Prefix("  ")),
		mat64.Formatted(p.A, mat64.Prefix("  ")), mat64.Formatted(p.L.T(), mat64.Prefix("  ")),
		mat64.Formatted(p.U.T(), mat64.Prefix("  ")))
}

// CSC is a compressed sparse column matrix.
type CSC struct {
	Rows, Cols int
	ColPtr     []int
	RowIdx     []int
	Val        []float64
}

// SparseP returns the upper triangular part of P in CSC form.
func (p *Problem) SparseP() CSC {
	return toCSC(p.P, true)
}

// SparseA returns A in CSC form.
func (p *Problem) SparseA() CSC {
	return toCSC(p.A, false)
}

func toCSC(m mat64.Matrix, upper bool) CSC {
	r, c := m.Dims()
	s := CSC{Rows: r, Cols: c, ColPtr: make([]int, c+1)}
	for j := 0; j < c; j++ {
		last := r
		if upper && j+1 < r {
			last = j + 1
		}
		for i := 0; i < last; i++ {
			if v := m.At(i, j); v != 0 {
				s.RowIdx = append(s.RowIdx, i)
				s.Val = append(s.Val, v)
			}
		}
		s.ColPtr[j+1] = len(s.Val)
	}
	return s
}

// ProblemBuilder assembles the QP of a linear MPC. The plant
//
//	x(k+1) = A x(k) + B u(k) + Bd d(k)
//	y(k)   = C x(k) + Dd d(k)
//
// is augmented to carry the previous input as a state so that the input
// increment becomes the decision input:
//
//	[x; u](k+1) = [A B; 0 I] [x; u](k) + [B; I] Δu(k)
//
// P and A only depend on the model, the weights and the constraints and are
// rebuilt by every setter. q, l and u are refreshed by Get at each step.
type ProblemBuilder struct {
	dim         Dimensions
	initialized bool

	// augmented model
	ssA, ssB, ssC *mat64.Dense
	// measured disturbances to states and outputs, nil when ndu == 0
	ssBv, ssDv *mat64.Dense

	wOutput, wU, wDeltaU *mat64.Dense

	minX, maxX *mat64.Dense
	minY, maxY *mat64.Dense
	minU, maxU *mat64.Dense

	problem      Problem
	leq, ueq     *mat64.Vector
	lineq, uineq *mat64.Vector
}

// NewProblemBuilder returns an initialized ProblemBuilder.
func NewProblemBuilder(dim Dimensions) (*ProblemBuilder, error) {
	b := &ProblemBuilder{}
	if err := b.Initialize(dim); err != nil {
		return nil, err
	}
	return b, nil
}

// Initialize allocates every matrix for dim. Weights start at zero and bounds
// at ±Inf.
func (b *ProblemBuilder) Initialize(dim Dimensions) error {
	if err := dim.Validate(); err != nil {
		return err
	}
	b.dim = dim
	na := dim.AugLen()
	n1 := dim.Ph + 1

	b.ssA = mat64.NewDense(na, na, nil)
	b.ssB = mat64.NewDense(na, dim.Nu, nil)
	b.ssC = mat64.NewDense(dim.Ny+dim.Nu, na, nil)
	b.ssBv, b.ssDv = nil, nil
	if dim.Ndu > 0 {
		b.ssBv = mat64.NewDense(na, dim.Ndu, nil)
		b.ssDv = mat64.NewDense(dim.Ny+dim.Nu, dim.Ndu, nil)
	}

	b.wOutput = mat64.NewDense(dim.Ny, n1, nil)
	b.wU = mat64.NewDense(dim.Nu, n1, nil)
	b.wDeltaU = mat64.NewDense(dim.Nu, dim.Ph, nil)

	inf := math.Inf(1)
	b.minX, b.maxX = mat64.NewDense(dim.Nx, n1, nil), mat64.NewDense(dim.Nx, n1, nil)
	b.minY, b.maxY = mat64.NewDense(dim.Ny, n1, nil), mat64.NewDense(dim.Ny, n1, nil)
	b.minU, b.maxU = mat64.NewDense(dim.Nu, dim.Ph, nil), mat64.NewDense(dim.Nu, dim.Ph, nil)
	for _, m := range []*mat64.Dense{b.minX, b.minY, b.minU} {
		fill(m, -inf)
	}
	for _, m := range []*mat64.Dense{b.maxX, b.maxY, b.maxU} {
		fill(m, inf)
	}

	b.leq = mat64.NewVector(dim.QPEqRows(), nil)
	b.ueq = mat64.NewVector(dim.QPEqRows(), nil)
	b.lineq = mat64.NewVector(dim.QPIneqRows(), nil)
	b.uineq = mat64.NewVector(dim.QPIneqRows(), nil)

	b.problem = Problem{
		P:     mat64.NewDense(dim.QPVars(), dim.QPVars(), nil),
		Q:     mat64.NewVector(dim.QPVars(), nil),
		A:     mat64.NewDense(dim.QPRows(), dim.QPVars(), nil),
		L:     mat64.NewVector(dim.QPRows(), nil),
		U:     mat64.NewVector(dim.QPRows(), nil),
		NumEq: dim.QPEqRows(),
	}
	b.initialized = true
	b.buildTITerms()
	return nil
}

// SetStateModel sets the discrete time model matrices A (nx×nx), B (nx×nu)
// and C (ny×nx) and rebuilds the time invariant terms.
func (b *ProblemBuilder) SetStateModel(A, B, C mat64.Matrix) error {
	if !b.initialized {
		return ErrNotInitialized
	}
	d := b.dim
	if err := checkShape(A, d.Nx, d.Nx, "A"); err != nil {
		return err
	}
	if err := checkShape(B, d.Nx, d.Nu, "B"); err != nil {
		return err
	}
	if err := checkShape(C, d.Ny, d.Nx, "C"); err != nil {
		return err
	}

	// the augmented state stores the command input of the current step
	fill(b.ssA, 0)
	setBlock(b.ssA, 0, 0, A)
	setBlock(b.ssA, 0, d.Nx, B)
	setBlock(b.ssA, d.Nx, d.Nx, Identity(d.Nu))

	fill(b.ssB, 0)
	setBlock(b.ssB, 0, 0, B)
	setBlock(b.ssB, d.Nx, 0, Identity(d.Nu))

	// the command is also an output so that it can be penalized
	fill(b.ssC, 0)
	setBlock(b.ssC, 0, 0, C)
	setBlock(b.ssC, d.Ny, d.Nx, Identity(d.Nu))

	b.buildTITerms()
	return nil
}

// SetExogenousInput sets the measured disturbance matrices Bd (nx×ndu) and
// Dd (ny×ndu). They only act on the plant states and outputs.
func (b *ProblemBuilder) SetExogenousInput(Bd, Dd mat64.Matrix) error {
	if !b.initialized {
		return ErrNotInitialized
	}
	d := b.dim
	if d.Ndu == 0 {
		return fmt.Errorf("%w: no measured disturbance declared (ndu=0)", ErrDimension)
	}
	if err := checkShape(Bd, d.Nx, d.Ndu, "Bd"); err != nil {
		return err
	}
	if err := checkShape(Dd, d.Ny, d.Ndu, "Dd"); err != nil {
		return err
	}
	fill(b.ssBv, 0)
	setBlock(b.ssBv, 0, 0, Bd)
	fill(b.ssDv, 0)
	setBlock(b.ssDv, 0, 0, Dd)

	b.buildTITerms()
	return nil
}

// SetObjective sets the per step weights: output ny×(ph+1), input nu×(ph+1)
// and input increment nu×ph.
func (b *ProblemBuilder) SetObjective(OWeight, UWeight, DeltaUWeight mat64.Matrix) error {
	if !b.initialized {
		return ErrNotInitialized
	}
	d := b.dim
	if err := checkShape(OWeight, d.Ny, d.Ph+1, "output weight"); err != nil {
		return err
	}
	if err := checkShape(UWeight, d.Nu, d.Ph+1, "input weight"); err != nil {
		return err
	}
	if err := checkShape(DeltaUWeight, d.Nu, d.Ph, "input increment weight"); err != nil {
		return err
	}
	b.wOutput = mat64.DenseCopyOf(OWeight)
	b.wU = mat64.DenseCopyOf(UWeight)
	b.wDeltaU = mat64.DenseCopyOf(DeltaUWeight)

	b.buildTITerms()
	return nil
}

// SetConstraints sets the per step bounds, each with ph columns. The first
// column is also used as the bound of the current step.
func (b *ProblemBuilder) SetConstraints(XMin, UMin, YMin, XMax, UMax, YMax mat64.Matrix) error {
	if !b.initialized {
		return ErrNotInitialized
	}
	d := b.dim
	shapes := []struct {
		m    mat64.Matrix
		r    int
		name string
	}{
		{XMin, d.Nx, "XMin"}, {UMin, d.Nu, "UMin"}, {YMin, d.Ny, "YMin"},
		{XMax, d.Nx, "XMax"}, {UMax, d.Nu, "UMax"}, {YMax, d.Ny, "YMax"},
	}
	for _, s := range shapes {
		if err := checkShape(s.m, s.r, d.Ph, s.name); err != nil {
			return err
		}
	}

	withCurrent := func(dst *mat64.Dense, src mat64.Matrix) {
		setBlock(dst, 0, 1, src)
		r, _ := src.Dims()
		for i := 0; i < r; i++ {
			dst.Set(i, 0, src.At(i, 0))
		}
	}
	withCurrent(b.minX, XMin)
	withCurrent(b.maxX, XMax)
	withCurrent(b.minY, YMin)
	withCurrent(b.maxY, YMax)
	b.minU = mat64.DenseCopyOf(UMin)
	b.maxU = mat64.DenseCopyOf(UMax)

	b.buildTITerms()
	return nil
}

// Get refreshes the reference and disturbance dependent terms and returns the
// problem for the current step. u0 is the command applied at the previous step
// and may be nil (zero). uMeas may be nil when ndu == 0. The returned Problem is
// owned by the builder and is only valid until the next call to Get.
func (b *ProblemBuilder) Get(x0, u0, yRef, uRef, deltaURef, uMeas *mat64.Vector) (*Problem, error) {
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	d := b.dim
	na := d.AugLen()
	nz := (d.Ph + 1) * na

	if err := checkVecLen(x0, d.Nx, "x0"); err != nil {
		return nil, err
	}
	if u0 != nil {
		if err := checkVecLen(u0, d.Nu, "u0"); err != nil {
			return nil, err
		}
	}
	if err := checkVecLen(yRef, d.Ny, "output reference"); err != nil {
		return nil, err
	}
	if err := checkVecLen(uRef, d.Nu, "input reference"); err != nil {
		return nil, err
	}
	if err := checkVecLen(deltaURef, d.Nu, "input increment reference"); err != nil {
		return nil, err
	}
	if d.Ndu > 0 {
		if err := checkVecLen(uMeas, d.Ndu, "measured disturbance"); err != nil {
			return nil, err
		}
	}

	eRef := mat64.NewVector(d.Ny+d.Nu, nil)
	setSegment(eRef, 0, yRef)
	setSegment(eRef, d.Ny, uRef)

	// offset of the tracked outputs: Dv·d - [yRef; uRef]
	offset := mat64.NewVector(d.Ny+d.Nu, nil)
	offset.ScaleVec(-1, eRef)
	var stateDist, outputDist *mat64.Vector
	if d.Ndu > 0 {
		var dv, bv mat64.Vector
		dv.MulVec(b.ssDv, uMeas)
		bv.MulVec(b.ssBv, uMeas)
		offset.AddVec(offset, &dv)
		stateDist, outputDist = &bv, &dv
	}

	q := b.problem.Q
	for i := 0; i < q.Len(); i++ {
		q.SetVec(i, 0)
	}
	for i := 0; i < b.leq.Len(); i++ {
		b.leq.SetVec(i, 0)
	}

	for i := 0; i <= d.Ph; i++ {
		var ct, qi mat64.Dense
		ct.Mul(b.ssC.T(), b.extendedWeight(i))
		qi.Mul(&ct, offset)
		setSegment(q, i*na, &qi)

		// the command increments stop at the last prediction horizon step
		if i < d.Ph {
			for j := 0; j < d.Nu; j++ {
				q.SetVec(nz+i*d.Nu+j, -b.wDeltaU.At(j, i)*deltaURef.At(j, 0))
			}
		}

		// the first block of the dynamics is the initial condition
		if i > 0 && stateDist != nil {
			for j := 0; j < na; j++ {
				b.leq.SetVec(i*na+j, -stateDist.At(j, 0))
			}
		}
	}

	for j := 0; j < d.Nx; j++ {
		b.leq.SetVec(j, -x0.At(j, 0))
	}
	if u0 != nil {
		for j := 0; j < d.Nu; j++ {
			b.leq.SetVec(d.Nx+j, -u0.At(j, 0))
		}
	}
	b.ueq.CopyVec(b.leq)

	l, u := b.problem.L, b.problem.U
	setSegment(l, 0, b.leq)
	setSegment(u, 0, b.ueq)
	setSegment(l, nz, b.lineq)
	setSegment(u, nz, b.uineq)

	// measured disturbances act on the outputs as offsets
	if outputDist != nil {
		for i := 0; i <= d.Ph; i++ {
			row := nz + nz + i*d.Ny
			for j := 0; j < d.Ny; j++ {
				l.SetVec(row+j, l.At(row+j, 0)-outputDist.At(j, 0))
				u.SetVec(row+j, u.At(row+j, 0)-outputDist.At(j, 0))
			}
		}
	}
	return &b.problem, nil
}

// Problem returns the problem assembled so far.
func (b *ProblemBuilder) Problem() *Problem {
	return &b.problem
}

// AugmentedModel returns copies of the augmented matrices ssA, ssB and ssC.
func (b *ProblemBuilder) AugmentedModel() (ssA, ssB, ssC *mat64.Dense) {
	return mat64.DenseCopyOf(b.ssA), mat64.DenseCopyOf(b.ssB), mat64.DenseCopyOf(b.ssC)
}

// StateBounds returns copies of the nx×(ph+1) state bounds.
func (b *ProblemBuilder) StateBounds() (min, max *mat64.Dense) {
	return mat64.DenseCopyOf(b.minX), mat64.DenseCopyOf(b.maxX)
}

// OutputBounds returns copies of the ny×(ph+1) output bounds.
func (b *ProblemBuilder) OutputBounds() (min, max *mat64.Dense) {
	return mat64.DenseCopyOf(b.minY), mat64.DenseCopyOf(b.maxY)
}

// InputBounds returns copies of the nu×ph input bounds.
func (b *ProblemBuilder) InputBounds() (min, max *mat64.Dense) {
	return mat64.DenseCopyOf(b.minU), mat64.DenseCopyOf(b.maxU)
}

// extendedWeight returns diag(outputWeight_i, inputWeight_i).
func (b *ProblemBuilder) extendedWeight(i int) *mat64.Dense {
	d := b.dim
	w := mat64.NewDense(d.Ny+d.Nu, d.Ny+d.Nu, nil)
	for j := 0; j < d.Ny; j++ {
		w.Set(j, j, b.wOutput.At(j, i))
	}
	for j := 0; j < d.Nu; j++ {
		w.Set(d.Ny+j, d.Ny+j, b.wU.At(j, i))
	}
	return w
}

func (b *ProblemBuilder) buildTITerms() {
	d := b.dim
	na := d.AugLen()
	n1 := d.Ph + 1
	nz := n1 * na
	nd := d.Ph * d.Nu

	// quadratic objective
	P := b.problem.P
	fill(P, 0)
	for i := 0; i < n1; i++ {
		var ct, ctwc mat64.Dense
		ct.Mul(b.ssC.T(), b.extendedWeight(i))
		ctwc.Mul(&ct, b.ssC)
		setBlock(P, i*na, i*na, &ctwc)

		if i < d.Ph {
			for j := 0; j < d.Nu; j++ {
				P.Set(nz+i*d.Nu+j, nz+i*d.Nu+j, b.wDeltaU.At(j, i))
			}
		}
	}

	// dynamics: -z(i) + ssA z(i-1) + ssB Δu(i-1) = -ssBv d, z(0) = [x0; u0]
	A := b.problem.A
	fill(A, 0)
	addBlock(A, 0, 0, Kron(Identity(n1), ScaledIdentity(na, -1)))
	addBlock(A, 0, 0, Kron(ShiftIdentity(n1, n1), b.ssA))
	setBlock(A, 0, nz, Kron(ShiftIdentity(n1, d.Ph), b.ssB))

	// box constraints on every augmented state
	setBlock(A, nz, 0, Identity(nz))
	// output constraints, only the plant outputs of ssC
	cy := mat64.NewDense(d.Ny, na, nil)
	setBlock(cy, 0, 0, b.ssC.View(0, 0, d.Ny, na))
	setBlock(A, nz+nz, 0, Kron(Identity(n1), cy))
	// rate constraints
	setBlock(A, nz+nz+n1*d.Ny, nz, Identity(nd))

	for i := 0; i < n1; i++ {
		ui := i
		if i == d.Ph {
			ui = i - 1
		}
		for j := 0; j < d.Nx; j++ {
			b.lineq.SetVec(i*na+j, b.minX.At(j, i))
			b.uineq.SetVec(i*na+j, b.maxX.At(j, i))
		}
		for j := 0; j < d.Nu; j++ {
			b.lineq.SetVec(i*na+d.Nx+j, b.minU.At(j, ui))
			b.uineq.SetVec(i*na+d.Nx+j, b.maxU.At(j, ui))
		}
		for j := 0; j < d.Ny; j++ {
			b.lineq.SetVec(nz+i*d.Ny+j, b.minY.At(j, i))
			b.uineq.SetVec(nz+i*d.Ny+j, b.maxY.At(j, i))
		}
	}

	// increments past the control horizon are forced to zero
	inf := math.Inf(1)
	for i := 0; i < d.Ph; i++ {
		lo, hi := -inf, inf
		if i > d.Ch {
			lo, hi = 0, 0
		}
		for j := 0; j < d.Nu; j++ {
			b.lineq.SetVec(nz+n1*d.Ny+i*d.Nu+j, lo)
			b.uineq.SetVec(nz+n1*d.Ny+i*d.Nu+j, hi)
		}
	}
}
