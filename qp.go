package mpc

import (
	"fmt"
	"math"

	"github.com/curioloop/optimizer/slsqp"
	"github.com/gonum/matrix/mat64"
)

// QPSolution is the outcome of a QP solve.
type QPSolution struct {
	X          []float64
	Cost       float64
	OK         bool
	Status     int
	Iterations int
}

// QPSolver solves the problems assembled by a ProblemBuilder. warm may be nil.
// An infeasible problem is a failed solution, not an error: errors are kept
// for problems of inconsistent sizes or solver misconfiguration.
type QPSolver interface {
	Solve(p *Problem, warm []float64) (QPSolution, error)
}

// SLSQPSolver is a QPSolver backed by the SLSQP algorithm. Before solving, the
// first NumEq rows of A, which must have equal bounds, are used to eliminate
// the first NumEq variables, so that the dynamics of an MPC problem are
// condensed into the input increments. Variables fixed by a single coefficient
// row with equal bounds are then substituted. The rows left with a single non
// zero coefficient become variable bounds, those with equal bounds equality
// constraints and the other finite sides inequality constraints.
type SLSQPSolver struct {
	Params LParameters
}

// NewSLSQPSolver returns a QP solver using the provided parameters.
func NewSLSQPSolver(params LParameters) *SLSQPSolver {
	return &SLSQPSolver{Params: params}
}

// infeasible is the solution of a problem whose constraints cannot be met.
var infeasible = QPSolution{OK: false, Status: int(slsqp.ConsIncompatible)}

// sparseRow is one row of A restricted to its non zero entries.
type sparseRow struct {
	idx []int
	val []float64
}

func (r sparseRow) dot(x []float64) float64 {
	s := 0.0
	for k, i := range r.idx {
		s += r.val[k] * x[i]
	}
	return s
}

// gradient writes the gradient of sign·(row·x) into g.
func (r sparseRow) gradient(g []float64, sign float64) {
	for i := range g {
		g[i] = 0
	}
	for k, i := range r.idx {
		g[i] = sign * r.val[k]
	}
}

// denseQP is minimize ½ xᵀPx + qᵀx subject to lo ≤ row·x ≤ hi, with P row
// major. Rows with infinite sides only are not stored.
type denseQP struct {
	n      int
	p, q   []float64
	rows   []sparseRow
	lo, hi []float64
	// why the problem is infeasible, empty when it may be feasible
	infeasible string
}

func newDenseQP(n int) *denseQP {
	return &denseQP{n: n, p: make([]float64, n*n), q: make([]float64, n)}
}

// addRow adds lo ≤ coef·x ≤ hi. Coefficients below a relative threshold are
// dropped and a row left empty is checked against zero.
func (qp *denseQP) addRow(coef []float64, lo, hi, scale float64) {
	if qp.infeasible != "" {
		return
	}
	if lo > hi {
		qp.infeasible = fmt.Sprintf("row %d has lower bound %g above upper bound %g", len(qp.rows), lo, hi)
		return
	}
	if math.IsInf(lo, -1) && math.IsInf(hi, 1) {
		return
	}
	tol := 1e-12 * math.Max(scale, 1)
	row := sparseRow{}
	for j, v := range coef {
		if math.Abs(v) > tol {
			row.idx = append(row.idx, j)
			row.val = append(row.val, v)
		}
	}
	if len(row.idx) == 0 {
		feas := 1e-9 * math.Max(1, math.Max(math.Abs(finite(lo)), math.Abs(finite(hi))))
		if lo > feas || hi < -feas {
			qp.infeasible = fmt.Sprintf("constant row requires %g <= 0 <= %g", lo, hi)
		}
		return
	}
	qp.rows = append(qp.rows, row)
	qp.lo = append(qp.lo, lo)
	qp.hi = append(qp.hi, hi)
}

// objective returns the cost at x and writes its gradient into g when g is not nil.
func (qp *denseQP) objective(x, g []float64) float64 {
	f := 0.0
	for i := 0; i < qp.n; i++ {
		px := 0.0
		for j, v := range qp.p[i*qp.n : (i+1)*qp.n] {
			if v != 0 {
				px += v * x[j]
			}
		}
		if g != nil {
			g[i] = px + qp.q[i]
		}
		f += x[i] * (0.5*px + qp.q[i])
	}
	return f
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return 0
	}
	return v
}

// fromProblem returns the problem as is.
func fromProblem(p *Problem) *denseQP {
	n, _ := p.P.Dims()
	rows, _ := p.A.Dims()
	qp := newDenseQP(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			qp.p[i*n+j] = p.P.At(i, j)
		}
		qp.q[i] = p.Q.At(i, 0)
	}
	coef := make([]float64, n)
	for i := 0; i < rows; i++ {
		scale := 0.0
		for j := range coef {
			coef[j] = p.A.At(i, j)
			scale = math.Max(scale, math.Abs(coef[j]))
		}
		qp.addRow(coef, p.L.At(i, 0), p.U.At(i, 0), scale)
	}
	return qp
}

// elimination is the affine map x = T y + t from the free variables y onto
// the solution of the equality rows of a Problem.
type elimination struct {
	m, n int
	T    *mat64.Dense
	t    *mat64.Vector
}

// eliminate solves the first NumEq rows of A for the first NumEq variables. It
// returns nil when these rows are not equalities or their leading block is
// singular.
func eliminate(p *Problem) *elimination {
	n, _ := p.P.Dims()
	m := p.NumEq
	if m <= 0 || m >= n {
		return nil
	}
	for i := 0; i < m; i++ {
		if p.L.At(i, 0) != p.U.At(i, 0) {
			return nil
		}
	}
	k := n - m
	rhs := mat64.NewDense(m, k+1, nil)
	for i := 0; i < m; i++ {
		rhs.Set(i, 0, p.L.At(i, 0))
		for j := 0; j < k; j++ {
			rhs.Set(i, j+1, -p.A.At(i, m+j))
		}
	}
	var sol mat64.Dense
	if err := sol.Solve(p.A.View(0, 0, m, m), rhs); err != nil {
		return nil
	}
	el := &elimination{m: m, n: n, T: mat64.NewDense(n, k, nil), t: mat64.NewVector(n, nil)}
	for i := 0; i < m; i++ {
		el.t.SetVec(i, sol.At(i, 0))
		for j := 0; j < k; j++ {
			el.T.Set(i, j, sol.At(i, j+1))
		}
	}
	for j := 0; j < k; j++ {
		el.T.Set(m+j, j, 1)
	}
	return el
}

// reduce returns the problem in the free variables.
func (el *elimination) reduce(p *Problem) *denseQP {
	k := el.n - el.m
	var PT, Pr mat64.Dense
	PT.Mul(p.P, el.T)
	Pr.Mul(el.T.T(), &PT)
	var pt, qr mat64.Vector
	pt.MulVec(p.P, el.t)
	pt.AddVec(&pt, p.Q)
	qr.MulVec(el.T.T(), &pt)

	qp := newDenseQP(k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			qp.p[i*k+j] = 0.5 * (Pr.At(i, j) + Pr.At(j, i))
		}
		qp.q[i] = qr.At(i, 0)
	}

	rows, _ := p.A.Dims()
	coef := make([]float64, k)
	for i := el.m; i < rows; i++ {
		lo, hi := p.L.At(i, 0), p.U.At(i, 0)
		if math.IsInf(lo, -1) && math.IsInf(hi, 1) {
			continue
		}
		for c := range coef {
			coef[c] = 0
		}
		offset, scale := 0.0, 0.0
		for j := 0; j < el.n; j++ {
			a := p.A.At(i, j)
			if a == 0 {
				continue
			}
			scale = math.Max(scale, math.Abs(a))
			offset += a * el.t.At(j, 0)
			for c := range coef {
				coef[c] += a * el.T.At(j, c)
			}
		}
		qp.addRow(coef, lo-offset, hi-offset, scale)
	}
	return qp
}

func (el *elimination) expand(y []float64) []float64 {
	var x mat64.Vector
	x.MulVec(el.T, mat64.NewVector(len(y), y))
	x.AddVec(&x, el.t)
	return vecSlice(&x)
}

// substitution removes fixed variables from a denseQP.
type substitution struct {
	n     int
	free  []int
	value map[int]float64
}

// substitute finds the variables fixed by a single coefficient row with equal
// bounds and returns the problem in the remaining variables. It returns a nil
// substitution when no variable is fixed.
func substitute(qp *denseQP) (*denseQP, *substitution) {
	fixed := map[int]float64{}
	for r, row := range qp.rows {
		if len(row.idx) != 1 || qp.lo[r] != qp.hi[r] {
			continue
		}
		j, v := row.idx[0], qp.lo[r]/row.val[0]
		if prev, ok := fixed[j]; ok && math.Abs(prev-v) > 1e-12*math.Max(1, math.Abs(v)) {
			red := newDenseQP(0)
			red.infeasible = fmt.Sprintf("variable %d is fixed to both %g and %g", j, prev, v)
			return red, nil
		}
		fixed[j] = v
	}
	if len(fixed) == 0 {
		return qp, nil
	}

	sub := &substitution{n: qp.n, value: fixed}
	pos := make([]int, qp.n)
	for j := 0; j < qp.n; j++ {
		if _, ok := fixed[j]; ok {
			pos[j] = -1
			continue
		}
		pos[j] = len(sub.free)
		sub.free = append(sub.free, j)
	}
	k := len(sub.free)
	red := newDenseQP(k)
	for a, i := range sub.free {
		red.q[a] = qp.q[i]
		for b, j := range sub.free {
			red.p[a*k+b] = qp.p[i*qp.n+j]
		}
		for j, v := range fixed {
			red.q[a] += qp.p[i*qp.n+j] * v
		}
	}
	coef := make([]float64, k)
	for r, row := range qp.rows {
		for c := range coef {
			coef[c] = 0
		}
		offset, scale := 0.0, 0.0
		for e, j := range row.idx {
			scale = math.Max(scale, math.Abs(row.val[e]))
			if pos[j] < 0 {
				offset += row.val[e] * fixed[j]
				continue
			}
			coef[pos[j]] = row.val[e]
		}
		red.addRow(coef, qp.lo[r]-offset, qp.hi[r]-offset, scale)
	}
	return red, sub
}

func (s *substitution) expand(y []float64) []float64 {
	x := make([]float64, s.n)
	for j, v := range s.value {
		x[j] = v
	}
	for a, j := range s.free {
		x[j] = y[a]
	}
	return x
}

func (s *substitution) restrict(x []float64) []float64 {
	y := make([]float64, len(s.free))
	for a, j := range s.free {
		y[a] = x[j]
	}
	return y
}

// Solve implements QPSolver.
func (s *SLSQPSolver) Solve(p *Problem, warm []float64) (QPSolution, error) {
	n, c := p.P.Dims()
	if n != c || p.Q.Len() != n {
		return QPSolution{}, fmt.Errorf("%w: P is %dx%d and q has %d elements", ErrDimension, n, c, p.Q.Len())
	}
	rows, ac := p.A.Dims()
	if ac != n || p.L.Len() != rows || p.U.Len() != rows {
		return QPSolution{}, fmt.Errorf("%w: A is %dx%d with %d/%d bounds", ErrDimension, rows, ac, p.L.Len(), p.U.Len())
	}
	if warm != nil && len(warm) != n {
		return QPSolution{}, fmt.Errorf("%w: warm start has %d elements, expected %d", ErrDimension, len(warm), n)
	}

	full := fromProblem(p)
	qp := full
	el := eliminate(p)
	if el != nil {
		qp = el.reduce(p)
		if warm != nil {
			warm = warm[el.m:]
		}
	}
	if qp.infeasible != "" {
		return infeasible, nil
	}
	qp, sub := substitute(qp)
	if qp.infeasible != "" {
		return infeasible, nil
	}
	if sub != nil && warm != nil {
		warm = sub.restrict(warm)
	}

	var sol QPSolution
	if qp.n == 0 {
		sol = QPSolution{OK: true}
	} else {
		var err error
		if sol, err = s.solve(qp, warm); err != nil || (!sol.OK && sol.X == nil) {
			return sol, err
		}
	}
	x := sol.X
	if sub != nil {
		x = sub.expand(x)
	}
	if el != nil {
		x = el.expand(x)
	}
	sol.X = x
	sol.Cost = full.objective(x, nil)
	return sol, nil
}

// solve runs SLSQP on a problem without fixed variables.
func (s *SLSQPSolver) solve(qp *denseQP, warm []float64) (QPSolution, error) {
	n := qp.n
	bounds := make([]slsqp.Bound, n)
	for i := range bounds {
		bounds[i] = slsqp.Bound{Lower: math.Inf(-1), Upper: math.Inf(1)}
	}
	var eqCons, neqCons []slsqp.Evaluation
	for r, row := range qp.rows {
		lo, hi := qp.lo[r], qp.hi[r]
		switch {
		case len(row.idx) == 1:
			j, a := row.idx[0], row.val[0]
			vlo, vhi := lo/a, hi/a
			if a < 0 {
				vlo, vhi = vhi, vlo
			}
			bounds[j].Lower = math.Max(bounds[j].Lower, vlo)
			bounds[j].Upper = math.Min(bounds[j].Upper, vhi)
			if bounds[j].Lower > bounds[j].Upper {
				return infeasible, nil
			}
		case lo == hi:
			eqCons = append(eqCons, rowEvaluation(row, 1, -lo))
		default:
			if !math.IsInf(lo, -1) {
				neqCons = append(neqCons, rowEvaluation(row, 1, -lo))
			}
			if !math.IsInf(hi, 1) {
				neqCons = append(neqCons, rowEvaluation(row, -1, hi))
			}
		}
	}

	prob := slsqp.Problem{
		N: n,
		Stop: slsqp.Termination{
			Accuracy:       s.Params.Accuracy,
			MaxIterations:  s.Params.MaxIterations,
			NNLSIterations: s.Params.NNLSIterations,
			FEvalTolerance: math.NaN(),
			FDiffTolerance: math.NaN(),
			XDiffTolerance: math.NaN(),
		},
		Object:  qp.objective,
		EqCons:  eqCons,
		NeqCons: neqCons,
		Bounds:  bounds,
	}
	opt, err := prob.New()
	if err != nil {
		return QPSolution{}, fmt.Errorf("could not configure solver: %w", err)
	}

	x0 := make([]float64, n)
	copy(x0, warm)
	for i, b := range bounds {
		x0[i] = math.Min(math.Max(x0[i], b.Lower), b.Upper)
	}

	res := opt.Fit(x0, opt.Init())
	return QPSolution{
		X:          res.X,
		Cost:       res.F,
		OK:         res.OK,
		Status:     int(res.Status),
		Iterations: res.NumIter,
	}, nil
}

// rowEvaluation returns the constraint sign·(row·x) + offset ≥ 0.
func rowEvaluation(row sparseRow, sign, offset float64) slsqp.Evaluation {
	return func(x, g []float64) float64 {
		if g != nil {
			row.gradient(g, sign)
		}
		return sign*row.dot(x) + offset
	}
}

// solverStatus describes an SLSQP status code.
func solverStatus(status int) string {
	switch status {
	case int(slsqp.OK):
		return "converged"
	case int(slsqp.HasSolution):
		return "has solution"
	case int(slsqp.BadArgument):
		return "bad argument or evaluation panic"
	case int(slsqp.NNLSExceedMaxIter):
		return "NNLS iteration limit reached"
	case int(slsqp.ConsIncompatible):
		return "incompatible constraints"
	case int(slsqp.LSISingularE):
		return "singular E in LSI"
	case int(slsqp.LSEISingularC):
		return "singular C in LSEI"
	case int(slsqp.HFTIRankDefect):
		return "rank defect in HFTI"
	case int(slsqp.SearchNotDescent):
		return "line search not descending"
	case int(slsqp.SQPExceedMaxIter):
		return "iteration limit reached"
	default:
		return fmt.Sprintf("unknown status %d", status)
	}
}

// failureCode maps a solver status onto a negative return code.
func failureCode(status int) int {
	if status <= 0 {
		return -1
	}
	return -status
}
